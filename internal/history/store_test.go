package history

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/manash/imgbatch/internal/batch"
	"github.com/manash/imgbatch/pkg/models"
)

func testStore(t *testing.T) *Store {
	t.Helper()
	store, err := NewStoreWithPath(filepath.Join(t.TempDir(), "nested", "history.db"))
	if err != nil {
		t.Fatalf("NewStoreWithPath() error = %v", err)
	}
	t.Cleanup(func() { store.Close() })
	return store
}

func TestStore_CreateAndGetRun(t *testing.T) {
	store := testStore(t)
	ctx := context.Background()

	run := &Run{Source: "jobs.csv", OutputDir: "out", Workers: 3, SeedStart: 100, Total: 4}
	if err := store.CreateRun(ctx, run); err != nil {
		t.Fatalf("CreateRun() error = %v", err)
	}
	if run.ID == "" || run.StartedAt.IsZero() {
		t.Fatalf("CreateRun() did not assign id or start time: %+v", run)
	}

	got, err := store.GetRun(ctx, run.ID)
	if err != nil {
		t.Fatalf("GetRun() error = %v", err)
	}
	if got.Source != "jobs.csv" || got.Workers != 3 || got.SeedStart != 100 || got.Finished() {
		t.Errorf("GetRun() = %+v", got)
	}

	byPrefix, err := store.GetRun(ctx, run.ID[:8])
	if err != nil || byPrefix.ID != run.ID {
		t.Errorf("GetRun(prefix) = %v, %v", byPrefix, err)
	}

	if _, err := store.GetRun(ctx, "nope"); !errors.Is(err, ErrRunNotFound) {
		t.Errorf("GetRun(missing) error = %v, want ErrRunNotFound", err)
	}
}

func TestStore_GetRun_Ambiguous(t *testing.T) {
	store := testStore(t)
	ctx := context.Background()

	for _, id := range []string{"abc-1", "abc-2"} {
		if err := store.CreateRun(ctx, &Run{ID: id, Source: "x", OutputDir: "o"}); err != nil {
			t.Fatal(err)
		}
	}
	if _, err := store.GetRun(ctx, "abc"); !errors.Is(err, ErrAmbiguousRun) {
		t.Errorf("GetRun(abc) error = %v, want ErrAmbiguousRun", err)
	}
	if got, err := store.GetRun(ctx, "abc-2"); err != nil || got.ID != "abc-2" {
		t.Errorf("GetRun(abc-2) = %v, %v", got, err)
	}
}

func TestStore_ListRuns(t *testing.T) {
	store := testStore(t)
	ctx := context.Background()

	now := time.Now()
	for i, id := range []string{"old", "mid", "new"} {
		run := &Run{ID: id, Source: "x", OutputDir: "o", StartedAt: now.Add(time.Duration(i) * time.Minute)}
		if err := store.CreateRun(ctx, run); err != nil {
			t.Fatal(err)
		}
	}

	runs, err := store.ListRuns(ctx, 0)
	if err != nil {
		t.Fatalf("ListRuns() error = %v", err)
	}
	if len(runs) != 3 || runs[0].ID != "new" || runs[2].ID != "old" {
		t.Errorf("ListRuns() order = %v", ids(runs))
	}

	limited, _ := store.ListRuns(ctx, 2)
	if len(limited) != 2 {
		t.Errorf("ListRuns(2) returned %d runs", len(limited))
	}
}

func ids(runs []*Run) []string {
	var out []string
	for _, r := range runs {
		out = append(out, r.ID)
	}
	return out
}

func TestStore_RecordReport_AndFailedJobs(t *testing.T) {
	store := testStore(t)
	ctx := context.Background()

	run := &Run{Source: "jobs.json", OutputDir: "out", Workers: 2}
	if err := store.CreateRun(ctx, run); err != nil {
		t.Fatal(err)
	}

	jobs := []*models.Job{
		models.NewJob("1", "a red fox"),
		models.NewJob("2", "cat in ink"),
		models.NewJob("3", "lighthouse"),
	}
	jobs[1].AspectRatio = models.AspectSquare
	jobs[1].References = []models.Reference{{Path: "/refs/cat.png", Caption: "tabby", Category: models.CategorySubject}}

	report := &batch.Report{
		Results: []batch.Result{
			{Index: 1, RowID: "1", Prompt: "a red fox", Seed: 10, Path: "out/1_a red fox.jpg", Size: 2048, MediaGenerationID: "g1", Duration: 1500 * time.Millisecond},
			{Index: 2, RowID: "2", Prompt: "cat in ink", Seed: 11, Error: errors.New("HTTP 429: RESOURCE_EXHAUSTED")},
			{Index: 3, RowID: "3", Prompt: "lighthouse", Error: batch.ErrSkipped, Skipped: true},
		},
		Succeeded: 1,
		Failed:    1,
		Skipped:   1,
	}

	if err := store.RecordReport(ctx, run, jobs, report); err != nil {
		t.Fatalf("RecordReport() error = %v", err)
	}

	got, err := store.GetRun(ctx, run.ID)
	if err != nil {
		t.Fatal(err)
	}
	if !got.Finished() || got.Total != 3 || got.Succeeded != 1 || got.Failed != 1 || got.Skipped != 1 {
		t.Errorf("finished run = %+v", got)
	}

	records, err := store.ListJobs(ctx, run.ID)
	if err != nil {
		t.Fatalf("ListJobs() error = %v", err)
	}
	if len(records) != 3 {
		t.Fatalf("ListJobs() returned %d records", len(records))
	}
	if r := records[0]; r.Status != StatusSucceeded || r.Size != 2048 || r.MediaGenerationID != "g1" || r.Duration != 1500*time.Millisecond {
		t.Errorf("record 1 = %+v", r)
	}
	if r := records[1]; r.Status != StatusFailed || r.Error != "HTTP 429: RESOURCE_EXHAUSTED" {
		t.Errorf("record 2 = %+v", r)
	}

	failed, err := store.FailedJobs(ctx, run.ID)
	if err != nil {
		t.Fatalf("FailedJobs() error = %v", err)
	}
	if len(failed) != 2 || failed[0].RowID != "2" || failed[1].RowID != "3" {
		t.Fatalf("FailedJobs() = %+v", failed)
	}
	if failed[0].AspectRatio != models.AspectSquare || len(failed[0].References) != 1 || failed[0].References[0].Caption != "tabby" {
		t.Errorf("rebuilt job = %+v", failed[0])
	}
	if failed[0].Seed != 0 {
		t.Errorf("rebuilt job Seed = %d, want unassigned", failed[0].Seed)
	}
}

func TestStore_GetRun_LiteralPrefix(t *testing.T) {
	store := testStore(t)
	ctx := context.Background()

	if err := store.CreateRun(ctx, &Run{ID: "abc-1", Source: "x", OutputDir: "o"}); err != nil {
		t.Fatal(err)
	}

	for _, id := range []string{"%", "_", "a%", "_bc", "abc_1"} {
		if _, err := store.GetRun(ctx, id); !errors.Is(err, ErrRunNotFound) {
			t.Errorf("GetRun(%q) error = %v, want ErrRunNotFound", id, err)
		}
	}
	if got, err := store.GetRun(ctx, "abc-"); err != nil || got.ID != "abc-1" {
		t.Errorf("GetRun(abc-) = %v, %v", got, err)
	}
}

func TestStore_RecordReport_AllOrNothing(t *testing.T) {
	store := testStore(t)
	ctx := context.Background()

	run := &Run{Source: "jobs.txt", OutputDir: "out"}
	if err := store.CreateRun(ctx, run); err != nil {
		t.Fatal(err)
	}
	if _, err := store.db.ExecContext(ctx, `CREATE TRIGGER reject_row BEFORE INSERT ON job_results
		WHEN NEW.row_id = 'bad' BEGIN SELECT RAISE(ABORT, 'rejected'); END`); err != nil {
		t.Fatal(err)
	}

	report := &batch.Report{
		Results: []batch.Result{
			{Index: 1, RowID: "1", Prompt: "a", Error: errors.New("boom")},
			{Index: 2, RowID: "bad", Prompt: "b", Error: errors.New("boom")},
		},
		Failed: 2,
	}
	if err := store.RecordReport(ctx, run, nil, report); err == nil {
		t.Fatal("RecordReport() error = nil")
	}

	records, err := store.ListJobs(ctx, run.ID)
	if err != nil {
		t.Fatal(err)
	}
	if len(records) != 0 {
		t.Errorf("ListJobs() = %d records after a failed RecordReport, want 0", len(records))
	}
	got, err := store.GetRun(ctx, run.ID)
	if err != nil {
		t.Fatal(err)
	}
	if got.Finished() || got.Failed != 0 {
		t.Errorf("run = %+v, want it left unfinished", got)
	}
}

func TestStore_RecordJob_UnknownRun(t *testing.T) {
	store := testStore(t)
	ctx := context.Background()

	err := store.RecordJob(ctx, &JobRecord{RunID: "missing", Index: 1, RowID: "1", Prompt: "p", Status: StatusFailed})
	if err == nil {
		t.Error("RecordJob() for an unknown run error = nil")
	}
}

func TestStore_DeleteRun(t *testing.T) {
	store := testStore(t)
	ctx := context.Background()

	run := &Run{Source: "x", OutputDir: "o"}
	if err := store.CreateRun(ctx, run); err != nil {
		t.Fatal(err)
	}
	if err := store.RecordJob(ctx, &JobRecord{RunID: run.ID, Index: 1, RowID: "1", Prompt: "p", Status: StatusFailed}); err != nil {
		t.Fatal(err)
	}
	if err := store.DeleteRun(ctx, run.ID); err != nil {
		t.Fatalf("DeleteRun() error = %v", err)
	}
	records, err := store.ListJobs(ctx, run.ID)
	if err != nil {
		t.Fatal(err)
	}
	if len(records) != 0 {
		t.Errorf("ListJobs() after delete = %d records", len(records))
	}
}
