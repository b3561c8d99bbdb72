package history

import (
	"encoding/json"
	"time"

	"github.com/manash/imgbatch/pkg/models"
)

type Status string

const (
	StatusSucceeded Status = "succeeded"
	StatusFailed    Status = "failed"
	StatusSkipped   Status = "skipped"
)

// Run is one invocation of the batch command.
type Run struct {
	ID         string
	Source     string
	OutputDir  string
	Workers    int
	SeedStart  int64
	StartedAt  time.Time
	FinishedAt time.Time
	Total      int
	Succeeded  int
	Failed     int
	Skipped    int
	// ParentID is set when the run re-ran the failures of an earlier run.
	ParentID string
}

func (r *Run) Finished() bool {
	return !r.FinishedAt.IsZero()
}

// JobRecord keeps enough of a job to rebuild it for a rerun.
type JobRecord struct {
	RunID             string
	Index             int
	RowID             string
	Prompt            string
	AspectRatio       models.AspectRatio
	References        []models.Reference
	Seed              int64
	Status            Status
	Path              string
	Size              int64
	MediaGenerationID string
	Error             string
	Duration          time.Duration
}

// Job rebuilds the job the record was made from. The seed is left for the
// orchestrator to assign again.
func (r *JobRecord) Job() *models.Job {
	return &models.Job{
		RowID:       r.RowID,
		Prompt:      r.Prompt,
		AspectRatio: r.AspectRatio,
		References:  append([]models.Reference(nil), r.References...),
	}
}

func referencesJSON(refs []models.Reference) string {
	if len(refs) == 0 {
		return ""
	}
	data, _ := json.Marshal(refs)
	return string(data)
}

func parseReferences(data string) []models.Reference {
	var refs []models.Reference
	if data != "" {
		json.Unmarshal([]byte(data), &refs)
	}
	return refs
}
