package batch

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/manash/imgbatch/internal/auth"
	"github.com/manash/imgbatch/internal/provider"
	"github.com/manash/imgbatch/internal/provider/whisk"
	"github.com/manash/imgbatch/internal/retry"
	"github.com/manash/imgbatch/internal/security"
	"github.com/manash/imgbatch/internal/seed"
	"github.com/manash/imgbatch/internal/transport"
	"github.com/manash/imgbatch/pkg/models"
)

const pngSig = "\x89PNG\r\n\x1a\n"

const tinyPNG = "iVBORw0KGgoAAAANSUhEUgAAAAEAAAABCAYAAAAfFcSJAAAADUlEQVR42mNkYPhfDwAChwGA60e6kgAAAABJRU5ErkJggg=="

type mockGenerator struct {
	generate func(ctx context.Context, s *auth.Session, prompt string, seed int64, aspect models.AspectRatio) (*models.ImageSet, error)
	upload   func(ctx context.Context, s *auth.Session, wf models.ClientContext, image []byte, caption string, category models.Category) (*models.UploadHandle, error)
	compose  func(ctx context.Context, s *auth.Session, handles []models.UploadHandle, instruction string, seed int64, aspect models.AspectRatio) (*models.ImageSet, error)
}

func (m *mockGenerator) GenerateFromPrompt(ctx context.Context, s *auth.Session, prompt string, seed int64, aspect models.AspectRatio) (*models.ImageSet, error) {
	return m.generate(ctx, s, prompt, seed, aspect)
}

func (m *mockGenerator) UploadReference(ctx context.Context, s *auth.Session, wf models.ClientContext, image []byte, caption string, category models.Category) (*models.UploadHandle, error) {
	return m.upload(ctx, s, wf, image, caption, category)
}

func (m *mockGenerator) GenerateFromReferences(ctx context.Context, s *auth.Session, handles []models.UploadHandle, instruction string, seed int64, aspect models.AspectRatio) (*models.ImageSet, error) {
	return m.compose(ctx, s, handles, instruction, seed, aspect)
}

func (m *mockGenerator) EditImage(context.Context, *auth.Session, *models.EditRequest) (*models.ImageSet, error) {
	return nil, errors.New("not implemented")
}

type mockSessions struct {
	mu          sync.Mutex
	tokens      []string
	current     int
	invalidated int
}

func (m *mockSessions) Current(context.Context) (*auth.Session, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.current >= len(m.tokens) {
		return nil, auth.ErrSessionUnusable
	}
	return &auth.Session{AccessToken: m.tokens[m.current], Cookie: "sid=1", State: auth.StateValid}, nil
}

func (m *mockSessions) Invalidate(*auth.Session) {
	m.mu.Lock()
	m.invalidated++
	m.current++
	m.mu.Unlock()
}

func oneImage(encoded string) *models.ImageSet {
	return &models.ImageSet{Panels: []models.Panel{{Images: []models.GeneratedImage{
		{MediaGenerationID: "m-1"},
		{EncodedImage: encoded, MediaGenerationID: "m-2"},
	}}}}
}

func TestPipeline_PromptRefreshesOn401(t *testing.T) {
	dir := t.TempDir()
	sessions := &mockSessions{tokens: []string{"stale", "fresh"}}
	var tokens []string
	gen := &mockGenerator{
		generate: func(_ context.Context, s *auth.Session, prompt string, seed int64, _ models.AspectRatio) (*models.ImageSet, error) {
			tokens = append(tokens, s.AccessToken)
			if s.AccessToken == "stale" {
				return nil, fmt.Errorf("%w: %w", provider.ErrGenerationFailed, retry.NewStatusError(http.StatusUnauthorized, nil))
			}
			return oneImage(base64.StdEncoding.EncodeToString([]byte("img"))), nil
		},
	}

	pipeline := NewPipeline(Deps{Generator: gen, Sessions: sessions, OutputDir: dir, Logger: zerolog.Nop()})
	job := models.NewJob("5", "lighthouse")
	out, err := pipeline(context.Background(), job)
	if err != nil {
		t.Fatalf("pipeline() error = %v", err)
	}
	if strings.Join(tokens, ",") != "stale,fresh" {
		t.Errorf("tokens used = %v", tokens)
	}
	if sessions.invalidated != 1 {
		t.Errorf("invalidated = %d, want 1", sessions.invalidated)
	}
	if out.MediaGenerationID != "m-2" || filepath.Base(out.Path) != "5_lighthouse.jpg" || out.Size != 3 {
		t.Errorf("outcome = %+v", out)
	}
}

func TestPipeline_Unauthorized_GivesUpAfterRefresh(t *testing.T) {
	sessions := &mockSessions{tokens: []string{"a", "b", "c"}}
	calls := 0
	gen := &mockGenerator{
		generate: func(context.Context, *auth.Session, string, int64, models.AspectRatio) (*models.ImageSet, error) {
			calls++
			return nil, retry.NewStatusError(http.StatusUnauthorized, nil)
		},
	}

	_, err := NewPipeline(Deps{Generator: gen, Sessions: sessions, OutputDir: t.TempDir()})(context.Background(), models.NewJob("1", "x"))
	if !errors.Is(err, retry.ErrUnauthorized) {
		t.Errorf("error = %v, want ErrUnauthorized", err)
	}
	if calls != 2 {
		t.Errorf("calls = %d, want 2", calls)
	}
}

func TestPipeline_Composition(t *testing.T) {
	dir := t.TempDir()
	files := map[string][]byte{
		"/refs/cat.png":   []byte(pngSig + "cat"),
		"/refs/ink.png":   []byte(pngSig + "ink"),
		"/refs/notes.txt": []byte("not an image"),
	}

	var wfs []models.ClientContext
	var uploaded []string
	var composed []models.UploadHandle
	gen := &mockGenerator{
		upload: func(_ context.Context, _ *auth.Session, wf models.ClientContext, image []byte, caption string, category models.Category) (*models.UploadHandle, error) {
			wfs = append(wfs, wf)
			name := strings.TrimPrefix(string(image), pngSig)
			uploaded = append(uploaded, name+":"+caption)
			return &models.UploadHandle{MediaGenerationID: "h-" + name, Caption: caption, Category: category, Workflow: wf}, nil
		},
		compose: func(_ context.Context, _ *auth.Session, handles []models.UploadHandle, instruction string, seed int64, _ models.AspectRatio) (*models.ImageSet, error) {
			composed = handles
			if seed != 42 || instruction != "cat in ink" {
				t.Errorf("compose(%q, %d)", instruction, seed)
			}
			return oneImage(base64.StdEncoding.EncodeToString([]byte("out"))), nil
		},
	}

	pipeline := NewPipeline(Deps{
		Generator: gen,
		Sessions:  &mockSessions{tokens: []string{"t"}},
		OutputDir: dir,
		ReadFile: func(name string) ([]byte, error) {
			if b, ok := files[name]; ok {
				return b, nil
			}
			return nil, os.ErrNotExist
		},
	})

	job := models.NewJob("2", "cat in ink")
	job.Seed = 42
	job.References = []models.Reference{
		{Path: "/refs/cat.png", Caption: "tabby", Category: models.CategorySubject},
		{Path: "  ", Category: models.CategoryScene},
		{Path: "/refs/ink.png", Category: models.CategoryStyle},
	}
	if _, err := pipeline(context.Background(), job); err != nil {
		t.Fatalf("pipeline() error = %v", err)
	}

	if strings.Join(uploaded, ",") != "cat:tabby,ink:" {
		t.Errorf("uploaded = %v", uploaded)
	}
	if len(wfs) != 2 || wfs[0].IsZero() || !wfs[0].SameWorkflow(wfs[1]) {
		t.Errorf("upload workflows = %+v, want one shared context", wfs)
	}
	if len(composed) != 2 || composed[0].MediaGenerationID != "h-cat" || composed[1].Category != models.CategoryStyle {
		t.Errorf("composed handles = %+v", composed)
	}

	// a missing reference fails before anything is uploaded
	uploaded = nil
	job.References = append(job.References[:1], models.Reference{Path: "/refs/missing.png", Category: models.CategoryScene})
	_, err := pipeline(context.Background(), job)
	if !errors.Is(err, ErrReadReference) || !errors.Is(err, os.ErrNotExist) {
		t.Errorf("error = %v, want ErrReadReference", err)
	}
	if len(uploaded) != 0 {
		t.Errorf("uploaded = %v, want nothing", uploaded)
	}

	job.References[1].Path = "/refs/notes.txt"
	_, err = pipeline(context.Background(), job)
	if !errors.Is(err, ErrReadReference) || !errors.Is(err, security.ErrNotImage) {
		t.Errorf("error = %v, want ErrNotImage", err)
	}
	if len(uploaded) != 0 {
		t.Errorf("uploaded = %v, want nothing", uploaded)
	}
}

func TestPipeline_InvalidJobNotSent(t *testing.T) {
	gen := &mockGenerator{
		generate: func(context.Context, *auth.Session, string, int64, models.AspectRatio) (*models.ImageSet, error) {
			t.Error("generator called for invalid job")
			return nil, nil
		},
	}
	job := models.NewJob("1", "x")
	job.References = []models.Reference{
		{Path: "a.png", Category: models.CategorySubject},
		{Path: "b.png", Category: models.CategorySubject},
	}
	_, err := NewPipeline(Deps{Generator: gen, Sessions: &mockSessions{tokens: []string{"t"}}})(context.Background(), job)
	if !errors.Is(err, models.ErrDuplicateCategory) {
		t.Errorf("error = %v, want ErrDuplicateCategory", err)
	}
}

func TestPipeline_NoInlineImage(t *testing.T) {
	gen := &mockGenerator{
		generate: func(context.Context, *auth.Session, string, int64, models.AspectRatio) (*models.ImageSet, error) {
			return oneImage(""), nil
		},
	}
	_, err := NewPipeline(Deps{Generator: gen, Sessions: &mockSessions{tokens: []string{"t"}}, OutputDir: t.TempDir()})(context.Background(), models.NewJob("1", "x"))
	if !errors.Is(err, ErrNoImage) {
		t.Errorf("error = %v, want ErrNoImage", err)
	}
}

func TestEndToEnd_PromptJob(t *testing.T) {
	var seeds []int64
	var mu sync.Mutex
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		if r.Header.Get("Authorization") != "Bearer tok" {
			t.Errorf("Authorization = %q", r.Header.Get("Authorization"))
		}
		var req struct {
			Seed int64 `json:"seed"`
		}
		if err := json.Unmarshal(body, &req); err != nil {
			t.Errorf("request body: %v", err)
		}
		mu.Lock()
		seeds = append(seeds, req.Seed)
		mu.Unlock()
		fmt.Fprintf(w, `{"imagePanels":[{"prompt":"a red fox","generatedImages":[{"encodedImage":%q,"mediaGenerationId":"gen-1"}]}]}`, tinyPNG)
	}))
	defer server.Close()

	tc, err := transport.New(transport.Config{})
	if err != nil {
		t.Fatalf("transport.New() error = %v", err)
	}
	policy := retry.DefaultPolicy()
	policy.Sleep = func(context.Context, time.Duration) error { return nil }
	gen := whisk.New(tc, &provider.Config{APIBaseURL: server.URL + "/v1", LabsBaseURL: server.URL + "/trpc"}, policy)

	keeper := auth.NewKeeper(nil, "sid=1")
	keeper.Seed(&auth.Session{
		AccessToken: "tok",
		Cookie:      "sid=1",
		State:       auth.StateValid,
		ExpiresAt:   time.Now().Add(time.Hour),
	})

	dir := t.TempDir()
	var out bytes.Buffer
	p := NewProcessor(seed.New(1000), &out, io.Discard, zerolog.Nop())
	report := p.Run(context.Background(), []*models.Job{models.NewJob("1", "a red fox")}, Options{Workers: 3},
		NewPipeline(Deps{Generator: gen, Sessions: keeper, OutputDir: dir}))

	if report.Succeeded != 1 {
		t.Fatalf("report = %+v", report.Results)
	}
	want, _ := base64.StdEncoding.DecodeString(tinyPNG)
	got, err := os.ReadFile(filepath.Join(dir, "1_a red fox.jpg"))
	if err != nil {
		t.Fatalf("ReadFile() error = %v", err)
	}
	if !bytes.Equal(got, want) {
		t.Error("saved file differs from decoded payload")
	}
	if len(seeds) != 1 || seeds[0] != 1000 {
		t.Errorf("seeds sent = %v, want [1000]", seeds)
	}
	if report.Results[0].MediaGenerationID != "gen-1" {
		t.Errorf("MediaGenerationID = %q", report.Results[0].MediaGenerationID)
	}
	if !strings.Contains(out.String(), "row 1: saved") {
		t.Errorf("stdout = %q", out.String())
	}
}
