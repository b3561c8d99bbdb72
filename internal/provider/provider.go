package provider

import (
	"context"
	"errors"
	"fmt"

	"github.com/manash/imgbatch/internal/auth"
	"github.com/manash/imgbatch/pkg/models"
)

var (
	ErrGenerationFailed = errors.New("image generation failed")
	ErrUploadFailed     = errors.New("reference upload failed")
	ErrEditFailed       = errors.New("image edit failed")
	ErrNoHandles        = errors.New("composition needs at least one uploaded reference")
	ErrMixedWorkflows   = errors.New("uploaded references belong to different workflows")
	ErrMissingMediaID   = errors.New("upload response carried no media generation id")
	ErrNoCredentials    = errors.New("session lacks the credential this call needs")
)

// Generator is the remote image API. Bearer-token calls take the session's
// access token; tRPC calls take its cookie.
type Generator interface {
	GenerateFromPrompt(ctx context.Context, s *auth.Session, prompt string, seed int64, aspect models.AspectRatio) (*models.ImageSet, error)
	UploadReference(ctx context.Context, s *auth.Session, wf models.ClientContext, image []byte, caption string, category models.Category) (*models.UploadHandle, error)
	GenerateFromReferences(ctx context.Context, s *auth.Session, handles []models.UploadHandle, instruction string, seed int64, aspect models.AspectRatio) (*models.ImageSet, error)
	EditImage(ctx context.Context, s *auth.Session, req *models.EditRequest) (*models.ImageSet, error)
}

type Config struct {
	APIBaseURL  string
	LabsBaseURL string
	TimeoutSec  int
	MaxAttempts int
}

// CheckHandles verifies handles may be composed together and returns the
// workflow they share.
func CheckHandles(handles []models.UploadHandle) (models.ClientContext, error) {
	if len(handles) == 0 {
		return models.ClientContext{}, ErrNoHandles
	}
	if len(handles) > models.MaxReferences {
		return models.ClientContext{}, fmt.Errorf("%w: max %d, got %d", models.ErrTooManyReferences, models.MaxReferences, len(handles))
	}

	wf := handles[0].Workflow
	if wf.IsZero() {
		return models.ClientContext{}, fmt.Errorf("%w: handle %s has no workflow", ErrMixedWorkflows, handles[0].MediaGenerationID)
	}
	for _, h := range handles[1:] {
		if !h.Workflow.SameWorkflow(wf) {
			return models.ClientContext{}, fmt.Errorf("%w: %s vs %s", ErrMixedWorkflows, wf.WorkflowID, h.Workflow.WorkflowID)
		}
	}
	return wf, nil
}
