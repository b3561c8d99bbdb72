package batch

import (
	"context"
	"errors"
	"fmt"
	"os"

	"github.com/rs/zerolog"

	"github.com/manash/imgbatch/internal/auth"
	"github.com/manash/imgbatch/internal/image"
	"github.com/manash/imgbatch/internal/provider"
	"github.com/manash/imgbatch/internal/retry"
	"github.com/manash/imgbatch/internal/security"
	"github.com/manash/imgbatch/pkg/models"
)

var (
	ErrNoImage       = errors.New("response contained no image with an inline payload")
	ErrReadReference = errors.New("failed to read reference image")
)

// Sessions hands out the current bearer session. *auth.Keeper implements it.
type Sessions interface {
	Current(ctx context.Context) (*auth.Session, error)
	Invalidate(stale *auth.Session)
}

type Deps struct {
	Generator provider.Generator
	Sessions  Sessions
	Saver     *image.Saver
	OutputDir string
	// ReadFile loads reference images. Defaults to os.ReadFile.
	ReadFile func(name string) ([]byte, error)
	Logger   zerolog.Logger
}

type loadedReference struct {
	models.Reference
	data []byte
}

// NewPipeline returns the standard per-job pipeline: validate, read local
// references, upload them under one job-scoped workflow, generate or compose,
// then persist the first returned image.
func NewPipeline(d Deps) Pipeline {
	if d.ReadFile == nil {
		d.ReadFile = os.ReadFile
	}
	if d.Saver == nil {
		d.Saver = image.NewSaver()
	}

	return func(ctx context.Context, job *models.Job) (*Outcome, error) {
		if err := job.Validate(); err != nil {
			return nil, err
		}

		var set *models.ImageSet
		var err error
		if job.Mode() == models.ModeComposition {
			set, err = d.compose(ctx, job)
		} else {
			set, err = withSession(ctx, d.Sessions, func(s *auth.Session) (*models.ImageSet, error) {
				return d.Generator.GenerateFromPrompt(ctx, s, job.Prompt, job.Seed, job.AspectRatio)
			})
		}
		if err != nil {
			return nil, err
		}

		img, ok := set.FirstEncoded()
		if !ok {
			return nil, ErrNoImage
		}
		artifact, err := d.Saver.WriteEncoded(img.EncodedImage, job.RowID, job.Prompt, d.OutputDir)
		if err != nil {
			return nil, err
		}
		return &Outcome{
			Path:              artifact.Path,
			Size:              artifact.Size,
			MediaGenerationID: img.MediaGenerationID,
		}, nil
	}
}

func (d Deps) compose(ctx context.Context, job *models.Job) (*models.ImageSet, error) {
	refs := job.ActiveReferences()
	loaded := make([]loadedReference, 0, len(refs))
	for _, r := range refs {
		data, err := d.ReadFile(r.Path)
		if err != nil {
			return nil, fmt.Errorf("%w: %s: %w", ErrReadReference, r.Category.Label(), err)
		}
		if _, err := security.CheckImage(data); err != nil {
			return nil, fmt.Errorf("%w: %s %s: %w", ErrReadReference, r.Category.Label(), r.Path, err)
		}
		loaded = append(loaded, loadedReference{Reference: r, data: data})
	}

	wf := models.NewClientContext()
	handles := make([]models.UploadHandle, 0, len(loaded))
	for _, r := range loaded {
		h, err := withSession(ctx, d.Sessions, func(s *auth.Session) (*models.UploadHandle, error) {
			return d.Generator.UploadReference(ctx, s, wf, r.data, r.Caption, r.Category)
		})
		if err != nil {
			return nil, err
		}
		d.Logger.Debug().Str("row", job.RowID).Str("category", r.Category.Label()).Str("mediaId", h.MediaGenerationID).Msg("Reference uploaded")
		handles = append(handles, *h)
	}

	return withSession(ctx, d.Sessions, func(s *auth.Session) (*models.ImageSet, error) {
		return d.Generator.GenerateFromReferences(ctx, s, handles, job.Prompt, job.Seed, job.AspectRatio)
	})
}

// withSession runs fn with the current session. A 401 invalidates that
// session and fn runs once more with a fresh one.
func withSession[T any](ctx context.Context, sessions Sessions, fn func(s *auth.Session) (T, error)) (T, error) {
	var zero T

	s, err := sessions.Current(ctx)
	if err != nil {
		return zero, err
	}
	v, err := fn(s)
	if !errors.Is(err, retry.ErrUnauthorized) {
		return v, err
	}

	sessions.Invalidate(s)
	fresh, rerr := sessions.Current(ctx)
	if rerr != nil {
		return zero, fmt.Errorf("%w (re-authentication failed: %v)", err, rerr)
	}
	return fn(fresh)
}
