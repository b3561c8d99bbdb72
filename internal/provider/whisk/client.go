// Package whisk implements provider.Generator against the Whisk endpoints
// behind labs.google.
package whisk

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/manash/imgbatch/internal/auth"
	"github.com/manash/imgbatch/internal/provider"
	"github.com/manash/imgbatch/internal/retry"
	"github.com/manash/imgbatch/internal/transport"
	"github.com/manash/imgbatch/pkg/models"
)

const (
	DefaultAPIBaseURL  = "https://aisandbox-pa.googleapis.com/v1"
	DefaultLabsBaseURL = "https://labs.google/fx/api/trpc"
	defaultTimeout     = 60 * time.Second

	pathGenerate = "/whisk:generateImage"
	pathRecipe   = "/whisk:runImageRecipe"
	pathUpload   = "/backbone.uploadImage"
	pathEdit     = "/backbone.editImage"
)

type Sender interface {
	Send(ctx context.Context, req *transport.Request) (*transport.Response, error)
}

type Client struct {
	sender     Sender
	apiBase    string
	labsBase   string
	timeout    time.Duration
	policy     retry.Policy
	logger     zerolog.Logger
	newContext func() models.ClientContext
}

var _ provider.Generator = (*Client)(nil)

// New builds a client. cfg may be nil. cfg.MaxAttempts, when set, overrides
// policy.MaxAttempts.
func New(sender Sender, cfg *provider.Config, policy retry.Policy) *Client {
	c := &Client{
		sender:     sender,
		apiBase:    DefaultAPIBaseURL,
		labsBase:   DefaultLabsBaseURL,
		timeout:    defaultTimeout,
		policy:     policy,
		logger:     policy.Logger,
		newContext: models.NewClientContext,
	}
	if cfg != nil {
		if cfg.APIBaseURL != "" {
			c.apiBase = strings.TrimRight(cfg.APIBaseURL, "/")
		}
		if cfg.LabsBaseURL != "" {
			c.labsBase = strings.TrimRight(cfg.LabsBaseURL, "/")
		}
		if cfg.TimeoutSec > 0 {
			c.timeout = time.Duration(cfg.TimeoutSec) * time.Second
		}
		if cfg.MaxAttempts > 0 {
			c.policy.MaxAttempts = cfg.MaxAttempts
		}
	}
	return c
}

// GenerateFromPrompt issues one generateImage call. Every attempt carries a
// freshly minted client context.
func (c *Client) GenerateFromPrompt(ctx context.Context, s *auth.Session, prompt string, seed int64, aspect models.AspectRatio) (*models.ImageSet, error) {
	if s == nil || s.AccessToken == "" {
		return nil, fmt.Errorf("%w: bearer token", provider.ErrNoCredentials)
	}
	if strings.TrimSpace(prompt) == "" {
		return nil, models.ErrEmptyPrompt
	}
	aspect = orDefault(aspect)

	set, err := retry.Do(ctx, c.policy, "generate", func(ctx context.Context, attempt int) (*models.ImageSet, error) {
		req := generateImageRequest{
			ClientContext: c.newContext(),
			ImageModelSettings: imageModelSettings{
				ImageModel:  imageModelImagen,
				AspectRatio: aspect,
			},
			Seed:          seed,
			Prompt:        prompt,
			MediaCategory: models.CategoryBoard,
		}
		c.logger.Debug().
			Int("attempt", attempt+1).
			Str("workflowId", req.ClientContext.WorkflowID).
			Int64("seed", seed).
			Msg("Generating from prompt")

		var resp imagePanelsResponse
		if err := c.post(ctx, c.apiBase+pathGenerate, transport.APIHeaders(s.AccessToken, ""), req, &resp); err != nil {
			return nil, err
		}
		return resp.toImageSet(seed), nil
	})
	if err != nil {
		return nil, fmt.Errorf("%w: %w", provider.ErrGenerationFailed, err)
	}
	c.logSkipped(set, "generate")
	return set, nil
}

// UploadReference posts image as a data URI under wf. Every upload of one job
// must use the same wf so the handles can be composed together. A zero wf is
// replaced by a fresh one.
func (c *Client) UploadReference(ctx context.Context, s *auth.Session, wf models.ClientContext, image []byte, caption string, category models.Category) (*models.UploadHandle, error) {
	if s == nil || s.Cookie == "" {
		return nil, fmt.Errorf("%w: cookie", provider.ErrNoCredentials)
	}
	if len(image) == 0 {
		return nil, &models.ValidationError{Problems: []string{"reference image is empty"}}
	}
	if !category.IsReference() {
		return nil, fmt.Errorf("%w: %q", models.ErrInvalidCategory, category)
	}
	if strings.TrimSpace(caption) == "" {
		caption = category.Label()
	}
	if wf.IsZero() {
		wf = c.newContext()
	}

	uploadCtx := wf
	uploadCtx.Tool = ""
	payload := trpcRequest[uploadImageInput]{
		JSON: uploadImageInput{
			ClientContext: uploadCtx,
			UploadMediaInput: uploadMediaInput{
				MediaCategory: category,
				RawBytes:      DataURI(image),
				Caption:       caption,
			},
		},
	}

	id, err := retry.Do(ctx, c.policy, "upload", func(ctx context.Context, attempt int) (string, error) {
		c.logger.Debug().
			Int("attempt", attempt+1).
			Str("workflowId", wf.WorkflowID).
			Str("category", category.Label()).
			Int("bytes", len(image)).
			Msg("Uploading reference")

		var resp uploadImageResponse
		if err := c.post(ctx, c.labsBase+pathUpload, transport.APIHeaders("", s.Cookie), payload, &resp); err != nil {
			return "", err
		}
		id := resp.Result.Data.JSON.Result.UploadMediaGenerationID
		if id == "" {
			return "", &retry.DecodeError{Err: provider.ErrMissingMediaID}
		}
		return id, nil
	})
	if err != nil {
		return nil, fmt.Errorf("%w: %w", provider.ErrUploadFailed, err)
	}

	return &models.UploadHandle{
		MediaGenerationID: id,
		Caption:           caption,
		Category:          category,
		Workflow:          wf,
	}, nil
}

// GenerateFromReferences composes the uploaded references. The handles must
// share one workflow; the compose call reuses it on every attempt since the
// server scopes handles to it.
func (c *Client) GenerateFromReferences(ctx context.Context, s *auth.Session, handles []models.UploadHandle, instruction string, seed int64, aspect models.AspectRatio) (*models.ImageSet, error) {
	if s == nil || s.AccessToken == "" {
		return nil, fmt.Errorf("%w: bearer token", provider.ErrNoCredentials)
	}
	wf, err := provider.CheckHandles(handles)
	if err != nil {
		return nil, err
	}
	wf.Tool = models.ToolBackbone

	inputs := make([]recipeMediaInput, 0, len(handles))
	for _, h := range handles {
		inputs = append(inputs, recipeMediaInput{
			Caption: h.Caption,
			MediaInput: mediaInput{
				MediaCategory:     h.Category,
				MediaGenerationID: h.MediaGenerationID,
			},
		})
	}
	req := recipeRequest{
		ClientContext: wf,
		Seed:          seed,
		ImageModelSettings: imageModelSettings{
			ImageModel:  imageModelImagen,
			AspectRatio: orDefault(aspect),
		},
		UserInstruction:   instruction,
		RecipeMediaInputs: inputs,
	}

	set, err := retry.Do(ctx, c.policy, "compose", func(ctx context.Context, attempt int) (*models.ImageSet, error) {
		c.logger.Debug().
			Int("attempt", attempt+1).
			Str("workflowId", wf.WorkflowID).
			Int("references", len(inputs)).
			Int64("seed", seed).
			Msg("Composing from references")

		var resp imagePanelsResponse
		if err := c.post(ctx, c.apiBase+pathRecipe, transport.APIHeaders(s.AccessToken, ""), req, &resp); err != nil {
			return nil, err
		}
		return resp.toImageSet(seed), nil
	})
	if err != nil {
		return nil, fmt.Errorf("%w: %w", provider.ErrGenerationFailed, err)
	}
	c.logSkipped(set, "compose")
	return set, nil
}

// EditImage validates req locally and only then calls editImage. Invalid
// requests never reach the server.
func (c *Client) EditImage(ctx context.Context, s *auth.Session, req *models.EditRequest) (*models.ImageSet, error) {
	if err := req.Validate(); err != nil {
		c.logger.Error().Err(err).Msg("Edit request rejected locally")
		return nil, err
	}
	if s == nil || s.Cookie == "" {
		return nil, fmt.Errorf("%w: cookie", provider.ErrNoCredentials)
	}

	meta := map[string][]string{
		"imageModelSettings.aspectRatio": {"undefined"},
		"editInput.safetyMode":           {"undefined"},
	}
	if req.Seed == nil {
		meta["editInput.seed"] = []string{"undefined"}
	}

	set, err := retry.Do(ctx, c.policy, "edit", func(ctx context.Context, attempt int) (*models.ImageSet, error) {
		payload := trpcRequest[editImageInput]{
			JSON: editImageInput{
				ClientContext:      c.newContext(),
				ImageModelSettings: editModelSettings{ImageModel: imageModelEdit},
				EditInput: editInput{
					Caption:                   req.Prompt,
					UserInstruction:           req.Prompt,
					Seed:                      req.Seed,
					OriginalMediaGenerationID: req.OriginalMediaID,
					MediaInput: mediaInput{
						MediaCategory: models.CategoryBoard,
						RawBytes:      req.RawBytes,
					},
				},
			},
			Meta: &trpcMeta{Values: meta},
		}
		c.logger.Debug().
			Int("attempt", attempt+1).
			Str("workflowId", payload.JSON.ClientContext.WorkflowID).
			Str("original", req.OriginalMediaID).
			Msg("Editing image")

		var resp editImageResponse
		if err := c.post(ctx, c.labsBase+pathEdit, transport.APIHeaders("", s.Cookie), payload, &resp); err != nil {
			return nil, err
		}
		var seed int64
		if req.Seed != nil {
			seed = *req.Seed
		}
		return resp.panels().toImageSet(seed), nil
	})
	if err != nil {
		return nil, fmt.Errorf("%w: %w", provider.ErrEditFailed, err)
	}
	c.logSkipped(set, "edit")
	return set, nil
}

func (c *Client) post(ctx context.Context, url string, header http.Header, payload, out any) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return retry.Permanent(fmt.Errorf("encoding request: %w", err))
	}

	resp, err := c.sender.Send(ctx, &transport.Request{
		Method:  http.MethodPost,
		URL:     url,
		Header:  header,
		Body:    body,
		Timeout: c.timeout,
	})
	if err != nil {
		return err
	}
	if resp.StatusCode != http.StatusOK {
		return retry.NewStatusError(resp.StatusCode, resp.Body)
	}
	if err := json.Unmarshal(resp.Body, out); err != nil {
		return &retry.DecodeError{Err: err}
	}
	return nil
}

func (c *Client) logSkipped(set *models.ImageSet, op string) {
	total, encoded := set.Counts()
	if encoded < total {
		c.logger.Warn().
			Str("op", op).
			Int("images", total).
			Int("withPayload", encoded).
			Msg("Skipping images without inline payload")
	}
	c.logger.Debug().Str("op", op).Int("panels", len(set.Panels)).Int("images", total).Msg("Call returned images")
}

// DataURI encodes image as a base64 data URI with a sniffed MIME type,
// falling back to JPEG for anything not recognized as an image.
func DataURI(image []byte) string {
	mime := http.DetectContentType(image)
	if !strings.HasPrefix(mime, "image/") {
		mime = "image/jpeg"
	}
	return "data:" + mime + ";base64," + base64.StdEncoding.EncodeToString(image)
}

func orDefault(a models.AspectRatio) models.AspectRatio {
	if a == "" {
		return models.AspectLandscape
	}
	return a
}
