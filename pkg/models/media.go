package models

import (
	"math/big"

	"github.com/google/uuid"
)

const ToolBackbone = "BACKBONE"

// ClientContext is the workflow/session correlation pair the remote API
// uses to associate related calls.
type ClientContext struct {
	WorkflowID string `json:"workflowId"`
	Tool       string `json:"tool,omitempty"`
	SessionID  string `json:"sessionId"`
}

// NewClientContext mints a fresh correlation pair. The session id mirrors
// the browser client: a semicolon followed by a random UUID as a decimal.
func NewClientContext() ClientContext {
	id := uuid.New()
	n := new(big.Int).SetBytes(id[:])
	return ClientContext{
		WorkflowID: uuid.NewString(),
		Tool:       ToolBackbone,
		SessionID:  ";" + n.String(),
	}
}

func (c ClientContext) IsZero() bool {
	return c.WorkflowID == "" && c.SessionID == ""
}

// SameWorkflow reports whether two contexts refer to the same workflow.
func (c ClientContext) SameWorkflow(o ClientContext) bool {
	return c.WorkflowID == o.WorkflowID && c.SessionID == o.SessionID
}

// UploadHandle is a server-issued reference to an uploaded image. It is
// consumed by exactly one composition call.
type UploadHandle struct {
	MediaGenerationID string
	Caption           string
	Category          Category
	Workflow          ClientContext
}

type GeneratedImage struct {
	EncodedImage      string
	MediaGenerationID string
	Seed              int64
	Prompt            string
}

func (g GeneratedImage) HasPayload() bool {
	return g.EncodedImage != ""
}

type Panel struct {
	Prompt string
	Images []GeneratedImage
}

// ImageSet is the ordered panel list returned by one remote call.
type ImageSet struct {
	Panels []Panel
}

// FirstEncoded returns the first image carrying an inline payload,
// skipping empty panels and images without one.
func (s *ImageSet) FirstEncoded() (GeneratedImage, bool) {
	if s == nil {
		return GeneratedImage{}, false
	}
	for _, p := range s.Panels {
		for _, img := range p.Images {
			if img.HasPayload() {
				return img, true
			}
		}
	}
	return GeneratedImage{}, false
}

// Counts returns the number of images and how many of them carry a payload.
func (s *ImageSet) Counts() (total, encoded int) {
	if s == nil {
		return 0, 0
	}
	for _, p := range s.Panels {
		for _, img := range p.Images {
			total++
			if img.HasPayload() {
				encoded++
			}
		}
	}
	return total, encoded
}
