package models

import (
	"errors"
	"fmt"
	"slices"
	"strings"
)

var (
	ErrEmptyPrompt        = errors.New("prompt cannot be empty")
	ErrPromptTooLong      = errors.New("prompt exceeds maximum length")
	ErrTooManyReferences  = errors.New("too many reference images")
	ErrDuplicateCategory  = errors.New("reference category used more than once")
	ErrInvalidCategory    = errors.New("invalid reference category")
	ErrInvalidAspectRatio = errors.New("invalid aspect ratio")
	ErrValidation         = errors.New("validation failed")
)

const (
	MaxReferences    = 3
	MaxEditPromptLen = 1000
)

type AspectRatio string

const (
	AspectLandscape AspectRatio = "IMAGE_ASPECT_RATIO_LANDSCAPE"
	AspectPortrait  AspectRatio = "IMAGE_ASPECT_RATIO_PORTRAIT"
	AspectSquare    AspectRatio = "IMAGE_ASPECT_RATIO_SQUARE"
)

func ValidAspectRatios() []AspectRatio {
	return []AspectRatio{AspectLandscape, AspectPortrait, AspectSquare}
}

func (a AspectRatio) IsValid() bool {
	return slices.Contains(ValidAspectRatios(), a)
}

func (a AspectRatio) String() string {
	return string(a)
}

// ParseAspectRatio accepts the wire value or a short alias such as
// "landscape", "16:9", "portrait", "9:16", "square" or "1:1".
func ParseAspectRatio(s string) (AspectRatio, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "landscape", "16:9":
		return AspectLandscape, nil
	case "portrait", "9:16":
		return AspectPortrait, nil
	case "square", "1:1":
		return AspectSquare, nil
	}
	a := AspectRatio(strings.ToUpper(strings.TrimSpace(s)))
	if a.IsValid() {
		return a, nil
	}
	return "", fmt.Errorf("%w: %q", ErrInvalidAspectRatio, s)
}

// Category tags the role a reference image plays in a composition.
type Category string

const (
	CategorySubject Category = "MEDIA_CATEGORY_SUBJECT"
	CategoryScene   Category = "MEDIA_CATEGORY_SCENE"
	CategoryStyle   Category = "MEDIA_CATEGORY_STYLE"
	CategoryBoard   Category = "MEDIA_CATEGORY_BOARD"
)

func ReferenceCategories() []Category {
	return []Category{CategorySubject, CategoryScene, CategoryStyle}
}

func (c Category) IsReference() bool {
	return slices.Contains(ReferenceCategories(), c)
}

// Label is the human name used as the default caption.
func (c Category) Label() string {
	switch c {
	case CategorySubject:
		return "Subject"
	case CategoryScene:
		return "Scene"
	case CategoryStyle:
		return "Style"
	case CategoryBoard:
		return "Board"
	}
	return string(c)
}

type Mode string

const (
	ModePrompt      Mode = "prompt"
	ModeComposition Mode = "composition"
)

type Reference struct {
	Path     string   `json:"path"`
	Caption  string   `json:"caption,omitempty"`
	Category Category `json:"category"`
}

// Job is one logical generation request derived from one input row.
// Seed is assigned by the orchestrator at dispatch time.
type Job struct {
	RowID       string
	Prompt      string
	References  []Reference
	AspectRatio AspectRatio
	Seed        int64
}

func NewJob(rowID, prompt string) *Job {
	return &Job{
		RowID:       rowID,
		Prompt:      prompt,
		AspectRatio: AspectLandscape,
	}
}

// Mode reports composition when any reference has a non-blank path.
func (j *Job) Mode() Mode {
	for _, r := range j.References {
		if strings.TrimSpace(r.Path) != "" {
			return ModeComposition
		}
	}
	return ModePrompt
}

// ActiveReferences returns the references with a non-blank path.
func (j *Job) ActiveReferences() []Reference {
	var refs []Reference
	for _, r := range j.References {
		if strings.TrimSpace(r.Path) != "" {
			refs = append(refs, r)
		}
	}
	return refs
}

func (j *Job) Validate() error {
	if strings.TrimSpace(j.Prompt) == "" {
		return ErrEmptyPrompt
	}
	if j.AspectRatio != "" && !j.AspectRatio.IsValid() {
		return fmt.Errorf("%w: %q", ErrInvalidAspectRatio, j.AspectRatio)
	}

	refs := j.ActiveReferences()
	if len(refs) > MaxReferences {
		return fmt.Errorf("%w: max %d, got %d", ErrTooManyReferences, MaxReferences, len(refs))
	}

	seen := make(map[Category]bool, len(refs))
	for _, r := range refs {
		if !r.Category.IsReference() {
			return fmt.Errorf("%w: %q", ErrInvalidCategory, r.Category)
		}
		if seen[r.Category] {
			return fmt.Errorf("%w: %s", ErrDuplicateCategory, r.Category.Label())
		}
		seen[r.Category] = true
	}
	return nil
}

// ValidationError collects every problem found in a request that must not
// be sent to the remote API.
type ValidationError struct {
	Problems []string
}

func (e *ValidationError) Error() string {
	return "validation failed: " + strings.Join(e.Problems, "; ")
}

func (e *ValidationError) Unwrap() error {
	return ErrValidation
}

func (e *ValidationError) Add(format string, args ...any) {
	e.Problems = append(e.Problems, fmt.Sprintf(format, args...))
}

// Err returns nil when no problems were recorded.
func (e *ValidationError) Err() error {
	if len(e.Problems) == 0 {
		return nil
	}
	return e
}

type EditRequest struct {
	OriginalMediaID string
	RawBytes        string
	Prompt          string
	Seed            *int64
}

func (r *EditRequest) Validate() error {
	verr := &ValidationError{}

	switch {
	case r.OriginalMediaID == "":
		verr.Add("original media id is empty")
	case len(r.OriginalMediaID) < 10:
		verr.Add("original media id is too short")
	}

	switch {
	case r.RawBytes == "":
		verr.Add("raw bytes are empty")
	case !strings.HasPrefix(r.RawBytes, "data:image/"):
		verr.Add("raw bytes must be a data:image/ URI")
	case len(r.RawBytes) < 1000:
		verr.Add("raw bytes are too short")
	}

	switch {
	case strings.TrimSpace(r.Prompt) == "":
		verr.Add("%v", ErrEmptyPrompt)
	case len([]rune(r.Prompt)) > MaxEditPromptLen:
		verr.Add("%v (%d > %d characters)", ErrPromptTooLong, len([]rune(r.Prompt)), MaxEditPromptLen)
	}

	return verr.Err()
}
