package image

import (
	"encoding/base64"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"unicode"
	"unicode/utf8"

	"github.com/dustin/go-humanize"
	"golang.org/x/text/unicode/norm"
)

var (
	ErrPersistence = errors.New("failed to persist image")
	ErrNoPayload   = errors.New("no inline image payload")
)

const (
	DefaultMaxPromptLen = 80
	Extension           = ".jpg"
	fallbackName        = "image"
)

// Artifact is one decoded image written to disk.
type Artifact struct {
	Path string
	Size int64
}

func (a *Artifact) HumanSize() string {
	return humanize.Bytes(uint64(a.Size))
}

type Saver struct {
	maxPromptLen int
}

func NewSaver() *Saver {
	return &Saver{maxPromptLen: DefaultMaxPromptLen}
}

// Write stores data as dir/{rowID}_{prompt}.jpg, creating dir when needed.
// An existing file for the same row and prompt is overwritten.
func (s *Saver) Write(data []byte, rowID, prompt, dir string) (string, error) {
	if len(data) == 0 {
		return "", fmt.Errorf("%w: %w", ErrPersistence, ErrNoPayload)
	}
	if err := s.ensureDir(dir); err != nil {
		return "", fmt.Errorf("%w: creating %s: %w", ErrPersistence, dir, err)
	}

	path := filepath.Join(dir, SanitizeFilename(rowID, prompt, s.maxPromptLen))
	if err := os.WriteFile(path, data, 0644); err != nil {
		return "", fmt.Errorf("%w: %w", ErrPersistence, err)
	}
	return path, nil
}

// WriteEncoded decodes an inline payload and writes it.
func (s *Saver) WriteEncoded(encoded, rowID, prompt, dir string) (*Artifact, error) {
	data, err := DecodeInline(encoded)
	if err != nil {
		return nil, err
	}
	path, err := s.Write(data, rowID, prompt, dir)
	if err != nil {
		return nil, err
	}
	return &Artifact{Path: path, Size: int64(len(data))}, nil
}

func (s *Saver) ensureDir(dir string) error {
	if dir == "" || dir == "." {
		return nil
	}
	return os.MkdirAll(dir, 0755)
}

// DecodeInline base64-decodes an image payload, dropping an optional
// data URI prefix.
func DecodeInline(encoded string) ([]byte, error) {
	encoded = strings.TrimSpace(encoded)
	if _, after, found := strings.Cut(encoded, ","); found && strings.HasPrefix(encoded, "data:") {
		encoded = after
	}
	if encoded == "" {
		return nil, ErrNoPayload
	}

	data, err := base64.StdEncoding.DecodeString(encoded)
	if err != nil {
		if raw, rawErr := base64.RawStdEncoding.DecodeString(strings.TrimRight(encoded, "=")); rawErr == nil {
			return raw, nil
		}
		return nil, fmt.Errorf("decoding image payload: %w", err)
	}
	return data, nil
}

// SanitizeFilename builds the deterministic artifact name for a row. In the
// prompt only letters, digits, spaces, '-' and '_' survive; whitespace runs
// collapse to one space; the prompt part is capped at maxPromptLen runes with
// trailing spaces and dots trimmed. The row id is escaped, not stripped, so
// distinct row ids never share a name.
func SanitizeFilename(rowID, prompt string, maxPromptLen int) string {
	if maxPromptLen <= 0 {
		maxPromptLen = DefaultMaxPromptLen
	}

	safe := sanitize(prompt)
	if r := []rune(safe); len(r) > maxPromptLen {
		safe = strings.TrimRight(string(r[:maxPromptLen]), " .")
	}
	if safe == "" {
		safe = fallbackName
	}

	return escapeRowID(rowID) + "_" + safe + Extension
}

// escapeRowID keeps every character that is legal in a file name and writes
// the rest, plus '%', as %XX per byte.
func escapeRowID(id string) string {
	var b strings.Builder
	b.Grow(len(id))
	for i := 0; i < len(id); {
		r, size := utf8.DecodeRuneInString(id[i:])
		if (r != utf8.RuneError || size > 1) && !unicode.IsControl(r) && !strings.ContainsRune(`%/\:*?"<>|`, r) {
			b.WriteRune(r)
		} else {
			for _, c := range []byte(id[i : i+size]) {
				fmt.Fprintf(&b, "%%%02X", c)
			}
		}
		i += size
	}
	return b.String()
}

func sanitize(s string) string {
	s = norm.NFC.String(s)

	var b strings.Builder
	b.Grow(len(s))
	for _, r := range s {
		switch {
		case unicode.IsLetter(r), unicode.IsDigit(r), r == '-', r == '_':
			b.WriteRune(r)
		case unicode.IsSpace(r):
			b.WriteRune(' ')
		}
	}

	return strings.Trim(strings.Join(strings.Fields(b.String()), " "), " .")
}
