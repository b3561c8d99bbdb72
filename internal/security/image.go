package security

import (
	"errors"
	"fmt"
	"net/http"
	"strings"

	"github.com/dustin/go-humanize"
)

// MaxImageBytes caps a single uploaded image.
const MaxImageBytes = 20 << 20

var (
	ErrEmptyImage    = errors.New("image file is empty")
	ErrImageTooLarge = errors.New("image file too large")
	ErrNotImage      = errors.New("file is not an image")
)

// CheckImage rejects data that must not be uploaded as an image and returns
// its sniffed MIME type.
func CheckImage(data []byte) (string, error) {
	if len(data) == 0 {
		return "", ErrEmptyImage
	}
	if len(data) > MaxImageBytes {
		return "", fmt.Errorf("%w: %s exceeds %s", ErrImageTooLarge,
			humanize.IBytes(uint64(len(data))), humanize.IBytes(MaxImageBytes))
	}

	mime := http.DetectContentType(data)
	if !strings.HasPrefix(mime, "image/") {
		return "", fmt.Errorf("%w: detected %s", ErrNotImage, mime)
	}
	return mime, nil
}
