// Package display previews saved images inline in terminals that speak the
// kitty graphics protocol.
package display

import (
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"strings"
)

// DefaultColumns keeps previews of a batch compact.
const DefaultColumns = 40

var ErrUnsupportedFormat = errors.New("preview supports PNG images only")

type Displayer struct {
	out      io.Writer
	readFile func(string) ([]byte, error)
	columns  int
}

func New(out io.Writer) *Displayer {
	return &Displayer{
		out:      out,
		readFile: os.ReadFile,
		columns:  DefaultColumns,
	}
}

// Show previews one image payload with a caption line above it.
func (d *Displayer) Show(caption string, data []byte) error {
	if ct := http.DetectContentType(data); ct != "image/png" {
		return fmt.Errorf("%w: got %s", ErrUnsupportedFormat, ct)
	}

	if caption != "" {
		fmt.Fprintln(d.out, caption)
	}
	enc := NewKittyEncoder(d.out)
	enc.Columns = d.columns
	if err := enc.Encode(data); err != nil {
		return fmt.Errorf("failed to encode image: %w", err)
	}
	fmt.Fprintln(d.out)
	return nil
}

// ShowFiles previews each saved file in order. It stops at the first write
// failure; unreadable or non-PNG files are reported and skipped.
func (d *Displayer) ShowFiles(paths []string) error {
	var errs []error
	for _, p := range paths {
		data, err := d.readFile(p)
		if err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", p, err))
			continue
		}
		if err := d.Show(p, data); err != nil {
			if errors.Is(err, ErrUnsupportedFormat) {
				errs = append(errs, fmt.Errorf("%s: %w", p, err))
				continue
			}
			return err
		}
	}
	return errors.Join(errs...)
}

// IsTerminalSupported reports whether the terminal described by getenv can
// render kitty graphics.
func IsTerminalSupported(getenv func(string) string) bool {
	termProgram := strings.ToLower(getenv("TERM_PROGRAM"))
	for _, prog := range []string{"kitty", "ghostty", "wezterm"} {
		if termProgram == prog {
			return true
		}
	}

	if getenv("KITTY_WINDOW_ID") != "" {
		return true
	}

	term := strings.ToLower(getenv("TERM"))
	return strings.Contains(term, "kitty") || strings.Contains(term, "ghostty")
}
