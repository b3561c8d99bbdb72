package display

import (
	"bytes"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

var pngHeader = []byte("\x89PNG\r\n\x1a\n\x00\x00\x00\rIHDR")

func TestDisplayer_Show(t *testing.T) {
	var buf bytes.Buffer
	d := New(&buf)

	if err := d.Show("1_fox.jpg", pngHeader); err != nil {
		t.Fatalf("Show() error = %v", err)
	}

	out := buf.String()
	if !strings.HasPrefix(out, "1_fox.jpg\n") {
		t.Errorf("caption missing: %q", out)
	}
	if !strings.Contains(out, escapeStart+"a=T,f=100,q=2,c=40;") {
		t.Errorf("output has no kitty sequence: %q", out)
	}
}

func TestDisplayer_Show_RejectsNonPNG(t *testing.T) {
	var buf bytes.Buffer
	d := New(&buf)

	jpeg := []byte("\xff\xd8\xff\xe0\x00\x10JFIF\x00")
	err := d.Show("x", jpeg)
	if !errors.Is(err, ErrUnsupportedFormat) {
		t.Fatalf("Show() error = %v, want ErrUnsupportedFormat", err)
	}
	if buf.Len() != 0 {
		t.Errorf("rejected image still wrote %q", buf.String())
	}
}

func TestDisplayer_ShowFiles(t *testing.T) {
	dir := t.TempDir()
	good := filepath.Join(dir, "1_a.jpg")
	bad := filepath.Join(dir, "2_b.jpg")
	if err := os.WriteFile(good, pngHeader, 0o644); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(bad, []byte("plain text"), 0o644); err != nil {
		t.Fatal(err)
	}
	missing := filepath.Join(dir, "3_c.jpg")

	var buf bytes.Buffer
	err := New(&buf).ShowFiles([]string{good, bad, missing})
	if err == nil {
		t.Fatal("ShowFiles() error = nil, want joined errors")
	}
	if !errors.Is(err, ErrUnsupportedFormat) || !errors.Is(err, os.ErrNotExist) {
		t.Errorf("ShowFiles() error = %v", err)
	}
	if strings.Count(buf.String(), escapeStart) != 1 {
		t.Errorf("want exactly one preview, got %q", buf.String())
	}
}

func TestIsTerminalSupported(t *testing.T) {
	tests := []struct {
		name string
		env  map[string]string
		want bool
	}{
		{"kitty program", map[string]string{"TERM_PROGRAM": "kitty"}, true},
		{"ghostty mixed case", map[string]string{"TERM_PROGRAM": "Ghostty"}, true},
		{"wezterm", map[string]string{"TERM_PROGRAM": "WezTerm"}, true},
		{"kitty window", map[string]string{"KITTY_WINDOW_ID": "1"}, true},
		{"xterm-kitty", map[string]string{"TERM": "xterm-kitty"}, true},
		{"plain xterm", map[string]string{"TERM": "xterm-256color"}, false},
		{"apple terminal", map[string]string{"TERM_PROGRAM": "Apple_Terminal"}, false},
		{"nothing", nil, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			getenv := func(k string) string { return tt.env[k] }
			if got := IsTerminalSupported(getenv); got != tt.want {
				t.Errorf("IsTerminalSupported() = %v, want %v", got, tt.want)
			}
		})
	}
}
