package display

import (
	"encoding/base64"
	"fmt"
	"io"
	"strings"
)

const (
	escapeStart = "\x1b_G"
	escapeEnd   = "\x1b\\"
	chunkSize   = 4096
)

// KittyEncoder writes PNG data using the kitty graphics protocol.
type KittyEncoder struct {
	out io.Writer
	// Columns scales the image to this many terminal cells. Zero keeps the
	// native size.
	Columns int
}

func NewKittyEncoder(out io.Writer) *KittyEncoder {
	return &KittyEncoder{out: out}
}

// Encode transmits and displays png. Payloads larger than one chunk are
// split, with m=1 on every chunk but the last.
func (e *KittyEncoder) Encode(png []byte) error {
	if len(png) == 0 {
		return nil
	}

	encoded := base64.StdEncoding.EncodeToString(png)
	chunks := splitIntoChunks(encoded, chunkSize)

	for i, chunk := range chunks {
		var params []string
		if i == 0 {
			params = append(params, "a=T", "f=100", "q=2")
			if e.Columns > 0 {
				params = append(params, fmt.Sprintf("c=%d", e.Columns))
			}
		}
		if len(chunks) > 1 {
			more := 1
			if i == len(chunks)-1 {
				more = 0
			}
			params = append(params, fmt.Sprintf("m=%d", more))
		}

		if _, err := fmt.Fprintf(e.out, "%s%s;%s%s", escapeStart, strings.Join(params, ","), chunk, escapeEnd); err != nil {
			return err
		}
	}
	return nil
}

func splitIntoChunks(s string, size int) []string {
	chunks := make([]string, 0, len(s)/size+1)
	for len(s) > size {
		chunks = append(chunks, s[:size])
		s = s[size:]
	}
	if s != "" {
		chunks = append(chunks, s)
	}
	return chunks
}
