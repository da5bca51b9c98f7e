package docs

import (
	"bytes"
	"strings"

	"github.com/ledongthuc/pdf"
)

// pageCount captures a PDF's page count at upload time. Best effort:
// anything that is not a readable PDF yields zero.
func pageCount(ext, contentType string, data []byte) int {
	if ext != "pdf" && !strings.EqualFold(contentType, "application/pdf") {
		return 0
	}
	defer func() {
		// The parser panics on some malformed files; a broken PDF
		// must never fail the upload.
		_ = recover()
	}()
	reader, err := pdf.NewReader(bytes.NewReader(data), int64(len(data)))
	if err != nil {
		return 0
	}
	return reader.NumPage()
}
