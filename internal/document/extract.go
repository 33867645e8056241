// Package document turns uploaded files into plain text.
package document

import (
	"bytes"
	"fmt"
	"io"
	"path/filepath"
	"strings"
	"unicode/utf8"

	"github.com/ledongthuc/pdf"

	"github.com/kalambet/campusconnect/internal/apperr"
)

// MaxBytes is the largest document ExtractText accepts.
const MaxBytes = 10 << 20

var pdfMagic = []byte("%PDF-")

// textExtensions are read as UTF-8 text without sniffing.
var textExtensions = map[string]bool{
	".txt":      true,
	".md":       true,
	".markdown": true,
	".text":     true,
}

// ExtractText returns the trimmed text of a document. PDFs are detected by
// extension or magic bytes; other content must be valid UTF-8 text.
// Unsupported, binary or empty documents are validation errors.
func ExtractText(name string, data []byte) (string, error) {
	if len(data) > MaxBytes {
		return "", apperr.Validation("document %s is %d bytes, limit is %d", name, len(data), MaxBytes)
	}
	ext := strings.ToLower(filepath.Ext(name))

	var text string
	switch {
	case ext == ".pdf" || bytes.HasPrefix(data, pdfMagic):
		var err error
		if text, err = pdfText(data); err != nil {
			return "", apperr.Validation("reading pdf %s: %v", name, err)
		}
	case textExtensions[ext] || looksLikeText(data):
		if !utf8.Valid(data) {
			return "", apperr.Validation("document %s is not valid UTF-8", name)
		}
		text = string(bytes.TrimPrefix(data, []byte("\xef\xbb\xbf")))
	default:
		return "", apperr.Validation("document %s has unsupported binary content", name)
	}

	text = strings.TrimSpace(text)
	if text == "" {
		return "", apperr.Validation("document %s contains no text", name)
	}
	return text, nil
}

// looksLikeText reports whether data is UTF-8 without NUL bytes.
func looksLikeText(data []byte) bool {
	return utf8.Valid(data) && bytes.IndexByte(data, 0) < 0
}

func pdfText(data []byte) (text string, err error) {
	// The reader panics on some malformed files.
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("malformed pdf: %v", r)
		}
	}()

	r, err := pdf.NewReader(bytes.NewReader(data), int64(len(data)))
	if err != nil {
		return "", err
	}
	plain, err := r.GetPlainText()
	if err != nil {
		return "", err
	}
	b, err := io.ReadAll(plain)
	if err != nil {
		return "", err
	}
	return string(b), nil
}
