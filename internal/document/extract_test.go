package document

import (
	"errors"
	"strings"
	"testing"

	"github.com/kalambet/campusconnect/internal/apperr"
)

func TestExtractText_Text(t *testing.T) {
	tests := []struct {
		name string
		file string
		data string
		want string
	}{
		{"plain", "resume.txt", "  Jane Doe\nPython, SQL\n", "Jane Doe\nPython, SQL"},
		{"markdown", "cv.md", "# Skills\n- Go", "# Skills\n- Go"},
		{"bom stripped", "notes.txt", "\xef\xbb\xbfIELTS 7.5", "IELTS 7.5"},
		{"unknown extension sniffed", "transcript.log", "CGPA 3.8 / 4.0", "CGPA 3.8 / 4.0"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := ExtractText(tt.file, []byte(tt.data))
			if err != nil {
				t.Fatalf("ExtractText: %v", err)
			}
			if got != tt.want {
				t.Errorf("got %q, want %q", got, tt.want)
			}
		})
	}
}

func TestExtractText_Rejects(t *testing.T) {
	tests := []struct {
		name string
		file string
		data []byte
		want string
	}{
		{"empty", "resume.txt", []byte("   \n\t"), "contains no text"},
		{"binary", "photo.png", []byte{0x89, 'P', 'N', 'G', 0, 0, 0, 0x0d}, "unsupported binary content"},
		{"invalid utf8 text", "resume.txt", []byte{0xff, 0xfe, 'a'}, "not valid UTF-8"},
		{"malformed pdf", "resume.pdf", []byte("%PDF-1.4\nthis is not really a pdf"), "reading pdf resume.pdf"},
		{"too large", "big.txt", make([]byte, MaxBytes+1), "limit is"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := ExtractText(tt.file, tt.data)
			if !errors.Is(err, apperr.ErrValidation) {
				t.Fatalf("error = %v, want validation error", err)
			}
			if !strings.Contains(err.Error(), tt.want) {
				t.Errorf("error = %q, want it to contain %q", err, tt.want)
			}
		})
	}
}
