package profile

import (
	"errors"
	"testing"

	"github.com/kalambet/campusconnect/internal/apperr"
)

func TestNormalize(t *testing.T) {
	tests := []struct {
		name string
		in   string
		want string
	}{
		{
			name: "field of study string wrapped",
			in:   `{"preferences":{"fieldOfStudy":"Finance","studyLevel":"masters"}}`,
			want: `{"preferences":{"fieldOfStudy":{"focus":"Finance"},"studyLevel":"masters"}}`,
		},
		{
			name: "field of study object untouched",
			in:   `{"preferences":{"fieldOfStudy":{"category":"Business"}}}`,
			want: `{"preferences":{"fieldOfStudy":{"category":"Business"}}}`,
		},
		{
			name: "skills map flattened in key order",
			in:   `{"resumeExtracted":{"skills":{"languages":["Go","", 3,"SQL"],"tools":"Docker","misc":{"x":"y"},"soft":"  "}}}`,
			want: `{"resumeExtracted":{"skills":["Go","SQL","Docker"]}}`,
		},
		{
			name: "single skill promoted",
			in:   `{"resumeExtracted":{"skills":"Python"}}`,
			want: `{"resumeExtracted":{"skills":["Python"]}}`,
		},
		{
			name: "skills list untouched",
			in:   `{"resumeExtracted":{"skills":["a","b"]}}`,
			want: `{"resumeExtracted":{"skills":["a","b"]}}`,
		},
		{
			name: "unknown shapes pass through",
			in:   `{"preferences":"weird","resumeExtracted":[1],"hobby":{"x":1}}`,
			want: `{"preferences":"weird","resumeExtracted":[1],"hobby":{"x":1}}`,
		},
		{
			name: "null field of study stays null",
			in:   `{"preferences":{"fieldOfStudy":null}}`,
			want: `{"preferences":{"fieldOfStudy":null}}`,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			in := mustParse(t, tt.in)
			before := in.String()
			got, err := Normalize(in)
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if got.String() != tt.want {
				t.Errorf("Normalize = %s, want %s", got, tt.want)
			}
			if in.String() != before {
				t.Errorf("input mutated: %s", in)
			}
		})
	}
}

func TestNormalize_RejectsNonObject(t *testing.T) {
	_, err := Normalize(mustParse(t, `["a"]`))
	if !errors.Is(err, apperr.ErrValidation) {
		t.Errorf("expected validation error, got %v", err)
	}
}

func TestCompact(t *testing.T) {
	in := mustParse(t, `{"a":null,"b":"","c":[],"d":{},"e":{"f":null,"g":{"h":""}},"i":0,"j":{"k":"v","l":null},"m":[null]}`)
	got := Compact(in)
	if got.String() != `{"i":0,"j":{"k":"v"},"m":[null]}` {
		t.Errorf("Compact = %s", got)
	}
}
