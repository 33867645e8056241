package profile

import (
	"errors"
	"strings"
	"testing"

	"github.com/kalambet/campusconnect/internal/apperr"
)

func TestValidate_Accepts(t *testing.T) {
	v := mustParse(t, `{
		"firstName": "Ann",
		"createdAt": "2025-01-02T03:04:05Z",
		"preferences": {
			"budget": {"annualAmount": 20000, "currencyCode": "CAD"},
			"destinationCountries": ["CA"],
			"intake": {"month": "September", "year": 2026},
			"considersLoan": null
		},
		"academicProfile": {"cgpa": 3.8, "englishScores": {"toeflTotal": 101}},
		"resumeExtracted": {"workExperience": [{"company": "Acme"}]},
		"wizardSnapshot": {"fieldOfStudy": {"anything": 1}},
		"somethingElse": 42
	}`)
	if err := Validate(v); err != nil {
		t.Errorf("unexpected error: %v", err)
	}
}

func TestValidate_ReportsAllProblems(t *testing.T) {
	v := mustParse(t, `{
		"firstName": 7,
		"preferences": {"intake": {"year": 2026.5}, "destinationCountries": ["CA", 1]},
		"academicProfile": "top",
		"updatedAt": "yesterday"
	}`)
	err := Validate(v)
	var ve *apperr.ValidationError
	if !errors.As(err, &ve) {
		t.Fatalf("expected ValidationError, got %v", err)
	}
	if len(ve.Problems) != 5 {
		t.Fatalf("problems = %v, want 5", ve.Problems)
	}
	joined := strings.Join(ve.Problems, "\n")
	for _, want := range []string{
		"firstName: expected string",
		"updatedAt: invalid timestamp",
		"preferences.destinationCountries: item 1",
		"preferences.intake.year: expected integer",
		"academicProfile: expected object",
	} {
		if !strings.Contains(joined, want) {
			t.Errorf("missing problem %q in %v", want, ve.Problems)
		}
	}
}

func TestFullView(t *testing.T) {
	v := FullView(mustParse(t, `{"email":"a@b.c","academicProfile":{"cgpa":3.1},"legacy":true}`))
	m, _ := v.AsMap()

	keys := m.Keys()
	if keys[0] != "displayName" || keys[len(keys)-1] != "legacy" {
		t.Errorf("unexpected key order: %v", keys)
	}
	if p, _ := m.Get("preferences"); !p.IsNull() {
		t.Errorf("preferences = %s, want null", p)
	}
	ap, _ := m.Get("academicProfile")
	want := `{"cgpa":3.1,"cgpaScale":null,"highestQualification":null,"englishScores":null,"standardizedTests":null}`
	if ap.String() != want {
		t.Errorf("academicProfile = %s, want %s", ap, want)
	}
}
