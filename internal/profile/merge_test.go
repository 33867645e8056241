package profile

import (
	"errors"
	"testing"

	"github.com/kalambet/campusconnect/internal/apperr"
)

func writesAsMap(ws []FieldWrite) map[string]string {
	out := make(map[string]string, len(ws))
	for _, w := range ws {
		out[w.Path()] = w.Value.String()
	}
	return out
}

func assertWrites(t *testing.T, got []FieldWrite, want map[string]string) {
	t.Helper()
	gm := writesAsMap(got)
	if len(gm) != len(want) {
		t.Fatalf("writes = %v, want %v", gm, want)
	}
	for p, v := range want {
		if gm[p] != v {
			t.Errorf("write %s = %s, want %s", p, gm[p], v)
		}
	}
}

func TestMerge_FillsOnlyEmptyLeaves(t *testing.T) {
	existing := mustParse(t, `{"firstName":"Ann","academicProfile":{"cgpa":null}}`)
	patch := mustParse(t, `{"firstName":"Annabelle","academicProfile":{"cgpa":3.8,"highestQualification":"Masters"}}`)

	res, err := Merge(existing, patch, PolicyPreserve)
	if err != nil {
		t.Fatal(err)
	}
	assertWrites(t, res.Writes, map[string]string{
		"academicProfile.cgpa":                 `3.8`,
		"academicProfile.highestQualification": `"Masters"`,
	})
}

func TestMerge_MissingSubtreeIsOneWrite(t *testing.T) {
	existing := mustParse(t, `{"firstName":"Ann"}`)
	patch := mustParse(t, `{"academicProfile":{"cgpa":3.8,"englishScores":{"ieltsOverall":7.5}}}`)

	res, err := Merge(existing, patch, PolicyPreserve)
	if err != nil {
		t.Fatal(err)
	}
	assertWrites(t, res.Writes, map[string]string{
		"academicProfile": `{"cgpa":3.8,"englishScores":{"ieltsOverall":7.5}}`,
	})
}

func TestMerge_EmptyishExistingValues(t *testing.T) {
	existing := mustParse(t, `{"a":"","b":[],"c":{},"d":null,"e":"","f":null}`)
	patch := mustParse(t, `{"a":"x","b":["y"],"c":{"k":1},"d":2,"e":{"k":2},"f":{"k":3}}`)

	for _, policy := range []MismatchPolicy{PolicyPreserve, PolicyOverwrite, PolicyReject} {
		res, err := Merge(existing, patch, policy)
		if err != nil {
			t.Fatalf("%s: %v", policy, err)
		}
		assertWrites(t, res.Writes, map[string]string{
			"a":   `"x"`,
			"b":   `["y"]`,
			"c.k": `1`,
			"d":   `2`,
			"e":   `{"k":2}`,
			"f":   `{"k":3}`,
		})
	}
}

func TestMerge_SkipsEmptyishCandidateLeaves(t *testing.T) {
	existing := mustParse(t, `{"a":null,"b":{"c":""}}`)
	patch := mustParse(t, `{"a":"","b":{"c":null,"d":[]},"e":{"f":{}},"g":"x"}`)

	for _, policy := range []MismatchPolicy{PolicyPreserve, PolicyOverwrite, PolicyReject} {
		res, err := Merge(existing, patch, policy)
		if err != nil {
			t.Fatalf("%s: %v", policy, err)
		}
		assertWrites(t, res.Writes, map[string]string{"g": `"x"`})

		again, err := Merge(Apply(existing, res.Writes), patch, policy)
		if err != nil {
			t.Fatalf("%s: %v", policy, err)
		}
		if !again.Empty() {
			t.Errorf("%s: second merge wrote %v", policy, writesAsMap(again.Writes))
		}
	}
}

func TestMerge_ScalarAgainstExistingObject(t *testing.T) {
	existing := mustParse(t, `{"preferences":{"budget":1}}`)
	patch := mustParse(t, `{"preferences":"anything"}`)

	res, err := Merge(existing, patch, PolicyPreserve)
	if err != nil {
		t.Fatal(err)
	}
	if !res.Empty() {
		t.Errorf("expected no writes, got %v", writesAsMap(res.Writes))
	}
}

func TestMerge_TypeMismatchPolicies(t *testing.T) {
	existing := mustParse(t, `{"preferences":{"fieldOfStudy":"Finance"},"skills":["go"]}`)
	patch := mustParse(t, `{"preferences":{"fieldOfStudy":{"focus":"Data"}},"skills":{"a":"b"}}`)

	t.Run("preserve", func(t *testing.T) {
		res, err := Merge(existing, patch, PolicyPreserve)
		if err != nil {
			t.Fatal(err)
		}
		if !res.Empty() {
			t.Errorf("expected no writes, got %v", writesAsMap(res.Writes))
		}
		if len(res.Conflicts) != 2 || res.Conflicts[0] != "preferences.fieldOfStudy" || res.Conflicts[1] != "skills" {
			t.Errorf("conflicts = %v", res.Conflicts)
		}
	})

	t.Run("overwrite", func(t *testing.T) {
		res, err := Merge(existing, patch, PolicyOverwrite)
		if err != nil {
			t.Fatal(err)
		}
		assertWrites(t, res.Writes, map[string]string{
			"preferences.fieldOfStudy": `{"focus":"Data"}`,
			"skills":                   `{"a":"b"}`,
		})
	})

	t.Run("reject", func(t *testing.T) {
		_, err := Merge(existing, patch, PolicyReject)
		var ve *apperr.ValidationError
		if !errors.As(err, &ve) {
			t.Fatalf("expected ValidationError, got %v", err)
		}
		if len(ve.Problems) != 2 {
			t.Errorf("problems = %v", ve.Problems)
		}
	})
}

func TestMerge_NullExistingDocument(t *testing.T) {
	res, err := Merge(Null(), mustParse(t, `{"email":"a@b.c"}`), "")
	if err != nil {
		t.Fatal(err)
	}
	assertWrites(t, res.Writes, map[string]string{"email": `"a@b.c"`})
}

func TestMerge_SortedAndKeysWithDots(t *testing.T) {
	res, err := Merge(mustParse(t, `{"m":{}}`), mustParse(t, `{"z":1,"m":{"a.b":2},"b":3}`), PolicyPreserve)
	if err != nil {
		t.Fatal(err)
	}
	if len(res.Writes) != 3 {
		t.Fatalf("writes = %v", writesAsMap(res.Writes))
	}
	if res.Writes[0].Path() != "b" || res.Writes[1].Path() != "m.a.b" || res.Writes[2].Path() != "z" {
		t.Errorf("unexpected order: %v", writesAsMap(res.Writes))
	}
	if len(res.Writes[1].Segments) != 2 {
		t.Errorf("segments = %v, want [m a.b]", res.Writes[1].Segments)
	}
}

func TestMerge_DoesNotAliasCandidate(t *testing.T) {
	patch := mustParse(t, `{"academicProfile":{"cgpa":3.8}}`)
	res, err := Merge(Null(), patch, PolicyPreserve)
	if err != nil {
		t.Fatal(err)
	}
	m, _ := res.Writes[0].Value.AsMap()
	m.Set("cgpa", Number(1))
	if patch.String() != `{"academicProfile":{"cgpa":3.8}}` {
		t.Errorf("candidate mutated: %s", patch)
	}
}

type leafAt struct {
	segs  []string
	value Value
}

// leaves returns every leaf of v. Empty maps count as leaves.
func leaves(prefix []string, v Value, out *[]leafAt) {
	m, ok := v.AsMap()
	if !ok || m.Len() == 0 {
		*out = append(*out, leafAt{segs: prefix, value: v})
		return
	}
	for _, k := range m.Keys() {
		child, _ := m.Get(k)
		leaves(append(append([]string(nil), prefix...), k), child, out)
	}
}

// blocked reports whether existing data at segs, or a non-object at one of
// its prefixes, keeps a patch leaf from landing.
func blocked(existing *Map, segs []string, policy MismatchPolicy) bool {
	for i := 1; i < len(segs); i++ {
		v, ok := existing.GetPath(segs[:i])
		if !ok {
			return false
		}
		if !v.IsMap() && !v.IsEmptyish() {
			return policy == PolicyPreserve
		}
	}
	v, ok := existing.GetPath(segs)
	return ok && !v.IsEmptyish()
}

var propertyCases = []struct {
	existing string
	patch    string
}{
	{`{}`, `{"a":1}`},
	{`{"firstName":"Ann","academicProfile":{"cgpa":null}}`, `{"firstName":"Bea","academicProfile":{"cgpa":3.8,"englishScores":{"pte":70}}}`},
	{`{"preferences":{"budget":{"annualAmount":0},"intake":"soon"}}`, `{"preferences":{"budget":{"annualAmount":5,"currencyCode":"USD"},"intake":{"year":2026}}}`},
	{`{"a":{"b":{"c":""}},"x":[]}`, `{"a":{"b":{"c":"d","e":false}},"x":["y"],"n":null}`},
	{`{"resumeExtracted":{"skills":["go"]}}`, `{"resumeExtracted":{"skills":["rust"],"rawText":"cv"}}`},
	{`{"m":{"k.dot":""}}`, `{"m":{"k.dot":"v"}}`},
}

func TestMerge_Properties(t *testing.T) {
	for _, policy := range []MismatchPolicy{PolicyPreserve, PolicyOverwrite} {
		for _, tc := range propertyCases {
			existing := mustParse(t, tc.existing)
			exMap, _ := existing.AsMap()
			patch := Compact(mustParse(t, tc.patch))

			res, err := Merge(existing, patch, policy)
			if err != nil {
				t.Fatalf("%s %s: %v", policy, tc.patch, err)
			}
			updated := Apply(existing, res.Writes)
			upMap, _ := updated.AsMap()

			if policy == PolicyPreserve {
				var stored []leafAt
				leaves(nil, existing, &stored)
				for _, l := range stored {
					if l.value.IsEmptyish() {
						continue
					}
					got, ok := upMap.GetPath(l.segs)
					if !ok || !got.Equal(l.value) {
						t.Errorf("%s: stored %v changed from %s to %s", tc.patch, l.segs, l.value, got)
					}
				}
			}

			var offered []leafAt
			leaves(nil, patch, &offered)
			for _, l := range offered {
				if blocked(exMap, l.segs, policy) {
					continue
				}
				got, ok := upMap.GetPath(l.segs)
				if !ok || !got.Equal(l.value) {
					t.Errorf("%s %s: leaf %v = %s, want %s", policy, tc.patch, l.segs, got, l.value)
				}
			}

			again, err := Merge(updated, patch, policy)
			if err != nil {
				t.Fatal(err)
			}
			if !again.Empty() {
				t.Errorf("%s %s: second merge wrote %v", policy, tc.patch, writesAsMap(again.Writes))
			}
		}
	}
}

func TestApply(t *testing.T) {
	doc := mustParse(t, `{"a":{"b":1},"c":"x"}`)
	out := Apply(doc, []FieldWrite{
		{Segments: []string{"a", "d"}, Value: Number(2)},
		{Segments: []string{"e"}, Value: mustParse(t, `{"f":true}`)},
	})
	if out.String() != `{"a":{"b":1,"d":2},"c":"x","e":{"f":true}}` {
		t.Errorf("Apply = %s", out)
	}
	if doc.String() != `{"a":{"b":1},"c":"x"}` {
		t.Errorf("input mutated: %s", doc)
	}
}
