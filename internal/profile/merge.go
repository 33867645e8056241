package profile

import (
	"fmt"
	"sort"
	"strings"

	"github.com/kalambet/campusconnect/internal/apperr"
)

// FieldWrite is one sparse update: a value for the field at Segments.
type FieldWrite struct {
	Segments []string
	Value    Value
}

// Path renders the segments in dotted form, e.g. "academicProfile.cgpa".
func (w FieldWrite) Path() string {
	return strings.Join(w.Segments, ".")
}

// MismatchPolicy decides what happens when the candidate offers an object
// where the stored profile holds a non-empty scalar or list.
type MismatchPolicy string

const (
	// PolicyPreserve keeps the stored value and reports the conflict.
	PolicyPreserve MismatchPolicy = "preserve"
	// PolicyOverwrite replaces the stored value with the candidate object.
	PolicyOverwrite MismatchPolicy = "overwrite"
	// PolicyReject fails the whole merge.
	PolicyReject MismatchPolicy = "reject"
)

// ParseMismatchPolicy maps a configuration string to a policy. Empty means
// PolicyPreserve.
func ParseMismatchPolicy(s string) (MismatchPolicy, error) {
	switch p := MismatchPolicy(strings.ToLower(strings.TrimSpace(s))); p {
	case "":
		return PolicyPreserve, nil
	case PolicyPreserve, PolicyOverwrite, PolicyReject:
		return p, nil
	}
	return "", fmt.Errorf("unknown type mismatch policy %q (want preserve, overwrite or reject)", s)
}

// MergeResult is the outcome of Merge. Conflicts lists dotted paths that
// were skipped under PolicyPreserve.
type MergeResult struct {
	Writes    []FieldWrite
	Conflicts []string
}

// Empty reports whether there is nothing to write.
func (r MergeResult) Empty() bool { return len(r.Writes) == 0 }

// Merge computes the writes that bring candidate's information into
// existing without replacing any non-empty stored value. A missing or
// non-object existing subtree gets one write for the whole candidate
// subtree; leaves are written only where existing is absent or emptyish.
// Emptyish candidate leaves carry nothing and are skipped. Writes are
// sorted by path.
func Merge(existing, candidate Value, policy MismatchPolicy) (MergeResult, error) {
	cand, ok := candidate.AsMap()
	if !ok {
		return MergeResult{}, apperr.Validation("candidate patch must be an object, got %s", candidate.Kind())
	}
	if policy == "" {
		policy = PolicyPreserve
	}
	ex, ok := existing.AsMap()
	if !ok {
		ex = NewMap()
	}

	var res MergeResult
	var rejected []string
	mergeInto(ex, cand, nil, policy, &res, &rejected)
	if len(rejected) > 0 {
		problems := make([]string, len(rejected))
		for i, p := range rejected {
			problems[i] = fmt.Sprintf("%s: candidate object conflicts with stored non-object value", p)
		}
		return MergeResult{}, &apperr.ValidationError{Problems: problems}
	}

	sort.Slice(res.Writes, func(i, j int) bool {
		return res.Writes[i].Path() < res.Writes[j].Path()
	})
	sort.Strings(res.Conflicts)
	return res, nil
}

func mergeInto(existing, candidate *Map, prefix []string, policy MismatchPolicy, res *MergeResult, rejected *[]string) {
	for _, key := range candidate.Keys() {
		cv, _ := candidate.Get(key)
		cv = Compact(cv)
		if cv.IsEmptyish() {
			continue
		}
		path := append(append([]string(nil), prefix...), key)
		ev, present := existing.Get(key)

		if cv.IsMap() {
			switch {
			case present && ev.IsMap():
				exChild, _ := ev.AsMap()
				candChild, _ := cv.AsMap()
				mergeInto(exChild, candChild, path, policy, res, rejected)
			case !present || ev.IsEmptyish() || policy == PolicyOverwrite:
				res.Writes = append(res.Writes, FieldWrite{Segments: path, Value: cv.Clone()})
			case policy == PolicyReject:
				*rejected = append(*rejected, strings.Join(path, "."))
			default:
				res.Conflicts = append(res.Conflicts, strings.Join(path, "."))
			}
			continue
		}

		if !present || ev.IsEmptyish() {
			res.Writes = append(res.Writes, FieldWrite{Segments: path, Value: cv.Clone()})
		}
	}
}

// Apply returns a copy of doc with writes applied. Stores that cannot
// patch in place use it to compute the new document.
func Apply(doc Value, writes []FieldWrite) Value {
	out := doc.Clone()
	m, ok := out.AsMap()
	if !ok {
		m = NewMap()
		out = Object(m)
	}
	for _, w := range writes {
		m.SetPath(w.Segments, w.Value.Clone())
	}
	return out
}
