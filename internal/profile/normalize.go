package profile

import (
	"strings"

	"github.com/kalambet/campusconnect/internal/apperr"
)

// Normalize coerces known alternate encodings in a candidate patch into the
// canonical profile shape. Shapes it does not recognise pass through. The
// input is not modified.
func Normalize(candidate Value) (Value, error) {
	root, ok := candidate.AsMap()
	if !ok {
		return Value{}, apperr.Validation("candidate patch must be an object, got %s", candidate.Kind())
	}
	out := Object(root).Clone()
	m, _ := out.AsMap()

	if prefs, ok := childMap(m, "preferences"); ok {
		if fos, ok := prefs.Get("fieldOfStudy"); ok {
			if s, isStr := fos.AsString(); isStr {
				wrapped := NewMap()
				wrapped.Set("focus", String(s))
				prefs.Set("fieldOfStudy", Object(wrapped))
			}
		}
	}

	if resume, ok := childMap(m, "resumeExtracted"); ok {
		if skills, ok := resume.Get("skills"); ok {
			switch skills.Kind() {
			case KindMap:
				sm, _ := skills.AsMap()
				resume.Set("skills", StringList(flattenSkills(sm)))
			case KindString:
				s, _ := skills.AsString()
				resume.Set("skills", StringList([]string{s}))
			}
		}
	}

	return out, nil
}

func childMap(m *Map, key string) (*Map, bool) {
	v, ok := m.Get(key)
	if !ok || !v.IsMap() {
		return nil, false
	}
	return v.AsMap()
}

// flattenSkills collects string leaves of a categorised skill map in key
// order, skipping blanks and non-strings.
func flattenSkills(m *Map) []string {
	out := []string{}
	for _, k := range m.Keys() {
		v, _ := m.Get(k)
		switch v.Kind() {
		case KindString:
			if s, _ := v.AsString(); strings.TrimSpace(s) != "" {
				out = append(out, s)
			}
		case KindList:
			items, _ := v.AsList()
			for _, it := range items {
				if s, ok := it.AsString(); ok && strings.TrimSpace(s) != "" {
					out = append(out, s)
				}
			}
		}
	}
	return out
}

// Compact drops emptyish entries from maps, then drops maps left empty.
// Lists are kept as they are unless empty.
func Compact(v Value) Value {
	m, ok := v.AsMap()
	if !ok {
		return v
	}
	out := NewMap()
	for _, k := range m.Keys() {
		child, _ := m.Get(k)
		child = Compact(child)
		if child.IsEmptyish() {
			continue
		}
		out.Set(k, child)
	}
	return Object(out)
}
