package profile

import (
	"fmt"
	"math"
	"strings"
	"time"

	"github.com/kalambet/campusconnect/internal/apperr"
)

type fieldType int

const (
	typeString fieldType = iota
	typeNumber
	typeInteger
	typeBool
	typeTime
	typeStringList
	typeObjectList
	typeFreeObject
	typeObject
)

type field struct {
	name     string
	typ      fieldType
	children []field
}

func obj(name string, children ...field) field {
	return field{name: name, typ: typeObject, children: children}
}

func leaf(name string, typ fieldType) field {
	return field{name: name, typ: typ}
}

// userSchema lists every field the canonical profile knows about, in the
// order views render them.
var userSchema = []field{
	leaf("displayName", typeString),
	leaf("email", typeString),
	leaf("firstName", typeString),
	leaf("lastName", typeString),
	leaf("phoneNumber", typeString),
	leaf("createdAt", typeTime),
	leaf("updatedAt", typeTime),
	obj("preferences",
		obj("budget",
			leaf("annualAmount", typeNumber),
			leaf("currencyCode", typeString),
		),
		leaf("considersLoan", typeBool),
		leaf("destinationCountries", typeStringList),
		obj("fieldOfStudy",
			leaf("category", typeString),
			leaf("focus", typeString),
		),
		obj("intake",
			leaf("month", typeString),
			leaf("year", typeInteger),
		),
		leaf("studyLevel", typeString),
		leaf("source", typeString),
		leaf("lastUpdatedAt", typeTime),
	),
	obj("wizardSnapshot",
		leaf("budget", typeNumber),
		leaf("countries", typeStringList),
		leaf("fieldOfStudy", typeFreeObject),
		leaf("intake", typeFreeObject),
		leaf("interestedInLoan", typeBool),
		leaf("savedAt", typeTime),
		leaf("studyLevel", typeString),
	),
	obj("academicProfile",
		leaf("cgpa", typeNumber),
		leaf("cgpaScale", typeNumber),
		leaf("highestQualification", typeString),
		obj("englishScores",
			leaf("ieltsOverall", typeNumber),
			leaf("toeflTotal", typeInteger),
			leaf("duolingo", typeInteger),
			leaf("pte", typeInteger),
		),
		obj("standardizedTests",
			leaf("greTotal", typeInteger),
			leaf("greQuant", typeInteger),
			leaf("greVerbal", typeInteger),
			leaf("gmatTotal", typeInteger),
			leaf("satTotal", typeInteger),
		),
	),
	obj("resumeExtracted",
		leaf("rawText", typeString),
		leaf("skills", typeStringList),
		leaf("workExperience", typeObjectList),
		leaf("education", typeObjectList),
	),
}

var timeLayouts = []string{time.RFC3339Nano, "2006-01-02T15:04:05", "2006-01-02"}

// Validate checks every known field in v for a compatible kind. Null is
// accepted anywhere and unknown keys are ignored. All problems are
// reported together.
func Validate(v Value) error {
	root, ok := v.AsMap()
	if !ok {
		return apperr.Validation("profile must be an object, got %s", v.Kind())
	}
	var problems []string
	validateFields(root, userSchema, nil, &problems)
	if len(problems) > 0 {
		return &apperr.ValidationError{Problems: problems}
	}
	return nil
}

func validateFields(m *Map, fields []field, prefix []string, problems *[]string) {
	for _, f := range fields {
		v, ok := m.Get(f.name)
		if !ok || v.IsNull() {
			continue
		}
		path := append(append([]string(nil), prefix...), f.name)
		if f.typ == typeObject {
			child, isMap := v.AsMap()
			if !isMap {
				*problems = append(*problems, fmt.Sprintf("%s: expected object, got %s", strings.Join(path, "."), v.Kind()))
				continue
			}
			validateFields(child, f.children, path, problems)
			continue
		}
		if msg := checkLeaf(f.typ, v); msg != "" {
			*problems = append(*problems, fmt.Sprintf("%s: %s", strings.Join(path, "."), msg))
		}
	}
}

func checkLeaf(typ fieldType, v Value) string {
	switch typ {
	case typeString:
		if v.Kind() != KindString {
			return "expected string, got " + v.Kind().String()
		}
	case typeNumber:
		if v.Kind() != KindNumber {
			return "expected number, got " + v.Kind().String()
		}
	case typeInteger:
		n, ok := v.AsNumber()
		if !ok {
			return "expected integer, got " + v.Kind().String()
		}
		if n != math.Trunc(n) {
			return fmt.Sprintf("expected integer, got %v", n)
		}
	case typeBool:
		if v.Kind() != KindBool {
			return "expected bool, got " + v.Kind().String()
		}
	case typeTime:
		s, ok := v.AsString()
		if !ok {
			return "expected timestamp string, got " + v.Kind().String()
		}
		if !parsesAsTime(s) {
			return fmt.Sprintf("invalid timestamp %q", s)
		}
	case typeStringList:
		items, ok := v.AsList()
		if !ok {
			return "expected list of strings, got " + v.Kind().String()
		}
		for i, it := range items {
			if it.Kind() != KindString {
				return fmt.Sprintf("item %d: expected string, got %s", i, it.Kind())
			}
		}
	case typeObjectList:
		items, ok := v.AsList()
		if !ok {
			return "expected list of objects, got " + v.Kind().String()
		}
		for i, it := range items {
			if !it.IsMap() {
				return fmt.Sprintf("item %d: expected object, got %s", i, it.Kind())
			}
		}
	case typeFreeObject:
		if !v.IsMap() {
			return "expected object, got " + v.Kind().String()
		}
	}
	return ""
}

func parsesAsTime(s string) bool {
	for _, layout := range timeLayouts {
		if _, err := time.Parse(layout, s); err == nil {
			return true
		}
	}
	return false
}

// FullView returns data laid out on the canonical schema: every known field
// is present, unknown ones are null. Nested objects are expanded only where
// data holds an object. Keys outside the schema follow the known ones.
func FullView(data Value) Value {
	m, ok := data.AsMap()
	if !ok {
		m = NewMap()
	}
	return Object(fillFields(m, userSchema))
}

func fillFields(m *Map, fields []field) *Map {
	out := NewMap()
	known := make(map[string]bool, len(fields))
	for _, f := range fields {
		known[f.name] = true
		v, ok := m.Get(f.name)
		switch {
		case !ok:
			out.Set(f.name, Null())
		case f.typ == typeObject && v.IsMap():
			child, _ := v.AsMap()
			out.Set(f.name, Object(fillFields(child, f.children)))
		default:
			out.Set(f.name, v.Clone())
		}
	}
	for _, k := range m.Keys() {
		if known[k] {
			continue
		}
		v, _ := m.Get(k)
		out.Set(k, v.Clone())
	}
	return out
}
