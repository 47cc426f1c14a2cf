package repair

import (
	"strings"

	"github.com/ehr/bundlesync/internal/platform/fhir"
)

// sweepBlanks replaces every null or empty-string value in the resource, at
// any depth, with sentinel. Inside a type array, a whitespace-only text is
// replaced as well.
func sweepBlanks(sentinel string) func(*fhir.Object) bool {
	return func(r *fhir.Object) bool {
		s := sweeper{sentinel: sentinel, seen: make(map[*fhir.Object]bool)}
		return s.object(r)
	}
}

type sweeper struct {
	sentinel string
	seen     map[*fhir.Object]bool
}

func (s *sweeper) object(o *fhir.Object) bool {
	if o == nil || s.seen[o] {
		return false
	}
	s.seen[o] = true

	changed := false
	for _, k := range o.Keys() {
		v, _ := o.Get(k)
		if s.value(v) {
			changed = true
		}
	}
	if s.typeTexts(o) {
		changed = true
	}
	return changed
}

func (s *sweeper) value(v *fhir.Value) bool {
	switch v.Kind() {
	case fhir.KindNull:
		v.SetString(s.sentinel)
		return true
	case fhir.KindString:
		if str, _ := v.Str(); str == "" {
			v.SetString(s.sentinel)
			return true
		}
	case fhir.KindArray:
		items := v.Items()
		changed := false
		for i, it := range items {
			if it == nil {
				items[i] = fhir.String(s.sentinel)
				changed = true
				continue
			}
			if s.value(it) {
				changed = true
			}
		}
		return changed
	case fhir.KindObject:
		return s.object(v.Object())
	}
	return false
}

func (s *sweeper) typeTexts(o *fhir.Object) bool {
	changed := false
	for _, entry := range fhir.ObjectItems(o, "type") {
		if text, ok := entry.StringField("text"); ok && strings.TrimSpace(text) == "" {
			entry.SetString("text", s.sentinel)
			changed = true
		}
	}
	return changed
}
