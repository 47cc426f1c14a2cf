package repair

import (
	"strings"

	"github.com/ehr/bundlesync/internal/ident"
	"github.com/ehr/bundlesync/internal/platform/fhir"
)

// fillBlankField replaces a present field that is null or whitespace-only
// with placeholder. Absent fields are left alone.
func fillBlankField(key, placeholder string) func(*fhir.Object) bool {
	return func(r *fhir.Object) bool {
		v, ok := r.Get(key)
		if !ok {
			return false
		}
		switch v.Kind() {
		case fhir.KindNull:
		case fhir.KindString:
			if s, _ := v.Str(); strings.TrimSpace(s) != "" {
				return false
			}
		default:
			return false
		}
		r.SetString(key, placeholder)
		return true
	}
}

// backfillLinkIDs gives every QuestionnaireResponse item without a linkId a
// generated one, including items nested under items and answers.
func backfillLinkIDs(gen ident.Generator) func(*fhir.Object) bool {
	return func(r *fhir.Object) bool {
		if fhir.ResourceType(r) != "QuestionnaireResponse" {
			return false
		}
		return backfillItems(r, gen)
	}
}

func backfillItems(parent *fhir.Object, gen ident.Generator) bool {
	changed := false
	for _, item := range fhir.ObjectItems(parent, "item") {
		if !item.Has("linkId") {
			item.SetString("linkId", gen())
			changed = true
		}
		if backfillItems(item, gen) {
			changed = true
		}
		for _, answer := range fhir.ObjectItems(item, "answer") {
			if backfillItems(answer, gen) {
				changed = true
			}
		}
	}
	return changed
}
