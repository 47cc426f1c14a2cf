package repair

import (
	"strings"

	"github.com/ehr/bundlesync/internal/platform/fhir"
)

// MedicationStatusReasonURL is the CareConnect GP Connect extension carrying
// the reason a medication's status changed.
const MedicationStatusReasonURL = "https://fhir.nhs.uk/STU3/StructureDefinition/Extension-CareConnect-GPC-MedicationStatusReason-1"

// backfillStatusReasonText fills blank valueCodeableConcept.text of the
// status-reason sub-extensions of a MedicationRequest with the
// sub-extension's url. Matches are found at any depth of the tree.
func backfillStatusReasonText(r *fhir.Object) bool {
	if fhir.ResourceType(r) != "MedicationRequest" {
		return false
	}
	return walkExtensions(fhir.ObjectItems(r, "extension"), make(map[*fhir.Object]bool))
}

func walkExtensions(exts []*fhir.Object, seen map[*fhir.Object]bool) bool {
	changed := false
	for _, ext := range exts {
		if seen[ext] {
			continue
		}
		seen[ext] = true

		children := fhir.ObjectItems(ext, "extension")
		if url, _ := ext.StringField("url"); url == MedicationStatusReasonURL {
			for _, sub := range children {
				if fillConceptText(sub) {
					changed = true
				}
			}
		}
		if walkExtensions(children, seen) {
			changed = true
		}
	}
	return changed
}

// fillConceptText sets sub.valueCodeableConcept.text to sub.url when the text
// is absent or blank. Sub-extensions without a url or without a concept are
// left untouched.
func fillConceptText(sub *fhir.Object) bool {
	url, ok := sub.StringField("url")
	if !ok || url == "" {
		return false
	}
	concept := sub.ObjectField("valueCodeableConcept")
	if concept == nil {
		return false
	}
	if text, ok := concept.StringField("text"); ok && strings.TrimSpace(text) != "" {
		return false
	}
	concept.SetString("text", url)
	return true
}
