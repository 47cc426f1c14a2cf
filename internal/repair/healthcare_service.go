package repair

import (
	"strings"

	"github.com/ehr/bundlesync/internal/platform/fhir"
)

// healthcareServiceMarker identifies performer references the target server
// rejects for Observation and DiagnosticReport.
const healthcareServiceMarker = "HealthcareService"

// relocateObservationServices moves HealthcareService performers of an
// Observation into its comment.
func relocateObservationServices(r *fhir.Object) bool {
	if fhir.ResourceType(r) != "Observation" {
		return false
	}
	return relocateServices(r, "comment", func(p *fhir.Object) string {
		ref, _ := p.StringField("reference")
		return ref
	})
}

// relocateDiagnosticReportServices moves HealthcareService performers of a
// DiagnosticReport, referenced through performer[].actor, into its
// conclusion.
func relocateDiagnosticReportServices(r *fhir.Object) bool {
	if fhir.ResourceType(r) != "DiagnosticReport" {
		return false
	}
	return relocateServices(r, "conclusion", func(p *fhir.Object) string {
		ref, _ := p.ObjectField("actor").StringField("reference")
		return ref
	})
}

// relocateServices removes performer elements whose reference names a
// HealthcareService and appends the references, newline-joined, to the
// target text field. A performer array left empty is removed.
func relocateServices(r *fhir.Object, target string, refOf func(*fhir.Object) string) bool {
	performer, ok := r.Get("performer")
	if !ok || performer.Kind() != fhir.KindArray {
		return false
	}

	var kept []*fhir.Value
	var moved []string
	for _, item := range performer.Items() {
		if p := item.Object(); p != nil {
			if ref := refOf(p); strings.Contains(ref, healthcareServiceMarker) {
				moved = append(moved, ref)
				continue
			}
		}
		kept = append(kept, item)
	}
	if len(moved) == 0 {
		return false
	}

	text := strings.Join(moved, "\n")
	if existing, ok := r.StringField(target); ok && existing != "" {
		text = existing + "\n" + text
	}
	r.SetString(target, text)

	if len(kept) == 0 {
		r.Delete("performer")
	} else {
		performer.SetItems(kept)
	}
	return true
}
