// Package repair normalizes known data-quality defects in FHIR resources
// exported from GP clinical systems before they are loaded into a FHIR server.
//
// Each repair is scoped to one field or resource type and is idempotent. The
// blank-value sweep runs last so it never overwrites values the targeted
// repairs have just filled in.
package repair

import (
	"github.com/ehr/bundlesync/internal/ident"
	"github.com/ehr/bundlesync/internal/platform/fhir"
)

const (
	// DefaultSentinel replaces null and empty-string values.
	DefaultSentinel = "N/A"
	// DefaultDescriptionPlaceholder replaces blank description fields.
	DefaultDescriptionPlaceholder = "description"
)

// Repair is one named fixup. Apply mutates the resource in place and reports
// whether anything changed.
type Repair struct {
	Name  string
	Apply func(r *fhir.Object) bool
}

// Options configures the repair set.
type Options struct {
	// Sentinel is the text substituted for null and blank values.
	Sentinel string
	// DescriptionPlaceholder replaces whitespace-only description fields.
	DescriptionPlaceholder string
	// TitlePlaceholder replaces whitespace-only title fields. Empty disables
	// the title repair.
	TitlePlaceholder string
	// IDs generates QuestionnaireResponse item linkIds.
	IDs ident.Generator
}

// DefaultOptions returns the options used when nothing is configured.
func DefaultOptions() Options {
	return Options{
		Sentinel:               DefaultSentinel,
		DescriptionPlaceholder: DefaultDescriptionPlaceholder,
		IDs:                    ident.UUID,
	}
}

// Engine applies a fixed, ordered list of repairs.
type Engine struct {
	repairs []Repair
}

// Report lists the repairs that changed a resource, in application order.
type Report struct {
	Applied []string
}

// Changed reports whether any repair modified the resource.
func (r Report) Changed() bool { return len(r.Applied) > 0 }

// NewEngine builds the standard repair pipeline. Zero-valued options fall
// back to DefaultOptions.
func NewEngine(opts Options) *Engine {
	def := DefaultOptions()
	if opts.Sentinel == "" {
		opts.Sentinel = def.Sentinel
	}
	if opts.DescriptionPlaceholder == "" {
		opts.DescriptionPlaceholder = def.DescriptionPlaceholder
	}
	if opts.IDs == nil {
		opts.IDs = def.IDs
	}

	repairs := []Repair{
		{Name: "description", Apply: fillBlankField("description", opts.DescriptionPlaceholder)},
	}
	if opts.TitlePlaceholder != "" {
		repairs = append(repairs, Repair{Name: "title", Apply: fillBlankField("title", opts.TitlePlaceholder)})
	}
	repairs = append(repairs,
		Repair{Name: "questionnaire-link-id", Apply: backfillLinkIDs(opts.IDs)},
		Repair{Name: "observation-healthcare-service", Apply: relocateObservationServices},
		Repair{Name: "diagnostic-report-healthcare-service", Apply: relocateDiagnosticReportServices},
		Repair{Name: "medication-status-reason", Apply: backfillStatusReasonText},
		// Must stay last.
		Repair{Name: "blank-sweep", Apply: sweepBlanks(opts.Sentinel)},
	)
	return &Engine{repairs: repairs}
}

// Names returns the repair names in application order.
func (e *Engine) Names() []string {
	names := make([]string, len(e.repairs))
	for i, r := range e.repairs {
		names[i] = r.Name
	}
	return names
}

// Apply runs every repair against r. It never fails; repairs whose expected
// structure is missing are no-ops.
func (e *Engine) Apply(r *fhir.Object) Report {
	var rep Report
	if r == nil {
		return rep
	}
	for _, rp := range e.repairs {
		if rp.Apply(r) {
			rep.Applied = append(rep.Applied, rp.Name)
		}
	}
	return rep
}
