// Package linearize orders resources so that contained resources precede the
// resources that contain them.
package linearize

import "github.com/ehr/bundlesync/internal/platform/fhir"

// Linearize returns a new sequence holding every input resource and every
// resource reachable through contained, each exactly once, with contained
// children placed before their container. Input order breaks ties between
// independent subtrees. Resources are identified by id; a later resource with
// an id already placed is dropped. A resource whose id is already being
// visited higher up the tree is skipped rather than followed, so cyclic
// contained graphs terminate.
func Linearize(resources []*fhir.Object) []*fhir.Object {
	l := &linearizer{
		placed:   make(map[string]bool),
		visiting: make(map[string]bool),
		out:      make([]*fhir.Object, 0, len(resources)),
	}
	for _, r := range resources {
		l.visit(r)
	}
	return l.out
}

type linearizer struct {
	placed   map[string]bool
	visiting map[string]bool
	out      []*fhir.Object
}

func (l *linearizer) visit(r *fhir.Object) {
	if r == nil {
		return
	}
	id := fhir.ID(r)
	if l.placed[id] || l.visiting[id] {
		return
	}
	l.visiting[id] = true
	for _, child := range fhir.Contained(r) {
		l.visit(child)
	}
	delete(l.visiting, id)

	l.out = append(l.out, r)
	l.placed[id] = true
}
