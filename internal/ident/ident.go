// Package ident assigns stable identifiers to resources that lack one.
package ident

import (
	"strconv"

	"github.com/google/uuid"

	"github.com/ehr/bundlesync/internal/platform/fhir"
)

// Generator produces a new unique identifier.
type Generator func() string

// UUID returns a random (version 4) UUID in canonical form.
func UUID() string {
	return uuid.New().String()
}

// Assign sets r's id when it is absent, null, empty or not a string. It
// reports whether an id was assigned.
//
// FHIR ids are strings and the id becomes part of the {type}/{id} request
// path, so a numeric or boolean id is replaced rather than kept.
func Assign(r *fhir.Object, gen Generator) bool {
	if r == nil {
		return false
	}
	if id, ok := r.StringField("id"); ok && id != "" {
		return false
	}
	if gen == nil {
		gen = UUID
	}
	r.SetString("id", gen())
	return true
}

// AssignTree assigns ids to r and, recursively, to every resource in its
// contained array. It returns the number of ids assigned.
func AssignTree(r *fhir.Object, gen Generator) int {
	return assignTree(r, gen, make(map[*fhir.Object]bool))
}

func assignTree(r *fhir.Object, gen Generator, seen map[*fhir.Object]bool) int {
	if r == nil || seen[r] {
		return 0
	}
	seen[r] = true
	n := 0
	if Assign(r, gen) {
		n++
	}
	for _, child := range fhir.Contained(r) {
		n += assignTree(child, gen, seen)
	}
	return n
}

// Sequence returns a deterministic generator yielding prefix-1, prefix-2, ...
// It is meant for tests and dry runs that need reproducible output.
func Sequence(prefix string) Generator {
	n := 0
	return func() string {
		n++
		return prefix + "-" + strconv.Itoa(n)
	}
}
