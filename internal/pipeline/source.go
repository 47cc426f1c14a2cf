package pipeline

import (
	"bytes"
	"fmt"
	"os"

	"github.com/ehr/bundlesync/internal/platform/fhir"
)

// Source reads bundle documents from disk.
type Source struct {
	validator *fhir.ContainerValidator
}

// NewSource returns a Source. A nil validator skips schema checks and relies
// on ParseContainer alone.
func NewSource(v *fhir.ContainerValidator) *Source {
	return &Source{validator: v}
}

// LoadContainer reads and parses the bundle at path. Every failure is a
// *ParseError.
func (s *Source) LoadContainer(path string) (*fhir.Bundle, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, &ParseError{Path: path, Err: fmt.Errorf("read: %w", err)}
	}
	return s.Parse(path, data)
}

// Parse parses data read from path.
func (s *Source) Parse(path string, data []byte) (*fhir.Bundle, error) {
	if s.validator != nil {
		if err := s.validator.Validate(data); err != nil {
			return nil, &ParseError{Path: path, Err: err}
		}
	}
	b, err := fhir.ParseContainer(bytes.NewReader(data))
	if err != nil {
		return nil, &ParseError{Path: path, Err: err}
	}
	return b, nil
}
