package pipeline

import (
	"errors"
	"fmt"
	"strings"

	"github.com/ehr/bundlesync/internal/transport"
)

// ParseError reports a source file that is not a readable bundle document.
type ParseError struct {
	Path string
	Err  error
}

func (e *ParseError) Error() string {
	return fmt.Sprintf("parse %s: %v", e.Path, e.Err)
}

func (e *ParseError) Unwrap() error { return e.Err }

// TransmissionError reports a failed delivery. Exactly one of BundleType or
// ResourceType/ResourceID identifies what was being sent.
type TransmissionError struct {
	Path         string
	BundleType   string
	ResourceType string
	ResourceID   string
	Err          error
}

func (e *TransmissionError) Error() string {
	var b strings.Builder
	b.WriteString("transmit ")
	if e.BundleType != "" {
		b.WriteString(e.BundleType)
		b.WriteString(" bundle")
	} else {
		b.WriteString(e.ResourceType)
		b.WriteByte('/')
		b.WriteString(e.ResourceID)
	}
	b.WriteString(" from ")
	b.WriteString(e.Path)
	if code := e.StatusCode(); code != 0 {
		fmt.Fprintf(&b, ": status %d", code)
	} else if e.Err != nil {
		b.WriteString(": ")
		b.WriteString(e.Err.Error())
	}
	return b.String()
}

func (e *TransmissionError) Unwrap() error { return e.Err }

// StatusCode returns the HTTP status when the server answered, or 0 for
// network failures.
func (e *TransmissionError) StatusCode() int {
	var se *transport.StatusError
	if errors.As(e.Err, &se) {
		return se.StatusCode
	}
	return 0
}
