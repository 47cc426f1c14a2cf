package fhir

import (
	"errors"
	"testing"
)

func TestContainerValidator(t *testing.T) {
	v, err := NewContainerValidator()
	if err != nil {
		t.Fatalf("compile: %v", err)
	}

	tests := []struct {
		name    string
		doc     string
		wantErr bool
	}{
		{"valid", `{"resourceType":"Bundle","entry":[{"resource":{"resourceType":"Patient"}}]}`, false},
		{"empty entry", `{"resourceType":"Bundle","entry":[]}`, false},
		{"entry without resource", `{"entry":[{"fullUrl":"x"}]}`, false},
		{"missing entry", `{"resourceType":"Bundle"}`, true},
		{"wrong resourceType", `{"resourceType":"Patient","entry":[]}`, true},
		{"resource without type", `{"entry":[{"resource":{"id":"1"}}]}`, true},
		{"entry not array", `{"entry":"x"}`, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := v.Validate([]byte(tt.doc))
			if tt.wantErr {
				if !errors.Is(err, ErrInvalidContainer) {
					t.Errorf("expected ErrInvalidContainer, got %v", err)
				}
				return
			}
			if err != nil {
				t.Errorf("unexpected error: %v", err)
			}
		})
	}
}

func TestContainerValidator_MalformedJSON(t *testing.T) {
	v, err := NewContainerValidator()
	if err != nil {
		t.Fatalf("compile: %v", err)
	}
	err = v.Validate([]byte(`{"entry":`))
	if err == nil {
		t.Fatal("expected error")
	}
	if errors.Is(err, ErrInvalidContainer) {
		t.Error("malformed JSON should not be reported as a shape error")
	}
}
