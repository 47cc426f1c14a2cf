package fhir

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
)

// Bundle types produced and accepted by the pipeline.
const (
	BundleTypeTransaction = "transaction"
	BundleTypeCollection  = "collection"
)

// ErrInvalidContainer is returned when a document is valid JSON but not a
// bundle with an entry array.
var ErrInvalidContainer = errors.New("document is not a bundle with an entry array")

// Bundle represents a FHIR Bundle resource. Entry resources are held by
// reference; two bundles built from the same slice share every resource.
type Bundle struct {
	ResourceType string        `json:"resourceType"`
	ID           string        `json:"id,omitempty"`
	Type         string        `json:"type"`
	Entry        []BundleEntry `json:"entry"`
}

type BundleEntry struct {
	FullURL  string         `json:"fullUrl,omitempty"`
	Resource *Object        `json:"resource,omitempty"`
	Request  *BundleRequest `json:"request,omitempty"`
}

type BundleRequest struct {
	Method string `json:"method"`
	URL    string `json:"url"`
}

// Resources returns the entry resources in order.
func (b *Bundle) Resources() []*Object {
	out := make([]*Object, 0, len(b.Entry))
	for _, e := range b.Entry {
		if e.Resource != nil {
			out = append(out, e.Resource)
		}
	}
	return out
}

// ParseContainer decodes a bundle document. Entries that do not carry an
// object resource are dropped; any other entry fields are ignored.
func ParseContainer(r io.Reader) (*Bundle, error) {
	doc, err := Decode(r)
	if err != nil {
		return nil, err
	}
	root := doc.Object()
	if root == nil {
		return nil, ErrInvalidContainer
	}
	entries, ok := root.ArrayField("entry")
	if !ok {
		return nil, ErrInvalidContainer
	}

	b := &Bundle{ResourceType: "Bundle", Entry: make([]BundleEntry, 0, len(entries))}
	b.ID, _ = root.StringField("id")
	b.Type, _ = root.StringField("type")
	for _, e := range entries {
		entry := e.Object()
		if entry == nil {
			continue
		}
		res := entry.ObjectField("resource")
		if res == nil {
			continue
		}
		fullURL, _ := entry.StringField("fullUrl")
		b.Entry = append(b.Entry, BundleEntry{FullURL: fullURL, Resource: res})
	}
	return b, nil
}

// NewTransactionBundle wraps resources in a transaction Bundle whose entries
// each carry a PUT request to {resourceType}/{id}.
func NewTransactionBundle(resources []*Object) *Bundle {
	entries := make([]BundleEntry, len(resources))
	for i, r := range resources {
		entries[i] = BundleEntry{
			Resource: r,
			Request: &BundleRequest{
				Method: "PUT",
				URL:    FormatReference(ResourceType(r), ID(r)),
			},
		}
	}
	return &Bundle{
		ResourceType: "Bundle",
		Type:         BundleTypeTransaction,
		Entry:        entries,
	}
}

// NewCollectionBundle wraps resources in a collection Bundle.
func NewCollectionBundle(resources []*Object) *Bundle {
	entries := make([]BundleEntry, len(resources))
	for i, r := range resources {
		entries[i] = BundleEntry{Resource: r}
	}
	return &Bundle{
		ResourceType: "Bundle",
		Type:         BundleTypeCollection,
		Entry:        entries,
	}
}

// Packages holds the two bundle forms built from one ordered resource set.
type Packages struct {
	Transaction *Bundle
	Collection  *Bundle
}

// BuildPackages builds both bundle forms in the given order.
func BuildPackages(resources []*Object) Packages {
	return Packages{
		Transaction: NewTransactionBundle(resources),
		Collection:  NewCollectionBundle(resources),
	}
}

// Marshal encodes v as compact JSON without HTML escaping.
func Marshal(v interface{}) ([]byte, error) {
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	if err := enc.Encode(v); err != nil {
		return nil, err
	}
	return bytes.TrimRight(buf.Bytes(), "\n"), nil
}

// MarshalIndent encodes v with two-space indentation and a trailing newline.
func MarshalIndent(v interface{}) ([]byte, error) {
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	enc.SetIndent("", "  ")
	if err := enc.Encode(v); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// FormatReference creates a FHIR reference string.
func FormatReference(resourceType, id string) string {
	return fmt.Sprintf("%s/%s", resourceType, id)
}
