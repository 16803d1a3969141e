package fhir

import (
	"encoding/json"
	"fmt"
)

// Bundle represents a FHIR Bundle resource.
type Bundle struct {
	ResourceType string        `json:"resourceType"`
	ID           string        `json:"id,omitempty"`
	Meta         *Meta         `json:"meta,omitempty"`
	Identifier   *Identifier   `json:"identifier,omitempty"`
	Type         string        `json:"type"`
	Timestamp    string        `json:"timestamp,omitempty"`
	Entry        []BundleEntry `json:"entry,omitempty"`
}

type BundleEntry struct {
	FullURL  string          `json:"fullUrl,omitempty"`
	Resource json.RawMessage `json:"resource,omitempty"`
}

// NewCollectionBundle creates a collection Bundle. Each resource is marshalled
// in order; fullUrl is derived from its resourceType and id.
func NewCollectionBundle(resources ...interface{}) (*Bundle, error) {
	entries := make([]BundleEntry, 0, len(resources))
	for _, r := range resources {
		raw, err := json.Marshal(r)
		if err != nil {
			return nil, fmt.Errorf("fhir: marshal bundle entry: %w", err)
		}
		entries = append(entries, BundleEntry{
			FullURL:  entryFullURL(raw),
			Resource: raw,
		})
	}
	return &Bundle{
		ResourceType: "Bundle",
		Type:         "collection",
		Entry:        entries,
	}, nil
}

// EntryResourceTypes returns the resourceType of every entry, in order.
// Entries that cannot be decoded yield an empty string.
func (b *Bundle) EntryResourceTypes() []string {
	types := make([]string, len(b.Entry))
	for i, e := range b.Entry {
		var r Resource
		if err := json.Unmarshal(e.Resource, &r); err == nil {
			types[i] = r.ResourceType
		}
	}
	return types
}

func entryFullURL(raw json.RawMessage) string {
	var r Resource
	if err := json.Unmarshal(raw, &r); err != nil || r.ResourceType == "" || r.ID == "" {
		return ""
	}
	return "urn:" + FormatReference(r.ResourceType, r.ID)
}
