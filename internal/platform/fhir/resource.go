package fhir

import "encoding/json"

// Resource is a stored clinical record: one JSON document plus the two
// fields the engine needs without parsing it, type and id.
type Resource struct {
	Type string
	ID   string
	Doc  Document
}

// Key identifies a resource across types. Used for closure deduplication.
type Key struct {
	Type string
	ID   string
}

func (r Resource) Key() Key { return Key{Type: r.Type, ID: r.ID} }

// Document is a decoded FHIR JSON document. The engine treats it as opaque
// except for the accessors in doc.go.
type Document map[string]interface{}

// DecodeDocument parses a raw JSON body into a Document.
func DecodeDocument(raw []byte) (Document, error) {
	var doc Document
	if err := json.Unmarshal(raw, &doc); err != nil {
		return nil, err
	}
	return doc, nil
}

// Coding is a single coded value.
type Coding struct {
	System  string `json:"system,omitempty"`
	Code    string `json:"code,omitempty"`
	Display string `json:"display,omitempty"`
}

// Bundle is a collection of resources returned together.
type Bundle struct {
	ResourceType string        `json:"resourceType"`
	ID           string        `json:"id,omitempty"`
	Meta         *BundleMeta   `json:"meta,omitempty"`
	Type         string        `json:"type"`
	Total        *int          `json:"total,omitempty"`
	Link         []BundleLink  `json:"link,omitempty"`
	Entry        []BundleEntry `json:"entry,omitempty"`
}

type BundleMeta struct {
	Profile []string `json:"profile,omitempty"`
}

type BundleLink struct {
	Relation string `json:"relation"`
	URL      string `json:"url"`
}

type BundleEntry struct {
	FullURL  string          `json:"fullUrl,omitempty"`
	Resource json.RawMessage `json:"resource,omitempty"`
	Search   *BundleSearch   `json:"search,omitempty"`
}

type BundleSearch struct {
	Mode string `json:"mode,omitempty"`
}

const (
	BundleTypeSearchSet = "searchset"
	BundleTypeDocument  = "document"
)

// NewSearchBundle builds a searchset Bundle from resources with a known total
// (which may exceed len(resources) when the result is windowed).
func NewSearchBundle(resources []Resource, total int) *Bundle {
	b := &Bundle{
		ResourceType: "Bundle",
		Type:         BundleTypeSearchSet,
		Total:        &total,
	}
	for _, r := range resources {
		raw, err := json.Marshal(r.Doc)
		if err != nil {
			continue
		}
		b.Entry = append(b.Entry, BundleEntry{
			FullURL:  FormatReference(r.Type, r.ID),
			Resource: raw,
			Search:   &BundleSearch{Mode: "match"},
		})
	}
	return b
}

// OperationOutcome is the FHIR error payload.
type OperationOutcome struct {
	ResourceType string                  `json:"resourceType"`
	Issue        []OperationOutcomeIssue `json:"issue"`
}

type OperationOutcomeIssue struct {
	Severity    string `json:"severity"`
	Code        string `json:"code"`
	Diagnostics string `json:"diagnostics,omitempty"`
}

func NewOperationOutcome(severity, code, diagnostics string) *OperationOutcome {
	return &OperationOutcome{
		ResourceType: "OperationOutcome",
		Issue: []OperationOutcomeIssue{
			{Severity: severity, Code: code, Diagnostics: diagnostics},
		},
	}
}
