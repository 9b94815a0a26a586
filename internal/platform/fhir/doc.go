package fhir

import "strings"

// Accessors for the handful of fields the engine must read out of otherwise
// opaque documents: ids, reference strings, type codings, and extensions.

// ID returns the document's id field, or "".
func (d Document) ID() string {
	s, _ := d["id"].(string)
	return s
}

// ResourceType returns the document's resourceType field, or "".
func (d Document) ResourceType() string {
	s, _ := d["resourceType"].(string)
	return s
}

// String walks a dotted path of object fields and returns the string leaf.
func (d Document) String(path ...string) string {
	cur := interface{}(map[string]interface{}(d))
	for _, p := range path {
		m, ok := cur.(map[string]interface{})
		if !ok {
			return ""
		}
		cur = m[p]
	}
	s, _ := cur.(string)
	return s
}

// Reference returns the reference string under the named field,
// e.g. Reference("subject") -> "Patient/123".
func (d Document) Reference(field string) string {
	m, ok := d[field].(map[string]interface{})
	if !ok {
		return ""
	}
	s, _ := m["reference"].(string)
	return s
}

// ReferenceList returns all reference strings under an array-valued field,
// e.g. ReferenceList("performer").
func (d Document) ReferenceList(field string) []string {
	arr, ok := d[field].([]interface{})
	if !ok {
		return nil
	}
	var refs []string
	for _, item := range arr {
		m, ok := item.(map[string]interface{})
		if !ok {
			continue
		}
		if s, _ := m["reference"].(string); s != "" {
			refs = append(refs, s)
		}
	}
	return refs
}

// TypeCoding returns the first (system, code) pair of the document's type
// CodeableConcept. ok is false when the document has no type or the type has
// no coding.
func (d Document) TypeCoding() (system, code string, ok bool) {
	typ, tok := d["type"].(map[string]interface{})
	if !tok {
		return "", "", false
	}
	codings, cok := typ["coding"].([]interface{})
	if !cok || len(codings) == 0 {
		return "", "", false
	}
	first, fok := codings[0].(map[string]interface{})
	if !fok {
		return "", "", false
	}
	system, _ = first["system"].(string)
	code, _ = first["code"].(string)
	if system == "" && code == "" {
		return "", "", false
	}
	return system, code, true
}

// CodeCodings returns every (system, code) pair under the document's code
// CodeableConcept.
func (d Document) CodeCodings() []Coding {
	cc, ok := d["code"].(map[string]interface{})
	if !ok {
		return nil
	}
	codings, ok := cc["coding"].([]interface{})
	if !ok {
		return nil
	}
	var out []Coding
	for _, c := range codings {
		m, ok := c.(map[string]interface{})
		if !ok {
			continue
		}
		sys, _ := m["system"].(string)
		code, _ := m["code"].(string)
		if sys != "" || code != "" {
			out = append(out, Coding{System: sys, Code: code})
		}
	}
	return out
}

// HasCodeCoding reports whether any code coding matches the given code
// (and system, when system is non-empty).
func (d Document) HasCodeCoding(system, code string) bool {
	for _, c := range d.CodeCodings() {
		if c.Code != code {
			continue
		}
		if system == "" || c.System == system {
			return true
		}
	}
	return false
}

// ExtensionReference returns the valueReference reference string of the first
// extension with the given url, or "".
func (d Document) ExtensionReference(url string) string {
	exts, ok := d["extension"].([]interface{})
	if !ok {
		return ""
	}
	for _, e := range exts {
		m, ok := e.(map[string]interface{})
		if !ok {
			continue
		}
		if u, _ := m["url"].(string); u != url {
			continue
		}
		vr, ok := m["valueReference"].(map[string]interface{})
		if !ok {
			continue
		}
		if s, _ := vr["reference"].(string); s != "" {
			return s
		}
	}
	return ""
}

// ExtensionReferences returns the reference string of every Reference-typed
// extension on the document, in declaration order.
func (d Document) ExtensionReferences() []string {
	exts, ok := d["extension"].([]interface{})
	if !ok {
		return nil
	}
	var refs []string
	for _, e := range exts {
		m, ok := e.(map[string]interface{})
		if !ok {
			continue
		}
		vr, ok := m["valueReference"].(map[string]interface{})
		if !ok {
			continue
		}
		if s, _ := vr["reference"].(string); s != "" {
			refs = append(refs, s)
		}
	}
	return refs
}

// SectionEntryReferences returns every section/entry reference of a
// Composition document, in section order, nested sections included.
func (d Document) SectionEntryReferences() []string {
	var refs []string
	var walk func(sections []interface{})
	walk = func(sections []interface{}) {
		for _, sec := range sections {
			m, ok := sec.(map[string]interface{})
			if !ok {
				continue
			}
			if entries, ok := m["entry"].([]interface{}); ok {
				for _, e := range entries {
					em, ok := e.(map[string]interface{})
					if !ok {
						continue
					}
					if s, _ := em["reference"].(string); s != "" {
						refs = append(refs, s)
					}
				}
			}
			if sub, ok := m["section"].([]interface{}); ok {
				walk(sub)
			}
		}
	}
	if sections, ok := d["section"].([]interface{}); ok {
		walk(sections)
	}
	return refs
}

// ParseReference splits "Type/id" into its parts. A bare id yields an empty
// type. Absolute URL references reduce to their trailing Type/id segment.
func ParseReference(ref string) (resourceType, id string) {
	ref = strings.TrimPrefix(ref, "urn:uuid:")
	parts := strings.Split(ref, "/")
	switch len(parts) {
	case 0:
		return "", ""
	case 1:
		return "", parts[0]
	default:
		return parts[len(parts)-2], parts[len(parts)-1]
	}
}

// FormatReference builds a "Type/id" reference string.
func FormatReference(resourceType, id string) string {
	return resourceType + "/" + id
}
