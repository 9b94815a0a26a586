package search

import (
	"sort"

	"github.com/vitalfhir/vitalfhir/internal/platform/fhir"
)

// ParamDef declares how one named search parameter maps onto the JSON
// document of its resource type.
type ParamDef struct {
	Kind Kind

	// Path is the dotted JSON path to the matched value. For token
	// parameters it points at the coding array (TokenField selects the code
	// key inside each element) or, when TokenField is empty, at a bare coded
	// string field. For reference parameters it points at the reference
	// string. For date parameters it points at the date-valued field.
	Path []string

	// TokenField is the key holding the code inside each element of a
	// token array ("code" for codings, "value" for identifiers). Empty for
	// scalar token fields.
	TokenField string

	// Unnest marks a string parameter whose values live in elements of the
	// array at Path; Field is the key inside each element. FieldIsArray
	// marks a Field that is itself an array of strings (e.g. given names).
	Unnest       bool
	Field        string
	FieldIsArray bool

	// ChainTarget is the resource type a reference parameter points at,
	// enabling chained searches through it.
	ChainTarget string

	// Required parameters produce an empty result when absent.
	Required bool

	// SortExpr overrides the ORDER BY expression for this parameter. When
	// empty the parameter is not sortable.
	SortExpr string
}

// Descriptor declares one resource type to the engine: its table and its
// search parameter schema. The registry of descriptors replaces per-type
// provider code.
type Descriptor struct {
	Type   string
	Table  string
	Params map[string]ParamDef
}

// Registry holds every supported resource type descriptor.
type Registry struct {
	byType map[string]*Descriptor
}

func NewRegistry(descs ...*Descriptor) *Registry {
	r := &Registry{byType: make(map[string]*Descriptor, len(descs))}
	for _, d := range descs {
		r.byType[d.Type] = d
	}
	return r
}

// Lookup returns the descriptor for a resource type.
func (r *Registry) Lookup(resourceType string) (*Descriptor, error) {
	d, ok := r.byType[resourceType]
	if !ok {
		return nil, fhir.NotFoundf("resource type %q is not supported", resourceType)
	}
	return d, nil
}

// Types returns the supported resource type names, sorted.
func (r *Registry) Types() []string {
	types := make([]string, 0, len(r.byType))
	for t := range r.byType {
		types = append(types, t)
	}
	sort.Strings(types)
	return types
}

// subjectRef is the common subject/patient reference parameter definition.
func subjectRef() ParamDef {
	return ParamDef{Kind: KindReference, Path: []string{"subject", "reference"}, ChainTarget: "Patient"}
}

func codeToken() ParamDef {
	return ParamDef{Kind: KindToken, Path: []string{"code", "coding"}, TokenField: "code"}
}

func identifierToken() ParamDef {
	return ParamDef{Kind: KindToken, Path: []string{"identifier"}, TokenField: "value"}
}

func statusToken() ParamDef {
	return ParamDef{Kind: KindToken, Path: []string{"status"}}
}

func dateParam(path ...string) ParamDef {
	return ParamDef{Kind: KindDate, Path: path, SortExpr: datePathExpr(path)}
}

// DefaultRegistry declares every resource type the server stores.
func DefaultRegistry() *Registry {
	return NewRegistry(
		&Descriptor{
			Type:  "Patient",
			Table: "patient",
			Params: map[string]ParamDef{
				"identifier": identifierToken(),
				"family":     {Kind: KindString, Path: []string{"name"}, Unnest: true, Field: "family", SortExpr: "r.resource#>>'{name,0,family}'"},
				"given":      {Kind: KindString, Path: []string{"name"}, Unnest: true, Field: "given", FieldIsArray: true},
				"name":       {Kind: KindString, Path: []string{"name"}, Unnest: true, Field: "family"},
				"gender":     {Kind: KindToken, Path: []string{"gender"}},
				"birthdate":  dateParam("birthDate"),
			},
		},
		&Descriptor{
			Type:  "Practitioner",
			Table: "practitioner",
			Params: map[string]ParamDef{
				"identifier": identifierToken(),
				"family":     {Kind: KindString, Path: []string{"name"}, Unnest: true, Field: "family"},
				"name":       {Kind: KindString, Path: []string{"name"}, Unnest: true, Field: "family"},
			},
		},
		&Descriptor{
			Type:  "PractitionerRole",
			Table: "practitionerrole",
			Params: map[string]ParamDef{
				"practitioner": {Kind: KindReference, Path: []string{"practitioner", "reference"}, ChainTarget: "Practitioner"},
				"organization": {Kind: KindReference, Path: []string{"organization", "reference"}, ChainTarget: "Organization"},
				"role":         {Kind: KindToken, Path: []string{"code", "0", "coding"}, TokenField: "code"},
			},
		},
		&Descriptor{
			Type:  "Organization",
			Table: "organization",
			Params: map[string]ParamDef{
				"identifier": identifierToken(),
				"name":       {Kind: KindString, Path: []string{"name"}, SortExpr: "r.resource#>>'{name}'"},
			},
		},
		&Descriptor{
			Type:  "Location",
			Table: "location",
			Params: map[string]ParamDef{
				"identifier": identifierToken(),
				"name":       {Kind: KindString, Path: []string{"name"}},
				"type":       {Kind: KindToken, Path: []string{"type", "0", "coding"}, TokenField: "code"},
			},
		},
		&Descriptor{
			Type:  "Condition",
			Table: "condition",
			Params: map[string]ParamDef{
				"subject":       subjectRef(),
				"patient":       subjectRef(),
				"asserter":      {Kind: KindReference, Path: []string{"asserter", "reference"}, ChainTarget: "Practitioner"},
				"code":          codeToken(),
				"onset-date":    dateParam("onsetDateTime"),
				"recorded-date": dateParam("recordedDate"),
			},
		},
		&Descriptor{
			Type:  "Device",
			Table: "device",
			Params: map[string]ParamDef{
				"patient":    {Kind: KindReference, Path: []string{"patient", "reference"}, ChainTarget: "Patient"},
				"identifier": identifierToken(),
				"type":       {Kind: KindToken, Path: []string{"type", "coding"}, TokenField: "code"},
			},
		},
		&Descriptor{
			Type:  "DeviceUseStatement",
			Table: "deviceusestatement",
			Params: map[string]ParamDef{
				"subject":  subjectRef(),
				"patient":  subjectRef(),
				"device":   {Kind: KindReference, Path: []string{"device", "reference"}, ChainTarget: "Device"},
				"recorded": dateParam("recordedOn"),
			},
		},
		&Descriptor{
			Type:  "DocumentReference",
			Table: "documentreference",
			Params: map[string]ParamDef{
				"subject": subjectRef(),
				"patient": subjectRef(),
				"type":    {Kind: KindToken, Path: []string{"type", "coding"}, TokenField: "code"},
				"status":  statusToken(),
				"date":    dateParam("date"),
			},
		},
		&Descriptor{
			Type:  "Encounter",
			Table: "encounter",
			Params: map[string]ParamDef{
				"subject": subjectRef(),
				"patient": subjectRef(),
				"status":  statusToken(),
				"date":    dateParam("period", "start"),
			},
		},
		&Descriptor{
			Type:  "List",
			Table: "list",
			Params: map[string]ParamDef{
				"subject": subjectRef(),
				"patient": subjectRef(),
				"source":  {Kind: KindReference, Path: []string{"source", "reference"}, ChainTarget: "Practitioner"},
				"code":    codeToken(),
				"date":    dateParam("date"),
			},
		},
		&Descriptor{
			Type:  "MedicationRequest",
			Table: "medicationrequest",
			Params: map[string]ParamDef{
				"subject":    subjectRef(),
				"patient":    subjectRef(),
				"status":     statusToken(),
				"authoredon": dateParam("authoredOn"),
			},
		},
		&Descriptor{
			Type:  "MedicationStatement",
			Table: "medicationstatement",
			Params: map[string]ParamDef{
				"subject":   subjectRef(),
				"patient":   subjectRef(),
				"status":    statusToken(),
				"effective": dateParam("effectiveDateTime"),
			},
		},
		&Descriptor{
			Type:  "Observation",
			Table: "observation",
			Params: map[string]ParamDef{
				"subject":   subjectRef(),
				"patient":   subjectRef(),
				"code":      codeToken(),
				"status":    statusToken(),
				"performer": {Kind: KindReference, Path: []string{"performer", "0", "reference"}, ChainTarget: "Practitioner"},
				"date":      dateParam("effectiveDateTime"),
			},
		},
		&Descriptor{
			Type:  "Procedure",
			Table: "procedure",
			Params: map[string]ParamDef{
				"subject": subjectRef(),
				"patient": subjectRef(),
				"code":    codeToken(),
				"date":    dateParam("performedDateTime"),
			},
		},
		&Descriptor{
			Type:  "RelatedPerson",
			Table: "relatedperson",
			Params: map[string]ParamDef{
				"patient": {Kind: KindReference, Path: []string{"patient", "reference"}, ChainTarget: "Patient"},
				"name":    {Kind: KindString, Path: []string{"name"}, Unnest: true, Field: "family"},
			},
		},
		&Descriptor{
			Type:  "Composition",
			Table: "composition",
			Params: map[string]ParamDef{
				"subject": subjectRef(),
				"patient": subjectRef(),
				"type":    {Kind: KindToken, Path: []string{"type", "coding"}, TokenField: "code"},
				"status":  statusToken(),
				"date":    dateParam("date"),
			},
		},
	)
}
