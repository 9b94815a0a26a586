package aggregate

import (
	"context"

	"github.com/vitalfhir/vitalfhir/internal/platform/fhir"
	"github.com/vitalfhir/vitalfhir/internal/search"
)

// LocationReferenceExtension is the extension carrying an indirect Location
// reference on certain Observations.
const LocationReferenceExtension = "http://hl7.org/fhir/us/vrdr/StructureDefinition/Location-Reference"

// locationObservationCodes are the Observation codes whose extension points
// at a Location worth pulling into the patient closure.
var locationObservationCodes = []string{
	"disposition-location",
	"death-location",
	"injury-location",
}

// patientLink describes how one resource type references its patient and
// which of its date fields a time window constrains.
type patientLink struct {
	Type      string
	RefParam  string
	DateParam string // empty when the type has no windowable date
}

// patientLinkedTypes is the fixed fan-out of $everything, in output order.
var patientLinkedTypes = []patientLink{
	{Type: "Condition", RefParam: "subject", DateParam: "recorded-date"},
	{Type: "Device", RefParam: "patient", DateParam: ""},
	{Type: "DeviceUseStatement", RefParam: "subject", DateParam: "recorded"},
	{Type: "DocumentReference", RefParam: "subject", DateParam: "date"},
	{Type: "Encounter", RefParam: "subject", DateParam: "date"},
	{Type: "List", RefParam: "subject", DateParam: "date"},
	{Type: "MedicationRequest", RefParam: "subject", DateParam: "authoredon"},
	{Type: "MedicationStatement", RefParam: "subject", DateParam: "effective"},
	{Type: "Observation", RefParam: "subject", DateParam: "date"},
	{Type: "Procedure", RefParam: "subject", DateParam: "date"},
	{Type: "RelatedPerson", RefParam: "patient", DateParam: ""},
	{Type: "Composition", RefParam: "subject", DateParam: "date"},
}

// EverythingRequest carries the inputs of the patient closure.
type EverythingRequest struct {
	PatientID string
	// Start and End bound the per-type date fields when non-empty
	// (inclusive). An empty window means full history.
	Start string
	End   string
	// Types restricts the fan-out to the named resource types when non-nil.
	Types map[string]bool
	// Count caps the returned entries when positive.
	Count int
}

// Everything builds the patient-centric closure: the patient, every directly
// referencing resource of the fixed type list, and the indirect resolutions
// (Condition asserters, practitioner-sourced Lists, extension-referenced
// Locations).
func (a *Aggregator) Everything(ctx context.Context, req EverythingRequest) (*fhir.Bundle, error) {
	patient, err := a.store.Read(ctx, "Patient", req.PatientID)
	if err != nil {
		return nil, err
	}

	c := newClosure()
	c.add(patient)

	// Direct fan-out over the fixed type list.
	for _, link := range patientLinkedTypes {
		if req.Types != nil && !req.Types[link.Type] {
			continue
		}
		params := []search.Parameter{
			{Name: link.RefParam, Values: []string{req.PatientID}},
		}
		if link.DateParam != "" {
			if req.Start != "" {
				params = append(params, search.Parameter{Name: link.DateParam, Values: []string{"ge" + req.Start}})
			}
			if req.End != "" {
				params = append(params, search.Parameter{Name: link.DateParam, Values: []string{"le" + req.End}})
			}
		}
		matches, err := a.store.SearchAll(ctx, link.Type, params)
		if err != nil {
			return nil, err
		}
		c.addAll(matches)
	}

	practitionerIDs, err := a.resolveAsserters(ctx, c)
	if err != nil {
		return nil, err
	}

	// Lists sourced by the collected practitioners merge with the
	// subject-sourced Lists already in the closure; a List reachable both
	// ways appears once.
	for _, practID := range practitionerIDs {
		lists, err := a.store.SearchAll(ctx, "List", []search.Parameter{
			{Name: "source", Values: []string{practID}},
		})
		if err != nil {
			return nil, err
		}
		c.addAll(lists)
	}

	if err := a.resolveObservationLocations(ctx, c, req.PatientID); err != nil {
		return nil, err
	}

	entries := c.resources()
	if req.Count > 0 && len(entries) > req.Count {
		entries = entries[:req.Count]
	}
	return fhir.NewSearchBundle(entries, len(entries)), nil
}

// resolveAsserters fetches the Practitioner asserter of every collected
// Condition and returns the distinct practitioner ids in first-seen order.
func (a *Aggregator) resolveAsserters(ctx context.Context, c *closure) ([]string, error) {
	var ids []string
	seen := make(map[string]bool)
	for _, cond := range c.ofType("Condition") {
		ref := cond.Doc.Reference("asserter")
		refType, id := fhir.ParseReference(ref)
		if refType != "Practitioner" || id == "" || seen[id] {
			continue
		}
		seen[id] = true
		ids = append(ids, id)

		if !c.contains(fhir.Key{Type: "Practitioner", ID: id}) {
			pract, err := a.store.Read(ctx, "Practitioner", id)
			if err != nil {
				if fhir.IsKind(err, fhir.KindNotFound) {
					a.log.Warn().Str("practitioner", id).Msg("condition asserter not found")
					continue
				}
				return nil, err
			}
			c.add(pract)
		}
	}
	return ids, nil
}

// resolveObservationLocations follows the location-reference extension of
// the three location-bearing Observation codes and pulls the referenced
// Locations into the closure, whatever their own dates.
func (a *Aggregator) resolveObservationLocations(ctx context.Context, c *closure, patientID string) error {
	for _, code := range locationObservationCodes {
		observations, err := a.store.SearchAll(ctx, "Observation", []search.Parameter{
			{Name: "subject", Values: []string{patientID}},
			{Name: "code", Values: []string{code}},
		})
		if err != nil {
			return err
		}
		for _, obs := range observations {
			ref := obs.Doc.ExtensionReference(LocationReferenceExtension)
			refType, id := fhir.ParseReference(ref)
			if refType != "Location" || id == "" {
				continue
			}
			if c.contains(fhir.Key{Type: "Location", ID: id}) {
				continue
			}
			loc, err := a.store.Read(ctx, "Location", id)
			if err != nil {
				if fhir.IsKind(err, fhir.KindNotFound) {
					a.log.Warn().Str("location", id).Msg("observation location not found")
					continue
				}
				return err
			}
			c.add(loc)
		}
	}
	return nil
}
