package aggregate

import (
	"context"

	"github.com/google/uuid"

	"github.com/vitalfhir/vitalfhir/internal/platform/fhir"
	"github.com/vitalfhir/vitalfhir/internal/search"
)

const (
	loincSystem = "http://loinc.org"

	// CodeGenericDocument assembles by dereferencing the composition's own
	// section entries.
	CodeGenericDocument = "11503-0"

	// CodeDeathCertificate triggers the bespoke fan-out when the
	// composition has never been assembled (no sections yet); an already
	// assembled certificate dereferences its own sections.
	CodeDeathCertificate = "64297-5"

	deathCertificateProfile = "http://hl7.org/fhir/us/vrdr/StructureDefinition/VRDR-Death-Certificate-Document"
)

// Document builds the self-contained document bundle for one Composition.
// The assembly strategy is chosen by the composition's type coding; a
// composition without a usable type cannot be assembled.
func (a *Aggregator) Document(ctx context.Context, compositionID string) (*fhir.Bundle, error) {
	comp, err := a.store.Read(ctx, "Composition", compositionID)
	if err != nil {
		return nil, err
	}

	if _, hasType := comp.Doc["type"]; !hasType {
		return nil, fhir.Unprocessablef("Composition/%s has no type", compositionID)
	}
	system, code, ok := comp.Doc.TypeCoding()
	if !ok {
		return nil, fhir.Unprocessablef("Composition/%s type has no coding", compositionID)
	}

	c := newClosure()
	c.add(comp)

	var profile string
	switch {
	case system == loincSystem && code == CodeGenericDocument:
		if err := a.assembleFromSections(ctx, c, comp); err != nil {
			return nil, err
		}
	case system == loincSystem && code == CodeDeathCertificate:
		if len(comp.Doc.SectionEntryReferences()) == 0 {
			err = a.assembleDeathCertificate(ctx, c, comp)
		} else {
			err = a.assembleFromSections(ctx, c, comp)
		}
		if err != nil {
			return nil, err
		}
		profile = deathCertificateProfile
	default:
		return nil, fhir.Unprocessablef("document type %s|%s is not supported", system, code)
	}

	return documentBundle(c, profile), nil
}

// assembleFromSections dereferences every section entry of an already
// assembled composition. A reference that cannot be resolved fails the whole
// assembly; a document bundle must be self-contained.
func (a *Aggregator) assembleFromSections(ctx context.Context, c *closure, comp fhir.Resource) error {
	for _, ref := range comp.Doc.SectionEntryReferences() {
		if err := a.readInto(ctx, c, ref); err != nil {
			if fhir.IsKind(err, fhir.KindNotFound) {
				return fhir.Unprocessablef("section entry %q cannot be resolved", ref)
			}
			return err
		}
	}
	return nil
}

// assembleDeathCertificate runs the bespoke fan-out for a certificate that
// has never been assembled: patient, observations (with their extension
// references and performers), conditions and asserters, the practitioners'
// Lists, PractitionerRoles and Organizations, procedures, related persons.
func (a *Aggregator) assembleDeathCertificate(ctx context.Context, c *closure, comp fhir.Resource) error {
	subjectRef := comp.Doc.Reference("subject")
	refType, patientID := fhir.ParseReference(subjectRef)
	if refType != "Patient" || patientID == "" {
		return fhir.Unprocessablef("Composition/%s has no patient subject", comp.ID)
	}
	patient, err := a.store.Read(ctx, "Patient", patientID)
	if err != nil {
		if fhir.IsKind(err, fhir.KindNotFound) {
			return fhir.Unprocessablef("subject %q cannot be resolved", subjectRef)
		}
		return err
	}
	c.add(patient)

	// Practitioners reachable over any path, in first-seen order.
	var practitionerIDs []string
	seenPract := make(map[string]bool)
	notePractitioner := func(ref string) {
		t, id := fhir.ParseReference(ref)
		if t == "Practitioner" && id != "" && !seenPract[id] {
			seenPract[id] = true
			practitionerIDs = append(practitionerIDs, id)
		}
	}

	observations, err := a.store.SearchAll(ctx, "Observation", []search.Parameter{
		{Name: "subject", Values: []string{patientID}},
	})
	if err != nil {
		return err
	}
	for _, obs := range observations {
		c.add(obs)
		for _, ref := range obs.Doc.ExtensionReferences() {
			if err := a.readInto(ctx, c, ref); err != nil && !fhir.IsKind(err, fhir.KindNotFound) {
				return err
			}
		}
		for _, ref := range obs.Doc.ReferenceList("performer") {
			notePractitioner(ref)
		}
	}

	conditions, err := a.store.SearchAll(ctx, "Condition", []search.Parameter{
		{Name: "subject", Values: []string{patientID}},
	})
	if err != nil {
		return err
	}
	for _, cond := range conditions {
		c.add(cond)
		notePractitioner(cond.Doc.Reference("asserter"))
	}

	for _, practID := range practitionerIDs {
		if err := a.collectPractitioner(ctx, c, practID); err != nil {
			return err
		}
	}

	for _, linked := range []struct{ resourceType, refParam string }{
		{"Procedure", "subject"},
		{"RelatedPerson", "patient"},
	} {
		matches, err := a.store.SearchAll(ctx, linked.resourceType, []search.Parameter{
			{Name: linked.refParam, Values: []string{patientID}},
		})
		if err != nil {
			return err
		}
		c.addAll(matches)
	}
	return nil
}

// collectPractitioner pulls one practitioner plus the Lists it sources, its
// PractitionerRoles, and each role's Organization.
func (a *Aggregator) collectPractitioner(ctx context.Context, c *closure, practID string) error {
	if !c.contains(fhir.Key{Type: "Practitioner", ID: practID}) {
		pract, err := a.store.Read(ctx, "Practitioner", practID)
		if err != nil {
			if fhir.IsKind(err, fhir.KindNotFound) {
				a.log.Warn().Str("practitioner", practID).Msg("referenced practitioner not found")
				return nil
			}
			return err
		}
		c.add(pract)
	}

	lists, err := a.store.SearchAll(ctx, "List", []search.Parameter{
		{Name: "source", Values: []string{practID}},
	})
	if err != nil {
		return err
	}
	c.addAll(lists)

	roles, err := a.store.SearchAll(ctx, "PractitionerRole", []search.Parameter{
		{Name: "practitioner", Values: []string{practID}},
	})
	if err != nil {
		return err
	}
	for _, role := range roles {
		c.add(role)
		orgRef := role.Doc.Reference("organization")
		refType, orgID := fhir.ParseReference(orgRef)
		if refType != "Organization" || orgID == "" {
			continue
		}
		if c.contains(fhir.Key{Type: "Organization", ID: orgID}) {
			continue
		}
		org, err := a.store.Read(ctx, "Organization", orgID)
		if err != nil {
			if fhir.IsKind(err, fhir.KindNotFound) {
				continue
			}
			return err
		}
		c.add(org)
	}
	return nil
}

// documentBundle renders the closure as a document Bundle, Composition entry
// first, with a fresh bundle id.
func documentBundle(c *closure, profile string) *fhir.Bundle {
	b := fhir.NewSearchBundle(c.resources(), len(c.resources()))
	b.ID = uuid.New().String()
	b.Type = fhir.BundleTypeDocument
	b.Total = nil
	if profile != "" {
		b.Meta = &fhir.BundleMeta{Profile: []string{profile}}
	}
	for i := range b.Entry {
		b.Entry[i].Search = nil
	}
	return b
}
