package aggregate

import (
	"context"

	"github.com/rs/zerolog"

	"github.com/vitalfhir/vitalfhir/internal/platform/fhir"
	"github.com/vitalfhir/vitalfhir/internal/search"
)

// Store is the slice of the resource store the closure algorithms run on.
// Closures are materialized in full; they never paginate.
type Store interface {
	Read(ctx context.Context, resourceType, id string) (fhir.Resource, error)
	SearchAll(ctx context.Context, resourceType string, params []search.Parameter) ([]fhir.Resource, error)
}

// Aggregator implements the patient $everything and composition $document
// closures as sequential fan-outs over the store.
type Aggregator struct {
	store Store
	log   zerolog.Logger
}

func NewAggregator(store Store, log zerolog.Logger) *Aggregator {
	return &Aggregator{store: store, log: log}
}

// closure is the working set of a traversal: an ordered collection with no
// (type, id) pair admitted twice.
type closure struct {
	seen  map[fhir.Key]bool
	items []fhir.Resource
}

func newClosure() *closure {
	return &closure{seen: make(map[fhir.Key]bool)}
}

// add appends r unless its (type, id) is already collected.
func (c *closure) add(r fhir.Resource) bool {
	k := r.Key()
	if c.seen[k] {
		return false
	}
	c.seen[k] = true
	c.items = append(c.items, r)
	return true
}

func (c *closure) addAll(rs []fhir.Resource) {
	for _, r := range rs {
		c.add(r)
	}
}

func (c *closure) contains(k fhir.Key) bool { return c.seen[k] }

func (c *closure) resources() []fhir.Resource { return c.items }

// ofType yields the collected resources of one type, in collection order.
func (c *closure) ofType(resourceType string) []fhir.Resource {
	var out []fhir.Resource
	for _, r := range c.items {
		if r.Type == resourceType {
			out = append(out, r)
		}
	}
	return out
}

// readInto resolves a "Type/id" reference and adds the result, skipping
// references already collected. Unresolvable references are reported to the
// caller through the returned error.
func (a *Aggregator) readInto(ctx context.Context, c *closure, ref string) error {
	resourceType, id := fhir.ParseReference(ref)
	if resourceType == "" || id == "" {
		return fhir.Unprocessablef("reference %q cannot be resolved", ref)
	}
	if c.contains(fhir.Key{Type: resourceType, ID: id}) {
		return nil
	}
	r, err := a.store.Read(ctx, resourceType, id)
	if err != nil {
		return err
	}
	c.add(r)
	return nil
}
