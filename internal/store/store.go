package store

import (
	"context"
	"encoding/json"
	"errors"

	"github.com/jackc/pgx/v5"
	"github.com/rs/zerolog"

	"github.com/vitalfhir/vitalfhir/internal/platform/fhir"
	"github.com/vitalfhir/vitalfhir/internal/search"
)

// DB is the slice of pgxpool.Pool the store uses. Every call acquires a
// connection from the pool for its own duration and releases it on every
// exit path; nothing is held across calls.
type DB interface {
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// ResourceStore maps CRUD and search onto the content-processing functions
// and per-type JSONB tables. Persistence failures come back as typed errors;
// they are never logged-and-swallowed.
type ResourceStore struct {
	db   DB
	reg  *search.Registry
	comp *search.Compiler
	log  zerolog.Logger
}

func NewResourceStore(db DB, reg *search.Registry, log zerolog.Logger) *ResourceStore {
	return &ResourceStore{db: db, reg: reg, comp: search.NewCompiler(reg), log: log}
}

// SearchAll compiles params against resourceType and materializes the full
// result in one pass. It backs chain fold sub-searches and the aggregation
// closures, which never paginate.
func (s *ResourceStore) SearchAll(ctx context.Context, resourceType string, params []search.Parameter) ([]fhir.Resource, error) {
	desc, err := s.reg.Lookup(resourceType)
	if err != nil {
		return nil, err
	}
	plan, err := s.comp.Compile(desc, params, "")
	if err != nil {
		return nil, err
	}
	return s.Search(ctx, resourceType, plan, search.Window{From: 0, To: allRowsLimit})
}

// allRowsLimit bounds unwindowed materialization.
const allRowsLimit = 1 << 30

func (s *ResourceStore) table(resourceType string) (string, error) {
	desc, err := s.reg.Lookup(resourceType)
	if err != nil {
		return "", err
	}
	return desc.Table, nil
}

// Create submits the document to the create function and reads the persisted
// document's id back.
func (s *ResourceStore) Create(ctx context.Context, doc fhir.Document) (fhir.Resource, error) {
	resourceType := doc.ResourceType()
	if _, err := s.table(resourceType); err != nil {
		return fhir.Resource{}, err
	}

	raw, err := json.Marshal(doc)
	if err != nil {
		return fhir.Resource{}, fhir.Internalf(err, "encode %s", resourceType)
	}

	var persisted []byte
	row := s.db.QueryRow(ctx, "SELECT fhir_create_resource($1::jsonb)", string(raw))
	if err := row.Scan(&persisted); err != nil {
		return fhir.Resource{}, fhir.Internalf(err, "create %s", resourceType)
	}
	return s.decodeResult(resourceType, persisted, "create")
}

// Read fetches one resource row by id.
func (s *ResourceStore) Read(ctx context.Context, resourceType, id string) (fhir.Resource, error) {
	table, err := s.table(resourceType)
	if err != nil {
		return fhir.Resource{}, err
	}

	var raw []byte
	row := s.db.QueryRow(ctx, "SELECT resource FROM "+table+" WHERE id = $1", id)
	if err := row.Scan(&raw); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return fhir.Resource{}, fhir.NotFoundf("%s/%s not found", resourceType, id)
		}
		return fhir.Resource{}, fhir.Internalf(err, "read %s/%s", resourceType, id)
	}
	if len(raw) == 0 {
		return fhir.Resource{}, fhir.Internalf(nil, "%s/%s has an empty document body", resourceType, id)
	}

	doc, err := fhir.DecodeDocument(raw)
	if err != nil {
		return fhir.Resource{}, fhir.Internalf(err, "decode %s/%s", resourceType, id)
	}
	return fhir.Resource{Type: resourceType, ID: id, Doc: doc}, nil
}

// Update submits the document to the update function. An empty returned
// document means the id named in the request has no stored counterpart,
// which is a conflict, not a no-op.
func (s *ResourceStore) Update(ctx context.Context, doc fhir.Document) (fhir.Resource, error) {
	resourceType := doc.ResourceType()
	id := doc.ID()
	if _, err := s.table(resourceType); err != nil {
		return fhir.Resource{}, err
	}
	if id == "" {
		return fhir.Resource{}, fhir.Unprocessablef("update requires the resource id")
	}

	raw, err := json.Marshal(doc)
	if err != nil {
		return fhir.Resource{}, fhir.Internalf(err, "encode %s/%s", resourceType, id)
	}

	var persisted []byte
	row := s.db.QueryRow(ctx, "SELECT fhir_update_resource($1::jsonb)", string(raw))
	if err := row.Scan(&persisted); err != nil {
		return fhir.Resource{}, fhir.Internalf(err, "update %s/%s", resourceType, id)
	}
	if emptyResult(persisted) {
		return fhir.Resource{}, fhir.Conflictf("%s/%s does not exist in storage", resourceType, id)
	}
	return s.decodeResult(resourceType, persisted, "update")
}

// Delete routes through the delete function, which returns the deleted
// document; an empty return means nothing matched.
func (s *ResourceStore) Delete(ctx context.Context, resourceType, id string) (fhir.Resource, error) {
	table, err := s.table(resourceType)
	if err != nil {
		return fhir.Resource{}, err
	}

	var removed []byte
	row := s.db.QueryRow(ctx, "SELECT fhir_delete_resource($1, $2)", table, id)
	if err := row.Scan(&removed); err != nil {
		return fhir.Resource{}, fhir.Internalf(err, "delete %s/%s", resourceType, id)
	}
	if emptyResult(removed) {
		return fhir.Resource{}, fhir.NotFoundf("%s/%s not found", resourceType, id)
	}
	return s.decodeResult(resourceType, removed, "delete")
}

// Search executes the plan's data query over one window.
func (s *ResourceStore) Search(ctx context.Context, resourceType string, plan *search.QueryPlan, w search.Window) ([]fhir.Resource, error) {
	rows, err := s.db.Query(ctx, plan.DataSQL(), plan.DataArgs(w.Limit(), w.Offset())...)
	if err != nil {
		return nil, fhir.Internalf(err, "search %s", resourceType)
	}
	defer rows.Close()

	var out []fhir.Resource
	for rows.Next() {
		var id string
		var raw []byte
		if err := rows.Scan(&id, &raw); err != nil {
			return nil, fhir.Internalf(err, "search %s: scan row", resourceType)
		}
		if len(raw) == 0 {
			// A stored row must always carry a document.
			return nil, fhir.Internalf(nil, "search %s: row %s has an empty document body", resourceType, id)
		}
		doc, err := fhir.DecodeDocument(raw)
		if err != nil {
			return nil, fhir.Internalf(err, "search %s: decode row %s", resourceType, id)
		}
		out = append(out, fhir.Resource{Type: resourceType, ID: id, Doc: doc})
	}
	if err := rows.Err(); err != nil {
		return nil, fhir.Internalf(err, "search %s", resourceType)
	}
	return out, nil
}

// Count executes the plan's count query.
func (s *ResourceStore) Count(ctx context.Context, plan *search.QueryPlan) (int, error) {
	var n int
	if err := s.db.QueryRow(ctx, plan.CountSQL(), plan.CountArgs()...).Scan(&n); err != nil {
		return 0, fhir.Internalf(err, "count %s", plan.Table())
	}
	return n, nil
}

// decodeResult turns a content-function return value into a Resource.
func (s *ResourceStore) decodeResult(resourceType string, raw []byte, op string) (fhir.Resource, error) {
	if emptyResult(raw) {
		return fhir.Resource{}, fhir.Internalf(nil, "%s %s returned no document", op, resourceType)
	}
	doc, err := fhir.DecodeDocument(raw)
	if err != nil {
		return fhir.Resource{}, fhir.Internalf(err, "%s %s: decode returned document", op, resourceType)
	}
	id := doc.ID()
	if id == "" {
		return fhir.Resource{}, fhir.Internalf(nil, "%s %s: returned document has no id", op, resourceType)
	}
	return fhir.Resource{Type: resourceType, ID: id, Doc: doc}, nil
}

// emptyResult reports whether a content-function return value carries no
// document (NULL, empty, or JSON null / empty object).
func emptyResult(raw []byte) bool {
	switch string(raw) {
	case "", "null", "{}":
		return true
	}
	return false
}
