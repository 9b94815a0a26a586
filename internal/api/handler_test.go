package api

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"net/url"
	"sort"
	"strings"
	"testing"
	"time"

	"github.com/labstack/echo/v4"

	"github.com/vitalfhir/vitalfhir/internal/aggregate"
	"github.com/vitalfhir/vitalfhir/internal/platform/fhir"
	"github.com/vitalfhir/vitalfhir/internal/search"
)

// fakeStore is a canned CRUD backend.
type fakeStore struct {
	resource fhir.Resource
	err      error

	lastOp  string
	lastDoc fhir.Document
}

func (f *fakeStore) Create(ctx context.Context, doc fhir.Document) (fhir.Resource, error) {
	f.lastOp, f.lastDoc = "create", doc
	return f.resource, f.err
}

func (f *fakeStore) Read(ctx context.Context, resourceType, id string) (fhir.Resource, error) {
	f.lastOp = "read"
	return f.resource, f.err
}

func (f *fakeStore) Update(ctx context.Context, doc fhir.Document) (fhir.Resource, error) {
	f.lastOp, f.lastDoc = "update", doc
	return f.resource, f.err
}

func (f *fakeStore) Delete(ctx context.Context, resourceType, id string) (fhir.Resource, error) {
	f.lastOp = "delete"
	return f.resource, f.err
}

// fakeAggregator returns canned bundles.
type fakeAggregator struct {
	bundle  *fhir.Bundle
	err     error
	lastReq aggregate.EverythingRequest
}

func (f *fakeAggregator) Everything(ctx context.Context, req aggregate.EverythingRequest) (*fhir.Bundle, error) {
	f.lastReq = req
	return f.bundle, f.err
}

func (f *fakeAggregator) Document(ctx context.Context, compositionID string) (*fhir.Bundle, error) {
	return f.bundle, f.err
}

// planExec backs the pager for search tests.
type planExec struct {
	total     int
	resources []fhir.Resource
}

func (p *planExec) Count(ctx context.Context, plan *search.QueryPlan) (int, error) {
	return p.total, nil
}

func (p *planExec) Search(ctx context.Context, resourceType string, plan *search.QueryPlan, w search.Window) ([]fhir.Resource, error) {
	return p.resources, nil
}

type subSearcherFunc func(ctx context.Context, resourceType string, params []search.Parameter) ([]fhir.Resource, error)

func (f subSearcherFunc) SearchAll(ctx context.Context, resourceType string, params []search.Parameter) ([]fhir.Resource, error) {
	return f(ctx, resourceType, params)
}

func newTestHandler(store *fakeStore, exec *planExec, agg *fakeAggregator) *Handler {
	reg := search.DefaultRegistry()
	planner := search.NewPlanner(reg, subSearcherFunc(func(ctx context.Context, rt string, p []search.Parameter) ([]fhir.Resource, error) {
		return nil, nil
	}))
	pager := search.NewPager(exec, 30, 500, time.Minute)
	return NewHandler(store, planner, pager, agg)
}

func serve(h *Handler, method, target string, body string) *httptest.ResponseRecorder {
	e := echo.New()
	g := e.Group("/fhir")
	h.RegisterRoutes(g)

	var req *http.Request
	if body != "" {
		req = httptest.NewRequest(method, target, strings.NewReader(body))
		req.Header.Set(echo.HeaderContentType, echo.MIMEApplicationJSON)
	} else {
		req = httptest.NewRequest(method, target, nil)
	}
	rec := httptest.NewRecorder()
	e.ServeHTTP(rec, req)
	return rec
}

func TestSearch(t *testing.T) {
	exec := &planExec{
		total: 2,
		resources: []fhir.Resource{
			{Type: "Patient", ID: "p1", Doc: fhir.Document{"resourceType": "Patient", "id": "p1"}},
			{Type: "Patient", ID: "p2", Doc: fhir.Document{"resourceType": "Patient", "id": "p2"}},
		},
	}
	h := newTestHandler(&fakeStore{}, exec, &fakeAggregator{})

	rec := serve(h, http.MethodGet, "/fhir/Patient?family=Smith", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, body %s", rec.Code, rec.Body.String())
	}

	var b fhir.Bundle
	if err := json.Unmarshal(rec.Body.Bytes(), &b); err != nil {
		t.Fatalf("decode bundle: %v", err)
	}
	if b.Type != fhir.BundleTypeSearchSet {
		t.Errorf("bundle type = %q", b.Type)
	}
	if b.Total == nil || *b.Total != 2 {
		t.Errorf("total = %v, want 2", b.Total)
	}
	if len(b.Entry) != 2 {
		t.Errorf("entries = %d, want 2", len(b.Entry))
	}
	if len(b.Link) == 0 || b.Link[0].Relation != "self" {
		t.Errorf("missing self link: %+v", b.Link)
	}
	if !strings.Contains(b.Link[0].URL, "_token=") {
		t.Errorf("self link %q missing the paging token", b.Link[0].URL)
	}
}

func TestSearch_NextLink(t *testing.T) {
	exec := &planExec{total: 100}
	h := newTestHandler(&fakeStore{}, exec, &fakeAggregator{})

	rec := serve(h, http.MethodGet, "/fhir/Patient", "")
	var b fhir.Bundle
	if err := json.Unmarshal(rec.Body.Bytes(), &b); err != nil {
		t.Fatalf("decode bundle: %v", err)
	}

	var next string
	for _, l := range b.Link {
		if l.Relation == "next" {
			next = l.URL
		}
	}
	if next == "" {
		t.Fatal("expected a next link for a windowed result")
	}
	if !strings.Contains(next, "_offset=30") || !strings.Contains(next, "_count=30") {
		t.Errorf("next link window wrong: %q", next)
	}
}

func TestSearch_UnknownType(t *testing.T) {
	h := newTestHandler(&fakeStore{}, &planExec{}, &fakeAggregator{})
	rec := serve(h, http.MethodGet, "/fhir/Banana", "")
	if rec.Code != http.StatusNotFound {
		t.Errorf("status = %d, want 404", rec.Code)
	}
	if !strings.Contains(rec.Body.String(), "OperationOutcome") {
		t.Errorf("expected an OperationOutcome body, got %s", rec.Body.String())
	}
}

func TestSearch_InvalidDate(t *testing.T) {
	h := newTestHandler(&fakeStore{}, &planExec{}, &fakeAggregator{})
	rec := serve(h, http.MethodGet, "/fhir/Patient?birthdate=gelast-week", "")
	if rec.Code != http.StatusBadRequest {
		t.Errorf("status = %d, want 400", rec.Code)
	}
}

func TestSearch_BadCount(t *testing.T) {
	h := newTestHandler(&fakeStore{}, &planExec{}, &fakeAggregator{})
	rec := serve(h, http.MethodGet, "/fhir/Patient?_count=-5", "")
	if rec.Code != http.StatusBadRequest {
		t.Errorf("status = %d, want 400", rec.Code)
	}
}

func TestExtractParameters(t *testing.T) {
	values := url.Values{
		"status":       []string{"final,amended", "registered"},
		"family:exact": []string{"Smith"},
		"subject.name": []string{"Jane"},
		"_count":       []string{"10"},
		"_sort":        []string{"date"},
	}

	params := extractParameters(values)
	sort.Slice(params, func(i, j int) bool { return params[i].Name < params[j].Name })

	if len(params) != 4 {
		t.Fatalf("expected 4 parameters, got %d: %+v", len(params), params)
	}
	if params[0].Name != "family" || params[0].Modifier != search.ModifierExact {
		t.Errorf("family param = %+v", params[0])
	}
	// Two status occurrences stay separate (AND); the comma splits to OR values.
	statusCount := 0
	for _, p := range params {
		if p.Name == "status" {
			statusCount++
			if len(p.Values) == 2 && (p.Values[0] != "final" || p.Values[1] != "amended") {
				t.Errorf("comma values = %v", p.Values)
			}
		}
		if p.Name == "subject" && p.Chain != "name" {
			t.Errorf("chain not parsed: %+v", p)
		}
	}
	if statusCount != 2 {
		t.Errorf("status occurrences = %d, want 2", statusCount)
	}
}

func TestCreate(t *testing.T) {
	store := &fakeStore{resource: fhir.Resource{
		Type: "Patient", ID: "p1",
		Doc: fhir.Document{"resourceType": "Patient", "id": "p1"},
	}}
	h := newTestHandler(store, &planExec{}, &fakeAggregator{})

	rec := serve(h, http.MethodPost, "/fhir/Patient", `{"resourceType":"Patient","gender":"male"}`)
	if rec.Code != http.StatusCreated {
		t.Fatalf("status = %d, body %s", rec.Code, rec.Body.String())
	}
	if got := rec.Header().Get("Location"); got != "/fhir/Patient/p1" {
		t.Errorf("Location = %q", got)
	}
	if store.lastOp != "create" {
		t.Errorf("store op = %q", store.lastOp)
	}
}

func TestCreate_TypeMismatch(t *testing.T) {
	h := newTestHandler(&fakeStore{}, &planExec{}, &fakeAggregator{})
	rec := serve(h, http.MethodPost, "/fhir/Patient", `{"resourceType":"Observation"}`)
	if rec.Code != http.StatusUnprocessableEntity {
		t.Errorf("status = %d, want 422", rec.Code)
	}
}

func TestCreate_BadJSON(t *testing.T) {
	h := newTestHandler(&fakeStore{}, &planExec{}, &fakeAggregator{})
	rec := serve(h, http.MethodPost, "/fhir/Patient", `{not json`)
	if rec.Code != http.StatusUnprocessableEntity {
		t.Errorf("status = %d, want 422", rec.Code)
	}
}

func TestRead_NotFound(t *testing.T) {
	store := &fakeStore{err: fhir.NotFoundf("Patient/ghost not found")}
	h := newTestHandler(store, &planExec{}, &fakeAggregator{})

	rec := serve(h, http.MethodGet, "/fhir/Patient/ghost", "")
	if rec.Code != http.StatusNotFound {
		t.Errorf("status = %d, want 404", rec.Code)
	}
}

func TestUpdate_FillsBodyID(t *testing.T) {
	store := &fakeStore{resource: fhir.Resource{
		Type: "Patient", ID: "p1",
		Doc: fhir.Document{"resourceType": "Patient", "id": "p1"},
	}}
	h := newTestHandler(store, &planExec{}, &fakeAggregator{})

	rec := serve(h, http.MethodPut, "/fhir/Patient/p1", `{"resourceType":"Patient"}`)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, body %s", rec.Code, rec.Body.String())
	}
	if store.lastDoc.ID() != "p1" {
		t.Errorf("handler must fill the body id from the url, got %q", store.lastDoc.ID())
	}
}

func TestUpdate_IDMismatch(t *testing.T) {
	h := newTestHandler(&fakeStore{}, &planExec{}, &fakeAggregator{})
	rec := serve(h, http.MethodPut, "/fhir/Patient/p1", `{"resourceType":"Patient","id":"p2"}`)
	if rec.Code != http.StatusUnprocessableEntity {
		t.Errorf("status = %d, want 422", rec.Code)
	}
}

func TestUpdate_Conflict(t *testing.T) {
	store := &fakeStore{err: fhir.Conflictf("Patient/p1 does not exist in storage")}
	h := newTestHandler(store, &planExec{}, &fakeAggregator{})

	rec := serve(h, http.MethodPut, "/fhir/Patient/p1", `{"resourceType":"Patient","id":"p1"}`)
	if rec.Code != http.StatusConflict {
		t.Errorf("status = %d, want 409", rec.Code)
	}
}

func TestDelete(t *testing.T) {
	store := &fakeStore{resource: fhir.Resource{
		Type: "Patient", ID: "p1",
		Doc: fhir.Document{"resourceType": "Patient", "id": "p1"},
	}}
	h := newTestHandler(store, &planExec{}, &fakeAggregator{})

	rec := serve(h, http.MethodDelete, "/fhir/Patient/p1", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	if store.lastOp != "delete" {
		t.Errorf("store op = %q", store.lastOp)
	}
}

func TestEverything(t *testing.T) {
	total := 1
	agg := &fakeAggregator{bundle: &fhir.Bundle{
		ResourceType: "Bundle", Type: fhir.BundleTypeSearchSet, Total: &total,
	}}
	h := newTestHandler(&fakeStore{}, &planExec{}, agg)

	rec := serve(h, http.MethodGet,
		"/fhir/Patient/p1/$everything?start=2023-01-01&end=2023-12-31&_type=Condition,Observation&_count=10", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, body %s", rec.Code, rec.Body.String())
	}

	req := agg.lastReq
	if req.PatientID != "p1" {
		t.Errorf("patient id = %q", req.PatientID)
	}
	if req.Start != "2023-01-01" || req.End != "2023-12-31" {
		t.Errorf("window = (%q, %q)", req.Start, req.End)
	}
	if !req.Types["Condition"] || !req.Types["Observation"] || len(req.Types) != 2 {
		t.Errorf("types = %v", req.Types)
	}
	if req.Count != 10 {
		t.Errorf("count = %d", req.Count)
	}
}

func TestDocumentOperation(t *testing.T) {
	agg := &fakeAggregator{bundle: &fhir.Bundle{
		ResourceType: "Bundle", ID: "b1", Type: fhir.BundleTypeDocument,
	}}
	h := newTestHandler(&fakeStore{}, &planExec{}, agg)

	rec := serve(h, http.MethodGet, "/fhir/Composition/comp1/$document", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, body %s", rec.Code, rec.Body.String())
	}
	var b fhir.Bundle
	if err := json.Unmarshal(rec.Body.Bytes(), &b); err != nil {
		t.Fatalf("decode bundle: %v", err)
	}
	if b.Type != fhir.BundleTypeDocument {
		t.Errorf("bundle type = %q", b.Type)
	}
}

func TestDocumentOperation_Unprocessable(t *testing.T) {
	agg := &fakeAggregator{err: fhir.Unprocessablef("document type is not supported")}
	h := newTestHandler(&fakeStore{}, &planExec{}, agg)

	rec := serve(h, http.MethodGet, "/fhir/Composition/comp1/$document", "")
	if rec.Code != http.StatusUnprocessableEntity {
		t.Errorf("status = %d, want 422", rec.Code)
	}
}
