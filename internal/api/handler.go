package api

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"

	"github.com/labstack/echo/v4"

	"github.com/vitalfhir/vitalfhir/internal/aggregate"
	"github.com/vitalfhir/vitalfhir/internal/platform/fhir"
	"github.com/vitalfhir/vitalfhir/internal/search"
)

// ResourceStore is the CRUD slice of the store the handlers use.
type ResourceStore interface {
	Create(ctx context.Context, doc fhir.Document) (fhir.Resource, error)
	Read(ctx context.Context, resourceType, id string) (fhir.Resource, error)
	Update(ctx context.Context, doc fhir.Document) (fhir.Resource, error)
	Delete(ctx context.Context, resourceType, id string) (fhir.Resource, error)
}

// Aggregator is the closure-operation slice of the engine.
type Aggregator interface {
	Everything(ctx context.Context, req aggregate.EverythingRequest) (*fhir.Bundle, error)
	Document(ctx context.Context, compositionID string) (*fhir.Bundle, error)
}

// Handler exposes the FHIR REST surface.
type Handler struct {
	store   ResourceStore
	planner *search.Planner
	pager   *search.Pager
	agg     Aggregator
}

func NewHandler(store ResourceStore, planner *search.Planner, pager *search.Pager, agg Aggregator) *Handler {
	return &Handler{store: store, planner: planner, pager: pager, agg: agg}
}

func (h *Handler) RegisterRoutes(g *echo.Group) {
	g.GET("/Patient/:id/$everything", h.Everything)
	g.GET("/Composition/:id/$document", h.Document)
	g.GET("/:type", h.Search)
	g.POST("/:type", h.Create)
	g.GET("/:type/:id", h.Read)
	g.PUT("/:type/:id", h.Update)
	g.DELETE("/:type/:id", h.Delete)
}

func writeError(c echo.Context, err error) error {
	return c.JSON(fhir.StatusCode(err), fhir.Outcome(err))
}

// Search handles GET /fhir/:type.
func (h *Handler) Search(c echo.Context) error {
	resourceType := c.Param("type")
	ctx := c.Request().Context()

	params := extractParameters(c.QueryParams())
	plan, err := h.planner.Plan(ctx, resourceType, params, c.QueryParam("_sort"))
	if err != nil {
		return writeError(c, err)
	}

	offset, err := intParam(c, "_offset", 0)
	if err != nil {
		return writeError(c, err)
	}
	count, err := intParam(c, "_count", 0)
	if err != nil {
		return writeError(c, err)
	}

	page, err := h.pager.Fetch(ctx, resourceType, plan, c.QueryParam("_token"), offset, count)
	if err != nil {
		return writeError(c, err)
	}

	bundle := fhir.NewSearchBundle(page.Resources, page.Total)
	bundle.Link = pageLinks(c.Request().URL.Path, page)
	return c.JSON(http.StatusOK, bundle)
}

// Create handles POST /fhir/:type.
func (h *Handler) Create(c echo.Context) error {
	resourceType := c.Param("type")
	doc, err := readDocument(c)
	if err != nil {
		return writeError(c, err)
	}
	if doc.ResourceType() != resourceType {
		return writeError(c, fhir.Unprocessablef("body is a %s, not a %s", doc.ResourceType(), resourceType))
	}

	created, err := h.store.Create(c.Request().Context(), doc)
	if err != nil {
		return writeError(c, err)
	}
	c.Response().Header().Set("Location", "/fhir/"+created.Type+"/"+created.ID)
	return c.JSON(http.StatusCreated, created.Doc)
}

// Read handles GET /fhir/:type/:id.
func (h *Handler) Read(c echo.Context) error {
	r, err := h.store.Read(c.Request().Context(), c.Param("type"), c.Param("id"))
	if err != nil {
		return writeError(c, err)
	}
	return c.JSON(http.StatusOK, r.Doc)
}

// Update handles PUT /fhir/:type/:id.
func (h *Handler) Update(c echo.Context) error {
	resourceType := c.Param("type")
	id := c.Param("id")

	doc, err := readDocument(c)
	if err != nil {
		return writeError(c, err)
	}
	if doc.ResourceType() != resourceType {
		return writeError(c, fhir.Unprocessablef("body is a %s, not a %s", doc.ResourceType(), resourceType))
	}
	switch docID := doc.ID(); {
	case docID == "":
		doc["id"] = id
	case docID != id:
		return writeError(c, fhir.Unprocessablef("body id %q does not match url id %q", docID, id))
	}

	updated, err := h.store.Update(c.Request().Context(), doc)
	if err != nil {
		return writeError(c, err)
	}
	return c.JSON(http.StatusOK, updated.Doc)
}

// Delete handles DELETE /fhir/:type/:id, returning the deleted document.
func (h *Handler) Delete(c echo.Context) error {
	r, err := h.store.Delete(c.Request().Context(), c.Param("type"), c.Param("id"))
	if err != nil {
		return writeError(c, err)
	}
	return c.JSON(http.StatusOK, r.Doc)
}

// Everything handles GET /fhir/Patient/:id/$everything.
func (h *Handler) Everything(c echo.Context) error {
	req := aggregate.EverythingRequest{
		PatientID: c.Param("id"),
		Start:     c.QueryParam("start"),
		End:       c.QueryParam("end"),
	}
	if typeParam := c.QueryParam("_type"); typeParam != "" {
		req.Types = make(map[string]bool)
		for _, t := range strings.Split(typeParam, ",") {
			if t = strings.TrimSpace(t); t != "" {
				req.Types[t] = true
			}
		}
	}
	count, err := intParam(c, "_count", 0)
	if err != nil {
		return writeError(c, err)
	}
	req.Count = count

	bundle, err := h.agg.Everything(c.Request().Context(), req)
	if err != nil {
		return writeError(c, err)
	}
	return c.JSON(http.StatusOK, bundle)
}

// Document handles GET /fhir/Composition/:id/$document.
func (h *Handler) Document(c echo.Context) error {
	bundle, err := h.agg.Document(c.Request().Context(), c.Param("id"))
	if err != nil {
		return writeError(c, err)
	}
	return c.JSON(http.StatusOK, bundle)
}

// extractParameters converts query values into search parameters. Control
// parameters (underscore-prefixed) are excluded; repeated occurrences AND,
// comma-separated values inside one occurrence OR.
func extractParameters(values url.Values) []search.Parameter {
	var params []search.Parameter
	for rawName, occurrences := range values {
		if strings.HasPrefix(rawName, "_") {
			continue
		}
		name, modifier, chain := search.ParseParameterName(rawName)
		for _, occ := range occurrences {
			params = append(params, search.Parameter{
				Name:     name,
				Modifier: modifier,
				Chain:    chain,
				Values:   strings.Split(occ, ","),
			})
		}
	}
	return params
}

func intParam(c echo.Context, name string, fallback int) (int, error) {
	raw := c.QueryParam(name)
	if raw == "" {
		return fallback, nil
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n < 0 {
		return 0, fhir.InvalidParamf("%s must be a non-negative integer", name)
	}
	return n, nil
}

// pageLinks renders self and next links carrying the paging token so later
// fetches reuse the pinned total.
func pageLinks(path string, page *search.Page) []fhir.BundleLink {
	links := []fhir.BundleLink{{
		Relation: "self",
		URL:      fmt.Sprintf("%s?_token=%s&_offset=%d&_count=%d", path, page.Token, page.Offset, page.Size),
	}}
	if page.Offset+page.Size < page.Total {
		links = append(links, fhir.BundleLink{
			Relation: "next",
			URL:      fmt.Sprintf("%s?_token=%s&_offset=%d&_count=%d", path, page.Token, page.Offset+page.Size, page.Size),
		})
	}
	return links
}

// readDocument decodes the request body into a document.
func readDocument(c echo.Context) (fhir.Document, error) {
	body, err := io.ReadAll(c.Request().Body)
	if err != nil {
		return nil, fhir.Internalf(err, "read request body")
	}
	if len(body) == 0 {
		return nil, fhir.Unprocessablef("request body is empty")
	}
	doc, err := fhir.DecodeDocument(body)
	if err != nil {
		return nil, fhir.Unprocessablef("invalid JSON body: %v", err)
	}
	return doc, nil
}
