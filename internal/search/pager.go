package search

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/vitalfhir/vitalfhir/internal/platform/fhir"
)

// DefaultPageSize is the preferred page size when the request does not name
// one.
const DefaultPageSize = 30

// MaxPageSize caps the page size a request may ask for.
const MaxPageSize = 500

// Window bounds one page fetch: rows [From, To).
type Window struct {
	From int
	To   int
}

func (w Window) Limit() int  { return w.To - w.From }
func (w Window) Offset() int { return w.From }

// PlanExecutor runs a compiled plan's count and data queries. The store
// implements it.
type PlanExecutor interface {
	Search(ctx context.Context, resourceType string, plan *QueryPlan, w Window) ([]fhir.Resource, error)
	Count(ctx context.Context, plan *QueryPlan) (int, error)
}

// Page is one materialized window of a result set.
type Page struct {
	Resources []fhir.Resource
	// Total is the plan's full result size, computed once per token.
	Total int
	// Token ties subsequent fetches of the same logical result set to the
	// total computed on the first.
	Token  string
	Offset int
	Size   int
}

type cachedTotal struct {
	total int
	at    time.Time
}

// Pager is the lazy, count-cached page materializer. The total size of a
// result set is evaluated once and pinned to the paging token; later fetches
// under the same token reuse it even if the underlying data has moved.
type Pager struct {
	exec     PlanExecutor
	ttl      time.Duration
	pageSize int
	maxSize  int

	mu     sync.Mutex
	totals map[string]cachedTotal
}

func NewPager(exec PlanExecutor, pageSize, maxSize int, ttl time.Duration) *Pager {
	if pageSize <= 0 {
		pageSize = DefaultPageSize
	}
	if maxSize < pageSize {
		maxSize = MaxPageSize
	}
	if ttl <= 0 {
		ttl = 10 * time.Minute
	}
	return &Pager{
		exec:     exec,
		ttl:      ttl,
		pageSize: pageSize,
		maxSize:  maxSize,
		totals:   make(map[string]cachedTotal),
	}
}

// Evaluate runs the plan's count query once and mints a paging token for it.
func (pg *Pager) Evaluate(ctx context.Context, plan *QueryPlan) (token string, total int, err error) {
	total, err = pg.exec.Count(ctx, plan)
	if err != nil {
		return "", 0, err
	}
	token = uuid.New().String()
	pg.mu.Lock()
	pg.totals[token] = cachedTotal{total: total, at: time.Now()}
	pg.prune()
	pg.mu.Unlock()
	return token, total, nil
}

// Fetch materializes one page. An empty token starts a new logical result
// set; a known token reuses its pinned total. Nothing beyond the requested
// window is ever read.
func (pg *Pager) Fetch(ctx context.Context, resourceType string, plan *QueryPlan, token string, offset, count int) (*Page, error) {
	if offset < 0 {
		offset = 0
	}
	if count <= 0 {
		count = pg.pageSize
	}
	if count > pg.maxSize {
		count = pg.maxSize
	}

	total, ok := pg.lookup(token)
	if !ok {
		var err error
		token, total, err = pg.Evaluate(ctx, plan)
		if err != nil {
			return nil, err
		}
	}

	page := &Page{Total: total, Token: token, Offset: offset, Size: count}
	if offset >= total {
		return page, nil
	}

	resources, err := pg.exec.Search(ctx, resourceType, plan, Window{From: offset, To: offset + count})
	if err != nil {
		return nil, err
	}
	page.Resources = resources
	return page, nil
}

func (pg *Pager) lookup(token string) (int, bool) {
	if token == "" {
		return 0, false
	}
	pg.mu.Lock()
	defer pg.mu.Unlock()
	c, ok := pg.totals[token]
	if !ok || time.Since(c.at) > pg.ttl {
		delete(pg.totals, token)
		return 0, false
	}
	return c.total, true
}

// prune drops expired totals. Caller holds the lock.
func (pg *Pager) prune() {
	for token, c := range pg.totals {
		if time.Since(c.at) > pg.ttl {
			delete(pg.totals, token)
		}
	}
}
