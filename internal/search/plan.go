package search

import (
	"fmt"
	"strings"
)

// Fragment is one compiled WHERE predicate, optionally carrying a FROM-clause
// addition (a lateral array unnest) it depends on.
type Fragment struct {
	SQL  string
	Join string
}

// sortTerm is one ORDER BY column with its direction.
type sortTerm struct {
	Expr string
	Desc bool
}

// QueryPlan pairs a count query and a data query over one shared predicate.
// A plan is immutable once built: the count and data statements differ only
// in select list and LIMIT/OFFSET, never in FROM or WHERE.
type QueryPlan struct {
	table string
	joins []string
	where []string
	sorts []sortTerm
	args  []interface{}
}

// BaseAlias is the alias every compiled predicate addresses the searched
// table by.
const BaseAlias = "r"

type planBuilder struct {
	table string
	joins []string
	where []string
	sorts []sortTerm
	args  []interface{}
}

func newPlanBuilder(table string) *planBuilder {
	return &planBuilder{table: table}
}

// nextArg registers a bind argument and returns its positional placeholder.
func (b *planBuilder) nextArg(v interface{}) string {
	b.args = append(b.args, v)
	return fmt.Sprintf("$%d", len(b.args))
}

func (b *planBuilder) addFragment(f Fragment) {
	if f.Join != "" {
		b.addJoin(f.Join)
	}
	b.where = append(b.where, f.SQL)
}

// addJoin adds a FROM-clause unnest once. Repeated occurrences of the same
// parameter produce the same join text and must share one alias.
func (b *planBuilder) addJoin(join string) {
	for _, j := range b.joins {
		if j == join {
			return
		}
	}
	b.joins = append(b.joins, join)
}

// addNone constrains the plan to the empty result.
func (b *planBuilder) addNone() {
	b.where = append(b.where, "FALSE")
}

func (b *planBuilder) build() *QueryPlan {
	return &QueryPlan{
		table: b.table,
		joins: b.joins,
		where: b.where,
		sorts: b.sorts,
		args:  b.args,
	}
}

func (p *QueryPlan) fromClause() string {
	from := p.table + " " + BaseAlias
	for _, j := range p.joins {
		from += ", " + j
	}
	return from
}

func (p *QueryPlan) whereClause() string {
	if len(p.where) == 0 {
		return ""
	}
	return " WHERE " + strings.Join(p.where, " AND ")
}

// Table returns the searched table name.
func (p *QueryPlan) Table() string { return p.table }

// CountSQL is the total-size query over the shared predicate.
func (p *QueryPlan) CountSQL() string {
	return "SELECT COUNT(DISTINCT " + BaseAlias + ".id) FROM " + p.fromClause() + p.whereClause()
}

func (p *QueryPlan) CountArgs() []interface{} {
	return append([]interface{}(nil), p.args...)
}

// DataSQL is the row query over the shared predicate, windowed by LIMIT and
// OFFSET bound as the two trailing arguments. The result always has exactly
// two columns, id and resource; sorted plans wrap the sort expressions in a
// subselect so the outer shape stays fixed.
func (p *QueryPlan) DataSQL() string {
	n := len(p.args)
	window := fmt.Sprintf(" LIMIT $%d OFFSET $%d", n+1, n+2)

	if len(p.sorts) == 0 {
		return "SELECT DISTINCT " + BaseAlias + ".id, " + BaseAlias + ".resource FROM " +
			p.fromClause() + p.whereClause() +
			" ORDER BY " + BaseAlias + ".id" + window
	}

	inner := "SELECT DISTINCT " + BaseAlias + ".id AS id, " + BaseAlias + ".resource AS resource"
	var order []string
	for i, s := range p.sorts {
		alias := fmt.Sprintf("s%d", i+1)
		inner += ", " + s.Expr + " AS " + alias
		dir := "ASC"
		if s.Desc {
			dir = "DESC"
		}
		order = append(order, "q."+alias+" "+dir)
	}
	order = append(order, "q.id ASC")
	inner += " FROM " + p.fromClause() + p.whereClause()

	return "SELECT q.id, q.resource FROM (" + inner + ") q ORDER BY " +
		strings.Join(order, ", ") + window
}

func (p *QueryPlan) DataArgs(limit, offset int) []interface{} {
	args := make([]interface{}, 0, len(p.args)+2)
	args = append(args, p.args...)
	return append(args, limit, offset)
}
