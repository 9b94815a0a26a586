package search

import (
	"context"
	"errors"

	"github.com/vitalfhir/vitalfhir/internal/platform/fhir"
)

// SubSearcher materializes a full (unwindowed) search against one resource
// type. The store provides it; the planner uses it to fold chains the
// compiler cannot express as joins.
type SubSearcher interface {
	SearchAll(ctx context.Context, resourceType string, params []Parameter) ([]fhir.Resource, error)
}

// Planner resolves chained parameters and compiles the result. There is one
// chain strategy for the whole engine, keyed by (resource type, parameter,
// target type) through the registry: joinable chains compile to a correlated
// subquery; everything else runs the target search first and folds the
// matching ids into an id-containment predicate on the parent.
type Planner struct {
	reg  *Registry
	comp *Compiler
	sub  SubSearcher
}

func NewPlanner(reg *Registry, sub SubSearcher) *Planner {
	return &Planner{reg: reg, comp: NewCompiler(reg), sub: sub}
}

// Registry exposes the planner's descriptor registry.
func (pl *Planner) Registry() *Registry { return pl.reg }

// Plan builds the query plan for a search request against resourceType.
func (pl *Planner) Plan(ctx context.Context, resourceType string, params []Parameter, sortSpec string) (*QueryPlan, error) {
	desc, err := pl.reg.Lookup(resourceType)
	if err != nil {
		return nil, err
	}

	plan, err := pl.comp.Compile(desc, params, sortSpec)
	if err == nil {
		return plan, nil
	}
	if !errors.Is(err, ErrUnsupportedChain) {
		return nil, err
	}

	resolved, matchable, rerr := pl.resolveChains(ctx, desc, params)
	if rerr != nil {
		return nil, rerr
	}
	if !matchable {
		return pl.comp.CompileEmpty(desc), nil
	}
	return pl.comp.Compile(desc, resolved, sortSpec)
}

// resolveChains rewrites unsupported chained parameters into plain reference
// parameters whose values are the ids matched by a sub-search on the target
// type. matchable is false when a sub-search matched nothing, in which case
// the whole search is empty.
func (pl *Planner) resolveChains(ctx context.Context, desc *Descriptor, params []Parameter) (resolved []Parameter, matchable bool, err error) {
	resolved = make([]Parameter, 0, len(params))
	for _, p := range params {
		if p.Chain == "" || !pl.chainNeedsFold(desc, p) {
			resolved = append(resolved, p)
			continue
		}

		def := desc.Params[p.Name]
		if def.ChainTarget == "" {
			return nil, false, fhir.InvalidParamf("parameter %q cannot be chained", p.Name)
		}

		chainName, chainMod, rest := ParseParameterName(p.Chain)
		matches, serr := pl.sub.SearchAll(ctx, def.ChainTarget, []Parameter{{
			Name:     chainName,
			Modifier: chainMod,
			Values:   p.Values,
			Chain:    rest,
		}})
		if serr != nil {
			return nil, false, serr
		}
		if len(matches) == 0 {
			return nil, false, nil
		}

		ids := make([]string, 0, len(matches))
		for _, m := range matches {
			ids = append(ids, m.ID)
		}
		resolved = append(resolved, Parameter{Name: p.Name, Values: ids})
	}
	return resolved, true, nil
}

// chainNeedsFold reports whether a chained parameter requires the sub-search
// strategy rather than a join.
func (pl *Planner) chainNeedsFold(desc *Descriptor, p Parameter) bool {
	def, ok := desc.Params[p.Name]
	if !ok {
		return false
	}
	b := newPlanBuilder(desc.Table)
	_, err := pl.comp.chainFragment(b, def, p)
	return errors.Is(err, ErrUnsupportedChain)
}
