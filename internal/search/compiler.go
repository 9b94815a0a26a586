package search

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/vitalfhir/vitalfhir/internal/platform/fhir"
)

// ErrUnsupportedChain marks a chained parameter the compiler cannot express
// as a join. The Resolver rewrites such parameters through a sub-search
// before compilation.
var ErrUnsupportedChain = errors.New("chain not supported as a join")

// Compiler turns a resource type's parameter set into a QueryPlan. It is a
// pure function of (descriptor, parameters, sort): it never touches storage.
//
// Predicate policy: a required parameter that is absent yields the empty
// plan; when every declared parameter is optional and none is supplied, the
// plan matches all rows.
type Compiler struct {
	reg *Registry
}

func NewCompiler(reg *Registry) *Compiler {
	return &Compiler{reg: reg}
}

// Compile builds the query plan for one search request. Parameter values the
// declared kind cannot interpret fail with an invalid-parameter error, never
// a silent drop. Parameter names the descriptor does not declare are ignored.
func (c *Compiler) Compile(desc *Descriptor, params []Parameter, sortSpec string) (*QueryPlan, error) {
	b := newPlanBuilder(desc.Table)

	supplied := make(map[string]bool, len(params))
	for _, p := range params {
		def, ok := desc.Params[p.Name]
		if !ok {
			continue
		}
		supplied[p.Name] = true

		frag, err := c.compileParam(b, desc, def, p)
		if err != nil {
			return nil, err
		}
		b.addFragment(frag)
	}

	for name, def := range desc.Params {
		if def.Required && !supplied[name] {
			b.addNone()
			break
		}
	}

	if err := applySort(b, desc, sortSpec); err != nil {
		return nil, err
	}
	return b.build(), nil
}

// CompileEmpty builds the plan that matches nothing, used when a folded
// chain's sub-search had no matches.
func (c *Compiler) CompileEmpty(desc *Descriptor) *QueryPlan {
	b := newPlanBuilder(desc.Table)
	b.addNone()
	return b.build()
}

// compileParam produces one AND-combined fragment; multiple values of the
// parameter are OR-combined inside it.
func (c *Compiler) compileParam(b *planBuilder, desc *Descriptor, def ParamDef, p Parameter) (Fragment, error) {
	if len(p.Values) == 0 {
		return Fragment{}, fhir.InvalidParamf("parameter %q has no value", p.Name)
	}

	if p.Chain != "" {
		if def.Kind != KindReference {
			return Fragment{}, fhir.InvalidParamf("parameter %q is not a reference and cannot be chained", p.Name)
		}
		return c.chainFragment(b, def, p)
	}

	var join string
	alts := make([]string, 0, len(p.Values))
	for _, v := range p.Values {
		if err := validateValue(def.Kind, v); err != nil {
			return Fragment{}, err
		}
		var sql string
		var err error
		switch def.Kind {
		case KindToken:
			sql, err = tokenPredicate(b, BaseAlias, def, v)
		case KindReference:
			sql = referencePredicate(b, BaseAlias, def, v)
		case KindDate:
			sql, err = datePredicate(b, BaseAlias, def, v)
		case KindString:
			var j string
			sql, j = stringPredicate(b, BaseAlias, p.Name, def, p.Modifier, v)
			if j != "" {
				join = j
			}
		default:
			err = fhir.InvalidParamf("parameter %q: %s search is not supported", p.Name, def.Kind)
		}
		if err != nil {
			return Fragment{}, err
		}
		alts = append(alts, sql)
	}

	return Fragment{SQL: orCombine(alts), Join: join}, nil
}

func orCombine(alts []string) string {
	if len(alts) == 1 {
		return alts[0]
	}
	return "(" + strings.Join(alts, " OR ") + ")"
}

// pathLiteral renders a registry-declared JSON path as a Postgres path
// literal. Paths are static descriptor data, never request input.
func pathLiteral(path []string) string {
	return "'{" + strings.Join(path, ",") + "}'"
}

func textExpr(alias string, path []string) string {
	return alias + ".resource#>>" + pathLiteral(path)
}

func datePathExpr(path []string) string {
	return "(" + textExpr(BaseAlias, path) + ")::timestamptz"
}

// tokenPredicate matches a coded value. Array-valued tokens use JSON
// containment over the coding or identifier array; scalar tokens compare the
// code part directly, dropping any system prefix since the stored field
// carries no system to match it against. A bare system with no code cannot
// match a scalar field and is rejected.
func tokenPredicate(b *planBuilder, alias string, def ParamDef, value string) (string, error) {
	system, code, hasSystem := SplitToken(value)

	if def.TokenField == "" {
		if code == "" {
			return "", fhir.InvalidParamf("token value %q: field matches codes only, a bare system cannot match", value)
		}
		return textExpr(alias, def.Path) + " = " + b.nextArg(code), nil
	}

	elem := map[string]string{}
	if code != "" {
		elem[def.TokenField] = code
	}
	if hasSystem && system != "" {
		elem["system"] = system
	}
	containment, err := json.Marshal([]map[string]string{elem})
	if err != nil {
		return "", fhir.Internalf(err, "marshal token containment")
	}
	return alias + ".resource#>" + pathLiteral(def.Path) + " @> " + b.nextArg(string(containment)) + "::jsonb", nil
}

// referencePredicate matches by substring containment on the embedded
// reference string, accepting both "Type/id" literals and bare ids.
func referencePredicate(b *planBuilder, alias string, def ParamDef, value string) string {
	return "position(" + b.nextArg(value) + " in COALESCE(" + textExpr(alias, def.Path) + ", '')) > 0"
}

func datePredicate(b *planBuilder, alias string, def ParamDef, value string) (string, error) {
	prefix, t, err := ParseDateValue(value)
	if err != nil {
		return "", err
	}
	expr := "(" + textExpr(alias, def.Path) + ")::timestamptz"
	return expr + " " + prefix.sqlOp() + " " + b.nextArg(t), nil
}

// stringPredicate matches a string field, exact on :exact and substring
// otherwise. Array-held fields (e.g. Patient names) are matched through a
// per-element unnest added to the FROM clause.
func stringPredicate(b *planBuilder, alias string, name string, def ParamDef, mod Modifier, value string) (sql, join string) {
	if !def.Unnest {
		expr := textExpr(alias, def.Path)
		if mod == ModifierExact {
			return expr + " = " + b.nextArg(value), ""
		}
		return expr + " LIKE " + b.nextArg("%" + value + "%"), ""
	}

	elemAlias := "elem_" + strings.ToLower(name)
	join = "jsonb_array_elements(" + alias + ".resource->'" + def.Path[0] + "') AS " + elemAlias
	expr := elemAlias + "->>'" + def.Field + "'"
	if mod == ModifierExact {
		if def.FieldIsArray {
			return elemAlias + "->'" + def.Field + "' ? " + b.nextArg(value), join
		}
		return expr + " = " + b.nextArg(value), join
	}
	return "COALESCE(" + expr + ", '') LIKE " + b.nextArg("%" + value + "%"), join
}

// nestedStringPredicate is the EXISTS form used inside chain subqueries,
// where the outer FROM clause cannot carry the unnest.
func nestedStringPredicate(b *planBuilder, alias string, def ParamDef, mod Modifier, value string) string {
	if !def.Unnest {
		sql, _ := stringPredicate(b, alias, "x", def, mod, value)
		return sql
	}
	var inner string
	if mod == ModifierExact {
		if def.FieldIsArray {
			inner = "ce->'" + def.Field + "' ? " + b.nextArg(value)
		} else {
			inner = "ce->>'" + def.Field + "' = " + b.nextArg(value)
		}
	} else {
		inner = "COALESCE(ce->>'" + def.Field + "', '') LIKE " + b.nextArg("%"+value+"%")
	}
	return "EXISTS (SELECT 1 FROM jsonb_array_elements(" + alias + ".resource->'" + def.Path[0] + "') AS ce WHERE " + inner + ")"
}

// chainFragment compiles param.Chain as a correlated subquery against the
// referenced type's table. Paths the registry cannot express as a join
// (unknown target parameter, or a chain continuing past one hop) fail with
// ErrUnsupportedChain so the Resolver can fold them via sub-search.
func (c *Compiler) chainFragment(b *planBuilder, def ParamDef, p Parameter) (Fragment, error) {
	if def.ChainTarget == "" {
		return Fragment{}, fmt.Errorf("parameter %q: %w", p.Name, ErrUnsupportedChain)
	}
	target, err := c.reg.Lookup(def.ChainTarget)
	if err != nil {
		return Fragment{}, fmt.Errorf("parameter %q: %w", p.Name, ErrUnsupportedChain)
	}

	chainName, chainMod, rest := ParseParameterName(p.Chain)
	if rest != "" {
		// Multi-hop chains fall back to sub-search resolution.
		return Fragment{}, fmt.Errorf("parameter %q.%s: %w", p.Name, p.Chain, ErrUnsupportedChain)
	}
	tdef, ok := target.Params[chainName]
	if !ok || tdef.Kind == KindReference {
		return Fragment{}, fmt.Errorf("parameter %q.%s: %w", p.Name, p.Chain, ErrUnsupportedChain)
	}

	const ct = "ct"
	alts := make([]string, 0, len(p.Values))
	for _, v := range p.Values {
		if err := validateValue(tdef.Kind, v); err != nil {
			return Fragment{}, err
		}
		var pred string
		switch tdef.Kind {
		case KindToken:
			pred, err = tokenPredicate(b, ct, tdef, v)
		case KindDate:
			pred, err = datePredicate(b, ct, tdef, v)
		default:
			pred = nestedStringPredicate(b, ct, tdef, chainMod, v)
		}
		if err != nil {
			return Fragment{}, err
		}
		alts = append(alts, pred)
	}

	link := "position(" + ct + ".id in COALESCE(" + textExpr(BaseAlias, def.Path) + ", '')) > 0"
	sql := "EXISTS (SELECT 1 FROM " + target.Table + " " + ct +
		" WHERE " + link + " AND " + orCombine(alts) + ")"
	return Fragment{SQL: sql}, nil
}
