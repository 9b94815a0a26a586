package search

import (
	"errors"
	"strings"
	"testing"

	"github.com/vitalfhir/vitalfhir/internal/platform/fhir"
)

func mustPlan(t *testing.T, resourceType string, params []Parameter, sortSpec string) *QueryPlan {
	t.Helper()
	reg := DefaultRegistry()
	desc, err := reg.Lookup(resourceType)
	if err != nil {
		t.Fatalf("lookup %s: %v", resourceType, err)
	}
	plan, err := NewCompiler(reg).Compile(desc, params, sortSpec)
	if err != nil {
		t.Fatalf("compile: %v", err)
	}
	return plan
}

func TestCompile_TokenContainment(t *testing.T) {
	plan := mustPlan(t, "Observation", []Parameter{
		{Name: "code", Values: []string{"http://loinc.org|11503-0"}},
	}, "")

	sql := plan.CountSQL()
	want := "r.resource#>'{code,coding}' @> $1::jsonb"
	if !strings.Contains(sql, want) {
		t.Errorf("count sql %q missing %q", sql, want)
	}
	args := plan.CountArgs()
	if len(args) != 1 {
		t.Fatalf("expected 1 arg, got %d", len(args))
	}
	if args[0] != `[{"code":"11503-0","system":"http://loinc.org"}]` {
		t.Errorf("unexpected containment arg %v", args[0])
	}
}

func TestCompile_TokenCodeOnly(t *testing.T) {
	plan := mustPlan(t, "Observation", []Parameter{
		{Name: "code", Values: []string{"8310-5"}},
	}, "")

	args := plan.CountArgs()
	if args[0] != `[{"code":"8310-5"}]` {
		t.Errorf("unexpected containment arg %v", args[0])
	}
}

func TestCompile_ScalarToken(t *testing.T) {
	plan := mustPlan(t, "Observation", []Parameter{
		{Name: "status", Values: []string{"final"}},
	}, "")

	if !strings.Contains(plan.CountSQL(), "r.resource#>>'{status}' = $1") {
		t.Errorf("unexpected sql %q", plan.CountSQL())
	}
	if plan.CountArgs()[0] != "final" {
		t.Errorf("unexpected arg %v", plan.CountArgs()[0])
	}
}

func TestCompile_ScalarToken_BareSystemRejected(t *testing.T) {
	reg := DefaultRegistry()
	desc, _ := reg.Lookup("Observation")
	_, err := NewCompiler(reg).Compile(desc, []Parameter{
		{Name: "status", Values: []string{"http://hl7.org/fhir/observation-status|"}},
	}, "")
	if fhir.KindOf(err) != fhir.KindInvalidParam {
		t.Fatalf("expected invalid-parameter error, got %v", err)
	}
}

func TestCompile_Reference(t *testing.T) {
	plan := mustPlan(t, "Observation", []Parameter{
		{Name: "subject", Values: []string{"Patient/p1"}},
	}, "")

	want := "position($1 in COALESCE(r.resource#>>'{subject,reference}', '')) > 0"
	if !strings.Contains(plan.CountSQL(), want) {
		t.Errorf("count sql %q missing %q", plan.CountSQL(), want)
	}
}

func TestCompile_Date(t *testing.T) {
	plan := mustPlan(t, "Encounter", []Parameter{
		{Name: "date", Values: []string{"ge2023-01-01"}},
	}, "")

	want := "(r.resource#>>'{period,start}')::timestamptz >= $1"
	if !strings.Contains(plan.CountSQL(), want) {
		t.Errorf("count sql %q missing %q", plan.CountSQL(), want)
	}
}

func TestCompile_DateInvalid(t *testing.T) {
	reg := DefaultRegistry()
	desc, _ := reg.Lookup("Encounter")
	_, err := NewCompiler(reg).Compile(desc, []Parameter{
		{Name: "date", Values: []string{"gelast-tuesday"}},
	}, "")
	if fhir.KindOf(err) != fhir.KindInvalidParam {
		t.Fatalf("expected invalid-parameter error, got %v", err)
	}
}

func TestCompile_StringUnnest(t *testing.T) {
	plan := mustPlan(t, "Patient", []Parameter{
		{Name: "family", Values: []string{"Smith"}},
	}, "")

	sql := plan.CountSQL()
	if !strings.Contains(sql, "jsonb_array_elements(r.resource->'name') AS elem_family") {
		t.Errorf("sql %q missing the name unnest", sql)
	}
	if !strings.Contains(sql, "COALESCE(elem_family->>'family', '') LIKE $1") {
		t.Errorf("sql %q missing the LIKE predicate", sql)
	}
	if plan.CountArgs()[0] != "%Smith%" {
		t.Errorf("expected substring pattern, got %v", plan.CountArgs()[0])
	}
}

func TestCompile_StringExact(t *testing.T) {
	plan := mustPlan(t, "Patient", []Parameter{
		{Name: "family", Modifier: ModifierExact, Values: []string{"Smith"}},
	}, "")

	if !strings.Contains(plan.CountSQL(), "elem_family->>'family' = $1") {
		t.Errorf("unexpected sql %q", plan.CountSQL())
	}
	if plan.CountArgs()[0] != "Smith" {
		t.Errorf("expected exact value, got %v", plan.CountArgs()[0])
	}
}

func TestCompile_StringArrayField(t *testing.T) {
	plan := mustPlan(t, "Patient", []Parameter{
		{Name: "given", Modifier: ModifierExact, Values: []string{"John"}},
	}, "")

	if !strings.Contains(plan.CountSQL(), "elem_given->'given' ? $1") {
		t.Errorf("unexpected sql %q", plan.CountSQL())
	}
}

func TestCompile_MultipleValuesOr(t *testing.T) {
	plan := mustPlan(t, "Observation", []Parameter{
		{Name: "status", Values: []string{"final", "amended"}},
	}, "")

	sql := plan.CountSQL()
	want := "(r.resource#>>'{status}' = $1 OR r.resource#>>'{status}' = $2)"
	if !strings.Contains(sql, want) {
		t.Errorf("sql %q missing OR group %q", sql, want)
	}
}

func TestCompile_MultipleParamsAnd(t *testing.T) {
	plan := mustPlan(t, "Observation", []Parameter{
		{Name: "subject", Values: []string{"p1"}},
		{Name: "status", Values: []string{"final"}},
	}, "")

	if !strings.Contains(plan.CountSQL(), " AND ") {
		t.Errorf("expected AND between parameters: %q", plan.CountSQL())
	}
	if len(plan.CountArgs()) != 2 {
		t.Errorf("expected 2 args, got %d", len(plan.CountArgs()))
	}
}

func TestCompile_UnknownParamIgnored(t *testing.T) {
	plan := mustPlan(t, "Observation", []Parameter{
		{Name: "color", Values: []string{"blue"}},
	}, "")

	if strings.Contains(plan.CountSQL(), "WHERE") {
		t.Errorf("unknown parameter should add no predicate: %q", plan.CountSQL())
	}
}

func TestCompile_NoParamsMatchesAll(t *testing.T) {
	plan := mustPlan(t, "Patient", nil, "")
	if strings.Contains(plan.CountSQL(), "WHERE") {
		t.Errorf("expected unconstrained plan, got %q", plan.CountSQL())
	}
}

func TestCompile_RequiredMissingMatchesNothing(t *testing.T) {
	reg := NewRegistry(&Descriptor{
		Type:  "Observation",
		Table: "observation",
		Params: map[string]ParamDef{
			"patient": {Kind: KindReference, Path: []string{"subject", "reference"}, Required: true},
			"status":  {Kind: KindToken, Path: []string{"status"}},
		},
	})
	desc, _ := reg.Lookup("Observation")

	plan, err := NewCompiler(reg).Compile(desc, []Parameter{
		{Name: "status", Values: []string{"final"}},
	}, "")
	if err != nil {
		t.Fatalf("compile: %v", err)
	}
	if !strings.Contains(plan.CountSQL(), "FALSE") {
		t.Errorf("expected the empty plan, got %q", plan.CountSQL())
	}
}

func TestCompile_RepeatedStringParamSharesUnnest(t *testing.T) {
	plan := mustPlan(t, "Patient", []Parameter{
		{Name: "family", Values: []string{"Smith"}},
		{Name: "family", Values: []string{"Jones"}},
	}, "")

	sql := plan.CountSQL()
	if got := strings.Count(sql, "AS elem_family"); got != 1 {
		t.Fatalf("unnest declared %d times, want 1: %q", got, sql)
	}
	if !strings.Contains(sql, "LIKE $1 AND COALESCE(elem_family->>'family', '') LIKE $2") {
		t.Errorf("sql %q missing the two AND-combined predicates", sql)
	}
	args := plan.CountArgs()
	if len(args) != 2 || args[0] != "%Smith%" || args[1] != "%Jones%" {
		t.Errorf("unexpected args %v", args)
	}
}

func TestCompile_ScalarTokenDropsSystem(t *testing.T) {
	plan := mustPlan(t, "Patient", []Parameter{
		{Name: "gender", Values: []string{"http://hl7.org/fhir/administrative-gender|male"}},
	}, "")

	if !strings.Contains(plan.CountSQL(), "r.resource#>>'{gender}' = $1") {
		t.Errorf("unexpected sql %q", plan.CountSQL())
	}
	// A scalar field stores only the code, so the system part cannot narrow
	// the match and is dropped.
	if plan.CountArgs()[0] != "male" {
		t.Errorf("expected the bare code, got %v", plan.CountArgs()[0])
	}
}

func TestCompile_HostileValuesStayBound(t *testing.T) {
	hostile := `'; DROP TABLE patient; --"` + "\x00"

	cases := []struct {
		name         string
		resourceType string
		params       []Parameter
	}{
		{"string", "Patient", []Parameter{{Name: "family", Values: []string{hostile}}}},
		{"string exact", "Patient", []Parameter{{Name: "family", Modifier: ModifierExact, Values: []string{hostile}}}},
		{"scalar token", "Observation", []Parameter{{Name: "status", Values: []string{hostile}}}},
		{"token coding", "Observation", []Parameter{{Name: "code", Values: []string{hostile}}}},
		{"reference", "Observation", []Parameter{{Name: "subject", Values: []string{hostile}}}},
		{"chain", "Condition", []Parameter{{Name: "asserter", Chain: "family", Values: []string{hostile}}}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			plan := mustPlan(t, tc.resourceType, tc.params, "")
			for _, sql := range []string{plan.CountSQL(), plan.DataSQL()} {
				if strings.Contains(sql, "DROP TABLE") {
					t.Errorf("parameter text leaked into sql: %q", sql)
				}
			}
			if len(plan.CountArgs()) == 0 {
				t.Fatal("expected the value carried as a bind argument")
			}
		})
	}

	t.Run("date rejected", func(t *testing.T) {
		reg := DefaultRegistry()
		desc, _ := reg.Lookup("Encounter")
		_, err := NewCompiler(reg).Compile(desc, []Parameter{
			{Name: "date", Values: []string{hostile}},
		}, "")
		if fhir.KindOf(err) != fhir.KindInvalidParam {
			t.Fatalf("expected invalid-parameter error, got %v", err)
		}
	})
}

func TestCompile_ChainJoin(t *testing.T) {
	plan := mustPlan(t, "Condition", []Parameter{
		{Name: "asserter", Chain: "family", Values: []string{"Smith"}},
	}, "")

	sql := plan.CountSQL()
	if !strings.Contains(sql, "EXISTS (SELECT 1 FROM practitioner ct") {
		t.Errorf("sql %q missing chain subquery", sql)
	}
	if !strings.Contains(sql, "position(ct.id in COALESCE(r.resource#>>'{asserter,reference}', '')) > 0") {
		t.Errorf("sql %q missing id link", sql)
	}
}

func TestCompile_MultiHopChainUnsupported(t *testing.T) {
	reg := DefaultRegistry()
	desc, _ := reg.Lookup("Condition")
	_, err := NewCompiler(reg).Compile(desc, []Parameter{
		{Name: "asserter", Chain: "organization.name", Values: []string{"General"}},
	}, "")
	if !errors.Is(err, ErrUnsupportedChain) {
		t.Fatalf("expected ErrUnsupportedChain, got %v", err)
	}
}

func TestCompile_ChainOnNonReferenceRejected(t *testing.T) {
	reg := DefaultRegistry()
	desc, _ := reg.Lookup("Observation")
	_, err := NewCompiler(reg).Compile(desc, []Parameter{
		{Name: "status", Chain: "name", Values: []string{"x"}},
	}, "")
	if fhir.KindOf(err) != fhir.KindInvalidParam {
		t.Fatalf("expected invalid-parameter error, got %v", err)
	}
}

func TestCompileEmpty(t *testing.T) {
	reg := DefaultRegistry()
	desc, _ := reg.Lookup("Patient")
	plan := NewCompiler(reg).CompileEmpty(desc)
	if !strings.Contains(plan.CountSQL(), "FALSE") {
		t.Errorf("expected FALSE predicate, got %q", plan.CountSQL())
	}
}
