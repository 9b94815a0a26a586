package search

import (
	"strings"
	"time"

	"github.com/vitalfhir/vitalfhir/internal/platform/fhir"
)

// Kind is the matching semantics of a search parameter.
type Kind int

const (
	KindToken Kind = iota
	KindReference
	KindDate
	KindString
	KindComposite
)

func (k Kind) String() string {
	switch k {
	case KindToken:
		return "token"
	case KindReference:
		return "reference"
	case KindDate:
		return "date"
	case KindString:
		return "string"
	case KindComposite:
		return "composite"
	}
	return "unknown"
}

// Modifier narrows string matching.
type Modifier string

const (
	ModifierNone  Modifier = ""
	ModifierExact Modifier = "exact"
)

// Prefix is a date comparison operator.
type Prefix string

const (
	PrefixEq Prefix = "eq"
	PrefixGt Prefix = "gt"
	PrefixGe Prefix = "ge"
	PrefixLt Prefix = "lt"
	PrefixLe Prefix = "le"
)

// sqlOp maps a date prefix to its SQL comparison operator.
func (p Prefix) sqlOp() string {
	switch p {
	case PrefixGt:
		return ">"
	case PrefixGe:
		return ">="
	case PrefixLt:
		return "<"
	case PrefixLe:
		return "<="
	default:
		return "="
	}
}

// Parameter is one inbound search criterion. Values are OR-combined;
// distinct parameters are AND-combined by the compiler.
type Parameter struct {
	Name     string
	Modifier Modifier
	Values   []string
	// Chain is the dotted continuation of a reference parameter
	// (e.g. name for subject.name). Empty for direct matches.
	Chain string
}

// ParseParameterName splits "name:exact" / "subject.name" style raw names.
func ParseParameterName(raw string) (name string, modifier Modifier, chain string) {
	if idx := strings.Index(raw, "."); idx >= 0 {
		chain = raw[idx+1:]
		raw = raw[:idx]
	}
	if idx := strings.Index(raw, ":"); idx >= 0 {
		modifier = Modifier(raw[idx+1:])
		raw = raw[:idx]
	}
	return raw, modifier, chain
}

// ParseDateValue strips the comparison prefix and parses the remainder as a
// timestamp. Date-only and year-month forms are accepted. A value that does
// not parse fails with an invalid-parameter error.
func ParseDateValue(raw string) (Prefix, time.Time, error) {
	prefix := PrefixEq
	if len(raw) >= 2 {
		switch Prefix(strings.ToLower(raw[:2])) {
		case PrefixEq, PrefixGt, PrefixGe, PrefixLt, PrefixLe:
			prefix = Prefix(strings.ToLower(raw[:2]))
			raw = raw[2:]
		}
	}
	for _, layout := range []string{
		time.RFC3339,
		"2006-01-02T15:04:05",
		"2006-01-02",
		"2006-01",
		"2006",
	} {
		if t, err := time.Parse(layout, raw); err == nil {
			return prefix, t, nil
		}
	}
	return prefix, time.Time{}, fhir.InvalidParamf("cannot interpret %q as a date", raw)
}

// SplitToken splits a token value into its system and code parts.
// "sys|code" -> (sys, code); "|code" -> ("", code); "sys|" -> (sys, "");
// "code" -> ("", code) with hasSystem=false.
func SplitToken(value string) (system, code string, hasSystem bool) {
	if idx := strings.Index(value, "|"); idx >= 0 {
		return value[:idx], value[idx+1:], true
	}
	return "", value, false
}

// validate rejects parameter values that cannot be interpreted per kind.
func validateValue(kind Kind, value string) error {
	switch kind {
	case KindDate:
		_, _, err := ParseDateValue(value)
		return err
	case KindToken:
		sys, code, _ := SplitToken(value)
		if sys == "" && code == "" {
			return fhir.InvalidParamf("token value %q has neither system nor code", value)
		}
	}
	if value == "" && kind != KindToken {
		return fhir.InvalidParamf("empty %s parameter value", kind)
	}
	return nil
}
