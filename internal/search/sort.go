package search

import (
	"strings"

	"github.com/vitalfhir/vitalfhir/internal/platform/fhir"
)

// applySort flattens a comma-separated sort specification into ORDER BY
// terms with explicit directions, default ascending. Only parameters the
// descriptor declares sortable participate; with no usable sort the plan
// falls back to storage id order.
func applySort(b *planBuilder, desc *Descriptor, sortSpec string) error {
	if sortSpec == "" {
		return nil
	}

	for _, field := range strings.Split(sortSpec, ",") {
		field = strings.TrimSpace(field)
		if field == "" {
			continue
		}
		descending := false
		if strings.HasPrefix(field, "-") {
			descending = true
			field = field[1:]
		}
		// Chained sort paths flatten to their leading segment.
		if idx := strings.Index(field, "."); idx >= 0 {
			field = field[:idx]
		}
		def, ok := desc.Params[field]
		if !ok {
			return fhir.InvalidParamf("cannot sort by unknown parameter %q", field)
		}
		if def.SortExpr == "" {
			continue
		}
		b.sorts = append(b.sorts, sortTerm{Expr: def.SortExpr, Desc: descending})
	}
	return nil
}
