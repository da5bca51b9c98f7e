package docs

import (
	"sort"
	"strings"

	"securedocs/pkg/domain"
)

// SortMode orders a document list.
type SortMode string

const (
	SortDateDesc SortMode = "date-desc"
	SortDateAsc  SortMode = "date-asc"
	SortNameAsc  SortMode = "name-asc"
	SortNameDesc SortMode = "name-desc"
)

// View is a pure derivation over a document list: category filter,
// case-insensitive substring search on the file name, and sort order.
type View struct {
	Category string
	Search   string
	Sort     SortMode
}

// ApplyView filters and orders a copy of docs. The input is never
// mutated and equal inputs always yield equal outputs.
func ApplyView(docs []domain.Document, v View) []domain.Document {
	out := make([]domain.Document, 0, len(docs))
	search := strings.ToLower(strings.TrimSpace(v.Search))
	for _, d := range docs {
		if v.Category != "" && string(d.Category) != v.Category {
			continue
		}
		if search != "" && !strings.Contains(strings.ToLower(d.FileName), search) {
			continue
		}
		out = append(out, d)
	}

	mode := v.Sort
	if mode == "" {
		mode = SortDateDesc
	}
	sort.SliceStable(out, func(i, j int) bool {
		a, b := out[i], out[j]
		switch mode {
		case SortDateAsc:
			return a.CreatedAt.Before(b.CreatedAt)
		case SortNameAsc:
			return strings.ToLower(a.FileName) < strings.ToLower(b.FileName)
		case SortNameDesc:
			return strings.ToLower(a.FileName) > strings.ToLower(b.FileName)
		default:
			return a.CreatedAt.After(b.CreatedAt)
		}
	})
	return out
}
