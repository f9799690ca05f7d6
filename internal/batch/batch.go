// internal/batch/batch.go
package batch

import (
	"fmt"

	jsoniter "github.com/json-iterator/go"

	"github.com/xkilldash9x/phpmend/internal/diagnostic"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

// Meta is the pagination metadata carried alongside a page of diagnostics.
type Meta struct {
	Index       int  `json:"index"`
	TotalErrors int  `json:"total_errors"`
	BatchSize   int  `json:"batch_size"`
	HasMore     bool `json:"has_more"`
}

// Batch is one contiguous page of diagnostics grouped by file. Batches are
// recomputed fresh on every Format call and never mutated in place.
type Batch struct {
	Meta Meta `json:"batch"`
	// Files lists the file paths of this page in first-seen order. Go maps do
	// not preserve insertion order, so the ordering lives here.
	Files  []string                           `json:"-"`
	ByFile map[string][]diagnostic.Diagnostic `json:"errors_by_file"`
}

// Format slices the ordered diagnostic sequence into the page at pageIndex,
// grouping by file while preserving first-seen file order and within-file
// diagnostic order. A pageIndex beyond the last page yields an empty batch.
func Format(diags []diagnostic.Diagnostic, pageSize, pageIndex int) (Batch, error) {
	if pageSize <= 0 {
		return Batch{}, fmt.Errorf("page size must be positive, got %d", pageSize)
	}
	if pageIndex < 0 {
		return Batch{}, fmt.Errorf("page index must be non-negative, got %d", pageIndex)
	}

	total := len(diags)
	start := pageIndex * pageSize
	end := start + pageSize
	if start > total {
		start = total
	}
	if end > total {
		end = total
	}
	page := diags[start:end]

	b := Batch{
		Meta: Meta{
			Index:       pageIndex,
			TotalErrors: total,
			BatchSize:   len(page),
			HasMore:     (pageIndex+1)*pageSize < total,
		},
		ByFile: make(map[string][]diagnostic.Diagnostic, len(page)),
	}
	for _, d := range page {
		if _, seen := b.ByFile[d.File]; !seen {
			b.Files = append(b.Files, d.File)
		}
		b.ByFile[d.File] = append(b.ByFile[d.File], d)
	}

	return b, nil
}

// PageCount reports how many pages a sequence of total diagnostics occupies at
// the given page size.
func PageCount(total, pageSize int) int {
	if pageSize <= 0 {
		return 0
	}
	return (total + pageSize - 1) / pageSize
}

// MarshalWire renders the batch in its persisted JSON representation.
func (b Batch) MarshalWire() ([]byte, error) {
	return json.MarshalIndent(b, "", "  ")
}
