package api

import (
	"github.com/openredact/clinical/internal/models"
	"github.com/openredact/clinical/internal/service"
)

// Responses report start and end as code-point offsets. Internally they are
// byte offsets into the UTF-8 text.

// charIndex maps a byte offset at a rune boundary to its code-point offset.
type charIndex []int

func newCharIndex(text string) charIndex {
	idx := make(charIndex, len(text)+1)
	n := 0
	for i := range text {
		idx[i] = n
		n++
	}
	idx[len(text)] = n
	return idx
}

func (c charIndex) at(offset int) int {
	if offset < 0 || offset >= len(c) {
		return offset
	}
	return c[offset]
}

func charDetection(d *service.Detection) *service.Detection {
	idx := newCharIndex(d.Text)
	out := *d
	out.Entities = make([]models.Entity, len(d.Entities))
	for i, e := range d.Entities {
		e.Start, e.End = idx.at(e.Start), idx.at(e.End)
		out.Entities[i] = e
	}
	return &out
}

func charResult(r *models.Result) *models.Result {
	if r == nil {
		return nil
	}
	idx := newCharIndex(r.OriginalText)
	out := *r
	out.Replacements = make([]models.Replacement, len(r.Replacements))
	for i, rep := range r.Replacements {
		rep.Start, rep.End = idx.at(rep.Start), idx.at(rep.End)
		out.Replacements[i] = rep
	}
	return &out
}

func charBatch(items []service.BatchItem) []service.BatchItem {
	out := make([]service.BatchItem, len(items))
	for i, item := range items {
		item.Result = charResult(item.Result)
		out[i] = item
	}
	return out
}

func charJobResult(r *models.JobResult) *models.JobResult {
	out := *r
	out.Result = charResult(r.Result)
	return &out
}
