package server

import (
	"fmt"

	"github.com/hsn0918/serptrack/internal/serp"
)

// Insights is a human-readable interpretation of a ranking record.
type Insights struct {
	Band    string `json:"band"`
	Summary string `json:"summary"`
	Note    string `json:"note,omitempty"`
}

// buildInsights derives the position band and a confidence note from a
// record. Nil records (failed lookups) yield nil.
func buildInsights(rec *serp.RankingRecord) *Insights {
	if rec == nil {
		return nil
	}

	ins := &Insights{}
	switch {
	case !rec.Found || rec.Position == nil:
		ins.Band = "not_found"
		ins.Summary = fmt.Sprintf("%q does not rank in the first %d results for %q", rec.Domain, rec.OrganicCount, rec.Keyword)
	case *rec.Position <= 10:
		ins.Band = "first_page"
		ins.Summary = fmt.Sprintf("%q ranks #%d for %q, on the first page", rec.Domain, *rec.Position, rec.Keyword)
	case *rec.Position <= 20:
		ins.Band = "second_page"
		ins.Summary = fmt.Sprintf("%q ranks #%d for %q, on the second page", rec.Domain, *rec.Position, rec.Keyword)
	case *rec.Position <= 50:
		ins.Band = "top_fifty"
		ins.Summary = fmt.Sprintf("%q ranks #%d for %q", rec.Domain, *rec.Position, rec.Keyword)
	default:
		ins.Band = "beyond_fifty"
		ins.Summary = fmt.Sprintf("%q ranks #%d for %q, outside the top fifty", rec.Domain, *rec.Position, rec.Keyword)
	}

	switch conf := rec.Validation.Confidence; {
	case rec.Found && conf < 40:
		ins.Note = "position derived with low confidence, treat as approximate"
	case rec.Found && conf < 70:
		ins.Note = "position confidence is moderate"
	}
	return ins
}
