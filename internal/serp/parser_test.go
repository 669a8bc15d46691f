package serp

import (
	"errors"
	"fmt"
	"reflect"
	"testing"
	"time"
)

func nativePayload(organics string, extra string) []byte {
	body := fmt.Sprintf(`{
		"search_metadata": {"id": "req-123", "total_time_taken": 1.42},
		"search_information": {"total_results": "About 1,240,000 results"},
		"organic_results": [%s]%s
	}`, organics, extra)
	return []byte(body)
}

func organicEntries(n int, withPosition bool) string {
	out := ""
	for i := 1; i <= n; i++ {
		if i > 1 {
			out += ","
		}
		if withPosition {
			out += fmt.Sprintf(`{"position": %d, "link": "https://site%d.net/page", "title": "Site %d"}`, i, i, i)
		} else {
			out += fmt.Sprintf(`{"link": "https://site%d.net/page", "title": "Site %d"}`, i, i)
		}
	}
	return out
}

func TestParseProviderFieldPosition(t *testing.T) {
	// Target at provider position 3, ten organics, two feature blocks.
	organics := `
		{"position": 1, "link": "https://one.net/a", "title": "One"},
		{"position": 2, "link": "https://two.net/b", "title": "Two"},
		{"position": 3, "link": "https://www.example.com/pricing", "title": "Example", "snippet": "s"},
		` + organicEntries(7, true)
	extra := `,
		"ads": [{"a": 1}, {"a": 2}],
		"related_searches": [{"query": "x"}]`
	raw := nativePayload(organics, extra)

	rec, err := Parse("best crm", raw, Options{Domain: "example.com", Country: "US"}, RequestMeta{
		Provider:     ProviderNativeSERP,
		CredentialID: "cred-1",
		ProcessingMS: 812,
	})
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}

	if !rec.Found {
		t.Fatal("expected record to be found")
	}
	if rec.Position == nil || *rec.Position != 3 {
		t.Fatalf("Position = %v, want 3", rec.Position)
	}
	if rec.Validation.Source != SourceProviderField {
		t.Errorf("Source = %q, want provider_field", rec.Validation.Source)
	}
	if rec.Validation.Confidence != 90 {
		t.Errorf("Confidence = %d, want 90", rec.Validation.Confidence)
	}
	if rec.Reliability != ReliabilityHigh {
		t.Errorf("Reliability = %q, want high", rec.Reliability)
	}
	if rec.URL != "https://www.example.com/pricing" {
		t.Errorf("URL = %q", rec.URL)
	}
	if rec.TotalResults != 1_240_000 {
		t.Errorf("TotalResults = %d, want 1240000", rec.TotalResults)
	}
	if rec.OrganicCount != 10 {
		t.Errorf("OrganicCount = %d, want 10", rec.OrganicCount)
	}
	if rec.Metadata.RequestID != "req-123" {
		t.Errorf("RequestID = %q", rec.Metadata.RequestID)
	}
	if len(rec.Competitors) != maxCompetitors {
		t.Errorf("Competitors = %d, want %d", len(rec.Competitors), maxCompetitors)
	}
	if len(rec.Validation.Warnings) != 0 {
		t.Errorf("unexpected warnings: %v", rec.Validation.Warnings)
	}
}

func TestParseFeatureOffsetFallback(t *testing.T) {
	// No provider positions at all. Target sits at array index 2 (one-based),
	// two ads and an answer box push the visible rank down by three.
	organics := `
		{"link": "https://one.net/a", "title": "One"},
		{"link": "https://example.com/landing", "title": "Example"},
		` + organicEntries(8, false)
	extra := `,
		"ads": [{"a": 1}, {"a": 2}],
		"answer_box": {"answer": "42"}`
	raw := nativePayload(organics, extra)

	rec, err := Parse("best crm", raw, Options{Domain: "example.com"}, RequestMeta{Provider: ProviderNativeSERP})
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}

	if rec.Position == nil || *rec.Position != 5 {
		t.Fatalf("Position = %v, want 5 (index 2 + offset 3)", rec.Position)
	}
	if rec.Validation.Source != SourceArrayIndex {
		t.Errorf("Source = %q, want array_index_fallback", rec.Validation.Source)
	}
	if rec.Validation.ArrayIndex != 2 {
		t.Errorf("ArrayIndex = %d, want 2", rec.Validation.ArrayIndex)
	}
	if len(rec.Validation.Warnings) != 1 {
		t.Fatalf("Warnings = %v, want exactly one", rec.Validation.Warnings)
	}
	// 100 - 30 fallback - 10 two feature types - 5 one warning.
	if rec.Validation.Confidence != 55 {
		t.Errorf("Confidence = %d, want 55", rec.Validation.Confidence)
	}
	if rec.Reliability != ReliabilityLow {
		t.Errorf("Reliability = %q, want low", rec.Reliability)
	}
}

func TestParseDomainNotFound(t *testing.T) {
	raw := nativePayload(organicEntries(10, true), "")

	rec, err := Parse("best crm", raw, Options{Domain: "absent.example"}, RequestMeta{Provider: ProviderNativeSERP})
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}

	if rec.Found {
		t.Fatal("expected not found")
	}
	if rec.Position != nil {
		t.Errorf("Position = %v, want nil", rec.Position)
	}
	if rec.Validation.Confidence != 0 {
		t.Errorf("Confidence = %d, want 0", rec.Validation.Confidence)
	}
	if rec.Validation.Source != SourceUnknown {
		t.Errorf("Source = %q, want unknown", rec.Validation.Source)
	}
	if rec.Reliability != ReliabilityLow {
		t.Errorf("Reliability = %q, want low", rec.Reliability)
	}
}

func TestParseEmptyOrganicResults(t *testing.T) {
	raw := []byte(`{
		"search_metadata": {"id": "req-9"},
		"search_information": {"total_results": 0},
		"organic_results": []
	}`)

	rec, err := Parse("obscure phrase", raw, Options{Domain: "example.com"}, RequestMeta{Provider: ProviderNativeSERP})
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	if rec.Found || rec.Position != nil || rec.Validation.Confidence != 0 {
		t.Errorf("empty organics: found=%v position=%v confidence=%d, want false/nil/0",
			rec.Found, rec.Position, rec.Validation.Confidence)
	}
}

func TestParseMissingSearchInformation(t *testing.T) {
	raw := []byte(`{"search_metadata": {"id": "x"}, "organic_results": []}`)
	_, err := Parse("kw", raw, Options{Domain: "example.com"}, RequestMeta{Provider: ProviderNativeSERP})
	if !errors.Is(err, ErrMissingSearchInfo) {
		t.Fatalf("err = %v, want ErrMissingSearchInfo", err)
	}
}

func TestParseMalformedPayload(t *testing.T) {
	_, err := Parse("kw", []byte(`<html>rate limited</html>`), Options{Domain: "example.com"}, RequestMeta{Provider: ProviderNativeSERP})
	if !errors.Is(err, ErrMalformedPayload) {
		t.Fatalf("err = %v, want ErrMalformedPayload", err)
	}
}

func TestParseDeterministic(t *testing.T) {
	organics := `
		{"position": 1, "link": "https://one.net/a", "title": "One"},
		{"position": 2, "link": "https://blog.example.com/post", "title": "Example"}`
	raw := nativePayload(organics, `,"ads": [{"a": 1}]`)
	opts := Options{Domain: "example.com", Country: "DE", Language: "de"}
	meta := RequestMeta{Provider: ProviderNativeSERP, CredentialID: "cred-7"}

	a, err := Parse("kw", raw, opts, meta)
	if err != nil {
		t.Fatalf("first Parse: %v", err)
	}
	b, err := Parse("kw", raw, opts, meta)
	if err != nil {
		t.Fatalf("second Parse: %v", err)
	}

	a.CheckedAt, b.CheckedAt = time.Time{}, time.Time{}
	if !reflect.DeepEqual(a, b) {
		t.Errorf("records differ for identical input:\n%+v\n%+v", a, b)
	}
}

func TestParseCrossVerification(t *testing.T) {
	organics := `
		{"position": 4, "link": "https://example.com/x", "title": "Example"},
		` + organicEntries(9, true)
	raw := nativePayload(organics, `,"ads": [{"a": 1}, {"a": 2}, {"a": 3}]`)

	rec, err := Parse("kw", raw, Options{Domain: "example.com", Verify: true}, RequestMeta{Provider: ProviderNativeSERP})
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	// Reported position 4 vs index 1, discrepancy 3 within three ads + 2.
	if rec.Validation.Source != SourceCrossVerified {
		t.Errorf("Source = %q, want cross_verified", rec.Validation.Source)
	}
	if rec.Validation.VerifiedPosition == nil || *rec.Validation.VerifiedPosition != 4 {
		t.Errorf("VerifiedPosition = %v, want 4", rec.Validation.VerifiedPosition)
	}
}

func TestParsePrefersExactWithPosition(t *testing.T) {
	organics := `
		{"position": 2, "link": "https://blog.example.com/a", "title": "Blog"},
		{"position": 6, "link": "https://example.com/", "title": "Root"}`
	raw := nativePayload(organics, "")

	rec, err := Parse("kw", raw, Options{Domain: "example.com"}, RequestMeta{Provider: ProviderNativeSERP})
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	if rec.Position == nil || *rec.Position != 6 {
		t.Fatalf("Position = %v, want 6 (the stronger domain match wins over the earlier subdomain)", rec.Position)
	}
	if rec.URL != "https://example.com/" {
		t.Errorf("URL = %q", rec.URL)
	}
}

func TestParseCustomSearch(t *testing.T) {
	raw := []byte(`{
		"items": [
			{"title": "One", "link": "https://one.net/a", "snippet": "s1"},
			{"title": "Two", "link": "https://two.net/b", "snippet": "s2"},
			{"title": "Example", "link": "https://www.example.com/c", "snippet": "s3"}
		],
		"searchInformation": {"totalResults": "321000", "searchTime": 0.31}
	}`)

	rec, err := Parse("kw", raw, Options{Domain: "example.com"}, RequestMeta{Provider: ProviderCustomSearch})
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	if rec.Position == nil || *rec.Position != 3 {
		t.Fatalf("Position = %v, want 3", rec.Position)
	}
	if rec.Validation.Source != SourceArrayIndex {
		t.Errorf("Source = %q, want array_index_fallback", rec.Validation.Source)
	}
	if rec.TotalResults != 321000 {
		t.Errorf("TotalResults = %d", rec.TotalResults)
	}
	if len(rec.Competitors) != 3 {
		t.Errorf("Competitors = %d, want 3", len(rec.Competitors))
	}
	if rec.Metadata.Provider != ProviderCustomSearch {
		t.Errorf("Provider = %q", rec.Metadata.Provider)
	}
}

func TestParseCustomSearchError(t *testing.T) {
	raw := []byte(`{"error": {"code": 429, "message": "Quota exceeded"}}`)
	_, err := Parse("kw", raw, Options{Domain: "example.com"}, RequestMeta{Provider: ProviderCustomSearch})
	if err == nil {
		t.Fatal("expected error for error body")
	}
}

func TestExtractCount(t *testing.T) {
	tests := []struct {
		in   string
		want int64
	}{
		{"About 1,240,000 results", 1_240_000},
		{"1240000", 1_240_000},
		{"", 0},
		{"no digits here", 0},
		{"12 of 500", 12},
	}
	for _, tt := range tests {
		if got := extractCount(tt.in); got != tt.want {
			t.Errorf("extractCount(%q) = %d, want %d", tt.in, got, tt.want)
		}
	}
}
