package server

import (
	"errors"
	"strings"

	"github.com/hsn0918/serptrack/internal/bulk"
	"github.com/hsn0918/serptrack/internal/pool"
	"github.com/hsn0918/serptrack/internal/serp"
)

// maxBulkKeywords caps one tracking request.
const maxBulkKeywords = 100

// TrackRequest is the wire form of a tracking request. Keyword and
// Keywords may both be set; they are merged.
type TrackRequest struct {
	Keyword    string   `json:"keyword,omitempty"`
	Keywords   []string `json:"keywords,omitempty"`
	Domain     string   `json:"domain"`
	Country    string   `json:"country,omitempty"`
	Language   string   `json:"language,omitempty"`
	City       string   `json:"city,omitempty"`
	State      string   `json:"state,omitempty"`
	PostalCode string   `json:"postal_code,omitempty"`
	Device     string   `json:"device,omitempty"`
	MaxResults int      `json:"max_results,omitempty"`
	Verify     bool     `json:"verify,omitempty"`
	APIKey     string   `json:"api_key,omitempty"`
	Provider   string   `json:"provider,omitempty"`
}

// Normalize validates the request and produces the keyword list plus the
// canonical lookup options: country upper-cased, language lower-cased,
// device defaulting to desktop.
func (r TrackRequest) Normalize() ([]string, serp.Options, error) {
	var keywords []string
	if kw := strings.TrimSpace(r.Keyword); kw != "" {
		keywords = append(keywords, kw)
	}
	for _, kw := range r.Keywords {
		if kw = strings.TrimSpace(kw); kw != "" {
			keywords = append(keywords, kw)
		}
	}
	if len(keywords) == 0 {
		return nil, serp.Options{}, errors.New("at least one keyword is required")
	}
	if len(keywords) > maxBulkKeywords {
		return nil, serp.Options{}, errors.New("too many keywords in one request")
	}

	domain := strings.TrimSpace(strings.ToLower(r.Domain))
	if domain == "" {
		return nil, serp.Options{}, errors.New("domain is required")
	}

	device := serp.Device(strings.ToLower(strings.TrimSpace(r.Device)))
	switch device {
	case "":
		device = serp.DeviceDesktop
	case serp.DeviceDesktop, serp.DeviceMobile, serp.DeviceTablet:
	default:
		return nil, serp.Options{}, errors.New("device must be desktop, mobile or tablet")
	}

	provider := serp.Provider(strings.ToLower(strings.TrimSpace(r.Provider)))
	switch provider {
	case "", serp.ProviderNativeSERP, serp.ProviderCustomSearch:
	default:
		return nil, serp.Options{}, errors.New("unknown provider")
	}

	opts := serp.Options{
		Domain:     domain,
		Country:    strings.ToUpper(strings.TrimSpace(r.Country)),
		Language:   strings.ToLower(strings.TrimSpace(r.Language)),
		City:       strings.TrimSpace(r.City),
		State:      strings.TrimSpace(r.State),
		PostalCode: strings.TrimSpace(r.PostalCode),
		Device:     device,
		MaxResults: r.MaxResults,
		Verify:     r.Verify,
		APIKey:     strings.TrimSpace(r.APIKey),
		Provider:   provider,
	}
	return keywords, opts, nil
}

// TrackResponse wraps a single-keyword result with a pool snapshot taken
// right after the lookup.
type TrackResponse struct {
	Record    *serp.RankingRecord `json:"record"`
	Insights  *Insights           `json:"insights,omitempty"`
	PoolStats *pool.Stats         `json:"pool_stats,omitempty"`
}

// BulkTrackResponse wraps a multi-keyword run.
type BulkTrackResponse struct {
	Items   []BulkItem   `json:"items"`
	Summary bulk.Summary `json:"summary"`
}

// BulkItem is one keyword outcome with its derived insights.
type BulkItem struct {
	bulk.ItemResult
	Insights *Insights `json:"insights,omitempty"`
}

// CredentialRequest is the wire form for adding or updating a credential.
type CredentialRequest struct {
	Provider     string `json:"provider"`
	Secret       string `json:"secret,omitempty"`
	EngineID     string `json:"engine_id,omitempty"`
	DailyLimit   *int   `json:"daily_limit,omitempty"`
	MonthlyLimit *int   `json:"monthly_limit,omitempty"`
	Priority     *int   `json:"priority,omitempty"`
	Status       string `json:"status,omitempty"`
}

// errorResponse is the uniform error body.
type errorResponse struct {
	Error string `json:"error"`
	Kind  string `json:"kind,omitempty"`
}
