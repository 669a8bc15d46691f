// Package serp defines the canonical ranking record and parses provider
// responses into it. Two upstream shapes are supported: the native SERP
// provider (rich result blocks) and the custom search API (flat item list).
package serp

import (
	"strconv"
	"strings"
	"time"
)

// Provider tags which upstream API produced a response.
type Provider string

const (
	ProviderNativeSERP   Provider = "native_serp"
	ProviderCustomSearch Provider = "custom_search"
)

// Device is the emulated device class for a search.
type Device string

const (
	DeviceDesktop Device = "desktop"
	DeviceMobile  Device = "mobile"
	DeviceTablet  Device = "tablet"
)

// DefaultMaxResults is the number of results requested when the caller does
// not specify one. Providers may cap it lower.
const DefaultMaxResults = 100

// Options carries the per-lookup search parameters.
type Options struct {
	Domain     string            `json:"domain"`
	Country    string            `json:"country"`  // ISO-3166 alpha-2
	Language   string            `json:"language"` // ISO-639 alpha-2, default "en"
	City       string            `json:"city,omitempty"`
	State      string            `json:"state,omitempty"`
	PostalCode string            `json:"postal_code,omitempty"`
	Device     Device            `json:"device"`
	MaxResults int               `json:"max_results"`
	Verify     bool              `json:"verify"`
	APIKey     string            `json:"-"`        // user-supplied secret, bypasses the pool
	Provider   Provider          `json:"provider,omitempty"` // optional provider override
	Extra      map[string]string `json:"extra,omitempty"`
}

// EffectiveLanguage returns the language or the "en" default.
func (o Options) EffectiveLanguage() string {
	if o.Language == "" {
		return "en"
	}
	return strings.ToLower(o.Language)
}

// EffectiveDevice returns the device class or the desktop default.
func (o Options) EffectiveDevice() Device {
	if o.Device == "" {
		return DeviceDesktop
	}
	return o.Device
}

// EffectiveMaxResults returns the requested result count or the default.
func (o Options) EffectiveMaxResults() int {
	if o.MaxResults <= 0 {
		return DefaultMaxResults
	}
	return o.MaxResults
}

// PositionSource tags the provenance of a reported position.
type PositionSource string

const (
	SourceProviderField PositionSource = "provider_field"
	SourceArrayIndex    PositionSource = "array_index_fallback"
	SourceCrossVerified PositionSource = "cross_verified"
	SourceUnknown       PositionSource = "unknown"
)

// FeatureType names a non-organic SERP block.
type FeatureType string

const (
	FeatureAds             FeatureType = "ads"
	FeatureFeaturedSnippet FeatureType = "featured_snippet"
	FeatureKnowledgePanel  FeatureType = "knowledge_panel"
	FeatureLocalPack       FeatureType = "local_pack"
	FeatureImages          FeatureType = "images"
	FeatureVideos          FeatureType = "videos"
	FeatureRelatedSearches FeatureType = "related_searches"
	FeaturePeopleAlsoAsk   FeatureType = "people_also_ask"
	FeatureOther           FeatureType = "other"
)

// Feature is one detected SERP feature block.
type Feature struct {
	Type   FeatureType `json:"type"`
	Count  int         `json:"count,omitempty"`
	Anchor string      `json:"anchor,omitempty"`
}

// Validation is the position-provenance sub-record of a ranking record.
type Validation struct {
	OriginalPosition *int           `json:"original_position"`
	VerifiedPosition *int           `json:"verified_position,omitempty"`
	Source           PositionSource `json:"position_source"`
	Confidence       int            `json:"confidence"` // 0..100
	Features         []Feature      `json:"serp_features,omitempty"`
	OrganicCount     int            `json:"organic_count"`
	TotalItems       int            `json:"total_items"`
	Method           string         `json:"validation_method"`
	Warnings         []string       `json:"warnings,omitempty"`
	ArrayIndex       int            `json:"array_index"` // one-based, 0 when unmatched
}

// Competitor is one of the leading organic entries around the target.
type Competitor struct {
	Position int    `json:"position"`
	URL      string `json:"url"`
	Domain   string `json:"domain"`
	Title    string `json:"title,omitempty"`
}

// maxCompetitors caps the competitor list on a ranking record.
const maxCompetitors = 10

// AccountUsage is a provider-reported account quota snapshot, harvested
// from response headers when present.
type AccountUsage struct {
	Used         int `json:"used"`
	Remaining    int `json:"remaining"`
	MonthlyLimit int `json:"monthly_limit"`
}

// Metadata describes how a lookup was executed.
type Metadata struct {
	Provider          Provider      `json:"provider"`
	CredentialID      string        `json:"credential_id,omitempty"`
	RequestID         string        `json:"request_id,omitempty"`
	ProcessingMS      int64         `json:"processing_ms"`
	EngineTimeSeconds float64       `json:"engine_time_seconds,omitempty"`
	AccountUsage      *AccountUsage `json:"account_usage,omitempty"`
	RawRef            string        `json:"raw_ref,omitempty"` // archive object key
}

// Reliability is the coarse quality tag derived from confidence.
type Reliability string

const (
	ReliabilityHigh   Reliability = "high"
	ReliabilityMedium Reliability = "medium"
	ReliabilityLow    Reliability = "low"
)

// ReliabilityFor maps a confidence score onto a reliability tag.
func ReliabilityFor(confidence int) Reliability {
	switch {
	case confidence >= 90:
		return ReliabilityHigh
	case confidence >= 70:
		return ReliabilityMedium
	default:
		return ReliabilityLow
	}
}

// RankingRecord is the canonical, immutable output of one keyword lookup.
type RankingRecord struct {
	ID           string       `json:"id,omitempty"`
	Keyword      string       `json:"keyword"`
	Domain       string       `json:"domain"`
	Position     *int         `json:"position"`
	URL          string       `json:"url,omitempty"`
	Title        string       `json:"title,omitempty"`
	Snippet      string       `json:"snippet,omitempty"`
	Country      string       `json:"country"`
	Language     string       `json:"language"`
	City         string       `json:"city,omitempty"`
	State        string       `json:"state,omitempty"`
	PostalCode   string       `json:"postal_code,omitempty"`
	Device       Device       `json:"device"`
	TotalResults int64        `json:"total_results"`
	OrganicCount int          `json:"organic_count"`
	CheckedAt    time.Time    `json:"checked_at"`
	Found        bool         `json:"found"`
	Validation   Validation   `json:"validation"`
	Metadata     Metadata     `json:"metadata"`
	Competitors  []Competitor `json:"competitors,omitempty"`
	Reliability  Reliability  `json:"reliability"`

	// Raw is the provider payload, retained only when archiving is enabled.
	Raw []byte `json:"-"`
}

// flexCount decodes a result count that providers report either as a number
// or as prose ("About 1,240,000 results"). The first run of digits (commas
// allowed inside the run) is used; anything unusable decodes to zero.
type flexCount int64

func (f *flexCount) UnmarshalJSON(data []byte) error {
	s := strings.Trim(string(data), `"`)
	*f = flexCount(extractCount(s))
	return nil
}

func extractCount(s string) int64 {
	start := -1
	for i, r := range s {
		if r >= '0' && r <= '9' {
			start = i
			break
		}
	}
	if start < 0 {
		return 0
	}
	end := start
	for end < len(s) && (s[end] == ',' || (s[end] >= '0' && s[end] <= '9')) {
		end++
	}
	digits := strings.ReplaceAll(s[start:end], ",", "")
	n, err := strconv.ParseInt(digits, 10, 64)
	if err != nil {
		return 0
	}
	return n
}
