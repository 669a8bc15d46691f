package domain_test

import (
	"testing"

	"github.com/hsn0918/serptrack/internal/domain"
)

func TestMatchLadder(t *testing.T) {
	tests := []struct {
		name       string
		a, b       string
		wantType   domain.MatchType
		confidence int
	}{
		{
			name:       "identical raw strings",
			a:          "example.com",
			b:          "example.com",
			wantType:   domain.MatchExact,
			confidence: 100,
		},
		{
			name:       "www stripped",
			a:          "www.example.com",
			b:          "example.com",
			wantType:   domain.MatchNormalized,
			confidence: 95,
		},
		{
			name:       "scheme and path stripped",
			a:          "https://example.com/pricing?ref=x",
			b:          "example.com",
			wantType:   domain.MatchNormalized,
			confidence: 95,
		},
		{
			name:       "plural tolerated",
			a:          "companies.co",
			b:          "company.co",
			wantType:   domain.MatchNormalized,
			confidence: 93,
		},
		{
			name:       "subdomain of target",
			a:          "blog.example.com",
			b:          "example.com",
			wantType:   domain.MatchSubdomain,
			confidence: 85,
		},
		{
			name:       "shared registrable domain",
			a:          "shop.example.com",
			b:          "blog.example.com",
			wantType:   domain.MatchMainDomain,
			confidence: 90,
		},
		{
			name:       "unrelated domains",
			a:          "example.com",
			b:          "other.net",
			wantType:   domain.MatchNone,
			confidence: 0,
		},
		{
			name:       "mobile prefix stripped",
			a:          "m.example.com",
			b:          "example.com",
			wantType:   domain.MatchNormalized,
			confidence: 95,
		},
		{
			name:       "numbered www stripped",
			a:          "www2.example.com",
			b:          "example.com",
			wantType:   domain.MatchNormalized,
			confidence: 95,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := domain.Match(tt.a, tt.b)
			if got.Type != tt.wantType {
				t.Errorf("Match(%q, %q).Type = %q, want %q", tt.a, tt.b, got.Type, tt.wantType)
			}
			if got.Confidence != tt.confidence {
				t.Errorf("Match(%q, %q).Confidence = %d, want %d", tt.a, tt.b, got.Confidence, tt.confidence)
			}
			if got.Matched != (tt.wantType != domain.MatchNone) {
				t.Errorf("Match(%q, %q).Matched = %v with type %q", tt.a, tt.b, got.Matched, got.Type)
			}
		})
	}
}

func TestMatchCommutative(t *testing.T) {
	pairs := [][2]string{
		{"example.com", "www.example.com"},
		{"blog.example.com", "example.com"},
		{"companies.co", "company.co"},
		{"example.com", "other.net"},
	}
	for _, p := range pairs {
		ab := domain.Match(p[0], p[1])
		ba := domain.Match(p[1], p[0])
		if ab.Matched != ba.Matched {
			t.Errorf("Match(%q,%q).Matched=%v but reversed=%v", p[0], p[1], ab.Matched, ba.Matched)
		}
		if ab.Confidence != ba.Confidence {
			t.Errorf("Match(%q,%q).Confidence=%d but reversed=%d", p[0], p[1], ab.Confidence, ba.Confidence)
		}
	}
}

func TestMatchSelfIsExact(t *testing.T) {
	for _, s := range []string{"example.com", "https://x.y", "weird string with spaces"} {
		got := domain.Match(s, s)
		if got.Type != domain.MatchExact || got.Confidence != 100 {
			t.Errorf("Match(%q, same) = %q/%d, want exact/100", s, got.Type, got.Confidence)
		}
	}
}

func TestMatchEmptyInputs(t *testing.T) {
	for _, pair := range [][2]string{{"", "example.com"}, {"example.com", ""}, {"", ""}} {
		got := domain.Match(pair[0], pair[1])
		if got.Matched || got.Confidence != 0 || got.Type != domain.MatchNone {
			t.Errorf("Match(%q, %q) = %+v, want none/0", pair[0], pair[1], got)
		}
	}
}

func TestExtractDomain(t *testing.T) {
	tests := []struct {
		raw  string
		want string
	}{
		{"https://www.example.com/a/b?q=1", "example.com"},
		{"http://shop.example.co.uk:8080/", "shop.example.co.uk"},
		{"example.com", "example.com"},
		{"not a url at all", ""},
		{"", ""},
		{"https://", ""},
	}
	for _, tt := range tests {
		if got := domain.ExtractDomain(tt.raw); got != tt.want {
			t.Errorf("ExtractDomain(%q) = %q, want %q", tt.raw, got, tt.want)
		}
	}
}

func TestNormalizeTrailingDots(t *testing.T) {
	if got := domain.Normalize("Example.COM."); got != "example.com" {
		t.Errorf("Normalize trailing dot = %q", got)
	}
}
