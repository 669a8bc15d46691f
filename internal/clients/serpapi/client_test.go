package serpapi

import (
	"net/http"
	"testing"

	"github.com/hsn0918/serptrack/internal/serp"
)

func TestSearchParams(t *testing.T) {
	query := searchParams("secret-key", "coffee beans", serp.Options{
		Country:  "US",
		Language: "EN",
	})

	// The provider expects a lowercase alpha-2 country code.
	if got := query["gl"]; got != "us" {
		t.Errorf("gl = %q, want %q", got, "us")
	}
	if got := query["hl"]; got != "en" {
		t.Errorf("hl = %q, want %q", got, "en")
	}
	// Device is always explicit so desktop and mobile results stay
	// distinguishable in the provider's cache.
	if got := query["device"]; got != "desktop" {
		t.Errorf("device = %q, want %q", got, "desktop")
	}
	if got := query["q"]; got != "coffee beans" {
		t.Errorf("q = %q, want the keyword", got)
	}
	if got := query["num"]; got != "100" {
		t.Errorf("num = %q, want %q", got, "100")
	}
}

func TestSearchParamsMobileDevice(t *testing.T) {
	query := searchParams("secret-key", "coffee", serp.Options{Device: serp.DeviceMobile})
	if got := query["device"]; got != "mobile" {
		t.Errorf("device = %q, want %q", got, "mobile")
	}
	if _, ok := query["gl"]; ok {
		t.Error("gl set without a country")
	}
}

func TestBuildLocation(t *testing.T) {
	tests := []struct {
		name string
		opts serp.Options
		want string
	}{
		{
			name: "country only",
			opts: serp.Options{Country: "de"},
			want: "Germany",
		},
		{
			name: "city state country",
			opts: serp.Options{City: "Austin", State: "Texas", Country: "US"},
			want: "Austin,Texas,United States",
		},
		{
			name: "postal narrows city",
			opts: serp.Options{City: "Austin", PostalCode: "78701", State: "Texas", Country: "US"},
			want: "Austin,78701,Texas,United States",
		},
		{
			name: "postal without city",
			opts: serp.Options{PostalCode: "10115", Country: "DE"},
			want: "10115,Germany",
		},
		{
			name: "unmapped country passes through",
			opts: serp.Options{City: "Reykjavik", Country: "is"},
			want: "Reykjavik,IS",
		},
		{
			name: "empty",
			opts: serp.Options{},
			want: "",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := BuildLocation(tt.opts); got != tt.want {
				t.Errorf("BuildLocation = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestUsageFromHeaders(t *testing.T) {
	h := http.Header{}
	h.Set("X-Searches-Used", "42")
	h.Set("X-Searches-Remaining", "58")
	h.Set("X-Monthly-Limit", "100")

	usage := UsageFromHeaders(h)
	if usage == nil {
		t.Fatal("usage = nil, want parsed counters")
	}
	if usage.Used != 42 || usage.Remaining != 58 || usage.MonthlyLimit != 100 {
		t.Errorf("usage = %+v, want 42/58/100", usage)
	}

	if got := UsageFromHeaders(http.Header{}); got != nil {
		t.Errorf("usage without headers = %+v, want nil", got)
	}
}
