// Package serpapi calls the native SERP provider API.
package serpapi

import (
	"context"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/hsn0918/serptrack/internal/clients/base"
	"github.com/hsn0918/serptrack/internal/serp"
)

const service = "serpapi"

// Client 调用原生 SERP 服务，一次请求消耗一个搜索配额。
type Client struct {
	base *base.Client
}

func NewClient(baseURL string, timeout time.Duration) *Client {
	return &Client{
		base: base.NewClient(service, baseURL, timeout),
	}
}

// Provider reports which payload shape this client produces.
func (c *Client) Provider() serp.Provider {
	return serp.ProviderNativeSERP
}

// Search runs one keyword lookup. engineID is unused for this provider.
// The returned body is the raw provider payload for the parser; headers
// carry account usage counters when the provider reports them.
func (c *Client) Search(ctx context.Context, secret, engineID, keyword string, opts serp.Options) ([]byte, http.Header, error) {
	return c.base.Get(ctx, "search", "/search.json", searchParams(secret, keyword, opts))
}

// searchParams builds the provider query. gl must be lowercase alpha-2 and
// device is always explicit, including desktop.
func searchParams(secret, keyword string, opts serp.Options) map[string]string {
	query := map[string]string{
		"engine":   "google",
		"q":        keyword,
		"api_key":  secret,
		"num":      strconv.Itoa(opts.EffectiveMaxResults()),
		"start":    "0",
		"hl":       opts.EffectiveLanguage(),
		"safe":     "off",
		"filter":   "0",
		"no_cache": "true",
		"device":   string(opts.EffectiveDevice()),
	}
	if opts.Country != "" {
		query["gl"] = strings.ToLower(opts.Country)
	}
	if loc := BuildLocation(opts); loc != "" {
		query["location"] = loc
	}
	for k, v := range opts.Extra {
		query[k] = v
	}
	return query
}

// UsageFromHeaders harvests account quota counters from provider response
// headers. Returns nil when the provider sent none.
func UsageFromHeaders(h http.Header) *serp.AccountUsage {
	if h == nil {
		return nil
	}
	used := headerInt(h, "X-Searches-Used", "X-Api-Usage")
	remaining := headerInt(h, "X-Searches-Remaining")
	monthly := headerInt(h, "X-Monthly-Limit")
	if used < 0 && remaining < 0 && monthly < 0 {
		return nil
	}
	usage := &serp.AccountUsage{}
	if used >= 0 {
		usage.Used = used
	}
	if remaining >= 0 {
		usage.Remaining = remaining
	}
	if monthly >= 0 {
		usage.MonthlyLimit = monthly
	}
	return usage
}

func headerInt(h http.Header, names ...string) int {
	for _, name := range names {
		if v := h.Get(name); v != "" {
			if n, err := strconv.Atoi(v); err == nil {
				return n
			}
		}
	}
	return -1
}
