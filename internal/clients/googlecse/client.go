// Package googlecse calls the custom search JSON API, the fallback
// provider when no native SERP credential is available.
package googlecse

import (
	"context"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/hsn0918/serptrack/internal/clients/base"
	"github.com/hsn0918/serptrack/internal/serp"
)

const service = "custom_search"

// cseMaxResults is the hard per-request cap of the custom search API.
const cseMaxResults = 10

// Client 调用自定义搜索 API，凭证由 key + engine id 两部分组成。
type Client struct {
	base *base.Client
}

func NewClient(baseURL string, timeout time.Duration) *Client {
	return &Client{
		base: base.NewClient(service, baseURL, timeout),
	}
}

func (c *Client) Provider() serp.Provider {
	return serp.ProviderCustomSearch
}

// Search runs one keyword lookup. The API caps num at 10, so deep-rank
// queries through this provider only see the first page.
func (c *Client) Search(ctx context.Context, secret, engineID, keyword string, opts serp.Options) ([]byte, http.Header, error) {
	q := keyword
	// The custom search API has no location parameter; geo intent is folded
	// into the query text instead.
	if opts.City != "" {
		q += " " + opts.City
	}
	if opts.State != "" {
		q += " " + opts.State
	}

	num := opts.EffectiveMaxResults()
	if num > cseMaxResults {
		num = cseMaxResults
	}

	query := map[string]string{
		"key":  secret,
		"cx":   engineID,
		"q":    q,
		"num":  strconv.Itoa(num),
		"safe": "off",
	}
	if opts.Country != "" {
		query["gl"] = strings.ToLower(opts.Country)
	}
	if lang := opts.EffectiveLanguage(); lang != "" {
		query["lr"] = "lang_" + lang
	}

	return c.base.Get(ctx, "search", "/customsearch/v1", query)
}
