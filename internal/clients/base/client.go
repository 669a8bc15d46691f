// Package base provides shared HTTP client infrastructure for upstream
// search providers: a resty client with sane defaults and a typed error
// that classifies provider failures.
package base

import (
	"context"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/go-resty/resty/v2"
)

// Kind classifies a provider failure for retry and credential bookkeeping.
type Kind string

const (
	KindInvalidRequest Kind = "invalid_request"
	KindUnauthorized   Kind = "unauthorized"
	KindQuotaExceeded  Kind = "quota_exceeded"
	KindRateLimited    Kind = "rate_limited"
	KindTimeout        Kind = "timeout"
	KindNetworkError   Kind = "network_error"
	KindParseError     Kind = "parse_error"
	KindAllExhausted   Kind = "all_exhausted"
	KindUnknown        Kind = "unknown"
)

// Retryable reports whether a failure of this kind may succeed on another
// credential. Invalid requests fail identically everywhere.
func (k Kind) Retryable() bool {
	return k != KindInvalidRequest
}

// ClientError 封装上游服务调用错误，携带分类标签供凭证池决策。
type ClientError struct {
	Op         string
	Service    string
	StatusCode int
	Kind       Kind
	Err        error
}

func (e *ClientError) Error() string {
	if e.StatusCode > 0 {
		return fmt.Sprintf("%s: %s failed with status %d (%s): %v", e.Service, e.Op, e.StatusCode, e.Kind, e.Err)
	}
	return fmt.Sprintf("%s: %s failed (%s): %v", e.Service, e.Op, e.Kind, e.Err)
}

func (e *ClientError) Unwrap() error {
	return e.Err
}

// NewClientError 创建分类后的客户端错误。
func NewClientError(op, service string, statusCode int, kind Kind, err error) *ClientError {
	return &ClientError{
		Op:         op,
		Service:    service,
		StatusCode: statusCode,
		Kind:       kind,
		Err:        err,
	}
}

// Client 是上游搜索服务的基础 HTTP 客户端。
type Client struct {
	resty   *resty.Client
	service string
}

// NewClient builds a resty client for one upstream service. The timeout
// bounds a single request attempt; retries across credentials are handled
// a layer up.
func NewClient(service, baseURL string, timeout time.Duration) *Client {
	client := resty.New().
		SetBaseURL(baseURL).
		SetTimeout(timeout).
		SetHeader("Accept", "application/json").
		SetHeader("User-Agent", "serptrack/1.0")

	return &Client{
		resty:   client,
		service: service,
	}
}

// Get issues a GET with query parameters and returns the raw body plus the
// response headers. Non-2xx statuses come back as a classified ClientError.
func (c *Client) Get(ctx context.Context, op, path string, query map[string]string) ([]byte, http.Header, error) {
	resp, err := c.resty.R().
		SetContext(ctx).
		SetQueryParams(query).
		Get(path)
	if err != nil {
		return nil, nil, NewClientError(op, c.service, 0, classifyTransportError(err), err)
	}

	if resp.IsError() {
		kind := ClassifyStatus(resp.StatusCode(), string(resp.Body()))
		return resp.Body(), resp.Header(), NewClientError(op, c.service, resp.StatusCode(), kind,
			fmt.Errorf("unexpected status %s", resp.Status()))
	}

	return resp.Body(), resp.Header(), nil
}

// ClassifyStatus maps an HTTP status and response body onto a failure kind.
// Providers are inconsistent: quota exhaustion shows up as 401, 403 or 429
// depending on the service, so the body text is consulted as a tie-breaker.
func ClassifyStatus(status int, body string) Kind {
	lower := strings.ToLower(body)
	quotaWorded := strings.Contains(lower, "quota") ||
		strings.Contains(lower, "limit") ||
		strings.Contains(lower, "exceeded") ||
		strings.Contains(lower, "used up")
	rateWorded := strings.Contains(lower, "rate limit") ||
		strings.Contains(lower, "too many")

	switch {
	case status == http.StatusTooManyRequests:
		if quotaWorded && !rateWorded {
			return KindQuotaExceeded
		}
		return KindRateLimited
	case status == http.StatusUnauthorized:
		if quotaWorded {
			return KindQuotaExceeded
		}
		return KindUnauthorized
	case status == http.StatusForbidden:
		if quotaWorded {
			return KindQuotaExceeded
		}
		return KindUnauthorized
	case status == http.StatusBadRequest:
		return KindInvalidRequest
	case status == http.StatusRequestTimeout || status == http.StatusGatewayTimeout:
		return KindTimeout
	case status >= 500:
		return KindNetworkError
	case rateWorded:
		return KindRateLimited
	case quotaWorded:
		return KindQuotaExceeded
	default:
		return KindUnknown
	}
}

func classifyTransportError(err error) Kind {
	msg := strings.ToLower(err.Error())
	switch {
	case strings.Contains(msg, "context deadline exceeded"), strings.Contains(msg, "timeout"):
		return KindTimeout
	case strings.Contains(msg, "connection refused"),
		strings.Contains(msg, "no such host"),
		strings.Contains(msg, "connection reset"),
		strings.Contains(msg, "eof"):
		return KindNetworkError
	default:
		return KindNetworkError
	}
}
