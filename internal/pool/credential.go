// Package pool manages the shared search-API credential pool: loading
// credentials from configuration and storage, rotating between them,
// tracking quota consumption and health, and executing keyword lookups
// with retry across credentials.
package pool

import (
	"strings"
	"time"

	"github.com/hsn0918/serptrack/internal/serp"
)

// Origin records where a credential was loaded from.
type Origin string

const (
	OriginConfig   Origin = "config"
	OriginDatabase Origin = "database"
	OriginUser     Origin = "user" // per-request key, never pooled
)

// Status is the lifecycle state of a pooled credential.
type Status string

const (
	StatusActive           Status = "active"
	StatusPaused           Status = "paused"
	StatusExhaustedDaily   Status = "exhausted_daily"
	StatusExhaustedMonthly Status = "exhausted_monthly"
	StatusInvalid          Status = "invalid"
	StatusDisabled         Status = "disabled"
)

// Credential is one pooled provider credential with its quota and health
// bookkeeping. All fields are guarded by the owning Manager's mutex.
type Credential struct {
	ID       string        `json:"id"`
	Provider serp.Provider `json:"provider"`
	Secret   string        `json:"-"`
	EngineID string        `json:"-"`
	Origin   Origin        `json:"origin"`
	Status   Status        `json:"status"`
	Priority int           `json:"priority"`

	DailyLimit   int `json:"daily_limit"`
	MonthlyLimit int `json:"monthly_limit"` // 0 means unlimited
	DailyUsed    int `json:"daily_used"`
	MonthlyUsed  int `json:"monthly_used"`

	// SuccessScore is an exponentially weighted success rate in [0,1],
	// updated after every attempt: s = 0.95*s + 0.05*outcome.
	SuccessScore      float64 `json:"success_score"`
	ErrorCount        int     `json:"error_count"`
	ConsecutiveErrors int     `json:"consecutive_errors"`
	LastError         string  `json:"last_error,omitempty"`

	PausedUntil time.Time `json:"paused_until,omitempty"`
	LastUsedAt  time.Time `json:"last_used_at,omitempty"`
	// MonthlyResetAt records when the monthly counter was last zeroed, so a
	// restart can detect a reset boundary the process slept through.
	MonthlyResetAt time.Time `json:"monthly_reset_at,omitempty"`
	CreatedAt      time.Time `json:"created_at"`
	UpdatedAt      time.Time `json:"updated_at"`
}

// ewmaAlpha is the weight of the newest outcome in the success score.
const ewmaAlpha = 0.05

func (c *Credential) recordOutcome(success bool) {
	outcome := 0.0
	if success {
		outcome = 1.0
		c.ConsecutiveErrors = 0
	} else {
		c.ErrorCount++
		c.ConsecutiveErrors++
	}
	c.SuccessScore = (1-ewmaAlpha)*c.SuccessScore + ewmaAlpha*outcome
}

// Available reports whether the credential can serve a request right now.
// A paused credential whose pause has elapsed counts as available; the
// manager flips the status back on selection.
func (c *Credential) Available(now time.Time) bool {
	switch c.Status {
	case StatusActive:
	case StatusPaused:
		if now.Before(c.PausedUntil) {
			return false
		}
	default:
		return false
	}
	if c.DailyLimit > 0 && c.DailyUsed >= c.DailyLimit {
		return false
	}
	if c.MonthlyLimit > 0 && c.MonthlyUsed >= c.MonthlyLimit {
		return false
	}
	return true
}

// RemainingDaily returns how many requests are left today.
func (c *Credential) RemainingDaily() int {
	if c.DailyLimit <= 0 {
		return 0
	}
	if r := c.DailyLimit - c.DailyUsed; r > 0 {
		return r
	}
	return 0
}

// MaskedSecret returns the secret with all but the edges hidden, for
// logs and API responses.
func (c *Credential) MaskedSecret() string {
	s := c.Secret
	if len(s) <= 8 {
		return strings.Repeat("*", len(s))
	}
	return s[:4] + strings.Repeat("*", 4) + s[len(s)-4:]
}

// placeholderMarkers are substrings identifying template values that were
// never replaced with a real key.
var placeholderMarkers = []string{
	"your_",
	"_here",
	"changeme",
	"change_me",
	"replace_with",
	"example",
	"xxxx",
}

// minSecretLength is the shortest plausible provider key.
const minSecretLength = 32

// ValidSecret rejects placeholder and obviously truncated secrets so a
// template config cannot poison the pool.
func ValidSecret(secret string) bool {
	if len(secret) < minSecretLength {
		return false
	}
	lower := strings.ToLower(secret)
	for _, marker := range placeholderMarkers {
		if strings.Contains(lower, marker) {
			return false
		}
	}
	return true
}
