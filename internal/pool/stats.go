package pool

import (
	"math"
	"time"

	"github.com/hsn0918/serptrack/internal/serp"
)

// HealthBand grades quota pressure on a credential or the whole pool.
type HealthBand string

const (
	HealthHealthy  HealthBand = "healthy"
	HealthWarning  HealthBand = "warning"
	HealthCritical HealthBand = "critical"
)

// Usage thresholds for the health bands.
const (
	warningUsageRatio  = 0.75
	criticalUsageRatio = 0.90
)

// CredentialStats is the per-credential slice of a pool report.
type CredentialStats struct {
	ID                 string        `json:"id"`
	Provider           serp.Provider `json:"provider"`
	MaskedSecret       string        `json:"masked_secret"`
	Origin             Origin        `json:"origin"`
	Status             Status        `json:"status"`
	DailyUsed          int           `json:"daily_used"`
	DailyLimit         int           `json:"daily_limit"`
	MonthlyUsed        int           `json:"monthly_used"`
	MonthlyLimit       int           `json:"monthly_limit"`
	SuccessScore       float64       `json:"success_score"`
	ErrorCount         int           `json:"error_count"`
	Health             HealthBand    `json:"health"`
	ExhaustionETAHours float64       `json:"exhaustion_eta_hours,omitempty"`
	LastUsedAt         time.Time     `json:"last_used_at,omitempty"`
}

// Stats is the aggregate pool report.
type Stats struct {
	Total           int               `json:"total"`
	Available       int               `json:"available"`
	Paused          int               `json:"paused"`
	Exhausted       int               `json:"exhausted"`
	Invalid         int               `json:"invalid"`
	DailyUsed       int               `json:"daily_used"`
	DailyCapacity   int               `json:"daily_capacity"`
	Health          HealthBand        `json:"health"`
	Credentials     []CredentialStats `json:"credentials"`
	GeneratedAt     time.Time         `json:"generated_at"`
}

// Stats builds a point-in-time pool report with per-credential health and
// a projected time to daily exhaustion based on today's burn rate.
func (m *Manager) Stats() Stats {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := m.now()
	report := Stats{GeneratedAt: now}

	for _, c := range m.creds {
		report.Total++
		report.DailyUsed += c.DailyUsed
		report.DailyCapacity += c.DailyLimit

		switch {
		case c.Available(now):
			report.Available++
		case c.Status == StatusPaused:
			report.Paused++
		case c.Status == StatusExhaustedDaily || c.Status == StatusExhaustedMonthly:
			report.Exhausted++
		case c.Status == StatusInvalid:
			report.Invalid++
		}

		report.Credentials = append(report.Credentials, CredentialStats{
			ID:                 c.ID,
			Provider:           c.Provider,
			MaskedSecret:       c.MaskedSecret(),
			Origin:             c.Origin,
			Status:             c.Status,
			DailyUsed:          c.DailyUsed,
			DailyLimit:         c.DailyLimit,
			MonthlyUsed:        c.MonthlyUsed,
			MonthlyLimit:       c.MonthlyLimit,
			SuccessScore:       math.Round(c.SuccessScore*1000) / 1000,
			ErrorCount:         c.ErrorCount,
			Health:             credentialHealth(c),
			ExhaustionETAHours: exhaustionETA(c, now),
			LastUsedAt:         c.LastUsedAt,
		})
	}

	report.Health = poolHealth(report)
	return report
}

func credentialHealth(c *Credential) HealthBand {
	if c.Status == StatusInvalid || c.Status == StatusDisabled {
		return HealthCritical
	}
	if c.DailyLimit <= 0 {
		return HealthHealthy
	}
	ratio := float64(c.DailyUsed) / float64(c.DailyLimit)
	switch {
	case ratio >= criticalUsageRatio:
		return HealthCritical
	case ratio >= warningUsageRatio:
		return HealthWarning
	default:
		return HealthHealthy
	}
}

// exhaustionETA projects hours until the daily quota runs out, assuming
// today's average burn rate continues. Zero means no projection.
func exhaustionETA(c *Credential, now time.Time) float64 {
	if c.DailyLimit <= 0 || c.DailyUsed <= 0 {
		return 0
	}
	remaining := c.DailyLimit - c.DailyUsed
	if remaining <= 0 {
		return 0
	}
	midnight := time.Date(now.Year(), now.Month(), now.Day(), 0, 0, 0, 0, now.Location())
	hours := now.Sub(midnight).Hours()
	if hours < 0.1 {
		return 0
	}
	rate := float64(c.DailyUsed) / hours
	return math.Round(float64(remaining)/rate*10) / 10
}

func poolHealth(s Stats) HealthBand {
	if s.Total == 0 {
		return HealthCritical
	}
	ratio := float64(s.Available) / float64(s.Total)
	switch {
	case ratio == 0:
		return HealthCritical
	case ratio < 0.5:
		return HealthWarning
	default:
		return HealthHealthy
	}
}
