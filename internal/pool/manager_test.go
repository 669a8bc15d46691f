package pool

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"testing"
	"time"

	"github.com/hsn0918/serptrack/internal/clients/base"
	"github.com/hsn0918/serptrack/internal/config"
	"github.com/hsn0918/serptrack/internal/serp"
)

const goodPayload = `{
	"search_metadata": {"id": "req-1"},
	"search_information": {"total_results": 1000},
	"organic_results": [
		{"position": 1, "link": "https://example.com/", "title": "Example"}
	]
}`

// fakeClient scripts per-secret outcomes.
type fakeClient struct {
	provider serp.Provider
	mu       sync.Mutex
	failures map[string]*base.ClientError // secret -> scripted error
	calls    []string                     // secrets in call order
}

func (f *fakeClient) Provider() serp.Provider { return f.provider }

func (f *fakeClient) Search(_ context.Context, secret, _, _ string, _ serp.Options) ([]byte, http.Header, error) {
	f.mu.Lock()
	f.calls = append(f.calls, secret)
	scripted := f.failures[secret]
	f.mu.Unlock()
	if scripted != nil {
		return nil, nil, scripted
	}
	return []byte(goodPayload), http.Header{}, nil
}

// memStore is an in-memory Store.
type memStore struct {
	mu    sync.Mutex
	creds map[string]*Credential
}

func newMemStore() *memStore {
	return &memStore{creds: make(map[string]*Credential)}
}

func (s *memStore) LoadCredentials(context.Context) ([]*Credential, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]*Credential, 0, len(s.creds))
	for _, c := range s.creds {
		cp := *c
		out = append(out, &cp)
	}
	return out, nil
}

func (s *memStore) SaveCredential(_ context.Context, c *Credential) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *c
	s.creds[c.ID] = &cp
	return nil
}

func (s *memStore) SaveUsage(_ context.Context, c *Credential) error {
	return s.SaveCredential(context.Background(), c)
}

func (s *memStore) DeleteCredential(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.creds, id)
	return nil
}

func (s *memStore) ResetDailyUsage(context.Context) error   { return nil }
func (s *memStore) ResetMonthlyUsage(context.Context) error { return nil }

func testPoolConfig() config.PoolConfig {
	return config.PoolConfig{
		Strategy:         "priority",
		RequestTimeoutMS: 1000,
		MaxRetries:       3,
		PauseMS:          50,
	}
}

func secretN(n int) string {
	return fmt.Sprintf("secret-%02d-%s", n, "abcdefghijklmnopqrstuvwxyz012345")
}

func newTestManager(t *testing.T, client *fakeClient, secrets int) *Manager {
	t.Helper()
	m := NewManager(testPoolConfig(), []SearchClient{client}, newMemStore(), nil, nil)
	var entries []config.CredentialEntry
	for i := 1; i <= secrets; i++ {
		entries = append(entries, config.CredentialEntry{
			Secret:     secretN(i),
			DailyLimit: 100,
		})
	}
	var serpEntries, cseEntries []config.CredentialEntry
	if client.provider == serp.ProviderNativeSERP {
		serpEntries = entries
	} else {
		for i := range entries {
			entries[i].EngineID = "engine-1"
		}
		cseEntries = entries
	}
	if err := m.Init(context.Background(), serpEntries, cseEntries); err != nil {
		t.Fatalf("Init: %v", err)
	}
	return m
}

func TestTrackSuccess(t *testing.T) {
	client := &fakeClient{provider: serp.ProviderNativeSERP}
	m := newTestManager(t, client, 1)

	rec, err := m.Track(context.Background(), "kw", serp.Options{Domain: "example.com"})
	if err != nil {
		t.Fatalf("Track: %v", err)
	}
	if rec.ID == "" {
		t.Error("record id not assigned")
	}
	if rec.Position == nil || *rec.Position != 1 {
		t.Errorf("Position = %v, want 1", rec.Position)
	}
	if rec.Metadata.CredentialID == "" {
		t.Error("credential id not stamped")
	}

	creds := m.Credentials()
	if creds[0].DailyUsed != 1 || creds[0].MonthlyUsed != 1 {
		t.Errorf("usage = %d/%d, want 1/1", creds[0].DailyUsed, creds[0].MonthlyUsed)
	}
}

func TestTrackRotatesOnQuotaError(t *testing.T) {
	client := &fakeClient{
		provider: serp.ProviderNativeSERP,
		failures: map[string]*base.ClientError{
			secretN(1): base.NewClientError("search", "serpapi", 429, base.KindQuotaExceeded, errors.New("quota")),
		},
	}
	m := newTestManager(t, client, 2)

	rec, err := m.Track(context.Background(), "kw", serp.Options{Domain: "example.com"})
	if err != nil {
		t.Fatalf("Track: %v", err)
	}
	if rec == nil || !rec.Found {
		t.Fatal("expected success on second credential")
	}
	if len(client.calls) != 2 {
		t.Fatalf("calls = %d, want 2", len(client.calls))
	}

	for _, c := range m.Credentials() {
		if c.Secret == secretN(1) && c.Status != StatusExhaustedDaily {
			t.Errorf("failed credential status = %q, want exhausted_daily", c.Status)
		}
	}
}

func TestTrackAllExhausted(t *testing.T) {
	client := &fakeClient{
		provider: serp.ProviderNativeSERP,
		failures: map[string]*base.ClientError{
			secretN(1): base.NewClientError("search", "serpapi", 429, base.KindQuotaExceeded, errors.New("quota")),
			secretN(2): base.NewClientError("search", "serpapi", 429, base.KindQuotaExceeded, errors.New("quota")),
		},
	}
	m := newTestManager(t, client, 2)

	_, err := m.Track(context.Background(), "kw", serp.Options{Domain: "example.com"})
	var te *TrackError
	if !errors.As(err, &te) {
		t.Fatalf("err = %v, want TrackError", err)
	}
	if te.Kind != base.KindQuotaExceeded {
		t.Errorf("Kind = %q, want quota_exceeded", te.Kind)
	}
	if te.CredentialID == "" {
		t.Error("terminal error missing the last credential id")
	}
}

func TestTrackDoesNotRetryInvalidRequest(t *testing.T) {
	client := &fakeClient{
		provider: serp.ProviderNativeSERP,
		failures: map[string]*base.ClientError{
			secretN(1): base.NewClientError("search", "serpapi", 400, base.KindInvalidRequest, errors.New("bad q")),
			secretN(2): base.NewClientError("search", "serpapi", 400, base.KindInvalidRequest, errors.New("bad q")),
		},
	}
	m := newTestManager(t, client, 2)

	_, err := m.Track(context.Background(), "kw", serp.Options{Domain: "example.com"})
	if err == nil {
		t.Fatal("expected error")
	}
	if len(client.calls) != 1 {
		t.Errorf("calls = %d, want 1 (invalid requests must not rotate)", len(client.calls))
	}
}

func TestRateLimitPausesAndResumes(t *testing.T) {
	client := &fakeClient{
		provider: serp.ProviderNativeSERP,
		failures: map[string]*base.ClientError{
			secretN(1): base.NewClientError("search", "serpapi", 429, base.KindRateLimited, errors.New("slow down")),
		},
	}
	m := newTestManager(t, client, 1)

	_, err := m.Track(context.Background(), "kw", serp.Options{Domain: "example.com"})
	if err == nil {
		t.Fatal("expected failure")
	}
	if got := m.Credentials()[0].Status; got != StatusPaused {
		t.Fatalf("status = %q, want paused", got)
	}

	// Pause is 50ms in the test config; the AfterFunc timer reactivates.
	time.Sleep(120 * time.Millisecond)
	if got := m.Credentials()[0].Status; got != StatusActive {
		t.Errorf("status after pause = %q, want active", got)
	}
}

func TestUnauthorizedMarksInvalid(t *testing.T) {
	client := &fakeClient{
		provider: serp.ProviderNativeSERP,
		failures: map[string]*base.ClientError{
			secretN(1): base.NewClientError("search", "serpapi", 401, base.KindUnauthorized, errors.New("bad key")),
		},
	}
	m := newTestManager(t, client, 1)

	_, _ = m.Track(context.Background(), "kw", serp.Options{Domain: "example.com"})
	if got := m.Credentials()[0].Status; got != StatusInvalid {
		t.Errorf("status = %q, want invalid", got)
	}
}

func TestUserKeyBypassesPool(t *testing.T) {
	client := &fakeClient{provider: serp.ProviderNativeSERP}
	m := newTestManager(t, client, 1)

	rec, err := m.Track(context.Background(), "kw", serp.Options{
		Domain: "example.com",
		APIKey: "user-supplied-key-abcdefghijklmnop",
	})
	if err != nil {
		t.Fatalf("Track: %v", err)
	}
	if rec.Metadata.CredentialID != "" {
		t.Error("user-key lookup must not reference a pooled credential")
	}
	if got := m.Credentials()[0].DailyUsed; got != 0 {
		t.Errorf("pool usage = %d, want 0", got)
	}
	if client.calls[0] != "user-supplied-key-abcdefghijklmnop" {
		t.Errorf("called with %q, want the user key", client.calls[0])
	}
}

func TestInitRejectsPlaceholders(t *testing.T) {
	client := &fakeClient{provider: serp.ProviderNativeSERP}
	m := NewManager(testPoolConfig(), []SearchClient{client}, newMemStore(), nil, nil)
	err := m.Init(context.Background(), []config.CredentialEntry{
		{Secret: "your_serpapi_key_here_your_serpapi_key", DailyLimit: 100},
		{Secret: "short", DailyLimit: 100},
		{Secret: secretN(1), DailyLimit: 100},
	}, nil)
	if err != nil {
		t.Fatalf("Init: %v", err)
	}
	if got := m.Size(); got != 1 {
		t.Errorf("pool size = %d, want 1 (placeholders dropped)", got)
	}
}

func TestSuccessScoreEWMA(t *testing.T) {
	c := &Credential{SuccessScore: 1.0}
	c.recordOutcome(false)
	if got := c.SuccessScore; got != 0.95 {
		t.Errorf("score after one failure = %v, want 0.95", got)
	}
	c.recordOutcome(true)
	want := 0.95*0.95 + 0.05
	if diff := c.SuccessScore - want; diff > 1e-9 || diff < -1e-9 {
		t.Errorf("score = %v, want %v", c.SuccessScore, want)
	}
	if c.ConsecutiveErrors != 0 {
		t.Errorf("ConsecutiveErrors = %d, want 0 after success", c.ConsecutiveErrors)
	}
}

func TestResetDailyReactivates(t *testing.T) {
	client := &fakeClient{provider: serp.ProviderNativeSERP}
	m := newTestManager(t, client, 3)

	m.mu.Lock()
	m.creds[0].DailyUsed = 100
	m.creds[0].ErrorCount = 7
	m.creds[0].ConsecutiveErrors = 3
	m.creds[0].Status = StatusExhaustedMonthly
	m.creds[1].Status = StatusInvalid
	m.creds[2].Status = StatusPaused
	m.creds[2].PausedUntil = m.now().Add(time.Hour)
	m.mu.Unlock()

	m.ResetDaily(context.Background())

	creds := m.Credentials()
	if creds[0].DailyUsed != 0 || creds[0].ErrorCount != 0 || creds[0].ConsecutiveErrors != 0 {
		t.Errorf("counters after reset = %d/%d/%d, want all zero",
			creds[0].DailyUsed, creds[0].ErrorCount, creds[0].ConsecutiveErrors)
	}
	// A new day gives every non-paused key a fresh chance, whatever state
	// yesterday left it in.
	if creds[0].Status != StatusActive {
		t.Errorf("exhausted credential status = %q, want active", creds[0].Status)
	}
	if creds[1].Status != StatusActive {
		t.Errorf("invalid credential status = %q, want active", creds[1].Status)
	}
	if creds[2].Status != StatusPaused {
		t.Errorf("mid-pause credential status = %q, must stay paused", creds[2].Status)
	}
}

func TestCheckMonthlyStaleReopensQuota(t *testing.T) {
	client := &fakeClient{provider: serp.ProviderNativeSERP}
	m := newTestManager(t, client, 2)

	now := time.Date(2026, 8, 15, 10, 0, 0, 0, time.UTC)
	m.now = func() time.Time { return now }

	m.mu.Lock()
	m.creds[0].MonthlyLimit = 250
	m.creds[0].MonthlyUsed = 250
	m.creds[0].Status = StatusExhaustedMonthly
	m.creds[0].MonthlyResetAt = time.Date(2026, 7, 1, 0, 0, 0, 0, time.UTC)
	m.creds[1].MonthlyUsed = 3
	m.creds[1].MonthlyResetAt = now
	m.mu.Unlock()

	m.CheckMonthlyStale(context.Background())

	creds := m.Credentials()
	if creds[0].MonthlyUsed != 0 || creds[0].Status != StatusActive {
		t.Errorf("stale credential = used %d status %q, want 0/active",
			creds[0].MonthlyUsed, creds[0].Status)
	}
	if !creds[0].MonthlyResetAt.Equal(now) {
		t.Errorf("MonthlyResetAt = %v, want restamped to %v", creds[0].MonthlyResetAt, now)
	}
	if creds[1].MonthlyUsed != 3 {
		t.Errorf("current-month credential used = %d, must stay 3", creds[1].MonthlyUsed)
	}
}

func TestInitReopensStaleMonthlyQuota(t *testing.T) {
	client := &fakeClient{provider: serp.ProviderNativeSERP}
	store := newMemStore()
	store.creds["cred-stale"] = &Credential{
		ID:             "cred-stale",
		Provider:       serp.ProviderNativeSERP,
		Secret:         secretN(9),
		Origin:         OriginDatabase,
		Status:         StatusExhaustedMonthly,
		DailyLimit:     100,
		MonthlyLimit:   250,
		MonthlyUsed:    250,
		MonthlyResetAt: time.Now().AddDate(0, -2, 0),
	}

	m := NewManager(testPoolConfig(), []SearchClient{client}, store, nil, nil)
	if err := m.Init(context.Background(), nil, nil); err != nil {
		t.Fatalf("Init: %v", err)
	}

	c := m.Credentials()[0]
	if c.MonthlyUsed != 0 || c.Status != StatusActive {
		t.Errorf("after boot: used=%d status=%q, want reset boundary honored", c.MonthlyUsed, c.Status)
	}
}

func TestUsagePersistedOffCriticalPath(t *testing.T) {
	client := &fakeClient{provider: serp.ProviderNativeSERP}
	store := newMemStore()
	m := NewManager(testPoolConfig(), []SearchClient{client}, store, nil, nil)
	err := m.Init(context.Background(), []config.CredentialEntry{
		{Secret: secretN(1), DailyLimit: 100},
	}, nil)
	if err != nil {
		t.Fatalf("Init: %v", err)
	}

	if _, err := m.Track(context.Background(), "kw", serp.Options{Domain: "example.com"}); err != nil {
		t.Fatalf("Track: %v", err)
	}

	// The durability write happens off the lookup path; give it a moment.
	deadline := time.Now().Add(2 * time.Second)
	for {
		store.mu.Lock()
		used := 0
		for _, c := range store.creds {
			used = c.DailyUsed
		}
		store.mu.Unlock()
		if used == 1 {
			return
		}
		if time.Now().After(deadline) {
			t.Fatal("usage write never reached the store")
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func TestAddCredentialDuplicateRules(t *testing.T) {
	client := &fakeClient{provider: serp.ProviderNativeSERP}
	m := newTestManager(t, client, 1)

	// Shadowing a configured secret is allowed: the runtime copy carries
	// its own limits.
	cred, err := m.AddCredential(context.Background(), serp.ProviderNativeSERP, secretN(1), "", 50, 0)
	if err != nil {
		t.Fatalf("add over configured entry: %v", err)
	}
	if cred.Origin != OriginDatabase {
		t.Errorf("origin = %q, want database", cred.Origin)
	}

	// A second user-added copy of the same secret is rejected.
	if _, err := m.AddCredential(context.Background(), serp.ProviderNativeSERP, secretN(1), "", 50, 0); !errors.Is(err, ErrDuplicateSecret) {
		t.Errorf("err = %v, want ErrDuplicateSecret", err)
	}
}

func TestSuccessAtLimitMarksExhausted(t *testing.T) {
	client := &fakeClient{provider: serp.ProviderNativeSERP}
	m := NewManager(testPoolConfig(), []SearchClient{client}, newMemStore(), nil, nil)
	err := m.Init(context.Background(), []config.CredentialEntry{
		{Secret: secretN(1), DailyLimit: 1},
		{Secret: secretN(2), DailyLimit: 100, MonthlyLimit: 1},
	}, nil)
	if err != nil {
		t.Fatalf("Init: %v", err)
	}

	for i := 0; i < 2; i++ {
		if _, err := m.Track(context.Background(), "kw", serp.Options{Domain: "example.com"}); err != nil {
			t.Fatalf("Track %d: %v", i, err)
		}
	}

	// Both counters hit their limit on success, so the status flips right
	// away instead of waiting for the next failed acquire.
	for _, c := range m.Credentials() {
		switch c.Secret {
		case secretN(1):
			if c.Status != StatusExhaustedDaily {
				t.Errorf("daily-limited credential status = %q, want exhausted_daily", c.Status)
			}
		case secretN(2):
			if c.Status != StatusExhaustedMonthly {
				t.Errorf("monthly-limited credential status = %q, want exhausted_monthly", c.Status)
			}
		}
	}

	if _, err := m.Track(context.Background(), "kw", serp.Options{Domain: "example.com"}); err == nil {
		t.Fatal("expected exhaustion once every credential is at its limit")
	}
}

func TestStatsHealthBands(t *testing.T) {
	client := &fakeClient{provider: serp.ProviderNativeSERP}
	m := newTestManager(t, client, 2)

	m.mu.Lock()
	m.creds[0].DailyUsed = 95 // 95% of 100
	m.creds[1].DailyUsed = 80 // 80% of 100
	m.mu.Unlock()

	stats := m.Stats()
	if stats.Total != 2 {
		t.Fatalf("Total = %d, want 2", stats.Total)
	}
	bands := map[string]HealthBand{}
	for _, cs := range stats.Credentials {
		bands[cs.ID] = cs.Health
	}
	var sawCritical, sawWarning bool
	for _, b := range bands {
		switch b {
		case HealthCritical:
			sawCritical = true
		case HealthWarning:
			sawWarning = true
		}
	}
	if !sawCritical || !sawWarning {
		t.Errorf("bands = %v, want one critical and one warning", bands)
	}
}

func TestValidSecret(t *testing.T) {
	tests := []struct {
		secret string
		want   bool
	}{
		{secretN(1), true},
		{"short", false},
		{"your_api_key_goes_here_padpadpadpadpad", false},
		{"REPLACE_WITH_REAL_KEY_padpadpadpadpad", false},
		{"", false},
	}
	for _, tt := range tests {
		if got := ValidSecret(tt.secret); got != tt.want {
			t.Errorf("ValidSecret(%q) = %v, want %v", tt.secret, got, tt.want)
		}
	}
}
