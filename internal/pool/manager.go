package pool

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/hsn0918/serptrack/internal/clients/base"
	"github.com/hsn0918/serptrack/internal/clients/serpapi"
	"github.com/hsn0918/serptrack/internal/config"
	"github.com/hsn0918/serptrack/internal/logger"
	"github.com/hsn0918/serptrack/internal/serp"
)

// SearchClient is one upstream provider client.
type SearchClient interface {
	Provider() serp.Provider
	Search(ctx context.Context, secret, engineID, keyword string, opts serp.Options) ([]byte, http.Header, error)
}

// Store persists credential state across restarts.
type Store interface {
	LoadCredentials(ctx context.Context) ([]*Credential, error)
	SaveCredential(ctx context.Context, c *Credential) error
	SaveUsage(ctx context.Context, c *Credential) error
	DeleteCredential(ctx context.Context, id string) error
	ResetDailyUsage(ctx context.Context) error
	ResetMonthlyUsage(ctx context.Context) error
}

// UsageCache mirrors pause windows and usage counters into a shared cache
// so multiple instances see each other's pacing. Best effort only.
type UsageCache interface {
	MarkPaused(ctx context.Context, credentialID string, until time.Time)
	IsPaused(ctx context.Context, credentialID string) bool
	IncrUsage(ctx context.Context, credentialID string)
}

// Archiver stores raw provider payloads out of band.
type Archiver interface {
	ArchiveRaw(ctx context.Context, recordID string, payload []byte) (string, error)
}

// Manager 凭证池管理器：负责凭证装载、轮换选择与配额/健康记账。
// 所有凭证状态由 mu 保护；inFlight 保证同一凭证不会被并发使用。
type Manager struct {
	mu       sync.Mutex
	creds    []*Credential
	inFlight map[string]struct{}
	rrCursor int

	cfg     config.PoolConfig
	clients map[serp.Provider]SearchClient
	store   Store
	cache   UsageCache // may be nil
	archive Archiver   // may be nil
	log     *slog.Logger

	now func() time.Time
}

// NewManager wires the pool. store is required; cache and archive are
// optional side paths and may be nil.
func NewManager(cfg config.PoolConfig, clients []SearchClient, store Store, cache UsageCache, archive Archiver) *Manager {
	byProvider := make(map[serp.Provider]SearchClient, len(clients))
	for _, c := range clients {
		byProvider[c.Provider()] = c
	}
	return &Manager{
		inFlight: make(map[string]struct{}),
		cfg:      cfg,
		clients:  byProvider,
		store:    store,
		cache:    cache,
		archive:  archive,
		log:      logger.Get().With("component", "pool"),
		now:      time.Now,
	}
}

// Init loads credentials from configuration entries and the store, merging
// by secret. Stored state wins over config defaults so usage counters
// survive restarts. Placeholder secrets are dropped with a warning.
func (m *Manager) Init(ctx context.Context, serpEntries, cseEntries []config.CredentialEntry) error {
	stored, err := m.store.LoadCredentials(ctx)
	if err != nil {
		return fmt.Errorf("pool: load credentials: %w", err)
	}

	bySecret := make(map[string]*Credential)
	var creds []*Credential
	for _, c := range stored {
		bySecret[c.Secret] = c
		creds = append(creds, c)
	}

	add := func(provider serp.Provider, entry config.CredentialEntry, priority int) {
		if !ValidSecret(entry.Secret) {
			m.log.Warn("skipping placeholder or malformed credential", "provider", provider)
			return
		}
		if provider == serp.ProviderCustomSearch && entry.EngineID == "" {
			m.log.Warn("skipping custom search credential without engine id")
			return
		}
		if existing, ok := bySecret[entry.Secret]; ok {
			// Config limits are authoritative for config-origin credentials.
			if existing.Origin == OriginConfig {
				existing.DailyLimit = entry.DailyLimit
				existing.MonthlyLimit = entry.MonthlyLimit
			}
			return
		}
		now := m.now()
		c := &Credential{
			ID:             uuid.NewString(),
			Provider:       provider,
			Secret:         entry.Secret,
			EngineID:       entry.EngineID,
			Origin:         OriginConfig,
			Status:         StatusActive,
			Priority:       priority,
			DailyLimit:     entry.DailyLimit,
			MonthlyLimit:   entry.MonthlyLimit,
			SuccessScore:   1.0,
			MonthlyResetAt: now,
			CreatedAt:      now,
			UpdatedAt:      now,
		}
		bySecret[entry.Secret] = c
		creds = append(creds, c)
		if err := m.store.SaveCredential(ctx, c); err != nil {
			m.log.Warn("persist config credential failed", "error", err)
		}
	}

	for i, e := range serpEntries {
		add(serp.ProviderNativeSERP, e, i)
	}
	for i, e := range cseEntries {
		add(serp.ProviderCustomSearch, e, len(serpEntries)+i)
	}

	m.mu.Lock()
	m.creds = creds
	m.mu.Unlock()

	// A restart may have slept through the 1st-of-month timer; reopen any
	// monthly quota whose reset boundary passed while the process was down.
	m.CheckMonthlyStale(ctx)

	m.log.Info("credential pool initialized",
		"total", len(creds),
		"native", m.countByProvider(serp.ProviderNativeSERP),
		"custom_search", m.countByProvider(serp.ProviderCustomSearch),
	)
	if len(creds) == 0 {
		m.log.Warn("credential pool is empty, only user-supplied keys will work")
	}
	return nil
}

func (m *Manager) countByProvider(p serp.Provider) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for _, c := range m.creds {
		if c.Provider == p {
			n++
		}
	}
	return n
}

// Size returns the number of pooled credentials.
func (m *Manager) Size() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.creds)
}

// Track runs one keyword lookup through the pool, rotating to the next
// credential on retryable failures. A user-supplied key in opts bypasses
// the pool entirely.
func (m *Manager) Track(ctx context.Context, keyword string, opts serp.Options) (*serp.RankingRecord, error) {
	if opts.APIKey != "" {
		return m.trackWithUserKey(ctx, keyword, opts)
	}

	maxAttempts := m.cfg.MaxRetries
	if size := m.Size(); size < maxAttempts {
		maxAttempts = size
	}
	if maxAttempts == 0 {
		return nil, &TrackError{Kind: base.KindAllExhausted, Err: ErrNoCredentials}
	}

	var lastErr error
	lastKind := base.KindAllExhausted
	lastCredID := ""
	for attempt := 1; attempt <= maxAttempts; attempt++ {
		cred := m.acquire(ctx, opts.Provider)
		if cred == nil {
			break
		}
		lastCredID = cred.ID

		rec, err := m.executeOnce(ctx, cred, keyword, opts)
		if err == nil {
			m.release(cred, true, "")
			m.persistUsageAsync(cred)
			return rec, nil
		}

		kind := KindOf(err)
		m.release(cred, false, err.Error())
		m.applyFailure(ctx, cred, kind)

		if !kind.Retryable() {
			return nil, &TrackError{Kind: kind, Attempts: attempt, CredentialID: cred.ID, Err: err}
		}
		lastErr = err
		lastKind = kind
		m.log.Warn("lookup attempt failed, rotating credential",
			"attempt", attempt,
			"credential_id", cred.ID,
			"kind", string(kind),
		)
	}

	if lastErr == nil {
		lastErr = ErrNoCredentials
		lastKind = base.KindAllExhausted
	}
	return nil, &TrackError{Kind: lastKind, Attempts: maxAttempts, CredentialID: lastCredID, Err: lastErr}
}

// acquire selects the next credential under the configured strategy and
// marks it in flight. Returns nil when nothing is available.
func (m *Manager) acquire(ctx context.Context, preferred serp.Provider) *Credential {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := m.now()
	candidates := make([]*Credential, 0, len(m.creds))
	for _, c := range m.creds {
		if _, busy := m.inFlight[c.ID]; busy {
			continue
		}
		if preferred != "" && c.Provider != preferred {
			continue
		}
		if !c.Available(now) {
			continue
		}
		if m.cache != nil && m.cache.IsPaused(ctx, c.ID) {
			continue
		}
		candidates = append(candidates, c)
	}
	if len(candidates) == 0 {
		return nil
	}

	// Native SERP responses are richer; prefer them when both providers
	// still have headroom and no provider was pinned.
	if preferred == "" {
		native := candidates[:0:0]
		for _, c := range candidates {
			if c.Provider == serp.ProviderNativeSERP {
				native = append(native, c)
			}
		}
		if len(native) > 0 {
			candidates = native
		}
	}

	var chosen *Credential
	switch m.cfg.Strategy {
	case "least_used":
		chosen = candidates[0]
		for _, c := range candidates[1:] {
			if c.DailyUsed < chosen.DailyUsed {
				chosen = c
			}
		}
	case "round_robin":
		chosen = candidates[m.rrCursor%len(candidates)]
		m.rrCursor++
	default: // priority
		chosen = candidates[0]
		for _, c := range candidates[1:] {
			if c.Priority < chosen.Priority ||
				(c.Priority == chosen.Priority && c.SuccessScore > chosen.SuccessScore) {
				chosen = c
			}
		}
	}

	if chosen.Status == StatusPaused {
		chosen.Status = StatusActive
		chosen.PausedUntil = time.Time{}
	}
	m.inFlight[chosen.ID] = struct{}{}
	return chosen
}

// release clears the in-flight mark and records the attempt outcome.
func (m *Manager) release(cred *Credential, success bool, errMsg string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.inFlight, cred.ID)
	cred.recordOutcome(success)
	cred.LastUsedAt = m.now()
	cred.UpdatedAt = cred.LastUsedAt
	if success {
		cred.DailyUsed++
		cred.MonthlyUsed++
		cred.LastError = ""
		// Hitting a limit flips the status immediately so stats and the
		// management API show the credential as exhausted, not active.
		if cred.Status == StatusActive {
			switch {
			case cred.MonthlyLimit > 0 && cred.MonthlyUsed >= cred.MonthlyLimit:
				cred.Status = StatusExhaustedMonthly
			case cred.DailyLimit > 0 && cred.DailyUsed >= cred.DailyLimit:
				cred.Status = StatusExhaustedDaily
			}
		}
	} else {
		cred.LastError = errMsg
	}
}

// executeOnce performs one provider call with the acquired credential and
// parses the payload into a ranking record.
func (m *Manager) executeOnce(ctx context.Context, cred *Credential, keyword string, opts serp.Options) (*serp.RankingRecord, error) {
	client, ok := m.clients[cred.Provider]
	if !ok {
		return nil, fmt.Errorf("pool: no client for provider %q", cred.Provider)
	}

	reqCtx, cancel := context.WithTimeout(ctx, m.cfg.RequestTimeout())
	defer cancel()

	start := m.now()
	body, headers, err := client.Search(reqCtx, cred.Secret, cred.EngineID, keyword, opts)
	elapsed := m.now().Sub(start)
	if err != nil {
		return nil, err
	}

	meta := serp.RequestMeta{
		Provider:     cred.Provider,
		CredentialID: cred.ID,
		ProcessingMS: elapsed.Milliseconds(),
		Usage:        serpapi.UsageFromHeaders(headers),
	}
	rec, err := serp.Parse(keyword, body, opts, meta)
	if err != nil {
		return nil, base.NewClientError("parse", string(cred.Provider), 0, base.KindParseError, err)
	}

	m.finalizeRecord(ctx, cred, rec, body, meta.Usage)
	return rec, nil
}

// finalizeRecord assigns the record id, syncs provider-reported usage and
// runs the optional side paths.
func (m *Manager) finalizeRecord(ctx context.Context, cred *Credential, rec *serp.RankingRecord, body []byte, usage *serp.AccountUsage) {
	rec.ID = uuid.NewString()
	rec.Raw = body

	if usage != nil {
		// Provider counters are authoritative when they exceed ours: another
		// consumer may share the account.
		m.mu.Lock()
		if usage.MonthlyLimit > 0 {
			cred.MonthlyLimit = usage.MonthlyLimit
		}
		if usage.Used > cred.MonthlyUsed {
			cred.MonthlyUsed = usage.Used
		}
		if usage.Remaining == 0 && usage.MonthlyLimit > 0 && cred.Status == StatusActive {
			cred.Status = StatusExhaustedMonthly
			m.log.Warn("provider reports account exhausted", "credential_id", cred.ID)
		}
		m.mu.Unlock()
	}

	if m.cache != nil {
		m.cache.IncrUsage(ctx, cred.ID)
	}
	if m.archive != nil {
		if ref, err := m.archive.ArchiveRaw(ctx, rec.ID, body); err == nil {
			rec.Metadata.RawRef = ref
		} else {
			m.log.Warn("raw archive failed", "record_id", rec.ID, "error", err)
		}
	}
}

// persistUsageAsync schedules the durability upsert off the lookup path.
// The write is idempotent by credential id, so a lost race between two
// snapshots only costs a counter that the next write repairs.
func (m *Manager) persistUsageAsync(cred *Credential) {
	m.mu.Lock()
	snapshot := *cred
	m.mu.Unlock()

	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := m.store.SaveUsage(ctx, &snapshot); err != nil {
			m.log.Warn("persist credential usage failed", "credential_id", snapshot.ID, "error", err)
		}
	}()
}

// applyFailure adjusts credential state after a classified failure.
func (m *Manager) applyFailure(ctx context.Context, cred *Credential, kind base.Kind) {
	m.mu.Lock()
	switch kind {
	case base.KindQuotaExceeded:
		if cred.MonthlyLimit > 0 && cred.MonthlyUsed >= cred.MonthlyLimit {
			cred.Status = StatusExhaustedMonthly
		} else {
			cred.Status = StatusExhaustedDaily
			cred.DailyUsed = cred.DailyLimit
		}
	case base.KindRateLimited:
		until := m.now().Add(m.cfg.Pause())
		cred.Status = StatusPaused
		cred.PausedUntil = until
		id := cred.ID
		time.AfterFunc(m.cfg.Pause(), func() { m.resume(id) })
		if m.cache != nil {
			m.cache.MarkPaused(ctx, cred.ID, until)
		}
	case base.KindUnauthorized:
		cred.Status = StatusInvalid
	}
	m.mu.Unlock()

	m.persistUsageAsync(cred)
}

// resume reactivates a paused credential once its pause window elapses.
func (m *Manager) resume(id string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, c := range m.creds {
		if c.ID == id && c.Status == StatusPaused && !m.now().Before(c.PausedUntil) {
			c.Status = StatusActive
			c.PausedUntil = time.Time{}
			m.log.Info("credential resumed after pause", "credential_id", id)
			return
		}
	}
}

// trackWithUserKey executes a lookup with a caller-supplied key. The pool
// is not consulted and no usage is recorded.
func (m *Manager) trackWithUserKey(ctx context.Context, keyword string, opts serp.Options) (*serp.RankingRecord, error) {
	provider := opts.Provider
	if provider == "" {
		provider = serp.ProviderNativeSERP
	}
	client, ok := m.clients[provider]
	if !ok {
		return nil, fmt.Errorf("pool: no client for provider %q", provider)
	}

	reqCtx, cancel := context.WithTimeout(ctx, m.cfg.RequestTimeout())
	defer cancel()

	start := m.now()
	body, headers, err := client.Search(reqCtx, opts.APIKey, opts.Extra["engine_id"], keyword, opts)
	if err != nil {
		return nil, err
	}

	rec, err := serp.Parse(keyword, body, opts, serp.RequestMeta{
		Provider:     provider,
		ProcessingMS: m.now().Sub(start).Milliseconds(),
		Usage:        serpapi.UsageFromHeaders(headers),
	})
	if err != nil {
		return nil, base.NewClientError("parse", string(provider), 0, base.KindParseError, err)
	}
	rec.ID = uuid.NewString()
	rec.Raw = body
	return rec, nil
}

// AddCredential validates and pools a new credential, probing it with a
// test lookup first.
func (m *Manager) AddCredential(ctx context.Context, provider serp.Provider, secret, engineID string, dailyLimit, monthlyLimit int) (*Credential, error) {
	if !ValidSecret(secret) {
		return nil, errors.New("pool: secret looks like a placeholder or is too short")
	}
	if provider == serp.ProviderCustomSearch && engineID == "" {
		return nil, errors.New("pool: custom search credentials require an engine id")
	}

	m.mu.Lock()
	for _, c := range m.creds {
		if c.Secret != secret {
			continue
		}
		// Only user-added records are protected from duplication; shadowing
		// a configured entry is allowed so its limits can be overridden at
		// runtime. Keep scanning: a database copy may sit behind the
		// configured one.
		if c.Origin != OriginConfig {
			m.mu.Unlock()
			return nil, ErrDuplicateSecret
		}
		m.log.Warn("credential duplicates a configured entry", "existing_id", c.ID)
	}
	priority := len(m.creds)
	m.mu.Unlock()

	if err := m.probe(ctx, provider, secret, engineID); err != nil {
		return nil, fmt.Errorf("pool: credential probe failed: %w", err)
	}

	now := m.now()
	cred := &Credential{
		ID:             uuid.NewString(),
		Provider:       provider,
		Secret:         secret,
		EngineID:       engineID,
		Origin:         OriginDatabase,
		Status:         StatusActive,
		Priority:       priority,
		DailyLimit:     dailyLimit,
		MonthlyLimit:   monthlyLimit,
		SuccessScore:   1.0,
		MonthlyResetAt: now,
		CreatedAt:      now,
		UpdatedAt:      now,
	}
	if err := m.store.SaveCredential(ctx, cred); err != nil {
		return nil, fmt.Errorf("pool: persist credential: %w", err)
	}

	m.mu.Lock()
	m.creds = append(m.creds, cred)
	m.mu.Unlock()

	m.log.Info("credential added", "credential_id", cred.ID, "provider", string(provider))
	return cred, nil
}

// UpdateCredential adjusts limits, priority or status of a pooled
// credential.
func (m *Manager) UpdateCredential(ctx context.Context, id string, dailyLimit, monthlyLimit, priority *int, status *Status) (*Credential, error) {
	m.mu.Lock()
	cred := m.findLocked(id)
	if cred == nil {
		m.mu.Unlock()
		return nil, ErrCredentialNotFound
	}
	if dailyLimit != nil {
		cred.DailyLimit = *dailyLimit
	}
	if monthlyLimit != nil {
		cred.MonthlyLimit = *monthlyLimit
	}
	if priority != nil {
		cred.Priority = *priority
	}
	if status != nil {
		cred.Status = *status
		if *status == StatusActive {
			cred.PausedUntil = time.Time{}
			cred.ConsecutiveErrors = 0
		}
	}
	cred.UpdatedAt = m.now()
	m.mu.Unlock()

	if err := m.store.SaveCredential(ctx, cred); err != nil {
		return nil, fmt.Errorf("pool: persist credential: %w", err)
	}
	return cred, nil
}

// RemoveCredential drops a credential from the pool and the store.
func (m *Manager) RemoveCredential(ctx context.Context, id string) error {
	m.mu.Lock()
	idx := -1
	for i, c := range m.creds {
		if c.ID == id {
			idx = i
			break
		}
	}
	if idx < 0 {
		m.mu.Unlock()
		return ErrCredentialNotFound
	}
	m.creds = append(m.creds[:idx], m.creds[idx+1:]...)
	m.mu.Unlock()

	return m.store.DeleteCredential(ctx, id)
}

// TestCredential probes an already-pooled credential and reports whether
// it still works. The probe consumes one request from the account.
func (m *Manager) TestCredential(ctx context.Context, id string) error {
	m.mu.Lock()
	cred := m.findLocked(id)
	m.mu.Unlock()
	if cred == nil {
		return ErrCredentialNotFound
	}
	return m.probe(ctx, cred.Provider, cred.Secret, cred.EngineID)
}

// probe runs a minimal real lookup to verify a secret.
func (m *Manager) probe(ctx context.Context, provider serp.Provider, secret, engineID string) error {
	client, ok := m.clients[provider]
	if !ok {
		return fmt.Errorf("pool: no client for provider %q", provider)
	}
	reqCtx, cancel := context.WithTimeout(ctx, m.cfg.RequestTimeout())
	defer cancel()

	body, _, err := client.Search(reqCtx, secret, engineID, "test query", serp.Options{
		Domain:     "example.com",
		Country:    "US",
		MaxResults: 10,
	})
	if err != nil {
		return err
	}
	if _, err := serp.Parse("test query", body, serp.Options{Domain: "example.com"}, serp.RequestMeta{Provider: provider}); err != nil {
		return err
	}
	return nil
}

func (m *Manager) findLocked(id string) *Credential {
	for _, c := range m.creds {
		if c.ID == id {
			return c
		}
	}
	return nil
}

// ResetDaily zeroes daily counters, clears accumulated error counts and
// reactivates every credential that is not mid-pause. Called by the
// scheduler at local midnight: a new day gives every key, including ones
// flagged invalid yesterday, a fresh chance.
func (m *Manager) ResetDaily(ctx context.Context) {
	m.mu.Lock()
	for _, c := range m.creds {
		c.DailyUsed = 0
		c.ErrorCount = 0
		c.ConsecutiveErrors = 0
		if c.Status != StatusPaused {
			c.Status = StatusActive
		}
		c.UpdatedAt = m.now()
	}
	m.mu.Unlock()

	if err := m.store.ResetDailyUsage(ctx); err != nil {
		m.log.Warn("persist daily reset failed", "error", err)
	}
	m.log.Info("daily quota counters reset")
}

// ResetMonthly zeroes monthly counters on the first of the month and
// stamps the reset time so a later boot can see the boundary was honored.
func (m *Manager) ResetMonthly(ctx context.Context) {
	now := m.now()
	m.mu.Lock()
	for _, c := range m.creds {
		c.MonthlyUsed = 0
		if c.Status == StatusExhaustedMonthly {
			c.Status = StatusActive
		}
		c.MonthlyResetAt = now
		c.UpdatedAt = now
	}
	m.mu.Unlock()

	if err := m.store.ResetMonthlyUsage(ctx); err != nil {
		m.log.Warn("persist monthly reset failed", "error", err)
	}
	m.log.Info("monthly quota counters reset")
}

// CheckMonthlyStale reopens monthly quota for credentials whose last
// monthly reset predates the current month. Run on boot and hourly, it
// covers the 1st-of-month timer firing while the process was down.
func (m *Manager) CheckMonthlyStale(ctx context.Context) {
	now := m.now()
	monthStart := time.Date(now.Year(), now.Month(), 1, 0, 0, 0, 0, now.Location())

	m.mu.Lock()
	var stale []*Credential
	for _, c := range m.creds {
		if !c.MonthlyResetAt.Before(monthStart) {
			continue
		}
		if c.MonthlyUsed == 0 && c.Status != StatusExhaustedMonthly {
			c.MonthlyResetAt = now
			continue
		}
		c.MonthlyUsed = 0
		if c.Status == StatusExhaustedMonthly {
			c.Status = StatusActive
		}
		c.MonthlyResetAt = now
		c.UpdatedAt = now
		stale = append(stale, c)
	}
	m.mu.Unlock()

	for _, c := range stale {
		m.persistUsageAsync(c)
	}
	if len(stale) > 0 {
		m.log.Info("stale monthly quota reopened", "credentials", len(stale))
	}
}

// ReviveExpired clears pause windows that have elapsed. Run hourly as a
// safety net behind the AfterFunc timers, which are lost on restart.
func (m *Manager) ReviveExpired() {
	m.mu.Lock()
	defer m.mu.Unlock()
	now := m.now()
	for _, c := range m.creds {
		if c.Status == StatusPaused && !now.Before(c.PausedUntil) {
			c.Status = StatusActive
			c.PausedUntil = time.Time{}
		}
	}
}

// Credentials returns a point-in-time copy of the pool, ordered by
// priority, for the management API.
func (m *Manager) Credentials() []Credential {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]Credential, 0, len(m.creds))
	for _, c := range m.creds {
		out = append(out, *c)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Priority < out[j].Priority })
	return out
}
