// Package adapters contains the storage adapters backing the pool and the
// ranking history.
package adapters

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/hsn0918/serptrack/internal/pool"
	"github.com/hsn0918/serptrack/internal/serp"
)

// PostgresStore 基于 pgx 连接池的持久化适配器，启动时自动建表。
type PostgresStore struct {
	db *pgxpool.Pool
}

// NewPostgresStore 建立连接池并初始化 schema。
func NewPostgresStore(ctx context.Context, dsn string) (*PostgresStore, error) {
	db, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, fmt.Errorf("postgres: connect: %w", err)
	}
	if err := db.Ping(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("postgres: ping: %w", err)
	}

	store := &PostgresStore{db: db}
	if err := store.initSchema(ctx); err != nil {
		db.Close()
		return nil, err
	}
	return store, nil
}

// Close releases the connection pool.
func (s *PostgresStore) Close() {
	s.db.Close()
}

func (s *PostgresStore) initSchema(ctx context.Context) error {
	schema := `
	CREATE TABLE IF NOT EXISTS serp_credentials (
		id                 UUID PRIMARY KEY,
		provider           TEXT NOT NULL,
		secret             TEXT NOT NULL,
		engine_id          TEXT NOT NULL DEFAULT '',
		origin             TEXT NOT NULL,
		status             TEXT NOT NULL,
		priority           INT NOT NULL DEFAULT 0,
		daily_limit        INT NOT NULL DEFAULT 0,
		monthly_limit      INT NOT NULL DEFAULT 0,
		daily_used         INT NOT NULL DEFAULT 0,
		monthly_used       INT NOT NULL DEFAULT 0,
		success_score      DOUBLE PRECISION NOT NULL DEFAULT 1.0,
		error_count        INT NOT NULL DEFAULT 0,
		consecutive_errors INT NOT NULL DEFAULT 0,
		last_error         TEXT NOT NULL DEFAULT '',
		paused_until       TIMESTAMPTZ,
		last_used_at       TIMESTAMPTZ,
		monthly_reset_at   TIMESTAMPTZ,
		created_at         TIMESTAMPTZ NOT NULL DEFAULT now(),
		updated_at         TIMESTAMPTZ NOT NULL DEFAULT now()
	);

	CREATE TABLE IF NOT EXISTS serp_rankings (
		id            UUID PRIMARY KEY,
		keyword       TEXT NOT NULL,
		domain        TEXT NOT NULL,
		position      INT,
		url           TEXT NOT NULL DEFAULT '',
		title         TEXT NOT NULL DEFAULT '',
		snippet       TEXT NOT NULL DEFAULT '',
		country       TEXT NOT NULL DEFAULT '',
		language      TEXT NOT NULL DEFAULT '',
		city          TEXT NOT NULL DEFAULT '',
		state         TEXT NOT NULL DEFAULT '',
		postal_code   TEXT NOT NULL DEFAULT '',
		device        TEXT NOT NULL DEFAULT 'desktop',
		total_results BIGINT NOT NULL DEFAULT 0,
		organic_count INT NOT NULL DEFAULT 0,
		found         BOOLEAN NOT NULL DEFAULT FALSE,
		reliability   TEXT NOT NULL DEFAULT 'low',
		checked_at    TIMESTAMPTZ NOT NULL,
		validation    JSONB NOT NULL DEFAULT '{}',
		metadata      JSONB NOT NULL DEFAULT '{}',
		competitors   JSONB NOT NULL DEFAULT '[]'
	);

	CREATE INDEX IF NOT EXISTS idx_rankings_keyword_domain
		ON serp_rankings (keyword, domain, checked_at DESC);
	CREATE INDEX IF NOT EXISTS idx_rankings_domain
		ON serp_rankings (domain, checked_at DESC);
	CREATE INDEX IF NOT EXISTS idx_rankings_checked_at
		ON serp_rankings (checked_at);
	CREATE INDEX IF NOT EXISTS idx_rankings_found_position
		ON serp_rankings (found, position);
	CREATE INDEX IF NOT EXISTS idx_rankings_country
		ON serp_rankings (country);
	`
	if _, err := s.db.Exec(ctx, schema); err != nil {
		return fmt.Errorf("postgres: init schema: %w", err)
	}
	return nil
}

// LoadCredentials 启动时加载全部凭证。
func (s *PostgresStore) LoadCredentials(ctx context.Context) ([]*pool.Credential, error) {
	rows, err := s.db.Query(ctx, `
		SELECT id, provider, secret, engine_id, origin, status, priority,
		       daily_limit, monthly_limit, daily_used, monthly_used,
		       success_score, error_count, consecutive_errors, last_error,
		       paused_until, last_used_at, monthly_reset_at, created_at, updated_at
		FROM serp_credentials
		ORDER BY priority`)
	if err != nil {
		return nil, fmt.Errorf("postgres: load credentials: %w", err)
	}
	defer rows.Close()

	var creds []*pool.Credential
	for rows.Next() {
		var c pool.Credential
		var pausedUntil, lastUsedAt, monthlyResetAt *time.Time
		if err := rows.Scan(
			&c.ID, &c.Provider, &c.Secret, &c.EngineID, &c.Origin, &c.Status, &c.Priority,
			&c.DailyLimit, &c.MonthlyLimit, &c.DailyUsed, &c.MonthlyUsed,
			&c.SuccessScore, &c.ErrorCount, &c.ConsecutiveErrors, &c.LastError,
			&pausedUntil, &lastUsedAt, &monthlyResetAt, &c.CreatedAt, &c.UpdatedAt,
		); err != nil {
			return nil, fmt.Errorf("postgres: scan credential: %w", err)
		}
		if pausedUntil != nil {
			c.PausedUntil = *pausedUntil
		}
		if lastUsedAt != nil {
			c.LastUsedAt = *lastUsedAt
		}
		if monthlyResetAt != nil {
			c.MonthlyResetAt = *monthlyResetAt
		}
		creds = append(creds, &c)
	}
	return creds, rows.Err()
}

// SaveCredential 插入或整行更新凭证。
func (s *PostgresStore) SaveCredential(ctx context.Context, c *pool.Credential) error {
	_, err := s.db.Exec(ctx, `
		INSERT INTO serp_credentials (
			id, provider, secret, engine_id, origin, status, priority,
			daily_limit, monthly_limit, daily_used, monthly_used,
			success_score, error_count, consecutive_errors, last_error,
			paused_until, last_used_at, monthly_reset_at, created_at, updated_at
		) VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15,$16,$17,$18,$19,$20)
		ON CONFLICT (id) DO UPDATE SET
			status = EXCLUDED.status,
			priority = EXCLUDED.priority,
			daily_limit = EXCLUDED.daily_limit,
			monthly_limit = EXCLUDED.monthly_limit,
			daily_used = EXCLUDED.daily_used,
			monthly_used = EXCLUDED.monthly_used,
			success_score = EXCLUDED.success_score,
			error_count = EXCLUDED.error_count,
			consecutive_errors = EXCLUDED.consecutive_errors,
			last_error = EXCLUDED.last_error,
			paused_until = EXCLUDED.paused_until,
			last_used_at = EXCLUDED.last_used_at,
			monthly_reset_at = EXCLUDED.monthly_reset_at,
			updated_at = EXCLUDED.updated_at`,
		c.ID, c.Provider, c.Secret, c.EngineID, c.Origin, c.Status, c.Priority,
		c.DailyLimit, c.MonthlyLimit, c.DailyUsed, c.MonthlyUsed,
		c.SuccessScore, c.ErrorCount, c.ConsecutiveErrors, c.LastError,
		nullableTime(c.PausedUntil), nullableTime(c.LastUsedAt), nullableTime(c.MonthlyResetAt),
		c.CreatedAt, c.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("postgres: save credential: %w", err)
	}
	return nil
}

// SaveUsage 只更新运行期会变化的记账字段。
func (s *PostgresStore) SaveUsage(ctx context.Context, c *pool.Credential) error {
	_, err := s.db.Exec(ctx, `
		UPDATE serp_credentials SET
			status = $2,
			daily_used = $3,
			monthly_used = $4,
			monthly_limit = $5,
			success_score = $6,
			error_count = $7,
			consecutive_errors = $8,
			last_error = $9,
			paused_until = $10,
			last_used_at = $11,
			monthly_reset_at = $12,
			updated_at = now()
		WHERE id = $1`,
		c.ID, c.Status, c.DailyUsed, c.MonthlyUsed, c.MonthlyLimit,
		c.SuccessScore, c.ErrorCount, c.ConsecutiveErrors, c.LastError,
		nullableTime(c.PausedUntil), nullableTime(c.LastUsedAt), nullableTime(c.MonthlyResetAt),
	)
	if err != nil {
		return fmt.Errorf("postgres: save usage: %w", err)
	}
	return nil
}

func (s *PostgresStore) DeleteCredential(ctx context.Context, id string) error {
	tag, err := s.db.Exec(ctx, `DELETE FROM serp_credentials WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("postgres: delete credential: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return pool.ErrCredentialNotFound
	}
	return nil
}

func (s *PostgresStore) ResetDailyUsage(ctx context.Context) error {
	_, err := s.db.Exec(ctx, `
		UPDATE serp_credentials SET
			daily_used = 0,
			error_count = 0,
			consecutive_errors = 0,
			status = CASE WHEN status = 'paused' THEN status ELSE 'active' END,
			updated_at = now()`)
	if err != nil {
		return fmt.Errorf("postgres: reset daily usage: %w", err)
	}
	return nil
}

func (s *PostgresStore) ResetMonthlyUsage(ctx context.Context) error {
	_, err := s.db.Exec(ctx, `
		UPDATE serp_credentials SET
			monthly_used = 0,
			monthly_reset_at = now(),
			status = CASE WHEN status = 'exhausted_monthly' THEN 'active' ELSE status END,
			updated_at = now()`)
	if err != nil {
		return fmt.Errorf("postgres: reset monthly usage: %w", err)
	}
	return nil
}

// SaveRanking 持久化一条排名记录，validation/metadata/competitors 以 JSONB 存储。
func (s *PostgresStore) SaveRanking(ctx context.Context, r *serp.RankingRecord) error {
	_, err := s.db.Exec(ctx, `
		INSERT INTO serp_rankings (
			id, keyword, domain, position, url, title, snippet,
			country, language, city, state, postal_code, device,
			total_results, organic_count, found, reliability, checked_at,
			validation, metadata, competitors
		) VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15,$16,$17,$18,$19,$20,$21)`,
		r.ID, r.Keyword, r.Domain, r.Position, r.URL, r.Title, r.Snippet,
		r.Country, r.Language, r.City, r.State, r.PostalCode, string(r.Device),
		r.TotalResults, r.OrganicCount, r.Found, string(r.Reliability), r.CheckedAt,
		r.Validation, r.Metadata, r.Competitors,
	)
	if err != nil {
		return fmt.Errorf("postgres: save ranking: %w", err)
	}
	return nil
}

// LatestRanking returns the most recent record for a keyword+domain pair.
func (s *PostgresStore) LatestRanking(ctx context.Context, keyword, domain string) (*serp.RankingRecord, error) {
	row := s.db.QueryRow(ctx, `
		SELECT id, keyword, domain, position, url, title, snippet,
		       country, language, city, state, postal_code, device,
		       total_results, organic_count, found, reliability, checked_at,
		       validation, metadata, competitors
		FROM serp_rankings
		WHERE keyword = $1 AND domain = $2
		ORDER BY checked_at DESC
		LIMIT 1`, keyword, domain)

	var r serp.RankingRecord
	var device, reliability string
	err := row.Scan(
		&r.ID, &r.Keyword, &r.Domain, &r.Position, &r.URL, &r.Title, &r.Snippet,
		&r.Country, &r.Language, &r.City, &r.State, &r.PostalCode, &device,
		&r.TotalResults, &r.OrganicCount, &r.Found, &reliability, &r.CheckedAt,
		&r.Validation, &r.Metadata, &r.Competitors,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("postgres: latest ranking: %w", err)
	}
	r.Device = serp.Device(device)
	r.Reliability = serp.Reliability(reliability)
	return &r, nil
}

// DeleteRankingsBefore removes history older than the cutoff and returns
// the number of rows dropped. Used by the retention cleanup job.
func (s *PostgresStore) DeleteRankingsBefore(ctx context.Context, cutoff time.Time) (int64, error) {
	tag, err := s.db.Exec(ctx, `DELETE FROM serp_rankings WHERE checked_at < $1`, cutoff)
	if err != nil {
		return 0, fmt.Errorf("postgres: cleanup rankings: %w", err)
	}
	return tag.RowsAffected(), nil
}

func nullableTime(t time.Time) *time.Time {
	if t.IsZero() {
		return nil
	}
	return &t
}
