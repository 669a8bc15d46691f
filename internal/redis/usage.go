package redis

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/redis/rueidis"

	"github.com/hsn0918/serptrack/internal/logger"
)

const (
	pauseKeyPrefix = "serptrack:pause:"
	usageKeyPrefix = "serptrack:usage:"

	// usage counters expire after two days: the daily reset makes older
	// counters meaningless.
	usageTTL = 48 * time.Hour
)

// UsageCache 在多实例部署下共享凭证暂停窗口与用量计数。
type UsageCache struct {
	client rueidis.Client
	log    *slog.Logger
}

func NewUsageCache(client rueidis.Client) *UsageCache {
	return &UsageCache{
		client: client,
		log:    logger.Get().With("component", "usage_cache"),
	}
}

// MarkPaused mirrors a pause window with a TTL matching its duration.
func (u *UsageCache) MarkPaused(ctx context.Context, credentialID string, until time.Time) {
	ttl := time.Until(until)
	if ttl <= 0 {
		return
	}
	seconds := int64(ttl.Seconds())
	if seconds < 1 {
		seconds = 1
	}
	key := pauseKeyPrefix + credentialID
	cmd := u.client.B().Set().Key(key).Value("1").ExSeconds(seconds).Build()
	if err := u.client.Do(ctx, cmd).Error(); err != nil {
		u.log.Warn("mark paused failed", "credential_id", credentialID, "error", err)
	}
}

// IsPaused reports whether another instance paused this credential. Cache
// errors read as not paused.
func (u *UsageCache) IsPaused(ctx context.Context, credentialID string) bool {
	key := pauseKeyPrefix + credentialID
	n, err := u.client.Do(ctx, u.client.B().Exists().Key(key).Build()).AsInt64()
	if err != nil {
		return false
	}
	return n > 0
}

// IncrUsage bumps today's shared usage counter for a credential.
func (u *UsageCache) IncrUsage(ctx context.Context, credentialID string) {
	key := fmt.Sprintf("%s%s:%s", usageKeyPrefix, credentialID, time.Now().UTC().Format("2006-01-02"))
	if err := u.client.Do(ctx, u.client.B().Incr().Key(key).Build()).Error(); err != nil {
		u.log.Warn("incr usage failed", "credential_id", credentialID, "error", err)
		return
	}
	if err := u.client.Do(ctx, u.client.B().Expire().Key(key).Seconds(int64(usageTTL.Seconds())).Build()).Error(); err != nil {
		u.log.Warn("set usage ttl failed", "credential_id", credentialID, "error", err)
	}
}
