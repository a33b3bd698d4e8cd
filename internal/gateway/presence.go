package gateway

import (
	"context"
	"log/slog"
	"strconv"
	"sync"
	"time"

	"parley/internal/middleware"
	"parley/internal/observability"

	"github.com/redis/go-redis/v9"
)

const (
	defaultPresenceOnlineSetKey  = "ws:online_users"
	defaultPresenceLastSeenKeyNS = "ws:last_seen:"
	defaultPresenceTTL           = 90 * time.Second
	defaultReaperInterval        = 60 * time.Second
)

// PresenceConfig controls the Redis presence mirror and cleanup behavior.
type PresenceConfig struct {
	OnlineSetKey      string
	LastSeenKeyPrefix string
	LastSeenTTL       time.Duration
	ReaperInterval    time.Duration
	OnUserOnline      func(userID string)
	OnUserOffline     func(userID string)
}

// PresenceTracker tracks session counts per user and fires callbacks strictly
// on the 0-to-1 and 1-to-0 transitions. Local counts are authoritative; Redis
// holds a best-effort mirror for cross-instance visibility, with a reaper that
// drops entries whose last-seen key expired.
type PresenceTracker struct {
	rdb *redis.Client

	mu              sync.RWMutex
	localConnCounts map[string]int

	onlineSetKey      string
	lastSeenKeyPrefix string
	lastSeenTTL       time.Duration
	reaperInterval    time.Duration

	onUserOnline  func(userID string)
	onUserOffline func(userID string)

	stopOnce sync.Once
	stopCh   chan struct{}
}

// NewPresenceTracker creates a tracker and starts a Redis reaper when Redis
// is available.
func NewPresenceTracker(rdb *redis.Client, cfg PresenceConfig) *PresenceTracker {
	p := &PresenceTracker{
		rdb:               rdb,
		localConnCounts:   make(map[string]int),
		onlineSetKey:      defaultPresenceOnlineSetKey,
		lastSeenKeyPrefix: defaultPresenceLastSeenKeyNS,
		lastSeenTTL:       defaultPresenceTTL,
		reaperInterval:    defaultReaperInterval,
		onUserOnline:      cfg.OnUserOnline,
		onUserOffline:     cfg.OnUserOffline,
		stopCh:            make(chan struct{}),
	}

	if cfg.OnlineSetKey != "" {
		p.onlineSetKey = cfg.OnlineSetKey
	}
	if cfg.LastSeenKeyPrefix != "" {
		p.lastSeenKeyPrefix = cfg.LastSeenKeyPrefix
	}
	if cfg.LastSeenTTL > 0 {
		p.lastSeenTTL = cfg.LastSeenTTL
	}
	if cfg.ReaperInterval > 0 {
		p.reaperInterval = cfg.ReaperInterval
	}

	if p.rdb != nil && p.reaperInterval > 0 {
		go p.reaperLoop()
	}

	return p
}

// SetCallbacks installs the presence transition callbacks.
func (p *PresenceTracker) SetCallbacks(onOnline, onOffline func(userID string)) {
	p.mu.Lock()
	p.onUserOnline = onOnline
	p.onUserOffline = onOffline
	p.mu.Unlock()
}

// Stop shuts down the reaper loop.
func (p *PresenceTracker) Stop() {
	p.stopOnce.Do(func() {
		close(p.stopCh)
	})
}

// Register counts a new session for the user. Fires the online callback only
// when this is the user's first session.
func (p *PresenceTracker) Register(ctx context.Context, userID string) {
	p.mu.Lock()
	p.localConnCounts[userID]++
	first := p.localConnCounts[userID] == 1
	cb := p.onUserOnline
	p.mu.Unlock()

	p.Touch(ctx, userID)
	if first && cb != nil {
		cb(userID)
	}
}

// Unregister drops a session for the user. Fires the offline callback only
// when this was the user's last session.
func (p *PresenceTracker) Unregister(ctx context.Context, userID string) {
	p.mu.Lock()
	n := p.localConnCounts[userID]
	if n == 0 {
		p.mu.Unlock()
		return
	}
	n--
	last := n == 0
	if last {
		delete(p.localConnCounts, userID)
	} else {
		p.localConnCounts[userID] = n
	}
	cb := p.onUserOffline
	p.mu.Unlock()

	if !last {
		return
	}

	if p.rdb != nil {
		if err := p.rdb.SRem(ctx, p.onlineSetKey, userID).Err(); err != nil {
			observability.RecordRedisError("presence_srem")
		}
		if err := p.rdb.Del(ctx, p.lastSeenKey(userID)).Err(); err != nil {
			observability.RecordRedisError("presence_del")
		}
	}
	if cb != nil {
		cb(userID)
	}
}

// Touch refreshes the Redis mirror for the user.
func (p *PresenceTracker) Touch(ctx context.Context, userID string) {
	if p.rdb == nil {
		return
	}
	if err := p.rdb.SAdd(ctx, p.onlineSetKey, userID).Err(); err != nil {
		observability.RecordRedisError("presence_sadd")
		middleware.Logger.Warn("presence touch SADD failed",
			slog.String("user_id", userID), slog.String("error", err.Error()))
	}
	now := strconv.FormatInt(time.Now().Unix(), 10)
	if err := p.rdb.SetEx(ctx, p.lastSeenKey(userID), now, p.lastSeenTTL).Err(); err != nil {
		observability.RecordRedisError("presence_setex")
		middleware.Logger.Warn("presence touch SETEX failed",
			slog.String("user_id", userID), slog.String("error", err.Error()))
	}
}

// IsOnline reports whether the user has a session on this instance, falling
// back to the Redis mirror for users connected elsewhere.
func (p *PresenceTracker) IsOnline(ctx context.Context, userID string) bool {
	p.mu.RLock()
	local := p.localConnCounts[userID] > 0
	p.mu.RUnlock()
	if local {
		return true
	}

	if p.rdb == nil {
		return false
	}
	exists, err := p.rdb.Exists(ctx, p.lastSeenKey(userID)).Result()
	if err != nil {
		return false
	}
	return exists > 0
}

// OnlineUserIDs returns online user ids from the Redis mirror with stale
// entries filtered out, unioned with local sessions as a safety net.
func (p *PresenceTracker) OnlineUserIDs(ctx context.Context) []string {
	local := p.localUserIDs()
	if p.rdb == nil {
		return local
	}

	members, err := p.rdb.SMembers(ctx, p.onlineSetKey).Result()
	if err != nil {
		return local
	}

	seen := make(map[string]struct{}, len(members)+len(local))
	result := make([]string, 0, len(members)+len(local))

	for _, userID := range members {
		exists, existsErr := p.rdb.Exists(ctx, p.lastSeenKey(userID)).Result()
		if existsErr != nil {
			continue
		}
		if exists == 0 {
			_ = p.rdb.SRem(ctx, p.onlineSetKey, userID).Err()
			continue
		}
		if _, ok := seen[userID]; ok {
			continue
		}
		seen[userID] = struct{}{}
		result = append(result, userID)
	}

	for _, userID := range local {
		if _, ok := seen[userID]; ok {
			continue
		}
		seen[userID] = struct{}{}
		result = append(result, userID)
	}

	return result
}

// reapOnce performs one cleanup pass over the Redis mirror.
func (p *PresenceTracker) reapOnce(ctx context.Context) {
	if p.rdb == nil {
		return
	}

	members, err := p.rdb.SMembers(ctx, p.onlineSetKey).Result()
	if err != nil {
		return
	}

	for _, userID := range members {
		exists, existsErr := p.rdb.Exists(ctx, p.lastSeenKey(userID)).Result()
		if existsErr != nil || exists > 0 {
			continue
		}
		_ = p.rdb.SRem(ctx, p.onlineSetKey, userID).Err()
	}
}

func (p *PresenceTracker) reaperLoop() {
	ctx := context.Background()
	ticker := time.NewTicker(p.reaperInterval)
	defer ticker.Stop()

	for {
		select {
		case <-p.stopCh:
			return
		case <-ticker.C:
			p.reapOnce(ctx)
		}
	}
}

func (p *PresenceTracker) localUserIDs() []string {
	p.mu.RLock()
	defer p.mu.RUnlock()
	ids := make([]string, 0, len(p.localConnCounts))
	for userID, count := range p.localConnCounts {
		if count > 0 {
			ids = append(ids, userID)
		}
	}
	return ids
}

func (p *PresenceTracker) lastSeenKey(userID string) string {
	return p.lastSeenKeyPrefix + userID
}
