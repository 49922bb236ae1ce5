// Package baselinestore is an optional durable cache for learned per-ID baselines
// (spec §3.4, §9), so a restarted process does not re-enter a learning window it has
// already completed for. It is deliberately not used for cross-process detection
// coordination: it persists a point-in-time snapshot, it does not share live state
// across workers.
package baselinestore

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"github.com/skywalker-88/canwarden/pkg/config"
)

const keyPrefix = "canwarden:baseline:"

func key(canID string) string { return keyPrefix + canID }

// Store persists learned config.IDSettings snapshots to Redis. A Store built with
// Enabled=false (the default, or when Redis is unreachable at startup) degrades every
// operation to a silent no-op, matching the original's "ping is non-fatal" startup
// behavior adapted from the teacher's main.go.
type Store struct {
	rdb     *redis.Client
	log     zerolog.Logger
	enabled bool
}

// New builds a Store from the config's redis section. If disabled or unreachable, it
// returns a Store that no-ops on every call and logs a warning once, rather than an
// error — a missing cache must never stop the pipeline from running.
func New(ctx context.Context, cfg *config.Store, log zerolog.Logger) *Store {
	settings := cfg.RedisSettings()
	if settings.Enabled == nil || !*settings.Enabled {
		return &Store{log: log, enabled: false}
	}

	addr := settings.Addr
	if addr == "" {
		addr = "redis:6379"
	}
	rdb := redis.NewClient(&redis.Options{Addr: addr})

	pingCtx, cancel := context.WithTimeout(ctx, 500*time.Millisecond)
	defer cancel()
	if err := rdb.Ping(pingCtx).Err(); err != nil {
		log.Warn().Err(err).Str("addr", addr).Msg("baseline store redis unreachable, degrading to in-memory-only")
		return &Store{log: log, enabled: false}
	}
	log.Info().Str("addr", addr).Msg("baseline store redis reachable")
	return &Store{rdb: rdb, log: log, enabled: true}
}

// Enabled reports whether this store is backed by a reachable Redis instance.
func (s *Store) Enabled() bool { return s.enabled }

// Get fetches the persisted baseline snapshot for canID. A cache miss, a disabled
// store, or a Redis error all report ok=false; only a genuine unmarshal failure logs at
// warn (and self-heals by deleting the corrupt key), matching RedisMitigator's lenient
// corrupt-data handling.
func (s *Store) Get(ctx context.Context, canID string) (settings config.IDSettings, ok bool) {
	if !s.enabled {
		return config.IDSettings{}, false
	}
	b, err := s.rdb.Get(ctx, key(canID)).Bytes()
	if err == redis.Nil {
		return config.IDSettings{}, false
	}
	if err != nil {
		s.log.Warn().Err(err).Str("can_id", canID).Msg("baseline store get failed")
		return config.IDSettings{}, false
	}
	if err := json.Unmarshal(b, &settings); err != nil {
		s.log.Warn().Err(err).Str("can_id", canID).Msg("baseline store entry corrupt, dropping")
		_ = s.rdb.Del(ctx, key(canID)).Err()
		return config.IDSettings{}, false
	}
	return settings, true
}

// Put persists canID's current learned settings. Errors are logged and otherwise
// swallowed: a failed write degrades the next restart's warm start, nothing more.
func (s *Store) Put(ctx context.Context, canID string, settings config.IDSettings) {
	if !s.enabled {
		return
	}
	b, err := json.Marshal(settings)
	if err != nil {
		s.log.Warn().Err(err).Str("can_id", canID).Msg("baseline store marshal failed")
		return
	}
	if err := s.rdb.Set(ctx, key(canID), b, 0).Err(); err != nil {
		s.log.Warn().Err(err).Str("can_id", canID).Msg("baseline store put failed")
	}
}

// RestoreAll loads every persisted baseline for the given IDs into cfg, so a restarted
// process resumes with the learned state it already produced rather than re-entering
// the learning window (spec §3.4). Returns the number of IDs restored.
func (s *Store) RestoreAll(ctx context.Context, cfg *config.Store, canIDs []string) int {
	if !s.enabled {
		return 0
	}
	restored := 0
	for _, id := range canIDs {
		if settings, ok := s.Get(ctx, id); ok {
			cfg.SetIDSettings(id, settings)
			restored++
		}
	}
	if restored > 0 {
		s.log.Info().Int("count", restored).Msg("restored learned baselines from redis")
	}
	return restored
}

// Close releases the underlying Redis client, if any.
func (s *Store) Close() error {
	if s.rdb == nil {
		return nil
	}
	return s.rdb.Close()
}

// String implements fmt.Stringer for debug logging.
func (s *Store) String() string {
	return fmt.Sprintf("baselinestore{enabled=%v}", s.enabled)
}
