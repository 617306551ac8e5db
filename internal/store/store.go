// Package store is the shared-state substrate every scheduler instance and
// worker talks to: a small key-value + sorted-set + counter-hash surface with
// per-operation atomicity.
//
// Task records, status/type indices and admission tokens all live here, so any
// number of processes can coordinate without talking to each other directly.
// Four drivers are provided:
//
//   - "memory":   in-process maps; the test substrate and single-binary mode
//   - "redis":    the usual multi-instance deployment (compound ops are Lua)
//   - "sqlite":   durable single-node file database
//   - "postgres": durable shared database
//
// Compound operations (ZMove, ZAddIfCardBelow) are atomic within every driver;
// nothing here requires cross-operation transactions.
package store

import (
	"context"
	"errors"
	"strings"
	"time"

	logx "pubfleet/pkg/logx"
)

// Member is one sorted-set entry.
type Member struct {
	Value string
	Score float64
}

// Store is the minimal shared-state API used by the scheduler components.
//
// Keys are flat strings namespaced by the caller ("task:<id>", "adm:scope:...").
// Scores are float64 for redis compatibility; callers use unix-milli timestamps.
type Store interface {
	// Key-value records. Get returns ErrNotFound for absent or expired keys.
	// ttl == 0 means no expiry. SetNX reports false when the key already exists.
	// Delete removes the key whatever structure lives under it, including
	// whole sorted sets and hashes.
	Get(ctx context.Context, key string) ([]byte, error)
	Set(ctx context.Context, key string, value []byte, ttl time.Duration) error
	SetNX(ctx context.Context, key string, value []byte, ttl time.Duration) (bool, error)
	Delete(ctx context.Context, key string) error

	// Sorted sets. ZRange returns members in ascending (score, value) order
	// starting at offset; count < 0 returns everything from offset on.
	ZAdd(ctx context.Context, key, member string, score float64) error
	ZRem(ctx context.Context, key string, members ...string) error
	ZCard(ctx context.Context, key string) (int64, error)
	ZRange(ctx context.Context, key string, offset, count int64) ([]Member, error)
	ZRemRangeByScore(ctx context.Context, key string, min, max float64) (int64, error)

	// ZMove removes member from src (if present) and inserts it into dst with
	// score, as one atomic step. The insert happens even when src did not
	// contain the member, so out-of-order writers cannot strand an entry
	// outside every index.
	ZMove(ctx context.Context, src, dst, member string, score float64) error

	// ZAddIfCardBelow evicts members with score <= floor, then inserts member
	// iff the remaining cardinality is below limit (limit <= 0 = no limit).
	// Reports whether the insert happened. Eviction and insert are one atomic
	// step; this is the admission-token primitive.
	ZAddIfCardBelow(ctx context.Context, key, member string, score, floor float64, limit int64) (bool, error)

	// Counter hashes.
	HIncrBy(ctx context.Context, key, field string, delta int64) (int64, error)
	HGetAll(ctx context.Context, key string) (map[string]int64, error)

	Ping(ctx context.Context) error
	Close() error
}

// Pruner is implemented by drivers that keep expired keys around until
// something sweeps them. The maintenance janitor calls Prune periodically;
// drivers also self-prune opportunistically.
type Pruner interface {
	Prune(ctx context.Context) (removed int64, err error)
}

// Config selects and configures a driver.
type Config struct {
	Driver string // "memory", "redis", "sqlite", "postgres"

	// redis
	Addr     string
	Password string
	DB       int

	// sqlite
	Path        string
	BusyTimeout time.Duration // 0 means default

	// postgres
	DSN string
}

// Open initializes the configured store.
func Open(cfg Config, log logx.Logger) (Store, error) {
	if log.IsZero() {
		log = logx.Nop()
	}

	switch strings.ToLower(strings.TrimSpace(cfg.Driver)) {
	case "", "memory":
		return NewMemory(), nil
	case "redis":
		return openRedis(cfg, log)
	case "sqlite", "sqlite3":
		return openSQLite(cfg, log)
	case "postgres", "postgresql":
		return openPostgres(cfg, log)
	default:
		return nil, errors.New("unknown store driver: " + cfg.Driver)
	}
}
