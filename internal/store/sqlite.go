package store

import (
	"context"
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync/atomic"
	"time"

	_ "modernc.org/sqlite"

	"pubfleet/pkg/logx"
)

//go:embed migrations.sql
var migrationsFS embed.FS

// SQLite backs single-node deployments where the scheduler owns the file.
// One writer connection keeps every statement serialized, so the compound
// operations only need a transaction for read-after-write consistency.
type SQLite struct {
	db  *sql.DB
	log logx.Logger

	opCount    atomic.Uint64
	pruneEvery uint64
}

func openSQLite(cfg Config, log logx.Logger) (*SQLite, error) {
	if strings.TrimSpace(cfg.Path) == "" {
		return nil, errors.New("sqlite path is required")
	}
	if err := os.MkdirAll(filepath.Dir(cfg.Path), 0o755); err != nil {
		return nil, err
	}

	db, err := sql.Open("sqlite", cfg.Path)
	if err != nil {
		return nil, err
	}
	// SQLite prefers a small number of concurrent writers.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	if cfg.BusyTimeout > 0 {
		ms := cfg.BusyTimeout.Milliseconds()
		_, _ = db.Exec(fmt.Sprintf("PRAGMA busy_timeout = %d", ms))
	}
	_, _ = db.Exec("PRAGMA journal_mode = WAL")
	_, _ = db.Exec("PRAGMA synchronous = NORMAL")

	st := &SQLite{db: db, log: log, pruneEvery: 500}
	if err := st.migrate(context.Background()); err != nil {
		_ = db.Close()
		return nil, err
	}
	log.Debug("store: sqlite opened", logx.String("path", cfg.Path))
	return st, nil
}

func (s *SQLite) migrate(ctx context.Context) error {
	b, err := migrationsFS.ReadFile("migrations.sql")
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx, string(b))
	return err
}

func (s *SQLite) Get(ctx context.Context, key string) ([]byte, error) {
	var (
		value   []byte
		expires sql.NullInt64
	)
	err := s.db.QueryRowContext(ctx,
		`SELECT value, expires_ms FROM kv WHERE key = ?`, key).Scan(&value, &expires)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, s.wrap("get", err)
	}
	if expires.Valid && expires.Int64 <= time.Now().UnixMilli() {
		_, _ = s.db.ExecContext(ctx, `DELETE FROM kv WHERE key = ?`, key)
		return nil, ErrNotFound
	}
	return value, nil
}

func (s *SQLite) Set(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO kv(key, value, expires_ms) VALUES(?,?,?)
		 ON CONFLICT(key) DO UPDATE SET value=excluded.value, expires_ms=excluded.expires_ms`,
		key, value, expiresMilli(ttl))
	if err != nil {
		return s.wrap("set", err)
	}
	s.maybePrune()
	return nil
}

func (s *SQLite) SetNX(ctx context.Context, key string, value []byte, ttl time.Duration) (bool, error) {
	// The conflict branch only fires when the existing row has expired,
	// so RowsAffected doubles as the "was absent" signal.
	res, err := s.db.ExecContext(ctx,
		`INSERT INTO kv(key, value, expires_ms) VALUES(?,?,?)
		 ON CONFLICT(key) DO UPDATE SET value=excluded.value, expires_ms=excluded.expires_ms
		 WHERE kv.expires_ms IS NOT NULL AND kv.expires_ms <= ?`,
		key, value, expiresMilli(ttl), time.Now().UnixMilli())
	if err != nil {
		return false, s.wrap("setnx", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, s.wrap("setnx", err)
	}
	s.maybePrune()
	return n > 0, nil
}

func (s *SQLite) Delete(ctx context.Context, key string) error {
	for _, q := range []string{
		`DELETE FROM kv WHERE key = ?`,
		`DELETE FROM zset WHERE key = ?`,
		`DELETE FROM hash WHERE key = ?`,
	} {
		if _, err := s.db.ExecContext(ctx, q, key); err != nil {
			return s.wrap("del", err)
		}
	}
	return nil
}

func (s *SQLite) ZAdd(ctx context.Context, key, member string, score float64) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO zset(key, member, score) VALUES(?,?,?)
		 ON CONFLICT(key, member) DO UPDATE SET score=excluded.score`,
		key, member, score)
	if err != nil {
		return s.wrap("zadd", err)
	}
	return nil
}

func (s *SQLite) ZRem(ctx context.Context, key string, members ...string) error {
	if len(members) == 0 {
		return nil
	}
	placeholders := strings.Repeat(",?", len(members))[1:]
	args := make([]any, 0, len(members)+1)
	args = append(args, key)
	for _, m := range members {
		args = append(args, m)
	}
	_, err := s.db.ExecContext(ctx,
		`DELETE FROM zset WHERE key = ? AND member IN (`+placeholders+`)`, args...)
	if err != nil {
		return s.wrap("zrem", err)
	}
	return nil
}

func (s *SQLite) ZCard(ctx context.Context, key string) (int64, error) {
	var n int64
	err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM zset WHERE key = ?`, key).Scan(&n)
	if err != nil {
		return 0, s.wrap("zcard", err)
	}
	return n, nil
}

func (s *SQLite) ZRange(ctx context.Context, key string, offset, count int64) ([]Member, error) {
	if count < 0 {
		count = -1 // SQLite treats LIMIT -1 as unbounded.
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT member, score FROM zset WHERE key = ?
		 ORDER BY score ASC, member ASC LIMIT ? OFFSET ?`,
		key, count, offset)
	if err != nil {
		return nil, s.wrap("zrange", err)
	}
	defer rows.Close()

	var out []Member
	for rows.Next() {
		var m Member
		if err := rows.Scan(&m.Value, &m.Score); err != nil {
			return nil, s.wrap("zrange", err)
		}
		out = append(out, m)
	}
	if err := rows.Err(); err != nil {
		return nil, s.wrap("zrange", err)
	}
	return out, nil
}

func (s *SQLite) ZRemRangeByScore(ctx context.Context, key string, min, max float64) (int64, error) {
	res, err := s.db.ExecContext(ctx,
		`DELETE FROM zset WHERE key = ? AND score >= ? AND score <= ?`, key, min, max)
	if err != nil {
		return 0, s.wrap("zremrangebyscore", err)
	}
	n, _ := res.RowsAffected()
	return n, nil
}

func (s *SQLite) ZMove(ctx context.Context, src, dst, member string, score float64) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return s.wrap("zmove", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx,
		`DELETE FROM zset WHERE key = ? AND member = ?`, src, member); err != nil {
		return s.wrap("zmove", err)
	}
	if _, err := tx.ExecContext(ctx,
		`INSERT INTO zset(key, member, score) VALUES(?,?,?)
		 ON CONFLICT(key, member) DO UPDATE SET score=excluded.score`,
		dst, member, score); err != nil {
		return s.wrap("zmove", err)
	}
	if err := tx.Commit(); err != nil {
		return s.wrap("zmove", err)
	}
	return nil
}

func (s *SQLite) ZAddIfCardBelow(ctx context.Context, key, member string, score, floor float64, limit int64) (bool, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return false, s.wrap("zaddcapped", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx,
		`DELETE FROM zset WHERE key = ? AND score <= ?`, key, floor); err != nil {
		return false, s.wrap("zaddcapped", err)
	}
	if limit > 0 {
		var n int64
		if err := tx.QueryRowContext(ctx,
			`SELECT COUNT(*) FROM zset WHERE key = ?`, key).Scan(&n); err != nil {
			return false, s.wrap("zaddcapped", err)
		}
		if n >= limit {
			return false, tx.Commit()
		}
	}
	if _, err := tx.ExecContext(ctx,
		`INSERT INTO zset(key, member, score) VALUES(?,?,?)
		 ON CONFLICT(key, member) DO UPDATE SET score=excluded.score`,
		key, member, score); err != nil {
		return false, s.wrap("zaddcapped", err)
	}
	if err := tx.Commit(); err != nil {
		return false, s.wrap("zaddcapped", err)
	}
	return true, nil
}

func (s *SQLite) HIncrBy(ctx context.Context, key, field string, delta int64) (int64, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, s.wrap("hincrby", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx,
		`INSERT INTO hash(key, field, value) VALUES(?,?,?)
		 ON CONFLICT(key, field) DO UPDATE SET value = hash.value + excluded.value`,
		key, field, delta); err != nil {
		return 0, s.wrap("hincrby", err)
	}
	var n int64
	if err := tx.QueryRowContext(ctx,
		`SELECT value FROM hash WHERE key = ? AND field = ?`, key, field).Scan(&n); err != nil {
		return 0, s.wrap("hincrby", err)
	}
	if err := tx.Commit(); err != nil {
		return 0, s.wrap("hincrby", err)
	}
	return n, nil
}

func (s *SQLite) HGetAll(ctx context.Context, key string) (map[string]int64, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT field, value FROM hash WHERE key = ?`, key)
	if err != nil {
		return nil, s.wrap("hgetall", err)
	}
	defer rows.Close()

	out := make(map[string]int64)
	for rows.Next() {
		var (
			f string
			v int64
		)
		if err := rows.Scan(&f, &v); err != nil {
			return nil, s.wrap("hgetall", err)
		}
		out[f] = v
	}
	if err := rows.Err(); err != nil {
		return nil, s.wrap("hgetall", err)
	}
	return out, nil
}

func (s *SQLite) Ping(ctx context.Context) error {
	if err := s.db.PingContext(ctx); err != nil {
		return s.wrap("ping", err)
	}
	return nil
}

func (s *SQLite) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

func (s *SQLite) Prune(ctx context.Context) (int64, error) {
	res, err := s.db.ExecContext(ctx,
		`DELETE FROM kv WHERE expires_ms IS NOT NULL AND expires_ms <= ?`,
		time.Now().UnixMilli())
	if err != nil {
		return 0, s.wrap("prune", err)
	}
	n, _ := res.RowsAffected()
	return n, nil
}

func (s *SQLite) maybePrune() {
	if s.opCount.Add(1)%s.pruneEvery != 0 {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	_, _ = s.Prune(ctx)
}

func (s *SQLite) wrap(op string, err error) error {
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return err
	}
	return unavailable(op, err)
}

func expiresMilli(ttl time.Duration) any {
	if ttl <= 0 {
		return nil
	}
	return time.Now().Add(ttl).UnixMilli()
}
