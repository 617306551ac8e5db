package store

import (
	"context"
	"database/sql"
	"errors"
	"strings"
	"time"

	"github.com/lib/pq"

	"pubfleet/pkg/logx"
)

// Postgres backs deployments that already run a relational database and
// do not want a second substrate. Check-then-act compound operations take
// a per-key advisory lock so concurrent schedulers agree on cardinality.
type Postgres struct {
	db  *sql.DB
	log logx.Logger
}

const postgresSchema = `
CREATE TABLE IF NOT EXISTS kv (
  key        TEXT PRIMARY KEY,
  value      BYTEA NOT NULL,
  expires_ms BIGINT
);

CREATE TABLE IF NOT EXISTS zset (
  key    TEXT NOT NULL,
  member TEXT NOT NULL,
  score  DOUBLE PRECISION NOT NULL,
  PRIMARY KEY (key, member)
);

CREATE INDEX IF NOT EXISTS idx_zset_key_score ON zset (key, score);

CREATE TABLE IF NOT EXISTS hash (
  key   TEXT NOT NULL,
  field TEXT NOT NULL,
  value BIGINT NOT NULL,
  PRIMARY KEY (key, field)
);
`

func openPostgres(cfg Config, log logx.Logger) (*Postgres, error) {
	if strings.TrimSpace(cfg.DSN) == "" {
		return nil, errors.New("postgres dsn is required")
	}
	db, err := sql.Open("postgres", cfg.DSN)
	if err != nil {
		return nil, err
	}
	db.SetMaxOpenConns(8)
	db.SetConnMaxIdleTime(5 * time.Minute)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, unavailable("ping", err)
	}
	if _, err := db.ExecContext(ctx, postgresSchema); err != nil {
		_ = db.Close()
		return nil, unavailable("migrate", err)
	}

	log.Debug("store: postgres connected")
	return &Postgres{db: db, log: log}, nil
}

func (p *Postgres) Get(ctx context.Context, key string) ([]byte, error) {
	var (
		value   []byte
		expires sql.NullInt64
	)
	err := p.db.QueryRowContext(ctx,
		`SELECT value, expires_ms FROM kv WHERE key = $1`, key).Scan(&value, &expires)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, p.wrap("get", err)
	}
	if expires.Valid && expires.Int64 <= time.Now().UnixMilli() {
		_, _ = p.db.ExecContext(ctx, `DELETE FROM kv WHERE key = $1`, key)
		return nil, ErrNotFound
	}
	return value, nil
}

func (p *Postgres) Set(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	_, err := p.db.ExecContext(ctx,
		`INSERT INTO kv(key, value, expires_ms) VALUES($1,$2,$3)
		 ON CONFLICT (key) DO UPDATE SET value=excluded.value, expires_ms=excluded.expires_ms`,
		key, value, expiresMilliNull(ttl))
	if err != nil {
		return p.wrap("set", err)
	}
	return nil
}

func (p *Postgres) SetNX(ctx context.Context, key string, value []byte, ttl time.Duration) (bool, error) {
	res, err := p.db.ExecContext(ctx,
		`INSERT INTO kv(key, value, expires_ms) VALUES($1,$2,$3)
		 ON CONFLICT (key) DO UPDATE SET value=excluded.value, expires_ms=excluded.expires_ms
		 WHERE kv.expires_ms IS NOT NULL AND kv.expires_ms <= $4`,
		key, value, expiresMilliNull(ttl), time.Now().UnixMilli())
	if err != nil {
		return false, p.wrap("setnx", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, p.wrap("setnx", err)
	}
	return n > 0, nil
}

func (p *Postgres) Delete(ctx context.Context, key string) error {
	for _, q := range []string{
		`DELETE FROM kv WHERE key = $1`,
		`DELETE FROM zset WHERE key = $1`,
		`DELETE FROM hash WHERE key = $1`,
	} {
		if _, err := p.db.ExecContext(ctx, q, key); err != nil {
			return p.wrap("del", err)
		}
	}
	return nil
}

func (p *Postgres) ZAdd(ctx context.Context, key, member string, score float64) error {
	_, err := p.db.ExecContext(ctx,
		`INSERT INTO zset(key, member, score) VALUES($1,$2,$3)
		 ON CONFLICT (key, member) DO UPDATE SET score=excluded.score`,
		key, member, score)
	if err != nil {
		return p.wrap("zadd", err)
	}
	return nil
}

func (p *Postgres) ZRem(ctx context.Context, key string, members ...string) error {
	if len(members) == 0 {
		return nil
	}
	_, err := p.db.ExecContext(ctx,
		`DELETE FROM zset WHERE key = $1 AND member = ANY($2)`,
		key, pq.Array(members))
	if err != nil {
		return p.wrap("zrem", err)
	}
	return nil
}

func (p *Postgres) ZCard(ctx context.Context, key string) (int64, error) {
	var n int64
	err := p.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM zset WHERE key = $1`, key).Scan(&n)
	if err != nil {
		return 0, p.wrap("zcard", err)
	}
	return n, nil
}

func (p *Postgres) ZRange(ctx context.Context, key string, offset, count int64) ([]Member, error) {
	var limit any
	if count >= 0 {
		limit = count
	}
	rows, err := p.db.QueryContext(ctx,
		`SELECT member, score FROM zset WHERE key = $1
		 ORDER BY score ASC, member ASC LIMIT $2 OFFSET $3`,
		key, limit, offset)
	if err != nil {
		return nil, p.wrap("zrange", err)
	}
	defer rows.Close()

	var out []Member
	for rows.Next() {
		var m Member
		if err := rows.Scan(&m.Value, &m.Score); err != nil {
			return nil, p.wrap("zrange", err)
		}
		out = append(out, m)
	}
	if err := rows.Err(); err != nil {
		return nil, p.wrap("zrange", err)
	}
	return out, nil
}

func (p *Postgres) ZRemRangeByScore(ctx context.Context, key string, min, max float64) (int64, error) {
	res, err := p.db.ExecContext(ctx,
		`DELETE FROM zset WHERE key = $1 AND score >= $2 AND score <= $3`, key, min, max)
	if err != nil {
		return 0, p.wrap("zremrangebyscore", err)
	}
	n, _ := res.RowsAffected()
	return n, nil
}

func (p *Postgres) ZMove(ctx context.Context, src, dst, member string, score float64) error {
	tx, err := p.db.BeginTx(ctx, nil)
	if err != nil {
		return p.wrap("zmove", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx,
		`DELETE FROM zset WHERE key = $1 AND member = $2`, src, member); err != nil {
		return p.wrap("zmove", err)
	}
	if _, err := tx.ExecContext(ctx,
		`INSERT INTO zset(key, member, score) VALUES($1,$2,$3)
		 ON CONFLICT (key, member) DO UPDATE SET score=excluded.score`,
		dst, member, score); err != nil {
		return p.wrap("zmove", err)
	}
	if err := tx.Commit(); err != nil {
		return p.wrap("zmove", err)
	}
	return nil
}

func (p *Postgres) ZAddIfCardBelow(ctx context.Context, key, member string, score, floor float64, limit int64) (bool, error) {
	tx, err := p.db.BeginTx(ctx, nil)
	if err != nil {
		return false, p.wrap("zaddcapped", err)
	}
	defer tx.Rollback()

	// Serialize writers on this key; row locks alone cannot make the
	// count-then-insert below safe against concurrent inserts.
	if _, err := tx.ExecContext(ctx,
		`SELECT pg_advisory_xact_lock(hashtext($1))`, key); err != nil {
		return false, p.wrap("zaddcapped", err)
	}
	if _, err := tx.ExecContext(ctx,
		`DELETE FROM zset WHERE key = $1 AND score <= $2`, key, floor); err != nil {
		return false, p.wrap("zaddcapped", err)
	}
	if limit > 0 {
		var n int64
		if err := tx.QueryRowContext(ctx,
			`SELECT COUNT(*) FROM zset WHERE key = $1`, key).Scan(&n); err != nil {
			return false, p.wrap("zaddcapped", err)
		}
		if n >= limit {
			return false, tx.Commit()
		}
	}
	if _, err := tx.ExecContext(ctx,
		`INSERT INTO zset(key, member, score) VALUES($1,$2,$3)
		 ON CONFLICT (key, member) DO UPDATE SET score=excluded.score`,
		key, member, score); err != nil {
		return false, p.wrap("zaddcapped", err)
	}
	if err := tx.Commit(); err != nil {
		return false, p.wrap("zaddcapped", err)
	}
	return true, nil
}

func (p *Postgres) HIncrBy(ctx context.Context, key, field string, delta int64) (int64, error) {
	var n int64
	err := p.db.QueryRowContext(ctx,
		`INSERT INTO hash(key, field, value) VALUES($1,$2,$3)
		 ON CONFLICT (key, field) DO UPDATE SET value = hash.value + excluded.value
		 RETURNING value`,
		key, field, delta).Scan(&n)
	if err != nil {
		return 0, p.wrap("hincrby", err)
	}
	return n, nil
}

func (p *Postgres) HGetAll(ctx context.Context, key string) (map[string]int64, error) {
	rows, err := p.db.QueryContext(ctx,
		`SELECT field, value FROM hash WHERE key = $1`, key)
	if err != nil {
		return nil, p.wrap("hgetall", err)
	}
	defer rows.Close()

	out := make(map[string]int64)
	for rows.Next() {
		var (
			f string
			v int64
		)
		if err := rows.Scan(&f, &v); err != nil {
			return nil, p.wrap("hgetall", err)
		}
		out[f] = v
	}
	if err := rows.Err(); err != nil {
		return nil, p.wrap("hgetall", err)
	}
	return out, nil
}

func (p *Postgres) Ping(ctx context.Context) error {
	if err := p.db.PingContext(ctx); err != nil {
		return p.wrap("ping", err)
	}
	return nil
}

func (p *Postgres) Close() error {
	if p == nil || p.db == nil {
		return nil
	}
	return p.db.Close()
}

func (p *Postgres) Prune(ctx context.Context) (int64, error) {
	res, err := p.db.ExecContext(ctx,
		`DELETE FROM kv WHERE expires_ms IS NOT NULL AND expires_ms <= $1`,
		time.Now().UnixMilli())
	if err != nil {
		return 0, p.wrap("prune", err)
	}
	n, _ := res.RowsAffected()
	return n, nil
}

func (p *Postgres) wrap(op string, err error) error {
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return err
	}
	return unavailable(op, err)
}

func expiresMilliNull(ttl time.Duration) sql.NullInt64 {
	if ttl <= 0 {
		return sql.NullInt64{}
	}
	return sql.NullInt64{Int64: time.Now().Add(ttl).UnixMilli(), Valid: true}
}
