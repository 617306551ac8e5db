package store

import (
	"context"
	"errors"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"

	"pubfleet/pkg/logx"
)

// Redis backs multi-node deployments. Compound operations run as Lua
// scripts so record and index never diverge under concurrent writers.
type Redis struct {
	client *redis.Client
	log    logx.Logger
}

var (
	// ZREM from src and ZADD to dst in one step. The member is added to
	// dst even when src never held it, which lets callers index records
	// that predate the index itself.
	zmoveScript = redis.NewScript(`
redis.call('ZREM', KEYS[1], ARGV[1])
redis.call('ZADD', KEYS[2], ARGV[2], ARGV[1])
return 1
`)

	// Evict members scored at or below the floor, then add the new member
	// only while cardinality is under the limit. limit <= 0 disables the
	// cap. Returns 1 on insert, 0 when full.
	zaddCappedScript = redis.NewScript(`
redis.call('ZREMRANGEBYSCORE', KEYS[1], '-inf', ARGV[3])
local limit = tonumber(ARGV[4])
if limit > 0 and redis.call('ZCARD', KEYS[1]) >= limit then
  return 0
end
redis.call('ZADD', KEYS[1], ARGV[2], ARGV[1])
return 1
`)
)

func openRedis(cfg Config, log logx.Logger) (*Redis, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, unavailable("ping", err)
	}

	log.Debug("store: redis connected", logx.String("addr", cfg.Addr), logx.Int("db", cfg.DB))
	return &Redis{client: client, log: log}, nil
}

func (r *Redis) Get(ctx context.Context, key string) ([]byte, error) {
	v, err := r.client.Get(ctx, key).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, r.wrap("get", err)
	}
	return v, nil
}

func (r *Redis) Set(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	if err := r.client.Set(ctx, key, value, ttl).Err(); err != nil {
		return r.wrap("set", err)
	}
	return nil
}

func (r *Redis) SetNX(ctx context.Context, key string, value []byte, ttl time.Duration) (bool, error) {
	ok, err := r.client.SetNX(ctx, key, value, ttl).Result()
	if err != nil {
		return false, r.wrap("setnx", err)
	}
	return ok, nil
}

func (r *Redis) Delete(ctx context.Context, key string) error {
	if err := r.client.Del(ctx, key).Err(); err != nil {
		return r.wrap("del", err)
	}
	return nil
}

func (r *Redis) ZAdd(ctx context.Context, key, member string, score float64) error {
	if err := r.client.ZAdd(ctx, key, redis.Z{Score: score, Member: member}).Err(); err != nil {
		return r.wrap("zadd", err)
	}
	return nil
}

func (r *Redis) ZRem(ctx context.Context, key string, members ...string) error {
	if len(members) == 0 {
		return nil
	}
	args := make([]interface{}, len(members))
	for i, m := range members {
		args[i] = m
	}
	if err := r.client.ZRem(ctx, key, args...).Err(); err != nil {
		return r.wrap("zrem", err)
	}
	return nil
}

func (r *Redis) ZCard(ctx context.Context, key string) (int64, error) {
	n, err := r.client.ZCard(ctx, key).Result()
	if err != nil {
		return 0, r.wrap("zcard", err)
	}
	return n, nil
}

func (r *Redis) ZRange(ctx context.Context, key string, offset, count int64) ([]Member, error) {
	stop := int64(-1)
	if count >= 0 {
		stop = offset + count - 1
		if stop < offset {
			return nil, nil
		}
	}
	zs, err := r.client.ZRangeWithScores(ctx, key, offset, stop).Result()
	if err != nil {
		return nil, r.wrap("zrange", err)
	}
	out := make([]Member, 0, len(zs))
	for _, z := range zs {
		v, _ := z.Member.(string)
		out = append(out, Member{Value: v, Score: z.Score})
	}
	return out, nil
}

func (r *Redis) ZRemRangeByScore(ctx context.Context, key string, min, max float64) (int64, error) {
	n, err := r.client.ZRemRangeByScore(ctx, key,
		strconv.FormatFloat(min, 'f', -1, 64),
		strconv.FormatFloat(max, 'f', -1, 64)).Result()
	if err != nil {
		return 0, r.wrap("zremrangebyscore", err)
	}
	return n, nil
}

func (r *Redis) ZMove(ctx context.Context, src, dst, member string, score float64) error {
	err := zmoveScript.Run(ctx, r.client, []string{src, dst}, member, score).Err()
	if err != nil && !errors.Is(err, redis.Nil) {
		return r.wrap("zmove", err)
	}
	return nil
}

func (r *Redis) ZAddIfCardBelow(ctx context.Context, key, member string, score, floor float64, limit int64) (bool, error) {
	n, err := zaddCappedScript.Run(ctx, r.client, []string{key}, member, score, floor, limit).Int()
	if err != nil && !errors.Is(err, redis.Nil) {
		return false, r.wrap("zaddcapped", err)
	}
	return n == 1, nil
}

func (r *Redis) HIncrBy(ctx context.Context, key, field string, delta int64) (int64, error) {
	n, err := r.client.HIncrBy(ctx, key, field, delta).Result()
	if err != nil {
		return 0, r.wrap("hincrby", err)
	}
	return n, nil
}

func (r *Redis) HGetAll(ctx context.Context, key string) (map[string]int64, error) {
	raw, err := r.client.HGetAll(ctx, key).Result()
	if err != nil {
		return nil, r.wrap("hgetall", err)
	}
	out := make(map[string]int64, len(raw))
	for f, v := range raw {
		n, perr := strconv.ParseInt(v, 10, 64)
		if perr != nil {
			continue
		}
		out[f] = n
	}
	return out, nil
}

func (r *Redis) Ping(ctx context.Context) error {
	if err := r.client.Ping(ctx).Err(); err != nil {
		return r.wrap("ping", err)
	}
	return nil
}

func (r *Redis) Close() error {
	return r.client.Close()
}

func (r *Redis) wrap(op string, err error) error {
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return err
	}
	return unavailable(op, err)
}
