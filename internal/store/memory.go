package store

import (
	"context"
	"sort"
	"sync"
	"time"
)

// Memory is the in-process driver. It backs tests and the single-binary
// deployment where scheduler and workers share one process.
type Memory struct {
	mu     sync.Mutex
	kv     map[string]memEntry
	zsets  map[string]map[string]float64
	hashes map[string]map[string]int64

	// now is swappable in tests to exercise TTL behavior without sleeping.
	now func() time.Time

	ops        uint64
	pruneEvery uint64
}

type memEntry struct {
	value   []byte
	expires time.Time // zero = no expiry
}

func NewMemory() *Memory {
	return &Memory{
		kv:         make(map[string]memEntry),
		zsets:      make(map[string]map[string]float64),
		hashes:     make(map[string]map[string]int64),
		now:        time.Now,
		pruneEvery: 512,
	}
}

func (m *Memory) tick() {
	m.ops++
	if m.ops%m.pruneEvery == 0 {
		m.pruneLocked(m.now())
	}
}

func (m *Memory) pruneLocked(now time.Time) int64 {
	var removed int64
	for k, e := range m.kv {
		if !e.expires.IsZero() && !e.expires.After(now) {
			delete(m.kv, k)
			removed++
		}
	}
	return removed
}

func (m *Memory) Get(_ context.Context, key string) ([]byte, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.tick()

	e, ok := m.kv[key]
	if !ok {
		return nil, ErrNotFound
	}
	if !e.expires.IsZero() && !e.expires.After(m.now()) {
		delete(m.kv, key)
		return nil, ErrNotFound
	}
	out := make([]byte, len(e.value))
	copy(out, e.value)
	return out, nil
}

func (m *Memory) Set(_ context.Context, key string, value []byte, ttl time.Duration) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.tick()

	m.kv[key] = memEntry{value: cloneBytes(value), expires: m.deadline(ttl)}
	return nil
}

func (m *Memory) SetNX(_ context.Context, key string, value []byte, ttl time.Duration) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.tick()

	if e, ok := m.kv[key]; ok {
		if e.expires.IsZero() || e.expires.After(m.now()) {
			return false, nil
		}
		// Expired entry counts as absent.
	}
	m.kv[key] = memEntry{value: cloneBytes(value), expires: m.deadline(ttl)}
	return true, nil
}

func (m *Memory) Delete(_ context.Context, key string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.kv, key)
	delete(m.zsets, key)
	delete(m.hashes, key)
	return nil
}

func (m *Memory) ZAdd(_ context.Context, key, member string, score float64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.zsetLocked(key)[member] = score
	return nil
}

func (m *Memory) ZRem(_ context.Context, key string, members ...string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	zs, ok := m.zsets[key]
	if !ok {
		return nil
	}
	for _, mem := range members {
		delete(zs, mem)
	}
	if len(zs) == 0 {
		delete(m.zsets, key)
	}
	return nil
}

func (m *Memory) ZCard(_ context.Context, key string) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return int64(len(m.zsets[key])), nil
}

func (m *Memory) ZRange(_ context.Context, key string, offset, count int64) ([]Member, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	zs := m.zsets[key]
	all := make([]Member, 0, len(zs))
	for mem, score := range zs {
		all = append(all, Member{Value: mem, Score: score})
	}
	sort.Slice(all, func(i, j int) bool {
		if all[i].Score != all[j].Score {
			return all[i].Score < all[j].Score
		}
		return all[i].Value < all[j].Value
	})

	if offset < 0 {
		offset = 0
	}
	if offset >= int64(len(all)) {
		return nil, nil
	}
	all = all[offset:]
	if count >= 0 && count < int64(len(all)) {
		all = all[:count]
	}
	return all, nil
}

func (m *Memory) ZRemRangeByScore(_ context.Context, key string, min, max float64) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	zs, ok := m.zsets[key]
	if !ok {
		return 0, nil
	}
	var removed int64
	for mem, score := range zs {
		if score >= min && score <= max {
			delete(zs, mem)
			removed++
		}
	}
	if len(zs) == 0 {
		delete(m.zsets, key)
	}
	return removed, nil
}

func (m *Memory) ZMove(_ context.Context, src, dst, member string, score float64) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if zs, ok := m.zsets[src]; ok {
		delete(zs, member)
		if len(zs) == 0 {
			delete(m.zsets, src)
		}
	}
	m.zsetLocked(dst)[member] = score
	return nil
}

func (m *Memory) ZAddIfCardBelow(_ context.Context, key, member string, score, floor float64, limit int64) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	zs := m.zsetLocked(key)
	for mem, s := range zs {
		if s <= floor {
			delete(zs, mem)
		}
	}
	if limit > 0 && int64(len(zs)) >= limit {
		return false, nil
	}
	zs[member] = score
	return true, nil
}

func (m *Memory) HIncrBy(_ context.Context, key, field string, delta int64) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	h, ok := m.hashes[key]
	if !ok {
		h = make(map[string]int64)
		m.hashes[key] = h
	}
	h[field] += delta
	return h[field], nil
}

func (m *Memory) HGetAll(_ context.Context, key string) (map[string]int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	out := make(map[string]int64, len(m.hashes[key]))
	for f, v := range m.hashes[key] {
		out[f] = v
	}
	return out, nil
}

func (m *Memory) Ping(context.Context) error { return nil }

func (m *Memory) Close() error { return nil }

func (m *Memory) Prune(_ context.Context) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.pruneLocked(m.now()), nil
}

func (m *Memory) zsetLocked(key string) map[string]float64 {
	zs, ok := m.zsets[key]
	if !ok {
		zs = make(map[string]float64)
		m.zsets[key] = zs
	}
	return zs
}

func (m *Memory) deadline(ttl time.Duration) time.Time {
	if ttl <= 0 {
		return time.Time{}
	}
	return m.now().Add(ttl)
}

func cloneBytes(b []byte) []byte {
	out := make([]byte, len(b))
	copy(out, b)
	return out
}
