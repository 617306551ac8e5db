package admission

import (
	"context"
	"errors"
	"testing"
	"time"

	"pubfleet/internal/store"
)

func newTestLimiter(t *testing.T, opts ...Option) *Limiter {
	t.Helper()
	base := []Option{
		WithPollInterval(20 * time.Millisecond),
		WithBudget(KindGlobal, 150*time.Millisecond),
		WithBudget(KindPlatform, 150*time.Millisecond),
		WithBudget(KindTaskType, 150*time.Millisecond),
		WithBudget(KindAccount, 150*time.Millisecond),
	}
	return New(store.NewMemory(), append(base, opts...)...)
}

func liveCount(t *testing.T, l *Limiter, sc Scope) int64 {
	t.Helper()
	usage, err := l.Usage(context.Background())
	if err != nil {
		t.Fatalf("Usage error: %v", err)
	}
	for _, u := range usage {
		if u.Scope == sc {
			return u.Live
		}
	}
	return 0
}

func TestAcquireUnlimitedByDefault(t *testing.T) {
	t.Parallel()
	l := newTestLimiter(t)
	ctx := context.Background()

	var guards []*Guard
	for i := 0; i < 20; i++ {
		g, err := l.Acquire(ctx, []Scope{Global(), Account("a")}, 0)
		if err != nil {
			t.Fatalf("Acquire %d error: %v", i, err)
		}
		guards = append(guards, g)
	}
	if n := liveCount(t, l, Account("a")); n != 20 {
		t.Fatalf("live tokens = %d, want 20", n)
	}
	for _, g := range guards {
		g.Release(ctx)
	}
	if n := liveCount(t, l, Account("a")); n != 0 {
		t.Fatalf("live tokens after release = %d, want 0", n)
	}
}

func TestAcquireDeniesAtLimit(t *testing.T) {
	t.Parallel()
	l := newTestLimiter(t, WithDefaultPolicy(Policy{Enabled: true, AccountMax: 2}))
	ctx := context.Background()

	scopes := []Scope{Account("acct")}
	g1, err := l.Acquire(ctx, scopes, 0)
	if err != nil {
		t.Fatalf("Acquire 1 error: %v", err)
	}
	if _, err := l.Acquire(ctx, scopes, 0); err != nil {
		t.Fatalf("Acquire 2 error: %v", err)
	}

	start := time.Now()
	_, err = l.Acquire(ctx, scopes, 0)
	if !IsCapacity(err) {
		t.Fatalf("Acquire 3 error = %v, want CapacityError", err)
	}
	if elapsed := time.Since(start); elapsed < 100*time.Millisecond {
		t.Fatalf("denial came after %v, want the wait budget to elapse first", elapsed)
	}
	var ce *CapacityError
	if errors.As(err, &ce) && ce.Scope != Account("acct") {
		t.Fatalf("CapacityError scope = %v, want account:acct", ce.Scope)
	}

	// A released slot admits the next waiter.
	g1.Release(ctx)
	g4, err := l.Acquire(ctx, scopes, 0)
	if err != nil {
		t.Fatalf("Acquire after release error: %v", err)
	}
	g4.Release(ctx)
}

func TestAcquireBlocksConcurrentHolder(t *testing.T) {
	t.Parallel()
	l := newTestLimiter(t, WithDefaultPolicy(Policy{Enabled: true, AccountMax: 1}))
	ctx := context.Background()
	scopes := []Scope{Account("solo")}

	g, err := l.Acquire(ctx, scopes, 0)
	if err != nil {
		t.Fatalf("Acquire error: %v", err)
	}

	results := make(chan error, 1)
	go func() {
		_, err := l.Acquire(ctx, scopes, 0)
		results <- err
	}()

	select {
	case err := <-results:
		if !IsCapacity(err) {
			t.Fatalf("concurrent Acquire error = %v, want CapacityError", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("concurrent Acquire never returned")
	}
	g.Release(ctx)
}

func TestAcquireRollsBackPartialHolds(t *testing.T) {
	t.Parallel()
	l := newTestLimiter(t, WithDefaultPolicy(Policy{
		Enabled:     true,
		AccountMax:  1,
		PlatformMax: map[string]int64{"tiktok": 10},
	}))
	ctx := context.Background()

	blocker, err := l.Acquire(ctx, []Scope{Account("a")}, 0)
	if err != nil {
		t.Fatalf("Acquire blocker error: %v", err)
	}

	// Platform token is granted first, then the account scope denies;
	// the platform token must not survive the failed attempt.
	_, err = l.Acquire(ctx, []Scope{Platform("tiktok"), Account("a")}, 0)
	if !IsCapacity(err) {
		t.Fatalf("Acquire error = %v, want CapacityError", err)
	}
	if n := liveCount(t, l, Platform("tiktok")); n != 0 {
		t.Fatalf("platform tokens after rollback = %d, want 0", n)
	}
	blocker.Release(ctx)
}

func TestAcquireReclaimsExpiredLeases(t *testing.T) {
	t.Parallel()
	l := newTestLimiter(t, WithDefaultPolicy(Policy{Enabled: true, AccountMax: 1}))
	ctx := context.Background()
	scopes := []Scope{Account("leaky")}

	// Holder crashes without releasing; its 10ms lease expires.
	if _, err := l.Acquire(ctx, scopes, 10*time.Millisecond); err != nil {
		t.Fatalf("Acquire error: %v", err)
	}
	time.Sleep(30 * time.Millisecond)

	g, err := l.Acquire(ctx, scopes, 0)
	if err != nil {
		t.Fatalf("Acquire after lease expiry error: %v", err)
	}
	g.Release(ctx)
}

func TestReleaseIdempotent(t *testing.T) {
	t.Parallel()
	l := newTestLimiter(t, WithDefaultPolicy(Policy{Enabled: true, GlobalMax: 5}))
	ctx := context.Background()

	g, err := l.Acquire(ctx, []Scope{Global()}, 0)
	if err != nil {
		t.Fatalf("Acquire error: %v", err)
	}
	g.Release(ctx)
	g.Release(ctx)
	if n := liveCount(t, l, Global()); n != 0 {
		t.Fatalf("live tokens = %d, want 0", n)
	}
}

func TestAcquireDisabledPolicy(t *testing.T) {
	t.Parallel()
	l := newTestLimiter(t, WithDefaultPolicy(Policy{Enabled: false, AccountMax: 1}))
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		g, err := l.Acquire(ctx, []Scope{Account("a")}, 0)
		if err != nil {
			t.Fatalf("Acquire %d error: %v", i, err)
		}
		if g.Token() != "" {
			t.Fatal("disabled policy should hand out no-op guards")
		}
	}
}

func TestSetPolicyTakesEffect(t *testing.T) {
	t.Parallel()
	l := newTestLimiter(t, WithCacheTTL(0))
	ctx := context.Background()

	pol, err := l.Policy(ctx)
	if err != nil {
		t.Fatalf("Policy error: %v", err)
	}
	if !pol.Enabled || pol.Version != 0 {
		t.Fatalf("default policy = %+v, want enabled version 0", pol)
	}

	if err := l.SetPolicy(ctx, Policy{Enabled: true, AccountMax: 1}); err != nil {
		t.Fatalf("SetPolicy error: %v", err)
	}
	pol, err = l.Policy(ctx)
	if err != nil {
		t.Fatalf("Policy error: %v", err)
	}
	if pol.Version != 1 || pol.AccountMax != 1 {
		t.Fatalf("policy after update = %+v, want version 1 account max 1", pol)
	}

	// The new limit binds immediately.
	g, err := l.Acquire(ctx, []Scope{Account("x")}, 0)
	if err != nil {
		t.Fatalf("Acquire error: %v", err)
	}
	if _, err := l.Acquire(ctx, []Scope{Account("x")}, 0); !IsCapacity(err) {
		t.Fatalf("Acquire error = %v, want CapacityError", err)
	}
	g.Release(ctx)
}

func TestAcquireFailsOpenOnStoreOutage(t *testing.T) {
	t.Parallel()
	l := New(&outageStore{}, WithPollInterval(10*time.Millisecond))
	ctx := context.Background()

	g, err := l.Acquire(ctx, []Scope{Account("a")}, 0)
	if err != nil {
		t.Fatalf("Acquire during outage error = %v, want fail-open nil", err)
	}
	if g.Token() != "" {
		t.Fatal("outage should hand out a no-op guard")
	}
	g.Release(ctx)
}

func TestEvictExpiredSweepsScopes(t *testing.T) {
	t.Parallel()
	l := newTestLimiter(t)
	ctx := context.Background()

	if _, err := l.Acquire(ctx, []Scope{Account("a"), Platform("p")}, 10*time.Millisecond); err != nil {
		t.Fatalf("Acquire error: %v", err)
	}
	time.Sleep(30 * time.Millisecond)

	evicted, err := l.EvictExpired(ctx)
	if err != nil {
		t.Fatalf("EvictExpired error: %v", err)
	}
	if evicted != 2 {
		t.Fatalf("evicted = %d, want 2", evicted)
	}
}

// outageStore fails every operation the way an unreachable substrate would.
type outageStore struct{}

func (o *outageStore) Get(context.Context, string) ([]byte, error) {
	return nil, store.ErrUnavailable
}
func (o *outageStore) Set(context.Context, string, []byte, time.Duration) error {
	return store.ErrUnavailable
}
func (o *outageStore) SetNX(context.Context, string, []byte, time.Duration) (bool, error) {
	return false, store.ErrUnavailable
}
func (o *outageStore) Delete(context.Context, string) error { return store.ErrUnavailable }
func (o *outageStore) ZAdd(context.Context, string, string, float64) error {
	return store.ErrUnavailable
}
func (o *outageStore) ZRem(context.Context, string, ...string) error { return store.ErrUnavailable }
func (o *outageStore) ZCard(context.Context, string) (int64, error) {
	return 0, store.ErrUnavailable
}
func (o *outageStore) ZRange(context.Context, string, int64, int64) ([]store.Member, error) {
	return nil, store.ErrUnavailable
}
func (o *outageStore) ZRemRangeByScore(context.Context, string, float64, float64) (int64, error) {
	return 0, store.ErrUnavailable
}
func (o *outageStore) ZMove(context.Context, string, string, string, float64) error {
	return store.ErrUnavailable
}
func (o *outageStore) ZAddIfCardBelow(context.Context, string, string, float64, float64, int64) (bool, error) {
	return false, store.ErrUnavailable
}
func (o *outageStore) HIncrBy(context.Context, string, string, int64) (int64, error) {
	return 0, store.ErrUnavailable
}
func (o *outageStore) HGetAll(context.Context, string) (map[string]int64, error) {
	return nil, store.ErrUnavailable
}
func (o *outageStore) Ping(context.Context) error { return store.ErrUnavailable }
func (o *outageStore) Close() error               { return nil }
