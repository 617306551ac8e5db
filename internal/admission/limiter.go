// Package admission gates entry to units of work along orthogonal scopes
// (global, platform, task type, account) using advisory lease-based tokens
// in the shared store. Workers on different machines need no coordination
// beyond that store; crashed holders are reclaimed by lease expiry.
package admission

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math/rand"
	"sync"
	"time"

	"github.com/google/uuid"

	"pubfleet/internal/eventbus"
	"pubfleet/internal/store"
	"pubfleet/pkg/logx"
)

const (
	registryKey = "adm:scopes"
	policyKey   = "adm:policy"

	defaultPoll     = 250 * time.Millisecond
	defaultCacheTTL = 3 * time.Second

	// Registry entries for scopes with no live tokens are dropped after
	// this much idle time.
	registryIdleCutoff = 24 * time.Hour
)

// CapacityError reports that one scope stayed at capacity for the whole
// wait budget. It is retryable: capacity frees up as leases expire or
// holders release.
type CapacityError struct {
	Scope  Scope
	Waited time.Duration
}

func (e *CapacityError) Error() string {
	return fmt.Sprintf("admission: scope %s at capacity (waited %s)", e.Scope, e.Waited)
}

// IsCapacity reports whether err is a capacity rejection.
func IsCapacity(err error) bool {
	var ce *CapacityError
	return errors.As(err, &ce)
}

// Denied is the payload of eventbus.TypeAdmissionDenied events.
type Denied struct {
	Scope  Scope
	Waited time.Duration
}

// Limiter is the admission controller. All instances sharing one store
// enforce the same policy.
type Limiter struct {
	store store.Store
	log   logx.Logger
	bus   eventbus.Bus

	budgets  map[Kind]time.Duration
	poll     time.Duration
	cacheTTL time.Duration
	defaults Policy

	mu       sync.Mutex
	cached   Policy
	cachedAt time.Time

	rngMu sync.Mutex
	rng   *rand.Rand
}

type Option func(*Limiter)

func WithLogger(log logx.Logger) Option {
	return func(l *Limiter) { l.log = log }
}

func WithBus(bus eventbus.Bus) Option {
	return func(l *Limiter) { l.bus = bus }
}

// WithDefaultPolicy sets the policy used while no policy record exists in
// the store (fresh deployments, wiped stores).
func WithDefaultPolicy(p Policy) Option {
	return func(l *Limiter) { l.defaults = p }
}

// WithBudget overrides the wait budget for one scope kind.
func WithBudget(kind Kind, budget time.Duration) Option {
	return func(l *Limiter) { l.budgets[kind] = budget }
}

func WithPollInterval(d time.Duration) Option {
	return func(l *Limiter) {
		if d > 0 {
			l.poll = d
		}
	}
}

func WithCacheTTL(d time.Duration) Option {
	return func(l *Limiter) { l.cacheTTL = d }
}

func New(st store.Store, opts ...Option) *Limiter {
	l := &Limiter{
		store: st,
		log:   logx.Nop(),
		// Stricter scopes get longer budgets: waiting out one busy
		// account is cheap, waiting out the whole cluster is not.
		budgets: map[Kind]time.Duration{
			KindGlobal:   5 * time.Second,
			KindPlatform: 10 * time.Second,
			KindTaskType: 10 * time.Second,
			KindAccount:  30 * time.Second,
		},
		poll:     defaultPoll,
		cacheTTL: defaultCacheTTL,
		defaults: DefaultPolicy(),
		rng:      rand.New(rand.NewSource(time.Now().UnixNano())),
	}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

// Guard holds the tokens granted by one Acquire call.
type Guard struct {
	lim   *Limiter
	token string

	mu       sync.Mutex
	held     []Scope
	released bool
}

// Token is the lease identifier shared by all scopes in this guard.
// Empty for the no-op guard handed out when admission is bypassed.
func (g *Guard) Token() string {
	if g == nil {
		return ""
	}
	return g.token
}

// Release drops every held token. Idempotent, and safe to call after the
// lease already expired; the store treats missing members as removed.
func (g *Guard) Release(ctx context.Context) {
	if g == nil || g.lim == nil {
		return
	}
	g.mu.Lock()
	if g.released {
		g.mu.Unlock()
		return
	}
	g.released = true
	held := g.held
	g.held = nil
	g.mu.Unlock()

	for _, sc := range held {
		if err := g.lim.store.ZRem(ctx, sc.storeKey(), g.token); err != nil {
			// The lease will expire on its own.
			g.lim.log.Warn("admission: release failed",
				logx.String("scope", sc.String()), logx.Err(err))
		}
	}
}

func noopGuard() *Guard { return &Guard{released: true} }

// Acquire obtains one token per scope, in order. If any scope stays full
// past its kind's wait budget, every token taken by this call is released
// and a *CapacityError for the blocking scope is returned.
//
// lease bounds how long the tokens stay live without release; lease <= 0
// uses the policy default. A store outage fails open: the caller gets a
// no-op guard and a warning is logged, because stalling every worker on a
// substrate blip is worse than briefly exceeding limits.
func (l *Limiter) Acquire(ctx context.Context, scopes []Scope, lease time.Duration) (*Guard, error) {
	pol, err := l.policy(ctx)
	if err != nil {
		if store.IsUnavailable(err) {
			l.log.Warn("admission: store unavailable, failing open", logx.Err(err))
			return noopGuard(), nil
		}
		return nil, err
	}
	if !pol.Enabled || len(scopes) == 0 {
		return noopGuard(), nil
	}
	if lease <= 0 {
		lease = pol.Lease()
	}

	g := &Guard{lim: l, token: uuid.NewString()}
	for _, sc := range scopes {
		if err := l.acquireScope(ctx, sc, pol, g.token, lease); err != nil {
			g.Release(context.WithoutCancel(ctx))
			if store.IsUnavailable(err) {
				l.log.Warn("admission: store unavailable, failing open",
					logx.String("scope", sc.String()), logx.Err(err))
				return noopGuard(), nil
			}
			var ce *CapacityError
			if errors.As(err, &ce) {
				l.denied(ce)
			}
			return nil, err
		}
		g.mu.Lock()
		g.held = append(g.held, sc)
		g.mu.Unlock()
	}
	return g, nil
}

func (l *Limiter) acquireScope(ctx context.Context, sc Scope, pol Policy, token string, lease time.Duration) error {
	var (
		max      = pol.MaxFor(sc)
		key      = sc.storeKey()
		budget   = l.budgetFor(sc.Kind)
		deadline = time.Now().Add(budget)
	)
	for {
		now := time.Now()
		ok, err := l.store.ZAddIfCardBelow(ctx, key, token,
			float64(now.Add(lease).UnixMilli()), float64(now.UnixMilli()), max)
		if err != nil {
			return err
		}
		if ok {
			// Track the scope so Usage and the janitor can enumerate it.
			if err := l.store.ZAdd(ctx, registryKey, sc.String(), float64(now.UnixMilli())); err != nil {
				l.log.Debug("admission: registry update failed",
					logx.String("scope", sc.String()), logx.Err(err))
			}
			return nil
		}

		remaining := time.Until(deadline)
		if remaining <= 0 {
			return &CapacityError{Scope: sc, Waited: budget}
		}
		wait := l.jittered(l.poll)
		if wait > remaining {
			wait = remaining
		}
		timer := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C:
		}
	}
}

func (l *Limiter) budgetFor(kind Kind) time.Duration {
	if d, ok := l.budgets[kind]; ok && d > 0 {
		return d
	}
	return 5 * time.Second
}

// jittered spreads polls across +-20% so waiters do not stampede the
// store in lockstep.
func (l *Limiter) jittered(d time.Duration) time.Duration {
	l.rngMu.Lock()
	r := (l.rng.Float64()*2 - 1) * 0.2
	l.rngMu.Unlock()
	out := time.Duration(float64(d) * (1 + r))
	if out <= 0 {
		out = d
	}
	return out
}

func (l *Limiter) denied(ce *CapacityError) {
	l.log.Debug("admission: capacity exhausted",
		logx.String("scope", ce.Scope.String()),
		logx.Duration("waited", ce.Waited))
	if l.bus != nil {
		l.bus.Publish(eventbus.Event{
			Type: eventbus.TypeAdmissionDenied,
			Data: Denied{Scope: ce.Scope, Waited: ce.Waited},
		})
	}
}

// ScopeUsage is one row of Usage output.
type ScopeUsage struct {
	Scope Scope
	Live  int64
	Max   int64
}

// Usage reports live token counts against limits for every scope that has
// ever granted a token, after evicting expired leases.
func (l *Limiter) Usage(ctx context.Context) ([]ScopeUsage, error) {
	pol, err := l.policy(ctx)
	if err != nil {
		return nil, err
	}
	members, err := l.store.ZRange(ctx, registryKey, 0, -1)
	if err != nil {
		return nil, err
	}

	now := float64(time.Now().UnixMilli())
	out := make([]ScopeUsage, 0, len(members))
	for _, m := range members {
		sc := parseScope(m.Value)
		key := sc.storeKey()
		if _, err := l.store.ZRemRangeByScore(ctx, key, 0, now); err != nil {
			return nil, err
		}
		live, err := l.store.ZCard(ctx, key)
		if err != nil {
			return nil, err
		}
		out = append(out, ScopeUsage{Scope: sc, Live: live, Max: pol.MaxFor(sc)})
	}
	return out, nil
}

// SetPolicy publishes a new policy to the store. It takes effect for new
// acquisitions on every instance within the policy cache TTL; tokens
// already granted keep the policy they were issued under.
func (l *Limiter) SetPolicy(ctx context.Context, p Policy) error {
	cur, err := l.policy(ctx)
	if err != nil && !store.IsUnavailable(err) {
		return err
	}
	p.Version = cur.Version + 1

	data, err := json.Marshal(p)
	if err != nil {
		return fmt.Errorf("admission: encode policy: %w", err)
	}
	if err := l.store.Set(ctx, policyKey, data, 0); err != nil {
		return err
	}

	l.mu.Lock()
	l.cached = p
	l.cachedAt = time.Now()
	l.mu.Unlock()

	l.log.Info("admission: policy updated",
		logx.Int64("version", p.Version), logx.Bool("enabled", p.Enabled))
	return nil
}

// Policy returns the policy currently in force.
func (l *Limiter) Policy(ctx context.Context) (Policy, error) {
	return l.policy(ctx)
}

func (l *Limiter) policy(ctx context.Context) (Policy, error) {
	l.mu.Lock()
	if !l.cachedAt.IsZero() && time.Since(l.cachedAt) < l.cacheTTL {
		p := l.cached
		l.mu.Unlock()
		return p, nil
	}
	l.mu.Unlock()

	raw, err := l.store.Get(ctx, policyKey)
	if errors.Is(err, store.ErrNotFound) {
		l.cache(l.defaults)
		return l.defaults, nil
	}
	if err != nil {
		return Policy{}, err
	}
	var p Policy
	if err := json.Unmarshal(raw, &p); err != nil {
		return Policy{}, fmt.Errorf("admission: decode policy: %w", err)
	}
	l.cache(p)
	return p, nil
}

func (l *Limiter) cache(p Policy) {
	l.mu.Lock()
	l.cached = p
	l.cachedAt = time.Now()
	l.mu.Unlock()
}

// EvictExpired sweeps expired tokens from every registered scope and
// drops registry entries that have been idle with no live tokens. The
// maintenance janitor calls this periodically; acquisition also evicts
// lazily, so this only bounds garbage between acquisitions.
func (l *Limiter) EvictExpired(ctx context.Context) (int64, error) {
	members, err := l.store.ZRange(ctx, registryKey, 0, -1)
	if err != nil {
		return 0, err
	}

	var (
		evicted int64
		now     = time.Now()
		nowMs   = float64(now.UnixMilli())
	)
	for _, m := range members {
		sc := parseScope(m.Value)
		key := sc.storeKey()
		n, err := l.store.ZRemRangeByScore(ctx, key, 0, nowMs)
		if err != nil {
			return evicted, err
		}
		evicted += n

		idle := now.Sub(time.UnixMilli(int64(m.Score)))
		if idle < registryIdleCutoff {
			continue
		}
		live, err := l.store.ZCard(ctx, key)
		if err != nil {
			return evicted, err
		}
		if live == 0 {
			if err := l.store.ZRem(ctx, registryKey, m.Value); err != nil {
				return evicted, err
			}
		}
	}
	return evicted, nil
}
