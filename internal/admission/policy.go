package admission

import (
	"strings"
	"time"
)

// Kind names an admission scope dimension. Scopes are orthogonal: a task
// holds one token per scope it declares, and every token must be granted
// before the task may run.
type Kind string

const (
	KindGlobal   Kind = "global"
	KindPlatform Kind = "platform"
	KindTaskType Kind = "tasktype"
	KindAccount  Kind = "account"
)

// Scope identifies one admission gate, e.g. {platform tiktok} or
// {account acct-17}. The global scope has an empty Key.
type Scope struct {
	Kind Kind
	Key  string
}

func Global() Scope              { return Scope{Kind: KindGlobal} }
func Platform(name string) Scope { return Scope{Kind: KindPlatform, Key: name} }
func TaskType(name string) Scope { return Scope{Kind: KindTaskType, Key: name} }
func Account(id string) Scope    { return Scope{Kind: KindAccount, Key: id} }

func (s Scope) String() string {
	if s.Kind == KindGlobal {
		return string(KindGlobal)
	}
	return string(s.Kind) + ":" + s.Key
}

// storeKey is the sorted set holding this scope's live tokens.
func (s Scope) storeKey() string {
	return "adm:scope:" + s.String()
}

// parseScope inverts Scope.String for registry members. Unknown input
// comes back as a global scope with the raw text as key so it still
// shows up in Usage output instead of vanishing.
func parseScope(raw string) Scope {
	if raw == string(KindGlobal) {
		return Global()
	}
	kind, key, ok := strings.Cut(raw, ":")
	if !ok {
		return Scope{Kind: KindGlobal, Key: raw}
	}
	return Scope{Kind: Kind(kind), Key: key}
}

// Policy is the shared admission policy. It lives as a versioned JSON
// record in the store so every scheduler instance converges on the same
// limits without restarts. A max of 0 means unlimited.
type Policy struct {
	Version int64 `json:"version"`
	Enabled bool  `json:"enabled"`

	GlobalMax   int64            `json:"global_max"`
	AccountMax  int64            `json:"account_max"`
	PlatformMax map[string]int64 `json:"platform_max,omitempty"`
	TaskTypeMax map[string]int64 `json:"task_type_max,omitempty"`

	// LeaseMillis bounds how long a token stays live without release.
	// 0 falls back to the 120s default.
	LeaseMillis int64 `json:"lease_ms,omitempty"`
}

const defaultLease = 120 * time.Second

func DefaultPolicy() Policy {
	return Policy{Enabled: true}
}

// Lease returns the token lease duration in force.
func (p Policy) Lease() time.Duration {
	if p.LeaseMillis <= 0 {
		return defaultLease
	}
	return time.Duration(p.LeaseMillis) * time.Millisecond
}

// MaxFor resolves the limit for one scope. 0 means unlimited.
func (p Policy) MaxFor(s Scope) int64 {
	switch s.Kind {
	case KindGlobal:
		return p.GlobalMax
	case KindAccount:
		return p.AccountMax
	case KindPlatform:
		return p.PlatformMax[s.Key]
	case KindTaskType:
		return p.TaskTypeMax[s.Key]
	default:
		return 0
	}
}
