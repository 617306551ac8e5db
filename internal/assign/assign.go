// Package assign maps content items onto publishing accounts. Plan is a
// pure function of its inputs, so strategies are unit-testable without
// any infrastructure.
package assign

import (
	"errors"
	"fmt"
	"math/rand"
	"time"
)

// Strategy selects how contents are spread across accounts.
type Strategy string

const (
	// StrategyAllPerAccount pairs every account with every content item.
	StrategyAllPerAccount Strategy = "all_per_account"
	// StrategyOnePerAccount gives each account at most one item; the
	// pairing is chosen by Mode.
	StrategyOnePerAccount Strategy = "one_per_account"
	// StrategyCrossPlatformAll partitions accounts by platform and runs
	// all_per_account inside each partition.
	StrategyCrossPlatformAll Strategy = "cross_platform_all"
	// StrategyPerPlatformCustom partitions by platform and lets each
	// platform pick its own strategy via Config.Overrides.
	StrategyPerPlatformCustom Strategy = "per_platform_custom"
)

// Mode is the one_per_account sub-mode.
type Mode string

const (
	// ModeRandom draws contents without replacement in random order.
	ModeRandom Mode = "random"
	// ModeRoundRobin serves every account, wrapping around the content
	// list, so items repeat when accounts outnumber contents.
	ModeRoundRobin Mode = "round_robin"
	// ModeSequential pairs positionally and drops the longer remainder.
	ModeSequential Mode = "sequential"
)

// Account is a publishing identity tagged with its platform.
type Account struct {
	ID       string
	Platform string
}

// Override picks a strategy for one platform inside per_platform_custom.
type Override struct {
	Strategy Strategy
	Mode     Mode
}

// Config is an immutable assignment selection.
type Config struct {
	Strategy Strategy
	// Mode applies when Strategy is one_per_account.
	Mode Mode
	// Overrides applies when Strategy is per_platform_custom, keyed by
	// platform. Platforms without an entry default to all_per_account.
	Overrides map[string]Override
}

// Assignment pairs one content item with one account. AccountIndex is the
// account's ordinal within the working set the strategy ran over (the
// platform partition for partitioned strategies), ContentIndex the
// content's ordinal in the input list. Both are stable for a given input
// order; downstream pacing spaces execution by index.
type Assignment struct {
	ContentRef   string
	AccountRef   string
	Platform     string
	AccountIndex int
	ContentIndex int
}

// ErrInvalidConfig marks a rejected strategy or mode. Unknown values are
// rejected outright rather than silently degraded to a default.
var ErrInvalidConfig = errors.New("assign: invalid config")

// Plan produces the ordered assignment list for one batch. Empty content
// or account sets yield an empty plan and no error.
func Plan(contents []string, accounts []Account, cfg Config) ([]Assignment, error) {
	if err := validate(cfg); err != nil {
		return nil, err
	}
	if len(contents) == 0 || len(accounts) == 0 {
		return nil, nil
	}
	rng := rand.New(rand.NewSource(time.Now().UnixNano()))
	return plan(contents, accounts, cfg, rng)
}

func validate(cfg Config) error {
	switch cfg.Strategy {
	case StrategyAllPerAccount, StrategyCrossPlatformAll:
		return nil
	case StrategyOnePerAccount:
		return validateMode(cfg.Mode)
	case StrategyPerPlatformCustom:
		for platform, ov := range cfg.Overrides {
			switch ov.Strategy {
			case StrategyAllPerAccount:
			case StrategyOnePerAccount:
				if err := validateMode(ov.Mode); err != nil {
					return fmt.Errorf("%w (platform %s)", err, platform)
				}
			default:
				return fmt.Errorf("%w: unknown strategy %q for platform %s",
					ErrInvalidConfig, ov.Strategy, platform)
			}
		}
		return nil
	default:
		return fmt.Errorf("%w: unknown strategy %q", ErrInvalidConfig, cfg.Strategy)
	}
}

func validateMode(m Mode) error {
	switch m {
	case ModeRandom, ModeRoundRobin, ModeSequential:
		return nil
	case "":
		return fmt.Errorf("%w: one_per_account requires a mode", ErrInvalidConfig)
	default:
		return fmt.Errorf("%w: unknown mode %q", ErrInvalidConfig, m)
	}
}

func plan(contents []string, accounts []Account, cfg Config, rng *rand.Rand) ([]Assignment, error) {
	switch cfg.Strategy {
	case StrategyAllPerAccount:
		return allPerAccount(contents, accounts), nil
	case StrategyOnePerAccount:
		return onePerAccount(contents, accounts, cfg.Mode, rng), nil
	case StrategyCrossPlatformAll:
		var out []Assignment
		for _, part := range partition(accounts) {
			out = append(out, allPerAccount(contents, part)...)
		}
		return out, nil
	case StrategyPerPlatformCustom:
		var out []Assignment
		for _, part := range partition(accounts) {
			ov, ok := cfg.Overrides[part[0].Platform]
			if !ok {
				ov = Override{Strategy: StrategyAllPerAccount}
			}
			switch ov.Strategy {
			case StrategyOnePerAccount:
				out = append(out, onePerAccount(contents, part, ov.Mode, rng)...)
			default:
				out = append(out, allPerAccount(contents, part)...)
			}
		}
		return out, nil
	default:
		return nil, fmt.Errorf("%w: unknown strategy %q", ErrInvalidConfig, cfg.Strategy)
	}
}

// allPerAccount is the full cross product, accounts outer so one
// account's work stays contiguous in the plan.
func allPerAccount(contents []string, accounts []Account) []Assignment {
	out := make([]Assignment, 0, len(contents)*len(accounts))
	for ai, acct := range accounts {
		for ci, content := range contents {
			out = append(out, Assignment{
				ContentRef:   content,
				AccountRef:   acct.ID,
				Platform:     acct.Platform,
				AccountIndex: ai,
				ContentIndex: ci,
			})
		}
	}
	return out
}

func onePerAccount(contents []string, accounts []Account, mode Mode, rng *rand.Rand) []Assignment {
	switch mode {
	case ModeRoundRobin:
		// Every account is served; contents wrap.
		out := make([]Assignment, 0, len(accounts))
		for ai, acct := range accounts {
			ci := ai % len(contents)
			out = append(out, Assignment{
				ContentRef:   contents[ci],
				AccountRef:   acct.ID,
				Platform:     acct.Platform,
				AccountIndex: ai,
				ContentIndex: ci,
			})
		}
		return out

	case ModeRandom:
		order := rng.Perm(len(contents))
		n := min(len(contents), len(accounts))
		out := make([]Assignment, 0, n)
		for ai := 0; ai < n; ai++ {
			ci := order[ai]
			out = append(out, Assignment{
				ContentRef:   contents[ci],
				AccountRef:   accounts[ai].ID,
				Platform:     accounts[ai].Platform,
				AccountIndex: ai,
				ContentIndex: ci,
			})
		}
		return out

	default: // ModeSequential
		n := min(len(contents), len(accounts))
		out := make([]Assignment, 0, n)
		for i := 0; i < n; i++ {
			out = append(out, Assignment{
				ContentRef:   contents[i],
				AccountRef:   accounts[i].ID,
				Platform:     accounts[i].Platform,
				AccountIndex: i,
				ContentIndex: i,
			})
		}
		return out
	}
}

// partition groups accounts by platform, platforms ordered by first
// appearance and accounts keeping their input order within each group.
func partition(accounts []Account) [][]Account {
	byPlatform := make(map[string][]Account)
	var order []string
	for _, acct := range accounts {
		if _, seen := byPlatform[acct.Platform]; !seen {
			order = append(order, acct.Platform)
		}
		byPlatform[acct.Platform] = append(byPlatform[acct.Platform], acct)
	}
	out := make([][]Account, 0, len(order))
	for _, platform := range order {
		out = append(out, byPlatform[platform])
	}
	return out
}
