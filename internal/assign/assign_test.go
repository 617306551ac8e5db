package assign

import (
	"errors"
	"testing"
)

var testAccounts = []Account{
	{ID: "A", Platform: "tiktok"},
	{ID: "B", Platform: "tiktok"},
	{ID: "C", Platform: "youtube"},
}

func pairSet(t *testing.T, plan []Assignment) map[[2]string]int {
	t.Helper()
	pairs := make(map[[2]string]int, len(plan))
	for _, a := range plan {
		pairs[[2]string{a.ContentRef, a.AccountRef}]++
	}
	return pairs
}

func TestAllPerAccountCrossProduct(t *testing.T) {
	t.Parallel()
	contents := []string{"c1", "c2"}

	plan, err := Plan(contents, testAccounts, Config{Strategy: StrategyAllPerAccount})
	if err != nil {
		t.Fatalf("Plan error: %v", err)
	}
	if len(plan) != len(contents)*len(testAccounts) {
		t.Fatalf("plan len = %d, want %d", len(plan), len(contents)*len(testAccounts))
	}
	for pair, n := range pairSet(t, plan) {
		if n != 1 {
			t.Fatalf("pair %v appears %d times, want 1", pair, n)
		}
	}
}

func TestOnePerAccountSequential(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name     string
		contents []string
		accounts []Account
		want     int
	}{
		{
			name:     "more accounts than contents",
			contents: []string{"c1"},
			accounts: []Account{{ID: "A"}, {ID: "B"}},
			want:     1,
		},
		{
			name:     "more contents than accounts",
			contents: []string{"c1", "c2", "c3"},
			accounts: []Account{{ID: "A"}, {ID: "B"}},
			want:     2,
		},
		{
			name:     "equal",
			contents: []string{"c1", "c2"},
			accounts: []Account{{ID: "A"}, {ID: "B"}},
			want:     2,
		},
	}
	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			plan, err := Plan(tt.contents, tt.accounts, Config{
				Strategy: StrategyOnePerAccount,
				Mode:     ModeSequential,
			})
			if err != nil {
				t.Fatalf("Plan error: %v", err)
			}
			if len(plan) != tt.want {
				t.Fatalf("plan len = %d, want %d", len(plan), tt.want)
			}
			for i, a := range plan {
				if a.ContentRef != tt.contents[i] || a.AccountRef != tt.accounts[i].ID {
					t.Fatalf("plan[%d] = %s/%s, want positional %s/%s",
						i, a.ContentRef, a.AccountRef, tt.contents[i], tt.accounts[i].ID)
				}
			}
		})
	}
}

func TestOnePerAccountSequentialRemainderDropped(t *testing.T) {
	t.Parallel()
	plan, err := Plan([]string{"c1"}, []Account{{ID: "A"}, {ID: "B"}}, Config{
		Strategy: StrategyOnePerAccount,
		Mode:     ModeSequential,
	})
	if err != nil {
		t.Fatalf("Plan error: %v", err)
	}
	if len(plan) != 1 || plan[0].AccountRef != "A" || plan[0].ContentRef != "c1" {
		t.Fatalf("plan = %+v, want exactly [c1/A]", plan)
	}
}

func TestOnePerAccountRoundRobinServesEveryAccount(t *testing.T) {
	t.Parallel()
	contents := []string{"c1", "c2"}
	accounts := make([]Account, 5)
	for i := range accounts {
		accounts[i] = Account{ID: string(rune('A' + i))}
	}

	plan, err := Plan(contents, accounts, Config{
		Strategy: StrategyOnePerAccount,
		Mode:     ModeRoundRobin,
	})
	if err != nil {
		t.Fatalf("Plan error: %v", err)
	}
	// Every account gets exactly one assignment regardless of set sizes.
	if len(plan) != len(accounts) {
		t.Fatalf("plan len = %d, want %d", len(plan), len(accounts))
	}
	seen := make(map[string]int)
	for i, a := range plan {
		seen[a.AccountRef]++
		if want := contents[i%len(contents)]; a.ContentRef != want {
			t.Fatalf("plan[%d] content = %s, want wrapped %s", i, a.ContentRef, want)
		}
	}
	for _, acct := range accounts {
		if seen[acct.ID] != 1 {
			t.Fatalf("account %s served %d times, want 1", acct.ID, seen[acct.ID])
		}
	}
}

func TestOnePerAccountRandomProperties(t *testing.T) {
	t.Parallel()
	contents := []string{"c1", "c2", "c3", "c4"}
	accounts := []Account{{ID: "A"}, {ID: "B"}, {ID: "C"}}

	for round := 0; round < 25; round++ {
		plan, err := Plan(contents, accounts, Config{
			Strategy: StrategyOnePerAccount,
			Mode:     ModeRandom,
		})
		if err != nil {
			t.Fatalf("Plan error: %v", err)
		}
		if len(plan) != len(accounts) {
			t.Fatalf("plan len = %d, want %d", len(plan), len(accounts))
		}
		seenAccount := make(map[string]bool)
		seenContent := make(map[string]bool)
		for _, a := range plan {
			if seenAccount[a.AccountRef] {
				t.Fatalf("account %s assigned twice", a.AccountRef)
			}
			if seenContent[a.ContentRef] {
				t.Fatalf("content %s drawn twice, want without replacement", a.ContentRef)
			}
			seenAccount[a.AccountRef] = true
			seenContent[a.ContentRef] = true
			if contents[a.ContentIndex] != a.ContentRef {
				t.Fatalf("ContentIndex %d does not point at %s", a.ContentIndex, a.ContentRef)
			}
		}
	}
}

func TestCrossPlatformAll(t *testing.T) {
	t.Parallel()
	contents := []string{"c1", "c2"}

	plan, err := Plan(contents, testAccounts, Config{Strategy: StrategyCrossPlatformAll})
	if err != nil {
		t.Fatalf("Plan error: %v", err)
	}
	// tiktok partition has 2 accounts, youtube 1; each gets the full
	// content list.
	if len(plan) != 6 {
		t.Fatalf("plan len = %d, want 6", len(plan))
	}

	perPlatform := make(map[string]int)
	for _, a := range plan {
		perPlatform[a.Platform]++
	}
	if perPlatform["tiktok"] != 4 || perPlatform["youtube"] != 2 {
		t.Fatalf("per-platform counts = %v, want tiktok:4 youtube:2", perPlatform)
	}

	// Account indices restart per partition.
	for _, a := range plan {
		if a.AccountRef == "C" && a.AccountIndex != 0 {
			t.Fatalf("youtube partition AccountIndex = %d, want 0", a.AccountIndex)
		}
	}
}

func TestPerPlatformCustom(t *testing.T) {
	t.Parallel()
	contents := []string{"c1", "c2"}

	plan, err := Plan(contents, testAccounts, Config{
		Strategy: StrategyPerPlatformCustom,
		Overrides: map[string]Override{
			"tiktok": {Strategy: StrategyOnePerAccount, Mode: ModeSequential},
			// youtube unspecified: defaults to all_per_account.
		},
	})
	if err != nil {
		t.Fatalf("Plan error: %v", err)
	}
	perPlatform := make(map[string]int)
	for _, a := range plan {
		perPlatform[a.Platform]++
	}
	// tiktok: one_per_account/sequential over 2 accounts, 2 contents -> 2.
	// youtube: all_per_account over 1 account, 2 contents -> 2.
	if perPlatform["tiktok"] != 2 || perPlatform["youtube"] != 2 {
		t.Fatalf("per-platform counts = %v, want tiktok:2 youtube:2", perPlatform)
	}
}

func TestEmptyInputsYieldEmptyPlan(t *testing.T) {
	t.Parallel()
	cfg := Config{Strategy: StrategyAllPerAccount}

	plan, err := Plan(nil, testAccounts, cfg)
	if err != nil || len(plan) != 0 {
		t.Fatalf("Plan(no contents) = %v, %v, want empty, nil", plan, err)
	}
	plan, err = Plan([]string{"c1"}, nil, cfg)
	if err != nil || len(plan) != 0 {
		t.Fatalf("Plan(no accounts) = %v, %v, want empty, nil", plan, err)
	}
}

func TestRejectsUnknownConfig(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name string
		cfg  Config
	}{
		{name: "unknown strategy", cfg: Config{Strategy: "spray_and_pray"}},
		{name: "empty strategy", cfg: Config{}},
		{name: "unknown mode", cfg: Config{Strategy: StrategyOnePerAccount, Mode: "fifo"}},
		{name: "missing mode", cfg: Config{Strategy: StrategyOnePerAccount}},
		{
			name: "bad override strategy",
			cfg: Config{
				Strategy:  StrategyPerPlatformCustom,
				Overrides: map[string]Override{"tiktok": {Strategy: "bogus"}},
			},
		},
		{
			name: "bad override mode",
			cfg: Config{
				Strategy:  StrategyPerPlatformCustom,
				Overrides: map[string]Override{"tiktok": {Strategy: StrategyOnePerAccount, Mode: "bogus"}},
			},
		},
	}
	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			_, err := Plan([]string{"c1"}, testAccounts, tt.cfg)
			if !errors.Is(err, ErrInvalidConfig) {
				t.Fatalf("Plan error = %v, want ErrInvalidConfig", err)
			}
		})
	}
}

func TestIndicesAreStable(t *testing.T) {
	t.Parallel()
	contents := []string{"c1", "c2", "c3"}
	accounts := []Account{{ID: "A", Platform: "p"}, {ID: "B", Platform: "p"}}

	plan, err := Plan(contents, accounts, Config{Strategy: StrategyAllPerAccount})
	if err != nil {
		t.Fatalf("Plan error: %v", err)
	}
	for _, a := range plan {
		if contents[a.ContentIndex] != a.ContentRef {
			t.Fatalf("ContentIndex %d does not point at %s", a.ContentIndex, a.ContentRef)
		}
		if accounts[a.AccountIndex].ID != a.AccountRef {
			t.Fatalf("AccountIndex %d does not point at %s", a.AccountIndex, a.AccountRef)
		}
	}
}
