package auth

import (
	"testing"
	"time"
)

func newTestHub(instanceID int, start time.Time) (*ModelHub, *time.Time) {
	clock := start
	tracker := NewHealthScoreTracker(DefaultHealthScoreConfig)
	tracker.now = func() time.Time { return clock }
	registry := NewCooldownRegistry(tracker)
	registry.now = func() time.Time { return clock }
	hub := NewModelHub(tracker, registry, instanceID)
	hub.now = func() time.Time { return clock }
	return hub, &clock
}

func TestResolveModelChain_LowercaseAndDedup(t *testing.T) {
	t.Parallel()

	hub, _ := newTestHub(1, time.Now())
	cfg := FallbackConfig{
		ModelPriorities: map[string][]string{
			"GPT-5": {"Claude-4.5-Opus", "gpt-5", "claude-4.5-opus", "gemini-3-pro"},
		},
	}

	chain := hub.ResolveModelChain("GPT-5", cfg)
	want := []string{"gpt-5", "claude-4.5-opus", "gemini-3-pro"}
	if len(chain) != len(want) {
		t.Fatalf("chain = %v, want %v", chain, want)
	}
	for i := range want {
		if chain[i] != want[i] {
			t.Errorf("chain[%d] = %q, want %q", i, chain[i], want[i])
		}
	}
}

func TestResolveModelChain_NoPriorities(t *testing.T) {
	t.Parallel()

	hub, _ := newTestHub(1, time.Now())
	chain := hub.ResolveModelChain("Claude-4.5-Opus", FallbackConfig{})
	if len(chain) != 1 || chain[0] != "claude-4.5-opus" {
		t.Errorf("chain = %v, want [claude-4.5-opus]", chain)
	}
}

func TestResolveModelChain_PrioritiesKeyedLowercase(t *testing.T) {
	t.Parallel()

	hub, _ := newTestHub(1, time.Now())
	cfg := FallbackConfig{
		ModelPriorities: map[string][]string{
			"gpt-5": {"claude-4.5-opus"},
		},
	}
	chain := hub.ResolveModelChain("GPT-5", cfg)
	if len(chain) != 2 || chain[1] != "claude-4.5-opus" {
		t.Errorf("chain = %v, want [gpt-5 claude-4.5-opus]", chain)
	}
}

func TestSelectModelAccount_UnmappedModel(t *testing.T) {
	t.Parallel()

	hub, _ := newTestHub(1, time.Now())
	acc := &Account{ID: "acc-1", Provider: ProviderAnthropic}

	if choice := hub.SelectModelAccount("unknown-model", []*Account{acc}, nil); choice != nil {
		t.Errorf("expected nil for unmapped model, got %+v", choice)
	}
}

func TestSelectModelAccount_CrossProviderFallback(t *testing.T) {
	t.Parallel()

	// Only an Anthropic account exists; the requested Gemini model must fall
	// through its priority list to the Anthropic mapping.
	hub, _ := newTestHub(1, time.Now())
	hub.AddMapping("claude-4.5-opus", HubEntry{Provider: ProviderAnthropic, ProviderModelID: "claude-4.5-opus"})
	hub.AddMapping("gpt-5.2-codex", HubEntry{Provider: ProviderOpenAI, ProviderModelID: "gpt-5.2-codex"})

	cfg := FallbackConfig{
		ModelPriorities: map[string][]string{
			"gemini-3-pro": {"claude-4.5-opus", "gpt-5.2-codex"},
		},
	}
	accounts := []*Account{{ID: "anth-1", Provider: ProviderAnthropic, HealthScore: 80}}

	choice := hub.SelectModelAccount("gemini-3-pro", accounts, &cfg)
	if choice == nil {
		t.Fatal("expected a candidate via the priority chain")
	}
	if choice.Provider != ProviderAnthropic {
		t.Errorf("Provider = %s, want anthropic", choice.Provider)
	}
	if choice.ProviderModelID != "claude-4.5-opus" {
		t.Errorf("ProviderModelID = %s, want claude-4.5-opus", choice.ProviderModelID)
	}
	if choice.Account.ID != "anth-1" {
		t.Errorf("Account = %s, want anth-1", choice.Account.ID)
	}
}

func TestSelectModelAccount_QuotaBucketBeatsHealth(t *testing.T) {
	t.Parallel()

	hub, _ := newTestHub(1, time.Now())
	hub.AddMapping("claude-4.5-opus", HubEntry{Provider: ProviderAnthropic, ProviderModelID: "claude-4.5-opus"})

	// X is healthier but out of quota; Y must win. An account whose tracked
	// quota is zero is filtered out entirely, so give X a per-model zero.
	x := &Account{
		ID: "acc-x", Provider: ProviderAnthropic, HealthScore: 95,
		Quota: &Quota{Remaining: 50, Limit: 100, PerModel: map[string]int{"claude-4.5-opus": 0}},
	}
	y := &Account{
		ID: "acc-y", Provider: ProviderAnthropic, HealthScore: 95,
		Quota: &Quota{Remaining: 100, Limit: 100},
	}

	choice := hub.SelectModelAccount("claude-4.5-opus", []*Account{x, y}, nil)
	if choice == nil {
		t.Fatal("expected a candidate")
	}
	if choice.Account.ID != "acc-y" {
		t.Errorf("selected %s, want acc-y (quota bucket outranks health)", choice.Account.ID)
	}
}

func TestSelectModelAccount_HealthOutsideBandWins(t *testing.T) {
	t.Parallel()

	hub, _ := newTestHub(1, time.Now())
	hub.AddMapping("claude-4.5-opus", HubEntry{Provider: ProviderAnthropic, ProviderModelID: "claude-4.5-opus"})

	strong := &Account{ID: "strong", Provider: ProviderAnthropic, HealthScore: 90}
	weak := &Account{ID: "weak", Provider: ProviderAnthropic, HealthScore: 60}

	choice := hub.SelectModelAccount("claude-4.5-opus", []*Account{weak, strong}, nil)
	if choice.Account.ID != "strong" {
		t.Errorf("selected %s, want strong", choice.Account.ID)
	}
}

func TestSelectModelAccount_QuotaDecidesWithinBand(t *testing.T) {
	t.Parallel()

	hub, _ := newTestHub(1, time.Now())
	hub.AddMapping("claude-4.5-opus", HubEntry{Provider: ProviderAnthropic, ProviderModelID: "claude-4.5-opus"})

	a := &Account{
		ID: "acc-a", Provider: ProviderAnthropic, HealthScore: 88,
		Quota: &Quota{Remaining: 10, Limit: 100},
	}
	b := &Account{
		ID: "acc-b", Provider: ProviderAnthropic, HealthScore: 85,
		Quota: &Quota{Remaining: 90, Limit: 100},
	}

	choice := hub.SelectModelAccount("claude-4.5-opus", []*Account{a, b}, nil)
	if choice.Account.ID != "acc-b" {
		t.Errorf("selected %s, want acc-b (quota decides within the band)", choice.Account.ID)
	}
}

func TestSelectModelAccount_NeverReturnsFilteredAccount(t *testing.T) {
	t.Parallel()

	hub, clock := newTestHub(1, time.Now())
	hub.AddMapping("claude-4.5-opus", HubEntry{Provider: ProviderAnthropic, ProviderModelID: "claude-4.5-opus"})
	now := *clock

	rateLimited := &Account{ID: "limited", Provider: ProviderAnthropic, HealthScore: 100, RateLimitResetTime: now.Add(time.Minute)}
	cooling := &Account{ID: "cooling", Provider: ProviderAnthropic, HealthScore: 100, CooldownUntil: now.Add(time.Minute)}
	sick := &Account{ID: "sick", Provider: ProviderAnthropic, HealthScore: 30, ConsecutiveFailures: 3}

	if choice := hub.SelectModelAccount("claude-4.5-opus", []*Account{rateLimited, cooling, sick}, nil); choice != nil {
		t.Errorf("expected nil, got %s", choice.Account.ID)
	}

	// Once the reset passes, the rate-limited account is selectable again.
	*clock = clock.Add(2 * time.Minute)
	choice := hub.SelectModelAccount("claude-4.5-opus", []*Account{rateLimited, cooling, sick}, nil)
	if choice == nil {
		t.Fatal("expected a candidate after resets passed")
	}
	if choice.Account.ID == "sick" {
		t.Error("unhealthy account must never be selected")
	}
}

func TestSelectModelAccount_TieBreakIsDeterministic(t *testing.T) {
	t.Parallel()

	hub, _ := newTestHub(42, time.Now())
	hub.AddMapping("claude-4.5-opus", HubEntry{Provider: ProviderAnthropic, ProviderModelID: "claude-4.5-opus"})

	a := &Account{ID: "acc-a", Provider: ProviderAnthropic, HealthScore: 80}
	b := &Account{ID: "acc-b", Provider: ProviderAnthropic, HealthScore: 80}

	first := hub.SelectModelAccount("claude-4.5-opus", []*Account{a, b}, nil)
	for i := 0; i < 10; i++ {
		next := hub.SelectModelAccount("claude-4.5-opus", []*Account{a, b}, nil)
		if next.Account.ID != first.Account.ID {
			t.Fatalf("tie-break flapped between %s and %s", first.Account.ID, next.Account.ID)
		}
	}
}

func TestAddMapping_ReplacesPreviousEntries(t *testing.T) {
	t.Parallel()

	hub, _ := newTestHub(1, time.Now())
	hub.AddMapping("claude-4.5-opus", HubEntry{Provider: ProviderAnthropic, ProviderModelID: "claude-4.5-opus"})
	hub.AddMapping("claude-4.5-opus",
		HubEntry{Provider: ProviderAnthropic, ProviderModelID: "claude-4.5-opus-latest"},
		HubEntry{Provider: ProviderOpenAI, ProviderModelID: "gpt-5"},
	)

	entries := hub.Mappings("claude-4.5-opus")
	if len(entries) != 2 {
		t.Fatalf("entries = %d, want 2 (re-registration replaces)", len(entries))
	}
	if entries[0].ProviderModelID != "claude-4.5-opus-latest" {
		t.Errorf("entries[0] = %+v, want the re-registered mapping", entries[0])
	}
}

func TestEarliestReset(t *testing.T) {
	t.Parallel()

	now := time.Now()
	if _, ok := EarliestReset(nil, now); ok {
		t.Error("no accounts should yield no reset")
	}

	accounts := []*Account{
		{ID: "a", RateLimitResetTime: now.Add(3 * time.Minute)},
		{ID: "b", CooldownUntil: now.Add(time.Minute)},
		{ID: "c", RateLimitResetTime: now.Add(-time.Minute)},
	}
	reset, ok := EarliestReset(accounts, now)
	if !ok {
		t.Fatal("expected a pending reset")
	}
	// Only rate-limit resets count; b's nearer cooldown is not a parking
	// target and c's reset already passed.
	if want := now.Add(3 * time.Minute); !reset.Equal(want) {
		t.Errorf("reset = %v, want %v", reset, want)
	}

	// An account with only a cooldown pending yields nothing to wait for.
	if _, ok = EarliestReset([]*Account{{ID: "d", CooldownUntil: now.Add(time.Minute)}}, now); ok {
		t.Error("cooldown alone should not produce a reset")
	}
}
