package auth

import (
	"fmt"
	"testing"
	"time"
)

func newTestRotator(instanceID int, start time.Time) (*AccountRotator, *time.Time) {
	clock := start
	tracker := NewHealthScoreTracker(DefaultHealthScoreConfig)
	tracker.now = func() time.Time { return clock }
	registry := NewCooldownRegistry(tracker)
	registry.now = func() time.Time { return clock }
	rotator := NewAccountRotator(tracker, registry, instanceID)
	rotator.now = func() time.Time { return clock }
	return rotator, &clock
}

func makePool(provider Provider, n int) []*Account {
	accounts := make([]*Account, 0, n)
	for i := 0; i < n; i++ {
		accounts = append(accounts, &Account{
			ID:       fmt.Sprintf("acc-%d", i),
			Provider: provider,
		})
	}
	return accounts
}

func TestSelectAccount_FiltersUnavailable(t *testing.T) {
	t.Parallel()

	rotator, clock := newTestRotator(1, time.Now())
	now := *clock

	rateLimited := &Account{ID: "limited", Provider: ProviderOpenAI, RateLimitResetTime: now.Add(time.Minute)}
	coolingDown := &Account{ID: "cooling", Provider: ProviderOpenAI, CooldownUntil: now.Add(time.Minute)}
	exhausted := &Account{ID: "exhausted", Provider: ProviderOpenAI, Quota: &Quota{Remaining: 0, Limit: 100}}
	unhealthy := &Account{ID: "unhealthy", Provider: ProviderOpenAI, HealthScore: 10, ConsecutiveFailures: 5}
	usable := &Account{ID: "usable", Provider: ProviderOpenAI}

	pool := []*Account{rateLimited, coolingDown, exhausted, unhealthy, usable}
	for _, strategy := range []Strategy{StrategySticky, StrategyRoundRobin, StrategyHybrid, StrategyQuotaOptimized} {
		got := rotator.SelectAccount(pool, strategy)
		if got == nil {
			t.Fatalf("strategy %s: expected a selection", strategy)
		}
		if got.ID != "usable" {
			t.Errorf("strategy %s: selected %s, want usable", strategy, got.ID)
		}
	}
}

func TestSelectAccount_NoneAvailable(t *testing.T) {
	t.Parallel()

	rotator, clock := newTestRotator(1, time.Now())
	acc := &Account{ID: "acc-1", Provider: ProviderGemini, RateLimitResetTime: clock.Add(time.Hour)}

	if got := rotator.SelectAccount([]*Account{acc}, StrategyRoundRobin); got != nil {
		t.Errorf("expected nil selection, got %s", got.ID)
	}
	if got := rotator.SelectAccount(nil, StrategySticky); got != nil {
		t.Errorf("expected nil selection for empty pool, got %s", got.ID)
	}
}

func TestSelectAccount_RoundRobinCoversAll(t *testing.T) {
	t.Parallel()

	rotator, _ := newTestRotator(7, time.Now())
	pool := makePool(ProviderAnthropic, 5)

	seen := make(map[string]struct{})
	for i := 0; i < len(pool); i++ {
		acc := rotator.SelectAccount(pool, StrategyRoundRobin)
		if acc == nil {
			t.Fatal("round-robin returned nil mid-cycle")
		}
		seen[acc.ID] = struct{}{}
	}
	if len(seen) != len(pool) {
		t.Errorf("round-robin over %d accounts visited %d distinct ids", len(pool), len(seen))
	}
}

func TestSelectAccount_StickyIsDeterministic(t *testing.T) {
	t.Parallel()

	rotator, _ := newTestRotator(3, time.Now())
	pool := makePool(ProviderAnthropic, 4)

	first := rotator.SelectAccount(pool, StrategySticky)
	for i := 0; i < 10; i++ {
		if got := rotator.SelectAccount(pool, StrategySticky); got != first {
			t.Fatalf("sticky selection changed from %s to %s", first.ID, got.ID)
		}
	}
	// instance id 3 over 4 accounts lands on index 3.
	if first.ID != "acc-3" {
		t.Errorf("sticky selected %s, want acc-3", first.ID)
	}
}

func TestSelectAccount_QuotaOptimized(t *testing.T) {
	t.Parallel()

	rotator, _ := newTestRotator(1, time.Now())
	low := &Account{ID: "low", Provider: ProviderOpenAI, Quota: &Quota{Remaining: 10, Limit: 100}}
	high := &Account{ID: "high", Provider: ProviderOpenAI, Quota: &Quota{Remaining: 90, Limit: 100}}
	untracked := &Account{ID: "untracked", Provider: ProviderOpenAI}

	got := rotator.SelectAccount([]*Account{low, high}, StrategyQuotaOptimized)
	if got.ID != "high" {
		t.Errorf("selected %s, want high", got.ID)
	}

	// Untracked quota counts as the default allowance and outranks both.
	got = rotator.SelectAccount([]*Account{low, high, untracked}, StrategyQuotaOptimized)
	if got.ID != "untracked" {
		t.Errorf("selected %s, want untracked", got.ID)
	}
}

func TestSelectAccount_HybridPrefersHealthThenLRU(t *testing.T) {
	t.Parallel()

	rotator, clock := newTestRotator(2, time.Now())
	now := *clock

	strong := &Account{ID: "strong", Provider: ProviderAnthropic, HealthScore: 95, LastUsed: now.Add(-time.Minute)}
	weak := &Account{ID: "weak", Provider: ProviderAnthropic, HealthScore: 60, LastUsed: now.Add(-time.Hour)}

	if got := rotator.SelectAccount([]*Account{strong, weak}, StrategyHybrid); got.ID != "strong" {
		t.Errorf("selected %s, want strong (health wins outside the band)", got.ID)
	}

	// Within the tolerance band the least recently used account wins.
	peerA := &Account{ID: "peer-a", Provider: ProviderAnthropic, HealthScore: 92, LastUsed: now.Add(-time.Minute)}
	peerB := &Account{ID: "peer-b", Provider: ProviderAnthropic, HealthScore: 90, LastUsed: now.Add(-2 * time.Hour)}
	if got := rotator.SelectAccount([]*Account{peerA, peerB}, StrategyHybrid); got.ID != "peer-b" {
		t.Errorf("selected %s, want peer-b (LRU within the band)", got.ID)
	}

	// A never-used account sorts ahead of used peers at equal health.
	fresh := &Account{ID: "fresh", Provider: ProviderAnthropic, HealthScore: 90}
	if got := rotator.SelectAccount([]*Account{peerA, fresh}, StrategyHybrid); got.ID != "fresh" {
		t.Errorf("selected %s, want fresh (never used)", got.ID)
	}
}

func TestRecordRateLimit_DedupWindow(t *testing.T) {
	t.Parallel()

	rotator, clock := newTestRotator(1, time.Now())
	acc := &Account{ID: "acc-1", Provider: ProviderAnthropic}

	rotator.RecordRateLimit(acc, time.Minute, ReasonQuotaExhausted)
	if acc.ConsecutiveFailures != 1 {
		t.Fatalf("ConsecutiveFailures after first report = %d, want 1", acc.ConsecutiveFailures)
	}

	// A duplicate 500ms later is merged into the first report.
	*clock = clock.Add(500 * time.Millisecond)
	rotator.RecordRateLimit(acc, time.Minute, ReasonQuotaExhausted)
	if acc.ConsecutiveFailures != 1 {
		t.Errorf("ConsecutiveFailures after dedup window report = %d, want 1", acc.ConsecutiveFailures)
	}

	// Past the window the report counts again.
	*clock = clock.Add(3 * time.Second)
	rotator.RecordRateLimit(acc, time.Minute, ReasonQuotaExhausted)
	if acc.ConsecutiveFailures != 2 {
		t.Errorf("ConsecutiveFailures after window expiry = %d, want 2", acc.ConsecutiveFailures)
	}
}

func TestRecordRateLimit_DedupStillRefreshesExplicitReset(t *testing.T) {
	t.Parallel()

	rotator, clock := newTestRotator(1, time.Now())
	acc := &Account{ID: "acc-1", Provider: ProviderAnthropic}

	rotator.RecordRateLimit(acc, time.Minute, ReasonRateLimitExceeded)
	firstReset := acc.RateLimitResetTime

	*clock = clock.Add(time.Second)
	rotator.RecordRateLimit(acc, 5*time.Minute, ReasonRateLimitExceeded)
	if !acc.RateLimitResetTime.After(firstReset) {
		t.Error("explicit retry-after inside the dedup window should extend the reset time")
	}

	*clock = clock.Add(500 * time.Millisecond)
	before := acc.RateLimitResetTime
	rotator.RecordRateLimit(acc, 0, ReasonRateLimitExceeded)
	if !acc.RateLimitResetTime.Equal(before) {
		t.Error("derived backoff inside the dedup window should not move the reset time")
	}
}

func TestRecordRateLimit_BackoffTable(t *testing.T) {
	t.Parallel()

	cases := []struct {
		reason   RateLimitReason
		failures int
		want     time.Duration
	}{
		{ReasonQuotaExhausted, 0, time.Minute},
		{ReasonQuotaExhausted, 1, 5 * time.Minute},
		{ReasonQuotaExhausted, 2, 30 * time.Minute},
		{ReasonQuotaExhausted, 3, 2 * time.Hour},
		{ReasonQuotaExhausted, 9, 2 * time.Hour},
		{ReasonRateLimitExceeded, 0, 30 * time.Second},
		{ReasonModelCapacityExhausted, 0, 15 * time.Second},
		{ReasonServerError, 0, 20 * time.Second},
		{ReasonUnknown, 0, time.Minute},
	}
	for _, tc := range cases {
		if got := backoffFor(tc.reason, tc.failures); got != tc.want {
			t.Errorf("backoffFor(%s, %d) = %v, want %v", tc.reason, tc.failures, got, tc.want)
		}
	}
}

func TestRecordRateLimit_DerivedBackoffEscalatesWithStreak(t *testing.T) {
	t.Parallel()

	rotator, clock := newTestRotator(1, time.Now())
	acc := &Account{ID: "acc-1", Provider: ProviderAnthropic}

	// Each derived backoff is indexed by the streak after the report itself
	// was charged, so the first report already lands on the second interval.
	wants := []time.Duration{5 * time.Minute, 30 * time.Minute, 2 * time.Hour, 2 * time.Hour}
	for i, want := range wants {
		rotator.RecordRateLimit(acc, 0, ReasonQuotaExhausted)
		if got := acc.RateLimitResetTime.Sub(*clock); got != want {
			t.Errorf("report %d parked for %v, want %v", i+1, got, want)
		}
		if acc.ConsecutiveFailures != i+1 {
			t.Errorf("report %d: ConsecutiveFailures = %d, want %d", i+1, acc.ConsecutiveFailures, i+1)
		}
		*clock = clock.Add(3 * time.Second)
	}
}

func TestRecordRateLimit_ExplicitRetryAfterOverridesTable(t *testing.T) {
	t.Parallel()

	rotator, clock := newTestRotator(1, time.Now())
	acc := &Account{ID: "acc-1", Provider: ProviderAnthropic, HealthScore: 70, ConsecutiveFailures: 2}

	// A provider-supplied retry hint wins regardless of the streak.
	rotator.RecordRateLimit(acc, time.Minute, ReasonQuotaExhausted)
	if got := acc.RateLimitResetTime.Sub(*clock); got != time.Minute {
		t.Errorf("parked for %v, want 1m despite the streak", got)
	}
}

func TestRecordOutcomes_SameAccountConcurrently(t *testing.T) {
	t.Parallel()

	rotator, _ := newTestRotator(1, time.Now())
	acc := &Account{ID: "acc-1", Provider: ProviderOpenAI}
	pool := []*Account{acc}

	start := make(chan struct{})
	done := make(chan struct{})
	for i := 0; i < 4; i++ {
		go func() {
			<-start
			for j := 0; j < 50; j++ {
				rotator.RecordSuccess(acc)
			}
			done <- struct{}{}
		}()
		go func() {
			<-start
			for j := 0; j < 50; j++ {
				rotator.RecordFailure(acc)
			}
			done <- struct{}{}
		}()
		go func() {
			<-start
			for j := 0; j < 50; j++ {
				rotator.SelectAccount(pool, StrategyHybrid)
				acc.Clone()
				acc.View()
			}
			done <- struct{}{}
		}()
	}
	close(start)
	for i := 0; i < 12; i++ {
		<-done
	}

	if score := rotator.Tracker().GetScore(acc); score < 0 || score > 100 {
		t.Errorf("score out of bounds after concurrent reports: %d", score)
	}
}

func TestRecordRateLimit_SetsResetAndReason(t *testing.T) {
	t.Parallel()

	rotator, clock := newTestRotator(1, time.Now())
	acc := &Account{ID: "acc-1", Provider: ProviderGemini}

	rotator.RecordRateLimit(acc, 0, ReasonModelCapacityExhausted)
	want := clock.Add(15 * time.Second)
	if !acc.RateLimitResetTime.Equal(want) {
		t.Errorf("RateLimitResetTime = %v, want %v", acc.RateLimitResetTime, want)
	}
	if acc.LastSwitchReason != "rate-limit" {
		t.Errorf("LastSwitchReason = %q, want rate-limit", acc.LastSwitchReason)
	}
	if got := rotator.SelectAccount([]*Account{acc}, StrategySticky); got != nil {
		t.Error("rate-limited account should be unavailable")
	}
}

func TestRecordSuccess_StampsLastUsed(t *testing.T) {
	t.Parallel()

	rotator, clock := newTestRotator(1, time.Now())
	acc := &Account{ID: "acc-1", Provider: ProviderOpenAI}

	rotator.RecordSuccess(acc)
	if !acc.LastUsed.Equal(*clock) {
		t.Errorf("LastUsed = %v, want %v", acc.LastUsed, *clock)
	}
}

func TestRecordRateLimit_ConcurrentReportsSingleCharge(t *testing.T) {
	t.Parallel()

	rotator, _ := newTestRotator(1, time.Now())
	acc := &Account{ID: "acc-1", Provider: ProviderAnthropic}

	start := make(chan struct{})
	done := make(chan struct{})
	for i := 0; i < 8; i++ {
		go func() {
			<-start
			rotator.RecordRateLimit(acc, 0, ReasonQuotaExhausted)
			done <- struct{}{}
		}()
	}
	close(start)
	for i := 0; i < 8; i++ {
		<-done
	}

	if acc.ConsecutiveFailures != 1 {
		t.Errorf("concurrent reports charged %d failures, want 1", acc.ConsecutiveFailures)
	}
}
