package auth

import (
	"os"
	"sort"
	"sync"
	"time"
)

// Strategy names an account selection method.
type Strategy string

const (
	// StrategySticky deterministically favors one account per process.
	StrategySticky Strategy = "sticky"
	// StrategyRoundRobin cycles through available accounts.
	StrategyRoundRobin Strategy = "round-robin"
	// StrategyHybrid balances health score against recency of use.
	StrategyHybrid Strategy = "hybrid"
	// StrategyQuotaOptimized favors the most remaining quota.
	StrategyQuotaOptimized Strategy = "quota-optimized"
)

// RateLimitReason classifies a rate-limit report so backoff can scale with
// severity.
type RateLimitReason string

const (
	ReasonQuotaExhausted         RateLimitReason = "QUOTA_EXHAUSTED"
	ReasonRateLimitExceeded      RateLimitReason = "RATE_LIMIT_EXCEEDED"
	ReasonModelCapacityExhausted RateLimitReason = "MODEL_CAPACITY_EXHAUSTED"
	ReasonServerError            RateLimitReason = "SERVER_ERROR"
	ReasonUnknown                RateLimitReason = "UNKNOWN"
)

var quotaExhaustedBackoffs = [...]time.Duration{
	time.Minute,
	5 * time.Minute,
	30 * time.Minute,
	2 * time.Hour,
}

const (
	rateLimitExceededBackoff      = 30 * time.Second
	modelCapacityExhaustedBackoff = 15 * time.Second
	serverErrorBackoff            = 20 * time.Second
	unknownBackoff                = time.Minute

	// minBackoff exists in the reference tuning but is deliberately not
	// enforced as a floor; the per-reason values already exceed it.
	minBackoff = 2 * time.Second

	// rateLimitDedupWindow merges duplicate rate-limit signals for one
	// account into a single penalty.
	rateLimitDedupWindow = 2 * time.Second
)

// healthToleranceBand treats scores within this distance as tied so the
// secondary sort keys decide.
const healthToleranceBand = 5

// AccountRotator selects one account from a candidate set under a strategy
// and records request outcomes back into the health tracker.
type AccountRotator struct {
	tracker  *HealthScoreTracker
	registry *CooldownRegistry

	// instanceID spreads selection across independently launched processes
	// sharing the same persisted pool.
	instanceID int

	mu     sync.Mutex
	cursor int
	// lastRateLimitTimes anchors the dedup window per account.
	lastRateLimitTimes map[string]time.Time

	now func() time.Time
}

// NewAccountRotator constructs a rotator. A nil tracker or registry gets a
// default instance; instanceID <= 0 falls back to the process id.
func NewAccountRotator(tracker *HealthScoreTracker, registry *CooldownRegistry, instanceID int) *AccountRotator {
	if tracker == nil {
		tracker = NewHealthScoreTracker(DefaultHealthScoreConfig)
	}
	if registry == nil {
		registry = NewCooldownRegistry(tracker)
	}
	if instanceID <= 0 {
		instanceID = os.Getpid()
	}
	return &AccountRotator{
		tracker:            tracker,
		registry:           registry,
		instanceID:         instanceID,
		cursor:             instanceID,
		lastRateLimitTimes: make(map[string]time.Time),
		now:                time.Now,
	}
}

// Tracker exposes the health tracker shared with other components.
func (r *AccountRotator) Tracker() *HealthScoreTracker { return r.tracker }

// available reports whether the account may be used right now: no pending
// rate-limit reset, no local or registry cooldown, quota left when tracked,
// and an effective health score above the usability floor.
func available(acc *Account, now time.Time, tracker *HealthScoreTracker, registry *CooldownRegistry) bool {
	if acc == nil {
		return false
	}
	acc.mu.Lock()
	blocked := (!acc.RateLimitResetTime.IsZero() && now.Before(acc.RateLimitResetTime)) ||
		(!acc.CooldownUntil.IsZero() && now.Before(acc.CooldownUntil)) ||
		(acc.Quota != nil && acc.Quota.Remaining <= 0)
	acc.mu.Unlock()
	if blocked {
		return false
	}
	if registry != nil && registry.IsOnCooldown(acc.Provider, acc.ID) {
		return false
	}
	if tracker != nil && !tracker.IsUsable(acc) {
		return false
	}
	return true
}

// SelectAccount picks one available account under the strategy, or nil when
// every candidate is filtered out.
func (r *AccountRotator) SelectAccount(accounts []*Account, strategy Strategy) *Account {
	if len(accounts) == 0 {
		return nil
	}
	now := r.now()
	avail := make([]*Account, 0, len(accounts))
	for _, acc := range accounts {
		if available(acc, now, r.tracker, r.registry) {
			avail = append(avail, acc)
		}
	}
	if len(avail) == 0 {
		return nil
	}

	switch strategy {
	case StrategyRoundRobin:
		return r.selectRoundRobin(avail)
	case StrategyHybrid:
		return r.selectHybrid(avail)
	case StrategyQuotaOptimized:
		return r.selectQuotaOptimized(avail)
	case StrategySticky:
		fallthrough
	default:
		return avail[r.instanceID%len(avail)]
	}
}

func (r *AccountRotator) selectRoundRobin(accounts []*Account) *Account {
	r.mu.Lock()
	account := accounts[r.cursor%len(accounts)]
	r.cursor++
	r.mu.Unlock()
	return account
}

func (r *AccountRotator) selectQuotaOptimized(accounts []*Account) *Account {
	type ranked struct {
		account *Account
		quota   int
	}
	list := make([]ranked, 0, len(accounts))
	for _, acc := range accounts {
		list = append(list, ranked{account: acc, quota: acc.RemainingQuota("")})
	}
	sort.SliceStable(list, func(i, j int) bool {
		return list[i].quota > list[j].quota
	})
	return list[0].account
}

// selectHybrid rotates the list by the instance id for cross-process
// fairness, then sorts by health score with a tolerance band, breaking ties
// by least recent use. Never-used accounts sort first.
func (r *AccountRotator) selectHybrid(accounts []*Account) *Account {
	type scored struct {
		account  *Account
		score    int
		lastUsed time.Time
	}
	list := make([]scored, 0, len(accounts))
	offset := r.instanceID % len(accounts)
	for i := range accounts {
		acc := accounts[(offset+i)%len(accounts)]
		acc.mu.Lock()
		lastUsed := acc.LastUsed
		acc.mu.Unlock()
		list = append(list, scored{account: acc, score: r.tracker.GetScore(acc), lastUsed: lastUsed})
	}
	sort.SliceStable(list, func(i, j int) bool {
		di := list[i].score - list[j].score
		if di > healthToleranceBand || di < -healthToleranceBand {
			return list[i].score > list[j].score
		}
		return list[i].lastUsed.Before(list[j].lastUsed)
	})
	return list[0].account
}

// RecordSuccess rewards the account and stamps its last use.
func (r *AccountRotator) RecordSuccess(account *Account) {
	if account == nil {
		return
	}
	r.tracker.RecordSuccess(account)
	account.mu.Lock()
	account.LastUsed = r.now()
	account.mu.Unlock()
}

// RecordFailure penalizes the account.
func (r *AccountRotator) RecordFailure(account *Account) {
	if account == nil {
		return
	}
	r.tracker.RecordFailure(account)
}

// RecordRateLimit penalizes the account and schedules its rate-limit reset.
// Duplicate reports for the same account inside the dedup window only refresh
// the reset time when an explicit retry-after was supplied; the health
// penalty and failure streak are charged once. A derived backoff escalates
// with the failure streak including the report being charged.
func (r *AccountRotator) RecordRateLimit(account *Account, retryAfter time.Duration, reason RateLimitReason) {
	if account == nil {
		return
	}
	if reason == "" {
		reason = ReasonUnknown
	}
	now := r.now()

	r.mu.Lock()
	lastAt, seen := r.lastRateLimitTimes[account.ID]
	within := seen && now.Sub(lastAt) < rateLimitDedupWindow
	if !within {
		r.lastRateLimitTimes[account.ID] = now
	}
	r.mu.Unlock()

	if within {
		if retryAfter > 0 {
			account.mu.Lock()
			account.RateLimitResetTime = now.Add(retryAfter)
			account.mu.Unlock()
		}
		return
	}

	r.tracker.RecordRateLimit(account)

	account.mu.Lock()
	backoff := retryAfter
	if backoff <= 0 {
		backoff = backoffFor(reason, account.ConsecutiveFailures)
	}
	account.RateLimitResetTime = now.Add(backoff)
	account.LastSwitchReason = "rate-limit"
	account.mu.Unlock()
	logRateLimited(account.ID, account.Provider, string(reason), backoff)
}

// backoffFor maps a reason and the failure streak (after the current report
// was charged) to a park duration. The quota table saturates at its last
// entry.
func backoffFor(reason RateLimitReason, consecutiveFailures int) time.Duration {
	switch reason {
	case ReasonQuotaExhausted:
		index := consecutiveFailures
		if index > len(quotaExhaustedBackoffs)-1 {
			index = len(quotaExhaustedBackoffs) - 1
		}
		if index < 0 {
			index = 0
		}
		return quotaExhaustedBackoffs[index]
	case ReasonRateLimitExceeded:
		return rateLimitExceededBackoff
	case ReasonModelCapacityExhausted:
		return modelCapacityExhaustedBackoff
	case ReasonServerError:
		return serverErrorBackoff
	default:
		return unknownBackoff
	}
}
