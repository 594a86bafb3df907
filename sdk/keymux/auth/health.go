package auth

import (
	"sync"
	"time"
)

// HealthScoreConfig tunes the reputation scoring applied to accounts.
type HealthScoreConfig struct {
	Initial             int
	SuccessReward       int
	RateLimitPenalty    int
	FailurePenalty      int
	RecoveryRatePerHour int
	MinUsable           int
	MaxScore            int
}

// DefaultHealthScoreConfig mirrors the production tuning: accounts start at
// 70, drop below the 50-point usability floor after sustained failures, and
// passively regain 2 points per hour.
var DefaultHealthScoreConfig = HealthScoreConfig{
	Initial:             70,
	SuccessReward:       1,
	RateLimitPenalty:    -10,
	FailurePenalty:      -20,
	RecoveryRatePerHour: 2,
	MinUsable:           50,
	MaxScore:            100,
}

// HealthScoreTracker maintains per-account reputation scores with passive
// time-based recovery. Recovery is computed lazily on read: no background
// task ever touches the scores. Account fields are read and written under the
// account's own lock; the tracker's mutex guards only the recovery anchors.
type HealthScoreTracker struct {
	config HealthScoreConfig

	mu sync.Mutex
	// lastUpdateTimes maps account ID to the last record operation, the
	// anchor for passive recovery.
	lastUpdateTimes map[string]time.Time

	now func() time.Time
}

// NewHealthScoreTracker constructs a tracker. Zero-valued config fields fall
// back to the defaults.
func NewHealthScoreTracker(config HealthScoreConfig) *HealthScoreTracker {
	if config == (HealthScoreConfig{}) {
		config = DefaultHealthScoreConfig
	}
	if config.MaxScore <= 0 {
		config.MaxScore = DefaultHealthScoreConfig.MaxScore
	}
	if config.MinUsable <= 0 {
		config.MinUsable = DefaultHealthScoreConfig.MinUsable
	}
	if config.Initial <= 0 {
		config.Initial = DefaultHealthScoreConfig.Initial
	}
	return &HealthScoreTracker{
		config:          config,
		lastUpdateTimes: make(map[string]time.Time),
		now:             time.Now,
	}
}

// GetScore returns the effective score for the account, applying passive
// recovery for the time elapsed since the last record operation. Two reads
// separated in time yield different scores without any mutation.
func (t *HealthScoreTracker) GetScore(account *Account) int {
	if account == nil {
		return 0
	}
	// A zero score with no failure streak means the account was never scored:
	// penalties are the only way to reach zero and they always leave a streak.
	account.mu.Lock()
	current := account.HealthScore
	if current == 0 && account.ConsecutiveFailures == 0 {
		current = t.config.Initial
	}
	account.mu.Unlock()

	now := t.now()
	t.mu.Lock()
	lastUpdate, ok := t.lastUpdateTimes[account.ID]
	t.mu.Unlock()
	if !ok {
		// Never recorded in this process: no recovery anchor yet.
		return current
	}

	hours := now.Sub(lastUpdate).Hours()
	if hours <= 0 {
		return current
	}
	recovered := int(hours * float64(t.config.RecoveryRatePerHour))
	score := current + recovered
	if score > t.config.MaxScore {
		score = t.config.MaxScore
	}
	return score
}

// RecordSuccess rewards the account and clears its failure streak.
func (t *HealthScoreTracker) RecordSuccess(account *Account) {
	if account == nil {
		return
	}
	score := t.GetScore(account) + t.config.SuccessReward
	if score > t.config.MaxScore {
		score = t.config.MaxScore
	}
	account.mu.Lock()
	account.HealthScore = score
	account.ConsecutiveFailures = 0
	account.IsHealthy = score >= t.config.MinUsable
	account.mu.Unlock()
	t.touch(account.ID)
}

// RecordRateLimit applies the rate-limit penalty and extends the failure
// streak.
func (t *HealthScoreTracker) RecordRateLimit(account *Account) {
	t.penalize(account, t.config.RateLimitPenalty)
}

// RecordFailure applies the failure penalty and extends the failure streak.
func (t *HealthScoreTracker) RecordFailure(account *Account) {
	t.penalize(account, t.config.FailurePenalty)
}

func (t *HealthScoreTracker) penalize(account *Account, penalty int) {
	if account == nil {
		return
	}
	score := t.GetScore(account) + penalty
	if score < 0 {
		score = 0
	}
	account.mu.Lock()
	account.HealthScore = score
	account.ConsecutiveFailures++
	account.IsHealthy = score >= t.config.MinUsable
	account.mu.Unlock()
	t.touch(account.ID)
}

// touch advances the passive-recovery anchor.
func (t *HealthScoreTracker) touch(accountID string) {
	t.mu.Lock()
	t.lastUpdateTimes[accountID] = t.now()
	t.mu.Unlock()
}

// IsUsable reports whether the effective score clears the usability floor.
func (t *HealthScoreTracker) IsUsable(account *Account) bool {
	return t.GetScore(account) >= t.config.MinUsable
}

// MinUsable exposes the usability floor for callers that rank candidates.
func (t *HealthScoreTracker) MinUsable() int {
	return t.config.MinUsable
}
