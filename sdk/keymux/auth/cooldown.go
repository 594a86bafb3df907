package auth

import (
	"sort"
	"sync"
	"time"

	log "github.com/sirupsen/logrus"
)

const (
	// quotaCacheTTL bounds how long a fetched quota result is trusted.
	quotaCacheTTL = 30 * time.Second
	// exhaustedQuotaCooldown parks an account whose quota hit zero during a
	// preflight check.
	exhaustedQuotaCooldown = 5 * time.Minute
)

// QuotaResult is a cached quota lookup for one account.
type QuotaResult struct {
	Remaining int
	Limit     int
}

type quotaCacheEntry struct {
	result    QuotaResult
	fetchedAt time.Time
}

// CooldownStatus reports whether a cooldown is active and when it ends.
type CooldownStatus struct {
	Active bool
	Until  time.Time
}

// PreflightResult is the outcome of a pre-use account check.
type PreflightResult struct {
	// Proceed is false when the current account sits on cooldown and no
	// alternate of the same provider is usable.
	Proceed bool
	// AccountID is the account the caller should use when Proceed is true.
	AccountID string
	// SwitchedFrom is set when the check recommends an alternate account.
	SwitchedFrom string
	// Reason explains a switch or a refusal.
	Reason string
}

// CooldownRegistry tracks short-lived per-account cooldowns and a small
// quota-result cache, both keyed by (provider, account id). Entries live only
// for the process lifetime and expire lazily on read; there is no sweeper.
type CooldownRegistry struct {
	mu         sync.Mutex
	cooldowns  map[string]time.Time
	quotaCache map[string]quotaCacheEntry

	// tracker scores alternate candidates during preflight checks.
	tracker *HealthScoreTracker

	now func() time.Time
}

// NewCooldownRegistry constructs an empty registry. A nil tracker gets a
// default instance.
func NewCooldownRegistry(tracker *HealthScoreTracker) *CooldownRegistry {
	if tracker == nil {
		tracker = NewHealthScoreTracker(DefaultHealthScoreConfig)
	}
	return &CooldownRegistry{
		cooldowns:  make(map[string]time.Time),
		quotaCache: make(map[string]quotaCacheEntry),
		tracker:    tracker,
		now:        time.Now,
	}
}

func cooldownKey(provider Provider, accountID string) string {
	return string(provider) + "|" + accountID
}

// IsOnCooldown reports whether the account is currently excluded. Expired
// entries are removed on access.
func (r *CooldownRegistry) IsOnCooldown(provider Provider, accountID string) bool {
	return r.GetCooldownStatus(provider, accountID).Active
}

// GetCooldownStatus returns the current cooldown state for the account.
func (r *CooldownRegistry) GetCooldownStatus(provider Provider, accountID string) CooldownStatus {
	if r == nil {
		return CooldownStatus{}
	}
	key := cooldownKey(provider, accountID)
	now := r.now()
	r.mu.Lock()
	defer r.mu.Unlock()
	until, ok := r.cooldowns[key]
	if !ok {
		return CooldownStatus{}
	}
	if !until.After(now) {
		delete(r.cooldowns, key)
		return CooldownStatus{}
	}
	return CooldownStatus{Active: true, Until: until}
}

// ApplyCooldown excludes the account for the given duration.
func (r *CooldownRegistry) ApplyCooldown(provider Provider, accountID string, d time.Duration) {
	if r == nil || accountID == "" || d <= 0 {
		return
	}
	until := r.now().Add(d)
	r.mu.Lock()
	r.cooldowns[cooldownKey(provider, accountID)] = until
	r.mu.Unlock()
	log.WithFields(log.Fields{
		FieldProvider: provider,
		FieldAccount:  accountID,
		FieldDuration: d.String(),
	}).Debug("Cooldown applied")
}

// GetCachedQuota returns a quota result fetched within the cache TTL. Stale
// entries are removed on access.
func (r *CooldownRegistry) GetCachedQuota(provider Provider, accountID string) (QuotaResult, bool) {
	if r == nil {
		return QuotaResult{}, false
	}
	key := cooldownKey(provider, accountID)
	now := r.now()
	r.mu.Lock()
	defer r.mu.Unlock()
	entry, ok := r.quotaCache[key]
	if !ok {
		return QuotaResult{}, false
	}
	if now.Sub(entry.fetchedAt) > quotaCacheTTL {
		delete(r.quotaCache, key)
		return QuotaResult{}, false
	}
	return entry.result, true
}

// SetCachedQuota stores a freshly fetched quota result.
func (r *CooldownRegistry) SetCachedQuota(provider Provider, accountID string, result QuotaResult) {
	if r == nil || accountID == "" {
		return
	}
	r.mu.Lock()
	r.quotaCache[cooldownKey(provider, accountID)] = quotaCacheEntry{result: result, fetchedAt: r.now()}
	r.mu.Unlock()
}

// PreflightCheck decides whether the current account should be used for the
// next request. If it sits on cooldown, or its tracked quota is exhausted, the
// check looks for a usable alternate of the same provider ranked by health
// score then remaining quota. Exhausted quota parks the current account for
// five minutes so concurrent callers skip it, but proceeds with it anyway
// when no alternate exists: the upstream quota error then drives the backoff.
func (r *CooldownRegistry) PreflightCheck(provider Provider, current *Account, all []*Account) PreflightResult {
	if current == nil {
		return PreflightResult{Proceed: false, Reason: "no current account"}
	}

	if r.IsOnCooldown(provider, current.ID) {
		if alt := r.findAlternate(provider, current.ID, all); alt != nil {
			return PreflightResult{
				Proceed:      true,
				AccountID:    alt.ID,
				SwitchedFrom: current.ID,
				Reason:       "current account on cooldown",
			}
		}
		return PreflightResult{Proceed: false, AccountID: current.ID, Reason: "all accounts cooling down"}
	}

	if current.QuotaTracked() && current.RemainingQuota("") <= 0 {
		r.ApplyCooldown(provider, current.ID, exhaustedQuotaCooldown)
		if alt := r.findAlternate(provider, current.ID, all); alt != nil {
			return PreflightResult{
				Proceed:      true,
				AccountID:    alt.ID,
				SwitchedFrom: current.ID,
				Reason:       "quota exhausted",
			}
		}
		return PreflightResult{Proceed: true, AccountID: current.ID, Reason: "quota exhausted, no alternate"}
	}

	return PreflightResult{Proceed: true, AccountID: current.ID}
}

// findAlternate returns the best same-provider account that is usable and not
// cooling down, ranked by health score (near-ties within the tolerance band
// fall through) then remaining quota descending. Usability goes through the
// tracker so never-scored accounts count at the initial score.
func (r *CooldownRegistry) findAlternate(provider Provider, excludeID string, all []*Account) *Account {
	type ranked struct {
		account *Account
		score   int
		quota   int
	}
	candidates := make([]ranked, 0, len(all))
	for _, acc := range all {
		if acc == nil || acc.ID == excludeID || acc.Provider != provider {
			continue
		}
		if r.IsOnCooldown(provider, acc.ID) {
			continue
		}
		if !r.tracker.IsUsable(acc) {
			continue
		}
		candidates = append(candidates, ranked{
			account: acc,
			score:   r.tracker.GetScore(acc),
			quota:   acc.RemainingQuota(""),
		})
	}
	if len(candidates) == 0 {
		return nil
	}
	sort.SliceStable(candidates, func(i, j int) bool {
		ds := candidates[i].score - candidates[j].score
		if ds > healthToleranceBand || ds < -healthToleranceBand {
			return candidates[i].score > candidates[j].score
		}
		return candidates[i].quota > candidates[j].quota
	})
	return candidates[0].account
}
