// Package auth implements the credential-pool selection machinery: per-account
// health scoring, quota/cooldown tracking, rotation strategies, and the model
// routing hub that maps canonical model names to provider candidates.
package auth

import (
	"context"
	"sync"
	"time"
)

// Provider identifies an upstream AI backend.
type Provider = string

// Known provider identifiers. The set is open: any string registered with a
// provider adapter is a valid provider tag.
const (
	ProviderAnthropic Provider = "anthropic"
	ProviderGemini    Provider = "gemini"
	ProviderOpenAI    Provider = "openai"
	ProviderAzure     Provider = "azure"
	ProviderGeneric   Provider = "generic"
)

// Quota captures remaining request capacity for an account. Remaining and
// Limit are counters supplied by the quota source; PerModel carries
// model-specific overrides keyed by provider model id.
type Quota struct {
	Remaining int            `json:"remaining"`
	Limit     int            `json:"limit,omitempty"`
	PerModel  map[string]int `json:"per_model,omitempty"`
}

// Usage accumulates token and cost totals for an account. Updated by the
// orchestrator's fire-and-forget stats path only.
type Usage struct {
	TotalInputTokens  int64   `json:"total_input_tokens"`
	TotalOutputTokens int64   `json:"total_output_tokens"`
	TotalCost         float64 `json:"total_cost"`
}

// Account is a single credential for a provider. The storage layer owns the
// record; the routing core mutates health and rate-limit fields in place and
// never deletes accounts.
type Account struct {
	ID       string            `json:"id"`
	Provider Provider          `json:"provider"`
	Label    string            `json:"label,omitempty"`
	APIKey   string            `json:"api_key,omitempty"`
	// AccessToken is a bearer credential minted elsewhere; refresh is a
	// provider-adapter concern and never happens here.
	AccessToken string            `json:"access_token,omitempty"`
	Metadata    map[string]string `json:"metadata,omitempty"`

	// HealthScore is the 0-100 reputation value. Zero means "never scored";
	// the tracker substitutes its configured initial score.
	HealthScore         int  `json:"health_score,omitempty"`
	ConsecutiveFailures int  `json:"consecutive_failures,omitempty"`
	IsHealthy           bool `json:"is_healthy"`

	// RateLimitResetTime and CooldownUntil exclude the account from selection
	// while they sit in the future. Zero means no exclusion.
	RateLimitResetTime time.Time `json:"rate_limit_reset_time,omitzero"`
	CooldownUntil      time.Time `json:"cooldown_until,omitzero"`

	Quota    *Quota    `json:"quota,omitempty"`
	Usage    *Usage    `json:"usage,omitempty"`
	LastUsed time.Time `json:"last_used,omitzero"`

	LastSwitchReason string `json:"last_switch_reason,omitempty"`

	// mu guards the mutable rotation state: scores, streaks, reset times,
	// usage, last use. Identity and credential fields are write-once at load.
	// Overlapping reports on one account are last-write-wins.
	mu sync.Mutex
}

// defaultQuotaRemaining is assumed for accounts without tracked quota so they
// rank as "plenty left" rather than exhausted.
const defaultQuotaRemaining = 1000

// RemainingQuota reports the remaining quota for the given provider model id,
// preferring a per-model override, then the account-level counter. Accounts
// without tracked quota report the default.
func (a *Account) RemainingQuota(model string) int {
	if a == nil {
		return defaultQuotaRemaining
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.Quota == nil {
		return defaultQuotaRemaining
	}
	if model != "" && a.Quota.PerModel != nil {
		if remaining, ok := a.Quota.PerModel[model]; ok {
			return remaining
		}
	}
	return a.Quota.Remaining
}

// QuotaTracked reports whether the account carries explicit quota counters.
func (a *Account) QuotaTracked() bool {
	if a == nil {
		return false
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.Quota != nil
}

// AddUsage accumulates token and cost totals. Only the orchestrator's stats
// path calls this.
func (a *Account) AddUsage(inputTokens, outputTokens int64, cost float64) {
	if a == nil {
		return
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.Usage == nil {
		a.Usage = &Usage{}
	}
	a.Usage.TotalInputTokens += inputTokens
	a.Usage.TotalOutputTokens += outputTokens
	a.Usage.TotalCost += cost
}

// SetSwitchReason records why selection moved onto this account.
func (a *Account) SetSwitchReason(reason string) {
	if a == nil {
		return
	}
	a.mu.Lock()
	a.LastSwitchReason = reason
	a.mu.Unlock()
}

// View returns a consistent snapshot of the account's rotation state. The
// health fields are the stored values; callers wanting passive recovery
// applied go through the tracker.
func (a *Account) View() Status {
	a.mu.Lock()
	defer a.mu.Unlock()
	return Status{
		ID:                  a.ID,
		Provider:            a.Provider,
		Label:               a.Label,
		IsHealthy:           a.IsHealthy,
		HealthScore:         a.HealthScore,
		ConsecutiveFailures: a.ConsecutiveFailures,
		LastUsed:            a.LastUsed,
		CooldownUntil:       a.CooldownUntil,
		RateLimitResetTime:  a.RateLimitResetTime,
		LastSwitchReason:    a.LastSwitchReason,
	}
}

// Clone creates a deep copy of the account, safe to hand to the store while
// the original keeps serving requests.
func (a *Account) Clone() *Account {
	if a == nil {
		return nil
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	copied := &Account{
		ID:                  a.ID,
		Provider:            a.Provider,
		Label:               a.Label,
		APIKey:              a.APIKey,
		AccessToken:         a.AccessToken,
		HealthScore:         a.HealthScore,
		ConsecutiveFailures: a.ConsecutiveFailures,
		IsHealthy:           a.IsHealthy,
		RateLimitResetTime:  a.RateLimitResetTime,
		CooldownUntil:       a.CooldownUntil,
		LastUsed:            a.LastUsed,
		LastSwitchReason:    a.LastSwitchReason,
	}
	if a.Metadata != nil {
		copied.Metadata = make(map[string]string, len(a.Metadata))
		for k, v := range a.Metadata {
			copied.Metadata[k] = v
		}
	}
	if a.Quota != nil {
		q := *a.Quota
		if a.Quota.PerModel != nil {
			q.PerModel = make(map[string]int, len(a.Quota.PerModel))
			for k, v := range a.Quota.PerModel {
				q.PerModel[k] = v
			}
		}
		copied.Quota = &q
	}
	if a.Usage != nil {
		u := *a.Usage
		copied.Usage = &u
	}
	return copied
}

// Store abstracts account persistence. Implementations own locking,
// encryption, and file or database layout; the core only loads the pool at
// init and saves it after outcome reporting.
type Store interface {
	LoadAccounts(ctx context.Context) ([]*Account, error)
	SaveAccounts(ctx context.Context, accounts []*Account) error
}

// Status is a read-only health snapshot of one account, safe to serialize.
type Status struct {
	ID                  string    `json:"id"`
	Provider            Provider  `json:"provider"`
	Label               string    `json:"label,omitempty"`
	IsHealthy           bool      `json:"is_healthy"`
	HealthScore         int       `json:"health_score"`
	ConsecutiveFailures int       `json:"consecutive_failures"`
	LastUsed            time.Time `json:"last_used,omitzero"`
	CooldownUntil       time.Time `json:"cooldown_until,omitzero"`
	RateLimitResetTime  time.Time `json:"rate_limit_reset_time,omitzero"`
	LastSwitchReason    string    `json:"last_switch_reason,omitempty"`
}
