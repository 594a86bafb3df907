package auth

import (
	"hash/fnv"
	"sort"
	"strings"
	"sync"
	"time"
)

// HubEntry is a static mapping fact: the canonical model is served by the
// provider under the provider-specific model id.
type HubEntry struct {
	Provider        Provider
	ProviderModelID string
}

// FallbackConfig carries the deployment routing preferences consumed by the
// hub and the orchestrator.
type FallbackConfig struct {
	// ModelPriorities maps a canonical model to its ordered fallbacks.
	ModelPriorities map[string][]string
	// FallbackDirection is reserved; "up" and "down" currently behave
	// identically (dedup only, no reordering).
	FallbackDirection string
	// Method selects the per-provider account rotation strategy.
	Method Strategy
}

// HubChoice is the result of a hub selection: a concrete provider, account,
// and provider model id for one request attempt.
type HubChoice struct {
	Provider        Provider
	Account         *Account
	ProviderModelID string
}

// candidate is a transient selection-time record, rebuilt on every call.
type candidate struct {
	provider        Provider
	account         *Account
	providerModelID string
	score           int
	remainingQuota  int
}

// ModelHub maps canonical model names to provider candidates and performs
// global candidate selection across providers.
type ModelHub struct {
	mu      sync.RWMutex
	entries map[string][]HubEntry

	tracker    *HealthScoreTracker
	registry   *CooldownRegistry
	instanceID int

	now func() time.Time
}

// NewModelHub constructs a hub sharing the tracker and registry with the
// rotator so filtering stays consistent across selection paths.
func NewModelHub(tracker *HealthScoreTracker, registry *CooldownRegistry, instanceID int) *ModelHub {
	if tracker == nil {
		tracker = NewHealthScoreTracker(DefaultHealthScoreConfig)
	}
	if registry == nil {
		registry = NewCooldownRegistry(tracker)
	}
	return &ModelHub{
		entries:    make(map[string][]HubEntry),
		tracker:    tracker,
		registry:   registry,
		instanceID: instanceID,
		now:        time.Now,
	}
}

// AddMapping registers hub entries for a canonical model, replacing any
// previous registration for that model.
func (h *ModelHub) AddMapping(model string, entries ...HubEntry) {
	key := strings.ToLower(strings.TrimSpace(model))
	if key == "" || len(entries) == 0 {
		return
	}
	h.mu.Lock()
	h.entries[key] = append([]HubEntry(nil), entries...)
	h.mu.Unlock()
}

// Mappings returns the entries registered for a model, nil when unmapped.
func (h *ModelHub) Mappings(model string) []HubEntry {
	key := strings.ToLower(strings.TrimSpace(model))
	h.mu.RLock()
	defer h.mu.RUnlock()
	entries := h.entries[key]
	if len(entries) == 0 {
		return nil
	}
	out := make([]HubEntry, len(entries))
	copy(out, entries)
	return out
}

// ResolveModelChain returns the ordered fallback chain for a model: the
// requested model first, then the configured fallbacks, first occurrence
// winning. The chain never contains duplicates.
func (h *ModelHub) ResolveModelChain(model string, cfg FallbackConfig) []string {
	requested := strings.ToLower(strings.TrimSpace(model))
	chain := make([]string, 0, 4)
	seen := make(map[string]struct{}, 4)
	appendModel := func(name string) {
		name = strings.ToLower(strings.TrimSpace(name))
		if name == "" {
			return
		}
		if _, ok := seen[name]; ok {
			return
		}
		seen[name] = struct{}{}
		chain = append(chain, name)
	}
	appendModel(requested)
	if cfg.ModelPriorities != nil {
		for _, fallback := range cfg.ModelPriorities[model] {
			appendModel(fallback)
		}
		// Priorities may be keyed by the already-lowercased name.
		if model != requested {
			for _, fallback := range cfg.ModelPriorities[requested] {
				appendModel(fallback)
			}
		}
	}
	return chain
}

// SelectModelAccount picks the best (provider, account, provider model)
// triple for the model. With a config it walks the full fallback chain,
// returning the first model that yields a usable candidate; without one it
// attempts only the given model. Returns nil when nothing is routable.
func (h *ModelHub) SelectModelAccount(model string, accounts []*Account, cfg *FallbackConfig) *HubChoice {
	if cfg == nil {
		return h.selectSingle(model, accounts)
	}
	for _, name := range h.ResolveModelChain(model, *cfg) {
		if choice := h.selectSingle(name, accounts); choice != nil {
			return choice
		}
	}
	return nil
}

// selectSingle gathers candidates for one model across every mapped provider
// and ranks them. The availability filter matches the rotator's.
func (h *ModelHub) selectSingle(model string, accounts []*Account) *HubChoice {
	entries := h.Mappings(model)
	if len(entries) == 0 {
		return nil
	}
	now := h.now()

	candidates := make([]candidate, 0, len(accounts))
	for _, entry := range entries {
		for _, acc := range accounts {
			if acc == nil || acc.Provider != entry.Provider {
				continue
			}
			if !available(acc, now, h.tracker, h.registry) {
				continue
			}
			candidates = append(candidates, candidate{
				provider:        entry.Provider,
				account:         acc,
				providerModelID: entry.ProviderModelID,
				score:           h.tracker.GetScore(acc),
				remainingQuota:  acc.RemainingQuota(entry.ProviderModelID),
			})
		}
	}
	if len(candidates) == 0 {
		return nil
	}

	sort.SliceStable(candidates, func(i, j int) bool {
		a, b := candidates[i], candidates[j]
		// Anything with quota left beats anything without.
		aHasQuota, bHasQuota := a.remainingQuota > 0, b.remainingQuota > 0
		if aHasQuota != bHasQuota {
			return aHasQuota
		}
		// Health score, with near-ties falling through.
		ds := a.score - b.score
		if ds > healthToleranceBand || ds < -healthToleranceBand {
			return a.score > b.score
		}
		if a.remainingQuota != b.remainingQuota {
			return a.remainingQuota > b.remainingQuota
		}
		// Deterministic per-process jitter spreads identical candidates
		// across concurrently running instances.
		return h.tieBreak(a.account.ID) < h.tieBreak(b.account.ID)
	})

	top := candidates[0]
	logKeySelected(top.account.ID, top.provider, model, top.providerModelID)
	return &HubChoice{Provider: top.provider, Account: top.account, ProviderModelID: top.providerModelID}
}

func (h *ModelHub) tieBreak(accountID string) int {
	hasher := fnv.New32a()
	_, _ = hasher.Write([]byte(accountID))
	return (int(hasher.Sum32()%100) + h.instanceID%100) % 100
}

// EarliestReset scans the accounts for the soonest pending rate-limit reset
// strictly after now. Cooldowns do not count: parking waits only on rate
// limit relief. The boolean is false when nothing is pending.
func EarliestReset(accounts []*Account, now time.Time) (time.Time, bool) {
	var earliest time.Time
	for _, acc := range accounts {
		if acc == nil {
			continue
		}
		acc.mu.Lock()
		ts := acc.RateLimitResetTime
		acc.mu.Unlock()
		if ts.IsZero() || !ts.After(now) {
			continue
		}
		if earliest.IsZero() || ts.Before(earliest) {
			earliest = ts
		}
	}
	return earliest, !earliest.IsZero()
}
