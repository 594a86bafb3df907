// Package keymux is the request orchestrator: it resolves a logical model to
// a provider account through the routing hub, performs the call through a
// pluggable transport, classifies the outcome, and feeds the result back into
// the rotation state so the next request lands on a usable credential.
package keymux

import (
	"context"
	"io"
	"net/http"
	"strings"
	"sync"
	"time"

	log "github.com/sirupsen/logrus"
	"github.com/tidwall/gjson"
	"golang.org/x/sync/errgroup"

	"github.com/keymux/keymux/internal/config"
	"github.com/keymux/keymux/internal/history"
	"github.com/keymux/keymux/internal/logging"
	"github.com/keymux/keymux/internal/provider"
	"github.com/keymux/keymux/sdk/keymux/auth"
)

const (
	// rateLimitParkWindow bounds how long a request will wait for a pending
	// rate-limit reset instead of failing over immediately.
	rateLimitParkWindow = time.Minute
	// rateLimitParkBuffer is added past the reset time so the upstream
	// window has actually rolled over.
	rateLimitParkBuffer = 100 * time.Millisecond

	validationTimeout  = 30 * time.Second
	validationParallel = 4

	// quotaRetryAfter parks a quota-exhausted account when the provider sends
	// no explicit retry hint.
	quotaRetryAfter = time.Minute

	// costPerToken is a flat placeholder rate; real pricing tables are out of
	// scope, only the accumulation plumbing exists.
	costPerToken = 0.000001
)

// AuthDetails is a resolved routing decision: the account to use, the headers
// that authenticate it, and the endpoint plus provider-side model id.
type AuthDetails struct {
	Provider        auth.Provider
	Account         *auth.Account
	Headers         http.Header
	URL             string
	ProviderModelID string
}

// RequestOptions carries the caller's payload into Request.
type RequestOptions struct {
	// Method defaults to POST.
	Method string
	Header http.Header
	Body   []byte
}

// Response is the upstream reply with its body fully read.
type Response struct {
	StatusCode int
	Header     http.Header
	Body       []byte
}

// OK reports whether the status code is in the 2xx range.
func (r *Response) OK() bool {
	return r != nil && r.StatusCode >= 200 && r.StatusCode < 300
}

// Manager drives request routing across the account pool. All selection state
// lives in the shared tracker/registry/rotator/hub so overlapping requests
// see each other's outcomes; last-write-wins on concurrent reports is
// accepted.
type Manager struct {
	cfgMu sync.RWMutex
	cfg   *config.Config

	mu       sync.RWMutex
	accounts []*auth.Account

	store    auth.Store
	tracker  *auth.HealthScoreTracker
	registry *auth.CooldownRegistry
	rotator  *auth.AccountRotator
	hub      *auth.ModelHub
	adapters *provider.Registry

	transport Transport
	sink      history.Sink

	warmupMu    sync.Mutex
	lastWarmups map[string]time.Time
	// lastSelected tracks the previous account per provider so a switch can
	// trigger the thinking warmup.
	lastSelected map[auth.Provider]string

	now func() time.Time
}

// New constructs a Manager from a configuration and an account store. The
// transport defaults to HTTP with the configured request timeout and the
// telemetry sink to a discard sink; override them with SetTransport and
// SetHistorySink before serving.
func New(cfg *config.Config, store auth.Store) *Manager {
	if cfg == nil {
		cfg = &config.Config{}
	}
	tracker := auth.NewHealthScoreTracker(auth.DefaultHealthScoreConfig)
	registry := auth.NewCooldownRegistry(tracker)
	m := &Manager{
		cfg:          cfg,
		store:        store,
		tracker:      tracker,
		registry:     registry,
		rotator:      auth.NewAccountRotator(tracker, registry, cfg.InstanceID),
		hub:          auth.NewModelHub(tracker, registry, cfg.InstanceID),
		adapters:     provider.NewRegistry(),
		transport:    NewHTTPTransport(time.Duration(cfg.RequestTimeout)),
		sink:         history.Discard{},
		lastWarmups:  make(map[string]time.Time),
		lastSelected: make(map[auth.Provider]string),
		now:          time.Now,
	}
	return m
}

// SetTransport replaces the upstream transport.
func (m *Manager) SetTransport(t Transport) {
	if t != nil {
		m.transport = t
	}
}

// SetHistorySink replaces the telemetry sink.
func (m *Manager) SetHistorySink(sink history.Sink) {
	if sink != nil {
		m.sink = sink
	}
}

// Adapters exposes the provider adapter registry for custom registrations.
func (m *Manager) Adapters() *provider.Registry { return m.adapters }

// Hub exposes the routing hub so deployments can add model mappings.
func (m *Manager) Hub() *auth.ModelHub { return m.hub }

// ApplyConfig swaps in a reloaded configuration. Selection state carries
// over; only routing preferences change.
func (m *Manager) ApplyConfig(cfg *config.Config) {
	if cfg == nil {
		return
	}
	m.cfgMu.Lock()
	m.cfg = cfg
	m.cfgMu.Unlock()
}

func (m *Manager) config() *config.Config {
	m.cfgMu.RLock()
	defer m.cfgMu.RUnlock()
	return m.cfg
}

// Load reads the account pool from the store, replacing the in-memory set.
func (m *Manager) Load(ctx context.Context) error {
	if m.store == nil {
		return nil
	}
	accounts, err := m.store.LoadAccounts(ctx)
	if err != nil {
		return err
	}
	kept := make([]*auth.Account, 0, len(accounts))
	for _, acc := range accounts {
		if acc == nil || acc.ID == "" {
			continue
		}
		kept = append(kept, acc)
	}
	m.mu.Lock()
	m.accounts = kept
	m.mu.Unlock()
	log.Infof("loaded %d account(s)", len(kept))
	return nil
}

func (m *Manager) snapshot() []*auth.Account {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]*auth.Account, len(m.accounts))
	copy(out, m.accounts)
	return out
}

func (m *Manager) accountByID(id string) *auth.Account {
	m.mu.RLock()
	defer m.mu.RUnlock()
	for _, acc := range m.accounts {
		if acc != nil && acc.ID == id {
			return acc
		}
	}
	return nil
}

// AccountsStatus returns a point-in-time view of every account's rotation
// state, with health scores recomputed through passive recovery.
func (m *Manager) AccountsStatus() []auth.Status {
	accounts := m.snapshot()
	statuses := make([]auth.Status, 0, len(accounts))
	for _, acc := range accounts {
		status := acc.View()
		status.HealthScore = m.tracker.GetScore(acc)
		status.IsHealthy = status.HealthScore >= m.tracker.MinUsable()
		statuses = append(statuses, status)
	}
	return statuses
}

// GetAuthDetails resolves credentials for a logical model name or a provider
// tag. An empty argument selects from the configured active provider. The
// returned details are nil only alongside a non-nil error.
func (m *Manager) GetAuthDetails(ctx context.Context, modelOrProvider string) (*AuthDetails, error) {
	name := strings.TrimSpace(modelOrProvider)
	if name != "" && len(m.hub.Mappings(name)) > 0 {
		if details := m.resolveModel(name); details != nil {
			return details, nil
		}
		return nil, &auth.NoUsableAccountError{Model: name, ResetIn: m.earliestResetIn()}
	}
	if details := m.resolveProvider(name); details != nil {
		return details, nil
	}
	if name != "" {
		// Not a mapped model and not a provider with accounts; one more try
		// through the chain in case a priority list routes it.
		if details := m.resolveModel(name); details != nil {
			return details, nil
		}
	}
	return nil, &auth.NoUsableAccountError{Model: name, ResetIn: m.earliestResetIn()}
}

func (m *Manager) earliestResetIn() time.Duration {
	reset, ok := auth.EarliestReset(m.snapshot(), m.now())
	if !ok {
		return 0
	}
	if wait := reset.Sub(m.now()); wait > 0 {
		return wait
	}
	return 0
}

// resolveModel picks an account for one concrete model via the hub, then runs
// the quota preflight which may swap in an alternate of the same provider.
func (m *Manager) resolveModel(model string) *AuthDetails {
	cfg := m.config().FallbackConfig()
	accounts := m.snapshot()
	choice := m.hub.SelectModelAccount(model, accounts, &cfg)
	if choice == nil {
		return nil
	}
	account := m.preflight(choice.Provider, choice.Account, accounts)
	if account == nil {
		return nil
	}
	return m.details(choice.Provider, account, choice.ProviderModelID)
}

// resolveProvider picks an account by provider tag, walking the configured
// fallback providers when the preferred one has no usable account.
func (m *Manager) resolveProvider(name string) *AuthDetails {
	cfg := m.config()
	providers := make([]string, 0, len(cfg.Fallback)+2)
	if name != "" {
		providers = append(providers, name)
	}
	if cfg.Active != "" {
		providers = append(providers, cfg.Active)
	}
	providers = append(providers, cfg.Fallback...)

	accounts := m.snapshot()
	seen := make(map[string]struct{}, len(providers))
	for _, tag := range providers {
		tag = strings.ToLower(strings.TrimSpace(tag))
		if tag == "" {
			continue
		}
		if _, dup := seen[tag]; dup {
			continue
		}
		seen[tag] = struct{}{}
		if !cfg.ProviderEnabled(tag) {
			continue
		}
		pool := make([]*auth.Account, 0, len(accounts))
		for _, acc := range accounts {
			if acc != nil && acc.Provider == auth.Provider(tag) {
				pool = append(pool, acc)
			}
		}
		if len(pool) == 0 {
			continue
		}
		account := m.rotator.SelectAccount(pool, auth.Strategy(cfg.Method))
		if account == nil {
			continue
		}
		account = m.preflight(auth.Provider(tag), account, accounts)
		if account == nil {
			continue
		}
		return m.details(auth.Provider(tag), account, "")
	}
	return nil
}

// resolveHop resolves credentials for exactly one chain hop: the model's own
// hub mapping when it has one, the provider path otherwise. Unlike
// GetAuthDetails it never walks past the given model; the chain loop in
// Request owns the fallback order.
func (m *Manager) resolveHop(model string) *AuthDetails {
	accounts := m.snapshot()
	if len(m.hub.Mappings(model)) > 0 {
		choice := m.hub.SelectModelAccount(model, accounts, nil)
		if choice == nil {
			return nil
		}
		account := m.preflight(choice.Provider, choice.Account, accounts)
		if account == nil {
			return nil
		}
		return m.details(choice.Provider, account, choice.ProviderModelID)
	}
	return m.resolveProvider(model)
}

// preflight applies the quota cooldown check to a selected account and
// resolves any switch it mandates.
func (m *Manager) preflight(prov auth.Provider, account *auth.Account, all []*auth.Account) *auth.Account {
	result := m.registry.PreflightCheck(prov, account, all)
	if !result.Proceed {
		log.WithFields(log.Fields{
			"account_id": account.ID,
			"provider":   prov,
			"reason":     result.Reason,
		}).Debug("preflight rejected account")
		return nil
	}
	if result.AccountID == "" || result.AccountID == account.ID {
		return account
	}
	alternate := m.accountByID(result.AccountID)
	if alternate == nil {
		return account
	}
	alternate.SetSwitchReason(result.Reason)
	log.WithFields(log.Fields{
		"from":     result.SwitchedFrom,
		"to":       alternate.ID,
		"provider": prov,
		"reason":   result.Reason,
	}).Debug("preflight switched account")
	return alternate
}

// details materializes the routing decision: headers from the adapter, the
// endpoint from the configured base-url override or the adapter default.
func (m *Manager) details(prov auth.Provider, account *auth.Account, providerModel string) *AuthDetails {
	adapter := m.adapters.Get(prov)
	url := ""
	if base := m.config().ProviderBaseURL(string(prov)); base != "" {
		url = base + "/chat/completions"
	} else {
		url = adapter.URL(providerModel, account)
	}
	m.noteSelection(prov, account)
	return &AuthDetails{
		Provider:        prov,
		Account:         account,
		Headers:         adapter.Headers(account),
		URL:             url,
		ProviderModelID: providerModel,
	}
}

// noteSelection records which account a provider last handed out and fires
// the thinking warmup when the account changed, the very first selection
// included.
func (m *Manager) noteSelection(prov auth.Provider, account *auth.Account) {
	m.warmupMu.Lock()
	previous := m.lastSelected[prov]
	m.lastSelected[prov] = account.ID
	m.warmupMu.Unlock()
	if previous != account.ID {
		m.maybeWarmup(account)
	}
}

// Request walks the model's fallback chain until a hop succeeds. Client
// errors (4xx other than quota signals) are returned to the caller without
// retrying; quota, server, and transport failures fall through to the next
// model in the chain.
func (m *Manager) Request(ctx context.Context, model, url string, opts RequestOptions) (*Response, error) {
	cfg := m.config().FallbackConfig()
	chain := m.hub.ResolveModelChain(model, cfg)
	entry := logging.Entry(ctx)

	var lastErr error
	for i, hop := range chain {
		if i > 0 {
			reason := "no usable account"
			if lastErr != nil {
				reason = lastErr.Error()
			}
			auth.LogModelFallback(chain[i-1], hop, reason)
		}

		details := m.resolveHop(hop)
		if details == nil && m.parkForRateLimit(ctx, hop) {
			details = m.resolveHop(hop)
		}
		if details == nil {
			if lastErr == nil {
				lastErr = &auth.NoUsableAccountError{Model: hop, ResetIn: m.earliestResetIn()}
			}
			continue
		}
		entry.WithFields(log.Fields{
			"account_id": details.Account.ID,
			"provider":   details.Provider,
			"model":      hop,
		}).Debug("account selected")

		response, hopErr, final := m.performHop(ctx, hop, url, details, opts)
		if final {
			return response, hopErr
		}
		if hopErr != nil {
			lastErr = hopErr
		}
	}

	if lastErr == nil {
		lastErr = &auth.NoUsableAccountError{Model: model, ResetIn: m.earliestResetIn()}
	}
	return nil, lastErr
}

// performHop issues one upstream call and classifies the result. final=true
// means the outcome is returned to the caller; otherwise the chain advances.
func (m *Manager) performHop(ctx context.Context, model, callerURL string, details *AuthDetails, opts RequestOptions) (*Response, error, bool) {
	adapter := m.adapters.Get(details.Provider)
	body, err := adapter.TransformRequest(opts.Body, details.ProviderModelID)
	if err != nil {
		m.reportFailureAccount(details.Account)
		return nil, &auth.Error{Code: auth.CodeAdapterNotFound, Message: err.Error()}, false
	}

	target := details.URL
	if target == "" {
		target = callerURL
	}
	method := opts.Method
	if method == "" {
		method = http.MethodPost
	}
	header := mergeHeaders(details.Headers, opts.Header)

	started := m.now()
	httpResp, err := m.transport.Perform(ctx, method, target, header, body)
	if err != nil {
		m.reportFailureAccount(details.Account)
		m.dispatchStats(details, model, m.now().Sub(started), false, err.Error(), nil)
		return nil, err, false
	}
	respBody, readErr := io.ReadAll(httpResp.Body)
	httpResp.Body.Close()
	if readErr != nil {
		m.reportFailureAccount(details.Account)
		m.dispatchStats(details, model, m.now().Sub(started), false, readErr.Error(), nil)
		return nil, readErr, false
	}

	response := &Response{
		StatusCode: httpResp.StatusCode,
		Header:     httpResp.Header,
		Body:       adapter.TransformResponse(respBody),
	}
	duration := m.now().Sub(started)

	switch classify(httpResp.StatusCode, respBody) {
	case outcomeSuccess:
		m.rotator.RecordSuccess(details.Account)
		m.persistAsync()
		m.dispatchStats(details, model, duration, true, "", respBody)
		return response, nil, true
	case outcomeQuota:
		m.rotator.RecordRateLimit(details.Account, quotaRetryAfter, auth.ReasonQuotaExhausted)
		m.persistAsync()
		m.dispatchStats(details, model, duration, false, "quota exhausted", respBody)
		return nil, &auth.Error{
			Code:       "quota_exhausted",
			Message:    "provider reported quota or rate limit",
			Retryable:  true,
			HTTPStatus: httpResp.StatusCode,
		}, false
	case outcomeServerError:
		m.reportFailureAccount(details.Account)
		m.dispatchStats(details, model, duration, false, httpResp.Status, respBody)
		return nil, &auth.Error{
			Code:       "upstream_error",
			Message:    httpResp.Status,
			Retryable:  true,
			HTTPStatus: httpResp.StatusCode,
		}, false
	default:
		// Caller-input problem; retrying on another account will not fix it.
		m.reportFailureAccount(details.Account)
		m.dispatchStats(details, model, duration, false, httpResp.Status, respBody)
		return response, nil, true
	}
}

// parkForRateLimit waits for a near-future rate-limit reset instead of
// skipping the hop. Returns true when the wait completed and resolution
// should be retried once.
func (m *Manager) parkForRateLimit(ctx context.Context, model string) bool {
	reset, ok := auth.EarliestReset(m.snapshot(), m.now())
	if !ok {
		return false
	}
	wait := reset.Sub(m.now())
	if wait <= 0 || wait >= rateLimitParkWindow {
		return false
	}
	auth.LogAllAccountsExhausted(model, wait)
	timer := time.NewTimer(wait + rateLimitParkBuffer)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-timer.C:
		return true
	}
}

type outcome int

const (
	outcomeSuccess outcome = iota
	outcomeQuota
	outcomeServerError
	outcomeClientError
)

// classify maps an upstream status and body to the retry decision. A 429 or
// 403 only counts as quota exhaustion when the body says so; a bare 403 is a
// caller-side auth problem.
func classify(status int, body []byte) outcome {
	if status >= 200 && status < 300 {
		return outcomeSuccess
	}
	if status == http.StatusTooManyRequests || status == http.StatusForbidden {
		text := strings.ToLower(string(body))
		if strings.Contains(text, "quota") || strings.Contains(text, "rate limit") {
			return outcomeQuota
		}
	}
	if status >= 500 {
		return outcomeServerError
	}
	return outcomeClientError
}

func mergeHeaders(base, extra http.Header) http.Header {
	merged := make(http.Header, len(base)+len(extra))
	for key, values := range base {
		merged[key] = append([]string(nil), values...)
	}
	for key, values := range extra {
		for _, value := range values {
			merged.Set(key, value)
		}
	}
	return merged
}

// ReportSuccess records a successful call made outside Request.
func (m *Manager) ReportSuccess(accountID string) {
	if acc := m.accountByID(accountID); acc != nil {
		m.rotator.RecordSuccess(acc)
		m.persistAsync()
	}
}

// ReportFailure records a failed call made outside Request.
func (m *Manager) ReportFailure(accountID string) {
	if acc := m.accountByID(accountID); acc != nil {
		m.rotator.RecordFailure(acc)
		m.persistAsync()
	}
}

// ReportRateLimit records an upstream rate limit observed outside Request.
// retryAfter zero derives the backoff from the reason and failure streak.
func (m *Manager) ReportRateLimit(accountID string, retryAfter time.Duration, reason auth.RateLimitReason) {
	if acc := m.accountByID(accountID); acc != nil {
		m.rotator.RecordRateLimit(acc, retryAfter, reason)
		m.persistAsync()
	}
}

func (m *Manager) reportFailureAccount(account *auth.Account) {
	m.rotator.RecordFailure(account)
	m.persistAsync()
}

// persistAsync writes the pool back to the store without blocking the
// request path. Failures are logged and swallowed.
func (m *Manager) persistAsync() {
	if m.store == nil {
		return
	}
	m.mu.RLock()
	clones := make([]*auth.Account, 0, len(m.accounts))
	for _, acc := range m.accounts {
		clones = append(clones, acc.Clone())
	}
	m.mu.RUnlock()
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := m.store.SaveAccounts(ctx, clones); err != nil {
			log.Warnf("account persist failed: %v", err)
		}
	}()
}

// dispatchStats extracts token usage from the response and enqueues a history
// entry. It runs off the request path and can never affect the outcome.
func (m *Manager) dispatchStats(details *AuthDetails, model string, duration time.Duration, success bool, errText string, respBody []byte) {
	account := details.Account
	prov := details.Provider
	go func() {
		inputTokens := gjson.GetBytes(respBody, "usage.input_tokens").Int()
		if inputTokens == 0 {
			inputTokens = gjson.GetBytes(respBody, "usage.prompt_tokens").Int()
		}
		outputTokens := gjson.GetBytes(respBody, "usage.output_tokens").Int()
		if outputTokens == 0 {
			outputTokens = gjson.GetBytes(respBody, "usage.completion_tokens").Int()
		}
		if success && inputTokens == 0 && outputTokens == 0 {
			// No usage block; estimate from payload size.
			outputTokens = int64(len(respBody) / 4)
		}
		cost := float64(inputTokens+outputTokens) * costPerToken
		account.AddUsage(inputTokens, outputTokens, cost)
		m.sink.AddEntry(history.Entry{
			CreatedAt:    m.now(),
			Model:        model,
			Provider:     string(prov),
			AccountID:    account.ID,
			InputTokens:  inputTokens,
			OutputTokens: outputTokens,
			Cost:         cost,
			DurationMS:   duration.Milliseconds(),
			Success:      success,
			Error:        errText,
		})
	}()
}

// ValidateOnStartup probes every account with a minimal request so invalid
// keys and exhausted quotas surface before real traffic. Outcomes flow
// through the normal reporting path.
func (m *Manager) ValidateOnStartup(ctx context.Context) {
	accounts := m.snapshot()
	if len(accounts) == 0 {
		log.Info("startup validation: no accounts to check")
		return
	}
	log.Infof("startup validation: probing %d account(s)", len(accounts))

	group, groupCtx := errgroup.WithContext(ctx)
	group.SetLimit(validationParallel)
	for _, account := range accounts {
		account := account
		group.Go(func() error {
			m.probeAccount(groupCtx, account)
			return nil
		})
	}
	_ = group.Wait()
	log.Info("startup validation: completed")
}

func (m *Manager) probeAccount(ctx context.Context, account *auth.Account) {
	adapter := m.adapters.Get(account.Provider)
	model := probeModel(account.Provider)
	target := adapter.URL(model, account)
	if base := m.config().ProviderBaseURL(string(account.Provider)); base != "" {
		target = base + "/chat/completions"
	}
	if target == "" {
		log.Debugf("startup validation: no endpoint for account %s, skipping", account.ID)
		return
	}

	probeCtx, cancel := context.WithTimeout(ctx, validationTimeout)
	defer cancel()

	body, err := adapter.TransformRequest(probeBody(account.Provider, model), model)
	if err != nil {
		log.Debugf("startup validation: probe build failed for %s: %v", account.ID, err)
		return
	}
	resp, err := m.transport.Perform(probeCtx, http.MethodPost, target, adapter.Headers(account), body)
	if err != nil {
		m.rotator.RecordFailure(account)
		log.Warnf("startup validation: account %s (provider=%s) unreachable: %v", account.ID, account.Provider, err)
		return
	}
	respBody, _ := io.ReadAll(resp.Body)
	resp.Body.Close()

	switch classify(resp.StatusCode, respBody) {
	case outcomeSuccess:
		m.rotator.RecordSuccess(account)
		log.Infof("startup validation: account %s (provider=%s) ok", account.ID, account.Provider)
	case outcomeQuota:
		m.rotator.RecordRateLimit(account, quotaRetryAfter, auth.ReasonQuotaExhausted)
		log.Warnf("startup validation: account %s (provider=%s) quota exhausted", account.ID, account.Provider)
	default:
		m.rotator.RecordFailure(account)
		log.Warnf("startup validation: account %s (provider=%s) failed with status %d", account.ID, account.Provider, resp.StatusCode)
	}
	m.persistAsync()
}
