package keymux

import (
	"context"
	"io"
	"net/http"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/keymux/keymux/sdk/keymux/auth"
)

// Switching to a cold reasoning account pays a first-token latency penalty;
// a tiny warmup request absorbs it off the caller's path. The throttle keeps
// a flapping pool from burning quota on warmups.
const (
	warmupTimeout  = 5 * time.Second
	warmupThrottle = 5 * time.Minute
)

// maybeWarmup fires a background warmup when the selected account changed.
// Only reasoning-capable providers benefit; failures are logged and dropped.
func (m *Manager) maybeWarmup(account *auth.Account) {
	if account == nil || account.Provider != auth.ProviderAnthropic {
		return
	}
	if !m.config().Thinking.Enabled {
		return
	}
	now := m.now()
	m.warmupMu.Lock()
	last, seen := m.lastWarmups[account.ID]
	if seen && now.Sub(last) < warmupThrottle {
		m.warmupMu.Unlock()
		return
	}
	m.lastWarmups[account.ID] = now
	m.warmupMu.Unlock()
	go m.runThinkingWarmup(account)
}

func (m *Manager) runThinkingWarmup(account *auth.Account) {
	ctx, cancel := context.WithTimeout(context.Background(), warmupTimeout)
	defer cancel()

	adapter := m.adapters.Get(account.Provider)
	model := probeModel(account.Provider)
	target := adapter.URL(model, account)
	if base := m.config().ProviderBaseURL(string(account.Provider)); base != "" {
		target = base + "/chat/completions"
	}
	if target == "" {
		return
	}
	body, err := adapter.TransformRequest(probeBody(account.Provider, model), model)
	if err != nil {
		log.Debugf("warmup: build failed for account %s: %v", account.ID, err)
		return
	}
	resp, err := m.transport.Perform(ctx, http.MethodPost, target, adapter.Headers(account), body)
	if err != nil {
		log.Debugf("warmup: account %s: %v", account.ID, err)
		return
	}
	io.Copy(io.Discard, resp.Body)
	resp.Body.Close()
	log.WithFields(log.Fields{
		"account_id": account.ID,
		"status":     resp.StatusCode,
	}).Debug("warmup completed")
}

// StartWarmupLoop periodically warms every healthy reasoning account so rate
// limit windows stay active. It returns immediately; the loop stops when ctx
// is cancelled. A non-positive interval disables the loop.
func (m *Manager) StartWarmupLoop(ctx context.Context, interval time.Duration) {
	if interval <= 0 || !m.config().Thinking.Enabled {
		return
	}
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				for _, account := range m.snapshot() {
					if account.Provider != auth.ProviderAnthropic {
						continue
					}
					if !m.tracker.IsUsable(account) {
						continue
					}
					m.maybeWarmup(account)
				}
			}
		}
	}()
}

// probeModel is the cheap default model used for warmups and startup probes.
func probeModel(prov auth.Provider) string {
	switch prov {
	case auth.ProviderAnthropic:
		return "claude-3-5-haiku-latest"
	case auth.ProviderGemini:
		return "gemini-2.0-flash"
	default:
		return "gpt-4o-mini"
	}
}

func probeBody(prov auth.Provider, model string) []byte {
	if prov == auth.ProviderGemini {
		return []byte(`{"contents":[{"parts":[{"text":"ping"}]}]}`)
	}
	return []byte(`{"model":"` + model + `","max_tokens":1,"messages":[{"role":"user","content":"ping"}]}`)
}
