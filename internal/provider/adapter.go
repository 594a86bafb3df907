// Package provider implements per-provider request shaping: authentication
// headers, endpoint URLs, and payload transforms. One adapter per provider
// tag, selected through a registration table.
package provider

import (
	"net/http"
	"strings"
	"sync"

	"github.com/tidwall/sjson"

	"github.com/keymux/keymux/sdk/keymux/auth"
)

// Adapter shapes requests for one provider.
type Adapter interface {
	// Identifier returns the provider tag handled by this adapter.
	Identifier() auth.Provider
	// Headers builds the authentication headers for the account.
	Headers(account *auth.Account) http.Header
	// URL returns the endpoint for the provider model, empty when the
	// caller-supplied URL should stand.
	URL(model string, account *auth.Account) string
	// TransformRequest adjusts the JSON payload for the provider, injecting
	// the provider model id when given.
	TransformRequest(body []byte, providerModel string) ([]byte, error)
	// TransformResponse maps the provider response text back to the common
	// shape. Most providers pass through.
	TransformResponse(text []byte) []byte
}

// Registry is the dispatch table from provider tag to adapter.
type Registry struct {
	mu       sync.RWMutex
	adapters map[auth.Provider]Adapter
}

// NewRegistry returns a registry preloaded with the built-in adapters.
func NewRegistry() *Registry {
	r := &Registry{adapters: make(map[auth.Provider]Adapter)}
	r.Register(&Anthropic{})
	r.Register(&Gemini{})
	r.Register(&OpenAICompatible{Provider: auth.ProviderOpenAI, Base: "https://api.openai.com/v1"})
	r.Register(&OpenAICompatible{Provider: auth.ProviderGeneric})
	return r
}

// Register adds or replaces the adapter for its provider tag.
func (r *Registry) Register(adapter Adapter) {
	if adapter == nil {
		return
	}
	r.mu.Lock()
	r.adapters[adapter.Identifier()] = adapter
	r.mu.Unlock()
}

// Get returns the adapter for the provider. Unknown providers fall back to a
// bearer-token generic adapter so an unconfigured tag still works.
func (r *Registry) Get(provider auth.Provider) Adapter {
	r.mu.RLock()
	adapter, ok := r.adapters[provider]
	r.mu.RUnlock()
	if ok {
		return adapter
	}
	return &OpenAICompatible{Provider: provider}
}

// injectModel overwrites the payload's model field with the provider model id.
func injectModel(body []byte, providerModel string) ([]byte, error) {
	if len(body) == 0 || providerModel == "" {
		return body, nil
	}
	return sjson.SetBytes(body, "model", providerModel)
}

// bearerHeaders is the default header shape: API key first, then OAuth token.
func bearerHeaders(account *auth.Account) http.Header {
	h := http.Header{}
	h.Set("Content-Type", "application/json")
	switch {
	case account == nil:
	case account.APIKey != "":
		h.Set("Authorization", "Bearer "+account.APIKey)
	case account.AccessToken != "":
		h.Set("Authorization", "Bearer "+account.AccessToken)
	}
	return h
}

func metadataValue(account *auth.Account, key string) string {
	if account == nil || account.Metadata == nil {
		return ""
	}
	return strings.TrimSpace(account.Metadata[key])
}
