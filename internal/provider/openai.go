package provider

import (
	"net/http"

	"github.com/keymux/keymux/sdk/keymux/auth"
)

// OpenAICompatible shapes requests for any chat-completions style endpoint.
// It doubles as the generic fallback adapter: bearer auth, model injected
// into the payload, caller or config supplies the URL when Base is empty.
type OpenAICompatible struct {
	Provider auth.Provider
	// Base is the API root; the chat-completions path is appended. An
	// account-level "base_url" metadata entry overrides it.
	Base string
}

// Identifier implements Adapter.
func (a *OpenAICompatible) Identifier() auth.Provider { return a.Provider }

// Headers implements Adapter.
func (a *OpenAICompatible) Headers(account *auth.Account) http.Header {
	return bearerHeaders(account)
}

// URL implements Adapter.
func (a *OpenAICompatible) URL(model string, account *auth.Account) string {
	base := metadataValue(account, "base_url")
	if base == "" {
		base = a.Base
	}
	if base == "" {
		return ""
	}
	return base + "/chat/completions"
}

// TransformRequest implements Adapter.
func (a *OpenAICompatible) TransformRequest(body []byte, providerModel string) ([]byte, error) {
	return injectModel(body, providerModel)
}

// TransformResponse implements Adapter.
func (a *OpenAICompatible) TransformResponse(text []byte) []byte { return text }
