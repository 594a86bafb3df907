package provider

import (
	"net/http"
	"strings"

	"github.com/keymux/keymux/sdk/keymux/auth"
)

const (
	anthropicAPIURL     = "https://api.anthropic.com/v1/messages"
	anthropicConsoleURL = "https://console.anthropic.com/api/v1/messages"
	anthropicVersion    = "2023-06-01"
)

// anthropicOAuthBetas are required for OAuth-token access to the messages API.
var anthropicOAuthBetas = []string{
	"oauth-2025-04-20",
	"interleaved-thinking-2025-05-14",
}

// Anthropic shapes requests for the Anthropic messages API. API-key accounts
// use x-api-key; OAuth accounts use a bearer token with beta headers.
type Anthropic struct{}

// Identifier implements Adapter.
func (*Anthropic) Identifier() auth.Provider { return auth.ProviderAnthropic }

// Headers implements Adapter.
func (*Anthropic) Headers(account *auth.Account) http.Header {
	h := http.Header{}
	h.Set("Content-Type", "application/json")
	if account == nil {
		return h
	}
	if account.APIKey != "" {
		h.Set("x-api-key", account.APIKey)
		h.Set("anthropic-version", anthropicVersion)
		return h
	}
	if account.AccessToken != "" {
		h.Set("Authorization", "Bearer "+account.AccessToken)
		h.Set("anthropic-version", anthropicVersion)
		h.Set("anthropic-beta", strings.Join(anthropicOAuthBetas, ","))
	}
	return h
}

// URL implements Adapter. OAuth accounts go through the console endpoint.
func (*Anthropic) URL(model string, account *auth.Account) string {
	if account != nil && account.APIKey == "" && account.AccessToken != "" {
		return anthropicConsoleURL
	}
	return anthropicAPIURL
}

// TransformRequest implements Adapter.
func (*Anthropic) TransformRequest(body []byte, providerModel string) ([]byte, error) {
	return injectModel(body, providerModel)
}

// TransformResponse implements Adapter.
func (*Anthropic) TransformResponse(text []byte) []byte { return text }
