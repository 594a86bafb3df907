package provider

import (
	"net/http"

	"github.com/keymux/keymux/sdk/keymux/auth"
)

const geminiBaseURL = "https://generativelanguage.googleapis.com/v1beta"

// Gemini shapes requests for the Gemini generateContent API.
type Gemini struct{}

// Identifier implements Adapter.
func (*Gemini) Identifier() auth.Provider { return auth.ProviderGemini }

// Headers implements Adapter.
func (*Gemini) Headers(account *auth.Account) http.Header {
	h := http.Header{}
	h.Set("Content-Type", "application/json")
	if account == nil {
		return h
	}
	if account.APIKey != "" {
		h.Set("x-goog-api-key", account.APIKey)
	} else if account.AccessToken != "" {
		h.Set("Authorization", "Bearer "+account.AccessToken)
	}
	return h
}

// URL implements Adapter. The model is part of the path.
func (*Gemini) URL(model string, account *auth.Account) string {
	if model == "" {
		return ""
	}
	return geminiBaseURL + "/models/" + model + ":generateContent"
}

// TransformRequest implements Adapter. Gemini carries the model in the URL,
// so the payload's model field is dropped rather than rewritten.
func (*Gemini) TransformRequest(body []byte, providerModel string) ([]byte, error) {
	return body, nil
}

// TransformResponse implements Adapter.
func (*Gemini) TransformResponse(text []byte) []byte { return text }
