package provider

import (
	"net/http"
	"net/url"
	"testing"

	"github.com/stretchr/testify/assert"
	"go.uber.org/zap"

	"github.com/BaSui01/aethergate/store"
)

func TestNormalizeType(t *testing.T) {
	assert.Equal(t, TypeCodex, NormalizeType("codex"))
	assert.Equal(t, TypeCodex, NormalizeType("  Codex "))
	assert.Equal(t, TypeCustom, NormalizeType(""))
	assert.Equal(t, TypeCustom, NormalizeType("totally-unknown"))
}

func newTestRegistry() *Registry {
	r := NewRegistry(zap.NewNop())
	RegisterAll(r)
	return r
}

func TestBehaviorVariants(t *testing.T) {
	r := newTestRegistry()

	codex := r.BehaviorFor("codex")
	assert.True(t, codex.SameFormatVariant)
	assert.False(t, codex.CrossFormatVariant)

	antigravity := r.BehaviorFor("antigravity")
	assert.True(t, antigravity.CrossFormatVariant)

	custom := r.BehaviorFor("whatever")
	assert.Equal(t, TypeCustom, custom.Type)
	assert.False(t, custom.SameFormatVariant)
	assert.Nil(t, custom.Plugin)
}

func TestCodexURLAppendsResponsesPath(t *testing.T) {
	r := newTestRegistry()
	ep := &store.ProviderEndpoint{BaseURL: "https://chatgpt.com/backend-api/codex"}

	got := r.BuildURL("codex", ep, false, nil)
	assert.Equal(t, "https://chatgpt.com/backend-api/codex/responses", got)

	// base_url 已含路径时不重复
	ep.BaseURL = "https://chatgpt.com/backend-api/codex/responses/"
	got = r.BuildURL("codex", ep, false, nil)
	assert.Equal(t, "https://chatgpt.com/backend-api/codex/responses", got)
}

func TestGeminiCLIStreamURL(t *testing.T) {
	r := newTestRegistry()
	ep := &store.ProviderEndpoint{BaseURL: "https://cloudcode-pa.googleapis.com/v1internal"}

	got := r.BuildURL("gemini_cli", ep, true, nil)
	assert.Equal(t, "https://cloudcode-pa.googleapis.com/v1internal:streamGenerateContent?alt=sse", got)

	got = r.BuildURL("gemini_cli", ep, false, nil)
	assert.Equal(t, "https://cloudcode-pa.googleapis.com/v1internal:generateContent", got)
}

func TestGenericURLFallback(t *testing.T) {
	r := newTestRegistry()
	ep := &store.ProviderEndpoint{BaseURL: "https://api.example.com/v1/messages/"}

	query := url.Values{"beta": []string{"true"}}
	got := r.BuildURL("custom", ep, false, query)
	assert.Equal(t, "https://api.example.com/v1/messages?beta=true", got)
}

func TestClaudeCodeWrapRequest(t *testing.T) {
	r := newTestRegistry()
	p := r.Lookup(TypeClaudeCode)

	headers := http.Header{}
	p.WrapRequest(headers, &store.ProviderAPIKey{AuthType: "oauth"})
	assert.Equal(t, "2023-06-01", headers.Get("anthropic-version"))
	assert.NotEmpty(t, headers.Get("anthropic-beta"))
}

func TestCodexEnrichAuth(t *testing.T) {
	r := newTestRegistry()
	p := r.Lookup(TypeCodex)

	out := p.EnrichAuth(map[string]string{}, map[string]any{
		"email":     "dev@example.com",
		"plan_type": "pro",
		"ignored":   42,
	})
	assert.Equal(t, "dev@example.com", out["email"])
	assert.Equal(t, "pro", out["plan_type"])
	_, ok := out["ignored"]
	assert.False(t, ok)
}
