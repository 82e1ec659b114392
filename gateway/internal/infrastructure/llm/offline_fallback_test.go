package llm

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/clawlite/gateway/internal/domain/service"
)

type fakeProvider struct {
	name      string
	models    []string
	available bool
	fail      bool
	calls     int
}

func (f *fakeProvider) Name() string       { return f.name }
func (f *fakeProvider) Models() []string   { return f.models }
func (f *fakeProvider) SupportsModel(model string) bool {
	if len(f.models) == 0 {
		return true
	}
	for _, m := range f.models {
		if m == model {
			return true
		}
	}
	return false
}
func (f *fakeProvider) IsAvailable(ctx context.Context) bool { return f.available }

func (f *fakeProvider) Generate(ctx context.Context, req *service.LLMRequest) (*service.LLMResponse, error) {
	f.calls++
	if f.fail {
		return nil, errors.New(f.name + " failed")
	}
	return &service.LLMResponse{Content: "ok from " + f.name, ModelUsed: req.Model}, nil
}

func (f *fakeProvider) GenerateStream(ctx context.Context, req *service.LLMRequest, ch chan<- service.StreamChunk) (*service.LLMResponse, error) {
	return f.Generate(ctx, req)
}

func newTestRouterWithProvider(t *testing.T, p Provider) *Router {
	t.Helper()
	r := NewRouter(zap.NewNop())
	r.AddProvider(p)
	return r
}

func TestOfflineRouterRoutesExplicitOllamaDirectly(t *testing.T) {
	ollama := &fakeProvider{name: "ollama", available: true}
	router := newTestRouterWithProvider(t, ollama)
	off := NewOfflineRouter(router, OfflineFallbackConfig{}, nil)
	off.checkConnected = func(time.Duration, string) bool { t.Fatal("should not probe connectivity for explicit ollama model"); return false }

	resp, err := off.Generate(context.Background(), &service.LLMRequest{Model: "ollama/llama3.1:8b"})
	require.NoError(t, err)
	assert.Equal(t, "ollama/llama3.1:8b", resp.ModelUsed)
	assert.Equal(t, 1, ollama.calls)
}

func TestOfflineRouterPassesThroughWhenDisabled(t *testing.T) {
	openai := &fakeProvider{name: "openai", available: true}
	router := newTestRouterWithProvider(t, openai)
	off := NewOfflineRouter(router, OfflineFallbackConfig{Enabled: false}, nil)
	off.checkConnected = func(time.Duration, string) bool { t.Fatal("disabled offline mode must skip connectivity probe"); return false }

	resp, err := off.Generate(context.Background(), &service.LLMRequest{Model: "openai/gpt-4o-mini"})
	require.NoError(t, err)
	assert.Equal(t, "openai/gpt-4o-mini", resp.ModelUsed)
}

func TestOfflineRouterFallsBackToOllamaWhenOffline(t *testing.T) {
	openai := &fakeProvider{name: "openai", models: []string{"openai/gpt-4o-mini"}, available: true}
	ollama := &fakeProvider{name: "ollama", models: []string{"ollama/llama3.1:8b"}, available: true}
	router := NewRouter(zap.NewNop())
	router.AddProvider(openai)
	router.AddProvider(ollama)

	off := NewOfflineRouter(router, OfflineFallbackConfig{Enabled: true, AutoFallbackToOllama: true}, nil)
	off.checkConnected = func(time.Duration, string) bool { return false }

	resp, err := off.Generate(context.Background(), &service.LLMRequest{Model: "openai/gpt-4o-mini"})
	require.NoError(t, err)
	assert.Equal(t, "ollama/llama3.1:8b", resp.ModelUsed)
	assert.Equal(t, 0, openai.calls)
}

func TestOfflineRouterErrorsWhenOfflineAndFallbackDisabled(t *testing.T) {
	openai := &fakeProvider{name: "openai", available: true}
	router := newTestRouterWithProvider(t, openai)
	off := NewOfflineRouter(router, OfflineFallbackConfig{Enabled: true, AutoFallbackToOllama: false}, nil)
	off.checkConnected = func(time.Duration, string) bool { return false }

	_, err := off.Generate(context.Background(), &service.LLMRequest{Model: "openai/gpt-4o-mini"})
	assert.Error(t, err)
}

func TestOfflineRouterTriesOnlineFallbackChainBeforeOllama(t *testing.T) {
	primary := &fakeProvider{name: "openai-primary", models: []string{"openai/gpt-4o-mini"}, available: true, fail: true}
	secondary := &fakeProvider{name: "openai-secondary", models: []string{"anthropic/claude-3-haiku"}, available: true}
	ollama := &fakeProvider{name: "ollama", models: []string{"ollama/llama3.1:8b"}, available: true}

	router := NewRouter(zap.NewNop())
	router.AddProvider(primary)
	router.AddProvider(secondary)
	router.AddProvider(ollama)

	off := NewOfflineRouter(router, OfflineFallbackConfig{
		Enabled:              true,
		AutoFallbackToOllama: true,
		ModelFallbackChain:   []string{"anthropic/claude-3-haiku", "ollama/llama3.1:8b"},
	}, nil)
	off.checkConnected = func(time.Duration, string) bool { return true }

	resp, err := off.Generate(context.Background(), &service.LLMRequest{Model: "openai/gpt-4o-mini"})
	require.NoError(t, err)
	assert.Equal(t, "anthropic/claude-3-haiku", resp.ModelUsed)
	assert.Equal(t, 1, primary.calls)
	assert.Equal(t, 0, ollama.calls)
}

func TestIsOllamaModelDetectsPrefix(t *testing.T) {
	assert.True(t, isOllamaModel("ollama/llama3.1:8b"))
	assert.False(t, isOllamaModel("openai/gpt-4o-mini"))
	assert.False(t, isOllamaModel(""))
}
