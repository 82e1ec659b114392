package llm

import (
	"context"
	"fmt"
	"net"
	"strings"
	"time"

	"github.com/clawlite/gateway/internal/domain/service"
	"go.uber.org/zap"
)

const (
	defaultConnectivityProbe   = "1.1.1.1:53"
	defaultConnectivityTimeout = 1500 * time.Millisecond
	defaultOllamaModel         = "llama3.1:8b"
)

// OfflineFallbackConfig mirrors the workspace config.yaml's offline_mode
// block.
type OfflineFallbackConfig struct {
	Enabled             bool
	AutoFallbackToOllama bool
	ConnectivityTimeout time.Duration
	ConnectivityProbe   string   // host:port, default 1.1.1.1:53
	OllamaModel         string   // bare model name used when no ollama/* entry exists in the chain
	ModelFallbackChain  []string // ordered "provider/model" strings tried after the primary model fails
}

func (c *OfflineFallbackConfig) applyDefaults() {
	if c.ConnectivityTimeout <= 0 {
		c.ConnectivityTimeout = defaultConnectivityTimeout
	}
	if c.ConnectivityProbe == "" {
		c.ConnectivityProbe = defaultConnectivityProbe
	}
	if c.OllamaModel == "" {
		c.OllamaModel = defaultOllamaModel
	}
}

// providerFromModel returns the "provider" segment of a "provider/model"
// identifier, or the whole string lowercased if there is no slash.
func providerFromModel(model string) string {
	v := strings.TrimSpace(model)
	if idx := strings.Index(v, "/"); idx >= 0 {
		return strings.ToLower(v[:idx])
	}
	return strings.ToLower(v)
}

func isOllamaModel(model string) bool {
	return providerFromModel(model) == "ollama"
}

// resolveOllamaFallback picks the ollama/* entry from the fallback chain,
// or builds one from cfg.OllamaModel.
func (c OfflineFallbackConfig) resolveOllamaFallback() string {
	for _, m := range c.ModelFallbackChain {
		if isOllamaModel(m) {
			return m
		}
	}
	return "ollama/" + c.OllamaModel
}

// resolveOnlineFallbacks returns the chain entries that are neither the
// excluded (primary, already-failed) model nor an ollama entry.
func (c OfflineFallbackConfig) resolveOnlineFallbacks(excluded string) []string {
	var out []string
	for _, m := range c.ModelFallbackChain {
		if m == "" || m == excluded || isOllamaModel(m) {
			continue
		}
		out = append(out, m)
	}
	return out
}

// connectivityChecker abstracts the network probe for testability.
type connectivityChecker func(timeout time.Duration, addr string) bool

func defaultConnectivityChecker(timeout time.Duration, addr string) bool {
	conn, err := net.DialTimeout("tcp", addr, timeout)
	if err != nil {
		return false
	}
	_ = conn.Close()
	return true
}

// OfflineRouter wraps a Router with the offline/connectivity-probe/
// fallback-chain behavior: grounded on
// original_source/clawlite/runtime/offline.go's run_with_offline_fallback
// in full — explicit ollama/* model short-circuits straight to Ollama,
// offline_mode.enabled=false is a pure online passthrough, a failed
// connectivity probe falls back to Ollama when allowed, and an online
// failure walks the remaining fallback chain before finally trying
// Ollama.
type OfflineRouter struct {
	inner         *Router
	cfg           OfflineFallbackConfig
	logger        *zap.Logger
	checkConnected connectivityChecker
}

// NewOfflineRouter wraps inner with offline-fallback behavior.
func NewOfflineRouter(inner *Router, cfg OfflineFallbackConfig, logger *zap.Logger) *OfflineRouter {
	cfg.applyDefaults()
	if logger == nil {
		logger = zap.NewNop()
	}
	return &OfflineRouter{inner: inner, cfg: cfg, logger: logger, checkConnected: defaultConnectivityChecker}
}

// Compile-time interface check: OfflineRouter implements service.LLMClient
var _ service.LLMClient = (*OfflineRouter)(nil)

// Generate implements service.LLMClient, applying the fallback chain.
func (o *OfflineRouter) Generate(ctx context.Context, req *service.LLMRequest) (*service.LLMResponse, error) {
	model := req.Model
	if model == "" {
		model = "openai/gpt-4o-mini"
	}

	if isOllamaModel(model) {
		return o.generateWith(ctx, req, model, "ollama", "explicit")
	}

	if !o.cfg.Enabled {
		return o.generateWith(ctx, req, model, "online", "offline-disabled")
	}

	if !o.checkConnected(o.cfg.ConnectivityTimeout, o.cfg.ConnectivityProbe) {
		if o.cfg.AutoFallbackToOllama {
			return o.fallbackToOllama(ctx, req, "connectivity")
		}
		return nil, fmt.Errorf("llm: sem conectividade e fallback offline desativado")
	}

	resp, err := o.generateWith(ctx, req, model, "online", "provider-ok")
	if err == nil {
		return resp, nil
	}
	firstErr := err

	for _, fb := range o.cfg.resolveOnlineFallbacks(model) {
		resp, err := o.generateWith(ctx, req, fb, "online", "online-fallback")
		if err == nil {
			return resp, nil
		}
		o.logger.Debug("online fallback model also failed", zap.String("model", fb), zap.Error(err))
	}

	if o.cfg.AutoFallbackToOllama {
		resp, err := o.fallbackToOllama(ctx, req, "provider_failure")
		if err == nil {
			return resp, nil
		}
	}
	return nil, fmt.Errorf("llm: all providers failed, last error: %w", firstErr)
}

func (o *OfflineRouter) fallbackToOllama(ctx context.Context, req *service.LLMRequest, reason string) (*service.LLMResponse, error) {
	fallback := o.cfg.resolveOllamaFallback()
	return o.generateWith(ctx, req, fallback, "offline-fallback", reason)
}

func (o *OfflineRouter) generateWith(ctx context.Context, req *service.LLMRequest, model, mode, reason string) (*service.LLMResponse, error) {
	sub := *req
	sub.Model = model
	resp, err := o.inner.Generate(ctx, &sub)
	if err != nil {
		return nil, err
	}
	resp.ModelUsed = model
	o.logger.Debug("offline router resolved request",
		zap.String("mode", mode), zap.String("model", model), zap.String("reason", reason))
	return resp, nil
}

// GenerateStream implements service.LLMClient without fallback: streaming
// sessions commit to the primary model once connectivity/availability has
// been confirmed by a prior non-streaming call in the same turn.
func (o *OfflineRouter) GenerateStream(ctx context.Context, req *service.LLMRequest, deltaCh chan<- service.StreamChunk) (*service.LLMResponse, error) {
	return o.inner.GenerateStream(ctx, req, deltaCh)
}
