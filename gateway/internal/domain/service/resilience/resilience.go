// Package resilience wraps an arbitrary outbound send operation with
// timeout, bounded retry, idempotency dedupe, and a circuit breaker —
// the one wrapper every channel adapter composes for its send path.
package resilience

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	apperrors "github.com/clawlite/gateway/pkg/errors"
)

// CircuitState is the breaker's current posture.
type CircuitState int

const (
	CircuitClosed CircuitState = iota
	CircuitOpen
	CircuitHalfOpen
)

func (s CircuitState) String() string {
	switch s {
	case CircuitOpen:
		return "open"
	case CircuitHalfOpen:
		return "half_open"
	default:
		return "closed"
	}
}

// FailureCode identifies why an outbound send failed, per the transport
// failure taxonomy.
type FailureCode string

const (
	FailureChannelUnavailable FailureCode = "channel_unavailable"
	FailureProviderTimeout    FailureCode = "provider_timeout"
	FailureProviderSendFailed FailureCode = "provider_send_failed"
	FailureCircuitOpen        FailureCode = "circuit_open"
)

// SendOperation performs one delivery attempt. Implementations should
// respect ctx cancellation/deadline.
type SendOperation func(ctx context.Context) error

// SendResult is returned by Deliver and Unavailable.
type SendResult struct {
	OK         bool
	Attempts   int
	DedupeHit  bool
	Code       FailureCode
	Reason     string
	RetryAfter time.Duration
}

// LastError mirrors the most recent failure, kept for the metrics snapshot.
type LastError struct {
	Code      FailureCode
	Reason    string
	Attempts  int
	Timestamp time.Time
	Severity  string
}

// Metrics is the rolling, monotonic-counter observability surface for one
// adapter instance.
type Metrics struct {
	SentOK              int64
	RetryCount          int64
	TimeoutCount        int64
	FallbackCount       int64
	SendFailCount       int64
	DedupeHits          int64
	CircuitOpenCount    int64
	CircuitHalfOpenCount int64
	CircuitBlockedCount int64
	LastError           *LastError
	LastSuccessAt       time.Time
	CircuitState        CircuitState
}

// Config tunes one Engine instance; all fields are clamped to sane bounds
// in New.
type Config struct {
	Channel               string
	MaxAttempts           int
	TimeoutPerAttempt     time.Duration
	BaseBackoff           time.Duration
	DedupeTTL             time.Duration
	DedupeMaxEntries      int
	BreakerFailThreshold  int
	BreakerCooldown       time.Duration
	BreakerSuccessToClose int
	Now                   func() time.Time // injectable clock for tests
}

func (c *Config) applyDefaults() {
	if c.MaxAttempts < 1 {
		c.MaxAttempts = 1
	}
	if c.MaxAttempts > 3 {
		c.MaxAttempts = 3
	}
	if c.TimeoutPerAttempt < 100*time.Millisecond {
		c.TimeoutPerAttempt = 100 * time.Millisecond
	}
	if c.BaseBackoff < 0 {
		c.BaseBackoff = 0
	}
	if c.DedupeTTL <= 0 {
		c.DedupeTTL = 8 * time.Second
	}
	if c.DedupeMaxEntries <= 0 {
		c.DedupeMaxEntries = 1024
	}
	if c.BreakerFailThreshold <= 0 {
		c.BreakerFailThreshold = 5
	}
	if c.BreakerCooldown <= 0 {
		c.BreakerCooldown = 30 * time.Second
	}
	if c.BreakerSuccessToClose <= 0 {
		c.BreakerSuccessToClose = 1
	}
	if c.Now == nil {
		c.Now = time.Now
	}
}

type dedupeEntry struct {
	key string
	at  time.Time
}

// Engine is the per-channel outbound resilience wrapper described by the
// core messaging-runtime spec: dedupe cache, retry+backoff, and a
// closed/open/half-open circuit breaker, backed by a metrics snapshot.
type Engine struct {
	cfg Config
	log *zap.Logger

	mu sync.Mutex

	recentSent map[string]time.Time
	sentOrder  []dedupeEntry

	state               CircuitState
	consecutiveFailures int
	cooldownUntil       time.Time
	halfOpenSuccesses   int

	metrics Metrics
}

// New builds an Engine for one channel. log may be nil (a no-op logger is
// used in that case, matching the teacher's optional-logger convention).
func New(cfg Config, log *zap.Logger) *Engine {
	cfg.applyDefaults()
	if log == nil {
		log = zap.NewNop()
	}
	return &Engine{
		cfg:        cfg,
		log:        log.With(zap.String("channel", cfg.Channel)),
		recentSent: make(map[string]time.Time),
		state:      CircuitClosed,
	}
}

// Unavailable builds a SendResult for paths where no transport exists at
// all (adapter not configured, dependency missing) — synchronous, no
// attempt is made.
func (e *Engine) Unavailable(reason, fallbackDescription string) SendResult {
	e.log.Warn("channel unavailable",
		zap.String("code", string(FailureChannelUnavailable)),
		zap.String("reason", reason),
		zap.String("fallback", fallbackDescription),
	)
	e.mu.Lock()
	e.metrics.SendFailCount++
	e.recordLastError(FailureChannelUnavailable, reason, 0)
	e.mu.Unlock()
	return SendResult{OK: false, Code: FailureChannelUnavailable, Reason: reason}
}

// Deliver runs op with dedupe, retry/backoff, and circuit-breaker
// protection. target and text feed the idempotency key only — op itself
// is responsible for the actual transport call.
func (e *Engine) Deliver(ctx context.Context, op SendOperation, target, text, fallbackDescription string) SendResult {
	key := idempotencyKey(e.cfg.Channel, target, text)
	now := e.cfg.Now()

	e.mu.Lock()
	e.pruneDedupeLocked(now)
	if _, hit := e.recentSent[key]; hit {
		e.metrics.DedupeHits++
		e.mu.Unlock()
		return SendResult{OK: true, Attempts: 0, DedupeHit: true}
	}

	switch e.state {
	case CircuitOpen:
		if now.Before(e.cooldownUntil) {
			e.metrics.CircuitBlockedCount++
			e.mu.Unlock()
			e.log.Warn("send blocked by open circuit", zap.String("target", target))
			return SendResult{OK: false, Code: FailureCircuitOpen, Reason: "circuit_open", RetryAfter: e.cooldownUntil.Sub(now)}
		}
		// Cooldown expired: allow exactly one trial.
		e.state = CircuitHalfOpen
		e.halfOpenSuccesses = 0
		e.metrics.CircuitHalfOpenCount++
		e.metrics.CircuitState = CircuitHalfOpen
		e.log.Info("circuit entering half-open trial")
	}
	e.mu.Unlock()

	var lastErr error
	var lastCode FailureCode
	attempts := 0
	for attempt := 1; attempt <= e.cfg.MaxAttempts; attempt++ {
		attempts = attempt
		attemptCtx, cancel := context.WithTimeout(ctx, e.cfg.TimeoutPerAttempt)
		err := runWithDeadline(attemptCtx, op)
		cancel()

		if err == nil {
			e.recordSuccess(key, now)
			return SendResult{OK: true, Attempts: attempts}
		}

		lastErr = err
		if attemptCtx.Err() == context.DeadlineExceeded {
			lastCode = FailureProviderTimeout
			e.mu.Lock()
			e.metrics.TimeoutCount++
			e.mu.Unlock()
		} else {
			lastCode = FailureProviderSendFailed
		}

		if attempt < e.cfg.MaxAttempts {
			e.mu.Lock()
			e.metrics.RetryCount++
			e.mu.Unlock()
			sleep := e.cfg.BaseBackoff * time.Duration(1<<uint(attempt-1))
			if sleep > 0 {
				timer := time.NewTimer(sleep)
				select {
				case <-timer.C:
				case <-ctx.Done():
					timer.Stop()
					lastErr = ctx.Err()
				}
			}
		}
	}

	reason := ""
	if lastErr != nil {
		reason = lastErr.Error()
	}
	e.recordFailure(lastCode, reason, attempts, fallbackDescription, target)
	return SendResult{OK: false, Attempts: attempts, Code: lastCode, Reason: reason}
}

func runWithDeadline(ctx context.Context, op SendOperation) error {
	done := make(chan error, 1)
	go func() { done <- op(ctx) }()
	select {
	case err := <-done:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (e *Engine) recordSuccess(key string, now time.Time) {
	e.mu.Lock()
	defer e.mu.Unlock()

	e.recentSent[key] = now
	e.sentOrder = append(e.sentOrder, dedupeEntry{key: key, at: now})
	e.metrics.SentOK++
	e.metrics.LastSuccessAt = now
	e.consecutiveFailures = 0

	switch e.state {
	case CircuitHalfOpen:
		e.halfOpenSuccesses++
		if e.halfOpenSuccesses >= e.cfg.BreakerSuccessToClose {
			e.state = CircuitClosed
			e.metrics.CircuitState = CircuitClosed
			e.log.Info("circuit closed after successful trial")
		}
	case CircuitOpen:
		e.state = CircuitClosed
		e.metrics.CircuitState = CircuitClosed
	}
}

func (e *Engine) recordFailure(code FailureCode, reason string, attempts int, fallbackDescription, target string) {
	e.mu.Lock()
	defer e.mu.Unlock()

	e.metrics.SendFailCount++
	e.metrics.FallbackCount++
	e.recordLastError(code, reason, attempts)

	wasHalfOpen := e.state == CircuitHalfOpen
	e.consecutiveFailures++

	if wasHalfOpen {
		// A failed trial reopens immediately, regardless of threshold.
		e.state = CircuitOpen
		e.cooldownUntil = e.cfg.Now().Add(e.cfg.BreakerCooldown)
		e.metrics.CircuitOpenCount++
		e.metrics.CircuitState = CircuitOpen
	} else if e.consecutiveFailures >= e.cfg.BreakerFailThreshold {
		e.state = CircuitOpen
		e.cooldownUntil = e.cfg.Now().Add(e.cfg.BreakerCooldown)
		e.metrics.CircuitOpenCount++
		e.metrics.CircuitState = CircuitOpen
	}

	e.log.Error("outbound send failed",
		zap.String("code", string(code)),
		zap.String("reason", reason),
		zap.Int("attempts", attempts),
		zap.String("target", target),
		zap.String("fallback", fallbackDescription),
	)
}

func (e *Engine) recordLastError(code FailureCode, reason string, attempts int) {
	severity := "high"
	if code == FailureCircuitOpen {
		severity = "normal"
	}
	e.metrics.LastError = &LastError{
		Code:      code,
		Reason:    reason,
		Attempts:  attempts,
		Timestamp: e.cfg.Now(),
		Severity:  severity,
	}
}

func (e *Engine) pruneDedupeLocked(now time.Time) {
	cutoff := now.Add(-e.cfg.DedupeTTL)
	kept := e.sentOrder[:0]
	for _, entry := range e.sentOrder {
		if entry.at.Before(cutoff) {
			delete(e.recentSent, entry.key)
			continue
		}
		kept = append(kept, entry)
	}
	e.sentOrder = kept

	for len(e.sentOrder) > e.cfg.DedupeMaxEntries {
		oldest := e.sentOrder[0]
		delete(e.recentSent, oldest.key)
		e.sentOrder = e.sentOrder[1:]
	}
}

// Snapshot returns a copy of the current metrics for observability
// endpoints and channel-manager aggregation.
func (e *Engine) Snapshot() Metrics {
	e.mu.Lock()
	defer e.mu.Unlock()
	m := e.metrics
	m.CircuitState = e.state
	return m
}

// State reports the breaker's current state for aggregation.
func (e *Engine) State() CircuitState {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.state
}

// Reset clears the breaker back to closed; used by tests and operator
// overrides.
func (e *Engine) Reset() {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.state = CircuitClosed
	e.consecutiveFailures = 0
	e.halfOpenSuccesses = 0
}

func idempotencyKey(channel, target, text string) string {
	sum := sha256.Sum256([]byte(channel + "||" + target + "||" + text))
	return hex.EncodeToString(sum[:])[:32]
}

// AsAppError converts a failing SendResult into the shared error taxonomy,
// for callers that want a single error value instead of inspecting Code.
func (r SendResult) AsAppError() error {
	if r.OK {
		return nil
	}
	switch r.Code {
	case FailureCircuitOpen:
		return apperrors.NewCircuitOpenError(r.Reason)
	case FailureProviderTimeout:
		return apperrors.NewProviderTimeoutError(fmt.Errorf("%s", r.Reason))
	case FailureChannelUnavailable:
		return apperrors.NewChannelUnavailableError(r.Reason)
	default:
		return apperrors.NewProviderSendFailedError(fmt.Errorf("%s", r.Reason))
	}
}
