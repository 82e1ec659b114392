// Package channelmanager implements the Channel Lifecycle Manager: it
// registers adapter instances handed to it by the caller, keyed per
// (channel, account) pair, wires the inbound handler for instances it
// starts, and exposes stop-all/stop-channel/describe/metrics-aggregate plus
// proactive broadcast to the most-recently-bound session per channel. It
// does not read configuration or construct adapters itself, and it has no
// start-all or reconnect operation.
//
// Grounded on original_source/clawlite/channels/manager.py (instance
// keying, credentials list, per-channel kwargs, start/stop/reconnect) and
// original_source/clawlite/channels/base.py (adapter health contract).
package channelmanager

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"

	"go.uber.org/zap"

	"github.com/clawlite/gateway/internal/domain/channel"
	"github.com/clawlite/gateway/internal/domain/service/resilience"
)

// InstanceKey is "channel" for the primary instance or "channel:account"
// for extra accounts, per core spec §3.
type InstanceKey string

func PrimaryKey(channelName string) InstanceKey { return InstanceKey(channelName) }
func AccountKey(channelName, account string) InstanceKey {
	return InstanceKey(channelName + ":" + account)
}

func (k InstanceKey) ChannelName() string {
	if idx := strings.IndexByte(string(k), ':'); idx >= 0 {
		return string(k)[:idx]
	}
	return string(k)
}

type instance struct {
	key     InstanceKey
	channel string
	adapter channel.Adapter
}

// SessionIndex tracks the most-recently-bound session_id per channel for
// proactive broadcast, and a fallback chat_id when no session has bound
// yet.
type SessionIndex struct {
	mu          sync.RWMutex
	lastSession map[string]string
	fallback    map[string]string
}

func NewSessionIndex() *SessionIndex {
	return &SessionIndex{lastSession: map[string]string{}, fallback: map[string]string{}}
}

func (s *SessionIndex) Bind(channelName, sessionID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.lastSession[channelName] = sessionID
}

func (s *SessionIndex) SetFallback(channelName, chatID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.fallback[channelName] = chatID
}

func (s *SessionIndex) Resolve(channelName string) (string, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if sid, ok := s.lastSession[channelName]; ok {
		return sid, true
	}
	if cid, ok := s.fallback[channelName]; ok {
		return cid, true
	}
	return "", false
}

// MessageRouter is the Agent Loop entrypoint the manager's inbound
// handler delegates to; it is channel-agnostic and keyed only by
// session_id, per core spec §4.2/§4.4.
type MessageRouter func(ctx context.Context, sessionID, senderID, text string, metadata map[string]any) (reply string, err error)

// InflightTracker lets the manager cancel a session's in-flight agent
// call on a `/stop` command (core spec §5 "Cancellation").
type InflightTracker interface {
	Cancel(sessionID string) bool
}

// Manager is the Channel Lifecycle Manager.
type Manager struct {
	log    *zap.Logger
	router MessageRouter
	index  *SessionIndex
	stop   InflightTracker

	mu        sync.RWMutex
	instances map[InstanceKey]*instance
}

func New(log *zap.Logger, router MessageRouter, stop InflightTracker) *Manager {
	if log == nil {
		log = zap.NewNop()
	}
	return &Manager{
		log:       log.With(zap.String("component", "channel_manager")),
		router:    router,
		index:     NewSessionIndex(),
		stop:      stop,
		instances: map[InstanceKey]*instance{},
	}
}

// StartInstance registers and starts one adapter under key for the given
// channel name.
func (m *Manager) StartInstance(ctx context.Context, key InstanceKey, channelName string, adapter channel.Adapter) error {
	handler := m.buildHandler(key, channelName)
	if err := adapter.Start(ctx, handler); err != nil {
		return fmt.Errorf("start %s: %w", key, err)
	}

	m.mu.Lock()
	m.instances[key] = &instance{key: key, channel: channelName, adapter: adapter}
	m.mu.Unlock()

	m.log.Info("channel instance started", zap.String("instance_key", string(key)), zap.String("channel", channelName))
	return nil
}

// Attach registers adapter under key without starting it, for callers whose
// adapter lifecycle (Start/Stop, inbound long-poll loop) is already managed
// elsewhere, and who only need the manager's outbound-facing services:
// SessionIndex binding for proactive broadcast, DescribeInstances and
// OutboundMetrics aggregation. Unlike StartInstance it does not build or
// wire an InboundHandler.
func (m *Manager) Attach(key InstanceKey, channelName string, adapter channel.Adapter) {
	m.mu.Lock()
	m.instances[key] = &instance{key: key, channel: channelName, adapter: adapter}
	m.mu.Unlock()
	m.log.Info("channel instance attached", zap.String("instance_key", string(key)), zap.String("channel", channelName))
}

func (m *Manager) buildHandler(key InstanceKey, channelName string) channel.InboundHandler {
	return func(ctx context.Context, msg channel.InboundMessage) (string, error) {
		m.index.Bind(channelName, msg.SessionID)

		text := strings.TrimSpace(msg.Text)
		if text == "/stop" {
			if m.stop != nil && m.stop.Cancel(msg.SessionID) {
				return "Parado.", nil
			}
			return "Nada em execução para interromper.", nil
		}

		if m.router == nil {
			return "", fmt.Errorf("channel manager: no message router configured")
		}
		return m.router(ctx, msg.SessionID, msg.SenderID, msg.Text, msg.Metadata)
	}
}

// StopInstance removes the instance under key from the registry and stops
// its adapter; in-flight agent calls are not cancelled. Idempotent.
func (m *Manager) StopInstance(ctx context.Context, key InstanceKey) error {
	m.mu.Lock()
	inst, ok := m.instances[key]
	if ok {
		delete(m.instances, key)
	}
	m.mu.Unlock()
	if !ok {
		return nil
	}
	if err := inst.adapter.Stop(ctx); err != nil {
		m.log.Warn("stop instance returned error", zap.String("instance_key", string(key)), zap.Error(err))
		return err
	}
	m.log.Info("channel instance stopped", zap.String("instance_key", string(key)))
	return nil
}

// StopChannel stops every instance of channelName.
func (m *Manager) StopChannel(ctx context.Context, channelName string) error {
	for _, key := range m.keysForChannel(channelName) {
		if err := m.StopInstance(ctx, key); err != nil {
			return err
		}
	}
	return nil
}

// StopAll walks every instance in deterministic key order.
func (m *Manager) StopAll(ctx context.Context) error {
	for _, key := range m.sortedKeys() {
		if err := m.StopInstance(ctx, key); err != nil {
			return err
		}
	}
	return nil
}

func (m *Manager) keysForChannel(channelName string) []InstanceKey {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var keys []InstanceKey
	for k, inst := range m.instances {
		if inst.channel == channelName {
			keys = append(keys, k)
		}
	}
	return keys
}

func (m *Manager) sortedKeys() []InstanceKey {
	m.mu.RLock()
	defer m.mu.RUnlock()
	keys := make([]InstanceKey, 0, len(m.instances))
	for k := range m.instances {
		keys = append(keys, k)
	}
	sort.Slice(keys, func(i, j int) bool { return keys[i] < keys[j] })
	return keys
}

// InstanceDescription is the describe_instances() row shape.
type InstanceDescription struct {
	InstanceKey string
	Channel     string
	Health      channel.HealthView
	Metrics     resilience.Metrics
}

func (m *Manager) DescribeInstances() []InstanceDescription {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]InstanceDescription, 0, len(m.instances))
	for _, key := range m.sortedKeysLocked() {
		inst := m.instances[key]
		out = append(out, InstanceDescription{
			InstanceKey: string(key),
			Channel:     inst.channel,
			Health:      inst.adapter.Health(),
			Metrics:     inst.adapter.OutboundMetricsSnapshot(),
		})
	}
	return out
}

func (m *Manager) sortedKeysLocked() []InstanceKey {
	keys := make([]InstanceKey, 0, len(m.instances))
	for k := range m.instances {
		keys = append(keys, k)
	}
	sort.Slice(keys, func(i, j int) bool { return keys[i] < keys[j] })
	return keys
}

// ChannelMetrics is the aggregated outbound view of one channel across
// all its instances.
type ChannelMetrics struct {
	Channel      string
	CircuitState resilience.CircuitState
	Aggregate    resilience.Metrics
}

// worstState implements the "worst among instances" rule named in core
// spec §4.2/§9: open > half_open > closed.
func worstState(a, b resilience.CircuitState) resilience.CircuitState {
	rank := func(s resilience.CircuitState) int {
		switch s {
		case resilience.CircuitOpen:
			return 2
		case resilience.CircuitHalfOpen:
			return 1
		default:
			return 0
		}
	}
	if rank(a) >= rank(b) {
		return a
	}
	return b
}

// OutboundMetrics aggregates per-instance counters for every instance of
// channelName and derives the channel-level circuit_state via the
// worst-of-instances rule.
func (m *Manager) OutboundMetrics(channelName string) ChannelMetrics {
	m.mu.RLock()
	defer m.mu.RUnlock()

	agg := resilience.Metrics{CircuitState: resilience.CircuitClosed}
	state := resilience.CircuitClosed
	found := false
	for _, inst := range m.instances {
		if inst.channel != channelName {
			continue
		}
		found = true
		snap := inst.adapter.OutboundMetricsSnapshot()
		agg.SentOK += snap.SentOK
		agg.RetryCount += snap.RetryCount
		agg.TimeoutCount += snap.TimeoutCount
		agg.FallbackCount += snap.FallbackCount
		agg.SendFailCount += snap.SendFailCount
		agg.DedupeHits += snap.DedupeHits
		agg.CircuitOpenCount += snap.CircuitOpenCount
		agg.CircuitHalfOpenCount += snap.CircuitHalfOpenCount
		agg.CircuitBlockedCount += snap.CircuitBlockedCount
		if snap.LastError != nil {
			agg.LastError = snap.LastError
		}
		if snap.LastSuccessAt.After(agg.LastSuccessAt) {
			agg.LastSuccessAt = snap.LastSuccessAt
		}
		state = worstState(state, snap.CircuitState)
	}
	if !found {
		state = resilience.CircuitClosed
	}
	agg.CircuitState = state
	return ChannelMetrics{Channel: channelName, CircuitState: state, Aggregate: agg}
}

// BroadcastResult tallies a proactive broadcast across channels.
type BroadcastResult struct {
	Delivered int
	Failed    int
	Skipped   int
}

// BroadcastProactive sends message to the most-recently-bound session of
// every distinct channel currently registered, falling back to a
// configured chat_id when no session has bound yet.
func (m *Manager) BroadcastProactive(ctx context.Context, message, prefix string) BroadcastResult {
	channels := m.distinctChannels()
	var result BroadcastResult
	text := message
	if prefix != "" {
		text = prefix + message
	}
	for _, ch := range channels {
		target, ok := m.index.Resolve(ch)
		if !ok {
			result.Skipped++
			continue
		}
		adapter := m.anyAdapterFor(ch)
		if adapter == nil {
			result.Skipped++
			continue
		}
		res := adapter.Send(ctx, target, text, nil)
		if res.OK {
			result.Delivered++
		} else {
			result.Failed++
		}
	}
	return result
}

func (m *Manager) distinctChannels() []string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	seen := map[string]bool{}
	var out []string
	for _, inst := range m.instances {
		if !seen[inst.channel] {
			seen[inst.channel] = true
			out = append(out, inst.channel)
		}
	}
	sort.Strings(out)
	return out
}

func (m *Manager) anyAdapterFor(channelName string) channel.Adapter {
	m.mu.RLock()
	defer m.mu.RUnlock()
	for _, key := range m.sortedKeysLocked() {
		if m.instances[key].channel == channelName {
			return m.instances[key].adapter
		}
	}
	return nil
}

// SessionIndex exposes the broadcast-target index, e.g. for webhook
// adapters that want to record a fallback chat_id from config.
func (m *Manager) SessionIndex() *SessionIndex { return m.index }
