// Package trustgate implements the Trust Gate: inbound pairing against
// per-channel allowlists, RBAC role/scope resolution, and tool-call
// policy enforcement with an audit ring.
//
// Grounded on original_source/clawlite/runtime/pairing.py (pairing state
// machine, code generation, TTL cleanup) and
// original_source/clawlite/core/rbac.py (Role/Scope, tool policy,
// DANGEROUS_TOOLS/SAFE_TOOLS, audit ring).
package trustgate

import (
	"crypto/rand"
	"strings"
	"sync"
	"time"
)

const (
	codeAlphabet = "ABCDEFGHIJKLMNOPQRSTUVWXYZ0123456789"
	codeLength   = 6
)

// PendingPairing mirrors the core spec's Pairing Pending entity.
type PendingPairing struct {
	Channel   string
	PeerID    string
	Display   string
	Code      string
	CreatedAt time.Time
}

// PairingConfig tunes the gate for one deployment.
type PairingConfig struct {
	Enabled   bool
	CodeTTL   time.Duration
	Configured map[string][]string // channel -> allowed identifiers (config-supplied)
	Now       func() time.Time
}

func (c *PairingConfig) applyDefaults() {
	if c.CodeTTL <= 0 {
		c.CodeTTL = 24 * time.Hour
	}
	if c.Configured == nil {
		c.Configured = map[string][]string{}
	}
	if c.Now == nil {
		c.Now = time.Now
	}
}

// Gate holds the pairing state (pending + approved) and persists it via
// Persist, mirroring the original's pairing.json file plus allowlist
// mirror-back into channel config.
type Gate struct {
	cfg PairingConfig

	mu       sync.Mutex
	pending  map[string]*PendingPairing // keyed by channel+":"+code
	approved map[string]map[string]bool // channel -> lowercased peer_id set

	// Persist is called whenever approved/pending state changes, so the
	// caller can write pairing.json and mirror approved peers back into
	// the channel's allowFrom config list. May be nil.
	Persist func(approved map[string][]string)
}

func NewGate(cfg PairingConfig) *Gate {
	cfg.applyDefaults()
	return &Gate{
		cfg:      cfg,
		pending:  map[string]*PendingPairing{},
		approved: map[string]map[string]bool{},
	}
}

func normalize(s string) string { return strings.ToLower(strings.TrimSpace(s)) }

func configuredAllows(cfg PairingConfig, channelName string) []string {
	return cfg.Configured[channelName]
}

func containsNormalized(list []string, candidates []string) bool {
	set := make(map[string]bool, len(list))
	for _, v := range list {
		set[normalize(v)] = true
	}
	for _, c := range candidates {
		if set[normalize(c)] {
			return true
		}
	}
	return false
}

// EvaluateResult is what Evaluate returns for one inbound sender.
type EvaluateResult struct {
	Allowed      bool
	PairingReply string // non-empty when a pairing prompt should be sent instead of routing to the agent
}

// Evaluate applies the pairing algorithm from core spec §4.3 to an
// inbound message's candidate identifiers.
func (g *Gate) Evaluate(channelName string, candidates []string, display string) EvaluateResult {
	g.mu.Lock()
	defer g.mu.Unlock()

	g.expirePendingLocked()

	configured := configuredAllows(g.cfg, channelName)

	if !g.cfg.Enabled {
		if len(configured) == 0 {
			return EvaluateResult{Allowed: true}
		}
		return EvaluateResult{Allowed: containsNormalized(configured, candidates)}
	}

	approvedSet := g.approved[channelName]
	merged := append([]string{}, configured...)
	for peer := range approvedSet {
		merged = append(merged, peer)
	}
	if containsNormalized(merged, candidates) {
		return EvaluateResult{Allowed: true}
	}

	peerID := ""
	if len(candidates) > 0 {
		peerID = candidates[0]
	}
	code := g.issueOrFetchLocked(channelName, peerID, display)
	return EvaluateResult{
		Allowed: false,
		PairingReply: "🔒 Remetente não reconhecido. Use o código " + code +
			" para aprovar este contato (expira em " + g.cfg.CodeTTL.String() + ").",
	}
}

func (g *Gate) issueOrFetchLocked(channelName, peerID, display string) string {
	for _, p := range g.pending {
		if p.Channel == channelName && normalize(p.PeerID) == normalize(peerID) {
			return p.Code
		}
	}
	code := g.generateCode()
	g.pending[channelName+":"+code] = &PendingPairing{
		Channel:   channelName,
		PeerID:    peerID,
		Display:   display,
		Code:      code,
		CreatedAt: g.cfg.Now(),
	}
	return code
}

func (g *Gate) generateCode() string {
	buf := make([]byte, codeLength)
	_, _ = rand.Read(buf)
	out := make([]byte, codeLength)
	for i, b := range buf {
		out[i] = codeAlphabet[int(b)%len(codeAlphabet)]
	}
	return string(out)
}

func (g *Gate) expirePendingLocked() {
	cutoff := g.cfg.Now().Add(-g.cfg.CodeTTL)
	for k, p := range g.pending {
		if p.CreatedAt.Before(cutoff) {
			delete(g.pending, k)
		}
	}
}

// Approve pops the matching pending entry (channel, code), appends its
// peer_id to approved[channel] (case-insensitive dedupe), mirrors it via
// Persist, and returns the approved peer id. A second approve of the same
// code returns ErrPairingNotFound, per the round-trip law in core spec §8.
func (g *Gate) Approve(channelName, code string) (peerID string, err error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.expirePendingLocked()

	key := channelName + ":" + strings.ToUpper(code)
	p, ok := g.pending[key]
	if !ok {
		return "", ErrPairingNotFound
	}
	delete(g.pending, key)

	if g.approved[channelName] == nil {
		g.approved[channelName] = map[string]bool{}
	}
	g.approved[channelName][normalize(p.PeerID)] = true

	if g.Persist != nil {
		g.Persist(g.snapshotApprovedLocked())
	}
	return p.PeerID, nil
}

// Reject pops the pending entry without promoting it.
func (g *Gate) Reject(channelName, code string) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	key := channelName + ":" + strings.ToUpper(code)
	if _, ok := g.pending[key]; !ok {
		return ErrPairingNotFound
	}
	delete(g.pending, key)
	return nil
}

// ListPending returns all non-expired pending entries.
func (g *Gate) ListPending() []PendingPairing {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.expirePendingLocked()
	out := make([]PendingPairing, 0, len(g.pending))
	for _, p := range g.pending {
		out = append(out, *p)
	}
	return out
}

// ListApproved returns approved peer ids for channelName.
func (g *Gate) ListApproved(channelName string) []string {
	g.mu.Lock()
	defer g.mu.Unlock()
	out := make([]string, 0, len(g.approved[channelName]))
	for peer := range g.approved[channelName] {
		out = append(out, peer)
	}
	return out
}

func (g *Gate) snapshotApprovedLocked() map[string][]string {
	out := make(map[string][]string, len(g.approved))
	for ch, set := range g.approved {
		peers := make([]string, 0, len(set))
		for p := range set {
			peers = append(peers, p)
		}
		out[ch] = peers
	}
	return out
}
