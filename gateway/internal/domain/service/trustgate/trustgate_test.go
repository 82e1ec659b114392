package trustgate

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// TestPairingFlow mirrors the "pairing flow" end-to-end scenario: an
// unknown sender gets a 6-char uppercase code, approving it allows
// subsequent inbound from the same sender.
func TestPairingFlow(t *testing.T) {
	gate := NewGate(PairingConfig{Enabled: true})

	res := gate.Evaluate("telegram", []string{"user-alpha"}, "Alpha")
	require.False(t, res.Allowed)
	require.Contains(t, res.PairingReply, "código")

	pending := gate.ListPending()
	require.Len(t, pending, 1)
	code := pending[0].Code
	assert.Len(t, code, codeLength)
	for _, r := range code {
		assert.True(t, r >= 'A' && r <= 'Z' || r >= '0' && r <= '9')
	}

	peer, err := gate.Approve("telegram", code)
	require.NoError(t, err)
	assert.Equal(t, "user-alpha", peer)

	res2 := gate.Evaluate("telegram", []string{"user-alpha"}, "Alpha")
	assert.True(t, res2.Allowed)
}

func TestApproveTwiceFailsSecondTime(t *testing.T) {
	gate := NewGate(PairingConfig{Enabled: true})
	gate.Evaluate("slack", []string{"u1"}, "")
	code := gate.ListPending()[0].Code

	_, err := gate.Approve("slack", code)
	require.NoError(t, err)

	_, err = gate.Approve("slack", code)
	assert.ErrorIs(t, err, ErrPairingNotFound)
}

func TestDisabledPairingEmptyAllowlistAllowsAll(t *testing.T) {
	gate := NewGate(PairingConfig{Enabled: false})
	res := gate.Evaluate("irc", []string{"anyone"}, "")
	assert.True(t, res.Allowed)
}

func TestDisabledPairingWithConfiguredAllowlist(t *testing.T) {
	gate := NewGate(PairingConfig{
		Enabled:    false,
		Configured: map[string][]string{"irc": {"Root"}},
	})
	assert.True(t, gate.Evaluate("irc", []string{"root"}, "").Allowed)
	assert.False(t, gate.Evaluate("irc", []string{"someone-else"}, "").Allowed)
}

func TestPendingExpiresAfterTTL(t *testing.T) {
	now := time.Unix(0, 0)
	gate := NewGate(PairingConfig{Enabled: true, CodeTTL: time.Minute, Now: func() time.Time { return now }})
	gate.Evaluate("irc", []string{"u"}, "")
	require.Len(t, gate.ListPending(), 1)

	now = now.Add(2 * time.Minute)
	assert.Empty(t, gate.ListPending())
}

func TestToolPolicyDefaultsAndAudit(t *testing.T) {
	table := NewToolPolicyTable()
	identity := ResolveIdentity("telegram", "tg_1")

	allowed, msg := table.CheckToolApproval(identity, "read_file")
	assert.True(t, allowed)
	assert.Empty(t, msg)

	allowed, msg = table.CheckToolApproval(identity, "shell_exec")
	assert.True(t, allowed) // DANGEROUS defaults to review (allowed, audited), not deny
	assert.Empty(t, msg)

	table.SetToolPolicy("shell_exec", PolicyDeny)
	allowed, msg = table.CheckToolApproval(identity, "shell_exec")
	assert.False(t, allowed)
	assert.Contains(t, msg, "Ferramenta bloqueada")

	assert.Len(t, table.AuditLog(), 3)
}

func TestAuditRingCapped(t *testing.T) {
	table := NewToolPolicyTable()
	identity := ResolveIdentity("telegram", "tg_1")
	for i := 0; i < auditRingCapacity+10; i++ {
		table.CheckToolApproval(identity, "read_file")
	}
	assert.Len(t, table.AuditLog(), auditRingCapacity)
}
