package trustgate

import (
	"sync"
	"time"
)

// Policy is a tool-execution verdict.
type Policy string

const (
	PolicyAllow  Policy = "allow"
	PolicyReview Policy = "review"
	PolicyDeny   Policy = "deny"
)

// dangerousTools and safeTools mirror
// original_source/clawlite/core/rbac.py's DANGEROUS_TOOLS/SAFE_TOOLS
// default classification sets.
var dangerousTools = map[string]bool{
	"shell_exec":  true,
	"write_file":  true,
	"ssh_exec":    true,
	"docker_exec": true,
	"git_push":    true,
}

var safeTools = map[string]bool{
	"read_file":    true,
	"list_files":   true,
	"web_search":   true,
	"memory_query": true,
}

// AuditEntry is one row in the 500-entry audit ring.
type AuditEntry struct {
	Timestamp time.Time
	SessionID string
	Tool      string
	Policy    Policy
	Allowed   bool
	Reason    string
}

const auditRingCapacity = 500

// ToolPolicyTable holds per-tool overrides and the audit ring.
type ToolPolicyTable struct {
	mu        sync.Mutex
	overrides map[string]Policy
	audit     []AuditEntry
	now       func() time.Time
}

func NewToolPolicyTable() *ToolPolicyTable {
	return &ToolPolicyTable{overrides: map[string]Policy{}, now: time.Now}
}

// SetToolPolicy installs an explicit override for tool, superseding the
// default classification.
func (t *ToolPolicyTable) SetToolPolicy(tool string, policy Policy) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.overrides[tool] = policy
}

func (t *ToolPolicyTable) classify(tool string) Policy {
	if p, ok := t.overrides[tool]; ok {
		return p
	}
	if dangerousTools[tool] {
		return PolicyReview
	}
	if safeTools[tool] {
		return PolicyAllow
	}
	return PolicyReview // unknown tools default to review
}

// CheckToolApproval resolves the policy for tool against identity and
// records an audit entry. DENY is surfaced as a plain Portuguese string,
// never an error, per core spec §7.
func (t *ToolPolicyTable) CheckToolApproval(identity Identity, tool string) (allowed bool, message string) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if !Authorize(identity, ScopeTools) {
		t.appendAuditLocked(identity.SessionID, tool, PolicyDeny, false, "sem escopo de ferramentas")
		return false, "Ferramenta bloqueada: sem permissão"
	}

	policy := t.classify(tool)
	switch policy {
	case PolicyDeny:
		t.appendAuditLocked(identity.SessionID, tool, policy, false, "bloqueada pela política")
		return false, "Ferramenta bloqueada: bloqueada pela política"
	case PolicyReview:
		t.appendAuditLocked(identity.SessionID, tool, policy, true, "permitida com revisão")
		return true, ""
	default:
		t.appendAuditLocked(identity.SessionID, tool, policy, true, "")
		return true, ""
	}
}

func (t *ToolPolicyTable) appendAuditLocked(sessionID, tool string, policy Policy, allowed bool, reason string) {
	entry := AuditEntry{
		Timestamp: t.now(),
		SessionID: sessionID,
		Tool:      tool,
		Policy:    policy,
		Allowed:   allowed,
		Reason:    reason,
	}
	t.audit = append(t.audit, entry)
	if len(t.audit) > auditRingCapacity {
		t.audit = t.audit[len(t.audit)-auditRingCapacity:]
	}
}

// AuditLog returns a copy of the current audit ring, newest last.
func (t *ToolPolicyTable) AuditLog() []AuditEntry {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make([]AuditEntry, len(t.audit))
	copy(out, t.audit)
	return out
}
