package capability

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
)

var (
	ErrUnauthorizedGrant = errors.New("granter lacks superset permission")
	ErrTokenNotFound     = errors.New("token not found")
	ErrTokenInvalid      = errors.New("token signature invalid")
)

// SystemIdentity is the trusted identity allowed to grant any permission
// regardless of its own holdings (§4.B "is the trusted system identity").
const SystemIdentity = "system"

// Manager issues, verifies, and revokes capability tokens. The token map is
// mutex-guarded; the hot Check path copies the small slice of an agent's
// tokens out of the critical section before running the (allocation-free)
// validity and match checks against them.
type Manager struct {
	mu      sync.Mutex
	secrets [][]byte // secrets[0] is used for signing; all are accepted for verification
	tokens  map[string]*Token   // token id -> token
	byAgent map[string][]string // agent id -> token ids
	now     func() time.Time
}

// NewManager creates a manager that signs with secrets[0] and accepts any
// of secrets for verification, supporting rotation.
func NewManager(secrets ...string) *Manager {
	m := &Manager{
		tokens:  make(map[string]*Token),
		byAgent: make(map[string][]string),
		now:     time.Now,
	}
	for _, s := range secrets {
		m.secrets = append(m.secrets, []byte(s))
	}
	return m
}

// Grant creates a token for request, signed by the manager's primary
// secret. The granter must be SystemIdentity or hold, for each requested
// permission, a superset permission (same category, action subset,
// resource subset).
func (m *Manager) Grant(req Request, grantedBy string) (*Token, error) {
	if len(req.Permissions) == 0 {
		return nil, errors.New("grant requires at least one permission")
	}
	if grantedBy != SystemIdentity {
		for _, p := range req.Permissions {
			for _, a := range p.Actions {
				res := m.Check(grantedBy, string(p.Category), a, p.Resource)
				if !res.Allowed {
					return nil, fmt.Errorf("%w: %s.%s on %q", ErrUnauthorizedGrant, p.Category, a, p.Resource)
				}
			}
		}
	}

	var expandedPerms []Permission
	for _, p := range req.Permissions {
		if p.Category == CategoryFilesystem {
			for _, r := range expandFilesystemResource(p.Resource) {
				expandedPerms = append(expandedPerms, Permission{Category: p.Category, Actions: p.Actions, Resource: r})
			}
		} else {
			expandedPerms = append(expandedPerms, p)
		}
	}

	now := m.now()
	token := &Token{
		ID:          uuid.NewString(),
		AgentID:     req.AgentID,
		Permissions: expandedPerms,
		GrantedBy:   grantedBy,
		GrantedAt:   now,
		Purpose:     req.Purpose,
		Delegatable: req.Delegatable,
	}
	if req.DurationMS > 0 {
		exp := now.Add(time.Duration(req.DurationMS) * time.Millisecond)
		token.ExpiresAt = &exp
	}

	if len(m.secrets) == 0 {
		return nil, errors.New("capability manager has no signing secret configured")
	}
	token.Signature = signWith(m.secrets[0], token)

	m.mu.Lock()
	m.tokens[token.ID] = token
	m.byAgent[token.AgentID] = append(m.byAgent[token.AgentID], token.ID)
	m.mu.Unlock()

	return token, nil
}

// Check reports whether agentID holds an active, non-expired, validly
// signed token granting action within category on resource (§4.B
// algorithm). action == "" matches any permission in the category
// regardless of its action set.
func (m *Manager) Check(agentID, category, action, resource string) CheckResult {
	now := m.now()

	m.mu.Lock()
	ids := append([]string(nil), m.byAgent[agentID]...)
	candidates := make([]*Token, 0, len(ids))
	for _, id := range ids {
		if t, ok := m.tokens[id]; ok {
			candidates = append(candidates, t)
		}
	}
	secrets := m.secrets
	m.mu.Unlock()

	reason := "no matching grant"
	for _, t := range candidates {
		if !t.isActive(now) {
			if t.isExpired(now) {
				reason = "expired"
			}
			continue
		}
		if !verifyWith(secrets, t) {
			continue
		}
		for _, p := range t.Permissions {
			if string(p.Category) != category {
				continue
			}
			if action != "" && !containsAction(p.Actions, action) {
				reason = fmt.Sprintf("category %s does not grant action %s", category, action)
				continue
			}
			if !matchResource(p.Resource, resource) {
				reason = fmt.Sprintf("resource %q not covered by grant", resource)
				continue
			}
			return CheckResult{Allowed: true}
		}
	}
	return CheckResult{Allowed: false, Reason: reason}
}

func containsAction(actions []string, action string) bool {
	for _, a := range actions {
		if a == action {
			return true
		}
	}
	return false
}

// Revoke marks a single token inactive.
func (m *Manager) Revoke(tokenID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	t, ok := m.tokens[tokenID]
	if !ok {
		return ErrTokenNotFound
	}
	t.revoked = true
	return nil
}

// RevokeAll revokes every token held by agentID (called on termination) and
// returns the count revoked.
func (m *Manager) RevokeAll(agentID string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for _, id := range m.byAgent[agentID] {
		if t, ok := m.tokens[id]; ok && !t.revoked {
			t.revoked = true
			n++
		}
	}
	return n
}

// PruneExpired lazily removes tokens that have expired, freeing the maps.
// Safe to call periodically from the scheduler (§4.H).
func (m *Manager) PruneExpired() int {
	now := m.now()
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for id, t := range m.tokens {
		if t.isExpired(now) {
			delete(m.tokens, id)
			ids := m.byAgent[t.AgentID]
			for i, tid := range ids {
				if tid == id {
					m.byAgent[t.AgentID] = append(ids[:i], ids[i+1:]...)
					break
				}
			}
			n++
		}
	}
	return n
}
