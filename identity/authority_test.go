package identity

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func newTestAuthority(t *testing.T) *Authority {
	t.Helper()
	resetForTest()
	a := NewAuthority([]byte("test-secret"), time.Hour)
	t.Cleanup(resetForTest)
	return a
}

func TestIssueAndVerifyToken(t *testing.T) {
	a := newTestAuthority(t)

	token, err := a.IssueToken("agent-1", RoleAgent)
	require.NoError(t, err)
	require.NotEmpty(t, token)

	id, err := a.Verify(token)
	require.NoError(t, err)
	require.Equal(t, "agent-1", id.AgentID)
	require.Equal(t, RoleAgent, id.Role)
}

func TestVerifyRejectsForgedSignature(t *testing.T) {
	a := newTestAuthority(t)

	token, err := a.IssueToken("agent-1", RoleAgent)
	require.NoError(t, err)

	forged := token[:len(token)-4] + "AAAA"
	_, err = a.Verify(forged)
	require.Error(t, err)
}

func TestVerifyRejectsExpiredToken(t *testing.T) {
	resetForTest()
	a := NewAuthority([]byte("test-secret"), time.Millisecond)
	t.Cleanup(resetForTest)

	token, err := a.IssueToken("agent-1", RoleAgent)
	require.NoError(t, err)

	time.Sleep(5 * time.Millisecond)
	_, err = a.Verify(token)
	require.Error(t, err)
}

func TestVerifyRejectsRevokedAgent(t *testing.T) {
	a := newTestAuthority(t)

	token, err := a.IssueToken("agent-1", RoleAgent)
	require.NoError(t, err)

	a.Revoke("agent-1")
	_, err = a.Verify(token)
	require.Error(t, err)
}

func TestRotateSecretAcceptsOverlapWindow(t *testing.T) {
	a := newTestAuthority(t)

	token, err := a.IssueToken("agent-1", RoleAgent)
	require.NoError(t, err)

	a.RotateSecret([]byte("new-secret"))

	id, err := a.Verify(token)
	require.NoError(t, err, "token signed with previous secret should verify during overlap")
	require.Equal(t, "agent-1", id.AgentID)

	newToken, err := a.IssueToken("agent-2", RoleAgent)
	require.NoError(t, err)
	_, err = a.Verify(newToken)
	require.NoError(t, err)
}

func TestRoleCannotBeForgedByTrailingFieldSwap(t *testing.T) {
	a := newTestAuthority(t)

	token, err := a.IssueToken("agent-1", RoleAgent)
	require.NoError(t, err)

	parts := splitTokenForTest(token)
	parts[4] = string(RoleAdmin)
	tampered := joinTokenForTest(parts)

	_, err = a.Verify(tampered)
	require.Error(t, err, "role is part of the signed payload; swapping it must invalidate the signature")
}

func splitTokenForTest(token string) []string {
	var parts []string
	start := 0
	for i := 0; i < len(token); i++ {
		if token[i] == '|' {
			parts = append(parts, token[start:i])
			start = i + 1
		}
	}
	parts = append(parts, token[start:])
	return parts
}

func joinTokenForTest(parts []string) string {
	out := ""
	for i, p := range parts {
		if i > 0 {
			out += "|"
		}
		out += p
	}
	return out
}

func TestNewAuthorityPanicsOnSecondConstruction(t *testing.T) {
	resetForTest()
	defer resetForTest()

	NewAuthority([]byte("secret"), time.Hour)
	require.Panics(t, func() {
		NewAuthority([]byte("secret"), time.Hour)
	})
}

func TestRolePermissionsMapping(t *testing.T) {
	require.True(t, RolePermissions[RoleAdmin][PermSystemAdmin])
	require.False(t, RolePermissions[RoleAgent][PermSystemAdmin])
	require.True(t, RolePermissions[RoleAgent][PermCommandExecute])
}
