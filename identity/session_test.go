package identity

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func newTestManager(t *testing.T, idleTimeout, maxAge time.Duration) (*Manager, *Authority) {
	t.Helper()
	a := newTestAuthority(t)
	var recorded []string
	m := NewManager(a, idleTimeout, maxAge, func(ctx context.Context, eventType, aggregateID, actorID string, payload map[string]any) error {
		recorded = append(recorded, eventType)
		return nil
	})
	return m, a
}

func TestCreateAndValidateSession(t *testing.T) {
	m, a := newTestManager(t, time.Hour, time.Hour)
	ctx := context.Background()

	token, err := a.IssueToken("agent-1", RoleAgent)
	require.NoError(t, err)

	sess, err := m.CreateSession(ctx, token, "fp-1")
	require.NoError(t, err)
	require.Equal(t, SessionActive, sess.State)

	validated, err := m.Validate(ctx, sess.ID, "fp-1")
	require.NoError(t, err)
	require.Equal(t, sess.ID, validated.ID)
}

func TestValidateRejectsFingerprintMismatch(t *testing.T) {
	m, a := newTestManager(t, time.Hour, time.Hour)
	ctx := context.Background()

	token, err := a.IssueToken("agent-1", RoleAgent)
	require.NoError(t, err)
	sess, err := m.CreateSession(ctx, token, "fp-1")
	require.NoError(t, err)

	_, err = m.Validate(ctx, sess.ID, "fp-2")
	require.Error(t, err)
}

func TestValidateExpiresOnIdleTimeout(t *testing.T) {
	m, a := newTestManager(t, 5*time.Millisecond, time.Hour)
	ctx := context.Background()

	token, err := a.IssueToken("agent-1", RoleAgent)
	require.NoError(t, err)
	sess, err := m.CreateSession(ctx, token, "fp-1")
	require.NoError(t, err)

	time.Sleep(20 * time.Millisecond)
	_, err = m.Validate(ctx, sess.ID, "fp-1")
	require.Error(t, err)

	_, err = m.Validate(ctx, sess.ID, "fp-1")
	require.Error(t, err, "expired session stays terminal")
}

func TestEndIsIdempotent(t *testing.T) {
	m, a := newTestManager(t, time.Hour, time.Hour)
	ctx := context.Background()

	token, err := a.IssueToken("agent-1", RoleAgent)
	require.NoError(t, err)
	sess, err := m.CreateSession(ctx, token, "fp-1")
	require.NoError(t, err)

	require.NoError(t, m.End(ctx, sess.ID))
	require.NoError(t, m.End(ctx, sess.ID))

	_, err = m.Validate(ctx, sess.ID, "fp-1")
	require.Error(t, err)
}

func TestSweepExpiredTransitionsStaleActiveSessions(t *testing.T) {
	m, a := newTestManager(t, 5*time.Millisecond, time.Hour)
	ctx := context.Background()

	token, err := a.IssueToken("agent-1", RoleAgent)
	require.NoError(t, err)
	_, err = m.CreateSession(ctx, token, "fp-1")
	require.NoError(t, err)

	time.Sleep(20 * time.Millisecond)
	n := m.SweepExpired(ctx)
	require.Equal(t, 1, n)
	require.Equal(t, 0, m.ActiveCount())
}
