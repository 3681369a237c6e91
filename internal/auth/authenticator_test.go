package auth

import (
	"context"
	"testing"
	"time"

	"github.com/invitehq/courier/internal/domain"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAuthenticator_RoundTrip(t *testing.T) {
	a := NewAuthenticator("test-secret")

	token, err := a.IssueToken("worker-1", domain.RoleWorker, time.Minute)
	require.NoError(t, err)

	subject, role, err := a.ValidateToken(context.Background(), token)
	require.NoError(t, err)
	assert.Equal(t, "worker-1", subject)
	assert.Equal(t, domain.RoleWorker, role)
}

func TestAuthenticator_ExpiredToken(t *testing.T) {
	a := NewAuthenticator("test-secret")

	token, err := a.IssueToken("admin-1", domain.RoleAdmin, -time.Minute)
	require.NoError(t, err)

	_, _, err = a.ValidateToken(context.Background(), token)
	assert.ErrorIs(t, err, ErrInvalidToken)
}

func TestAuthenticator_WrongSecret(t *testing.T) {
	a := NewAuthenticator("test-secret")
	b := NewAuthenticator("other-secret")

	token, err := a.IssueToken("worker-1", domain.RoleWorker, time.Minute)
	require.NoError(t, err)

	_, _, err = b.ValidateToken(context.Background(), token)
	assert.ErrorIs(t, err, ErrInvalidToken)
}

func TestAuthenticator_UnknownRole(t *testing.T) {
	a := NewAuthenticator("test-secret")

	token, err := a.IssueToken("someone", domain.Role("superuser"), time.Minute)
	require.NoError(t, err)

	_, _, err = a.ValidateToken(context.Background(), token)
	assert.ErrorIs(t, err, ErrInvalidToken)
}

func TestAuthenticator_Garbage(t *testing.T) {
	a := NewAuthenticator("test-secret")

	_, _, err := a.ValidateToken(context.Background(), "not-a-token")
	assert.ErrorIs(t, err, ErrInvalidToken)
}
