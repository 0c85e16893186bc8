package tokens_test

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/technosupport/esimd/internal/tokens"
)

func TestTokenRoundTrip(t *testing.T) {
	mgr := tokens.NewManager("test-secret-key", "esimd")

	token, err := mgr.GenerateToken("ops@example.com", tokens.RoleAdmin, time.Hour)
	require.NoError(t, err)

	claims, err := mgr.ValidateToken(token)
	require.NoError(t, err)
	assert.Equal(t, "ops@example.com", claims.Subject)
	assert.Equal(t, tokens.RoleAdmin, claims.Role)
	assert.Equal(t, "esimd", claims.Issuer)
	assert.NotEmpty(t, claims.ID)
}

func TestInvalidSignature(t *testing.T) {
	token, err := tokens.NewManager("secret-1", "esimd").GenerateToken("u1", tokens.RoleAdmin, time.Hour)
	require.NoError(t, err)

	_, err = tokens.NewManager("secret-2", "esimd").ValidateToken(token)
	assert.ErrorIs(t, err, tokens.ErrInvalidToken)
}

func TestWrongIssuer(t *testing.T) {
	token, err := tokens.NewManager("secret", "other").GenerateToken("u1", tokens.RoleAdmin, time.Hour)
	require.NoError(t, err)

	_, err = tokens.NewManager("secret", "esimd").ValidateToken(token)
	assert.ErrorIs(t, err, tokens.ErrInvalidToken)
}

func TestExpiredToken(t *testing.T) {
	mgr := tokens.NewManager("secret", "esimd")
	token, err := mgr.GenerateToken("u1", tokens.RoleOperator, -time.Minute)
	require.NoError(t, err)

	_, err = mgr.ValidateToken(token)
	assert.ErrorIs(t, err, tokens.ErrInvalidToken)
}
