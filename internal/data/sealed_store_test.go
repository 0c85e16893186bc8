package data

import (
	"context"
	"encoding/base64"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/technosupport/esimd/internal/crypto"
)

func newKeyring(t *testing.T, kid string) *crypto.Keyring {
	t.Helper()
	key, err := crypto.GenerateKey()
	require.NoError(t, err)
	ring, err := crypto.NewKeyring(map[string]string{kid: base64.StdEncoding.EncodeToString(key)}, kid)
	require.NoError(t, err)
	return ring
}

func TestSealedStore_RoundTrip(t *testing.T) {
	ctx := context.Background()
	inner, _ := newTestRedisStore(t)
	s := NewSealedStore(inner, newKeyring(t, "k1"), zap.NewNop())

	profiles := []ESimProfile{
		{EID: "E1", ICCID: "8901", ActivationCode: "LPA:1$smdp$SECRET", State: ProfileStateActive, Class: ProfileClassOperational},
		{EID: "E1", ICCID: "8902", State: ProfileStatePending, Class: ProfileClassOperational},
	}
	require.NoError(t, s.SaveProfiles(ctx, profiles))
	assert.Equal(t, "LPA:1$smdp$SECRET", profiles[0].ActivationCode, "caller slice is not modified")

	raw, err := inner.LoadProfiles(ctx)
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(raw[0].ActivationCode, "sealed:v1:k1:"))
	assert.Empty(t, raw[1].ActivationCode)

	got, err := s.LoadProfiles(ctx)
	require.NoError(t, err)
	assert.Equal(t, profiles, got)
}

func TestSealedStore_PlaintextStillLoads(t *testing.T) {
	ctx := context.Background()
	inner, _ := newTestRedisStore(t)
	require.NoError(t, inner.SaveProfiles(ctx, []ESimProfile{{EID: "E1", ICCID: "8901", ActivationCode: "LPA:1$old"}}))

	got, err := NewSealedStore(inner, newKeyring(t, "k1"), zap.NewNop()).LoadProfiles(ctx)
	require.NoError(t, err)
	assert.Equal(t, "LPA:1$old", got[0].ActivationCode)
}

func TestSealedStore_UnknownKeyClearsCode(t *testing.T) {
	ctx := context.Background()
	inner, _ := newTestRedisStore(t)
	require.NoError(t, NewSealedStore(inner, newKeyring(t, "k1"), zap.NewNop()).SaveProfiles(ctx,
		[]ESimProfile{{EID: "E1", ICCID: "8901", ActivationCode: "LPA:1$x"}}))

	got, err := NewSealedStore(inner, newKeyring(t, "k2"), zap.NewNop()).LoadProfiles(ctx)
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, "8901", got[0].ICCID)
	assert.Empty(t, got[0].ActivationCode)
}
