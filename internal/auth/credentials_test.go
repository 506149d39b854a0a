package auth

import (
	"testing"
	"time"

	"github.com/pliu/chattysync/internal/models"
	"github.com/pliu/chattysync/internal/store"
	"github.com/pliu/chattysync/internal/store/sqlstore"
	"github.com/stretchr/testify/require"
)

func sqlKV(t *testing.T) *sqlstore.SQLStore {
	kv, err := sqlstore.New(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { kv.Close() })
	return kv
}

func TestCredentialStoreRoundTrip(t *testing.T) {
	kv := sqlKV(t)
	exp := time.Date(2030, 1, 1, 0, 0, 0, 0, time.UTC)

	s := NewCredentialStore(kv, []byte("k"), nil)
	require.Nil(t, s.Get())
	require.NoError(t, s.Set(models.Credential{Token: "a1", RefreshToken: "r1", UserID: "u1", ExpiresAt: &exp}))

	// a fresh store over the same kv sees the persisted credential
	s2 := NewCredentialStore(kv, []byte("k"), nil)
	require.NoError(t, s2.Load())
	got := s2.Get()
	require.NotNil(t, got)
	require.Equal(t, "a1", got.Token)
	require.Equal(t, "r1", got.RefreshToken)
	require.Equal(t, "u1", got.UserID)
	require.True(t, exp.Equal(*got.ExpiresAt))

	require.NoError(t, s2.Clear())
	require.Equal(t, "", s2.Token())
	_, err := kv.Get(credentialKey)
	require.ErrorIs(t, err, store.ErrNotFound)
}

func TestCredentialStoreRejectsTamperedValue(t *testing.T) {
	kv := sqlKV(t)
	s := NewCredentialStore(kv, []byte("k"), nil)
	require.NoError(t, s.Set(models.Credential{Token: "a1"}))

	s2 := NewCredentialStore(kv, []byte("different"), nil)
	require.NoError(t, s2.Load())
	require.Nil(t, s2.Get())
	_, err := kv.Get(credentialKey)
	require.ErrorIs(t, err, store.ErrNotFound)
}

func TestCredentialStoreIsExpired(t *testing.T) {
	now := time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)
	s := NewCredentialStore(nil, nil, nil)
	require.True(t, s.IsExpired(now), "no credential counts as expired")

	exp := now.Add(time.Minute)
	require.NoError(t, s.Set(models.Credential{Token: "a", ExpiresAt: &exp}))
	require.False(t, s.IsExpired(now))
	require.True(t, s.IsExpired(exp), "expiry instant is expired")

	require.NoError(t, s.Set(models.Credential{Token: "b"}))
	require.False(t, s.IsExpired(now.Add(1000*time.Hour)))
}

func TestGetReturnsCopy(t *testing.T) {
	s := NewCredentialStore(nil, nil, nil)
	require.NoError(t, s.Set(models.Credential{Token: "a"}))
	c := s.Get()
	c.Token = "mutated"
	require.Equal(t, "a", s.Token())
}
