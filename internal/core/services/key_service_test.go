package services

import (
	"context"
	"errors"
	"testing"
	"time"

	"voxrelay/internal/core/domain"
	"voxrelay/pkg/packet"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var testSecret = []byte("0123456789abcdef0123456789abcdef")

func TestDeriveKey_IsPure(t *testing.T) {
	a := DeriveKey(testSecret, "general", 1)
	assert.Len(t, a, packet.KeySize)
	assert.Equal(t, a, DeriveKey(testSecret, "general", 1))
	assert.NotEqual(t, a, DeriveKey(testSecret, "lounge", 1))
	assert.NotEqual(t, a, DeriveKey(testSecret, "general", 2))
	assert.NotEqual(t, a, DeriveKey([]byte("another secret"), "general", 1))
}

func newTestKeyManager(t *testing.T, cfg KeyConfig) (*KeyManager, *fakeEpochs) {
	t.Helper()
	epochs := newFakeEpochs()
	km, err := NewKeyManager(context.Background(), "general", testSecret, epochs, cfg, testNow)
	require.NoError(t, err)
	return km, epochs
}

func TestKeyManager_StartsAtFirstEpoch(t *testing.T) {
	km, _ := newTestKeyManager(t, DefaultKeyConfig())
	cur := km.Current()
	assert.Equal(t, domain.KeyID(1), cur.KeyID)
	assert.Equal(t, DeriveKey(testSecret, "general", 1), cur.Key)
	assert.Len(t, km.DecodeKeys(testNow), 1)
}

func TestKeyManager_ResumesStoredEpoch(t *testing.T) {
	epochs := newFakeEpochs()
	epochs.ids["general"] = 7
	km, err := NewKeyManager(context.Background(), "general", testSecret, epochs, DefaultKeyConfig(), testNow)
	require.NoError(t, err)
	assert.Equal(t, domain.KeyID(7), km.Current().KeyID)
}

func TestKeyManager_RotateKeepsPreviousForGrace(t *testing.T) {
	km, _ := newTestKeyManager(t, KeyConfig{GraceWindow: 10 * time.Second})
	old := km.Current()

	id, err := km.Rotate(context.Background(), testNow)
	require.NoError(t, err)
	assert.Equal(t, domain.KeyID(2), id)

	keys := km.DecodeKeys(testNow.Add(5 * time.Second))
	require.Len(t, keys, 2)
	assert.Equal(t, km.Current().Key, keys[0])
	assert.Equal(t, old.Key, keys[1])
	assert.True(t, km.InGrace(testNow.Add(5*time.Second)))

	// the window is enforced on read even before housekeeping runs
	assert.Len(t, km.DecodeKeys(testNow.Add(10*time.Second)), 1)

	assert.False(t, km.ExpireGrace(testNow.Add(9*time.Second)))
	assert.True(t, km.ExpireGrace(testNow.Add(10*time.Second)))
	assert.False(t, km.InGrace(testNow.Add(5*time.Second)))
}

func TestKeyManager_DecodeAcrossRotation(t *testing.T) {
	km, _ := newTestKeyManager(t, DefaultKeyConfig())
	inFlight, err := packet.Encode(packet.TypeVoice, []byte{1}, km.Current().Key)
	require.NoError(t, err)

	_, err = km.Rotate(context.Background(), testNow)
	require.NoError(t, err)

	p, idx, err := packet.DecodeWithKeys(inFlight, km.DecodeKeys(testNow.Add(time.Second)))
	require.NoError(t, err)
	assert.Equal(t, 1, idx)
	assert.Equal(t, []byte{1}, p.Payload)

	_, _, err = packet.DecodeWithKeys(inFlight, km.DecodeKeys(testNow.Add(time.Minute)))
	assert.ErrorIs(t, err, packet.ErrDecryptionFailed)
}

func TestKeyManager_AdoptOnlyMovesForward(t *testing.T) {
	km, epochs := newTestKeyManager(t, DefaultKeyConfig())

	ok, err := km.Adopt(context.Background(), 5, testNow)
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, domain.KeyID(5), km.Current().KeyID)
	assert.Equal(t, domain.KeyID(5), epochs.ids["general"])

	ok, err = km.Adopt(context.Background(), 3, testNow)
	require.NoError(t, err)
	assert.False(t, ok)
	assert.Equal(t, domain.KeyID(5), km.Current().KeyID)

	id, err := km.Rotate(context.Background(), testNow)
	require.NoError(t, err)
	assert.Equal(t, domain.KeyID(6), id)
}

func TestKeyManager_RotationDue(t *testing.T) {
	km, _ := newTestKeyManager(t, KeyConfig{GraceWindow: time.Second, RotationInterval: time.Minute})
	assert.False(t, km.RotationDue(testNow.Add(59*time.Second)))
	assert.True(t, km.RotationDue(testNow.Add(time.Minute)))

	disabled, _ := newTestKeyManager(t, KeyConfig{GraceWindow: time.Second})
	assert.False(t, disabled.RotationDue(testNow.Add(24*time.Hour)))
}

func TestKeyManager_RepositoryFailure(t *testing.T) {
	km, epochs := newTestKeyManager(t, DefaultKeyConfig())
	epochs.err = errors.New("redis down")

	_, err := km.Rotate(context.Background(), testNow)
	assert.Error(t, err)
	assert.Equal(t, domain.KeyID(1), km.Current().KeyID)
}
