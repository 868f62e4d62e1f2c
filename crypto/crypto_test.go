package crypto

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSignVerify(t *testing.T) {
	id, err := GenerateIdentity()
	require.NoError(t, err)

	msg := []byte("tunnel exchange")
	sig, err := id.Sign(msg)
	require.NoError(t, err)

	assert.True(t, Verify(msg, sig, id.SignPublic()))
	assert.False(t, Verify([]byte("tampered"), sig, id.SignPublic()))

	other, err := GenerateIdentity()
	require.NoError(t, err)
	assert.False(t, Verify(msg, sig, other.SignPublic()))
}

func TestSignRejectsEmptyMessage(t *testing.T) {
	id, err := GenerateIdentity()
	require.NoError(t, err)

	_, err = id.Sign(nil)
	assert.Error(t, err)
}

func TestFromSecretKeyDerivesPublic(t *testing.T) {
	kp, err := GenerateKeyPair()
	require.NoError(t, err)

	rebuilt, err := FromSecretKey(kp.Private)
	require.NoError(t, err)
	assert.Equal(t, kp.Public, rebuilt.Public)

	_, err = FromSecretKey([32]byte{})
	assert.Error(t, err)
}

func TestSealAndOpenKey(t *testing.T) {
	id, err := GenerateIdentity()
	require.NoError(t, err)
	key, err := GenerateAesKey()
	require.NoError(t, err)

	sealed, err := SealKey(key, id.BoxPublic())
	require.NoError(t, err)
	assert.Len(t, sealed, SealedKeySize)

	opened, err := id.OpenKey(sealed)
	require.NoError(t, err)
	assert.Equal(t, key, opened)

	other, err := GenerateIdentity()
	require.NoError(t, err)
	_, err = other.OpenKey(sealed)
	assert.Error(t, err)
}

func TestMixHashRotatesPerSlot(t *testing.T) {
	key, err := GenerateAesKey()
	require.NoError(t, err)

	assert.Equal(t, key.MixHash(100), key.MixHash(100))
	assert.NotEqual(t, key.MixHash(100), key.MixHash(101))

	other, err := GenerateAesKey()
	require.NoError(t, err)
	assert.NotEqual(t, key.MixHash(100), other.MixHash(100))
}

func TestEncryptDecryptInPlace(t *testing.T) {
	key, err := GenerateAesKey()
	require.NoError(t, err)

	plain := []byte("session data payload")
	buf := make([]byte, 256)
	copy(buf[BoxNonceSize:], plain)

	total, err := key.EncryptInPlace(buf, len(plain))
	require.NoError(t, err)
	assert.Equal(t, len(plain)+BoxOverhead, total)
	assert.NotEqual(t, plain, buf[BoxNonceSize:BoxNonceSize+len(plain)])

	region := buf[:total]
	decrypted, err := key.DecryptInPlace(region)
	require.NoError(t, err)
	assert.Equal(t, plain, decrypted)
	assert.Equal(t, &region[BoxNonceSize], &decrypted[0], "plaintext must alias the region")
}

func TestEncryptInPlaceBufferTooSmall(t *testing.T) {
	key, err := GenerateAesKey()
	require.NoError(t, err)

	_, err = key.EncryptInPlace(make([]byte, 20), 10)
	assert.ErrorIs(t, err, ErrBufferTooSmall)
}

func TestDecryptInPlaceRejectsTampering(t *testing.T) {
	key, err := GenerateAesKey()
	require.NoError(t, err)

	buf := make([]byte, 64)
	copy(buf[BoxNonceSize:], "abc")
	total, err := key.EncryptInPlace(buf, 3)
	require.NoError(t, err)

	buf[BoxNonceSize] ^= 0xff
	_, err = key.DecryptInPlace(buf[:total])
	assert.ErrorIs(t, err, ErrDecrypt)

	_, err = key.DecryptInPlace(buf[:10])
	assert.ErrorIs(t, err, ErrDecrypt)
}

func TestIdentityFileRoundTrip(t *testing.T) {
	id, err := GenerateIdentity()
	require.NoError(t, err)

	path := filepath.Join(t.TempDir(), "device.key")
	require.NoError(t, SaveIdentity(path, id, []byte("passphrase")))

	loaded, err := LoadIdentity(path, []byte("passphrase"))
	require.NoError(t, err)
	assert.Equal(t, id.SignPublic(), loaded.SignPublic())
	assert.Equal(t, id.BoxPublic(), loaded.BoxPublic())

	_, err = LoadIdentity(path, []byte("wrong"))
	assert.Error(t, err)
}

func TestSecureWipe(t *testing.T) {
	data := []byte{1, 2, 3}
	require.NoError(t, SecureWipe(data))
	assert.Equal(t, []byte{0, 0, 0}, data)
	assert.Error(t, SecureWipe(nil))
}
