package crypto

import (
	"crypto/rand"
	"crypto/sha256"
	"encoding/binary"
	"fmt"
	"os"
	"path/filepath"

	"golang.org/x/crypto/pbkdf2"
)

const (
	// PBKDF2Iterations is the number of iterations for passphrase derivation.
	PBKDF2Iterations = 100000
	// IdentityFileVersion is the current identity file format version.
	IdentityFileVersion = 1
	// SaltSize is the size of the PBKDF2 salt.
	SaltSize = 32

	identityPlainSize = 64
	identityHeaderSize = 2 + SaltSize
)

// SaveIdentity writes id to path encrypted with a key derived from
// passphrase. Format: [version:2][salt:32][nonce:8][ciphertext+tag].
// The file is written to a temporary name and renamed into place.
func SaveIdentity(path string, id *Identity, passphrase []byte) error {
	if len(passphrase) == 0 {
		return fmt.Errorf("passphrase cannot be empty")
	}

	salt := make([]byte, SaltSize)
	if _, err := rand.Read(salt); err != nil {
		return fmt.Errorf("failed to generate salt: %w", err)
	}
	key := deriveFileKey(passphrase, salt)
	defer ZeroBytes(key[:])

	out := make([]byte, identityHeaderSize+identityPlainSize+BoxOverhead)
	binary.BigEndian.PutUint16(out[0:2], IdentityFileVersion)
	copy(out[2:identityHeaderSize], salt)

	region := out[identityHeaderSize:]
	signSeed, boxSecret := id.Secrets()
	copy(region[BoxNonceSize:], signSeed[:])
	copy(region[BoxNonceSize+32:], boxSecret[:])
	if _, err := key.EncryptInPlace(region, identityPlainSize); err != nil {
		return fmt.Errorf("failed to encrypt identity: %w", err)
	}

	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return fmt.Errorf("failed to create identity directory: %w", err)
	}
	tmpFile := path + ".tmp"
	if err := os.WriteFile(tmpFile, out, 0o600); err != nil {
		return fmt.Errorf("failed to write temporary file: %w", err)
	}
	if err := os.Rename(tmpFile, path); err != nil {
		os.Remove(tmpFile)
		return fmt.Errorf("failed to rename file: %w", err)
	}

	NewLogger("SaveIdentity").WithFields(SecureFieldHash(id.signPublic[:], "sign_public")).
		WithField("path", path).Info("Identity saved")
	return nil
}

// LoadIdentity reads an identity written by SaveIdentity.
func LoadIdentity(path string, passphrase []byte) (*Identity, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read identity file: %w", err)
	}
	if len(data) != identityHeaderSize+identityPlainSize+BoxOverhead {
		return nil, fmt.Errorf("identity file has unexpected size %d", len(data))
	}

	version := binary.BigEndian.Uint16(data[0:2])
	if version != IdentityFileVersion {
		return nil, fmt.Errorf("unsupported identity file version: %d (expected %d)", version, IdentityFileVersion)
	}

	key := deriveFileKey(passphrase, data[2:identityHeaderSize])
	defer ZeroBytes(key[:])

	plain, err := key.DecryptInPlace(data[identityHeaderSize:])
	if err != nil {
		NewLogger("LoadIdentity").WithField("path", path).Warn("Identity file failed authentication")
		return nil, fmt.Errorf("decryption failed (wrong passphrase or corrupted data): %w", err)
	}
	defer ZeroBytes(plain)

	var signSeed, boxSecret [32]byte
	copy(signSeed[:], plain[:32])
	copy(boxSecret[:], plain[32:64])
	return NewIdentity(signSeed, boxSecret)
}

func deriveFileKey(passphrase, salt []byte) AesKey {
	var key AesKey
	derived := pbkdf2.Key(passphrase, salt, PBKDF2Iterations, AesKeySize, sha256.New)
	copy(key[:], derived)
	ZeroBytes(derived)
	return key
}
