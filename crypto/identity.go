package crypto

import (
	"crypto/ed25519"
	"crypto/rand"
	"fmt"

	"golang.org/x/crypto/nacl/box"
)

// Signer produces detached signatures with a device identity.
type Signer interface {
	Sign(message []byte) (Signature, error)
	SignPublic() [32]byte
}

// Identity is the private half of a device: the Ed25519 signing seed and
// the Curve25519 box key pair that tunnel keys are sealed to.
type Identity struct {
	signSeed   [32]byte
	signPublic [32]byte
	box        KeyPair
}

// GenerateIdentity creates a fresh random identity.
func GenerateIdentity() (*Identity, error) {
	var seed [32]byte
	if _, err := rand.Read(seed[:]); err != nil {
		return nil, fmt.Errorf("failed to generate signing seed: %w", err)
	}
	boxKeys, err := GenerateKeyPair()
	if err != nil {
		return nil, fmt.Errorf("failed to generate box keys: %w", err)
	}
	return NewIdentity(seed, boxKeys.Private)
}

// NewIdentity rebuilds an identity from its secrets.
func NewIdentity(signSeed, boxSecret [32]byte) (*Identity, error) {
	boxKeys, err := FromSecretKey(boxSecret)
	if err != nil {
		return nil, err
	}
	id := &Identity{signSeed: signSeed, box: *boxKeys}
	pub := ed25519.NewKeyFromSeed(signSeed[:]).Public().(ed25519.PublicKey)
	copy(id.signPublic[:], pub)
	return id, nil
}

// Sign implements Signer.
func (id *Identity) Sign(message []byte) (Signature, error) {
	return Sign(message, id.signSeed)
}

// SignPublic returns the Ed25519 public key.
func (id *Identity) SignPublic() [32]byte {
	return id.signPublic
}

// BoxPublic returns the Curve25519 public key.
func (id *Identity) BoxPublic() [32]byte {
	return id.box.Public
}

// Secrets returns the signing seed and box secret for persistence.
func (id *Identity) Secrets() (signSeed, boxSecret [32]byte) {
	return id.signSeed, id.box.Private
}

// OpenKey recovers a tunnel key sealed to this identity with SealKey.
func (id *Identity) OpenKey(sealed []byte) (AesKey, error) {
	var key AesKey
	if len(sealed) != SealedKeySize {
		return key, fmt.Errorf("sealed key size %d, want %d", len(sealed), SealedKeySize)
	}
	plain, ok := box.OpenAnonymous(nil, sealed, &id.box.Public, &id.box.Private)
	if !ok || len(plain) != len(key) {
		NewLogger("OpenKey").WithFields(SecureFieldHash(sealed, "sealed")).Debug("Sealed key did not open")
		return key, fmt.Errorf("failed to open sealed key")
	}
	copy(key[:], plain)
	return key, nil
}
