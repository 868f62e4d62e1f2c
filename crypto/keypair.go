// Package crypto implements the cryptographic primitives of the tunnel stack.
//
// It covers identity key pairs (Ed25519 for signatures, Curve25519 for key
// encapsulation), the per-tunnel AES key, the rotating mix hash used to look
// keys up without revealing them, and the in-place box cipher.
//
// Example:
//
//	id, err := crypto.GenerateIdentity()
//	if err != nil {
//	    log.Fatal(err)
//	}
//	sig, _ := id.Sign([]byte("hello"))
//	fmt.Println(crypto.Verify([]byte("hello"), sig, id.SignPublic()))
package crypto

import (
	"crypto/rand"
	"errors"

	"golang.org/x/crypto/curve25519"
	"golang.org/x/crypto/nacl/box"
)

// KeyPair is a Curve25519 key pair used to seal tunnel keys to a device.
type KeyPair struct {
	Public  [32]byte
	Private [32]byte
}

// GenerateKeyPair creates a new random box key pair.
func GenerateKeyPair() (*KeyPair, error) {
	publicKey, privateKey, err := box.GenerateKey(rand.Reader)
	if err != nil {
		return nil, err
	}

	return &KeyPair{
		Public:  *publicKey,
		Private: *privateKey,
	}, nil
}

// FromSecretKey rebuilds a key pair from an existing private key.
func FromSecretKey(secretKey [32]byte) (*KeyPair, error) {
	if isZeroKey(secretKey) {
		return nil, errors.New("invalid secret key: all zeros")
	}

	public, err := curve25519.X25519(secretKey[:], curve25519.Basepoint)
	if err != nil {
		return nil, err
	}

	kp := &KeyPair{Private: secretKey}
	copy(kp.Public[:], public)
	return kp, nil
}

// isZeroKey checks if a key consists of all zeros.
func isZeroKey(key [32]byte) bool {
	for _, b := range key {
		if b != 0 {
			return false
		}
	}
	return true
}
