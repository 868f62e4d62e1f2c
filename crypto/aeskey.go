package crypto

import (
	"crypto/rand"
	"crypto/sha256"
	"encoding/binary"
	"encoding/hex"
	"fmt"
	"io"
	"time"

	"golang.org/x/crypto/hkdf"
	"golang.org/x/crypto/nacl/box"
)

const (
	// AesKeySize is the tunnel key size.
	AesKeySize = 32
	// MixHashSize is the size of the key lookup hash carried in every keyed box.
	MixHashSize = 8
	// SealedKeySize is the size of a tunnel key sealed to a box public key.
	SealedKeySize = AesKeySize + box.AnonymousOverhead
	// MixHashLiveMinutes is how many minute slots a mix hash stays resolvable.
	MixHashLiveMinutes = 3
)

// AesKey is a symmetric tunnel key.
type AesKey [AesKeySize]byte

// MixHash identifies an AesKey on the wire for one minute slot.
type MixHash [MixHashSize]byte

// GenerateAesKey creates a random tunnel key.
func GenerateAesKey() (AesKey, error) {
	var key AesKey
	if _, err := rand.Read(key[:]); err != nil {
		return key, fmt.Errorf("failed to generate aes key: %w", err)
	}
	return key, nil
}

func (k AesKey) String() string {
	return hex.EncodeToString(k[:4]) + "..."
}

// MinuteSlot returns the mix hash slot for t.
func MinuteSlot(t time.Time) int64 {
	return t.Unix() / 60
}

// MixHash derives the lookup hash of k for a minute slot.
func (k AesKey) MixHash(slot int64) MixHash {
	var salt [8]byte
	binary.BigEndian.PutUint64(salt[:], uint64(slot))

	var out MixHash
	r := hkdf.New(sha256.New, k[:], salt[:], []byte("bdt mix hash"))
	if _, err := io.ReadFull(r, out[:]); err != nil {
		// hkdf only fails past 255*HashLen bytes
		panic(err)
	}
	return out
}

// CurrentMixHash derives the mix hash for the current minute.
func (k AesKey) CurrentMixHash() MixHash {
	return k.MixHash(MinuteSlot(time.Now()))
}

func (h MixHash) String() string {
	return hex.EncodeToString(h[:])
}

// SealKey seals key to the remote box public key.
func SealKey(key AesKey, remoteBoxPublic [32]byte) ([]byte, error) {
	sealed, err := box.SealAnonymous(nil, key[:], &remoteBoxPublic, rand.Reader)
	if err != nil {
		return nil, fmt.Errorf("failed to seal aes key: %w", err)
	}
	return sealed, nil
}
