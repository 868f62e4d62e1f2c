package crypto

import (
	"crypto/rand"
	"encoding/binary"
	"errors"

	"github.com/flynn/noise"
)

const (
	// BoxNonceSize is the explicit nonce prefix of an encrypted region.
	BoxNonceSize = 8
	// BoxTagSize is the AES-GCM authentication tag size.
	BoxTagSize = 16
	// BoxOverhead is the total growth of a region after EncryptInPlace.
	BoxOverhead = BoxNonceSize + BoxTagSize
)

var (
	// ErrBufferTooSmall is returned when a region cannot grow in place.
	ErrBufferTooSmall = errors.New("buffer too small for encrypted region")
	// ErrDecrypt is returned when a region fails authentication.
	ErrDecrypt = errors.New("failed to decrypt region")
)

func (k AesKey) cipher() noise.Cipher {
	return noise.CipherAESGCM.Cipher(k)
}

// EncryptInPlace seals the plaintext stored at buf[BoxNonceSize:BoxNonceSize+plainLen]
// over itself, writing the nonce into buf[:BoxNonceSize]. It returns the
// total region length, which is always plainLen+BoxOverhead.
func (k AesKey) EncryptInPlace(buf []byte, plainLen int) (int, error) {
	total := plainLen + BoxOverhead
	if plainLen < 0 || len(buf) < total {
		return 0, ErrBufferTooSmall
	}

	var nonce [BoxNonceSize]byte
	if _, err := rand.Read(nonce[:]); err != nil {
		return 0, err
	}
	copy(buf[:BoxNonceSize], nonce[:])

	n := binary.BigEndian.Uint64(nonce[:])
	plain := buf[BoxNonceSize : BoxNonceSize+plainLen]
	sealed := k.cipher().Encrypt(plain[:0], n, nil, plain)
	return BoxNonceSize + len(sealed), nil
}

// DecryptInPlace opens an encrypted region and returns the plaintext as a
// sub-slice of region. The result aliases region and is only valid while
// region is.
func (k AesKey) DecryptInPlace(region []byte) ([]byte, error) {
	if len(region) < BoxOverhead {
		return nil, ErrDecrypt
	}
	n := binary.BigEndian.Uint64(region[:BoxNonceSize])
	sealed := region[BoxNonceSize:]
	plain, err := k.cipher().Decrypt(sealed[:0], n, nil, sealed)
	if err != nil {
		return nil, ErrDecrypt
	}
	return plain, nil
}
