package crypto

import (
	"crypto/subtle"
	"errors"
	"runtime"
)

// SecureWipe overwrites a byte slice holding secret material with zeros.
// It returns an error if the slice is nil.
func SecureWipe(data []byte) error {
	if data == nil {
		return errors.New("cannot wipe nil data")
	}

	zeros := make([]byte, len(data))
	subtle.ConstantTimeCompare(data, zeros)
	copy(data, zeros)

	runtime.KeepAlive(data)
	runtime.KeepAlive(zeros)
	return nil
}

// ZeroBytes wipes data, ignoring the nil case.
func ZeroBytes(data []byte) {
	_ = SecureWipe(data)
}

// Wipe erases the identity's secrets. The identity is unusable afterwards.
func (id *Identity) Wipe() {
	ZeroBytes(id.signSeed[:])
	ZeroBytes(id.box.Private[:])
}
