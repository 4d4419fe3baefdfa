package crypto

import (
	"errors"
	"runtime"
)

// ErrNilKeyMaterial is returned when asked to wipe nothing.
var ErrNilKeyMaterial = errors.New("crypto: nil key material")

// ZeroBytes overwrites data with zeros. Nil input is a no-op.
func ZeroBytes(data []byte) {
	clear(data)
	runtime.KeepAlive(data)
}

// SecureWipe is ZeroBytes for callers that must not silently accept a
// missing buffer.
func SecureWipe(data []byte) error {
	if data == nil {
		return ErrNilKeyMaterial
	}
	ZeroBytes(data)
	return nil
}

// WipeKeyPair erases the private half of kp.
func WipeKeyPair(kp *KeyPair) error {
	if kp == nil {
		return ErrNilKeyMaterial
	}
	return SecureWipe(kp.Private[:])
}
