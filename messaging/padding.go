package messaging

import (
	"crypto/rand"
	"encoding/binary"
	"errors"
	"fmt"
)

// ErrInvalidPaddedMessage is returned when attempting to unpad an invalid
// message.
var ErrInvalidPaddedMessage = errors.New("invalid padded message")

const (
	// DefaultPaddingBlockSize is the block size plaintexts are padded to.
	DefaultPaddingBlockSize = 160

	// LengthPrefixSize is the size of the length prefix.
	LengthPrefixSize = 4
)

// Pad prefixes message with its length and fills it with random bytes up to
// the next multiple of blockSize, hiding the exact plaintext size from
// storage nodes.
func Pad(message []byte, blockSize int) ([]byte, error) {
	if blockSize <= 0 {
		blockSize = DefaultPaddingBlockSize
	}
	originalLen := len(message)
	if uint64(originalLen) > uint64(^uint32(0)) {
		return nil, fmt.Errorf("%w: message too large to pad", ErrInvalidMessage)
	}

	needed := originalLen + LengthPrefixSize
	targetSize := ((needed + blockSize - 1) / blockSize) * blockSize

	padded := make([]byte, targetSize)
	binary.BigEndian.PutUint32(padded[:LengthPrefixSize], uint32(originalLen))
	copy(padded[LengthPrefixSize:], message)

	if targetSize > needed {
		if _, err := rand.Read(padded[needed:]); err != nil {
			return nil, err
		}
	}
	return padded, nil
}

// Unpad extracts the original message from Pad output.
func Unpad(padded []byte) ([]byte, error) {
	if len(padded) < LengthPrefixSize {
		return nil, ErrInvalidPaddedMessage
	}

	originalLen := binary.BigEndian.Uint32(padded[:LengthPrefixSize])
	if uint64(originalLen) > uint64(len(padded)-LengthPrefixSize) {
		return nil, ErrInvalidPaddedMessage
	}

	return padded[LengthPrefixSize : LengthPrefixSize+int(originalLen)], nil
}
