package crypto

import (
	"encoding/hex"

	"github.com/sirupsen/logrus"
)

const previewBytes = 8

// SecureFieldHash returns log fields for sensitive data under name: the hex
// of its first bytes and its length, never the full value.
func SecureFieldHash(data []byte, name string) logrus.Fields {
	preview := "nil"
	switch {
	case len(data) > previewBytes:
		preview = hex.EncodeToString(data[:previewBytes]) + "..."
	case len(data) > 0:
		preview = hex.EncodeToString(data)
	}
	return logrus.Fields{
		name + "_preview": preview,
		name + "_size":    len(data),
	}
}

// KeyPreview shortens an identifier for log output.
func KeyPreview(id string) string {
	if len(id) <= 12 {
		return id
	}
	return id[:12] + "..."
}
