package swarm

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"

	"github.com/flynn/noise"
)

const (
	// maxChunk is the largest plaintext sealed into one Noise frame.
	maxChunk = noise.MaxMsgLen - 16
	// MaxFrameMessage bounds a request or response on a secure link.
	MaxFrameMessage = 16 << 20
)

var errMessageTooLarge = errors.New("message too large")

func writeHandshakeFrame(w io.Writer, msg []byte) error {
	var hdr [2]byte
	binary.BigEndian.PutUint16(hdr[:], uint16(len(msg)))
	if _, err := w.Write(hdr[:]); err != nil {
		return err
	}
	_, err := w.Write(msg)
	return err
}

func readHandshakeFrame(r io.Reader) ([]byte, error) {
	var hdr [2]byte
	if _, err := io.ReadFull(r, hdr[:]); err != nil {
		return nil, err
	}
	msg := make([]byte, binary.BigEndian.Uint16(hdr[:]))
	if _, err := io.ReadFull(r, msg); err != nil {
		return nil, err
	}
	return msg, nil
}

// writeSealed writes a length header followed by the message split into
// encrypted chunks.
func writeSealed(w io.Writer, cs *noise.CipherState, msg []byte) error {
	if len(msg) > MaxFrameMessage {
		return errMessageTooLarge
	}
	var hdr [4]byte
	binary.BigEndian.PutUint32(hdr[:], uint32(len(msg)))
	if _, err := w.Write(hdr[:]); err != nil {
		return err
	}
	for off := 0; ; {
		end := min(off+maxChunk, len(msg))
		ct, err := cs.Encrypt(nil, nil, msg[off:end])
		if err != nil {
			return err
		}
		if err := writeHandshakeFrame(w, ct); err != nil {
			return err
		}
		if end == len(msg) {
			return nil
		}
		off = end
	}
}

func readSealed(r io.Reader, cs *noise.CipherState) ([]byte, error) {
	var hdr [4]byte
	if _, err := io.ReadFull(r, hdr[:]); err != nil {
		return nil, err
	}
	total := int(binary.BigEndian.Uint32(hdr[:]))
	if total > MaxFrameMessage {
		return nil, errMessageTooLarge
	}
	msg := make([]byte, 0, total)
	for {
		ct, err := readHandshakeFrame(r)
		if err != nil {
			return nil, err
		}
		pt, err := cs.Decrypt(nil, nil, ct)
		if err != nil {
			return nil, fmt.Errorf("decrypt frame: %w", err)
		}
		msg = append(msg, pt...)
		if len(msg) > total {
			return nil, fmt.Errorf("frame overruns declared length")
		}
		if len(msg) == total {
			return msg, nil
		}
	}
}
