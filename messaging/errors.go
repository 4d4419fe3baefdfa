package messaging

import (
	"errors"
	"fmt"
)

// Sentinel errors shared by the sender, receiver and encryption layers.
// Classify them with errors.Is and IsRetryable.
var (
	// ErrInvalidMessage indicates a structurally invalid payload for its kind.
	ErrInvalidMessage = errors.New("invalid message")

	// ErrSigningFailed indicates the local signing operation failed.
	ErrSigningFailed = errors.New("couldn't sign message")

	// ErrEncryptionFailed indicates the local seal operation failed.
	ErrEncryptionFailed = errors.New("couldn't encrypt message")

	// ErrDecryptionFailed indicates a ciphertext could not be opened. It may
	// resolve once a late key pair arrives.
	ErrDecryptionFailed = errors.New("couldn't decrypt message")

	// ErrInvalidSignature indicates an authenticity check failed.
	ErrInvalidSignature = errors.New("invalid message signature")

	// ErrNoThread indicates the thread for a message does not exist yet.
	ErrNoThread = errors.New("couldn't find thread for message")

	// ErrNoKeyPair indicates no closed group encryption key pair is stored.
	ErrNoKeyPair = errors.New("couldn't find closed group encryption key pair")

	// ErrInvalidClosedGroupUpdate indicates a violation of group authority or
	// consistency rules.
	ErrInvalidClosedGroupUpdate = errors.New("invalid closed group update")

	// ErrDuplicateMessage indicates the (sender, sentTimestamp) pair was
	// already processed.
	ErrDuplicateMessage = errors.New("duplicate message")

	// ErrSelfSend indicates a message from the local user of a kind that is
	// never valid as a self send.
	ErrSelfSend = errors.New("message addressed at self")

	// ErrInvalidDestination indicates a message kind that cannot be sent to
	// the chosen destination variant.
	ErrInvalidDestination = fmt.Errorf("%w: destination not valid for message kind", ErrInvalidMessage)

	// ErrRotationInProgress indicates another key pair generation holds the
	// pending slot for the group.
	ErrRotationInProgress = errors.New("closed group key rotation already in progress")

	// ErrSendFailed indicates every storage node rejected the message.
	ErrSendFailed = errors.New("message could not be stored on any node")
)

// nonRetryable lists the kinds a job queue must not resubmit.
var nonRetryable = []error{
	ErrInvalidMessage,
	ErrSigningFailed,
	ErrEncryptionFailed,
	ErrInvalidSignature,
	ErrInvalidClosedGroupUpdate,
	ErrDuplicateMessage,
	ErrSelfSend,
}

// ProtocolError attaches the failing operation to an error kind.
type ProtocolError struct {
	Op  string // operation that caused the error
	Err error  // underlying error, usually wrapping a sentinel
}

func (e *ProtocolError) Error() string {
	return fmt.Sprintf("%s: %v", e.Op, e.Err)
}

func (e *ProtocolError) Unwrap() error {
	return e.Err
}

// NewError wraps err with the operation name.
func NewError(op string, err error) error {
	if err == nil {
		return nil
	}
	return &ProtocolError{Op: op, Err: err}
}

// Errorf wraps kind with a formatted detail and the operation name.
func Errorf(op string, kind error, format string, args ...interface{}) error {
	return &ProtocolError{Op: op, Err: fmt.Errorf("%w: %s", kind, fmt.Sprintf(format, args...))}
}

// IsRetryable reports whether a failed operation may succeed when resubmitted.
// Errors outside the taxonomy (transport failures, timeouts) are retryable.
func IsRetryable(err error) bool {
	if err == nil {
		return false
	}
	for _, kind := range nonRetryable {
		if errors.Is(err, kind) {
			return false
		}
	}
	return true
}
