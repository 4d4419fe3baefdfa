package group

import (
	"fmt"
	"runtime"
	"sync"

	"github.com/opd-ai/swarmchat/crypto"
	"github.com/opd-ai/swarmchat/messaging"
)

// DefaultReserveAttempts bounds how often Reserve retries a held slot.
const DefaultReserveAttempts = 64

type pendingSlot struct {
	keyPair *crypto.KeyPair
}

// reserved marks a slot taken by a rotation that has not generated its key
// pair yet.
var reserved = &pendingSlot{}

// PendingKeyPairs tracks at most one in-flight encryption key pair per
// group. A slot moves from absent to reserved to populated and back to
// absent. It is safe for concurrent use.
type PendingKeyPairs struct {
	slots    sync.Map // group public key -> *pendingSlot
	attempts int
}

// NewPendingKeyPairs creates an empty registry. attempts <= 0 selects
// DefaultReserveAttempts.
func NewPendingKeyPairs(attempts int) *PendingKeyPairs {
	if attempts <= 0 {
		attempts = DefaultReserveAttempts
	}
	return &PendingKeyPairs{attempts: attempts}
}

// Reserve claims the slot for groupPublicKey. While another rotation holds
// it, Reserve yields and retries; once its attempts are exhausted it returns
// messaging.ErrRotationInProgress.
func (p *PendingKeyPairs) Reserve(groupPublicKey string) error {
	for i := 0; i < p.attempts; i++ {
		if _, loaded := p.slots.LoadOrStore(groupPublicKey, reserved); !loaded {
			return nil
		}
		runtime.Gosched()
	}
	return fmt.Errorf("%w: group %s", messaging.ErrRotationInProgress, crypto.KeyPreview(groupPublicKey))
}

// Populate stores kp in a slot previously claimed with Reserve.
func (p *PendingKeyPairs) Populate(groupPublicKey string, kp *crypto.KeyPair) error {
	if kp == nil {
		return fmt.Errorf("populate %s: nil key pair", crypto.KeyPreview(groupPublicKey))
	}
	if !p.slots.CompareAndSwap(groupPublicKey, reserved, &pendingSlot{keyPair: kp}) {
		return fmt.Errorf("populate %s: slot not reserved", crypto.KeyPreview(groupPublicKey))
	}
	return nil
}

// Get returns the populated pending key pair, or nil when the slot is absent
// or only reserved.
func (p *PendingKeyPairs) Get(groupPublicKey string) *crypto.KeyPair {
	v, ok := p.slots.Load(groupPublicKey)
	if !ok {
		return nil
	}
	return v.(*pendingSlot).keyPair
}

// Clear releases the slot.
func (p *PendingKeyPairs) Clear(groupPublicKey string) {
	p.slots.Delete(groupPublicKey)
}
