package receiver

import (
	"context"
	"sync"
	"time"

	"github.com/opd-ai/swarmchat/storage"
)

// ReadTracker is told when a contact has read messages the local user sent.
type ReadTracker interface {
	MessagesRead(ctx context.Context, reader string, timestamps []int64) error
}

// TypingTracker keeps the typing state of senders per thread.
type TypingTracker interface {
	Started(threadID int64, sender string)
	Stopped(threadID int64, sender string)
}

// Notifier is asked to refresh notifications after a visible message was
// stored.
type Notifier interface {
	MessageReceived(threadID int64, rec *storage.MessageRecord)
}

// KeyDistributor sends closed group key pairs. *sender.Sender implements it.
type KeyDistributor interface {
	SendLatestKeyPairTo(ctx context.Context, member, groupPublicKey string) error
	GenerateAndDistributeNewKeyPair(ctx context.Context, groupPublicKey string, targetMembers []string) error
}

// storeReadTracker marks the local user's own messages as read in the store.
type storeReadTracker struct {
	store  storage.MessageStore
	selfID string
}

func (t *storeReadTracker) MessagesRead(_ context.Context, _ string, timestamps []int64) error {
	_, err := t.store.MarkAsRead(t.selfID, timestamps)
	return err
}

type typingKey struct {
	threadID int64
	sender   string
}

// TypingState is an in-memory TypingTracker. An indicator lapses after
// Timeout without a refresh.
type TypingState struct {
	Timeout time.Duration

	mu      sync.Mutex
	started map[typingKey]time.Time
	now     func() time.Time
}

// NewTypingState returns a TypingState whose indicators lapse after timeout.
func NewTypingState(timeout time.Duration) *TypingState {
	return &TypingState{Timeout: timeout, started: make(map[typingKey]time.Time), now: time.Now}
}

func (t *TypingState) Started(threadID int64, sender string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.started[typingKey{threadID, sender}] = t.now()
}

func (t *TypingState) Stopped(threadID int64, sender string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.started, typingKey{threadID, sender})
}

// IsTyping reports whether sender is currently typing in threadID.
func (t *TypingState) IsTyping(threadID int64, sender string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	at, ok := t.started[typingKey{threadID, sender}]
	if !ok {
		return false
	}
	if t.Timeout > 0 && t.now().Sub(at) > t.Timeout {
		delete(t.started, typingKey{threadID, sender})
		return false
	}
	return true
}

type nopNotifier struct{}

func (nopNotifier) MessageReceived(int64, *storage.MessageRecord) {}
