package storage

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/opd-ai/swarmchat/crypto"
	"github.com/opd-ai/swarmchat/group"
	"github.com/opd-ai/swarmchat/messaging"
)

func openTestStore(t *testing.T) *BoltStore {
	t.Helper()
	s, err := Open(filepath.Join(t.TempDir(), "swarmchat.db"))
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func TestIdentityPersists(t *testing.T) {
	path := filepath.Join(t.TempDir(), "swarmchat.db")
	s, err := Open(path)
	require.NoError(t, err)

	_, err = s.UserIdentity()
	assert.ErrorIs(t, err, ErrNotFound)

	id, err := crypto.GenerateIdentity()
	require.NoError(t, err)
	require.NoError(t, s.SetUserIdentity(id))
	require.NoError(t, s.SetUserProfile(&messaging.Profile{DisplayName: "alice"}))
	require.NoError(t, s.Close())

	s, err = Open(path)
	require.NoError(t, err)
	defer s.Close()

	loaded, err := s.UserIdentity()
	require.NoError(t, err)
	assert.Equal(t, id.SessionID(), loaded.SessionID())

	p, err := s.UserProfile()
	require.NoError(t, err)
	assert.Equal(t, "alice", p.DisplayName)
}

func TestContactProfile(t *testing.T) {
	s := openTestStore(t)
	_, err := s.ContactProfile("05b")
	assert.ErrorIs(t, err, ErrNotFound)

	require.NoError(t, s.UpdateContactProfile("05b", &messaging.Profile{DisplayName: "bob"}))
	p, err := s.ContactProfile("05b")
	require.NoError(t, err)
	assert.Equal(t, "bob", p.DisplayName)
}

func TestGroupRecordUpdates(t *testing.T) {
	s := openTestStore(t)

	_, err := s.Group("05g")
	assert.ErrorIs(t, err, ErrNotFound)

	r, err := group.NewRecord("05g", "friends", []string{"a", "b"}, []string{"a"}, 10)
	require.NoError(t, err)
	require.NoError(t, s.SaveGroup(r))

	updated, err := s.UpdateGroup("05g", func(r *group.Record) error {
		r.Title = "family"
		r.Zombies = append(r.Zombies, "b")
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, "family", updated.Title)

	loaded, err := s.Group("05g")
	require.NoError(t, err)
	assert.Equal(t, "family", loaded.Title)
	assert.Equal(t, []string{"b"}, loaded.Zombies)
	assert.True(t, loaded.Active)
	assert.Equal(t, int64(10), loaded.FormationTimestamp)

	_, err = s.UpdateGroup("05g", func(r *group.Record) error {
		r.Title = "discarded"
		return messaging.ErrInvalidClosedGroupUpdate
	})
	assert.ErrorIs(t, err, messaging.ErrInvalidClosedGroupUpdate)
	loaded, err = s.Group("05g")
	require.NoError(t, err)
	assert.Equal(t, "family", loaded.Title, "failed update must not be written")

	keys, err := s.AllClosedGroupPublicKeys()
	require.NoError(t, err)
	assert.Equal(t, []string{"05g"}, keys)
}

func TestKeyPairHistoryIsMonotonic(t *testing.T) {
	s := openTestStore(t)

	_, err := s.LatestClosedGroupEncryptionKeyPair("05g")
	assert.ErrorIs(t, err, ErrNotFound)

	var pairs []*crypto.KeyPair
	for i := 0; i < 3; i++ {
		kp, err := crypto.GenerateKeyPair()
		require.NoError(t, err)
		pairs = append(pairs, kp)

		added, err := s.AddClosedGroupEncryptionKeyPair("05g", kp, int64(i))
		require.NoError(t, err)
		assert.True(t, added)

		latest, err := s.LatestClosedGroupEncryptionKeyPair("05g")
		require.NoError(t, err)
		assert.True(t, kp.Equal(latest))

		history, err := s.ClosedGroupEncryptionKeyPairs("05g")
		require.NoError(t, err)
		require.Len(t, history, i+1)
		for j := range history {
			assert.True(t, pairs[j].Equal(history[j]), "history order at %d", j)
		}
	}

	dup := &crypto.KeyPair{Public: pairs[1].Public, Private: pairs[1].Private}
	added, err := s.AddClosedGroupEncryptionKeyPair("05g", dup, 99)
	require.NoError(t, err)
	assert.False(t, added, "equal pair must not be appended twice")

	history, err := s.ClosedGroupEncryptionKeyPairs("05g")
	require.NoError(t, err)
	assert.Len(t, history, 3)

	require.NoError(t, s.RemoveAllClosedGroupEncryptionKeyPairs("05g"))
	history, err = s.ClosedGroupEncryptionKeyPairs("05g")
	require.NoError(t, err)
	assert.Empty(t, history)
	require.NoError(t, s.RemoveAllClosedGroupEncryptionKeyPairs("05g"))
}

func TestThreads(t *testing.T) {
	s := openTestStore(t)

	_, err := s.ThreadID("05b")
	assert.ErrorIs(t, err, ErrNotFound)
	assert.ErrorIs(t, s.SetExpirationTimer("05b", 30), ErrNotFound)

	first, err := s.GetOrCreateThreadID("05b")
	require.NoError(t, err)
	again, err := s.GetOrCreateThreadID("05b")
	require.NoError(t, err)
	assert.Equal(t, first, again)

	other, err := s.GetOrCreateThreadID("05c")
	require.NoError(t, err)
	assert.NotEqual(t, first, other)

	require.NoError(t, s.SetExpirationTimer("05b", 30))
	timer, err := s.ExpirationTimer("05b")
	require.NoError(t, err)
	assert.Equal(t, uint32(30), timer)

	id, err := s.ThreadID("05b")
	require.NoError(t, err)
	assert.Equal(t, first, id)
}

func TestPersistIsIdempotent(t *testing.T) {
	s := openTestStore(t)

	rec := &MessageRecord{ThreadID: 1, Author: "05a", SentTimestamp: 1000, Body: "hi"}
	require.NoError(t, s.Persist(rec))

	err := s.Persist(&MessageRecord{ThreadID: 1, Author: "05a", SentTimestamp: 1000, Body: "changed"})
	assert.ErrorIs(t, err, messaging.ErrDuplicateMessage)

	require.NoError(t, s.Persist(&MessageRecord{ThreadID: 1, Author: "05b", SentTimestamp: 1000, Body: "other"}))

	loaded, err := s.MessageByTimestamp("05a", 1000)
	require.NoError(t, err)
	assert.Equal(t, "hi", loaded.Body)
}

func TestMessageStateTransitions(t *testing.T) {
	s := openTestStore(t)

	require.NoError(t, s.Persist(&MessageRecord{Author: "05a", SentTimestamp: 1, Outgoing: true, State: messaging.MessageStateSending}))
	require.NoError(t, s.Persist(&MessageRecord{Author: "05a", SentTimestamp: 2, Outgoing: true, State: messaging.MessageStateSending}))

	require.NoError(t, s.SetErrorMessage("05a", 1, "all nodes failed"))
	rec, err := s.MessageByTimestamp("05a", 1)
	require.NoError(t, err)
	assert.Equal(t, messaging.MessageStateFailed, rec.State)
	assert.Equal(t, "all nodes failed", rec.Error)

	require.NoError(t, s.MarkAsSent("05a", 1))
	rec, err = s.MessageByTimestamp("05a", 1)
	require.NoError(t, err)
	assert.Equal(t, messaging.MessageStateSent, rec.State)
	assert.Empty(t, rec.Error)

	n, err := s.MarkAsRead("05a", []int64{1, 2, 3})
	require.NoError(t, err)
	assert.Equal(t, 2, n)
	n, err = s.MarkAsRead("05a", []int64{1})
	require.NoError(t, err)
	assert.Zero(t, n)

	require.NoError(t, s.StartExpiration("05a", 2, 500))
	require.NoError(t, s.StartExpiration("05a", 2, 900))
	rec, err = s.MessageByTimestamp("05a", 2)
	require.NoError(t, err)
	assert.Equal(t, int64(500), rec.ExpirationStartedAt)

	assert.ErrorIs(t, s.MarkAsSent("05a", 42), ErrNotFound)
}

func TestAttachments(t *testing.T) {
	s := openTestStore(t)
	_, err := s.Attachment("x")
	assert.ErrorIs(t, err, ErrNotFound)

	require.NoError(t, s.SaveAttachment(&AttachmentRecord{ID: "x", FileName: "a.png"}))
	a, err := s.Attachment("x")
	require.NoError(t, err)
	assert.Equal(t, AttachmentPending, a.State)

	a.State = AttachmentDownloaded
	a.Data = []byte{1, 2, 3}
	require.NoError(t, s.SaveAttachment(a))
	a, err = s.Attachment("x")
	require.NoError(t, err)
	assert.Equal(t, []byte{1, 2, 3}, a.Data)
}
