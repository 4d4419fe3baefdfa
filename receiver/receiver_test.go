package receiver

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/opd-ai/swarmchat/crypto"
	"github.com/opd-ai/swarmchat/group"
	"github.com/opd-ai/swarmchat/jobqueue"
	"github.com/opd-ai/swarmchat/messaging"
	"github.com/opd-ai/swarmchat/storage"
)

func visible(text string) *messaging.Message {
	return &messaging.Message{Kind: &messaging.VisibleMessage{Text: text}}
}

func TestReceiveVisibleMessage(t *testing.T) {
	ctx := context.Background()
	net := newTestSwarm()
	alice := newPeer(t, net)
	bob := newPeer(t, net)
	require.NoError(t, alice.store.SetUserProfile(&messaging.Profile{DisplayName: "alice"}))

	msg := visible("hi bob")
	require.NoError(t, alice.sender.Send(ctx, msg, messaging.Contact{PublicKey: bob.id()}))

	n, err := bob.receiver.Poll(ctx, bob.id(), nil)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	rec, err := bob.store.MessageByTimestamp(alice.id(), msg.SentTimestamp)
	require.NoError(t, err)
	assert.Equal(t, "hi bob", rec.Body)
	assert.False(t, rec.Outgoing)
	threadID, err := bob.store.ThreadID(alice.id())
	require.NoError(t, err)
	assert.Equal(t, threadID, rec.ThreadID)

	profile, err := bob.store.ContactProfile(alice.id())
	require.NoError(t, err)
	assert.Equal(t, "alice", profile.DisplayName)
	assert.Equal(t, 1, bob.notifier.count())

	// The sync copy lands in the thread with bob on alice's side.
	n, err = alice.receiver.Poll(ctx, alice.id(), nil)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	own, err := alice.store.MessageByTimestamp(alice.id(), msg.SentTimestamp)
	require.NoError(t, err)
	assert.True(t, own.Outgoing)
	bobThread, err := alice.store.ThreadID(bob.id())
	require.NoError(t, err)
	assert.Equal(t, bobThread, own.ThreadID)
}

func TestReceiveIsIdempotent(t *testing.T) {
	ctx := context.Background()
	net := newTestSwarm()
	alice := newPeer(t, net)
	bob := newPeer(t, net)

	require.NoError(t, alice.sender.Send(ctx, visible("once"), messaging.Contact{PublicKey: bob.id()}))
	items, err := net.Retrieve(ctx, bob.id())
	require.NoError(t, err)
	require.Len(t, items, 1)

	_, err = bob.receiver.Receive(ctx, items[0], nil)
	require.NoError(t, err)
	_, err = bob.receiver.Receive(ctx, items[0], nil)
	assert.ErrorIs(t, err, messaging.ErrDuplicateMessage)

	// A fresh receiver without the cache falls back to the store.
	fresh, err := New(bob.identity, bob.store, net)
	require.NoError(t, err)
	_, err = fresh.Receive(ctx, items[0], nil)
	assert.ErrorIs(t, err, messaging.ErrDuplicateMessage)
	assert.False(t, messaging.IsRetryable(err))

	n, err := bob.receiver.Poll(ctx, bob.id(), nil)
	require.NoError(t, err)
	assert.Zero(t, n)
	assert.Equal(t, 1, bob.notifier.count())
}

func TestReceiveRejectsTamperedEnvelope(t *testing.T) {
	ctx := context.Background()
	net := newTestSwarm()
	alice := newPeer(t, net)
	bob := newPeer(t, net)

	require.NoError(t, alice.sender.Send(ctx, visible("secret"), messaging.Contact{PublicKey: bob.id()}))
	items, err := net.Retrieve(ctx, bob.id())
	require.NoError(t, err)
	env, err := messaging.UnmarshalEnvelope(items[0])
	require.NoError(t, err)

	for _, i := range []int{0, len(env.Content) / 2, len(env.Content) - 1} {
		tampered := *env
		tampered.Content = append([]byte(nil), env.Content...)
		tampered.Content[i] ^= 0x01
		data, err := tampered.Marshal()
		require.NoError(t, err)

		_, _, err = bob.receiver.Parse(data, nil)
		require.Error(t, err)
		assert.True(t, errors.Is(err, messaging.ErrDecryptionFailed) || errors.Is(err, messaging.ErrInvalidSignature), "byte %d: %v", i, err)
	}

	// Only bob can open it.
	carol := newPeer(t, net)
	_, _, err = carol.receiver.Parse(items[0], nil)
	assert.ErrorIs(t, err, messaging.ErrDecryptionFailed)
}

func TestReceiveRejectsTimestampMismatch(t *testing.T) {
	bob := newPeer(t, newTestSwarm())
	alice, err := crypto.GenerateIdentity()
	require.NoError(t, err)

	msg := visible("when?")
	msg.SentTimestamp = 1000
	data := seal(t, alice, bob.id(), msg, 2000)

	_, _, err = bob.receiver.Parse(data, nil)
	assert.ErrorIs(t, err, messaging.ErrInvalidMessage)
}

func TestReceiveRejectsInvalidSelfSend(t *testing.T) {
	bob := newPeer(t, newTestSwarm())

	msg := visible("talking to myself")
	msg.SentTimestamp = 1000
	_, _, err := bob.receiver.Parse(seal(t, bob.identity, bob.id(), msg, 1000), nil)
	assert.ErrorIs(t, err, messaging.ErrSelfSend)
	assert.False(t, messaging.IsRetryable(err))

	synced := &messaging.Message{SentTimestamp: 1001, Kind: &messaging.VisibleMessage{Text: "copy", SyncTarget: bob.id()}}
	_, _, err = bob.receiver.Parse(seal(t, bob.identity, bob.id(), synced, 1001), nil)
	assert.NoError(t, err)
}

func TestReadReceipt(t *testing.T) {
	ctx := context.Background()
	net := newTestSwarm()
	alice := newPeer(t, net)
	bob := newPeer(t, net)

	msg := visible("did you read this")
	msg.SentTimestamp = 5000
	require.NoError(t, alice.store.Persist(&storage.MessageRecord{Author: alice.id(), SentTimestamp: 5000, Outgoing: true}))
	require.NoError(t, alice.sender.Send(ctx, msg, messaging.Contact{PublicKey: bob.id()}))

	receipt := &messaging.Message{Kind: &messaging.ReadReceipt{Timestamps: []int64{5000}}}
	require.NoError(t, bob.sender.Send(ctx, receipt, messaging.Contact{PublicKey: alice.id()}))

	_, err := alice.receiver.Poll(ctx, alice.id(), nil)
	require.NoError(t, err)
	rec, err := alice.store.MessageByTimestamp(alice.id(), 5000)
	require.NoError(t, err)
	assert.Equal(t, messaging.MessageStateRead, rec.State)
}

func TestTypingIndicator(t *testing.T) {
	ctx := context.Background()
	net := newTestSwarm()
	alice := newPeer(t, net)
	bob := newPeer(t, net)

	typing := &messaging.Message{Kind: &messaging.TypingIndicator{Kind: messaging.TypingStarted}}
	require.NoError(t, bob.sender.Send(ctx, typing, messaging.Contact{PublicKey: alice.id()}))
	_, err := alice.receiver.Poll(ctx, alice.id(), nil)
	require.NoError(t, err)

	threadID, err := alice.store.ThreadID(bob.id())
	require.NoError(t, err)
	assert.True(t, alice.typing.IsTyping(threadID, bob.id()))

	// A visible message ends the indicator.
	require.NoError(t, bob.sender.Send(ctx, visible("done typing"), messaging.Contact{PublicKey: alice.id()}))
	_, err = alice.receiver.Poll(ctx, alice.id(), nil)
	require.NoError(t, err)
	assert.False(t, alice.typing.IsTyping(threadID, bob.id()))
}

func TestTypingStateLapses(t *testing.T) {
	ts := NewTypingState(time.Second)
	now := time.Unix(100, 0)
	ts.now = func() time.Time { return now }

	ts.Started(1, "a")
	assert.True(t, ts.IsTyping(1, "a"))
	now = now.Add(2 * time.Second)
	assert.False(t, ts.IsTyping(1, "a"))
}

func TestExpirationTimerUpdate(t *testing.T) {
	ctx := context.Background()
	net := newTestSwarm()
	alice := newPeer(t, net)
	bob := newPeer(t, net)

	update := &messaging.Message{Kind: &messaging.ExpirationTimerUpdate{Duration: 60}}
	require.NoError(t, bob.sender.Send(ctx, update, messaging.Contact{PublicKey: alice.id()}))
	_, err := alice.receiver.Poll(ctx, alice.id(), nil)
	require.NoError(t, err)

	timer, err := alice.store.ExpirationTimer(bob.id())
	require.NoError(t, err)
	assert.Equal(t, uint32(60), timer)

	require.NoError(t, bob.sender.Send(ctx, visible("vanishing"), messaging.Contact{PublicKey: alice.id()}))
	_, err = alice.receiver.Poll(ctx, alice.id(), nil)
	require.NoError(t, err)
	alice.notifier.mu.Lock()
	defer alice.notifier.mu.Unlock()
	require.Len(t, alice.notifier.received, 1)
	assert.Equal(t, uint32(60), alice.notifier.received[0].ExpiresIn)
}

func TestOpenGroupMessage(t *testing.T) {
	ctx := context.Background()
	net := newTestSwarm()
	alice := newPeer(t, net)
	bob := newPeer(t, net)

	msg := &messaging.Message{Kind: &messaging.VisibleMessage{
		Text:    "hello room",
		Profile: &messaging.Profile{DisplayName: "alice"},
	}}
	room := messaging.OpenGroup{Server: "https://og.example", Room: "lobby"}
	require.NoError(t, alice.sender.Send(ctx, msg, room))

	n, err := bob.receiver.Poll(ctx, messaging.Target(room), nil)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	rec, err := bob.store.MessageByTimestamp(alice.id(), msg.SentTimestamp)
	require.NoError(t, err)
	assert.Equal(t, "https://og.example/lobby", rec.OpenGroupServer)
	_, err = bob.store.ContactProfile(alice.id())
	assert.ErrorIs(t, err, storage.ErrNotFound)
}

func TestBlindedInboxMessage(t *testing.T) {
	ctx := context.Background()
	net := newTestSwarm()
	alice := newPeer(t, net)
	bob := newPeer(t, net)

	serverKP, err := crypto.GenerateIdentity()
	require.NoError(t, err)
	serverPK := serverKP.SigningPublicKey()
	bobBlinded, err := bob.identity.Blind(serverPK)
	require.NoError(t, err)

	dest := messaging.OpenGroupInbox{Server: "https://og.example", ServerPublicKey: serverPK, BlindedPublicKey: bobBlinded.ID()}
	msg := visible("psst")
	require.NoError(t, alice.sender.Send(ctx, msg, dest))

	og := &OpenGroupContext{Server: "https://og.example", ServerPublicKey: serverPK}
	n, err := bob.receiver.Poll(ctx, bobBlinded.ID(), og)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	rec, err := bob.store.MessageByTimestamp(alice.id(), msg.SentTimestamp)
	require.NoError(t, err)
	assert.Equal(t, "psst", rec.Body)

	// Without the server context the envelope cannot be opened.
	items, err := net.Retrieve(ctx, bobBlinded.ID())
	require.NoError(t, err)
	_, _, err = bob.receiver.Parse(items[0], nil)
	assert.ErrorIs(t, err, messaging.ErrDecryptionFailed)
}

func TestAttachmentDownload(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	net := newTestSwarm()
	q := jobqueue.New(jobqueue.Config{MaxRetries: 2, InitialInterval: time.Millisecond, MaxInterval: time.Millisecond})
	q.Start(ctx)
	defer q.Stop()

	alice := newPeer(t, net)
	bob := newPeer(t, net, WithQueue(q))

	fileID, err := net.Upload(ctx, []byte("picture bytes"), time.Hour)
	require.NoError(t, err)

	msg := &messaging.Message{Kind: &messaging.VisibleMessage{
		Text:        "look",
		Attachments: []messaging.Attachment{{ID: fileID, ContentType: "image/png", Size: 13}},
	}}
	require.NoError(t, alice.sender.Send(ctx, msg, messaging.Contact{PublicKey: bob.id()}))
	_, err = bob.receiver.Poll(ctx, bob.id(), nil)
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		a, err := bob.store.Attachment(fileID)
		return err == nil && a.State == storage.AttachmentDownloaded
	}, 5*time.Second, 10*time.Millisecond)

	a, err := bob.store.Attachment(fileID)
	require.NoError(t, err)
	assert.Equal(t, []byte("picture bytes"), a.Data)
	assert.Equal(t, "image/png", a.ContentType)
}

func TestClosedGroupLifecycle(t *testing.T) {
	ctx := context.Background()
	net := newTestSwarm()
	admin := newPeer(t, net)
	b := newPeer(t, net)
	c := newPeer(t, net)

	groupPK, err := admin.sender.CreateGroup(ctx, "Team", []string{b.id(), c.id()})
	require.NoError(t, err)

	for _, p := range []*peer{b, c} {
		n, err := p.receiver.Poll(ctx, p.id(), nil)
		require.NoError(t, err)
		assert.Equal(t, 1, n)

		rec, err := p.store.Group(groupPK)
		require.NoError(t, err)
		assert.True(t, rec.Active)
		assert.Equal(t, "Team", rec.Title)
		assert.Equal(t, []string{admin.id()}, rec.Admins)
		assert.ElementsMatch(t, []string{admin.id(), b.id(), c.id()}, rec.Members)
	}

	hello := visible("hello team")
	require.NoError(t, admin.sender.Send(ctx, hello, messaging.ClosedGroup{GroupPublicKey: groupPK}))
	for _, p := range []*peer{b, c} {
		n, err := p.receiver.Poll(ctx, groupPK, nil)
		require.NoError(t, err)
		assert.Equal(t, 1, n)
		rec, err := p.store.MessageByTimestamp(admin.id(), hello.SentTimestamp)
		require.NoError(t, err)
		groupThread, err := p.store.ThreadID(groupPK)
		require.NoError(t, err)
		assert.Equal(t, groupThread, rec.ThreadID)
	}

	require.NoError(t, admin.sender.RemoveMembers(ctx, groupPK, []string{b.id()}))

	_, err = c.receiver.Poll(ctx, groupPK, nil)
	require.NoError(t, err)
	cRec, err := c.store.Group(groupPK)
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{admin.id(), c.id()}, cRec.Members)
	cPairs, err := c.store.ClosedGroupEncryptionKeyPairs(groupPK)
	require.NoError(t, err)
	assert.Len(t, cPairs, 2)

	_, err = b.receiver.Poll(ctx, groupPK, nil)
	require.NoError(t, err)
	bRec, err := b.store.Group(groupPK)
	require.NoError(t, err)
	assert.False(t, bRec.Active)

	after := visible("without b")
	require.NoError(t, admin.sender.Send(ctx, after, messaging.ClosedGroup{GroupPublicKey: groupPK}))
	items, err := net.Retrieve(ctx, groupPK)
	require.NoError(t, err)
	last := items[len(items)-1]

	_, err = c.receiver.Receive(ctx, last, nil)
	require.NoError(t, err)
	_, err = b.receiver.Receive(ctx, last, nil)
	assert.ErrorIs(t, err, messaging.ErrNoKeyPair)
}

func TestKeyHistoryMonotonic(t *testing.T) {
	ctx := context.Background()
	net := newTestSwarm()
	admin := newPeer(t, net)
	b := newPeer(t, net)

	groupPK, err := admin.sender.CreateGroup(ctx, "Team", []string{b.id()})
	require.NoError(t, err)
	_, err = b.receiver.Poll(ctx, b.id(), nil)
	require.NoError(t, err)

	early := visible("under the first key")
	require.NoError(t, admin.sender.Send(ctx, early, messaging.ClosedGroup{GroupPublicKey: groupPK}))

	const rotations = 3
	for i := 0; i < rotations; i++ {
		require.NoError(t, admin.sender.GenerateAndDistributeNewKeyPair(ctx, groupPK, []string{admin.id(), b.id()}))
		_, err = b.receiver.Poll(ctx, groupPK, nil)
		require.NoError(t, err)
	}

	for _, p := range []*peer{admin, b} {
		pairs, err := p.store.ClosedGroupEncryptionKeyPairs(groupPK)
		require.NoError(t, err)
		assert.Len(t, pairs, rotations+1)
	}

	rec, err := b.store.MessageByTimestamp(admin.id(), early.SentTimestamp)
	require.NoError(t, err)
	assert.Equal(t, "under the first key", rec.Body)

	// The oldest retained pair still opens traffic sent under it.
	items, err := net.Retrieve(ctx, groupPK)
	require.NoError(t, err)
	fresh, err := New(b.identity, b.store, net)
	require.NoError(t, err)
	msg, _, err := fresh.Parse(items[0], nil)
	require.NoError(t, err)
	assert.Equal(t, "under the first key", msg.Kind.(*messaging.VisibleMessage).Text)
}

// groupFixture stores a group led by admin in local's store.
func groupFixture(t *testing.T, local *peer, admin string, members ...string) (*group.Record, *crypto.KeyPair) {
	t.Helper()
	groupPK, kp, err := group.NewGroupPublicKey()
	require.NoError(t, err)
	rec, err := group.NewRecord(groupPK, "Fixture", append([]string{admin}, members...), []string{admin}, 1000)
	require.NoError(t, err)
	require.NoError(t, local.store.SaveGroup(rec))
	_, err = local.store.AddClosedGroupEncryptionKeyPair(groupPK, kp, 1000)
	require.NoError(t, err)
	return rec, kp
}

func control(from, groupPK string, ts int64, c messaging.ControlKind) *messaging.Message {
	return &messaging.Message{
		Sender:         from,
		GroupPublicKey: groupPK,
		SentTimestamp:  ts,
		Kind:           &messaging.ClosedGroupControlMessage{Control: c},
	}
}

func TestMembersRemovedValidation(t *testing.T) {
	ctx := context.Background()
	local := newPeer(t, newTestSwarm())
	admin, err := crypto.GenerateIdentity()
	require.NoError(t, err)
	member, err := crypto.GenerateIdentity()
	require.NoError(t, err)
	stranger, err := crypto.GenerateIdentity()
	require.NoError(t, err)

	rec, _ := groupFixture(t, local, admin.SessionID(), local.id(), member.SessionID())

	tests := []struct {
		name    string
		msg     *messaging.Message
		wantErr error
	}{
		{"from non-admin", control(member.SessionID(), rec.PublicKey, 2000, &messaging.ControlMembersRemoved{Members: []string{local.id()}}), messaging.ErrInvalidClosedGroupUpdate},
		{"removes an admin", control(admin.SessionID(), rec.PublicKey, 2000, &messaging.ControlMembersRemoved{Members: []string{admin.SessionID(), member.SessionID()}}), messaging.ErrInvalidClosedGroupUpdate},
		{"predates the group", control(admin.SessionID(), rec.PublicKey, 500, &messaging.ControlMembersRemoved{Members: []string{member.SessionID()}}), messaging.ErrInvalidClosedGroupUpdate},
		{"from outsider", control(stranger.SessionID(), rec.PublicKey, 2000, &messaging.ControlMembersRemoved{Members: []string{member.SessionID()}}), messaging.ErrInvalidClosedGroupUpdate},
		// Known edge case: nobody named is a removable member locally, so
		// the update is dropped without error.
		{"nothing left to remove", control(admin.SessionID(), rec.PublicKey, 2000, &messaging.ControlMembersRemoved{Members: []string{stranger.SessionID()}}), nil},
	}
	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			err := local.receiver.Handle(ctx, tt.msg)
			if tt.wantErr == nil {
				require.NoError(t, err)
			} else {
				assert.ErrorIs(t, err, tt.wantErr)
			}
			after, err := local.store.Group(rec.PublicKey)
			require.NoError(t, err)
			assert.Equal(t, rec, after)
		})
	}

	require.NoError(t, local.receiver.Handle(ctx, control(admin.SessionID(), rec.PublicKey, 3000, &messaging.ControlMembersRemoved{Members: []string{member.SessionID()}})))
	after, err := local.store.Group(rec.PublicKey)
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{admin.SessionID(), local.id()}, after.Members)
	assert.True(t, after.Active)
}

func TestEncryptionKeyPairIgnoredFromNonAdminAndDuplicates(t *testing.T) {
	ctx := context.Background()
	local := newPeer(t, newTestSwarm())
	admin, err := crypto.GenerateIdentity()
	require.NoError(t, err)
	member, err := crypto.GenerateIdentity()
	require.NoError(t, err)

	rec, _ := groupFixture(t, local, admin.SessionID(), local.id(), member.SessionID())
	fresh, err := crypto.GenerateKeyPair()
	require.NoError(t, err)

	forged, err := group.WrapKeyPair(fresh, []string{local.id()}, member)
	require.NoError(t, err)
	require.NoError(t, local.receiver.Handle(ctx, control(member.SessionID(), rec.PublicKey, 2000, &messaging.ControlEncryptionKeyPair{Wrappers: forged})))
	pairs, err := local.store.ClosedGroupEncryptionKeyPairs(rec.PublicKey)
	require.NoError(t, err)
	assert.Len(t, pairs, 1)

	wrappers, err := group.WrapKeyPair(fresh, []string{local.id(), member.SessionID()}, admin)
	require.NoError(t, err)
	for ts := int64(3000); ts < 3002; ts++ {
		require.NoError(t, local.receiver.Handle(ctx, control(admin.SessionID(), rec.PublicKey, ts, &messaging.ControlEncryptionKeyPair{Wrappers: wrappers})))
	}
	pairs, err = local.store.ClosedGroupEncryptionKeyPairs(rec.PublicKey)
	require.NoError(t, err)
	require.Len(t, pairs, 2)
	assert.True(t, pairs[1].Equal(fresh))

	// No wrapper for the local user.
	other, err := group.WrapKeyPair(fresh, []string{member.SessionID()}, admin)
	require.NoError(t, err)
	assert.NoError(t, local.receiver.Handle(ctx, control(admin.SessionID(), rec.PublicKey, 4000, &messaging.ControlEncryptionKeyPair{Wrappers: other})))
}

func TestNewForExistingGroupRequiresStoredAdmin(t *testing.T) {
	ctx := context.Background()
	local := newPeer(t, newTestSwarm())
	admin, err := crypto.GenerateIdentity()
	require.NoError(t, err)
	member, err := crypto.GenerateIdentity()
	require.NoError(t, err)
	mallory, err := crypto.GenerateIdentity()
	require.NoError(t, err)

	rec, kp := groupFixture(t, local, admin.SessionID(), local.id(), member.SessionID())
	takeover, err := crypto.GenerateKeyPair()
	require.NoError(t, err)

	forgers := []struct {
		name string
		id   *crypto.Identity
	}{
		{"outsider", mallory},
		{"member", member},
	}
	for _, tt := range forgers {
		forger := tt.id
		t.Run(tt.name, func(t *testing.T) {
			forged := &messaging.Message{
				Sender:        forger.SessionID(),
				SentTimestamp: 2000,
				Kind: &messaging.ClosedGroupControlMessage{Control: &messaging.ControlNew{
					PublicKey:         rec.PublicKey,
					Name:              "pwned",
					EncryptionKeyPair: takeover,
					Members:           []string{local.id(), forger.SessionID()},
					Admins:            []string{forger.SessionID()},
				}},
			}
			err := local.receiver.Handle(ctx, forged)
			assert.ErrorIs(t, err, messaging.ErrInvalidClosedGroupUpdate)
			assert.False(t, messaging.IsRetryable(err))

			after, err := local.store.Group(rec.PublicKey)
			require.NoError(t, err)
			assert.Equal(t, rec, after)
			pairs, err := local.store.ClosedGroupEncryptionKeyPairs(rec.PublicKey)
			require.NoError(t, err)
			require.Len(t, pairs, 1)
			assert.True(t, pairs[0].Equal(kp))
		})
	}

	// A late New from the real admin still refreshes the membership.
	refresh := &messaging.Message{
		Sender:        admin.SessionID(),
		SentTimestamp: 3000,
		Kind: &messaging.ClosedGroupControlMessage{Control: &messaging.ControlNew{
			PublicKey:         rec.PublicKey,
			Name:              "Fixture",
			EncryptionKeyPair: kp,
			Members:           []string{admin.SessionID(), local.id()},
			Admins:            []string{admin.SessionID()},
		}},
	}
	require.NoError(t, local.receiver.Handle(ctx, refresh))
	after, err := local.store.Group(rec.PublicKey)
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{admin.SessionID(), local.id()}, after.Members)
	assert.Equal(t, rec.FormationTimestamp, after.FormationTimestamp)
}

func TestSecondDeviceFollowsOwnGroupUpdates(t *testing.T) {
	ctx := context.Background()
	net := newTestSwarm()
	laptop := newPeer(t, net)
	phone := newDevice(t, net, laptop.identity)
	b := newPeer(t, net)
	c := newPeer(t, net)

	groupPK, err := laptop.sender.CreateGroup(ctx, "Team", []string{b.id(), c.id()})
	require.NoError(t, err)
	for _, p := range []*peer{phone, b, c} {
		_, err := p.receiver.Poll(ctx, p.id(), nil)
		require.NoError(t, err)
	}
	joined, err := phone.store.Group(groupPK)
	require.NoError(t, err)
	assert.True(t, joined.Active)
	assert.Equal(t, []string{laptop.id()}, joined.Admins)

	require.NoError(t, laptop.sender.RemoveMembers(ctx, groupPK, []string{b.id()}))
	require.NoError(t, laptop.sender.SetName(ctx, groupPK, "Renamed"))
	mine := visible("sent from the laptop")
	require.NoError(t, laptop.sender.Send(ctx, mine, messaging.ClosedGroup{GroupPublicKey: groupPK}))

	n, err := phone.receiver.Poll(ctx, groupPK, nil)
	require.NoError(t, err)
	assert.Equal(t, 4, n)

	rec, err := phone.store.Group(groupPK)
	require.NoError(t, err)
	assert.Equal(t, "Renamed", rec.Title)
	assert.ElementsMatch(t, []string{laptop.id(), c.id()}, rec.Members)
	laptopPairs, err := laptop.store.ClosedGroupEncryptionKeyPairs(groupPK)
	require.NoError(t, err)
	phonePairs, err := phone.store.ClosedGroupEncryptionKeyPairs(groupPK)
	require.NoError(t, err)
	require.Len(t, phonePairs, len(laptopPairs))
	assert.True(t, phonePairs[len(phonePairs)-1].Equal(laptopPairs[len(laptopPairs)-1]))

	own, err := phone.store.MessageByTimestamp(laptop.id(), mine.SentTimestamp)
	require.NoError(t, err)
	assert.True(t, own.Outgoing)

	// The sending device sees its own echoes as no-ops.
	_, err = laptop.receiver.Poll(ctx, groupPK, nil)
	require.NoError(t, err)
	laptopRec, err := laptop.store.Group(groupPK)
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{laptop.id(), c.id()}, laptopRec.Members)
	again, err := laptop.store.ClosedGroupEncryptionKeyPairs(groupPK)
	require.NoError(t, err)
	assert.Len(t, again, len(laptopPairs))

	// Traffic under the rotated key opens on the second device.
	_, err = c.receiver.Poll(ctx, groupPK, nil)
	require.NoError(t, err)
	reply := visible("hi both of you")
	require.NoError(t, c.sender.Send(ctx, reply, messaging.ClosedGroup{GroupPublicKey: groupPK}))
	_, err = phone.receiver.Poll(ctx, groupPK, nil)
	require.NoError(t, err)
	got, err := phone.store.MessageByTimestamp(c.id(), reply.SentTimestamp)
	require.NoError(t, err)
	assert.Equal(t, "hi both of you", got.Body)
}

func TestMembersAddedByAdminSendsKeyPairs(t *testing.T) {
	ctx := context.Background()
	keys := &fakeKeys{}
	local := newPeer(t, newTestSwarm(), WithKeyDistributor(keys))
	coAdmin, err := crypto.GenerateIdentity()
	require.NoError(t, err)
	newcomer, err := crypto.GenerateIdentity()
	require.NoError(t, err)

	groupPK, kp, err := group.NewGroupPublicKey()
	require.NoError(t, err)
	rec, err := group.NewRecord(groupPK, "Admins", []string{local.id(), coAdmin.SessionID()}, []string{local.id(), coAdmin.SessionID()}, 1000)
	require.NoError(t, err)
	require.NoError(t, local.store.SaveGroup(rec))
	_, err = local.store.AddClosedGroupEncryptionKeyPair(groupPK, kp, 1000)
	require.NoError(t, err)

	msg := control(coAdmin.SessionID(), groupPK, 2000, &messaging.ControlMembersAdded{Members: []string{newcomer.SessionID()}})
	require.NoError(t, local.receiver.Handle(ctx, msg))

	after, err := local.store.Group(groupPK)
	require.NoError(t, err)
	assert.True(t, after.IsMember(newcomer.SessionID()))
	assert.Equal(t, []string{newcomer.SessionID()}, keys.latest)

	// The echo of an addition made on another device of the local admin.
	late, err := crypto.GenerateIdentity()
	require.NoError(t, err)
	echo := control(local.id(), groupPK, 3000, &messaging.ControlMembersAdded{Members: []string{late.SessionID()}})
	require.NoError(t, local.receiver.Handle(ctx, echo))
	after, err = local.store.Group(groupPK)
	require.NoError(t, err)
	assert.True(t, after.IsMember(late.SessionID()))
	assert.Equal(t, []string{newcomer.SessionID()}, keys.latest)
}

func TestMemberLeft(t *testing.T) {
	ctx := context.Background()

	t.Run("member becomes zombie and admin rotates", func(t *testing.T) {
		keys := &fakeKeys{}
		local := newPeer(t, newTestSwarm(), WithKeyDistributor(keys))
		a, err := crypto.GenerateIdentity()
		require.NoError(t, err)
		b, err := crypto.GenerateIdentity()
		require.NoError(t, err)

		rec, _ := groupFixture(t, local, local.id(), a.SessionID(), b.SessionID())
		require.NoError(t, local.receiver.Handle(ctx, control(a.SessionID(), rec.PublicKey, 2000, &messaging.ControlMemberLeft{})))

		after, err := local.store.Group(rec.PublicKey)
		require.NoError(t, err)
		assert.True(t, after.Active)
		assert.True(t, after.IsZombie(a.SessionID()))
		require.Len(t, keys.rotations, 1)
		assert.ElementsMatch(t, []string{local.id(), b.SessionID()}, keys.rotations[0].members)
	})

	t.Run("admin leaving disbands", func(t *testing.T) {
		local := newPeer(t, newTestSwarm())
		admin, err := crypto.GenerateIdentity()
		require.NoError(t, err)

		rec, _ := groupFixture(t, local, admin.SessionID(), local.id())
		require.NoError(t, local.receiver.Handle(ctx, control(admin.SessionID(), rec.PublicKey, 2000, &messaging.ControlMemberLeft{})))

		after, err := local.store.Group(rec.PublicKey)
		require.NoError(t, err)
		assert.False(t, after.Active)
		_, err = local.store.LatestClosedGroupEncryptionKeyPair(rec.PublicKey)
		assert.ErrorIs(t, err, storage.ErrNotFound)
	})

	t.Run("leaving from another device deactivates", func(t *testing.T) {
		keys := &fakeKeys{}
		local := newPeer(t, newTestSwarm(), WithKeyDistributor(keys))
		admin, err := crypto.GenerateIdentity()
		require.NoError(t, err)
		b, err := crypto.GenerateIdentity()
		require.NoError(t, err)

		rec, _ := groupFixture(t, local, admin.SessionID(), local.id(), b.SessionID())
		require.NoError(t, local.receiver.Handle(ctx, control(local.id(), rec.PublicKey, 2000, &messaging.ControlMemberLeft{})))

		after, err := local.store.Group(rec.PublicKey)
		require.NoError(t, err)
		assert.False(t, after.Active)
		assert.Empty(t, keys.rotations)
		_, err = local.store.LatestClosedGroupEncryptionKeyPair(rec.PublicKey)
		assert.ErrorIs(t, err, storage.ErrNotFound)
	})
}

func TestNameChange(t *testing.T) {
	ctx := context.Background()
	net := newTestSwarm()
	admin := newPeer(t, net)
	b := newPeer(t, net)

	groupPK, err := admin.sender.CreateGroup(ctx, "Team", []string{b.id()})
	require.NoError(t, err)
	_, err = b.receiver.Poll(ctx, b.id(), nil)
	require.NoError(t, err)

	require.NoError(t, admin.sender.SetName(ctx, groupPK, "Renamed"))
	_, err = b.receiver.Poll(ctx, groupPK, nil)
	require.NoError(t, err)

	rec, err := b.store.Group(groupPK)
	require.NoError(t, err)
	assert.Equal(t, "Renamed", rec.Title)
}

func TestNameChangeFromNonAdminRejected(t *testing.T) {
	ctx := context.Background()
	local := newPeer(t, newTestSwarm())
	admin, err := crypto.GenerateIdentity()
	require.NoError(t, err)
	member, err := crypto.GenerateIdentity()
	require.NoError(t, err)

	rec, _ := groupFixture(t, local, admin.SessionID(), local.id(), member.SessionID())
	err = local.receiver.Handle(ctx, control(member.SessionID(), rec.PublicKey, 2000, &messaging.ControlNameChange{Name: "Hijacked"}))
	assert.ErrorIs(t, err, messaging.ErrInvalidClosedGroupUpdate)
	after, err := local.store.Group(rec.PublicKey)
	require.NoError(t, err)
	assert.Equal(t, "Fixture", after.Title)

	require.NoError(t, local.receiver.Handle(ctx, control(admin.SessionID(), rec.PublicKey, 3000, &messaging.ControlNameChange{Name: "Renamed"})))
	after, err = local.store.Group(rec.PublicKey)
	require.NoError(t, err)
	assert.Equal(t, "Renamed", after.Title)
}

func TestConfigurationMessage(t *testing.T) {
	ctx := context.Background()
	local := newPeer(t, newTestSwarm())
	other, err := crypto.GenerateIdentity()
	require.NoError(t, err)

	groupPK, kp, err := group.NewGroupPublicKey()
	require.NoError(t, err)
	rawKP, err := messaging.MarshalKeyPair(kp)
	require.NoError(t, err)

	config := &messaging.ConfigurationMessage{
		DisplayName: "me on my phone",
		ClosedGroups: []messaging.ConfigClosedGroup{{
			PublicKey:         groupPK,
			Name:              "Synced",
			EncryptionKeyPair: rawKP,
			Members:           []string{local.id(), other.SessionID()},
			Admins:            []string{other.SessionID()},
		}},
	}

	err = local.receiver.Handle(ctx, &messaging.Message{Sender: other.SessionID(), SentTimestamp: 1000, Kind: config})
	assert.ErrorIs(t, err, messaging.ErrInvalidMessage)

	require.NoError(t, local.receiver.Handle(ctx, &messaging.Message{Sender: local.id(), SentTimestamp: 1000, Kind: config}))
	profile, err := local.store.UserProfile()
	require.NoError(t, err)
	assert.Equal(t, "me on my phone", profile.DisplayName)

	rec, err := local.store.Group(groupPK)
	require.NoError(t, err)
	assert.Equal(t, "Synced", rec.Title)
	latest, err := local.store.LatestClosedGroupEncryptionKeyPair(groupPK)
	require.NoError(t, err)
	assert.True(t, latest.Equal(kp))
}
