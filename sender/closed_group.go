package sender

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"github.com/opd-ai/swarmchat/crypto"
	"github.com/opd-ai/swarmchat/group"
	"github.com/opd-ai/swarmchat/messaging"
	"github.com/opd-ai/swarmchat/storage"
)

// CreateGroup creates a closed group named name with the local user as sole
// admin, stores its first key pair and sends a New control message to every
// member, the local user included. It returns the group public key.
func (s *Sender) CreateGroup(ctx context.Context, name string, members []string) (string, error) {
	rec, dist, err := s.prepareGroup(ctx, name, members)
	if err != nil {
		return "", err
	}
	if err := dist.send(ctx); err != nil {
		return rec.PublicKey, err
	}
	return rec.PublicKey, nil
}

// CreateGroupAsync stores the new group right away and hands the New
// distribution to the job queue. Retries resend only to the members that
// have not been reached yet.
func (s *Sender) CreateGroupAsync(ctx context.Context, name string, members []string) (string, <-chan error, error) {
	rec, dist, err := s.prepareGroup(ctx, name, members)
	if err != nil {
		return "", nil, err
	}
	if s.queue == nil {
		done := make(chan error, 1)
		go func() { done <- dist.send(ctx) }()
		return rec.PublicKey, done, nil
	}
	return rec.PublicKey, s.queue.QueueImmediate(ctx, "create_group", dist.send), nil
}

func (s *Sender) prepareGroup(ctx context.Context, name string, members []string) (*group.Record, *distribution, error) {
	if name == "" {
		return nil, nil, messaging.Errorf("create_group", messaging.ErrInvalidClosedGroupUpdate, "empty name")
	}
	selfID := s.selfID()
	members = group.Union(members, []string{selfID})
	for _, m := range members {
		if _, err := crypto.ParseSessionID(m); err != nil {
			return nil, nil, messaging.Errorf("create_group", messaging.ErrInvalidClosedGroupUpdate, "member %q: %v", m, err)
		}
	}

	publicKey, kp, err := group.NewGroupPublicKey()
	if err != nil {
		return nil, nil, messaging.Errorf("create_group", messaging.ErrEncryptionFailed, "%v", err)
	}
	formation := s.now()
	rec, err := group.NewRecord(publicKey, name, members, []string{selfID}, formation)
	if err != nil {
		return nil, nil, messaging.NewError("create_group", err)
	}
	if err := s.store.SaveGroup(rec); err != nil {
		return nil, nil, messaging.NewError("create_group", err)
	}
	if _, err := s.store.AddClosedGroupEncryptionKeyPair(publicKey, kp, formation); err != nil {
		return nil, nil, messaging.NewError("create_group", err)
	}
	if err := s.push.Subscribe(ctx, publicKey); err != nil {
		logrus.WithFields(logrus.Fields{
			"function": "CreateGroup",
			"group":    crypto.KeyPreview(publicKey),
			"error":    err.Error(),
		}).Warn("Push subscription failed")
	}

	logrus.WithFields(logrus.Fields{
		"function": "CreateGroup",
		"group":    crypto.KeyPreview(publicKey),
		"members":  len(rec.Members),
	}).Info("Closed group created")

	return rec, s.newDistribution(rec, kp, rec.Members, formation), nil
}

// AddMembers adds members to the group. Existing members learn about them
// over the group; each new member receives a New message carrying the
// current key pair and the full membership.
func (s *Sender) AddMembers(ctx context.Context, groupPublicKey string, members []string) error {
	rec, err := s.adminGroup("add_members", groupPublicKey)
	if err != nil {
		return err
	}
	added := group.Without(group.Dedupe(members), rec.Members)
	if len(added) == 0 {
		logrus.WithFields(logrus.Fields{
			"function": "AddMembers",
			"group":    crypto.KeyPreview(groupPublicKey),
		}).Debug("No new members to add")
		return nil
	}
	for _, m := range added {
		if _, err := crypto.ParseSessionID(m); err != nil {
			return messaging.Errorf("add_members", messaging.ErrInvalidClosedGroupUpdate, "member %q: %v", m, err)
		}
	}

	kp, err := s.currentKeyPair(groupPublicKey)
	if err != nil {
		return messaging.NewError("add_members", err)
	}

	update := &messaging.Message{Kind: &messaging.ClosedGroupControlMessage{
		Control: &messaging.ControlMembersAdded{Members: added},
	}}
	if err := s.Send(ctx, update, messaging.ClosedGroup{GroupPublicKey: groupPublicKey}); err != nil {
		return err
	}

	rec, err = s.store.UpdateGroup(groupPublicKey, func(r *group.Record) error {
		r.Members = group.Union(r.Members, added)
		r.Zombies = group.Without(r.Zombies, added)
		return nil
	})
	if err != nil {
		return messaging.NewError("add_members", err)
	}

	logrus.WithFields(logrus.Fields{
		"function": "AddMembers",
		"group":    crypto.KeyPreview(groupPublicKey),
		"added":    len(added),
	}).Info("Closed group members added")

	return s.newDistribution(rec, kp, added, s.now()).send(ctx)
}

// RemoveMembers removes members from the group and rotates the key pair for
// the members that remain. Admins cannot be removed unless the removal
// empties the group.
func (s *Sender) RemoveMembers(ctx context.Context, groupPublicKey string, members []string) error {
	rec, err := s.adminGroup("remove_members", groupPublicKey)
	if err != nil {
		return err
	}
	removed := group.Intersect(group.Dedupe(members), rec.Members)
	if len(removed) == 0 {
		return messaging.Errorf("remove_members", messaging.ErrInvalidClosedGroupUpdate, "no members of the group to remove")
	}
	remaining := group.Without(rec.Members, removed)
	if len(remaining) > 0 && len(group.Intersect(removed, rec.Admins)) > 0 {
		return messaging.Errorf("remove_members", messaging.ErrInvalidClosedGroupUpdate, "cannot remove an admin")
	}

	update := &messaging.Message{Kind: &messaging.ClosedGroupControlMessage{
		Control: &messaging.ControlMembersRemoved{Members: removed},
	}}
	if err := s.Send(ctx, update, messaging.ClosedGroup{GroupPublicKey: groupPublicKey}); err != nil {
		return err
	}

	_, err = s.store.UpdateGroup(groupPublicKey, func(r *group.Record) error {
		r.Members = group.Without(r.Members, removed)
		r.Admins = group.Without(r.Admins, removed)
		r.Zombies = group.Without(r.Zombies, removed)
		if len(r.Members) == 0 {
			r.Active = false
		}
		return nil
	})
	if err != nil {
		return messaging.NewError("remove_members", err)
	}

	logger := logrus.WithFields(logrus.Fields{
		"function": "RemoveMembers",
		"group":    crypto.KeyPreview(groupPublicKey),
		"removed":  len(removed),
	})
	if len(remaining) == 0 {
		logger.Info("Closed group emptied")
		s.deactivate(ctx, groupPublicKey)
		return nil
	}
	logger.Info("Closed group members removed")

	return s.GenerateAndDistributeNewKeyPair(ctx, groupPublicKey, remaining)
}

// SetName renames the group.
func (s *Sender) SetName(ctx context.Context, groupPublicKey, name string) error {
	if name == "" {
		return messaging.Errorf("set_name", messaging.ErrInvalidClosedGroupUpdate, "empty name")
	}
	if _, err := s.adminGroup("set_name", groupPublicKey); err != nil {
		return err
	}
	update := &messaging.Message{Kind: &messaging.ClosedGroupControlMessage{
		Control: &messaging.ControlNameChange{Name: name},
	}}
	if err := s.Send(ctx, update, messaging.ClosedGroup{GroupPublicKey: groupPublicKey}); err != nil {
		return err
	}
	_, err := s.store.UpdateGroup(groupPublicKey, func(r *group.Record) error {
		r.Title = name
		return nil
	})
	return messaging.NewError("set_name", err)
}

// Leave announces that the local user leaves the group, then deactivates
// the local copy and drops its key pairs.
func (s *Sender) Leave(ctx context.Context, groupPublicKey string) error {
	selfID := s.selfID()
	rec, err := s.store.Group(groupPublicKey)
	if err != nil {
		return messaging.NewError("leave", err)
	}
	if !rec.IsMember(selfID) {
		return messaging.Errorf("leave", messaging.ErrInvalidClosedGroupUpdate, "not a member")
	}

	update := &messaging.Message{Kind: &messaging.ClosedGroupControlMessage{
		Control: &messaging.ControlMemberLeft{},
	}}
	if err := s.Send(ctx, update, messaging.ClosedGroup{GroupPublicKey: groupPublicKey}); err != nil {
		return err
	}

	_, err = s.store.UpdateGroup(groupPublicKey, func(r *group.Record) error {
		r.Members = group.Without(r.Members, []string{selfID})
		r.Admins = group.Without(r.Admins, []string{selfID})
		r.Active = false
		return nil
	})
	if err != nil {
		return messaging.NewError("leave", err)
	}
	s.deactivate(ctx, groupPublicKey)

	logrus.WithFields(logrus.Fields{
		"function": "Leave",
		"group":    crypto.KeyPreview(groupPublicKey),
	}).Info("Left closed group")
	return nil
}

// adminGroup loads an active group and checks that the local user is one of
// its admins.
func (s *Sender) adminGroup(op, groupPublicKey string) (*group.Record, error) {
	rec, err := s.store.Group(groupPublicKey)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return nil, messaging.Errorf(op, messaging.ErrInvalidClosedGroupUpdate, "unknown group %s", crypto.KeyPreview(groupPublicKey))
		}
		return nil, messaging.NewError(op, err)
	}
	if !rec.Active {
		return nil, messaging.Errorf(op, messaging.ErrInvalidClosedGroupUpdate, "group %s is inactive", crypto.KeyPreview(groupPublicKey))
	}
	if err := group.RequireAdmin(rec, s.selfID()); err != nil {
		return nil, messaging.NewError(op, err)
	}
	return rec, nil
}

// currentKeyPair prefers the pending pair of a rotation in flight over the
// latest committed one.
func (s *Sender) currentKeyPair(groupPublicKey string) (*crypto.KeyPair, error) {
	if kp := s.pending.Get(groupPublicKey); kp != nil {
		return kp, nil
	}
	kp, err := s.store.LatestClosedGroupEncryptionKeyPair(groupPublicKey)
	if errors.Is(err, storage.ErrNotFound) {
		return nil, fmt.Errorf("%w: group %s", messaging.ErrNoKeyPair, crypto.KeyPreview(groupPublicKey))
	}
	return kp, err
}

// deactivate drops key material and push delivery for a group the local
// user no longer takes part in.
func (s *Sender) deactivate(ctx context.Context, groupPublicKey string) {
	logger := logrus.WithFields(logrus.Fields{
		"function": "deactivate",
		"group":    crypto.KeyPreview(groupPublicKey),
	})
	if err := s.store.RemoveAllClosedGroupEncryptionKeyPairs(groupPublicKey); err != nil {
		logger.WithError(err).Warn("Failed to remove group key pairs")
	}
	if err := s.push.Unsubscribe(ctx, groupPublicKey); err != nil {
		logger.WithError(err).Warn("Push unsubscription failed")
	}
}

// distribution is a set of New control messages, one per recipient, built
// once so retries reuse the same timestamps.
type distribution struct {
	sender *Sender

	mu      sync.Mutex
	pending map[string]*messaging.Message
}

func (s *Sender) newDistribution(rec *group.Record, kp *crypto.KeyPair, recipients []string, timestamp int64) *distribution {
	d := &distribution{sender: s, pending: make(map[string]*messaging.Message, len(recipients))}
	for _, member := range recipients {
		d.pending[member] = &messaging.Message{
			SentTimestamp: timestamp,
			Kind: &messaging.ClosedGroupControlMessage{Control: &messaging.ControlNew{
				PublicKey:         rec.PublicKey,
				Name:              rec.Title,
				EncryptionKeyPair: kp,
				Members:           rec.Members,
				Admins:            rec.Admins,
				ExpirationTimer:   rec.ExpirationTimer,
			}},
		}
	}
	return d
}

// send delivers every New message not yet accepted by the swarm.
func (d *distribution) send(ctx context.Context) error {
	d.mu.Lock()
	todo := make(map[string]*messaging.Message, len(d.pending))
	for member, msg := range d.pending {
		todo[member] = msg
	}
	d.mu.Unlock()

	var g errgroup.Group
	for member, msg := range todo {
		member, msg := member, msg
		g.Go(func() error {
			if err := d.sender.Send(ctx, msg, messaging.Contact{PublicKey: member}); err != nil {
				return err
			}
			d.mu.Lock()
			delete(d.pending, member)
			d.mu.Unlock()
			return nil
		})
	}
	return g.Wait()
}
