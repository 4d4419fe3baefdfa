package receiver

import (
	"context"
	"errors"
	"slices"

	"github.com/sirupsen/logrus"

	"github.com/opd-ai/swarmchat/crypto"
	"github.com/opd-ai/swarmchat/group"
	"github.com/opd-ai/swarmchat/messaging"
	"github.com/opd-ai/swarmchat/storage"
)

func (r *Receiver) handleClosedGroupControl(ctx context.Context, msg *messaging.Message, c *messaging.ClosedGroupControlMessage) error {
	switch ctrl := c.Control.(type) {
	case *messaging.ControlNew:
		return r.handleNew(ctx, msg, ctrl)
	case *messaging.ControlEncryptionKeyPair:
		return r.handleEncryptionKeyPair(msg, ctrl)
	case *messaging.ControlNameChange:
		return r.handleNameChange(msg, ctrl)
	case *messaging.ControlMembersAdded:
		return r.handleMembersAdded(ctx, msg, ctrl)
	case *messaging.ControlMembersRemoved:
		return r.handleMembersRemoved(ctx, msg, ctrl)
	case *messaging.ControlMemberLeft:
		return r.handleMemberLeft(ctx, msg)
	default:
		return messaging.Errorf("handle_control", messaging.ErrInvalidMessage, "unknown closed group control %T", c.Control)
	}
}

// loadGroup returns the group addressed by a control message that arrived
// over the group destination.
func (r *Receiver) loadGroup(op string, msg *messaging.Message) (*group.Record, error) {
	if msg.GroupPublicKey == "" {
		return nil, messaging.Errorf(op, messaging.ErrInvalidClosedGroupUpdate, "control message outside its group")
	}
	rec, err := r.store.Group(msg.GroupPublicKey)
	if errors.Is(err, storage.ErrNotFound) {
		return nil, messaging.Errorf(op, messaging.ErrInvalidClosedGroupUpdate, "unknown group %s", crypto.KeyPreview(msg.GroupPublicKey))
	}
	if err != nil {
		return nil, messaging.NewError(op, err)
	}
	if err := group.IsValidGroupUpdate(rec, msg.SentTimestamp, msg.Sender); err != nil {
		return nil, messaging.NewError(op, err)
	}
	return rec, nil
}

func (r *Receiver) joinGroup(ctx context.Context, rec *group.Record, kp *crypto.KeyPair, timestamp int64) error {
	if err := r.store.SaveGroup(rec); err != nil {
		return err
	}
	if _, err := r.store.AddClosedGroupEncryptionKeyPair(rec.PublicKey, kp, timestamp); err != nil {
		return err
	}
	if rec.ExpirationTimer > 0 {
		if _, err := r.store.GetOrCreateThreadID(rec.PublicKey); err != nil {
			return err
		}
		if err := r.store.SetExpirationTimer(rec.PublicKey, rec.ExpirationTimer); err != nil {
			return err
		}
	}
	if err := r.push.Subscribe(ctx, rec.PublicKey); err != nil {
		logrus.WithFields(logrus.Fields{
			"function": "joinGroup",
			"group":    crypto.KeyPreview(rec.PublicKey),
			"error":    err.Error(),
		}).Warn("Push subscription failed")
	}
	return nil
}

// handleNew joins a group the local user was added to. A known active group
// only has its membership refreshed, and only by one of its stored admins.
func (r *Receiver) handleNew(ctx context.Context, msg *messaging.Message, n *messaging.ControlNew) error {
	logger := logrus.WithFields(logrus.Fields{
		"function": "handleNew",
		"group":    crypto.KeyPreview(n.PublicKey),
		"sender":   crypto.KeyPreview(msg.Sender),
	})
	selfID := r.selfID()
	if !slices.Contains(n.Members, selfID) {
		logger.Info("Ignoring new closed group without local user")
		return nil
	}
	if !slices.Contains(n.Admins, msg.Sender) {
		return messaging.Errorf("handle_new", messaging.ErrInvalidClosedGroupUpdate, "sender is not an admin")
	}

	existing, err := r.store.Group(n.PublicKey)
	if err != nil && !errors.Is(err, storage.ErrNotFound) {
		return messaging.NewError("handle_new", err)
	}
	formation := msg.SentTimestamp
	if existing != nil && existing.Active {
		// The admins named inside the message only count for a new group.
		if !existing.IsAdmin(msg.Sender) {
			return messaging.Errorf("handle_new", messaging.ErrInvalidClosedGroupUpdate, "sender is not an admin of the existing group")
		}
		formation = existing.FormationTimestamp
	}

	rec, err := group.NewRecord(n.PublicKey, n.Name, n.Members, n.Admins, formation)
	if err != nil {
		return messaging.NewError("handle_new", err)
	}
	rec.ExpirationTimer = n.ExpirationTimer
	if err := r.joinGroup(ctx, rec, n.EncryptionKeyPair, msg.SentTimestamp); err != nil {
		return messaging.NewError("handle_new", err)
	}
	logger.Info("Joined closed group")
	return nil
}

// handleEncryptionKeyPair stores a rotated key pair. Pairs from non-admins,
// pairs without a wrapper for the local user and pairs already known are
// ignored.
func (r *Receiver) handleEncryptionKeyPair(msg *messaging.Message, e *messaging.ControlEncryptionKeyPair) error {
	groupPK := msg.GroupPublicKey
	if groupPK == "" {
		groupPK = e.PublicKey
	}
	logger := logrus.WithFields(logrus.Fields{
		"function": "handleEncryptionKeyPair",
		"group":    crypto.KeyPreview(groupPK),
		"sender":   crypto.KeyPreview(msg.Sender),
	})

	rec, err := r.store.Group(groupPK)
	if errors.Is(err, storage.ErrNotFound) {
		logger.Info("Ignoring key pair for unknown group")
		return nil
	}
	if err != nil {
		return messaging.NewError("handle_key_pair", err)
	}
	if !rec.Active {
		logger.Info("Ignoring key pair for inactive group")
		return nil
	}
	if !rec.IsAdmin(msg.Sender) {
		logger.Warn("Ignoring key pair from non-admin")
		return nil
	}

	kp, _, err := group.UnwrapKeyPair(e.Wrappers, r.identity)
	if errors.Is(err, group.ErrNoWrapper) {
		logger.Debug("No wrapper for local user")
		return nil
	}
	if err != nil {
		return messaging.NewError("handle_key_pair", err)
	}

	added, err := r.store.AddClosedGroupEncryptionKeyPair(groupPK, kp, msg.SentTimestamp)
	if err != nil {
		return messaging.NewError("handle_key_pair", err)
	}
	if !added {
		logger.Debug("Key pair already known")
		return nil
	}
	logger.Info("Stored new closed group key pair")
	return nil
}

func (r *Receiver) handleNameChange(msg *messaging.Message, n *messaging.ControlNameChange) error {
	rec, err := r.loadGroup("handle_name_change", msg)
	if err != nil {
		return err
	}
	if err := group.RequireAdmin(rec, msg.Sender); err != nil {
		return messaging.NewError("handle_name_change", err)
	}
	_, err = r.store.UpdateGroup(msg.GroupPublicKey, func(rec *group.Record) error {
		rec.Title = n.Name
		return nil
	})
	return messaging.NewError("handle_name_change", err)
}

func (r *Receiver) handleMembersAdded(ctx context.Context, msg *messaging.Message, a *messaging.ControlMembersAdded) error {
	if _, err := r.loadGroup("handle_members_added", msg); err != nil {
		return err
	}
	rec, err := r.store.UpdateGroup(msg.GroupPublicKey, func(rec *group.Record) error {
		rec.Members = group.Union(rec.Members, a.Members)
		rec.Zombies = group.Without(rec.Zombies, a.Members)
		return nil
	})
	if err != nil {
		return messaging.NewError("handle_members_added", err)
	}

	// An admin answers with the current key pair in case the adding admin
	// rotated concurrently. The adding device already did so for its own
	// additions.
	selfID := r.selfID()
	if msg.Sender == selfID || !rec.IsAdmin(selfID) || r.keys == nil {
		return nil
	}
	for _, member := range a.Members {
		if member == selfID {
			continue
		}
		if err := r.keys.SendLatestKeyPairTo(ctx, member, rec.PublicKey); err != nil {
			logrus.WithFields(logrus.Fields{
				"function": "handleMembersAdded",
				"group":    crypto.KeyPreview(rec.PublicKey),
				"member":   crypto.KeyPreview(member),
				"error":    err.Error(),
			}).Warn("Failed to send key pair to new member")
		}
	}
	return nil
}

// handleMembersRemoved applies an admin's removal. When none of the named
// members is a removable member in the local view the message is a no-op.
func (r *Receiver) handleMembersRemoved(ctx context.Context, msg *messaging.Message, m *messaging.ControlMembersRemoved) error {
	rec, err := r.loadGroup("handle_members_removed", msg)
	if err != nil {
		return err
	}
	if err := group.RequireAdmin(rec, msg.Sender); err != nil {
		return messaging.NewError("handle_members_removed", err)
	}
	if len(group.Intersect(m.Members, rec.Admins)) > 0 {
		return messaging.Errorf("handle_members_removed", messaging.ErrInvalidClosedGroupUpdate, "admins must leave instead of being removed")
	}

	logger := logrus.WithFields(logrus.Fields{
		"function": "handleMembersRemoved",
		"group":    crypto.KeyPreview(rec.PublicKey),
	})
	removed := group.Without(group.Intersect(m.Members, rec.Members), rec.Admins)
	if len(removed) == 0 {
		logger.Debug("Nothing to remove")
		return nil
	}

	selfID := r.selfID()
	selfRemoved := slices.Contains(removed, selfID)
	_, err = r.store.UpdateGroup(rec.PublicKey, func(rec *group.Record) error {
		rec.Members = group.Without(rec.Members, removed)
		rec.Zombies = group.Without(rec.Zombies, removed)
		if selfRemoved {
			rec.Active = false
		}
		return nil
	})
	if err != nil {
		return messaging.NewError("handle_members_removed", err)
	}
	if selfRemoved {
		logger.Info("Removed from closed group")
		r.deactivate(ctx, rec.PublicKey)
		return nil
	}
	logger.WithField("removed", len(removed)).Info("Closed group members removed")
	return nil
}

// handleMemberLeft disbands the group when an admin leaves. A regular
// member becomes a zombie until an admin removes them; a local admin rotates
// the key pair for the members still taking part. A leave sent by the local
// user's other device deactivates the group here as well.
func (r *Receiver) handleMemberLeft(ctx context.Context, msg *messaging.Message) error {
	rec, err := r.loadGroup("handle_member_left", msg)
	if err != nil {
		return err
	}
	logger := logrus.WithFields(logrus.Fields{
		"function": "handleMemberLeft",
		"group":    crypto.KeyPreview(rec.PublicKey),
		"sender":   crypto.KeyPreview(msg.Sender),
	})

	selfID := r.selfID()
	if rec.IsAdmin(msg.Sender) || msg.Sender == selfID {
		_, err := r.store.UpdateGroup(rec.PublicKey, func(rec *group.Record) error {
			rec.Active = false
			return nil
		})
		if err != nil {
			return messaging.NewError("handle_member_left", err)
		}
		r.deactivate(ctx, rec.PublicKey)
		if msg.Sender == selfID {
			logger.Info("Left closed group from another device")
		} else {
			logger.Info("Closed group disbanded")
		}
		return nil
	}

	rec, err = r.store.UpdateGroup(rec.PublicKey, func(rec *group.Record) error {
		rec.Zombies = group.Union(rec.Zombies, []string{msg.Sender})
		return nil
	})
	if err != nil {
		return messaging.NewError("handle_member_left", err)
	}

	remaining := group.Without(rec.Members, rec.Zombies)
	if len(remaining) <= 1 {
		// Nobody is left to talk to.
		_, err := r.store.UpdateGroup(rec.PublicKey, func(rec *group.Record) error {
			rec.Active = false
			return nil
		})
		if err != nil {
			return messaging.NewError("handle_member_left", err)
		}
		r.deactivate(ctx, rec.PublicKey)
		logger.Info("Closed group collapsed")
		return nil
	}
	logger.Info("Member left closed group")

	if rec.IsAdmin(selfID) && r.keys != nil {
		if err := r.keys.GenerateAndDistributeNewKeyPair(ctx, rec.PublicKey, remaining); err != nil {
			logger.WithError(err).Warn("Key rotation after member left failed")
			return err
		}
	}
	return nil
}

func (r *Receiver) deactivate(ctx context.Context, groupPublicKey string) {
	logger := logrus.WithFields(logrus.Fields{
		"function": "deactivate",
		"group":    crypto.KeyPreview(groupPublicKey),
	})
	if err := r.store.RemoveAllClosedGroupEncryptionKeyPairs(groupPublicKey); err != nil {
		logger.WithError(err).Warn("Failed to remove group key pairs")
	}
	if err := r.push.Unsubscribe(ctx, groupPublicKey); err != nil {
		logger.WithError(err).Warn("Push unsubscription failed")
	}
}
