package sender

import (
	"context"

	"github.com/sirupsen/logrus"

	"github.com/opd-ai/swarmchat/crypto"
	"github.com/opd-ai/swarmchat/group"
	"github.com/opd-ai/swarmchat/messaging"
)

// GenerateAndDistributeNewKeyPair rotates the encryption key pair of a
// group. The new pair is wrapped for each of targetMembers and published in
// one control message over the group; it joins the key history only once
// that message is accepted. Only one rotation per group runs at a time.
func (s *Sender) GenerateAndDistributeNewKeyPair(ctx context.Context, groupPublicKey string, targetMembers []string) (err error) {
	logger := logrus.WithFields(logrus.Fields{
		"function": "GenerateAndDistributeNewKeyPair",
		"group":    crypto.KeyPreview(groupPublicKey),
		"targets":  len(targetMembers),
	})
	defer func() {
		keyRotations.WithLabelValues(resultLabel(err)).Inc()
	}()

	if _, err := s.adminGroup("rotate_key_pair", groupPublicKey); err != nil {
		return err
	}

	if err := s.pending.Reserve(groupPublicKey); err != nil {
		return messaging.NewError("rotate_key_pair", err)
	}
	defer s.pending.Clear(groupPublicKey)

	kp, err := crypto.GenerateKeyPair()
	if err != nil {
		return messaging.Errorf("rotate_key_pair", messaging.ErrEncryptionFailed, "%v", err)
	}
	if err := s.pending.Populate(groupPublicKey, kp); err != nil {
		return messaging.NewError("rotate_key_pair", err)
	}

	wrappers, err := group.WrapKeyPair(kp, group.Dedupe(targetMembers), s.identity)
	if err != nil {
		return messaging.NewError("rotate_key_pair", err)
	}
	msg := &messaging.Message{Kind: &messaging.ClosedGroupControlMessage{
		Control: &messaging.ControlEncryptionKeyPair{Wrappers: wrappers},
	}}
	if err := s.Send(ctx, msg, messaging.ClosedGroup{GroupPublicKey: groupPublicKey}); err != nil {
		logger.WithError(err).Error("Key pair distribution failed")
		return err
	}

	if _, err := s.store.AddClosedGroupEncryptionKeyPair(groupPublicKey, kp, msg.SentTimestamp); err != nil {
		return messaging.NewError("rotate_key_pair", err)
	}
	logger.WithFields(crypto.SecureFieldHash(kp.Public[:], "key_pair")).Info("Closed group key pair rotated")
	return nil
}

// SendLatestKeyPairTo sends the group's current key pair to member over a
// direct message. A pair still being distributed by a rotation is preferred
// over the latest stored one. Nothing is sent when member has left the group.
func (s *Sender) SendLatestKeyPairTo(ctx context.Context, member, groupPublicKey string) error {
	logger := logrus.WithFields(logrus.Fields{
		"function": "SendLatestKeyPairTo",
		"group":    crypto.KeyPreview(groupPublicKey),
		"member":   crypto.KeyPreview(member),
	})

	rec, err := s.store.Group(groupPublicKey)
	if err != nil {
		return messaging.NewError("send_key_pair", err)
	}
	if !rec.IsMember(member) {
		logger.Info("Refusing to send key pair to non-member")
		return nil
	}

	kp, err := s.currentKeyPair(groupPublicKey)
	if err != nil {
		return messaging.NewError("send_key_pair", err)
	}
	wrappers, err := group.WrapKeyPair(kp, []string{member}, s.identity)
	if err != nil {
		return messaging.NewError("send_key_pair", err)
	}

	msg := &messaging.Message{Kind: &messaging.ClosedGroupControlMessage{
		Control: &messaging.ControlEncryptionKeyPair{PublicKey: groupPublicKey, Wrappers: wrappers},
	}}
	if err := s.Send(ctx, msg, messaging.Contact{PublicKey: member}); err != nil {
		return err
	}
	logger.Debug("Sent latest key pair")
	return nil
}
