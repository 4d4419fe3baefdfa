package sender

import (
	"context"
	"errors"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/opd-ai/swarmchat/crypto"
	"github.com/opd-ai/swarmchat/encryption"
	"github.com/opd-ai/swarmchat/messaging"
	"github.com/opd-ai/swarmchat/storage"
)

// Send publishes msg to dest and returns once the outcome is known. The
// message is stamped with the local sender and, if unset, the current time.
func (s *Sender) Send(ctx context.Context, msg *messaging.Message, dest messaging.Destination) error {
	selfID := s.selfID()

	// Prepared
	if msg.SentTimestamp == 0 {
		msg.SentTimestamp = s.now()
	}
	msg.Sender = selfID
	msg.Recipient = messaging.Target(dest)
	contact, isContact := dest.(messaging.Contact)
	isSelfSend := isContact && contact.PublicKey == selfID

	logger := logrus.WithFields(logrus.Fields{
		"function":    "Send",
		"kind":        msg.KindName(),
		"destination": dest.String(),
		"timestamp":   msg.SentTimestamp,
	})
	logger.WithField("state", StatePrepared.String()).Debug("Message state")

	// Validated
	if err := msg.Validate(); err != nil {
		return s.fail(msg, dest, messaging.NewError("send", err), logger)
	}
	if err := messaging.CheckDestination(msg, dest, selfID); err != nil {
		return s.fail(msg, dest, messaging.NewError("send", err), logger)
	}
	if isSelfSend && !msg.IsSelfSendValid() {
		logger.Debug("Self send handled locally")
		s.succeed(ctx, msg, dest, logger)
		return nil
	}
	logger.WithField("state", StateValidated.String()).Debug("Message state")

	// Encrypted
	if visible, ok := msg.Kind.(*messaging.VisibleMessage); ok && visible.Profile == nil {
		if p, err := s.store.UserProfile(); err == nil && p.DisplayName != "" {
			visible.Profile = p
		}
	}
	key, envelope, err := s.seal(msg, dest)
	if err != nil {
		return s.fail(msg, dest, err, logger)
	}
	logger.WithField("state", StateEncrypted.String()).Debug("Message state")

	// Published
	data, err := envelope.Marshal()
	if err != nil {
		return s.fail(msg, dest, messaging.Errorf("send", messaging.ErrInvalidMessage, "envelope: %v", err), logger)
	}
	results := s.transport.Publish(ctx, key, data, s.ttlFor(msg))
	logger.WithFields(logrus.Fields{
		"state": StatePublished.String(),
		"nodes": len(results),
	}).Debug("Message state")

	if err := awaitQuorum(ctx, results); err != nil {
		return s.fail(msg, dest, messaging.NewError("send", err), logger)
	}
	s.succeed(ctx, msg, dest, logger)
	return nil
}

// SendNonDurably is Send: the message is attempted once and not persisted
// for retry.
func (s *Sender) SendNonDurably(ctx context.Context, msg *messaging.Message, dest messaging.Destination) error {
	return s.Send(ctx, msg, dest)
}

// SendAsync runs Send on its own goroutine. The returned channel yields
// exactly one result.
func (s *Sender) SendAsync(ctx context.Context, msg *messaging.Message, dest messaging.Destination) <-chan error {
	done := make(chan error, 1)
	go func() {
		done <- s.Send(ctx, msg, dest)
	}()
	return done
}

func (s *Sender) ttlFor(msg *messaging.Message) time.Duration {
	ttl := msg.EffectiveTTL()
	if msg.TTL == 0 && s.ttl > 0 && ttl == messaging.DefaultTTL {
		ttl = s.ttl
	}
	return ttl
}

// seal pads, encrypts and wraps the message content for dest. It returns the
// swarm key to publish under and the envelope.
func (s *Sender) seal(msg *messaging.Message, dest messaging.Destination) (string, *messaging.Envelope, error) {
	content, err := messaging.EncodeContent(msg)
	if err != nil {
		return "", nil, messaging.NewError("send", err)
	}
	padded, err := messaging.Pad(content, s.blockSize)
	if err != nil {
		return "", nil, messaging.NewError("send", err)
	}
	defer crypto.ZeroBytes(padded)

	envelope := &messaging.Envelope{Timestamp: msg.SentTimestamp}
	var key string

	switch d := dest.(type) {
	case messaging.Contact:
		envelope.Type = messaging.EnvelopeSessionMessage
		envelope.Content, err = encryption.Encrypt(padded, d.PublicKey, s.identity)
		key = d.PublicKey
	case messaging.ClosedGroup:
		latest, kerr := s.store.LatestClosedGroupEncryptionKeyPair(d.GroupPublicKey)
		if kerr != nil {
			if errors.Is(kerr, storage.ErrNotFound) {
				return "", nil, messaging.Errorf("send", messaging.ErrNoKeyPair, "group %s", crypto.KeyPreview(d.GroupPublicKey))
			}
			return "", nil, messaging.NewError("send", kerr)
		}
		envelope.Type = messaging.EnvelopeClosedGroupMessage
		envelope.Source = d.GroupPublicKey
		envelope.Content, err = encryption.Encrypt(padded, latest.SessionID(), s.identity)
		key = d.GroupPublicKey
	case messaging.OpenGroup:
		envelope.Type = messaging.EnvelopeOpenGroupMessage
		envelope.Source = d.Server + "/" + d.Room
		envelope.Content, err = encryption.SignOpenGroup(padded, s.identity)
		key = envelope.Source
	case messaging.OpenGroupInbox:
		own, berr := s.identity.Blind(d.ServerPublicKey)
		if berr != nil {
			return "", nil, messaging.Errorf("send", messaging.ErrEncryptionFailed, "%v", berr)
		}
		envelope.Type = messaging.EnvelopeBlindedMessage
		envelope.Source = own.ID()
		envelope.Content, err = encryption.EncryptBlinded(padded, d.BlindedPublicKey, d.ServerPublicKey, s.identity)
		key = d.BlindedPublicKey
	default:
		return "", nil, messaging.Errorf("send", messaging.ErrInvalidDestination, "%T", dest)
	}
	if err != nil {
		return "", nil, err
	}
	return key, envelope, nil
}

func (s *Sender) succeed(ctx context.Context, msg *messaging.Message, dest messaging.Destination, logger *logrus.Entry) {
	selfID := s.selfID()
	messagesSent.WithLabelValues(destinationLabel(dest), "success").Inc()

	if err := s.store.MarkAsSent(selfID, msg.SentTimestamp); err != nil && !errors.Is(err, storage.ErrNotFound) {
		logger.WithError(err).Warn("Failed to mark message as sent")
	}

	if _, ok := msg.Kind.(*messaging.VisibleMessage); ok {
		timer, err := s.store.ExpirationTimer(messaging.Target(dest))
		if err == nil && timer > 0 {
			if err := s.store.StartExpiration(selfID, msg.SentTimestamp, s.now()); err != nil && !errors.Is(err, storage.ErrNotFound) {
				logger.WithError(err).Warn("Failed to start expiration countdown")
			}
		}
	}

	logger.WithField("state", StateSucceeded.String()).Info("Message sent")

	if contact, ok := dest.(messaging.Contact); ok && contact.PublicKey != selfID {
		if syncCopy := syncMessageFor(msg, contact.PublicKey); syncCopy != nil {
			if err := s.Send(ctx, syncCopy, messaging.Contact{PublicKey: selfID}); err != nil {
				logger.WithError(err).Warn("Failed to sync message to own devices")
			}
		}
	}
}

func (s *Sender) fail(msg *messaging.Message, dest messaging.Destination, err error, logger *logrus.Entry) error {
	messagesSent.WithLabelValues(destinationLabel(dest), "failure").Inc()

	if serr := s.store.SetErrorMessage(s.selfID(), msg.SentTimestamp, err.Error()); serr != nil && !errors.Is(serr, storage.ErrNotFound) {
		logger.WithError(serr).Warn("Failed to record send error")
	}
	logger.WithFields(logrus.Fields{
		"state": StateFailed.String(),
		"error": err.Error(),
	}).Error("Message send failed")
	return err
}

// syncMessageFor returns the copy of msg sent to the user's own devices, or
// nil when the kind is not synced or msg already is a sync copy.
func syncMessageFor(msg *messaging.Message, target string) *messaging.Message {
	var kind messaging.Kind
	switch k := msg.Kind.(type) {
	case *messaging.VisibleMessage:
		if k.SyncTarget != "" {
			return nil
		}
		c := *k
		c.SyncTarget = target
		kind = &c
	case *messaging.ExpirationTimerUpdate:
		if k.SyncTarget != "" {
			return nil
		}
		c := *k
		c.SyncTarget = target
		kind = &c
	default:
		return nil
	}
	return &messaging.Message{
		SentTimestamp: msg.SentTimestamp,
		TTL:           msg.TTL,
		Kind:          kind,
	}
}

