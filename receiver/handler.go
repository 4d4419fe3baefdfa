package receiver

import (
	"context"
	"errors"
	"fmt"

	"github.com/sirupsen/logrus"

	"github.com/opd-ai/swarmchat/crypto"
	"github.com/opd-ai/swarmchat/group"
	"github.com/opd-ai/swarmchat/jobqueue"
	"github.com/opd-ai/swarmchat/messaging"
	"github.com/opd-ai/swarmchat/storage"
)

// Handle applies the effects of an authenticated message.
func (r *Receiver) Handle(ctx context.Context, msg *messaging.Message) error {
	switch k := msg.Kind.(type) {
	case *messaging.ReadReceipt:
		return r.read.MessagesRead(ctx, msg.Sender, k.Timestamps)
	case *messaging.TypingIndicator:
		return r.handleTyping(msg, k)
	case *messaging.ExpirationTimerUpdate:
		return r.handleExpirationTimerUpdate(msg, k)
	case *messaging.ClosedGroupControlMessage:
		return r.handleClosedGroupControl(ctx, msg, k)
	case *messaging.VisibleMessage:
		return r.handleVisible(ctx, msg, k)
	case *messaging.ConfigurationMessage:
		return r.handleConfiguration(ctx, msg, k)
	default:
		return messaging.Errorf("handle", messaging.ErrInvalidMessage, "unknown kind %T", msg.Kind)
	}
}

// threadKey names the conversation msg belongs to.
func (r *Receiver) threadKey(msg *messaging.Message) string {
	switch {
	case msg.GroupPublicKey != "":
		return msg.GroupPublicKey
	case msg.OpenGroupServer != "":
		return msg.OpenGroupServer
	}
	if msg.Sender == r.selfID() {
		switch k := msg.Kind.(type) {
		case *messaging.VisibleMessage:
			if k.SyncTarget != "" {
				return k.SyncTarget
			}
		case *messaging.ExpirationTimerUpdate:
			if k.SyncTarget != "" {
				return k.SyncTarget
			}
		}
	}
	return msg.Sender
}

func (r *Receiver) handleTyping(msg *messaging.Message, t *messaging.TypingIndicator) error {
	threadID, err := r.store.GetOrCreateThreadID(r.threadKey(msg))
	if err != nil {
		return messaging.NewError("handle_typing", err)
	}
	switch t.Kind {
	case messaging.TypingStarted:
		r.typing.Started(threadID, msg.Sender)
	case messaging.TypingStopped:
		r.typing.Stopped(threadID, msg.Sender)
	}
	return nil
}

func (r *Receiver) handleExpirationTimerUpdate(msg *messaging.Message, u *messaging.ExpirationTimerUpdate) error {
	key := r.threadKey(msg)
	if _, err := r.store.GetOrCreateThreadID(key); err != nil {
		return messaging.NewError("handle_expiration", err)
	}
	if err := r.store.SetExpirationTimer(key, u.Duration); err != nil {
		return messaging.NewError("handle_expiration", err)
	}
	logrus.WithFields(logrus.Fields{
		"function": "handleExpirationTimerUpdate",
		"thread":   crypto.KeyPreview(key),
		"seconds":  u.Duration,
	}).Info("Expiration timer updated")
	return nil
}

func (r *Receiver) handleVisible(ctx context.Context, msg *messaging.Message, v *messaging.VisibleMessage) error {
	selfID := r.selfID()
	key := r.threadKey(msg)
	threadID, err := r.store.GetOrCreateThreadID(key)
	if err != nil {
		return messaging.Errorf("handle_visible", messaging.ErrNoThread, "%v", err)
	}

	if v.Profile != nil && msg.OpenGroupServer == "" && msg.Sender != selfID {
		if err := r.store.UpdateContactProfile(msg.Sender, v.Profile); err != nil {
			logrus.WithFields(logrus.Fields{
				"function": "handleVisible",
				"sender":   crypto.KeyPreview(msg.Sender),
				"error":    err.Error(),
			}).Warn("Failed to update contact profile")
		}
	}

	rec := &storage.MessageRecord{
		ThreadID:          threadID,
		Author:            msg.Sender,
		SentTimestamp:     msg.SentTimestamp,
		ReceivedTimestamp: msg.ReceivedTimestamp,
		Outgoing:          msg.Sender == selfID,
		Body:              v.Text,
		Quote:             r.resolveQuote(v.Quote),
		LinkPreview:       v.LinkPreview,
		State:             messaging.MessageStateSent,
		OpenGroupServer:   msg.OpenGroupServer,
	}
	if timer, err := r.store.ExpirationTimer(key); err == nil {
		rec.ExpiresIn = timer
	}

	attachments := make([]*storage.AttachmentRecord, 0, len(v.Attachments)+1)
	for _, a := range v.Attachments {
		attachments = append(attachments, &storage.AttachmentRecord{
			ID: a.ID, ContentType: a.ContentType, FileName: a.FileName, Size: a.Size, URL: a.URL,
		})
	}
	if lp := v.LinkPreview; lp != nil && lp.AttachmentID != "" {
		attachments = append(attachments, &storage.AttachmentRecord{ID: lp.AttachmentID})
	}
	for _, a := range attachments {
		if existing, err := r.store.Attachment(a.ID); err == nil && existing.State == storage.AttachmentDownloaded {
			continue
		}
		if err := r.store.SaveAttachment(a); err != nil {
			return messaging.NewError("handle_visible", err)
		}
		rec.AttachmentIDs = append(rec.AttachmentIDs, a.ID)
	}

	if err := r.store.Persist(rec); err != nil {
		return messaging.NewError("handle_visible", err)
	}

	for _, id := range rec.AttachmentIDs {
		r.enqueueDownload(ctx, id)
	}
	r.typing.Stopped(threadID, msg.Sender)
	r.notifier.MessageReceived(threadID, rec)

	logrus.WithFields(logrus.Fields{
		"function":  "handleVisible",
		"thread":    threadID,
		"sender":    crypto.KeyPreview(msg.Sender),
		"timestamp": msg.SentTimestamp,
	}).Debug("Stored visible message")
	return nil
}

// resolveQuote fills the quoted text from the local copy of the quoted
// message when the quote does not carry it.
func (r *Receiver) resolveQuote(q *messaging.Quote) *messaging.Quote {
	if q == nil || q.Text != "" {
		return q
	}
	original, err := r.store.MessageByTimestamp(q.Author, q.Timestamp)
	if err != nil {
		return q
	}
	resolved := *q
	resolved.Text = original.Body
	return &resolved
}

func (r *Receiver) enqueueDownload(ctx context.Context, id string) {
	logger := logrus.WithFields(logrus.Fields{
		"function":   "enqueueDownload",
		"attachment": id,
	})
	if r.queue == nil {
		logger.Debug("No job queue, attachment left pending")
		return
	}
	_, _, err := r.queue.Enqueue(jobqueue.JobFunc{
		Label: "download_attachment",
		Fn:    func(ctx context.Context) error { return r.downloadAttachment(ctx, id) },
	})
	if err != nil {
		logger.WithError(err).Warn("Failed to queue attachment download")
	}
}

func (r *Receiver) downloadAttachment(ctx context.Context, id string) error {
	a, err := r.store.Attachment(id)
	if err != nil {
		return err
	}
	if a.State == storage.AttachmentDownloaded {
		return nil
	}
	data, err := r.transport.Download(ctx, id)
	if err != nil {
		a.State = storage.AttachmentFailed
		if serr := r.store.SaveAttachment(a); serr != nil {
			return errors.Join(err, serr)
		}
		return fmt.Errorf("download attachment %s: %w", id, err)
	}
	a.Data = data
	a.State = storage.AttachmentDownloaded
	return r.store.SaveAttachment(a)
}

// handleConfiguration applies account state sent by another of the user's
// devices.
func (r *Receiver) handleConfiguration(ctx context.Context, msg *messaging.Message, c *messaging.ConfigurationMessage) error {
	if msg.Sender != r.selfID() {
		return messaging.Errorf("handle_configuration", messaging.ErrInvalidMessage, "configuration from %s", crypto.KeyPreview(msg.Sender))
	}
	logger := logrus.WithFields(logrus.Fields{
		"function": "handleConfiguration",
	})

	if c.DisplayName != "" {
		err := r.store.SetUserProfile(&messaging.Profile{
			DisplayName:       c.DisplayName,
			ProfilePictureURL: c.ProfilePictureURL,
			ProfileKey:        c.ProfileKey,
		})
		if err != nil {
			return messaging.NewError("handle_configuration", err)
		}
	}

	for _, cg := range c.ClosedGroups {
		if _, err := r.store.Group(cg.PublicKey); err == nil {
			continue
		} else if !errors.Is(err, storage.ErrNotFound) {
			return messaging.NewError("handle_configuration", err)
		}
		kp, err := messaging.UnmarshalKeyPair(cg.EncryptionKeyPair)
		if err != nil {
			logger.WithError(err).Warn("Skipping closed group with bad key pair")
			continue
		}
		rec, err := group.NewRecord(cg.PublicKey, cg.Name, cg.Members, cg.Admins, msg.SentTimestamp)
		if err != nil {
			logger.WithError(err).Warn("Skipping invalid closed group")
			continue
		}
		if err := r.joinGroup(ctx, rec, kp, msg.SentTimestamp); err != nil {
			return messaging.NewError("handle_configuration", err)
		}
		logger.WithField("group", crypto.KeyPreview(cg.PublicKey)).Info("Joined closed group from configuration")
	}
	return nil
}
