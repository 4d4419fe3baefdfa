package swarmchat

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/opd-ai/swarmchat/crypto"
	"github.com/opd-ai/swarmchat/messaging"
	"github.com/opd-ai/swarmchat/receiver"
	"github.com/opd-ai/swarmchat/storage"
)

// pollTarget is one swarm key the account reads from.
type pollTarget struct {
	key string
	og  *receiver.OpenGroupContext
}

// Iterate polls every key the account listens on once. Errors are logged;
// use Poll to observe them.
func (c *Client) Iterate() {
	if !c.IsRunning() {
		return
	}
	ctx, cancel := context.WithTimeout(c.ctx, c.IterationInterval())
	defer cancel()
	if _, err := c.Poll(ctx); err != nil && !errors.Is(err, context.Canceled) {
		logrus.WithFields(logrus.Fields{
			"function": "Iterate",
			"error":    err.Error(),
		}).Warn("Poll incomplete")
	}
}

// Poll reads the account inbox, every active closed group and every joined
// open group with its blinded inbox. It returns the number of messages
// handled and the joined errors of the keys that could not be read.
func (c *Client) Poll(ctx context.Context) (int, error) {
	targets, err := c.pollTargets()
	if err != nil {
		return 0, err
	}

	var total int
	var errs []error
	for _, t := range targets {
		if ctx.Err() != nil {
			errs = append(errs, ctx.Err())
			break
		}
		n, err := c.receiver.Poll(ctx, t.key, t.og)
		total += n
		if err != nil {
			errs = append(errs, fmt.Errorf("poll %s: %w", crypto.KeyPreview(t.key), err))
		}
	}

	logrus.WithFields(logrus.Fields{
		"function": "Poll",
		"keys":     len(targets),
		"handled":  total,
	}).Debug("Poll finished")
	return total, errors.Join(errs...)
}

func (c *Client) pollTargets() ([]pollTarget, error) {
	targets := []pollTarget{{key: c.SessionID()}}

	keys, err := c.store.AllClosedGroupPublicKeys()
	if err != nil {
		return nil, err
	}
	for _, pk := range keys {
		rec, err := c.store.Group(pk)
		if err != nil || !rec.Active {
			continue
		}
		targets = append(targets, pollTarget{key: pk})
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	for key, g := range c.openGroups {
		og := &receiver.OpenGroupContext{Server: g.server, ServerPublicKey: g.serverKey}
		targets = append(targets,
			pollTarget{key: key, og: og},
			pollTarget{key: g.blindedID, og: og},
		)
	}
	return targets, nil
}

// SendText persists an outgoing text message and queues it for delivery.
// The returned channel yields the final outcome.
func (c *Client) SendText(dest messaging.Destination, text string) (*messaging.Message, <-chan error, error) {
	msg := &messaging.Message{
		SentTimestamp: messaging.NowMillis(c.clock),
		Kind:          &messaging.VisibleMessage{Text: text},
	}
	if err := c.persistOutgoing(msg, dest); err != nil {
		return nil, nil, err
	}
	_, done, err := c.sender.SendDurably(msg, dest)
	if err != nil {
		return nil, nil, err
	}
	return msg, done, nil
}

// SyncConfiguration sends the account profile and its active closed groups
// to the user's other devices.
func (c *Client) SyncConfiguration(ctx context.Context) error {
	profile, err := c.store.UserProfile()
	if err != nil {
		return err
	}
	cfg := &messaging.ConfigurationMessage{
		DisplayName:       profile.DisplayName,
		ProfilePictureURL: profile.ProfilePictureURL,
		ProfileKey:        profile.ProfileKey,
	}

	keys, err := c.store.AllClosedGroupPublicKeys()
	if err != nil {
		return err
	}
	for _, pk := range keys {
		rec, err := c.store.Group(pk)
		if err != nil || !rec.Active {
			continue
		}
		kp, err := c.store.LatestClosedGroupEncryptionKeyPair(pk)
		if err != nil {
			continue
		}
		raw, err := messaging.MarshalKeyPair(kp)
		if err != nil {
			return err
		}
		cfg.ClosedGroups = append(cfg.ClosedGroups, messaging.ConfigClosedGroup{
			PublicKey:         pk,
			Name:              rec.Title,
			EncryptionKeyPair: raw,
			Members:           rec.Members,
			Admins:            rec.Admins,
		})
	}

	return c.sender.Send(ctx, &messaging.Message{Kind: cfg}, messaging.Contact{PublicKey: c.SessionID()})
}

func (c *Client) persistOutgoing(msg *messaging.Message, dest messaging.Destination) error {
	v, ok := msg.Kind.(*messaging.VisibleMessage)
	if !ok {
		return nil
	}
	threadID, err := c.store.GetOrCreateThreadID(messaging.Target(dest))
	if err != nil {
		return err
	}
	msg.ThreadID = threadID
	return c.store.Persist(&storage.MessageRecord{
		ThreadID:      threadID,
		Author:        c.SessionID(),
		SentTimestamp: msg.SentTimestamp,
		Outgoing:      true,
		Body:          v.Text,
		State:         messaging.MessageStateSending,
	})
}

// IterationInterval returns the time to wait between Iterate calls.
func (c *Client) IterationInterval() time.Duration {
	return c.cfg.PollInterval()
}

// IsRunning reports whether Kill has not been called yet.
func (c *Client) IsRunning() bool {
	return c.running.Load()
}

// Kill stops the job queue, closes storage node connections and the
// database.
func (c *Client) Kill() {
	c.killOnce.Do(func() {
		c.running.Store(false)
		c.cancel()
		c.queue.Stop()
		c.closeNodes()
		if err := c.store.Close(); err != nil {
			logrus.WithFields(logrus.Fields{
				"function": "Kill",
				"error":    err.Error(),
			}).Warn("Failed to close database")
		}
		logrus.WithField("function", "Kill").Info("Client stopped")
	})
}
