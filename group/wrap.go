package group

import (
	"errors"
	"fmt"

	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"github.com/opd-ai/swarmchat/crypto"
	"github.com/opd-ai/swarmchat/encryption"
	"github.com/opd-ai/swarmchat/messaging"
)

// ErrNoWrapper is returned by UnwrapKeyPair when no wrapper is addressed at
// the local user.
var ErrNoWrapper = errors.New("no key pair wrapper for local user")

// WrapKeyPair seals kp to each member, signed by sender. Wrappers come back
// in member order.
func WrapKeyPair(kp *crypto.KeyPair, members []string, sender *crypto.Identity) ([]messaging.KeyPairWrapper, error) {
	plaintext, err := messaging.MarshalKeyPair(kp)
	if err != nil {
		return nil, err
	}
	defer crypto.ZeroBytes(plaintext)

	wrappers := make([]messaging.KeyPairWrapper, len(members))
	var g errgroup.Group
	for i, member := range members {
		i, member := i, member
		g.Go(func() error {
			ciphertext, err := encryption.Encrypt(plaintext, member, sender)
			if err != nil {
				return fmt.Errorf("wrap for %s: %w", crypto.KeyPreview(member), err)
			}
			wrappers[i] = messaging.KeyPairWrapper{PublicKey: member, EncryptedKeyPair: ciphertext}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	logrus.WithFields(logrus.Fields{
		"function": "WrapKeyPair",
		"members":  len(members),
	}).Debug("Wrapped closed group key pair")
	return wrappers, nil
}

// UnwrapKeyPair finds the wrapper addressed at self, opens it and returns
// the key pair together with the session id that sealed it.
func UnwrapKeyPair(wrappers []messaging.KeyPairWrapper, self *crypto.Identity) (*crypto.KeyPair, string, error) {
	selfID := self.SessionID()
	for _, w := range wrappers {
		if w.PublicKey != selfID {
			continue
		}
		plaintext, sender, err := encryption.Decrypt(w.EncryptedKeyPair, self.Encryption)
		if err != nil {
			return nil, "", err
		}
		defer crypto.ZeroBytes(plaintext)
		kp, err := messaging.UnmarshalKeyPair(plaintext)
		if err != nil {
			return nil, "", err
		}
		return kp, sender, nil
	}
	return nil, "", ErrNoWrapper
}
