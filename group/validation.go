package group

import (
	"fmt"

	"github.com/opd-ai/swarmchat/crypto"
	"github.com/opd-ai/swarmchat/messaging"
)

// IsValidGroupUpdate checks that a control message for r is plausible: it
// was not sent before the group was formed and its sender is a member of
// the group as it stood before the update.
func IsValidGroupUpdate(r *Record, sentTimestamp int64, sender string) error {
	if r == nil {
		return fmt.Errorf("%w: unknown group", messaging.ErrInvalidClosedGroupUpdate)
	}
	if r.FormationTimestamp > sentTimestamp {
		return fmt.Errorf("%w: update sent at %d precedes formation at %d",
			messaging.ErrInvalidClosedGroupUpdate, sentTimestamp, r.FormationTimestamp)
	}
	if !r.IsMember(sender) {
		return fmt.Errorf("%w: sender %s is not a member",
			messaging.ErrInvalidClosedGroupUpdate, crypto.KeyPreview(sender))
	}
	return nil
}

// RequireAdmin returns ErrInvalidClosedGroupUpdate unless id is an admin of r.
func RequireAdmin(r *Record, id string) error {
	if r == nil || !r.IsAdmin(id) {
		return fmt.Errorf("%w: %s is not an admin", messaging.ErrInvalidClosedGroupUpdate, crypto.KeyPreview(id))
	}
	return nil
}
