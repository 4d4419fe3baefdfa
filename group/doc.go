// Package group holds closed group state and the key management rules that
// do not depend on storage or transport.
//
// # Records
//
// A Record is the local view of a closed group: its public key, title,
// members, admins and zombies (members who left but were not yet removed by
// an admin). Admins are always members.
//
// # Key Rotation
//
// Every closed group has an append-only history of X25519 encryption key
// pairs. Rotation generates a fresh pair, wraps it for each member and only
// commits it once the distribution message was published. PendingKeyPairs
// tracks the in-flight pair so that at most one rotation per group runs at a
// time:
//
//	pending := group.NewPendingKeyPairs(group.DefaultReserveAttempts)
//	if err := pending.Reserve(groupPublicKey); err != nil {
//	    return err // messaging.ErrRotationInProgress
//	}
//	defer pending.Clear(groupPublicKey)
//
// # Validation
//
// IsValidGroupUpdate rejects control messages sent before the group was
// formed or by someone who is not a member.
package group
