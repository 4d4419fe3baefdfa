package storage

import (
	"encoding/binary"
	"errors"
	"fmt"
	"time"

	"github.com/fxamacker/cbor/v2"
	"github.com/sirupsen/logrus"
	bolt "go.etcd.io/bbolt"

	"github.com/opd-ai/swarmchat/crypto"
	"github.com/opd-ai/swarmchat/group"
	"github.com/opd-ai/swarmchat/messaging"
)

const (
	identityBucket    = "identity"
	profilesBucket    = "profiles"
	groupsBucket      = "groups"
	keyPairsBucket    = "keypairs"
	threadsBucket     = "threads"
	messagesBucket    = "messages"
	attachmentsBucket = "attachments"

	seedKey    = "seed"
	profileKey = "profile"
)

var allBuckets = []string{
	identityBucket,
	profilesBucket,
	groupsBucket,
	keyPairsBucket,
	threadsBucket,
	messagesBucket,
	attachmentsBucket,
}

// BoltStore is a Store backed by a single bbolt file.
type BoltStore struct {
	db *bolt.DB
}

type storedKeyPair struct {
	Public    []byte `cbor:"1,keyasint"`
	Private   []byte `cbor:"2,keyasint"`
	Timestamp int64  `cbor:"3,keyasint"`
}

type threadRecord struct {
	ID              int64  `cbor:"1,keyasint"`
	ExpirationTimer uint32 `cbor:"2,keyasint,omitempty"`
}

// Open opens or creates the database at path.
func Open(path string) (*BoltStore, error) {
	db, err := bolt.Open(path, 0o600, &bolt.Options{Timeout: time.Second})
	if err != nil {
		return nil, fmt.Errorf("storage: open %s: %w", path, err)
	}

	if err := db.Update(func(tx *bolt.Tx) error {
		for _, name := range allBuckets {
			if _, err := tx.CreateBucketIfNotExists([]byte(name)); err != nil {
				return err
			}
		}
		return nil
	}); err != nil {
		db.Close()
		return nil, fmt.Errorf("storage: init buckets: %w", err)
	}

	logrus.WithFields(logrus.Fields{
		"function": "Open",
		"path":     path,
	}).Debug("Opened store")
	return &BoltStore{db: db}, nil
}

// Close closes the database.
func (s *BoltStore) Close() error {
	return s.db.Close()
}

func get(tx *bolt.Tx, bucket string, key []byte, v interface{}) error {
	raw := tx.Bucket([]byte(bucket)).Get(key)
	if raw == nil {
		return ErrNotFound
	}
	if err := cbor.Unmarshal(raw, v); err != nil {
		return fmt.Errorf("storage: decode %s: %w", bucket, err)
	}
	return nil
}

func put(tx *bolt.Tx, bucket string, key []byte, v interface{}) error {
	raw, err := cbor.Marshal(v)
	if err != nil {
		return fmt.Errorf("storage: encode %s: %w", bucket, err)
	}
	return tx.Bucket([]byte(bucket)).Put(key, raw)
}

// UserIdentity returns the stored identity.
func (s *BoltStore) UserIdentity() (*crypto.Identity, error) {
	var seed [32]byte
	err := s.db.View(func(tx *bolt.Tx) error {
		raw := tx.Bucket([]byte(identityBucket)).Get([]byte(seedKey))
		if len(raw) != len(seed) {
			return ErrNotFound
		}
		copy(seed[:], raw)
		return nil
	})
	if err != nil {
		return nil, err
	}
	defer crypto.ZeroBytes(seed[:])
	return crypto.IdentityFromSeed(seed)
}

// SetUserIdentity stores the identity seed.
func (s *BoltStore) SetUserIdentity(id *crypto.Identity) error {
	seed := id.Seed()
	defer crypto.ZeroBytes(seed[:])
	return s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket([]byte(identityBucket)).Put([]byte(seedKey), seed[:])
	})
}

// UserProfile returns the local profile, or an empty one if none is stored.
func (s *BoltStore) UserProfile() (*messaging.Profile, error) {
	p := &messaging.Profile{}
	err := s.db.View(func(tx *bolt.Tx) error {
		return get(tx, identityBucket, []byte(profileKey), p)
	})
	if errors.Is(err, ErrNotFound) {
		return p, nil
	}
	return p, err
}

// SetUserProfile replaces the local profile.
func (s *BoltStore) SetUserProfile(p *messaging.Profile) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		return put(tx, identityBucket, []byte(profileKey), p)
	})
}

// ContactProfile returns the last profile seen for a contact.
func (s *BoltStore) ContactProfile(sessionID string) (*messaging.Profile, error) {
	p := &messaging.Profile{}
	err := s.db.View(func(tx *bolt.Tx) error {
		return get(tx, profilesBucket, []byte(sessionID), p)
	})
	if err != nil {
		return nil, err
	}
	return p, nil
}

// UpdateContactProfile stores the profile a contact attached to a message.
func (s *BoltStore) UpdateContactProfile(sessionID string, p *messaging.Profile) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		return put(tx, profilesBucket, []byte(sessionID), p)
	})
}

// Group returns the record for publicKey.
func (s *BoltStore) Group(publicKey string) (*group.Record, error) {
	r := &group.Record{}
	err := s.db.View(func(tx *bolt.Tx) error {
		return get(tx, groupsBucket, []byte(publicKey), r)
	})
	if err != nil {
		return nil, err
	}
	return r, nil
}

// SaveGroup creates or replaces a group record.
func (s *BoltStore) SaveGroup(r *group.Record) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		return put(tx, groupsBucket, []byte(r.PublicKey), r)
	})
}

// UpdateGroup loads the record, applies fn and writes the result back. An
// error from fn aborts the transaction.
func (s *BoltStore) UpdateGroup(publicKey string, fn func(r *group.Record) error) (*group.Record, error) {
	r := &group.Record{}
	err := s.db.Update(func(tx *bolt.Tx) error {
		if err := get(tx, groupsBucket, []byte(publicKey), r); err != nil {
			return err
		}
		if err := fn(r); err != nil {
			return err
		}
		return put(tx, groupsBucket, []byte(publicKey), r)
	})
	if err != nil {
		return nil, err
	}
	return r, nil
}

// AllClosedGroupPublicKeys lists every stored group, active or not.
func (s *BoltStore) AllClosedGroupPublicKeys() ([]string, error) {
	var keys []string
	err := s.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket([]byte(groupsBucket)).ForEach(func(k, _ []byte) error {
			keys = append(keys, string(k))
			return nil
		})
	})
	return keys, err
}

// AddClosedGroupEncryptionKeyPair appends kp to the group's history.
func (s *BoltStore) AddClosedGroupEncryptionKeyPair(publicKey string, kp *crypto.KeyPair, timestamp int64) (bool, error) {
	added := false
	err := s.db.Update(func(tx *bolt.Tx) error {
		bkt, err := tx.Bucket([]byte(keyPairsBucket)).CreateBucketIfNotExists([]byte(publicKey))
		if err != nil {
			return err
		}

		c := bkt.Cursor()
		for k, v := c.First(); k != nil; k, v = c.Next() {
			existing, err := decodeKeyPair(v)
			if err != nil {
				return err
			}
			if existing.Equal(kp) {
				return nil
			}
		}

		seq, err := bkt.NextSequence()
		if err != nil {
			return err
		}
		raw, err := cbor.Marshal(storedKeyPair{Public: kp.Public[:], Private: kp.Private[:], Timestamp: timestamp})
		if err != nil {
			return err
		}
		added = true
		return bkt.Put(sequenceKey(seq), raw)
	})
	return added, err
}

// ClosedGroupEncryptionKeyPairs returns every stored pair, oldest first.
func (s *BoltStore) ClosedGroupEncryptionKeyPairs(publicKey string) ([]*crypto.KeyPair, error) {
	var pairs []*crypto.KeyPair
	err := s.db.View(func(tx *bolt.Tx) error {
		bkt := tx.Bucket([]byte(keyPairsBucket)).Bucket([]byte(publicKey))
		if bkt == nil {
			return nil
		}
		return bkt.ForEach(func(_, v []byte) error {
			kp, err := decodeKeyPair(v)
			if err != nil {
				return err
			}
			pairs = append(pairs, kp)
			return nil
		})
	})
	return pairs, err
}

// LatestClosedGroupEncryptionKeyPair returns the newest pair or ErrNotFound.
func (s *BoltStore) LatestClosedGroupEncryptionKeyPair(publicKey string) (*crypto.KeyPair, error) {
	var kp *crypto.KeyPair
	err := s.db.View(func(tx *bolt.Tx) error {
		bkt := tx.Bucket([]byte(keyPairsBucket)).Bucket([]byte(publicKey))
		if bkt == nil {
			return ErrNotFound
		}
		_, v := bkt.Cursor().Last()
		if v == nil {
			return ErrNotFound
		}
		var err error
		kp, err = decodeKeyPair(v)
		return err
	})
	return kp, err
}

// RemoveAllClosedGroupEncryptionKeyPairs drops the group's key history.
func (s *BoltStore) RemoveAllClosedGroupEncryptionKeyPairs(publicKey string) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		bkt := tx.Bucket([]byte(keyPairsBucket))
		if bkt.Bucket([]byte(publicKey)) == nil {
			return nil
		}
		return bkt.DeleteBucket([]byte(publicKey))
	})
}

func decodeKeyPair(raw []byte) (*crypto.KeyPair, error) {
	var stored storedKeyPair
	if err := cbor.Unmarshal(raw, &stored); err != nil {
		return nil, fmt.Errorf("storage: decode key pair: %w", err)
	}
	if len(stored.Public) != 32 || len(stored.Private) != 32 {
		return nil, fmt.Errorf("storage: corrupt key pair")
	}
	kp := &crypto.KeyPair{}
	copy(kp.Public[:], stored.Public)
	copy(kp.Private[:], stored.Private)
	return kp, nil
}

func sequenceKey(seq uint64) []byte {
	var k [8]byte
	binary.BigEndian.PutUint64(k[:], seq)
	return k[:]
}

// GetOrCreateThreadID returns the thread for key, creating it if needed.
func (s *BoltStore) GetOrCreateThreadID(key string) (int64, error) {
	var id int64
	err := s.db.Update(func(tx *bolt.Tx) error {
		rec := threadRecord{}
		err := get(tx, threadsBucket, []byte(key), &rec)
		if err == nil {
			id = rec.ID
			return nil
		}
		if !errors.Is(err, ErrNotFound) {
			return err
		}
		seq, err := tx.Bucket([]byte(threadsBucket)).NextSequence()
		if err != nil {
			return err
		}
		rec.ID = int64(seq)
		id = rec.ID
		return put(tx, threadsBucket, []byte(key), rec)
	})
	return id, err
}

// ThreadID returns the thread for key or ErrNotFound.
func (s *BoltStore) ThreadID(key string) (int64, error) {
	rec := threadRecord{}
	err := s.db.View(func(tx *bolt.Tx) error {
		return get(tx, threadsBucket, []byte(key), &rec)
	})
	return rec.ID, err
}

// SetExpirationTimer sets the disappearing-message timer of an existing
// thread.
func (s *BoltStore) SetExpirationTimer(key string, seconds uint32) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		rec := threadRecord{}
		if err := get(tx, threadsBucket, []byte(key), &rec); err != nil {
			return err
		}
		rec.ExpirationTimer = seconds
		return put(tx, threadsBucket, []byte(key), rec)
	})
}

// ExpirationTimer returns the timer of the thread, zero when disabled.
func (s *BoltStore) ExpirationTimer(key string) (uint32, error) {
	rec := threadRecord{}
	err := s.db.View(func(tx *bolt.Tx) error {
		return get(tx, threadsBucket, []byte(key), &rec)
	})
	return rec.ExpirationTimer, err
}

func messageKey(author string, sentTimestamp int64) []byte {
	k := make([]byte, 0, len(author)+9)
	k = append(k, author...)
	k = append(k, '|')
	return binary.BigEndian.AppendUint64(k, uint64(sentTimestamp))
}

// Persist stores a new message.
func (s *BoltStore) Persist(rec *MessageRecord) error {
	key := messageKey(rec.Author, rec.SentTimestamp)
	return s.db.Update(func(tx *bolt.Tx) error {
		if tx.Bucket([]byte(messagesBucket)).Get(key) != nil {
			return fmt.Errorf("storage: %w", messaging.ErrDuplicateMessage)
		}
		return put(tx, messagesBucket, key, rec)
	})
}

// MessageByTimestamp returns the message identified by author and sent
// timestamp.
func (s *BoltStore) MessageByTimestamp(author string, sentTimestamp int64) (*MessageRecord, error) {
	rec := &MessageRecord{}
	err := s.db.View(func(tx *bolt.Tx) error {
		return get(tx, messagesBucket, messageKey(author, sentTimestamp), rec)
	})
	if err != nil {
		return nil, err
	}
	return rec, nil
}

func (s *BoltStore) updateMessage(author string, sentTimestamp int64, fn func(rec *MessageRecord) bool) (bool, error) {
	key := messageKey(author, sentTimestamp)
	changed := false
	err := s.db.Update(func(tx *bolt.Tx) error {
		rec := &MessageRecord{}
		if err := get(tx, messagesBucket, key, rec); err != nil {
			return err
		}
		if !fn(rec) {
			return nil
		}
		changed = true
		return put(tx, messagesBucket, key, rec)
	})
	return changed, err
}

// MarkAsSent records that at least one node accepted the message.
func (s *BoltStore) MarkAsSent(author string, sentTimestamp int64) error {
	_, err := s.updateMessage(author, sentTimestamp, func(rec *MessageRecord) bool {
		if rec.State == messaging.MessageStateRead {
			return false
		}
		rec.State = messaging.MessageStateSent
		rec.Error = ""
		return true
	})
	return err
}

// SetErrorMessage records a send failure.
func (s *BoltStore) SetErrorMessage(author string, sentTimestamp int64, message string) error {
	_, err := s.updateMessage(author, sentTimestamp, func(rec *MessageRecord) bool {
		rec.State = messaging.MessageStateFailed
		rec.Error = message
		return true
	})
	return err
}

// MarkAsRead flags author's messages with the given timestamps as read.
// Unknown timestamps are skipped.
func (s *BoltStore) MarkAsRead(author string, timestamps []int64) (int, error) {
	n := 0
	for _, ts := range timestamps {
		changed, err := s.updateMessage(author, ts, func(rec *MessageRecord) bool {
			if rec.State == messaging.MessageStateRead {
				return false
			}
			rec.State = messaging.MessageStateRead
			return true
		})
		if errors.Is(err, ErrNotFound) {
			continue
		}
		if err != nil {
			return n, err
		}
		if changed {
			n++
		}
	}
	return n, nil
}

// StartExpiration records when the disappearing-message countdown began.
func (s *BoltStore) StartExpiration(author string, sentTimestamp int64, startedAt int64) error {
	_, err := s.updateMessage(author, sentTimestamp, func(rec *MessageRecord) bool {
		if rec.ExpirationStartedAt != 0 {
			return false
		}
		rec.ExpirationStartedAt = startedAt
		return true
	})
	return err
}

// SaveAttachment creates or replaces an attachment record.
func (s *BoltStore) SaveAttachment(a *AttachmentRecord) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		return put(tx, attachmentsBucket, []byte(a.ID), a)
	})
}

// Attachment returns the attachment record for id.
func (s *BoltStore) Attachment(id string) (*AttachmentRecord, error) {
	a := &AttachmentRecord{}
	err := s.db.View(func(tx *bolt.Tx) error {
		return get(tx, attachmentsBucket, []byte(id), a)
	})
	if err != nil {
		return nil, err
	}
	return a, nil
}

var _ Store = (*BoltStore)(nil)
