// Package storage is the durable snapshot layer. Three logical blobs
// (profile, contacts, sessions) live in their own bbolt buckets and
// are written through independently on every mutation; there is no
// cross-blob transaction guarantee and none is needed.
package storage

import (
	"fmt"
	"log/slog"
	"time"

	"go.etcd.io/bbolt"

	"tetatet/internal/models"
)

var (
	bucketMeta     = []byte("meta")
	bucketProfile  = []byte("profile")
	bucketContacts = []byte("contacts")
	bucketSessions = []byte("sessions")

	keyProfileSelf   = []byte("self")
	keySchemaVersion = []byte("schemaVersion")
)

const schemaVersion = 2

type Store struct {
	db *bbolt.DB
}

func NewStore(path string) (*Store, error) {
	db, err := bbolt.Open(path, 0600, &bbolt.Options{Timeout: 1 * time.Second})
	if err != nil {
		return nil, fmt.Errorf("failed to open bbolt db: %w", err)
	}

	err = db.Update(func(tx *bbolt.Tx) error {
		for _, name := range [][]byte{bucketMeta, bucketProfile, bucketContacts, bucketSessions} {
			if _, err := tx.CreateBucketIfNotExists(name); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to create buckets: %w", err)
	}

	s := &Store{db: db}
	if err := s.migrate(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to migrate storage: %w", err)
	}
	return s, nil
}

func (s *Store) Close() error {
	return s.db.Close()
}

// SaveIdentity writes the full profile blob.
func (s *Store) SaveIdentity(id models.Identity) error {
	return s.db.Update(func(tx *bbolt.Tx) error {
		b := tx.Bucket(bucketProfile)
		dbID := &DBIdentity{
			ID:          id.ID,
			Username:    id.Username,
			DisplayName: id.DisplayName,
			AvatarRef:   id.AvatarRef,
			LastSeen:    id.Presence.LastSeen,
		}
		data, err := dbID.MarshalBinary()
		if err != nil {
			return err
		}
		return b.Put(dbID.Key(), data)
	})
}

// LoadIdentity returns the stored profile. A missing or unparsable
// record comes back as ok=false: the caller falls through to the
// first-run flow, the corruption is never surfaced.
func (s *Store) LoadIdentity() (models.Identity, bool) {
	var id models.Identity
	ok := false
	err := s.db.View(func(tx *bbolt.Tx) error {
		data := tx.Bucket(bucketProfile).Get(keyProfileSelf)
		if data == nil {
			return nil
		}
		var dbID DBIdentity
		if err := dbID.UnmarshalBinary(data); err != nil {
			slog.Warn("discarding unreadable profile snapshot", "error", err)
			return nil
		}
		id = models.Identity{
			ID:          dbID.ID,
			Username:    dbID.Username,
			DisplayName: dbID.DisplayName,
			AvatarRef:   dbID.AvatarRef,
			Presence:    models.Presence{LastSeen: dbID.LastSeen},
		}
		ok = true
		return nil
	})
	if err != nil {
		slog.Warn("failed to read profile snapshot", "error", err)
		return models.Identity{}, false
	}
	return id, ok
}

// SaveContacts rewrites the contacts blob from the given set.
func (s *Store) SaveContacts(contacts []models.Contact) error {
	return s.db.Update(func(tx *bbolt.Tx) error {
		if err := tx.DeleteBucket(bucketContacts); err != nil {
			return err
		}
		b, err := tx.CreateBucket(bucketContacts)
		if err != nil {
			return err
		}
		for _, c := range contacts {
			dbC := toDBContact(c)
			data, err := dbC.MarshalBinary()
			if err != nil {
				return err
			}
			if err := b.Put(dbC.Key(), data); err != nil {
				return err
			}
		}
		return nil
	})
}

// LoadContacts returns all stored contacts. Individual unreadable
// records are skipped, not fatal.
func (s *Store) LoadContacts() []models.Contact {
	var contacts []models.Contact
	err := s.db.View(func(tx *bbolt.Tx) error {
		return tx.Bucket(bucketContacts).ForEach(func(k, v []byte) error {
			var dbC DBContact
			if err := dbC.UnmarshalBinary(v); err != nil {
				slog.Warn("skipping unreadable contact record", "key", string(k), "error", err)
				return nil
			}
			contacts = append(contacts, fromDBContact(dbC))
			return nil
		})
	})
	if err != nil {
		slog.Warn("failed to read contacts snapshot", "error", err)
		return nil
	}
	return contacts
}

// SaveSession writes one contact's session into the sessions blob.
func (s *Store) SaveSession(session models.ChatSession) error {
	return s.db.Update(func(tx *bbolt.Tx) error {
		if session.ContactID == "" {
			return fmt.Errorf("session missing contact id")
		}
		dbS := DBSession{ContactID: session.ContactID}
		dbS.Messages = make([]DBMessage, len(session.Messages))
		for i, m := range session.Messages {
			dbS.Messages[i] = toDBMessage(m)
		}
		data, err := dbS.MarshalBinary()
		if err != nil {
			return fmt.Errorf("failed to marshal session: %w", err)
		}
		return tx.Bucket(bucketSessions).Put(dbS.Key(), data)
	})
}

// LoadSessions returns the full per-contact session map.
func (s *Store) LoadSessions() map[string]models.ChatSession {
	sessions := make(map[string]models.ChatSession)
	err := s.db.View(func(tx *bbolt.Tx) error {
		return tx.Bucket(bucketSessions).ForEach(func(k, v []byte) error {
			var dbS DBSession
			if err := dbS.UnmarshalBinary(v); err != nil {
				slog.Warn("skipping unreadable session record", "key", string(k), "error", err)
				return nil
			}
			session := models.ChatSession{ContactID: dbS.ContactID}
			session.Messages = make([]models.Message, len(dbS.Messages))
			for i, m := range dbS.Messages {
				session.Messages[i] = fromDBMessage(m)
			}
			sessions[session.ContactID] = session
			return nil
		})
	})
	if err != nil {
		slog.Warn("failed to read sessions snapshot", "error", err)
		return map[string]models.ChatSession{}
	}
	return sessions
}
