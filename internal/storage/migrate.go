package storage

import (
	"encoding/binary"
	"encoding/json"
	"log/slog"

	"go.etcd.io/bbolt"
)

// The first release dumped the web client's localStorage verbatim: one
// "state" bucket with JSON blobs under the p2p_*_v3 keys. That layout
// carried no version marker, so its presence alone identifies v1.
var (
	legacyBucketState = []byte("state")

	legacyKeyMe       = []byte("p2p_me_v3")
	legacyKeyContacts = []byte("p2p_contacts_v3")
	legacyKeySessions = []byte("p2p_sessions_v3")
)

type legacyContact struct {
	ID       string `json:"id"`
	Username string `json:"username"`
	Name     string `json:"name"`
	Avatar   string `json:"avatar"`
}

type legacyMessage struct {
	ID         string `json:"id"`
	SenderID   string `json:"senderId"`
	SenderName string `json:"senderName"`
	Text       string `json:"text,omitempty"`
	ImageURL   string `json:"imageUrl,omitempty"`
	AudioURL   string `json:"audioUrl,omitempty"`
	Timestamp  int64  `json:"timestamp"`
	Status     string `json:"status"`
}

type legacySession struct {
	ContactID string          `json:"contactId"`
	Messages  []legacyMessage `json:"messages"`
}

func (s *Store) migrate() error {
	return s.db.Update(func(tx *bbolt.Tx) error {
		meta := tx.Bucket(bucketMeta)
		if v := meta.Get(keySchemaVersion); v != nil && len(v) == 8 {
			if binary.BigEndian.Uint64(v) >= schemaVersion {
				return nil
			}
		}

		if old := tx.Bucket(legacyBucketState); old != nil {
			if err := migrateLegacyState(tx, old); err != nil {
				return err
			}
			if err := tx.DeleteBucket(legacyBucketState); err != nil {
				return err
			}
		}

		v := make([]byte, 8)
		binary.BigEndian.PutUint64(v, schemaVersion)
		return meta.Put(keySchemaVersion, v)
	})
}

func migrateLegacyState(tx *bbolt.Tx, old *bbolt.Bucket) error {
	slog.Info("migrating legacy v1 snapshot")

	if data := old.Get(legacyKeyMe); data != nil {
		var me legacyContact
		if err := json.Unmarshal(data, &me); err != nil {
			slog.Warn("dropping unreadable legacy profile", "error", err)
		} else {
			dbID := &DBIdentity{
				ID:          me.ID,
				Username:    me.Username,
				DisplayName: me.Name,
				AvatarRef:   me.Avatar,
			}
			rec, err := dbID.MarshalBinary()
			if err != nil {
				return err
			}
			if err := tx.Bucket(bucketProfile).Put(dbID.Key(), rec); err != nil {
				return err
			}
		}
	}

	if data := old.Get(legacyKeyContacts); data != nil {
		var contacts []legacyContact
		if err := json.Unmarshal(data, &contacts); err != nil {
			slog.Warn("dropping unreadable legacy contacts", "error", err)
		} else {
			b := tx.Bucket(bucketContacts)
			for _, c := range contacts {
				dbC := DBContact{
					ID:          c.ID,
					Username:    c.Username,
					DisplayName: c.Name,
					AvatarRef:   c.Avatar,
				}
				rec, err := dbC.MarshalBinary()
				if err != nil {
					return err
				}
				if err := b.Put(dbC.Key(), rec); err != nil {
					return err
				}
			}
		}
	}

	if data := old.Get(legacyKeySessions); data != nil {
		var sessions map[string]legacySession
		if err := json.Unmarshal(data, &sessions); err != nil {
			slog.Warn("dropping unreadable legacy sessions", "error", err)
		} else {
			b := tx.Bucket(bucketSessions)
			for contactID, ls := range sessions {
				dbS := DBSession{ContactID: contactID}
				for _, lm := range ls.Messages {
					dbS.Messages = append(dbS.Messages, migrateLegacyMessage(lm))
				}
				rec, err := dbS.MarshalBinary()
				if err != nil {
					return err
				}
				if err := b.Put(dbS.Key(), rec); err != nil {
					return err
				}
			}
		}
	}

	return nil
}

func migrateLegacyMessage(lm legacyMessage) DBMessage {
	m := DBMessage{
		ID:         lm.ID,
		SenderID:   lm.SenderID,
		SenderName: lm.SenderName,
		Kind:       "text",
		Text:       lm.Text,
		Timestamp:  lm.Timestamp,
		Status:     lm.Status,
	}
	// Legacy media bodies were inline data URLs with no stable hash,
	// so they cannot enter the blob store. Keep a placeholder.
	switch {
	case lm.ImageURL != "":
		m.Text = "[image not migrated]"
	case lm.AudioURL != "":
		m.Text = "[voice note not migrated]"
	}
	// The legacy schema had a "read" status that nothing ever set and
	// the current model dropped.
	if m.Status == "read" {
		m.Status = "delivered"
	}
	return m
}
