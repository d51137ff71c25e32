package storage

import (
	"encoding/json"
	"path/filepath"
	"testing"

	"go.etcd.io/bbolt"

	"tetatet/internal/models"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	store, err := NewStore(filepath.Join(t.TempDir(), "test.db"))
	if err != nil {
		t.Fatalf("failed to create storage: %v", err)
	}
	t.Cleanup(func() { _ = store.Close() })
	return store
}

func TestStore(t *testing.T) {
	store := newTestStore(t)

	t.Run("Identity", func(t *testing.T) {
		if _, ok := store.LoadIdentity(); ok {
			t.Fatal("expected no identity in fresh store")
		}

		id := models.Identity{
			ID:          "alice",
			Username:    "alice",
			DisplayName: "Alice",
			AvatarRef:   "https://example.com/a.svg",
			Presence:    models.Presence{Online: true, LastSeen: 100},
		}
		if err := store.SaveIdentity(id); err != nil {
			t.Fatalf("SaveIdentity failed: %v", err)
		}

		got, ok := store.LoadIdentity()
		if !ok {
			t.Fatal("LoadIdentity returned ok=false")
		}
		if got.ID != "alice" || got.DisplayName != "Alice" {
			t.Errorf("unexpected identity: %+v", got)
		}
		// Online is transient and must not survive a restart.
		if got.Presence.Online {
			t.Error("expected Online to be dropped by persistence")
		}
		if got.Presence.LastSeen != 100 {
			t.Errorf("expected LastSeen 100, got %d", got.Presence.LastSeen)
		}
	})

	t.Run("Contacts", func(t *testing.T) {
		contacts := []models.Contact{
			{ID: "bob", Username: "bob", DisplayName: "Bob", IsTyping: true},
			{ID: "carol", Username: "carol", DisplayName: "Carol"},
		}
		if err := store.SaveContacts(contacts); err != nil {
			t.Fatalf("SaveContacts failed: %v", err)
		}

		got := store.LoadContacts()
		if len(got) != 2 {
			t.Fatalf("expected 2 contacts, got %d", len(got))
		}
		for _, c := range got {
			if c.IsTyping {
				t.Errorf("IsTyping must not be persisted: %+v", c)
			}
		}

		// Snapshot semantics: a shorter set replaces the previous one.
		if err := store.SaveContacts(contacts[:1]); err != nil {
			t.Fatalf("SaveContacts failed: %v", err)
		}
		if got := store.LoadContacts(); len(got) != 1 {
			t.Errorf("expected 1 contact after rewrite, got %d", len(got))
		}
	})

	t.Run("Sessions", func(t *testing.T) {
		session := models.ChatSession{
			ContactID: "bob",
			Messages: []models.Message{
				{
					ID:        "m1",
					SenderID:  "alice",
					Content:   models.TextContent("hello"),
					Timestamp: 1700000000000,
					Status:    models.StatusSent,
				},
				{
					ID:       "m2",
					SenderID: "bob",
					Content:  models.BlobContent(models.ContentImage, models.BlobRef{Hash: "abc", MimeType: "image/png", Size: 4}),
					Status:   models.StatusDelivered,
				},
			},
		}
		if err := store.SaveSession(session); err != nil {
			t.Fatalf("SaveSession failed: %v", err)
		}

		sessions := store.LoadSessions()
		got, ok := sessions["bob"]
		if !ok {
			t.Fatal("session for bob not loaded")
		}
		if len(got.Messages) != 2 {
			t.Fatalf("expected 2 messages, got %d", len(got.Messages))
		}
		if got.Messages[0].Content.Text != "hello" {
			t.Errorf("text message not round-tripped: %+v", got.Messages[0])
		}
		if got.Messages[1].Content.Blob.Hash != "abc" {
			t.Errorf("blob message not round-tripped: %+v", got.Messages[1])
		}
		if got.Messages[1].Status != models.StatusDelivered {
			t.Errorf("expected status delivered, got %s", got.Messages[1].Status)
		}
	})

	t.Run("EmptySessionRejected", func(t *testing.T) {
		if err := store.SaveSession(models.ChatSession{}); err == nil {
			t.Error("expected error for session without contact id")
		}
	})
}

func TestLegacyMigration(t *testing.T) {
	path := filepath.Join(t.TempDir(), "legacy.db")

	// Build a v1 database: single "state" bucket, JSON blobs under the
	// localStorage key names, no schema version.
	db, err := bbolt.Open(path, 0600, nil)
	if err != nil {
		t.Fatalf("failed to open db: %v", err)
	}
	err = db.Update(func(tx *bbolt.Tx) error {
		b, err := tx.CreateBucket(legacyBucketState)
		if err != nil {
			return err
		}
		me, _ := json.Marshal(map[string]any{
			"id": "alice", "username": "alice", "name": "Alice", "avatar": "http://a/1.svg",
		})
		if err := b.Put(legacyKeyMe, me); err != nil {
			return err
		}
		contacts, _ := json.Marshal([]map[string]any{
			{"id": "bob", "username": "bob", "name": "Bob", "avatar": "http://a/2.svg"},
		})
		if err := b.Put(legacyKeyContacts, contacts); err != nil {
			return err
		}
		sessions, _ := json.Marshal(map[string]any{
			"bob": map[string]any{
				"contactId": "bob",
				"messages": []map[string]any{
					{"id": "m1", "senderId": "alice", "senderName": "Alice", "text": "hi", "timestamp": 1700000000000, "status": "read"},
					{"id": "m2", "senderId": "bob", "senderName": "Bob", "imageUrl": "data:image/png;base64,xxxx", "timestamp": 1700000001000, "status": "delivered"},
				},
			},
		})
		return b.Put(legacyKeySessions, sessions)
	})
	if err != nil {
		t.Fatalf("failed to seed legacy db: %v", err)
	}
	if err := db.Close(); err != nil {
		t.Fatalf("failed to close db: %v", err)
	}

	store, err := NewStore(path)
	if err != nil {
		t.Fatalf("NewStore failed on legacy db: %v", err)
	}
	defer func() { _ = store.Close() }()

	id, ok := store.LoadIdentity()
	if !ok {
		t.Fatal("identity not migrated")
	}
	if id.ID != "alice" || id.DisplayName != "Alice" {
		t.Errorf("unexpected migrated identity: %+v", id)
	}

	contacts := store.LoadContacts()
	if len(contacts) != 1 || contacts[0].ID != "bob" {
		t.Errorf("unexpected migrated contacts: %+v", contacts)
	}

	sessions := store.LoadSessions()
	session, ok := sessions["bob"]
	if !ok {
		t.Fatal("session not migrated")
	}
	if len(session.Messages) != 2 {
		t.Fatalf("expected 2 migrated messages, got %d", len(session.Messages))
	}
	// The dead "read" status collapses to delivered.
	if session.Messages[0].Status != models.StatusDelivered {
		t.Errorf("expected read->delivered, got %s", session.Messages[0].Status)
	}
	// Inline media bodies cannot be carried over.
	if session.Messages[1].Content.Text != "[image not migrated]" {
		t.Errorf("unexpected media placeholder: %q", session.Messages[1].Content.Text)
	}

	// The legacy bucket is gone and the version is stamped; reopening
	// must not migrate again.
	if err := store.Close(); err != nil {
		t.Fatalf("failed to close store: %v", err)
	}
	store2, err := NewStore(path)
	if err != nil {
		t.Fatalf("reopen failed: %v", err)
	}
	defer func() { _ = store2.Close() }()
	if _, ok := store2.LoadIdentity(); !ok {
		t.Error("identity lost after reopen")
	}
}
