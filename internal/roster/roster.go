// Package roster owns the local identity, the contact directory and
// the per-contact chat sessions. It is the mutation target for the
// connection manager and the call controller: no network side effects
// of its own, every durable change written through to the snapshot
// store, every change fanned out to the UI event channel.
package roster

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/c-pro/geche"

	"tetatet/internal/content"
	"tetatet/internal/models"
)

const (
	eventBuffer = 100
	// Window inside which a duplicate inbound message id is suppressed.
	seenTTL = 10 * time.Minute
)

// Persister is the snapshot adapter the roster writes through to.
// Implemented by storage.Store.
type Persister interface {
	SaveIdentity(models.Identity) error
	LoadIdentity() (models.Identity, bool)
	SaveContacts([]models.Contact) error
	LoadContacts() []models.Contact
	SaveSession(models.ChatSession) error
	LoadSessions() map[string]models.ChatSession
}

type Roster struct {
	store Persister

	mu          sync.RWMutex
	identity    models.Identity
	hasIdentity bool
	contacts    map[string]models.Contact
	sessions    map[string]models.ChatSession

	// Seen inbound message ids, to make duplicate message frames
	// idempotent instead of double-appending.
	seen geche.Geche[string, struct{}]

	events chan models.Event
}

// New restores state from the snapshot store (read-once) and returns
// the roster. Missing or unreadable snapshots fall back to empty
// defaults inside the store.
func New(ctx context.Context, store Persister) *Roster {
	r := &Roster{
		store:    store,
		contacts: make(map[string]models.Contact),
		sessions: make(map[string]models.ChatSession),
		seen:     geche.NewMapTTLCache[string, struct{}](ctx, seenTTL, time.Minute),
		events:   make(chan models.Event, eventBuffer),
	}

	if id, ok := store.LoadIdentity(); ok {
		r.identity = id
		r.hasIdentity = true
	}
	for _, c := range store.LoadContacts() {
		c.Presence.Online = false
		c.IsTyping = false
		r.contacts[c.ID] = c
	}
	for id, s := range store.LoadSessions() {
		r.sessions[id] = s
	}

	return r
}

// Events is the stream consumed by the presentation collaborator.
func (r *Roster) Events() <-chan models.Event {
	return r.events
}

func (r *Roster) emit(ev models.Event) {
	select {
	case r.events <- ev:
	default:
		// UI not draining; drop rather than block protocol handling.
	}
}

// EmitCallState forwards a call state transition onto the UI stream.
func (r *Roster) EmitCallState(contactID, state string) {
	r.emit(models.Event{Type: models.EventCallState, ContactID: contactID, CallState: state})
}

// Notice reports a non-fatal fault to the UI.
func (r *Roster) Notice(format string, args ...any) {
	r.emit(models.Event{Type: models.EventNotice, Notice: fmt.Sprintf(format, args...)})
}

// Identity returns the local profile, false before first-run setup.
func (r *Roster) Identity() (models.Identity, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.identity, r.hasIdentity
}

// CreateIdentity sets up the local profile on first run. The peer id
// is the normalized username; it is immutable afterwards.
func (r *Roster) CreateIdentity(username, displayName string) (models.Identity, error) {
	normalized := content.NormalizeUsername(username)
	if err := content.ValidateUsername(normalized); err != nil {
		return models.Identity{}, err
	}
	if displayName == "" {
		displayName = username
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if r.hasIdentity {
		return models.Identity{}, fmt.Errorf("identity already exists for %q", r.identity.Username)
	}

	r.identity = models.Identity{
		ID:          normalized,
		Username:    normalized,
		DisplayName: content.Sanitize(displayName),
		AvatarRef:   models.AvatarRef(normalized),
		Presence:    models.Presence{Online: true, LastSeen: time.Now().Unix()},
	}
	r.hasIdentity = true
	r.persistIdentityLocked()
	return r.identity, nil
}

// EnsureContact is an idempotent upsert: returns the existing contact
// for the peer id, or creates one from the given defaults. At most one
// contact per peer id ever exists.
func (r *Roster) EnsureContact(peerID string, defaults models.Contact) models.Contact {
	r.mu.Lock()
	defer r.mu.Unlock()

	if c, ok := r.contacts[peerID]; ok {
		return c
	}

	c := defaults
	c.ID = peerID
	if c.Username == "" {
		c.Username = peerID
	}
	if c.DisplayName == "" {
		c.DisplayName = c.Username
	}
	c.DisplayName = content.Sanitize(c.DisplayName)
	if c.AvatarRef == "" {
		c.AvatarRef = models.AvatarRef(c.Username)
	}

	r.contacts[peerID] = c
	r.persistContactsLocked()
	r.emit(models.Event{Type: models.EventContact, ContactID: peerID})
	return c
}

// SetPresence flips a contact online/offline. No-op for unknown ids.
func (r *Roster) SetPresence(contactID string, online bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	c, ok := r.contacts[contactID]
	if !ok {
		return
	}
	if c.Presence.Online == online {
		return
	}
	c.Presence.Online = online
	c.Presence.LastSeen = time.Now().Unix()
	if !online {
		c.IsTyping = false
	}
	r.contacts[contactID] = c
	r.persistContactsLocked()
	r.emit(models.Event{Type: models.EventPresence, ContactID: contactID, Online: online})
}

// SetTyping sets the transient composing flag. Never persisted; only a
// subsequent typing frame resets it.
func (r *Roster) SetTyping(contactID string, isTyping bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	c, ok := r.contacts[contactID]
	if !ok {
		return
	}
	c.IsTyping = isTyping
	r.contacts[contactID] = c
	r.emit(models.Event{Type: models.EventTyping, ContactID: contactID, IsTyping: isTyping})
}

// AppendMessage appends to the contact's session, creating it lazily.
// Text content gets its sanitized markdown rendering here so every
// append path shares it.
func (r *Roster) AppendMessage(contactID string, msg models.Message) {
	if msg.Content.Kind == models.ContentText {
		msg.Content.Text = content.Sanitize(msg.Content.Text)
		msg.RenderedHTML = content.Render(msg.Content.Text)
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	s, ok := r.sessions[contactID]
	if !ok {
		s = models.ChatSession{ContactID: contactID}
	}
	s.Messages = append(s.Messages, msg)
	r.sessions[contactID] = s
	r.persistSessionLocked(contactID)
	r.emit(models.Event{Type: models.EventMessage, ContactID: contactID, Message: &msg})
}

// UpdateMessageStatus transitions a message's delivery status. Silent
// no-op when the session or id is unknown or the message is not in the
// expected prior state: a stray ack is not an error.
func (r *Roster) UpdateMessageStatus(contactID, messageID string, status models.DeliveryStatus) {
	r.mu.Lock()
	defer r.mu.Unlock()

	s, ok := r.sessions[contactID]
	if !ok {
		return
	}
	for i := range s.Messages {
		m := &s.Messages[i]
		if m.ID != messageID {
			continue
		}
		if status == models.StatusDelivered && m.Status != models.StatusSent {
			return // already acked
		}
		m.Status = status
		r.sessions[contactID] = s
		r.persistSessionLocked(contactID)
		r.emit(models.Event{Type: models.EventStatus, ContactID: contactID, MessageID: messageID, Status: status})
		return
	}
}

// SeenBefore records the inbound message id and reports whether it was
// already seen within the dedup window.
func (r *Roster) SeenBefore(contactID, messageID string) bool {
	key := contactID + "/" + messageID
	if _, err := r.seen.Get(key); err == nil {
		return true
	}
	r.seen.Set(key, struct{}{})
	return false
}

// Contact returns a contact by peer id.
func (r *Roster) Contact(contactID string) (models.Contact, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	c, ok := r.contacts[contactID]
	return c, ok
}

// Contacts returns all contacts sorted by display name.
func (r *Roster) Contacts() []models.Contact {
	r.mu.RLock()
	defer r.mu.RUnlock()

	contacts := make([]models.Contact, 0, len(r.contacts))
	for _, c := range r.contacts {
		contacts = append(contacts, c)
	}
	sort.Slice(contacts, func(i, j int) bool {
		return contacts[i].DisplayName < contacts[j].DisplayName
	})
	return contacts
}

// Session returns a copy of the contact's session.
func (r *Roster) Session(contactID string) (models.ChatSession, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	s, ok := r.sessions[contactID]
	if !ok {
		return models.ChatSession{}, false
	}
	out := models.ChatSession{ContactID: s.ContactID}
	out.Messages = append(out.Messages, s.Messages...)
	return out, true
}

// Write-through helpers. A failed snapshot write is logged, not
// propagated: in-memory state is already mutated and stays canonical.

func (r *Roster) persistIdentityLocked() {
	if err := r.store.SaveIdentity(r.identity); err != nil {
		slog.Error("failed to persist profile", "error", err)
	}
}

func (r *Roster) persistContactsLocked() {
	contacts := make([]models.Contact, 0, len(r.contacts))
	for _, c := range r.contacts {
		contacts = append(contacts, c)
	}
	if err := r.store.SaveContacts(contacts); err != nil {
		slog.Error("failed to persist contacts", "error", err)
	}
}

func (r *Roster) persistSessionLocked(contactID string) {
	if err := r.store.SaveSession(r.sessions[contactID]); err != nil {
		slog.Error("failed to persist session", "contact_id", contactID, "error", err)
	}
}
