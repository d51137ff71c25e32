// Package conn owns the registry of live peer connections and
// multiplexes the wire protocol over them. It is the only component
// that touches the registry; everything else goes through its
// operations.
package conn

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"tetatet/internal/blob"
	"tetatet/internal/models"
	"tetatet/internal/roster"
	"tetatet/internal/transport"
	"tetatet/internal/wire"
)

// Attachment bodies ride inside the message frame; anything bigger is
// refused at send time rather than choking the frame channel.
const maxBlobBytes = 8 << 20

type Manager struct {
	relay  transport.Relay
	roster *roster.Roster
	blobs  *blob.Store

	baseCtx context.Context

	mu    sync.Mutex
	conns map[string]*Connection

	calls chan transport.CallHandle
}

func NewManager(ctx context.Context, relay transport.Relay, r *roster.Roster, blobs *blob.Store) *Manager {
	return &Manager{
		relay:   relay,
		roster:  r,
		blobs:   blobs,
		baseCtx: ctx,
		conns:   make(map[string]*Connection),
		calls:   make(chan transport.CallHandle, 8),
	}
}

// Calls is the stream of inbound call invitations, consumed by the
// call controller.
func (m *Manager) Calls() <-chan transport.CallHandle {
	return m.calls
}

// Run registers the local id at the relay and serves inbound events
// until the context is cancelled.
func (m *Manager) Run(ctx context.Context) error {
	ident, ok := m.roster.Identity()
	if !ok {
		return errors.New("cannot run connection manager without an identity")
	}

	listener, err := m.relay.Register(ctx, ident.ID)
	if err != nil {
		return fmt.Errorf("failed to register %q at relay: %w", ident.ID, err)
	}
	slog.Info("registered at relay", "peer_id", ident.ID)

	for {
		select {
		case ch, ok := <-listener.ConnectionRequests:
			if !ok {
				return errors.New("relay connection stream closed")
			}
			m.HandleInbound(ch)
		case h, ok := <-listener.CallInvitations:
			if !ok {
				return errors.New("relay call stream closed")
			}
			select {
			case m.calls <- h:
			default:
				_ = h.Close()
			}
		case err, ok := <-listener.Faults:
			if !ok {
				return errors.New("relay fault stream closed")
			}
			// Transport faults are non-fatal notices; they never tear
			// down other connections.
			m.roster.Notice("relay fault: %v", err)
		case <-ctx.Done():
			m.closeAll()
			return ctx.Err()
		}
	}
}

// Obtain returns the live connection for peerID, dialing one if none
// exists. A connection still in the connecting state counts as live:
// two Obtain calls never produce two channels to the same peer.
func (m *Manager) Obtain(peerID string) (*Connection, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.obtainLocked(peerID)
}

func (m *Manager) obtainLocked(peerID string) (*Connection, error) {
	if c, ok := m.conns[peerID]; ok && c.State() != StateClosed {
		return c, nil
	}

	ch, err := m.relay.Connect(m.baseCtx, peerID)
	if err != nil {
		if errors.Is(err, models.ErrPeerUnavailable) {
			m.roster.Notice("%s is currently offline", peerID)
		} else {
			m.roster.Notice("connection to %s failed: %v", peerID, err)
		}
		return nil, err
	}

	c := newConnection(m.baseCtx, peerID, ch, m)
	m.conns[peerID] = c
	return c, nil
}

// HandleInbound registers an externally-initiated channel. A peer that
// already has a live connection keeps it; the duplicate channel is
// closed.
func (m *Manager) HandleInbound(ch transport.Channel) {
	peerID := ch.Peer()

	m.mu.Lock()
	defer m.mu.Unlock()

	if existing, ok := m.conns[peerID]; ok && existing.State() != StateClosed {
		_ = ch.Close()
		return
	}

	m.conns[peerID] = newConnection(m.baseCtx, peerID, ch, m)
}

// Send encodes the frame and hands it to the peer's connection,
// dialing one if needed. It does not wait for the channel to open.
func (m *Manager) Send(peerID string, f wire.Frame) error {
	data, err := wire.Encode(f)
	if err != nil {
		return err
	}
	c, err := m.Obtain(peerID)
	if err != nil {
		return err
	}
	c.Enqueue(data)
	return nil
}

// SendText builds a text message, records it locally as sent, and
// transmits it. Following the message a typing(false) frame clears the
// remote composing indicator.
func (m *Manager) SendText(peerID, text string) (models.Message, error) {
	return m.sendMessage(peerID, models.TextContent(text), nil)
}

// SendBlob sends an image or voice-note message. The body is read back
// from the local blob store and travels inside the frame, so the
// receiver can store it under the same reference.
func (m *Manager) SendBlob(peerID string, kind models.ContentKind, ref models.BlobRef) (models.Message, error) {
	if ref.Size > maxBlobBytes {
		return models.Message{}, fmt.Errorf("attachment too large: %d bytes", ref.Size)
	}
	rc, err := m.blobs.Get(ref.Hash)
	if err != nil {
		return models.Message{}, fmt.Errorf("failed to read attachment %s: %w", ref.Hash, err)
	}
	body, err := io.ReadAll(rc)
	_ = rc.Close()
	if err != nil {
		return models.Message{}, fmt.Errorf("failed to read attachment %s: %w", ref.Hash, err)
	}
	return m.sendMessage(peerID, models.BlobContent(kind, ref), body)
}

func (m *Manager) sendMessage(peerID string, c models.Content, body []byte) (models.Message, error) {
	ident, ok := m.roster.Identity()
	if !ok {
		return models.Message{}, errors.New("no identity")
	}

	msg := models.Message{
		ID:         uuid.NewString(),
		SenderID:   ident.ID,
		SenderName: ident.DisplayName,
		Content:    c,
		Timestamp:  time.Now().UnixMilli(),
		Status:     models.StatusSent,
	}
	if err := msg.Validate(); err != nil {
		return models.Message{}, err
	}

	m.roster.EnsureContact(peerID, models.Contact{Username: peerID})
	// Local copy shows as sent immediately, before the channel opens.
	m.roster.AppendMessage(peerID, msg)

	frame := wire.MessageFrame(msg)
	if body != nil {
		frame = wire.BlobMessageFrame(msg, body)
	}
	if err := m.Send(peerID, frame); err != nil {
		return msg, err
	}
	_ = m.Send(peerID, wire.TypingFrame(false))
	return msg, nil
}

// SetComposing fires the typing side-channel. Best-effort: a lost
// typing(false) leaves the remote flag stuck until the next frame.
func (m *Manager) SetComposing(peerID string, isTyping bool) {
	if err := m.Send(peerID, wire.TypingFrame(isTyping)); err != nil {
		slog.Debug("typing frame not sent", "peer_id", peerID, "error", err)
	}
}

func (m *Manager) handleFrame(peerID string, data []byte) {
	f, err := wire.Decode(data)
	if err != nil {
		// Malformed frames are dropped without surfacing.
		slog.Debug("dropping malformed frame", "peer_id", peerID, "error", err)
		return
	}

	switch f.Kind {
	case wire.KindMessage:
		m.handleMessage(peerID, *f.Payload, f.BlobBody)
	case wire.KindTyping:
		m.roster.SetTyping(peerID, f.IsTyping)
	case wire.KindAck:
		// No-op when the id is unknown or already delivered.
		m.roster.UpdateMessageStatus(peerID, f.ID, models.StatusDelivered)
	}
}

func (m *Manager) handleMessage(peerID string, msg models.Message, body []byte) {
	// An attachment body must match the reference it claims; a frame
	// whose body hashes differently is as malformed as a bad encoding
	// and is dropped before it is acknowledged.
	if msg.Content.Kind != models.ContentText && len(body) > 0 {
		if len(body) > maxBlobBytes {
			slog.Debug("dropping oversized attachment", "peer_id", peerID, "size", len(body))
			return
		}
		ref, err := m.blobs.Put(bytes.NewReader(body))
		if err != nil {
			slog.Warn("failed to store inbound attachment", "peer_id", peerID, "error", err)
		} else if ref.Hash != msg.Content.Blob.Hash {
			slog.Debug("dropping message with mismatched attachment hash",
				"peer_id", peerID, "message_id", msg.ID)
			return
		}
	}

	// Ack first, even for duplicates: the sender's ack may have been
	// lost while the message was not.
	if err := m.Send(peerID, wire.AckFrame(msg.ID)); err != nil {
		slog.Debug("ack not sent", "peer_id", peerID, "message_id", msg.ID, "error", err)
	}

	if m.roster.SeenBefore(peerID, msg.ID) {
		slog.Debug("suppressing duplicate message", "peer_id", peerID, "message_id", msg.ID)
		return
	}

	// First message from an unknown peer creates the contact; it is
	// connected to us right now, so it comes up online.
	m.roster.EnsureContact(peerID, models.Contact{
		Username:    peerID,
		DisplayName: msg.SenderName,
	})
	m.roster.SetPresence(peerID, true)

	msg.Status = models.StatusDelivered
	m.roster.AppendMessage(peerID, msg)
}

func (m *Manager) connectionOpened(peerID string) {
	// An unknown peer that dialed us becomes a contact the moment the
	// channel opens, before any message arrives; typing and presence
	// frames from it would otherwise fall on the floor.
	m.roster.EnsureContact(peerID, models.Contact{Username: peerID})
	m.roster.SetPresence(peerID, true)
}

func (m *Manager) connectionClosed(peerID string) {
	m.mu.Lock()
	if c, ok := m.conns[peerID]; ok && c.State() == StateClosed {
		delete(m.conns, peerID)
	}
	m.mu.Unlock()

	m.roster.SetPresence(peerID, false)
}

func (m *Manager) frameDropped(peerID string, reason string) {
	m.roster.Notice("message to %s not delivered: %s", peerID, reason)
}

func (m *Manager) closeAll() {
	m.mu.Lock()
	conns := make([]*Connection, 0, len(m.conns))
	for _, c := range m.conns {
		conns = append(conns, c)
	}
	m.conns = make(map[string]*Connection)
	m.mu.Unlock()

	for _, c := range conns {
		c.Close()
	}
}
