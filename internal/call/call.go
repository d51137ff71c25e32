// Package call runs the signaling state machine for media calls. One
// session exists at a time; every path into Ended releases the media
// handles exactly once.
package call

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"tetatet/internal/models"
	"tetatet/internal/roster"
	"tetatet/internal/transport"
)

type State string

const (
	StateRinging   State = "ringing"
	StateConnected State = "connected"
	StateEnded     State = "ended"
)

// errCallEnded reports that the session ended while call setup was
// still in flight (media acquisition, relay dial).
var errCallEnded = errors.New("call already ended")

// Session is one active or in-progress call.
type Session struct {
	Type     models.CallType
	PeerID   string
	Incoming bool

	handle transport.CallHandle

	mu     sync.Mutex
	state  State
	local  transport.MediaStream
	remote transport.MediaStream

	onEnded func(*Session)
}

func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Controller owns the single active session and drives its
// transitions from user intents and transport events.
type Controller struct {
	media  transport.MediaSource
	relay  transport.Relay
	roster *roster.Roster

	mu     sync.Mutex
	active *Session
}

func NewController(relay transport.Relay, media transport.MediaSource, r *roster.Roster) *Controller {
	return &Controller{
		media:  media,
		relay:  relay,
		roster: r,
	}
}

// Active returns the current session, nil when idle.
func (c *Controller) Active() *Session {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.active
}

// Run consumes inbound call invitations until the context ends. An
// invitation arriving while a session is active is rejected outright;
// the single-call invariant is enforced here, not left to transport
// behavior.
func (c *Controller) Run(ctx context.Context, invitations <-chan transport.CallHandle) error {
	for {
		select {
		case h, ok := <-invitations:
			if !ok {
				return errors.New("call invitation stream closed")
			}
			c.handleInvitation(h)
		case <-ctx.Done():
			if s := c.Active(); s != nil {
				c.end(s)
			}
			return ctx.Err()
		}
	}
}

// Start places an outbound call: acquires local media, sends the
// invitation with an explicit call type, and enters Ringing.
func (c *Controller) Start(ctx context.Context, peerID string, callType models.CallType) (*Session, error) {
	c.mu.Lock()
	if c.active != nil {
		c.mu.Unlock()
		return nil, models.ErrCallBusy
	}
	// Reserve the slot before any suspension point so a concurrent
	// invitation sees the call as active.
	s := &Session{
		Type:    callType,
		PeerID:  peerID,
		state:   StateRinging,
		onEnded: c.clearActive,
	}
	c.active = s
	c.mu.Unlock()

	local, err := c.media.Acquire(ctx, callType)
	if err != nil {
		c.end(s)
		c.roster.Notice("camera/microphone access required for calls")
		return nil, fmt.Errorf("%w: %v", models.ErrMediaAccessDenied, err)
	}
	// The session may have ended while Acquire was blocked; a stream
	// acquired for a dead session is released here, never stored.
	s.mu.Lock()
	if s.state != StateRinging {
		s.mu.Unlock()
		local.Release()
		return nil, errCallEnded
	}
	s.local = local
	s.mu.Unlock()

	ident, _ := c.roster.Identity()
	handle, err := c.relay.Call(ctx, peerID, local, transport.CallMeta{
		Caller: ident.ID,
		Type:   callType,
	})
	if err != nil {
		c.end(s)
		if errors.Is(err, models.ErrPeerUnavailable) {
			c.roster.Notice("%s is currently offline", peerID)
		} else {
			c.roster.Notice("call to %s failed: %v", peerID, err)
		}
		return nil, err
	}
	s.mu.Lock()
	if s.state != StateRinging {
		s.mu.Unlock()
		_ = handle.Close()
		return nil, errCallEnded
	}
	s.handle = handle
	s.mu.Unlock()

	c.roster.EmitCallState(peerID, string(StateRinging))
	go c.watch(s)
	return s, nil
}

func (c *Controller) handleInvitation(h transport.CallHandle) {
	meta := h.Meta()

	c.mu.Lock()
	if c.active != nil {
		c.mu.Unlock()
		slog.Info("rejecting call while busy", "caller", meta.Caller)
		_ = h.Close()
		return
	}
	s := &Session{
		Type:     meta.Type,
		PeerID:   meta.Caller,
		Incoming: true,
		handle:   h,
		state:    StateRinging,
		onEnded:  c.clearActive,
	}
	c.active = s
	c.mu.Unlock()

	// The caller becomes a contact even if we never spoke before.
	c.roster.EnsureContact(meta.Caller, models.Contact{Username: meta.Caller})
	c.roster.EmitCallState(meta.Caller, string(StateRinging))
	go c.watch(s)
}

// Accept answers the ringing inbound call: acquires local media and
// publishes it. The session flips to Connected only when the remote
// stream arrives.
func (c *Controller) Accept(ctx context.Context) error {
	s := c.Active()
	if s == nil || !s.Incoming {
		return errors.New("no incoming call to accept")
	}
	if s.State() != StateRinging {
		return fmt.Errorf("cannot accept call in state %s", s.State())
	}

	local, err := c.media.Acquire(ctx, s.Type)
	if err != nil {
		// Media denial aborts setup unconditionally.
		c.end(s)
		c.roster.Notice("camera/microphone access required for calls")
		return fmt.Errorf("%w: %v", models.ErrMediaAccessDenied, err)
	}
	// The caller may have hung up while Acquire was blocked; end has
	// already run then, so the fresh stream must be released here.
	s.mu.Lock()
	if s.state != StateRinging {
		s.mu.Unlock()
		local.Release()
		return errCallEnded
	}
	s.local = local
	s.mu.Unlock()

	if err := s.handle.Answer(local); err != nil {
		c.end(s)
		return fmt.Errorf("failed to answer call: %w", err)
	}
	return nil
}

// HangUp ends the active call from any state. Also the reject path for
// a ringing inbound call.
func (c *Controller) HangUp() {
	if s := c.Active(); s != nil {
		c.end(s)
	}
}

// watch drives transport-side transitions: remote stream arrival and
// channel close.
func (c *Controller) watch(s *Session) {
	for {
		select {
		case remote, ok := <-s.handle.RemoteStream():
			if !ok {
				c.end(s)
				return
			}
			if !c.connect(s, remote) {
				return
			}
		case <-s.handle.Done():
			c.end(s)
			return
		}
	}
}

// connect applies the remote-stream event. Only Ringing flips to
// Connected; a stream arriving in any other state is released on the
// spot.
func (c *Controller) connect(s *Session, remote transport.MediaStream) bool {
	s.mu.Lock()
	if s.state != StateRinging {
		s.mu.Unlock()
		if remote != nil {
			remote.Release()
		}
		return false
	}
	s.state = StateConnected
	s.remote = remote
	s.mu.Unlock()

	c.roster.EmitCallState(s.PeerID, string(StateConnected))
	return true
}

// end transitions the session into Ended and releases whatever media
// handles it holds at that moment. Safe to call from every exit path:
// the handles are taken out of the session under the lock, so a later
// end sees nil, and Release itself is idempotent. A stream acquired
// after the session already ended never enters the session (Start and
// Accept re-check the state), so nothing escapes this release.
func (c *Controller) end(s *Session) {
	s.mu.Lock()
	wasEnded := s.state == StateEnded
	s.state = StateEnded
	local, remote := s.local, s.remote
	handle := s.handle
	s.local, s.remote = nil, nil
	s.mu.Unlock()

	if local != nil {
		local.Release()
	}
	if remote != nil {
		remote.Release()
	}

	if handle != nil {
		_ = handle.Close()
	}

	if !wasEnded {
		s.onEnded(s)
		c.roster.EmitCallState(s.PeerID, string(StateEnded))
	}
}

func (c *Controller) clearActive(s *Session) {
	c.mu.Lock()
	if c.active == s {
		c.active = nil
	}
	c.mu.Unlock()
}
