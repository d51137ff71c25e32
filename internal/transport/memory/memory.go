// Package memory is an in-process relay: every registered endpoint is
// reachable by id inside one process. It backs the package tests and
// doubles as a reference implementation of the transport contract.
package memory

import (
	"context"
	"fmt"
	"sync"
	"time"

	"tetatet/internal/models"
	"tetatet/internal/transport"
)

const frameBuffer = 64

// Switchboard connects endpoints registered in the same process.
type Switchboard struct {
	mu        sync.Mutex
	endpoints map[string]*Endpoint

	// OpenDelay postpones channel readiness, simulating rendezvous
	// negotiation time.
	OpenDelay time.Duration
}

func NewSwitchboard() *Switchboard {
	return &Switchboard{endpoints: make(map[string]*Endpoint)}
}

// Registered reports whether an endpoint currently holds the id.
func (sb *Switchboard) Registered(id string) bool {
	sb.mu.Lock()
	defer sb.mu.Unlock()
	_, ok := sb.endpoints[id]
	return ok
}

// Endpoint is one registered party's view of the switchboard.
type Endpoint struct {
	board  *Switchboard
	id     string
	conns  chan transport.Channel
	calls  chan transport.CallHandle
	faults chan error

	mu     sync.Mutex
	closed bool
}

func (sb *Switchboard) Endpoint() *Endpoint {
	return &Endpoint{
		board:  sb,
		conns:  make(chan transport.Channel, 8),
		calls:  make(chan transport.CallHandle, 8),
		faults: make(chan error, 8),
	}
}

func (e *Endpoint) Register(ctx context.Context, selfID string) (transport.Listener, error) {
	e.board.mu.Lock()
	defer e.board.mu.Unlock()

	if other, ok := e.board.endpoints[selfID]; ok && other != e {
		return transport.Listener{}, fmt.Errorf("id %q already registered", selfID)
	}
	e.id = selfID
	e.board.endpoints[selfID] = e

	return transport.Listener{
		ConnectionRequests: e.conns,
		CallInvitations:    e.calls,
		Faults:             e.faults,
	}, nil
}

func (e *Endpoint) Connect(ctx context.Context, peerID string) (transport.Channel, error) {
	e.board.mu.Lock()
	remote, ok := e.board.endpoints[peerID]
	delay := e.board.OpenDelay
	e.board.mu.Unlock()

	if !ok {
		return nil, fmt.Errorf("connect %s: %w", peerID, models.ErrPeerUnavailable)
	}

	local, peer := newChannelPair(e.id, peerID)

	go func() {
		if delay > 0 {
			select {
			case <-time.After(delay):
			case <-ctx.Done():
				_ = local.Close()
				return
			}
		}
		local.open()
		peer.open()
		remote.deliverConnection(peer)
	}()

	return local, nil
}

func (e *Endpoint) Call(ctx context.Context, peerID string, local transport.MediaStream, meta transport.CallMeta) (transport.CallHandle, error) {
	e.board.mu.Lock()
	remote, ok := e.board.endpoints[peerID]
	e.board.mu.Unlock()

	if !ok {
		return nil, fmt.Errorf("call %s: %w", peerID, models.ErrPeerUnavailable)
	}

	caller, callee := newCallPair(e.id, peerID, local, meta)
	remote.deliverCall(callee)
	return caller, nil
}

func (e *Endpoint) Close() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed {
		return nil
	}
	e.closed = true

	e.board.mu.Lock()
	if e.board.endpoints[e.id] == e {
		delete(e.board.endpoints, e.id)
	}
	e.board.mu.Unlock()
	return nil
}

func (e *Endpoint) deliverConnection(ch transport.Channel) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed {
		_ = ch.Close()
		return
	}
	select {
	case e.conns <- ch:
	default:
		_ = ch.Close()
	}
}

func (e *Endpoint) deliverCall(h transport.CallHandle) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed {
		_ = h.Close()
		return
	}
	select {
	case e.calls <- h:
	default:
		_ = h.Close()
	}
}

// channel is one side of a paired in-memory frame channel.
type channel struct {
	peer   string
	self   string
	ready  chan struct{}
	done   chan struct{}
	recv   chan []byte
	remote *channel

	mu     sync.Mutex
	opened bool
	closed bool
}

func newChannelPair(callerID, calleeID string) (*channel, *channel) {
	a := &channel{
		self:  callerID,
		peer:  calleeID,
		ready: make(chan struct{}),
		done:  make(chan struct{}),
		recv:  make(chan []byte, frameBuffer),
	}
	b := &channel{
		self:  calleeID,
		peer:  callerID,
		ready: make(chan struct{}),
		done:  make(chan struct{}),
		recv:  make(chan []byte, frameBuffer),
	}
	a.remote, b.remote = b, a
	return a, b
}

func (c *channel) Peer() string           { return c.peer }
func (c *channel) Ready() <-chan struct{} { return c.ready }
func (c *channel) Recv() <-chan []byte    { return c.recv }
func (c *channel) Done() <-chan struct{}  { return c.done }

func (c *channel) open() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.opened || c.closed {
		return
	}
	c.opened = true
	close(c.ready)
}

func (c *channel) Send(frame []byte) error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return fmt.Errorf("send to %s: channel closed", c.peer)
	}
	if !c.opened {
		c.mu.Unlock()
		return fmt.Errorf("send to %s: channel not open", c.peer)
	}
	c.mu.Unlock()

	buf := make([]byte, len(frame))
	copy(buf, frame)
	select {
	case c.remote.recv <- buf:
		return nil
	case <-c.remote.done:
		return fmt.Errorf("send to %s: remote closed", c.peer)
	}
}

func (c *channel) Close() error {
	c.closeLocal()
	c.remote.closeLocal()
	return nil
}

func (c *channel) closeLocal() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return
	}
	c.closed = true
	close(c.done)
}

// call is one side of a paired in-memory media call.
type call struct {
	peer   string
	meta   transport.CallMeta
	stream chan transport.MediaStream
	done   chan struct{}
	remote *call

	mu      sync.Mutex
	pending transport.MediaStream
	closed  bool
}

func newCallPair(callerID, calleeID string, callerStream transport.MediaStream, meta transport.CallMeta) (*call, *call) {
	a := &call{
		peer:   calleeID,
		meta:   meta,
		stream: make(chan transport.MediaStream, 1),
		done:   make(chan struct{}),
	}
	b := &call{
		peer:   callerID,
		meta:   meta,
		stream: make(chan transport.MediaStream, 1),
		done:   make(chan struct{}),
	}
	a.remote, b.remote = b, a
	// The caller's stream travels with the invitation but stays held
	// back until the callee answers: a ringing callee must not see
	// remote media.
	b.pending = callerStream
	return a, b
}

func (c *call) Peer() string                               { return c.peer }
func (c *call) Meta() transport.CallMeta                   { return c.meta }
func (c *call) RemoteStream() <-chan transport.MediaStream { return c.stream }
func (c *call) Done() <-chan struct{}                      { return c.done }

func (c *call) Answer(local transport.MediaStream) error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return fmt.Errorf("answer %s: call closed", c.peer)
	}
	pending := c.pending
	c.pending = nil
	c.mu.Unlock()

	select {
	case c.remote.stream <- local:
	case <-c.remote.done:
		return fmt.Errorf("answer %s: remote closed", c.peer)
	}
	if pending != nil {
		c.stream <- pending
	}
	return nil
}

func (c *call) Close() error {
	c.closeLocal()
	c.remote.closeLocal()
	return nil
}

func (c *call) closeLocal() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return
	}
	c.closed = true
	close(c.done)
}
