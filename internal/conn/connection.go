package conn

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"tetatet/internal/transport"
)

type State string

const (
	StateConnecting State = "connecting"
	StateOpen       State = "open"
	StateClosed     State = "closed"
)

const (
	queueSize = 256
	// First retry delay for a failed send; doubles up to maxBackoff.
	retryInterval   = 100 * time.Millisecond
	maxBackoff      = 2 * time.Second
	maxSendAttempts = 8
)

// How long a connection may sit in connecting before it is torn down
// and its pending frames abandoned. Overridable in tests.
var openTimeout = 30 * time.Second

// Connection wraps one transport channel to a peer. Frames enqueued
// before the channel opens are held and flushed on open; the flush
// loop is cancelled with the connection, so no retry outlives it.
type Connection struct {
	peerID string
	ch     transport.Channel
	cancel context.CancelFunc

	queue chan []byte

	mu    sync.Mutex
	state State

	onOpen   func(peerID string)
	onClosed func(peerID string)
	onDrop   func(peerID string, reason string)
}

func newConnection(ctx context.Context, peerID string, ch transport.Channel, m *Manager) *Connection {
	ctx, cancel := context.WithCancel(ctx)
	c := &Connection{
		peerID:   peerID,
		ch:       ch,
		cancel:   cancel,
		queue:    make(chan []byte, queueSize),
		state:    StateConnecting,
		onOpen:   m.connectionOpened,
		onClosed: m.connectionClosed,
		onDrop:   m.frameDropped,
	}

	var wg sync.WaitGroup
	wg.Go(func() { c.writeLoop(ctx) })
	wg.Go(func() { c.readLoop(ctx, m.handleFrame) })
	go func() {
		wg.Wait()
		c.Close()
	}()

	return c
}

func (c *Connection) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

func (c *Connection) setState(s State) {
	c.mu.Lock()
	c.state = s
	c.mu.Unlock()
}

// Enqueue hands a frame to the connection. It never fails on a
// connection that is still connecting; transmission happens once the
// channel opens.
func (c *Connection) Enqueue(frame []byte) {
	select {
	case c.queue <- frame:
	default:
		c.onDrop(c.peerID, "send queue full")
	}
}

func (c *Connection) Close() {
	c.mu.Lock()
	alreadyClosed := c.state == StateClosed
	c.state = StateClosed
	c.mu.Unlock()

	c.cancel()
	_ = c.ch.Close()
	if !alreadyClosed {
		c.onClosed(c.peerID)
	}
}

func (c *Connection) writeLoop(ctx context.Context) {
	select {
	case <-c.ch.Ready():
	case <-c.ch.Done():
		return
	case <-ctx.Done():
		return
	case <-time.After(openTimeout):
		c.onDrop(c.peerID, "connection never opened")
		// Tear the connection down so the registry stops handing it out;
		// a later Obtain dials fresh.
		c.Close()
		return
	}

	c.setState(StateOpen)
	c.onOpen(c.peerID)

	for {
		select {
		case frame := <-c.queue:
			c.sendWithRetry(ctx, frame)
		case <-ctx.Done():
			return
		case <-c.ch.Done():
			return
		}
	}
}

func (c *Connection) sendWithRetry(ctx context.Context, frame []byte) {
	backoff := retryInterval
	for attempt := 0; attempt < maxSendAttempts; attempt++ {
		err := c.ch.Send(frame)
		if err == nil {
			return
		}
		slog.Debug("send failed", "peer_id", c.peerID, "attempt", attempt+1, "error", err)
		select {
		case <-time.After(backoff):
		case <-ctx.Done():
			return
		case <-c.ch.Done():
			return
		}
		if backoff < maxBackoff {
			backoff *= 2
		}
	}
	c.onDrop(c.peerID, "frame retries exhausted")
}

func (c *Connection) readLoop(ctx context.Context, handle func(peerID string, data []byte)) {
	for {
		select {
		case data := <-c.ch.Recv():
			handle(c.peerID, data)
		case <-c.ch.Done():
			// Drain frames that arrived before the close.
			for {
				select {
				case data := <-c.ch.Recv():
					handle(c.peerID, data)
				default:
					return
				}
			}
		case <-ctx.Done():
			return
		}
	}
}
