// Package rtc is the production relay: a websocket signaling client
// for rendezvous and pion WebRTC for the actual peer-to-peer channels.
// Chat frames travel over a "chat" data channel; calls get their own
// PeerConnection carrying media tracks.
package rtc

import (
	"context"
	"fmt"
	"log/slog"
	"net/url"
	"sync"

	"github.com/gorilla/websocket"
	"github.com/pion/logging"
	"github.com/pion/webrtc/v4"

	"tetatet/internal/models"
	"tetatet/internal/transport"
)

const dataChannelLabel = "chat"

type Config struct {
	// RelayURL is the signaling endpoint, e.g. wss://relay.example/ws.
	RelayURL string
	// ICEURLs defaults to public STUN when empty.
	ICEURLs []string
}

func (c *Config) iceServers() []webrtc.ICEServer {
	urls := c.ICEURLs
	if len(urls) == 0 {
		urls = []string{
			"stun:stun.l.google.com:19302",
			"stun:stun1.l.google.com:19302",
		}
	}
	return []webrtc.ICEServer{{URLs: urls}}
}

// Signaling envelope relayed between peers by the rendezvous server.
type envelope struct {
	Type      string                     `json:"type"` // offer|answer|ice|call-offer|call-answer|call-ice|call-end|unavailable
	From      string                     `json:"from,omitempty"`
	To        string                     `json:"to,omitempty"`
	Desc      *webrtc.SessionDescription `json:"desc,omitempty"`
	Candidate *webrtc.ICECandidateInit   `json:"candidate,omitempty"`
	CallID    string                     `json:"callId,omitempty"`
	CallType  string                     `json:"callType,omitempty"`
}

type Client struct {
	cfg Config
	api *webrtc.API

	selfID  string
	ws      *websocket.Conn
	writeMu sync.Mutex

	mu    sync.Mutex
	peers map[string]*dataChannel // peer id -> data connection
	calls map[string]*callHandle  // call id -> call leg

	conns   chan transport.Channel
	invites chan transport.CallHandle
	faults  chan error

	closed    chan struct{}
	closeOnce sync.Once
}

func NewClient(cfg Config) *Client {
	se := webrtc.SettingEngine{}
	se.LoggerFactory = logging.NewDefaultLoggerFactory()

	return &Client{
		cfg:     cfg,
		api:     webrtc.NewAPI(webrtc.WithSettingEngine(se)),
		peers:   make(map[string]*dataChannel),
		calls:   make(map[string]*callHandle),
		conns:   make(chan transport.Channel, 8),
		invites: make(chan transport.CallHandle, 8),
		faults:  make(chan error, 8),
		closed:  make(chan struct{}),
	}
}

// Register dials the signaling server and starts serving its events.
func (c *Client) Register(ctx context.Context, selfID string) (transport.Listener, error) {
	u, err := url.Parse(c.cfg.RelayURL)
	if err != nil {
		return transport.Listener{}, fmt.Errorf("invalid relay url: %w", err)
	}
	q := u.Query()
	q.Set("id", selfID)
	u.RawQuery = q.Encode()

	ws, _, err := websocket.DefaultDialer.DialContext(ctx, u.String(), nil)
	if err != nil {
		return transport.Listener{}, fmt.Errorf("failed to dial relay: %w", err)
	}

	c.selfID = selfID
	c.ws = ws

	go c.readPump()
	go func() {
		<-ctx.Done()
		_ = c.Close()
	}()

	return transport.Listener{
		ConnectionRequests: c.conns,
		CallInvitations:    c.invites,
		Faults:             c.faults,
	}, nil
}

// Connect starts an outbound data-channel negotiation. It returns
// immediately; the channel's Ready fires once the data channel opens.
// An unreachable peer surfaces on the fault stream and closes the
// channel.
func (c *Client) Connect(ctx context.Context, peerID string) (transport.Channel, error) {
	pc, err := c.newPeerConnection(peerID)
	if err != nil {
		return nil, err
	}

	dc, err := pc.CreateDataChannel(dataChannelLabel, nil)
	if err != nil {
		_ = pc.Close()
		return nil, fmt.Errorf("failed to create data channel: %w", err)
	}

	ch := newDataChannel(peerID, pc, dc, func() { c.dropPeer(peerID) })

	c.mu.Lock()
	c.peers[peerID] = ch
	c.mu.Unlock()

	offer, err := pc.CreateOffer(nil)
	if err != nil {
		_ = ch.Close()
		return nil, fmt.Errorf("failed to create offer: %w", err)
	}
	if err := pc.SetLocalDescription(offer); err != nil {
		_ = ch.Close()
		return nil, fmt.Errorf("failed to apply local offer: %w", err)
	}
	if err := c.send(envelope{Type: "offer", To: peerID, Desc: &offer}); err != nil {
		_ = ch.Close()
		return nil, err
	}

	return ch, nil
}

// Call starts an outbound media call on a dedicated PeerConnection.
func (c *Client) Call(ctx context.Context, peerID string, local transport.MediaStream, meta transport.CallMeta) (transport.CallHandle, error) {
	ls, ok := local.(*LocalStream)
	if !ok {
		return nil, fmt.Errorf("local stream is not an rtc stream")
	}

	pc, err := c.newCallPeerConnection()
	if err != nil {
		return nil, err
	}

	h := newCallerHandle(c, pc, peerID, meta)
	if err := h.publish(ls); err != nil {
		_ = h.Close()
		return nil, err
	}

	c.mu.Lock()
	c.calls[h.callID] = h
	c.mu.Unlock()

	pc.OnICECandidate(func(cand *webrtc.ICECandidate) {
		if cand == nil {
			return
		}
		init := cand.ToJSON()
		_ = c.send(envelope{Type: "call-ice", To: peerID, CallID: h.callID, Candidate: &init})
	})

	offer, err := pc.CreateOffer(nil)
	if err != nil {
		c.dropCall(h.callID)
		_ = h.Close()
		return nil, fmt.Errorf("failed to create call offer: %w", err)
	}
	if err := pc.SetLocalDescription(offer); err != nil {
		c.dropCall(h.callID)
		_ = h.Close()
		return nil, fmt.Errorf("failed to apply local call offer: %w", err)
	}
	err = c.send(envelope{
		Type:     "call-offer",
		To:       peerID,
		CallID:   h.callID,
		CallType: string(meta.Type),
		Desc:     &offer,
	})
	if err != nil {
		c.dropCall(h.callID)
		_ = h.Close()
		return nil, err
	}

	return h, nil
}

func (c *Client) Close() error {
	c.closeOnce.Do(func() {
		close(c.closed)
		if c.ws != nil {
			_ = c.ws.Close()
		}

		c.mu.Lock()
		peers := make([]*dataChannel, 0, len(c.peers))
		for _, ch := range c.peers {
			peers = append(peers, ch)
		}
		calls := make([]*callHandle, 0, len(c.calls))
		for _, h := range c.calls {
			calls = append(calls, h)
		}
		c.mu.Unlock()

		for _, ch := range peers {
			_ = ch.Close()
		}
		for _, h := range calls {
			_ = h.Close()
		}
	})
	return nil
}

func (c *Client) send(env envelope) error {
	env.From = c.selfID
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	if err := c.ws.WriteJSON(env); err != nil {
		return fmt.Errorf("failed to send signaling message: %w", err)
	}
	return nil
}

func (c *Client) fault(err error) {
	select {
	case c.faults <- err:
	default:
	}
}

func (c *Client) readPump() {
	for {
		var env envelope
		if err := c.ws.ReadJSON(&env); err != nil {
			select {
			case <-c.closed:
			default:
				c.fault(fmt.Errorf("signaling connection lost: %w", err))
			}
			return
		}
		c.handleEnvelope(env)
	}
}

func (c *Client) handleEnvelope(env envelope) {
	switch env.Type {
	case "offer":
		c.handleOffer(env)
	case "answer":
		c.handleAnswer(env)
	case "ice":
		c.handleICE(env)
	case "unavailable":
		c.handleUnavailable(env)
	case "call-offer":
		c.handleCallOffer(env)
	case "call-answer", "call-ice", "call-end":
		c.handleCallSignal(env)
	default:
		slog.Debug("ignoring unknown signaling message", "type", env.Type)
	}
}

func (c *Client) handleOffer(env envelope) {
	if env.Desc == nil {
		return
	}

	pc, err := c.newPeerConnection(env.From)
	if err != nil {
		c.fault(err)
		return
	}

	pc.OnDataChannel(func(dc *webrtc.DataChannel) {
		if dc.Label() != dataChannelLabel {
			_ = dc.Close()
			return
		}
		ch := newDataChannel(env.From, pc, dc, func() { c.dropPeer(env.From) })

		c.mu.Lock()
		c.peers[env.From] = ch
		c.mu.Unlock()

		select {
		case c.conns <- ch:
		default:
			_ = ch.Close()
		}
	})

	if err := pc.SetRemoteDescription(*env.Desc); err != nil {
		c.fault(fmt.Errorf("failed to apply offer from %s: %w", env.From, err))
		_ = pc.Close()
		return
	}
	answer, err := pc.CreateAnswer(nil)
	if err != nil {
		c.fault(fmt.Errorf("failed to answer %s: %w", env.From, err))
		_ = pc.Close()
		return
	}
	if err := pc.SetLocalDescription(answer); err != nil {
		c.fault(fmt.Errorf("failed to apply local answer: %w", err))
		_ = pc.Close()
		return
	}
	_ = c.send(envelope{Type: "answer", To: env.From, Desc: &answer})
}

func (c *Client) handleAnswer(env envelope) {
	if env.Desc == nil {
		return
	}
	c.mu.Lock()
	ch := c.peers[env.From]
	c.mu.Unlock()
	if ch == nil {
		return
	}
	if err := ch.pc.SetRemoteDescription(*env.Desc); err != nil {
		c.fault(fmt.Errorf("failed to apply answer from %s: %w", env.From, err))
	}
}

func (c *Client) handleICE(env envelope) {
	if env.Candidate == nil {
		return
	}
	c.mu.Lock()
	ch := c.peers[env.From]
	c.mu.Unlock()
	if ch == nil {
		return
	}
	if err := ch.pc.AddICECandidate(*env.Candidate); err != nil {
		slog.Debug("discarding ice candidate", "peer_id", env.From, "error", err)
	}
}

// handleUnavailable is the relay telling us a Connect target is not
// registered. The pending channel never opens; closing it lets the
// connection manager's bounded retry policy run out cleanly.
func (c *Client) handleUnavailable(env envelope) {
	peerID := env.To
	c.fault(fmt.Errorf("%s: %w", peerID, models.ErrPeerUnavailable))

	c.mu.Lock()
	ch := c.peers[peerID]
	c.mu.Unlock()
	if ch != nil {
		_ = ch.Close()
	}
}

func (c *Client) handleCallOffer(env envelope) {
	if env.Desc == nil || env.CallID == "" {
		return
	}

	h := newCalleeHandle(c, env.From, env.CallID, transport.CallMeta{
		Caller: env.From,
		Type:   models.CallType(env.CallType),
	}, *env.Desc)

	c.mu.Lock()
	c.calls[env.CallID] = h
	c.mu.Unlock()

	select {
	case c.invites <- h:
	default:
		_ = h.Close()
	}
}

func (c *Client) handleCallSignal(env envelope) {
	c.mu.Lock()
	h := c.calls[env.CallID]
	c.mu.Unlock()
	if h == nil {
		return
	}

	switch env.Type {
	case "call-answer":
		if env.Desc != nil {
			h.applyAnswer(*env.Desc)
		}
	case "call-ice":
		if env.Candidate != nil {
			h.addICE(*env.Candidate)
		}
	case "call-end":
		h.remoteEnd()
	}
}

func (c *Client) newPeerConnection(peerID string) (*webrtc.PeerConnection, error) {
	pc, err := c.api.NewPeerConnection(webrtc.Configuration{ICEServers: c.cfg.iceServers()})
	if err != nil {
		return nil, fmt.Errorf("failed to create peer connection: %w", err)
	}
	pc.OnICECandidate(func(cand *webrtc.ICECandidate) {
		if cand == nil {
			return
		}
		init := cand.ToJSON()
		_ = c.send(envelope{Type: "ice", To: peerID, Candidate: &init})
	})
	return pc, nil
}

func (c *Client) newCallPeerConnection() (*webrtc.PeerConnection, error) {
	pc, err := c.api.NewPeerConnection(webrtc.Configuration{ICEServers: c.cfg.iceServers()})
	if err != nil {
		return nil, fmt.Errorf("failed to create call peer connection: %w", err)
	}
	return pc, nil
}

func (c *Client) dropPeer(peerID string) {
	c.mu.Lock()
	delete(c.peers, peerID)
	c.mu.Unlock()
}

func (c *Client) dropCall(callID string) {
	c.mu.Lock()
	delete(c.calls, callID)
	c.mu.Unlock()
}
