package rtc

import (
	"fmt"
	"sync"

	"github.com/google/uuid"
	"github.com/pion/webrtc/v4"

	"tetatet/internal/transport"
)

// callHandle is one leg of a media call on its own PeerConnection.
type callHandle struct {
	client *Client
	peerID string
	callID string
	meta   transport.CallMeta

	// Callee side keeps the offer until the user answers.
	offer webrtc.SessionDescription

	mu         sync.Mutex
	pc         *webrtc.PeerConnection
	pendingICE []webrtc.ICECandidateInit

	stream     chan transport.MediaStream
	streamOnce sync.Once
	done       chan struct{}
	closeOnce  sync.Once
}

func newCallerHandle(client *Client, pc *webrtc.PeerConnection, peerID string, meta transport.CallMeta) *callHandle {
	return &callHandle{
		client: client,
		peerID: peerID,
		callID: uuid.NewString(),
		meta:   meta,
		pc:     pc,
		stream: make(chan transport.MediaStream, 1),
		done:   make(chan struct{}),
	}
}

func newCalleeHandle(client *Client, peerID, callID string, meta transport.CallMeta, offer webrtc.SessionDescription) *callHandle {
	return &callHandle{
		client: client,
		peerID: peerID,
		callID: callID,
		meta:   meta,
		offer:  offer,
		stream: make(chan transport.MediaStream, 1),
		done:   make(chan struct{}),
	}
}

func (h *callHandle) Peer() string                               { return h.peerID }
func (h *callHandle) Meta() transport.CallMeta                   { return h.meta }
func (h *callHandle) RemoteStream() <-chan transport.MediaStream { return h.stream }
func (h *callHandle) Done() <-chan struct{}                      { return h.done }

// publish adds the local tracks and wires remote track arrival.
func (h *callHandle) publish(local *LocalStream) error {
	for _, track := range local.tracks {
		if _, err := h.pc.AddTrack(track); err != nil {
			return fmt.Errorf("failed to add local track: %w", err)
		}
	}

	h.pc.OnTrack(func(tr *webrtc.TrackRemote, _ *webrtc.RTPReceiver) {
		// Keep the RTP flowing; the handle owns the receiving side
		// until the call ends.
		go func() {
			buf := make([]byte, 1500)
			for {
				if _, _, err := tr.Read(buf); err != nil {
					return
				}
			}
		}()
		h.streamOnce.Do(func() {
			h.stream <- &remoteStream{kind: h.meta.Type}
		})
	})
	h.pc.OnConnectionStateChange(func(state webrtc.PeerConnectionState) {
		switch state {
		case webrtc.PeerConnectionStateFailed, webrtc.PeerConnectionStateClosed,
			webrtc.PeerConnectionStateDisconnected:
			h.remoteEnd()
		}
	})
	return nil
}

// Answer is the callee accepting: build the PeerConnection, publish
// the local stream and return the SDP answer to the caller.
func (h *callHandle) Answer(local transport.MediaStream) error {
	ls, ok := local.(*LocalStream)
	if !ok {
		return fmt.Errorf("local stream is not an rtc stream")
	}

	pc, err := h.client.newCallPeerConnection()
	if err != nil {
		return err
	}

	h.mu.Lock()
	h.pc = pc
	pending := h.pendingICE
	h.pendingICE = nil
	h.mu.Unlock()

	pc.OnICECandidate(func(cand *webrtc.ICECandidate) {
		if cand == nil {
			return
		}
		init := cand.ToJSON()
		_ = h.client.send(envelope{Type: "call-ice", To: h.peerID, CallID: h.callID, Candidate: &init})
	})

	if err := h.publish(ls); err != nil {
		return err
	}
	if err := pc.SetRemoteDescription(h.offer); err != nil {
		return fmt.Errorf("failed to apply call offer: %w", err)
	}
	for _, cand := range pending {
		_ = pc.AddICECandidate(cand)
	}

	answer, err := pc.CreateAnswer(nil)
	if err != nil {
		return fmt.Errorf("failed to create call answer: %w", err)
	}
	if err := pc.SetLocalDescription(answer); err != nil {
		return fmt.Errorf("failed to apply local call answer: %w", err)
	}
	return h.client.send(envelope{Type: "call-answer", To: h.peerID, CallID: h.callID, Desc: &answer})
}

func (h *callHandle) applyAnswer(desc webrtc.SessionDescription) {
	h.mu.Lock()
	pc := h.pc
	h.mu.Unlock()
	if pc == nil {
		return
	}
	if err := pc.SetRemoteDescription(desc); err != nil {
		h.client.fault(fmt.Errorf("failed to apply call answer from %s: %w", h.peerID, err))
	}
}

func (h *callHandle) addICE(cand webrtc.ICECandidateInit) {
	h.mu.Lock()
	if h.pc == nil {
		// Callee has not answered yet; apply once the pc exists.
		h.pendingICE = append(h.pendingICE, cand)
		h.mu.Unlock()
		return
	}
	pc := h.pc
	h.mu.Unlock()
	_ = pc.AddICECandidate(cand)
}

// remoteEnd tears the leg down without signaling back.
func (h *callHandle) remoteEnd() {
	h.closeOnce.Do(func() {
		close(h.done)
		h.teardown()
	})
}

func (h *callHandle) Close() error {
	h.closeOnce.Do(func() {
		close(h.done)
		_ = h.client.send(envelope{Type: "call-end", To: h.peerID, CallID: h.callID})
		h.teardown()
	})
	return nil
}

func (h *callHandle) teardown() {
	h.mu.Lock()
	pc := h.pc
	h.mu.Unlock()
	if pc != nil {
		_ = pc.Close()
	}
	h.client.dropCall(h.callID)
}
