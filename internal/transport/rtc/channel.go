package rtc

import (
	"fmt"
	"sync"

	"github.com/pion/webrtc/v4"
)

const recvBuffer = 64

// dataChannel adapts a pion data channel to transport.Channel. A
// single consumer draining Recv preserves the channel's frame order
// (the data channel itself is ordered and reliable by default).
type dataChannel struct {
	peerID string
	pc     *webrtc.PeerConnection
	dc     *webrtc.DataChannel

	ready chan struct{}
	recv  chan []byte
	done  chan struct{}

	readyOnce sync.Once
	closeOnce sync.Once
	onClose   func()
}

func newDataChannel(peerID string, pc *webrtc.PeerConnection, dc *webrtc.DataChannel, onClose func()) *dataChannel {
	ch := &dataChannel{
		peerID:  peerID,
		pc:      pc,
		dc:      dc,
		ready:   make(chan struct{}),
		recv:    make(chan []byte, recvBuffer),
		done:    make(chan struct{}),
		onClose: onClose,
	}

	dc.OnOpen(func() {
		ch.readyOnce.Do(func() { close(ch.ready) })
	})
	dc.OnMessage(func(msg webrtc.DataChannelMessage) {
		select {
		case ch.recv <- msg.Data:
		case <-ch.done:
		}
	})
	dc.OnClose(func() {
		_ = ch.Close()
	})
	pc.OnConnectionStateChange(func(state webrtc.PeerConnectionState) {
		switch state {
		case webrtc.PeerConnectionStateFailed, webrtc.PeerConnectionStateClosed:
			_ = ch.Close()
		}
	})

	return ch
}

func (ch *dataChannel) Peer() string           { return ch.peerID }
func (ch *dataChannel) Ready() <-chan struct{} { return ch.ready }
func (ch *dataChannel) Recv() <-chan []byte    { return ch.recv }
func (ch *dataChannel) Done() <-chan struct{}  { return ch.done }

func (ch *dataChannel) Send(frame []byte) error {
	select {
	case <-ch.done:
		return fmt.Errorf("send to %s: channel closed", ch.peerID)
	default:
	}
	select {
	case <-ch.ready:
	default:
		return fmt.Errorf("send to %s: channel not open", ch.peerID)
	}
	if err := ch.dc.Send(frame); err != nil {
		return fmt.Errorf("send to %s: %w", ch.peerID, err)
	}
	return nil
}

func (ch *dataChannel) Close() error {
	ch.closeOnce.Do(func() {
		// recv stays open: OnMessage callbacks may still be in their
		// select. Readers exit via done.
		close(ch.done)
		_ = ch.dc.Close()
		_ = ch.pc.Close()
		if ch.onClose != nil {
			ch.onClose()
		}
	})
	return nil
}
