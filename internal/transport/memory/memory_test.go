package memory

import (
	"context"
	"errors"
	"testing"
	"time"

	"tetatet/internal/models"
	"tetatet/internal/transport"
)

func register(t *testing.T, sb *Switchboard, id string) (*Endpoint, transport.Listener) {
	t.Helper()
	ep := sb.Endpoint()
	l, err := ep.Register(context.Background(), id)
	if err != nil {
		t.Fatalf("Register(%q) failed: %v", id, err)
	}
	return ep, l
}

func TestConnectUnknownPeer(t *testing.T) {
	sb := NewSwitchboard()
	ep, _ := register(t, sb, "alice")

	if _, err := ep.Connect(context.Background(), "ghost"); !errors.Is(err, models.ErrPeerUnavailable) {
		t.Fatalf("expected ErrPeerUnavailable, got %v", err)
	}
}

func TestChannelPair(t *testing.T) {
	sb := NewSwitchboard()
	alice, _ := register(t, sb, "alice")
	_, bobL := register(t, sb, "bob")

	ch, err := alice.Connect(context.Background(), "bob")
	if err != nil {
		t.Fatalf("Connect failed: %v", err)
	}

	var remote transport.Channel
	select {
	case remote = <-bobL.ConnectionRequests:
	case <-time.After(time.Second):
		t.Fatal("no inbound channel at bob")
	}
	if remote.Peer() != "alice" || ch.Peer() != "bob" {
		t.Errorf("peer ids wrong: %s / %s", remote.Peer(), ch.Peer())
	}

	select {
	case <-ch.Ready():
	case <-time.After(time.Second):
		t.Fatal("channel never opened")
	}

	if err := ch.Send([]byte("ping")); err != nil {
		t.Fatalf("Send failed: %v", err)
	}
	select {
	case got := <-remote.Recv():
		if string(got) != "ping" {
			t.Errorf("got %q", got)
		}
	case <-time.After(time.Second):
		t.Fatal("frame not delivered")
	}

	// Close signals done on both sides; recv stays open for draining.
	_ = ch.Close()
	select {
	case <-remote.Done():
	case <-time.After(time.Second):
		t.Fatal("remote never saw the close")
	}
	if err := ch.Send([]byte("late")); err == nil {
		t.Error("send on closed channel succeeded")
	}
}

func TestSendBeforeOpen(t *testing.T) {
	sb := NewSwitchboard()
	sb.OpenDelay = 200 * time.Millisecond
	alice, _ := register(t, sb, "alice")
	register(t, sb, "bob")

	ch, err := alice.Connect(context.Background(), "bob")
	if err != nil {
		t.Fatalf("Connect failed: %v", err)
	}
	if err := ch.Send([]byte("too early")); err == nil {
		t.Error("send before open must fail, queueing is the caller's job")
	}
}

type stream struct{ kind models.CallType }

func (s *stream) Kind() models.CallType { return s.kind }
func (s *stream) Release()              {}

func TestCallStreamHeldUntilAnswer(t *testing.T) {
	sb := NewSwitchboard()
	alice, _ := register(t, sb, "alice")
	_, bobL := register(t, sb, "bob")

	callerStream := &stream{kind: models.CallVoice}
	h, err := alice.Call(context.Background(), "bob", callerStream, transport.CallMeta{Caller: "alice", Type: models.CallVoice})
	if err != nil {
		t.Fatalf("Call failed: %v", err)
	}

	var invite transport.CallHandle
	select {
	case invite = <-bobL.CallInvitations:
	case <-time.After(time.Second):
		t.Fatal("no invitation at bob")
	}
	if invite.Meta().Type != models.CallVoice || invite.Meta().Caller != "alice" {
		t.Errorf("meta lost in transit: %+v", invite.Meta())
	}

	// Ringing: no media visible yet on either side.
	select {
	case <-invite.RemoteStream():
		t.Fatal("callee saw remote media before answering")
	case <-time.After(50 * time.Millisecond):
	}

	calleeStream := &stream{kind: models.CallVoice}
	if err := invite.Answer(calleeStream); err != nil {
		t.Fatalf("Answer failed: %v", err)
	}

	select {
	case got := <-h.RemoteStream():
		if got != transport.MediaStream(calleeStream) {
			t.Error("caller received the wrong stream")
		}
	case <-time.After(time.Second):
		t.Fatal("caller never received the callee stream")
	}
	select {
	case got := <-invite.RemoteStream():
		if got != transport.MediaStream(callerStream) {
			t.Error("callee received the wrong stream")
		}
	case <-time.After(time.Second):
		t.Fatal("callee never received the caller stream")
	}

	_ = h.Close()
	select {
	case <-invite.Done():
	case <-time.After(time.Second):
		t.Fatal("callee never saw the hang-up")
	}
}
