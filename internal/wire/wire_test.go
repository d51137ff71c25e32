package wire

import (
	"errors"
	"testing"

	"tetatet/internal/models"
)

func TestEncodeDecode(t *testing.T) {
	msg := models.Message{
		ID:         "m1",
		SenderID:   "alice",
		SenderName: "Alice",
		Content:    models.TextContent("hi"),
		Timestamp:  1700000000000,
		Status:     models.StatusSent,
	}

	data, err := Encode(MessageFrame(msg))
	if err != nil {
		t.Fatalf("Encode failed: %v", err)
	}

	f, err := Decode(data)
	if err != nil {
		t.Fatalf("Decode failed: %v", err)
	}
	if f.Kind != KindMessage {
		t.Errorf("expected kind %s, got %s", KindMessage, f.Kind)
	}
	if f.Payload == nil || f.Payload.ID != "m1" {
		t.Errorf("payload not round-tripped: %+v", f.Payload)
	}
	if f.Payload.Content.Text != "hi" {
		t.Errorf("expected text 'hi', got %q", f.Payload.Content.Text)
	}
}

func TestDecodeMalformed(t *testing.T) {
	tests := []struct {
		name  string
		frame Frame
	}{
		{"message without payload", Frame{Kind: KindMessage}},
		{"ack without id", Frame{Kind: KindAck}},
		{"unknown kind", Frame{Kind: "presence"}},
		{"message without sender", Frame{Kind: KindMessage, Payload: &models.Message{ID: "x", Content: models.TextContent("hi")}}},
		{"message without content", Frame{Kind: KindMessage, Payload: &models.Message{ID: "x", SenderID: "alice"}}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if err := tt.frame.Validate(); !errors.Is(err, models.ErrMalformedFrame) {
				t.Errorf("expected ErrMalformedFrame, got %v", err)
			}
		})
	}

	t.Run("garbage bytes", func(t *testing.T) {
		if _, err := Decode([]byte{0xff, 0x00, 0x13}); !errors.Is(err, models.ErrMalformedFrame) {
			t.Errorf("expected ErrMalformedFrame, got %v", err)
		}
	})
}

func TestTypingFrameRoundTrip(t *testing.T) {
	data, err := Encode(TypingFrame(true))
	if err != nil {
		t.Fatalf("Encode failed: %v", err)
	}
	f, err := Decode(data)
	if err != nil {
		t.Fatalf("Decode failed: %v", err)
	}
	if f.Kind != KindTyping || !f.IsTyping {
		t.Errorf("typing frame not round-tripped: %+v", f)
	}
}

func TestAckFrameRoundTrip(t *testing.T) {
	data, err := Encode(AckFrame("m42"))
	if err != nil {
		t.Fatalf("Encode failed: %v", err)
	}
	f, err := Decode(data)
	if err != nil {
		t.Fatalf("Decode failed: %v", err)
	}
	if f.Kind != KindAck || f.ID != "m42" {
		t.Errorf("ack frame not round-tripped: %+v", f)
	}
}
