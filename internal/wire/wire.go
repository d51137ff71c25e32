// Package wire defines the frame protocol multiplexed over one peer
// connection. Every frame is a msgpack-encoded tagged record; the
// exchange for a chat message is exactly two frames: message one way,
// ack the other.
package wire

import (
	"fmt"

	"github.com/vmihailenco/msgpack/v5"

	"tetatet/internal/models"
)

type Kind string

const (
	KindMessage Kind = "message"
	KindTyping  Kind = "typing"
	KindAck     Kind = "ack"
)

type Frame struct {
	Kind    Kind            `msgpack:"kind"`
	Payload *models.Message `msgpack:"payload,omitempty"`
	// BlobBody carries the attachment bytes alongside an image/audio
	// message, so the receiver can store them under the payload's
	// BlobRef without a separate transfer round.
	BlobBody []byte `msgpack:"blobBody,omitempty"`
	IsTyping bool   `msgpack:"isTyping,omitempty"`
	ID       string `msgpack:"id,omitempty"`
}

func MessageFrame(msg models.Message) Frame {
	return Frame{Kind: KindMessage, Payload: &msg}
}

func BlobMessageFrame(msg models.Message, body []byte) Frame {
	return Frame{Kind: KindMessage, Payload: &msg, BlobBody: body}
}

func TypingFrame(isTyping bool) Frame {
	return Frame{Kind: KindTyping, IsTyping: isTyping}
}

func AckFrame(id string) Frame {
	return Frame{Kind: KindAck, ID: id}
}

// Validate checks the fields required for the frame's kind.
func (f Frame) Validate() error {
	switch f.Kind {
	case KindMessage:
		if f.Payload == nil {
			return fmt.Errorf("%w: message frame without payload", models.ErrMalformedFrame)
		}
		return f.Payload.Validate()
	case KindTyping:
		return nil
	case KindAck:
		if f.ID == "" {
			return fmt.Errorf("%w: ack frame without id", models.ErrMalformedFrame)
		}
		return nil
	default:
		return fmt.Errorf("%w: unknown frame kind %q", models.ErrMalformedFrame, f.Kind)
	}
}

func Encode(f Frame) ([]byte, error) {
	if err := f.Validate(); err != nil {
		return nil, err
	}
	return msgpack.Marshal(f)
}

// Decode parses a frame and validates it. Undecodable or incomplete
// data comes back as ErrMalformedFrame so callers can drop it.
func Decode(data []byte) (Frame, error) {
	var f Frame
	if err := msgpack.Unmarshal(data, &f); err != nil {
		return Frame{}, fmt.Errorf("%w: %v", models.ErrMalformedFrame, err)
	}
	if err := f.Validate(); err != nil {
		return Frame{}, err
	}
	return f, nil
}
