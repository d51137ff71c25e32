package models

import (
	"errors"
	"fmt"
)

var (
	ErrNotFound = errors.New("not found")

	// ErrPeerUnavailable means the target id is not reachable at the
	// relay right now. Reported to the UI as a non-fatal notice.
	ErrPeerUnavailable = errors.New("peer unavailable")

	// ErrMediaAccessDenied means camera/microphone permission was
	// refused or no device is present.
	ErrMediaAccessDenied = errors.New("media access denied")

	// ErrMalformedFrame means a received frame is missing required
	// fields. Such frames are dropped, never surfaced to the user.
	ErrMalformedFrame = errors.New("malformed frame")

	// ErrCallBusy means a call invitation arrived or was requested
	// while another call session is active.
	ErrCallBusy = errors.New("another call is active")
)

// Presence represents the online status of a peer.
type Presence struct {
	Online   bool  `json:"online"`
	LastSeen int64 `json:"lastSeen"` // Unix timestamp (seconds)
}

// Identity is the local endpoint's own profile. The ID is fixed at
// first run and never changes afterwards.
type Identity struct {
	ID          string   `json:"id"`
	Username    string   `json:"username"`
	DisplayName string   `json:"displayName"`
	AvatarRef   string   `json:"avatarRef"`
	Presence    Presence `json:"presence"`
}

// Contact is a known remote peer. IsTyping is transient UI state and
// is never persisted.
type Contact struct {
	ID          string   `json:"id"`
	Username    string   `json:"username"`
	DisplayName string   `json:"displayName"`
	AvatarRef   string   `json:"avatarRef"`
	Presence    Presence `json:"presence"`
	IsTyping    bool     `json:"isTyping,omitempty"`
}

type ContentKind string

const (
	ContentText  ContentKind = "text"
	ContentImage ContentKind = "image"
	ContentAudio ContentKind = "audio"
)

// BlobRef points at a stored attachment body.
type BlobRef struct {
	Hash     string `json:"hash"`
	MimeType string `json:"mimeType"`
	Size     int64  `json:"size"`
}

// Content is the message body: plain text, or a reference to an
// image/audio blob.
type Content struct {
	Kind ContentKind `json:"kind"`
	Text string      `json:"text,omitempty"`
	Blob BlobRef     `json:"blob,omitempty"`
}

func TextContent(text string) Content {
	return Content{Kind: ContentText, Text: text}
}

func BlobContent(kind ContentKind, ref BlobRef) Content {
	return Content{Kind: kind, Blob: ref}
}

func (c Content) Validate() error {
	switch c.Kind {
	case ContentText:
		if c.Text == "" {
			return fmt.Errorf("%w: empty text content", ErrMalformedFrame)
		}
	case ContentImage, ContentAudio:
		if c.Blob.Hash == "" {
			return fmt.Errorf("%w: %s content without blob", ErrMalformedFrame, c.Kind)
		}
	default:
		return fmt.Errorf("%w: unknown content kind %q", ErrMalformedFrame, c.Kind)
	}
	return nil
}

type DeliveryStatus string

const (
	StatusSent      DeliveryStatus = "sent"
	StatusDelivered DeliveryStatus = "delivered"
)

// Message is one chat record. The id is generated by the sender and
// echoed back in the acknowledgement.
type Message struct {
	ID         string         `json:"id"`
	SenderID   string         `json:"senderId"`
	SenderName string         `json:"senderName"`
	Content    Content        `json:"content"`
	// RenderedHTML is the sanitized markdown rendering of text
	// content, filled on append for the presentation layer.
	RenderedHTML string         `json:"renderedHtml,omitempty"`
	Timestamp    int64          `json:"timestamp"` // Unix milliseconds
	Status       DeliveryStatus `json:"status"`
}

func (m Message) Validate() error {
	if m.ID == "" {
		return fmt.Errorf("%w: message missing id", ErrMalformedFrame)
	}
	if m.SenderID == "" {
		return fmt.Errorf("%w: message missing sender", ErrMalformedFrame)
	}
	return m.Content.Validate()
}

// ChatSession is the ordered per-contact message history. Append-only;
// insertion order is the session's total order.
type ChatSession struct {
	ContactID string    `json:"contactId"`
	Messages  []Message `json:"messages"`
}

type CallType string

const (
	CallVoice CallType = "voice"
	CallVideo CallType = "video"
)

// AvatarRef derives the default avatar for a username the same way the
// web client does.
func AvatarRef(username string) string {
	return "https://api.dicebear.com/7.x/avataaars/svg?seed=" + username
}
