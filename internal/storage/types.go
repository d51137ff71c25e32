package storage

import (
	"encoding"

	"github.com/vmihailenco/msgpack/v5"

	"tetatet/internal/models"
)

type Storeable interface {
	Key() []byte
	encoding.BinaryMarshaler
	encoding.BinaryUnmarshaler
}

type DBIdentity struct {
	ID          string `msgpack:"id"`
	Username    string `msgpack:"username"`
	DisplayName string `msgpack:"displayName"`
	AvatarRef   string `msgpack:"avatarRef"`
	LastSeen    int64  `msgpack:"lastSeen"`
}

func (i *DBIdentity) Key() []byte {
	return keyProfileSelf
}

func (i *DBIdentity) MarshalBinary() (data []byte, err error) {
	type alias DBIdentity
	return msgpack.Marshal((*alias)(i))
}

func (i *DBIdentity) UnmarshalBinary(data []byte) error {
	type alias DBIdentity
	return msgpack.Unmarshal(data, (*alias)(i))
}

type DBContact struct {
	ID          string `msgpack:"id"`
	Username    string `msgpack:"username"`
	DisplayName string `msgpack:"displayName"`
	AvatarRef   string `msgpack:"avatarRef"`
	LastSeen    int64  `msgpack:"lastSeen"`
}

func (c *DBContact) Key() []byte {
	return []byte(c.ID)
}

func (c *DBContact) MarshalBinary() (data []byte, err error) {
	type alias DBContact
	return msgpack.Marshal((*alias)(c))
}

func (c *DBContact) UnmarshalBinary(data []byte) error {
	type alias DBContact
	return msgpack.Unmarshal(data, (*alias)(c))
}

type DBMessage struct {
	ID           string `msgpack:"id"`
	SenderID     string `msgpack:"senderId"`
	SenderName   string `msgpack:"senderName"`
	Kind         string `msgpack:"kind"`
	Text         string `msgpack:"text,omitempty"`
	BlobHash     string `msgpack:"blobHash,omitempty"`
	BlobMime     string `msgpack:"blobMime,omitempty"`
	BlobSize     int64  `msgpack:"blobSize,omitempty"`
	RenderedHTML string `msgpack:"renderedHtml,omitempty"`
	Timestamp    int64  `msgpack:"timestamp"`
	Status       string `msgpack:"status"`
}

type DBSession struct {
	ContactID string      `msgpack:"contactId"`
	Messages  []DBMessage `msgpack:"messages"`
}

func (s *DBSession) Key() []byte {
	return []byte(s.ContactID)
}

func (s *DBSession) MarshalBinary() (data []byte, err error) {
	type alias DBSession
	return msgpack.Marshal((*alias)(s))
}

func (s *DBSession) UnmarshalBinary(data []byte) error {
	type alias DBSession
	return msgpack.Unmarshal(data, (*alias)(s))
}

// Conversions between DB records and the model types. Presence.Online
// and Contact.IsTyping are transient and deliberately not stored.

func toDBContact(c models.Contact) DBContact {
	return DBContact{
		ID:          c.ID,
		Username:    c.Username,
		DisplayName: c.DisplayName,
		AvatarRef:   c.AvatarRef,
		LastSeen:    c.Presence.LastSeen,
	}
}

func fromDBContact(c DBContact) models.Contact {
	return models.Contact{
		ID:          c.ID,
		Username:    c.Username,
		DisplayName: c.DisplayName,
		AvatarRef:   c.AvatarRef,
		Presence:    models.Presence{LastSeen: c.LastSeen},
	}
}

func toDBMessage(m models.Message) DBMessage {
	return DBMessage{
		ID:           m.ID,
		SenderID:     m.SenderID,
		SenderName:   m.SenderName,
		Kind:         string(m.Content.Kind),
		Text:         m.Content.Text,
		BlobHash:     m.Content.Blob.Hash,
		BlobMime:     m.Content.Blob.MimeType,
		BlobSize:     m.Content.Blob.Size,
		RenderedHTML: m.RenderedHTML,
		Timestamp:    m.Timestamp,
		Status:       string(m.Status),
	}
}

func fromDBMessage(m DBMessage) models.Message {
	return models.Message{
		ID:         m.ID,
		SenderID:   m.SenderID,
		SenderName: m.SenderName,
		Content: models.Content{
			Kind: models.ContentKind(m.Kind),
			Text: m.Text,
			Blob: models.BlobRef{
				Hash:     m.BlobHash,
				MimeType: m.BlobMime,
				Size:     m.BlobSize,
			},
		},
		RenderedHTML: m.RenderedHTML,
		Timestamp:    m.Timestamp,
		Status:       models.DeliveryStatus(m.Status),
	}
}
