package blob

import (
	"bytes"
	"errors"
	"io"
	"testing"

	"tetatet/internal/models"
)

// Minimal valid PNG header, enough for content sniffing.
var pngBytes = []byte{0x89, 0x50, 0x4E, 0x47, 0x0D, 0x0A, 0x1A, 0x0A, 0x00, 0x00, 0x00, 0x0D}

func TestPutGet(t *testing.T) {
	store, err := NewStore(t.TempDir())
	if err != nil {
		t.Fatalf("NewStore failed: %v", err)
	}

	ref, err := store.Put(bytes.NewReader(pngBytes))
	if err != nil {
		t.Fatalf("Put failed: %v", err)
	}
	if ref.Hash == "" {
		t.Fatal("expected non-empty hash")
	}
	if ref.MimeType != "image/png" {
		t.Errorf("expected image/png, got %s", ref.MimeType)
	}
	if ref.Size != int64(len(pngBytes)) {
		t.Errorf("expected size %d, got %d", len(pngBytes), ref.Size)
	}

	rc, err := store.Get(ref.Hash)
	if err != nil {
		t.Fatalf("Get failed: %v", err)
	}
	defer func() { _ = rc.Close() }()
	data, err := io.ReadAll(rc)
	if err != nil {
		t.Fatalf("read failed: %v", err)
	}
	if !bytes.Equal(data, pngBytes) {
		t.Error("blob body does not round-trip")
	}
}

func TestPutIdempotent(t *testing.T) {
	store, err := NewStore(t.TempDir())
	if err != nil {
		t.Fatalf("NewStore failed: %v", err)
	}

	ref1, err := store.Put(bytes.NewReader(pngBytes))
	if err != nil {
		t.Fatalf("first Put failed: %v", err)
	}
	ref2, err := store.Put(bytes.NewReader(pngBytes))
	if err != nil {
		t.Fatalf("second Put failed: %v", err)
	}
	if ref1 != ref2 {
		t.Errorf("expected identical refs, got %+v vs %+v", ref1, ref2)
	}
}

func TestUnknownContentType(t *testing.T) {
	store, err := NewStore(t.TempDir())
	if err != nil {
		t.Fatalf("NewStore failed: %v", err)
	}

	ref, err := store.Put(bytes.NewReader([]byte("just some text")))
	if err != nil {
		t.Fatalf("Put failed: %v", err)
	}
	if ref.MimeType != "application/octet-stream" {
		t.Errorf("expected octet-stream fallback, got %s", ref.MimeType)
	}
}

func TestGetMissing(t *testing.T) {
	store, err := NewStore(t.TempDir())
	if err != nil {
		t.Fatalf("NewStore failed: %v", err)
	}

	if _, err := store.Get("deadbeef"); !errors.Is(err, models.ErrNotFound) {
		t.Errorf("expected ErrNotFound, got %v", err)
	}
	if store.Has("deadbeef") {
		t.Error("Has returned true for missing blob")
	}
}
