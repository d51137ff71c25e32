// Package blob stores message attachments (images, voice notes)
// content-addressed on the local filesystem. Message payloads carry
// only the BlobRef; bodies never enter the bbolt snapshot.
package blob

import (
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/h2non/filetype"

	"tetatet/internal/models"
)

// Store keeps blobs under root, fanned out by the first two hash chars.
type Store struct {
	root string
}

func NewStore(root string) (*Store, error) {
	if err := os.MkdirAll(root, 0755); err != nil {
		return nil, fmt.Errorf("failed to create blob root: %w", err)
	}
	return &Store{root: root}, nil
}

func (s *Store) path(hash string) string {
	if len(hash) < 2 {
		return filepath.Join(s.root, hash)
	}
	return filepath.Join(s.root, hash[:2], hash)
}

// Put stores the blob and returns its reference. The mime type is
// sniffed from the content; unrecognized content is stored with an
// octet-stream type rather than rejected.
func (s *Store) Put(r io.Reader) (models.BlobRef, error) {
	data, err := io.ReadAll(r)
	if err != nil {
		return models.BlobRef{}, fmt.Errorf("failed to read blob data: %w", err)
	}

	sum := sha256.Sum256(data)
	hash := hex.EncodeToString(sum[:])

	mime := "application/octet-stream"
	if kind, err := filetype.Match(data); err == nil && kind != filetype.Unknown {
		mime = kind.MIME.Value
	}

	ref := models.BlobRef{
		Hash:     hash,
		MimeType: mime,
		Size:     int64(len(data)),
	}

	path := s.path(hash)

	// Idempotency check
	if _, err := os.Stat(path); err == nil {
		return ref, nil
	}

	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return models.BlobRef{}, fmt.Errorf("failed to create directory %s: %w", dir, err)
	}

	// Write to temporary file first, then rename into place.
	tmp, err := os.CreateTemp(dir, "blob-*")
	if err != nil {
		return models.BlobRef{}, fmt.Errorf("failed to create temp file: %w", err)
	}
	defer func() {
		_ = tmp.Close()
		_ = os.Remove(tmp.Name()) // Clean up if rename fails
	}()

	if _, err := io.Copy(tmp, bytes.NewReader(data)); err != nil {
		return models.BlobRef{}, fmt.Errorf("failed to write blob: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return models.BlobRef{}, fmt.Errorf("failed to close temp file: %w", err)
	}
	if err := os.Rename(tmp.Name(), path); err != nil {
		return models.BlobRef{}, fmt.Errorf("failed to rename blob: %w", err)
	}

	return ref, nil
}

// Get opens the blob body for reading.
func (s *Store) Get(hash string) (io.ReadCloser, error) {
	f, err := os.Open(s.path(hash))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, models.ErrNotFound
		}
		return nil, fmt.Errorf("failed to open blob %s: %w", hash, err)
	}
	return f, nil
}

// Has reports whether the blob body is present locally. Inbound
// messages may reference blobs that have not been transferred yet.
func (s *Store) Has(hash string) bool {
	_, err := os.Stat(s.path(hash))
	return err == nil
}
