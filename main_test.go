package main

import (
	"bytes"
	"context"
	"io"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"tetatet/internal/blob"
	"tetatet/internal/call"
	"tetatet/internal/conn"
	"tetatet/internal/models"
	"tetatet/internal/roster"
	"tetatet/internal/storage"
	"tetatet/internal/transport"
	"tetatet/internal/transport/memory"
)

// stack is one full peer: durable store, blob store, roster, connection
// manager and call controller, wired the same way run() wires them but
// over the in-process switchboard.
type stack struct {
	dir     string
	store   *storage.Store
	blobs   *blob.Store
	roster  *roster.Roster
	manager *conn.Manager
	calls   *call.Controller
}

func newStack(t *testing.T, ctx context.Context, sb *memory.Switchboard, username string) *stack {
	t.Helper()
	dir := t.TempDir()

	store, err := storage.NewStore(filepath.Join(dir, "tetatet.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })

	blobs, err := blob.NewStore(filepath.Join(dir, "blobs"))
	require.NoError(t, err)

	r := roster.New(ctx, store)
	_, err = r.CreateIdentity(username, username)
	require.NoError(t, err)

	relay := sb.Endpoint()
	manager := conn.NewManager(ctx, relay, r, blobs)
	calls := call.NewController(relay, mediaSource{}, r)

	go func() { _ = manager.Run(ctx) }()
	go func() { _ = calls.Run(ctx, manager.Calls()) }()
	require.Eventually(t, func() bool { return sb.Registered(username) },
		time.Second, 5*time.Millisecond, "relay registration")

	return &stack{dir: dir, store: store, blobs: blobs, roster: r, manager: manager, calls: calls}
}

type mediaSource struct{}

type mediaStream struct{ kind models.CallType }

func (m mediaStream) Kind() models.CallType { return m.kind }
func (m mediaStream) Release()              {}

func (mediaSource) Acquire(ctx context.Context, callType models.CallType) (transport.MediaStream, error) {
	return mediaStream{kind: callType}, nil
}

func TestEndToEnd(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sb := memory.NewSwitchboard()
	alice := newStack(t, ctx, sb, "alice")
	bob := newStack(t, ctx, sb, "bob")

	// Text message: sent locally right away, delivered at bob, acked
	// back to sent status delivered at alice.
	msg, err := alice.manager.SendText("bob", "hello *there*")
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		s, ok := bob.roster.Session("alice")
		return ok && len(s.Messages) == 1 && s.Messages[0].Status == models.StatusDelivered
	}, 2*time.Second, 5*time.Millisecond, "delivery at bob")

	require.Eventually(t, func() bool {
		s, _ := alice.roster.Session("bob")
		return len(s.Messages) == 1 && s.Messages[0].Status == models.StatusDelivered
	}, 2*time.Second, 5*time.Millisecond, "ack at alice")

	got, _ := bob.roster.Session("alice")
	require.Equal(t, msg.ID, got.Messages[0].ID)
	require.Contains(t, got.Messages[0].RenderedHTML, "<em>there</em>")

	// Media message: the blob lands in the content-addressed store and
	// the message carries only the reference.
	payload := bytes.Repeat([]byte{0x42}, 512)
	ref, err := alice.blobs.Put(bytes.NewReader(payload))
	require.NoError(t, err)

	_, err = alice.manager.SendBlob("bob", models.ContentImage, ref)
	require.NoError(t, err)
	require.Eventually(t, func() bool {
		s, _ := bob.roster.Session("alice")
		return len(s.Messages) == 2
	}, 2*time.Second, 5*time.Millisecond, "blob message at bob")

	got, _ = bob.roster.Session("alice")
	require.Equal(t, models.ContentImage, got.Messages[1].Content.Kind)
	require.Equal(t, ref.Hash, got.Messages[1].Content.Blob.Hash)

	// The body travels with the message: bob's store now has it too.
	require.Eventually(t, func() bool { return bob.blobs.Has(ref.Hash) },
		2*time.Second, 5*time.Millisecond, "blob body at bob")
	rc, err := bob.blobs.Get(ref.Hash)
	require.NoError(t, err)
	data, err := io.ReadAll(rc)
	require.NoError(t, err)
	require.NoError(t, rc.Close())
	require.Equal(t, payload, data)

	// History survives a restart of the whole stack.
	require.NoError(t, alice.store.Close())
	reopened, err := storage.NewStore(filepath.Join(alice.dir, "tetatet.db"))
	require.NoError(t, err)
	defer func() { _ = reopened.Close() }()

	restartCtx, restartCancel := context.WithCancel(context.Background())
	defer restartCancel()
	r2 := roster.New(restartCtx, reopened)
	ident, ok := r2.Identity()
	require.True(t, ok)
	require.Equal(t, "alice", ident.ID)
	s2, ok := r2.Session("bob")
	require.True(t, ok)
	require.Len(t, s2.Messages, 2)
	require.Equal(t, models.StatusDelivered, s2.Messages[0].Status)
}
