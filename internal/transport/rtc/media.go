package rtc

import (
	"context"
	"fmt"
	"sync"

	"github.com/pion/webrtc/v4"

	"tetatet/internal/models"
	"tetatet/internal/transport"
)

// LocalStream is an owned set of local capture tracks. Release stops
// the capture; calling it twice is a no-op.
type LocalStream struct {
	kind   models.CallType
	tracks []webrtc.TrackLocal
	stop   func()
	once   sync.Once
}

func NewLocalStream(kind models.CallType, tracks []webrtc.TrackLocal, stop func()) *LocalStream {
	return &LocalStream{kind: kind, tracks: tracks, stop: stop}
}

func (s *LocalStream) Kind() models.CallType { return s.kind }

func (s *LocalStream) Release() {
	s.once.Do(func() {
		if s.stop != nil {
			s.stop()
		}
	})
}

// remoteStream marks remote media arrival. The RTP itself is owned by
// the call's PeerConnection, so releasing it is free.
type remoteStream struct {
	kind models.CallType
}

func (s *remoteStream) Kind() models.CallType { return s.kind }
func (s *remoteStream) Release()              {}

// Source adapts a capture layer to transport.MediaSource. Track
// construction is injected: device capture is platform-specific and
// belongs to the embedding application. A voice call asks for audio
// only; only video calls get a camera track.
type Source struct {
	NewTracks func(ctx context.Context, callType models.CallType) (tracks []webrtc.TrackLocal, stop func(), err error)
}

func (s *Source) Acquire(ctx context.Context, callType models.CallType) (transport.MediaStream, error) {
	if s.NewTracks == nil {
		return nil, fmt.Errorf("%w: no capture backend configured", models.ErrMediaAccessDenied)
	}
	tracks, stop, err := s.NewTracks(ctx, callType)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", models.ErrMediaAccessDenied, err)
	}
	return NewLocalStream(callType, tracks, stop), nil
}
