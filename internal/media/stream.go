// Package media attaches local media tracks to a session and surfaces remote
// ones. It never touches the data channel protocol and performs no encoding.
package media

import (
	"context"
	"errors"
	"sync"

	"github.com/pion/webrtc/v4"
)

var (
	// ErrCapture is returned when local media cannot be produced.
	ErrCapture = errors.New("media capture failed")

	// ErrRenegotiationRequired is returned when tracks are attached after the
	// session connected. Renegotiation is not supported.
	ErrRenegotiationRequired = errors.New("tracks must be attached before the session connects")
)

// LocalStream is a set of local tracks sharing a stream ID. A stream backed
// by a capturer keeps writing samples until Close.
type LocalStream struct {
	ID     string
	Tracks []webrtc.TrackLocal

	cancel context.CancelFunc
	wg     sync.WaitGroup
	once   sync.Once
}

// NewLocalStream wraps already-produced tracks.
func NewLocalStream(id string, tracks ...webrtc.TrackLocal) *LocalStream {
	return &LocalStream{ID: id, Tracks: tracks, cancel: func() {}}
}

// Close stops any sample pump feeding the tracks and waits for it to exit.
func (s *LocalStream) Close() error {
	s.once.Do(func() {
		s.cancel()
		s.wg.Wait()
	})
	return nil
}

// RemoteTrack is a remote media track delivered after the session connected.
type RemoteTrack struct {
	StreamID string
	Track    *webrtc.TrackRemote
	Receiver *webrtc.RTPReceiver
}

// Capturer produces a local stream on demand.
type Capturer interface {
	Capture(ctx context.Context) (*LocalStream, error)
}
