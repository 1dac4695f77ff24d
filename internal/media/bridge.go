package media

import (
	"errors"
	"fmt"
	"sync"

	"github.com/pion/webrtc/v4"

	"github.com/1ureka/tunnelio/internal/transport"
	"github.com/1ureka/tunnelio/internal/util"
)

// Peer is the part of a session the bridge needs.
type Peer interface {
	AddTrack(webrtc.TrackLocal) (*webrtc.RTPSender, error)
	RemoveTrack(*webrtc.RTPSender) error
	State() transport.State
}

// Bridge attaches local streams to one session and releases them on teardown.
type Bridge struct {
	peer Peer

	mu      sync.Mutex
	streams []*LocalStream
	senders []*webrtc.RTPSender
}

// NewBridge creates a bridge bound to peer.
func NewBridge(peer Peer) *Bridge {
	return &Bridge{peer: peer}
}

// AttachLocal adds every track of stream to the session so it is part of the
// next offer or answer. Tracks attached once the session is connected would
// need renegotiation, which is not supported.
func (b *Bridge) AttachLocal(stream *LocalStream) error {
	switch st := b.peer.State(); st {
	case transport.StateConnected:
		return ErrRenegotiationRequired
	case transport.StateClosed:
		return fmt.Errorf("%w: session is closed", transport.ErrNegotiation)
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	added := make([]*webrtc.RTPSender, 0, len(stream.Tracks))
	for _, track := range stream.Tracks {
		sender, err := b.peer.AddTrack(track)
		if err != nil {
			for _, s := range added {
				_ = b.peer.RemoveTrack(s)
			}
			return fmt.Errorf("failed to add %s track %s: %w", track.Kind(), track.ID(), err)
		}
		added = append(added, sender)
		if sender != nil {
			go drainRTCP(sender)
		}
	}

	b.senders = append(b.senders, added...)
	b.streams = append(b.streams, stream)
	util.LogDebug("attached local stream %s (%d tracks)", stream.ID, len(stream.Tracks))
	return nil
}

// DetachAll removes every attached track and closes the local streams.
func (b *Bridge) DetachAll() error {
	b.mu.Lock()
	senders, streams := b.senders, b.streams
	b.senders, b.streams = nil, nil
	b.mu.Unlock()

	var errs []error
	if b.peer.State() != transport.StateClosed {
		for _, s := range senders {
			errs = append(errs, b.peer.RemoveTrack(s))
		}
	}
	for _, s := range streams {
		errs = append(errs, s.Close())
	}
	return errors.Join(errs...)
}

// Streams returns the number of attached local streams.
func (b *Bridge) Streams() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.streams)
}

// drainRTCP reads incoming RTCP so interceptors keep running; it exits once
// the sender is stopped.
func drainRTCP(sender *webrtc.RTPSender) {
	buf := make([]byte, 1500)
	for {
		if _, _, err := sender.Read(buf); err != nil {
			return
		}
	}
}
