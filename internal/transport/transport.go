// Package transport owns the peer connection and drives SDP offer/answer and
// ICE candidate exchange from idle to connected.
package transport

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/pion/webrtc/v4"

	"github.com/1ureka/tunnelio/internal/channel"
	"github.com/1ureka/tunnelio/internal/config"
	"github.com/1ureka/tunnelio/internal/util"
)

// Options configure a Session. Callbacks are invoked on pion's goroutines and
// are optional.
type Options struct {
	Config *config.Config

	// API overrides the pion API built from Config (tests inject a virtual network).
	API *webrtc.API

	Channel channel.Options

	OnICECandidate func(Description)
	OnStateChange  func(State)
	OnTrack        func(*webrtc.TrackRemote, *webrtc.RTPReceiver)
}

// Session wraps a single PeerConnection and its pre-negotiated Channel.
//
// Its state moves Idle → HaveLocalOffer | HaveRemoteOffer → Negotiating →
// Connected → Closed, and Closed is reachable from anywhere. Transitions to
// Connected and Closed are driven by the PeerConnection state signal, never by
// inspecting SDP.
type Session struct {
	pc   *webrtc.PeerConnection
	ch   *channel.Channel
	cfg  *config.Config
	opts Options

	// opMu serializes negotiation steps; it is released before waiting on
	// ICE gathering so other operations can proceed.
	opMu sync.Mutex

	mu         sync.Mutex
	state      State
	candidates []webrtc.ICECandidateInit

	closed    chan struct{}
	closeOnce sync.Once
}

// NewSession creates a PeerConnection and its data channel. The caller then
// drives negotiation with SetPeer / Answer and exchanges messages through
// Channel once it opens.
func NewSession(opts Options) (*Session, error) {
	cfg := opts.Config
	if cfg == nil {
		cfg = config.Default()
	}

	api := opts.API
	if api == nil {
		var err error
		if api, err = NewAPI(cfg); err != nil {
			return nil, fmt.Errorf("failed to build WebRTC API: %w", err)
		}
	}

	pc, err := newPeerConnection(api, cfg)
	if err != nil {
		return nil, fmt.Errorf("failed to create PeerConnection: %w", err)
	}

	dc, err := newDataChannel(pc)
	if err != nil {
		pc.Close()
		return nil, fmt.Errorf("failed to create DataChannel: %w", err)
	}

	if opts.Channel.MaxMessageSize == 0 {
		opts.Channel.MaxMessageSize = cfg.MaxMessageSize
	}

	s := &Session{
		pc:     pc,
		cfg:    cfg,
		opts:   opts,
		state:  StateIdle,
		closed: make(chan struct{}),
	}
	s.ch = channel.New(dc, opts.Channel)

	pc.OnICECandidate(s.handleICECandidate)
	pc.OnConnectionStateChange(s.handleConnectionState)
	pc.OnTrack(func(track *webrtc.TrackRemote, receiver *webrtc.RTPReceiver) {
		util.LogDebug("remote track: kind=%s id=%s stream=%s", track.Kind(), track.ID(), track.StreamID())
		if s.opts.OnTrack != nil {
			s.opts.OnTrack(track, receiver)
		}
	})

	return s, nil
}

// ---------------------------------------------------------------------------
// Lifecycle
// ---------------------------------------------------------------------------

// State returns the current negotiation state.
func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Channel returns the session's single message channel.
func (s *Session) Channel() *channel.Channel {
	return s.ch
}

// Done returns a channel that is closed once the session reaches Closed.
func (s *Session) Done() <-chan struct{} {
	return s.closed
}

// Close shuts down the channel and PeerConnection. It is idempotent.
func (s *Session) Close() error {
	var err error
	s.closeOnce.Do(func() {
		close(s.closed)
		s.transition(StateClosed)
		err = errors.Join(s.ch.Close(), s.pc.Close())
	})
	return err
}

// transition moves to next and reports the change. Connected and Closed are
// sticky against late negotiation steps: once there, only Closed may follow.
func (s *Session) transition(next State, from ...State) bool {
	s.mu.Lock()
	cur := s.state
	ok := cur != next && cur != StateClosed
	if ok && len(from) > 0 {
		ok = false
		for _, f := range from {
			if cur == f {
				ok = true
				break
			}
		}
	}
	if ok {
		s.state = next
	}
	s.mu.Unlock()

	if !ok {
		return false
	}

	util.LogDebug("session state: %s → %s", cur, next)
	if s.opts.OnStateChange != nil {
		s.opts.OnStateChange(next)
	}
	return true
}

func (s *Session) handleConnectionState(state webrtc.PeerConnectionState) {
	util.LogDebug("PeerConnection state: %s", state.String())

	switch state {
	case webrtc.PeerConnectionStateConnected:
		s.transition(StateConnected, StateHaveLocalOffer, StateHaveRemoteOffer, StateNegotiating)

	case webrtc.PeerConnectionStateDisconnected:
		util.LogWarning("peer connection disconnected, waiting for ICE to recover or fail")

	case webrtc.PeerConnectionStateFailed, webrtc.PeerConnectionStateClosed:
		// Close from a separate goroutine: pion must not be re-entered from its own callback.
		go s.Close()
	}
}

// ---------------------------------------------------------------------------
// Signaling
// ---------------------------------------------------------------------------

// SetPeer advances negotiation with the remote description.
//
//   - nil in Idle: creates an offer and returns it once ICE gathering completes.
//   - an offer in Idle: applies it and, when AutoAnswer is set, creates and
//     returns the answer. Without AutoAnswer it returns a zero Description and
//     the caller completes with Answer.
//   - an answer in HaveLocalOffer: applies it and returns the local offer.
//
// Anything else, including a second conflicting description, fails with
// ErrNegotiation and leaves the state unchanged.
func (s *Session) SetPeer(ctx context.Context, remote *Description) (Description, error) {
	s.opMu.Lock()

	cur := s.State()
	if cur == StateClosed {
		s.opMu.Unlock()
		return Description{}, fmt.Errorf("%w: session is closed", ErrNegotiation)
	}

	if remote == nil {
		if cur != StateIdle {
			s.opMu.Unlock()
			return Description{}, fmt.Errorf("%w: cannot create an offer in state %s", ErrNegotiation, cur)
		}

		gather, err := s.createOffer()
		s.opMu.Unlock()
		if err != nil {
			return Description{}, err
		}
		return s.awaitGathering(ctx, gather)
	}

	if remote.SDP == "" {
		s.opMu.Unlock()
		return Description{}, fmt.Errorf("%w: empty SDP", ErrNegotiation)
	}

	switch remote.Type {
	case webrtc.SDPTypeOffer:
		if cur != StateIdle {
			s.opMu.Unlock()
			return Description{}, fmt.Errorf("%w: unexpected offer in state %s (renegotiation is not supported)", ErrNegotiation, cur)
		}
		if err := s.applyRemote(remote); err != nil {
			s.opMu.Unlock()
			return Description{}, err
		}
		s.transition(StateHaveRemoteOffer, StateIdle)

		if !s.cfg.AutoAnswer {
			s.opMu.Unlock()
			return Description{}, nil
		}

		gather, err := s.createAnswer()
		s.opMu.Unlock()
		if err != nil {
			return Description{}, err
		}
		return s.awaitGathering(ctx, gather)

	case webrtc.SDPTypeAnswer:
		if cur != StateHaveLocalOffer {
			s.opMu.Unlock()
			return Description{}, fmt.Errorf("%w: unexpected answer in state %s", ErrNegotiation, cur)
		}
		if err := s.applyRemote(remote); err != nil {
			s.opMu.Unlock()
			return Description{}, err
		}
		s.transition(StateNegotiating, StateHaveLocalOffer)
		s.opMu.Unlock()
		return s.LocalDescription(), nil

	default:
		s.opMu.Unlock()
		return Description{}, fmt.Errorf("%w: unsupported description type %q", ErrNegotiation, remote.Type)
	}
}

// Answer creates the answer for a remote offer applied with AutoAnswer off.
func (s *Session) Answer(ctx context.Context) (Description, error) {
	s.opMu.Lock()

	if cur := s.State(); cur != StateHaveRemoteOffer {
		s.opMu.Unlock()
		return Description{}, fmt.Errorf("%w: no remote offer to answer in state %s", ErrNegotiation, cur)
	}

	gather, err := s.createAnswer()
	s.opMu.Unlock()
	if err != nil {
		return Description{}, err
	}
	return s.awaitGathering(ctx, gather)
}

// AddICECandidate adds a remote ICE candidate received through signaling.
func (s *Session) AddICECandidate(candidate webrtc.ICECandidateInit) error {
	if s.State() == StateClosed {
		return fmt.Errorf("%w: session is closed", ErrNegotiation)
	}
	if err := s.pc.AddICECandidate(candidate); err != nil {
		return fmt.Errorf("%w: add ICE candidate: %v", ErrNegotiation, err)
	}
	return nil
}

// LocalDescription returns the current local description together with every
// local candidate gathered so far. It is zero before an offer or answer exists.
func (s *Session) LocalDescription() Description {
	local := s.pc.LocalDescription()
	if local == nil {
		return Description{}
	}

	s.mu.Lock()
	candidates := append([]webrtc.ICECandidateInit(nil), s.candidates...)
	s.mu.Unlock()

	return Description{Type: local.Type, SDP: local.SDP, Candidates: candidates}
}

// createOffer must be called with opMu held.
func (s *Session) createOffer() (<-chan struct{}, error) {
	offer, err := s.pc.CreateOffer(nil)
	if err != nil {
		return nil, fmt.Errorf("%w: create offer: %v", ErrNegotiation, err)
	}

	gather := webrtc.GatheringCompletePromise(s.pc)
	if err := s.pc.SetLocalDescription(offer); err != nil {
		return nil, fmt.Errorf("%w: set local offer: %v", ErrNegotiation, err)
	}

	s.transition(StateHaveLocalOffer, StateIdle)
	return gather, nil
}

// createAnswer must be called with opMu held.
func (s *Session) createAnswer() (<-chan struct{}, error) {
	answer, err := s.pc.CreateAnswer(nil)
	if err != nil {
		return nil, fmt.Errorf("%w: create answer: %v", ErrNegotiation, err)
	}

	gather := webrtc.GatheringCompletePromise(s.pc)
	if err := s.pc.SetLocalDescription(answer); err != nil {
		return nil, fmt.Errorf("%w: set local answer: %v", ErrNegotiation, err)
	}

	s.transition(StateNegotiating, StateHaveRemoteOffer)
	return gather, nil
}

// applyRemote sets the remote SDP and then any candidates carried alongside it.
func (s *Session) applyRemote(remote *Description) error {
	if err := s.pc.SetRemoteDescription(remote.sessionDescription()); err != nil {
		return fmt.Errorf("%w: set remote %s: %v", ErrNegotiation, remote.Type, err)
	}

	for _, c := range remote.Candidates {
		// Candidates usually duplicate the ones embedded in a complete SDP.
		if err := s.pc.AddICECandidate(c); err != nil {
			util.LogDebug("ignoring remote candidate %q: %v", c.Candidate, err)
		}
	}
	return nil
}

// awaitGathering waits for ICE gathering (vanilla ICE) and returns the full
// local description. Candidate snapshots keep flowing to OnICECandidate in
// the meantime for callers that trickle.
func (s *Session) awaitGathering(ctx context.Context, gather <-chan struct{}) (Description, error) {
	timeout := s.cfg.GatherTimeout()
	if timeout <= 0 {
		timeout = config.DefaultGatherTimeoutSeconds * time.Second
	}

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case <-gather:
	case <-timer.C:
		return Description{}, fmt.Errorf("%w: ICE gathering timed out after %s", ErrNegotiation, timeout)
	case <-s.closed:
		return Description{}, fmt.Errorf("%w: session closed during ICE gathering", ErrNegotiation)
	case <-ctx.Done():
		return Description{}, ctx.Err()
	}

	return s.LocalDescription(), nil
}

// handleICECandidate appends each discovered candidate and emits the
// superseding snapshot. The nil candidate (gathering complete) emits a final
// snapshot whose SDP embeds every candidate.
func (s *Session) handleICECandidate(c *webrtc.ICECandidate) {
	if c != nil {
		s.mu.Lock()
		s.candidates = append(s.candidates, c.ToJSON())
		s.mu.Unlock()
		util.LogDebug("local ICE candidate: %s", c.String())
	}

	if s.opts.OnICECandidate == nil {
		return
	}
	if snap := s.LocalDescription(); !snap.IsZero() {
		s.opts.OnICECandidate(snap)
	}
}

// ---------------------------------------------------------------------------
// Media
// ---------------------------------------------------------------------------

// AddTrack adds a local track to the PeerConnection.
func (s *Session) AddTrack(track webrtc.TrackLocal) (*webrtc.RTPSender, error) {
	return s.pc.AddTrack(track)
}

// RemoveTrack stops sending the track behind sender.
func (s *Session) RemoveTrack(sender *webrtc.RTPSender) error {
	return s.pc.RemoveTrack(sender)
}
