// Package tunnel is a peer-to-peer tunnel engine over WebRTC. It negotiates a
// direct connection, exchanges text and control messages over one ordered
// reliable data channel, streams files in chunks with progress reporting,
// and attaches media tracks.
//
// The engine never carries signaling itself: SetPeer consumes and produces
// Description values that the caller relays to the remote peer.
package tunnel

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/pion/webrtc/v4"

	"github.com/1ureka/tunnelio/internal/channel"
	"github.com/1ureka/tunnelio/internal/chunk"
	"github.com/1ureka/tunnelio/internal/config"
	"github.com/1ureka/tunnelio/internal/media"
	"github.com/1ureka/tunnelio/internal/protocol"
	"github.com/1ureka/tunnelio/internal/transport"
	"github.com/1ureka/tunnelio/internal/util"
)

// byeTimeout bounds the farewell control message sent on Terminate.
const byeTimeout = time.Second

// Engine is the composition root. The zero value is unusable; call New.
//
// Every operation is safe to call from any goroutine, but the engine expects
// one logical owner driving Initialize / Terminate.
type Engine struct {
	mu  sync.Mutex
	cur *session
}

// New returns an engine with no session. Call Initialize before anything else.
func New() *Engine {
	return &Engine{}
}

// ---------------------------------------------------------------------------
// Lifecycle
// ---------------------------------------------------------------------------

// Initialize validates cfg and constructs a fresh session. A nil cfg means
// DefaultConfig. It fails with ErrAlreadyInitialized if a session exists and
// Terminate has not been called.
func (e *Engine) Initialize(cfg *Config, cbs Callbacks, opts ...Option) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.cur != nil {
		return ErrAlreadyInitialized
	}

	if cfg == nil {
		cfg = config.Default()
	}
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}

	var o options
	for _, opt := range opts {
		opt(&o)
	}

	s, err := newSession(cfg, cbs, o)
	if err != nil {
		return err
	}

	e.cur = s
	return nil
}

// Reinitialize terminates the current session, if any, and initializes a new
// one. Every resource of the previous session is released first.
func (e *Engine) Reinitialize(cfg *Config, cbs Callbacks, opts ...Option) error {
	if err := e.Terminate(); err != nil {
		util.LogWarning("previous session did not close cleanly: %v", err)
	}
	return e.Initialize(cfg, cbs, opts...)
}

// Terminate closes the channel and the session, releases every transfer and
// local media stream. It is idempotent.
func (e *Engine) Terminate() error {
	e.mu.Lock()
	s := e.cur
	e.cur = nil
	e.mu.Unlock()

	if s == nil {
		return nil
	}
	return s.terminate()
}

func (e *Engine) current() (*session, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.cur == nil {
		return nil, ErrNotInitialized
	}
	return e.cur, nil
}

// ---------------------------------------------------------------------------
// Negotiation
// ---------------------------------------------------------------------------

// SetPeer feeds a remote description (nil to start as the offering side) and
// returns the local description once ICE gathering completes. The data
// channel opens by itself once the session connects.
func (e *Engine) SetPeer(ctx context.Context, remote *Description) (Description, error) {
	s, err := e.current()
	if err != nil {
		return Description{}, err
	}
	return s.peer.SetPeer(ctx, remote)
}

// Answer answers a remote offer applied while AutoAnswer is off.
func (e *Engine) Answer(ctx context.Context) (Description, error) {
	s, err := e.current()
	if err != nil {
		return Description{}, err
	}
	return s.peer.Answer(ctx)
}

// AddICECandidate adds one trickled remote candidate.
func (e *Engine) AddICECandidate(candidate webrtc.ICECandidateInit) error {
	s, err := e.current()
	if err != nil {
		return err
	}
	return s.peer.AddICECandidate(candidate)
}

// ---------------------------------------------------------------------------
// Messages
// ---------------------------------------------------------------------------

// SendMessage sends a text message and returns the updated message log. The
// log is only extended when the send succeeded.
func (e *Engine) SendMessage(ctx context.Context, text string) ([]LogEntry, error) {
	s, err := e.current()
	if err != nil {
		return nil, err
	}

	if err := s.peer.Channel().Send(ctx, &protocol.Text{Text: text}); err != nil {
		return nil, err
	}
	return s.appendLog(LogEntry{From: SpeakerLocal, Text: text, At: time.Now()}), nil
}

// SendControl sends a control message with optional metadata.
func (e *Engine) SendControl(ctx context.Context, kind string, metadata map[string]string) error {
	s, err := e.current()
	if err != nil {
		return err
	}
	return s.peer.Channel().Send(ctx, &protocol.Control{Kind: kind, Metadata: metadata})
}

// ---------------------------------------------------------------------------
// Media
// ---------------------------------------------------------------------------

// GetMediaDevicesVideo captures local video with the configured Capturer,
// attaches it to the session and returns it for local rendering. It must be
// called before the session connects.
func (e *Engine) GetMediaDevicesVideo(ctx context.Context) (*LocalStream, error) {
	s, err := e.current()
	if err != nil {
		return nil, err
	}
	if s.capturer == nil {
		return nil, fmt.Errorf("%w: no video capturer configured", media.ErrCapture)
	}

	stream, err := s.capturer.Capture(ctx)
	if err != nil {
		if !errors.Is(err, media.ErrCapture) {
			err = fmt.Errorf("%w: %v", media.ErrCapture, err)
		}
		return nil, err
	}

	if err := s.bridge.AttachLocal(stream); err != nil {
		stream.Close()
		return nil, err
	}
	return stream, nil
}

// AttachLocal attaches an already-produced stream. It must be called before
// the session connects.
func (e *Engine) AttachLocal(stream *LocalStream) error {
	s, err := e.current()
	if err != nil {
		return err
	}
	return s.bridge.AttachLocal(stream)
}

// ---------------------------------------------------------------------------
// Accessors
// ---------------------------------------------------------------------------

// State returns the negotiation state, or StateClosed without a session.
func (e *Engine) State() State {
	s, err := e.current()
	if err != nil {
		return StateClosed
	}
	return s.peer.State()
}

// LocalDescription returns the latest local description snapshot.
func (e *Engine) LocalDescription() Description {
	s, err := e.current()
	if err != nil {
		return Description{}
	}
	return s.peer.LocalDescription()
}

// Messages returns a copy of the message log.
func (e *Engine) Messages() []LogEntry {
	s, err := e.current()
	if err != nil {
		return nil
	}
	return s.messages()
}

// Ready returns a channel closed once the data channel is open.
func (e *Engine) Ready() <-chan struct{} {
	s, err := e.current()
	if err != nil {
		return nil
	}
	return s.peer.Channel().Ready()
}

// Done returns a channel closed once the session has closed, for whatever
// reason. Without a session it returns an already closed channel.
func (e *Engine) Done() <-chan struct{} {
	s, err := e.current()
	if err != nil {
		closed := make(chan struct{})
		close(closed)
		return closed
	}
	return s.peer.Done()
}

// ---------------------------------------------------------------------------
// session
// ---------------------------------------------------------------------------

// session holds everything one Initialize creates. Handlers close over the
// session rather than the engine, so events from a terminated session can
// never touch its successor.
type session struct {
	cfg      *config.Config
	cbs      Callbacks
	capturer media.Capturer

	peer     *transport.Session
	bridge   *media.Bridge
	registry *chunk.Registry

	ctx    context.Context
	cancel context.CancelFunc

	// sends scopes outgoing transfers; it ends with ctx or earlier, when
	// terminate stops them before the farewell.
	sends     context.Context
	stopSends context.CancelFunc

	logMu sync.Mutex
	log   []LogEntry
}

func newSession(cfg *config.Config, cbs Callbacks, o options) (*session, error) {
	ctx, cancel := context.WithCancel(context.Background())
	sends, stopSends := context.WithCancel(ctx)

	s := &session{
		cfg:       cfg,
		cbs:       cbs,
		capturer:  o.capturer,
		registry:  chunk.NewRegistry(),
		ctx:       ctx,
		cancel:    cancel,
		sends:     sends,
		stopSends: stopSends,
	}

	peer, err := transport.NewSession(transport.Options{
		Config: cfg,
		API:    o.api,
		Channel: channel.Options{
			MaxMessageSize: cfg.MaxMessageSize,
			Handlers: channel.Handlers{
				OnOpen:      s.handleChannelOpen,
				OnClose:     s.handleChannelClose,
				OnMessage:   s.handleMessage,
				OnMalformed: s.handleMalformed,
			},
		},
		OnICECandidate: func(d transport.Description) {
			invoke("OnIceCandidate", s.cbs.OnIceCandidate, d)
		},
		OnStateChange: s.handleStateChange,
		OnTrack: func(track *webrtc.TrackRemote, receiver *webrtc.RTPReceiver) {
			invoke("OnRemoteTrack", s.cbs.OnRemoteTrack, media.RemoteTrack{
				StreamID: track.StreamID(),
				Track:    track,
				Receiver: receiver,
			})
		},
	})
	if err != nil {
		cancel()
		return nil, err
	}

	s.peer = peer
	s.bridge = media.NewBridge(peer)
	return s, nil
}

// terminate stops outgoing transfers first so the farewell never queues
// behind a stalled chunk, then says bye within byeTimeout and closes.
func (s *session) terminate() error {
	s.stopSends()

	ch := s.peer.Channel()
	if ch.IsOpen() {
		ctx, cancel := context.WithTimeout(s.ctx, byeTimeout)
		err := ch.Send(ctx, &protocol.Control{Kind: protocol.ControlBye})
		if err == nil {
			err = ch.Flush(ctx)
		}
		if err != nil {
			util.LogDebug("failed to deliver bye: %v", err)
		}
		cancel()
	}

	s.cancel()
	err := errors.Join(s.bridge.DetachAll(), s.peer.Close())
	s.registry.Reset()
	return err
}

func (s *session) appendLog(entry LogEntry) []LogEntry {
	s.logMu.Lock()
	defer s.logMu.Unlock()
	s.log = append(s.log, entry)
	return append([]LogEntry(nil), s.log...)
}

func (s *session) messages() []LogEntry {
	s.logMu.Lock()
	defer s.logMu.Unlock()
	return append([]LogEntry(nil), s.log...)
}

// ---------------------------------------------------------------------------
// Event handlers (run on pion goroutines)
// ---------------------------------------------------------------------------

func (s *session) handleStateChange(state transport.State) {
	if state == transport.StateConnected {
		util.LogSuccess("peer connection established")
	}
	if state == transport.StateClosed {
		s.cancel()
	}
	invoke("OnStateChange", s.cbs.OnStateChange, state)
}

func (s *session) handleChannelOpen() {
	invoke0("OnChannelOpen", s.cbs.OnChannelOpen)
}

// handleChannelClose aborts every in-flight transfer; partial receives are
// discarded and cannot be resumed. The session is useless without its
// channel, so it is closed too.
func (s *session) handleChannelClose() {
	s.cancel()
	go s.peer.Close()

	for _, id := range s.registry.Reset() {
		util.Stats.CloseTransfer()
		invoke2("OnTransferError", s.cbs.OnTransferError, id,
			fmt.Errorf("%w: channel closed", ErrTransferAborted))
	}

	invoke0("OnChannelClose", s.cbs.OnChannelClose)
}

func (s *session) handleMalformed(err error) {
	invoke("OnMalformedMessage", s.cbs.OnMalformedMessage, err)
}

func (s *session) handleMessage(msg protocol.Message) {
	switch m := msg.(type) {
	case *protocol.Text:
		s.appendLog(LogEntry{From: SpeakerRemote, Text: m.Text, At: time.Now()})
		invoke("OnMessage", s.cbs.OnMessage, msg)

	case *protocol.Control:
		invoke("OnMessage", s.cbs.OnMessage, msg)
		s.handleControl(m)

	case *protocol.Chunk:
		s.handleChunk(m)
	}
}

func (s *session) handleControl(m *protocol.Control) {
	switch m.Kind {
	case protocol.ControlBye:
		util.LogInfo("peer said bye, closing session")
		go s.peer.Close()

	case protocol.ControlAbort:
		id := m.Metadata["transferId"]
		if id == "" {
			return
		}
		if s.registry.Discard(id) {
			util.Stats.CloseTransfer()
			invoke2("OnTransferError", s.cbs.OnTransferError, id,
				fmt.Errorf("%w: sender gave up", ErrTransferAborted))
		}
	}
}

// ---------------------------------------------------------------------------
// Callback invocation
// ---------------------------------------------------------------------------

// invoke calls a user callback, recovering from panics so a misbehaving
// caller cannot abort negotiation or corrupt engine state.
func invoke[T any](name string, fn func(T), v T) {
	if fn == nil {
		return
	}
	defer recoverCallback(name)
	fn(v)
}

func invoke0(name string, fn func()) {
	if fn == nil {
		return
	}
	defer recoverCallback(name)
	fn()
}

func invoke2[A, B any](name string, fn func(A, B), a A, b B) {
	if fn == nil {
		return
	}
	defer recoverCallback(name)
	fn(a, b)
}

func recoverCallback(name string) {
	if r := recover(); r != nil {
		util.LogError("callback %s panicked: %v", name, r)
	}
}
