package tunnel

import (
	"errors"
	"time"

	"github.com/pion/webrtc/v4"

	"github.com/1ureka/tunnelio/internal/channel"
	"github.com/1ureka/tunnelio/internal/chunk"
	"github.com/1ureka/tunnelio/internal/config"
	"github.com/1ureka/tunnelio/internal/media"
	"github.com/1ureka/tunnelio/internal/protocol"
	"github.com/1ureka/tunnelio/internal/transport"
)

// Re-exported building blocks, so callers only import this package.
type (
	Config       = config.Config
	ICEServer    = config.ICEServer
	Description  = transport.Description
	State        = transport.State
	Message      = protocol.Message
	Text         = protocol.Text
	Control      = protocol.Control
	File         = chunk.File
	Progress     = chunk.Progress
	Direction    = chunk.Direction
	ReceivedFile = chunk.Completed
	GapError     = chunk.GapError
	LocalStream  = media.LocalStream
	RemoteTrack  = media.RemoteTrack
	Capturer     = media.Capturer
	IVFCapturer  = media.IVFCapturer
)

const (
	StateIdle            = transport.StateIdle
	StateHaveLocalOffer  = transport.StateHaveLocalOffer
	StateHaveRemoteOffer = transport.StateHaveRemoteOffer
	StateNegotiating     = transport.StateNegotiating
	StateConnected       = transport.StateConnected
	StateClosed          = transport.StateClosed

	DirectionSend    = chunk.DirectionSend
	DirectionReceive = chunk.DirectionReceive
)

var (
	// ErrNotInitialized is returned by operations on an engine without a session.
	ErrNotInitialized = errors.New("tunnel engine not initialized")

	// ErrAlreadyInitialized is returned by Initialize on a live engine.
	ErrAlreadyInitialized = errors.New("tunnel engine already initialized")

	// ErrTransferAborted reports an incoming transfer dropped before completion.
	ErrTransferAborted = errors.New("transfer aborted")

	ErrNegotiation           = transport.ErrNegotiation
	ErrChannelNotOpen        = channel.ErrChannelNotOpen
	ErrFrameTooLarge         = channel.ErrFrameTooLarge
	ErrMalformedMessage      = protocol.ErrMalformedMessage
	ErrGap                   = chunk.ErrGap
	ErrCorrupt               = chunk.ErrCorrupt
	ErrCapture               = media.ErrCapture
	ErrRenegotiationRequired = media.ErrRenegotiationRequired
)

// DefaultConfig returns the default configuration.
func DefaultConfig() *Config { return config.Default() }

// LoadConfig reads a YAML configuration file over the defaults.
func LoadConfig(path string) (*Config, error) { return config.Load(path) }

// BytesFile wraps an in-memory payload as a File.
func BytesFile(name string, data []byte) File { return chunk.BytesFile(name, data) }

// OpenFile opens a file on disk for SendFiles. The engine closes it once sent.
func OpenFile(path string) (File, error) { return chunk.OpenFile(path) }

// Callbacks are the engine's event surface. Every slot is optional. Callbacks
// run on transport goroutines; a panicking callback is recovered and logged
// without affecting the engine.
type Callbacks struct {
	// OnIceCandidate receives the superseding local description snapshot
	// (SDP plus every candidate so far) each time a candidate is found, and
	// once more when gathering completes. The latest emission is authoritative.
	OnIceCandidate func(Description)

	OnChannelOpen  func()
	OnChannelClose func()

	// OnMessage receives text and control messages in arrival order.
	OnMessage func(Message)

	OnRemoteTrack      func(RemoteTrack)
	OnFileProgress     func(Progress)
	OnMalformedMessage func(error)

	OnFileReceived  func(ReceivedFile)
	OnTransferError func(transferID string, err error)
	OnStateChange   func(State)
}

// Speaker tells who wrote a message log entry.
type Speaker string

const (
	SpeakerLocal  Speaker = "local"
	SpeakerRemote Speaker = "remote"
)

// LogEntry is one line of the chat log.
type LogEntry struct {
	From Speaker
	Text string
	At   time.Time
}

// Option customizes Initialize.
type Option func(*options)

type options struct {
	api      *webrtc.API
	capturer media.Capturer
}

// WithAPI makes the session use the given pion API instead of one built from
// the configuration (for example one bound to a virtual network).
func WithAPI(api *webrtc.API) Option {
	return func(o *options) { o.api = api }
}

// WithCapturer sets the source used by GetMediaDevicesVideo.
func WithCapturer(c Capturer) Option {
	return func(o *options) { o.capturer = c }
}
