// Package channel provides typed message transport over the tunnel's single
// ordered, reliable data channel.
package channel

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/pion/webrtc/v4"

	"github.com/1ureka/tunnelio/internal/protocol"
	"github.com/1ureka/tunnelio/internal/util"
)

// Label is the data channel label shared by both peers.
const Label = "tunnel"

const (
	highWaterMark = 256 * 1024 // pause sending when bufferedAmount exceeds this
	lowWaterMark  = 64 * 1024  // resume sending when bufferedAmount drops below this

	flushPollInterval = 10 * time.Millisecond
)

var (
	// ErrChannelNotOpen is returned by Send before the channel opens or after it closes.
	ErrChannelNotOpen = errors.New("channel not open")

	// ErrFrameTooLarge is returned when an encoded message exceeds the frame limit.
	ErrFrameTooLarge = errors.New("frame exceeds max message size")
)

// Handlers are invoked on pion's goroutines. Each is optional.
type Handlers struct {
	OnOpen      func()
	OnClose     func()
	OnMessage   func(protocol.Message)
	OnMalformed func(error)
}

// Options configure a Channel.
type Options struct {
	MaxMessageSize int
	Handlers       Handlers
}

// Channel wraps one pre-negotiated DataChannel, adding an open gate, encoded
// sends with backpressure, and decoded receives.
//
// Send may be called from several goroutines; frames are written whole and
// one at a time, so per-caller order is preserved on the wire.
type Channel struct {
	dc      *webrtc.DataChannel
	maxSize int
	h       Handlers

	openSignal  chan struct{}
	done        chan struct{}
	drainSignal chan struct{}
	openOnce    sync.Once
	closeOnce   sync.Once

	// writeSlot holds one token while a frame is being written.
	writeSlot chan struct{}
}

// New wraps dc and registers its callbacks. The channel becomes usable once
// the underlying transport reports it open.
func New(dc *webrtc.DataChannel, opts Options) *Channel {
	c := &Channel{
		dc:          dc,
		maxSize:     opts.MaxMessageSize,
		h:           opts.Handlers,
		openSignal:  make(chan struct{}),
		done:        make(chan struct{}),
		drainSignal: make(chan struct{}, 1),
		writeSlot:   make(chan struct{}, 1),
	}

	dc.SetBufferedAmountLowThreshold(uint64(lowWaterMark))
	dc.OnBufferedAmountLow(func() {
		select {
		case c.drainSignal <- struct{}{}:
		default:
		}
	})

	dc.OnOpen(c.markOpen)
	dc.OnClose(func() {
		util.LogDebug("data channel %q closed", dc.Label())
		c.markClosed()
	})
	dc.OnMessage(c.handleMessage)

	if dc.ReadyState() == webrtc.DataChannelStateOpen {
		c.markOpen()
	}

	return c
}

// ---------------------------------------------------------------------------
// Lifecycle
// ---------------------------------------------------------------------------

// Ready returns a channel that is closed once the data channel opens.
func (c *Channel) Ready() <-chan struct{} {
	return c.openSignal
}

// Done returns a channel that is closed once the data channel closes, from
// either side.
func (c *Channel) Done() <-chan struct{} {
	return c.done
}

// IsOpen reports whether Send can currently succeed.
func (c *Channel) IsOpen() bool {
	select {
	case <-c.done:
		return false
	default:
	}
	select {
	case <-c.openSignal:
		return true
	default:
		return false
	}
}

// Label returns the underlying data channel label.
func (c *Channel) Label() string {
	return c.dc.Label()
}

// Close closes the data channel. It is idempotent.
func (c *Channel) Close() error {
	c.markClosed()
	return c.dc.Close()
}

func (c *Channel) markOpen() {
	c.openOnce.Do(func() {
		select {
		case <-c.done:
			return
		default:
		}
		close(c.openSignal)
		util.LogDebug("data channel %q open", c.dc.Label())
		if c.h.OnOpen != nil {
			c.h.OnOpen()
		}
	})
}

func (c *Channel) markClosed() {
	c.closeOnce.Do(func() {
		close(c.done)
		if c.h.OnClose != nil {
			c.h.OnClose()
		}
	})
}

// ---------------------------------------------------------------------------
// Data
// ---------------------------------------------------------------------------

// Send encodes msg and writes it as one frame. It blocks while another frame
// is being written or the transport's send buffer is above the high water
// mark, until that clears, ctx is done, or the channel closes.
func (c *Channel) Send(ctx context.Context, msg protocol.Message) error {
	if !c.IsOpen() {
		return ErrChannelNotOpen
	}

	data, err := protocol.Encode(msg)
	if err != nil {
		return err
	}
	if c.maxSize > 0 && len(data) > c.maxSize {
		return fmt.Errorf("%w: %s frame is %d bytes (max %d)", ErrFrameTooLarge, msg.Type(), len(data), c.maxSize)
	}

	if err := c.acquire(ctx); err != nil {
		return err
	}
	defer c.release()

	for c.dc.BufferedAmount() > uint64(highWaterMark) {
		select {
		case <-c.drainSignal:
		case <-c.done:
			return ErrChannelNotOpen
		case <-ctx.Done():
			return ctx.Err()
		}
	}

	if !c.IsOpen() {
		return ErrChannelNotOpen
	}

	if err := c.dc.Send(data); err != nil {
		return fmt.Errorf("send %s frame: %w", msg.Type(), err)
	}

	util.Stats.AddSent(len(data))
	return nil
}

func (c *Channel) acquire(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	select {
	case c.writeSlot <- struct{}{}:
		return nil
	case <-c.done:
		return ErrChannelNotOpen
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (c *Channel) release() {
	<-c.writeSlot
}

// handleMessage decodes one inbound frame. Undecodable frames are reported
// and dropped; the channel stays open.
func (c *Channel) handleMessage(raw webrtc.DataChannelMessage) {
	util.Stats.AddRecv(len(raw.Data))

	msg, err := protocol.Decode(raw.Data)
	if err != nil {
		util.LogWarning("dropping malformed frame (%d bytes): %v", len(raw.Data), err)
		if c.h.OnMalformed != nil {
			c.h.OnMalformed(err)
		}
		return
	}

	if c.h.OnMessage != nil {
		c.h.OnMessage(msg)
	}
}

// Flush blocks until every queued frame has left the send buffer, ctx is
// done, or the channel closes.
func (c *Channel) Flush(ctx context.Context) error {
	ticker := time.NewTicker(flushPollInterval)
	defer ticker.Stop()

	for c.dc.BufferedAmount() > 0 {
		select {
		case <-ticker.C:
		case <-c.done:
			return ErrChannelNotOpen
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return nil
}
