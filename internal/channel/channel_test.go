package channel

import (
	"context"
	"testing"
	"time"

	"github.com/pion/webrtc/v4"
	"github.com/stretchr/testify/require"

	"github.com/1ureka/tunnelio/internal/protocol"
	"github.com/1ureka/tunnelio/internal/vnettest"
)

const testTimeout = 15 * time.Second

type pair struct {
	raw       *vnettest.RawPeer
	ch        *Channel
	received  chan protocol.Message
	malformed chan error
	rawInbox  chan []byte
}

// newPair wraps one end of a connected data channel in a Channel and leaves
// the other end raw.
func newPair(t *testing.T, maxSize int) *pair {
	t.Helper()

	apiA, apiB := vnettest.NewPair(t)
	raw := vnettest.NewRawPeer(t, apiA, Label)
	wrapped := vnettest.NewRawPeer(t, apiB, Label)

	p := &pair{
		raw:       raw,
		received:  make(chan protocol.Message, 8),
		malformed: make(chan error, 8),
		rawInbox:  make(chan []byte, 8),
	}
	p.ch = New(wrapped.DC, Options{
		MaxMessageSize: maxSize,
		Handlers: Handlers{
			OnMessage:   func(m protocol.Message) { p.received <- m },
			OnMalformed: func(err error) { p.malformed <- err },
		},
	})
	raw.DC.OnMessage(func(m webrtc.DataChannelMessage) { p.rawInbox <- m.Data })

	raw.Accept(t, wrapped.Answer(t, raw.Offer(t)))

	waitClosed(t, raw.Open, "raw channel open")
	waitClosed(t, p.ch.Ready(), "wrapped channel open")
	return p
}

func waitClosed(t *testing.T, ch <-chan struct{}, what string) {
	t.Helper()
	select {
	case <-ch:
	case <-time.After(testTimeout):
		t.Fatalf("timed out waiting for %s", what)
	}
}

func receive[T any](t *testing.T, ch chan T, what string) T {
	t.Helper()
	select {
	case v := <-ch:
		return v
	case <-time.After(testTimeout):
		t.Fatalf("timed out waiting for %s", what)
	}
	panic("unreachable")
}

// TestMalformedFrameDropped verifies that an undecodable frame is reported
// and the channel keeps delivering.
func TestMalformedFrameDropped(t *testing.T) {
	p := newPair(t, 0)

	require.NoError(t, p.raw.DC.Send([]byte{0xff, 0x00, 0x13}))

	valid, err := protocol.Encode(&protocol.Text{Text: "still here"})
	require.NoError(t, err)
	require.NoError(t, p.raw.DC.Send(valid))

	require.ErrorIs(t, receive(t, p.malformed, "malformed report"), protocol.ErrMalformedMessage)
	require.Equal(t, &protocol.Text{Text: "still here"}, receive(t, p.received, "message"))
	require.True(t, p.ch.IsOpen())
}

// TestSendEncodesFrame verifies that Send writes one decodable frame.
func TestSendEncodesFrame(t *testing.T) {
	p := newPair(t, 0)

	require.NoError(t, p.ch.Send(context.Background(), &protocol.Control{Kind: protocol.ControlBye}))
	require.NoError(t, p.ch.Flush(context.Background()))

	msg, err := protocol.Decode(receive(t, p.rawInbox, "raw frame"))
	require.NoError(t, err)
	require.Equal(t, &protocol.Control{Kind: protocol.ControlBye}, msg)
}

// TestSendFrameTooLarge verifies the frame limit.
func TestSendFrameTooLarge(t *testing.T) {
	p := newPair(t, 64)

	err := p.ch.Send(context.Background(), &protocol.Text{Text: string(make([]byte, 128))})
	require.ErrorIs(t, err, ErrFrameTooLarge)
}

// TestSendWaitsForWriterWithDeadline verifies that a send queued behind
// another writer gives up when its context ends or the channel closes.
func TestSendWaitsForWriterWithDeadline(t *testing.T) {
	p := newPair(t, 0)

	p.ch.writeSlot <- struct{}{} // another frame is being written

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	start := time.Now()
	err := p.ch.Send(ctx, &protocol.Text{Text: "queued"})
	require.ErrorIs(t, err, context.DeadlineExceeded)
	require.Less(t, time.Since(start), time.Second)

	errCh := make(chan error, 1)
	go func() { errCh <- p.ch.Send(context.Background(), &protocol.Text{Text: "queued"}) }()
	time.Sleep(20 * time.Millisecond)
	require.NoError(t, p.ch.Close())
	require.ErrorIs(t, receive(t, errCh, "send result"), ErrChannelNotOpen)

	<-p.ch.writeSlot
}

// TestSendAfterClose verifies that a closed channel rejects sends.
func TestSendAfterClose(t *testing.T) {
	p := newPair(t, 0)

	require.NoError(t, p.ch.Close())
	_ = p.ch.Close()
	require.False(t, p.ch.IsOpen())
	waitClosed(t, p.ch.Done(), "done")

	require.ErrorIs(t, p.ch.Send(context.Background(), &protocol.Text{Text: "late"}), ErrChannelNotOpen)
	require.NoError(t, p.ch.Flush(context.Background()))
}
