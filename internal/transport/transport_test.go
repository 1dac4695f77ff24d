package transport

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/pion/webrtc/v4"
	"github.com/stretchr/testify/require"

	"github.com/1ureka/tunnelio/internal/channel"
	"github.com/1ureka/tunnelio/internal/config"
	"github.com/1ureka/tunnelio/internal/protocol"
	"github.com/1ureka/tunnelio/internal/vnettest"
)

const testTimeout = 10 * time.Second

func testConfig() *config.Config {
	cfg := config.Default()
	cfg.ICEServers = nil
	cfg.GatherTimeoutSeconds = 5
	return cfg
}

func newTestSession(t *testing.T, api *webrtc.API, cfg *config.Config, h channel.Handlers) *Session {
	t.Helper()
	s, err := NewSession(Options{Config: cfg, API: api, Channel: channel.Options{Handlers: h}})
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func waitClosed(t *testing.T, ch <-chan struct{}, what string) {
	t.Helper()
	select {
	case <-ch:
	case <-time.After(testTimeout):
		t.Fatalf("timed out waiting for %s", what)
	}
}

// connect runs a full vanilla ICE handshake between offerer and answerer.
func connect(t *testing.T, ctx context.Context, offerer, answerer *Session) {
	t.Helper()

	offer, err := offerer.SetPeer(ctx, nil)
	require.NoError(t, err)
	require.Equal(t, webrtc.SDPTypeOffer, offer.Type)
	require.Equal(t, StateHaveLocalOffer, offerer.State())

	answer, err := answerer.SetPeer(ctx, &offer)
	require.NoError(t, err)
	require.Equal(t, webrtc.SDPTypeAnswer, answer.Type)

	_, err = offerer.SetPeer(ctx, &answer)
	require.NoError(t, err)

	waitClosed(t, offerer.Channel().Ready(), "offerer channel open")
	waitClosed(t, answerer.Channel().Ready(), "answerer channel open")
}

// TestSessionHandshake verifies that two sessions connect over a virtual
// network and exchange a message on the negotiated channel.
func TestSessionHandshake(t *testing.T) {
	apiA, apiB := vnettest.NewPair(t)
	ctx, cancel := context.WithTimeout(context.Background(), testTimeout)
	defer cancel()

	received := make(chan protocol.Message, 1)

	var (
		mu        sync.Mutex
		snapshots []Description
	)
	states := make(chan State, 16)
	a, err := NewSession(Options{
		Config:         testConfig(),
		API:            apiA,
		OnICECandidate: func(d Description) {
			mu.Lock()
			snapshots = append(snapshots, d)
			mu.Unlock()
		},
		OnStateChange: func(s State) { states <- s },
	})
	require.NoError(t, err)
	t.Cleanup(func() { _ = a.Close() })

	b := newTestSession(t, apiB, testConfig(), channel.Handlers{
		OnMessage: func(m protocol.Message) { received <- m },
	})

	connect(t, ctx, a, b)

	mu.Lock()
	require.NotEmpty(t, snapshots)
	require.Equal(t, webrtc.SDPTypeOffer, snapshots[len(snapshots)-1].Type)
	mu.Unlock()

	require.Eventually(t, func() bool {
		return a.State() == StateConnected && b.State() == StateConnected
	}, testTimeout, 10*time.Millisecond)

	require.Equal(t, StateHaveLocalOffer, <-states)
	require.Equal(t, StateNegotiating, <-states)
	require.Equal(t, StateConnected, <-states)

	require.Equal(t, channel.Label, a.Channel().Label())
	require.NoError(t, a.Channel().Send(ctx, &protocol.Text{Text: "hi"}))

	select {
	case m := <-received:
		require.Equal(t, &protocol.Text{Text: "hi"}, m)
	case <-time.After(testTimeout):
		t.Fatal("message not delivered")
	}
}

// TestSessionRejectsConflictingDescriptions verifies that out-of-order
// descriptions fail with ErrNegotiation and leave the state unchanged.
func TestSessionRejectsConflictingDescriptions(t *testing.T) {
	apiA, apiB := vnettest.NewPair(t)
	ctx, cancel := context.WithTimeout(context.Background(), testTimeout)
	defer cancel()

	a := newTestSession(t, apiA, testConfig(), channel.Handlers{})
	b := newTestSession(t, apiB, testConfig(), channel.Handlers{})

	offer, err := a.SetPeer(ctx, nil)
	require.NoError(t, err)

	t.Run("second offer on offering side", func(t *testing.T) {
		_, err := a.SetPeer(ctx, nil)
		require.ErrorIs(t, err, ErrNegotiation)
		require.Equal(t, StateHaveLocalOffer, a.State())
	})

	t.Run("offer while holding a local offer", func(t *testing.T) {
		_, err := a.SetPeer(ctx, &offer)
		require.ErrorIs(t, err, ErrNegotiation)
		require.Equal(t, StateHaveLocalOffer, a.State())
	})

	t.Run("answer in idle", func(t *testing.T) {
		_, err := b.SetPeer(ctx, &Description{Type: webrtc.SDPTypeAnswer, SDP: offer.SDP})
		require.ErrorIs(t, err, ErrNegotiation)
		require.Equal(t, StateIdle, b.State())
	})

	t.Run("empty sdp", func(t *testing.T) {
		_, err := b.SetPeer(ctx, &Description{Type: webrtc.SDPTypeOffer})
		require.ErrorIs(t, err, ErrNegotiation)
		require.Equal(t, StateIdle, b.State())
	})

	answer, err := b.SetPeer(ctx, &offer)
	require.NoError(t, err)

	t.Run("second offer after answering", func(t *testing.T) {
		_, err := b.SetPeer(ctx, &offer)
		require.ErrorIs(t, err, ErrNegotiation)
		require.Equal(t, StateNegotiating, b.State())
	})

	_, err = a.SetPeer(ctx, &answer)
	require.NoError(t, err)

	t.Run("duplicate answer", func(t *testing.T) {
		_, err := a.SetPeer(ctx, &answer)
		require.ErrorIs(t, err, ErrNegotiation)
	})
}

// TestSessionManualAnswer verifies that with AutoAnswer off SetPeer only
// applies the offer and Answer completes the exchange.
func TestSessionManualAnswer(t *testing.T) {
	apiA, apiB := vnettest.NewPair(t)
	ctx, cancel := context.WithTimeout(context.Background(), testTimeout)
	defer cancel()

	cfg := testConfig()
	cfg.AutoAnswer = false

	a := newTestSession(t, apiA, testConfig(), channel.Handlers{})
	b := newTestSession(t, apiB, cfg, channel.Handlers{})

	_, err := b.Answer(ctx)
	require.ErrorIs(t, err, ErrNegotiation)

	offer, err := a.SetPeer(ctx, nil)
	require.NoError(t, err)

	pending, err := b.SetPeer(ctx, &offer)
	require.NoError(t, err)
	require.True(t, pending.IsZero())
	require.Equal(t, StateHaveRemoteOffer, b.State())

	answer, err := b.Answer(ctx)
	require.NoError(t, err)
	require.Equal(t, webrtc.SDPTypeAnswer, answer.Type)

	_, err = a.SetPeer(ctx, &answer)
	require.NoError(t, err)
	waitClosed(t, a.Channel().Ready(), "channel open")
}

// TestSessionClose verifies that Close is idempotent and that Closed is sticky.
func TestSessionClose(t *testing.T) {
	apiA, apiB := vnettest.NewPair(t)
	ctx, cancel := context.WithTimeout(context.Background(), testTimeout)
	defer cancel()

	closedA := make(chan struct{})
	a := newTestSession(t, apiA, testConfig(), channel.Handlers{
		OnClose: func() { close(closedA) },
	})
	b := newTestSession(t, apiB, testConfig(), channel.Handlers{})

	connect(t, ctx, a, b)

	require.NoError(t, a.Close())
	require.NoError(t, a.Close())
	require.Equal(t, StateClosed, a.State())
	waitClosed(t, a.Done(), "session done")

	_, err := a.SetPeer(ctx, nil)
	require.ErrorIs(t, err, ErrNegotiation)
	require.ErrorIs(t, a.AddICECandidate(webrtc.ICECandidateInit{Candidate: "x"}), ErrNegotiation)

	require.ErrorIs(t, a.Channel().Send(ctx, &protocol.Text{Text: "late"}), channel.ErrChannelNotOpen)
	waitClosed(t, closedA, "local channel close")
}

// TestSendBeforeOpen verifies that the channel refuses sends before it opens.
func TestSendBeforeOpen(t *testing.T) {
	apiA, _ := vnettest.NewPair(t)
	a := newTestSession(t, apiA, testConfig(), channel.Handlers{})

	require.False(t, a.Channel().IsOpen())
	require.ErrorIs(t, a.Channel().Send(context.Background(), &protocol.Text{Text: "x"}), channel.ErrChannelNotOpen)
	require.True(t, a.LocalDescription().IsZero())
}

// TestStateString verifies the state names used in logs.
func TestStateString(t *testing.T) {
	require.Equal(t, "idle", StateIdle.String())
	require.Equal(t, "connected", StateConnected.String())
	require.Equal(t, "closed", StateClosed.String())
}
