package vnettest

import (
	"testing"

	"github.com/pion/webrtc/v4"
	"github.com/stretchr/testify/require"
)

// RawPeer is a bare PeerConnection carrying a pre-negotiated data channel
// (ID 0), used to put arbitrary bytes on the wire.
type RawPeer struct {
	PC   *webrtc.PeerConnection
	DC   *webrtc.DataChannel
	Open chan struct{}
}

// NewRawPeer creates the peer and its data channel. Both close when the test
// ends.
func NewRawPeer(t *testing.T, api *webrtc.API, label string) *RawPeer {
	t.Helper()

	pc, err := api.NewPeerConnection(webrtc.Configuration{})
	require.NoError(t, err)
	t.Cleanup(func() { _ = pc.Close() })

	ordered, negotiated, id := true, true, uint16(0)
	dc, err := pc.CreateDataChannel(label, &webrtc.DataChannelInit{
		Ordered:    &ordered,
		Negotiated: &negotiated,
		ID:         &id,
	})
	require.NoError(t, err)

	p := &RawPeer{PC: pc, DC: dc, Open: make(chan struct{})}
	dc.OnOpen(func() { close(p.Open) })
	return p
}

// Offer creates an offer and returns it once ICE gathering completes.
func (p *RawPeer) Offer(t *testing.T) webrtc.SessionDescription {
	t.Helper()
	offer, err := p.PC.CreateOffer(nil)
	require.NoError(t, err)
	return p.setLocal(t, offer)
}

// Answer applies a remote offer and returns the complete answer.
func (p *RawPeer) Answer(t *testing.T, offer webrtc.SessionDescription) webrtc.SessionDescription {
	t.Helper()
	require.NoError(t, p.PC.SetRemoteDescription(offer))
	answer, err := p.PC.CreateAnswer(nil)
	require.NoError(t, err)
	return p.setLocal(t, answer)
}

// Accept applies the remote answer to an earlier Offer.
func (p *RawPeer) Accept(t *testing.T, answer webrtc.SessionDescription) {
	t.Helper()
	require.NoError(t, p.PC.SetRemoteDescription(answer))
}

func (p *RawPeer) setLocal(t *testing.T, desc webrtc.SessionDescription) webrtc.SessionDescription {
	t.Helper()
	gathered := webrtc.GatheringCompletePromise(p.PC)
	require.NoError(t, p.PC.SetLocalDescription(desc))
	<-gathered
	return *p.PC.LocalDescription()
}
