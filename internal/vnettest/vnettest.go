// Package vnettest connects two pion APIs through an in-process virtual
// network so sessions can negotiate without touching real interfaces.
package vnettest

import (
	"sync/atomic"
	"testing"
	"time"

	"github.com/pion/logging"
	"github.com/pion/transport/v4/vnet"
	"github.com/pion/webrtc/v4"
	"github.com/stretchr/testify/require"
)

const (
	cidr = "10.0.0.0/24"
	ipA  = "10.0.0.1"
	ipB  = "10.0.0.2"
)

// ICE timeouts used by NewLinkedPair, short enough that a cut link fails the
// connection within a test timeout.
const (
	disconnectedTimeout = time.Second
	failedTimeout       = 2 * time.Second
	keepaliveInterval   = 200 * time.Millisecond
)

// Link drops all traffic between the two hosts once cut.
type Link struct {
	cut atomic.Bool
}

// Cut stops delivering packets in both directions.
func (l *Link) Cut() { l.cut.Store(true) }

func (l *Link) filter(vnet.Chunk) bool { return !l.cut.Load() }

// NewPair starts a virtual router with two hosts and returns one API per
// host. The router stops when the test ends.
func NewPair(t *testing.T) (*webrtc.API, *webrtc.API) {
	t.Helper()
	netA, netB := newNets(t, nil)
	return newAPI(t, netA, nil), newAPI(t, netB, nil)
}

// NewLinkedPair is NewPair with a Link that can cut the network and with ICE
// timeouts of a few seconds, so a cut surfaces as a failed connection.
func NewLinkedPair(t *testing.T) (*webrtc.API, *webrtc.API, *Link) {
	t.Helper()
	link := &Link{}
	netA, netB := newNets(t, link)

	fastICE := func(se *webrtc.SettingEngine) {
		se.SetICETimeouts(disconnectedTimeout, failedTimeout, keepaliveInterval)
	}
	return newAPI(t, netA, fastICE), newAPI(t, netB, fastICE), link
}

func newNets(t *testing.T, link *Link) (*vnet.Net, *vnet.Net) {
	t.Helper()

	router, err := vnet.NewRouter(&vnet.RouterConfig{
		CIDR:          cidr,
		LoggerFactory: logging.NewDefaultLoggerFactory(),
	})
	require.NoError(t, err, "new router")
	t.Cleanup(func() { _ = router.Stop() })

	if link != nil {
		router.AddChunkFilter(link.filter)
	}

	netA, err := vnet.NewNet(&vnet.NetConfig{StaticIPs: []string{ipA}})
	require.NoError(t, err, "new net A")
	netB, err := vnet.NewNet(&vnet.NetConfig{StaticIPs: []string{ipB}})
	require.NoError(t, err, "new net B")

	require.NoError(t, router.AddNet(netA), "add net A")
	require.NoError(t, router.AddNet(netB), "add net B")
	require.NoError(t, router.Start(), "start router")

	return netA, netB
}

func newAPI(t *testing.T, n *vnet.Net, tune func(*webrtc.SettingEngine)) *webrtc.API {
	t.Helper()

	se := webrtc.SettingEngine{}
	se.SetNet(n)
	if tune != nil {
		tune(&se)
	}

	mediaEngine := &webrtc.MediaEngine{}
	require.NoError(t, mediaEngine.RegisterDefaultCodecs())

	return webrtc.NewAPI(
		webrtc.WithSettingEngine(se),
		webrtc.WithMediaEngine(mediaEngine),
	)
}
