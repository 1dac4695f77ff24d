package transport

import (
	"github.com/pion/webrtc/v4"

	"github.com/1ureka/tunnelio/internal/channel"
	"github.com/1ureka/tunnelio/internal/config"
	"github.com/1ureka/tunnelio/internal/util"
)

// NewAPI builds the pion API used for every session: pion logs go through the
// pterm bridge, default codecs are registered so media tracks can be
// negotiated, the receive frame limit is announced, and loopback candidates
// are optional (same-host peers).
func NewAPI(cfg *config.Config) (*webrtc.API, error) {
	se := webrtc.SettingEngine{
		LoggerFactory: util.NewPionLoggerFactory(),
	}
	se.SetIncludeLoopbackCandidate(cfg.IncludeLoopbackCandidates)
	se.SetSCTPMaxMessageSize(uint32(cfg.MaxMessageSize))

	mediaEngine := &webrtc.MediaEngine{}
	if err := mediaEngine.RegisterDefaultCodecs(); err != nil {
		return nil, err
	}

	return webrtc.NewAPI(
		webrtc.WithSettingEngine(se),
		webrtc.WithMediaEngine(mediaEngine),
	), nil
}

// iceServers converts configured STUN/TURN endpoints. No TURN is configured
// by default; the tunnel aims for direct connectivity.
func iceServers(cfg *config.Config) []webrtc.ICEServer {
	servers := make([]webrtc.ICEServer, 0, len(cfg.ICEServers))
	for _, s := range cfg.ICEServers {
		server := webrtc.ICEServer{URLs: s.URLs, Username: s.Username}
		if s.Credential != "" {
			server.Credential = s.Credential
		}
		servers = append(servers, server)
	}
	return servers
}

// newPeerConnection creates a PeerConnection configured with the given ICE servers.
func newPeerConnection(api *webrtc.API, cfg *config.Config) (*webrtc.PeerConnection, error) {
	return api.NewPeerConnection(webrtc.Configuration{
		ICEServers: iceServers(cfg),
	})
}

// newDataChannel creates the pre-negotiated, ordered and fully reliable
// DataChannel. Using negotiated mode (ID 0) allows both sides to create
// the channel independently without relying on OnDataChannel, which also
// guarantees at most one channel per session.
func newDataChannel(pc *webrtc.PeerConnection) (*webrtc.DataChannel, error) {
	ordered := true
	negotiated := true
	id := uint16(0)

	return pc.CreateDataChannel(channel.Label, &webrtc.DataChannelInit{
		Ordered:    &ordered,
		Negotiated: &negotiated,
		ID:         &id,
	})
}
