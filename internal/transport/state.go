package transport

import (
	"errors"

	"github.com/pion/webrtc/v4"
)

// ErrNegotiation is returned for malformed or unexpected descriptions and for
// negotiation attempted on a closed session.
var ErrNegotiation = errors.New("negotiation error")

// State is the negotiation state of a Session.
type State int

const (
	StateIdle State = iota
	StateHaveLocalOffer
	StateHaveRemoteOffer
	StateNegotiating
	StateConnected
	StateClosed
)

var stateNames = map[State]string{
	StateIdle:            "idle",
	StateHaveLocalOffer:  "have-local-offer",
	StateHaveRemoteOffer: "have-remote-offer",
	StateNegotiating:     "negotiating",
	StateConnected:       "connected",
	StateClosed:          "closed",
}

func (s State) String() string {
	if name, ok := stateNames[s]; ok {
		return name
	}
	return "unknown"
}

// Description is the signaling payload relayed between peers out-of-band:
// an SDP offer or answer plus the local ICE candidates gathered so far. The
// SDP is passed through to the transport unmodified.
type Description struct {
	Type       webrtc.SDPType            `json:"type"`
	SDP        string                    `json:"sdp"`
	Candidates []webrtc.ICECandidateInit `json:"candidates,omitempty"`
}

// IsZero reports whether d carries no SDP.
func (d Description) IsZero() bool {
	return d.SDP == ""
}

func (d Description) sessionDescription() webrtc.SessionDescription {
	return webrtc.SessionDescription{Type: d.Type, SDP: d.SDP}
}
