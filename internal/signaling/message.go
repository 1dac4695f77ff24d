// Package signaling relays session descriptions between two peers over a
// short-lived, PIN-protected WebSocket. The socket is closed as soon as the
// data channel opens; everything afterwards flows peer to peer.
package signaling

import (
	"github.com/1ureka/tunnelio/internal/transport"
)

type messageType string

const (
	msgTypeOffer  messageType = "offer"
	msgTypeAnswer messageType = "answer"
	msgTypeError  messageType = "error"
)

// message is the JSON structure exchanged over the WebSocket. Descriptions
// carry the complete candidate set, so one message each way suffices.
type message struct {
	Type        messageType            `json:"type"`
	Description *transport.Description `json:"description,omitempty"`
	Error       string                 `json:"error,omitempty"`
}
