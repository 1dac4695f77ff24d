package signaling

import (
	"context"
	"errors"
	"fmt"

	"github.com/gorilla/websocket"
	"github.com/pion/webrtc/v4"

	"github.com/1ureka/tunnelio/internal/transport"
	"github.com/1ureka/tunnelio/internal/util"
)

// Negotiator is the part of a tunnel engine signaling drives.
type Negotiator interface {
	SetPeer(ctx context.Context, remote *transport.Description) (transport.Description, error)
	Ready() <-chan struct{}
}

// ErrRemote is returned when the other side reports a signaling failure.
var ErrRemote = errors.New("remote signaling error")

// EstablishAsHost waits for a client on srv, sends the offer, applies the
// answer and blocks until the data channel opens.
func EstablishAsHost(ctx context.Context, srv *Server, peer Negotiator) error {
	conn, err := srv.WaitForClient(ctx)
	if err != nil {
		return fmt.Errorf("failed to wait for client: %w", err)
	}
	defer conn.Close()
	util.LogInfo("client connected: %s", conn.RemoteAddr())

	stop := closeOnDone(ctx, conn)
	defer stop()

	offer, err := peer.SetPeer(ctx, nil)
	if err != nil {
		reportError(conn, err)
		return fmt.Errorf("failed to create offer: %w", err)
	}
	if err := conn.WriteJSON(message{Type: msgTypeOffer, Description: &offer}); err != nil {
		return fmt.Errorf("failed to send offer: %w", err)
	}
	util.LogDebug("offer sent (%d candidates)", len(offer.Candidates))

	answer, err := expect(ctx, conn, msgTypeAnswer)
	if err != nil {
		return err
	}
	if _, err := peer.SetPeer(ctx, answer); err != nil {
		return fmt.Errorf("failed to apply answer: %w", err)
	}

	return waitReady(ctx, peer)
}

// EstablishAsClient connects to the host, answers its offer and blocks until
// the data channel opens.
func EstablishAsClient(ctx context.Context, wsURL, pin string, peer Negotiator) error {
	conn, err := Connect(ctx, wsURL, pin)
	if err != nil {
		return err
	}
	defer conn.Close()
	util.LogDebug("WS connected: %s", wsURL)

	stop := closeOnDone(ctx, conn)
	defer stop()

	offer, err := expect(ctx, conn, msgTypeOffer)
	if err != nil {
		return err
	}

	answer, err := peer.SetPeer(ctx, offer)
	if err != nil {
		reportError(conn, err)
		return fmt.Errorf("failed to answer offer: %w", err)
	}
	if answer.IsZero() {
		return errors.New("autoAnswer is disabled; signaling requires an immediate answer")
	}
	if err := conn.WriteJSON(message{Type: msgTypeAnswer, Description: &answer}); err != nil {
		return fmt.Errorf("failed to send answer: %w", err)
	}
	util.LogDebug("answer sent (%d candidates)", len(answer.Candidates))

	return waitReady(ctx, peer)
}

// expect reads one message and checks its type.
func expect(ctx context.Context, conn *websocket.Conn, want messageType) (*transport.Description, error) {
	var msg message
	if err := conn.ReadJSON(&msg); err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, fmt.Errorf("failed to read WS message: %w", err)
	}

	switch {
	case msg.Type == msgTypeError:
		return nil, fmt.Errorf("%w: %s", ErrRemote, msg.Error)
	case msg.Type != want:
		return nil, fmt.Errorf("unexpected signaling message %q (want %q)", msg.Type, want)
	case msg.Description == nil:
		return nil, fmt.Errorf("signaling message %q without description", msg.Type)
	}

	d := msg.Description
	if want == msgTypeOffer {
		d.Type = webrtc.SDPTypeOffer
	} else {
		d.Type = webrtc.SDPTypeAnswer
	}
	return d, nil
}

func reportError(conn *websocket.Conn, err error) {
	_ = conn.WriteJSON(message{Type: msgTypeError, Error: err.Error()})
}

// waitReady blocks until the data channel opens.
func waitReady(ctx context.Context, peer Negotiator) error {
	select {
	case <-peer.Ready():
		util.LogDebug("data channel established, closing WS")
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// closeOnDone closes conn when ctx ends so blocking reads return.
func closeOnDone(ctx context.Context, conn *websocket.Conn) func() {
	done := make(chan struct{})
	go func() {
		select {
		case <-ctx.Done():
			conn.Close()
		case <-done:
		}
	}()
	return func() { close(done) }
}
