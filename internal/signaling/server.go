package signaling

import (
	"context"
	"crypto/rand"
	"errors"
	"fmt"
	"math/big"
	"net"
	"net/http"
	"time"

	"github.com/gorilla/websocket"

	"github.com/1ureka/tunnelio/internal/util"
)

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool { return true },
}

// Server is the host-side WebSocket server used during signaling. It accepts
// exactly one client presenting the right PIN.
type Server struct {
	pin      string
	listener net.Listener
	http     *http.Server
	connCh   chan *websocket.Conn
}

// NewServer creates a signaling server guarded by pin.
func NewServer(pin string) *Server {
	return &Server{
		pin:    pin,
		connCh: make(chan *websocket.Conn, 1),
	}
}

// Start listens on addr (":0" picks a random port) and returns the bound port.
func (s *Server) Start(addr string) (int, error) {
	listener, err := net.Listen("tcp", addr)
	if err != nil {
		return 0, fmt.Errorf("failed to start WS server: %w", err)
	}
	s.listener = listener
	port := listener.Addr().(*net.TCPAddr).Port

	mux := http.NewServeMux()
	mux.HandleFunc("/ws", s.handleWS)
	s.http = &http.Server{Handler: mux, ReadHeaderTimeout: 10 * time.Second}

	go func() {
		if err := s.http.Serve(listener); err != nil && !errors.Is(err, http.ErrServerClosed) {
			util.LogDebug("WS server stopped: %v", err)
		}
	}()

	return port, nil
}

func (s *Server) handleWS(w http.ResponseWriter, r *http.Request) {
	if r.URL.Query().Get("pin") != s.pin {
		util.LogWarning("rejected signaling client %s: invalid PIN", r.RemoteAddr)
		http.Error(w, "Invalid PIN", http.StatusUnauthorized)
		return
	}

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}

	// Only accept the first client.
	select {
	case s.connCh <- conn:
	default:
		_ = conn.WriteMessage(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.ClosePolicyViolation, "already connected"))
		conn.Close()
	}
}

// WaitForClient blocks until a client connects or ctx is done.
func (s *Server) WaitForClient(ctx context.Context) (*websocket.Conn, error) {
	select {
	case conn := <-s.connCh:
		return conn, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Close stops accepting connections. Hijacked WebSocket connections are not
// affected.
func (s *Server) Close() {
	if s.http != nil {
		_ = s.http.Close()
	} else if s.listener != nil {
		s.listener.Close()
	}
}

// GeneratePIN returns a random numeric PIN of the specified length.
func GeneratePIN(length int) string {
	digits := make([]byte, length)
	for i := range digits {
		n, _ := rand.Int(rand.Reader, big.NewInt(10))
		digits[i] = byte('0') + byte(n.Int64())
	}
	return string(digits)
}
