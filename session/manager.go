package session

import (
	"context"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/pkg/errors"
	"go.uber.org/zap"

	"github.com/upowai/poolnet/protocol"
)

// Replies for frames the session layer itself rejects.
const (
	replyMaxConnections = "ERROR: Max connection limit reached"
	replyInvalidFormat  = "ERROR: Invalid message format"
	replyUnknownType    = "ERROR: Unknown message type"
)

// DecodeFunc decodes one inbound frame into the socket's message union.
type DecodeFunc func(raw []byte) (protocol.Message, error)

// HandlerFunc handles one decoded message and returns the reply frame.
// Sessions are one request/response: the connection closes after the reply
// unless keepOpen is set, which holds it for the next frame (the standing
// miner dispatch path). An error closes the connection after an error reply.
type HandlerFunc func(
	ctx context.Context,
	msg protocol.Message,
) (reply []byte, keepOpen bool, err error)

// Manager accepts websocket sessions for one socket, enforces the
// concurrent-session cap, and runs the per-connection receive loop. Every
// exit path deregisters the session.
type Manager struct {
	name     string
	max      int
	decode   DecodeFunc
	handler  HandlerFunc
	upgrader websocket.Upgrader
	logger   *zap.Logger

	mu     sync.Mutex
	active map[*websocket.Conn]struct{}
}

func NewManager(
	name string,
	max int,
	decode DecodeFunc,
	handler HandlerFunc,
	logger *zap.Logger,
) *Manager {
	return &Manager{
		name:    name,
		max:     max,
		decode:  decode,
		handler: handler,
		upgrader: websocket.Upgrader{
			CheckOrigin: func(*http.Request) bool { return true },
		},
		logger: logger.Named("session").With(zap.String("socket", name)),
		active: map[*websocket.Conn]struct{}{},
	}
}

func (m *Manager) register(conn *websocket.Conn) bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	if len(m.active) >= m.max {
		return false
	}
	m.active[conn] = struct{}{}
	activeSessions.WithLabelValues(m.name).Set(float64(len(m.active)))
	m.logger.Info("session opened", zap.Int("active", len(m.active)))
	return true
}

func (m *Manager) deregister(conn *websocket.Conn) {
	m.mu.Lock()
	defer m.mu.Unlock()

	delete(m.active, conn)
	activeSessions.WithLabelValues(m.name).Set(float64(len(m.active)))
	m.logger.Info("session closed", zap.Int("active", len(m.active)))
}

// ActiveCount reports the registered session count.
func (m *Manager) ActiveCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.active)
}

// ServeHTTP upgrades the connection and runs its session.
func (m *Manager) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := m.upgrader.Upgrade(w, r, nil)
	if err != nil {
		m.logger.Warn("upgrade failed", zap.Error(err))
		return
	}

	if !m.register(conn) {
		rejectedConnections.WithLabelValues(m.name).Inc()
		_ = conn.WriteMessage(websocket.TextMessage, []byte(replyMaxConnections))
		conn.Close()
		return
	}

	defer func() {
		m.deregister(conn)
		conn.Close()
	}()
	m.receiveLoop(r.Context(), conn)
}

func (m *Manager) receiveLoop(ctx context.Context, conn *websocket.Conn) {
	for {
		_, raw, err := conn.ReadMessage()
		if err != nil {
			return
		}

		msg, err := m.decode(raw)
		if err != nil {
			reply := replyInvalidFormat
			if errors.Is(err, protocol.ErrUnknownType) {
				reply = replyUnknownType
			}
			_ = conn.WriteMessage(websocket.TextMessage, []byte(reply))
			return
		}

		reply, keepOpen, err := m.handler(ctx, msg)
		if err != nil {
			_ = conn.WriteMessage(
				websocket.TextMessage,
				[]byte(protocol.Error("%s", err.Error())),
			)
			return
		}
		if reply != nil {
			if err := conn.WriteMessage(websocket.TextMessage, reply); err != nil {
				return
			}
		}
		if !keepOpen {
			return
		}
	}
}

// Listen serves the socket until ctx is cancelled.
func (m *Manager) Listen(ctx context.Context, addr string) error {
	server := &http.Server{
		Addr:    addr,
		Handler: m,
		BaseContext: func(net.Listener) context.Context {
			return ctx
		},
	}

	errCh := make(chan error, 1)
	go func() {
		errCh <- server.ListenAndServe()
	}()
	m.logger.Info("listening", zap.String("addr", addr))

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := server.Shutdown(shutdownCtx); err != nil {
			return errors.Wrap(err, "shutdown socket")
		}
		return nil
	case err := <-errCh:
		return errors.Wrap(err, "serve socket")
	}
}
