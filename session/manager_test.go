package session

import (
	"context"
	"encoding/json"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/upowai/poolnet/protocol"
)

func echoHandler(
	_ context.Context,
	msg protocol.Message,
) ([]byte, bool, error) {
	switch m := msg.(type) {
	case protocol.TaskRequest:
		return []byte(protocol.Success("request from %s", m.WalletAddress)), true, nil
	case protocol.Ping:
		return []byte(protocol.Success("pong")), true, nil
	case protocol.TaskResult:
		return nil, false, errors.New("No task assigned")
	default:
		return nil, false, nil
	}
}

func testServer(t *testing.T, max int) (*Manager, string) {
	manager := NewManager("miner", max, protocol.DecodeMiner, echoHandler, zap.NewNop())
	server := httptest.NewServer(manager)
	t.Cleanup(server.Close)
	return manager, "ws" + strings.TrimPrefix(server.URL, "http")
}

func dial(t *testing.T, url string) *websocket.Conn {
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	return conn
}

func TestSessionDispatch(t *testing.T) {
	_, url := testServer(t, 5)
	conn := dial(t, url)

	frame, err := json.Marshal(protocol.TaskRequest{
		Type:          protocol.TypeRequest,
		WalletAddress: "miner-1",
	})
	require.NoError(t, err)
	require.NoError(t, conn.WriteMessage(websocket.TextMessage, frame))

	_, reply, err := conn.ReadMessage()
	require.NoError(t, err)
	assert.Equal(t, "SUCCESS: request from miner-1", string(reply))

	// The standing dispatch connection stays open for the next frame.
	ping, err := json.Marshal(protocol.Ping{Type: protocol.TypePing})
	require.NoError(t, err)
	require.NoError(t, conn.WriteMessage(websocket.TextMessage, ping))
	_, reply, err = conn.ReadMessage()
	require.NoError(t, err)
	assert.Equal(t, "SUCCESS: pong", string(reply))
}

func TestSessionClosesAfterReply(t *testing.T) {
	handler := func(
		_ context.Context,
		msg protocol.Message,
	) ([]byte, bool, error) {
		scored, ok := msg.(protocol.ScoredResponse)
		require.True(t, ok)
		return []byte(protocol.Success("scores recorded for %s", scored.ValID)), false, nil
	}
	manager := NewManager(
		"pool-validation", 5, protocol.DecodePoolValidation, handler, zap.NewNop(),
	)
	server := httptest.NewServer(manager)
	t.Cleanup(server.Close)
	conn := dial(t, "ws"+strings.TrimPrefix(server.URL, "http"))

	frame, err := json.Marshal(protocol.ScoredResponse{
		Type:  protocol.TypeResponse,
		ValID: "val-1",
	})
	require.NoError(t, err)
	require.NoError(t, conn.WriteMessage(websocket.TextMessage, frame))

	_, reply, err := conn.ReadMessage()
	require.NoError(t, err)
	assert.Equal(t, "SUCCESS: scores recorded for val-1", string(reply))

	// One request/response per session: the reply closes the connection.
	require.NoError(t, conn.WriteMessage(websocket.TextMessage, frame))
	_, _, err = conn.ReadMessage()
	assert.Error(t, err)
}

func TestSessionInvalidFormatCloses(t *testing.T) {
	_, url := testServer(t, 5)
	conn := dial(t, url)

	require.NoError(t, conn.WriteMessage(websocket.TextMessage, []byte("not json")))
	_, reply, err := conn.ReadMessage()
	require.NoError(t, err)
	assert.Equal(t, replyInvalidFormat, string(reply))

	_, _, err = conn.ReadMessage()
	assert.Error(t, err)
}

func TestSessionUnknownTypeCloses(t *testing.T) {
	_, url := testServer(t, 5)
	conn := dial(t, url)

	require.NoError(t, conn.WriteMessage(
		websocket.TextMessage,
		[]byte(`{"type":"bogus"}`),
	))
	_, reply, err := conn.ReadMessage()
	require.NoError(t, err)
	assert.Equal(t, replyUnknownType, string(reply))

	_, _, err = conn.ReadMessage()
	assert.Error(t, err)
}

func TestSessionHandlerErrorCloses(t *testing.T) {
	_, url := testServer(t, 5)
	conn := dial(t, url)

	frame, err := json.Marshal(protocol.TaskResult{
		Type:          protocol.TypeResponse,
		WalletAddress: "miner-1",
		ID:            "task-1",
	})
	require.NoError(t, err)
	require.NoError(t, conn.WriteMessage(websocket.TextMessage, frame))

	_, reply, err := conn.ReadMessage()
	require.NoError(t, err)
	assert.Equal(t, "ERROR: No task assigned", string(reply))

	_, _, err = conn.ReadMessage()
	assert.Error(t, err)
}

func TestSessionMaxConnections(t *testing.T) {
	manager, url := testServer(t, 1)
	first := dial(t, url)
	_ = first

	require.Eventually(t, func() bool {
		return manager.ActiveCount() == 1
	}, time.Second, 10*time.Millisecond)

	second := dial(t, url)
	_, reply, err := second.ReadMessage()
	require.NoError(t, err)
	assert.Equal(t, replyMaxConnections, string(reply))

	_, _, err = second.ReadMessage()
	assert.Error(t, err)
}

func TestSessionDeregisterOnExit(t *testing.T) {
	manager, url := testServer(t, 5)

	conn := dial(t, url)
	require.Eventually(t, func() bool {
		return manager.ActiveCount() == 1
	}, time.Second, 10*time.Millisecond)

	conn.Close()
	require.Eventually(t, func() bool {
		return manager.ActiveCount() == 0
	}, time.Second, 10*time.Millisecond)
}
