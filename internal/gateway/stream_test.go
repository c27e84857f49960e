// ABOUTME: Tests for the agent WebSocket stream: auth, snapshots on connect and enqueue, shutdown
// ABOUTME: Dials the real handler through httptest with gorilla/websocket

package gateway

import (
	"net/http"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/2389/dockhand/internal/metrics"
	"github.com/2389/dockhand/internal/protocol"
)

func (tg *testGateway) dialStream(t *testing.T, agentID string, headers map[string]string) (*websocket.Conn, *http.Response, error) {
	t.Helper()
	url := "ws" + strings.TrimPrefix(tg.srv.URL, "http") + "/api/agents/" + agentID + "/stream"
	h := http.Header{}
	for k, v := range headers {
		h.Set(k, v)
	}
	conn, resp, err := websocket.DefaultDialer.Dial(url, h)
	if conn != nil {
		t.Cleanup(func() { conn.Close() })
	}
	return conn, resp, err
}

func readSnapshot(t *testing.T, conn *websocket.Conn) protocol.StreamMessage {
	t.Helper()
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(5*time.Second)))
	var msg protocol.StreamMessage
	require.NoError(t, conn.ReadJSON(&msg))
	assert.Equal(t, protocol.StreamTypeTasks, msg.Type)
	return msg
}

func TestStream_PushesSnapshots(t *testing.T) {
	tg := newTestGateway(t)
	token := tg.registerAgent(t, "a1")
	before := tg.sendTask(t, "a1")

	conn, _, err := tg.dialStream(t, "a1", agentHeaders(token))
	require.NoError(t, err)

	first := readSnapshot(t, conn)
	require.Len(t, first.Tasks, 1)
	assert.Equal(t, before.ID, first.Tasks[0].ID)

	require.Eventually(t, func() bool { return tg.gw.broadcaster.Subscribers("a1") == 1 }, 5*time.Second, 10*time.Millisecond)

	after := tg.sendTask(t, "a1")
	second := readSnapshot(t, conn)
	require.Len(t, second.Tasks, 2)
	assert.Equal(t, after.ID, second.Tasks[1].ID)
}

func TestStream_OtherAgentsTasksNotPushed(t *testing.T) {
	tg := newTestGateway(t)
	token := tg.registerAgent(t, "a1")
	tg.registerAgent(t, "a2")

	conn, _, err := tg.dialStream(t, "a1", agentHeaders(token))
	require.NoError(t, err)
	assert.Empty(t, readSnapshot(t, conn).Tasks)

	require.Eventually(t, func() bool { return tg.gw.broadcaster.Subscribers("a1") == 1 }, 5*time.Second, 10*time.Millisecond)
	tg.sendTask(t, "a2")

	require.NoError(t, conn.SetReadDeadline(time.Now().Add(200*time.Millisecond)))
	_, _, err = conn.ReadMessage()
	require.Error(t, err)
}

func TestStream_RequiresToken(t *testing.T) {
	tg := newTestGateway(t)
	tg.registerAgent(t, "a1")

	_, resp, err := tg.dialStream(t, "a1", nil)
	require.ErrorIs(t, err, websocket.ErrBadHandshake)
	require.NotNil(t, resp)
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)

	_, resp, err = tg.dialStream(t, "ghost", agentHeaders("whatever"))
	require.ErrorIs(t, err, websocket.ErrBadHandshake)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestStream_ClientGauge(t *testing.T) {
	tg := newTestGateway(t)
	token := tg.registerAgent(t, "a1")
	base := testutil.ToFloat64(metrics.StreamClients)

	conn, _, err := tg.dialStream(t, "a1", agentHeaders(token))
	require.NoError(t, err)
	readSnapshot(t, conn)
	assert.Equal(t, base+1, testutil.ToFloat64(metrics.StreamClients))

	require.NoError(t, conn.WriteMessage(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, "bye")))
	require.Eventually(t, func() bool {
		return testutil.ToFloat64(metrics.StreamClients) == base
	}, 5*time.Second, 10*time.Millisecond)
	require.Eventually(t, func() bool { return tg.gw.broadcaster.Subscribers("a1") == 0 }, 5*time.Second, 10*time.Millisecond)
}

func TestStream_ClosedOnShutdown(t *testing.T) {
	tg := newTestGateway(t)
	token := tg.registerAgent(t, "a1")

	conn, _, err := tg.dialStream(t, "a1", agentHeaders(token))
	require.NoError(t, err)
	readSnapshot(t, conn)
	require.Eventually(t, func() bool { return tg.gw.broadcaster.Subscribers("a1") == 1 }, 5*time.Second, 10*time.Millisecond)

	tg.gw.broadcaster.Close()

	require.NoError(t, conn.SetReadDeadline(time.Now().Add(5*time.Second)))
	_, _, err = conn.ReadMessage()
	assert.True(t, websocket.IsCloseError(err, websocket.CloseGoingAway), "unexpected error: %v", err)
}

func TestStream_Ping(t *testing.T) {
	tg := newTestGatewayWithParams(t, Params{StreamPing: 20 * time.Millisecond})
	token := tg.registerAgent(t, "a1")

	conn, _, err := tg.dialStream(t, "a1", agentHeaders(token))
	require.NoError(t, err)

	pinged := make(chan struct{}, 1)
	conn.SetPingHandler(func(string) error {
		select {
		case pinged <- struct{}{}:
		default:
		}
		return nil
	})
	readSnapshot(t, conn)

	// Control frames are handled inside reads.
	go func() {
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	select {
	case <-pinged:
	case <-time.After(5 * time.Second):
		t.Fatal("no ping received")
	}
}
