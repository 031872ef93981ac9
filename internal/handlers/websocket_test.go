package handlers

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/ternarybob/arbor"
	"github.com/ternarybob/tracearchive/internal/common"
	"github.com/ternarybob/tracearchive/internal/interfaces"
	"github.com/ternarybob/tracearchive/internal/models"
	"github.com/ternarybob/tracearchive/internal/services/events"
)

func dial(t *testing.T, server *httptest.Server) *websocket.Conn {
	t.Helper()
	wsURL := "ws" + strings.TrimPrefix(server.URL, "http")
	conn, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	return conn
}

func readMessage(t *testing.T, conn *websocket.Conn) map[string]interface{} {
	t.Helper()
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	var msg map[string]interface{}
	require.NoError(t, conn.ReadJSON(&msg))
	return msg
}

func waitForClients(t *testing.T, handler *WebSocketHandler, n int) {
	t.Helper()
	require.Eventually(t, func() bool { return handler.ClientCount() == n }, 2*time.Second, 10*time.Millisecond)
}

func TestWebSocketHello(t *testing.T) {
	handler := NewWebSocketHandler(arbor.NewLogger())
	server := httptest.NewServer(http.HandlerFunc(handler.HandleWebSocket))
	defer server.Close()

	conn := dial(t, server)
	msg := readMessage(t, conn)

	assert.Equal(t, "hello", msg["type"])
	payload := msg["payload"].(map[string]interface{})
	assert.Equal(t, handler.serverInstanceID, payload["server_instance_id"])
}

func TestWebSocketBroadcastsEvents(t *testing.T) {
	logger := arbor.NewLogger()
	eventService := events.NewService(logger)
	handler := NewWebSocketHandler(logger)
	subscriber := NewEventSubscriber(handler, eventService, logger, &common.WebSocketConfig{})
	require.NoError(t, subscriber.SubscribeAll())

	server := httptest.NewServer(http.HandlerFunc(handler.HandleWebSocket))
	defer server.Close()

	clients := []*websocket.Conn{dial(t, server), dial(t, server)}
	for _, conn := range clients {
		readMessage(t, conn) // hello
	}
	waitForClients(t, handler, 2)

	require.NoError(t, eventService.PublishSync(context.Background(), interfaces.Event{
		Type:    interfaces.EventArchiveTrace,
		Payload: &models.ArchiveTraceData{ObjectKind: models.ObjectKindArchiveTrace, JobID: "job-1"},
	}))

	for _, conn := range clients {
		msg := readMessage(t, conn)
		assert.Equal(t, "archive_trace", msg["type"])
		assert.Equal(t, "job-1", msg["payload"].(map[string]interface{})["build_id"])
	}

	clients[0].Close()
	waitForClients(t, handler, 1)
}

func TestEventSubscriberFiltering(t *testing.T) {
	logger := arbor.NewLogger()
	subscriber := NewEventSubscriber(NewWebSocketHandler(logger), nil, logger, &common.WebSocketConfig{
		AllowedEvents:     []string{"archive_trace"},
		ThrottleIntervals: map[string]string{"archive_trace": "1h", "job_finished": "bogus"},
	})

	assert.False(t, subscriber.shouldBroadcastEvent("job_finished"))
	assert.True(t, subscriber.shouldBroadcastEvent("archive_trace"))
	assert.False(t, subscriber.shouldBroadcastEvent("archive_trace"), "throttled")
	assert.NotContains(t, subscriber.throttlers, "job_finished")
	assert.NoError(t, subscriber.SubscribeAll())
}
