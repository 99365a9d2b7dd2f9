package handler

import (
	"bytes"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"link-service/internal/config"
	"link-service/internal/discovery"
	"link-service/internal/model"
	"link-service/internal/service"
	"link-service/internal/utils"
)

type fakeLinkService struct {
	mu        sync.Mutex
	status    model.LinkStatus
	healthErr error
	sendErr   error
	sent      [][]byte
	statusCh  chan model.LinkStatus
	eventCh   chan model.LinkEvent
	cancelled int
}

func newFakeLinkService() *fakeLinkService {
	return &fakeLinkService{
		status: model.LinkStatus{
			Medium:   model.MediumUDP,
			State:    model.LinkStateUp,
			SenderID: "gcs",
			PingTime: 0.012,
		},
		statusCh: make(chan model.LinkStatus, 4),
		eventCh:  make(chan model.LinkEvent, 4),
	}
}

func (f *fakeLinkService) Status() model.LinkStatus {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.status
}

func (f *fakeLinkService) Healthy() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.healthErr
}

func (f *fakeLinkService) Send(data []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.sendErr != nil {
		return f.sendErr
	}
	f.sent = append(f.sent, append([]byte(nil), data...))
	return nil
}

func (f *fakeLinkService) SubscribeStatus() (<-chan model.LinkStatus, func()) {
	return f.statusCh, f.cancel
}

func (f *fakeLinkService) SubscribeEvents() (<-chan model.LinkEvent, func()) {
	return f.eventCh, f.cancel
}

func (f *fakeLinkService) cancel() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.cancelled++
}

func testConfig() *config.Config {
	return &config.Config{
		App: config.AppConfig{Name: "link-service", Version: "1.0.0", Environment: "test"},
	}
}

func newEngine(link LinkService, registry prometheus.Registerer) *gin.Engine {
	gin.SetMode(gin.TestMode)
	engine := gin.New()

	health := NewHealthHandler(link, testConfig(), registry, zap.NewNop())
	linkHandler := NewLinkHandler(link, zap.NewNop())
	ws := NewWebSocketHandler(link, zap.NewNop())

	engine.GET("/health", health.HealthCheck)
	engine.GET("/ready", health.ReadinessCheck)
	engine.GET("/live", health.LivenessCheck)
	engine.GET("/status", linkHandler.GetStatus)
	engine.POST("/uplink", linkHandler.SendUplink)
	engine.GET("/ws/status", ws.HandleStatusStream)
	engine.GET("/ws/events", ws.HandleEventStream)
	return engine
}

func serve(engine *gin.Engine, method, path string, body []byte) *httptest.ResponseRecorder {
	rec := httptest.NewRecorder()
	engine.ServeHTTP(rec, httptest.NewRequest(method, path, bytes.NewReader(body)))
	return rec
}

func TestLinkHandler_GetStatus(t *testing.T) {
	engine := newEngine(newFakeLinkService(), nil)

	rec := serve(engine, http.MethodGet, "/status", nil)
	require.Equal(t, http.StatusOK, rec.Code)

	var resp struct {
		Success bool             `json:"success"`
		Data    model.LinkStatus `json:"data"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.True(t, resp.Success)
	assert.Equal(t, model.LinkStateUp, resp.Data.State)
	assert.Equal(t, 0.012, resp.Data.PingTime)
}

func TestLinkHandler_SendUplink(t *testing.T) {
	link := newFakeLinkService()
	engine := newEngine(link, nil)

	rec := serve(engine, http.MethodPost, "/uplink", []byte{0x99, 0x05, 0x01})
	assert.Equal(t, http.StatusAccepted, rec.Code)
	require.Len(t, link.sent, 1)
	assert.Equal(t, []byte{0x99, 0x05, 0x01}, link.sent[0])
}

func TestLinkHandler_SendUplinkRejections(t *testing.T) {
	tests := []struct {
		name    string
		body    []byte
		sendErr error
		want    int
		code    string
	}{
		{"empty body", nil, nil, http.StatusBadRequest, "BAD_REQUEST"},
		{"too large", bytes.Repeat([]byte{1}, maxUplinkSize+1), nil, http.StatusRequestEntityTooLarge, "PAYLOAD_TOO_LARGE"},
		{"queue full", []byte{1}, service.ErrQueueFull, http.StatusTooManyRequests, "RATE_LIMIT_EXCEEDED"},
		{"link down", []byte{1}, service.ErrLinkDown, http.StatusServiceUnavailable, "SERVICE_UNAVAILABLE"},
		{"not running", []byte{1}, service.ErrNotRunning, http.StatusServiceUnavailable, "SERVICE_UNAVAILABLE"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			link := newFakeLinkService()
			link.sendErr = tt.sendErr
			engine := newEngine(link, nil)

			rec := serve(engine, http.MethodPost, "/uplink", tt.body)
			assert.Equal(t, tt.want, rec.Code)

			var resp utils.APIResponse
			require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
			assert.False(t, resp.Success)
			require.NotNil(t, resp.Error)
			assert.Equal(t, tt.code, resp.Error.Code)
			assert.Empty(t, link.sent)
		})
	}
}

func TestHealthHandler_HealthCheck(t *testing.T) {
	link := newFakeLinkService()
	engine := newEngine(link, nil)

	rec := serve(engine, http.MethodGet, "/health", nil)
	require.Equal(t, http.StatusOK, rec.Code)

	var health HealthResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &health))
	assert.Equal(t, "healthy", health.Status)
	assert.Equal(t, "link-service", health.Service)
	assert.Equal(t, "Link UP", health.Checks["link"].Message)

	link.healthErr = service.ErrLinkDown
	rec = serve(engine, http.MethodGet, "/health", nil)
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
}

func TestHealthHandler_ProbesAndMetrics(t *testing.T) {
	link := newFakeLinkService()
	registry := prometheus.NewRegistry()
	engine := newEngine(link, registry)

	assert.Equal(t, http.StatusOK, serve(engine, http.MethodGet, "/live", nil).Code)
	assert.Equal(t, http.StatusOK, serve(engine, http.MethodGet, "/ready", nil).Code)

	link.healthErr = service.ErrLinkDown
	rec := serve(engine, http.MethodGet, "/ready?full=1", nil)
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
	assert.Contains(t, rec.Body.String(), service.ErrLinkDown.Error())

	// Liveness ignores readiness failures
	assert.Equal(t, http.StatusOK, serve(engine, http.MethodGet, "/live", nil).Code)

	expected := `
# HELP link_healthcheck_status Current check status (0 indicates success, 1 indicates failure)
# TYPE link_healthcheck_status gauge
link_healthcheck_status{check="goroutine-threshold"} 0
link_healthcheck_status{check="link"} 1
`
	assert.NoError(t, testutil.GatherAndCompare(registry, strings.NewReader(expected), "link_healthcheck_status"))
}

func dial(t *testing.T, server *httptest.Server, path string) *websocket.Conn {
	t.Helper()
	url := "ws" + strings.TrimPrefix(server.URL, "http") + path
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	return conn
}

func readMessage(t *testing.T, conn *websocket.Conn) (WebSocketMessage, json.RawMessage) {
	t.Helper()
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))

	var raw struct {
		Type string          `json:"type"`
		Data json.RawMessage `json:"data"`
	}
	require.NoError(t, conn.ReadJSON(&raw))
	return WebSocketMessage{Type: raw.Type}, raw.Data
}

func TestWebSocketHandler_StatusStream(t *testing.T) {
	link := newFakeLinkService()
	server := httptest.NewServer(newEngine(link, nil))
	defer server.Close()

	conn := dial(t, server, "/ws/status")

	msg, data := readMessage(t, conn)
	assert.Equal(t, "link_status", msg.Type)
	var initial model.LinkStatus
	require.NoError(t, json.Unmarshal(data, &initial))
	assert.Equal(t, model.LinkStateUp, initial.State)

	link.statusCh <- model.LinkStatus{State: model.LinkStateDown, SenderID: "gcs"}
	msg, data = readMessage(t, conn)
	assert.Equal(t, "link_status", msg.Type)
	var pushed model.LinkStatus
	require.NoError(t, json.Unmarshal(data, &pushed))
	assert.Equal(t, model.LinkStateDown, pushed.State)

	require.NoError(t, conn.WriteJSON(WebSocketMessage{Type: "ping"}))
	msg, _ = readMessage(t, conn)
	assert.Equal(t, "pong", msg.Type)
}

func TestWebSocketHandler_EventStreamEndsWithService(t *testing.T) {
	link := newFakeLinkService()
	server := httptest.NewServer(newEngine(link, nil))
	defer server.Close()

	conn := dial(t, server, "/ws/events")

	link.eventCh <- model.NewLinkEvent(model.EventLinkDown, "ERROR")
	msg, data := readMessage(t, conn)
	assert.Equal(t, "link_event", msg.Type)
	var ev model.LinkEvent
	require.NoError(t, json.Unmarshal(data, &ev))
	assert.Equal(t, model.EventLinkDown, ev.EventType)

	close(link.eventCh)

	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	_, _, err := conn.ReadMessage()
	assert.True(t, websocket.IsCloseError(err, websocket.CloseNormalClosure), "got %v", err)

	assert.Eventually(t, func() bool {
		link.mu.Lock()
		defer link.mu.Unlock()
		return link.cancelled == 1
	}, 2*time.Second, 10*time.Millisecond)
}

func TestConnectionManager(t *testing.T) {
	cm := NewConnectionManager()
	a := &Client{ID: "a", Stream: "status", done: make(chan struct{})}
	b := &Client{ID: "b", Stream: "events", done: make(chan struct{})}

	cm.Register(a)
	cm.Register(b)
	stats := cm.GetStats()
	assert.Equal(t, 2, stats.TotalConnections)
	assert.Equal(t, 1, stats.ByStream["status"])

	cm.Unregister(a)
	cm.Unregister(a)
	assert.Equal(t, 1, cm.GetStats().TotalConnections)
	<-a.Done()

	cm.CloseAll()
	assert.Equal(t, 0, cm.GetStats().TotalConnections)
	<-b.Done()
}

func TestDiscoveryHandler_ListPorts(t *testing.T) {
	gin.SetMode(gin.TestMode)
	h := NewDiscoveryHandler(zap.NewNop())
	h.listPorts = func() ([]discovery.PortInfo, error) {
		return []discovery.PortInfo{{Name: "/dev/ttyACM0", IsUSB: true}}, nil
	}

	engine := gin.New()
	engine.GET("/ports", h.ListPorts)

	rec := serve(engine, http.MethodGet, "/ports", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `"ports_found":1`)
	assert.Contains(t, rec.Body.String(), `"/dev/ttyACM0"`)

	h.listPorts = func() ([]discovery.PortInfo, error) {
		return nil, errors.New("no sysfs")
	}
	rec = serve(engine, http.MethodGet, "/ports", nil)
	assert.Equal(t, http.StatusInternalServerError, rec.Code)
}
