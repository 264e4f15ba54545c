package ws

import (
	"context"
	"io"
	"net"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gobwas/ws"
	"github.com/gobwas/ws/wsutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/mentorly/assistant-app/internal/protocol"
)

type wireResponse struct {
	Type         string         `json:"type"`
	Content      string         `json:"content"`
	EventType    string         `json:"eventType"`
	Data         map[string]any `json:"data"`
	RequestID    string         `json:"requestId"`
	ErrorCode    string         `json:"errorCode"`
	ErrorMessage string         `json:"errorMessage"`
	Timestamp    string         `json:"timestamp"`
}

type testClient struct {
	conn net.Conn
	rw   io.ReadWriter
}

func startTestServer(t *testing.T, maxPerProject int, tweaks ...func(*ServerConfig)) (*Server, string) {
	t.Helper()
	log := zaptest.NewLogger(t)

	registry := NewRegistry(RegistryConfig{
		MaxConnectionsPerProject: maxPerProject,
		SendTimeout:              time.Second,
	}, log)
	router := NewRouter(log)
	router.Register(protocol.TypePing, func(_ context.Context, msg protocol.InboundMessage, _ HandlerContext) (protocol.OutboundResponse, error) {
		return protocol.NewAcknowledgment("pong", msg.RequestID), nil
	})

	cfg := DefaultServerConfig()
	cfg.WorkerPoolSize = 4
	cfg.MaxConnections = 10
	cfg.ReadTimeout = time.Second
	cfg.WriteTimeout = time.Second
	cfg.Heartbeat = HeartbeatConfig{} // disabled
	for _, tweak := range tweaks {
		tweak(&cfg)
	}

	s, err := NewServer(cfg, registry, router, log)
	require.NoError(t, err)

	l, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	go func() { _ = s.Serve(l) }()

	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = s.Shutdown(ctx)
	})
	return s, l.Addr().String()
}

func dial(t *testing.T, addr, query string) *testClient {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	conn, br, _, err := ws.Dial(ctx, "ws://"+addr+"/ws?"+query)
	require.NoError(t, err)
	t.Cleanup(func() { _ = conn.Close() })

	var r io.Reader = conn
	if br != nil {
		r = br
	}
	return &testClient{conn: conn, rw: struct {
		io.Reader
		io.Writer
	}{r, conn}}
}

func (c *testClient) read(t *testing.T) wireResponse {
	t.Helper()
	_ = c.conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	data, err := wsutil.ReadServerText(c.rw)
	require.NoError(t, err)

	var resp wireResponse
	require.NoError(t, json.Unmarshal(data, &resp))
	return resp
}

func (c *testClient) write(t *testing.T, frame string) {
	t.Helper()
	require.NoError(t, wsutil.WriteClientText(c.conn, []byte(frame)))
}

func TestServer_ConnectRouteAndBroadcast(t *testing.T) {
	s, addr := startTestServer(t, 5)
	client := dial(t, addr, "user_id=u1&project_id=p1")

	hello := client.read(t)
	assert.Equal(t, "acknowledgment", hello.Type)
	assert.Equal(t, "connected", hello.Content)
	assert.NotEmpty(t, hello.Data["connection_id"])
	assert.NotEmpty(t, hello.Timestamp)

	client.write(t, `{"type":"ping","content":"","requestId":"r1"}`)
	pong := client.read(t)
	assert.Equal(t, "pong", pong.Content)
	assert.Equal(t, "r1", pong.RequestID)

	client.write(t, `{"type":"chat_message"}`)
	bad := client.read(t)
	assert.Equal(t, "error", bad.Type)
	assert.Equal(t, protocol.CodeInvalidFormat, bad.ErrorCode)

	client.write(t, `{"type":"command","content":"stats","requestId":"r2"}`)
	unknown := client.read(t)
	assert.Equal(t, protocol.CodeUnknownMessageType, unknown.ErrorCode)
	assert.Equal(t, "r2", unknown.RequestID)

	sent := s.Registry().BroadcastToProject(context.Background(), "u1", "p1",
		protocol.NewEvent("CODE_GENERATED", map[string]any{"project_id": "p1"}, ""), "")
	assert.Equal(t, 1, sent)

	ev := client.read(t)
	assert.Equal(t, "event", ev.Type)
	assert.Equal(t, "CODE_GENERATED", ev.EventType)

	connID := hello.Data["connection_id"].(string)
	// hello, pong, two errors and one event
	assert.Eventually(t, func() bool {
		meta, ok := s.Registry().ConnectionMetadata(connID)
		return ok && meta.MessageCount == 5
	}, 2*time.Second, 10*time.Millisecond)
}

func TestServer_BucketFullClosesWithTryAgainLater(t *testing.T) {
	_, addr := startTestServer(t, 1)
	first := dial(t, addr, "user_id=u1&project_id=p1")
	first.read(t)

	second := dial(t, addr, "user_id=u1&project_id=p1")
	_ = second.conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	// wsutil refuses 1013 as an unregistered code, so read the raw frame.
	frame, err := ws.ReadFrame(second.rw)
	require.NoError(t, err)
	require.Equal(t, ws.OpClose, frame.Header.OpCode)
	if frame.Header.Masked {
		ws.Cipher(frame.Payload, frame.Header.Mask, 0)
	}
	code, reason := ws.ParseCloseFrameData(frame.Payload)
	assert.Equal(t, StatusTryAgainLater, code)
	assert.Equal(t, "too many connections for project", reason)
}

func TestServer_ClientCloseDisconnects(t *testing.T) {
	s, addr := startTestServer(t, 5)
	client := dial(t, addr, "user_id=u1&project_id=p1")
	client.read(t)
	require.Equal(t, 1, s.Registry().Count())

	_ = client.conn.Close()

	assert.Eventually(t, func() bool { return s.Registry().Count() == 0 },
		3*time.Second, 20*time.Millisecond)
}

func TestServer_HTTPEndpoints(t *testing.T) {
	_, addr := startTestServer(t, 5)
	client := dial(t, addr, "user_id=u1&project_id=p1")
	client.read(t)

	resp, err := http.Get("http://" + addr + "/ws?user_id=u1")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	resp, err = http.Get("http://" + addr + "/health")
	require.NoError(t, err)
	var health struct {
		Status           string `json:"status"`
		TotalConnections int    `json:"total_connections"`
	}
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&health))
	resp.Body.Close()
	assert.Equal(t, "ok", health.Status)
	assert.Equal(t, 1, health.TotalConnections)

	resp, err = http.Get("http://" + addr + "/stats/users/u1")
	require.NoError(t, err)
	var stats UserStatistics
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&stats))
	resp.Body.Close()
	assert.Equal(t, 1, stats.TotalConnections)
	assert.Contains(t, stats.Projects, "p1")

	resp, err = http.Get("http://" + addr + "/metrics")
	require.NoError(t, err)
	body, _ := io.ReadAll(resp.Body)
	resp.Body.Close()
	assert.Contains(t, string(body), "hub_connections_active")
}

func TestServer_HeartbeatDropsSilentClient(t *testing.T) {
	s, addr := startTestServer(t, 5, func(cfg *ServerConfig) {
		cfg.Heartbeat = HeartbeatConfig{Interval: 50 * time.Millisecond, Timeout: 200 * time.Millisecond}
	})
	_ = dial(t, addr, "user_id=u1&project_id=p1") // never reads, never answers pings

	require.Eventually(t, func() bool { return s.Registry().Count() == 1 },
		time.Second, 10*time.Millisecond)
	assert.Eventually(t, func() bool { return s.Registry().Count() == 0 },
		3*time.Second, 20*time.Millisecond)
}

func TestServer_ShutdownStopsEventLoop(t *testing.T) {
	s, addr := startTestServer(t, 5)
	client := dial(t, addr, "user_id=u1&project_id=p1")
	client.read(t)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	require.NoError(t, s.Shutdown(ctx))

	select {
	case <-s.loopDone:
	case <-time.After(2 * time.Second):
		t.Fatal("event loop still running after shutdown")
	}
	assert.Zero(t, s.Registry().Count())
}

func TestServer_WithRoute(t *testing.T) {
	log := zaptest.NewLogger(t)
	s, err := NewServer(DefaultServerConfig(), NewRegistry(DefaultRegistryConfig(), log), NewRouter(log), log,
		WithRoute("GET /extra", http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
			w.WriteHeader(http.StatusTeapot)
		})))
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.epoll.Close() })

	rec := httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/extra", nil))
	assert.Equal(t, http.StatusTeapot, rec.Code)
}
