package main

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/mentorly/assistant-app/internal/session"
)

type fakePresence struct {
	ids     []string
	records map[string]*session.Presence
	err     error
}

func (f *fakePresence) UserConnections(context.Context, string) ([]string, error) {
	return f.ids, f.err
}

func (f *fakePresence) Get(_ context.Context, id string) (*session.Presence, error) {
	return f.records[id], nil
}

type fakeCounter struct {
	n      int
	window time.Duration
	err    error
}

func (f *fakeCounter) CountRecent(_ context.Context, _ string, window time.Duration) (int, error) {
	f.window = window
	return f.n, f.err
}

func serve(t *testing.T, pattern string, h http.Handler, target string) *httptest.ResponseRecorder {
	t.Helper()
	mux := http.NewServeMux()
	mux.Handle(pattern, h)
	rec := httptest.NewRecorder()
	mux.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, target, nil))
	return rec
}

func TestPresenceHandler(t *testing.T) {
	p := &fakePresence{
		ids: []string{"c1", "stale"},
		records: map[string]*session.Presence{
			"c1": {ConnectionID: "c1", UserID: "u1", ProjectID: "p1", Server: "ws-2", ConnectedAt: 1700000000},
		},
	}
	rec := serve(t, "GET /presence/users/{user_id}", presenceHandler(p, zaptest.NewLogger(t)), "/presence/users/u1")
	require.Equal(t, http.StatusOK, rec.Code)

	var body struct {
		UserID      string             `json:"user_id"`
		Connections []session.Presence `json:"connections"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, "u1", body.UserID)
	require.Len(t, body.Connections, 1)
	assert.Equal(t, "ws-2", body.Connections[0].Server)
}

func TestPresenceHandler_RedisDown(t *testing.T) {
	p := &fakePresence{err: errors.New("connection refused")}
	rec := serve(t, "GET /presence/users/{user_id}", presenceHandler(p, zaptest.NewLogger(t)), "/presence/users/u1")
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
}

func TestDisconnectsHandler(t *testing.T) {
	c := &fakeCounter{n: 4}
	h := disconnectsHandler(c, zaptest.NewLogger(t))

	rec := serve(t, "GET /audit/users/{user_id}", h, "/audit/users/u1")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, defaultAuditWindow, c.window)
	assert.JSONEq(t, `{"user_id":"u1","window":"1h0m0s","disconnects":4}`, rec.Body.String())

	rec = serve(t, "GET /audit/users/{user_id}", h, "/audit/users/u1?window=15m")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, 15*time.Minute, c.window)

	rec = serve(t, "GET /audit/users/{user_id}", h, "/audit/users/u1?window=-5m")
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	c.err = errors.New("sql: database is closed")
	rec = serve(t, "GET /audit/users/{user_id}", h, "/audit/users/u1")
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
}
