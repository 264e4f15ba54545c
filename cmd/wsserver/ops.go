package main

import (
	"context"
	"net/http"
	"time"

	"go.uber.org/zap"

	"github.com/mentorly/assistant-app/internal/session"
)

// defaultAuditWindow is used when /audit/users/{user_id} has no window.
const defaultAuditWindow = time.Hour

type presenceReader interface {
	UserConnections(ctx context.Context, userID string) ([]string, error)
	Get(ctx context.Context, connectionID string) (*session.Presence, error)
}

type disconnectCounter interface {
	CountRecent(ctx context.Context, userID string, window time.Duration) (int, error)
}

// presenceHandler serves GET /presence/users/{user_id}: the user's live
// connections across every hub instance.
func presenceHandler(p presenceReader, log *zap.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		userID := r.PathValue("user_id")
		ids, err := p.UserConnections(r.Context(), userID)
		if err != nil {
			log.Warn("presence lookup failed", zap.String("user_id", userID), zap.Error(err))
			http.Error(w, "presence unavailable", http.StatusServiceUnavailable)
			return
		}

		conns := make([]session.Presence, 0, len(ids))
		for _, id := range ids {
			rec, err := p.Get(r.Context(), id)
			if err != nil {
				log.Warn("presence lookup failed", zap.String("connection_id", id), zap.Error(err))
				http.Error(w, "presence unavailable", http.StatusServiceUnavailable)
				return
			}
			// Set members can outlive their hash.
			if rec == nil {
				continue
			}
			conns = append(conns, *rec)
		}

		writeJSON(w, http.StatusOK, struct {
			UserID      string             `json:"user_id"`
			Connections []session.Presence `json:"connections"`
		}{userID, conns})
	}
}

// disconnectsHandler serves GET /audit/users/{user_id}?window=<duration>.
func disconnectsHandler(c disconnectCounter, log *zap.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		userID := r.PathValue("user_id")
		window := defaultAuditWindow
		if raw := r.URL.Query().Get("window"); raw != "" {
			d, err := time.ParseDuration(raw)
			if err != nil || d <= 0 {
				http.Error(w, "window must be a positive duration", http.StatusBadRequest)
				return
			}
			window = d
		}

		n, err := c.CountRecent(r.Context(), userID, window)
		if err != nil {
			log.Warn("audit count failed", zap.String("user_id", userID), zap.Error(err))
			http.Error(w, "audit unavailable", http.StatusServiceUnavailable)
			return
		}

		writeJSON(w, http.StatusOK, struct {
			UserID      string `json:"user_id"`
			Window      string `json:"window"`
			Disconnects int    `json:"disconnects"`
		}{userID, window.String(), n})
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
