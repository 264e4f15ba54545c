package main

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/mentorly/assistant-app/internal/chat"
	"github.com/mentorly/assistant-app/internal/messaging"
	"github.com/mentorly/assistant-app/internal/protocol"
	"github.com/mentorly/assistant-app/internal/ws"
)

// publisher is the subset of messaging.NATSClient the handlers need.
type publisher interface {
	Publish(subject string, data []byte) error
}

// handlers implements the built-in inbound message types.
type handlers struct {
	registry *ws.Registry
	nats     publisher
	log      *zap.Logger
}

func newHandlers(registry *ws.Registry, nats publisher, log *zap.Logger) *handlers {
	return &handlers{registry: registry, nats: nats, log: log.With(zap.String("component", "handlers"))}
}

func (h *handlers) register(r *ws.Router) {
	r.Register(protocol.TypePing, h.ping)
	r.Register(protocol.TypePong, h.pong)
	r.Register(protocol.TypeError, h.clientError)
	r.Register(protocol.TypeChatMessage, h.chatMessage)
	r.Register(protocol.TypeCommand, h.command)
}

// -----------------------------------------------------------------------
// ping / pong / error
// -----------------------------------------------------------------------

func (h *handlers) ping(_ context.Context, msg protocol.InboundMessage, _ ws.HandlerContext) (protocol.OutboundResponse, error) {
	return protocol.NewAcknowledgment("pong", msg.RequestID), nil
}

// pong only proves liveness, which the transport already recorded.
func (h *handlers) pong(context.Context, protocol.InboundMessage, ws.HandlerContext) (protocol.OutboundResponse, error) {
	return nil, nil
}

func (h *handlers) clientError(_ context.Context, msg protocol.InboundMessage, hc ws.HandlerContext) (protocol.OutboundResponse, error) {
	h.log.Warn("client reported error",
		zap.String("connection_id", hc.ConnectionID),
		zap.String("user_id", hc.UserID),
		zap.String("content", msg.Content),
		zap.String("request_id", msg.RequestID))
	return nil, nil
}

// -----------------------------------------------------------------------
// chat_message: validate, forward to the assistant, acknowledge
// -----------------------------------------------------------------------

func (h *handlers) chatMessage(_ context.Context, msg protocol.InboundMessage, hc ws.HandlerContext) (protocol.OutboundResponse, error) {
	if err := chat.ValidateMessage(msg.Content); err != nil {
		return protocol.NewError(protocol.CodeInvalidMessage, err.Error(), msg.RequestID), nil
	}

	requestID := msg.RequestID
	if requestID == "" {
		requestID = uuid.NewString()
	}

	data, err := json.Marshal(chat.Request{
		RequestID:    requestID,
		ConnectionID: hc.ConnectionID,
		UserID:       hc.UserID,
		ProjectID:    hc.ProjectID,
		Content:      msg.Content,
		Metadata:     msg.Metadata,
		Ts:           time.Now().UnixMilli(),
	})
	if err != nil {
		return nil, fmt.Errorf("encode chat request: %w", err)
	}
	if err := h.nats.Publish(messaging.SubjectChatRequest, data); err != nil {
		return nil, fmt.Errorf("forward chat message: %w", err)
	}

	return protocol.NewAcknowledgment("received", requestID), nil
}

// -----------------------------------------------------------------------
// command: "stats" and "connections" answered here, the rest forwarded
// -----------------------------------------------------------------------

func (h *handlers) command(_ context.Context, msg protocol.InboundMessage, hc ws.HandlerContext) (protocol.OutboundResponse, error) {
	name := strings.ToLower(strings.TrimSpace(msg.Content))

	switch name {
	case "":
		return protocol.NewError(protocol.CodeInvalidMessage, "command is empty", msg.RequestID), nil

	case "stats":
		stats := h.registry.UserStatistics(hc.UserID)
		projects := make(map[string]any, len(stats.Projects))
		for id, ps := range stats.Projects {
			projects[id] = map[string]any{
				"connections": ps.Connections,
				"messages":    ps.Messages,
			}
		}
		ack := protocol.NewAcknowledgment("stats", msg.RequestID)
		ack.Data = map[string]any{
			"total_projects":    stats.TotalProjects,
			"total_connections": stats.TotalConnections,
			"total_messages":    stats.TotalMessages,
			"projects":          projects,
		}
		return ack, nil

	case "connections":
		conns := h.registry.ProjectConnections(hc.UserID, hc.ProjectID)
		list := make([]any, 0, len(conns))
		for _, c := range conns {
			entry := map[string]any{
				"connection_id": c.ConnectionID,
				"connected_at":  protocol.FormatTimestamp(c.ConnectedAt),
				"message_count": c.MessageCount,
				"current":       c.ConnectionID == hc.ConnectionID,
			}
			if c.LastMessageAt != nil {
				entry["last_message_at"] = protocol.FormatTimestamp(*c.LastMessageAt)
			}
			list = append(list, entry)
		}
		ack := protocol.NewAcknowledgment("connections", msg.RequestID)
		ack.Data = map[string]any{"connections": list}
		return ack, nil
	}

	requestID := msg.RequestID
	if requestID == "" {
		requestID = uuid.NewString()
	}
	data, err := json.Marshal(chat.Command{
		RequestID: requestID,
		UserID:    hc.UserID,
		ProjectID: hc.ProjectID,
		Name:      name,
		Metadata:  msg.Metadata,
		Ts:        time.Now().UnixMilli(),
	})
	if err != nil {
		return nil, fmt.Errorf("encode command: %w", err)
	}
	if err := h.nats.Publish(messaging.SubjectCommand, data); err != nil {
		return nil, fmt.Errorf("forward command %q: %w", name, err)
	}
	return protocol.NewAcknowledgment("accepted", requestID), nil
}

// -----------------------------------------------------------------------
// user.logout: close every connection of a user
// -----------------------------------------------------------------------

type logoutMessage struct {
	UserID string `json:"user_id"`
}

func (h *handlers) logout(data []byte) {
	var m logoutMessage
	if err := json.Unmarshal(data, &m); err != nil || m.UserID == "" {
		h.log.Warn("dropping malformed logout", zap.ByteString("data", data), zap.Error(err))
		return
	}
	n := h.registry.CleanupUserConnections(m.UserID)
	h.log.Info("user logged out", zap.String("user_id", m.UserID), zap.Int("closed", n))
}
