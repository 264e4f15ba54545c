// Package bridge turns domain events into client broadcasts. Each event type
// is mapped through a fixed table to its client-facing name; unmapped types
// are dropped so internal events never leak onto the wire.
package bridge

import (
	"context"
	"fmt"
	"strconv"
	"sync"

	"go.uber.org/zap"

	"github.com/mentorly/assistant-app/internal/events"
	"github.com/mentorly/assistant-app/internal/metrics"
	"github.com/mentorly/assistant-app/internal/protocol"
)

// Broadcaster is the slice of the connection registry the bridge sends
// through.
type Broadcaster interface {
	BroadcastToProject(ctx context.Context, userID, projectID string, msg protocol.Message, excludeConnectionID string) int
	BroadcastToUser(ctx context.Context, userID string, msg protocol.Message) int
	BroadcastToAll(ctx context.Context, msg protocol.Message) int
}

// wireNames maps domain event types to the names clients see.
var wireNames = map[events.Type]string{
	events.ProjectCreated:          "PROJECT_CREATED",
	events.ProjectUpdated:          "PROJECT_UPDATED",
	events.ProjectDeleted:          "PROJECT_DELETED",
	events.QuestionGenerated:       "QUESTION_GENERATED",
	events.ResponseReceived:        "RESPONSE_RECEIVED",
	events.AnswerEvaluated:         "ANSWER_EVALUATED",
	events.SpecificationUpdated:    "SPECIFICATION_UPDATED",
	events.CodeGenerationStarted:   "CODE_GENERATION_STARTED",
	events.CodeGenerationCompleted: "CODE_GENERATED",
	events.CodeGenerationFailed:    "CODE_GENERATION_FAILED",
	events.DocumentUploaded:        "DOCUMENT_UPLOADED",
	events.DocumentProcessed:       "DOCUMENT_PROCESSED",
	events.KnowledgeBaseUpdated:    "KNOWLEDGE_UPDATED",
	events.AgentStarted:            "AGENT_STARTED",
	events.AgentCompleted:          "AGENT_COMPLETED",
	events.AgentFailed:             "AGENT_FAILED",
}

// intentionallyUnmapped lists domain events that are never sent to clients.
// Every events.Type must appear here or in wireNames.
var intentionallyUnmapped = map[events.Type]bool{
	events.ProviderSelected:       true,
	events.TaskComplexityAssessed: true,
}

// WireEventName returns the client-facing name of t.
func WireEventName(t events.Type) (string, bool) {
	name, ok := wireNames[t]
	return name, ok
}

// Bridge subscribes to a domain event source and broadcasts translated events.
type Bridge struct {
	out Broadcaster
	log *zap.Logger

	mu          sync.Mutex
	initialized bool
	registered  map[events.Type]bool // survives a partial setup
}

// New creates a Bridge sending through out.
func New(out Broadcaster, log *zap.Logger) *Bridge {
	if log == nil {
		log = zap.NewNop()
	}
	return &Bridge{
		out:        out,
		log:        log.With(zap.String("component", "bridge")),
		registered: make(map[events.Type]bool),
	}
}

// SetupEventListeners registers a callback on src for every domain event
// type. Calls after the first successful one are no-ops. After a failure a
// retry registers only the types still missing.
func (b *Bridge) SetupEventListeners(src events.Source) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.initialized {
		b.log.Warn("event listeners already set up, ignoring")
		return nil
	}

	types := events.AllTypes()
	for _, t := range types {
		if b.registered[t] {
			continue
		}
		if err := src.On(t, b.forward); err != nil {
			return fmt.Errorf("bridge: listen for %s: %w", t, err)
		}
		b.registered[t] = true
	}
	b.initialized = true
	b.log.Info("event listeners set up", zap.Int("types", len(types)))
	return nil
}

// forward is the per-event callback. Nothing it does can fail the source.
func (b *Bridge) forward(ctx context.Context, t events.Type, p events.Payload) {
	defer func() {
		if r := recover(); r != nil {
			metrics.BridgeEventsTotal.WithLabelValues("failed").Inc()
			b.log.Error("event forwarding panicked",
				zap.String("event_type", string(t)), zap.Any("panic", r))
		}
	}()

	projectID, ok := idFromPayload(p, "project_id")
	if !ok {
		metrics.BridgeEventsTotal.WithLabelValues("no_project").Inc()
		b.log.Debug("event has no project_id, dropped", zap.String("event_type", string(t)))
		return
	}

	name, ok := WireEventName(t)
	if !ok {
		metrics.BridgeEventsTotal.WithLabelValues("unmapped").Inc()
		b.log.Debug("event has no wire mapping, dropped", zap.String("event_type", string(t)))
		return
	}

	resp := protocol.NewEvent(name, map[string]any(p), "")

	var sent int
	if userID, ok := idFromPayload(p, "user_id"); ok {
		sent = b.out.BroadcastToProject(ctx, userID, projectID, resp, "")
	} else {
		sent = b.out.BroadcastToAll(ctx, resp)
	}

	metrics.BridgeEventsTotal.WithLabelValues("forwarded").Inc()
	b.log.Debug("event forwarded",
		zap.String("event_type", string(t)),
		zap.String("wire_name", name),
		zap.String("project_id", projectID),
		zap.Int("sent", sent))
}

// BroadcastMessage sends assistant content to one project of a user.
func (b *Bridge) BroadcastMessage(ctx context.Context, userID, projectID, text, requestID string) int {
	return b.out.BroadcastToProject(ctx, userID, projectID,
		protocol.NewAssistantResponse(text, requestID, nil), "")
}

// NotifyError sends an error response to one project of a user.
func (b *Bridge) NotifyError(ctx context.Context, userID, projectID, code, message, requestID string) int {
	return b.out.BroadcastToProject(ctx, userID, projectID,
		protocol.NewError(code, message, requestID), "")
}

// NotifyUser sends a free-form notification to every connection of a user.
// The notification is stamped with the send time.
func (b *Bridge) NotifyUser(ctx context.Context, userID string, notification map[string]any) int {
	return b.out.BroadcastToUser(ctx, userID, protocol.Notification(notification))
}

// idFromPayload reads an identifier that producers may encode as a string or
// a number. Empty strings count as absent.
func idFromPayload(p events.Payload, key string) (string, bool) {
	v, ok := p[key]
	if !ok || v == nil {
		return "", false
	}
	switch id := v.(type) {
	case string:
		return id, id != ""
	case int:
		return strconv.Itoa(id), true
	case int64:
		return strconv.FormatInt(id, 10), true
	case float64:
		return strconv.FormatFloat(id, 'f', -1, 64), true
	case fmt.Stringer:
		s := id.String()
		return s, s != ""
	}
	return "", false
}
