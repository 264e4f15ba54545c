package ws

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/mentorly/assistant-app/internal/metrics"
	"github.com/mentorly/assistant-app/internal/protocol"
)

// HandlerContext identifies the connection a message arrived on.
type HandlerContext struct {
	ConnectionID string
	UserID       string
	ProjectID    string
}

// Handler processes one inbound message. It may return a nil response when
// there is nothing to send back. A returned error is reported to the client
// as HANDLER_ERROR.
type Handler func(ctx context.Context, msg protocol.InboundMessage, hc HandlerContext) (protocol.OutboundResponse, error)

// Router validates raw client frames and routes them by message type to
// registered handlers. It never returns an error to its caller; every failure
// becomes an ErrorResponse.
type Router struct {
	mu       sync.RWMutex
	handlers map[protocol.MessageType]Handler
	log      *zap.Logger
}

// NewRouter creates a Router with no handlers.
func NewRouter(log *zap.Logger) *Router {
	if log == nil {
		log = zap.NewNop()
	}
	return &Router{
		handlers: make(map[protocol.MessageType]Handler),
		log:      log.With(zap.String("component", "router")),
	}
}

// Register associates a handler with a message type, replacing any previous
// one.
func (r *Router) Register(t protocol.MessageType, h Handler) {
	r.mu.Lock()
	r.handlers[t] = h
	r.mu.Unlock()
	r.log.Debug("handler registered", zap.String("type", string(t)))
}

// Parse validates raw frame bytes. Failures wrap protocol.ErrInvalidFormat.
func (r *Router) Parse(data []byte) (protocol.InboundMessage, error) {
	return protocol.ParseMessage(data)
}

// Dispatch invokes the handler registered for msg.Type. An unregistered type
// yields UNKNOWN_MESSAGE_TYPE; a handler error or panic yields
// HANDLER_ERROR. Error responses carry msg.RequestID.
func (r *Router) Dispatch(ctx context.Context, msg protocol.InboundMessage, hc HandlerContext) protocol.OutboundResponse {
	r.mu.RLock()
	h, ok := r.handlers[msg.Type]
	r.mu.RUnlock()

	if !ok {
		metrics.DispatchTotal.WithLabelValues(string(msg.Type), "unknown_type").Inc()
		r.log.Warn("no handler for message type",
			zap.String("type", string(msg.Type)),
			zap.String("connection_id", hc.ConnectionID))
		return protocol.NewError(protocol.CodeUnknownMessageType,
			fmt.Sprintf("unknown message type: %s", msg.Type), msg.RequestID)
	}

	start := time.Now()
	resp, err := r.invoke(ctx, h, msg, hc)
	metrics.DispatchLatency.Observe(time.Since(start).Seconds())

	if err != nil {
		metrics.DispatchTotal.WithLabelValues(string(msg.Type), "handler_error").Inc()
		r.log.Error("handler failed",
			zap.String("type", string(msg.Type)),
			zap.String("connection_id", hc.ConnectionID),
			zap.String("user_id", hc.UserID),
			zap.String("request_id", msg.RequestID),
			zap.Error(err))
		return protocol.NewError(protocol.CodeHandlerError, err.Error(), msg.RequestID)
	}
	metrics.DispatchTotal.WithLabelValues(string(msg.Type), "ok").Inc()
	return resp
}

// invoke runs h, converting a panic into an error.
func (r *Router) invoke(ctx context.Context, h Handler, msg protocol.InboundMessage, hc HandlerContext) (resp protocol.OutboundResponse, err error) {
	defer func() {
		if rec := recover(); rec != nil {
			resp = nil
			err = fmt.Errorf("handler panic: %v", rec)
		}
	}()
	return h(ctx, msg, hc)
}

// Handle parses and dispatches one raw frame. Parse failures yield
// INVALID_FORMAT with whatever requestId could be recovered.
func (r *Router) Handle(ctx context.Context, data []byte, hc HandlerContext) protocol.OutboundResponse {
	msg, err := r.Parse(data)
	if err != nil {
		metrics.DispatchTotal.WithLabelValues("", "invalid_format").Inc()
		r.log.Debug("invalid frame",
			zap.String("connection_id", hc.ConnectionID),
			zap.Error(err))
		return protocol.NewError(protocol.CodeInvalidFormat, err.Error(), protocol.RecoverRequestID(data))
	}
	return r.Dispatch(ctx, msg, hc)
}
