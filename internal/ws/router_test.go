package ws

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/mentorly/assistant-app/internal/protocol"
)

var testHC = HandlerContext{ConnectionID: "c1", UserID: "u1", ProjectID: "p1"}

func newTestRouter(t *testing.T) *Router {
	t.Helper()
	r := NewRouter(zaptest.NewLogger(t))
	r.Register(protocol.TypePing, func(_ context.Context, msg protocol.InboundMessage, _ HandlerContext) (protocol.OutboundResponse, error) {
		return protocol.NewAcknowledgment("pong", msg.RequestID), nil
	})
	return r
}

func requireError(t *testing.T, resp protocol.OutboundResponse) protocol.ErrorResponse {
	t.Helper()
	require.NotNil(t, resp)
	errResp, ok := resp.(protocol.ErrorResponse)
	require.True(t, ok, "expected ErrorResponse, got %T", resp)
	return errResp
}

func TestRouter_Parse(t *testing.T) {
	r := newTestRouter(t)

	msg, err := r.Parse([]byte(`{"type":"chat_message","content":"hi"}`))
	require.NoError(t, err)
	assert.Equal(t, protocol.TypeChatMessage, msg.Type)
	assert.Equal(t, "hi", msg.Content)

	_, err = r.Parse([]byte(`not json`))
	assert.ErrorIs(t, err, protocol.ErrInvalidFormat)

	_, err = r.Parse([]byte(`{"content":"hi"}`))
	assert.ErrorIs(t, err, protocol.ErrInvalidFormat)
}

func TestRouter_DispatchRegistered(t *testing.T) {
	r := newTestRouter(t)

	resp := r.Dispatch(context.Background(), protocol.InboundMessage{
		Type: protocol.TypePing, Content: "", RequestID: "req-1",
	}, testHC)

	ack, ok := resp.(protocol.Acknowledgment)
	require.True(t, ok)
	assert.Equal(t, "pong", ack.Content)
	assert.Equal(t, "req-1", ack.Correlation())
}

func TestRouter_DispatchUnknownType(t *testing.T) {
	r := newTestRouter(t)

	resp := r.Dispatch(context.Background(), protocol.InboundMessage{
		Type: protocol.TypeCommand, Content: "stats", RequestID: "req-2",
	}, testHC)

	errResp := requireError(t, resp)
	assert.Equal(t, protocol.CodeUnknownMessageType, errResp.Code)
	assert.Equal(t, "req-2", errResp.RequestID)
}

func TestRouter_HandlerError(t *testing.T) {
	r := newTestRouter(t)
	r.Register(protocol.TypeChatMessage, func(context.Context, protocol.InboundMessage, HandlerContext) (protocol.OutboundResponse, error) {
		return nil, errors.New("assistant unavailable")
	})

	resp := r.Dispatch(context.Background(), protocol.InboundMessage{
		Type: protocol.TypeChatMessage, Content: "hi", RequestID: "req-3",
	}, testHC)

	errResp := requireError(t, resp)
	assert.Equal(t, protocol.CodeHandlerError, errResp.Code)
	assert.Contains(t, errResp.Message, "assistant unavailable")
	assert.Equal(t, "req-3", errResp.RequestID)
}

func TestRouter_HandlerPanic(t *testing.T) {
	r := newTestRouter(t)
	r.Register(protocol.TypeCommand, func(context.Context, protocol.InboundMessage, HandlerContext) (protocol.OutboundResponse, error) {
		panic("nil map")
	})

	var resp protocol.OutboundResponse
	require.NotPanics(t, func() {
		resp = r.Dispatch(context.Background(), protocol.InboundMessage{
			Type: protocol.TypeCommand, RequestID: "req-4",
		}, testHC)
	})

	errResp := requireError(t, resp)
	assert.Equal(t, protocol.CodeHandlerError, errResp.Code)
	assert.Contains(t, errResp.Message, "nil map")
	assert.Equal(t, "req-4", errResp.RequestID)
}

func TestRouter_NilResponse(t *testing.T) {
	r := newTestRouter(t)
	r.Register(protocol.TypePong, func(context.Context, protocol.InboundMessage, HandlerContext) (protocol.OutboundResponse, error) {
		return nil, nil
	})

	assert.Nil(t, r.Dispatch(context.Background(), protocol.InboundMessage{Type: protocol.TypePong}, testHC))
}

func TestRouter_ReRegisterOverwrites(t *testing.T) {
	r := newTestRouter(t)
	r.Register(protocol.TypePing, func(_ context.Context, msg protocol.InboundMessage, _ HandlerContext) (protocol.OutboundResponse, error) {
		return protocol.NewAcknowledgment("second", msg.RequestID), nil
	})

	resp := r.Dispatch(context.Background(), protocol.InboundMessage{Type: protocol.TypePing}, testHC)
	assert.Equal(t, "second", resp.(protocol.Acknowledgment).Content)
}

func TestRouter_HandlerSeesContext(t *testing.T) {
	r := newTestRouter(t)
	var got HandlerContext
	r.Register(protocol.TypeChatMessage, func(_ context.Context, _ protocol.InboundMessage, hc HandlerContext) (protocol.OutboundResponse, error) {
		got = hc
		return nil, nil
	})

	r.Handle(context.Background(), []byte(`{"type":"chat_message","content":"hi"}`), testHC)
	assert.Equal(t, testHC, got)
}

func TestRouter_HandleInvalidFormat(t *testing.T) {
	r := newTestRouter(t)

	tests := []struct {
		name      string
		raw       string
		requestID string
	}{
		{"not json", `not json`, ""},
		{"missing type keeps request id", `{"content":"hi","requestId":"req-5"}`, "req-5"},
		{"missing content", `{"type":"ping"}`, ""},
		{"unknown type", `{"type":"subscribe","content":"x","requestId":"req-6"}`, "req-6"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			errResp := requireError(t, r.Handle(context.Background(), []byte(tt.raw), testHC))
			assert.Equal(t, protocol.CodeInvalidFormat, errResp.Code)
			assert.NotEmpty(t, errResp.Message)
			assert.Equal(t, tt.requestID, errResp.RequestID)
		})
	}
}
