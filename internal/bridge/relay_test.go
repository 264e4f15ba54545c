package bridge

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/mentorly/assistant-app/internal/messaging"
	"github.com/mentorly/assistant-app/internal/protocol"
)

type fakeSubscriber struct {
	handlers map[string]func([]byte)
}

func (f *fakeSubscriber) Subscribe(subject string, handler func([]byte)) error {
	if f.handlers == nil {
		f.handlers = make(map[string]func([]byte))
	}
	f.handlers[subject] = handler
	return nil
}

func startRelay(t *testing.T) (*fakeBroadcaster, *fakeSubscriber) {
	t.Helper()
	out := &fakeBroadcaster{}
	sub := &fakeSubscriber{}
	require.NoError(t, StartRelay(context.Background(), sub, New(out, zaptest.NewLogger(t))))
	return out, sub
}

func TestRelay_Subjects(t *testing.T) {
	_, sub := startRelay(t)
	assert.Contains(t, sub.handlers, messaging.SubjectReply)
	assert.Contains(t, sub.handlers, messaging.SubjectError)
	assert.Contains(t, sub.handlers, messaging.SubjectNotify)
}

func TestRelay_Reply(t *testing.T) {
	out, sub := startRelay(t)

	sub.handlers[messaging.SubjectReply]([]byte(`{"user_id":"u1","project_id":"p1","content":"done","request_id":"r1"}`))

	require.Len(t, out.calls, 1)
	resp, ok := out.calls[0].msg.(protocol.AssistantResponse)
	require.True(t, ok)
	assert.Equal(t, "done", resp.Content)
	assert.Equal(t, "r1", resp.RequestID)
}

func TestRelay_ErrorDefaultsCode(t *testing.T) {
	out, sub := startRelay(t)

	sub.handlers[messaging.SubjectError]([]byte(`{"user_id":"u1","project_id":"p1","error_message":"boom"}`))

	require.Len(t, out.calls, 1)
	resp, ok := out.calls[0].msg.(protocol.ErrorResponse)
	require.True(t, ok)
	assert.Equal(t, protocol.CodeHandlerError, resp.Code)
	assert.Equal(t, "boom", resp.Message)
}

func TestRelay_Notify(t *testing.T) {
	out, sub := startRelay(t)

	sub.handlers[messaging.SubjectNotify]([]byte(`{"user_id":"u1","notification":{"kind":"logout"}}`))

	require.Len(t, out.calls, 1)
	assert.Equal(t, "user", out.calls[0].scope)
	assert.Equal(t, "u1", out.calls[0].userID)
}

func TestRelay_DropsInvalid(t *testing.T) {
	out, sub := startRelay(t)

	sub.handlers[messaging.SubjectReply]([]byte(`not json`))
	sub.handlers[messaging.SubjectReply]([]byte(`{"content":"no scope"}`))
	sub.handlers[messaging.SubjectNotify]([]byte(`{"notification":{}}`))

	assert.Empty(t, out.calls)
}
