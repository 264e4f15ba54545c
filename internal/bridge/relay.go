package bridge

import (
	"context"
	"fmt"

	jsoniter "github.com/json-iterator/go"
	"go.uber.org/zap"

	"github.com/mentorly/assistant-app/internal/messaging"
	"github.com/mentorly/assistant-app/internal/protocol"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

// Subscriber is the subset of messaging.NATSClient the relay needs.
type Subscriber interface {
	Subscribe(subject string, handler func(data []byte)) error
}

// ReplyMessage is published on assistant.reply by chat producers.
type ReplyMessage struct {
	UserID    string `json:"user_id"`
	ProjectID string `json:"project_id"`
	Content   string `json:"content"`
	RequestID string `json:"request_id,omitempty"`
}

// ErrorMessage is published on assistant.error.
type ErrorMessage struct {
	UserID       string `json:"user_id"`
	ProjectID    string `json:"project_id"`
	ErrorCode    string `json:"error_code"`
	ErrorMessage string `json:"error_message"`
	RequestID    string `json:"request_id,omitempty"`
}

// NotifyMessage is published on assistant.notify.
type NotifyMessage struct {
	UserID       string         `json:"user_id"`
	Notification map[string]any `json:"notification"`
}

// StartRelay forwards producer messages from NATS to clients through b.
// Malformed messages are logged and dropped.
func StartRelay(ctx context.Context, sub Subscriber, b *Bridge) error {
	log := b.log.With(zap.String("component", "relay"))

	relays := map[string]func(data []byte) error{
		messaging.SubjectReply: func(data []byte) error {
			var m ReplyMessage
			if err := json.Unmarshal(data, &m); err != nil {
				return err
			}
			if m.UserID == "" || m.ProjectID == "" {
				return fmt.Errorf("reply missing user_id or project_id")
			}
			b.BroadcastMessage(ctx, m.UserID, m.ProjectID, m.Content, m.RequestID)
			return nil
		},
		messaging.SubjectError: func(data []byte) error {
			var m ErrorMessage
			if err := json.Unmarshal(data, &m); err != nil {
				return err
			}
			if m.UserID == "" || m.ProjectID == "" {
				return fmt.Errorf("error missing user_id or project_id")
			}
			if m.ErrorCode == "" {
				m.ErrorCode = protocol.CodeHandlerError
			}
			b.NotifyError(ctx, m.UserID, m.ProjectID, m.ErrorCode, m.ErrorMessage, m.RequestID)
			return nil
		},
		messaging.SubjectNotify: func(data []byte) error {
			var m NotifyMessage
			if err := json.Unmarshal(data, &m); err != nil {
				return err
			}
			if m.UserID == "" {
				return fmt.Errorf("notification missing user_id")
			}
			b.NotifyUser(ctx, m.UserID, m.Notification)
			return nil
		},
	}

	for subject, relay := range relays {
		err := sub.Subscribe(subject, func(data []byte) {
			if err := relay(data); err != nil {
				log.Warn("dropping producer message",
					zap.String("subject", subject), zap.Error(err))
			}
		})
		if err != nil {
			return fmt.Errorf("bridge: relay %s: %w", subject, err)
		}
	}
	log.Info("producer relay started")
	return nil
}
