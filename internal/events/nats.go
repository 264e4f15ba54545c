package events

import (
	"context"
	"fmt"

	jsoniter "github.com/json-iterator/go"
	"go.uber.org/zap"

	"github.com/mentorly/assistant-app/internal/messaging"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

// Subscriber is the subset of messaging.NATSClient the source needs.
type Subscriber interface {
	Subscribe(subject string, handler func(data []byte)) error
}

// NATSSource receives domain events published by other services on
// orchestrator.events.<type>, one JSON object per message.
type NATSSource struct {
	sub Subscriber
	ctx context.Context
	log *zap.Logger
}

// NewNATSSource creates a source over sub. ctx is passed to every callback
// and should be cancelled at shutdown.
func NewNATSSource(ctx context.Context, sub Subscriber, log *zap.Logger) *NATSSource {
	if log == nil {
		log = zap.NewNop()
	}
	return &NATSSource{sub: sub, ctx: ctx, log: log.With(zap.String("component", "event_source"))}
}

// On subscribes to the subject of t. Messages that are not JSON objects are
// logged and dropped.
func (s *NATSSource) On(t Type, cb Callback) error {
	subject := messaging.EventSubject(string(t))
	err := s.sub.Subscribe(subject, func(data []byte) {
		var p Payload
		if err := json.Unmarshal(data, &p); err != nil {
			s.log.Warn("dropping malformed event",
				zap.String("subject", subject), zap.Error(err))
			return
		}
		cb(s.ctx, t, p)
	})
	if err != nil {
		return fmt.Errorf("events: subscribe %s: %w", t, err)
	}
	return nil
}

var _ Source = (*NATSSource)(nil)
