package notify

import (
	"context"

	"github.com/goccy/go-json"

	"github.com/mohans/coursenotify/asyncx"
)

// Producer validates notify payloads before they reach the queue and applies
// kind-specific scheduling. Kinds this package does not define pass through.
type Producer struct {
	submitter Submitter
}

func NewProducer(s Submitter) *Producer {
	return &Producer{submitter: s}
}

// Submit enqueues raw as a job of kind. Class reminders are scheduled ReminderLead
// before the class starts. Invalid payloads fail with ErrInvalidPayload.
func (p *Producer) Submit(ctx context.Context, kind asyncx.Kind, raw json.RawMessage, opts ...asyncx.SubmitOption) (string, error) {
	payload, known, err := Decode(kind, raw)
	if err != nil {
		return "", err
	}
	if !known {
		return p.submitter.Submit(ctx, kind, raw, opts...)
	}
	if s, ok := payload.(scheduled); ok {
		opts = append([]asyncx.SubmitOption{asyncx.NotBefore(s.NotBefore())}, opts...)
	}
	return p.submitter.Submit(ctx, kind, payload, opts...)
}
