package notify

import (
	"context"
	"errors"
	"strconv"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/mohans/coursenotify/asyncx"
)

// Submitter is the part of *asyncx.Client the broadcast handler needs.
type Submitter interface {
	Submit(ctx context.Context, kind asyncx.Kind, payload any, opts ...asyncx.SubmitOption) (string, error)
}

// Handlers executes every notify kind.
type Handlers struct {
	messenger Messenger
	submitter Submitter
	logger    zerolog.Logger
}

func NewHandlers(m Messenger, s Submitter, logger zerolog.Logger) *Handlers {
	return &Handlers{messenger: m, submitter: s, logger: logger}
}

// Register installs a handler for every kind on p.
func (h *Handlers) Register(p *asyncx.Processor) error {
	for _, kind := range []asyncx.Kind{KindEnrollment, KindUnenrollment, KindScheduleChange, KindClassReminder, KindMessage} {
		if err := p.Register(kind, asyncx.HandlerFunc(h.deliver)); err != nil {
			return err
		}
	}
	return p.Register(KindBroadcast, asyncx.HandlerFunc(h.broadcast))
}

func (h *Handlers) deliver(ctx context.Context, job *asyncx.Envelope) asyncx.Outcome {
	msg, err := Render(job.Kind, job.Payload)
	if err != nil {
		return asyncx.Permanent(err.Error())
	}
	return outcomeFor(h.messenger.Send(ctx, msg.ChatID, msg.Text))
}

// broadcast fans a message out as one notify.message job per chat. Child ids are
// derived from the parent id, so a retried broadcast skips chats it already submitted.
func (h *Handlers) broadcast(ctx context.Context, job *asyncx.Envelope) asyncx.Outcome {
	p, _, err := Decode(job.Kind, job.Payload)
	if err != nil {
		return asyncx.Permanent(err.Error())
	}
	b := p.(*BroadcastPayload)
	parent, err := uuid.Parse(job.ID)
	if err != nil {
		parent = uuid.NewSHA1(uuid.NameSpaceOID, []byte(job.ID))
	}
	submitted, skipped := 0, 0
	for _, chatID := range b.ChatIDs {
		id := uuid.NewSHA1(parent, []byte(strconv.FormatInt(chatID, 10))).String()
		_, err := h.submitter.Submit(ctx, KindMessage, MessagePayload{ChatID: chatID, Text: b.Text}, asyncx.JobID(id))
		switch {
		case err == nil:
			submitted++
		case errors.Is(err, asyncx.ErrDuplicateJob):
			skipped++
		case errors.Is(err, asyncx.ErrUnknownJobKind):
			return asyncx.Permanent(err.Error())
		default:
			h.logger.Warn().Err(err).Str("job_id", job.ID).Int("submitted", submitted).Msg("broadcast interrupted")
			return asyncx.Retry(err.Error())
		}
	}
	h.logger.Info().Str("job_id", job.ID).Int("submitted", submitted).Int("skipped", skipped).Msg("broadcast fanned out")
	return asyncx.Success()
}

func outcomeFor(err error) asyncx.Outcome {
	if err == nil {
		return asyncx.Success()
	}
	var ce *ChannelError
	if errors.As(err, &ce) {
		if ce.Transient {
			return asyncx.RetryAfter(ce.Error(), ce.RetryAfter)
		}
		return asyncx.Permanent(ce.Error())
	}
	return asyncx.Retry(err.Error())
}
