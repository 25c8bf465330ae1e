package amqp

import (
	"time"

	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/ThreeDotsLabs/watermill/message/router/middleware"
	"github.com/google/uuid"
	"github.com/webitel/broadcast-delivery-service/internal/domain/model"
)

// OnDeadLetter persists a poisoned message with enough context to make a
// later redrive deterministic. The envelope is decoded best-effort; a letter
// that cannot be decoded is still captured, it just cannot be redriven.
func (o *Orchestrator) OnDeadLetter(msg *message.Message) error {
	dl := &model.DeadLetter{
		ID:               uuid.New(),
		OriginalTopic:    msg.Metadata.Get(middleware.PoisonedTopicKey),
		ExceptionMessage: msg.Metadata.Get(middleware.ReasonForPoisonedKey),
		Payload:          msg.Payload,
		FailedAt:         time.Now().UTC(),
		CorrelationID:    msg.Metadata.Get("correlation_id"),
	}

	if env, err := model.DecodeEnvelope(msg.Payload); err == nil {
		dl.BroadcastID = env.BroadcastID
		dl.OriginalKey = env.RecipientID
		if env.CorrelationID != "" {
			dl.CorrelationID = env.CorrelationID
		}
	}

	if err := o.dead.Insert(msg.Context(), dl); err != nil {
		// NACK: broker redelivers until the letter lands in the table.
		return err
	}

	o.logger.Error("DEAD_LETTER_CAPTURED",
		"dead_letter_id", dl.ID.String(),
		"broadcast_id", dl.BroadcastID.String(),
		"reason", dl.ExceptionMessage)
	return nil
}
