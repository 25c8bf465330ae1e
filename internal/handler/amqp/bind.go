package amqp

import (
	"context"
	"runtime/debug"

	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/webitel/broadcast-delivery-service/internal/domain/model"
)

// EnvelopeHandler is the functional signature for state-mutating listeners.
type EnvelopeHandler func(ctx context.Context, env *model.Envelope) error

// BindEnvelope connects Watermill to domain logic, handling panic recovery
// and envelope decoding. Undecodable payloads are ACKed: redelivery cannot
// fix them and the poison middleware would only copy garbage to the DLT.
func BindEnvelope(o *Orchestrator, fn EnvelopeHandler) message.NoPublishHandlerFunc {
	return func(msg *message.Message) (err error) {
		// [PANIC_RECOVERY]
		// Keep the consumer alive; a panicking message goes the retry path.
		defer func() {
			if r := recover(); r != nil {
				o.logger.Error("PANIC_RECOVERED",
					"err", r,
					"stack", string(debug.Stack()),
					"msg_id", msg.UUID)
				err = errPanic
			}
		}()

		env, decodeErr := model.DecodeEnvelope(msg.Payload)
		if decodeErr != nil {
			o.logger.Error("DECODE_FAILED", "err", decodeErr, "msg_id", msg.UUID)
			return nil // ACK: poison pill protection.
		}

		return fn(msg.Context(), env)
	}
}

// BindPush decodes push frames and applies the locality filter: a node only
// materializes frames for recipients connected to it. Everything here is
// best-effort, errors are logged and ACKed because the durable inbox already
// owns correctness.
func BindPush(o *Orchestrator) message.NoPublishHandlerFunc {
	return func(msg *message.Message) error {
		defer func() {
			if r := recover(); r != nil {
				o.logger.Error("PANIC_RECOVERED",
					"err", r,
					"stack", string(debug.Stack()),
					"msg_id", msg.UUID)
			}
		}()

		frame, err := DecodePushFrame(msg.Payload)
		if err != nil {
			o.logger.Error("PUSH_DECODE_FAILED", "err", err, "msg_id", msg.UUID)
			return nil
		}

		// [LOCALITY_FILTER]
		// Process only if the target recipient is connected to THIS node.
		if !o.hub.IsConnected(frame.RecipientID) {
			return nil // ACK: handled by another instance, or nobody.
		}

		if err := o.OnPushFrame(msg.Context(), frame); err != nil {
			o.logger.Warn("PUSH_DROPPED", "err", err, "msg_id", msg.UUID)
		}
		return nil
	}
}

type panicError struct{}

func (panicError) Error() string { return "handler panicked" }

var errPanic = panicError{}
