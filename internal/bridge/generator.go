package bridge

import (
	"context"
	"errors"
	"fmt"

	"github.com/edustream/voicebridge/internal/inference"
)

// Pump is the duplex event generator: the sole writer to the inference
// stream. It drains the queue in FIFO order and closes the stream's write
// side when it exits — on SessionEnd, on queue close, or on cancellation.
func Pump(ctx context.Context, q *EventQueue, stream inference.Stream) error {
	defer func() { _ = stream.CloseSend() }()

	for {
		ev, err := q.Dequeue(ctx)
		if err != nil {
			if errors.Is(err, ErrQueueClosed) || errors.Is(err, context.Canceled) {
				return nil
			}
			return err
		}
		if err := stream.Send(ctx, ev); err != nil {
			return fmt.Errorf("send %T: %w", ev, err)
		}
		if _, done := ev.(inference.SessionEnd); done {
			return nil
		}
	}
}
