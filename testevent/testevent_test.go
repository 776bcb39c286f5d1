package testevent

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

// TestWaitN asserts that WaitN counts only the awaited event and that a nil
// sender is a no-op.
func TestWaitN(t *testing.T) {
	t.Parallel()

	sender, receiver := NewChannel()
	defer receiver.Stop()

	for i := 0; i < 50; i++ {
		sender.Send(EventsProcessed)
	}
	sender.Send(TxBroadcasted)
	sender.Send(TxBroadcasted)

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	require.NoError(t, receiver.WaitN(ctx, TxBroadcasted, 2))

	shortCtx, shortCancel := context.WithTimeout(
		context.Background(), 20*time.Millisecond,
	)
	defer shortCancel()
	require.ErrorIs(
		t, receiver.Wait(shortCtx, TxBroadcasted),
		context.DeadlineExceeded,
	)

	var nilSender *Sender
	nilSender.Send(PaymentSent)
}
