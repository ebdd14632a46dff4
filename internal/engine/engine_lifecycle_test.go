package engine

import (
	"context"
	"fmt"
	"testing"
	"testing/synctest"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// --- Run (synctest) ---

func TestRun_ProcessesInboundFrames(t *testing.T) {
	synctest.Test(t, func(t *testing.T) {
		h := newHarness(t, 3)

		ctx, cancel := context.WithCancel(context.Background())
		done := make(chan error, 1)
		go func() { done <- h.engine.Run(ctx) }()

		frame := fmt.Sprintf(`{"op":"event","channel":%q,"sequence":1,"timestamp":100}`, testChannel)
		h.engine.HandleFrame([]byte(frame))
		synctest.Wait()

		assert.Equal(t, int64(1), h.states.Get(testChannel).HighestContiguousSequence)

		cancel()
		assert.ErrorIs(t, <-done, context.Canceled)
	})
}

func TestRun_ReconnectedResendsSubscriptions(t *testing.T) {
	synctest.Test(t, func(t *testing.T) {
		h := newHarness(t, 3)

		ctx, cancel := context.WithCancel(context.Background())
		done := make(chan error, 1)
		go func() { done <- h.engine.Run(ctx) }()

		h.engine.Reconnected()
		synctest.Wait()

		subs := h.trans.subscribes()
		require.Len(t, subs, 1)
		assert.Equal(t, testChannel, subs[0].Channel)

		cancel()
		assert.ErrorIs(t, <-done, context.Canceled)
	})
}

func TestRun_TickerDrivesBackfillRetry(t *testing.T) {
	synctest.Test(t, func(t *testing.T) {
		h := newHarness(t, 3)
		// The event loop's retry ticker reads the injected clock, which
		// only this test advances.

		ctx, cancel := context.WithCancel(context.Background())
		done := make(chan error, 1)
		go func() { done <- h.engine.Run(ctx) }()

		for _, seq := range []int64{1, 4} {
			frame := fmt.Sprintf(`{"op":"event","channel":%q,"sequence":%d,"timestamp":%d}`, testChannel, seq, seq*100)
			h.engine.HandleFrame([]byte(frame))
		}
		synctest.Wait()
		require.Len(t, h.trans.backfillRequests(), 1)

		// Move the engine clock past the deadline and the backoff window,
		// then let the ticker fire twice.
		h.clock.Advance(time.Minute)
		time.Sleep(retryCheckInterval + 10*time.Millisecond)
		synctest.Wait()
		h.clock.Advance(time.Minute)
		time.Sleep(retryCheckInterval + 10*time.Millisecond)
		synctest.Wait()

		assert.Len(t, h.trans.backfillRequests(), 2)

		cancel()
		assert.ErrorIs(t, <-done, context.Canceled)
	})
}

func TestHandleFrame_AfterShutdownDoesNotBlock(t *testing.T) {
	h := newHarness(t, 3)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- h.engine.Run(ctx) }()
	cancel()
	require.ErrorIs(t, <-done, context.Canceled)

	// Fill the buffer and keep going: every call must return.
	frame := fmt.Sprintf(`{"op":"event","channel":%q,"sequence":1,"timestamp":100}`, testChannel)
	for i := 0; i < inboundChanSize+10; i++ {
		h.engine.HandleFrame([]byte(frame))
	}
	h.engine.Reconnected()
	h.engine.ChannelUnsubscribed(testChannel)
}
