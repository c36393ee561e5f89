// File: eventqueue/property_test.go
package eventqueue

import (
	"context"
	"encoding/binary"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"pgregory.net/rapid"
)

// TestPropertyEventQueueFeedsCallbackExactlyMTimesInOrder checks that
// feeding M synthetic device completions into an EventQueue invokes its
// callback exactly M times, in order. Every completion frees its slot and
// onCompletion re-posts one submission at the ring's tail before
// returning, so P submissions stay outstanding (the test does not read
// that count itself) — this drives M well past the ring size (forcing
// every slot to wrap several times) and checks the callback sees exactly
// the marker written into each slot right before its completion is
// injected, in injection order.
func TestPropertyEventQueueFeedsCallbackExactlyMTimesInOrder(t *testing.T) {
	rapid.Check(t, func(t *rapid.T) {
		elCount := rapid.IntRange(2, 12).Draw(t, "elCount")
		prePost := rapid.IntRange(1, elCount-1).Draw(t, "prePost")
		m := rapid.IntRange(0, 5*elCount).Draw(t, "m")

		opener, f, _ := newTestOpener(t)
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()

		eventCQ, err := opener.SharedEventCQ(ctx, "prop-events", elCount)
		assert.NoError(t, err)

		got := []uint32{}
		ch, err := opener.Open(ctx, "prop-chan", eventCQ, elCount, 4, prePost, func(record []byte) {
			got = append(got, binary.LittleEndian.Uint32(record))
		})
		assert.NoError(t, err)
		defer func() { _ = ch.Close(ctx, f) }()

		// Record ring and descriptor ring advance in lock-step, so the
		// ith completion lands at ring position i mod elCount and its
		// record at the same index.
		want := make([]uint32, 0, m)
		for i := 0; i < m; i++ {
			slot := uint16(i % elCount)
			marker := uint32(i + 1)
			binary.LittleEndian.PutUint32(ch.Event.recordSlot(int(slot)), marker)
			want = append(want, marker)

			injectEventCompletion(f, eventCQ, ch.Event.SQ().QID(), slot)
		}

		assert.Equal(t, m, len(got), "callback must fire exactly M times")
		assert.Equal(t, want, got, "callback invocations must match injected completions in order")
	})
}
