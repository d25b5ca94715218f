package queue

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/quantrelay/quantrelay/errors"
	qtesting "github.com/quantrelay/quantrelay/internal/testing"
)

func testConsumer(t *testing.T, handler Handler, gate Gate) (*Consumer, *Queue) {
	t.Helper()
	q := NewQueue(qtesting.CreateTestDB(t))
	c := NewConsumer(context.Background(), q, handler, gate, ConsumerConfig{
		PollInterval: 10 * time.Millisecond,
		BatchSize:    5,
		StuckTimeout: 15 * time.Minute,
	})
	t.Cleanup(c.Stop)
	return c, q
}

func TestConsumerDispatchesDueSignal(t *testing.T) {
	var handled []int64
	handler := func(ctx context.Context, sig *Signal) (string, error) {
		handled = append(handled, sig.ID)
		return "placed", nil
	}
	c, q := testConsumer(t, handler, nil)

	id, err := q.Add([]byte("payload"), time.Now(), nil)
	require.NoError(t, err)

	require.NoError(t, c.cycle())

	assert.Equal(t, []int64{id}, handled)
	sig, err := q.Store().Get(id)
	require.NoError(t, err)
	assert.Equal(t, StatusExecuted, sig.Status)
	assert.Equal(t, "placed", sig.Result)
	assert.NotNil(t, sig.ExecutedAt)
}

func TestConsumerMarksFailedOnHandlerError(t *testing.T) {
	handler := func(ctx context.Context, sig *Signal) (string, error) {
		return "", errors.Mark(errors.New("broker down"), errors.ErrBrokerTerminal)
	}
	c, q := testConsumer(t, handler, nil)

	id, err := q.Add([]byte("payload"), time.Now(), nil)
	require.NoError(t, err)

	require.NoError(t, c.cycle())

	sig, err := q.Store().Get(id)
	require.NoError(t, err)
	assert.Equal(t, StatusFailed, sig.Status)
	assert.Contains(t, sig.Error, "broker down")
}

func TestConsumerRespectsSchedule(t *testing.T) {
	calls := 0
	handler := func(ctx context.Context, sig *Signal) (string, error) {
		calls++
		return "ok", nil
	}
	c, q := testConsumer(t, handler, nil)

	future := time.Now().Add(time.Hour)
	_, err := q.Add([]byte("payload"), time.Now(), &future)
	require.NoError(t, err)

	require.NoError(t, c.cycle())
	assert.Equal(t, 0, calls, "scheduled signals stay untouched until due")

	// Advance the consumer's clock past the schedule
	c.timeNow = func() time.Time { return time.Now().Add(2 * time.Hour) }
	require.NoError(t, c.cycle())
	assert.Equal(t, 1, calls)
}

func TestConsumerGateDefersInsteadOfDispatching(t *testing.T) {
	calls := 0
	handler := func(ctx context.Context, sig *Signal) (string, error) {
		calls++
		return "ok", nil
	}
	next := time.Now().Add(18 * time.Hour)
	gate := func(now time.Time) (bool, time.Time) { return false, next }
	c, q := testConsumer(t, handler, gate)

	id, err := q.Add([]byte("payload"), time.Now(), nil)
	require.NoError(t, err)

	require.NoError(t, c.cycle())
	assert.Equal(t, 0, calls, "closed gate must keep the broker untouched")

	sig, err := q.Store().Get(id)
	require.NoError(t, err)
	assert.Equal(t, StatusQueued, sig.Status)
	require.NotNil(t, sig.ScheduledAt)
	assert.WithinDuration(t, next, *sig.ScheduledAt, time.Second)
}

func TestConsumerDrainsBatch(t *testing.T) {
	calls := 0
	handler := func(ctx context.Context, sig *Signal) (string, error) {
		calls++
		return "ok", nil
	}
	c, q := testConsumer(t, handler, nil)

	for i := 0; i < 3; i++ {
		_, err := q.Add([]byte("payload"), time.Now(), nil)
		require.NoError(t, err)
	}

	require.NoError(t, c.cycle())
	assert.Equal(t, 3, calls)

	stats, err := q.Stats()
	require.NoError(t, err)
	assert.Equal(t, 3, stats[StatusExecuted])
	assert.Equal(t, 0, stats[StatusQueued])
}

func TestConsumerStartRecoversOrphans(t *testing.T) {
	handler := func(ctx context.Context, sig *Signal) (string, error) { return "ok", nil }
	c, q := testConsumer(t, handler, nil)

	id, err := q.Add([]byte("payload"), time.Now(), nil)
	require.NoError(t, err)
	claimed, err := q.Store().MarkProcessing(id)
	require.NoError(t, err)
	require.True(t, claimed)

	require.NoError(t, c.Start())
	c.Stop()

	sig, err := q.Store().Get(id)
	require.NoError(t, err)
	assert.NotEqual(t, StatusProcessing, sig.Status,
		"orphaned processing signal must be recovered before polling begins")
}

func TestQueueClaimLosesRaceGracefully(t *testing.T) {
	q := NewQueue(qtesting.CreateTestDB(t))

	id, err := q.Add([]byte("payload"), time.Now(), nil)
	require.NoError(t, err)

	sig, err := q.Claim(time.Now())
	require.NoError(t, err)
	require.NotNil(t, sig)
	assert.Equal(t, id, sig.ID)
	assert.Equal(t, StatusProcessing, sig.Status)

	// Nothing else is claimable
	sig, err = q.Claim(time.Now())
	require.NoError(t, err)
	assert.Nil(t, sig)
}
