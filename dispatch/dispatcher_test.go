package dispatch

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/quantrelay/quantrelay/audit"
	"github.com/quantrelay/quantrelay/broker"
	"github.com/quantrelay/quantrelay/config"
	"github.com/quantrelay/quantrelay/errors"
	qtesting "github.com/quantrelay/quantrelay/internal/testing"
	"github.com/quantrelay/quantrelay/market"
	"github.com/quantrelay/quantrelay/queue"
	"github.com/quantrelay/quantrelay/resilience"
	"github.com/quantrelay/quantrelay/webhook"
)

// spyBroker records every call so tests can assert zero invocations.
type spyBroker struct {
	mu         sync.Mutex
	placed     []broker.Order
	holdings   []broker.Holding
	placeErr   error
	holdingErr error
}

func (s *spyBroker) PlaceOrder(ctx context.Context, order broker.Order) (*broker.OrderResult, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.placeErr != nil {
		return nil, s.placeErr
	}
	s.placed = append(s.placed, order)
	return &broker.OrderResult{
		OrderID: fmt.Sprintf("ORD-%d", len(s.placed)),
		Status:  "accepted",
		Message: "placed",
	}, nil
}

func (s *spyBroker) CancelOrder(ctx context.Context, orderID string) error { return nil }

func (s *spyBroker) Holdings(ctx context.Context) ([]broker.Holding, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.holdingErr != nil {
		return nil, s.holdingErr
	}
	return s.holdings, nil
}

func (s *spyBroker) Positions(ctx context.Context) ([]broker.Position, error) { return nil, nil }

func (s *spyBroker) ValidateCredential(ctx context.Context) error { return nil }

func (s *spyBroker) placedCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.placed)
}

func testCalendar(t *testing.T) *market.Calendar {
	t.Helper()
	cal, err := market.NewCalendar(config.CalendarConfig{
		Timezone:         "Asia/Kolkata",
		PreOpen:          "09:00",
		Open:             "09:15",
		Close:            "15:30",
		PostClose:        "16:00",
		AMOOffsetMinutes: 5,
	})
	require.NoError(t, err)
	return cal
}

func ist(t *testing.T, value string) time.Time {
	t.Helper()
	loc, err := time.LoadLocation("Asia/Kolkata")
	require.NoError(t, err)
	ts, err := time.ParseInLocation("2006-01-02 15:04", value, loc)
	require.NoError(t, err)
	return ts
}

type fixture struct {
	dispatcher *Dispatcher
	broker     *spyBroker
	queue      *queue.Queue
	audit      *audit.Log
}

func newFixture(t *testing.T, now time.Time) *fixture {
	t.Helper()
	conn := qtesting.CreateTestDB(t)
	spy := &spyBroker{}
	q := queue.NewQueue(conn)
	log := audit.NewLog(conn)

	retry := resilience.RetryPolicy{
		MaxAttempts:     3,
		InitialDelay:    time.Millisecond,
		ExponentialBase: 2.0,
	}

	d := NewDispatcher(Options{
		Auth:     webhook.NewAuthenticator("s3cret", "", false),
		Calendar: testCalendar(t),
		Queue:    q,
		Broker:   spy,
		Audit:    log,
		Retry:    retry,
		Breaker:  resilience.NewCircuitBreaker("broker", 5, time.Minute),
		AMOSlot:  market.SlotOpen,
	})
	d.timeNow = func() time.Time { return now }
	return &fixture{dispatcher: d, broker: spy, queue: q, audit: log}
}

func alertBody(t *testing.T, legs ...webhook.OrderLeg) []byte {
	t.Helper()
	body, err := json.Marshal(webhook.Alert{
		Secret:    "s3cret",
		AlertType: "entry",
		OrderLegs: legs,
	})
	require.NoError(t, err)
	return body
}

func buyLeg(symbol string, qty int) webhook.OrderLeg {
	return webhook.OrderLeg{
		TransactionType: webhook.TransactionBuy,
		OrderType:       "MARKET",
		Quantity:        fmt.Sprintf("%d", qty),
		Exchange:        "NSE",
		Symbol:          symbol,
		Instrument:      "EQ",
		ProductType:     "CNC",
	}
}

func sellLeg(symbol string, qty int) webhook.OrderLeg {
	leg := buyLeg(symbol, qty)
	leg.TransactionType = webhook.TransactionSell
	return leg
}

func TestImmediateDispatchDuringOpenSession(t *testing.T) {
	f := newFixture(t, ist(t, "2025-01-06 10:00")) // Monday, open

	resp, err := f.dispatcher.HandleWebhook(context.Background(), alertBody(t, buyLeg("RELIANCE", 10)), "")
	require.NoError(t, err)
	assert.False(t, resp.Deferred)
	require.Len(t, resp.Results, 1)
	assert.Equal(t, LegSuccess, resp.Results[0].Status)
	require.NotNil(t, resp.Results[0].OrderID)
	assert.Equal(t, 1, f.broker.placedCount())
	assert.False(t, f.broker.placed[0].AMO)

	entries, err := f.audit.Recent(10)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, LegSuccess, entries[0].Status)
}

func TestBadSecretNeverReachesBroker(t *testing.T) {
	f := newFixture(t, ist(t, "2025-01-06 10:00"))

	body, err := json.Marshal(webhook.Alert{
		Secret:    "wrong",
		AlertType: "entry",
		OrderLegs: []webhook.OrderLeg{buyLeg("RELIANCE", 10)},
	})
	require.NoError(t, err)

	_, err = f.dispatcher.HandleWebhook(context.Background(), body, "")
	assert.True(t, errors.Is(err, errors.ErrAuth))
	assert.Equal(t, 0, f.broker.placedCount(), "no leg may reach the broker on auth failure")
}

func TestValidationFailureHasNoSideEffects(t *testing.T) {
	f := newFixture(t, ist(t, "2025-01-06 10:00"))

	bad := buyLeg("RELIANCE", 10)
	bad.Quantity = "zero"
	_, err := f.dispatcher.HandleWebhook(context.Background(), alertBody(t, bad), "")
	assert.True(t, errors.Is(err, errors.ErrValidation))
	assert.Equal(t, 0, f.broker.placedCount())

	stats, err := f.queue.Stats()
	require.NoError(t, err)
	assert.Equal(t, 0, stats[queue.StatusQueued])
}

func TestWeekendWebhookIsQueuedNotExecuted(t *testing.T) {
	f := newFixture(t, ist(t, "2025-01-04 10:00")) // Saturday

	resp, err := f.dispatcher.HandleWebhook(context.Background(), alertBody(t, buyLeg("RELIANCE", 10)), "")
	require.NoError(t, err)
	assert.True(t, resp.Deferred)
	require.NotNil(t, resp.ScheduledAt)
	require.Len(t, resp.Results, 1)
	assert.Equal(t, LegAcknowledged, resp.Results[0].Status)
	assert.Equal(t, 0, f.broker.placedCount())

	stats, err := f.queue.Stats()
	require.NoError(t, err)
	assert.Equal(t, 1, stats[queue.StatusQueued])
}

func TestDeferredSignalReplaysDuringOpenSession(t *testing.T) {
	// Saturday: webhook is deferred
	f := newFixture(t, ist(t, "2025-01-04 10:00"))
	resp, err := f.dispatcher.HandleWebhook(context.Background(), alertBody(t, buyLeg("RELIANCE", 10)), "")
	require.NoError(t, err)
	require.True(t, resp.Deferred)

	// Monday open: consumer claims and replays it
	f.dispatcher.timeNow = func() time.Time { return ist(t, "2025-01-06 09:20") }
	sig, err := f.queue.Claim(ist(t, "2025-01-06 09:20").UTC())
	require.NoError(t, err)
	require.NotNil(t, sig)

	result, err := f.dispatcher.ReplaySignal(context.Background(), sig)
	require.NoError(t, err)
	require.NoError(t, f.queue.MarkExecuted(sig.ID, result))

	assert.Equal(t, 1, f.broker.placedCount())
	stored, err := f.queue.Store().Get(sig.ID)
	require.NoError(t, err)
	assert.Equal(t, queue.StatusExecuted, stored.Status)
	assert.NotNil(t, stored.ExecutedAt)

	var legs []LegResult
	require.NoError(t, json.Unmarshal([]byte(stored.Result), &legs))
	require.Len(t, legs, 1)
	assert.Equal(t, LegSuccess, legs[0].Status)
}

func TestSellWithZeroHoldingsRejectedLocally(t *testing.T) {
	f := newFixture(t, ist(t, "2025-01-06 10:00"))
	f.broker.holdings = nil // nothing held

	resp, err := f.dispatcher.HandleWebhook(context.Background(), alertBody(t, sellLeg("RELIANCE", 10)), "")
	require.NoError(t, err)
	require.Len(t, resp.Results, 1)
	assert.Equal(t, LegRejected, resp.Results[0].Status)
	assert.Contains(t, resp.Results[0].Message, "insufficient holdings")
	assert.Equal(t, 0, f.broker.placedCount(), "policy rejection must never call the broker")
}

func TestSellWithSufficientHoldingsPlaces(t *testing.T) {
	f := newFixture(t, ist(t, "2025-01-06 10:00"))
	f.broker.holdings = []broker.Holding{{Symbol: "RELIANCE", Exchange: "NSE", Quantity: 25}}

	resp, err := f.dispatcher.HandleWebhook(context.Background(), alertBody(t, sellLeg("RELIANCE", 10)), "")
	require.NoError(t, err)
	assert.Equal(t, LegSuccess, resp.Results[0].Status)
	assert.Equal(t, 1, f.broker.placedCount())
}

func TestPartialFailureIsNotRolledBack(t *testing.T) {
	f := newFixture(t, ist(t, "2025-01-06 10:00"))
	f.broker.holdings = []broker.Holding{{Symbol: "TCS", Exchange: "NSE", Quantity: 1}}

	legA := buyLeg("RELIANCE", 10)
	legA.SortOrder = "1"
	legB := sellLeg("TCS", 50) // insufficient
	legB.SortOrder = "2"

	resp, err := f.dispatcher.HandleWebhook(context.Background(), alertBody(t, legB, legA), "")
	require.NoError(t, err)
	require.Len(t, resp.Results, 2)

	// Results come back in sort_order
	assert.Equal(t, "RELIANCE", resp.Results[0].Symbol)
	assert.Equal(t, LegSuccess, resp.Results[0].Status)
	assert.Equal(t, "TCS", resp.Results[1].Symbol)
	assert.Equal(t, LegRejected, resp.Results[1].Status)
	assert.Equal(t, 1, f.broker.placedCount())
}

func TestTransientBrokerFailureRetriesThenErrors(t *testing.T) {
	f := newFixture(t, ist(t, "2025-01-06 10:00"))
	f.broker.placeErr = errors.Mark(errors.New("gateway timeout"), errors.ErrBrokerTransient)

	resp, err := f.dispatcher.HandleWebhook(context.Background(), alertBody(t, buyLeg("RELIANCE", 10)), "")
	require.NoError(t, err, "broker failure is reported per leg, not as a request error")
	assert.Equal(t, LegError, resp.Results[0].Status)
}

func TestTerminalBrokerFailureIsFailedStatus(t *testing.T) {
	f := newFixture(t, ist(t, "2025-01-06 10:00"))
	f.broker.placeErr = errors.Mark(errors.New("unknown security"), errors.ErrBrokerTerminal)

	resp, err := f.dispatcher.HandleWebhook(context.Background(), alertBody(t, buyLeg("NOPE", 1)), "")
	require.NoError(t, err)
	assert.Equal(t, LegFailed, resp.Results[0].Status)
}

func TestOpenCircuitShortCircuitsLegs(t *testing.T) {
	f := newFixture(t, ist(t, "2025-01-06 10:00"))
	f.broker.placeErr = errors.Mark(errors.New("down"), errors.ErrBrokerTransient)

	// Drive the breaker open (threshold 5, each webhook is one breaker failure)
	for i := 0; i < 5; i++ {
		_, err := f.dispatcher.HandleWebhook(context.Background(), alertBody(t, buyLeg("RELIANCE", 1)), "")
		require.NoError(t, err)
	}

	before := f.broker.placedCount()
	f.broker.placeErr = nil
	resp, err := f.dispatcher.HandleWebhook(context.Background(), alertBody(t, buyLeg("RELIANCE", 1)), "")
	require.NoError(t, err)
	assert.Equal(t, LegError, resp.Results[0].Status)
	assert.Equal(t, before, f.broker.placedCount(), "open breaker must not contact the broker")
}

func TestReplayFailsWhenNoLegExecutes(t *testing.T) {
	f := newFixture(t, ist(t, "2025-01-06 10:00"))
	f.broker.placeErr = errors.Mark(errors.New("down"), errors.ErrBrokerTransient)

	payload := alertBody(t, buyLeg("RELIANCE", 10))
	sig := &queue.Signal{ID: 7, Payload: stripSecret(t, payload)}

	_, err := f.dispatcher.ReplaySignal(context.Background(), sig)
	require.Error(t, err)
	assert.True(t, errors.Is(err, errors.ErrBrokerTerminal))
}

// stripSecret mimics the redaction applied before a payload is queued.
func stripSecret(t *testing.T, body []byte) []byte {
	t.Helper()
	alert, err := webhook.Parse(body)
	require.NoError(t, err)
	redacted := alert.Redacted()
	out, err := json.Marshal(&redacted)
	require.NoError(t, err)
	return out
}

func TestReplayedAMOLegFlagged(t *testing.T) {
	// Replay at pre-market: order goes out flagged as after-market
	f := newFixture(t, ist(t, "2025-01-06 09:05"))

	payload := stripSecret(t, alertBody(t, buyLeg("RELIANCE", 10)))
	id, err := f.queue.Add(payload, time.Now(), nil)
	require.NoError(t, err)
	sig, err := f.queue.Store().Get(id)
	require.NoError(t, err)

	_, err = f.dispatcher.ReplaySignal(context.Background(), sig)
	require.NoError(t, err)
	require.Equal(t, 1, f.broker.placedCount())
	assert.True(t, f.broker.placed[0].AMO)
}
