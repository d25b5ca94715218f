// Package dispatch orchestrates the path from authenticated webhook to
// broker order placement, immediately or via the durable signal queue.
package dispatch

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/quantrelay/quantrelay/audit"
	"github.com/quantrelay/quantrelay/broker"
	"github.com/quantrelay/quantrelay/errors"
	"github.com/quantrelay/quantrelay/logger"
	"github.com/quantrelay/quantrelay/market"
	"github.com/quantrelay/quantrelay/notify"
	"github.com/quantrelay/quantrelay/queue"
	"github.com/quantrelay/quantrelay/resilience"
	"github.com/quantrelay/quantrelay/webhook"
)

// Per-leg outcome statuses reported in the webhook response body.
const (
	LegSuccess      = "success"      // order placed at the broker
	LegFailed       = "failed"       // broker refused the order
	LegRejected     = "rejected"     // rejected locally by policy, broker untouched
	LegError        = "error"        // transport failure, retries exhausted or circuit open
	LegAcknowledged = "acknowledged" // queued for a later session
)

// LegResult is the outcome of one order leg.
type LegResult struct {
	Symbol  string  `json:"symbol"`
	Status  string  `json:"status"`
	Message string  `json:"message"`
	OrderID *string `json:"order_id"`
}

// Response aggregates per-leg outcomes for one webhook.
type Response struct {
	RequestID   string      `json:"request_id"`
	Deferred    bool        `json:"deferred"`
	SignalID    *int64      `json:"signal_id,omitempty"`
	Session     string      `json:"session,omitempty"`
	ScheduledAt *time.Time  `json:"scheduled_at,omitempty"`
	Results     []LegResult `json:"results"`
}

// Dispatcher routes validated alerts to the broker or the queue. Each leg is
// processed independently; a partial failure is a valid terminal state and is
// never rolled back.
type Dispatcher struct {
	auth     *webhook.Authenticator
	calendar *market.Calendar
	queue    *queue.Queue
	broker   broker.Client
	audit    *audit.Log
	notify   *notify.Sink
	retry    resilience.RetryPolicy
	breaker  *resilience.CircuitBreaker
	amoSlot  market.AMOSlot
	dryRun   bool
	timeNow  func() time.Time
	log      *zap.SugaredLogger
}

type Options struct {
	Auth     *webhook.Authenticator
	Calendar *market.Calendar
	Queue    *queue.Queue
	Broker   broker.Client
	Audit    *audit.Log
	Notify   *notify.Sink
	Retry    resilience.RetryPolicy
	Breaker  *resilience.CircuitBreaker
	AMOSlot  market.AMOSlot
	DryRun   bool
}

func NewDispatcher(opts Options) *Dispatcher {
	if opts.AMOSlot == "" {
		opts.AMOSlot = market.SlotOpen
	}
	return &Dispatcher{
		auth:     opts.Auth,
		calendar: opts.Calendar,
		queue:    opts.Queue,
		broker:   opts.Broker,
		audit:    opts.Audit,
		notify:   opts.Notify,
		retry:    opts.Retry,
		breaker:  opts.Breaker,
		amoSlot:  opts.AMOSlot,
		dryRun:   opts.DryRun,
		timeNow:  time.Now,
		log:      logger.ComponentLogger("dispatch"),
	}
}

// HandleWebhook runs the full ingestion pipeline for one inbound request:
// parse, authenticate, validate, then either dispatch through the resilience
// stack or durably defer. Auth and validation errors return with no side
// effects; a queue persistence error propagates so the HTTP layer can refuse
// to claim success.
func (d *Dispatcher) HandleWebhook(ctx context.Context, rawBody []byte, signature string) (*Response, error) {
	requestID := uuid.NewString()

	alert, err := webhook.Parse(rawBody)
	if err != nil {
		return nil, err
	}
	if err := d.auth.Authenticate(alert, rawBody, signature); err != nil {
		d.log.Warnw("webhook rejected", logger.FieldRequestID, requestID, logger.FieldErrorKind, "auth")
		return nil, err
	}
	if err := alert.Validate(); err != nil {
		d.log.Warnw("webhook rejected",
			logger.FieldRequestID, requestID,
			logger.FieldErrorKind, "validation",
			logger.FieldError, err)
		return nil, err
	}

	now := d.timeNow()
	decision := d.calendar.ShouldDefer(now, d.amoSlot)
	if decision.Defer {
		return d.deferAlert(requestID, alert, now, decision)
	}

	d.log.Infow("dispatching webhook immediately",
		logger.FieldRequestID, requestID,
		logger.FieldSession, string(decision.Session),
		logger.FieldCount, len(alert.OrderLegs))
	results := d.executeLegs(ctx, requestID, nil, alert, decision.Session != market.SessionOpen)
	d.notifySummary(requestID, results)

	return &Response{
		RequestID: requestID,
		Session:   string(decision.Session),
		Results:   results,
	}, nil
}

// defer_ persists the alert for replay at the computed session window.
func (d *Dispatcher) deferAlert(requestID string, alert *webhook.Alert, receivedAt time.Time, decision market.Decision) (*Response, error) {
	redacted := alert.Redacted()
	payload, err := json.Marshal(&redacted)
	if err != nil {
		return nil, errors.Mark(errors.Wrap(err, "failed to encode signal payload"), errors.ErrQueuePersistence)
	}

	id, err := d.queue.Add(payload, receivedAt, decision.ScheduledAt)
	if err != nil {
		return nil, err
	}

	d.log.Infow("webhook deferred",
		logger.FieldRequestID, requestID,
		logger.FieldSignalID, id,
		logger.FieldSession, string(decision.Session),
		logger.FieldScheduledAt, decision.ScheduledAt.Format(time.RFC3339),
		"reason", decision.Reason)

	results := make([]LegResult, 0, len(alert.OrderLegs))
	for _, leg := range sortedLegs(alert) {
		results = append(results, LegResult{
			Symbol:  leg.Symbol,
			Status:  LegAcknowledged,
			Message: decision.Reason,
		})
		d.appendAudit(audit.Entry{
			RequestID:       requestID,
			SignalID:        &id,
			Symbol:          leg.Symbol,
			Exchange:        leg.Exchange,
			TransactionType: leg.TransactionType,
			Quantity:        mustQty(leg),
			OrderType:       leg.OrderType,
			Status:          "queued",
			Message:         decision.Reason,
			DryRun:          d.dryRun,
		})
	}
	d.notify.Send("signal_queued", requestID, decision.Reason)

	return &Response{
		RequestID:   requestID,
		Deferred:    true,
		SignalID:    &id,
		Session:     string(decision.Session),
		ScheduledAt: decision.ScheduledAt,
		Results:     results,
	}, nil
}

// ReplaySignal is the queue consumer's handler: it re-validates the stored
// payload, checks the session again, and executes the legs. The returned
// string is stored as the signal's result.
func (d *Dispatcher) ReplaySignal(ctx context.Context, sig *queue.Signal) (string, error) {
	alert, err := webhook.Parse(sig.Payload)
	if err != nil {
		return "", errors.Wrap(err, "stored payload no longer parses")
	}
	if err := alert.Validate(); err != nil {
		return "", errors.Wrap(err, "stored payload no longer validates")
	}

	requestID := uuid.NewString()
	decision := d.calendar.ShouldDefer(d.timeNow(), d.amoSlot)
	results := d.executeLegs(ctx, requestID, &sig.ID, alert, decision.Session != market.SessionOpen)
	d.notifySummary(requestID, results)

	succeeded := 0
	var firstErr string
	for _, r := range results {
		switch r.Status {
		case LegSuccess:
			succeeded++
		case LegError, LegFailed:
			if firstErr == "" {
				firstErr = r.Symbol + ": " + r.Message
			}
		}
	}
	if succeeded == 0 && firstErr != "" {
		return "", errors.Mark(errors.Newf("no leg executed: %s", firstErr), errors.ErrBrokerTerminal)
	}

	summary, err := json.Marshal(results)
	if err != nil {
		return "", errors.Wrap(err, "failed to encode replay result")
	}
	return string(summary), nil
}

// Gate holds the background consumer while the session refuses dispatch.
func (d *Dispatcher) Gate(now time.Time) (bool, time.Time) {
	decision := d.calendar.ShouldDefer(now, d.amoSlot)
	if !decision.Defer {
		return true, time.Time{}
	}
	return false, *decision.ScheduledAt
}

// executeLegs processes every leg independently in sort_order. A failure in
// one leg never aborts its siblings.
func (d *Dispatcher) executeLegs(ctx context.Context, requestID string, signalID *int64, alert *webhook.Alert, amo bool) []LegResult {
	legs := sortedLegs(alert)

	holdings, holdingsErr := d.holdingsIfNeeded(ctx, legs)

	results := make([]LegResult, 0, len(legs))
	for _, leg := range legs {
		results = append(results, d.executeLeg(ctx, requestID, signalID, leg, amo, holdings, holdingsErr))
	}
	return results
}

func (d *Dispatcher) executeLeg(ctx context.Context, requestID string, signalID *int64, leg webhook.OrderLeg, amo bool, holdings map[string]int, holdingsErr error) LegResult {
	qty, _ := leg.QuantityInt()

	entry := audit.Entry{
		RequestID:       requestID,
		SignalID:        signalID,
		Symbol:          leg.Symbol,
		Exchange:        leg.Exchange,
		TransactionType: leg.TransactionType,
		Quantity:        qty,
		OrderType:       leg.OrderType,
		DryRun:          d.dryRun,
	}

	if leg.TransactionType == webhook.TransactionSell {
		if holdingsErr != nil {
			entry.Status = LegError
			entry.Message = "holdings check failed: " + holdingsErr.Error()
			d.appendAudit(entry)
			return LegResult{Symbol: leg.Symbol, Status: LegError, Message: entry.Message}
		}
		if held := holdings[holdingKey(leg.Symbol, leg.Exchange)]; held < qty {
			entry.Status = LegRejected
			entry.Message = fmt.Sprintf("insufficient holdings: have %d, need %d", held, qty)
			d.appendAudit(entry)
			d.log.Infow("sell leg rejected by policy",
				logger.FieldRequestID, requestID,
				logger.FieldSymbol, leg.Symbol,
				"held", held,
				"requested", qty)
			return LegResult{Symbol: leg.Symbol, Status: LegRejected, Message: entry.Message}
		}
	}

	order := broker.Order{
		Symbol:          leg.Symbol,
		Exchange:        leg.Exchange,
		TransactionType: leg.TransactionType,
		OrderType:       leg.OrderType,
		ProductType:     leg.ProductType,
		Quantity:        qty,
		Price:           leg.PriceFloat(),
		AMO:             amo,
	}

	var result *broker.OrderResult
	err := d.breaker.Call(ctx, func(ctx context.Context) error {
		return d.retry.Do(ctx, func(ctx context.Context) error {
			var placeErr error
			result, placeErr = d.broker.PlaceOrder(ctx, order)
			return placeErr
		})
	})
	if err != nil {
		status := LegError
		if errors.Is(err, errors.ErrBrokerTerminal) && !errors.Is(err, errors.ErrBrokerTransient) && !errors.Is(err, errors.ErrCircuitOpen) {
			status = LegFailed
		}
		entry.Status = status
		entry.Message = err.Error()
		d.appendAudit(entry)
		d.log.Errorw("leg dispatch failed",
			logger.FieldRequestID, requestID,
			logger.FieldSymbol, leg.Symbol,
			logger.FieldStatus, status,
			logger.FieldError, err)
		return LegResult{Symbol: leg.Symbol, Status: status, Message: err.Error()}
	}

	entry.Status = LegSuccess
	entry.Message = result.Message
	entry.OrderID = result.OrderID
	d.appendAudit(entry)

	orderID := result.OrderID
	return LegResult{
		Symbol:  leg.Symbol,
		Status:  LegSuccess,
		Message: result.Message,
		OrderID: &orderID,
	}
}

// holdingsIfNeeded fetches holdings once per payload, only when a SELL leg
// is present.
func (d *Dispatcher) holdingsIfNeeded(ctx context.Context, legs []webhook.OrderLeg) (map[string]int, error) {
	needed := false
	for _, leg := range legs {
		if leg.TransactionType == webhook.TransactionSell {
			needed = true
			break
		}
	}
	if !needed {
		return nil, nil
	}

	holdings, err := d.broker.Holdings(ctx)
	if err != nil {
		return nil, err
	}
	byKey := make(map[string]int, len(holdings))
	for _, h := range holdings {
		byKey[holdingKey(h.Symbol, h.Exchange)] += h.Quantity
	}
	return byKey, nil
}

func (d *Dispatcher) appendAudit(entry audit.Entry) {
	if d.audit == nil {
		return
	}
	if err := d.audit.Append(entry); err != nil {
		// Audit loss is logged, never fatal to the order path
		d.log.Warnw("failed to append audit entry", logger.FieldError, err)
	}
}

func (d *Dispatcher) notifySummary(requestID string, results []LegResult) {
	counts := map[string]int{}
	for _, r := range results {
		counts[r.Status]++
	}
	parts := make([]string, 0, len(counts))
	for _, status := range []string{LegSuccess, LegFailed, LegRejected, LegError} {
		if counts[status] > 0 {
			parts = append(parts, fmt.Sprintf("%d %s", counts[status], status))
		}
	}
	d.notify.Send("dispatch_complete", requestID, strings.Join(parts, ", "))
}

func sortedLegs(alert *webhook.Alert) []webhook.OrderLeg {
	legs := make([]webhook.OrderLeg, len(alert.OrderLegs))
	copy(legs, alert.OrderLegs)
	sort.SliceStable(legs, func(i, j int) bool {
		return legs[i].SortOrderInt() < legs[j].SortOrderInt()
	})
	return legs
}

func holdingKey(symbol, exchange string) string {
	return exchange + ":" + symbol
}

func mustQty(leg webhook.OrderLeg) int {
	qty, _ := leg.QuantityInt()
	return qty
}
