package queue

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/quantrelay/quantrelay/db"
	"github.com/quantrelay/quantrelay/errors"
	"github.com/quantrelay/quantrelay/logger"
)

// Handler executes one claimed signal, returning a result summary for the
// signal record.
type Handler func(ctx context.Context, sig *Signal) (result string, err error)

// Gate decides whether dispatch may proceed at now. When it returns false
// the consumer reschedules due signals to next instead of dispatching them.
// Used to hold replay until the market session reopens.
type Gate func(now time.Time) (ok bool, next time.Time)

// ConsumerConfig tunes the background replay loop.
type ConsumerConfig struct {
	PollInterval time.Duration
	BatchSize    int
	StuckTimeout time.Duration
}

// Consumer is the background loop that replays deferred signals. It polls
// the queue on a fixed interval, claims due signals one at a time, and
// finalizes each through the handler.
type Consumer struct {
	queue   *Queue
	handler Handler
	gate    Gate
	cfg     ConsumerConfig

	ctx     context.Context
	cancel  context.CancelFunc
	wg      sync.WaitGroup
	timeNow func() time.Time
	log     *zap.SugaredLogger
}

func NewConsumer(ctx context.Context, q *Queue, handler Handler, gate Gate, cfg ConsumerConfig) *Consumer {
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = 5 * time.Second
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 10
	}
	consumerCtx, cancel := context.WithCancel(ctx)
	return &Consumer{
		queue:   q,
		handler: handler,
		gate:    gate,
		cfg:     cfg,
		ctx:     consumerCtx,
		cancel:  cancel,
		timeNow: time.Now,
		log:     logger.ComponentLogger("consumer"),
	}
}

// Start runs crash recovery and then launches the poll loop. Recovery always
// precedes the first poll so no consumer races an orphaned claim.
func (c *Consumer) Start() error {
	stats, err := c.queue.RecoverOnStartup()
	if err != nil {
		return errors.Wrap(err, "startup recovery failed")
	}
	if stats.ResetCount > 0 {
		c.log.Warnw("recovered signals orphaned by previous shutdown",
			logger.FieldCount, stats.ResetCount)
	}
	c.log.Infow("signal consumer starting",
		"pending", stats.PendingCount,
		"poll_interval", c.cfg.PollInterval.String())

	c.wg.Add(1)
	go c.run()
	return nil
}

// Stop cancels the loop and waits for the in-flight cycle to finish.
func (c *Consumer) Stop() {
	c.cancel()
	c.wg.Wait()
}

func (c *Consumer) run() {
	defer c.wg.Done()

	ticker := time.NewTicker(c.cfg.PollInterval)
	defer ticker.Stop()

	errorCount := 0
	backoff := time.Second
	const maxBackoff = 30 * time.Second

	for {
		select {
		case <-c.ctx.Done():
			return
		case <-ticker.C:
			if err := c.cycle(); err != nil {
				select {
				case <-c.ctx.Done():
					return
				default:
				}
				if db.IsDatabaseClosed(err) {
					return
				}
				errorCount++
				c.log.Errorw("consumer cycle failed",
					logger.FieldError, err,
					"consecutive_errors", errorCount)
				if errorCount >= 5 {
					time.Sleep(backoff)
					backoff = min(backoff*2, maxBackoff)
				}
			} else {
				errorCount = 0
				backoff = time.Second
			}
		}
	}
}

// cycle runs one sweep-and-drain pass.
func (c *Consumer) cycle() error {
	now := c.timeNow()

	if c.cfg.StuckTimeout > 0 {
		reset, err := c.queue.ResetStuck(c.cfg.StuckTimeout, now)
		if err != nil {
			return err
		}
		if reset > 0 {
			c.log.Warnw("reset stuck signals", logger.FieldCount, reset)
		}
	}

	if c.gate != nil {
		if ok, next := c.gate(now); !ok {
			return c.deferDue(now, next)
		}
	}

	for i := 0; i < c.cfg.BatchSize; i++ {
		processed, err := c.processNext(now)
		if err != nil {
			return err
		}
		if !processed {
			return nil
		}
	}
	return nil
}

// deferDue pushes due signals to the gate's next window so they are not
// re-examined every poll while the market is shut.
func (c *Consumer) deferDue(now, next time.Time) error {
	due, err := c.queue.Store().GetPending(c.cfg.BatchSize, now)
	if err != nil {
		return err
	}
	for _, sig := range due {
		c.log.Infow("market closed, deferring signal",
			logger.FieldSignalID, sig.ID,
			logger.FieldScheduledAt, next.Format(time.RFC3339))
		if err := c.queue.Reschedule(sig.ID, next); err != nil {
			return err
		}
	}
	return nil
}

func (c *Consumer) processNext(now time.Time) (bool, error) {
	sig, err := c.queue.Claim(now)
	if err != nil {
		return false, err
	}
	if sig == nil {
		return false, nil
	}

	start := c.timeNow()
	result, err := c.handler(c.ctx, sig)
	if err != nil {
		select {
		case <-c.ctx.Done():
			// Shutdown mid-dispatch: leave the signal processing; startup
			// recovery or the stuck sweep returns it to queued.
			return false, nil
		default:
		}
		c.log.Errorw("signal dispatch failed",
			logger.FieldSignalID, sig.ID,
			logger.FieldError, err)
		if markErr := c.queue.MarkFailed(sig.ID, err.Error()); markErr != nil {
			return false, markErr
		}
		return true, nil
	}

	c.log.Infow("signal dispatched",
		logger.FieldSignalID, sig.ID,
		logger.FieldDurationMS, c.timeNow().Sub(start).Milliseconds())
	if err := c.queue.MarkExecuted(sig.ID, result); err != nil {
		return false, err
	}
	return true, nil
}
