// Package server owns the HTTP surface and the application context that
// wires configuration, storage, broker client, and background loops
// together. No component lives in package-level state; everything hangs off
// the App constructed at startup.
package server

import (
	"context"
	"database/sql"
	"fmt"
	"net/http"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/quantrelay/quantrelay/audit"
	"github.com/quantrelay/quantrelay/broker"
	"github.com/quantrelay/quantrelay/config"
	"github.com/quantrelay/quantrelay/db"
	"github.com/quantrelay/quantrelay/dispatch"
	"github.com/quantrelay/quantrelay/errors"
	"github.com/quantrelay/quantrelay/logger"
	"github.com/quantrelay/quantrelay/market"
	"github.com/quantrelay/quantrelay/notify"
	"github.com/quantrelay/quantrelay/queue"
	"github.com/quantrelay/quantrelay/resilience"
	"github.com/quantrelay/quantrelay/webhook"
)

// App is the application context: every collaborator constructed once at
// startup and injected where needed.
type App struct {
	Config     *config.Config
	DB         *sql.DB
	Queue      *queue.Queue
	Audit      *audit.Log
	Broker     broker.Client
	Dispatcher *dispatch.Dispatcher
	Consumer   *queue.Consumer

	limiter   *resilience.RateLimiter
	readiness *readiness
	log       *zap.SugaredLogger
}

// NewApp wires the full application from configuration. The broker client is
// the dry-run implementation unless live execution is explicitly enabled.
func NewApp(ctx context.Context, cfg *config.Config) (*App, error) {
	conn, err := db.Open(cfg.Queue.Path, logger.Logger)
	if err != nil {
		return nil, errors.Wrap(err, "opening signal store")
	}
	if err := db.Migrate(conn, logger.Logger); err != nil {
		conn.Close()
		return nil, errors.Wrap(err, "migrating signal store")
	}

	calendar, err := market.NewCalendar(cfg.Calendar)
	if err != nil {
		conn.Close()
		return nil, errors.Wrap(err, "building market calendar")
	}

	var brokerClient broker.Client
	if cfg.Broker.LiveExecution {
		brokerClient = broker.NewHTTPClient(cfg.Broker)
		logger.Warnw("live broker execution enabled")
	} else {
		brokerClient = broker.NewDryRunClient()
		logger.Infow("dry run mode: orders are logged, never sent")
	}

	q := queue.NewQueue(conn)
	auditLog := audit.NewLog(conn)
	sink := notify.NewSink(cfg.Notify)

	retry := resilience.RetryPolicy{
		MaxAttempts:     cfg.Resilience.RetryMaxAttempts,
		InitialDelay:    time.Duration(cfg.Resilience.RetryInitialDelayMS) * time.Millisecond,
		ExponentialBase: cfg.Resilience.RetryExponentialBase,
		MaxDelay:        time.Duration(cfg.Resilience.RetryMaxDelayMS) * time.Millisecond,
	}
	breaker := resilience.NewCircuitBreaker("broker",
		cfg.Resilience.BreakerFailureThreshold,
		time.Duration(cfg.Resilience.BreakerResetSeconds)*time.Second)

	dispatcher := dispatch.NewDispatcher(dispatch.Options{
		Auth:     webhook.NewAuthenticator(cfg.Webhook.Secret, cfg.Webhook.SigningSecret, cfg.Webhook.RequireSignature),
		Calendar: calendar,
		Queue:    q,
		Broker:   brokerClient,
		Audit:    auditLog,
		Notify:   sink,
		Retry:    retry,
		Breaker:  breaker,
		AMOSlot:  market.AMOSlot(cfg.Calendar.AMOSlot),
		DryRun:   !cfg.Broker.LiveExecution,
	})

	consumer := queue.NewConsumer(ctx, q, dispatcher.ReplaySignal, dispatcher.Gate, queue.ConsumerConfig{
		PollInterval: time.Duration(cfg.Queue.PollIntervalSeconds) * time.Second,
		BatchSize:    cfg.Queue.BatchSize,
		StuckTimeout: time.Duration(cfg.Queue.StuckTimeoutMinutes) * time.Minute,
	})

	return &App{
		Config:     cfg,
		DB:         conn,
		Queue:      q,
		Audit:      auditLog,
		Broker:     brokerClient,
		Dispatcher: dispatcher,
		Consumer:   consumer,
		limiter: resilience.NewRateLimiter(
			cfg.Webhook.RateLimitMax,
			time.Duration(cfg.Webhook.RateLimitWindowS)*time.Second),
		readiness: newReadiness(brokerClient),
		log:       logger.ComponentLogger("server"),
	}, nil
}

// Close releases the App's resources.
func (a *App) Close() error {
	return a.DB.Close()
}

// Server runs the HTTP listener and the App's background loops.
type Server struct {
	app        *App
	httpServer *http.Server
	probeStop  context.CancelFunc
	probeDone  sync.WaitGroup
}

func NewServer(app *App) *Server {
	mux := http.NewServeMux()
	s := &Server{app: app}
	s.routes(mux)

	s.httpServer = &http.Server{
		Addr:              fmt.Sprintf("%s:%d", app.Config.Server.Host, app.Config.Server.Port),
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}
	return s
}

// Start launches the consumer, the readiness probe, and the listener.
// Blocks until the listener stops.
func (s *Server) Start() error {
	if err := s.app.Consumer.Start(); err != nil {
		return err
	}

	probeCtx, cancel := context.WithCancel(context.Background())
	s.probeStop = cancel
	interval := time.Duration(s.app.Config.Server.HealthIntervalSeconds) * time.Second
	s.probeDone.Add(1)
	go func() {
		defer s.probeDone.Done()
		s.app.readiness.run(probeCtx, interval)
	}()

	s.app.log.Infow("listening", "addr", s.httpServer.Addr)
	err := s.httpServer.ListenAndServe()
	if errors.Is(err, http.ErrServerClosed) {
		return nil
	}
	return errors.Wrap(err, "http listener failed")
}

// Shutdown stops the listener, the probe, and the consumer, in that order,
// so no new work arrives while in-flight dispatches finish.
func (s *Server) Shutdown(ctx context.Context) error {
	err := s.httpServer.Shutdown(ctx)
	if s.probeStop != nil {
		s.probeStop()
		s.probeDone.Wait()
	}
	s.app.Consumer.Stop()
	return err
}

// readiness tracks whether the broker credential is currently usable.
// Liveness (/health) is process-up; readiness (/ready) is can-trade.
type readiness struct {
	broker broker.Client

	mu        sync.RWMutex
	credOK    bool
	credErr   string
	checkedAt time.Time
}

func newReadiness(b broker.Client) *readiness {
	return &readiness{broker: b}
}

func (r *readiness) run(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = 60 * time.Second
	}
	r.probe(ctx)

	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			r.probe(ctx)
		}
	}
}

func (r *readiness) probe(ctx context.Context) {
	probeCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	err := r.broker.ValidateCredential(probeCtx)

	r.mu.Lock()
	defer r.mu.Unlock()
	r.checkedAt = time.Now()
	if err != nil {
		if r.credOK || r.credErr == "" {
			logger.Warnw("broker credential check failed", logger.FieldError, err)
		}
		r.credOK = false
		r.credErr = err.Error()
		return
	}
	r.credOK = true
	r.credErr = ""
}

type readinessSnapshot struct {
	Ready  bool                     `json:"ready"`
	Checks map[string]readinessItem `json:"checks"`
}

type readinessItem struct {
	Healthy   bool   `json:"healthy"`
	Error     string `json:"error,omitempty"`
	CheckedAt string `json:"checked_at,omitempty"`
}

func (r *readiness) snapshot() readinessSnapshot {
	r.mu.RLock()
	defer r.mu.RUnlock()

	brokerCheck := readinessItem{Healthy: r.credOK, Error: r.credErr}
	if !r.checkedAt.IsZero() {
		brokerCheck.CheckedAt = r.checkedAt.UTC().Format(time.RFC3339)
	} else {
		brokerCheck.Healthy = false
		brokerCheck.Error = "credential not yet checked"
	}

	return readinessSnapshot{
		Ready:  brokerCheck.Healthy,
		Checks: map[string]readinessItem{"broker_credential": brokerCheck},
	}
}
