package notifier

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/example/slot-backfill/internal/messagelog"
	"github.com/example/slot-backfill/internal/metrics"
)

// Sender delivers one text and returns the provider's message handle.
type Sender interface {
	Send(ctx context.Context, to, body string) (string, error)
}

// FailureHandler is told when an offer message could not be delivered.
type FailureHandler interface {
	HandleSendFailure(ctx context.Context, offerID string) error
}

// Limiter caps outbound volume. Allow reports whether one more send fits in
// the window for key.
type Limiter interface {
	Allow(ctx context.Context, key string, limit int, window time.Duration) bool
}

var (
	ErrQueueFull   = errors.New("notifier: queue full")
	ErrRateLimited = errors.New("notifier: outbound rate limit reached")
)

// PermanentError marks a send failure that retrying cannot fix (bad number,
// opted out at the carrier).
type PermanentError struct{ Err error }

func (e *PermanentError) Error() string { return "permanent: " + e.Err.Error() }
func (e *PermanentError) Unwrap() error { return e.Err }

type Config struct {
	Workers    int
	QueueSize  int
	Attempts   int
	RetryDelay time.Duration
	MaxPerHour int
	From       string
}

// Dispatcher queues notices and delivers them on a worker pool. Notify never
// blocks the caller.
type Dispatcher struct {
	cfg       Config
	sender    Sender
	templates Templates
	log       messagelog.Store
	limiter   Limiter
	metrics   *metrics.Metrics
	logger    *slog.Logger

	mu        sync.RWMutex
	onFailure FailureHandler

	queue chan Notice
	wg    sync.WaitGroup
}

func NewDispatcher(cfg Config, sender Sender, templates Templates, log messagelog.Store, limiter Limiter, m *metrics.Metrics, logger *slog.Logger) *Dispatcher {
	if cfg.Workers < 1 {
		cfg.Workers = 1
	}
	if cfg.QueueSize < 1 {
		cfg.QueueSize = 1024
	}
	if cfg.Attempts < 1 {
		cfg.Attempts = 3
	}
	if cfg.RetryDelay <= 0 {
		cfg.RetryDelay = 500 * time.Millisecond
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Dispatcher{
		cfg:       cfg,
		sender:    sender,
		templates: templates,
		log:       log,
		limiter:   limiter,
		metrics:   m,
		logger:    logger.With("component", "notifier"),
		queue:     make(chan Notice, cfg.QueueSize),
	}
}

// OnFailure sets the handler told about undeliverable offer messages.
func (d *Dispatcher) OnFailure(h FailureHandler) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.onFailure = h
}

func (d *Dispatcher) failureHandler() FailureHandler {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.onFailure
}

// Notify enqueues n. A full queue fails the notice immediately.
func (d *Dispatcher) Notify(ctx context.Context, n Notice) {
	select {
	case d.queue <- n:
		d.metrics.Queue(len(d.queue))
	default:
		d.logger.Error("queue full, dropping notice", "kind", n.Kind, "offer_id", n.OfferID)
		d.metrics.Message(string(n.Kind), "dropped")
		go d.fail(context.WithoutCancel(ctx), n, ErrQueueFull)
	}
}

// Run starts the workers and blocks until ctx is done and they have drained.
func (d *Dispatcher) Run(ctx context.Context) error {
	for i := 0; i < d.cfg.Workers; i++ {
		d.wg.Add(1)
		go func() {
			defer d.wg.Done()
			d.worker(ctx)
		}()
	}
	<-ctx.Done()
	d.wg.Wait()
	return ctx.Err()
}

func (d *Dispatcher) worker(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case n := <-d.queue:
			d.metrics.Queue(len(d.queue))
			d.Deliver(ctx, n)
		}
	}
}

// Deliver sends n synchronously with retry, records it, and reports a final
// failure of an offer message to the failure handler.
func (d *Dispatcher) Deliver(ctx context.Context, n Notice) {
	body := d.templates.Render(n)
	sid, err := d.send(ctx, n.To, body)

	entry := messagelog.Entry{
		OfferID:     n.OfferID,
		Direction:   messagelog.Outbound,
		From:        d.cfg.From,
		To:          n.To,
		Body:        body,
		ProviderSID: sid,
		Status:      messagelog.StatusQueued,
	}
	if err != nil {
		entry.Status = messagelog.StatusFailed
		entry.ErrorMessage = err.Error()
	}
	if d.log != nil {
		if _, lerr := d.log.Record(context.WithoutCancel(ctx), entry); lerr != nil {
			d.logger.Error("record outbound message", "offer_id", n.OfferID, "err", lerr)
		}
	}

	if err != nil {
		d.metrics.Message(string(n.Kind), "failed")
		if ctx.Err() != nil {
			// shutting down; the hold timer resolves the offer
			d.logger.Warn("send abandoned on shutdown", "offer_id", n.OfferID, "err", err)
			return
		}
		d.fail(ctx, n, err)
		return
	}
	d.metrics.Message(string(n.Kind), "sent")
	d.logger.Debug("message sent", "kind", n.Kind, "offer_id", n.OfferID, "sid", sid)
}

func (d *Dispatcher) send(ctx context.Context, to, body string) (string, error) {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = d.cfg.RetryDelay
	b.MaxElapsedTime = 0

	var sid string
	op := func() error {
		if d.limiter != nil && d.cfg.MaxPerHour > 0 && !d.limiter.Allow(ctx, "sms:outbound", d.cfg.MaxPerHour, time.Hour) {
			d.metrics.Limited("outbound")
			return ErrRateLimited
		}
		d.metrics.Attempt()
		var err error
		sid, err = d.sender.Send(ctx, to, body)
		var perm *PermanentError
		if errors.As(err, &perm) {
			return backoff.Permanent(err)
		}
		return err
	}
	err := backoff.Retry(op, backoff.WithContext(backoff.WithMaxRetries(b, uint64(d.cfg.Attempts-1)), ctx))
	if err != nil {
		return "", fmt.Errorf("send to %s: %w", to, err)
	}
	return sid, nil
}

func (d *Dispatcher) fail(ctx context.Context, n Notice, cause error) {
	d.logger.Warn("message undeliverable", "kind", n.Kind, "offer_id", n.OfferID, "err", cause)
	if n.Kind != KindOffer || n.OfferID == "" {
		return
	}
	h := d.failureHandler()
	if h == nil {
		return
	}
	if err := h.HandleSendFailure(ctx, n.OfferID); err != nil {
		d.logger.Error("handle send failure", "offer_id", n.OfferID, "err", err)
	}
}

// Direct delivers each notice synchronously on the caller's goroutine. It
// suits one-shot processes such as the CLI that exit before a worker pool
// would drain.
type Direct struct {
	D *Dispatcher
}

func (n Direct) Notify(ctx context.Context, notice Notice) {
	n.D.Deliver(ctx, notice)
}
