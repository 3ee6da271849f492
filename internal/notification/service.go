package notification

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"stockwatch/internal/config"
	"stockwatch/internal/db"
	"stockwatch/internal/logging"
	"stockwatch/internal/models"
	"stockwatch/internal/providers"
	"stockwatch/internal/utils"
)

var (
	// ErrStopped is returned by Enqueue once Stop has been called.
	ErrStopped = errors.New("dispatcher stopped")
	// ErrUnknownChannel is returned by SendTest for an unconfigured channel.
	ErrUnknownChannel = errors.New("unknown channel")
)

// ledgerTimeout bounds ledger writes, which also run after shutdown cancel.
const ledgerTimeout = 5 * time.Second

// Config tunes delivery.
type Config struct {
	Workers     int
	QueueSize   int
	CallTimeout time.Duration
	Retry       utils.Backoff
	GracePeriod time.Duration
}

// ConfigFrom maps the dispatch section of the service configuration.
func ConfigFrom(c config.DispatchConfig) Config {
	return Config{
		Workers:     c.Workers,
		QueueSize:   c.QueueSize,
		CallTimeout: c.CallTimeout,
		Retry:       utils.Backoff{Base: c.Retry.Base, Max: c.Retry.Max, Attempts: c.Retry.Attempts},
		GracePeriod: c.GracePeriod,
	}
}

// Catalog resolves product names and pages for alert text.
type Catalog interface {
	Product(key models.ProductKey) (config.Product, bool)
}

// ResultFunc observes the receipts of every dispatch.
type ResultFunc func(tr models.Transition, msg models.AlertMessage, receipts []models.DeliveryReceipt)

// Option customises a Service.
type Option func(*Service)

// WithSleep replaces the retry wait, for tests.
func WithSleep(sleep utils.SleepFunc) Option { return func(s *Service) { s.sleep = sleep } }

// WithClock replaces time.Now.
func WithClock(now func() time.Time) Option { return func(s *Service) { s.now = now } }

// WithResultHook registers fn for dispatch results.
func WithResultHook(fn ResultFunc) Option { return func(s *Service) { s.onResult = fn } }

// Service converts transitions into alerts and fans them out to every
// enabled channel with per-channel retry.
type Service struct {
	channels []providers.Channel
	byID     map[string]providers.Channel
	ledger   db.Ledger
	catalog  Catalog
	logger   *logging.Logger
	cfg      Config
	sleep    utils.SleepFunc
	now      func() time.Time
	onResult ResultFunc

	// sem bounds concurrent channel calls across all alerts.
	sem   chan struct{}
	tasks chan models.Transition
	// quit closes intake. drain tells workers to empty the queue and exit,
	// once no Enqueue can still be sending.
	quit   chan struct{}
	drain  chan struct{}
	intake sync.RWMutex

	ctx      context.Context
	cancel   context.CancelFunc
	workers  sync.WaitGroup
	stopOnce sync.Once
}

// New constructs a dispatcher. A nil ledger keeps records in memory.
func New(channels []providers.Channel, ledger db.Ledger, catalog Catalog, logger *logging.Logger, cfg Config, opts ...Option) *Service {
	if ledger == nil {
		ledger = db.NewMemory()
	}
	cfg.Workers = max(cfg.Workers, 1)
	cfg.QueueSize = max(cfg.QueueSize, 1)
	if cfg.CallTimeout <= 0 {
		cfg.CallTimeout = config.DefaultCallTimeout
	}
	if cfg.GracePeriod <= 0 {
		cfg.GracePeriod = config.DefaultGracePeriod
	}

	ctx, cancel := context.WithCancel(context.Background())
	s := &Service{
		channels: channels,
		byID:     make(map[string]providers.Channel, len(channels)),
		ledger:   ledger,
		catalog:  catalog,
		logger:   logger,
		cfg:      cfg,
		sleep:    utils.Sleep,
		now:      time.Now,
		sem:      make(chan struct{}, cfg.Workers),
		tasks:    make(chan models.Transition, cfg.QueueSize),
		quit:     make(chan struct{}),
		drain:    make(chan struct{}),
		ctx:      ctx,
		cancel:   cancel,
	}
	for _, ch := range channels {
		s.byID[ch.ID()] = ch
	}
	for _, o := range opts {
		o(s)
	}
	return s
}

// Channels returns the enabled channels in configuration order.
func (s *Service) Channels() []providers.Channel { return s.channels }

// Ledger exposes the alert ledger to the API.
func (s *Service) Ledger() db.Ledger { return s.ledger }

// Start launches the queue workers.
func (s *Service) Start(wg *sync.WaitGroup) {
	for i := 0; i < s.cfg.Workers; i++ {
		wg.Add(1)
		s.workers.Add(1)
		go func(id int) {
			defer wg.Done()
			defer s.workers.Done()
			s.worker(id)
		}(i)
	}
}

// Enqueue queues a transition for dispatch. It blocks while the queue is
// full and never drops.
func (s *Service) Enqueue(ctx context.Context, tr models.Transition) error {
	s.intake.RLock()
	defer s.intake.RUnlock()
	select {
	case <-s.quit:
		return ErrStopped
	default:
	}
	select {
	case s.tasks <- tr:
		s.logger.Debugf("Queued %s for %s", tr.Kind, tr.Key)
		return nil
	case <-s.quit:
		return ErrStopped
	case <-ctx.Done():
		return ctx.Err()
	}
}

// worker processes queued transitions until Stop drains the queue.
func (s *Service) worker(id int) {
	for {
		select {
		case tr := <-s.tasks:
			s.handle(tr)
		case <-s.drain:
			for {
				select {
				case tr := <-s.tasks:
					s.handle(tr)
				default:
					s.logger.Infof("Worker %d stopped", id)
					return
				}
			}
		}
	}
}

func (s *Service) handle(tr models.Transition) {
	s.Dispatch(s.ctx, tr)
}

// Stop stops intake, lets queued and in-flight deliveries finish within
// grace, then cancels whatever remains. Cancelled deliveries are recorded as
// failed. A zero grace uses the configured grace period.
func (s *Service) Stop(grace time.Duration) {
	if grace <= 0 {
		grace = s.cfg.GracePeriod
	}
	s.stopOnce.Do(func() {
		close(s.quit)
		// Wait out Enqueue calls that passed the quit check.
		s.intake.Lock()
		close(s.drain)
		s.intake.Unlock()

		done := make(chan struct{})
		go func() {
			s.workers.Wait()
			close(done)
		}()
		select {
		case <-done:
		case <-time.After(grace):
			s.logger.Warnf("Grace period %s elapsed, cancelling in-flight deliveries", grace)
			s.cancel()
			<-done
		}
		s.cancel()

		for _, ch := range s.channels {
			closeChannel(ch)
		}
	})
}

func closeChannel(ch providers.Channel) {
	for {
		if c, ok := ch.(interface{ Close() }); ok {
			c.Close()
			return
		}
		u, ok := ch.(interface{ Unwrap() providers.Channel })
		if !ok {
			return
		}
		ch = u.Unwrap()
	}
}

// Dispatch builds one AlertMessage for tr, delivers it to every enabled
// channel concurrently, and returns once every channel reached a terminal
// receipt.
func (s *Service) Dispatch(ctx context.Context, tr models.Transition) []models.DeliveryReceipt {
	msg := s.newAlert(tr)
	receipts := s.deliverAll(ctx, msg, s.channels)
	if s.onResult != nil {
		s.onResult(tr, msg, receipts)
	}
	return receipts
}

// SendTest delivers a synthetic alert through one channel.
func (s *Service) SendTest(ctx context.Context, channelID string) (models.DeliveryReceipt, error) {
	ch, ok := s.byID[channelID]
	if !ok {
		return models.DeliveryReceipt{}, fmt.Errorf("%w: %s", ErrUnknownChannel, channelID)
	}
	now := s.now()
	msg := models.AlertMessage{
		ID:             uuid.New(),
		Key:            models.ProductKey{RetailerID: "stockwatch", ProductID: "test"},
		Kind:           models.BackInStock,
		Title:          "Test notification",
		Payload:        "This is a test alert from stockwatch. If you can read it, " + ch.Type() + " delivery works.",
		Priority:       models.PriorityHigh,
		IdempotencyKey: uuid.NewString(),
		CreatedAt:      now,
		TransitionAt:   now,
	}
	receipts := s.deliverAll(ctx, msg, []providers.Channel{ch})
	return receipts[0], nil
}

func (s *Service) deliverAll(ctx context.Context, msg models.AlertMessage, channels []providers.Channel) []models.DeliveryReceipt {
	s.saveAlert(msg)

	receipts := make([]models.DeliveryReceipt, len(channels))
	var wg sync.WaitGroup
	for i, ch := range channels {
		wg.Add(1)
		go func(i int, ch providers.Channel) {
			defer wg.Done()
			receipts[i] = s.deliver(ctx, ch, msg)
		}(i, ch)
	}
	wg.Wait()
	return receipts
}

// deliver runs the per-channel state machine:
// pending -> sending -> sent | retrying -> sending | failed.
func (s *Service) deliver(ctx context.Context, ch providers.Channel, msg models.AlertMessage) models.DeliveryReceipt {
	rec := models.DeliveryReceipt{AlertID: msg.AlertID(), ChannelID: ch.ID()}
	s.record(&rec, models.StatusPending, 0, nil)

	var ack models.Ack
	retrier := utils.Retrier{
		Backoff: s.cfg.Retry,
		Sleep:   s.sleep,
		OnRetry: func(attempt int, err error, wait time.Duration) {
			s.record(&rec, models.StatusRetrying, attempt, err)
			s.entry(msg, ch).WithField("attempt", attempt).
				Warnf("Delivery attempt failed, retrying in %s: %v", wait, err)
		},
	}
	attempts, err := retrier.Do(ctx, func(ctx context.Context, attempt int) error {
		s.record(&rec, models.StatusSending, attempt, nil)
		var err error
		ack, err = s.attempt(ctx, ch, msg)
		return err
	})

	if err != nil {
		s.record(&rec, models.StatusFailed, attempts, err)
		s.entry(msg, ch).WithFields(logrus.Fields{
			"attempts": attempts,
			"outcome":  "failed",
		}).Errorf("Alert delivery failed: %v", err)
		return rec
	}

	s.record(&rec, models.StatusSent, attempts, nil)
	s.entry(msg, ch).WithFields(logrus.Fields{
		"attempts":  attempts,
		"outcome":   "sent",
		"duplicate": ack.Duplicate,
		"reference": ack.Reference,
	}).Infof("Alert delivered")
	return rec
}

// attempt makes one bounded call. The call runs in its own goroutine so a
// channel that ignores ctx still cannot hold the attempt past CallTimeout.
func (s *Service) attempt(ctx context.Context, ch providers.Channel, msg models.AlertMessage) (models.Ack, error) {
	select {
	case s.sem <- struct{}{}:
	case <-ctx.Done():
		return models.Ack{}, fmt.Errorf("%w: %s: %w", models.ErrChannelDelivery, ch.ID(), ctx.Err())
	}
	defer func() { <-s.sem }()

	callCtx, cancel := context.WithTimeout(ctx, s.cfg.CallTimeout)
	defer cancel()

	type result struct {
		ack models.Ack
		err error
	}
	done := make(chan result, 1)
	go func() {
		defer func() {
			if p := recover(); p != nil {
				done <- result{err: fmt.Errorf("%w: %s: panic: %v", models.ErrChannelDelivery, ch.ID(), p)}
			}
		}()
		ack, err := ch.Send(callCtx, msg)
		done <- result{ack: ack, err: err}
	}()

	select {
	case r := <-done:
		return r.ack, r.err
	case <-callCtx.Done():
		if ctx.Err() != nil {
			return models.Ack{}, fmt.Errorf("%w: %s: %w", models.ErrChannelDelivery, ch.ID(), ctx.Err())
		}
		return models.Ack{}, fmt.Errorf("%w: %s: attempt timed out after %s", models.ErrChannelDelivery, ch.ID(), s.cfg.CallTimeout)
	}
}

func (s *Service) record(rec *models.DeliveryReceipt, status models.DeliveryStatus, attempts int, err error) {
	rec.Status = status
	rec.AttemptCount = attempts
	rec.LastError = ""
	if err != nil {
		rec.LastError = err.Error()
	}
	rec.UpdatedAt = s.now()

	ctx, cancel := context.WithTimeout(context.Background(), ledgerTimeout)
	defer cancel()
	if err := s.ledger.SaveReceipt(ctx, *rec); err != nil {
		s.logger.Errorf("Failed to record receipt %s/%s (%s): %v", rec.AlertID, rec.ChannelID, status, err)
	}
}

func (s *Service) saveAlert(msg models.AlertMessage) {
	ctx, cancel := context.WithTimeout(context.Background(), ledgerTimeout)
	defer cancel()
	if err := s.ledger.SaveAlert(ctx, msg); err != nil {
		s.logger.Errorf("Failed to record alert %s: %v", msg.AlertID(), err)
	}
}

func (s *Service) entry(msg models.AlertMessage, ch providers.Channel) *logrus.Entry {
	return s.logger.WithFields(logrus.Fields{
		"alert_id": msg.AlertID(),
		"channel":  ch.ID(),
		"product":  msg.Key.String(),
		"kind":     msg.Kind.String(),
	})
}
