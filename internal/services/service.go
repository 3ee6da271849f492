// Package services runs the watch pipeline: pollers and the Kafka consumer
// feed observations to the tracker, and the transitions that pass the
// debounce filter are handed to the dispatcher.
package services

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/sirupsen/logrus"

	"stockwatch/internal/config"
	"stockwatch/internal/logging"
	"stockwatch/internal/models"
	"stockwatch/internal/notification"
	"stockwatch/internal/poller"
	"stockwatch/internal/tracker"
)

// Dispatcher delivers transitions. *notification.Service satisfies it.
type Dispatcher interface {
	Enqueue(ctx context.Context, tr models.Transition) error
	Dispatch(ctx context.Context, tr models.Transition) []models.DeliveryReceipt
}

// CheckResult summarises one pass over every source.
type CheckResult struct {
	Sources      int      `json:"sources"`
	Observations int      `json:"observations"`
	Transitions  int      `json:"transitions"`
	Alerts       int      `json:"alerts"`
	Failed       []string `json:"failed_sources,omitempty"`
}

// Service wires sources, tracker and dispatcher together.
type Service struct {
	pollers    []*poller.Poller
	tracker    *tracker.Tracker
	dispatcher Dispatcher
	logger     *logging.Logger

	ctx     context.Context
	cancel  context.CancelFunc
	running atomic.Bool
	// checkMu serialises CheckOnce runs.
	checkMu sync.Mutex
}

// New builds one poller per configured source.
func New(cfg *config.Config, trk *tracker.Tracker, dispatcher Dispatcher, logger *logging.Logger) (*Service, error) {
	ctx, cancel := context.WithCancel(context.Background())
	s := &Service{
		tracker:    trk,
		dispatcher: dispatcher,
		logger:     logger,
		ctx:        ctx,
		cancel:     cancel,
	}
	for _, src := range cfg.Sources {
		p, err := poller.New(src, cfg.ProductsFor(src), logger)
		if err != nil {
			cancel()
			return nil, err
		}
		s.pollers = append(s.pollers, p)
	}
	return s, nil
}

// Logger exposes the Service's logger
func (s *Service) Logger() *logging.Logger {
	return s.logger
}

// TrackerConfig maps the tracker section of the service configuration.
func TrackerConfig(c config.TrackerConfig) tracker.Config {
	return tracker.Config{
		Confirmations:      c.Confirmations,
		ConfirmationWindow: c.ConfirmationWindow,
		PriceDropPct:       c.PriceDropPct,
		Cooldown:           c.Cooldown,
	}
}

// Start launches one goroutine per source. Transitions are queued on the
// dispatcher from then on.
func (s *Service) Start(wg *sync.WaitGroup) {
	s.running.Store(true)
	for _, p := range s.pollers {
		wg.Add(1)
		go func(p *poller.Poller) {
			defer wg.Done()
			s.logger.Infof("Polling source %s", p.ID())
			p.Run(s.ctx, s.Ingest)
			s.logger.Infof("Source %s stopped", p.ID())
		}(p)
	}
}

// Stop cancels the pollers. Queued alerts are drained by the dispatcher's
// own Stop.
func (s *Service) Stop() {
	s.cancel()
}

// Ingest feeds one observation into the tracker and queues the alert it
// produces, if any. It is the sink for pollers and the Kafka consumer.
func (s *Service) Ingest(obs models.AvailabilityObservation) {
	s.ingest(s.ctx, obs)
}

// ingest reports whether an alert was handed to the dispatcher.
func (s *Service) ingest(ctx context.Context, obs models.AvailabilityObservation) (*models.Transition, bool) {
	tr, decision := s.tracker.Observe(obs)
	if tr == nil {
		return nil, false
	}
	if !decision.Allowed {
		s.logger.WithFields(logrus.Fields{
			"product": tr.Key.String(),
			"kind":    tr.Kind.String(),
			"outcome": "suppressed",
			"reason":  decision.Reason,
		}).Infof("Alert suppressed")
		return tr, false
	}

	if !s.running.Load() {
		s.dispatcher.Dispatch(ctx, *tr)
		return tr, true
	}
	if err := s.dispatcher.Enqueue(ctx, *tr); err != nil {
		s.logger.WithFields(logrus.Fields{
			"product": tr.Key.String(),
			"kind":    tr.Kind.String(),
			"outcome": "dropped",
		}).Errorf("Failed to queue alert: %v", err)
		s.tracker.RevertAlert(tr.Key, tr.Kind, tr.At)
		return tr, false
	}
	return tr, true
}

// CheckOnce polls every source once, concurrently, and processes what they
// return. Alerts are queued while the pipeline runs and delivered inline
// otherwise. The error joins the failures of every source that could not be
// read.
func (s *Service) CheckOnce(ctx context.Context) (CheckResult, error) {
	s.checkMu.Lock()
	defer s.checkMu.Unlock()

	res := CheckResult{Sources: len(s.pollers)}
	var (
		mu   sync.Mutex
		errs []error
		wg   sync.WaitGroup
	)
	for _, p := range s.pollers {
		wg.Add(1)
		go func(p *poller.Poller) {
			defer wg.Done()
			seq, err := p.Poll(ctx)
			if err != nil {
				s.logger.WithField("source", p.ID()).Warnf("Check failed: %v", err)
				mu.Lock()
				res.Failed = append(res.Failed, p.ID())
				errs = append(errs, fmt.Errorf("source %s: %w", p.ID(), err))
				mu.Unlock()
				return
			}
			for obs := range seq {
				tr, alerted := s.ingest(ctx, obs)
				mu.Lock()
				res.Observations++
				if tr != nil {
					res.Transitions++
				}
				if alerted {
					res.Alerts++
				}
				mu.Unlock()
			}
		}(p)
	}
	wg.Wait()
	return res, errors.Join(errs...)
}

// RevertFailed returns a dispatch hook that clears the cooldown mark of an
// alert no channel delivered, so the next transition is not suppressed.
func RevertFailed(trk *tracker.Tracker, logger *logging.Logger) notification.ResultFunc {
	return func(tr models.Transition, msg models.AlertMessage, receipts []models.DeliveryReceipt) {
		if len(receipts) == 0 {
			return
		}
		for _, r := range receipts {
			if r.Status != models.StatusFailed {
				return
			}
		}
		trk.RevertAlert(tr.Key, tr.Kind, tr.At)
		logger.WithFields(logrus.Fields{
			"alert_id": msg.AlertID(),
			"product":  tr.Key.String(),
			"kind":     tr.Kind.String(),
			"outcome":  "failed",
		}).Errorf("Alert failed on every channel")
	}
}
