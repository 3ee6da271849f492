// Package poller fetches availability sources on a schedule and turns their
// responses into observations.
package poller

import (
	"context"
	"fmt"
	"iter"
	"math/rand/v2"
	"net/http"
	"time"

	"github.com/robfig/cron/v3"
	"golang.org/x/time/rate"

	"stockwatch/internal/config"
	"stockwatch/internal/logging"
	"stockwatch/internal/models"
)

const (
	// maxConsecutiveFailures failed cycles in a row stretch the next wait.
	maxConsecutiveFailures = 5
	failureBackoffFactor   = 5

	defaultUserAgent = "Mozilla/5.0 (X11; Linux x86_64) stockwatch/1.0"
)

// Poller polls one source for the products it reports on.
type Poller struct {
	src      config.Source
	products []config.Product
	parser   Parser
	client   *http.Client
	limiter  *rate.Limiter
	schedule cron.Schedule
	logger   *logging.Logger
	now      func() time.Time

	failures int
}

// New builds a poller. The HTTP client and rate limiter are created once and
// reused across cycles.
func New(src config.Source, products []config.Product, logger *logging.Logger) (*Poller, error) {
	parser, err := NewParser(src.Type)
	if err != nil {
		return nil, fmt.Errorf("%w: source %q: %v", models.ErrConfiguration, src.ID, err)
	}
	sched, err := newSchedule(src)
	if err != nil {
		return nil, fmt.Errorf("%w: source %q: %v", models.ErrConfiguration, src.ID, err)
	}

	requests := max(src.RateLimit.Requests, 1)
	window := src.RateLimit.Window
	if window <= 0 {
		window = config.DefaultRateWindow
	}
	timeout := src.Timeout
	if timeout <= 0 {
		timeout = config.DefaultSourceTimeout
	}

	return &Poller{
		src:      src,
		products: products,
		parser:   parser,
		client: &http.Client{
			Transport: &headerRoundTripper{base: http.DefaultTransport, headers: src.Headers},
			Timeout:   timeout,
		},
		// Burst 1 spaces requests evenly, so no rolling window holds more than
		// the configured count.
		limiter:  rate.NewLimiter(rate.Every(window/time.Duration(requests)), 1),
		schedule: sched,
		logger:   logger,
		now:      time.Now,
	}, nil
}

// ID returns the source identifier.
func (p *Poller) ID() string { return p.src.ID }

// Poll performs one fetch and returns the observations it produced. Transport
// failures and non-200 responses wrap models.ErrSourceUnavailable; malformed
// documents wrap models.ErrParse. A failed poll never yields observations.
func (p *Poller) Poll(ctx context.Context) (iter.Seq[models.AvailabilityObservation], error) {
	if err := p.limiter.Wait(ctx); err != nil {
		return nil, fmt.Errorf("%w: %s: rate limit: %v", models.ErrSourceUnavailable, p.src.ID, err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, p.src.Endpoint, nil)
	if err != nil {
		return nil, fmt.Errorf("%w: %s: build request: %v", models.ErrSourceUnavailable, p.src.ID, err)
	}
	resp, err := p.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%w: %s: %v", models.ErrSourceUnavailable, p.src.ID, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("%w: %s: unexpected status %d", models.ErrSourceUnavailable, p.src.ID, resp.StatusCode)
	}

	seq, err := p.parser.Parse(resp.Body, p.src, p.products, p.now())
	if err != nil {
		return nil, fmt.Errorf("%w: %s: %v", models.ErrParse, p.src.ID, err)
	}
	return seq, nil
}

// Run polls until ctx is cancelled, handing every observation to sink in
// source order.
func (p *Poller) Run(ctx context.Context, sink func(models.AvailabilityObservation)) {
	p.logger.Infof("Poller %s started (%s, %d products)", p.src.ID, p.src.Type, len(p.products))
	for {
		p.cycle(ctx, sink)

		timer := time.NewTimer(p.nextDelay(p.now()))
		select {
		case <-ctx.Done():
			timer.Stop()
			p.logger.Infof("Poller %s stopped", p.src.ID)
			return
		case <-timer.C:
		}
	}
}

func (p *Poller) cycle(ctx context.Context, sink func(models.AvailabilityObservation)) {
	seq, err := p.Poll(ctx)
	if err != nil {
		if ctx.Err() != nil {
			return
		}
		p.failures++
		p.logger.WithField("source", p.src.ID).
			WithField("consecutive_failures", p.failures).
			Warnf("Poll failed: %v", err)
		return
	}
	p.failures = 0

	n := 0
	for o := range seq {
		sink(o)
		n++
	}
	p.logger.WithField("source", p.src.ID).Debugf("Poll produced %d observations", n)
}

// nextDelay returns the wait before the next cycle. After
// maxConsecutiveFailures failed cycles the wait is multiplied once and the
// failure count resets.
func (p *Poller) nextDelay(now time.Time) time.Duration {
	d := p.schedule.Next(now).Sub(now)
	if d < 0 {
		d = 0
	}
	if p.failures >= maxConsecutiveFailures {
		d *= failureBackoffFactor
		p.logger.WithField("source", p.src.ID).
			Errorf("%d consecutive failures, backing off for %s", p.failures, d)
		p.failures = 0
	}
	return d
}

// intervalSchedule fires every interval plus up to jitter.
type intervalSchedule struct {
	interval time.Duration
	jitter   time.Duration
}

func (s intervalSchedule) Next(t time.Time) time.Time {
	d := s.interval
	if s.jitter > 0 {
		d += rand.N(s.jitter)
	}
	return t.Add(d)
}

func newSchedule(src config.Source) (cron.Schedule, error) {
	if src.Schedule != "" {
		sched, err := cron.ParseStandard(src.Schedule)
		if err != nil {
			return nil, fmt.Errorf("invalid schedule %q: %w", src.Schedule, err)
		}
		return sched, nil
	}
	interval := src.Interval
	if interval <= 0 {
		interval = config.DefaultPollInterval
	}
	return intervalSchedule{interval: interval, jitter: src.Jitter}, nil
}

// headerRoundTripper sets the source's configured headers on every request.
type headerRoundTripper struct {
	base    http.RoundTripper
	headers map[string]string
}

func (t *headerRoundTripper) RoundTrip(req *http.Request) (*http.Response, error) {
	req = req.Clone(req.Context())
	for k, v := range t.headers {
		req.Header.Set(k, v)
	}
	if req.Header.Get("User-Agent") == "" {
		req.Header.Set("User-Agent", defaultUserAgent)
	}
	return t.base.RoundTrip(req)
}
