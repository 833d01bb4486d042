package health

import (
	"context"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/microserviceframe/reverse-proxy/internal/domain"
	"github.com/microserviceframe/reverse-proxy/pkg/logger"
)

const (
	defaultInterval        = 30 * time.Second
	defaultTimeout         = 5 * time.Second
	defaultMaxConcurrent   = 4
	defaultStopGracePeriod = 10 * time.Second
)

// Prober runs the active health-check loop for one backend. Each cycle
// probes every destination concurrently, bounded by a per-backend
// semaphore and paced by a rate limiter so a large backend cannot
// thundering-herd its own destinations.
type Prober struct {
	backend *domain.Backend
	log     *logger.Logger

	transport func(name string) (domain.ProbeTransport, bool)

	cancel context.CancelFunc
	reload chan struct{}
	done   chan struct{}
}

func newProber(b *domain.Backend, transport func(string) (domain.ProbeTransport, bool), log *logger.Logger) *Prober {
	return &Prober{
		backend:   b,
		log:       log.ProberLogger(b.ID),
		transport: transport,
		reload:    make(chan struct{}, 1),
		done:      make(chan struct{}),
	}
}

// Start launches the probe loop in its own goroutine.
func (p *Prober) Start(parent context.Context) {
	ctx, cancel := context.WithCancel(parent)
	p.cancel = cancel
	go p.run(ctx)
	p.log.Info("Prober started")
}

// Reload makes the loop pick up the backend's current config before the
// next tick. Safe to call from the topology path.
func (p *Prober) Reload() {
	select {
	case p.reload <- struct{}{}:
	default:
	}
}

// Stop cancels the loop and waits for the in-flight cycle to drain, up
// to the grace period. A hung probe never blocks backend removal beyond
// that bound. Stopping a prober that was never started returns
// immediately; done is only ever closed by the loop.
func (p *Prober) Stop(grace time.Duration) {
	if p.cancel == nil {
		return
	}
	p.cancel()
	if grace <= 0 {
		grace = defaultStopGracePeriod
	}
	select {
	case <-p.done:
		p.log.Info("Prober stopped")
	case <-time.After(grace):
		p.log.Warn("Prober stop grace period elapsed, abandoning in-flight probes")
	}
}

func (p *Prober) run(ctx context.Context) {
	defer close(p.done)

	opts := p.options()
	ticker := time.NewTicker(opts.Interval)
	defer ticker.Stop()

	p.runCycle(ctx, opts)

	for {
		select {
		case <-ctx.Done():
			return
		case <-p.reload:
			previous := opts.Interval
			opts = p.options()
			if opts.Interval != previous {
				ticker.Reset(opts.Interval)
			}
			p.log.WithField("interval", opts.Interval.String()).Info("Prober config reloaded")
		case <-ticker.C:
			opts = p.options()
			p.runCycle(ctx, opts)
		}
	}
}

// options normalizes the backend's current health-check settings.
func (p *Prober) options() domain.HealthCheckOptions {
	opts := p.backend.Config().HealthCheck
	if opts.Interval <= 0 {
		opts.Interval = defaultInterval
	}
	if opts.Timeout <= 0 {
		opts.Timeout = defaultTimeout
	}
	if opts.MaxConcurrentProbes <= 0 {
		opts.MaxConcurrentProbes = defaultMaxConcurrent
	}
	return opts
}

// runCycle probes every destination in the current snapshot once.
func (p *Prober) runCycle(ctx context.Context, opts domain.HealthCheckOptions) {
	transport, ok := p.transport(opts.Transport)
	if !ok {
		// The binder refuses unknown transports; this only triggers if a
		// transport was unregistered at runtime.
		p.log.WithField("transport", opts.Transport).Error("Probe transport not available, skipping cycle")
		return
	}

	var limiter *rate.Limiter
	if opts.ProbesPerSecond > 0 {
		limiter = rate.NewLimiter(rate.Limit(opts.ProbesPerSecond), 1)
	}

	snapshot := p.backend.Snapshot()
	sem := make(chan struct{}, opts.MaxConcurrentProbes)
	var wg sync.WaitGroup

	for i := 0; i < snapshot.Len(); i++ {
		if limiter != nil {
			if err := limiter.Wait(ctx); err != nil {
				break
			}
		}
		select {
		case <-ctx.Done():
			wg.Wait()
			return
		case sem <- struct{}{}:
		}

		wg.Add(1)
		go func(d *domain.Destination) {
			defer wg.Done()
			defer func() { <-sem }()
			p.probeOne(ctx, transport, d, opts)
		}(snapshot.At(i))
	}
	wg.Wait()
}

// probeOne issues one probe and folds the outcome into the destination's
// hysteresis. A failing or panicking probe never takes the loop down.
func (p *Prober) probeOne(ctx context.Context, transport domain.ProbeTransport, d *domain.Destination, opts domain.HealthCheckOptions) {
	defer func() {
		if r := recover(); r != nil {
			p.log.WithField("destination_id", d.ID).
				WithField("panic", r).
				Error("Probe panicked")
		}
	}()

	probeCtx, cancel := context.WithTimeout(ctx, opts.Timeout)
	defer cancel()

	err := transport.Probe(probeCtx, d, opts)
	state, changed := d.RecordProbe(err == nil, opts.HealthyThreshold, opts.UnhealthyThreshold)

	log := p.log.WithField("destination_id", d.ID)
	if err != nil {
		log = log.WithError(err)
	}
	if changed {
		// State-change events only on actual transitions, not per probe.
		log.WithField("health_state", state.String()).Info("Destination health state changed")
	} else if err != nil {
		log.Debug("Probe failed")
	}
}
