package dispatch

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"github.com/ownai/ownai/internal/progress"
	"github.com/ownai/ownai/internal/telemetry"
)

// DefaultTick is the interval between synthetic progress reports.
const DefaultTick = time.Second

// RateEstimator converts prompt length to expected seconds and learns from
// measured generations. *chaincache.Cache implements it under its lock.
type RateEstimator interface {
	EstimateSeconds(words int) int
	UpdateRate(words, secondsElapsed int)
}

// Dispatcher runs jobs on a Backend and pumps their events to callbacks.
type Dispatcher struct {
	backend Backend
	rates   RateEstimator
	logger  *slog.Logger
	tick    time.Duration
	now     func() time.Time

	runs     metric.Int64Counter
	duration metric.Float64Histogram
	tokens   metric.Int64Counter
}

// Option configures a Dispatcher.
type Option func(*Dispatcher)

// WithTick sets the progress tick interval.
func WithTick(d time.Duration) Option {
	return func(x *Dispatcher) {
		if d > 0 {
			x.tick = d
		}
	}
}

// WithClock replaces time.Now for elapsed-time measurement.
func WithClock(now func() time.Time) Option {
	return func(x *Dispatcher) { x.now = now }
}

// New creates a Dispatcher.
func New(backend Backend, rates RateEstimator, logger *slog.Logger, opts ...Option) *Dispatcher {
	d := &Dispatcher{
		backend: backend,
		rates:   rates,
		logger:  logger,
		tick:    DefaultTick,
		now:     time.Now,
	}
	for _, opt := range opts {
		opt(d)
	}

	meter := telemetry.Meter("ownai/dispatch")
	d.runs, _ = meter.Int64Counter("ownai.dispatch.runs",
		metric.WithDescription("Pipeline invocations by final status"))
	d.duration, _ = meter.Float64Histogram("ownai.dispatch.duration_ms",
		metric.WithDescription("Wall time of pipeline invocations"),
		metric.WithUnit("ms"))
	d.tokens, _ = meter.Int64Counter("ownai.dispatch.tokens",
		metric.WithDescription("Tokens relayed to callers"))
	return d
}

// Backend returns the execution backend in use.
func (d *Dispatcher) Backend() Backend { return d.backend }

// run states.
type state int

const (
	stateDispatched state = iota
	stateStreaming
	stateCompleted
	stateFailed
)

// Run starts job on the backend and blocks until it completes. onToken and
// onProgress are called on the calling goroutine only; either may be nil.
//
// While a prompt is known and its first token has not arrived, every tick
// with passed < estimated seconds reports Percent(passed, estimated), where
// passed counts from dispatch like the rate measurement does. The
// first token, or Done when no token came, records one rate measurement.
//
// A worker that ends without Done fails with ErrWorkerFailed wrapping the
// cause. Cancelling ctx stops the worker and returns ctx.Err().
func (d *Dispatcher) Run(ctx context.Context, job Job, onToken func(string), onProgress func(int)) (string, error) {
	if onToken == nil {
		onToken = func(string) {}
	}
	if onProgress == nil {
		onProgress = func(int) {}
	}

	start := d.now()
	status := stateFailed
	var tokens int64
	defer func() {
		attrs := metric.WithAttributes(
			attribute.String("status", statusLabel(status)),
			attribute.String("backend", d.backend.Name()),
		)
		d.runs.Add(ctx, 1, attrs)
		d.duration.Record(ctx, float64(d.now().Sub(start).Milliseconds()), attrs)
		d.tokens.Add(ctx, tokens)
	}()

	w, err := d.backend.Start(ctx, job)
	if err != nil {
		return "", fmt.Errorf("%w: %w", ErrWorkerFailed, err)
	}
	defer w.Stop()

	ticker := time.NewTicker(d.tick)
	defer ticker.Stop()

	var (
		st        = stateDispatched
		prompted  bool
		measured  bool
		words     int
		estimated int
	)
	measure := func() {
		if prompted && !measured {
			measured = true
			d.rates.UpdateRate(words, int(d.now().Sub(start).Seconds()))
		}
	}

	events := w.Events()
	for {
		select {
		case ev, ok := <-events:
			if !ok {
				cause := w.Err()
				if cause == nil {
					cause = errors.New("event stream closed before done")
				}
				d.logger.Warn("dispatch: worker failed",
					"pipeline_id", job.Entry.ID,
					"backend", d.backend.Name(),
					"error", cause,
				)
				return "", fmt.Errorf("%w: %w", ErrWorkerFailed, cause)
			}

			switch ev.Kind {
			case KindPrompt:
				if prompted {
					d.logger.Debug("dispatch: ignoring repeated prompt event", "pipeline_id", job.Entry.ID)
					continue
				}
				prompted = true
				words = progress.CountWords(ev.Prompts)
				estimated = d.rates.EstimateSeconds(words)
				st = stateStreaming

			case KindToken:
				measure()
				tokens++
				st = stateStreaming
				onToken(ev.Text)

			case KindDone:
				measure()
				st = stateCompleted
				status = st
				d.logger.Debug("dispatch: run completed",
					"pipeline_id", job.Entry.ID,
					"words", words,
					"estimated_s", estimated,
					"tokens", tokens,
					"duration_ms", d.now().Sub(start).Milliseconds(),
				)
				return ev.Text, nil

			default:
				d.logger.Warn("dispatch: unknown event kind", "kind", ev.Kind)
			}

		case <-ticker.C:
			if st != stateStreaming || !prompted || measured {
				continue
			}
			// Same clock as the rate measurement: worker startup counts.
			passed := int(d.now().Sub(start).Seconds())
			if passed < estimated {
				onProgress(progress.Percent(passed, estimated))
			}

		case <-ctx.Done():
			return "", ctx.Err()
		}
	}
}

func statusLabel(s state) string {
	switch s {
	case stateCompleted:
		return "done"
	case stateFailed:
		return "error"
	}
	return "running"
}
