package dispatch

import (
	"context"
	"runtime/debug"

	"github.com/ownai/ownai/internal/chaincache"
)

// Backend names.
const (
	BackendGoroutine = "goroutine"
	BackendProcess   = "process"
)

// Job is one invocation: a compiled pipeline, its assembled inputs, and the
// caller's secret overlay for backends that rebuild the pipeline.
type Job struct {
	Entry   *chaincache.Entry
	Inputs  map[string]string
	Overlay map[string]string
}

// Worker is a running invocation.
type Worker interface {
	// Events is closed when the worker has finished.
	Events() <-chan Event
	// Err reports why the worker failed. Valid after Events is closed;
	// nil when a Done event was delivered.
	Err() error
	// Stop abandons the worker. It is safe to call more than once and after
	// the worker has finished.
	Stop()
}

// Backend starts workers. It is chosen once at startup.
type Backend interface {
	Name() string
	Start(ctx context.Context, job Job) (Worker, error)
}

// GoroutineBackend runs the cached executable on a goroutine of the current
// process and relays its events over a buffered channel.
type GoroutineBackend struct {
	buffer int
}

// NewGoroutineBackend returns a backend whose event channels hold buffer
// events. A non-positive buffer defaults to 64.
func NewGoroutineBackend(buffer int) *GoroutineBackend {
	if buffer <= 0 {
		buffer = 64
	}
	return &GoroutineBackend{buffer: buffer}
}

// Name implements Backend.
func (b *GoroutineBackend) Name() string { return BackendGoroutine }

// Start implements Backend.
func (b *GoroutineBackend) Start(ctx context.Context, job Job) (Worker, error) {
	ctx, cancel := context.WithCancel(ctx)
	w := &goroutineWorker{
		events: make(chan Event, b.buffer),
		ctx:    ctx,
		cancel: cancel,
	}
	go w.run(job)
	return w, nil
}

type goroutineWorker struct {
	events chan Event
	ctx    context.Context
	cancel context.CancelFunc
	err    error
}

func (w *goroutineWorker) Events() <-chan Event { return w.events }

// Err is read only after events is closed; the close orders the write.
func (w *goroutineWorker) Err() error { return w.err }

func (w *goroutineWorker) Stop() { w.cancel() }

func (w *goroutineWorker) run(job Job) {
	defer close(w.events)
	defer w.cancel()
	defer func() {
		if r := recover(); r != nil {
			w.err = &PanicError{Value: r, Stack: debug.Stack()}
		}
	}()

	text, err := job.Entry.Executable.Invoke(w.ctx, job.Inputs, (*channelSink)(w))
	if err != nil {
		w.err = err
		return
	}
	w.send(DoneEvent(text))
}

func (w *goroutineWorker) send(e Event) {
	select {
	case w.events <- e:
	case <-w.ctx.Done():
	}
}

// channelSink adapts a goroutineWorker to chain.Sink.
type channelSink goroutineWorker

func (s *channelSink) OnPrompt(prompts []string) {
	(*goroutineWorker)(s).send(PromptEvent(prompts))
}

func (s *channelSink) OnToken(text string) {
	(*goroutineWorker)(s).send(TokenEvent(text))
}
