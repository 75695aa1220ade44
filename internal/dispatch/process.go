package dispatch

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"sync"

	"github.com/ownai/ownai/internal/chain"
	"github.com/ownai/ownai/internal/overlay"
)

// WorkerCommand is the subcommand that serves one job on stdin/stdout.
const WorkerCommand = "worker"

// maxStderrTail bounds how much of a failed worker's stderr is kept.
const maxStderrTail = 4 * 1024

// jobRequest is written to the worker's stdin.
type jobRequest struct {
	PipelineID int64             `json:"pipeline_id"`
	Definition json.RawMessage   `json:"definition"`
	Inputs     map[string]string `json:"inputs"`
}

// frame is one line of the worker's stdout. Error is set only on the last
// frame of a failed job, which carries no Event.
type frame struct {
	Event
	Error string `json:"error,omitempty"`
}

// ProcessBackend runs each job in a child process: the current binary
// re-executed as "ownai worker". The child rebuilds the pipeline from its
// definition with the caller's secret overlay merged into its environment.
type ProcessBackend struct {
	path   string
	args   []string
	env    []string
	logger *slog.Logger
}

// ProcessOption configures a ProcessBackend.
type ProcessOption func(*ProcessBackend)

// WithCommand overrides the executable and arguments of the child.
func WithCommand(path string, args ...string) ProcessOption {
	return func(b *ProcessBackend) {
		b.path = path
		b.args = args
	}
}

// WithBaseEnv sets the environment the overlay is merged onto. Defaults to
// os.Environ() captured by NewProcessBackend.
func WithBaseEnv(env []string) ProcessOption {
	return func(b *ProcessBackend) { b.env = env }
}

// NewProcessBackend returns a backend that re-executes the running binary.
// Call it before serving requests: the process environment is snapshotted
// here, never while another caller's overlay may be applied.
func NewProcessBackend(logger *slog.Logger, opts ...ProcessOption) (*ProcessBackend, error) {
	b := &ProcessBackend{args: []string{WorkerCommand}, logger: logger}
	for _, opt := range opts {
		opt(b)
	}
	if b.path == "" {
		exe, err := os.Executable()
		if err != nil {
			return nil, fmt.Errorf("dispatch: locate executable: %w", err)
		}
		b.path = exe
	}
	if b.env == nil {
		b.env = os.Environ()
	}
	return b, nil
}

// Name implements Backend.
func (b *ProcessBackend) Name() string { return BackendProcess }

// Start implements Backend.
func (b *ProcessBackend) Start(ctx context.Context, job Job) (Worker, error) {
	payload, err := json.Marshal(jobRequest{
		PipelineID: job.Entry.ID,
		Definition: job.Entry.Definition,
		Inputs:     job.Inputs,
	})
	if err != nil {
		return nil, fmt.Errorf("dispatch: marshal job: %w", err)
	}

	ctx, cancel := context.WithCancel(ctx)
	cmd := exec.CommandContext(ctx, b.path, b.args...)
	cmd.Env = overlay.Environ(b.env, job.Overlay)

	stdin, err := cmd.StdinPipe()
	if err != nil {
		cancel()
		return nil, fmt.Errorf("dispatch: stdin pipe: %w", err)
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		cancel()
		return nil, fmt.Errorf("dispatch: stdout pipe: %w", err)
	}
	stderr := &tailBuffer{max: maxStderrTail}
	cmd.Stderr = stderr

	if err := cmd.Start(); err != nil {
		cancel()
		return nil, fmt.Errorf("dispatch: start worker: %w", err)
	}

	w := &processWorker{
		events: make(chan Event, 64),
		cmd:    cmd,
		cancel: cancel,
		stderr: stderr,
		logger: b.logger.With("pipeline_id", job.Entry.ID, "pid", cmd.Process.Pid),
	}
	go func() {
		_, werr := stdin.Write(payload)
		cerr := stdin.Close()
		if werr != nil || cerr != nil {
			w.logger.Warn("dispatch: write job to worker", "error", errors.Join(werr, cerr))
		}
	}()
	go w.run(ctx, stdout)
	return w, nil
}

type processWorker struct {
	events chan Event
	cmd    *exec.Cmd
	cancel context.CancelFunc
	stderr *tailBuffer
	logger *slog.Logger
	err    error
}

func (w *processWorker) Events() <-chan Event { return w.events }

func (w *processWorker) Err() error { return w.err }

func (w *processWorker) Stop() { w.cancel() }

func (w *processWorker) run(ctx context.Context, stdout io.Reader) {
	defer close(w.events)
	defer w.cancel()

	var (
		done     bool
		frameErr error
		readErr  error
	)
	scanner := bufio.NewScanner(stdout)
	scanner.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)
	for scanner.Scan() {
		if done {
			continue
		}
		var f frame
		if err := json.Unmarshal(scanner.Bytes(), &f); err != nil {
			readErr = fmt.Errorf("decode worker output: %w", err)
			break
		}
		if f.Error != "" {
			frameErr = errors.New(f.Error)
			continue
		}
		select {
		case w.events <- f.Event:
		case <-ctx.Done():
			readErr = ctx.Err()
		}
		if readErr != nil {
			break
		}
		done = f.Kind == KindDone
	}
	if readErr == nil {
		if err := scanner.Err(); err != nil {
			readErr = fmt.Errorf("read worker output: %w", err)
		}
	}
	if readErr != nil {
		w.cancel()
	}
	waitErr := w.cmd.Wait()

	switch {
	case frameErr != nil:
		w.err = frameErr
	case readErr != nil:
		w.err = readErr
	case waitErr != nil:
		w.err = fmt.Errorf("worker exited: %w: %s", waitErr, w.stderr.String())
	case !done:
		w.err = fmt.Errorf("worker exited without a result: %s", w.stderr.String())
	}
	if w.err != nil && done {
		// The result was already delivered; the caller has returned.
		w.logger.Warn("dispatch: worker failed after done", "error", w.err)
		w.err = nil
	}
}

// ServeWorker is the child side of ProcessBackend. It reads one job from r,
// compiles its definition against the process environment, and writes one
// JSON frame per event to w. A failed job ends with an error frame and the
// error is returned so the caller exits non-zero.
func ServeWorker(ctx context.Context, r io.Reader, w io.Writer, compiler chain.Compiler) error {
	var job jobRequest
	if err := json.NewDecoder(r).Decode(&job); err != nil {
		return fmt.Errorf("dispatch: decode job: %w", err)
	}

	sink := &encoderSink{enc: json.NewEncoder(w)}
	text, err := func() (string, error) {
		pipeline, err := compiler.Compile(job.Definition)
		if err != nil {
			return "", err
		}
		return pipeline.Invoke(ctx, job.Inputs, sink)
	}()
	if err == nil {
		if err = sink.write(frame{Event: DoneEvent(text)}); err == nil {
			return nil
		}
	}
	_ = sink.write(frame{Error: err.Error()})
	return fmt.Errorf("dispatch: pipeline %d: %w", job.PipelineID, err)
}

// encoderSink writes chain events as newline-delimited JSON. The first
// write error is kept and later writes are skipped.
type encoderSink struct {
	mu  sync.Mutex
	enc *json.Encoder
	err error
}

func (s *encoderSink) write(f frame) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.err != nil {
		return s.err
	}
	s.err = s.enc.Encode(f)
	return s.err
}

func (s *encoderSink) OnPrompt(prompts []string) { _ = s.write(frame{Event: PromptEvent(prompts)}) }

func (s *encoderSink) OnToken(text string) { _ = s.write(frame{Event: TokenEvent(text)}) }

// tailBuffer keeps the last max bytes written to it.
type tailBuffer struct {
	mu  sync.Mutex
	max int
	buf []byte
}

func (t *tailBuffer) Write(p []byte) (int, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.buf = append(t.buf, p...)
	if over := len(t.buf) - t.max; over > 0 {
		t.buf = t.buf[over:]
	}
	return len(p), nil
}

func (t *tailBuffer) String() string {
	t.mu.Lock()
	defer t.mu.Unlock()
	return string(t.buf)
}
