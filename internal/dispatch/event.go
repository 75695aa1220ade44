// Package dispatch runs one pipeline invocation in an isolated worker and
// relays its events to the caller.
//
// A worker emits at most one Prompt event, then any number of Token events,
// then exactly one Done event. Nothing follows Done. A worker that stops
// without Done has failed, and the Dispatcher reports ErrWorkerFailed.
package dispatch

import (
	"errors"
	"fmt"
)

// Kind tags an Event.
type Kind string

const (
	KindPrompt Kind = "prompt"
	KindToken  Kind = "token"
	KindDone   Kind = "done"
)

// Event is the only value that crosses the worker boundary.
type Event struct {
	Kind    Kind     `json:"kind"`
	Prompts []string `json:"prompts,omitempty"`
	Text    string   `json:"text,omitempty"`
}

// PromptEvent reports the rendered prompts.
func PromptEvent(prompts []string) Event { return Event{Kind: KindPrompt, Prompts: prompts} }

// TokenEvent carries one generated fragment.
func TokenEvent(text string) Event { return Event{Kind: KindToken, Text: text} }

// DoneEvent carries the final text.
func DoneEvent(text string) Event { return Event{Kind: KindDone, Text: text} }

// ErrWorkerFailed is returned when a worker ends without a Done event:
// a generation error, a crash, or a broken channel.
var ErrWorkerFailed = errors.New("dispatch: worker failed")

// PanicError is a panic recovered inside a worker.
type PanicError struct {
	Value any
	Stack []byte
}

func (e *PanicError) Error() string {
	return fmt.Sprintf("panic in worker: %v\n%s", e.Value, e.Stack)
}
