// Package reply answers one chat message: it resolves the compiled pipeline,
// assembles the pipeline's input slots and runs it through the dispatcher.
package reply

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"

	"github.com/ownai/ownai/internal/chain"
	"github.com/ownai/ownai/internal/chaincache"
	"github.com/ownai/ownai/internal/dispatch"
	"github.com/ownai/ownai/internal/memory"
	"github.com/ownai/ownai/internal/model"
)

// Passage counts requested from the retriever. With conversation history in
// the prompt, a single passage keeps prompts bounded.
const (
	DefaultTopK = 4
	HistoryTopK = 1
)

// passageSeparator joins retrieved passages in the knowledge slot.
const passageSeparator = "\n\n"

// ErrNoRetriever is returned when a pipeline needs knowledge but no
// retrieval store is configured.
var ErrNoRetriever = errors.New("reply: no retrieval store configured")

var tracer = otel.Tracer("ownai/reply")

// PipelineCache resolves compiled pipelines.
type PipelineCache interface {
	Get(ctx context.Context, id int64, overlay map[string]string) (*chaincache.Entry, error)
}

// Runner executes a compiled pipeline.
type Runner interface {
	Run(ctx context.Context, job dispatch.Job, onToken func(string), onProgress func(int)) (string, error)
}

// Retriever returns the passages of a knowledge collection most relevant to
// a query.
type Retriever interface {
	Search(ctx context.Context, knowledgeID int64, query string, k int) ([]model.Passage, error)
}

// Request is one message to answer.
type Request struct {
	PipelineID  int64
	Text        string
	KnowledgeID *int64
	Memory      *memory.Conversation
	// Overlay holds the caller's provider credentials, applied only while
	// the pipeline is built.
	Overlay map[string]string
}

// Service answers chat messages.
type Service struct {
	cache     PipelineCache
	runner    Runner
	retriever Retriever
	logger    *slog.Logger
}

// New creates a Service. retriever may be nil when no knowledge store is
// configured; requests needing knowledge then fail with ErrNoRetriever.
func New(cache PipelineCache, runner Runner, retriever Retriever, logger *slog.Logger) *Service {
	return &Service{cache: cache, runner: runner, retriever: retriever, logger: logger}
}

// Reply runs the pipeline for req and returns its final text with
// surrounding whitespace trimmed. onToken and onProgress may be nil.
// Errors from the cache, the retriever and the dispatcher are wrapped and
// returned; errors.Is sees the original.
func (s *Service) Reply(ctx context.Context, req Request, onToken func(string), onProgress func(int)) (string, error) {
	ctx, span := tracer.Start(ctx, "reply.Reply")
	defer span.End()
	span.SetAttributes(attribute.Int64("ownai.pipeline_id", req.PipelineID))

	text, err := s.reply(ctx, req, onToken, onProgress)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return "", err
	}
	return text, nil
}

func (s *Service) reply(ctx context.Context, req Request, onToken func(string), onProgress func(int)) (string, error) {
	entry, err := s.cache.Get(ctx, req.PipelineID, req.Overlay)
	if err != nil {
		return "", fmt.Errorf("reply: %w", err)
	}

	inputs, err := s.assembleInputs(ctx, entry.InputSlots, req)
	if err != nil {
		return "", err
	}

	out, err := s.runner.Run(ctx, dispatch.Job{Entry: entry, Inputs: inputs, Overlay: req.Overlay}, onToken, onProgress)
	if err != nil {
		return "", fmt.Errorf("reply: run pipeline %d: %w", req.PipelineID, err)
	}
	return strings.TrimSpace(out), nil
}

// assembleInputs fills every declared slot. Slots the pipeline does not
// declare are left out.
func (s *Service) assembleInputs(ctx context.Context, slots chain.SlotSet, req Request) (map[string]string, error) {
	inputs := make(map[string]string, len(slots))
	for _, slot := range slots {
		switch slot {
		case chain.SlotText:
			inputs[slot.Variable()] = req.Text

		case chain.SlotKnowledge:
			knowledge, err := s.knowledge(ctx, req)
			if err != nil {
				return nil, err
			}
			inputs[slot.Variable()] = knowledge

		case chain.SlotHistory:
			inputs[slot.Variable()] = req.Memory.Format()
		}
	}
	return inputs, nil
}

func (s *Service) knowledge(ctx context.Context, req Request) (string, error) {
	if req.KnowledgeID == nil {
		return "", nil
	}
	if s.retriever == nil {
		return "", ErrNoRetriever
	}

	k := DefaultTopK
	if req.Memory.HasHistory() {
		k = HistoryTopK
	}
	passages, err := s.retriever.Search(ctx, *req.KnowledgeID, req.Text, k)
	if err != nil {
		return "", fmt.Errorf("reply: search knowledge %d: %w", *req.KnowledgeID, err)
	}
	texts := make([]string, len(passages))
	for i, p := range passages {
		texts[i] = p.Content
	}
	s.logger.Debug("reply: knowledge retrieved",
		"knowledge_id", *req.KnowledgeID, "k", k, "passages", len(passages))
	return strings.Join(texts, passageSeparator), nil
}
