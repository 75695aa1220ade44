// Package knowledge splits documents into passages, embeds them and stores
// them in a knowledge collection.
package knowledge

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"unicode/utf8"

	"github.com/ownai/ownai/internal/model"
	"github.com/ownai/ownai/internal/service/embedding"
	"github.com/ownai/ownai/internal/storage"
)

// ErrProviderMismatch is returned when a collection was created for a
// different embeddings provider than the one this instance runs.
var ErrProviderMismatch = errors.New("knowledge: embeddings provider mismatch")

// embedBatch bounds the number of passages sent to the provider per call.
const embedBatch = 64

// Store is the persistence the ingester needs.
type Store interface {
	GetKnowledge(ctx context.Context, id int64) (model.Knowledge, error)
	AddPassages(ctx context.Context, knowledgeID int64, passages []storage.PassageInput) (int64, error)
}

// Ingester adds documents to knowledge collections.
type Ingester struct {
	store    Store
	provider embedding.Provider
	name     string
	logger   *slog.Logger
}

// NewIngester creates an Ingester. providerName is the name collections
// record in their embeddings column.
func NewIngester(store Store, provider embedding.Provider, providerName string, logger *slog.Logger) *Ingester {
	return &Ingester{store: store, provider: provider, name: providerName, logger: logger}
}

// Ingest splits text by the collection's chunk size, embeds every chunk and
// stores the result. Returns the number of passages written.
func (i *Ingester) Ingest(ctx context.Context, knowledgeID int64, source, text string) (int64, error) {
	k, err := i.store.GetKnowledge(ctx, knowledgeID)
	if err != nil {
		return 0, err
	}
	if !strings.EqualFold(k.Embeddings, i.name) {
		return 0, fmt.Errorf("%w: collection uses %q, server uses %q", ErrProviderMismatch, k.Embeddings, i.name)
	}

	chunks := Split(text, k.ChunkSize)
	if len(chunks) == 0 {
		return 0, nil
	}

	passages := make([]storage.PassageInput, 0, len(chunks))
	for start := 0; start < len(chunks); start += embedBatch {
		end := min(start+embedBatch, len(chunks))
		vecs, err := i.provider.EmbedBatch(ctx, chunks[start:end])
		if err != nil {
			return 0, fmt.Errorf("knowledge: embed passages: %w", err)
		}
		for j, v := range vecs {
			passages = append(passages, storage.PassageInput{
				Content:   chunks[start+j],
				Source:    source,
				Embedding: v,
			})
		}
	}

	n, err := i.store.AddPassages(ctx, knowledgeID, passages)
	if err != nil {
		return 0, err
	}
	i.logger.Info("knowledge: ingested document",
		"knowledge_id", knowledgeID, "source", source, "passages", n)
	return n, nil
}

// separators are tried in order: paragraphs, lines, words, characters.
var separators = []string{"\n\n", "\n", " ", ""}

// Split cuts text into chunks of at most chunkSize characters, preferring to
// break between paragraphs, then lines, then words. Chunks are trimmed and
// empty chunks dropped.
func Split(text string, chunkSize int) []string {
	if chunkSize <= 0 {
		chunkSize = 1000
	}
	var out []string
	for _, c := range split(text, chunkSize, separators) {
		if c = strings.TrimSpace(c); c != "" {
			out = append(out, c)
		}
	}
	return out
}

func split(text string, size int, seps []string) []string {
	if utf8.RuneCountInString(text) <= size {
		return []string{text}
	}
	sep, rest := seps[0], seps[1:]
	if sep == "" {
		return splitRunes(text, size)
	}
	if !strings.Contains(text, sep) {
		return split(text, size, rest)
	}

	var (
		chunks  []string
		current strings.Builder
	)
	flush := func() {
		if current.Len() > 0 {
			chunks = append(chunks, current.String())
			current.Reset()
		}
	}
	for _, piece := range strings.Split(text, sep) {
		if utf8.RuneCountInString(piece) > size {
			flush()
			chunks = append(chunks, split(piece, size, rest)...)
			continue
		}
		if current.Len() > 0 && utf8.RuneCountInString(current.String())+len(sep)+utf8.RuneCountInString(piece) > size {
			flush()
		}
		if current.Len() > 0 {
			current.WriteString(sep)
		}
		current.WriteString(piece)
	}
	flush()
	return chunks
}

func splitRunes(text string, size int) []string {
	runes := []rune(text)
	chunks := make([]string, 0, len(runes)/size+1)
	for start := 0; start < len(runes); start += size {
		chunks = append(chunks, string(runes[start:min(start+size, len(runes))]))
	}
	return chunks
}
