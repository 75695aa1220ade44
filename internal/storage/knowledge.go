package storage

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/pgvector/pgvector-go"

	"github.com/ownai/ownai/internal/model"
)

// PassageInput is one chunk of text to store in a knowledge collection.
type PassageInput struct {
	Content   string
	Source    string
	Embedding pgvector.Vector
}

const knowledgeColumns = `id, name, embeddings, chunk_size, is_public, created_at`

func scanKnowledge(row pgx.Row) (model.Knowledge, error) {
	var k model.Knowledge
	err := row.Scan(&k.ID, &k.Name, &k.Embeddings, &k.ChunkSize, &k.IsPublic, &k.CreatedAt)
	return k, err
}

// CreateKnowledge inserts an empty knowledge collection.
func (db *DB) CreateKnowledge(ctx context.Context, k model.Knowledge) (model.Knowledge, error) {
	created, err := scanKnowledge(db.pool.QueryRow(ctx,
		`INSERT INTO knowledge (name, embeddings, chunk_size, is_public)
		 VALUES ($1, $2, $3, $4)
		 RETURNING `+knowledgeColumns,
		k.Name, k.Embeddings, k.ChunkSize, k.IsPublic,
	))
	if err != nil {
		return model.Knowledge{}, fmt.Errorf("storage: create knowledge: %w", err)
	}
	return created, nil
}

// GetKnowledge returns one collection or ErrNotFound.
func (db *DB) GetKnowledge(ctx context.Context, id int64) (model.Knowledge, error) {
	k, err := scanKnowledge(db.pool.QueryRow(ctx,
		`SELECT `+knowledgeColumns+` FROM knowledge WHERE id = $1`, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return model.Knowledge{}, fmt.Errorf("storage: knowledge %d: %w", id, ErrNotFound)
	}
	if err != nil {
		return model.Knowledge{}, fmt.Errorf("storage: get knowledge: %w", err)
	}
	return k, nil
}

// ListKnowledge returns all collections ordered by id.
func (db *DB) ListKnowledge(ctx context.Context) ([]model.Knowledge, error) {
	rows, err := db.pool.Query(ctx, `SELECT `+knowledgeColumns+` FROM knowledge ORDER BY id`)
	if err != nil {
		return nil, fmt.Errorf("storage: list knowledge: %w", err)
	}
	defer rows.Close()

	var out []model.Knowledge
	for rows.Next() {
		k, err := scanKnowledge(rows)
		if err != nil {
			return nil, fmt.Errorf("storage: scan knowledge: %w", err)
		}
		out = append(out, k)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("storage: list knowledge: %w", err)
	}
	return out, nil
}

// DeleteKnowledge removes a collection and its passages, queueing the
// passages for removal from the search index.
func (db *DB) DeleteKnowledge(ctx context.Context, id int64) error {
	err := pgx.BeginFunc(ctx, db.pool, func(tx pgx.Tx) error {
		if _, err := tx.Exec(ctx,
			`INSERT INTO search_outbox (passage_id, knowledge_id, operation)
			 SELECT id, knowledge_id, 'delete' FROM knowledge_passages WHERE knowledge_id = $1`,
			id,
		); err != nil {
			return err
		}
		tag, err := tx.Exec(ctx, `DELETE FROM knowledge WHERE id = $1`, id)
		if err != nil {
			return err
		}
		if tag.RowsAffected() == 0 {
			return fmt.Errorf("knowledge %d: %w", id, ErrNotFound)
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("storage: delete knowledge: %w", err)
	}
	return nil
}

// AddPassages bulk-inserts passages into a collection using COPY and queues
// them for the search index in the same transaction. Returns the number of
// rows written.
func (db *DB) AddPassages(ctx context.Context, knowledgeID int64, passages []PassageInput) (int64, error) {
	if len(passages) == 0 {
		return 0, nil
	}

	rows := make([][]any, len(passages))
	for i, p := range passages {
		rows[i] = []any{knowledgeID, p.Content, p.Source, p.Embedding}
	}

	var n int64
	err := pgx.BeginFunc(ctx, db.pool, func(tx pgx.Tx) error {
		var err error
		n, err = tx.CopyFrom(ctx,
			pgx.Identifier{"knowledge_passages"},
			[]string{"knowledge_id", "content", "source", "embedding"},
			pgx.CopyFromRows(rows),
		)
		if err != nil {
			return err
		}
		// Rows written by this transaction carry its now() as created_at.
		_, err = tx.Exec(ctx,
			`INSERT INTO search_outbox (passage_id, knowledge_id, operation)
			 SELECT id, knowledge_id, 'upsert' FROM knowledge_passages
			 WHERE knowledge_id = $1 AND created_at = now()`,
			knowledgeID,
		)
		return err
	})
	if err != nil {
		return 0, fmt.Errorf("storage: add passages: %w", err)
	}
	return n, nil
}

// SearchPassages returns the k passages of a collection closest to embedding
// by cosine distance. Score is the cosine similarity.
func (db *DB) SearchPassages(ctx context.Context, knowledgeID int64, embedding pgvector.Vector, k int) ([]model.Passage, error) {
	if k <= 0 {
		return nil, nil
	}
	rows, err := db.pool.Query(ctx,
		`SELECT id, knowledge_id, content, source, 1 - (embedding <=> $2) AS score
		 FROM knowledge_passages
		 WHERE knowledge_id = $1 AND embedding IS NOT NULL
		 ORDER BY embedding <=> $2
		 LIMIT $3`,
		knowledgeID, embedding, k,
	)
	if err != nil {
		return nil, fmt.Errorf("storage: search passages: %w", err)
	}
	defer rows.Close()

	var out []model.Passage
	for rows.Next() {
		var (
			p     model.Passage
			score float64
		)
		if err := rows.Scan(&p.ID, &p.KnowledgeID, &p.Content, &p.Source, &score); err != nil {
			return nil, fmt.Errorf("storage: scan passage: %w", err)
		}
		p.Score = float32(score)
		out = append(out, p)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("storage: search passages: %w", err)
	}
	return out, nil
}

// UpdateKnowledge renames a collection and changes its chunk size. The
// embeddings provider is fixed at creation.
func (db *DB) UpdateKnowledge(ctx context.Context, k model.Knowledge) (model.Knowledge, error) {
	updated, err := scanKnowledge(db.pool.QueryRow(ctx,
		`UPDATE knowledge SET name = $2, chunk_size = $3, is_public = $4
		 WHERE id = $1
		 RETURNING `+knowledgeColumns,
		k.ID, k.Name, k.ChunkSize, k.IsPublic,
	))
	if errors.Is(err, pgx.ErrNoRows) {
		return model.Knowledge{}, fmt.Errorf("storage: knowledge %d: %w", k.ID, ErrNotFound)
	}
	if err != nil {
		return model.Knowledge{}, fmt.Errorf("storage: update knowledge: %w", err)
	}
	return updated, nil
}

// ListPassages pages through the passages of a collection in insertion order.
func (db *DB) ListPassages(ctx context.Context, knowledgeID int64, limit, offset int) ([]model.Passage, error) {
	rows, err := db.pool.Query(ctx,
		`SELECT id, knowledge_id, content, source
		 FROM knowledge_passages
		 WHERE knowledge_id = $1
		 ORDER BY id
		 LIMIT $2 OFFSET $3`,
		knowledgeID, limit, offset,
	)
	if err != nil {
		return nil, fmt.Errorf("storage: list passages: %w", err)
	}
	defer rows.Close()

	out := []model.Passage{}
	for rows.Next() {
		var p model.Passage
		if err := rows.Scan(&p.ID, &p.KnowledgeID, &p.Content, &p.Source); err != nil {
			return nil, fmt.Errorf("storage: scan passage: %w", err)
		}
		out = append(out, p)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("storage: list passages: %w", err)
	}
	return out, nil
}

// DeletePassage removes one passage of a collection and queues its removal
// from the search index.
func (db *DB) DeletePassage(ctx context.Context, knowledgeID, passageID int64) error {
	err := pgx.BeginFunc(ctx, db.pool, func(tx pgx.Tx) error {
		tag, err := tx.Exec(ctx,
			`DELETE FROM knowledge_passages WHERE id = $1 AND knowledge_id = $2`, passageID, knowledgeID)
		if err != nil {
			return err
		}
		if tag.RowsAffected() == 0 {
			return fmt.Errorf("passage %d: %w", passageID, ErrNotFound)
		}
		_, err = tx.Exec(ctx,
			`INSERT INTO search_outbox (passage_id, knowledge_id, operation) VALUES ($1, $2, 'delete')`,
			passageID, knowledgeID)
		return err
	})
	if err != nil {
		return fmt.Errorf("storage: delete passage: %w", err)
	}
	return nil
}
