package storage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"

	"github.com/ownai/ownai/internal/model"
)

const pipelineColumns = `id, name, input_keys, input_labels, chain, greeting, is_public, created_at, updated_at`

func scanPipeline(row pgx.Row) (model.Pipeline, error) {
	var (
		p         model.Pipeline
		inputKeys []byte
		labels    []byte
		chain     []byte
	)
	if err := row.Scan(&p.ID, &p.Name, &inputKeys, &labels, &chain, &p.Greeting, &p.IsPublic, &p.CreatedAt, &p.UpdatedAt); err != nil {
		return model.Pipeline{}, err
	}
	if err := json.Unmarshal(inputKeys, &p.InputKeys); err != nil {
		return model.Pipeline{}, fmt.Errorf("decode input_keys: %w", err)
	}
	if len(labels) > 0 {
		if err := json.Unmarshal(labels, &p.InputLabels); err != nil {
			return model.Pipeline{}, fmt.Errorf("decode input_labels: %w", err)
		}
	}
	p.Chain = json.RawMessage(chain)
	return p, nil
}

func pipelineArgs(p model.Pipeline) (inputKeys, labels []byte, err error) {
	keys := p.InputKeys
	if keys == nil {
		keys = []string{}
	}
	if inputKeys, err = json.Marshal(keys); err != nil {
		return nil, nil, fmt.Errorf("encode input_keys: %w", err)
	}
	if p.InputLabels != nil {
		if labels, err = json.Marshal(p.InputLabels); err != nil {
			return nil, nil, fmt.Errorf("encode input_labels: %w", err)
		}
	}
	return inputKeys, labels, nil
}

// GetPipeline returns one pipeline or ErrNotFound.
func (db *DB) GetPipeline(ctx context.Context, id int64) (model.Pipeline, error) {
	p, err := scanPipeline(db.pool.QueryRow(ctx,
		`SELECT `+pipelineColumns+` FROM pipelines WHERE id = $1`, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return model.Pipeline{}, fmt.Errorf("storage: pipeline %d: %w", id, ErrNotFound)
	}
	if err != nil {
		return model.Pipeline{}, fmt.Errorf("storage: get pipeline: %w", err)
	}
	return p, nil
}

// ListPipelines returns all pipelines ordered by id.
func (db *DB) ListPipelines(ctx context.Context) ([]model.Pipeline, error) {
	rows, err := db.pool.Query(ctx, `SELECT `+pipelineColumns+` FROM pipelines ORDER BY id`)
	if err != nil {
		return nil, fmt.Errorf("storage: list pipelines: %w", err)
	}
	defer rows.Close()

	var out []model.Pipeline
	for rows.Next() {
		p, err := scanPipeline(rows)
		if err != nil {
			return nil, fmt.Errorf("storage: scan pipeline: %w", err)
		}
		out = append(out, p)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("storage: list pipelines: %w", err)
	}
	return out, nil
}

// CreatePipeline inserts p and announces it on ChannelPipelines in the same
// transaction. The returned pipeline carries the assigned id and timestamps.
func (db *DB) CreatePipeline(ctx context.Context, p model.Pipeline) (model.Pipeline, error) {
	inputKeys, labels, err := pipelineArgs(p)
	if err != nil {
		return model.Pipeline{}, fmt.Errorf("storage: create pipeline: %w", err)
	}

	var created model.Pipeline
	err = pgx.BeginFunc(ctx, db.pool, func(tx pgx.Tx) error {
		created, err = scanPipeline(tx.QueryRow(ctx,
			`INSERT INTO pipelines (name, input_keys, input_labels, chain, greeting, is_public)
			 VALUES ($1, $2, $3, $4, $5, $6)
			 RETURNING `+pipelineColumns,
			p.Name, inputKeys, labels, []byte(p.Chain), p.Greeting, p.IsPublic,
		))
		if err != nil {
			return err
		}
		return notifyTx(ctx, tx, &created.ID)
	})
	if err != nil {
		return model.Pipeline{}, fmt.Errorf("storage: create pipeline: %w", err)
	}
	return created, nil
}

// UpdatePipeline replaces the mutable fields of pipeline p.ID. Returns
// ErrNotFound when it does not exist.
func (db *DB) UpdatePipeline(ctx context.Context, p model.Pipeline) (model.Pipeline, error) {
	inputKeys, labels, err := pipelineArgs(p)
	if err != nil {
		return model.Pipeline{}, fmt.Errorf("storage: update pipeline: %w", err)
	}

	var updated model.Pipeline
	err = pgx.BeginFunc(ctx, db.pool, func(tx pgx.Tx) error {
		updated, err = scanPipeline(tx.QueryRow(ctx,
			`UPDATE pipelines
			 SET name = $2, input_keys = $3, input_labels = $4, chain = $5,
			     greeting = $6, is_public = $7, updated_at = now()
			 WHERE id = $1
			 RETURNING `+pipelineColumns,
			p.ID, p.Name, inputKeys, labels, []byte(p.Chain), p.Greeting, p.IsPublic,
		))
		if err != nil {
			return err
		}
		return notifyTx(ctx, tx, &p.ID)
	})
	if errors.Is(err, pgx.ErrNoRows) {
		return model.Pipeline{}, fmt.Errorf("storage: pipeline %d: %w", p.ID, ErrNotFound)
	}
	if err != nil {
		return model.Pipeline{}, fmt.Errorf("storage: update pipeline: %w", err)
	}
	return updated, nil
}

// DeletePipeline removes pipeline id. Returns ErrNotFound when it does not
// exist.
func (db *DB) DeletePipeline(ctx context.Context, id int64) error {
	err := pgx.BeginFunc(ctx, db.pool, func(tx pgx.Tx) error {
		tag, err := tx.Exec(ctx, `DELETE FROM pipelines WHERE id = $1`, id)
		if err != nil {
			return err
		}
		if tag.RowsAffected() == 0 {
			return ErrNotFound
		}
		return notifyTx(ctx, tx, &id)
	})
	if errors.Is(err, ErrNotFound) {
		return fmt.Errorf("storage: pipeline %d: %w", id, ErrNotFound)
	}
	if err != nil {
		return fmt.Errorf("storage: delete pipeline: %w", err)
	}
	return nil
}

// UpsertPipelineByName updates the first pipeline named p.Name, or creates
// it when none exists. Used when importing aifiles from the command line.
func (db *DB) UpsertPipelineByName(ctx context.Context, p model.Pipeline) (model.Pipeline, bool, error) {
	var id int64
	err := db.pool.QueryRow(ctx,
		`SELECT id FROM pipelines WHERE name = $1 ORDER BY id LIMIT 1`, p.Name).Scan(&id)
	switch {
	case errors.Is(err, pgx.ErrNoRows):
		created, err := db.CreatePipeline(ctx, p)
		return created, true, err
	case err != nil:
		return model.Pipeline{}, false, fmt.Errorf("storage: find pipeline by name: %w", err)
	}
	p.ID = id
	updated, err := db.UpdatePipeline(ctx, p)
	return updated, false, err
}

// notifyTx queues a ChannelPipelines notification, delivered on commit.
func notifyTx(ctx context.Context, tx pgx.Tx, id *int64) error {
	_, err := tx.Exec(ctx, `SELECT pg_notify($1, $2)`, ChannelPipelines, pipelinePayload(id))
	if err != nil {
		return fmt.Errorf("notify: %w", err)
	}
	return nil
}
