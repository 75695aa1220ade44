package storage

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"

	"github.com/jackc/pgx/v5"
)

// ChannelPipelines carries pipeline changes between instances. The payload
// is the changed pipeline id, or empty when every pipeline is affected.
const ChannelPipelines = "ownai_pipelines"

// PipelineChange is a decoded ChannelPipelines notification.
type PipelineChange struct {
	// ID is nil when the change concerns all pipelines.
	ID *int64 `json:"pipeline_id"`
}

// ParsePipelineChange decodes a ChannelPipelines payload.
func ParsePipelineChange(payload string) (PipelineChange, error) {
	if payload == "" {
		return PipelineChange{}, nil
	}
	id, err := strconv.ParseInt(payload, 10, 64)
	if err != nil {
		return PipelineChange{}, fmt.Errorf("storage: invalid pipeline notification %q: %w", payload, err)
	}
	return PipelineChange{ID: &id}, nil
}

// MarshalJSON renders the change for event streams.
func (c PipelineChange) MarshalJSON() ([]byte, error) {
	return json.Marshal(struct {
		PipelineID *int64 `json:"pipeline_id"`
	}{c.ID})
}

// pipelinePayload is the notification payload for id (nil means all).
func pipelinePayload(id *int64) string {
	if id == nil {
		return ""
	}
	return strconv.FormatInt(*id, 10)
}

// Listen starts listening on the specified channel using the dedicated notify
// connection, reconnecting first if the connection was lost.
func (db *DB) Listen(ctx context.Context, channel string) error {
	conn, err := db.listenConn(ctx)
	if err != nil {
		return err
	}
	if _, err := conn.Exec(ctx, "LISTEN "+pgx.Identifier{channel}.Sanitize()); err != nil {
		return fmt.Errorf("storage: listen %s: %w", channel, err)
	}
	return nil
}

// WaitForNotification blocks until a notification arrives on any listened channel.
// Returns the channel name and payload.
func (db *DB) WaitForNotification(ctx context.Context) (channel, payload string, err error) {
	conn, err := db.listenConn(ctx)
	if err != nil {
		return "", "", err
	}
	notification, err := conn.WaitForNotification(ctx)
	if err != nil {
		if ctx.Err() == nil && conn.IsClosed() {
			db.dropNotifyConn(ctx)
		}
		return "", "", fmt.Errorf("storage: wait for notification: %w", err)
	}
	return notification.Channel, notification.Payload, nil
}

// Notify sends a notification on the specified channel.
func (db *DB) Notify(ctx context.Context, channel, payload string) error {
	_, err := db.pool.Exec(ctx, "SELECT pg_notify($1, $2)", channel, payload)
	if err != nil {
		return fmt.Errorf("storage: notify %s: %w", channel, err)
	}
	return nil
}

// NotifyPipelineChanged announces a change to pipeline id (nil for all).
func (db *DB) NotifyPipelineChanged(ctx context.Context, id *int64) error {
	return db.Notify(ctx, ChannelPipelines, pipelinePayload(id))
}

func (db *DB) listenConn(ctx context.Context) (*pgx.Conn, error) {
	db.notifyMu.Lock()
	defer db.notifyMu.Unlock()
	if db.notifyDSN == "" {
		return nil, fmt.Errorf("storage: notify connection not configured")
	}
	if db.notifyConn == nil || db.notifyConn.IsClosed() {
		conn, err := pgx.Connect(ctx, db.notifyDSN)
		if err != nil {
			return nil, fmt.Errorf("storage: reconnect notify: %w", err)
		}
		db.notifyConn = conn
	}
	return db.notifyConn, nil
}

func (db *DB) dropNotifyConn(ctx context.Context) {
	db.notifyMu.Lock()
	defer db.notifyMu.Unlock()
	if db.notifyConn != nil {
		_ = db.notifyConn.Close(ctx)
		db.notifyConn = nil
	}
}
