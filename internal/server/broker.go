package server

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/ownai/ownai/internal/model"
	"github.com/ownai/ownai/internal/storage"
)

// Listener receives Postgres notifications. *storage.DB implements it.
type Listener interface {
	Listen(ctx context.Context, channel string) error
	WaitForNotification(ctx context.Context) (channel, payload string, err error)
}

// Invalidator drops compiled pipelines from the local cache.
type Invalidator interface {
	Invalidate(id *int64) bool
}

const (
	brokerMinBackoff = 100 * time.Millisecond
	brokerMaxBackoff = 10 * time.Second
)

// Broker applies pipeline change notifications from other instances to the
// local cache and fans them out to SSE subscribers.
type Broker struct {
	db     Listener
	cache  Invalidator
	logger *slog.Logger

	mu          sync.RWMutex
	subscribers map[chan []byte]struct{}
}

// NewBroker creates a new broker. Call Start to begin listening.
func NewBroker(db Listener, cache Invalidator, logger *slog.Logger) *Broker {
	return &Broker{
		db:          db,
		cache:       cache,
		logger:      logger,
		subscribers: make(map[chan []byte]struct{}),
	}
}

// Start listens on the pipeline channel until ctx is cancelled. It blocks,
// so call it in a goroutine. Connection failures are retried with backoff;
// the LISTEN is re-issued after each failure since a new connection starts
// with no subscriptions.
func (b *Broker) Start(ctx context.Context) {
	backoff := brokerMinBackoff
	listening := false

	for ctx.Err() == nil {
		if !listening {
			if err := b.db.Listen(ctx, storage.ChannelPipelines); err != nil {
				b.logger.Warn("broker: listen failed, retrying", "error", err, "backoff", backoff)
				backoff = b.sleep(ctx, backoff)
				continue
			}
			listening = true
			b.logger.Info("broker: listening for notifications", "channel", storage.ChannelPipelines)
		}

		channel, payload, err := b.db.WaitForNotification(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			b.logger.Warn("broker: notification error, retrying", "error", err, "backoff", backoff)
			listening = false
			backoff = b.sleep(ctx, backoff)
			continue
		}
		backoff = brokerMinBackoff
		b.handle(channel, payload)
	}
}

func (b *Broker) sleep(ctx context.Context, d time.Duration) time.Duration {
	select {
	case <-ctx.Done():
	case <-time.After(d):
	}
	return min(d*2, brokerMaxBackoff)
}

// handle applies one notification.
func (b *Broker) handle(channel, payload string) {
	if channel != storage.ChannelPipelines {
		return
	}
	change, err := storage.ParsePipelineChange(payload)
	if err != nil {
		b.logger.Warn("broker: ignoring notification", "error", err)
		return
	}
	if b.cache != nil && b.cache.Invalidate(change.ID) {
		b.logger.Info("broker: cached pipeline invalidated", "pipeline_id", change.ID)
	}

	data, err := json.Marshal(change)
	if err != nil {
		b.logger.Error("broker: encode change", "error", err)
		return
	}
	b.broadcast(formatSSE(channel, string(data)))
}

// Subscribe returns a channel that receives SSE-formatted events.
// The caller must call Unsubscribe when done.
func (b *Broker) Subscribe() chan []byte {
	ch := make(chan []byte, 64)
	b.mu.Lock()
	b.subscribers[ch] = struct{}{}
	b.mu.Unlock()
	return ch
}

// Unsubscribe removes a subscriber channel and closes it.
func (b *Broker) Unsubscribe(ch chan []byte) {
	b.mu.Lock()
	delete(b.subscribers, ch)
	b.mu.Unlock()
	close(ch)
}

// broadcast sends an event to all subscribers. A subscriber whose buffer is
// full misses the event.
func (b *Broker) broadcast(event []byte) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	for ch := range b.subscribers {
		select {
		case ch <- event:
		default:
		}
	}
}

// formatSSE formats a notification as a Server-Sent Events message.
func formatSSE(eventType, data string) []byte {
	return []byte("event: " + eventType + "\ndata: " + data + "\n\n")
}

// HandleSubscribe handles GET /v1/events, streaming pipeline changes as
// Server-Sent Events so admin clients can refresh their views.
func (h *Handlers) HandleSubscribe(w http.ResponseWriter, r *http.Request) {
	if h.broker == nil {
		writeError(w, r, http.StatusServiceUnavailable, model.ErrCodeInternalError, "event stream is not enabled")
		return
	}
	flusher, ok := w.(http.Flusher)
	if !ok {
		writeError(w, r, http.StatusInternalServerError, model.ErrCodeInternalError, "streaming not supported")
		return
	}

	// The stream outlives the server's write timeout.
	_ = http.NewResponseController(w).SetWriteDeadline(time.Time{})

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	ch := h.broker.Subscribe()
	defer h.broker.Unsubscribe(ch)

	keepalive := time.NewTicker(30 * time.Second)
	defer keepalive.Stop()

	for {
		select {
		case <-r.Context().Done():
			return
		case event := <-ch:
			if _, err := w.Write(event); err != nil {
				return
			}
			flusher.Flush()
		case <-keepalive.C:
			if _, err := w.Write([]byte(": keepalive\n\n")); err != nil {
				return
			}
			flusher.Flush()
		}
	}
}
