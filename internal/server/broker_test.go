package server

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ownai/ownai/internal/storage"
)

type notification struct {
	channel, payload string
	err              error
}

// fakeListener replays queued notifications and then blocks until ctx ends.
type fakeListener struct {
	mu      sync.Mutex
	queue   chan notification
	listens int
}

func newFakeListener() *fakeListener {
	return &fakeListener{queue: make(chan notification, 16)}
}

func (l *fakeListener) Listen(context.Context, string) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.listens++
	return nil
}

func (l *fakeListener) WaitForNotification(ctx context.Context) (string, string, error) {
	select {
	case n := <-l.queue:
		return n.channel, n.payload, n.err
	case <-ctx.Done():
		return "", "", ctx.Err()
	}
}

func (l *fakeListener) listenCount() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.listens
}

func TestBrokerFanOut(t *testing.T) {
	broker := NewBroker(nil, nil, testLogger())

	ch1 := broker.Subscribe()
	ch2 := broker.Subscribe()

	event := formatSSE(storage.ChannelPipelines, `{"pipeline_id":1}`)
	broker.broadcast(event)

	for _, ch := range []chan []byte{ch1, ch2} {
		select {
		case got := <-ch:
			assert.Equal(t, string(event), string(got))
		case <-time.After(100 * time.Millisecond):
			t.Fatal("timed out waiting for event")
		}
	}

	// Only ch2 receives once ch1 is gone.
	broker.Unsubscribe(ch1)
	event2 := formatSSE(storage.ChannelPipelines, `{"pipeline_id":2}`)
	broker.broadcast(event2)
	select {
	case got := <-ch2:
		assert.Equal(t, string(event2), string(got))
	case <-time.After(100 * time.Millisecond):
		t.Fatal("ch2: timed out waiting for event after ch1 unsubscribed")
	}
	broker.Unsubscribe(ch2)
}

func TestFormatSSE(t *testing.T) {
	got := string(formatSSE("ownai_pipelines", `{"pipeline_id":123}`))
	assert.Equal(t, "event: ownai_pipelines\ndata: {\"pipeline_id\":123}\n\n", got)
}

func TestBrokerSlowSubscriber(t *testing.T) {
	broker := NewBroker(nil, nil, testLogger())
	slow := broker.Subscribe()
	fast := broker.Subscribe()

	for range 65 {
		broker.broadcast(formatSSE("test", "fill"))
	}
	broker.broadcast(formatSSE("test", "after-fill"))

	select {
	case <-fast:
	case <-time.After(100 * time.Millisecond):
		t.Fatal("fast subscriber should receive events even when slow subscriber is blocked")
	}
	broker.Unsubscribe(slow)
	broker.Unsubscribe(fast)
}

func TestBrokerInvalidatesCache(t *testing.T) {
	listener := newFakeListener()
	cache := &fakeCache{}
	broker := NewBroker(listener, cache, testLogger())
	sub := broker.Subscribe()
	defer broker.Unsubscribe(sub)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		broker.Start(ctx)
	}()

	listener.queue <- notification{channel: storage.ChannelPipelines, payload: "5"}
	listener.queue <- notification{channel: storage.ChannelPipelines, payload: "garbage"}
	listener.queue <- notification{channel: "other", payload: "1"}
	listener.queue <- notification{channel: storage.ChannelPipelines, payload: ""}

	var events []string
	for len(events) < 2 {
		select {
		case e := <-sub:
			events = append(events, string(e))
		case <-time.After(2 * time.Second):
			t.Fatal("timed out waiting for broker events")
		}
	}
	cancel()
	<-done

	assert.Equal(t, "event: ownai_pipelines\ndata: {\"pipeline_id\":5}\n\n", events[0])
	assert.Equal(t, "event: ownai_pipelines\ndata: {\"pipeline_id\":null}\n\n", events[1])

	calls := cache.calls()
	require.Len(t, calls, 2)
	require.NotNil(t, calls[0])
	assert.Equal(t, int64(5), *calls[0])
	assert.Nil(t, calls[1])
}

func TestBrokerRelistensAfterError(t *testing.T) {
	listener := newFakeListener()
	cache := &fakeCache{}
	broker := NewBroker(listener, cache, testLogger())

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go broker.Start(ctx)

	listener.queue <- notification{err: errors.New("connection reset")}
	listener.queue <- notification{channel: storage.ChannelPipelines, payload: "9"}

	require.Eventually(t, func() bool { return len(cache.calls()) == 1 }, 2*time.Second, 10*time.Millisecond)
	assert.Equal(t, 2, listener.listenCount())
}

func TestHandleSubscribeStreamsEvents(t *testing.T) {
	env := newTestEnv(t)
	broker := NewBroker(nil, nil, testLogger())
	env.handler = New(ServerConfig{
		DB:      env.store,
		JWTMgr:  env.jwtMgr,
		Cache:   env.cache,
		Replier: env.replier,
		Broker:  broker,
		Logger:  testLogger(),
	}).Handler()
	tok := env.token(t, env.store.addUser(t, "ada", "correct horse battery"))

	ts := httptest.NewServer(env.handler)
	defer ts.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, "GET", ts.URL+"/v1/events?access_token="+tok, nil)
	require.NoError(t, err)
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer func() { _ = resp.Body.Close() }()
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "text/event-stream", resp.Header.Get("Content-Type"))

	// The subscription is registered once the headers are flushed; keep
	// broadcasting until the client sees an event.
	received := make(chan string, 1)
	go func() {
		buf := make([]byte, 256)
		n, _ := resp.Body.Read(buf)
		received <- string(buf[:n])
	}()
	event := formatSSE(storage.ChannelPipelines, `{"pipeline_id":1}`)
	deadline := time.After(5 * time.Second)
	for {
		broker.broadcast(event)
		select {
		case got := <-received:
			assert.True(t, strings.HasPrefix(got, "event: ownai_pipelines"), got)
			return
		case <-deadline:
			t.Fatal("timed out waiting for streamed event")
		case <-time.After(20 * time.Millisecond):
		}
	}
}

func TestHandleSubscribeWithoutBroker(t *testing.T) {
	env := newTestEnv(t)
	tok := env.token(t, env.store.addUser(t, "ada", "correct horse battery"))
	rec := env.do(t, "GET", "/v1/events", tok, nil)
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
}
