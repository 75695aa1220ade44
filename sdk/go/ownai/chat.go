package ownai

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/gorilla/websocket"
)

// ErrSessionClosed is returned by Reply after the chat socket has closed.
var ErrSessionClosed = errors.New("ownai: chat session closed")

// ChatSession is an open chat socket. Several replies may be in flight at
// once; frames are routed to the Reply call that asked for them.
type ChatSession struct {
	conn   *websocket.Conn
	nextID atomic.Int64

	writeMu sync.Mutex

	mu      sync.Mutex
	pending map[int64]*pendingReply
	err     error
	done    chan struct{}
}

type pendingReply struct {
	callbacks ChatCallbacks
	result    chan chatFrameIn
}

// DialChat opens a chat socket. Anonymous clients may only talk to public
// pipelines.
func (c *Client) DialChat(ctx context.Context) (*ChatSession, error) {
	u, err := url.Parse(c.baseURL + "/v1/chat")
	if err != nil {
		return nil, fmt.Errorf("ownai: chat url: %w", err)
	}
	switch u.Scheme {
	case "https":
		u.Scheme = "wss"
	default:
		u.Scheme = "ws"
	}

	header := http.Header{}
	if err := c.authorize(ctx, header); err != nil {
		return nil, err
	}

	conn, resp, err := websocket.DefaultDialer.DialContext(ctx, u.String(), header)
	if err != nil {
		if resp != nil {
			return nil, &Error{StatusCode: resp.StatusCode, Code: http.StatusText(resp.StatusCode), Message: err.Error()}
		}
		return nil, fmt.Errorf("ownai: dial chat: %w", err)
	}

	s := &ChatSession{
		conn:    conn,
		pending: make(map[int64]*pendingReply),
		done:    make(chan struct{}),
	}
	go s.readLoop()
	return s, nil
}

// Chat opens a socket, asks for one reply and closes the socket again.
func (c *Client) Chat(ctx context.Context, req ChatRequest, cb ChatCallbacks) (string, error) {
	s, err := c.DialChat(ctx)
	if err != nil {
		return "", err
	}
	defer func() { _ = s.Close() }()
	return s.Reply(ctx, req, cb)
}

// Reply sends one message and waits for the finished reply. Callbacks run
// on the session's reader goroutine and must not block. A reply the server
// could not produce is returned as a *ReplyError.
func (s *ChatSession) Reply(ctx context.Context, req ChatRequest, cb ChatCallbacks) (string, error) {
	id := s.nextID.Add(1)
	p := &pendingReply{callbacks: cb, result: make(chan chatFrameIn, 1)}

	s.mu.Lock()
	if s.err != nil {
		s.mu.Unlock()
		return "", s.err
	}
	s.pending[id] = p
	s.mu.Unlock()
	defer s.forget(id)

	frame := chatFrameOut{
		Type:        "message",
		ResponseID:  id,
		AIID:        req.PipelineID,
		KnowledgeID: req.KnowledgeID,
		Message:     chatMessage{Text: req.Text},
	}
	for _, h := range req.History {
		frame.History = append(frame.History, chatHistoryEntry{Author: chatAuthor{Species: h.Species}, Text: h.Text})
	}

	s.writeMu.Lock()
	err := s.conn.WriteJSON(frame)
	s.writeMu.Unlock()
	if err != nil {
		return "", fmt.Errorf("ownai: send chat message: %w", err)
	}

	select {
	case msg := <-p.result:
		return finished(id, msg)
	case <-ctx.Done():
		return "", ctx.Err()
	case <-s.done:
		select {
		case msg := <-p.result:
			return finished(id, msg)
		default:
			return "", s.closedErr()
		}
	}
}

func finished(id int64, msg chatFrameIn) (string, error) {
	if msg.Status == "error" {
		return "", &ReplyError{ResponseID: id, Message: msg.Text}
	}
	return msg.Text, nil
}

// Close closes the socket. Pending replies fail with ErrSessionClosed.
func (s *ChatSession) Close() error {
	s.writeMu.Lock()
	_ = s.conn.WriteMessage(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
	s.writeMu.Unlock()
	err := s.conn.Close()
	<-s.done
	return err
}

func (s *ChatSession) forget(id int64) {
	s.mu.Lock()
	delete(s.pending, id)
	s.mu.Unlock()
}

func (s *ChatSession) closedErr() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.err
}

func (s *ChatSession) readLoop() {
	defer close(s.done)
	for {
		var f chatFrameIn
		if err := s.conn.ReadJSON(&f); err != nil {
			s.mu.Lock()
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) &&
				!strings.Contains(err.Error(), "use of closed network connection") {
				s.err = fmt.Errorf("%w: %v", ErrSessionClosed, err)
			} else {
				s.err = ErrSessionClosed
			}
			s.mu.Unlock()
			return
		}

		s.mu.Lock()
		p := s.pending[f.responseID()]
		s.mu.Unlock()
		if p == nil {
			continue
		}

		switch f.Type {
		case "token":
			if p.callbacks.OnToken != nil {
				p.callbacks.OnToken(f.Text)
			}
		case "progress":
			if p.callbacks.OnProgress != nil {
				p.callbacks.OnProgress(f.Percent)
			}
		case "message":
			select {
			case p.result <- f:
			default:
			}
		}
	}
}
