package server

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/ownai/ownai/internal/auth"
	"github.com/ownai/ownai/internal/memory"
	"github.com/ownai/ownai/internal/model"
	"github.com/ownai/ownai/internal/ratelimit"
	"github.com/ownai/ownai/internal/reply"
	"github.com/ownai/ownai/internal/storage"
)

const (
	chatWriteWait     = 10 * time.Second
	chatPongWait      = 60 * time.Second
	chatPingPeriod    = chatPongWait * 9 / 10
	chatMaxFrameBytes = 1 << 20
	chatSendBuffer    = 64
)

// Frame types exchanged on the chat socket.
const (
	frameMessage  = "message"
	frameToken    = "token"
	frameProgress = "progress"
)

// Reply statuses carried by message frames.
const (
	statusDone  = "done"
	statusError = "error"
)

var chatUpgrader = websocket.Upgrader{
	ReadBufferSize:  4096,
	WriteBufferSize: 4096,
}

// Chat frame shapes. The camelCase field names are what chat clients speak.
type (
	chatAuthor struct {
		Species string `json:"species"`
	}

	chatHistoryEntry struct {
		Author chatAuthor `json:"author"`
		Text   string     `json:"text"`
	}

	// chatRequest is a client frame asking for one reply.
	chatRequest struct {
		Type        string `json:"type"`
		ResponseID  int64  `json:"responseId"`
		AIID        int64  `json:"aiId"`
		KnowledgeID *int64 `json:"knowledgeId,omitempty"`
		Message     struct {
			Text string `json:"text"`
		} `json:"message"`
		History []chatHistoryEntry `json:"history,omitempty"`
	}

	tokenFrame struct {
		Type      string `json:"type"`
		MessageID int64  `json:"messageId"`
		Text      string `json:"text"`
	}

	progressFrame struct {
		Type      string `json:"type"`
		MessageID int64  `json:"messageId"`
		Percent   int    `json:"percent"`
	}

	messageFrame struct {
		Type   string     `json:"type"`
		ID     int64      `json:"id"`
		Author chatAuthor `json:"author"`
		Date   string     `json:"date"`
		Text   string     `json:"text"`
		Status string     `json:"status"`
	}
)

// errAccessDenied hides whether a private pipeline or collection exists.
var errAccessDenied = errors.New("not found")

// HandleChat handles GET /v1/chat. The connection is upgraded to a WebSocket
// and every message frame is answered on its own goroutine, so a slow reply
// does not hold up the others on the same connection.
func (h *Handlers) HandleChat(w http.ResponseWriter, r *http.Request) {
	conn, err := chatUpgrader.Upgrade(w, r, nil)
	if err != nil {
		// Upgrade has already written the HTTP error.
		h.logger.Warn("chat: upgrade failed", "error", err, "request_id", RequestIDFromContext(r.Context()))
		return
	}

	claims := ClaimsFromContext(r.Context())
	limitKey := ratelimit.IPKeyFunc(r)
	logger := h.logger.With("request_id", RequestIDFromContext(r.Context()))
	if claims != nil {
		limitKey = ratelimit.UserKey(claims.UserID())
		logger = logger.With("user", claims.Username)
	}

	// The handler runs for the whole session, so the request context lives
	// until the server shuts down.
	ctx, cancel := context.WithCancel(r.Context())
	s := &chatSession{
		h:        h,
		conn:     conn,
		claims:   claims,
		limitKey: limitKey,
		logger:   logger,
		out:      make(chan any, chatSendBuffer),
		ctx:      ctx,
		cancel:   cancel,
	}
	s.serve()
}

// chatSession is one chat connection. Only the writer goroutine writes to
// conn; everything else goes through out.
type chatSession struct {
	h        *Handlers
	conn     *websocket.Conn
	claims   *auth.Claims
	limitKey string
	logger   *slog.Logger

	out    chan any
	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

func (s *chatSession) serve() {
	writerDone := make(chan struct{})
	go func() {
		defer close(writerDone)
		s.writeLoop()
	}()

	s.readLoop()

	// Abort replies still running for this connection.
	s.cancel()
	s.wg.Wait()
	<-writerDone
	_ = s.conn.Close()
}

func (s *chatSession) readLoop() {
	s.conn.SetReadLimit(chatMaxFrameBytes)
	_ = s.conn.SetReadDeadline(time.Now().Add(chatPongWait))
	s.conn.SetPongHandler(func(string) error {
		return s.conn.SetReadDeadline(time.Now().Add(chatPongWait))
	})

	for {
		var req chatRequest
		if err := s.conn.ReadJSON(&req); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				s.logger.Warn("chat: read failed", "error", err)
			}
			return
		}
		if req.Type != frameMessage {
			s.logger.Debug("chat: ignoring frame", "type", req.Type)
			continue
		}
		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			s.answer(req)
		}()
	}
}

func (s *chatSession) writeLoop() {
	ticker := time.NewTicker(chatPingPeriod)
	defer ticker.Stop()

	for {
		select {
		case <-s.ctx.Done():
			_ = s.conn.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), time.Now().Add(chatWriteWait))
			_ = s.conn.Close()
			return
		case frame := <-s.out:
			_ = s.conn.SetWriteDeadline(time.Now().Add(chatWriteWait))
			if err := s.conn.WriteJSON(frame); err != nil {
				s.logger.Warn("chat: write failed", "error", err)
				s.cancel()
				// Unblock the reader so the session winds down.
				_ = s.conn.Close()
				return
			}
		case <-ticker.C:
			if err := s.conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(chatWriteWait)); err != nil {
				s.cancel()
				_ = s.conn.Close()
				return
			}
		}
	}
}

// send queues a frame for the writer. It gives up once the session is closing.
func (s *chatSession) send(frame any) {
	select {
	case s.out <- frame:
	case <-s.ctx.Done():
	}
}

// answer produces one reply. Failures are logged and reported to the client
// as an error message; the connection stays open.
func (s *chatSession) answer(req chatRequest) {
	id := req.ResponseID
	logger := s.logger.With("response_id", id, "pipeline_id", req.AIID)

	text, err := s.reply(req)
	if err != nil {
		if s.ctx.Err() != nil {
			logger.Debug("chat: reply abandoned, connection closed")
			return
		}
		logger.Error("chat: reply failed", "error", err)
		s.send(newMessageFrame(id, err.Error(), statusError))
		return
	}
	s.send(newMessageFrame(id, text, statusDone))
}

func (s *chatSession) reply(req chatRequest) (string, error) {
	ctx := s.ctx
	h := s.h

	decision, err := h.limiter.Allow(ctx, s.limitKey)
	if err != nil {
		s.logger.Warn("chat: rate limiter failed, allowing message", "error", err)
	} else if !decision.Allowed {
		return "", fmt.Errorf("too many messages, retry in %d seconds", ratelimit.RetryAfterSeconds(decision.RetryAfter))
	}

	if err := s.checkAccess(ctx, req); err != nil {
		return "", err
	}
	overlay, err := s.overlay(ctx)
	if err != nil {
		return "", err
	}

	id := req.ResponseID
	return h.replier.Reply(ctx, reply.Request{
		PipelineID:  req.AIID,
		Text:        req.Message.Text,
		KnowledgeID: req.KnowledgeID,
		Memory:      conversation(req.History),
		Overlay:     overlay,
	},
		func(token string) {
			s.send(tokenFrame{Type: frameToken, MessageID: id, Text: token})
		},
		func(percent int) {
			s.send(progressFrame{Type: frameProgress, MessageID: id, Percent: percent})
		},
	)
}

// checkAccess limits anonymous connections to public pipelines and
// collections.
func (s *chatSession) checkAccess(ctx context.Context, req chatRequest) error {
	if s.claims != nil {
		return nil
	}
	p, err := s.h.db.GetPipeline(ctx, req.AIID)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return fmt.Errorf("pipeline %d: %w", req.AIID, errAccessDenied)
		}
		return err
	}
	if !p.IsPublic {
		return fmt.Errorf("pipeline %d: %w", req.AIID, errAccessDenied)
	}
	if req.KnowledgeID == nil {
		return nil
	}
	k, err := s.h.db.GetKnowledge(ctx, *req.KnowledgeID)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return fmt.Errorf("knowledge %d: %w", *req.KnowledgeID, errAccessDenied)
		}
		return err
	}
	if !k.IsPublic {
		return fmt.Errorf("knowledge %d: %w", *req.KnowledgeID, errAccessDenied)
	}
	return nil
}

// overlay returns the user's provider credentials. Anonymous users have none.
func (s *chatSession) overlay(ctx context.Context) (map[string]string, error) {
	if s.claims == nil {
		return nil, nil
	}
	values, err := s.h.db.GetSettings(ctx, s.claims.UserID(), model.SettingsExternalProviders)
	if err != nil {
		return nil, fmt.Errorf("load provider settings: %w", err)
	}
	return values, nil
}

func conversation(history []chatHistoryEntry) *memory.Conversation {
	if len(history) == 0 {
		return nil
	}
	c := memory.New()
	for _, e := range history {
		c.Add(memory.ParseAuthor(e.Author.Species), e.Text)
	}
	return c
}

func newMessageFrame(id int64, text, status string) messageFrame {
	return messageFrame{
		Type:   frameMessage,
		ID:     id,
		Author: chatAuthor{Species: string(memory.AuthorAI)},
		Date:   time.Now().UTC().Format(time.RFC3339),
		Text:   text,
		Status: status,
	}
}
