// Package engine drives one chat completion against the upstream: it binds
// the request to a session, recovers from exhausted conversations and keeps
// the session record in step with what the upstream reports.
package engine

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"sync"

	"github.com/lkarlslund/xiaobairouter/pkg/models"
	"github.com/lkarlslund/xiaobairouter/pkg/session"
	"github.com/lkarlslund/xiaobairouter/pkg/translate"
	"github.com/lkarlslund/xiaobairouter/pkg/upstream"
	"golang.org/x/sync/errgroup"
)

const DefaultSoftTurnCap = 10

type Sender interface {
	Send(ctx context.Context, cred upstream.Credentials, req upstream.ChatRequest) (*upstream.Stream, error)
}

type Config struct {
	UserID int64
	// SoftTurnCap rotates a conversation before the upstream rejects it.
	// Zero means DefaultSoftTurnCap, negative disables it.
	SoftTurnCap int
}

type Engine struct {
	sender  Sender
	store   session.Store
	pointer *session.Pointer
	catalog *models.Catalog
	cfg     Config
}

type Request struct {
	// SessionID pins the call to a session; empty follows the default pointer.
	SessionID   string
	Model       string
	Query       string
	Credentials upstream.Credentials
}

// Result describes what the engine did for one call. ConversationID and
// TurnIndex are filled once the upstream reports a conversation.
type Result struct {
	SessionID      string
	ConversationID string
	TurnIndex      int
	Model          models.Descriptor
	ModelFallback  bool
	Rotated        bool
	Retried        bool
}

func New(sender Sender, store session.Store, pointer *session.Pointer, catalog *models.Catalog, cfg Config) *Engine {
	if cfg.SoftTurnCap == 0 {
		cfg.SoftTurnCap = DefaultSoftTurnCap
	}
	if catalog == nil {
		catalog = models.Default()
	}
	if pointer == nil {
		pointer = session.NewPointer("")
	}
	return &Engine{sender: sender, store: store, pointer: pointer, catalog: catalog, cfg: cfg}
}

func (e *Engine) Catalog() *models.Catalog {
	return e.catalog
}

func (e *Engine) Pointer() *session.Pointer {
	return e.pointer
}

// Open resolves the session, calls the upstream and returns the live
// completion. A conversation-limit failure is retried once on a fresh
// conversation; every other upstream failure is returned as *Error.
func (e *Engine) Open(ctx context.Context, req Request) (*Completion, error) {
	if strings.TrimSpace(req.Query) == "" {
		return nil, errors.New("empty query")
	}
	res := Result{SessionID: strings.TrimSpace(req.SessionID)}
	if res.SessionID == "" {
		res.SessionID = e.pointer.Current()
	}
	st, err := e.store.Get(ctx, res.SessionID)
	if err != nil {
		return nil, fmt.Errorf("load session: %w", err)
	}
	desc, found := e.catalog.Resolve(req.Model)
	res.Model = desc
	res.ModelFallback = !found

	if e.cfg.SoftTurnCap > 0 && !st.IsNew() && st.TurnIndex >= e.cfg.SoftTurnCap {
		slog.Info("conversation reached soft turn cap, starting a new one",
			"session_id", res.SessionID, "turn_index", st.TurnIndex, "cap", e.cfg.SoftTurnCap)
		res.SessionID = e.rotate(res.SessionID)
		res.Rotated = true
		st = session.State{}
	}

	stream, err := e.send(ctx, req, desc, st)
	var statusErr *upstream.StatusError
	if errors.As(err, &statusErr) && !st.IsNew() {
		slog.Info("upstream rejected conversation, retrying on a new one",
			"session_id", res.SessionID, "conversation_id", st.ConversationID, "status", statusErr.StatusCode)
		res.SessionID = e.rotate(res.SessionID)
		res.Rotated = true
		res.Retried = true
		st = session.State{}
		stream, err = e.send(ctx, req, desc, st)
	}
	if err != nil {
		return nil, classify(err, res.Retried)
	}

	return &Completion{
		store:      e.store,
		body:       stream.Body,
		reader:     translate.NewReader(stream.Body),
		used:       st,
		result:     res,
		persistCtx: context.WithoutCancel(ctx),
	}, nil
}

func (e *Engine) send(ctx context.Context, req Request, desc models.Descriptor, st session.State) (*upstream.Stream, error) {
	body := upstream.NewChatRequest(upstream.ChatParams{
		UserID:         e.cfg.UserID,
		Query:          req.Query,
		ConversationID: st.ConversationID,
		TurnIndex:      st.TurnIndex,
		ModelID:        desc.ModelID,
		Abilities:      desc.Abilities(),
	})
	slog.Debug("calling upstream", "model_id", desc.ModelID, "conversation_id", st.ConversationID,
		"turn_index", st.TurnIndex, "new_conversation", body.IsNewConversation)
	return e.sender.Send(ctx, req.Credentials, body)
}

// rotate moves the default pointer off sessionID when it is the default.
// Explicit sessions keep their id; only their state is reset.
func (e *Engine) rotate(sessionID string) string {
	if sessionID != e.pointer.Current() {
		return sessionID
	}
	next, rotated := e.pointer.Rotate(sessionID)
	if rotated {
		slog.Info("default session rotated", "from", sessionID, "to", next)
	}
	return next
}

// Completion is a live upstream answer. Next must be called from a single
// goroutine; Close must always be called.
type Completion struct {
	store      session.Store
	body       io.ReadCloser
	reader     *translate.Reader
	used       session.State
	persistCtx context.Context

	mu       sync.Mutex
	result   Result
	observed bool
	advanced bool
	persist  errgroup.Group

	closeOnce sync.Once
	closeErr  error
}

// Next returns the next non-empty content delta, or io.EOF after the stream
// ended and the session update is durable.
func (c *Completion) Next() (string, error) {
	for {
		ev, err := c.reader.Next()
		if errors.Is(err, io.EOF) {
			if perr := c.finish(); perr != nil {
				slog.Warn("session update failed", "session_id", c.Result().SessionID, "error", perr)
			}
			return "", io.EOF
		}
		if err != nil {
			return "", fmt.Errorf("read upstream stream: %w", err)
		}
		if ev.ConversationID != "" {
			c.observe(ev.ConversationID)
		}
		if ev.Content != "" {
			return ev.Content, nil
		}
	}
}

// Collect drains the completion into one string.
func (c *Completion) Collect() (string, error) {
	var b strings.Builder
	for {
		delta, err := c.Next()
		if errors.Is(err, io.EOF) {
			return b.String(), nil
		}
		if err != nil {
			return b.String(), err
		}
		b.WriteString(delta)
	}
}

func (c *Completion) Result() Result {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.result
}

// Skipped reports how many malformed upstream payloads were ignored.
func (c *Completion) Skipped() int {
	return c.reader.Skipped()
}

// Close releases the upstream body and waits for any pending session write.
// A conversation id seen before Close is persisted even if the caller went away.
func (c *Completion) Close() error {
	c.closeOnce.Do(func() {
		_ = c.body.Close()
		c.closeErr = c.persist.Wait()
	})
	return c.closeErr
}

func (c *Completion) observe(conversationID string) {
	c.mu.Lock()
	if c.observed {
		c.mu.Unlock()
		return
	}
	c.observed = true
	c.result.ConversationID = conversationID
	c.result.TurnIndex = c.used.TurnIndex + 1
	sessionID := c.result.SessionID
	next := session.State{ConversationID: conversationID, TurnIndex: c.used.TurnIndex + 1}
	c.mu.Unlock()

	c.persist.Go(func() error {
		if _, err := c.store.Update(c.persistCtx, sessionID, func(session.State) session.State { return next }); err != nil {
			return fmt.Errorf("persist conversation %s: %w", conversationID, err)
		}
		slog.Debug("session bound to conversation", "session_id", sessionID, "conversation_id", conversationID, "turn_index", next.TurnIndex)
		return nil
	})
}

// finish runs at clean end of stream. Without an observed conversation id the
// turn index still advances so the counter does not drift.
func (c *Completion) finish() error {
	c.mu.Lock()
	skip := c.observed || c.advanced
	c.advanced = true
	sessionID := c.result.SessionID
	next := session.State{ConversationID: c.used.ConversationID, TurnIndex: c.used.TurnIndex + 1}
	if !skip {
		c.result.ConversationID = next.ConversationID
		c.result.TurnIndex = next.TurnIndex
	}
	c.mu.Unlock()

	if !skip {
		c.persist.Go(func() error {
			_, err := c.store.Update(c.persistCtx, sessionID, func(session.State) session.State { return next })
			if err != nil {
				return fmt.Errorf("advance turn index: %w", err)
			}
			return nil
		})
	}
	return c.persist.Wait()
}
