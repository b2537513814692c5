package engine

import (
	"context"
	"errors"
	"io"
	"net/http"
	"strings"
	"sync"
	"testing"

	"github.com/lkarlslund/xiaobairouter/pkg/models"
	"github.com/lkarlslund/xiaobairouter/pkg/session"
	"github.com/lkarlslund/xiaobairouter/pkg/upstream"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type reply struct {
	body string
	rc   io.ReadCloser
	err  error
}

// fakeSender records every request and replays scripted answers in order.
type fakeSender struct {
	mu      sync.Mutex
	replies []reply
	sent    []upstream.ChatRequest
}

func (f *fakeSender) Send(_ context.Context, _ upstream.Credentials, req upstream.ChatRequest) (*upstream.Stream, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sent = append(f.sent, req)
	if len(f.replies) == 0 {
		return nil, errors.New("no scripted reply")
	}
	r := f.replies[0]
	f.replies = f.replies[1:]
	if r.err != nil {
		return nil, r.err
	}
	body := r.rc
	if body == nil {
		body = io.NopCloser(strings.NewReader(r.body))
	}
	return &upstream.Stream{Body: body, StatusCode: http.StatusOK}, nil
}

func sse(conversationID string, parts ...string) string {
	var b strings.Builder
	for i, p := range parts {
		b.WriteString(`data: {"content":"` + p + `"`)
		if i == 0 && conversationID != "" {
			b.WriteString(`,"conversationId":"` + conversationID + `"`)
		}
		b.WriteString("}\n\n")
	}
	b.WriteString("data: [DONE]\n\n")
	return b.String()
}

func newTestEngine(t *testing.T, sender Sender, cfg Config) (*Engine, *session.BadgerStore) {
	t.Helper()
	store, err := session.Open(session.InMemoryConfig())
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })
	return New(sender, store, session.NewPointer(""), models.Default(), cfg), store
}

func run(t *testing.T, e *Engine, req Request) (string, Result) {
	t.Helper()
	c, err := e.Open(context.Background(), req)
	require.NoError(t, err)
	content, err := c.Collect()
	require.NoError(t, err)
	require.NoError(t, c.Close())
	return content, c.Result()
}

func TestTurnProgressionOnDefaultSession(t *testing.T) {
	sender := &fakeSender{replies: []reply{
		{body: sse("conv-1", "Hel", "lo")},
		{body: sse("conv-1", "again")},
		{body: sse("", "third")},
	}}
	e, store := newTestEngine(t, sender, Config{})

	content, res := run(t, e, Request{Model: "wenxiaobai-base", Query: "hi"})
	assert.Equal(t, "Hello", content)
	assert.Equal(t, session.DefaultSessionID, res.SessionID)
	assert.Equal(t, "conv-1", res.ConversationID)
	assert.Equal(t, 1, res.TurnIndex)

	_, res = run(t, e, Request{Model: "wenxiaobai-base", Query: "more"})
	assert.Equal(t, 2, res.TurnIndex)

	_, res = run(t, e, Request{Model: "wenxiaobai-base", Query: "last"})
	assert.Equal(t, 3, res.TurnIndex, "turn advances even without a conversation id")

	require.Len(t, sender.sent, 3)
	assert.True(t, sender.sent[0].IsNewConversation)
	assert.Equal(t, 0, sender.sent[0].TurnIndex)
	assert.Empty(t, sender.sent[0].ConversationID)
	assert.False(t, sender.sent[1].IsNewConversation)
	assert.Equal(t, "conv-1", sender.sent[1].ConversationID)
	assert.Equal(t, 1, sender.sent[1].TurnIndex)
	assert.Equal(t, 2, sender.sent[2].TurnIndex)

	st, err := store.Get(context.Background(), session.DefaultSessionID)
	require.NoError(t, err)
	assert.Equal(t, "conv-1", st.ConversationID)
	assert.Equal(t, 3, st.TurnIndex)
}

func TestModelFallbackUsesDefaultDescriptor(t *testing.T) {
	sender := &fakeSender{replies: []reply{{body: sse("c", "x")}}}
	e, _ := newTestEngine(t, sender, Config{})
	_, res := run(t, e, Request{Model: "gpt-4o", Query: "hi"})
	assert.True(t, res.ModelFallback)
	assert.Equal(t, models.DefaultModel, res.Model.Name)
	require.Len(t, sender.sent, 1)
	require.Len(t, sender.sent[0].Abilities, 1)
	assert.Equal(t, models.AbilityDeepThought, sender.sent[0].Abilities[0].ID)
}

func TestLimitFailureRetriesOnNewConversation(t *testing.T) {
	sender := &fakeSender{replies: []reply{
		{err: &upstream.StatusError{StatusCode: http.StatusBadRequest, Body: "conversation limit"}},
		{body: sse("conv-new", "ok")},
	}}
	e, store := newTestEngine(t, sender, Config{})
	ctx := context.Background()
	_, err := store.Update(ctx, session.DefaultSessionID, func(session.State) session.State {
		return session.State{ConversationID: "conv-old", TurnIndex: 4}
	})
	require.NoError(t, err)

	var persisted []string
	e.Pointer().OnRotate(func(id string) error {
		persisted = append(persisted, id)
		return nil
	})

	content, res := run(t, e, Request{Query: "hi"})
	assert.Equal(t, "ok", content)
	assert.True(t, res.Retried)
	assert.True(t, res.Rotated)
	assert.NotEqual(t, session.DefaultSessionID, res.SessionID)
	assert.Equal(t, e.Pointer().Current(), res.SessionID)
	assert.Equal(t, []string{res.SessionID}, persisted)

	require.Len(t, sender.sent, 2)
	assert.Equal(t, "conv-old", sender.sent[0].ConversationID)
	assert.True(t, sender.sent[1].IsNewConversation)
	assert.Equal(t, 0, sender.sent[1].TurnIndex)

	st, err := store.Get(ctx, res.SessionID)
	require.NoError(t, err)
	assert.Equal(t, "conv-new", st.ConversationID)
	assert.Equal(t, 1, st.TurnIndex)

	old, err := store.Get(ctx, session.DefaultSessionID)
	require.NoError(t, err)
	assert.Equal(t, "conv-old", old.ConversationID, "old session left untouched")
}

func TestExplicitSessionKeepsIDOnRetry(t *testing.T) {
	sender := &fakeSender{replies: []reply{
		{err: &upstream.StatusError{StatusCode: http.StatusInternalServerError}},
		{body: sse("conv-b", "ok")},
	}}
	e, store := newTestEngine(t, sender, Config{})
	ctx := context.Background()
	_, err := store.Update(ctx, "mine", func(session.State) session.State {
		return session.State{ConversationID: "conv-a", TurnIndex: 2}
	})
	require.NoError(t, err)

	_, res := run(t, e, Request{SessionID: "mine", Query: "hi"})
	assert.Equal(t, "mine", res.SessionID)
	assert.True(t, res.Retried)
	assert.Equal(t, session.DefaultSessionID, e.Pointer().Current())

	st, err := store.Get(ctx, "mine")
	require.NoError(t, err)
	assert.Equal(t, "conv-b", st.ConversationID)
	assert.Equal(t, 1, st.TurnIndex)
}

func TestNewConversationFailureIsNotRetried(t *testing.T) {
	sender := &fakeSender{replies: []reply{
		{err: &upstream.StatusError{StatusCode: http.StatusTooManyRequests}},
	}}
	e, _ := newTestEngine(t, sender, Config{})
	_, err := e.Open(context.Background(), Request{Query: "hi"})
	var engErr *Error
	require.ErrorAs(t, err, &engErr)
	assert.Equal(t, KindStatus, engErr.Kind)
	assert.Equal(t, http.StatusTooManyRequests, engErr.StatusCode)
	assert.False(t, engErr.Retried)
	assert.Len(t, sender.sent, 1)
}

func TestRetryFailureReportsSecondStatus(t *testing.T) {
	sender := &fakeSender{replies: []reply{
		{err: &upstream.StatusError{StatusCode: http.StatusBadRequest}},
		{err: &upstream.StatusError{StatusCode: http.StatusBadGateway}},
	}}
	e, store := newTestEngine(t, sender, Config{})
	_, err := store.Update(context.Background(), session.DefaultSessionID, func(session.State) session.State {
		return session.State{ConversationID: "c", TurnIndex: 1}
	})
	require.NoError(t, err)

	_, err = e.Open(context.Background(), Request{Query: "hi"})
	var engErr *Error
	require.ErrorAs(t, err, &engErr)
	assert.Equal(t, http.StatusBadGateway, engErr.StatusCode)
	assert.True(t, engErr.Retried)
	assert.Len(t, sender.sent, 2)
}

func TestTransportAndProtocolErrorsAreClassified(t *testing.T) {
	sender := &fakeSender{replies: []reply{
		{err: &upstream.TransportError{Err: errors.New("dial tcp: refused")}},
		{err: &upstream.ContentTypeError{ContentType: "text/html"}},
	}}
	e, _ := newTestEngine(t, sender, Config{})

	_, err := e.Open(context.Background(), Request{Query: "hi"})
	var engErr *Error
	require.ErrorAs(t, err, &engErr)
	assert.Equal(t, KindUnavailable, engErr.Kind)

	_, err = e.Open(context.Background(), Request{Query: "hi"})
	require.ErrorAs(t, err, &engErr)
	assert.Equal(t, KindProtocol, engErr.Kind)
	assert.Len(t, sender.sent, 2, "only status failures are retried")
}

func TestSoftCapRotatesBeforeCalling(t *testing.T) {
	sender := &fakeSender{replies: []reply{{body: sse("conv-2", "fresh")}}}
	e, store := newTestEngine(t, sender, Config{SoftTurnCap: 3})
	ctx := context.Background()
	_, err := store.Update(ctx, session.DefaultSessionID, func(session.State) session.State {
		return session.State{ConversationID: "conv-1", TurnIndex: 3}
	})
	require.NoError(t, err)

	_, res := run(t, e, Request{Query: "hi"})
	assert.True(t, res.Rotated)
	assert.False(t, res.Retried)
	require.Len(t, sender.sent, 1)
	assert.True(t, sender.sent[0].IsNewConversation)
	assert.Equal(t, 0, sender.sent[0].TurnIndex)
	assert.Equal(t, 1, res.TurnIndex)
}

func TestSoftCapDisabled(t *testing.T) {
	sender := &fakeSender{replies: []reply{{body: sse("", "x")}}}
	e, store := newTestEngine(t, sender, Config{SoftTurnCap: -1})
	_, err := store.Update(context.Background(), session.DefaultSessionID, func(session.State) session.State {
		return session.State{ConversationID: "conv-1", TurnIndex: 40}
	})
	require.NoError(t, err)
	_, res := run(t, e, Request{Query: "hi"})
	assert.False(t, res.Rotated)
	assert.Equal(t, 40, sender.sent[0].TurnIndex)
}

func TestCancelledCallerStillPersistsConversation(t *testing.T) {
	pr, pw := io.Pipe()
	sender := &fakeSender{replies: []reply{{rc: pr}}}
	e, store := newTestEngine(t, sender, Config{})

	ctx, cancel := context.WithCancel(context.Background())
	c, err := e.Open(ctx, Request{Query: "hi"})
	require.NoError(t, err)

	go func() {
		_, _ = io.WriteString(pw, "data: {\"content\":\"par\",\"conversationId\":\"conv-x\"}\n\n")
	}()
	delta, err := c.Next()
	require.NoError(t, err)
	assert.Equal(t, "par", delta)

	// Caller goes away mid-stream.
	cancel()
	require.NoError(t, c.Close())
	_ = pw.Close()

	st, err := store.Get(context.Background(), session.DefaultSessionID)
	require.NoError(t, err)
	assert.Equal(t, "conv-x", st.ConversationID)
	assert.Equal(t, 1, st.TurnIndex)
}

func TestBrokenStreamDoesNotAdvanceTurn(t *testing.T) {
	pr, pw := io.Pipe()
	sender := &fakeSender{replies: []reply{{rc: pr}}}
	e, store := newTestEngine(t, sender, Config{})
	c, err := e.Open(context.Background(), Request{Query: "hi"})
	require.NoError(t, err)

	go func() {
		_, _ = io.WriteString(pw, "data: {\"content\":\"a\"}\n\n")
		_ = pw.CloseWithError(errors.New("connection reset"))
	}()
	_, err = c.Next()
	require.NoError(t, err)
	_, err = c.Next()
	require.Error(t, err)
	require.NoError(t, c.Close())

	st, err := store.Get(context.Background(), session.DefaultSessionID)
	require.NoError(t, err)
	assert.True(t, st.IsNew())
	assert.Equal(t, 0, st.TurnIndex)
}

func TestEmptyQueryRejected(t *testing.T) {
	e, _ := newTestEngine(t, &fakeSender{}, Config{})
	_, err := e.Open(context.Background(), Request{Query: "  "})
	require.Error(t, err)
}
