package proxy

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/lkarlslund/xiaobairouter/pkg/accounts"
	"github.com/lkarlslund/xiaobairouter/pkg/engine"
	"github.com/lkarlslund/xiaobairouter/pkg/translate"
	openai "github.com/sashabaranov/go-openai"
)

const (
	maxRequestBody  = 8 << 20
	headerSessionID = "X-Session-Id"
)

// chatRequest is the subset of the OpenAI chat body the proxy reads.
// Sampling parameters are accepted but the upstream has no use for them.
type chatRequest struct {
	Model       string                         `json:"model"`
	Messages    []openai.ChatCompletionMessage `json:"messages"`
	Stream      *bool                          `json:"stream"`
	SessionID   string                         `json:"session_id"`
	Temperature *float32                       `json:"temperature,omitempty"`
	TopP        *float32                       `json:"top_p,omitempty"`
	MaxTokens   *int                           `json:"max_tokens,omitempty"`
}

func (r chatRequest) streaming() bool {
	return r.Stream == nil || *r.Stream
}

// queryFromMessages returns the text of the last message. Multi-part content
// contributes its text parts only.
func queryFromMessages(msgs []openai.ChatCompletionMessage) string {
	if len(msgs) == 0 {
		return ""
	}
	last := msgs[len(msgs)-1]
	if len(last.MultiContent) == 0 {
		return last.Content
	}
	var b strings.Builder
	for _, part := range last.MultiContent {
		if part.Type == openai.ChatMessagePartTypeText {
			b.WriteString(part.Text)
		}
	}
	return b.String()
}

func (s *Server) handleChat(w http.ResponseWriter, r *http.Request) {
	s.serveChat(w, r, "")
}

func (s *Server) handleDeploymentChat(w http.ResponseWriter, r *http.Request) {
	s.serveChat(w, r, strings.TrimSpace(chi.URLParam(r, "name")))
}

func (s *Server) serveChat(w http.ResponseWriter, r *http.Request, modelOverride string) {
	start := time.Now()
	s.metrics.trackActive(1)
	defer s.metrics.trackActive(-1)

	body, err := io.ReadAll(io.LimitReader(r.Body, maxRequestBody))
	if err != nil {
		writeError(w, http.StatusBadRequest, errTypeInvalidRequest, "failed to read request body", "")
		return
	}
	defer r.Body.Close()

	var req chatRequest
	if len(body) == 0 || json.Unmarshal(body, &req) != nil {
		writeError(w, http.StatusBadRequest, errTypeInvalidRequest, "request body must be valid JSON", "")
		return
	}
	model := strings.TrimSpace(req.Model)
	if modelOverride != "" {
		model = modelOverride
	}
	if model == "" {
		model = s.engine.Catalog().DefaultName()
	}
	if len(req.Messages) == 0 {
		writeError(w, http.StatusBadRequest, errTypeInvalidRequest, "request is missing 'messages'", "")
		return
	}
	query := queryFromMessages(req.Messages)
	if strings.TrimSpace(query) == "" {
		writeError(w, http.StatusBadRequest, errTypeInvalidRequest, "could not extract any text from the last message", "")
		return
	}
	stream := req.streaming()
	sessionID := strings.TrimSpace(req.SessionID)
	if sessionID == "" {
		sessionID = strings.TrimSpace(r.Header.Get(headerSessionID))
	}
	who, _ := callerFrom(r.Context())

	comp, err := s.engine.Open(r.Context(), engine.Request{
		SessionID:   sessionID,
		Model:       model,
		Query:       query,
		Credentials: who.Credentials,
	})
	if err != nil {
		status := s.writeEngineError(w, r, err)
		s.metrics.observeRequest(model, stream, status, time.Since(start))
		s.logUsage(r, who, model, sessionID, status)
		return
	}
	s.recordCall(r.Context(), who)

	res := comp.Result()
	w.Header().Set(headerSessionID, res.SessionID)
	slog.Debug("completion opened", "session_id", res.SessionID, "model", model,
		"upstream_model", res.Model.ModelID, "fallback", res.ModelFallback, "rotated", res.Rotated, "retried", res.Retried, "caller", who.Name)

	status := http.StatusOK
	if stream {
		s.relayStream(w, r, comp, model)
	} else {
		status = s.writeBuffered(w, r, comp, model)
	}
	if err := comp.Close(); err != nil {
		slog.Warn("session state not saved", "session_id", res.SessionID, "error", err)
	}
	final := comp.Result()
	s.metrics.observeResult(final, comp.Skipped())
	s.metrics.observeRequest(model, stream, status, time.Since(start))
	s.logUsage(r, who, model, final.SessionID, status)
	slog.Info("completion finished", "session_id", final.SessionID, "conversation_id", final.ConversationID,
		"turn_index", final.TurnIndex, "model", model, "stream", stream, "status", status, "elapsed", time.Since(start).Round(time.Millisecond))
}

// relayStream writes deltas as they arrive. Once the first chunk is out the
// status is committed, so upstream failures end the stream with a stop chunk.
func (s *Server) relayStream(w http.ResponseWriter, r *http.Request, comp *engine.Completion, model string) {
	h := w.Header()
	h.Set("Content-Type", "text/event-stream")
	h.Set("Cache-Control", "no-cache")
	h.Set("Connection", "keep-alive")
	h.Set("X-Accel-Buffering", "no")
	w.WriteHeader(http.StatusOK)

	sw := translate.NewStreamWriter(w, translate.NewChatID(), model, nowUTC())
	defer func() { s.metrics.addChunks(sw.Chunks()) }()
	for {
		delta, err := comp.Next()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			if r.Context().Err() != nil {
				slog.Debug("caller went away mid-stream", "session_id", comp.Result().SessionID)
				return
			}
			slog.Warn("upstream stream broke", "session_id", comp.Result().SessionID, "error", err)
			break
		}
		if err := sw.Delta(delta); err != nil {
			slog.Debug("caller write failed", "error", err)
			return
		}
	}
	if err := sw.Stop(); err != nil {
		slog.Debug("caller write failed", "error", err)
	}
}

func (s *Server) writeBuffered(w http.ResponseWriter, r *http.Request, comp *engine.Completion, model string) int {
	content, err := comp.Collect()
	if err != nil {
		if r.Context().Err() != nil {
			return 0
		}
		reqID := middleware.GetReqID(r.Context())
		slog.Warn("upstream stream broke", "request_id", reqID, "session_id", comp.Result().SessionID, "error", err)
		writeError(w, http.StatusBadGateway, errTypeAPI, "upstream stream ended with an error", "upstream_stream_error")
		return http.StatusBadGateway
	}
	writeJSON(w, http.StatusOK, translate.NewCompletion(translate.NewChatID(), model, nowUTC(), content))
	return http.StatusOK
}

// recordCall counts the call against the caller's upstream token and lets
// upkeep know how busy the token is.
func (s *Server) recordCall(ctx context.Context, who caller) {
	if s.ledger == nil || !who.fromDirectory() {
		return
	}
	n, err := s.ledger.RecordCall(context.WithoutCancel(ctx), who.TokenID)
	if err != nil {
		slog.Warn("record call failed", "token_id", who.TokenID, "error", err)
		return
	}
	if s.upkeep != nil {
		s.upkeep.OnCall(n)
	}
}

func (s *Server) logUsage(r *http.Request, who caller, model, sessionID string, status int) {
	if s.ledger == nil || !who.fromDirectory() {
		return
	}
	err := s.ledger.LogUsage(context.WithoutCancel(r.Context()), accounts.UsageEntry{
		UserID:    who.UserID,
		APIKeyID:  who.APIKeyID,
		TokenID:   who.TokenID,
		Model:     model,
		SessionID: sessionID,
		RequestID: middleware.GetReqID(r.Context()),
		Status:    status,
	})
	if err != nil {
		slog.Warn("usage log failed", "user_id", who.UserID, "error", err)
	}
}
