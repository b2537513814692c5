package proxy

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5/middleware"
	"github.com/lkarlslund/xiaobairouter/pkg/engine"
)

const (
	errTypeInvalidRequest = "invalid_request_error"
	errTypeAuthentication = "authentication_error"
	errTypeAPI            = "api_error"
	errTypeInternal       = "internal_server_error"
)

type errorBody struct {
	Message string  `json:"message"`
	Type    string  `json:"type"`
	Param   *string `json:"param"`
	Code    *string `json:"code"`
}

type errorEnvelope struct {
	Error errorBody `json:"error"`
}

func writeError(w http.ResponseWriter, status int, typ, message, code string) {
	body := errorBody{Message: message, Type: typ}
	if code != "" {
		body.Code = &code
	}
	writeJSON(w, status, errorEnvelope{Error: body})
}

// writeEngineError maps a failed completion to the OpenAI error envelope and
// returns the HTTP status written. Zero means nothing was written because
// the caller went away.
func (s *Server) writeEngineError(w http.ResponseWriter, r *http.Request, err error) int {
	var engErr *engine.Error
	switch {
	case errors.As(err, &engErr):
		s.metrics.observeUpstreamError(engErr.Kind)
		switch engErr.Kind {
		case engine.KindStatus:
			slog.Warn("upstream rejected request", "status", engErr.StatusCode, "retried", engErr.Retried, "error", engErr.Err)
			writeError(w, http.StatusBadGateway, errTypeAPI, engErr.Error(), strconv.Itoa(engErr.StatusCode))
		case engine.KindProtocol:
			slog.Warn("upstream did not return an event stream", "error", engErr.Err)
			writeError(w, http.StatusBadGateway, errTypeAPI, "upstream did not return an event stream", "invalid_content_type")
		default:
			slog.Warn("upstream unavailable", "error", engErr.Err)
			writeError(w, http.StatusBadGateway, errTypeAPI, "upstream request failed: "+engErr.Error(), "upstream_unavailable")
		}
		return http.StatusBadGateway
	case errors.Is(err, context.Canceled) && r.Context().Err() != nil:
		slog.Debug("caller went away before the upstream answered")
		return 0
	default:
		reqID := middleware.GetReqID(r.Context())
		slog.Error("completion failed", "request_id", reqID, "error", err)
		writeError(w, http.StatusInternalServerError, errTypeInternal, "internal error (request id "+reqID+")", "")
		return http.StatusInternalServerError
	}
}
