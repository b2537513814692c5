package proxy

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/lkarlslund/xiaobairouter/pkg/models"
	"github.com/lkarlslund/xiaobairouter/pkg/version"
)

const modelOwner = "wenxiaobai"

type ModelCard struct {
	ID          string   `json:"id"`
	Object      string   `json:"object"`
	Created     int64    `json:"created"`
	OwnedBy     string   `json:"owned_by"`
	Permission  []any    `json:"permission"`
	Root        string   `json:"root"`
	Parent      *string  `json:"parent"`
	Description string   `json:"description,omitempty"`
	Abilities   []string `json:"abilities,omitempty"`
}

func newModelCard(d models.Descriptor, created int64) ModelCard {
	return ModelCard{
		ID:          d.Name,
		Object:      "model",
		Created:     created,
		OwnedBy:     modelOwner,
		Permission:  []any{},
		Root:        d.Name,
		Description: d.Description,
		Abilities:   d.Abilities(),
	}
}

func (s *Server) handleModels(w http.ResponseWriter, _ *http.Request) {
	created := nowUTC().Unix()
	descs := s.engine.Catalog().List()
	cards := make([]ModelCard, 0, len(descs))
	for _, d := range descs {
		cards = append(cards, newModelCard(d, created))
	}
	writeJSON(w, http.StatusOK, map[string]any{"object": "list", "data": cards})
}

func (s *Server) handleModel(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	d, ok := s.engine.Catalog().Lookup(id)
	if !ok {
		writeError(w, http.StatusNotFound, errTypeInvalidRequest, "model '"+id+"' does not exist", "model_not_found")
		return
	}
	writeJSON(w, http.StatusOK, newModelCard(d, nowUTC().Unix()))
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	v := version.Current()
	writeJSON(w, http.StatusOK, map[string]any{
		"status":  "ok",
		"service": v.Service,
		"version": v.Version,
	})
}

func (s *Server) handleRoot(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"name":        "Wenxiaobai OpenAI-compatible API",
		"version":     version.Current().Version,
		"description": "OpenAI-compatible proxy for the Wenxiaobai chat service",
		"endpoints": map[string]string{
			"chat_completions":       "/v1/chat/completions",
			"deployment_completions": "/v1/deployments/{name}/chat/completions",
			"models":                 "/v1/models",
			"health":                 "/health",
			"metrics":                "/metrics",
		},
		"available_models": s.engine.Catalog().Names(),
	})
}
