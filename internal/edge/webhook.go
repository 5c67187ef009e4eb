package edge

import (
	"encoding/json"
	"net/http"
	"strings"

	"github.com/dskow/cms-edge/internal/apierror"
)

// webhookEvent is the CMS publish notification.
type webhookEvent struct {
	Event string `json:"event"`
	Model string `json:"model"`
	Entry struct {
		Slug string `json:"slug"`
	} `json:"entry"`
}

// handleWebhook drops every cached response under /<model> so the next read
// goes to the CMS.
func (s *Server) handleWebhook(w http.ResponseWriter, r *http.Request) {
	raw, ok := readJSONBody(w, r)
	if !ok {
		return
	}
	var ev webhookEvent
	if err := json.Unmarshal(raw, &ev); err != nil {
		apierror.WriteJSON(w, r, http.StatusBadRequest, apierror.InvalidRequest, "webhook body must be a JSON object")
		return
	}
	model := strings.Trim(strings.TrimSpace(ev.Model), "/")
	if model == "" || strings.ContainsAny(model, "?#/") {
		apierror.WriteJSON(w, r, http.StatusBadRequest, apierror.InvalidRequest, "model is required")
		return
	}

	n := s.invalidate(r.Context(), "/"+model)
	s.logger.Info("cms webhook processed",
		"event", ev.Event,
		"model", model,
		"slug", ev.Entry.Slug,
		"invalidated", n,
	)
	writeJSON(w, http.StatusOK, map[string]int{"invalidated": n})
}
