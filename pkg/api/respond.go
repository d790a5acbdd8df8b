package api

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/modelmeter/modelmeter/pkg/apierr"
	"github.com/modelmeter/modelmeter/pkg/log"
)

// errorEnvelope is the uniform error body for every failure response.
type errorEnvelope struct {
	Error     string         `json:"error"`
	Message   string         `json:"message"`
	Details   map[string]any `json:"details,omitempty"`
	Timestamp string         `json:"timestamp"`
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if body == nil {
		return
	}
	if err := json.NewEncoder(w).Encode(body); err != nil {
		log.WithComponent("api").Error().Err(err).Msg("failed to encode response")
	}
}

func (s *Server) writeError(w http.ResponseWriter, r *http.Request, err error) {
	apiErr := apierr.From(err)
	if apiErr.Code == apierr.CodeInternal {
		log.WithComponent("api").Error().Err(err).
			Str("method", r.Method).Str("path", r.URL.Path).
			Msg("request failed")
	}
	s.writeJSON(w, apiErr.HTTPStatus(), errorEnvelope{
		Error:     string(apiErr.Code),
		Message:   apiErr.Message,
		Details:   apiErr.Details,
		Timestamp: s.clk.Now().UTC().Format(time.RFC3339),
	})
}

func decodeJSON(r *http.Request, into any) error {
	dec := json.NewDecoder(r.Body)
	if err := dec.Decode(into); err != nil {
		return apierr.InvalidRequest("request body is not valid JSON", nil).WithCause(err)
	}
	return nil
}
