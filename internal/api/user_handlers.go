package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strings"

	"opsync/internal/models"
	"opsync/internal/service"
	"opsync/internal/state"
	"opsync/internal/worker"
)

// UserActions is the slice of the user service exposed over HTTP.
type UserActions interface {
	Current() *models.User
	Login(ctx context.Context, externalID string) (*models.User, error)
	Logout(ctx context.Context) (*models.User, error)
	SetProperty(ctx context.Context, key string, value any) error
	DeleteProperty(ctx context.Context, key string) error
	AddSubscription(ctx context.Context, subType, token string) (string, error)
	RemoveSubscription(ctx context.Context, id string) error
	TrackEvent(ctx context.Context, name string, properties map[string]any) error
}

// MessageReader reads content that has to reflect the user's own writes.
type MessageReader interface {
	FetchInAppMessages(ctx context.Context, subscriptionID string) ([]service.InAppMessage, error)
}

// WithUsers enables the /api/v1/user routes.
func (s *HTTPServer) WithUsers(users UserActions, messages MessageReader) *HTTPServer {
	s.users = users
	s.messages = messages
	s.server.Handler = s.Handler()
	return s
}

func (s *HTTPServer) registerUserRoutes(mux *http.ServeMux) {
	if s.users == nil {
		return
	}
	mux.HandleFunc("GET /api/v1/user", s.handleCurrentUser)
	mux.HandleFunc("POST /api/v1/user/login", s.handleLogin)
	mux.HandleFunc("POST /api/v1/user/logout", s.handleLogout)
	mux.HandleFunc("PUT /api/v1/user/properties/{key}", s.handleSetProperty)
	mux.HandleFunc("DELETE /api/v1/user/properties/{key}", s.handleDeleteProperty)
	mux.HandleFunc("POST /api/v1/user/subscriptions", s.handleAddSubscription)
	mux.HandleFunc("DELETE /api/v1/user/subscriptions/{id}", s.handleRemoveSubscription)
	mux.HandleFunc("POST /api/v1/user/events", s.handleTrackEvent)
	if s.messages != nil {
		mux.HandleFunc("GET /api/v1/user/subscriptions/{id}/iams", s.handleInAppMessages)
	}
}

func (s *HTTPServer) handleCurrentUser(w http.ResponseWriter, _ *http.Request) {
	u := s.users.Current()
	if u == nil {
		writeError(w, http.StatusNotFound, state.ErrNoCurrentUser.Error())
		return
	}
	writeJSON(w, http.StatusOK, u)
}

func (s *HTTPServer) handleLogin(w http.ResponseWriter, r *http.Request) {
	var body struct {
		ExternalID string `json:"external_id"`
	}
	if !decodeBody(w, r, &body) {
		return
	}
	if strings.TrimSpace(body.ExternalID) == "" {
		writeError(w, http.StatusBadRequest, "external_id is required")
		return
	}
	u, err := s.users.Login(r.Context(), strings.TrimSpace(body.ExternalID))
	if err != nil {
		s.writeUserError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, u)
}

func (s *HTTPServer) handleLogout(w http.ResponseWriter, r *http.Request) {
	u, err := s.users.Logout(r.Context())
	if err != nil {
		s.writeUserError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, u)
}

func (s *HTTPServer) handleSetProperty(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Value any `json:"value"`
	}
	if !decodeBody(w, r, &body) {
		return
	}
	if err := s.users.SetProperty(r.Context(), r.PathValue("key"), body.Value); err != nil {
		s.writeUserError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *HTTPServer) handleDeleteProperty(w http.ResponseWriter, r *http.Request) {
	if err := s.users.DeleteProperty(r.Context(), r.PathValue("key")); err != nil {
		s.writeUserError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *HTTPServer) handleAddSubscription(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Type  string `json:"type"`
		Token string `json:"token"`
	}
	if !decodeBody(w, r, &body) {
		return
	}
	id, err := s.users.AddSubscription(r.Context(), strings.TrimSpace(body.Type), body.Token)
	if err != nil {
		s.writeUserError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, map[string]string{"id": id})
}

func (s *HTTPServer) handleRemoveSubscription(w http.ResponseWriter, r *http.Request) {
	if err := s.users.RemoveSubscription(r.Context(), r.PathValue("id")); err != nil {
		s.writeUserError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *HTTPServer) handleTrackEvent(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Name       string         `json:"name"`
		Properties map[string]any `json:"properties"`
	}
	if !decodeBody(w, r, &body) {
		return
	}
	if err := s.users.TrackEvent(r.Context(), body.Name, body.Properties); err != nil {
		s.writeUserError(w, err)
		return
	}
	w.WriteHeader(http.StatusAccepted)
}

func (s *HTTPServer) handleInAppMessages(w http.ResponseWriter, r *http.Request) {
	msgs, err := s.messages.FetchInAppMessages(r.Context(), r.PathValue("id"))
	if err != nil {
		s.writeUserError(w, err)
		return
	}
	bodies := make([]json.RawMessage, 0, len(msgs))
	for _, m := range msgs {
		bodies = append(bodies, m.Body)
	}
	writeJSON(w, http.StatusOK, map[string]any{"in_app_messages": bodies})
}

func (s *HTTPServer) writeUserError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, service.ErrInvalidArgument), errors.Is(err, worker.ErrUnknownKind):
		writeError(w, http.StatusBadRequest, err.Error())
	case errors.Is(err, service.ErrUnknownSubscription):
		writeError(w, http.StatusNotFound, err.Error())
	case errors.Is(err, state.ErrNoCurrentUser):
		writeError(w, http.StatusConflict, err.Error())
	case errors.Is(err, worker.ErrQueueClosed):
		writeError(w, http.StatusServiceUnavailable, err.Error())
	default:
		s.logger.Error().Err(err).Msg("user request failed")
		writeError(w, http.StatusInternalServerError, "internal error")
	}
}

func decodeBody(w http.ResponseWriter, r *http.Request, v any) bool {
	decoder := json.NewDecoder(r.Body)
	decoder.DisallowUnknownFields()
	if err := decoder.Decode(v); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return false
	}
	return true
}
