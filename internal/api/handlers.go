package api

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/BTreeMap/BeeWell/internal/chat"
	"github.com/BTreeMap/BeeWell/internal/models"
	"github.com/BTreeMap/BeeWell/internal/session"
	"github.com/BTreeMap/BeeWell/internal/store"
)

// sessionView is the body of GET /api/session.
type sessionView struct {
	session.Snapshot
	Summary           string `json:"summary,omitempty"`
	Typing            bool   `json:"typing"`
	NeedsConfirmation bool   `json:"needs_confirmation"`
}

// chatRequest is the body of POST /api/chat.
type chatRequest struct {
	Message string `json:"message"`
}

// confirmRequest is the body of POST /api/session/new.
type confirmRequest struct {
	Confirm bool `json:"confirm"`
}

// themeRequest is the body of PUT /api/theme. An empty theme toggles.
type themeRequest struct {
	Theme string `json:"theme"`
}

type themeView struct {
	Theme     store.Theme `json:"theme"`
	Persisted bool        `json:"persisted"`
}

func (s *Server) healthHandler(w http.ResponseWriter, r *http.Request) {
	writeJSONResponse(w, http.StatusOK, models.SuccessWithMessage("BeeWell bridge is running", nil))
}

func (s *Server) sessionHandler(w http.ResponseWriter, r *http.Request) {
	writeJSONResponse(w, http.StatusOK, models.Success(s.view()))
}

func (s *Server) view() sessionView {
	sessions := s.ctrl.Sessions()
	v := sessionView{
		Snapshot:          sessions.Snapshot(),
		Typing:            s.ctrl.Typing(),
		NeedsConfirmation: sessions.NeedsConfirmation(),
	}
	if v.User != nil {
		v.Summary = v.User.Summary()
	}
	return v
}

func (s *Server) profileHandler(w http.ResponseWriter, r *http.Request) {
	var form models.ProfileForm
	if err := decodeJSON(r, &form); err != nil {
		slog.Warn("Server.profileHandler: failed to decode JSON", "error", err)
		writeJSONResponse(w, http.StatusBadRequest, models.Error("Invalid JSON format"))
		return
	}

	profile, err := s.ctrl.CreateProfile(r.Context(), form)
	if err != nil {
		s.writeError(w, "profileHandler", err)
		return
	}
	slog.Info("Server.profileHandler: profile created", "userName", profile.UserName)
	writeJSONResponse(w, http.StatusCreated, models.SuccessWithMessage("Profile created", s.view()))
}

func (s *Server) chatHandler(w http.ResponseWriter, r *http.Request) {
	var req chatRequest
	if err := decodeJSON(r, &req); err != nil {
		slog.Warn("Server.chatHandler: failed to decode JSON", "error", err)
		writeJSONResponse(w, http.StatusBadRequest, models.Error("Invalid JSON format"))
		return
	}

	msg, err := s.ctrl.Send(r.Context(), req.Message)
	if err != nil {
		s.writeError(w, "chatHandler", err)
		return
	}
	writeJSONResponse(w, http.StatusOK, models.Success(msg))
}

func (s *Server) newChatHandler(w http.ResponseWriter, r *http.Request) {
	var req confirmRequest
	if err := decodeJSON(r, &req); err != nil {
		slog.Warn("Server.newChatHandler: failed to decode JSON", "error", err)
		writeJSONResponse(w, http.StatusBadRequest, models.Error("Invalid JSON format"))
		return
	}
	if !req.Confirm && s.ctrl.Sessions().NeedsConfirmation() {
		writeJSONResponse(w, http.StatusPreconditionRequired, models.Error(chat.ConfirmNewChat))
		return
	}
	if err := s.ctrl.NewChat(); err != nil {
		s.writeError(w, "newChatHandler", err)
		return
	}
	writeJSONResponse(w, http.StatusOK, models.SuccessWithMessage("New chat started", s.view()))
}

func (s *Server) endSessionHandler(w http.ResponseWriter, r *http.Request) {
	confirm, _ := strconv.ParseBool(r.URL.Query().Get("confirm"))
	if !confirm && s.ctrl.Sessions().NeedsConfirmation() {
		writeJSONResponse(w, http.StatusPreconditionRequired, models.Error(chat.ConfirmEndSession))
		return
	}
	if err := s.ctrl.EndSession(); err != nil {
		s.writeError(w, "endSessionHandler", err)
		return
	}
	writeJSONResponse(w, http.StatusOK, models.SuccessWithMessage("Session ended", nil))
}

func (s *Server) getThemeHandler(w http.ResponseWriter, r *http.Request) {
	theme, stored := s.records.LoadTheme()
	writeJSONResponse(w, http.StatusOK, models.Success(themeView{Theme: theme, Persisted: stored}))
}

func (s *Server) setThemeHandler(w http.ResponseWriter, r *http.Request) {
	var req themeRequest
	if err := decodeJSON(r, &req); err != nil {
		slog.Warn("Server.setThemeHandler: failed to decode JSON", "error", err)
		writeJSONResponse(w, http.StatusBadRequest, models.Error("Invalid JSON format"))
		return
	}

	var theme store.Theme
	if req.Theme == "" {
		current, _ := s.records.LoadTheme()
		theme = current.Toggle()
	} else {
		t, err := store.ParseTheme(req.Theme)
		if err != nil {
			writeJSONResponse(w, http.StatusBadRequest, models.Error(err.Error()))
			return
		}
		theme = t
	}
	ok := s.records.SaveTheme(theme)
	writeJSONResponse(w, http.StatusOK, models.Success(themeView{Theme: theme, Persisted: ok}))
}

// writeError maps domain errors to HTTP statuses.
func (s *Server) writeError(w http.ResponseWriter, handler string, err error) {
	status := http.StatusInternalServerError
	msg := "Internal server error"
	switch {
	case errors.Is(err, models.ErrInvalidProfile):
		status, msg = http.StatusBadRequest, err.Error()
	case errors.Is(err, chat.ErrEmptyMessage):
		status, msg = http.StatusBadRequest, err.Error()
	case errors.Is(err, chat.ErrProfileSetupFailed):
		status, msg = http.StatusBadGateway, chat.ProfileSetupAlert
	case errors.Is(err, chat.ErrReplyPending),
		errors.Is(err, session.ErrSessionActive),
		errors.Is(err, session.ErrStaleSession):
		status, msg = http.StatusConflict, err.Error()
	case errors.Is(err, session.ErrNoSession):
		status, msg = http.StatusNotFound, err.Error()
	case errors.Is(err, context.Canceled):
		status, msg = http.StatusRequestTimeout, "request cancelled"
	}
	if status >= http.StatusInternalServerError {
		slog.Error("Server."+handler+": request failed", "error", err, "status", status)
	} else {
		slog.Warn("Server."+handler+": request rejected", "error", err, "status", status)
	}
	writeJSONResponse(w, status, models.Error(msg))
}
