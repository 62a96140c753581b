package server

import (
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"

	"github.com/lazypower/crystal/internal/apperr"
	"github.com/lazypower/crystal/internal/engine"
)

func (s *Server) handleGetOwnProfile(w http.ResponseWriter, r *http.Request) {
	p, err := s.engine.Profile(r.Context(), session(r).UserID)
	if err != nil {
		writeError(w, s.log, err)
		return
	}
	writeJSON(w, http.StatusOK, p)
}

func (s *Server) handlePutProfile(w http.ResponseWriter, r *http.Request) {
	var req engine.ProfileUpdate
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, s.log, err)
		return
	}

	p, err := s.engine.UpdateProfile(r.Context(), session(r), req)
	if err != nil {
		writeError(w, s.log, err)
		return
	}
	writeJSON(w, http.StatusOK, p)
}

func (s *Server) handleGetUser(w http.ResponseWriter, r *http.Request) {
	userID := chi.URLParam(r, "userID")

	p, err := s.engine.Profile(r.Context(), userID)
	if err != nil {
		writeError(w, s.log, err)
		return
	}
	st, err := s.presence.Status(r.Context(), userID)
	if err != nil {
		writeError(w, s.log, apperr.Transient("load presence", err))
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"profile":  p,
		"presence": st,
	})
}

func (s *Server) handleHeartbeat(w http.ResponseWriter, r *http.Request) {
	s.presence.Heartbeat(r.Context(), session(r).UserID)
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleGetPresence(w http.ResponseWriter, r *http.Request) {
	st, err := s.presence.Status(r.Context(), chi.URLParam(r, "userID"))
	if err != nil {
		writeError(w, s.log, apperr.Transient("load presence", err))
		return
	}
	writeJSON(w, http.StatusOK, st)
}

func (s *Server) handleListConversations(w http.ResponseWriter, r *http.Request) {
	views, err := s.engine.ListForUser(r.Context(), session(r).UserID)
	if err != nil {
		writeError(w, s.log, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"conversations": views})
}

func (s *Server) handleOpenConversation(w http.ResponseWriter, r *http.Request) {
	var req struct {
		UserID string `json:"user_id"`
	}
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, s.log, err)
		return
	}
	if req.UserID == "" {
		writeError(w, s.log, apperr.Validation("user_id required"))
		return
	}

	v, err := s.engine.Open(r.Context(), session(r), req.UserID)
	if err != nil {
		writeError(w, s.log, err)
		return
	}
	writeJSON(w, http.StatusOK, v)
}

func (s *Server) handleGetConversation(w http.ResponseWriter, r *http.Request) {
	v, err := s.engine.Conversation(r.Context(), chi.URLParam(r, "id"), session(r).UserID)
	if err != nil {
		writeError(w, s.log, err)
		return
	}
	writeJSON(w, http.StatusOK, v)
}

func (s *Server) handleListMessages(w http.ResponseWriter, r *http.Request) {
	msgs, err := s.engine.Messages(r.Context(), chi.URLParam(r, "id"), session(r).UserID)
	if err != nil {
		writeError(w, s.log, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"messages": msgs})
}

func (s *Server) handleSendMessage(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Text          string `json:"text"`
		AttachmentURL string `json:"attachment_url"`
	}
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, s.log, err)
		return
	}

	res, err := s.engine.SendMessage(r.Context(), session(r), chi.URLParam(r, "id"), req.Text, req.AttachmentURL)
	if err != nil {
		writeError(w, s.log, err)
		return
	}
	writeJSON(w, http.StatusCreated, res)
}

func (s *Server) handleDeleteMessage(w http.ResponseWriter, r *http.Request) {
	err := s.engine.DeleteMessage(r.Context(), session(r), chi.URLParam(r, "id"), chi.URLParam(r, "messageID"))
	if err != nil {
		writeError(w, s.log, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleMarkRead(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Upto int64 `json:"upto"`
	}
	if r.ContentLength != 0 {
		if err := decodeJSON(r, &req); err != nil {
			writeError(w, s.log, err)
			return
		}
	}

	advanced, err := s.engine.MarkRead(r.Context(), session(r), chi.URLParam(r, "id"), req.Upto)
	if err != nil {
		writeError(w, s.log, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"advanced": advanced})
}

func (s *Server) handleListNotifications(w http.ResponseWriter, r *http.Request) {
	limit := 50
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 {
			writeError(w, s.log, apperr.Validation("limit must be a positive integer"))
			return
		}
		limit = min(n, 200)
	}

	userID := session(r).UserID
	list, err := s.engine.Notifications(r.Context(), userID, limit)
	if err != nil {
		writeError(w, s.log, err)
		return
	}
	unread, err := s.db.UnreadNotifications(r.Context(), userID)
	if err != nil {
		writeError(w, s.log, apperr.Transient("count notifications", err))
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"notifications": list, "unread": unread})
}

func (s *Server) handleMarkNotificationsRead(w http.ResponseWriter, r *http.Request) {
	n, err := s.engine.MarkNotificationsRead(r.Context(), session(r).UserID)
	if err != nil {
		writeError(w, s.log, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]int64{"marked": n})
}

func (s *Server) handleUpload(w http.ResponseWriter, r *http.Request) {
	if s.media == nil {
		writeError(w, s.log, errUploadsDisabled())
		return
	}
	defer r.Body.Close()

	up, err := s.media.Upload(r.Context(), session(r).UserID, r.Body)
	if err != nil {
		writeError(w, s.log, err)
		return
	}
	writeJSON(w, http.StatusCreated, up)
}
