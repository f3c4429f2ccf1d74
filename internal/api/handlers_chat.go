package api

import (
	"net/http"
	"regexp"
	"strconv"
	"strings"

	"lukhas/internal/logging"
	"lukhas/internal/store"
)

var roomPattern = regexp.MustCompile(`^[a-z0-9][a-z0-9_-]{0,63}$`)

const maxChatBody = 4000

func roomFrom(w http.ResponseWriter, r *http.Request) (string, bool) {
	room := r.PathValue("room")
	if !roomPattern.MatchString(room) {
		WriteError(w, http.StatusBadRequest, "bad_room", "room names are 1-64 lowercase letters, digits, '_' or '-'")
		return "", false
	}
	return room, true
}

func (s *Server) handleListMessages(w http.ResponseWriter, r *http.Request) {
	room, ok := roomFrom(w, r)
	if !ok {
		return
	}
	var since int64
	if raw := r.URL.Query().Get("since"); raw != "" {
		n, err := strconv.ParseInt(raw, 10, 64)
		if err != nil || n < 0 {
			WriteError(w, http.StatusBadRequest, "bad_request", "since must be a non-negative message id")
			return
		}
		since = n
	}
	limit, err := queryInt(r, "limit", 100)
	if err != nil {
		WriteError(w, http.StatusBadRequest, "bad_request", err.Error())
		return
	}

	msgs, err := s.deps.Store.ListMessages(r.Context(), room, since, limit)
	if err != nil {
		writeStoreError(w, r, "room", err)
		return
	}
	if msgs == nil {
		msgs = []*store.ChatMessage{}
	}
	WriteJSON(w, http.StatusOK, map[string]any{"room": room, "messages": msgs})
}

type postMessageRequest struct {
	Body string `json:"body"`
}

func (s *Server) handlePostMessage(w http.ResponseWriter, r *http.Request) {
	room, ok := roomFrom(w, r)
	if !ok {
		return
	}
	var req postMessageRequest
	if err := ReadJSON(w, r, &req); err != nil {
		WriteError(w, http.StatusBadRequest, "bad_request", err.Error())
		return
	}
	body := strings.TrimSpace(req.Body)
	if body == "" || len(body) > maxChatBody {
		WriteError(w, http.StatusBadRequest, "validation_failed", "message body must be 1-4000 characters")
		return
	}

	user, err := s.deps.Store.GetUserByID(r.Context(), subject(r))
	if err != nil {
		writeStoreError(w, r, "user", err)
		return
	}
	msg := &store.ChatMessage{Room: room, UserID: user.ID, Username: user.Username, Body: body}
	if err := s.deps.Store.PostMessage(r.Context(), msg); err != nil {
		writeStoreError(w, r, "room", err)
		return
	}

	s.hub.Broadcast(room, msg)
	WriteJSON(w, http.StatusCreated, msg)
}

// handleChatSocket upgrades to a WebSocket that receives every message
// posted to the room from now on. Browsers pass the token as access_token.
func (s *Server) handleChatSocket(w http.ResponseWriter, r *http.Request) {
	room, ok := roomFrom(w, r)
	if !ok {
		return
	}
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		// Upgrade already wrote the error response.
		logging.APIDebug("chat upgrade failed: %v", err)
		return
	}

	client, ok := s.hub.join(room, conn)
	if !ok {
		conn.Close()
		return
	}
	logging.APIDebug("chat socket joined %s (subject=%s)", room, subject(r))
	go client.writePump()
	client.readPump()
}
