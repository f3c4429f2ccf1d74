package api

import (
	"net/http"

	"lukhas/internal/store"
)

// followTarget resolves the {user} path value, which may be a user id or a
// username.
func (s *Server) followTarget(w http.ResponseWriter, r *http.Request) (*store.User, bool) {
	ref := r.PathValue("user")
	user, err := s.deps.Store.GetUserByID(r.Context(), ref)
	if err == nil {
		return user, true
	}
	user, err = s.deps.Store.GetUserByUsername(r.Context(), ref)
	if err != nil {
		writeStoreError(w, r, "user", err)
		return nil, false
	}
	return user, true
}

func (s *Server) handleFollow(w http.ResponseWriter, r *http.Request) {
	target, ok := s.followTarget(w, r)
	if !ok {
		return
	}
	if err := s.deps.Store.Follow(r.Context(), subject(r), target.ID); err != nil {
		writeStoreError(w, r, "user", err)
		return
	}
	WriteJSON(w, http.StatusOK, map[string]string{"following": target.ID})
}

func (s *Server) handleUnfollow(w http.ResponseWriter, r *http.Request) {
	target, ok := s.followTarget(w, r)
	if !ok {
		return
	}
	if err := s.deps.Store.Unfollow(r.Context(), subject(r), target.ID); err != nil {
		writeStoreError(w, r, "follow", err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleFollowing(w http.ResponseWriter, r *http.Request) {
	ids, err := s.deps.Store.Following(r.Context(), subject(r))
	if err != nil {
		writeStoreError(w, r, "user", err)
		return
	}
	if ids == nil {
		ids = []string{}
	}
	WriteJSON(w, http.StatusOK, map[string]any{"following": ids})
}

func (s *Server) handleFeed(w http.ResponseWriter, r *http.Request) {
	limit, err := queryInt(r, "limit", 50)
	if err != nil {
		WriteError(w, http.StatusBadRequest, "bad_request", err.Error())
		return
	}
	items, err := s.deps.Store.Feed(r.Context(), subject(r), limit)
	if err != nil {
		writeStoreError(w, r, "feed", err)
		return
	}
	if items == nil {
		items = []*store.ContentItem{}
	}
	WriteJSON(w, http.StatusOK, map[string]any{"items": items})
}
