package api

import (
	"net/http"
	"strings"

	"lukhas/internal/store"
)

type createContentRequest struct {
	Title     string `json:"title"`
	Body      string `json:"body"`
	MediaFile string `json:"media_file,omitempty"`
}

func (s *Server) handleCreateContent(w http.ResponseWriter, r *http.Request) {
	var req createContentRequest
	if err := ReadJSON(w, r, &req); err != nil {
		WriteError(w, http.StatusBadRequest, "bad_request", err.Error())
		return
	}
	title := strings.TrimSpace(req.Title)
	if title == "" || len(title) > 200 {
		WriteError(w, http.StatusBadRequest, "validation_failed", "title must be 1-200 characters")
		return
	}
	if req.MediaFile != "" && !uploadNamePattern.MatchString(req.MediaFile) {
		WriteError(w, http.StatusBadRequest, "validation_failed", "media_file must name an uploaded file")
		return
	}

	item := &store.ContentItem{AuthorID: subject(r), Title: title, Body: req.Body, MediaFile: req.MediaFile}
	if err := s.deps.Store.CreateContent(r.Context(), item); err != nil {
		writeStoreError(w, r, "content", err)
		return
	}
	WriteJSON(w, http.StatusCreated, item)
}

func (s *Server) handleListContent(w http.ResponseWriter, r *http.Request) {
	status := store.ContentStatus(r.URL.Query().Get("status"))
	if status != "" && !status.Valid() {
		WriteError(w, http.StatusBadRequest, "bad_request", "status must be pending, approved or rejected")
		return
	}
	limit, err := queryInt(r, "limit", 50)
	if err != nil {
		WriteError(w, http.StatusBadRequest, "bad_request", err.Error())
		return
	}

	items, err := s.deps.Store.ListContent(r.Context(), status, limit)
	if err != nil {
		writeStoreError(w, r, "content", err)
		return
	}
	if items == nil {
		items = []*store.ContentItem{}
	}
	WriteJSON(w, http.StatusOK, map[string]any{"items": items})
}

func (s *Server) handleGetContent(w http.ResponseWriter, r *http.Request) {
	item, err := s.deps.Store.GetContent(r.Context(), r.PathValue("id"))
	if err != nil {
		writeStoreError(w, r, "content", err)
		return
	}
	WriteJSON(w, http.StatusOK, item)
}

type reviewRequest struct {
	Approve *bool  `json:"approve"`
	Note    string `json:"note,omitempty"`
}

func (s *Server) handleReviewContent(w http.ResponseWriter, r *http.Request) {
	var req reviewRequest
	if err := ReadJSON(w, r, &req); err != nil {
		WriteError(w, http.StatusBadRequest, "bad_request", err.Error())
		return
	}
	if req.Approve == nil {
		WriteError(w, http.StatusBadRequest, "validation_failed", "approve is required")
		return
	}

	item, err := s.deps.Store.ReviewContent(r.Context(), r.PathValue("id"), subject(r), *req.Approve, req.Note)
	if err != nil {
		writeStoreError(w, r, "content", err)
		return
	}
	WriteJSON(w, http.StatusOK, item)
}
