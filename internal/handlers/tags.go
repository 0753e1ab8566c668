package handlers

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"

	"github.com/gorilla/mux"

	"wuzapi-autoflow/internal/conversations"
	"wuzapi-autoflow/internal/tagging"
)

type assignTagRequest struct {
	TagID int64 `json:"tagId"`
}

// AssignTag attaches a tag to a conversation. The tag flow runs in the
// background and never delays the response.
func (s *Server) AssignTag(w http.ResponseWriter, r *http.Request) {
	conversationID, err := strconv.ParseInt(mux.Vars(r)["id"], 10, 64)
	if err != nil || conversationID <= 0 {
		respond(w, r, http.StatusBadRequest, "invalid conversation id")
		return
	}
	var req assignTagRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.TagID <= 0 {
		respond(w, r, http.StatusBadRequest, "tagId is required")
		return
	}

	added, err := s.deps.Tagger.Assign(r.Context(), conversationID, req.TagID)
	switch {
	case errors.Is(err, conversations.ErrNotFound):
		respond(w, r, http.StatusNotFound, err)
		return
	case errors.Is(err, tagging.ErrForeignTag):
		respond(w, r, http.StatusBadRequest, err)
		return
	case err != nil:
		logger(r).Error().Err(err).Int64("conversationID", conversationID).Msg("Could not assign tag")
		respond(w, r, http.StatusInternalServerError, "could not assign tag")
		return
	}
	respond(w, r, http.StatusOK, map[string]bool{"added": added})
}
