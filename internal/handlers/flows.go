package handlers

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"

	"github.com/gorilla/mux"

	"wuzapi-autoflow/internal/flowgraph"
)

type replaceFlowRequest struct {
	Edges []flowgraph.EdgeInput `json:"edges"`
}

func scopeFromVars(r *http.Request) (flowgraph.Scope, bool) {
	vars := mux.Vars(r)
	companyID, err1 := strconv.ParseInt(vars["companyId"], 10, 64)
	phoneID, err2 := strconv.ParseInt(vars["companyPhoneId"], 10, 64)
	if err1 != nil || err2 != nil || companyID <= 0 || phoneID <= 0 {
		return flowgraph.Scope{}, false
	}
	return flowgraph.Scope{CompanyID: companyID, CompanyPhoneID: phoneID}, true
}

// GetFlow returns the live edges of a channel.
func (s *Server) GetFlow(w http.ResponseWriter, r *http.Request) {
	scope, ok := scopeFromVars(r)
	if !ok {
		respond(w, r, http.StatusBadRequest, "companyId and companyPhoneId must be positive integers")
		return
	}
	edges, err := s.deps.Graph.ListLiveEdges(r.Context(), scope)
	if err != nil {
		logger(r).Error().Err(err).Msg("Could not list flow edges")
		respond(w, r, http.StatusInternalServerError, "could not load flow")
		return
	}
	respond(w, r, http.StatusOK, map[string]interface{}{
		"companyId":      scope.CompanyID,
		"companyPhoneId": scope.CompanyPhoneID,
		"edges":          edges,
	})
}

// ReplaceFlow swaps the live edges of a channel for the posted set.
func (s *Server) ReplaceFlow(w http.ResponseWriter, r *http.Request) {
	scope, ok := scopeFromVars(r)
	if !ok {
		respond(w, r, http.StatusBadRequest, "companyId and companyPhoneId must be positive integers")
		return
	}
	var req replaceFlowRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respond(w, r, http.StatusBadRequest, "invalid JSON payload")
		return
	}

	err := s.deps.Graph.ReplaceGraph(r.Context(), scope, req.Edges)
	switch {
	case errors.Is(err, flowgraph.ErrEmptyScope), errors.Is(err, flowgraph.ErrInvalidEdge), errors.Is(err, flowgraph.ErrDuplicateTrigger):
		respond(w, r, http.StatusBadRequest, err)
		return
	case err != nil:
		logger(r).Error().Err(err).Msg("Could not replace flow")
		respond(w, r, http.StatusInternalServerError, "could not replace flow")
		return
	}
	respond(w, r, http.StatusOK, map[string]int{"edges": len(req.Edges)})
}
