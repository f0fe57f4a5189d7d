package httpapi

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/odvcencio/agentcoreserver/internal/agent"
	"github.com/odvcencio/agentcoreserver/internal/capability"
)

// spawnAgentRequest is POST /agents's body: the operator-facing counterpart
// to the agent_spawn envelope internal/dispatcher's session clients send,
// exposed here for callers that manage agents out-of-band (§3.3).
type spawnAgentRequest struct {
	Name        string                  `json:"name"`
	ExternalID  string                  `json:"externalId,omitempty"`
	Model       string                  `json:"model,omitempty"`
	EntryPoint  string                  `json:"entryPoint,omitempty"`
	MCPServers  []string                `json:"mcpServers,omitempty"`
	Tools       []string                `json:"tools,omitempty"`
	TrustLevel  string                  `json:"trustLevel,omitempty"`
	Permissions []capability.Permission `json:"permissions,omitempty"`
	GrantedBy   string                  `json:"grantedBy,omitempty"`
}

func (s *Server) handleListAgents(w http.ResponseWriter, r *http.Request) {
	respondJSON(w, http.StatusOK, map[string]any{"agents": s.cfg.Agents.List()})
}

func (s *Server) handleSpawnAgent(w http.ResponseWriter, r *http.Request) {
	var req spawnAgentRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, http.StatusBadRequest, "invalid request body: "+err.Error())
		return
	}
	if req.Name == "" {
		respondError(w, http.StatusBadRequest, "name is required")
		return
	}
	grantedBy := req.GrantedBy
	if grantedBy == "" {
		grantedBy = capability.SystemIdentity
	}

	entry, err := s.cfg.Agents.Spawn(r.Context(), agent.Spec{
		Name:        req.Name,
		ExternalID:  req.ExternalID,
		Model:       req.Model,
		EntryPoint:  req.EntryPoint,
		MCPServers:  req.MCPServers,
		Tools:       req.Tools,
		TrustLevel:  agent.TrustLevel(req.TrustLevel),
		Permissions: req.Permissions,
	}, grantedBy)
	if err != nil {
		respondError(w, http.StatusBadRequest, err.Error())
		return
	}
	respondJSON(w, http.StatusCreated, entry)
}

func (s *Server) handleGetAgent(w http.ResponseWriter, r *http.Request) {
	entry, err := s.cfg.Agents.Get(chi.URLParam(r, "agentID"))
	if errors.Is(err, agent.ErrNotFound) {
		respondError(w, http.StatusNotFound, "agent not found")
		return
	}
	if err != nil {
		respondError(w, http.StatusInternalServerError, err.Error())
		return
	}
	respondJSON(w, http.StatusOK, entry)
}

func (s *Server) handleTerminateAgent(w http.ResponseWriter, r *http.Request) {
	err := s.cfg.Agents.Terminate(r.Context(), chi.URLParam(r, "agentID"))
	switch {
	case err == nil:
		w.WriteHeader(http.StatusNoContent)
	case errors.Is(err, agent.ErrNotFound):
		respondError(w, http.StatusNotFound, "agent not found")
	case errors.Is(err, agent.ErrTerminal):
		respondError(w, http.StatusConflict, err.Error())
	default:
		respondError(w, http.StatusInternalServerError, err.Error())
	}
}
