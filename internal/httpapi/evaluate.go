package httpapi

import (
	"encoding/json"
	"fmt"
	"net/http"

	"github.com/odvcencio/agentcoreserver/internal/policy"
)

// evaluateRequest is POST /evaluate's body (§6.2): "tool" names the kind
// of operation (fs.read, fs.write, fs.list, fs.delete, fs.create,
// net.request, shell.exec) and "args" carries that operation's fields.
type evaluateRequest struct {
	Tool    string         `json:"tool"`
	Args    map[string]any `json:"args"`
	AgentID string         `json:"agentId,omitempty"`
}

type evaluateResponse struct {
	Decision    policy.Decision `json:"decision"`
	Reason      string          `json:"reason"`
	MatchedRule string          `json:"matchedRule,omitempty"`
}

func (s *Server) handleEvaluate(w http.ResponseWriter, r *http.Request) {
	if s.cfg.Policy == nil {
		respondError(w, http.StatusServiceUnavailable, "policy engine not configured")
		return
	}
	var req evaluateRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, http.StatusBadRequest, "invalid request body: "+err.Error())
		return
	}

	op, err := toOperation(req)
	if err != nil {
		respondError(w, http.StatusBadRequest, err.Error())
		return
	}

	result := s.cfg.Policy.Evaluate(op)
	if s.cfg.Metrics != nil {
		s.cfg.Metrics.RecordDecision(string(result.Decision))
	}
	respondJSON(w, http.StatusOK, evaluateResponse{
		Decision:    result.Decision,
		Reason:      result.Reason,
		MatchedRule: result.MatchedRule,
	})
}

// toOperation maps the HTTP {tool, args} shape onto policy.Operation,
// the same tagged union internal/dispatcher and internal/sandbox
// construct directly when enforcing policy in-process.
func toOperation(req evaluateRequest) (policy.Operation, error) {
	op := policy.Operation{AgentID: req.AgentID}
	switch req.Tool {
	case "fs.read", "fs.write", "fs.list", "fs.delete", "fs.create":
		op.Type = policy.OpTypeFile
		op.Path, _ = req.Args["path"].(string)
		if op.Path == "" {
			return op, fmt.Errorf("args.path is required for tool %q", req.Tool)
		}
		switch req.Tool {
		case "fs.read":
			op.FileOp = policy.FileOpRead
		case "fs.write":
			op.FileOp = policy.FileOpWrite
		case "fs.list":
			op.FileOp = policy.FileOpList
		case "fs.delete":
			op.FileOp = policy.FileOpDelete
		case "fs.create":
			op.FileOp = policy.FileOpCreate
		}
	case "net.request":
		op.Type = policy.OpTypeNetwork
		op.Host, _ = req.Args["host"].(string)
		if op.Host == "" {
			return op, fmt.Errorf("args.host is required for tool %q", req.Tool)
		}
		if p, ok := req.Args["port"].(float64); ok {
			op.Port = int(p)
		}
		op.Scheme, _ = req.Args["scheme"].(string)
		op.URL, _ = req.Args["url"].(string)
	case "shell.exec":
		op.Type = policy.OpTypeShell
		op.Command, _ = req.Args["command"].(string)
		if op.Command == "" {
			return op, fmt.Errorf("args.command is required for tool %q", req.Tool)
		}
		if argv, ok := req.Args["argv"].([]any); ok {
			for _, a := range argv {
				if s, ok := a.(string); ok {
					op.Argv = append(op.Argv, s)
				}
			}
		}
		op.Cwd, _ = req.Args["cwd"].(string)
	default:
		return op, fmt.Errorf("unknown tool %q", req.Tool)
	}
	return op, nil
}
