package dispatcher

import (
	"fmt"

	"github.com/odvcencio/agentcoreserver/internal/capability"
	"github.com/odvcencio/agentcoreserver/internal/policy"
)

// toolCallOperation builds a policy.Operation from a tool_call task's
// {tool, args} body, mirroring internal/httpapi/evaluate.go's toOperation
// so a tool call reaching a live session is evaluated under the same rules
// as a direct policy evaluate request. ok is false for task types that are
// not tool calls at all, in which case no policy decision applies.
func toolCallOperation(agentID string, task agentTask) (op policy.Operation, ok bool, err error) {
	if task.Type != "tool_call" {
		return policy.Operation{}, false, nil
	}
	op = policy.Operation{AgentID: agentID}
	tool, _ := task.Args["tool"].(string)
	args, _ := task.Args["args"].(map[string]any)
	if args == nil {
		args = map[string]any{}
	}

	switch tool {
	case "shell", "shell.exec":
		op.Type = policy.OpTypeShell
		op.Command, _ = args["command"].(string)
		if op.Command == "" {
			return op, true, fmt.Errorf("args.command is required for tool %q", tool)
		}
		if argv, ok := args["argv"].([]any); ok {
			for _, a := range argv {
				if s, ok := a.(string); ok {
					op.Argv = append(op.Argv, s)
				}
			}
		}
		op.Cwd, _ = args["cwd"].(string)
	case "fs.read", "fs.write", "fs.list", "fs.delete", "fs.create", "file":
		op.Type = policy.OpTypeFile
		op.Path, _ = args["path"].(string)
		if op.Path == "" {
			return op, true, fmt.Errorf("args.path is required for tool %q", tool)
		}
		switch tool {
		case "fs.write":
			op.FileOp = policy.FileOpWrite
		case "fs.list":
			op.FileOp = policy.FileOpList
		case "fs.delete":
			op.FileOp = policy.FileOpDelete
		case "fs.create":
			op.FileOp = policy.FileOpCreate
		case "file":
			switch args["op"] {
			case "write":
				op.FileOp = policy.FileOpWrite
			case "list":
				op.FileOp = policy.FileOpList
			case "delete":
				op.FileOp = policy.FileOpDelete
			case "create":
				op.FileOp = policy.FileOpCreate
			default:
				op.FileOp = policy.FileOpRead
			}
		default:
			op.FileOp = policy.FileOpRead
		}
	case "net.request", "network":
		op.Type = policy.OpTypeNetwork
		op.Host, _ = args["host"].(string)
		if op.Host == "" {
			return op, true, fmt.Errorf("args.host is required for tool %q", tool)
		}
		if p, ok := args["port"].(float64); ok {
			op.Port = int(p)
		}
		op.Scheme, _ = args["scheme"].(string)
		op.URL, _ = args["url"].(string)
	default:
		return op, true, fmt.Errorf("unknown tool %q", tool)
	}
	return op, true, nil
}

// categoryFor maps a policy.Operation onto the capability category/action/
// resource triple capability.Manager.Check expects, mirroring internal/
// agent/authorize.go's mapping so a tool call is gated by both the default-
// deny policy rules and a specific capability grant.
func categoryFor(op policy.Operation) (capability.Category, string, string) {
	switch op.Type {
	case policy.OpTypeFile:
		action := "read"
		switch op.FileOp {
		case policy.FileOpWrite, policy.FileOpCreate:
			action = "write"
		case policy.FileOpDelete:
			action = "delete"
		}
		return capability.CategoryFilesystem, action, op.Path
	case policy.OpTypeNetwork:
		return capability.CategoryNetwork, "connect", op.Host
	case policy.OpTypeShell:
		return capability.CategoryShell, "execute", op.Command
	default:
		return "", "", ""
	}
}

// authorizeToolCall evaluates op against the policy engine and, only if
// allowed there, the agent's capability grants — the same two-layer
// checkpoint internal/agent.Registry.Authorize implements (§4.A, §4.B),
// applied here so the live agent_task/tool_call path actually enforces it.
// When Agents is configured, authorization is delegated to it directly so
// that checkpoint has one real implementation rather than two that could
// drift apart. A non-empty reason means op is blocked; the caller must not
// execute it.
func (d *Dispatcher) authorizeToolCall(op policy.Operation) (reason string) {
	if d.cfg.Agents != nil {
		res, err := d.cfg.Agents.Authorize(op)
		if err != nil || res.Decision != policy.DecisionAllow {
			if err != nil {
				return err.Error()
			}
			return res.Reason
		}
		return ""
	}

	if d.cfg.Policy == nil {
		return ""
	}
	res := d.cfg.Policy.Evaluate(op)
	if res.Decision != policy.DecisionAllow {
		return res.Reason
	}
	if d.cfg.Capabilities != nil {
		category, action, resource := categoryFor(op)
		check := d.cfg.Capabilities.Check(op.AgentID, string(category), action, resource)
		if !check.Allowed {
			return check.Reason
		}
	}
	return ""
}
