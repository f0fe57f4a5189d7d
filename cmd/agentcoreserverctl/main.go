// Command agentcoreserverctl is the operator CLI for a running
// agentcoreserver process: health checks, one-shot policy evaluation,
// audit queries, agent lifecycle management, and local rule-set file
// validation. The command-tree-of-subcommands layout, one global --manager
// (here --addr) style flag threaded through each leaf, and the
// table-printing helpers are generalized from cuemby-warren's cmd/warren
// CLI; the HTTP request/response shapes are taken directly from
// internal/httpapi's own route handlers rather than guessed at.
package main

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/odvcencio/agentcoreserver/internal/policy"
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:   "agentcoreserverctl",
	Short: "Operate a running agentcoreserver control-plane node",
}

func init() {
	rootCmd.PersistentFlags().String("addr", "http://127.0.0.1:8080", "agentcoreserver HTTP surface address")

	rootCmd.AddCommand(healthCmd)
	rootCmd.AddCommand(statsCmd)
	rootCmd.AddCommand(evaluateCmd)
	rootCmd.AddCommand(auditCmd)
	rootCmd.AddCommand(agentsCmd)
	rootCmd.AddCommand(policyCmd)
}

// apiClient is a thin HTTP client over the §6.2 surface, grounded on
// cuemby-warren's client.Client pattern of one small wrapper per CLI run
// rather than a package-level http.DefaultClient.
type apiClient struct {
	base string
	http *http.Client
}

func newAPIClient(cmd *cobra.Command) *apiClient {
	addr, _ := cmd.Flags().GetString("addr")
	return &apiClient{base: strings.TrimRight(addr, "/"), http: &http.Client{Timeout: 10 * time.Second}}
}

func (c *apiClient) do(method, path string, body any, out any) (int, error) {
	var reqBody io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return 0, fmt.Errorf("encode request: %w", err)
		}
		reqBody = bytes.NewReader(data)
	}
	req, err := http.NewRequest(method, c.base+path, reqBody)
	if err != nil {
		return 0, err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return 0, fmt.Errorf("connect to %s: %w", c.base, err)
	}
	defer resp.Body.Close()

	if out != nil {
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil && err != io.EOF {
			return resp.StatusCode, fmt.Errorf("decode response: %w", err)
		}
	}
	return resp.StatusCode, nil
}

var healthCmd = &cobra.Command{
	Use:   "health",
	Short: "Check the health of a running node",
	RunE: func(cmd *cobra.Command, args []string) error {
		c := newAPIClient(cmd)
		var resp struct {
			Status  string          `json:"status"`
			Uptime  string          `json:"uptime"`
			Version string          `json:"version"`
			Checks  map[string]bool `json:"checks"`
		}
		status, err := c.do(http.MethodGet, "/health", nil, &resp)
		if err != nil {
			return err
		}
		fmt.Printf("status:  %s\n", resp.Status)
		fmt.Printf("version: %s\n", resp.Version)
		fmt.Printf("uptime:  %s\n", resp.Uptime)
		for name, ok := range resp.Checks {
			fmt.Printf("  %-20s %v\n", name, ok)
		}
		if status >= 300 {
			return fmt.Errorf("node reported non-ok status (HTTP %d)", status)
		}
		return nil
	},
}

var statsCmd = &cobra.Command{
	Use:   "stats",
	Short: "Print connection and message statistics",
	RunE: func(cmd *cobra.Command, args []string) error {
		c := newAPIClient(cmd)
		var resp map[string]any
		if _, err := c.do(http.MethodGet, "/stats", nil, &resp); err != nil {
			return err
		}
		return printJSON(resp)
	},
}

var evaluateCmd = &cobra.Command{
	Use:   "evaluate TOOL",
	Short: "Run a single tool invocation through the policy engine",
	Long: `Evaluate a single operation (fs.read, fs.write, fs.list, fs.delete,
fs.create, net.request, shell.exec) against the node's current rule set
without actually performing it.`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		path, _ := cmd.Flags().GetString("path")
		host, _ := cmd.Flags().GetString("host")
		command, _ := cmd.Flags().GetString("command")
		agentID, _ := cmd.Flags().GetString("agent-id")

		reqArgs := map[string]any{}
		switch {
		case path != "":
			reqArgs["path"] = path
		case host != "":
			reqArgs["host"] = host
		case command != "":
			reqArgs["command"] = command
		}

		body := map[string]any{"tool": args[0], "args": reqArgs, "agentId": agentID}
		var resp struct {
			Decision    string `json:"decision"`
			Reason      string `json:"reason"`
			MatchedRule string `json:"matchedRule,omitempty"`
		}
		c := newAPIClient(cmd)
		if _, err := c.do(http.MethodPost, "/evaluate", body, &resp); err != nil {
			return err
		}
		fmt.Printf("decision: %s\n", resp.Decision)
		fmt.Printf("reason:   %s\n", resp.Reason)
		if resp.MatchedRule != "" {
			fmt.Printf("rule:     %s\n", resp.MatchedRule)
		}
		return nil
	},
}

func init() {
	evaluateCmd.Flags().String("path", "", "file path, for fs.* tools")
	evaluateCmd.Flags().String("host", "", "target host, for net.request")
	evaluateCmd.Flags().String("command", "", "shell command, for shell.exec")
	evaluateCmd.Flags().String("agent-id", "", "agent id the operation is attributed to")
}

var auditCmd = &cobra.Command{
	Use:   "audit",
	Short: "Query the audit log",
	RunE: func(cmd *cobra.Command, args []string) error {
		limit, _ := cmd.Flags().GetInt("limit")
		since, _ := cmd.Flags().GetString("since")

		path := fmt.Sprintf("/audit?limit=%d", limit)
		if since != "" {
			path += "&since=" + since
		}
		var resp struct {
			Entries []map[string]any `json:"entries"`
		}
		c := newAPIClient(cmd)
		if _, err := c.do(http.MethodGet, path, nil, &resp); err != nil {
			return err
		}
		for _, e := range resp.Entries {
			fmt.Printf("%v  %-10v %-8v %v\n", e["timestamp"], e["actor"], e["outcome"], e["action"])
		}
		return nil
	},
}

func init() {
	auditCmd.Flags().Int("limit", 100, "maximum entries to return")
	auditCmd.Flags().String("since", "", "only entries at or after this RFC3339 timestamp")
}

var agentsCmd = &cobra.Command{
	Use:   "agents",
	Short: "Manage agents tracked by the node's registry",
}

var agentsListCmd = &cobra.Command{
	Use:   "list",
	Short: "List every tracked agent",
	RunE: func(cmd *cobra.Command, args []string) error {
		c := newAPIClient(cmd)
		var resp struct {
			Agents []map[string]any `json:"agents"`
		}
		if _, err := c.do(http.MethodGet, "/agents/", nil, &resp); err != nil {
			return err
		}
		fmt.Printf("%-38s %-20s %-12s %s\n", "ID", "NAME", "STATE", "TRUST")
		for _, a := range resp.Agents {
			fmt.Printf("%-38v %-20v %-12v %v\n", a["id"], a["name"], a["state"], a["trustLevel"])
		}
		return nil
	},
}

var agentsGetCmd = &cobra.Command{
	Use:   "get AGENT_ID",
	Short: "Show one agent's full entry",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		c := newAPIClient(cmd)
		var resp map[string]any
		status, err := c.do(http.MethodGet, "/agents/"+args[0], nil, &resp)
		if err != nil {
			return err
		}
		if status == http.StatusNotFound {
			return fmt.Errorf("agent %s not found", args[0])
		}
		return printJSON(resp)
	},
}

var agentsSpawnCmd = &cobra.Command{
	Use:   "spawn NAME",
	Short: "Spawn a new agent",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		model, _ := cmd.Flags().GetString("model")
		trust, _ := cmd.Flags().GetString("trust")
		entryPoint, _ := cmd.Flags().GetString("entrypoint")

		body := map[string]any{
			"name":       args[0],
			"model":      model,
			"trustLevel": trust,
			"entryPoint": entryPoint,
		}
		var resp map[string]any
		c := newAPIClient(cmd)
		status, err := c.do(http.MethodPost, "/agents/", body, &resp)
		if err != nil {
			return err
		}
		if status != http.StatusCreated {
			return fmt.Errorf("spawn failed: %v", resp["error"])
		}
		fmt.Printf("spawned agent %v\n", resp["id"])
		return nil
	},
}

var agentsTerminateCmd = &cobra.Command{
	Use:   "terminate AGENT_ID",
	Short: "Terminate a tracked agent",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		c := newAPIClient(cmd)
		status, err := c.do(http.MethodDelete, "/agents/"+args[0], nil, nil)
		if err != nil {
			return err
		}
		if status != http.StatusNoContent {
			return fmt.Errorf("terminate failed (HTTP %d)", status)
		}
		fmt.Printf("terminated agent %s\n", args[0])
		return nil
	},
}

func init() {
	agentsSpawnCmd.Flags().String("model", "", "model identifier the agent should run")
	agentsSpawnCmd.Flags().String("trust", "standard", "trust level: untrusted, standard, elevated, system")
	agentsSpawnCmd.Flags().String("entrypoint", "", "entry point script or command")

	agentsCmd.AddCommand(agentsListCmd)
	agentsCmd.AddCommand(agentsGetCmd)
	agentsCmd.AddCommand(agentsSpawnCmd)
	agentsCmd.AddCommand(agentsTerminateCmd)
}

var policyCmd = &cobra.Command{
	Use:   "policy",
	Short: "Inspect and validate rule set files",
}

var policyValidateCmd = &cobra.Command{
	Use:   "validate FILE",
	Short: "Parse a rule set YAML file and report whether it is well-formed",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		rs, err := policy.LoadRuleSetFile(args[0])
		if err != nil {
			return err
		}
		fmt.Printf("ok: %d file rule(s), %d network rule(s), %d shell rule(s)\n",
			len(rs.File.Rules), len(rs.Network.Rules), len(rs.Shell.Rules))
		fmt.Printf("defaults: file=%s network=%s shell=%s\n", rs.File.Default, rs.Network.Default, rs.Shell.Default)
		return nil
	},
}

func init() {
	policyCmd.AddCommand(policyValidateCmd)
}

func printJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
