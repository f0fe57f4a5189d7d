package sandbox

import (
	"fmt"
	"os"
	"strings"
)

// deniedEnvPrefixes and deniedEnvNames are stripped from the child's
// environment regardless of the allow list (§4.G.1). Generalized from
// pkg/sandbox.Sandbox.restrictedEnv's safeVars allow list, inverted into an
// explicit deny set covering credential- and runtime-injection-shaped
// variables a sandboxed agent must never inherit.
var deniedEnvNames = map[string]bool{
	"AWS_ACCESS_KEY_ID":       true,
	"AWS_SECRET_ACCESS_KEY":   true,
	"AWS_SESSION_TOKEN":       true,
	"GOOGLE_APPLICATION_CREDENTIALS": true,
	"AZURE_CLIENT_SECRET":     true,
	"SSH_AUTH_SOCK":           true,
	"SSH_AGENT_PID":           true,
	"GITHUB_TOKEN":            true,
	"GH_TOKEN":                true,
	"NPM_TOKEN":               true,
	"DOCKER_AUTH_CONFIG":      true,
	"NODE_OPTIONS":            true,
	"PYTHONSTARTUP":           true,
	"LD_PRELOAD":              true,
	"LD_LIBRARY_PATH":         true,
	"DYLD_INSERT_LIBRARIES":   true,
}

var deniedEnvPrefixes = []string{
	"AWS_",
	"AZURE_",
	"GCP_",
	"ANTHROPIC_API_KEY",
	"OPENAI_API_KEY",
}

// baseAllowedEnv passes through regardless of sandbox config, mirroring
// pkg/sandbox.Sandbox.restrictedEnv's safeVars list.
var baseAllowedEnv = []string{
	"PATH", "HOME", "USER", "SHELL", "TERM", "LANG", "LC_ALL", "TZ",
}

// sandboxSetEnv are always injected by the parent and never inherited from
// the host, carrying the identity and permission set the child runs under.
func sandboxSetEnv(cfg Config, capabilitiesJSON string) []string {
	return []string{
		"AGENT_ID=" + cfg.AgentID,
		"CAPABILITIES=" + capabilitiesJSON,
		"MODE=sandboxed",
	}
}

// isDenied reports whether name must never pass through, independent of any
// allow list.
func isDenied(name string) bool {
	if deniedEnvNames[name] {
		return true
	}
	for _, p := range deniedEnvPrefixes {
		if strings.HasPrefix(name, p) {
			return true
		}
	}
	return false
}

// buildChildEnv produces the sanitized environment for a spawned child:
// base allow-listed host variables plus cfg.AllowedEnv, minus anything
// denied, plus the sandbox-set identity variables appended last so they
// cannot be shadowed by a host value of the same name.
func buildChildEnv(cfg Config, capabilitiesJSON string) []string {
	allowed := make(map[string]bool, len(baseAllowedEnv)+len(cfg.AllowedEnv))
	for _, n := range baseAllowedEnv {
		allowed[n] = true
	}
	for _, n := range cfg.AllowedEnv {
		allowed[n] = true
	}

	var env []string
	for _, kv := range os.Environ() {
		name, _, ok := strings.Cut(kv, "=")
		if !ok {
			continue
		}
		if isDenied(name) {
			continue
		}
		if allowed[name] {
			env = append(env, kv)
		}
	}
	env = append(env, sandboxSetEnv(cfg, capabilitiesJSON)...)
	return env
}

// workingDir creates and returns the sandbox's namespaced working
// directory under cfg.RootDir, guaranteeing the resolved path cannot escape
// root (§4.G.6) by deriving it purely from the agent ID rather than any
// caller-supplied path component.
func workingDir(cfg Config) (string, error) {
	safeName := strings.Map(func(r rune) rune {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '-', r == '_':
			return r
		default:
			return '_'
		}
	}, cfg.AgentID)
	if safeName == "" {
		return "", fmt.Errorf("sandbox: agent id %q has no safe characters for a working directory name", cfg.AgentID)
	}
	dir := cfg.RootDir + "/" + safeName
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return "", fmt.Errorf("sandbox: create working dir: %w", err)
	}
	return dir, nil
}
