package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Load builds a Config by layering defaults, an optional YAML file at
// path (skipped entirely if it doesn't exist), and environment variable
// overrides, in that order (§4.L: "defaults -> file -> environment ->
// flags"; flag parsing is left to the cmd package, which applies on top
// of whatever this returns). Generalized from pkg/config.LoadFromPath's
// defaults-then-loadAndMerge-then-applyEnvOverrides-then-Validate shape.
func Load(path string) (*Config, error) {
	cfg := Defaults()

	if path != "" {
		if err := loadAndMerge(cfg, path); err != nil && !os.IsNotExist(err) {
			return nil, fmt.Errorf("config: loading %s: %w", path, err)
		}
	}

	applyEnvOverrides(cfg)

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config: validation: %w", err)
	}
	return cfg, nil
}

func loadAndMerge(cfg *Config, path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return err
	}

	var override Config
	if err := yaml.Unmarshal(data, &override); err != nil {
		return fmt.Errorf("parsing YAML: %w", err)
	}
	var raw map[string]any
	if err := yaml.Unmarshal(data, &raw); err != nil {
		return fmt.Errorf("parsing YAML: %w", err)
	}

	mergeConfigs(cfg, &override, raw)
	return nil
}

// mergeConfigs applies every non-zero field of override onto base, using
// raw (the same document decoded into a generic map) to distinguish an
// explicitly-set false/zero value from a field the file never mentioned.
func mergeConfigs(base, override *Config, raw map[string]any) {
	if override.Server.Environment != "" {
		base.Server.Environment = override.Server.Environment
	}
	if override.Server.ListenAddr != "" {
		base.Server.ListenAddr = override.Server.ListenAddr
	}
	if override.Server.HTTPAddr != "" {
		base.Server.HTTPAddr = override.Server.HTTPAddr
	}
	if override.Server.IdleTimeout != 0 {
		base.Server.IdleTimeout = override.Server.IdleTimeout
	}

	if !override.Capability.SigningSecret.IsZero() {
		base.Capability.SigningSecret = override.Capability.SigningSecret
	}
	if override.Capability.TokenDuration != 0 {
		base.Capability.TokenDuration = override.Capability.TokenDuration
	}

	if override.Agent.MaxErrors != 0 {
		base.Agent.MaxErrors = override.Agent.MaxErrors
	}
	if override.Agent.MaxRestarts != 0 {
		base.Agent.MaxRestarts = override.Agent.MaxRestarts
	}
	if override.Agent.TaskTimeout != 0 {
		base.Agent.TaskTimeout = override.Agent.TaskTimeout
	}

	if override.Worker.Runtime != "" {
		base.Worker.Runtime = override.Worker.Runtime
	}
	if override.Worker.Image != "" {
		base.Worker.Image = override.Worker.Image
	}
	if boolFieldSet(raw, "worker", "disable_network") {
		base.Worker.DisableNetwork = override.Worker.DisableNetwork
	}
	if override.Worker.EgressProxyURL != "" {
		base.Worker.EgressProxyURL = override.Worker.EgressProxyURL
	}
	mergeDocker(&base.Worker.Docker, override.Worker.Docker, raw)

	if boolFieldSet(raw, "hardening", "enforce") {
		base.Hardening.Enforce = override.Hardening.Enforce
	}
	if boolFieldSet(raw, "hardening", "allow_unsafe_local_workers") {
		base.Hardening.AllowUnsafeLocal = override.Hardening.AllowUnsafeLocal
	}

	if override.Log.Level != "" {
		base.Log.Level = override.Log.Level
	}

	if override.Database.URL != "" {
		base.Database.URL = override.Database.URL
	}
	if boolFieldSet(raw, "database", "ssl") {
		base.Database.SSL = override.Database.SSL
	}

	if boolFieldSet(raw, "cluster", "enabled") {
		base.Cluster.Enabled = override.Cluster.Enabled
	}
	if override.Cluster.NodeID != "" {
		base.Cluster.NodeID = override.Cluster.NodeID
	}
	if override.Cluster.BindAddr != "" {
		base.Cluster.BindAddr = override.Cluster.BindAddr
	}
	if override.Cluster.PeerAddr != "" {
		base.Cluster.PeerAddr = override.Cluster.PeerAddr
	}
	if override.Cluster.DataDir != "" {
		base.Cluster.DataDir = override.Cluster.DataDir
	}
	if override.Cluster.JoinAddr != "" {
		base.Cluster.JoinAddr = override.Cluster.JoinAddr
	}
	if !override.Cluster.PeerSecret.IsZero() {
		base.Cluster.PeerSecret = override.Cluster.PeerSecret
	}

	if override.Policy.RuleSetPath != "" {
		base.Policy.RuleSetPath = override.Policy.RuleSetPath
	}
	if override.Policy.Preset != "" {
		base.Policy.Preset = override.Policy.Preset
	}
}

func mergeDocker(base *DockerConfig, override DockerConfig, raw map[string]any) {
	if boolFieldSet(raw, "worker", "docker", "readonly") {
		base.ReadOnly = override.ReadOnly
	}
	if boolFieldSet(raw, "worker", "docker", "no_new_privileges") {
		base.NoNewPrivileges = override.NoNewPrivileges
	}
	if boolFieldSet(raw, "worker", "docker", "cap_drop") {
		base.CapDrop = override.CapDrop
	}
	if override.SeccompProfile != "" {
		base.SeccompProfile = override.SeccompProfile
	}
	if override.ApparmorProfile != "" {
		base.ApparmorProfile = override.ApparmorProfile
	}
	if override.PidsLimit != 0 {
		base.PidsLimit = override.PidsLimit
	}
	if override.StorageQuotaMB != 0 {
		base.StorageQuotaMB = override.StorageQuotaMB
	}
	if override.TmpfsSizeMB != 0 {
		base.TmpfsSizeMB = override.TmpfsSizeMB
	}
}

// boolFieldSet reports whether path names a key that was actually present
// in the decoded YAML document, so a bool field left at its zero value can
// be told apart from one explicitly set to false.
func boolFieldSet(raw map[string]any, path ...string) bool {
	if len(path) == 0 || raw == nil {
		return false
	}
	var current any = raw
	for _, key := range path {
		m, ok := current.(map[string]any)
		if !ok {
			return false
		}
		val, ok := m[key]
		if !ok {
			return false
		}
		current = val
	}
	return true
}

// applyEnvOverrides applies the §6.4 environment variables on top of
// whatever defaults/file layers already populated cfg.
func applyEnvOverrides(cfg *Config) {
	if v := os.Getenv("PERMISSION_SIGNING_SECRET"); v != "" {
		cfg.Capability.SigningSecret = SecretRef{Type: "env", Key: "PERMISSION_SIGNING_SECRET"}
	}
	if v, ok := envMillis("PERMISSION_TOKEN_DURATION_MS"); ok {
		cfg.Capability.TokenDuration = v
	}
	if v, ok := envInt("MAX_AGENT_ERRORS"); ok {
		cfg.Agent.MaxErrors = v
	}
	if v, ok := envInt("MAX_AGENT_RESTARTS"); ok {
		cfg.Agent.MaxRestarts = v
	}
	if v, ok := envMillis("MAX_AGENT_TASK_TIMEOUT_MS"); ok {
		cfg.Agent.TaskTimeout = v
	}
	if v := os.Getenv("AGENT_WORKER_RUNTIME"); v != "" {
		cfg.Worker.Runtime = v
	}
	if v := os.Getenv("AGENT_WORKER_IMAGE"); v != "" {
		cfg.Worker.Image = v
	}
	if v, ok := envBool("AGENT_WORKER_DISABLE_NETWORK"); ok {
		cfg.Worker.DisableNetwork = v
	}
	if v := os.Getenv("AGENT_EGRESS_PROXY_URL"); v != "" {
		cfg.Worker.EgressProxyURL = v
	}
	if v, ok := envBool("AGENT_WORKER_DOCKER_READONLY"); ok {
		cfg.Worker.Docker.ReadOnly = v
	}
	if v, ok := envBool("AGENT_WORKER_DOCKER_NO_NEW_PRIVILEGES"); ok {
		cfg.Worker.Docker.NoNewPrivileges = v
	}
	if v, ok := envBool("AGENT_WORKER_DOCKER_CAP_DROP"); ok {
		cfg.Worker.Docker.CapDrop = v
	}
	if v := os.Getenv("AGENT_WORKER_DOCKER_SECCOMP"); v != "" {
		cfg.Worker.Docker.SeccompProfile = v
	}
	if v := os.Getenv("AGENT_WORKER_DOCKER_APPARMOR"); v != "" {
		cfg.Worker.Docker.ApparmorProfile = v
	}
	if v, ok := envInt64("AGENT_WORKER_DOCKER_PIDS_LIMIT"); ok {
		cfg.Worker.Docker.PidsLimit = v
	}
	if v, ok := envInt64("AGENT_WORKER_DOCKER_STORAGE_OPTS"); ok {
		cfg.Worker.Docker.StorageQuotaMB = v
	}
	if v, ok := envInt64("AGENT_WORKER_DOCKER_TMPFS"); ok {
		cfg.Worker.Docker.TmpfsSizeMB = v
	}
	if v, ok := envBool("ENFORCE_PRODUCTION_HARDENING"); ok {
		cfg.Hardening.Enforce = v
	}
	if v, ok := envBool("ALLOW_UNSAFE_LOCAL_WORKERS"); ok {
		cfg.Hardening.AllowUnsafeLocal = v
	}
	if v := os.Getenv("LOG_LEVEL"); v != "" {
		cfg.Log.Level = strings.ToLower(v)
	}
	if v := os.Getenv("DATABASE_URL"); v != "" {
		cfg.Database.URL = v
	}
	if v, ok := envBool("DATABASE_SSL"); ok {
		cfg.Database.SSL = v
	}
}

func envBool(key string) (bool, bool) {
	val := os.Getenv(key)
	if val == "" {
		return false, false
	}
	switch strings.ToLower(val) {
	case "1", "true", "yes", "on":
		return true, true
	case "0", "false", "no", "off":
		return false, true
	default:
		return false, false
	}
}

func envInt(key string) (int, bool) {
	val := os.Getenv(key)
	if val == "" {
		return 0, false
	}
	n, err := strconv.Atoi(val)
	if err != nil {
		return 0, false
	}
	return n, true
}

func envInt64(key string) (int64, bool) {
	val := os.Getenv(key)
	if val == "" {
		return 0, false
	}
	n, err := strconv.ParseInt(val, 10, 64)
	if err != nil {
		return 0, false
	}
	return n, true
}

func envMillis(key string) (time.Duration, bool) {
	n, ok := envInt64(key)
	if !ok {
		return 0, false
	}
	return time.Duration(n) * time.Millisecond, true
}

// Validate checks internal consistency that isn't just "field is zero",
// the same role pkg/config.Config.Validate plays for buckley's config.
func (c *Config) Validate() error {
	switch c.Worker.Runtime {
	case "local", "docker":
	default:
		return fmt.Errorf("worker.runtime must be \"local\" or \"docker\", got %q", c.Worker.Runtime)
	}
	switch strings.ToLower(c.Log.Level) {
	case "debug", "trace", "info", "warn", "error":
	default:
		return fmt.Errorf("log.level %q is not one of debug, trace, info, warn, error", c.Log.Level)
	}
	if c.Cluster.Enabled && c.Cluster.NodeID == "" {
		return fmt.Errorf("cluster.node_id is required when cluster.enabled is true")
	}
	return nil
}
