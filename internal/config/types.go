// Package config implements the layered configuration, secret resolution,
// and production hardening gate described in §4.L: defaults merge with an
// optional YAML file, which merges with environment variables, producing
// one Config a process wires its components from at startup. The shape and
// the defaults-then-file-then-env layering are generalized from
// pkg/config.Config and pkg/config.Load/loadAndMerge, which do the same
// three-layer merge for buckley's much larger configuration surface.
package config

import "time"

// Config is the complete process configuration (§4.L, §6.4).
type Config struct {
	Server     ServerConfig     `yaml:"server"`
	Capability CapabilityConfig `yaml:"capability"`
	Agent      AgentConfig      `yaml:"agent"`
	Worker     WorkerConfig     `yaml:"worker"`
	Hardening  HardeningConfig  `yaml:"hardening"`
	Log        LogConfig        `yaml:"log"`
	Database   DatabaseConfig   `yaml:"database"`
	Cluster    ClusterConfig    `yaml:"cluster"`
	Policy     PolicyConfig     `yaml:"policy"`
}

// ServerConfig controls the process's own listeners.
type ServerConfig struct {
	// Environment is the deployment environment label; "production"
	// activates the hardening gate even without ENFORCE_PRODUCTION_HARDENING.
	Environment string        `yaml:"environment"`
	ListenAddr  string        `yaml:"listen_addr"` // persistent-stream listener (§6.1)
	HTTPAddr    string        `yaml:"http_addr"`   // HTTP surface listener (§6.2)
	IdleTimeout time.Duration `yaml:"idle_timeout"`
}

// CapabilityConfig configures permission-token signing (§4.D).
type CapabilityConfig struct {
	SigningSecret SecretRef     `yaml:"signing_secret"`
	TokenDuration time.Duration `yaml:"token_duration"`
}

// AgentConfig bounds per-agent failure and timeout behavior, consumed by
// the process wiring that drives internal/agentfsm and internal/scheduler.
type AgentConfig struct {
	MaxErrors   int           `yaml:"max_errors"`
	MaxRestarts int           `yaml:"max_restarts"`
	TaskTimeout time.Duration `yaml:"task_timeout"`
}

// WorkerConfig controls how agent sandboxes are spawned (§4.G.7, §4.J).
type WorkerConfig struct {
	Runtime        string       `yaml:"runtime"` // "local" or "docker"
	Image          string       `yaml:"image"`
	DisableNetwork bool         `yaml:"disable_network"`
	EgressProxyURL string       `yaml:"egress_proxy_url"`
	Docker         DockerConfig `yaml:"docker"`
}

// DockerConfig holds the AGENT_WORKER_DOCKER_* settings. Its fields
// correspond to sandbox.ContainerConfig's; nothing in the module copies
// them into a sandbox.ContainerConfig.
type DockerConfig struct {
	ReadOnly        bool   `yaml:"readonly"`
	NoNewPrivileges bool   `yaml:"no_new_privileges"`
	CapDrop         bool   `yaml:"cap_drop"` // drop-all; the engine never re-adds individual caps
	SeccompProfile  string `yaml:"seccomp_profile"`
	ApparmorProfile string `yaml:"apparmor_profile"`
	PidsLimit       int64  `yaml:"pids_limit"`
	StorageQuotaMB  int64  `yaml:"storage_quota_mb"`
	TmpfsSizeMB     int64  `yaml:"tmpfs_size_mb"`
}

// HardeningConfig gates §4.L's production hardening checks.
type HardeningConfig struct {
	Enforce          bool `yaml:"enforce"`
	AllowUnsafeLocal bool `yaml:"allow_unsafe_local_workers"`
}

// LogConfig controls process-wide logging.
type LogConfig struct {
	Level string `yaml:"level"` // debug, info, warn, error (trace treated as debug)
}

// DatabaseConfig configures the audit/state backing store (§4.F).
type DatabaseConfig struct {
	URL string `yaml:"url"`
	SSL bool   `yaml:"ssl"`
}

// ClusterConfig configures this node's participation in a dispatcher
// cluster (§4.K).
type ClusterConfig struct {
	Enabled    bool      `yaml:"enabled"`
	NodeID     string    `yaml:"node_id"`
	BindAddr   string    `yaml:"bind_addr"` // raft transport address
	PeerAddr   string    `yaml:"peer_addr"` // gRPC peer forwarding address
	DataDir    string    `yaml:"data_dir"`
	JoinAddr   string    `yaml:"join_addr"` // existing member's raft address; empty bootstraps a new cluster
	PeerSecret SecretRef `yaml:"peer_secret"`
}

// PolicyConfig points at the rule set file evaluated by internal/policy.
type PolicyConfig struct {
	RuleSetPath string `yaml:"ruleset_path"`
	Preset      string `yaml:"preset"` // ask|safe|auto|yolo, used when RuleSetPath is empty
}
