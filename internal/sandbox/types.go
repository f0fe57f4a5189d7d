// Package sandbox hosts one agent's execution in an isolated OS process (or,
// when configured, a container) and exposes a uniform spawn/execute/
// terminate contract over a typed IPC protocol (§4.G). Environment
// sanitization and path-bounding are generalized from
// pkg/sandbox.Sandbox.restrictedEnv/DeniedPaths, which did the same thing
// for a single synchronous shell command rather than a long-lived child
// process with heartbeats and a container option.
package sandbox

import (
	"errors"
	"time"

	"github.com/odvcencio/agentcoreserver/internal/workerproto"
)

// Status is a sandbox's lifecycle status, independent of the agent state
// machine in internal/agentfsm: a sandbox can be "ready" while its agent
// is "paused", since pausing an agent stops new work without tearing down
// the process.
type Status string

const (
	StatusSpawning    Status = "spawning"
	StatusReady       Status = "ready"
	StatusExecuting   Status = "executing"
	StatusTerminating Status = "terminating"
	StatusTerminated  Status = "terminated"
	StatusError       Status = "error"
)

var (
	ErrAlreadyExecuting = errors.New("sandbox: execution already in progress")
	ErrNotReady         = errors.New("sandbox: not ready")
	ErrSpawnTimeout     = errors.New("sandbox: spawn timed out waiting for ready")
	ErrExecuteTimeout   = errors.New("sandbox: execute deadline exceeded")
	ErrTerminated       = errors.New("sandbox: already terminated")
	ErrAgentExists      = errors.New("sandbox: agent already has a sandbox")
	ErrAgentNotFound    = errors.New("sandbox: no sandbox for agent")
)

// MessageType, Message, Task, and Result are aliased from internal/workerproto
// so the parent (this package) and the worker binary share one wire format
// with no chance of drift between the two sides of the same protocol
// (§4.G.5, §4.J).
type MessageType = workerproto.MessageType

const (
	MsgReady         = workerproto.MsgReady
	MsgHeartbeat     = workerproto.MsgHeartbeat
	MsgHeartbeatAck  = workerproto.MsgHeartbeatAck
	MsgExecute       = workerproto.MsgExecute
	MsgExecuteResult = workerproto.MsgExecuteResult
	MsgTerminate     = workerproto.MsgTerminate
	MsgError         = workerproto.MsgError
)

type Message = workerproto.Message
type Task = workerproto.Task
type Result = workerproto.Result

// ContainerConfig configures the container runtime option (§4.G.7).
// Production hardening (internal/config) reads the worker.runtime and
// worker.docker settings, not this struct: when ALLOW_UNSAFE_LOCAL_WORKERS
// is unset it refuses to start unless the runtime is docker, and it does
// not check that an image is set.
type ContainerConfig struct {
	Enabled          bool
	Image            string
	NetworkMode      string // "none" disables networking entirely
	PidsLimit        int64
	StorageQuotaMB   int64
	TmpfsSizeMB      int64
	SeccompProfile   string // path to a seccomp JSON profile, "" uses the runtime default
	ApparmorProfile  string
}

// Config configures one sandbox instance.
type Config struct {
	AgentID          string
	RootDir          string // namespaced temp root under which the sandbox's working dir is created
	Command          string // child process executable when not containerized
	Args             []string
	SpawnTimeout     time.Duration
	HeartbeatInterval time.Duration
	MissedAckLimit   int // consecutive missed heartbeats before force_kill (§4.G.4), default 3
	TerminateGrace   time.Duration
	MemoryLimitMB    int
	StackLimitMB     int
	AllowedEnv       []string // additional allow-listed variable names beyond the sandbox-set ones
	Container        ContainerConfig
}

// DefaultConfig returns sane defaults, mirroring pkg/sandbox.DefaultConfig's
// role of giving every caller a safe starting point.
func DefaultConfig(agentID, rootDir string) Config {
	return Config{
		AgentID:           agentID,
		RootDir:           rootDir,
		Command:           "agentcoreworker",
		SpawnTimeout:      10 * time.Second,
		HeartbeatInterval: 5 * time.Second,
		MissedAckLimit:    3,
		TerminateGrace:    5 * time.Second,
		MemoryLimitMB:     512,
		StackLimitMB:      64,
	}
}
