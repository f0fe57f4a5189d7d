package cluster

import (
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"time"

	"github.com/hashicorp/raft"
	raftboltdb "github.com/hashicorp/raft-boltdb"
)

var ErrNotLeader = errors.New("cluster: not the raft leader")

// RegistryConfig configures one node's Raft-backed membership registry.
type RegistryConfig struct {
	NodeID   string // this node's raft server ID and registry key
	BindAddr string // raft transport bind address, host:port
	DataDir  string // holds raft-log.db, raft-stable.db, and snapshots
}

// Registry is the Raft-replicated table of cluster nodes and the agents
// pinned to them. Writes (RegisterNode, Pin, Unpin) only succeed on the
// leader; Lookup reads the local FSM copy directly, which can be
// momentarily stale on a follower right after a write but never blocks on
// leader round-trips, matching the read-local/write-through-raft split
// cuemby-warren's pkg/manager.Manager uses for its own state.
type Registry struct {
	nodeID string
	raft   *raft.Raft
	fsm    *registryFSM
}

// NewRegistry creates the Raft transport, log/stable stores (BoltDB, per
// raft-boltdb), and file snapshot store for cfg, and constructs the
// *raft.Raft instance. It does not bootstrap or join a cluster; call
// Bootstrap on the first node, and add every subsequent node with AddVoter
// on the current leader (cuemby-warren's pkg/manager.Manager splits the
// same steps into Bootstrap/Join; there is no Join here).
func NewRegistry(cfg RegistryConfig) (*Registry, error) {
	if err := os.MkdirAll(cfg.DataDir, 0o750); err != nil {
		return nil, fmt.Errorf("cluster: create data dir: %w", err)
	}

	raftCfg := raft.DefaultConfig()
	raftCfg.LocalID = raft.ServerID(cfg.NodeID)

	addr, err := net.ResolveTCPAddr("tcp", cfg.BindAddr)
	if err != nil {
		return nil, fmt.Errorf("cluster: resolve bind address: %w", err)
	}
	transport, err := raft.NewTCPTransport(cfg.BindAddr, addr, 3, 10*time.Second, os.Stderr)
	if err != nil {
		return nil, fmt.Errorf("cluster: create raft transport: %w", err)
	}

	snapshots, err := raft.NewFileSnapshotStore(cfg.DataDir, 2, os.Stderr)
	if err != nil {
		return nil, fmt.Errorf("cluster: create snapshot store: %w", err)
	}

	logStore, err := raftboltdb.NewBoltStore(filepath.Join(cfg.DataDir, "raft-log.db"))
	if err != nil {
		return nil, fmt.Errorf("cluster: create raft log store: %w", err)
	}
	stableStore, err := raftboltdb.NewBoltStore(filepath.Join(cfg.DataDir, "raft-stable.db"))
	if err != nil {
		return nil, fmt.Errorf("cluster: create raft stable store: %w", err)
	}

	fsm := newRegistryFSM()
	r, err := raft.NewRaft(raftCfg, fsm, logStore, stableStore, snapshots, transport)
	if err != nil {
		return nil, fmt.Errorf("cluster: create raft instance: %w", err)
	}

	return &Registry{nodeID: cfg.NodeID, raft: r, fsm: fsm}, nil
}

// Bootstrap forms a brand-new single-node cluster with this node as the
// only voter. Call this exactly once, on the first node; every other node
// is added by the leader's AddVoter instead.
func (r *Registry) Bootstrap(selfAddr string) error {
	configuration := raft.Configuration{
		Servers: []raft.Server{
			{ID: raft.ServerID(r.nodeID), Address: raft.ServerAddress(selfAddr)},
		},
	}
	return r.raft.BootstrapCluster(configuration).Error()
}

// AddVoter adds nodeID@address to the cluster's voter set. Only succeeds
// when called against the current leader.
func (r *Registry) AddVoter(nodeID, address string) error {
	if !r.IsLeader() {
		return ErrNotLeader
	}
	return r.raft.AddVoter(raft.ServerID(nodeID), raft.ServerAddress(address), 0, 10*time.Second).Error()
}

// IsLeader reports whether this node currently holds the Raft leadership.
func (r *Registry) IsLeader() bool { return r.raft.State() == raft.Leader }

// LeaderAddr returns the current leader's raft transport address, or ""
// if none is known.
func (r *Registry) LeaderAddr() string {
	addr, _ := r.raft.LeaderWithID()
	return string(addr)
}

// RegisterNode replicates nodeID's peer address so other nodes can look it
// up when forwarding a request pinned to it.
func (r *Registry) RegisterNode(info NodeInfo) error {
	return r.apply(opRegisterNode, info)
}

// Pin records that agentID is now owned by nodeID, the write path behind
// agent_spawn choosing a home node for a new agent.
func (r *Registry) Pin(agentID, nodeID string) error {
	return r.apply(opPinAgent, struct {
		AgentID string `json:"agentId"`
		NodeID  string `json:"nodeId"`
	}{agentID, nodeID})
}

// Unpin removes agentID's pin, the write path behind agent_terminate.
func (r *Registry) Unpin(agentID string) error {
	return r.apply(opUnpinAgent, agentID)
}

func (r *Registry) apply(op string, data any) error {
	if !r.IsLeader() {
		return ErrNotLeader
	}
	payload, err := json.Marshal(data)
	if err != nil {
		return err
	}
	cmd, err := json.Marshal(command{Op: op, Data: payload})
	if err != nil {
		return err
	}
	return r.raft.Apply(cmd, 5*time.Second).Error()
}

// Lookup returns the node currently pinned to agentID, reading the local
// FSM copy without going through Raft.
func (r *Registry) Lookup(agentID string) (NodeInfo, bool) {
	return r.fsm.lookupNode(agentID)
}

// Node returns a registered node's info by ID.
func (r *Registry) Node(nodeID string) (NodeInfo, bool) {
	return r.fsm.node(nodeID)
}

// Shutdown gracefully stops this node's Raft participation.
func (r *Registry) Shutdown() error {
	return r.raft.Shutdown().Error()
}
