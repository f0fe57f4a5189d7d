package cluster

import (
	"encoding/json"
	"fmt"
	"io"
	"sync"

	"github.com/hashicorp/raft"
)

// command is one Raft log entry: an operation name plus its JSON-encoded
// argument, mirroring cuemby-warren's pkg/manager.Command shape.
type command struct {
	Op   string          `json:"op"`
	Data json.RawMessage `json:"data"`
}

const (
	opRegisterNode = "register_node"
	opPinAgent     = "pin_agent"
	opUnpinAgent   = "unpin_agent"
)

// registryFSM is the Raft finite state machine backing the cluster's node
// membership and agent→node pinning table. It holds both in memory,
// guarded by a mutex, and serializes the whole thing as a Raft snapshot -
// there's no separate on-disk store to restore from independently, unlike
// pkg/manager.WarrenFSM's storage.Store-backed design, since this
// registry's entire state is small enough to snapshot wholesale.
type registryFSM struct {
	mu    sync.RWMutex
	nodes map[string]NodeInfo // nodeID -> info
	pins  map[string]string   // agentID -> nodeID
}

func newRegistryFSM() *registryFSM {
	return &registryFSM{
		nodes: make(map[string]NodeInfo),
		pins:  make(map[string]string),
	}
}

func (f *registryFSM) Apply(entry *raft.Log) interface{} {
	var cmd command
	if err := json.Unmarshal(entry.Data, &cmd); err != nil {
		return fmt.Errorf("cluster: decode raft command: %w", err)
	}

	f.mu.Lock()
	defer f.mu.Unlock()

	switch cmd.Op {
	case opRegisterNode:
		var info NodeInfo
		if err := json.Unmarshal(cmd.Data, &info); err != nil {
			return err
		}
		f.nodes[info.NodeID] = info
		return nil
	case opPinAgent:
		var pin struct {
			AgentID string `json:"agentId"`
			NodeID  string `json:"nodeId"`
		}
		if err := json.Unmarshal(cmd.Data, &pin); err != nil {
			return err
		}
		f.pins[pin.AgentID] = pin.NodeID
		return nil
	case opUnpinAgent:
		var agentID string
		if err := json.Unmarshal(cmd.Data, &agentID); err != nil {
			return err
		}
		delete(f.pins, agentID)
		return nil
	default:
		return fmt.Errorf("cluster: unknown raft command %q", cmd.Op)
	}
}

func (f *registryFSM) lookupNode(agentID string) (NodeInfo, bool) {
	f.mu.RLock()
	defer f.mu.RUnlock()
	nodeID, ok := f.pins[agentID]
	if !ok {
		return NodeInfo{}, false
	}
	info, ok := f.nodes[nodeID]
	return info, ok
}

func (f *registryFSM) node(nodeID string) (NodeInfo, bool) {
	f.mu.RLock()
	defer f.mu.RUnlock()
	info, ok := f.nodes[nodeID]
	return info, ok
}

func (f *registryFSM) Snapshot() (raft.FSMSnapshot, error) {
	f.mu.RLock()
	defer f.mu.RUnlock()
	snap := &registrySnapshot{
		Nodes: make(map[string]NodeInfo, len(f.nodes)),
		Pins:  make(map[string]string, len(f.pins)),
	}
	for k, v := range f.nodes {
		snap.Nodes[k] = v
	}
	for k, v := range f.pins {
		snap.Pins[k] = v
	}
	return snap, nil
}

func (f *registryFSM) Restore(rc io.ReadCloser) error {
	defer rc.Close()
	var snap registrySnapshot
	if err := json.NewDecoder(rc).Decode(&snap); err != nil {
		return fmt.Errorf("cluster: decode raft snapshot: %w", err)
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.nodes = snap.Nodes
	f.pins = snap.Pins
	if f.nodes == nil {
		f.nodes = make(map[string]NodeInfo)
	}
	if f.pins == nil {
		f.pins = make(map[string]string)
	}
	return nil
}

type registrySnapshot struct {
	Nodes map[string]NodeInfo `json:"nodes"`
	Pins  map[string]string   `json:"pins"`
}

func (s *registrySnapshot) Persist(sink raft.SnapshotSink) error {
	err := func() error {
		if err := json.NewEncoder(sink).Encode(s); err != nil {
			return err
		}
		return sink.Close()
	}()
	if err != nil {
		sink.Cancel()
	}
	return err
}

func (s *registrySnapshot) Release() {}
