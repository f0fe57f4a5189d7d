package cluster

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"

	"github.com/odvcencio/agentcoreserver/internal/dispatcher"
)

// defaultMaxHops bounds how many times a single request may be re-forwarded
// before Coordinator gives up and reports a likely pin cycle, per §4.K's
// "circular forwards are detected by a hop counter."
const defaultMaxHops = 4

// LocalExecutor is the node-local hook a Coordinator calls once a
// forwarded request reaches the node that actually owns the target agent.
// *dispatcher.Dispatcher satisfies this via its Local method.
type LocalExecutor interface {
	Local(ctx context.Context, env dispatcher.Envelope) (dispatcher.Envelope, error)
}

// Coordinator owns the peer connection pool and the pin-lookup/forward
// logic shared by both directions of cluster traffic: the outbound
// ClusterClient internal/dispatcher calls, and the inbound PeerHandler the
// gRPC server dispatches to.
type Coordinator struct {
	registry   *Registry
	local      LocalExecutor
	selfNodeID string
	tokens     *TokenManager
	maxHops    int

	mu    sync.Mutex
	conns map[string]*grpc.ClientConn
}

// NewCoordinator builds a Coordinator bound to registry for pin lookups,
// local for executing requests this node owns, and tokens for signing the
// bearer token attached to every outbound peer call.
func NewCoordinator(registry *Registry, local LocalExecutor, selfNodeID string, tokens *TokenManager) *Coordinator {
	return &Coordinator{
		registry:   registry,
		local:      local,
		selfNodeID: selfNodeID,
		tokens:     tokens,
		maxHops:    defaultMaxHops,
		conns:      make(map[string]*grpc.ClientConn),
	}
}

// Client returns the dispatcher.ClusterForwarder adapter for this
// coordinator.
func (c *Coordinator) Client() ClusterClient { return ClusterClient{c: c} }

// PeerHandler returns the PeerServer adapter for this coordinator, for
// registration with RegisterPeerServer.
func (c *Coordinator) PeerHandler() PeerHandler { return PeerHandler{c: c} }

func (c *Coordinator) dial(addr string) (*grpc.ClientConn, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if conn, ok := c.conns[addr]; ok {
		return conn, nil
	}
	token, err := c.tokens.Issue(c.selfNodeID, time.Minute)
	if err != nil {
		return nil, fmt.Errorf("cluster: issue peer token: %w", err)
	}
	conn, err := grpc.NewClient(addr,
		grpc.WithTransportCredentials(insecure.NewCredentials()),
		grpc.WithPerRPCCredentials(bearerCredentials{token: token}),
		grpc.WithDefaultCallOptions(grpc.CallContentSubtype("json")),
	)
	if err != nil {
		return nil, fmt.Errorf("cluster: dial peer %s: %w", addr, err)
	}
	c.conns[addr] = conn
	return conn, nil
}

func (c *Coordinator) sendTo(ctx context.Context, addr string, req *ForwardRequest) (*ForwardResponse, error) {
	conn, err := c.dial(addr)
	if err != nil {
		return nil, err
	}
	return newPeerClient(conn).Forward(ctx, req)
}

// peerForward is the logic run on the receiving side of a Forward RPC: if
// this node currently owns the agent, it executes the envelope locally;
// otherwise it re-forwards toward whatever node the registry now says
// owns it, incrementing the hop counter.
func (c *Coordinator) peerForward(ctx context.Context, req *ForwardRequest) (*ForwardResponse, error) {
	if req.HopCount > c.maxHops {
		return nil, fmt.Errorf("cluster: hop limit exceeded forwarding agent %s (possible pin cycle)", req.AgentID)
	}

	info, ok := c.registry.Lookup(req.AgentID)
	if !ok {
		return nil, fmt.Errorf("cluster: no node pinned for agent %s", req.AgentID)
	}

	if info.NodeID == c.selfNodeID {
		var env dispatcher.Envelope
		if err := json.Unmarshal(req.Envelope, &env); err != nil {
			return nil, fmt.Errorf("cluster: decode forwarded envelope: %w", err)
		}
		resp, err := c.local.Local(ctx, env)
		if err != nil {
			return &ForwardResponse{Error: err.Error()}, nil
		}
		raw, err := json.Marshal(resp)
		if err != nil {
			return nil, fmt.Errorf("cluster: encode local response: %w", err)
		}
		return &ForwardResponse{Envelope: raw}, nil
	}

	return c.sendTo(ctx, info.Address, &ForwardRequest{
		AgentID:      req.AgentID,
		Envelope:     req.Envelope,
		OriginNodeID: req.OriginNodeID,
		HopCount:     req.HopCount + 1,
	})
}

// ClusterClient implements dispatcher.ClusterForwarder by looking up the
// agent's owning node and forwarding the envelope to it (§4.K).
type ClusterClient struct{ c *Coordinator }

func (cc ClusterClient) Forward(ctx context.Context, agentID string, env dispatcher.Envelope) (dispatcher.Envelope, error) {
	info, ok := cc.c.registry.Lookup(agentID)
	if !ok {
		return dispatcher.Envelope{}, fmt.Errorf("cluster: no node pinned for agent %s", agentID)
	}
	envBytes, err := json.Marshal(env)
	if err != nil {
		return dispatcher.Envelope{}, err
	}
	resp, err := cc.c.sendTo(ctx, info.Address, &ForwardRequest{
		AgentID:      agentID,
		Envelope:     envBytes,
		OriginNodeID: cc.c.selfNodeID,
		HopCount:     1,
	})
	if err != nil {
		return dispatcher.Envelope{}, fmt.Errorf("cluster: forward to node %s: %w", info.NodeID, err)
	}
	if resp.Error != "" {
		return dispatcher.Envelope{}, errors.New(resp.Error)
	}
	var out dispatcher.Envelope
	if err := json.Unmarshal(resp.Envelope, &out); err != nil {
		return dispatcher.Envelope{}, fmt.Errorf("cluster: decode forward response: %w", err)
	}
	return out, nil
}

// PeerHandler implements PeerServer, answering an incoming Forward RPC
// from another node.
type PeerHandler struct{ c *Coordinator }

func (ph PeerHandler) Forward(ctx context.Context, req *ForwardRequest) (*ForwardResponse, error) {
	return ph.c.peerForward(ctx, req)
}
