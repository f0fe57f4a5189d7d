package cluster

import (
	"context"

	"google.golang.org/grpc"
)

// serviceName is the gRPC full service name exposed by every node's peer
// listener.
const serviceName = "cluster.Peer"

// PeerServer is implemented by the node-local handler that answers a
// peer's forwarded request.
type PeerServer interface {
	Forward(ctx context.Context, req *ForwardRequest) (*ForwardResponse, error)
}

// peerServiceDesc is hand-written in place of a protoc-generated
// ServiceDesc: one unary method, "Forward", carrying the jsonCodec-encoded
// ForwardRequest/ForwardResponse pair declared in types.go.
var peerServiceDesc = grpc.ServiceDesc{
	ServiceName: serviceName,
	HandlerType: (*PeerServer)(nil),
	Methods: []grpc.MethodDesc{
		{MethodName: "Forward", Handler: forwardHandler},
	},
	Streams:  []grpc.StreamDesc{},
	Metadata: "internal/cluster",
}

func forwardHandler(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
	in := new(ForwardRequest)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(PeerServer).Forward(ctx, in)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: "/" + serviceName + "/Forward"}
	handler := func(ctx context.Context, req any) (any, error) {
		return srv.(PeerServer).Forward(ctx, req.(*ForwardRequest))
	}
	return interceptor(ctx, in, info, handler)
}

// RegisterPeerServer attaches srv to s under the peer service's method
// table.
func RegisterPeerServer(s grpc.ServiceRegistrar, srv PeerServer) {
	s.RegisterService(&peerServiceDesc, srv)
}

// peerClient calls the Forward method on a single peer connection. A
// hand-written counterpart to a protoc-generated client stub, for the same
// reason peerServiceDesc is hand-written.
type peerClient struct {
	cc grpc.ClientConnInterface
}

func newPeerClient(cc grpc.ClientConnInterface) *peerClient {
	return &peerClient{cc: cc}
}

func (c *peerClient) Forward(ctx context.Context, req *ForwardRequest) (*ForwardResponse, error) {
	out := new(ForwardResponse)
	if err := c.cc.Invoke(ctx, "/"+serviceName+"/Forward", req, out); err != nil {
		return nil, err
	}
	return out, nil
}
