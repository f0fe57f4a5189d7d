package cluster

import (
	"net"

	"google.golang.org/grpc"
)

// NewPeerServer builds the gRPC server a node listens on for incoming
// Forward calls from its peers, gated by tokens' bearer-token interceptor.
func NewPeerServer(coord *Coordinator, tokens *TokenManager) *grpc.Server {
	srv := grpc.NewServer(grpc.UnaryInterceptor(tokens.UnaryAuthInterceptor()))
	RegisterPeerServer(srv, coord.PeerHandler())
	return srv
}

// Serve blocks accepting connections on lis and dispatching them to srv,
// returning when the listener closes or errors.
func Serve(srv *grpc.Server, lis net.Listener) error {
	return srv.Serve(lis)
}
