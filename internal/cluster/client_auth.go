package cluster

import (
	"context"

	"google.golang.org/grpc/credentials"
)

// bearerCredentials attaches a static "Bearer <token>" authorization
// header to every outgoing peer RPC, the client-side counterpart to
// TokenManager.UnaryAuthInterceptor.
type bearerCredentials struct {
	token string
}

func (b bearerCredentials) GetRequestMetadata(ctx context.Context, uri ...string) (map[string]string, error) {
	return map[string]string{"authorization": "Bearer " + b.token}, nil
}

func (b bearerCredentials) RequireTransportSecurity() bool { return false }

var _ credentials.PerRPCCredentials = bearerCredentials{}
