package cluster

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/status"
)

var (
	ErrNoPeerToken  = errors.New("cluster: no peer token provided")
	ErrBadPeerToken = errors.New("cluster: invalid peer token")
)

// peerClaims identifies the node on the other end of a forwarded request.
// Unlike pkg/coordination/security.Claims, there's no per-capability list
// here - cluster membership itself is the only thing being asserted.
type peerClaims struct {
	NodeID string `json:"nodeId"`
	jwt.RegisteredClaims
}

// TokenManager signs and validates the bearer tokens nodes present to each
// other over the peer gRPC service, generalized from
// pkg/coordination/security.TokenManager down to a single shared cluster
// secret rather than per-agent tokens with a revocation list - a node's
// membership is already gated by Raft's own voter set, so this token only
// needs to prove "I hold the cluster secret," not carry capabilities.
type TokenManager struct {
	secret []byte
}

func NewTokenManager(secret string) *TokenManager {
	return &TokenManager{secret: []byte(secret)}
}

func (tm *TokenManager) Issue(nodeID string, ttl time.Duration) (string, error) {
	now := time.Now()
	claims := &peerClaims{
		NodeID: nodeID,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   nodeID,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
		},
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(tm.secret)
}

func (tm *TokenManager) Validate(tokenString string) (string, error) {
	token, err := jwt.ParseWithClaims(tokenString, &peerClaims{}, func(t *jwt.Token) (any, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", t.Header["alg"])
		}
		return tm.secret, nil
	})
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrBadPeerToken, err)
	}
	claims, ok := token.Claims.(*peerClaims)
	if !ok || !token.Valid {
		return "", ErrBadPeerToken
	}
	return claims.NodeID, nil
}

// UnaryAuthInterceptor rejects any peer RPC that doesn't present a valid
// cluster bearer token, the gRPC counterpart to
// pkg/coordination/security.AuthInterceptor.UnaryInterceptor.
func (tm *TokenManager) UnaryAuthInterceptor() grpc.UnaryServerInterceptor {
	return func(ctx context.Context, req any, info *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (any, error) {
		md, ok := metadata.FromIncomingContext(ctx)
		if !ok {
			return nil, status.Error(codes.Unauthenticated, ErrNoPeerToken.Error())
		}
		values := md.Get("authorization")
		if len(values) == 0 {
			return nil, status.Error(codes.Unauthenticated, ErrNoPeerToken.Error())
		}
		parts := strings.SplitN(values[0], " ", 2)
		if len(parts) != 2 || parts[0] != "Bearer" {
			return nil, status.Error(codes.Unauthenticated, "malformed authorization header")
		}
		nodeID, err := tm.Validate(parts[1])
		if err != nil {
			return nil, status.Error(codes.Unauthenticated, err.Error())
		}
		return handler(contextWithPeerNode(ctx, nodeID), req)
	}
}

type peerNodeKey struct{}

func contextWithPeerNode(ctx context.Context, nodeID string) context.Context {
	return context.WithValue(ctx, peerNodeKey{}, nodeID)
}

// PeerNodeFromContext returns the calling node's ID, set by
// UnaryAuthInterceptor once a request's token validates.
func PeerNodeFromContext(ctx context.Context) (string, bool) {
	id, ok := ctx.Value(peerNodeKey{}).(string)
	return id, ok
}
