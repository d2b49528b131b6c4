package client

import (
	"context"
	"errors"
	"net"
	"testing"
	"time"

	"github.com/dmitrijs2005/listenalong/internal/common"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/status"
)

func startHealthServer(t *testing.T) (*health.Server, string) {
	t.Helper()
	lis, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)

	srv := grpc.NewServer()
	hs := health.NewServer()
	healthpb.RegisterHealthServer(srv, hs)
	go func() { _ = srv.Serve(lis) }()
	t.Cleanup(srv.Stop)

	return hs, lis.Addr().String()
}

func TestHealthClient_Ping(t *testing.T) {
	hs, addr := startHealthServer(t)

	hc, err := NewHealthClient(addr)
	require.NoError(t, err)
	defer hc.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	hs.SetServingStatus(common.HealthServiceName, healthpb.HealthCheckResponse_SERVING)
	require.NoError(t, hc.Ping(ctx))

	hs.SetServingStatus(common.HealthServiceName, healthpb.HealthCheckResponse_NOT_SERVING)
	require.ErrorIs(t, hc.Ping(ctx), ErrUnavailable)
}

func TestHealthClient_UnknownServiceIsUnavailable(t *testing.T) {
	_, addr := startHealthServer(t)

	hc, err := NewHealthClient(addr)
	require.NoError(t, err)
	defer hc.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	require.ErrorIs(t, hc.Ping(ctx), ErrUnavailable)
}

func TestMapError(t *testing.T) {
	assert.NoError(t, mapError(nil))
	assert.ErrorIs(t, mapError(status.Error(codes.Unauthenticated, "x")), ErrUnauthorized)
	assert.ErrorIs(t, mapError(status.Error(codes.PermissionDenied, "x")), ErrUnauthorized)
	assert.ErrorIs(t, mapError(status.Error(codes.Unavailable, "x")), ErrUnavailable)
	assert.ErrorIs(t, mapError(status.Error(codes.DeadlineExceeded, "x")), ErrUnavailable)

	err := mapError(status.Error(codes.Internal, "boom"))
	assert.False(t, errors.Is(err, ErrUnavailable))
	assert.Contains(t, err.Error(), "rpc error")
}
