package middleware

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/status"

	apperrors "github.com/eidos-exchange/eidos/eidos-escrow/pkg/errors"
	"github.com/eidos-exchange/eidos/eidos-escrow/pkg/logger"
)

var testInfo = &grpc.UnaryServerInfo{FullMethod: "/grpc.health.v1.Health/Check"}

func TestRecoveryUnaryServerInterceptor(t *testing.T) {
	interceptor := RecoveryUnaryServerInterceptor()

	_, err := interceptor(context.Background(), nil, testInfo, func(ctx context.Context, req interface{}) (interface{}, error) {
		panic("boom")
	})
	assert.Equal(t, codes.Internal, status.Code(err))

	resp, err := interceptor(context.Background(), nil, testInfo, func(ctx context.Context, req interface{}) (interface{}, error) {
		return "ok", nil
	})
	require.NoError(t, err)
	assert.Equal(t, "ok", resp)
}

func TestUnaryServerInterceptor_ErrorMapping(t *testing.T) {
	interceptor := UnaryServerInterceptor()

	tests := []struct {
		name string
		err  error
		code codes.Code
	}{
		{"not found", apperrors.ErrProjectNotFound, codes.NotFound},
		{"precondition", apperrors.ErrNotFunded, codes.FailedPrecondition},
		{"network", apperrors.ErrNetwork, codes.Unavailable},
		{"plain", errors.New("boom"), codes.Internal},
		{"status kept", status.Error(codes.NotFound, "unknown service"), codes.NotFound},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := interceptor(context.Background(), nil, testInfo, func(ctx context.Context, req interface{}) (interface{}, error) {
				return nil, tt.err
			})
			assert.Equal(t, tt.code, status.Code(err))
		})
	}
}

func TestUnaryServerInterceptor_TraceID(t *testing.T) {
	interceptor := UnaryServerInterceptor()
	ctx := metadata.NewIncomingContext(context.Background(), metadata.Pairs(GRPCTraceIDKey, "trace-abc"))

	assert.Equal(t, "trace-abc", extractTraceID(ctx))
	assert.Empty(t, extractTraceID(context.Background()))

	_, err := interceptor(ctx, nil, testInfo, func(ctx context.Context, req interface{}) (interface{}, error) {
		assert.NotSame(t, logger.L(), logger.WithContext(ctx))
		return nil, nil
	})
	require.NoError(t, err)
}
