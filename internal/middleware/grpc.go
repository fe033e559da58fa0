package middleware

import (
	"context"
	"runtime/debug"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/status"

	apperrors "github.com/eidos-exchange/eidos/eidos-escrow/pkg/errors"
	"github.com/eidos-exchange/eidos/eidos-escrow/pkg/logger"
)

// GRPCTraceIDKey gRPC metadata 中的 TraceID 键名
const GRPCTraceIDKey = "x-trace-id"

// RecoveryUnaryServerInterceptor panic 恢复拦截器
func RecoveryUnaryServerInterceptor() grpc.UnaryServerInterceptor {
	return func(
		ctx context.Context,
		req interface{},
		info *grpc.UnaryServerInfo,
		handler grpc.UnaryHandler,
	) (resp interface{}, err error) {
		defer func() {
			if r := recover(); r != nil {
				logger.WithContext(ctx).Error("grpc panic recovered",
					zap.Any("panic", r),
					zap.String("method", info.FullMethod),
					zap.ByteString("stack", debug.Stack()),
				)
				err = status.Errorf(codes.Internal, "internal error")
			}
		}()

		return handler(ctx, req)
	}
}

// UnaryServerInterceptor 统一的 gRPC 一元拦截器
// 注入 trace_id 并将业务错误转换为 gRPC 状态码
func UnaryServerInterceptor() grpc.UnaryServerInterceptor {
	return func(
		ctx context.Context,
		req interface{},
		info *grpc.UnaryServerInfo,
		handler grpc.UnaryHandler,
	) (interface{}, error) {
		start := time.Now()

		traceID := extractTraceID(ctx)
		if traceID == "" {
			traceID = uuid.New().String()
		}
		ctx = logger.NewContext(ctx,
			zap.String(TraceIDKey, traceID),
			zap.String("method", info.FullMethod),
		)

		resp, err := handler(ctx, req)
		if _, isStatus := status.FromError(err); err != nil && !isStatus {
			err = apperrors.ToGRPCError(err)
		}

		log := logger.WithContext(ctx)
		duration := time.Since(start)
		if err != nil {
			st, _ := status.FromError(err)
			log.Error("grpc request failed",
				zap.Duration("duration", duration),
				zap.String("code", st.Code().String()),
				zap.String("error", st.Message()))
		} else {
			log.Debug("grpc request completed", zap.Duration("duration", duration))
		}
		return resp, err
	}
}

func extractTraceID(ctx context.Context) string {
	md, ok := metadata.FromIncomingContext(ctx)
	if !ok {
		return ""
	}
	if values := md.Get(GRPCTraceIDKey); len(values) > 0 {
		return values[0]
	}
	return ""
}
