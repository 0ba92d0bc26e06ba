package checks

import (
	"context"
	"crypto/tls"
	"fmt"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/credentials"
	"google.golang.org/grpc/credentials/insecure"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/status"
)

// grpcExecutor calls the standard gRPC health service
// (grpc.health.v1.Health/Check) on the target.
//
// Config keys: service (empty checks overall server health), tls,
// tlsSkipVerify.
type grpcExecutor struct{}

// NewGRPCExecutor returns the gRPC health-check executor.
func NewGRPCExecutor() Executor { return &grpcExecutor{} }

func (grpcExecutor) Type() string { return TypeGRPC }

func (e *grpcExecutor) Check(ctx context.Context, in *Input) (*Outcome, error) {
	addr, host, err := targetAddr(in.URL, "50051")
	if err != nil {
		return Errored(CodeInvalidConfig, err.Error()), nil
	}

	creds := insecure.NewCredentials()
	if in.ConfigBool("tls", false) {
		creds = credentials.NewTLS(&tls.Config{
			ServerName:         host,
			InsecureSkipVerify: in.ConfigBool("tlsSkipVerify", false),
		})
	}

	conn, err := grpc.NewClient(addr, grpc.WithTransportCredentials(creds))
	if err != nil {
		return Errored(CodeInvalidConfig, fmt.Sprintf("building client: %v", err)), nil
	}
	defer conn.Close()

	start := time.Now()
	resp, err := healthpb.NewHealthClient(conn).Check(ctx, &healthpb.HealthCheckRequest{
		Service: in.ConfigString("service", ""),
	})
	elapsed := time.Since(start)

	if err != nil {
		switch status.Code(err) {
		case codes.DeadlineExceeded:
			return TimedOut(elapsed), nil
		case codes.Unimplemented:
			out := Failure(CodeUnhealthy, "server does not implement the gRPC health service")
			out.ResponseTimeMs = ptrMs(elapsed)
			return out, nil
		case codes.NotFound:
			out := Failure(CodeNoData, fmt.Sprintf("unknown health service %q", in.ConfigString("service", "")))
			out.ResponseTimeMs = ptrMs(elapsed)
			return out, nil
		case codes.Unavailable:
			out := Failure(CodeConnFailed, fmt.Sprintf("endpoint unavailable: %v", err))
			out.ResponseTimeMs = ptrMs(elapsed)
			return out, nil
		default:
			return FromError(err, elapsed), nil
		}
	}

	out := &Outcome{
		Status:         StatusSuccess,
		ResponseTimeMs: ptrMs(elapsed),
	}
	out.SetPayload("servingStatus", resp.GetStatus().String())

	if resp.GetStatus() != healthpb.HealthCheckResponse_SERVING {
		out.Status = StatusFailure
		out.ErrorCode = CodeUnhealthy
		out.ErrorMessage = fmt.Sprintf("health service reported %s", resp.GetStatus())
	}
	return out, nil
}
