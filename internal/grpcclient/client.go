package grpcclient

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/protobuf/types/known/structpb"
	"gorgonia.org/tensor"

	"github.com/example/lesion-check/internal/logging"
)

// ClassifyMethod is the unary RPC served by the remote inference server. Requests
// carry {"shape": [...], "data": [...]} and responses {"probabilities": [...]},
// both encoded as google.protobuf.Struct.
const ClassifyMethod = "/lesion.v1.Classifier/Classify"

// DialClassifier connects to a remote inference server and confirms it reports
// SERVING on the standard health service.
func DialClassifier(ctx context.Context, addr string, logger *zap.Logger, opts ...grpc.DialOption) (*RemoteClassifier, error) {
	dialCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	dialOpts := append([]grpc.DialOption{
		grpc.WithTransportCredentials(insecure.NewCredentials()),
		grpc.WithBlock(),
	}, opts...)

	conn, err := grpc.DialContext(dialCtx, addr, dialOpts...)
	if err != nil {
		wrapped := logging.NewOperationError("grpcclient.dial_classifier", "", err)
		logger.Error("failed to dial inference server", zap.Error(wrapped), zap.String("addr", addr))
		return nil, wrapped
	}

	resp, err := healthpb.NewHealthClient(conn).Check(dialCtx, &healthpb.HealthCheckRequest{})
	if err == nil && resp.GetStatus() != healthpb.HealthCheckResponse_SERVING {
		err = fmt.Errorf("inference server status %s", resp.GetStatus())
	}
	if err != nil {
		_ = conn.Close()
		wrapped := logging.NewOperationError("grpcclient.health_check", "", err)
		logger.Error("inference server is not serving", zap.Error(wrapped), zap.String("addr", addr))
		return nil, wrapped
	}

	logger.Info("connected to inference server", zap.String("addr", addr))
	return &RemoteClassifier{conn: conn, logger: logger}, nil
}

// RemoteClassifier delegates inference to a gRPC server. It is safe for concurrent use.
type RemoteClassifier struct {
	conn   *grpc.ClientConn
	logger *zap.Logger
}

func (r *RemoteClassifier) Classify(ctx context.Context, input *tensor.Dense) ([]float32, error) {
	data, ok := input.Data().([]float32)
	if !ok {
		return nil, fmt.Errorf("expected float32 tensor, got %s", input.Dtype())
	}

	req := &structpb.Struct{Fields: map[string]*structpb.Value{
		"shape": intList(input.Shape()),
		"data":  floatList(data),
	}}
	resp := &structpb.Struct{}
	if err := r.conn.Invoke(ctx, ClassifyMethod, req, resp); err != nil {
		wrapped := logging.NewOperationError("grpcclient.classify", "", err)
		r.logger.Error("inference call failed", zap.Error(wrapped))
		return nil, wrapped
	}

	values := resp.GetFields()["probabilities"].GetListValue().GetValues()
	if len(values) == 0 {
		return nil, fmt.Errorf("inference server returned no probabilities")
	}
	out := make([]float32, len(values))
	for i, v := range values {
		out[i] = float32(v.GetNumberValue())
	}
	return out, nil
}

func (r *RemoteClassifier) Close() error {
	return r.conn.Close()
}

func intList(dims []int) *structpb.Value {
	values := make([]*structpb.Value, len(dims))
	for i, d := range dims {
		values[i] = structpb.NewNumberValue(float64(d))
	}
	return structpb.NewListValue(&structpb.ListValue{Values: values})
}

func floatList(data []float32) *structpb.Value {
	values := make([]*structpb.Value, len(data))
	for i, v := range data {
		values[i] = structpb.NewNumberValue(float64(v))
	}
	return structpb.NewListValue(&structpb.ListValue{Values: values})
}
