// internal/worker/server.go
package worker

import (
	"context"
	"errors"
	"log/slog"

	"contractor-dispatch/internal/domain"
	"contractor-dispatch/internal/infra/expo"
	"contractor-dispatch/internal/pushrpc"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	grpccodes "google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/emptypb"
	"google.golang.org/protobuf/types/known/structpb"
)

// Server implements pushrpc.RelayServer on notifier nodes.
type Server struct {
	gateway domain.NotificationGateway
	nodeID  string
	logger  *slog.Logger
	tracer  trace.Tracer
}

// NewServer creates the relay server that forwards deliveries to gateway.
func NewServer(gateway domain.NotificationGateway, nodeID string, logger *slog.Logger) *Server {
	return &Server{
		gateway: gateway,
		nodeID:  nodeID,
		logger:  logger.With("component", "push-relay-server"),
		tracer:  otel.Tracer("contractor-dispatch-notifier"),
	}
}

// Deliver is called by dispatcher nodes for each offer notification.
func (s *Server) Deliver(ctx context.Context, req *structpb.Struct) (*emptypb.Empty, error) {
	ctx, span := s.tracer.Start(ctx, "notifier.Deliver", trace.WithAttributes(
		attribute.String("notifier.node_id", s.nodeID),
	))
	defer span.End()

	token, msg, err := pushrpc.DecodeDelivery(req)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "invalid relay request")
		return nil, status.Error(grpccodes.InvalidArgument, err.Error())
	}
	if id, ok := msg.Data["assignmentId"].(string); ok {
		span.SetAttributes(attribute.String("assignment.id", id))
	}

	if err := s.gateway.Deliver(ctx, token, msg); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "push delivery failed")
		s.logger.Warn("push delivery failed", "error", err)
		if errors.Is(err, expo.ErrDeviceNotRegistered) {
			return nil, status.Error(grpccodes.NotFound, err.Error())
		}
		return nil, status.Error(grpccodes.Unavailable, err.Error())
	}

	s.logger.Debug("push delivered")
	return &emptypb.Empty{}, nil
}
