package location

import (
	"context"
	"errors"
	"io"
	"time"

	"go.uber.org/zap"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"github.com/example/servicematch/internal/geo"
)

// Sink receives validated samples. Store satisfies it directly; a bus
// publisher can be plugged in when locations fan out to several instances.
type Sink interface {
	Upsert(ctx context.Context, loc WorkerLocation) error
}

// Server implements the LocationServer interface.
type Server struct {
	sink   Sink
	logger *zap.Logger
}

// NewServer constructs a server.
func NewServer(sink Sink, logger *zap.Logger) *Server {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Server{sink: sink, logger: logger}
}

// StreamLocation ingests worker locations until the client closes the stream.
// Invalid samples are counted and skipped; sink failures abort the stream.
func (s *Server) StreamLocation(stream Location_StreamLocationServer) error {
	ack := &StreamAck{}
	for {
		msg, err := stream.Recv()
		if err == io.EOF {
			return stream.SendAndClose(ack)
		}
		if err != nil {
			return err
		}
		loc := msg.toWorkerLocation()
		if err := loc.Validate(); err != nil {
			ack.Rejected++
			ingestTotal.WithLabelValues("grpc", "rejected").Inc()
			s.logger.Debug("rejected location sample", zap.Error(err), zap.String("worker_id", msg.WorkerId))
			continue
		}
		if err := s.sink.Upsert(stream.Context(), loc); err != nil {
			ingestTotal.WithLabelValues("grpc", "error").Inc()
			if errors.Is(err, ErrInvalidSample) {
				ack.Rejected++
				continue
			}
			s.logger.Warn("location sink failed", zap.Error(err), zap.String("worker_id", msg.WorkerId))
			if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
				return status.FromContextError(err).Err()
			}
			return status.Errorf(codes.Unavailable, "store location: %v", err)
		}
		ack.Accepted++
		ingestTotal.WithLabelValues("grpc", "ok").Inc()
	}
}

func (m *LocationSample) toWorkerLocation() WorkerLocation {
	ts := time.Now().UTC()
	if m.TsMillis > 0 {
		ts = time.UnixMilli(m.TsMillis).UTC()
	}
	return WorkerLocation{
		WorkerID:  m.WorkerId,
		Point:     geo.Point{Lat: m.Lat, Lng: m.Lng},
		Category:  m.Category,
		Available: m.Available,
		Timestamp: ts,
	}
}
