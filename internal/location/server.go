package location

import (
	"errors"
	"io"

	"go.uber.org/zap"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"github.com/example/taxidispatch/internal/dispatch/domain"
)

// Server implements the LocationServer interface.
type Server struct {
	tracker *Tracker
	logger  *zap.Logger
}

// NewServer constructs a server.
func NewServer(tracker *Tracker, logger *zap.Logger) *Server {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Server{tracker: tracker, logger: logger.Named("location")}
}

// StreamPositions ingests taxi positions until the client closes the stream.
// Bad or unknown reports are counted and skipped; a store outage aborts the
// stream with Unavailable so the client can reconnect and resend.
func (s *Server) StreamPositions(stream Location_StreamPositionsServer) error {
	var ack Ack
	for {
		msg, err := stream.Recv()
		if err == io.EOF {
			return stream.SendAndClose(&ack)
		}
		if err != nil {
			return err
		}
		err = s.tracker.Apply(stream.Context(), *msg)
		switch {
		case err == nil:
			ack.Accepted++
		case errors.Is(err, domain.ErrTransport):
			s.logger.Warn("position ingest aborted", zap.String("taxi_id", msg.TaxiId), zap.Error(err))
			return status.Error(codes.Unavailable, err.Error())
		default:
			ack.Rejected++
			s.logger.Debug("position rejected", zap.String("taxi_id", msg.TaxiId), zap.Error(err))
		}
	}
}
