package weather

import (
	"context"
	"log/slog"
)

// Publisher sends mapped fields to the upload API.
type Publisher interface {
	Publish(ctx context.Context, fields []Field) error
}

// Service forwards decoded readings: map, then publish.
type Service struct {
	mapper    *Mapper
	publisher Publisher
	logger    *slog.Logger
}

func NewService(mapper *Mapper, publisher Publisher, logger *slog.Logger) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{mapper: mapper, publisher: publisher, logger: logger}
}

// Handle maps r and publishes it. A publish error is returned to the caller
// for logging; the reading is not retried.
func (s *Service) Handle(ctx context.Context, r Reading) error {
	fields := s.mapper.Map(r)
	s.logger.Debug("reading mapped", "fields", len(fields))
	return s.publisher.Publish(ctx, fields)
}
