package services

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/jonboulle/clockwork"

	"github.com/caio-sobreiro/amhsnet/interfaces"
	"github.com/caio-sobreiro/amhsnet/metrics"
)

const (
	// DefaultRetentionDays is how long received messages are kept
	DefaultRetentionDays = 30
	// DefaultPurgeInterval is how often Run purges the archive
	DefaultPurgeInterval = 24 * time.Hour
)

// ArchiveService deletes messages older than the retention period.
type ArchiveService struct {
	store         interfaces.MessageStore
	retentionDays int
	clock         clockwork.Clock
	logger        *slog.Logger
}

// NewArchiveService creates an archive service. A non-positive
// retentionDays uses DefaultRetentionDays.
func NewArchiveService(store interfaces.MessageStore, retentionDays int, clock clockwork.Clock, logger *slog.Logger) *ArchiveService {
	if retentionDays <= 0 {
		retentionDays = DefaultRetentionDays
	}
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &ArchiveService{
		store:         store,
		retentionDays: retentionDays,
		clock:         clock,
		logger:        logger,
	}
}

// RetentionDays returns the configured retention period
func (s *ArchiveService) RetentionDays() int {
	return s.retentionDays
}

// Purge deletes messages received before now minus the retention period
// and returns how many were removed.
func (s *ArchiveService) Purge(ctx context.Context) (int64, error) {
	cutoff := s.clock.Now().UTC().AddDate(0, 0, -s.retentionDays)
	deleted, err := s.store.DeleteReceivedBefore(ctx, cutoff)
	if err != nil {
		metrics.StoreErrors.WithLabelValues("messages").Inc()
		return 0, fmt.Errorf("failed to purge messages received before %s: %w", cutoff.Format(time.RFC3339), err)
	}
	if deleted > 0 {
		metrics.MessagesPurged.Add(float64(deleted))
		s.logger.Info("AMHS archive cleanup deleted messages", "count", deleted, "retention_days", s.retentionDays)
	}
	return deleted, nil
}

// Run purges every interval until ctx is done. A non-positive interval
// uses DefaultPurgeInterval.
func (s *ArchiveService) Run(ctx context.Context, interval time.Duration) error {
	if interval <= 0 {
		interval = DefaultPurgeInterval
	}
	ticker := s.clock.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.Chan():
			if _, err := s.Purge(ctx); err != nil && ctx.Err() == nil {
				s.logger.Warn("Archive purge failed", "error", err)
			}
		}
	}
}
