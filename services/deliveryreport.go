package services

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"

	"github.com/caio-sobreiro/amhsnet/interfaces"
	"github.com/caio-sobreiro/amhsnet/lifecycle"
	"github.com/caio-sobreiro/amhsnet/metrics"
	"github.com/caio-sobreiro/amhsnet/types"
)

// Non-delivery reasons written into NDRs
const (
	ReasonTransferTimeout  = "transfer-timeout"
	ReasonTransferRejected = "transfer-rejected"
)

// DefaultExpirationCheckInterval is how often Run scans for expired reports
const DefaultExpirationCheckInterval = 30 * time.Second

// DeliveryReportService writes DRs and NDRs and expires messages whose
// delivery report deadline has passed.
type DeliveryReportService struct {
	reports   interfaces.DeliveryReportStore
	messages  interfaces.MessageStore
	lifecycle *lifecycle.Machine
	clock     clockwork.Clock
	logger    *slog.Logger
}

var _ interfaces.DeliveryReporter = (*DeliveryReportService)(nil)

// NewDeliveryReportService creates a report service. A nil clock means the
// real clock and a nil logger means slog.Default().
func NewDeliveryReportService(reports interfaces.DeliveryReportStore, messages interfaces.MessageStore, clock clockwork.Clock, logger *slog.Logger) *DeliveryReportService {
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &DeliveryReportService{
		reports:   reports,
		messages:  messages,
		lifecycle: lifecycle.New(clock),
		clock:     clock,
		logger:    logger,
	}
}

// setReportExpiration sets the DR deadline TimeoutDR seconds after now
func setReportExpiration(msg *types.Message, now time.Time) {
	if msg.TimeoutDR > 0 {
		expires := now.Add(time.Duration(msg.TimeoutDR) * time.Second).UTC()
		msg.DRExpirationAt = &expires
	}
}

// SetReportExpiration sets the message's DR deadline from its TimeoutDR.
func (s *DeliveryReportService) SetReportExpiration(msg *types.Message) {
	setReportExpiration(msg, s.clock.Now())
}

// CreateDeliveryReport records a successful delivery
func (s *DeliveryReportService) CreateDeliveryReport(ctx context.Context, msg *types.Message) (*types.DeliveryReport, error) {
	return s.save(ctx, s.build(msg, types.ReportTypeDR, types.DeliveryStatusDelivered, types.X411Delivered, ""))
}

// CreateNonDeliveryReport records a failed delivery with the given reason,
// X.411 diagnostic code and status.
func (s *DeliveryReportService) CreateNonDeliveryReport(ctx context.Context, msg *types.Message, reason, diagnosticCode string, status types.DeliveryStatus) (*types.DeliveryReport, error) {
	return s.save(ctx, s.build(msg, types.ReportTypeNDR, status, diagnosticCode, reason))
}

// TransferRejected records an NDR for a transfer the peer MTA refused. The
// caller owns the message's state.
func (s *DeliveryReportService) TransferRejected(ctx context.Context, msg *types.Message, outcome *types.RelayOutcome) error {
	_, err := s.CreateNonDeliveryReport(ctx, msg, ReasonTransferRejected, types.X411TransferFailure, types.DeliveryStatusFailed)
	if err != nil {
		return err
	}
	diagnostic := ""
	if outcome != nil {
		diagnostic = outcome.Diagnostic
	}
	s.logger.Info("Recorded non-delivery report", "message_id", msg.MessageID, "reason", ReasonTransferRejected, "diagnostic", diagnostic)
	return nil
}

// ExpirePending moves every pending message whose DR deadline has passed
// to EXPIRED, writes its NDR and marks it REPORTED. It returns the number
// of messages expired. Failures on one message do not stop the scan.
func (s *DeliveryReportService) ExpirePending(ctx context.Context) (int, error) {
	pending, err := s.messages.FindByStates(ctx, types.StateSubmitted, types.StateTransferred, types.StateDeferred)
	if err != nil {
		metrics.StoreErrors.WithLabelValues("messages").Inc()
		return 0, fmt.Errorf("failed to load pending messages: %w", err)
	}

	now := s.clock.Now()
	expired := 0
	var errs []error
	for _, msg := range pending {
		if msg.DRExpirationAt == nil || !msg.DRExpirationAt.Before(now) {
			continue
		}
		if err := s.expire(ctx, msg); err != nil {
			s.logger.Error("Failed to expire message", "message_id", msg.MessageID, "error", err)
			errs = append(errs, err)
			continue
		}
		expired++
	}
	if expired > 0 {
		s.logger.Info("Expired AMHS messages past their delivery report deadline", "count", expired)
	}
	return expired, errors.Join(errs...)
}

func (s *DeliveryReportService) expire(ctx context.Context, msg *types.Message) error {
	if err := s.lifecycle.Transition(msg, types.StateExpired); err != nil {
		return err
	}
	if _, err := s.CreateNonDeliveryReport(ctx, msg, ReasonTransferTimeout, types.X411Timeout, types.DeliveryStatusExpired); err != nil {
		return err
	}
	if err := s.lifecycle.Transition(msg, types.StateReported); err != nil {
		return err
	}
	if _, err := s.messages.Save(ctx, msg); err != nil {
		metrics.StoreErrors.WithLabelValues("messages").Inc()
		return fmt.Errorf("failed to save expired message %s: %w", msg.MessageID, err)
	}
	return nil
}

// Run calls ExpirePending every interval until ctx is done. A non-positive
// interval uses DefaultExpirationCheckInterval.
func (s *DeliveryReportService) Run(ctx context.Context, interval time.Duration) error {
	if interval <= 0 {
		interval = DefaultExpirationCheckInterval
	}
	ticker := s.clock.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.Chan():
			if _, err := s.ExpirePending(ctx); err != nil && ctx.Err() == nil {
				s.logger.Warn("Delivery report expiry scan failed", "error", err)
			}
		}
	}
}

func (s *DeliveryReportService) build(msg *types.Message, reportType types.ReportType, status types.DeliveryStatus, diagnosticCode, reason string) *types.DeliveryReport {
	return &types.DeliveryReport{
		ID:                 uuid.NewString(),
		MessageID:          msg.MessageID,
		Recipient:          msg.Recipient,
		ReportType:         reportType,
		Status:             status,
		X411DiagnosticCode: diagnosticCode,
		NonDeliveryReason:  reason,
		ReturnOfContent:    msg.IPNRequest > 0,
		ExpiresAt:          msg.DRExpirationAt,
		CreatedAt:          s.clock.Now().UTC(),
	}
}

func (s *DeliveryReportService) save(ctx context.Context, report *types.DeliveryReport) (*types.DeliveryReport, error) {
	saved, err := s.reports.Save(ctx, report)
	if err != nil {
		metrics.StoreErrors.WithLabelValues("reports").Inc()
		return nil, fmt.Errorf("failed to save %s for message %s: %w", report.ReportType, report.MessageID, err)
	}
	metrics.ReportsGenerated.WithLabelValues(string(report.ReportType)).Inc()
	return saved, nil
}
