// Package services implements the MTA's inbound side: message admission,
// the per-connection session protocol, text commands, delivery reports and
// archive maintenance.
package services

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"

	amhserrors "github.com/caio-sobreiro/amhsnet/errors"
	"github.com/caio-sobreiro/amhsnet/interfaces"
	"github.com/caio-sobreiro/amhsnet/lifecycle"
	"github.com/caio-sobreiro/amhsnet/metrics"
	"github.com/caio-sobreiro/amhsnet/queue"
	"github.com/caio-sobreiro/amhsnet/types"
)

// Submission is an inbound message before normalisation. Blank values take
// defaults when the message is built.
type Submission struct {
	MessageID     string
	From          string
	To            string
	Body          string
	Profile       types.Profile
	Priority      types.Priority
	Subject       string
	Channel       string
	CertificateCN string
	CertificateOU string
	FilingTime    time.Time
}

// X400Submission adds the X.400 envelope attributes of an API submission.
type X400Submission struct {
	Submission
	SenderORAddress     string
	RecipientORAddress  string
	PresentationAddress string
	IPNRequest          int
	DeliveryReport      string
	TimeoutDR           int
}

func (s Submission) message() *types.Message {
	return &types.Message{
		MessageID:     s.MessageID,
		Sender:        s.From,
		Recipient:     s.To,
		Body:          s.Body,
		Profile:       s.Profile,
		Priority:      s.Priority,
		Subject:       s.Subject,
		ChannelName:   s.Channel,
		CertificateCN: s.CertificateCN,
		CertificateOU: s.CertificateOU,
		FilingTime:    s.FilingTime,
	}
}

// MTAOption configures an MTAService.
type MTAOption func(*MTAService)

// WithMTALogger overrides the logger used by the service.
func WithMTALogger(logger *slog.Logger) MTAOption {
	return func(s *MTAService) {
		s.logger = logger
	}
}

// WithMTAClock sets the clock used for filing times, lifecycle stamps and
// report expiry.
func WithMTAClock(clock clockwork.Clock) MTAOption {
	return func(s *MTAService) {
		s.clock = clock
	}
}

// WithDatabaseEnabled toggles persistence. When disabled, admitted messages
// are only logged.
func WithDatabaseEnabled(enabled bool) MTAOption {
	return func(s *MTAService) {
		s.databaseEnabled = enabled
	}
}

// WithQueue routes Admit through the priority queue.
func WithQueue(q *queue.Queue) MTAOption {
	return func(s *MTAService) {
		s.queue = q
	}
}

// MTAService validates and stores inbound messages.
type MTAService struct {
	store           interfaces.MessageStore
	validator       interfaces.AdmissionValidator
	queue           *queue.Queue
	lifecycle       *lifecycle.Machine
	clock           clockwork.Clock
	logger          *slog.Logger
	databaseEnabled bool
}

var _ interfaces.MessageAdmitter = (*MTAService)(nil)

// NewMTAService creates an admission service. Persistence is enabled unless
// WithDatabaseEnabled(false) is given.
func NewMTAService(store interfaces.MessageStore, validator interfaces.AdmissionValidator, opts ...MTAOption) *MTAService {
	s := &MTAService{
		store:           store,
		validator:       validator,
		databaseEnabled: true,
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.clock == nil {
		s.clock = clockwork.NewRealClock()
	}
	if s.logger == nil {
		s.logger = slog.Default()
	}
	s.lifecycle = lifecycle.New(s.clock)
	return s
}

// DatabaseEnabled reports whether admitted messages are persisted
func (s *MTAService) DatabaseEnabled() bool {
	return s.databaseEnabled
}

// StoreMessage normalises, validates and stores a submission.
func (s *MTAService) StoreMessage(ctx context.Context, sub Submission) (*types.Message, error) {
	return s.persist(ctx, s.normalize(sub.message()))
}

// StoreX400Message stores a submission carrying X.400 envelope attributes.
// A positive TimeoutDR sets the delivery report expiry.
func (s *MTAService) StoreX400Message(ctx context.Context, sub X400Submission) (*types.Message, error) {
	msg := sub.message()
	msg.SenderORAddress = sub.SenderORAddress
	msg.RecipientORAddress = sub.RecipientORAddress
	msg.PresentationAddress = sub.PresentationAddress
	msg.IPNRequest = sub.IPNRequest
	msg.DeliveryReport = sub.DeliveryReport
	msg.TimeoutDR = sub.TimeoutDR
	return s.persist(ctx, s.normalize(msg))
}

// Admit stores msg in strict priority order. Without a queue the message is
// stored directly.
func (s *MTAService) Admit(ctx context.Context, msg *types.Message) (*types.Message, error) {
	msg = s.normalize(msg)
	if s.queue == nil {
		return s.persist(ctx, msg)
	}
	return s.queue.Submit(ctx, queue.Item{
		Priority:   msg.Priority,
		FilingTime: msg.FilingTime,
		Work: func(ctx context.Context) (*types.Message, error) {
			return s.persist(ctx, msg)
		},
	})
}

// FindByMessageID returns the stored message or nil
func (s *MTAService) FindByMessageID(ctx context.Context, messageID string) (*types.Message, error) {
	return s.store.FindByMessageID(ctx, strings.TrimSpace(messageID))
}

// FindAll lists every stored message
func (s *MTAService) FindAll(ctx context.Context) ([]*types.Message, error) {
	return s.store.FindAll(ctx)
}

// FindByFilters lists messages matching a channel and profile. Blank values
// match everything.
func (s *MTAService) FindByFilters(ctx context.Context, channel string, profile types.Profile) ([]*types.Message, error) {
	return s.store.FindByFilters(ctx, strings.TrimSpace(channel), profile)
}

func (s *MTAService) persist(ctx context.Context, msg *types.Message) (*types.Message, error) {
	now := s.clock.Now().UTC()
	msg.ReceivedAt = now
	s.lifecycle.Initialize(msg)
	setReportExpiration(msg, now)

	if !s.databaseEnabled {
		s.logger.Info("Database disabled, received AMHS message",
			"message_id", msg.MessageID,
			"from", msg.Sender,
			"to", msg.Recipient,
			"channel", msg.ChannelName,
			"profile", msg.Profile,
			"priority", msg.Priority,
			"subject", msg.Subject,
			"body", msg.Body)
		return msg, nil
	}

	if err := s.validator.Validate(msg.Sender, msg.Recipient, msg.Body, msg.Profile); err != nil {
		return nil, s.reject(msg, err)
	}
	channel, err := s.validator.RequireEnabledChannel(ctx, msg.ChannelName)
	if err != nil {
		return nil, s.reject(msg, err)
	}
	if err := s.validator.ValidateCertificateIdentity(channel, msg.CertificateCN, msg.CertificateOU); err != nil {
		return nil, s.reject(msg, err)
	}
	msg.ChannelName = channel.Name

	stored, err := s.store.Save(ctx, msg)
	if err != nil {
		metrics.MessagesRejected.WithLabelValues("store").Inc()
		return nil, fmt.Errorf("failed to store message %s: %w", msg.MessageID, err)
	}

	metrics.MessagesAdmitted.Inc()
	s.logger.Info("Stored AMHS message",
		"message_id", stored.MessageID,
		"from", stored.Sender,
		"to", stored.Recipient,
		"channel", stored.ChannelName,
		"priority", stored.Priority)
	return stored, nil
}

func (s *MTAService) reject(msg *types.Message, err error) error {
	reason := "internal"
	var validationErr *amhserrors.ValidationError
	if errors.As(err, &validationErr) {
		reason = validationErr.Field
	}
	metrics.MessagesRejected.WithLabelValues(reason).Inc()
	s.logger.Warn("AMHS message rejected", "message_id", msg.MessageID, "reason", reason, "error", err)
	return err
}

// normalize trims every value, uppercases both addresses and fills the
// message id, priority and filing time defaults.
func (s *MTAService) normalize(msg *types.Message) *types.Message {
	msg.MessageID = strings.TrimSpace(msg.MessageID)
	if msg.MessageID == "" {
		msg.MessageID = uuid.NewString()
	}
	msg.Sender = strings.ToUpper(strings.TrimSpace(msg.Sender))
	msg.Recipient = strings.ToUpper(strings.TrimSpace(msg.Recipient))
	msg.Body = strings.TrimSpace(msg.Body)
	msg.Subject = strings.TrimSpace(msg.Subject)
	msg.ChannelName = strings.TrimSpace(msg.ChannelName)
	msg.CertificateCN = strings.TrimSpace(msg.CertificateCN)
	msg.CertificateOU = strings.TrimSpace(msg.CertificateOU)
	msg.SenderORAddress = strings.TrimSpace(msg.SenderORAddress)
	msg.RecipientORAddress = strings.TrimSpace(msg.RecipientORAddress)
	msg.PresentationAddress = strings.TrimSpace(msg.PresentationAddress)
	msg.DeliveryReport = strings.TrimSpace(msg.DeliveryReport)
	if msg.Priority == "" {
		msg.Priority = types.PriorityGG
	}
	if msg.FilingTime.IsZero() {
		msg.FilingTime = s.clock.Now().UTC()
	}
	return msg
}
