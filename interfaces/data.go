package interfaces

import (
	"context"
	"time"

	"github.com/caio-sobreiro/amhsnet/types"
)

// MessageStore persists AMHS messages. Lookups that find nothing return
// nil, nil.
type MessageStore interface {
	// Save inserts or replaces the message keyed by MessageID and returns
	// the stored copy.
	Save(ctx context.Context, msg *types.Message) (*types.Message, error)
	FindByMessageID(ctx context.Context, messageID string) (*types.Message, error)
	FindByStates(ctx context.Context, states ...types.State) ([]*types.Message, error)
	FindAll(ctx context.Context) ([]*types.Message, error)
	// FindByFilters matches channel and profile when non-empty
	FindByFilters(ctx context.Context, channel string, profile types.Profile) ([]*types.Message, error)
	DeleteReceivedBefore(ctx context.Context, cutoff time.Time) (int64, error)
}

// ChannelStore persists channel definitions
type ChannelStore interface {
	// FindByName matches the name case-insensitively
	FindByName(ctx context.Context, name string) (*types.Channel, error)
	Save(ctx context.Context, channel *types.Channel) (*types.Channel, error)
	FindAll(ctx context.Context) ([]*types.Channel, error)
}

// DeliveryReportStore persists delivery and non-delivery reports
type DeliveryReportStore interface {
	Save(ctx context.Context, report *types.DeliveryReport) (*types.DeliveryReport, error)
	FindByMessageID(ctx context.Context, messageID string) ([]*types.DeliveryReport, error)
}
