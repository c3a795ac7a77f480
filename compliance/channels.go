package compliance

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/jellydator/ttlcache/v3"

	amhserrors "github.com/caio-sobreiro/amhsnet/errors"
	"github.com/caio-sobreiro/amhsnet/interfaces"
	"github.com/caio-sobreiro/amhsnet/types"
)

const defaultChannelCacheTTL = 30 * time.Second

// ChannelRequest creates or updates a channel. A nil Enabled means true.
type ChannelRequest struct {
	Name       string
	ExpectedCN string
	ExpectedOU string
	Enabled    *bool
}

// ChannelService manages channels with a short-lived lookup cache in front
// of the channel store.
type ChannelService struct {
	store  interfaces.ChannelStore
	cache  *ttlcache.Cache[string, types.Channel]
	ttl    time.Duration
	logger *slog.Logger
}

// NewChannelService creates a channel service. A non-positive ttl uses the
// default of 30s.
func NewChannelService(store interfaces.ChannelStore, ttl time.Duration, logger *slog.Logger) *ChannelService {
	if ttl <= 0 {
		ttl = defaultChannelCacheTTL
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &ChannelService{
		store: store,
		cache: ttlcache.New(
			ttlcache.WithTTL[string, types.Channel](ttl),
		),
		ttl:    ttl,
		logger: logger,
	}
}

// CreateOrUpdate upserts a channel by case-insensitive name
func (s *ChannelService) CreateOrUpdate(ctx context.Context, req ChannelRequest) (*types.Channel, error) {
	name := strings.ToUpper(strings.TrimSpace(req.Name))
	if name == "" {
		return nil, amhserrors.NewValidationError("name", "Channel name is mandatory")
	}

	channel, err := s.store.FindByName(ctx, name)
	if err != nil {
		return nil, fmt.Errorf("failed to look up channel %s: %w", name, err)
	}
	if channel == nil {
		channel = &types.Channel{}
	}
	channel.Name = name
	channel.ExpectedCN = strings.TrimSpace(req.ExpectedCN)
	channel.ExpectedOU = strings.TrimSpace(req.ExpectedOU)
	channel.Enabled = req.Enabled == nil || *req.Enabled

	saved, err := s.store.Save(ctx, channel)
	if err != nil {
		return nil, fmt.Errorf("failed to save channel %s: %w", name, err)
	}
	s.cache.Delete(name)
	s.logger.Info("Channel updated", "channel", name, "enabled", saved.Enabled)
	return saved, nil
}

// FindAll lists every channel
func (s *ChannelService) FindAll(ctx context.Context) ([]*types.Channel, error) {
	return s.store.FindAll(ctx)
}

// RequireEnabledChannel returns the named channel, or ATFM when name is
// blank. Unknown and disabled channels are ValidationErrors.
func (s *ChannelService) RequireEnabledChannel(ctx context.Context, name string) (*types.Channel, error) {
	normalized := strings.ToUpper(strings.TrimSpace(name))
	if normalized == "" {
		normalized = types.DefaultChannelName
	}

	channel, err := s.lookup(ctx, normalized)
	if err != nil {
		return nil, err
	}
	if channel == nil {
		return nil, amhserrors.NewValidationError("channel", "Unknown AMHS channel: "+normalized)
	}
	if !channel.Enabled {
		return nil, amhserrors.NewValidationError("channel", "AMHS channel is disabled: "+normalized)
	}
	return channel, nil
}

func (s *ChannelService) lookup(ctx context.Context, name string) (*types.Channel, error) {
	if item := s.cache.Get(name); item != nil {
		channel := item.Value()
		return &channel, nil
	}

	channel, err := s.store.FindByName(ctx, name)
	if err != nil {
		return nil, fmt.Errorf("failed to look up channel %s: %w", name, err)
	}
	if channel == nil {
		return nil, nil
	}
	s.cache.Set(name, *channel, s.ttl)
	return channel, nil
}
