package main

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/caio-sobreiro/amhsnet/compliance"
	"github.com/caio-sobreiro/amhsnet/config"
	"github.com/caio-sobreiro/amhsnet/interfaces"
	"github.com/caio-sobreiro/amhsnet/storage/memory"
	"github.com/caio-sobreiro/amhsnet/storage/mongodb"
)

// stores bundles the repositories of the configured driver
type stores struct {
	messages interfaces.MessageStore
	channels interfaces.ChannelStore
	reports  interfaces.DeliveryReportStore
	ping     func(context.Context) error
	close    func()
}

func openStores(ctx context.Context, cfg *config.Config, log *slog.Logger) (*stores, error) {
	switch cfg.Storage.Driver {
	case config.DriverMongoDB:
		store, err := mongodb.NewStore(ctx, mongodb.Config{
			URI:            cfg.Storage.MongoDB.URI,
			Database:       cfg.Storage.MongoDB.Database,
			ConnectTimeout: cfg.Storage.MongoDB.ConnectTimeout,
			ConnectRetries: cfg.Storage.MongoDB.ConnectRetries,
			Logger:         log,
		})
		if err != nil {
			return nil, err
		}
		return &stores{
			messages: store.Messages(),
			channels: store.Channels(),
			reports:  store.Reports(),
			ping:     store.Ping,
			close: func() {
				ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
				defer cancel()
				if err := store.Close(ctx); err != nil {
					log.Warn("Failed to close MongoDB connection", "error", err)
				}
			},
		}, nil

	case config.DriverMemory:
		log.Warn("Using in-memory storage, messages are lost on restart")
		return &stores{
			messages: memory.NewMessageStore(),
			channels: memory.NewChannelStore(),
			reports:  memory.NewDeliveryReportStore(),
			ping:     func(context.Context) error { return nil },
			close:    func() {},
		}, nil

	default:
		return nil, fmt.Errorf("unsupported storage driver %q", cfg.Storage.Driver)
	}
}

// bootstrapChannels creates or updates the configured channels
func bootstrapChannels(ctx context.Context, cfg *config.Config, stores *stores, log *slog.Logger) (*compliance.ChannelService, error) {
	channels := compliance.NewChannelService(stores.channels, 0, log)
	for _, ch := range cfg.Channels {
		if _, err := channels.CreateOrUpdate(ctx, compliance.ChannelRequest{
			Name:       ch.Name,
			ExpectedCN: ch.ExpectedCN,
			ExpectedOU: ch.ExpectedOU,
			Enabled:    ch.Enabled,
		}); err != nil {
			return nil, fmt.Errorf("bootstrapping channel %s: %w", ch.Name, err)
		}
	}
	return channels, nil
}
