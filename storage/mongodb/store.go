// Package mongodb implements the message, channel and delivery report
// stores on MongoDB.
package mongodb

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"
	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/bson/primitive"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"

	"github.com/caio-sobreiro/amhsnet/interfaces"
	"github.com/caio-sobreiro/amhsnet/types"
)

// Collection names
const (
	MessagesCollection = "amhs_messages"
	ChannelsCollection = "amhs_channels"
	ReportsCollection  = "amhs_delivery_reports"
)

const (
	defaultDatabase       = "amhs"
	defaultConnectTimeout = 10 * time.Second
	defaultConnectRetries = 5
)

// Config holds MongoDB connection settings
type Config struct {
	URI            string
	Database       string
	ConnectTimeout time.Duration
	// ConnectRetries bounds the attempts to reach the server at startup
	ConnectRetries int
	Logger         *slog.Logger
}

func (c *Config) applyDefaults() {
	if c.Database == "" {
		c.Database = defaultDatabase
	}
	if c.ConnectTimeout <= 0 {
		c.ConnectTimeout = defaultConnectTimeout
	}
	if c.ConnectRetries <= 0 {
		c.ConnectRetries = defaultConnectRetries
	}
	if c.Logger == nil {
		c.Logger = slog.Default()
	}
}

// Store owns the MongoDB client and the three AMHS collections
type Store struct {
	client   *mongo.Client
	db       *mongo.Database
	messages *mongo.Collection
	channels *mongo.Collection
	reports  *mongo.Collection
}

var (
	_ interfaces.MessageStore        = (*MessageStore)(nil)
	_ interfaces.ChannelStore        = (*ChannelStore)(nil)
	_ interfaces.DeliveryReportStore = (*DeliveryReportStore)(nil)
)

// NewStore connects to MongoDB, retrying the initial ping with exponential
// backoff, and creates the indexes.
func NewStore(ctx context.Context, cfg Config) (*Store, error) {
	cfg.applyDefaults()
	if cfg.URI == "" {
		return nil, errors.New("mongodb: URI is required")
	}

	client, err := mongo.Connect(ctx, options.Client().
		ApplyURI(cfg.URI).
		SetConnectTimeout(cfg.ConnectTimeout).
		SetServerSelectionTimeout(cfg.ConnectTimeout))
	if err != nil {
		return nil, fmt.Errorf("connecting to MongoDB: %w", err)
	}

	ping := func() error {
		pingCtx, cancel := context.WithTimeout(ctx, cfg.ConnectTimeout)
		defer cancel()
		return client.Ping(pingCtx, nil)
	}
	bo := backoff.WithContext(backoff.WithMaxRetries(backoff.NewExponentialBackOff(), uint64(cfg.ConnectRetries)), ctx)
	notify := func(err error, wait time.Duration) {
		cfg.Logger.Warn("MongoDB not reachable, retrying", "error", err, "in", wait)
	}
	if err := backoff.RetryNotify(ping, bo, notify); err != nil {
		_ = client.Disconnect(context.Background())
		return nil, fmt.Errorf("pinging MongoDB: %w", err)
	}

	db := client.Database(cfg.Database)
	s := &Store{
		client:   client,
		db:       db,
		messages: db.Collection(MessagesCollection),
		channels: db.Collection(ChannelsCollection),
		reports:  db.Collection(ReportsCollection),
	}

	if err := s.createIndexes(ctx); err != nil {
		_ = client.Disconnect(context.Background())
		return nil, fmt.Errorf("creating indexes: %w", err)
	}

	cfg.Logger.Info("Connected to MongoDB", "database", cfg.Database)
	return s, nil
}

func (s *Store) createIndexes(ctx context.Context) error {
	_, err := s.messages.Indexes().CreateMany(ctx, []mongo.IndexModel{
		{Keys: bson.D{{Key: "message_id", Value: 1}}, Options: options.Index().SetUnique(true)},
		{Keys: bson.D{{Key: "lifecycle_state", Value: 1}, {Key: "relay_next_attempt_at", Value: 1}}},
		{Keys: bson.D{{Key: "channel_name", Value: 1}, {Key: "profile", Value: 1}}},
		{Keys: bson.D{{Key: "received_at", Value: 1}}},
		{Keys: bson.D{{Key: "dr_expiration_at", Value: 1}}},
	})
	if err != nil {
		return fmt.Errorf("creating message indexes: %w", err)
	}

	_, err = s.channels.Indexes().CreateMany(ctx, []mongo.IndexModel{
		{Keys: bson.D{{Key: "name", Value: 1}}, Options: options.Index().SetUnique(true)},
	})
	if err != nil {
		return fmt.Errorf("creating channel indexes: %w", err)
	}

	_, err = s.reports.Indexes().CreateMany(ctx, []mongo.IndexModel{
		{Keys: bson.D{{Key: "message_id", Value: 1}}},
		{Keys: bson.D{{Key: "created_at", Value: -1}}},
	})
	if err != nil {
		return fmt.Errorf("creating report indexes: %w", err)
	}

	return nil
}

// Close closes the MongoDB connection
func (s *Store) Close(ctx context.Context) error {
	return s.client.Disconnect(ctx)
}

// Ping verifies database connectivity
func (s *Store) Ping(ctx context.Context) error {
	return s.client.Ping(ctx, nil)
}

// Messages returns the message repository
func (s *Store) Messages() *MessageStore {
	return &MessageStore{coll: s.messages}
}

// Channels returns the channel repository
func (s *Store) Channels() *ChannelStore {
	return &ChannelStore{coll: s.channels}
}

// Reports returns the delivery report repository
func (s *Store) Reports() *DeliveryReportStore {
	return &DeliveryReportStore{coll: s.reports}
}

// MessageStore implements interfaces.MessageStore

type MessageStore struct {
	coll *mongo.Collection
}

// messageOrder matches the in-memory store: oldest first, then by id
var messageOrder = bson.D{{Key: "received_at", Value: 1}, {Key: "message_id", Value: 1}}

func (s *MessageStore) Save(ctx context.Context, msg *types.Message) (*types.Message, error) {
	if msg.ID == "" {
		var existing struct {
			ID string `bson:"_id"`
		}
		err := s.coll.FindOne(ctx, bson.M{"message_id": msg.MessageID},
			options.FindOne().SetProjection(bson.M{"_id": 1})).Decode(&existing)
		switch {
		case err == nil:
			msg.ID = existing.ID
		case errors.Is(err, mongo.ErrNoDocuments):
			msg.ID = primitive.NewObjectID().Hex()
		default:
			return nil, err
		}
	}

	_, err := s.coll.ReplaceOne(ctx, bson.M{"message_id": msg.MessageID}, msg, options.Replace().SetUpsert(true))
	if err != nil {
		return nil, err
	}
	return msg.Clone(), nil
}

func (s *MessageStore) FindByMessageID(ctx context.Context, messageID string) (*types.Message, error) {
	var msg types.Message
	err := s.coll.FindOne(ctx, bson.M{"message_id": messageID}).Decode(&msg)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &msg, nil
}

func (s *MessageStore) FindByStates(ctx context.Context, states ...types.State) ([]*types.Message, error) {
	return s.find(ctx, statesFilter(states))
}

func (s *MessageStore) FindAll(ctx context.Context) ([]*types.Message, error) {
	return s.find(ctx, bson.D{})
}

func (s *MessageStore) FindByFilters(ctx context.Context, channel string, profile types.Profile) ([]*types.Message, error) {
	return s.find(ctx, messageFilters(channel, profile))
}

func (s *MessageStore) DeleteReceivedBefore(ctx context.Context, cutoff time.Time) (int64, error) {
	result, err := s.coll.DeleteMany(ctx, bson.M{"received_at": bson.M{"$lt": cutoff}})
	if err != nil {
		return 0, err
	}
	return result.DeletedCount, nil
}

func (s *MessageStore) find(ctx context.Context, filter bson.D) ([]*types.Message, error) {
	cursor, err := s.coll.Find(ctx, filter, options.Find().SetSort(messageOrder))
	if err != nil {
		return nil, err
	}
	defer cursor.Close(ctx)

	var messages []*types.Message
	if err := cursor.All(ctx, &messages); err != nil {
		return nil, err
	}
	return messages, nil
}

func statesFilter(states []types.State) bson.D {
	values := make(bson.A, 0, len(states))
	for _, state := range states {
		values = append(values, string(state))
	}
	return bson.D{{Key: "lifecycle_state", Value: bson.D{{Key: "$in", Value: values}}}}
}

// messageFilters matches channel case-insensitively; empty values match
// everything.
func messageFilters(channel string, profile types.Profile) bson.D {
	filter := bson.D{}
	if channel = strings.TrimSpace(channel); channel != "" {
		filter = append(filter, bson.E{Key: "channel_name", Value: strings.ToUpper(channel)})
	}
	if profile != "" {
		filter = append(filter, bson.E{Key: "profile", Value: string(profile)})
	}
	return filter
}

// ChannelStore implements interfaces.ChannelStore. Names are stored
// uppercased.

type ChannelStore struct {
	coll *mongo.Collection
}

func (s *ChannelStore) FindByName(ctx context.Context, name string) (*types.Channel, error) {
	var channel types.Channel
	err := s.coll.FindOne(ctx, bson.M{"name": strings.ToUpper(strings.TrimSpace(name))}).Decode(&channel)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &channel, nil
}

func (s *ChannelStore) Save(ctx context.Context, channel *types.Channel) (*types.Channel, error) {
	stored := *channel
	stored.Name = strings.ToUpper(strings.TrimSpace(stored.Name))
	if stored.ID == "" {
		existing, err := s.FindByName(ctx, stored.Name)
		if err != nil {
			return nil, err
		}
		if existing != nil {
			stored.ID = existing.ID
		} else {
			stored.ID = primitive.NewObjectID().Hex()
		}
	}

	_, err := s.coll.ReplaceOne(ctx, bson.M{"name": stored.Name}, stored, options.Replace().SetUpsert(true))
	if err != nil {
		return nil, err
	}
	channel.ID = stored.ID
	return &stored, nil
}

func (s *ChannelStore) FindAll(ctx context.Context) ([]*types.Channel, error) {
	cursor, err := s.coll.Find(ctx, bson.D{}, options.Find().SetSort(bson.D{{Key: "name", Value: 1}}))
	if err != nil {
		return nil, err
	}
	defer cursor.Close(ctx)

	var channels []*types.Channel
	if err := cursor.All(ctx, &channels); err != nil {
		return nil, err
	}
	return channels, nil
}

// DeliveryReportStore implements interfaces.DeliveryReportStore

type DeliveryReportStore struct {
	coll *mongo.Collection
}

func (s *DeliveryReportStore) Save(ctx context.Context, report *types.DeliveryReport) (*types.DeliveryReport, error) {
	stored := *report
	if stored.ID == "" {
		stored.ID = primitive.NewObjectID().Hex()
	}
	_, err := s.coll.ReplaceOne(ctx, bson.M{"_id": stored.ID}, stored, options.Replace().SetUpsert(true))
	if err != nil {
		return nil, err
	}
	return &stored, nil
}

func (s *DeliveryReportStore) FindByMessageID(ctx context.Context, messageID string) ([]*types.DeliveryReport, error) {
	cursor, err := s.coll.Find(ctx, bson.M{"message_id": messageID}, options.Find().SetSort(bson.D{{Key: "created_at", Value: 1}}))
	if err != nil {
		return nil, err
	}
	defer cursor.Close(ctx)

	var reports []*types.DeliveryReport
	if err := cursor.All(ctx, &reports); err != nil {
		return nil, err
	}
	return reports, nil
}
