// Package memory implements the storage interfaces in process memory. It
// backs tests and the database-disabled mode.
package memory

import (
	"context"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/caio-sobreiro/amhsnet/types"
)

// MessageStore keeps messages keyed by MessageID. Values are copied on the
// way in and out so callers never share state with the store.
type MessageStore struct {
	mu       sync.RWMutex
	messages map[string]*types.Message
}

// NewMessageStore creates an empty message store
func NewMessageStore() *MessageStore {
	return &MessageStore{messages: make(map[string]*types.Message)}
}

func (s *MessageStore) Save(_ context.Context, msg *types.Message) (*types.Message, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	stored := msg.Clone()
	if existing, ok := s.messages[msg.MessageID]; ok && stored.ID == "" {
		stored.ID = existing.ID
	}
	if stored.ID == "" {
		stored.ID = uuid.NewString()
	}
	msg.ID = stored.ID
	s.messages[stored.MessageID] = stored
	return stored.Clone(), nil
}

func (s *MessageStore) FindByMessageID(_ context.Context, messageID string) (*types.Message, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.messages[messageID].Clone(), nil
}

func (s *MessageStore) FindByStates(_ context.Context, states ...types.State) ([]*types.Message, error) {
	return s.filter(func(m *types.Message) bool {
		for _, state := range states {
			if m.State == state {
				return true
			}
		}
		return false
	}), nil
}

func (s *MessageStore) FindAll(_ context.Context) ([]*types.Message, error) {
	return s.filter(func(*types.Message) bool { return true }), nil
}

func (s *MessageStore) FindByFilters(_ context.Context, channel string, profile types.Profile) ([]*types.Message, error) {
	return s.filter(func(m *types.Message) bool {
		if channel != "" && !strings.EqualFold(m.ChannelName, channel) {
			return false
		}
		return profile == "" || m.Profile == profile
	}), nil
}

func (s *MessageStore) DeleteReceivedBefore(_ context.Context, cutoff time.Time) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var deleted int64
	for id, m := range s.messages {
		if m.ReceivedAt.Before(cutoff) {
			delete(s.messages, id)
			deleted++
		}
	}
	return deleted, nil
}

// filter returns matching copies ordered by ReceivedAt, then MessageID
func (s *MessageStore) filter(keep func(*types.Message) bool) []*types.Message {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []*types.Message
	for _, m := range s.messages {
		if keep(m) {
			out = append(out, m.Clone())
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].ReceivedAt.Equal(out[j].ReceivedAt) {
			return out[i].ReceivedAt.Before(out[j].ReceivedAt)
		}
		return out[i].MessageID < out[j].MessageID
	})
	return out
}

// ChannelStore keeps channels keyed by uppercased name
type ChannelStore struct {
	mu       sync.RWMutex
	channels map[string]types.Channel
}

// NewChannelStore creates an empty channel store
func NewChannelStore() *ChannelStore {
	return &ChannelStore{channels: make(map[string]types.Channel)}
}

func (s *ChannelStore) FindByName(_ context.Context, name string) (*types.Channel, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	ch, ok := s.channels[strings.ToUpper(strings.TrimSpace(name))]
	if !ok {
		return nil, nil
	}
	return &ch, nil
}

func (s *ChannelStore) Save(_ context.Context, channel *types.Channel) (*types.Channel, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	stored := *channel
	key := strings.ToUpper(strings.TrimSpace(stored.Name))
	if existing, ok := s.channels[key]; ok && stored.ID == "" {
		stored.ID = existing.ID
	}
	if stored.ID == "" {
		stored.ID = uuid.NewString()
	}
	s.channels[key] = stored
	return &stored, nil
}

func (s *ChannelStore) FindAll(_ context.Context) ([]*types.Channel, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]*types.Channel, 0, len(s.channels))
	for _, ch := range s.channels {
		ch := ch
		out = append(out, &ch)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out, nil
}

// DeliveryReportStore keeps reports in insertion order
type DeliveryReportStore struct {
	mu      sync.RWMutex
	reports []types.DeliveryReport
}

// NewDeliveryReportStore creates an empty report store
func NewDeliveryReportStore() *DeliveryReportStore {
	return &DeliveryReportStore{}
}

func (s *DeliveryReportStore) Save(_ context.Context, report *types.DeliveryReport) (*types.DeliveryReport, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	stored := *report
	if stored.ID == "" {
		stored.ID = uuid.NewString()
	}
	for i := range s.reports {
		if s.reports[i].ID == stored.ID {
			s.reports[i] = stored
			return &stored, nil
		}
	}
	s.reports = append(s.reports, stored)
	return &stored, nil
}

func (s *DeliveryReportStore) FindByMessageID(_ context.Context, messageID string) ([]*types.DeliveryReport, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []*types.DeliveryReport
	for _, r := range s.reports {
		if r.MessageID == messageID {
			r := r
			out = append(out, &r)
		}
	}
	return out, nil
}
