package storage

import (
	"context"
	"fmt"
	"math/big"
	"sync"

	"github.com/offchan/offchan/internal/channel"
	"github.com/offchan/offchan/internal/payment"
)

// Memory is the in-process engine. Useful for tests and single-run senders.
type Memory struct {
	channels *memoryChannelStore
	payments *memoryPaymentStore
	tokens   *memoryTokenStore
}

// NewMemory creates an empty in-memory backend.
func NewMemory() *Memory {
	return &Memory{
		channels: &memoryChannelStore{
			channels: make(map[channel.ID]*channel.PaymentChannel),
		},
		payments: &memoryPaymentStore{
			payments:  make(map[string]*payment.Payment),
			byChannel: make(map[channel.ID][]string),
		},
		tokens: &memoryTokenStore{
			tokens: make(map[string]channel.ID),
		},
	}
}

func (m *Memory) Channels() ChannelStore { return m.channels }
func (m *Memory) Payments() PaymentStore { return m.payments }
func (m *Memory) Tokens() TokenStore     { return m.tokens }
func (m *Memory) Close() error           { return nil }

type memoryChannelStore struct {
	mu       sync.RWMutex
	channels map[channel.ID]*channel.PaymentChannel
}

func (s *memoryChannelStore) Save(ctx context.Context, ch *channel.PaymentChannel) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.channels[ch.ChannelID]; exists {
		return fmt.Errorf("channel %s already saved", ch.ChannelID)
	}
	s.channels[ch.ChannelID] = ch.Clone()
	return nil
}

func (s *memoryChannelStore) SaveOrUpdate(ctx context.Context, ch *channel.PaymentChannel) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.channels[ch.ChannelID] = ch.Clone()
	return nil
}

func (s *memoryChannelStore) FirstByID(ctx context.Context, id channel.ID) (*channel.PaymentChannel, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	ch, exists := s.channels[id]
	if !exists {
		return nil, nil
	}
	return ch.Clone(), nil
}

func (s *memoryChannelStore) Spend(ctx context.Context, id channel.ID, spent *big.Int) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	ch, exists := s.channels[id]
	if !exists {
		return fmt.Errorf("channel %s not saved", id)
	}
	ch.Spent = new(big.Int).Set(spent)
	return nil
}

func (s *memoryChannelStore) Deposit(ctx context.Context, id channel.ID, value *big.Int) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	ch, exists := s.channels[id]
	if !exists {
		return fmt.Errorf("channel %s not saved", id)
	}
	ch.Value = new(big.Int).Set(value)
	return nil
}

func (s *memoryChannelStore) All(ctx context.Context) ([]*channel.PaymentChannel, error) {
	return s.filter(func(*channel.PaymentChannel) bool { return true }), nil
}

func (s *memoryChannelStore) AllOpen(ctx context.Context) ([]*channel.PaymentChannel, error) {
	return s.filter(func(ch *channel.PaymentChannel) bool { return ch.State == channel.Open }), nil
}

func (s *memoryChannelStore) AllSettling(ctx context.Context) ([]*channel.PaymentChannel, error) {
	return s.filter(func(ch *channel.PaymentChannel) bool { return ch.State == channel.Settling }), nil
}

func (s *memoryChannelStore) FindUsable(ctx context.Context, sender, receiver string, amount *big.Int) (*channel.PaymentChannel, error) {
	matches := s.filter(func(ch *channel.PaymentChannel) bool {
		return ch.Sender == sender && ch.Receiver == receiver && ch.Usable(amount)
	})
	if len(matches) == 0 {
		return nil, nil
	}
	return matches[0], nil
}

func (s *memoryChannelStore) FindBySenderReceiverChannelID(ctx context.Context, sender, receiver string, id channel.ID) (*channel.PaymentChannel, error) {
	matches := s.filter(func(ch *channel.PaymentChannel) bool {
		return ch.Sender == sender && ch.Receiver == receiver && ch.ChannelID == id
	})
	if len(matches) == 0 {
		return nil, nil
	}
	return matches[0], nil
}

func (s *memoryChannelStore) UpdateState(ctx context.Context, id channel.ID, state channel.State) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	ch, exists := s.channels[id]
	if !exists {
		return fmt.Errorf("channel %s not saved", id)
	}
	ch.State = state
	return nil
}

func (s *memoryChannelStore) filter(keep func(*channel.PaymentChannel) bool) []*channel.PaymentChannel {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []*channel.PaymentChannel
	for _, ch := range s.channels {
		if keep(ch) {
			out = append(out, ch.Clone())
		}
	}
	return out
}

type memoryPaymentStore struct {
	mu        sync.RWMutex
	payments  map[string]*payment.Payment
	byChannel map[channel.ID][]string
}

func (s *memoryPaymentStore) Save(ctx context.Context, token string, p *payment.Payment) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	clone := *p
	s.payments[token] = &clone
	s.byChannel[p.ChannelID] = append(s.byChannel[p.ChannelID], token)
	return nil
}

func (s *memoryPaymentStore) FirstMaximum(ctx context.Context, id channel.ID) (*payment.Payment, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var max *payment.Payment
	for _, token := range s.byChannel[id] {
		p := s.payments[token]
		if p == nil {
			continue
		}
		if max == nil || p.Value.Cmp(max.Value) > 0 {
			max = p
		}
	}
	if max == nil {
		return nil, nil
	}
	clone := *max
	return &clone, nil
}

func (s *memoryPaymentStore) FindByToken(ctx context.Context, token string) (*payment.Payment, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	p, exists := s.payments[token]
	if !exists {
		return nil, nil
	}
	clone := *p
	return &clone, nil
}

type memoryTokenStore struct {
	mu     sync.RWMutex
	tokens map[string]channel.ID
}

func (s *memoryTokenStore) Save(ctx context.Context, token string, id channel.ID) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.tokens[token] = id
	return nil
}

func (s *memoryTokenStore) IsPresent(ctx context.Context, token string) (bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	_, exists := s.tokens[token]
	return exists, nil
}
