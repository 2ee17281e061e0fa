// Package storage persists channel, payment and token records behind
// engine-neutral contracts. Engines are selected by the connection URL's
// scheme.
package storage

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"strings"

	"github.com/offchan/offchan/internal/channel"
	"github.com/offchan/offchan/internal/payment"
)

// ErrUnsupportedProtocol reports a database URL whose scheme matches no
// engine. Fatal at construction.
var ErrUnsupportedProtocol = errors.New("unsupported database protocol")

// ChannelStore persists channel records. Lookups that find nothing return
// (nil, nil).
type ChannelStore interface {
	Save(ctx context.Context, ch *channel.PaymentChannel) error
	SaveOrUpdate(ctx context.Context, ch *channel.PaymentChannel) error
	FirstByID(ctx context.Context, id channel.ID) (*channel.PaymentChannel, error)
	// Spend sets the channel's cumulative spent amount.
	Spend(ctx context.Context, id channel.ID, spent *big.Int) error
	// Deposit sets the channel's new total value.
	Deposit(ctx context.Context, id channel.ID, value *big.Int) error
	All(ctx context.Context) ([]*channel.PaymentChannel, error)
	AllOpen(ctx context.Context) ([]*channel.PaymentChannel, error)
	AllSettling(ctx context.Context) ([]*channel.PaymentChannel, error)
	// FindUsable returns an Open channel between sender and receiver with
	// capacity for amount.
	FindUsable(ctx context.Context, sender, receiver string, amount *big.Int) (*channel.PaymentChannel, error)
	FindBySenderReceiverChannelID(ctx context.Context, sender, receiver string, id channel.ID) (*channel.PaymentChannel, error)
	UpdateState(ctx context.Context, id channel.ID, state channel.State) error
}

// PaymentStore persists accepted and originated payments keyed by their
// redemption token.
type PaymentStore interface {
	Save(ctx context.Context, token string, p *payment.Payment) error
	// FirstMaximum returns the payment with the highest cumulative value for
	// a channel, (nil, nil) if the channel has none.
	FirstMaximum(ctx context.Context, id channel.ID) (*payment.Payment, error)
	FindByToken(ctx context.Context, token string) (*payment.Payment, error)
}

// TokenStore records redemption token to channel associations.
type TokenStore interface {
	Save(ctx context.Context, token string, id channel.ID) error
	IsPresent(ctx context.Context, token string) (bool, error)
}

// Backend bundles the three stores of one engine.
type Backend interface {
	Channels() ChannelStore
	Payments() PaymentStore
	Tokens() TokenStore
	Close() error
}

// Open constructs the engine selected by url's scheme: memory://,
// sqlite3://<path> or postgres://....
func Open(url string) (Backend, error) {
	scheme, rest, found := strings.Cut(url, "://")
	if !found {
		return nil, fmt.Errorf("%w: %q has no scheme", ErrUnsupportedProtocol, url)
	}
	switch scheme {
	case "memory":
		return NewMemory(), nil
	case "sqlite3":
		return OpenSQLite(rest)
	case "postgres":
		return OpenPostgres(url)
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnsupportedProtocol, scheme)
	}
}
