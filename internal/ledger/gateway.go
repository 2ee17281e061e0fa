// Package ledger defines the contract the on-chain client must satisfy and an
// in-process simulated implementation used by tests and dev mode.
//
// The core never retries or times out gateway calls; availability of the
// backing chain is an upstream concern.
package ledger

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"strings"

	"github.com/offchan/offchan/internal/channel"
	"github.com/offchan/offchan/internal/signature"
)

// Well-known transaction log names emitted by the channel contracts.
const (
	LogDidOpen        = "DidOpen"
	LogDidDeposit     = "DidDeposit"
	LogDidClaim       = "DidClaim"
	LogDidStartSettle = "DidStartSettle"
	LogDidSettle      = "DidSettle"
	LogApproval       = "Approval"
)

// ErrUnknownBackend reports a ledger URL whose scheme matches no backend.
// Fatal at construction.
var ErrUnknownBackend = errors.New("unknown ledger backend")

// TxLog is a single event emitted by a transaction.
type TxLog struct {
	Name string
	Args map[string]string
}

// TxResult is the outcome of a submitted transaction.
type TxResult struct {
	TxHash string
	Logs   []TxLog
}

// Log returns the first log with the given name, or nil.
func (r *TxResult) Log(name string) *TxLog {
	for i := range r.Logs {
		if r.Logs[i].Name == name {
			return &r.Logs[i]
		}
	}
	return nil
}

// ChannelData is the raw on-chain view of a channel.
type ChannelData struct {
	Sender           string
	Receiver         string
	Value            *big.Int
	SettlementPeriod *big.Int
	SettlingUntil    *big.Int
}

// Gateway is the on-chain client seam. ChannelByID returns (nil, nil) for a
// channel the ledger has no record of.
type Gateway interface {
	Open(ctx context.Context, sender, receiver string, value, settlementPeriod *big.Int, channelID channel.ID, tokenContract string) (*TxResult, error)
	Deposit(ctx context.Context, account string, channelID channel.ID, value *big.Int, tokenContract string) (*TxResult, error)
	Claim(ctx context.Context, receiver string, channelID channel.ID, value *big.Int, sig signature.Signature) (*TxResult, error)
	StartSettle(ctx context.Context, account string, channelID channel.ID) (*TxResult, error)
	FinishSettle(ctx context.Context, account string, channelID channel.ID) (*TxResult, error)
	GetState(ctx context.Context, channelID channel.ID) (channel.State, error)
	GetSettlementPeriod(ctx context.Context, channelID channel.ID) (*big.Int, error)
	ChannelByID(ctx context.Context, channelID channel.ID) (*ChannelData, error)
	Approve(ctx context.Context, account, tokenContract, spender string, value *big.Int) (*TxResult, error)
	Sign(ctx context.Context, account string, digest []byte) (signature.Signature, error)

	// ContractAddress is the native-asset channel contract; TokenBrokerAddress
	// is the contract handling token-asset channels. Both feed the payment
	// digest and must match what the chain verifies against.
	ContractAddress() string
	TokenBrokerAddress() string
}

// Dial constructs a gateway from a ledger URL. Only the sim:// scheme is
// implemented in-process; real chain clients plug in behind the same
// interface.
func Dial(url string, opts SimOptions) (Gateway, error) {
	scheme, _, found := strings.Cut(url, "://")
	if !found {
		return nil, fmt.Errorf("%w: %q has no scheme", ErrUnknownBackend, url)
	}
	switch scheme {
	case "sim":
		return NewSim(opts), nil
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownBackend, scheme)
	}
}
