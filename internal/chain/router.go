package chain

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"time"

	"go.uber.org/zap"

	"github.com/offchan/offchan/internal/channel"
	"github.com/offchan/offchan/internal/ledger"
	"github.com/offchan/offchan/internal/signature"
)

// DefaultTuplePeriod is the TTL for raw on-chain channel tuples memoized by
// the router. Finer grained than the manager's chain cache.
const DefaultTuplePeriod = 2 * time.Minute

// ErrTokenApprovalFailed reports that a token-asset open or deposit could not
// obtain an approval confirmation before the channel call.
var ErrTokenApprovalFailed = errors.New("token approval failed")

// ChannelLocator resolves locally known channel records for routing. A lookup
// miss returns (nil, nil).
type ChannelLocator interface {
	FirstByID(ctx context.Context, id channel.ID) (*channel.PaymentChannel, error)
}

// contractBackend is the capability set both ledger-contract variants expose.
type contractBackend interface {
	open(ctx context.Context, sender, receiver string, value, settlementPeriod *big.Int, channelID channel.ID) (*ledger.TxResult, error)
	deposit(ctx context.Context, account string, channelID channel.ID, value *big.Int) (*ledger.TxResult, error)
	claim(ctx context.Context, receiver string, channelID channel.ID, value *big.Int, sig signature.Signature) (*ledger.TxResult, error)
	startSettle(ctx context.Context, account string, channelID channel.ID) (*ledger.TxResult, error)
	finishSettle(ctx context.Context, account string, channelID channel.ID) (*ledger.TxResult, error)
	paymentDigest(channelID channel.ID, value *big.Int) ([]byte, error)
}

// Router presents one uniform contract operation set and dispatches each call
// to the native-asset or token-asset backend depending on whether a token
// contract address is defined for the channel.
type Router struct {
	gateway  ledger.Gateway
	channels ChannelLocator
	tuples   *MemoryCache[*ledger.ChannelData]
	logger   *zap.Logger
}

// NewRouter creates a router over the given gateway. channels resolves local
// records when a call only carries a channel id.
func NewRouter(gateway ledger.Gateway, channels ChannelLocator, tuplePeriod time.Duration, logger *zap.Logger) *Router {
	if tuplePeriod <= 0 {
		tuplePeriod = DefaultTuplePeriod
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Router{
		gateway:  gateway,
		channels: channels,
		tuples:   NewMemoryCache[*ledger.ChannelData](tuplePeriod),
		logger:   logger,
	}
}

// Open opens a channel through the backend selected by tokenContract.
func (r *Router) Open(ctx context.Context, sender, receiver string, value, settlementPeriod *big.Int, channelID channel.ID, tokenContract string) (*ledger.TxResult, error) {
	defer r.tuples.Delete(channelID.String())
	return r.backendFor(tokenContract).open(ctx, sender, receiver, value, settlementPeriod, channelID)
}

// Deposit adds value to a channel, routing by the locally recorded token
// contract.
func (r *Router) Deposit(ctx context.Context, account string, channelID channel.ID, value *big.Int) (*ledger.TxResult, error) {
	backend, err := r.backendByChannelID(ctx, channelID)
	if err != nil {
		return nil, err
	}
	defer r.tuples.Delete(channelID.String())
	return backend.deposit(ctx, account, channelID, value)
}

// Claim redeems a signed payment in the receiver's favor.
func (r *Router) Claim(ctx context.Context, receiver string, channelID channel.ID, value *big.Int, sig signature.Signature) (*ledger.TxResult, error) {
	backend, err := r.backendByChannelID(ctx, channelID)
	if err != nil {
		return nil, err
	}
	defer r.tuples.Delete(channelID.String())
	return backend.claim(ctx, receiver, channelID, value, sig)
}

// StartSettle opens the sender's settlement window.
func (r *Router) StartSettle(ctx context.Context, account string, channelID channel.ID) (*ledger.TxResult, error) {
	backend, err := r.backendByChannelID(ctx, channelID)
	if err != nil {
		return nil, err
	}
	defer r.tuples.Delete(channelID.String())
	return backend.startSettle(ctx, account, channelID)
}

// FinishSettle finalizes settlement after the window.
func (r *Router) FinishSettle(ctx context.Context, account string, channelID channel.ID) (*ledger.TxResult, error) {
	backend, err := r.backendByChannelID(ctx, channelID)
	if err != nil {
		return nil, err
	}
	defer r.tuples.Delete(channelID.String())
	return backend.finishSettle(ctx, account, channelID)
}

// GetState maps the raw on-chain tuple to the lifecycle enumeration:
// settlement period and settling deadline present means Settling, settlement
// period alone means Open, neither means Settled.
func (r *Router) GetState(ctx context.Context, channelID channel.ID) (channel.State, error) {
	data, err := r.ChannelByID(ctx, channelID)
	if err != nil {
		return channel.Impossible, err
	}
	if data == nil || data.SettlementPeriod == nil {
		return channel.Settled, nil
	}
	if data.SettlingUntil != nil && data.SettlingUntil.Sign() != 0 {
		return channel.Settling, nil
	}
	return channel.Open, nil
}

// GetSettlementPeriod reads the channel's on-chain settlement period.
func (r *Router) GetSettlementPeriod(ctx context.Context, channelID channel.ID) (*big.Int, error) {
	data, err := r.ChannelByID(ctx, channelID)
	if err != nil {
		return nil, err
	}
	if data == nil {
		return nil, fmt.Errorf("channel %s does not exist on-chain", channelID)
	}
	return data.SettlementPeriod, nil
}

// PaymentDigest computes the digest a payment signature attests to. It is a
// pure function of (contract address, channelId, value) and, for token
// channels, the token address.
func (r *Router) PaymentDigest(channelID channel.ID, value *big.Int, tokenContract string) ([]byte, error) {
	return r.backendFor(tokenContract).paymentDigest(channelID, value)
}

// CanClaim reports whether a payment of value with the given signature is
// redeemable against the channel's current on-chain state. An absent channel
// yields false, not an error.
func (r *Router) CanClaim(ctx context.Context, channelID channel.ID, value *big.Int, receiver string, sig signature.Signature, tokenContract string) (bool, error) {
	digest, err := r.PaymentDigest(channelID, value, tokenContract)
	if err != nil {
		return false, err
	}
	signer, err := signature.RecoverSigner(digest, sig)
	if err != nil {
		r.logger.Debug("signature recovery failed",
			zap.String("channel_id", channelID.String()),
			zap.Error(err),
		)
		return false, nil
	}
	data, err := r.ChannelByID(ctx, channelID)
	if err != nil {
		return false, err
	}
	if data == nil {
		return false, nil
	}
	return signature.AddressesEqual(signer, data.Sender), nil
}

// ChannelByID returns the raw on-chain channel tuple, memoized for the
// router's tuple period. Absent channels are (nil, nil).
func (r *Router) ChannelByID(ctx context.Context, channelID channel.ID) (*ledger.ChannelData, error) {
	if data, hit := r.tuples.Get(channelID.String()); hit {
		return data, nil
	}
	data, err := r.gateway.ChannelByID(ctx, channelID)
	if err != nil {
		return nil, err
	}
	r.tuples.Set(channelID.String(), data)
	return data, nil
}

// backendFor selects the contract variant by the token-defined predicate.
func (r *Router) backendFor(tokenContract string) contractBackend {
	if signature.TokenDefined(tokenContract) {
		return &tokenBackend{gateway: r.gateway, token: tokenContract}
	}
	return &nativeBackend{gateway: r.gateway}
}

// backendByChannelID routes by the locally recorded channel. An unknown
// channel defaults to the native backend: a not-yet-persisted channel cannot
// be assumed to use tokens.
func (r *Router) backendByChannelID(ctx context.Context, channelID channel.ID) (contractBackend, error) {
	ch, err := r.channels.FirstByID(ctx, channelID)
	if err != nil {
		return nil, err
	}
	if ch == nil {
		r.logger.Info("channel not found locally, routing to native contract",
			zap.String("channel_id", channelID.String()),
		)
		return &nativeBackend{gateway: r.gateway}, nil
	}
	return r.backendFor(ch.TokenContract), nil
}

// packDigest tightly packs contract address, channel id, cumulative value and
// an optional token address, then hashes with keccak-256. Byte-for-byte
// stable between signer and verifier.
func packDigest(contractAddr string, channelID channel.ID, value *big.Int, tokenContract string) ([]byte, error) {
	if value.Sign() < 0 {
		return nil, fmt.Errorf("payment value must not be negative, got %s", value)
	}
	addr, err := signature.ParseAddress(contractAddr)
	if err != nil {
		return nil, err
	}
	idBytes, err := channelID.Bytes()
	if err != nil {
		return nil, err
	}

	buf := make([]byte, 0, len(addr)+len(idBytes)+32+signature.AddressLength)
	buf = append(buf, addr[:]...)
	buf = append(buf, idBytes...)
	buf = append(buf, value.FillBytes(make([]byte, 32))...)
	if tokenContract != "" {
		token, err := signature.ParseAddress(tokenContract)
		if err != nil {
			return nil, err
		}
		buf = append(buf, token[:]...)
	}
	return signature.Keccak256(buf), nil
}
