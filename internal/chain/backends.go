package chain

import (
	"context"
	"fmt"
	"math/big"

	"github.com/offchan/offchan/internal/channel"
	"github.com/offchan/offchan/internal/ledger"
	"github.com/offchan/offchan/internal/signature"
)

// nativeBackend attaches the payment value directly to the channel call.
type nativeBackend struct {
	gateway ledger.Gateway
}

func (b *nativeBackend) open(ctx context.Context, sender, receiver string, value, settlementPeriod *big.Int, channelID channel.ID) (*ledger.TxResult, error) {
	return b.gateway.Open(ctx, sender, receiver, value, settlementPeriod, channelID, "")
}

func (b *nativeBackend) deposit(ctx context.Context, account string, channelID channel.ID, value *big.Int) (*ledger.TxResult, error) {
	return b.gateway.Deposit(ctx, account, channelID, value, "")
}

func (b *nativeBackend) claim(ctx context.Context, receiver string, channelID channel.ID, value *big.Int, sig signature.Signature) (*ledger.TxResult, error) {
	return b.gateway.Claim(ctx, receiver, channelID, value, sig)
}

func (b *nativeBackend) startSettle(ctx context.Context, account string, channelID channel.ID) (*ledger.TxResult, error) {
	return b.gateway.StartSettle(ctx, account, channelID)
}

func (b *nativeBackend) finishSettle(ctx context.Context, account string, channelID channel.ID) (*ledger.TxResult, error) {
	return b.gateway.FinishSettle(ctx, account, channelID)
}

func (b *nativeBackend) paymentDigest(channelID channel.ID, value *big.Int) ([]byte, error) {
	return packDigest(b.gateway.ContractAddress(), channelID, value, "")
}

// tokenBackend performs an approve-then-call two-step against the token's
// allowance mechanism. The whole operation fails if the approval step does
// not yield an approval confirmation.
type tokenBackend struct {
	gateway ledger.Gateway
	token   string
}

func (b *tokenBackend) open(ctx context.Context, sender, receiver string, value, settlementPeriod *big.Int, channelID channel.ID) (*ledger.TxResult, error) {
	if err := b.approve(ctx, sender, value); err != nil {
		return nil, err
	}
	return b.gateway.Open(ctx, sender, receiver, value, settlementPeriod, channelID, b.token)
}

func (b *tokenBackend) deposit(ctx context.Context, account string, channelID channel.ID, value *big.Int) (*ledger.TxResult, error) {
	if err := b.approve(ctx, account, value); err != nil {
		return nil, err
	}
	return b.gateway.Deposit(ctx, account, channelID, value, b.token)
}

func (b *tokenBackend) claim(ctx context.Context, receiver string, channelID channel.ID, value *big.Int, sig signature.Signature) (*ledger.TxResult, error) {
	return b.gateway.Claim(ctx, receiver, channelID, value, sig)
}

func (b *tokenBackend) startSettle(ctx context.Context, account string, channelID channel.ID) (*ledger.TxResult, error) {
	return b.gateway.StartSettle(ctx, account, channelID)
}

func (b *tokenBackend) finishSettle(ctx context.Context, account string, channelID channel.ID) (*ledger.TxResult, error) {
	return b.gateway.FinishSettle(ctx, account, channelID)
}

func (b *tokenBackend) paymentDigest(channelID channel.ID, value *big.Int) ([]byte, error) {
	return packDigest(b.gateway.TokenBrokerAddress(), channelID, value, b.token)
}

func (b *tokenBackend) approve(ctx context.Context, account string, value *big.Int) error {
	result, err := b.gateway.Approve(ctx, account, b.token, b.gateway.TokenBrokerAddress(), value)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrTokenApprovalFailed, err)
	}
	if result.Log(ledger.LogApproval) == nil {
		return fmt.Errorf("%w: no approval confirmation for token %s", ErrTokenApprovalFailed, b.token)
	}
	return nil
}
