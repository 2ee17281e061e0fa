package payment

import (
	"context"
	"fmt"
	"math/big"
	"time"

	"go.uber.org/zap"

	"github.com/offchan/offchan/internal/channel"
	"github.com/offchan/offchan/internal/signature"
)

// Digester computes the payment digest for a channel and cumulative value.
// Satisfied by the contract router.
type Digester interface {
	PaymentDigest(channelID channel.ID, value *big.Int, tokenContract string) ([]byte, error)
}

// Signer signs a digest on behalf of an account. Satisfied by the ledger
// gateway.
type Signer interface {
	Sign(ctx context.Context, account string, digest []byte) (signature.Signature, error)
}

// Builder assembles signed payments. It performs no persistence and no
// validation beyond what signing itself enforces.
type Builder struct {
	contracts Digester
	signer    Signer
	logger    *zap.Logger
}

// NewBuilder creates a payment builder.
func NewBuilder(contracts Digester, signer Signer, logger *zap.Logger) *Builder {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Builder{
		contracts: contracts,
		signer:    signer,
		logger:    logger,
	}
}

// Build computes the digest for (channel, value), signs it as the channel's
// sender and assembles a transferable payment. value is the new cumulative
// spend; price is this payment's increment.
func (b *Builder) Build(ctx context.Context, ch *channel.PaymentChannel, price, value *big.Int, meta string) (*Payment, error) {
	digest, err := b.contracts.PaymentDigest(ch.ChannelID, value, ch.TokenContract)
	if err != nil {
		return nil, fmt.Errorf("failed to compute payment digest: %w", err)
	}
	sig, err := b.signer.Sign(ctx, ch.Sender, digest)
	if err != nil {
		return nil, fmt.Errorf("failed to sign payment digest: %w", err)
	}

	b.logger.Debug("built payment",
		zap.String("channel_id", ch.ChannelID.String()),
		zap.String("price", price.String()),
		zap.String("value", value.String()),
	)

	return &Payment{
		ChannelID:     ch.ChannelID,
		Sender:        ch.Sender,
		Receiver:      ch.Receiver,
		Price:         new(big.Int).Set(price),
		Value:         new(big.Int).Set(value),
		ChannelValue:  new(big.Int).Set(ch.Value),
		Signature:     sig,
		Meta:          meta,
		TokenContract: ch.TokenContract,
		CreatedAt:     time.Now().UTC(),
	}, nil
}
