package payment

import (
	"context"
	"math/big"

	"go.uber.org/zap"

	"github.com/offchan/offchan/internal/channel"
	"github.com/offchan/offchan/internal/signature"
)

// Claimability checks a payment's on-chain redeemability. Satisfied by the
// contract router.
type Claimability interface {
	CanClaim(ctx context.Context, channelID channel.ID, value *big.Int, receiver string, sig signature.Signature, tokenContract string) (bool, error)
}

// Validator decides whether an inbound payment may be accepted against a
// known channel. All checks must pass; they are evaluated independently so a
// single bad payment can produce several diagnostics.
type Validator struct {
	contracts           Claimability
	minSettlementPeriod *big.Int
	logger              *zap.Logger
}

// NewValidator creates a validator. minSettlementPeriod guards against a
// receiver being given too little time to contest a malicious settle.
func NewValidator(contracts Claimability, minSettlementPeriod *big.Int, logger *zap.Logger) *Validator {
	if minSettlementPeriod == nil {
		minSettlementPeriod = big.NewInt(0)
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Validator{
		contracts:           contracts,
		minSettlementPeriod: minSettlementPeriod,
		logger:              logger,
	}
}

// IsValid runs the full pipeline. It returns false on any failing check and
// an error only when a collaborator call fails.
func (v *Validator) IsValid(ctx context.Context, p *Payment, ch *channel.PaymentChannel) (bool, error) {
	log := v.logger.With(
		zap.String("channel_id", p.ChannelID.String()),
		zap.String("payment_value", p.Value.String()),
	)

	validChannelValue := p.ChannelValue.Cmp(ch.Value) == 0
	if !validChannelValue {
		log.Warn("payment channel value does not match channel value",
			zap.String("payment_channel_value", p.ChannelValue.String()),
			zap.String("channel_value", ch.Value.String()),
		)
	}

	validChannelID := p.ChannelID == ch.ChannelID
	if !validChannelID {
		log.Warn("payment channel id does not match channel id",
			zap.String("channel_channel_id", ch.ChannelID.String()),
		)
	}

	// Guards against a stale or truncated local record understating the
	// channel's capacity.
	validIncrement := ch.Value.Cmp(p.ChannelValue) <= 0
	if !validIncrement {
		log.Warn("channel value exceeds payment's declared channel value",
			zap.String("payment_channel_value", p.ChannelValue.String()),
			zap.String("channel_value", ch.Value.String()),
		)
	}

	validSender := signature.AddressesEqual(p.Sender, ch.Sender)
	if !validSender {
		log.Warn("payment sender does not match channel sender",
			zap.String("payment_sender", p.Sender),
			zap.String("channel_sender", ch.Sender),
		)
	}

	positive := p.Price.Sign() >= 0 && p.Value.Sign() >= 0
	if !positive {
		log.Warn("payment price or value is negative",
			zap.String("price", p.Price.String()),
		)
	}

	canClaim, err := v.contracts.CanClaim(ctx, p.ChannelID, p.Value, p.Receiver, p.Signature, p.TokenContract)
	if err != nil {
		return false, err
	}
	if !canClaim {
		log.Warn("payment is not claimable on-chain")
	}

	aboveMinSettlementPeriod := ch.SettlementPeriod != nil && ch.SettlementPeriod.Cmp(v.minSettlementPeriod) >= 0
	if !aboveMinSettlementPeriod {
		log.Warn("channel settlement period is below the configured minimum",
			zap.String("min_settlement_period", v.minSettlementPeriod.String()),
		)
	}

	return validChannelValue &&
		validChannelID &&
		validIncrement &&
		validSender &&
		positive &&
		canClaim &&
		aboveMinSettlementPeriod, nil
}
