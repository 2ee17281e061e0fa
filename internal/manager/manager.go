// Package manager orchestrates the channel lifecycle: open, deposit, spend,
// accept and close, with per-channel locking and reconciliation against
// ledger truth.
package manager

import (
	"context"
	"fmt"
	"math/big"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/offchan/offchan/internal/chain"
	"github.com/offchan/offchan/internal/channel"
	"github.com/offchan/offchan/internal/keylock"
	"github.com/offchan/offchan/internal/ledger"
	"github.com/offchan/offchan/internal/payment"
	"github.com/offchan/offchan/internal/signature"
	"github.com/offchan/offchan/internal/storage"
)

// DefaultSettlementPeriod is the settlement window, in seconds, requested for
// newly opened channels.
var DefaultSettlementPeriod = big.NewInt(172800)

// depositMultiplier scales a first payment into the channel's initial
// deposit, so one open covers many payments.
var depositMultiplier = big.NewInt(10)

// Options wires a ChannelManager's collaborators.
type Options struct {
	// Account is the local account address. It decides whether a close
	// settles (we are the sender) or claims (we are the receiver).
	Account string

	SettlementPeriod      *big.Int
	CloseOnInvalidPayment bool

	Locks     *keylock.Mutex
	Contracts *chain.Router
	Cache     *chain.Cache
	Store     storage.Backend
	Builder   *payment.Builder
	Validator *payment.Validator
	Notifier  *channel.Notifier
	Logger    *zap.Logger
}

// ChannelManager is the top-level state machine over channels. Every
// state-mutating operation on a channel runs inside the lock keyed by its id;
// channel creation serializes on the shared global key.
type ChannelManager struct {
	account          string
	settlementPeriod *big.Int
	closeOnInvalid   bool

	locks     *keylock.Mutex
	contracts *chain.Router
	cache     *chain.Cache
	channels  storage.ChannelStore
	payments  storage.PaymentStore
	tokens    storage.TokenStore
	builder   *payment.Builder
	validator *payment.Validator
	notifier  *channel.Notifier
	logger    *zap.Logger
}

// New creates a channel manager.
func New(opts Options) *ChannelManager {
	if opts.SettlementPeriod == nil {
		opts.SettlementPeriod = DefaultSettlementPeriod
	}
	if opts.Locks == nil {
		opts.Locks = keylock.New()
	}
	if opts.Cache == nil {
		opts.Cache = chain.NewCache(0)
	}
	if opts.Notifier == nil {
		opts.Notifier = channel.NewNotifier()
	}
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	return &ChannelManager{
		account:          opts.Account,
		settlementPeriod: opts.SettlementPeriod,
		closeOnInvalid:   opts.CloseOnInvalidPayment,
		locks:            opts.Locks,
		contracts:        opts.Contracts,
		cache:            opts.Cache,
		channels:         opts.Store.Channels(),
		payments:         opts.Store.Payments(),
		tokens:           opts.Store.Tokens(),
		builder:          opts.Builder,
		validator:        opts.Validator,
		notifier:         opts.Notifier,
		logger:           opts.Logger,
	}
}

// Notifier exposes the lifecycle event stream.
func (m *ChannelManager) Notifier() *channel.Notifier {
	return m.notifier
}

// OpenRequest carries the parameters of a channel open.
type OpenRequest struct {
	Sender        string
	Receiver      string
	Amount        *big.Int
	MinDeposit    *big.Int
	ChannelID     channel.ID
	TokenContract string
}

// OpenChannel opens a channel funded with amount*10, raised to MinDeposit if
// that is larger. Runs under the global lock: the channel does not exist yet,
// so there is no per-channel key to serialize on.
func (m *ChannelManager) OpenChannel(ctx context.Context, req OpenRequest) (*channel.PaymentChannel, error) {
	var opened *channel.PaymentChannel
	err := m.locks.Do(ctx, func(ctx context.Context) error {
		var err error
		opened, err = m.openChannelLocked(ctx, req)
		return err
	})
	return opened, err
}

func (m *ChannelManager) openChannelLocked(ctx context.Context, req OpenRequest) (*channel.PaymentChannel, error) {
	deposit := new(big.Int).Mul(req.Amount, depositMultiplier)
	if req.MinDeposit != nil && req.MinDeposit.Cmp(deposit) > 0 {
		deposit = new(big.Int).Set(req.MinDeposit)
	}
	channelID := req.ChannelID
	if channelID == "" {
		channelID = channel.NewID()
	}

	m.logger.Info("opening channel",
		zap.String("sender", req.Sender),
		zap.String("receiver", req.Receiver),
		zap.String("deposit", deposit.String()),
	)
	m.notifier.Emit(channel.Event{
		Kind:    channel.WillOpenChannel,
		Channel: channel.New(req.Sender, req.Receiver, channelID, deposit, req.TokenContract),
	})

	result, err := m.contracts.Open(ctx, req.Sender, req.Receiver, deposit, m.settlementPeriod, channelID, req.TokenContract)
	if err != nil {
		return nil, err
	}
	assignedID, err := openedChannelID(result)
	if err != nil {
		return nil, err
	}

	ch := channel.New(req.Sender, req.Receiver, assignedID, deposit, req.TokenContract)
	ch.SettlementPeriod = new(big.Int).Set(m.settlementPeriod)
	if err := m.channels.Save(ctx, ch); err != nil {
		return nil, err
	}
	m.cache.Cached(assignedID).SetData(channel.Open, deposit, m.settlementPeriod)

	m.logger.Info("opened channel",
		zap.String("channel_id", assignedID.String()),
		zap.String("tx_hash", result.TxHash),
	)
	m.notifier.Emit(channel.Event{Kind: channel.DidOpenChannel, Channel: ch.Clone()})
	return ch, nil
}

// openedChannelID extracts the assigned channel id from the open
// transaction's logs.
func openedChannelID(result *ledger.TxResult) (channel.ID, error) {
	log := result.Log(ledger.LogDidOpen)
	if log == nil {
		return "", fmt.Errorf("open transaction %s carries no %s log", result.TxHash, ledger.LogDidOpen)
	}
	return channel.ParseID(log.Args["channelId"])
}

// RequireOpenChannel returns a usable channel between sender and receiver,
// opening one if none exists. Serialized globally so concurrent callers
// cannot both decide to open.
func (m *ChannelManager) RequireOpenChannel(ctx context.Context, req OpenRequest) (*channel.PaymentChannel, error) {
	var ch *channel.PaymentChannel
	err := m.locks.Do(ctx, func(ctx context.Context) error {
		existing, err := m.channels.FindUsable(ctx, req.Sender, req.Receiver, req.Amount)
		if err != nil {
			return err
		}
		if existing != nil {
			ch = existing
			return nil
		}
		ch, err = m.openChannelLocked(ctx, req)
		return err
	})
	return ch, err
}

// CloseChannel settles or claims a channel depending on which side the local
// account is on.
func (m *ChannelManager) CloseChannel(ctx context.Context, id channel.ID) (*ledger.TxResult, error) {
	var result *ledger.TxResult
	err := m.locks.DoKey(ctx, id.String(), func(ctx context.Context) error {
		ch, err := m.channelByID(ctx, id)
		if err != nil {
			return err
		}
		if ch == nil {
			return fmt.Errorf("%w: %s", ErrChannelNotFound, id)
		}
		result, err = m.closeChannelLocked(ctx, ch)
		return err
	})
	return result, err
}

// closeChannelLocked runs with the channel lock already held.
func (m *ChannelManager) closeChannelLocked(ctx context.Context, ch *channel.PaymentChannel) (*ledger.TxResult, error) {
	m.notifier.Emit(channel.Event{Kind: channel.WillCloseChannel, Channel: ch.Clone()})

	var (
		result *ledger.TxResult
		err    error
	)
	if signature.AddressesEqual(ch.Sender, m.account) {
		result, err = m.settle(ctx, ch)
	} else {
		result, err = m.claim(ctx, ch)
	}
	if err != nil {
		return nil, err
	}

	m.notifier.Emit(channel.Event{Kind: channel.DidCloseChannel, Channel: ch.Clone(), TxHash: result.TxHash})
	return result, nil
}

// settle advances the sender-side two-step: Open starts the settlement
// window, Settling finishes it.
func (m *ChannelManager) settle(ctx context.Context, ch *channel.PaymentChannel) (*ledger.TxResult, error) {
	switch ch.State {
	case channel.Open:
		result, err := m.contracts.StartSettle(ctx, m.account, ch.ChannelID)
		if err != nil {
			return nil, err
		}
		if err := m.channels.UpdateState(ctx, ch.ChannelID, channel.Settling); err != nil {
			return nil, err
		}
		ch.State = channel.Settling
		m.logger.Info("started settling channel", zap.String("channel_id", ch.ChannelID.String()))
		return result, nil

	case channel.Settling:
		result, err := m.contracts.FinishSettle(ctx, m.account, ch.ChannelID)
		if err != nil {
			return nil, err
		}
		if err := m.channels.UpdateState(ctx, ch.ChannelID, channel.Settled); err != nil {
			return nil, err
		}
		ch.State = channel.Settled
		m.logger.Info("settled channel", zap.String("channel_id", ch.ChannelID.String()))
		return result, nil

	default:
		return nil, fmt.Errorf("%w: %s", ErrChannelAlreadySettled, ch.ChannelID)
	}
}

// claim redeems the maximum payment on file in the receiver's favor.
func (m *ChannelManager) claim(ctx context.Context, ch *channel.PaymentChannel) (*ledger.TxResult, error) {
	max, err := m.payments.FirstMaximum(ctx, ch.ChannelID)
	if err != nil {
		return nil, err
	}
	if max == nil {
		return nil, fmt.Errorf("no payment on file to claim for channel %s", ch.ChannelID)
	}
	result, err := m.contracts.Claim(ctx, m.account, ch.ChannelID, max.Value, max.Signature)
	if err != nil {
		return nil, err
	}
	if err := m.channels.UpdateState(ctx, ch.ChannelID, channel.Settled); err != nil {
		return nil, err
	}
	ch.State = channel.Settled
	m.logger.Info("claimed channel",
		zap.String("channel_id", ch.ChannelID.String()),
		zap.String("value", max.Value.String()),
	)
	return result, nil
}

// Deposit adds value to a channel on-chain, then mirrors the new total
// locally. The local record is only mutated after the ledger call succeeds.
func (m *ChannelManager) Deposit(ctx context.Context, id channel.ID, value *big.Int) error {
	return m.locks.DoKey(ctx, id.String(), func(ctx context.Context) error {
		ch, err := m.channelByID(ctx, id)
		if err != nil {
			return err
		}
		if ch == nil {
			return fmt.Errorf("%w: %s", ErrChannelNotFound, id)
		}
		if _, err := m.contracts.Deposit(ctx, m.account, id, value); err != nil {
			return err
		}
		newValue := new(big.Int).Add(ch.Value, value)
		return m.channels.Deposit(ctx, id, newValue)
	})
}

// NextPayment builds a signed payment spending amount more on the channel.
// No persisted state changes.
func (m *ChannelManager) NextPayment(ctx context.Context, id channel.ID, amount *big.Int, meta string) (*payment.Payment, error) {
	var built *payment.Payment
	err := m.locks.DoKey(ctx, id.String(), func(ctx context.Context) error {
		ch, err := m.channelByID(ctx, id)
		if err != nil {
			return err
		}
		if ch == nil {
			return fmt.Errorf("%w: %s", ErrChannelNotFound, id)
		}
		toSpend := new(big.Int).Add(ch.Spent, amount)
		if toSpend.Cmp(ch.Value) > 0 {
			return fmt.Errorf("%w: channel %s has %s remaining, need %s",
				ErrInsufficientChannelValue, id, ch.Remaining(), amount)
		}
		built, err = m.builder.Build(ctx, ch, amount, toSpend, meta)
		return err
	})
	return built, err
}

// SpendChannel records a payment this process originated: sender-side
// bookkeeping plus the persisted payment. It does not contact the ledger.
func (m *ChannelManager) SpendChannel(ctx context.Context, p *payment.Payment, token string) (string, error) {
	if token == "" {
		token = p.Token
	}
	if token == "" {
		token = uuid.New().String()
	}
	err := m.locks.DoKey(ctx, p.ChannelID.String(), func(ctx context.Context) error {
		ch, err := m.channels.FirstByID(ctx, p.ChannelID)
		if err != nil {
			return err
		}
		if ch == nil {
			ch = channel.New(p.Sender, p.Receiver, p.ChannelID, p.ChannelValue, p.TokenContract)
		}
		ch.Spent = new(big.Int).Set(p.Value)
		if err := m.channels.SaveOrUpdate(ctx, ch); err != nil {
			return err
		}
		stored := *p
		stored.Token = token
		return m.payments.Save(ctx, token, &stored)
	})
	if err != nil {
		return "", err
	}
	return token, nil
}

// AcceptPayment validates an inbound payment and, if acceptable, persists it
// and returns its redemption token. Validation runs before any mutation, so a
// rejected payment never corrupts persisted state.
func (m *ChannelManager) AcceptPayment(ctx context.Context, p *payment.Payment) (string, error) {
	var token string
	err := m.locks.DoKey(ctx, p.ChannelID.String(), func(ctx context.Context) error {
		ch, err := m.channels.FirstByID(ctx, p.ChannelID)
		if err != nil {
			return err
		}
		if ch == nil {
			// Fall back to a zero-spent synthetic record derived from the
			// payment itself.
			ch = channel.New(p.Sender, p.Receiver, p.ChannelID, p.ChannelValue, p.TokenContract)
		}
		if ch.SettlementPeriod == nil {
			if period, err := m.contracts.GetSettlementPeriod(ctx, p.ChannelID); err == nil {
				ch.SettlementPeriod = period
			}
		}

		valid, err := m.validator.IsValid(ctx, p, ch)
		if err != nil {
			return err
		}
		if !valid {
			m.rejectPayment(ctx, p)
			return fmt.Errorf("%w: channel %s", ErrPaymentNotValid, p.ChannelID)
		}

		ch.Spent = new(big.Int).Set(p.Value)
		token, err = p.ContentHash()
		if err != nil {
			return err
		}
		if err := m.channels.SaveOrUpdate(ctx, ch); err != nil {
			return err
		}
		if err := m.tokens.Save(ctx, token, p.ChannelID); err != nil {
			return err
		}
		stored := *p
		stored.Token = token
		return m.payments.Save(ctx, token, &stored)
	})
	if err != nil {
		return "", err
	}
	return token, nil
}

// rejectPayment handles an invalid inbound payment: when configured, the
// offending channel is closed as a malfeasance response.
func (m *ChannelManager) rejectPayment(ctx context.Context, p *payment.Payment) {
	m.logger.Warn("rejected payment",
		zap.String("channel_id", p.ChannelID.String()),
		zap.String("sender", p.Sender),
	)
	if !m.closeOnInvalid {
		return
	}
	existing, err := m.channels.FindBySenderReceiverChannelID(ctx, p.Sender, p.Receiver, p.ChannelID)
	if err != nil || existing == nil {
		return
	}
	if _, err := m.closeChannelLocked(ctx, existing); err != nil {
		m.logger.Warn("failed to close channel on invalid payment",
			zap.String("channel_id", p.ChannelID.String()),
			zap.Error(err),
		)
	}
}

// VerifyToken reports whether a redemption token was issued by this process.
func (m *ChannelManager) VerifyToken(ctx context.Context, token string) (bool, error) {
	return m.tokens.IsPresent(ctx, token)
}

// PaymentByToken retrieves an accepted payment by its redemption token.
func (m *ChannelManager) PaymentByToken(ctx context.Context, token string) (*payment.Payment, error) {
	return m.payments.FindByToken(ctx, token)
}

// Channels lists all locally known channels.
func (m *ChannelManager) Channels(ctx context.Context) ([]*channel.PaymentChannel, error) {
	return m.channels.All(ctx)
}

// OpenChannels lists channels in the Open state.
func (m *ChannelManager) OpenChannels(ctx context.Context) ([]*channel.PaymentChannel, error) {
	return m.channels.AllOpen(ctx)
}

// SettlingChannels lists channels in the Settling state.
func (m *ChannelManager) SettlingChannels(ctx context.Context) ([]*channel.PaymentChannel, error) {
	return m.channels.AllSettling(ctx)
}

// ChannelByID resolves a channel, reconciling the local record against the
// ledger. Returns (nil, nil) when the channel is unknown both locally and
// on-chain, or is not a channel the local account is party to.
func (m *ChannelManager) ChannelByID(ctx context.Context, id channel.ID) (*channel.PaymentChannel, error) {
	var ch *channel.PaymentChannel
	err := m.locks.DoKey(ctx, id.String(), func(ctx context.Context) error {
		var err error
		ch, err = m.channelByID(ctx, id)
		return err
	})
	return ch, err
}

// channelByID is the reconciliation path, called with the channel lock held.
func (m *ChannelManager) channelByID(ctx context.Context, id channel.ID) (*channel.PaymentChannel, error) {
	ch, err := m.channels.FirstByID(ctx, id)
	if err != nil {
		return nil, err
	}
	if ch == nil {
		return m.discoverChannel(ctx, id)
	}

	entry := m.cache.Cached(id)
	if !entry.IsStale() {
		return ch, nil
	}

	data, err := m.contracts.ChannelByID(ctx, id)
	if err != nil {
		return nil, err
	}
	if data == nil {
		entry.SetData(channel.Settled, ch.Value, big.NewInt(0))
		return ch, nil
	}

	entry.SetData(stateFromData(data), data.Value, data.SettlementPeriod)
	if ch.Value.Cmp(data.Value) != 0 {
		if err := m.channels.Deposit(ctx, id, data.Value); err != nil {
			return nil, err
		}
		ch.Value = new(big.Int).Set(data.Value)
	}
	if ch.SettlementPeriod == nil {
		ch.SettlementPeriod = new(big.Int).Set(data.SettlementPeriod)
	}
	return ch, nil
}

// discoverChannel reconstructs a channel known only on-chain. Channels the
// local account is not a party to are reported as not found, not leaked.
func (m *ChannelManager) discoverChannel(ctx context.Context, id channel.ID) (*channel.PaymentChannel, error) {
	data, err := m.contracts.ChannelByID(ctx, id)
	if err != nil {
		return nil, err
	}
	if data == nil {
		return nil, nil
	}
	if !signature.AddressesEqual(data.Sender, m.account) && !signature.AddressesEqual(data.Receiver, m.account) {
		return nil, nil
	}

	state := stateFromData(data)
	ch := &channel.PaymentChannel{
		Sender:           data.Sender,
		Receiver:         data.Receiver,
		ChannelID:        id,
		Value:            new(big.Int).Set(data.Value),
		Spent:            big.NewInt(0),
		State:            state,
		SettlementPeriod: new(big.Int).Set(data.SettlementPeriod),
		SettlingUntil:    new(big.Int).Set(data.SettlingUntil),
	}
	if err := m.channels.SaveOrUpdate(ctx, ch); err != nil {
		return nil, err
	}
	m.cache.Cached(id).SetData(state, data.Value, data.SettlementPeriod)

	m.logger.Info("discovered channel on-chain",
		zap.String("channel_id", id.String()),
		zap.String("state", state.String()),
	)
	return ch, nil
}

// stateFromData maps a raw on-chain tuple to the lifecycle state: a non-zero
// settling deadline means Settling, otherwise Open.
func stateFromData(data *ledger.ChannelData) channel.State {
	if data.SettlingUntil != nil && data.SettlingUntil.Sign() != 0 {
		return channel.Settling
	}
	return channel.Open
}
