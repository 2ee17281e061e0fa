package manager

import (
	"context"
	"errors"
	"math/big"
	"sync"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/offchan/offchan/internal/chain"
	"github.com/offchan/offchan/internal/channel"
	"github.com/offchan/offchan/internal/ledger"
	"github.com/offchan/offchan/internal/payment"
	"github.com/offchan/offchan/internal/signature"
	"github.com/offchan/offchan/internal/storage"
)

type fixture struct {
	sim      *ledger.Sim
	store    storage.Backend
	router   *chain.Router
	builder  *payment.Builder
	sender   string
	receiver string
}

func newFixture(t *testing.T) *fixture {
	t.Helper()

	sim := ledger.NewSim(ledger.SimOptions{})
	senderKey, err := signature.GenerateKey()
	require.NoError(t, err)
	receiverKey, err := signature.GenerateKey()
	require.NoError(t, err)

	store := storage.NewMemory()
	router := chain.NewRouter(sim, store.Channels(), 0, nil)

	return &fixture{
		sim:      sim,
		store:    store,
		router:   router,
		builder:  payment.NewBuilder(router, sim, nil),
		sender:   sim.RegisterKey(senderKey),
		receiver: sim.RegisterKey(receiverKey),
	}
}

// manager builds a ChannelManager acting as account over the shared fixture
// state.
func (f *fixture) manager(account string, closeOnInvalid bool) *ChannelManager {
	return New(Options{
		Account:               account,
		CloseOnInvalidPayment: closeOnInvalid,
		Contracts:             f.router,
		Store:                 f.store,
		Builder:               f.builder,
		Validator:             payment.NewValidator(f.router, nil, nil),
	})
}

func (f *fixture) openRequest(amount int64) OpenRequest {
	return OpenRequest{
		Sender:   f.sender,
		Receiver: f.receiver,
		Amount:   big.NewInt(amount),
	}
}

func TestOpenChannelDepositsTenfold(t *testing.T) {
	f := newFixture(t)
	m := f.manager(f.sender, false)
	ctx := context.Background()

	ch, err := m.OpenChannel(ctx, f.openRequest(10))
	require.NoError(t, err)
	require.Equal(t, big.NewInt(100), ch.Value)
	require.Equal(t, channel.Open, ch.State)
	require.Equal(t, big.NewInt(0), ch.Spent)
	require.Equal(t, DefaultSettlementPeriod, ch.SettlementPeriod)

	stored, err := f.store.Channels().FirstByID(ctx, ch.ChannelID)
	require.NoError(t, err)
	require.NotNil(t, stored)
	require.Equal(t, big.NewInt(100), stored.Value)

	data, err := f.sim.ChannelByID(ctx, ch.ChannelID)
	require.NoError(t, err)
	require.NotNil(t, data)
	require.Equal(t, big.NewInt(100), data.Value)
}

func TestOpenChannelHonorsMinDeposit(t *testing.T) {
	f := newFixture(t)
	m := f.manager(f.sender, false)

	req := f.openRequest(10)
	req.MinDeposit = big.NewInt(500)

	ch, err := m.OpenChannel(context.Background(), req)
	require.NoError(t, err)
	require.Equal(t, big.NewInt(500), ch.Value)
}

func TestOpenChannelEmitsEvents(t *testing.T) {
	f := newFixture(t)
	m := f.manager(f.sender, false)

	var kinds []channel.EventKind
	m.Notifier().Subscribe(func(ev channel.Event) {
		kinds = append(kinds, ev.Kind)
	})

	ch, err := m.OpenChannel(context.Background(), f.openRequest(10))
	require.NoError(t, err)
	require.Equal(t, []channel.EventKind{channel.WillOpenChannel, channel.DidOpenChannel}, kinds)

	_, err = m.CloseChannel(context.Background(), ch.ChannelID)
	require.NoError(t, err)
	require.Equal(t, []channel.EventKind{
		channel.WillOpenChannel,
		channel.DidOpenChannel,
		channel.WillCloseChannel,
		channel.DidCloseChannel,
	}, kinds)
}

func TestNextPaymentRespectsCapacity(t *testing.T) {
	f := newFixture(t)
	m := f.manager(f.sender, false)
	ctx := context.Background()

	ch, err := m.OpenChannel(ctx, f.openRequest(10))
	require.NoError(t, err)

	p, err := m.NextPayment(ctx, ch.ChannelID, big.NewInt(30), "coffee")
	require.NoError(t, err)
	require.Equal(t, big.NewInt(30), p.Price)
	require.Equal(t, big.NewInt(30), p.Value)
	require.Equal(t, big.NewInt(100), p.ChannelValue)
	require.Equal(t, "coffee", p.Meta)
	require.False(t, p.Signature.IsZero())

	_, err = m.NextPayment(ctx, ch.ChannelID, big.NewInt(101), "")
	require.ErrorIs(t, err, ErrInsufficientChannelValue)
}

func TestNextPaymentAccumulatesSpend(t *testing.T) {
	f := newFixture(t)
	m := f.manager(f.sender, false)
	ctx := context.Background()

	ch, err := m.OpenChannel(ctx, f.openRequest(10))
	require.NoError(t, err)

	p, err := m.NextPayment(ctx, ch.ChannelID, big.NewInt(30), "")
	require.NoError(t, err)
	_, err = m.SpendChannel(ctx, p, "")
	require.NoError(t, err)

	// Cumulative value rides on top of the recorded spend.
	next, err := m.NextPayment(ctx, ch.ChannelID, big.NewInt(30), "")
	require.NoError(t, err)
	require.Equal(t, big.NewInt(60), next.Value)

	_, err = m.NextPayment(ctx, ch.ChannelID, big.NewInt(80), "")
	require.ErrorIs(t, err, ErrInsufficientChannelValue)
}

func TestAcceptPaymentIssuesToken(t *testing.T) {
	f := newFixture(t)
	sender := f.manager(f.sender, false)
	receiver := f.manager(f.receiver, false)
	ctx := context.Background()

	ch, err := sender.OpenChannel(ctx, f.openRequest(10))
	require.NoError(t, err)
	p, err := sender.NextPayment(ctx, ch.ChannelID, big.NewInt(30), "")
	require.NoError(t, err)

	token, err := receiver.AcceptPayment(ctx, p)
	require.NoError(t, err)
	require.NotEmpty(t, token)

	hash, err := p.ContentHash()
	require.NoError(t, err)
	require.Equal(t, hash, token)

	ok, err := receiver.VerifyToken(ctx, token)
	require.NoError(t, err)
	require.True(t, ok)

	got, err := receiver.PaymentByToken(ctx, token)
	require.NoError(t, err)
	require.NotNil(t, got)
	require.Equal(t, big.NewInt(30), got.Value)

	stored, err := f.store.Channels().FirstByID(ctx, ch.ChannelID)
	require.NoError(t, err)
	require.Equal(t, big.NewInt(30), stored.Spent)
}

func TestAcceptPaymentRejectsTampered(t *testing.T) {
	f := newFixture(t)
	sender := f.manager(f.sender, false)
	receiver := f.manager(f.receiver, false)
	ctx := context.Background()

	ch, err := sender.OpenChannel(ctx, f.openRequest(10))
	require.NoError(t, err)
	p, err := sender.NextPayment(ctx, ch.ChannelID, big.NewInt(30), "")
	require.NoError(t, err)

	// The signature no longer covers the inflated value.
	p.Value = big.NewInt(90)

	_, err = receiver.AcceptPayment(ctx, p)
	require.ErrorIs(t, err, ErrPaymentNotValid)

	ok, err := receiver.VerifyToken(ctx, "anything")
	require.NoError(t, err)
	require.False(t, ok)

	stored, err := f.store.Channels().FirstByID(ctx, ch.ChannelID)
	require.NoError(t, err)
	require.Equal(t, big.NewInt(0), stored.Spent, "rejected payment must not move the spend")
}

func TestAcceptPaymentClosesOnInvalidWhenConfigured(t *testing.T) {
	f := newFixture(t)
	sender := f.manager(f.sender, false)
	receiver := f.manager(f.receiver, true)
	ctx := context.Background()

	ch, err := sender.OpenChannel(ctx, f.openRequest(10))
	require.NoError(t, err)

	good, err := sender.NextPayment(ctx, ch.ChannelID, big.NewInt(30), "")
	require.NoError(t, err)
	_, err = receiver.AcceptPayment(ctx, good)
	require.NoError(t, err)

	bad, err := sender.NextPayment(ctx, ch.ChannelID, big.NewInt(10), "")
	require.NoError(t, err)
	bad.Value = big.NewInt(95)

	_, err = receiver.AcceptPayment(ctx, bad)
	require.ErrorIs(t, err, ErrPaymentNotValid)

	// The receiver claims the best payment it holds and winds the channel down.
	stored, err := f.store.Channels().FirstByID(ctx, ch.ChannelID)
	require.NoError(t, err)
	require.Equal(t, channel.Settled, stored.State)

	data, err := f.sim.ChannelByID(ctx, ch.ChannelID)
	require.NoError(t, err)
	require.Nil(t, data)
}

func TestCloseChannelAsReceiverClaimsMaximum(t *testing.T) {
	f := newFixture(t)
	sender := f.manager(f.sender, false)
	receiver := f.manager(f.receiver, false)
	ctx := context.Background()

	ch, err := sender.OpenChannel(ctx, f.openRequest(10))
	require.NoError(t, err)

	for _, amount := range []int64{10, 20} {
		p, err := sender.NextPayment(ctx, ch.ChannelID, big.NewInt(amount), "")
		require.NoError(t, err)
		_, err = receiver.AcceptPayment(ctx, p)
		require.NoError(t, err)
	}

	result, err := receiver.CloseChannel(ctx, ch.ChannelID)
	require.NoError(t, err)
	require.NotEmpty(t, result.TxHash)

	stored, err := f.store.Channels().FirstByID(ctx, ch.ChannelID)
	require.NoError(t, err)
	require.Equal(t, channel.Settled, stored.State)

	data, err := f.sim.ChannelByID(ctx, ch.ChannelID)
	require.NoError(t, err)
	require.Nil(t, data)
}

func TestCloseChannelAsReceiverFailsWithoutPayment(t *testing.T) {
	f := newFixture(t)
	sender := f.manager(f.sender, false)
	receiver := f.manager(f.receiver, false)
	ctx := context.Background()

	ch, err := sender.OpenChannel(ctx, f.openRequest(10))
	require.NoError(t, err)

	_, err = receiver.CloseChannel(ctx, ch.ChannelID)
	require.Error(t, err)
}

func TestCloseChannelAsSenderSettlesInTwoSteps(t *testing.T) {
	f := newFixture(t)
	m := f.manager(f.sender, false)
	ctx := context.Background()

	ch, err := m.OpenChannel(ctx, f.openRequest(10))
	require.NoError(t, err)

	_, err = m.CloseChannel(ctx, ch.ChannelID)
	require.NoError(t, err)
	stored, err := f.store.Channels().FirstByID(ctx, ch.ChannelID)
	require.NoError(t, err)
	require.Equal(t, channel.Settling, stored.State)

	state, err := f.sim.GetState(ctx, ch.ChannelID)
	require.NoError(t, err)
	require.Equal(t, channel.Settling, state)

	_, err = m.CloseChannel(ctx, ch.ChannelID)
	require.NoError(t, err)
	stored, err = f.store.Channels().FirstByID(ctx, ch.ChannelID)
	require.NoError(t, err)
	require.Equal(t, channel.Settled, stored.State)

	_, err = m.CloseChannel(ctx, ch.ChannelID)
	require.ErrorIs(t, err, ErrChannelAlreadySettled)
}

func TestCloseChannelUnknown(t *testing.T) {
	f := newFixture(t)
	m := f.manager(f.sender, false)

	_, err := m.CloseChannel(context.Background(), channel.NewID())
	require.ErrorIs(t, err, ErrChannelNotFound)
}

func TestDepositGrowsCapacity(t *testing.T) {
	f := newFixture(t)
	m := f.manager(f.sender, false)
	ctx := context.Background()

	ch, err := m.OpenChannel(ctx, f.openRequest(10))
	require.NoError(t, err)

	require.NoError(t, m.Deposit(ctx, ch.ChannelID, big.NewInt(50)))

	stored, err := f.store.Channels().FirstByID(ctx, ch.ChannelID)
	require.NoError(t, err)
	require.Equal(t, big.NewInt(150), stored.Value)

	data, err := f.sim.ChannelByID(ctx, ch.ChannelID)
	require.NoError(t, err)
	require.Equal(t, big.NewInt(150), data.Value)
}

func TestRequireOpenChannelOpensExactlyOnce(t *testing.T) {
	f := newFixture(t)
	m := f.manager(f.sender, false)
	ctx := context.Background()

	var wg sync.WaitGroup
	errs := make(chan error, 5)
	for i := 0; i < 5; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := m.RequireOpenChannel(ctx, f.openRequest(10))
			errs <- err
		}()
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		require.NoError(t, err)
	}

	all, err := m.Channels(ctx)
	require.NoError(t, err)
	require.Len(t, all, 1)
}

func TestRequireOpenChannelReusesUsable(t *testing.T) {
	f := newFixture(t)
	m := f.manager(f.sender, false)
	ctx := context.Background()

	first, err := m.OpenChannel(ctx, f.openRequest(10))
	require.NoError(t, err)

	again, err := m.RequireOpenChannel(ctx, f.openRequest(10))
	require.NoError(t, err)
	require.Equal(t, first.ChannelID, again.ChannelID)
}

func TestChannelByIDDiscoversOnChain(t *testing.T) {
	f := newFixture(t)
	m := f.manager(f.sender, false)
	ctx := context.Background()

	id := channel.NewID()
	_, err := f.sim.Open(ctx, f.sender, f.receiver, big.NewInt(100), big.NewInt(172800), id, "")
	require.NoError(t, err)

	ch, err := m.ChannelByID(ctx, id)
	require.NoError(t, err)
	require.NotNil(t, ch)
	require.Equal(t, channel.Open, ch.State)
	require.Equal(t, big.NewInt(100), ch.Value)
	require.Equal(t, big.NewInt(0), ch.Spent)

	// Discovery persists the record.
	stored, err := f.store.Channels().FirstByID(ctx, id)
	require.NoError(t, err)
	require.NotNil(t, stored)
}

func TestChannelByIDIgnoresForeignChannels(t *testing.T) {
	f := newFixture(t)
	m := f.manager(f.sender, false)
	ctx := context.Background()

	id := channel.NewID()
	stranger := "0x00000000000000000000000000000000000000cc"
	other := "0x00000000000000000000000000000000000000dd"
	_, err := f.sim.Open(ctx, stranger, other, big.NewInt(100), big.NewInt(172800), id, "")
	require.NoError(t, err)

	ch, err := m.ChannelByID(ctx, id)
	require.NoError(t, err)
	require.Nil(t, ch)

	missing, err := m.ChannelByID(ctx, channel.NewID())
	require.NoError(t, err)
	require.Nil(t, missing)
}

func TestStateListings(t *testing.T) {
	f := newFixture(t)
	m := f.manager(f.sender, false)
	ctx := context.Background()

	ch, err := m.OpenChannel(ctx, f.openRequest(10))
	require.NoError(t, err)

	open, err := m.OpenChannels(ctx)
	require.NoError(t, err)
	require.Len(t, open, 1)

	_, err = m.CloseChannel(ctx, ch.ChannelID)
	require.NoError(t, err)

	settling, err := m.SettlingChannels(ctx)
	require.NoError(t, err)
	require.Len(t, settling, 1)

	open, err = m.OpenChannels(ctx)
	require.NoError(t, err)
	require.Empty(t, open)
}

func TestErrorsAreTyped(t *testing.T) {
	require.True(t, errors.Is(ErrChannelNotFound, ErrChannelNotFound))
	require.NotErrorIs(t, ErrPaymentNotValid, ErrChannelAlreadySettled)
}
