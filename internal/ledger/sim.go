package ledger

import (
	"context"
	"encoding/hex"
	"fmt"
	"math/big"
	"strings"
	"sync"
	"time"

	"github.com/decred/dcrd/dcrec/secp256k1/v4"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/offchan/offchan/internal/channel"
	"github.com/offchan/offchan/internal/signature"
)

const (
	defaultContractAddress    = "0x0000000000000000000000000000000000000101"
	defaultTokenBrokerAddress = "0x0000000000000000000000000000000000000102"
)

// SimOptions configures the simulated gateway.
type SimOptions struct {
	ContractAddress    string
	TokenBrokerAddress string
	Logger             *zap.Logger
}

type simChannel struct {
	sender           string
	receiver         string
	value            *big.Int
	settlementPeriod *big.Int
	settlingUntil    *big.Int
	tokenContract    string
}

// Sim is an in-process Gateway. It keeps channels, token allowances and
// signing keys in memory and emits the same transaction logs a chain-backed
// gateway would.
type Sim struct {
	mu         sync.Mutex
	keys       map[string]*secp256k1.PrivateKey
	channels   map[channel.ID]*simChannel
	allowances map[string]map[string]*big.Int

	contractAddr    string
	tokenBrokerAddr string
	logger          *zap.Logger
}

// NewSim creates an empty simulated gateway.
func NewSim(opts SimOptions) *Sim {
	if opts.ContractAddress == "" {
		opts.ContractAddress = defaultContractAddress
	}
	if opts.TokenBrokerAddress == "" {
		opts.TokenBrokerAddress = defaultTokenBrokerAddress
	}
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	return &Sim{
		keys:            make(map[string]*secp256k1.PrivateKey),
		channels:        make(map[channel.ID]*simChannel),
		allowances:      make(map[string]map[string]*big.Int),
		contractAddr:    opts.ContractAddress,
		tokenBrokerAddr: opts.TokenBrokerAddress,
		logger:          opts.Logger,
	}
}

// RegisterKey adds a signing key and returns its account address.
func (s *Sim) RegisterKey(key *secp256k1.PrivateKey) string {
	addr := signature.KeyAddress(key)
	s.mu.Lock()
	defer s.mu.Unlock()
	s.keys[strings.ToLower(addr)] = key
	return addr
}

// ContractAddress returns the native-asset channel contract address.
func (s *Sim) ContractAddress() string {
	return s.contractAddr
}

// TokenBrokerAddress returns the token-asset channel contract address.
func (s *Sim) TokenBrokerAddress() string {
	return s.tokenBrokerAddr
}

// Open creates a channel. An empty channelID lets the ledger assign one; the
// assigned id is carried in the DidOpen log.
func (s *Sim) Open(ctx context.Context, sender, receiver string, value, settlementPeriod *big.Int, channelID channel.ID, tokenContract string) (*TxResult, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if channelID == "" {
		channelID = channel.NewID()
	}
	if _, exists := s.channels[channelID]; exists {
		return nil, fmt.Errorf("channel %s already exists", channelID)
	}
	if tokenContract != "" {
		if err := s.consumeAllowance(tokenContract, sender, value); err != nil {
			return nil, err
		}
	}

	s.channels[channelID] = &simChannel{
		sender:           strings.ToLower(sender),
		receiver:         strings.ToLower(receiver),
		value:            new(big.Int).Set(value),
		settlementPeriod: new(big.Int).Set(settlementPeriod),
		settlingUntil:    big.NewInt(0),
		tokenContract:    tokenContract,
	}

	s.logger.Debug("sim ledger opened channel",
		zap.String("channel_id", channelID.String()),
		zap.String("sender", sender),
		zap.String("value", value.String()),
	)

	return s.txResult(LogDidOpen, map[string]string{
		"channelId": channelID.String(),
		"sender":    sender,
		"receiver":  receiver,
		"value":     value.String(),
	}), nil
}

// Deposit adds value to an open channel.
func (s *Sim) Deposit(ctx context.Context, account string, channelID channel.ID, value *big.Int, tokenContract string) (*TxResult, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	ch, exists := s.channels[channelID]
	if !exists {
		return nil, fmt.Errorf("channel %s does not exist", channelID)
	}
	if ch.settlingUntil.Sign() != 0 {
		return nil, fmt.Errorf("channel %s is settling", channelID)
	}
	if tokenContract != "" {
		if err := s.consumeAllowance(tokenContract, account, value); err != nil {
			return nil, err
		}
	}
	ch.value.Add(ch.value, value)

	return s.txResult(LogDidDeposit, map[string]string{
		"channelId": channelID.String(),
		"value":     value.String(),
	}), nil
}

// Claim redeems the channel in the receiver's favor and winds it down.
func (s *Sim) Claim(ctx context.Context, receiver string, channelID channel.ID, value *big.Int, sig signature.Signature) (*TxResult, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	ch, exists := s.channels[channelID]
	if !exists {
		return nil, fmt.Errorf("channel %s does not exist", channelID)
	}
	if !signature.AddressesEqual(ch.receiver, receiver) {
		return nil, fmt.Errorf("account %s is not the receiver of channel %s", receiver, channelID)
	}
	delete(s.channels, channelID)

	return s.txResult(LogDidClaim, map[string]string{
		"channelId": channelID.String(),
		"receiver":  receiver,
		"value":     value.String(),
	}), nil
}

// StartSettle opens the settlement window for the sender.
func (s *Sim) StartSettle(ctx context.Context, account string, channelID channel.ID) (*TxResult, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	ch, exists := s.channels[channelID]
	if !exists {
		return nil, fmt.Errorf("channel %s does not exist", channelID)
	}
	if !signature.AddressesEqual(ch.sender, account) {
		return nil, fmt.Errorf("account %s is not the sender of channel %s", account, channelID)
	}
	if ch.settlingUntil.Sign() != 0 {
		return nil, fmt.Errorf("channel %s is already settling", channelID)
	}
	ch.settlingUntil = new(big.Int).Add(big.NewInt(time.Now().Unix()), ch.settlementPeriod)

	return s.txResult(LogDidStartSettle, map[string]string{
		"channelId":     channelID.String(),
		"settlingUntil": ch.settlingUntil.String(),
	}), nil
}

// FinishSettle winds the channel down after the settlement window. The sim
// does not enforce the wait.
func (s *Sim) FinishSettle(ctx context.Context, account string, channelID channel.ID) (*TxResult, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	ch, exists := s.channels[channelID]
	if !exists {
		return nil, fmt.Errorf("channel %s does not exist", channelID)
	}
	if !signature.AddressesEqual(ch.sender, account) {
		return nil, fmt.Errorf("account %s is not the sender of channel %s", account, channelID)
	}
	if ch.settlingUntil.Sign() == 0 {
		return nil, fmt.Errorf("channel %s has not started settling", channelID)
	}
	delete(s.channels, channelID)

	return s.txResult(LogDidSettle, map[string]string{
		"channelId": channelID.String(),
	}), nil
}

// GetState maps raw channel data onto the lifecycle enumeration: an absent
// channel is Settled, a channel with a settling deadline is Settling,
// otherwise Open.
func (s *Sim) GetState(ctx context.Context, channelID channel.ID) (channel.State, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	ch, exists := s.channels[channelID]
	if !exists {
		return channel.Settled, nil
	}
	if ch.settlingUntil.Sign() != 0 {
		return channel.Settling, nil
	}
	return channel.Open, nil
}

// GetSettlementPeriod returns the settlement period recorded on-chain.
func (s *Sim) GetSettlementPeriod(ctx context.Context, channelID channel.ID) (*big.Int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	ch, exists := s.channels[channelID]
	if !exists {
		return nil, fmt.Errorf("channel %s does not exist", channelID)
	}
	return new(big.Int).Set(ch.settlementPeriod), nil
}

// ChannelByID returns the raw channel tuple, or (nil, nil) if absent.
func (s *Sim) ChannelByID(ctx context.Context, channelID channel.ID) (*ChannelData, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	ch, exists := s.channels[channelID]
	if !exists {
		return nil, nil
	}
	return &ChannelData{
		Sender:           ch.sender,
		Receiver:         ch.receiver,
		Value:            new(big.Int).Set(ch.value),
		SettlementPeriod: new(big.Int).Set(ch.settlementPeriod),
		SettlingUntil:    new(big.Int).Set(ch.settlingUntil),
	}, nil
}

// Approve grants the spender an allowance over the account's tokens and
// reports it with an Approval log, the confirmation the token backend
// requires before open and deposit calls.
func (s *Sim) Approve(ctx context.Context, account, tokenContract, spender string, value *big.Int) (*TxResult, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	token := strings.ToLower(tokenContract)
	owner := strings.ToLower(account)
	if s.allowances[token] == nil {
		s.allowances[token] = make(map[string]*big.Int)
	}
	s.allowances[token][owner] = new(big.Int).Set(value)

	return s.txResult(LogApproval, map[string]string{
		"token":   tokenContract,
		"owner":   account,
		"spender": spender,
		"value":   value.String(),
	}), nil
}

// Sign signs a digest with the registered key for account.
func (s *Sim) Sign(ctx context.Context, account string, digest []byte) (signature.Signature, error) {
	s.mu.Lock()
	key, exists := s.keys[strings.ToLower(account)]
	s.mu.Unlock()

	if !exists {
		return signature.Signature{}, fmt.Errorf("no signing key for account %s", account)
	}
	return signature.Sign(key, digest), nil
}

func (s *Sim) consumeAllowance(tokenContract, owner string, value *big.Int) error {
	token := strings.ToLower(tokenContract)
	allowance := s.allowances[token][strings.ToLower(owner)]
	if allowance == nil || allowance.Cmp(value) < 0 {
		return fmt.Errorf("insufficient allowance on token %s for %s", tokenContract, owner)
	}
	allowance.Sub(allowance, value)
	return nil
}

func (s *Sim) txResult(logName string, args map[string]string) *TxResult {
	seed := uuid.New()
	return &TxResult{
		TxHash: "0x" + hex.EncodeToString(signature.Keccak256(seed[:])),
		Logs:   []TxLog{{Name: logName, Args: args}},
	}
}
