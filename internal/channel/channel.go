// Package channel defines the payment-channel data model shared by the
// ledger, storage and orchestration layers.
package channel

import (
	"encoding/hex"
	"fmt"
	"math/big"
	"strings"

	"github.com/google/uuid"
)

// ID is the opaque channel identifier: 16 random bytes rendered as 0x hex.
// It is the lock key and primary lookup key everywhere.
type ID string

// NewID generates a random channel id.
func NewID() ID {
	raw := uuid.New()
	return ID("0x" + hex.EncodeToString(raw[:]))
}

// ParseID validates a hex channel id.
func ParseID(raw string) (ID, error) {
	trimmed := strings.TrimPrefix(strings.ToLower(raw), "0x")
	data, err := hex.DecodeString(trimmed)
	if err != nil {
		return "", fmt.Errorf("failed to decode channel id %q: %w", raw, err)
	}
	if len(data) != 16 {
		return "", fmt.Errorf("channel id %q must be 16 bytes, got %d", raw, len(data))
	}
	return ID("0x" + hex.EncodeToString(data)), nil
}

// Bytes returns the raw 16-byte form for digest packing.
func (id ID) Bytes() ([]byte, error) {
	data, err := hex.DecodeString(strings.TrimPrefix(string(id), "0x"))
	if err != nil {
		return nil, fmt.Errorf("failed to decode channel id %q: %w", id, err)
	}
	return data, nil
}

func (id ID) String() string {
	return string(id)
}

// State is the on-chain lifecycle state of a channel. It only moves forward.
type State int

const (
	// Open means the channel accepts deposits and payments.
	Open State = 0
	// Settling means the sender has started the settlement window.
	Settling State = 1
	// Settled means the channel is fully wound down.
	Settled State = 2
	// Impossible is the sentinel for "not yet observed on-chain".
	Impossible State = 3
)

func (s State) String() string {
	switch s {
	case Open:
		return "open"
	case Settling:
		return "settling"
	case Settled:
		return "settled"
	default:
		return "impossible"
	}
}

// PaymentChannel is the authoritative local record of a channel.
type PaymentChannel struct {
	Sender           string
	Receiver         string
	ChannelID        ID
	Value            *big.Int
	Spent            *big.Int
	State            State
	TokenContract    string
	SettlementPeriod *big.Int
	SettlingUntil    *big.Int
}

// New constructs an Open channel record with zero spend.
func New(sender, receiver string, id ID, value *big.Int, tokenContract string) *PaymentChannel {
	return &PaymentChannel{
		Sender:        sender,
		Receiver:      receiver,
		ChannelID:     id,
		Value:         new(big.Int).Set(value),
		Spent:         big.NewInt(0),
		State:         Open,
		TokenContract: tokenContract,
	}
}

// Remaining returns value - spent.
func (c *PaymentChannel) Remaining() *big.Int {
	return new(big.Int).Sub(c.Value, c.Spent)
}

// CanSpend reports whether the channel still has capacity for amount on top
// of what has already been spent.
func (c *PaymentChannel) CanSpend(amount *big.Int) bool {
	toSpend := new(big.Int).Add(c.Spent, amount)
	return toSpend.Cmp(c.Value) <= 0
}

// Usable reports whether the channel can carry a payment of amount right now.
func (c *PaymentChannel) Usable(amount *big.Int) bool {
	return c.State == Open && c.CanSpend(amount)
}

// Clone returns a deep copy.
func (c *PaymentChannel) Clone() *PaymentChannel {
	out := *c
	out.Value = new(big.Int).Set(c.Value)
	out.Spent = new(big.Int).Set(c.Spent)
	if c.SettlementPeriod != nil {
		out.SettlementPeriod = new(big.Int).Set(c.SettlementPeriod)
	}
	if c.SettlingUntil != nil {
		out.SettlingUntil = new(big.Int).Set(c.SettlingUntil)
	}
	return &out
}
