// Package payment defines signed channel payments, their wire encoding, the
// builder that produces them and the validation pipeline that accepts them.
package payment

import (
	"encoding/hex"
	"encoding/json"
	"fmt"
	"math/big"
	"time"

	"github.com/offchan/offchan/internal/channel"
	"github.com/offchan/offchan/internal/signature"
)

// Payment is a single signed spend authorization. Value is the new cumulative
// spend; Price is this payment's increment. Never mutated after signing.
type Payment struct {
	ChannelID     channel.ID
	Sender        string
	Receiver      string
	Price         *big.Int
	Value         *big.Int
	ChannelValue  *big.Int
	Signature     signature.Signature
	Meta          string
	Token         string
	TokenContract string
	CreatedAt     time.Time
}

// wirePayment is the JSON exchange form. Pointer fields mark what must be
// present for a decode to succeed.
type wirePayment struct {
	ChannelID     *string `json:"channelId"`
	Sender        *string `json:"sender"`
	Receiver      *string `json:"receiver"`
	Price         *string `json:"price"`
	Value         *string `json:"value"`
	ChannelValue  *string `json:"channelValue"`
	V             *uint8  `json:"v"`
	R             *string `json:"r"`
	S             *string `json:"s"`
	Meta          string  `json:"meta,omitempty"`
	Token         string  `json:"token,omitempty"`
	TokenContract string  `json:"tokenContract,omitempty"`
	CreatedAt     int64   `json:"createdAt,omitempty"`
}

// MarshalJSON renders the wire form.
func (p *Payment) MarshalJSON() ([]byte, error) {
	id := p.ChannelID.String()
	price := p.Price.String()
	value := p.Value.String()
	channelValue := p.ChannelValue.String()
	r := "0x" + hex.EncodeToString(p.Signature.R[:])
	s := "0x" + hex.EncodeToString(p.Signature.S[:])
	v := p.Signature.V

	var createdAt int64
	if !p.CreatedAt.IsZero() {
		createdAt = p.CreatedAt.UnixMilli()
	}

	return json.Marshal(wirePayment{
		ChannelID:     &id,
		Sender:        &p.Sender,
		Receiver:      &p.Receiver,
		Price:         &price,
		Value:         &value,
		ChannelValue:  &channelValue,
		V:             &v,
		R:             &r,
		S:             &s,
		Meta:          p.Meta,
		Token:         p.Token,
		TokenContract: p.TokenContract,
		CreatedAt:     createdAt,
	})
}

// UnmarshalJSON decodes the wire form, failing if any required field is
// absent.
func (p *Payment) UnmarshalJSON(data []byte) error {
	var wire wirePayment
	if err := json.Unmarshal(data, &wire); err != nil {
		return fmt.Errorf("failed to decode payment: %w", err)
	}

	missing := func(name string) error {
		return fmt.Errorf("payment is missing required field %q", name)
	}
	switch {
	case wire.ChannelID == nil:
		return missing("channelId")
	case wire.Sender == nil:
		return missing("sender")
	case wire.Receiver == nil:
		return missing("receiver")
	case wire.Price == nil:
		return missing("price")
	case wire.Value == nil:
		return missing("value")
	case wire.ChannelValue == nil:
		return missing("channelValue")
	case wire.V == nil:
		return missing("v")
	case wire.R == nil:
		return missing("r")
	case wire.S == nil:
		return missing("s")
	}

	id, err := channel.ParseID(*wire.ChannelID)
	if err != nil {
		return err
	}
	price, err := parseBig("price", *wire.Price)
	if err != nil {
		return err
	}
	value, err := parseBig("value", *wire.Value)
	if err != nil {
		return err
	}
	channelValue, err := parseBig("channelValue", *wire.ChannelValue)
	if err != nil {
		return err
	}
	r, err := parseWord("r", *wire.R)
	if err != nil {
		return err
	}
	s, err := parseWord("s", *wire.S)
	if err != nil {
		return err
	}
	sig, err := signature.FromParts(*wire.V, r, s)
	if err != nil {
		return err
	}

	p.ChannelID = id
	p.Sender = *wire.Sender
	p.Receiver = *wire.Receiver
	p.Price = price
	p.Value = value
	p.ChannelValue = channelValue
	p.Signature = sig
	p.Meta = wire.Meta
	p.Token = wire.Token
	p.TokenContract = wire.TokenContract
	if wire.CreatedAt != 0 {
		p.CreatedAt = time.UnixMilli(wire.CreatedAt).UTC()
	}
	return nil
}

func parseBig(name, raw string) (*big.Int, error) {
	value, ok := new(big.Int).SetString(raw, 10)
	if !ok {
		return nil, fmt.Errorf("payment field %q is not a decimal integer: %q", name, raw)
	}
	return value, nil
}

func parseWord(name, raw string) ([]byte, error) {
	trimmed := raw
	if len(trimmed) >= 2 && (trimmed[:2] == "0x" || trimmed[:2] == "0X") {
		trimmed = trimmed[2:]
	}
	out, err := hex.DecodeString(trimmed)
	if err != nil {
		return nil, fmt.Errorf("payment field %q is not valid hex: %w", name, err)
	}
	if len(out) != 32 {
		return nil, fmt.Errorf("payment field %q must be 32 bytes of hex, got %d", name, len(out))
	}
	return out, nil
}

// ContentHash derives the redemption token for an accepted payment: the
// keccak-256 hash of the wire form, hex encoded.
func (p *Payment) ContentHash() (string, error) {
	data, err := json.Marshal(p)
	if err != nil {
		return "", err
	}
	return fmt.Sprintf("%x", signature.Keccak256(data)), nil
}
