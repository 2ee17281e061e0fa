package manager

import "errors"

// Business-rule outcomes callers branch on. Matched with errors.Is, never by
// message text.
var (
	// ErrChannelNotFound reports a channel unknown both locally and on-chain,
	// or one the local account is not a party to.
	ErrChannelNotFound = errors.New("channel not found")

	// ErrChannelAlreadySettled reports a close requested on a Settled channel.
	ErrChannelAlreadySettled = errors.New("channel already settled")

	// ErrInsufficientChannelValue reports a spend exceeding the channel's
	// remaining capacity.
	ErrInsufficientChannelValue = errors.New("insufficient channel value")

	// ErrPaymentNotValid reports an inbound payment rejected by the
	// validation pipeline.
	ErrPaymentNotValid = errors.New("payment is not valid")
)
