package channel

import (
	"math/big"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestNewIDIsParsable(t *testing.T) {
	id := NewID()
	parsed, err := ParseID(id.String())
	require.NoError(t, err)
	require.Equal(t, id, parsed)

	raw, err := id.Bytes()
	require.NoError(t, err)
	require.Len(t, raw, 16)
}

func TestParseIDRejectsWrongLength(t *testing.T) {
	_, err := ParseID("0xdeadbeef")
	require.Error(t, err)

	_, err = ParseID("zzzz")
	require.Error(t, err)
}

func TestCanSpend(t *testing.T) {
	ch := New("0xaa", "0xbb", NewID(), big.NewInt(100), "")
	ch.Spent = big.NewInt(30)

	require.True(t, ch.CanSpend(big.NewInt(70)))
	require.False(t, ch.CanSpend(big.NewInt(71)))
	require.Equal(t, big.NewInt(70), ch.Remaining())
}

func TestUsable(t *testing.T) {
	ch := New("0xaa", "0xbb", NewID(), big.NewInt(100), "")
	require.True(t, ch.Usable(big.NewInt(100)))

	ch.State = Settling
	require.False(t, ch.Usable(big.NewInt(1)))
}

func TestNotifierDeliversInOrder(t *testing.T) {
	n := NewNotifier()

	var got []EventKind
	n.Subscribe(func(ev Event) {
		got = append(got, ev.Kind)
	})
	n.Subscribe(func(ev Event) {
		got = append(got, ev.Kind)
	})

	n.Emit(Event{Kind: WillOpenChannel})
	n.Emit(Event{Kind: DidOpenChannel})

	require.Equal(t, []EventKind{WillOpenChannel, WillOpenChannel, DidOpenChannel, DidOpenChannel}, got)
}
