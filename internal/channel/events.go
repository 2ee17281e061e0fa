package channel

import "sync"

// EventKind identifies a lifecycle event.
type EventKind string

const (
	WillOpenChannel  EventKind = "willOpenChannel"
	DidOpenChannel   EventKind = "didOpenChannel"
	WillCloseChannel EventKind = "willCloseChannel"
	DidCloseChannel  EventKind = "didCloseChannel"
)

// Event is a channel lifecycle notification. TxHash is set on didCloseChannel
// with the final settlement or claim transaction.
type Event struct {
	Kind    EventKind
	Channel *PaymentChannel
	TxHash  string
}

// Notifier broadcasts lifecycle events synchronously, in emission order, to
// all registered listeners.
type Notifier struct {
	mu        sync.Mutex
	listeners []func(Event)
}

// NewNotifier creates an empty notifier.
func NewNotifier() *Notifier {
	return &Notifier{}
}

// Subscribe registers a listener. Listeners are invoked synchronously on the
// emitting goroutine.
func (n *Notifier) Subscribe(fn func(Event)) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.listeners = append(n.listeners, fn)
}

// Emit delivers an event to every listener in subscription order.
func (n *Notifier) Emit(ev Event) {
	n.mu.Lock()
	listeners := make([]func(Event), len(n.listeners))
	copy(listeners, n.listeners)
	n.mu.Unlock()

	for _, fn := range listeners {
		fn(ev)
	}
}
