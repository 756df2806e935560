package channels

import (
	"context"
	"sync"
)

// Outgoing is one message part the loopback adapter accepted.
type Outgoing struct {
	ExternalChatID string
	Text           string
}

// Loopback is the in-process "web" adapter. Web clients push inbound
// messages through the HTTP gateway and read replies from the run
// stream, so Send only records the delivery.
type Loopback struct {
	name string

	mu     sync.Mutex
	outbox []Outgoing
}

// NewLoopback returns a loopback adapter registered under name
// ("web" in the default wiring).
func NewLoopback(name string) *Loopback {
	return &Loopback{name: name}
}

func (l *Loopback) Name() string { return l.name }

// Start blocks until the context is canceled; the gateway is the
// actual inbound surface for web chats.
func (l *Loopback) Start(ctx context.Context) error {
	<-ctx.Done()
	return nil
}

func (l *Loopback) Send(_ context.Context, externalChatID, text string) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.outbox = append(l.outbox, Outgoing{ExternalChatID: externalChatID, Text: text})
	return nil
}

// Outbox returns a copy of everything sent so far.
func (l *Loopback) Outbox() []Outgoing {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make([]Outgoing, len(l.outbox))
	copy(out, l.outbox)
	return out
}
