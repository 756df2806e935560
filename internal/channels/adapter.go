// Package channels bridges messaging platforms and the agent core.
// Adapters own the platform protocol; the hub owns identity mapping,
// reply policy, and outbound message storage.
package channels

import (
	"context"
)

// Adapter is a messaging platform integration. Start blocks until the
// context is canceled or a fatal transport error occurs.
type Adapter interface {
	// Name returns the unique channel name (e.g. "telegram").
	Name() string

	// Start begins listening for inbound messages.
	Start(ctx context.Context) error

	// Send pushes one message part to the platform chat.
	Send(ctx context.Context, externalChatID, text string) error
}

// Limiter lets an adapter override the default per-message length
// limit for its platform.
type Limiter interface {
	MessageLimit() int
}

const defaultMessageLimit = 4000

// messageLimits holds the per-platform message length caps for the
// channels the core knows about. Adapters for other platforms supply
// theirs via Limiter.
var messageLimits = map[string]int{
	"telegram": 4096,
	"discord":  2000,
	"slack":    4000,
	"feishu":   4000,
	"irc":      380,
}

func limitFor(a Adapter, channel string) int {
	if l, ok := a.(Limiter); ok && a != nil {
		if n := l.MessageLimit(); n > 0 {
			return n
		}
	}
	if n, ok := messageLimits[channel]; ok {
		return n
	}
	return defaultMessageLimit
}
