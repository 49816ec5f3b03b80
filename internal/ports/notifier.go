package ports

import "context"

// Notifier publishes lifecycle events to an operator channel.
// Implementations are best-effort: the engine logs failures and never
// propagates them to callers.
type Notifier interface {
	// Notify sends a plain-text message to the given channel.
	Notify(ctx context.Context, channel, text string) error
}
