package monitor

import (
	"context"
	"fmt"
	"log/slog"

	"go.uber.org/multierr"
)

// Notifier fans an alert out to every active subscriber. Each recipient is
// attempted independently and failures are not retried.
type Notifier struct {
	subscribers SubscriberSource
	sender      Sender
	logger      *slog.Logger
}

func NewNotifier(subscribers SubscriberSource, sender Sender) *Notifier {
	return &Notifier{
		subscribers: subscribers,
		sender:      sender,
		logger:      slog.Default(),
	}
}

// NotifyAll returns the combined delivery errors for the caller's
// information; a failed recipient never stops delivery to the rest.
func (n *Notifier) NotifyAll(ctx context.Context, text string) error {
	chatIDs, err := n.subscribers.Subscribers(ctx)
	if err != nil {
		n.logger.Error("failed to load subscribers", "error", err)
		return fmt.Errorf("load subscribers: %w", err)
	}

	var errs error
	delivered := 0
	for _, chatID := range chatIDs {
		if err := n.sender.SendHTML(ctx, chatID, text); err != nil {
			n.logger.Warn("failed to deliver notification", "chat_id", chatID, "error", err)
			errs = multierr.Append(errs, fmt.Errorf("chat %d: %w", chatID, err))
			continue
		}
		delivered++
	}
	n.logger.Debug("notification fan-out finished", "recipients", len(chatIDs), "delivered", delivered)
	return errs
}
