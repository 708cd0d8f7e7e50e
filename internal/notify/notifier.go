// Package notify forwards selected ledger events to operator chat channels
// (Telegram, Discord). The node runs one Notifier on its event feed so that
// liquidations and failed computations reach a human.
package notify

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"github.com/alanyoungcy/shootperps/internal/domain"
)

// Sender is the interface that each notification channel must implement.
type Sender interface {
	// Send delivers a notification with the given title and message body.
	Send(ctx context.Context, title, message string) error
	// Name returns a human-readable identifier for the sender (e.g. "telegram").
	Name() string
}

// EventFeed is the ledger's live event subscription.
type EventFeed interface {
	Subscribe() (<-chan domain.Event, func())
}

// Notifier dispatches event alerts to one or more Senders.
type Notifier struct {
	senders []Sender
	events  map[domain.EventType]bool // allowed event types
	logger  *slog.Logger
}

// NewNotifier creates a Notifier that delivers to senders. Only event types
// listed in events are forwarded; an empty list forwards every type.
func NewNotifier(senders []Sender, events []string, logger *slog.Logger) *Notifier {
	allowed := make(map[domain.EventType]bool, len(events))
	for _, e := range events {
		if e = strings.TrimSpace(e); e != "" {
			allowed[domain.EventType(e)] = true
		}
	}
	return &Notifier{
		senders: senders,
		events:  allowed,
		logger:  logger.With(slog.String("component", "notifier")),
	}
}

// Wants reports whether events of type t are forwarded.
func (n *Notifier) Wants(t domain.EventType) bool {
	return len(n.events) == 0 || n.events[t]
}

// Run forwards matching events from feed until ctx is cancelled or the feed
// closes. Delivery failures are logged and do not stop the loop.
func (n *Notifier) Run(ctx context.Context, feed EventFeed) error {
	events, cancel := feed.Subscribe()
	defer cancel()
	n.logger.InfoContext(ctx, "notifier started", slog.Int("senders", len(n.senders)))
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case e, ok := <-events:
			if !ok {
				return nil
			}
			if !n.Wants(e.Type) {
				continue
			}
			title, message := Describe(e)
			_ = n.Notify(ctx, title, message)
		}
	}
}

// Notify sends one message to every sender. A failing sender does not
// prevent delivery to the rest; failures are combined into the error.
func (n *Notifier) Notify(ctx context.Context, title, message string) error {
	var errs []string
	for _, s := range n.senders {
		if err := s.Send(ctx, title, message); err != nil {
			n.logger.ErrorContext(ctx, "sender failed",
				slog.String("sender", s.Name()),
				slog.String("error", err.Error()),
			)
			errs = append(errs, fmt.Sprintf("%s: %v", s.Name(), err))
			continue
		}
		n.logger.DebugContext(ctx, "notification sent",
			slog.String("sender", s.Name()),
			slog.String("title", title),
		)
	}
	if len(errs) > 0 {
		return fmt.Errorf("notify: %d sender(s) failed: %s", len(errs), strings.Join(errs, "; "))
	}
	return nil
}

// Describe renders an event as an alert title and body. Amounts are in the
// base units the ledger revealed.
func Describe(e domain.Event) (title, message string) {
	var b strings.Builder
	line := func(k, v string) { fmt.Fprintf(&b, "%s: %s\n", k, v) }

	line("seq", fmt.Sprint(e.Seq))
	if e.Offset != 0 {
		line("offset", fmt.Sprint(e.Offset))
	}
	if !e.Position.IsZero() {
		line("position", e.Position.String())
	}
	if !e.Owner.IsZero() {
		line("owner", e.Owner.String())
	}

	switch e.Type {
	case domain.EventPositionLiquidated:
		title = "Position liquidated"
		line("reward", fmt.Sprint(e.RewardAmount))
		line("owner_amount", fmt.Sprint(e.OwnerAmount))
		line("fee", fmt.Sprint(e.FeeAmount))
	case domain.EventComputationFailed:
		title = "Computation failed"
		if e.Kind != domain.KindUnknown {
			line("kind", e.Kind.String())
		}
		line("status", e.Status.String())
		if e.Reason != "" {
			line("reason", e.Reason)
		}
	case domain.EventPositionClosed:
		title = "Position closed"
		line("transfer", fmt.Sprint(e.TransferAmount))
		line("fee", fmt.Sprint(e.FeeAmount))
	default:
		title = "Ledger event " + string(e.Type)
	}
	return title, strings.TrimRight(b.String(), "\n")
}
