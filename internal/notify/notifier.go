// Package notify delivers domain events. Sinks implement domain.EventSink:
// Fanout copies each event to several sinks, BusSink publishes it on the
// signal bus for the websocket hub, and AlertSink turns selected events into
// operator messages sent through Telegram or Discord.
package notify

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/alanyoungcy/votemarket/internal/domain"
)

// Sender is one operator alert channel.
type Sender interface {
	Send(ctx context.Context, title, message string) error
	Name() string
}

// Fanout is an EventSink that forwards every event to each of its sinks in
// order.
type Fanout []domain.EventSink

// Emit implements domain.EventSink.
func (f Fanout) Emit(ctx context.Context, evt domain.Event) {
	for _, s := range f {
		s.Emit(ctx, evt)
	}
}

// AlertSink formats events as alerts and dispatches them to every sender.
// Only events whose name is in the allowed set are sent; an empty set
// allows everything.
type AlertSink struct {
	senders []Sender
	events  map[string]bool
	logger  *slog.Logger
}

// NewAlertSink creates an AlertSink.
func NewAlertSink(senders []Sender, events []string, logger *slog.Logger) *AlertSink {
	allowed := make(map[string]bool, len(events))
	for _, e := range events {
		if e = strings.TrimSpace(e); e != "" {
			allowed[e] = true
		}
	}
	return &AlertSink{
		senders: senders,
		events:  allowed,
		logger:  logger.With(slog.String("component", "alerts")),
	}
}

// Emit implements domain.EventSink. Sender failures are logged.
func (a *AlertSink) Emit(ctx context.Context, evt domain.Event) {
	if len(a.events) > 0 && !a.events[evt.Name] {
		return
	}
	title, message := FormatAlert(evt)
	if err := a.dispatch(ctx, title, message); err != nil {
		a.logger.WarnContext(ctx, "alert delivery incomplete",
			slog.String("event", evt.Name),
			slog.String("error", err.Error()),
		)
	}
}

// dispatch sends to every sender; one failure does not stop the rest.
func (a *AlertSink) dispatch(ctx context.Context, title, message string) error {
	var errs []error
	for _, s := range a.senders {
		if err := s.Send(ctx, title, message); err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", s.Name(), err))
			continue
		}
		a.logger.DebugContext(ctx, "alert sent",
			slog.String("sender", s.Name()),
			slog.String("title", title),
		)
	}
	return errors.Join(errs...)
}

// FormatAlert renders an event as an alert title and body.
func FormatAlert(evt domain.Event) (title, message string) {
	switch p := evt.Payload.(type) {
	case domain.MarketEnded:
		return "Market ended", fmt.Sprintf("Market %s resolved %s", p.MarketID, strings.ToUpper(string(p.Outcome)))
	case domain.VoteUpdated:
		return "Vote placed", fmt.Sprintf("Market %s: yes %d @ %.1f, no %d @ %.1f",
			p.MarketID, p.YesVotes, p.YesPrice, p.NoVotes, p.NoPrice)
	case domain.UserBalanceUpdated:
		return "Balance updated", fmt.Sprintf("User %s balance is now %.2f", p.UserID, p.NewBalance)
	default:
		return evt.Name, fmt.Sprintf("%v", evt.Payload)
	}
}

var (
	_ domain.EventSink = Fanout(nil)
	_ domain.EventSink = (*AlertSink)(nil)
)
