package notify

import (
	"context"
	"encoding/json"
	"log/slog"

	"github.com/alanyoungcy/votemarket/internal/domain"
)

// MarketChannel is the signal bus channel carrying market events.
const MarketChannel = "ch:market"

// BusSink publishes events as JSON on a signal bus channel.
type BusSink struct {
	bus     domain.SignalBus
	channel string
	logger  *slog.Logger
}

// NewBusSink creates a BusSink. An empty channel selects MarketChannel.
func NewBusSink(bus domain.SignalBus, channel string, logger *slog.Logger) *BusSink {
	if channel == "" {
		channel = MarketChannel
	}
	return &BusSink{bus: bus, channel: channel, logger: logger}
}

// Emit implements domain.EventSink.
func (b *BusSink) Emit(ctx context.Context, evt domain.Event) {
	data, err := json.Marshal(evt)
	if err != nil {
		b.logger.ErrorContext(ctx, "marshal event failed",
			slog.String("event", evt.Name),
			slog.String("error", err.Error()),
		)
		return
	}
	if err := b.bus.Publish(ctx, b.channel, data); err != nil {
		b.logger.WarnContext(ctx, "publish event failed",
			slog.String("event", evt.Name),
			slog.String("channel", b.channel),
			slog.String("error", err.Error()),
		)
	}
}

var _ domain.EventSink = (*BusSink)(nil)
