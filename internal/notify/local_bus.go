package notify

import (
	"context"
	"sync"

	"github.com/alanyoungcy/votemarket/internal/domain"
)

const localBusBuffer = 128

// LocalBus is an in-process domain.SignalBus for running without Redis.
// Exact channel names only; slow subscribers drop messages.
type LocalBus struct {
	mu   sync.RWMutex
	subs map[string]map[chan []byte]struct{}
}

// NewLocalBus creates an empty LocalBus.
func NewLocalBus() *LocalBus {
	return &LocalBus{subs: make(map[string]map[chan []byte]struct{})}
}

// Publish delivers payload to every current subscriber of channel.
func (l *LocalBus) Publish(_ context.Context, channel string, payload []byte) error {
	l.mu.RLock()
	defer l.mu.RUnlock()
	for ch := range l.subs[channel] {
		select {
		case ch <- payload:
		default:
		}
	}
	return nil
}

// Subscribe registers a subscriber that lives until ctx is cancelled.
func (l *LocalBus) Subscribe(ctx context.Context, channel string) (<-chan []byte, error) {
	ch := make(chan []byte, localBusBuffer)

	l.mu.Lock()
	if l.subs[channel] == nil {
		l.subs[channel] = make(map[chan []byte]struct{})
	}
	l.subs[channel][ch] = struct{}{}
	l.mu.Unlock()

	go func() {
		<-ctx.Done()
		l.mu.Lock()
		delete(l.subs[channel], ch)
		l.mu.Unlock()
		close(ch)
	}()
	return ch, nil
}

var _ domain.SignalBus = (*LocalBus)(nil)
