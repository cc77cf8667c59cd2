package notify

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/alanyoungcy/votemarket/internal/domain"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

type recordingSender struct {
	mu     sync.Mutex
	titles []string
	fail   bool
}

func (r *recordingSender) Send(_ context.Context, title, _ string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.titles = append(r.titles, title)
	if r.fail {
		return errors.New("boom")
	}
	return nil
}

func (r *recordingSender) Name() string { return "rec" }

type sliceSink struct{ got []domain.Event }

func (s *sliceSink) Emit(_ context.Context, evt domain.Event) { s.got = append(s.got, evt) }

func TestAlertSinkFiltersEvents(t *testing.T) {
	rec := &recordingSender{}
	sink := NewAlertSink([]Sender{rec}, []string{domain.EventMarketEnded}, discardLogger())
	ctx := context.Background()

	sink.Emit(ctx, domain.Event{Name: domain.EventVoteUpdated, Payload: domain.VoteUpdated{MarketID: "m1"}})
	sink.Emit(ctx, domain.Event{Name: domain.EventMarketEnded, Payload: domain.MarketEnded{MarketID: "m1", Outcome: domain.SideNo}})

	assert.Equal(t, []string{"Market ended"}, rec.titles)
}

func TestAlertSinkContinuesAfterSenderFailure(t *testing.T) {
	bad := &recordingSender{fail: true}
	good := &recordingSender{}
	sink := NewAlertSink([]Sender{bad, good}, nil, discardLogger())

	sink.Emit(context.Background(), domain.Event{Name: domain.EventMarketEnded, Payload: domain.MarketEnded{MarketID: "m1", Outcome: domain.SideYes}})

	assert.Len(t, bad.titles, 1)
	assert.Len(t, good.titles, 1)
}

func TestFormatAlert(t *testing.T) {
	title, msg := FormatAlert(domain.Event{Name: domain.EventMarketEnded, Payload: domain.MarketEnded{MarketID: "m7", Outcome: domain.SideYes}})
	assert.Equal(t, "Market ended", title)
	assert.Equal(t, "Market m7 resolved YES", msg)

	_, msg = FormatAlert(domain.Event{Name: domain.EventUserBalanceUpdated, Payload: domain.UserBalanceUpdated{UserID: "u1", NewBalance: 5.6}})
	assert.Equal(t, "User u1 balance is now 5.60", msg)
}

func TestFanout(t *testing.T) {
	a, b := &sliceSink{}, &sliceSink{}
	Fanout{a, b}.Emit(context.Background(), domain.Event{Name: domain.EventBalanceUpdated})
	assert.Len(t, a.got, 1)
	assert.Len(t, b.got, 1)
}

func TestBusSinkPublishesJSON(t *testing.T) {
	bus := NewLocalBus()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sub, err := bus.Subscribe(ctx, MarketChannel)
	require.NoError(t, err)

	NewBusSink(bus, "", discardLogger()).Emit(ctx, domain.Event{
		Name:    domain.EventVoteUpdated,
		Payload: domain.VoteUpdated{MarketID: "m1", YesVotes: 3, NoVotes: 1, YesPrice: 8, NoPrice: 4},
	})

	select {
	case raw := <-sub:
		var got struct {
			Type    string             `json:"type"`
			Payload domain.VoteUpdated `json:"payload"`
		}
		require.NoError(t, json.Unmarshal(raw, &got))
		assert.Equal(t, "voteUpdated", got.Type)
		assert.Equal(t, int64(3), got.Payload.YesVotes)
		assert.Equal(t, 8.0, got.Payload.YesPrice)
	case <-time.After(time.Second):
		t.Fatal("no message published")
	}
}

func TestLocalBusClosesOnCancel(t *testing.T) {
	bus := NewLocalBus()
	ctx, cancel := context.WithCancel(context.Background())
	sub, err := bus.Subscribe(ctx, "c")
	require.NoError(t, err)
	cancel()

	select {
	case _, ok := <-sub:
		assert.False(t, ok)
	case <-time.After(time.Second):
		t.Fatal("subscription not closed")
	}
}

func TestTelegramSender(t *testing.T) {
	var gotPath string
	var gotBody map[string]string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.Path
		_ = json.NewDecoder(r.Body).Decode(&gotBody)
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	s := NewTelegramSender("tok", "42", srv.URL)
	require.NoError(t, s.Send(context.Background(), "Title", "body"))
	assert.Equal(t, "/bottok/sendMessage", gotPath)
	assert.Equal(t, "42", gotBody["chat_id"])
	assert.Equal(t, "*Title*\nbody", gotBody["text"])
}

func TestDiscordSenderRejectsErrorStatus(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		http.Error(w, "nope", http.StatusBadRequest)
	}))
	defer srv.Close()

	err := NewDiscordSender(srv.URL).Send(context.Background(), "t", "m")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unexpected status 400")
}
