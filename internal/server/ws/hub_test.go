package ws

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/alanyoungcy/votemarket/internal/domain"
	"github.com/alanyoungcy/votemarket/internal/metrics"
	"github.com/alanyoungcy/votemarket/internal/notify"
	"github.com/alanyoungcy/votemarket/internal/server/middleware"
)

type frame struct {
	Type    string          `json:"type"`
	Payload json.RawMessage `json:"payload"`
}

func startHub(t *testing.T) (*notify.LocalBus, *httptest.Server, *metrics.Metrics) {
	t.Helper()
	bus := notify.NewLocalBus()
	m := metrics.New(prometheus.NewRegistry())
	hub := NewHub(bus, []string{notify.MarketChannel}, m, slog.New(slog.NewTextHandler(io.Discard, nil)))

	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	go hub.Run(ctx)

	srv := httptest.NewServer(middleware.Identity()(http.HandlerFunc(hub.HandleWS)))
	t.Cleanup(srv.Close)
	return bus, srv, m
}

func dial(t *testing.T, srv *httptest.Server, userID string) *websocket.Conn {
	t.Helper()
	url := "ws" + strings.TrimPrefix(srv.URL, "http")
	hdr := http.Header{}
	hdr.Set(middleware.UserHeader, userID)
	conn, _, err := websocket.DefaultDialer.Dial(url, hdr)
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })

	hello := read(t, conn)
	require.Equal(t, "connected", hello.Type)
	return conn
}

func read(t *testing.T, conn *websocket.Conn) frame {
	t.Helper()
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(5*time.Second)))
	kind, data, err := conn.ReadMessage()
	require.NoError(t, err)
	require.Equal(t, websocket.TextMessage, kind)
	var f frame
	require.NoError(t, json.Unmarshal(data, &f))
	return f
}

func publish(t *testing.T, bus *notify.LocalBus, evt domain.Event) {
	t.Helper()
	data, err := json.Marshal(evt)
	require.NoError(t, err)
	require.NoError(t, bus.Publish(context.Background(), notify.MarketChannel, data))
}

func TestHubRoutesUserEventsToOwner(t *testing.T) {
	bus, srv, m := startHub(t)
	alice := dial(t, srv, "alice")
	bob := dial(t, srv, "bob")

	assert.Eventually(t, func() bool {
		return testutil.ToFloat64(m.WSClients) == 2
	}, 2*time.Second, 10*time.Millisecond)

	publish(t, bus, domain.Event{
		Name:    domain.EventUserBalanceUpdated,
		Payload: domain.UserBalanceUpdated{UserID: "alice", NewBalance: 26},
	})
	publish(t, bus, domain.Event{
		Name:    domain.EventVoteUpdated,
		Payload: domain.VoteUpdated{MarketID: "m1", YesVotes: 2},
	})

	assert.Equal(t, domain.EventUserBalanceUpdated, read(t, alice).Type)
	assert.Equal(t, domain.EventVoteUpdated, read(t, alice).Type)

	// bob never sees alice's balance.
	assert.Equal(t, domain.EventVoteUpdated, read(t, bob).Type)
}

func TestHubBroadcastsUnscopedEvents(t *testing.T) {
	bus, srv, _ := startHub(t)
	conn := dial(t, srv, "")

	publish(t, bus, domain.Event{Name: domain.EventBalanceUpdated, Payload: struct{}{}})

	f := read(t, conn)
	assert.Equal(t, domain.EventBalanceUpdated, f.Type)
}

func TestClientMarketFilter(t *testing.T) {
	c := &client{markets: map[string]bool{}, userID: "u1"}

	var env envelope
	env.Payload.MarketID = "m1"
	assert.True(t, c.wants(env))

	c.handleSubscription(subscribeMsg{Action: "subscribe", Markets: []string{"m2"}})
	assert.False(t, c.wants(env))

	env.Payload.MarketID = "m2"
	assert.True(t, c.wants(env))

	c.handleSubscription(subscribeMsg{Action: "unsubscribe", Markets: []string{"m2"}})
	env.Payload.MarketID = "m1"
	assert.True(t, c.wants(env))

	env.Payload.UserID = "u2"
	assert.False(t, c.wants(env))
}
