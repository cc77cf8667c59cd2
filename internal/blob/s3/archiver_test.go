package s3blob

import (
	"bytes"
	"context"
	"io"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/alanyoungcy/votemarket/internal/domain"
)

type memBlobs struct {
	mu      sync.Mutex
	objects map[string][]byte
	types   map[string]string
}

func newMemBlobs() *memBlobs {
	return &memBlobs{objects: map[string][]byte{}, types: map[string]string{}}
}

func (m *memBlobs) Put(_ context.Context, path string, data io.Reader, contentType string) error {
	b, err := io.ReadAll(data)
	if err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.objects[path] = b
	m.types[path] = contentType
	return nil
}

func (m *memBlobs) Get(_ context.Context, path string) (io.ReadCloser, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	b, ok := m.objects[path]
	if !ok {
		return nil, domain.ErrNotFound
	}
	return io.NopCloser(bytes.NewReader(b)), nil
}

func TestArchiverRoundTrip(t *testing.T) {
	blobs := newMemBlobs()
	a := NewArchiver(blobs, blobs, "")
	ctx := context.Background()

	at := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	outcome := domain.SideYes
	win := true
	archive := domain.MarketArchive{
		Market: domain.Market{
			ID: "m1", Question: "Will it rain?", Status: domain.MarketStatusEnded,
			Outcome: &outcome, YesVotes: 3, NoVotes: 1, YesPrice: 8, NoPrice: 4,
		},
		Exposures: []domain.Exposure{
			{ID: "s1", UserID: "u1", MarketID: "m1", Side: domain.SideYes, Quantity: 3, IsWinner: &win, Processed: true},
		},
		PriceHistory: []domain.PriceSample{{ID: "p1", MarketID: "m1", YesPrice: 8, NoPrice: 4, Timestamp: at}},
		ArchivedAt:   at,
	}

	require.NoError(t, a.ArchiveMarket(ctx, archive))
	assert.Equal(t, "application/json", blobs.types["archive/markets/m1.json"])

	got, err := a.GetArchive(ctx, "m1")
	require.NoError(t, err)
	assert.Equal(t, archive.Market.ID, got.Market.ID)
	require.NotNil(t, got.Market.Outcome)
	assert.Equal(t, domain.SideYes, *got.Market.Outcome)
	require.Len(t, got.Exposures, 1)
	assert.True(t, *got.Exposures[0].IsWinner)
	assert.True(t, got.ArchivedAt.Equal(at))
}

func TestArchiverMissing(t *testing.T) {
	blobs := newMemBlobs()
	a := NewArchiver(blobs, blobs, "custom/")
	assert.Equal(t, "custom/m9.json", a.Path("m9"))

	_, err := a.GetArchive(context.Background(), "m9")
	assert.ErrorIs(t, err, domain.ErrNotFound)
}

func TestNormaliseEndpoint(t *testing.T) {
	assert.Equal(t, "https://e2.example.com", normaliseEndpoint("e2.example.com", true))
	assert.Equal(t, "http://e2.example.com", normaliseEndpoint("e2.example.com", false))
	assert.Equal(t, "http://already", normaliseEndpoint("http://already", true))
}
