package domain

import (
	"context"
	"io"
	"time"
)

// MarketArchive is the full record of a market captured right before it is
// purged.
type MarketArchive struct {
	Market       Market        `json:"market"`
	Exposures    []Exposure    `json:"exposures"`
	PriceHistory []PriceSample `json:"price_history"`
	ArchivedAt   time.Time     `json:"archived_at"`
}

// Archiver moves purged markets to cold storage.
type Archiver interface {
	ArchiveMarket(ctx context.Context, archive MarketArchive) error
	GetArchive(ctx context.Context, marketID string) (MarketArchive, error)
}

// BlobWriter stores objects.
type BlobWriter interface {
	Put(ctx context.Context, path string, data io.Reader, contentType string) error
}

// BlobReader retrieves objects. Get returns ErrNotFound for a missing path.
type BlobReader interface {
	Get(ctx context.Context, path string) (io.ReadCloser, error)
}
