package s3blob

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"

	"github.com/alanyoungcy/votemarket/internal/domain"
)

// DefaultArchivePrefix is the key prefix for market archives.
const DefaultArchivePrefix = "archive/markets/"

// Archiver implements domain.Archiver by writing one JSON document per
// purged market. It works over any BlobWriter/BlobReader pair so the S3
// types above are only one possible backend.
type Archiver struct {
	writer domain.BlobWriter
	reader domain.BlobReader
	prefix string
}

// NewArchiver creates an Archiver. An empty prefix selects
// DefaultArchivePrefix.
func NewArchiver(writer domain.BlobWriter, reader domain.BlobReader, prefix string) *Archiver {
	if prefix == "" {
		prefix = DefaultArchivePrefix
	}
	return &Archiver{writer: writer, reader: reader, prefix: prefix}
}

// Path returns the object key of a market's archive.
func (a *Archiver) Path(marketID string) string {
	return a.prefix + marketID + ".json"
}

// ArchiveMarket uploads the archive, overwriting any earlier copy.
func (a *Archiver) ArchiveMarket(ctx context.Context, archive domain.MarketArchive) error {
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	if err := enc.Encode(archive); err != nil {
		return fmt.Errorf("s3blob: marshal archive %s: %w", archive.Market.ID, err)
	}

	path := a.Path(archive.Market.ID)
	if err := a.writer.Put(ctx, path, &buf, "application/json"); err != nil {
		return fmt.Errorf("s3blob: archive market %s: %w", archive.Market.ID, err)
	}
	return nil
}

// GetArchive downloads a market's archive. A missing archive yields
// domain.ErrNotFound.
func (a *Archiver) GetArchive(ctx context.Context, marketID string) (domain.MarketArchive, error) {
	body, err := a.reader.Get(ctx, a.Path(marketID))
	if err != nil {
		return domain.MarketArchive{}, err
	}
	defer body.Close()

	var archive domain.MarketArchive
	if err := json.NewDecoder(body).Decode(&archive); err != nil {
		return domain.MarketArchive{}, fmt.Errorf("s3blob: decode archive %s: %w", marketID, err)
	}
	return archive, nil
}

var _ domain.Archiver = (*Archiver)(nil)
