package domain

import (
	"context"
	"io"
)

// BlobWriter uploads data to object storage.
type BlobWriter interface {
	Put(ctx context.Context, path string, data io.Reader, contentType string) error
}

// Archiver exports closed positions to cold storage for audit.
type Archiver interface {
	// ArchiveClosedPositions uploads every closed position with its ledger
	// and returns the number of positions archived.
	ArchiveClosedPositions(ctx context.Context) (int64, error)
}
