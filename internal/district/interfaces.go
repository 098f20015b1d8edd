package district

import (
	"context"
	"io"
	"time"
)

// Store persists districts keyed by slug.
type Store interface {
	// Upsert replaces the whole document for d.Slug, inserting it when absent.
	Upsert(ctx context.Context, d District) error
	// List returns every district without its series, ordered by slug.
	List(ctx context.Context) ([]District, error)
	// Get returns the full document or ErrNotFound.
	Get(ctx context.Context, slug string) (District, error)
	// Count returns the number of stored districts.
	Count(ctx context.Context) (int64, error)
}

// Collector retrieves raw upstream records for one sync run.
type Collector interface {
	Collect(ctx context.Context) ([]RawRecord, error)
}

// BlobStore writes raw artifacts and returns a URI.
type BlobStore interface {
	PutObject(ctx context.Context, path string, contentType string, data io.Reader) (string, error)
}

// Publisher pushes sync notifications to Pub/Sub (or similar).
type Publisher interface {
	Publish(ctx context.Context, topic string, payload any) (string, error)
}

// Locker guards sync runs across processes. TryLock returns
// ErrSyncInProgress when another holder owns the lock.
type Locker interface {
	TryLock(ctx context.Context, ttl time.Duration) (unlock func(context.Context) error, err error)
}

// Clock abstracts time for deterministic tests.
type Clock interface {
	Now() time.Time
}

// IDGenerator issues run and request identifiers.
type IDGenerator interface {
	NewID() (string, error)
}
