package relay

import (
	"context"
	"sync"
)

// ============================================================================
// HistoryCursor
// ============================================================================

// FetchOlderFunc fetches messages strictly older than beforeMillis, oldest
// first, at most limit rows.
type FetchOlderFunc func(ctx context.Context, beforeMillis int64, limit int) ([]Message, error)

// HistoryCursor drives backward history loading for one conversation without
// re-fetching or duplicating rows.
type HistoryCursor struct {
	mu       sync.Mutex
	store    *MessageStore
	pageSize int
	hasMore  bool
	inFlight bool
}

// NewHistoryCursor creates a cursor feeding store, paging by pageSize.
func NewHistoryCursor(store *MessageStore, pageSize int) *HistoryCursor {
	return &HistoryCursor{store: store, pageSize: pageSize}
}

// Initialize records the size of the first fetched page. A full page implies
// possibly more history; a short page implies end-of-history. This is a
// deliberate approximation, not an exact count.
func (c *HistoryCursor) Initialize(returnedCount int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.hasMore = returnedCount == c.pageSize
}

// HasMore reports whether older history is believed to exist.
func (c *HistoryCursor) HasMore() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.hasMore
}

// PageSize returns the configured page size.
func (c *HistoryCursor) PageSize() int {
	return c.pageSize
}

// LoadOlder fetches the next page of strictly-older messages and merges it
// into the store, returning the number of rows appended. A call while a load
// is already in flight is suppressed and returns 0; double pagination is a
// known bug class. A fetch failure surfaces as KindFetchFailed and leaves
// HasMore unchanged, so calling again retries.
func (c *HistoryCursor) LoadOlder(ctx context.Context, fetch FetchOlderFunc) (int, error) {
	c.mu.Lock()
	if c.inFlight || !c.hasMore {
		c.mu.Unlock()
		return 0, nil
	}
	c.inFlight = true
	before := c.store.OldestCreatedAt()
	c.mu.Unlock()

	older, err := fetch(ctx, before, c.pageSize)

	c.mu.Lock()
	defer c.mu.Unlock()
	c.inFlight = false

	if err != nil {
		return 0, newError(KindFetchFailed, "cursor.loadOlder", err)
	}

	c.store.PrependOlder(older)
	c.hasMore = len(older) == c.pageSize
	return len(older), nil
}
