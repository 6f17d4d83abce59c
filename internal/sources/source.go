package sources

import (
	"context"
	"errors"
	"time"

	"eom-relay/internal/api"
)

// ErrTransport marks fetch failures where the feed could not be reached at
// all. Other fetch errors (bad status, undecodable body) are not transport
// failures.
var ErrTransport = errors.New("feed transport failure")

// Source defines the interface a content feed must implement
type Source interface {
	// Name returns the unique identifier for this source
	Name() string

	// FetchSince returns up to limit posts published after since, in the
	// order the feed provides them.
	FetchSince(ctx context.Context, since time.Time, limit int) ([]api.Post, error)

	// FetchRecent returns the newest posts regardless of any watermark.
	// Only diagnostics use it.
	FetchRecent(ctx context.Context, limit int) ([]api.Post, error)

	// ClassifyAccess reports whether a post is open or behind a paywall.
	ClassifyAccess(post api.Post) api.Access

	// HealthCheck verifies the feed is reachable.
	HealthCheck(ctx context.Context) error
}
