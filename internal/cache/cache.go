package cache

import (
	"context"
	"time"

	"github.com/billoapp/tabz/internal/domain"
)

// VenueCache is an advisory read-through cache for venue configuration.
// The store stays authoritative; entries are invalidated whenever hours
// change.
type VenueCache interface {
	Get(ctx context.Context, venueID string) (*domain.Venue, bool, error)
	Set(ctx context.Context, venue *domain.Venue, ttl time.Duration) error
	Invalidate(ctx context.Context, venueID string) error
}

type NoopVenueCache struct{}

func (NoopVenueCache) Get(_ context.Context, _ string) (*domain.Venue, bool, error) {
	return nil, false, nil
}

func (NoopVenueCache) Set(_ context.Context, _ *domain.Venue, _ time.Duration) error {
	return nil
}

func (NoopVenueCache) Invalidate(_ context.Context, _ string) error {
	return nil
}
