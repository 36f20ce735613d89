package client

import (
	"context"
	"time"

	gocache "github.com/patrickmn/go-cache"

	"github.com/pesio-ai/be-disbursement-flows/internal/repository"
)

// UserSource resolves users from the system of record.
type UserSource interface {
	GetByID(ctx context.Context, id string) (*repository.User, error)
}

// CachedUserDirectory fronts a UserSource with a TTL cache. Only successful lookups are
// cached, so a user created after a miss is visible on the next call.
type CachedUserDirectory struct {
	source UserSource
	cache  *gocache.Cache
}

// NewCachedUserDirectory caches users for ttl.
func NewCachedUserDirectory(source UserSource, ttl time.Duration) *CachedUserDirectory {
	return &CachedUserDirectory{
		source: source,
		cache:  gocache.New(ttl, 2*ttl),
	}
}

// GetByID returns a copy of the cached user or loads it from the source.
func (d *CachedUserDirectory) GetByID(ctx context.Context, id string) (*repository.User, error) {
	if cached, found := d.cache.Get(id); found {
		u := cached.(repository.User)
		return &u, nil
	}

	u, err := d.source.GetByID(ctx, id)
	if err != nil {
		return nil, err
	}
	d.cache.SetDefault(id, *u)
	out := *u
	return &out, nil
}

// Invalidate drops a cached user, e.g. after a role change.
func (d *CachedUserDirectory) Invalidate(id string) {
	d.cache.Delete(id)
}
