package middleware

import (
	"context"
	"fmt"

	"github.com/courier-dev/courier/agent"
)

// Store is the backing storage for the cache middleware. The store
// owns TTL expiry and capacity eviction; implementations must be safe
// for concurrent readers and writers.
type Store interface {
	// Get returns the cached result for key, or false when absent or
	// expired. Implementations return a copy callers may mutate.
	Get(ctx context.Context, key string) (*agent.Result, bool)

	// Set stores a result under key with fresh creation/access times.
	Set(ctx context.Context, key string, res *agent.Result)

	// Sweep removes expired entries and reports how many were dropped.
	Sweep(ctx context.Context) int

	// Len reports the number of live entries.
	Len(ctx context.Context) int
}

// Cache short-circuits repeated dispatches of equivalent messages.
// Only successful results are cached; failures are always recomputed.
type Cache struct {
	store Store
}

// NewCache creates a cache middleware over the given store.
func NewCache(store Store) *Cache {
	return &Cache{store: store}
}

func (c *Cache) Name() string { return "cache" }

// Store exposes the backing store, for maintenance sweeps.
func (c *Cache) Store() Store { return c.store }

// Handle serves hits from the store without calling next, and records
// successful results on the way back out.
func (c *Cache) Handle(ctx context.Context, msg *agent.Message, next Handler) *agent.Result {
	if err := ctx.Err(); err != nil {
		return agent.Failure(agent.FailCanceled, "cache: %v", err)
	}

	key := Key(msg)
	if res, ok := c.store.Get(ctx, key); ok {
		return res.WithData("cache", "hit")
	}

	res := next(ctx, msg)
	if res != nil && res.Success {
		c.store.Set(ctx, key, res)
	}
	return res
}

// Key derives the cache key from the identity fields of a message.
// Fields are length-prefixed so distinct field combinations can never
// collide the way naive separator-joined strings do.
func Key(msg *agent.Message) string {
	return fmt.Sprintf("%d:%s|%d:%s|%d:%s|%d:%s",
		len(msg.Sender), msg.Sender,
		len(msg.Category), msg.Category,
		len(msg.Subject), msg.Subject,
		len(msg.Content), msg.Content)
}
