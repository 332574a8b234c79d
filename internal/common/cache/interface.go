package cache

import (
	"context"
	"time"
)

// Cache defines the unified interface for the Redis operations this service
// relies on: plain key-value state, the job list and result pub/sub.
// The abstraction keeps business logic testable against miniredis-backed
// implementations.
type Cache interface {
	BasicOps
	ListOps
	PubSubOps

	// Ping verifies the cache connection is alive
	Ping(ctx context.Context) error

	// Close closes the cache connection
	Close() error
}

// BasicOps defines basic key-value operations
type BasicOps interface {
	// Get retrieves the value for the given key.
	// A missing key yields "" with a nil error.
	Get(ctx context.Context, key string) (string, error)

	// Set stores a key-value pair with optional TTL
	// If ttl is 0, the key will not expire
	Set(ctx context.Context, key string, value interface{}, ttl time.Duration) error

	// SetNX sets the value only if the key does not exist (atomic operation)
	// Returns true if the key was set, false if it already existed
	SetNX(ctx context.Context, key string, value interface{}, ttl time.Duration) (bool, error)

	// Del deletes one or more keys
	Del(ctx context.Context, keys ...string) error

	// Exists checks if one or more keys exist
	// Returns the number of keys that exist
	Exists(ctx context.Context, keys ...string) (int64, error)

	// Expire sets a timeout on a key
	Expire(ctx context.Context, key string, ttl time.Duration) error

	// TTL returns the remaining time to live of a key
	TTL(ctx context.Context, key string) (time.Duration, error)

	// Incr increments the integer value of a key by 1
	Incr(ctx context.Context, key string) (int64, error)
}

// ListOps defines the list operations backing the FIFO job queue
type ListOps interface {
	// LPush prepends one or more values to a list
	LPush(ctx context.Context, key string, values ...interface{}) error

	// BRPop pops the tail of the list, blocking up to timeout.
	// An elapsed timeout yields "" with a nil error so pollers can
	// interleave shutdown checks instead of blocking forever.
	BRPop(ctx context.Context, timeout time.Duration, key string) (string, error)

	// LPop removes and returns the head of a list without blocking
	LPop(ctx context.Context, key string) (string, error)

	// LRange returns elements from a list by index range
	LRange(ctx context.Context, key string, start, stop int64) ([]string, error)

	// LLen returns the length of a list
	LLen(ctx context.Context, key string) (int64, error)
}

// PubSubOps defines the publish/subscribe operations backing result events
type PubSubOps interface {
	// Publish sends a payload to every subscriber of the channel
	Publish(ctx context.Context, channel string, payload interface{}) error

	// Subscribe opens a subscription on the channel.
	// Caller must Close the returned subscription.
	Subscribe(ctx context.Context, channel string) (Subscription, error)
}

// Subscription is a live pub/sub subscription
type Subscription interface {
	// Messages delivers payloads as they arrive.
	// The channel is closed when the subscription is closed.
	Messages() <-chan string

	// Close terminates the subscription
	Close() error
}
