// Package rediscache implements the storage and invalidation core of a
// shared HTTP response cache backed by a Redis-compatible key-value store.
// It is the persistence engine for an HTTP client's cache interceptor: it
// stores full HTTP responses keyed by request identity, serves them back
// while honoring Vary negotiation, and invalidates them by cache key, by
// cache tag, or by URL write-through.
//
// This package does not implement HTTP freshness calculation,
// stale-while-revalidate, or conditional revalidation — those live in the
// interceptor that drives this store. It only persists and serves whatever
// freshness metadata the interceptor hands it.
//
// Basic usage:
//
//	store, err := rediscache.New(rediscache.Options{
//	    Addr:      "localhost:6379",
//	    KeyPrefix: "myapp:",
//	})
//	if err != nil {
//	    log.Fatal(err)
//	}
//	defer store.Close()
//
//	resp, ok, err := store.Get(ctx, key)
package rediscache
