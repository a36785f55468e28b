package rediscache

import (
	"context"
	"fmt"
	"sync"
	"time"

	goredis "github.com/redis/go-redis/v9"

	"github.com/platformatic/undici-cache-redis/pkg/tracking"
)

// Store is the Cache Store (C3): the read/write path, per-key deletion,
// and tag-set deletion over a Redis-compatible backend. It is the
// persistence and invalidation engine an HTTP cache interceptor drives.
type Store struct {
	client          goredis.UniversalClient
	keyPrefix       string
	maxSize         int
	cacheTagsHeader string
	events          Events
	errorCallback   func(error)

	tracking   *tracking.Cache[Result]
	subscriber *tracking.Subscriber
	subConn    *goredis.Conn

	mu     sync.Mutex
	closed bool
	cancel context.CancelFunc
}

// New constructs a Store: it builds the backend client per Options, wires
// the tracking cache and its server-assisted invalidation subscription
// when enabled, and pings the backend before returning.
func New(opts Options) (*Store, error) {
	opts.applyDefaults()

	client, err := newUniversalClient(opts)
	if err != nil {
		return nil, err
	}

	ctx, cancel := context.WithCancel(context.Background())

	s := &Store{
		client:          client,
		keyPrefix:       opts.KeyPrefix,
		maxSize:         opts.MaxSize,
		cacheTagsHeader: opts.CacheTagsHeader,
		events:          NopEvents{},
		errorCallback:   opts.ErrorCallback,
		cancel:          cancel,
	}

	if opts.trackingEnabled() {
		s.tracking = tracking.New[Result](opts.TrackingMaxCount, opts.TrackingMaxSize)

		if singleConn, ok := client.(*goredis.Client); ok {
			subConn := singleConn.Conn()
			sub := tracking.NewSubscriber(client, subConn, s.tracking.Invalidate, opts.Logger)
			if err := sub.Start(ctx); err != nil {
				opts.ErrorCallback(fmt.Errorf("tracking subscription failed, tracking cache will not receive push invalidations: %w", err))
				_ = subConn.Close()
			} else {
				s.subscriber = sub
				s.subConn = subConn
			}
		} else {
			opts.ErrorCallback(fmt.Errorf("tracking is not supported against a cluster client: no single connection can receive invalidations for every shard"))
		}
	}

	return s, nil
}

// WithEvents attaches an Events observer to receive entry:write and
// entry:delete notifications. Must be called before any read/write
// activity to avoid missed events.
func (s *Store) WithEvents(events Events) *Store {
	if events == nil {
		events = NopEvents{}
	}
	s.events = events
	return s
}

// Close cancels the tracking subscription, waits a short grace period,
// then closes the subscriber and data connections. Idempotent. Scans
// already in progress are not canceled by Close; they stop only when the
// context passed to their own call is canceled.
func (s *Store) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	s.mu.Unlock()

	s.cancel()
	time.Sleep(100 * time.Millisecond)

	if s.subConn != nil {
		_ = s.subConn.Close()
	}
	return s.client.Close()
}

func (s *Store) emitError(err error) {
	if err == nil {
		return
	}
	s.errorCallback(err)
	s.events.OnError(err)
}
