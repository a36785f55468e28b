package tracking

import (
	"context"
	"log/slog"
	"strconv"

	goredis "github.com/redis/go-redis/v9"
)

// invalidateChannel is the channel name the Redis server publishes on when
// server-assisted client-side caching invalidates a key (spec §4.2,
// "Subscriber").
const invalidateChannel = "__redis__:invalidate"

// Subscriber wires a dedicated connection into Redis's server-assisted
// client-side caching (CLIENT TRACKING) and forwards invalidation
// notifications to a Cache's Invalidate method.
//
// It needs two things from the caller: a pinned single connection (the one
// whose CLIENT ID is the redirect target, and on which the invalidation
// channel is subscribed) and the UniversalClient used for ordinary reads
// (the one that issues CLIENT TRACKING ON REDIRECT against that id). In
// cluster mode a single redirect target cannot cover every shard
// connection, so Subscriber is only wired up for single-node and sentinel
// deployments (see New in the root package).
type Subscriber struct {
	dataClient goredis.UniversalClient
	subConn    *goredis.Conn
	onInvalid  func(key string)
	logger     *slog.Logger
}

// NewSubscriber builds a Subscriber. dataClient is the client ordinary
// reads flow through; subConn must be a connection pinned with
// client.Conn() dedicated to this subscription.
func NewSubscriber(dataClient goredis.UniversalClient, subConn *goredis.Conn, onInvalid func(key string), logger *slog.Logger) *Subscriber {
	if logger == nil {
		logger = slog.Default()
	}
	return &Subscriber{dataClient: dataClient, subConn: subConn, onInvalid: onInvalid, logger: logger}
}

// Start issues CLIENT ID on the pinned connection, CLIENT TRACKING ON
// REDIRECT <id> on the data client, subscribes to the invalidation
// channel, and spawns the forwarding goroutine. It blocks until the
// subscription is confirmed; the forwarding loop runs until ctx is
// canceled.
func (s *Subscriber) Start(ctx context.Context) error {
	id, err := s.subConn.ClientID(ctx).Result()
	if err != nil {
		return err
	}

	if err := s.dataClient.Do(ctx, "CLIENT", "TRACKING", "on", "REDIRECT", strconv.FormatInt(id, 10)).Err(); err != nil {
		return err
	}

	pubsub := s.subConn.Subscribe(ctx, invalidateChannel)
	if _, err := pubsub.Receive(ctx); err != nil {
		_ = pubsub.Close()
		return err
	}

	go s.listen(ctx, pubsub)
	return nil
}

func (s *Subscriber) listen(ctx context.Context, pubsub *goredis.PubSub) {
	defer pubsub.Close()

	ch := pubsub.Channel()
	for {
		select {
		case <-ctx.Done():
			return
		case msg, ok := <-ch:
			if !ok {
				return
			}
			// A flush-all notification carries a nil payload; invalidate
			// everything by evicting the whole cache instead of one key.
			s.onInvalid(msg.Payload)
		}
	}
}
