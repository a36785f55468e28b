package tracking

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	goredis "github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"
)

// miniredis does not implement CLIENT TRACKING or CLIENT ID redirection, so
// Start's handshake can't be exercised against it. What's tested here is
// the forwarding loop in isolation: a real SUBSCRIBE/PUBLISH round trip
// through miniredis driving onInvalid, which is the part of this file with
// actual control flow worth covering.
func TestSubscriber_ForwardsInvalidationPayload(t *testing.T) {
	s := miniredis.RunT(t)
	client := goredis.NewClient(&goredis.Options{Addr: s.Addr()})
	t.Cleanup(func() { client.Close() })

	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)

	received := make(chan string, 1)
	sub := &Subscriber{
		dataClient: client,
		onInvalid:  func(key string) { received <- key },
	}

	pubsub := client.Subscribe(ctx, invalidateChannel)
	_, err := pubsub.Receive(ctx)
	require.NoError(t, err)
	go sub.listen(ctx, pubsub)

	require.Eventually(t, func() bool {
		n, err := client.Publish(ctx, invalidateChannel, "ids:abc").Result()
		return err == nil && n == 1
	}, time.Second, 10*time.Millisecond)

	select {
	case key := <-received:
		require.Equal(t, "ids:abc", key)
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for forwarded invalidation")
	}
}
