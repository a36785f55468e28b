package manager

import (
	"context"

	goredis "github.com/redis/go-redis/v9"

	"github.com/platformatic/undici-cache-redis/pkg/cachekey"
)

const (
	channelHSet    = "__keyevent@0__:hset"
	channelDel     = "__keyevent@0__:del"
	channelExpired = "__keyevent@0__:expired"
)

// Subscribe enables keyspace notifications and subscribes to the
// mutation channels this manager reacts to (spec §4.4). Failure to
// configure notify-keyspace-events (e.g. against a hardened server that
// disallows CONFIG SET) is returned directly — callers decide whether
// that is fatal.
func (m *Manager) Subscribe(ctx context.Context) error {
	if err := m.client.ConfigSet(ctx, "notify-keyspace-events", "AKE").Err(); err != nil {
		return err
	}

	subCtx, cancel := context.WithCancel(ctx)
	pubsub := m.client.Subscribe(subCtx, channelHSet, channelDel, channelExpired)
	if _, err := pubsub.Receive(subCtx); err != nil {
		cancel()
		_ = pubsub.Close()
		return err
	}

	m.mu.Lock()
	m.cancel = cancel
	m.pubsub = pubsub
	m.mu.Unlock()

	go m.listen(subCtx, pubsub)
	return nil
}

func (m *Manager) listen(ctx context.Context, pubsub *goredis.PubSub) {
	ch := pubsub.Channel()
	for {
		select {
		case <-ctx.Done():
			return
		case msg, ok := <-ch:
			if !ok {
				return
			}
			m.handleEvent(ctx, msg.Channel, msg.Payload)
		}
	}
}

// handleEvent reacts to a single keyspace notification: msg.Payload is
// the key name the event happened to (not a field value), per Redis's
// keyspace-notification wire format.
func (m *Manager) handleEvent(ctx context.Context, channel, key string) {
	family := cachekey.DetectFamily(key)

	switch {
	case channel == channelHSet:
		if family != "ids" {
			return
		}
		entry, ok, err := m.resolveEntryByIDKey(ctx, key)
		if err != nil {
			m.emitError(err)
			return
		}
		if ok {
			m.events.OnAddEntry(entry)
		}

	case channel == channelDel || channel == channelExpired:
		switch family {
		case "ids":
			idk, err := cachekey.ParseIDKey(key)
			if err != nil {
				m.emitError(err)
				return
			}
			m.events.OnDeleteEntry(EntryDeleted{ID: idk.ID, KeyPrefix: idk.KeyPrefix})
		case "cache-tags":
			tk, err := cachekey.ParseTagsKey(key)
			if err != nil {
				m.emitError(err)
				return
			}
			if err := m.deleteTagsGlobal(ctx, tk.Tags); err != nil {
				m.emitError(err)
			}
		}
	}
}
