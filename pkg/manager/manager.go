// Package manager implements the Cache Manager (C4): an observer,
// intended to run separately from the store (potentially in a different
// process or against a different keyPrefix), that streams entries,
// subscribes to backend keyspace notifications, and performs the
// cross-prefix global tag cascade.
package manager

import (
	"context"
	"errors"
	"log/slog"
	"sync"

	goredis "github.com/redis/go-redis/v9"

	rediscache "github.com/platformatic/undici-cache-redis"
	"github.com/platformatic/undici-cache-redis/pkg/cachekey"
)

// Entry is a fully resolved cache entry as observed by the manager.
type Entry struct {
	ID       string
	Origin   string
	Path     string
	Method   string
	Response rediscache.CachedResponse
	Tags     []string
}

// EntryDeleted mirrors the store's entry:delete payload.
type EntryDeleted struct {
	ID        string
	KeyPrefix string
}

// Events receives add-entry / delete-entry / error notifications (spec
// §4.4).
type Events interface {
	OnAddEntry(Entry)
	OnDeleteEntry(EntryDeleted)
	OnError(error)
}

// NopEvents is a no-op Events implementation.
type NopEvents struct{}

func (NopEvents) OnAddEntry(Entry)           {}
func (NopEvents) OnDeleteEntry(EntryDeleted) {}
func (NopEvents) OnError(error)              {}

// Manager is the Cache Manager (C4).
type Manager struct {
	client        goredis.UniversalClient
	events        Events
	errorCallback func(error)
	logger        *slog.Logger

	mu     sync.Mutex
	closed bool
	cancel context.CancelFunc
	pubsub *goredis.PubSub
}

// New constructs a Manager against an already-connected client. errorCallback
// defaults to logging via logger at Error level when nil.
func New(client goredis.UniversalClient, events Events, errorCallback func(error), logger *slog.Logger) *Manager {
	if events == nil {
		events = NopEvents{}
	}
	if logger == nil {
		logger = slog.Default()
	}
	if errorCallback == nil {
		errorCallback = func(err error) { logger.Error("recoverable cache manager error", "error", err) }
	}
	return &Manager{client: client, events: events, errorCallback: errorCallback, logger: logger}
}

func (m *Manager) emitError(err error) {
	if err == nil {
		return
	}
	m.errorCallback(err)
	m.events.OnError(err)
}

func (m *Manager) scanKeys(ctx context.Context, pattern string) ([]string, error) {
	var keys []string
	var cursor uint64
	for {
		select {
		case <-ctx.Done():
			return keys, ctx.Err()
		default:
		}
		batch, next, err := m.client.Scan(ctx, cursor, pattern, 200).Result()
		if err != nil {
			return keys, err
		}
		keys = append(keys, batch...)
		cursor = next
		if cursor == 0 {
			return keys, nil
		}
	}
}

// StreamEntries scans `{keyPrefix}ids:*`, resolves each to a full Entry,
// and invokes callback concurrently for each resolved entry (spec §4.4).
func (m *Manager) StreamEntries(ctx context.Context, keyPrefix string, callback func(Entry)) error {
	idKeys, err := m.scanKeys(ctx, keyPrefix+"ids:*")
	if err != nil {
		return err
	}

	var wg sync.WaitGroup
	for _, idKey := range idKeys {
		wg.Add(1)
		go func(idKey string) {
			defer wg.Done()
			entry, ok, err := m.resolveEntryByIDKey(ctx, idKey)
			if err != nil {
				m.emitError(err)
				return
			}
			if ok {
				callback(entry)
			}
		}(idKey)
	}
	wg.Wait()
	return nil
}

// resolveEntryByIDKey follows ids:{id} -> metadata -> value and decodes a
// full Entry.
func (m *Manager) resolveEntryByIDKey(ctx context.Context, idsKey string) (Entry, bool, error) {
	h, err := m.client.HGetAll(ctx, idsKey).Result()
	if err != nil {
		return Entry{}, false, err
	}
	if len(h) == 0 {
		return Entry{}, false, nil
	}
	return m.resolveEntryByMetadataKey(ctx, h["metadataKey"])
}

func (m *Manager) resolveEntryByMetadataKey(ctx context.Context, metadataKey string) (Entry, bool, error) {
	if metadataKey == "" {
		return Entry{}, false, nil
	}
	mh, err := m.client.HGetAll(ctx, metadataKey).Result()
	if err != nil {
		return Entry{}, false, err
	}
	if len(mh) == 0 {
		return Entry{}, false, nil
	}

	_, valueKey, tagsKey, fp, err := rediscache.DecodeMetadataHash(mh)
	if err != nil {
		return Entry{}, false, err
	}

	raw, err := m.client.Get(ctx, valueKey).Result()
	if errors.Is(err, goredis.Nil) {
		return Entry{}, false, nil
	}
	if err != nil {
		return Entry{}, false, err
	}

	resp, err := rediscache.DecodeCachedResponse([]byte(raw))
	if err != nil {
		return Entry{}, false, err
	}
	resp.Vary = fp

	mk, err := cachekey.ParseMetadataKey(metadataKey)
	if err != nil {
		return Entry{}, false, err
	}

	var tags []string
	if tagsKey != "" {
		if tk, err := cachekey.ParseTagsKey(tagsKey); err == nil {
			tags = tk.Tags
		}
	}

	return Entry{ID: mk.ID, Origin: mk.Origin, Path: mk.Path, Method: mk.Method, Response: resp, Tags: tags}, true, nil
}

// GetResponseByID resolves id within keyPrefix to its cached response.
func (m *Manager) GetResponseByID(ctx context.Context, id, keyPrefix string) (rediscache.CachedResponse, bool, error) {
	entry, ok, err := m.resolveEntryByIDKey(ctx, cachekey.SerializeIDKey(keyPrefix, id))
	if err != nil || !ok {
		return rediscache.CachedResponse{}, ok, err
	}
	return entry.Response, true, nil
}

// GetDependentEntries returns every other entry whose tag set shares at
// least one tag with id's tag set.
func (m *Manager) GetDependentEntries(ctx context.Context, id, keyPrefix string) ([]Entry, error) {
	target, ok, err := m.resolveEntryByIDKey(ctx, cachekey.SerializeIDKey(keyPrefix, id))
	if err != nil || !ok || len(target.Tags) == 0 {
		return nil, err
	}

	var dependents []Entry
	seen := map[string]bool{id: true}
	for _, tag := range target.Tags {
		pattern := cachekey.TagsScanPattern(keyPrefix, []string{tag}, false)
		tagKeys, err := m.scanKeys(ctx, pattern)
		if err != nil {
			return dependents, err
		}
		for _, tk := range tagKeys {
			parsed, err := cachekey.ParseTagsKey(tk)
			if err != nil || seen[parsed.ID] {
				continue
			}
			seen[parsed.ID] = true
			metadataKey, err := m.client.HGet(ctx, tk, "metadataKey").Result()
			if err != nil {
				continue
			}
			entry, ok, err := m.resolveEntryByMetadataKey(ctx, metadataKey)
			if err != nil {
				m.emitError(err)
				continue
			}
			if ok {
				dependents = append(dependents, entry)
			}
		}
	}
	return dependents, nil
}

// DeleteIDs resolves each id within keyPrefix and cascade-deletes it.
func (m *Manager) DeleteIDs(ctx context.Context, ids []string, keyPrefix string) error {
	for _, id := range ids {
		idsKey := cachekey.SerializeIDKey(keyPrefix, id)
		h, err := m.client.HGetAll(ctx, idsKey).Result()
		if err != nil {
			m.emitError(err)
			continue
		}
		if len(h) == 0 {
			continue
		}
		if err := m.deleteByMetadataKey(ctx, h["metadataKey"]); err != nil {
			m.emitError(err)
		}
	}
	return nil
}

// deleteByMetadataKey mirrors the store's cascade delete (spec §4.3.3),
// reimplemented here since the manager may run without a Store instance
// in the same process.
func (m *Manager) deleteByMetadataKey(ctx context.Context, metadataKey string) error {
	h, err := m.client.HGetAll(ctx, metadataKey).Result()
	if err != nil {
		return err
	}
	if len(h) == 0 {
		return nil
	}

	idKey := h["idKey"]
	valueKey := h["valueKey"]
	tagsKey := h["tagsKey"]

	pipe := m.client.Pipeline()
	pipe.Del(ctx, metadataKey)
	if idKey != "" {
		pipe.Del(ctx, idKey)
	}
	if valueKey != "" {
		pipe.Del(ctx, valueKey)
	}
	if tagsKey != "" {
		pipe.Del(ctx, tagsKey)
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return err
	}

	mk, parseErr := cachekey.ParseMetadataKey(metadataKey)
	if parseErr == nil {
		m.events.OnDeleteEntry(EntryDeleted{ID: mk.ID, KeyPrefix: mk.KeyPrefix})
	}

	if tagsKey != "" {
		if tk, err := cachekey.ParseTagsKey(tagsKey); err == nil {
			return m.deleteTagsGlobal(ctx, tk.Tags)
		}
	}
	return nil
}

// deleteTagsGlobal performs a cross-prefix superset tag-set delete (spec
// §4.4's global cascade).
func (m *Manager) deleteTagsGlobal(ctx context.Context, tags []string) error {
	pattern := cachekey.TagsScanPattern("", tags, true)
	tagKeys, err := m.scanKeys(ctx, pattern)
	if err != nil {
		return err
	}
	for _, tk := range tagKeys {
		metadataKey, err := m.client.HGet(ctx, tk, "metadataKey").Result()
		if err != nil {
			m.emitError(err)
			continue
		}
		if err := m.deleteByMetadataKey(ctx, metadataKey); err != nil {
			m.emitError(err)
		}
	}
	return nil
}

// Close aborts the subscription, if any, and is idempotent.
func (m *Manager) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return nil
	}
	m.closed = true
	if m.cancel != nil {
		m.cancel()
	}
	if m.pubsub != nil {
		return m.pubsub.Close()
	}
	return nil
}
