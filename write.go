package rediscache

import (
	"context"
	"time"

	"github.com/goccy/go-json"
	"github.com/google/uuid"

	"github.com/platformatic/undici-cache-redis/pkg/cachekey"
	"github.com/platformatic/undici-cache-redis/pkg/cacheerrors"
	"github.com/platformatic/undici-cache-redis/pkg/vary"
)

func cacheMaxEntrySizeError(key RequestKey, size, max int) error {
	return cacheerrors.NewMaxEntrySizeError(key.Method+" "+key.Origin+key.Path, size, max)
}

// writeSink buffers a response body in memory and performs the terminal
// multi-key commit (spec §4.3.2) on Commit.
type writeSink struct {
	store    *Store
	key      RequestKey
	response CachedResponse

	chunks      [][]byte
	currentSize int
	dropped     bool
	committed   bool
}

// CreateWriteStream returns a writable sink for the response body (spec
// §4.3.2). Bytes are buffered synchronously; the terminal commit runs in
// Commit.
func (s *Store) CreateWriteStream(key RequestKey, response CachedResponse) WriteSink {
	return &writeSink{store: s, key: key, response: response}
}

func (w *writeSink) Write(p []byte) (int, error) {
	if w.dropped {
		return len(p), nil
	}

	w.currentSize += len(p)
	if w.store.maxSize > 0 && w.currentSize >= w.store.maxSize {
		w.dropped = true
		w.chunks = nil
		w.store.emitError(cacheMaxEntrySizeError(w.key, w.currentSize, w.store.maxSize))
		return len(p), nil
	}

	chunk := make([]byte, len(p))
	copy(chunk, p)
	w.chunks = append(w.chunks, chunk)
	return len(p), nil
}

func (w *writeSink) IsFull() bool { return false }

// Commit performs the terminal pipelined write. It is a no-op returning
// false if the body was dropped for exceeding maxSize.
func (w *writeSink) Commit(ctx context.Context) (bool, error) {
	if w.committed {
		return false, nil
	}
	w.committed = true

	if w.dropped {
		return false, nil
	}

	store := w.store
	key := w.key
	resp := w.response
	resp.Body = w.chunks

	// Step 1: replace any existing entry for the same shape + Vary.
	pattern := cachekey.MetadataScanPattern(store.keyPrefix, key.Origin, key.Path, key.Method)
	existingKeys, err := store.scanKeys(ctx, pattern)
	if err != nil {
		return false, err
	}
	for _, mk := range existingKeys {
		h, err := store.client.HGetAll(ctx, mk).Result()
		if err != nil || len(h) == 0 {
			continue
		}
		existingFp, err := decodeVary(h["vary"])
		if err != nil {
			continue
		}
		if vary.Equal(existingFp, resp.Vary) {
			if err := store.deleteByMetadataKey(ctx, mk); err != nil {
				store.emitError(err)
			}
			break
		}
	}

	// Step 2: choose id.
	id := key.ID
	if id == "" {
		id = uuid.NewString()
	}

	// Step 3: build the four keys.
	metadataKey := cachekey.SerializeMetadataKey(store.keyPrefix, key.Origin, key.Path, key.Method, id)
	idsKey := cachekey.SerializeIDKey(store.keyPrefix, id)
	valueKey := cachekey.SerializeValueKey(store.keyPrefix, id)

	// Step 4: extract cache tags.
	var tags []string
	if store.cacheTagsHeader != "" {
		if v, ok := headerValue(resp.Headers, store.cacheTagsHeader); ok {
			tags = splitTags(v)
		}
	}

	var tagsKey string
	if len(tags) > 0 {
		tagsKey = cachekey.SerializeTagsKey(store.keyPrefix, tags, id)
	}

	varyJSON, err := encodeVary(resp.Vary)
	if err != nil {
		return false, err
	}

	valueJSON, err := json.Marshal(toValueRecord(resp))
	if err != nil {
		return false, err
	}

	rec := metadataRecord{IDKey: idsKey, ValueKey: valueKey, TagsKey: tagsKey, Vary: varyJSON}
	expireAt := time.UnixMilli(resp.DeleteAt)

	// Step 5: single pipelined commit.
	pipe := store.client.Pipeline()
	pipe.HSet(ctx, metadataKey, rec.fields())
	pipe.HSet(ctx, idsKey, map[string]interface{}{"metadataKey": metadataKey})
	pipe.Set(ctx, valueKey, valueJSON, 0)
	if tagsKey != "" {
		pipe.HSet(ctx, tagsKey, map[string]interface{}{"metadataKey": metadataKey})
		pipe.ExpireAt(ctx, tagsKey, expireAt)
	}
	pipe.ExpireAt(ctx, metadataKey, expireAt)
	pipe.ExpireAt(ctx, idsKey, expireAt)
	pipe.ExpireAt(ctx, valueKey, expireAt)

	if _, err := pipe.Exec(ctx); err != nil {
		return false, err
	}

	// Step 6: emit entry:write.
	store.events.OnEntryWrite(EntryWritten{
		ID:         id,
		Origin:     key.Origin,
		Path:       key.Path,
		Method:     key.Method,
		StatusCode: resp.StatusCode,
		Headers:    resp.Headers,
		CacheTags:  tags,
		CachedAt:   resp.CachedAt,
		StaleAt:    resp.StaleAt,
		DeleteAt:   resp.DeleteAt,
	})

	// The tracking cache is consulted on read only; writes go straight to
	// the backend (spec §4.2). A write-path Set here would also be
	// incoherent with the deleteAt the backend just used for EXPIREAT: the
	// C2 mirror has no TTL of its own and the data connection obtaining
	// CLIENT TRACKING coverage for a key only happens by reading it.

	return true, nil
}
