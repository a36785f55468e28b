package rediscache

import (
	"context"
	"sync"

	"github.com/platformatic/undici-cache-redis/pkg/cachekey"
)

// Delete implements per-request-shape deletion (spec §4.3.3): scans with
// the given method (wildcarded if empty, per §3.3's "method wildcarded
// optional"), id always wildcarded, and cascade-deletes every match. Note
// this honors a caller-supplied method rather than always wildcarding it
// as §4.3.3's literal `method:='*'` describes; callers that want the
// cross-method deletion §4.3.3 specifies should leave key.Method empty.
func (s *Store) Delete(ctx context.Context, key RequestKey) error {
	pattern := cachekey.MetadataScanPattern(s.keyPrefix, key.Origin, key.Path, key.Method)
	keys, err := s.scanKeys(ctx, pattern)
	if err != nil {
		return err
	}
	for _, mk := range keys {
		if err := s.deleteByMetadataKey(ctx, mk); err != nil {
			s.emitError(err)
		}
	}
	return nil
}

// DeleteKeys scans per key with an exact method and wildcard id,
// cascade-deleting concurrently (spec §4.3.3).
func (s *Store) DeleteKeys(ctx context.Context, keys []RequestKey) error {
	var wg sync.WaitGroup
	errs := make(chan error, len(keys))

	for _, key := range keys {
		wg.Add(1)
		go func(key RequestKey) {
			defer wg.Done()
			pattern := cachekey.MetadataScanPattern(s.keyPrefix, key.Origin, key.Path, key.Method)
			matches, err := s.scanKeys(ctx, pattern)
			if err != nil {
				errs <- err
				return
			}
			for _, mk := range matches {
				if err := s.deleteByMetadataKey(ctx, mk); err != nil {
					s.emitError(err)
				}
			}
		}(key)
	}

	wg.Wait()
	close(errs)
	for err := range errs {
		if err != nil {
			return err
		}
	}
	return nil
}

// DeleteTags implements tag-set deletion with superset semantics (spec
// §4.3.4): a deletion request for tags {A, B} removes every entry whose
// tag set is a superset of {A, B}.
func (s *Store) DeleteTags(ctx context.Context, entries []TagEntry) error {
	return s.deleteTagsInternal(ctx, entries, false)
}

func (s *Store) deleteTagsInternal(ctx context.Context, entries []TagEntry, global bool) error {
	for _, entry := range entries {
		tags := make([]string, 0, len(entry))
		for _, t := range entry {
			if t != "" {
				tags = append(tags, t)
			}
		}
		if len(tags) == 0 {
			continue
		}

		pattern := cachekey.TagsScanPattern(s.keyPrefix, tags, global)
		tagKeys, err := s.scanKeys(ctx, pattern)
		if err != nil {
			return err
		}

		for _, tk := range tagKeys {
			metadataKey, err := s.client.HGet(ctx, tk, "metadataKey").Result()
			if err != nil {
				s.emitError(err)
				continue
			}
			if err := s.deleteByMetadataKey(ctx, metadataKey); err != nil {
				s.emitError(err)
			}
		}
	}
	return nil
}

// deleteByMetadataKey is the cascade delete (spec §4.3.3): removes
// metadata, ids, and values rows; if a tagsKey is present, removes it and
// recursively re-invokes tag-set deletion for that exact tag set to sweep
// sibling entries sharing the same tags (the documented equivalence-class
// behavior — preserved verbatim per spec §9's open question). Recursion
// terminates because each pass only finds siblings not yet deleted.
func (s *Store) deleteByMetadataKey(ctx context.Context, metadataKey string) error {
	h, err := s.client.HGetAll(ctx, metadataKey).Result()
	if err != nil {
		return err
	}
	if len(h) == 0 {
		return nil
	}

	idKey := h["idKey"]
	valueKey := h["valueKey"]
	tagsKey := h["tagsKey"]

	pipe := s.client.Pipeline()
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

	if s.tracking != nil {
		s.tracking.Invalidate(metadataKey)
	}

	mk, parseErr := cachekey.ParseMetadataKey(metadataKey)
	if parseErr == nil {
		s.events.OnEntryDelete(EntryDeleted{ID: mk.ID, KeyPrefix: mk.KeyPrefix})
	}

	if tagsKey != "" {
		tk, err := cachekey.ParseTagsKey(tagsKey)
		if err == nil {
			return s.deleteTagsInternal(ctx, []TagEntry{tk.Tags}, false)
		}
	}
	return nil
}
