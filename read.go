package rediscache

import (
	"context"
	"errors"

	"github.com/goccy/go-json"
	goredis "github.com/redis/go-redis/v9"

	"github.com/platformatic/undici-cache-redis/pkg/cachekey"
	"github.com/platformatic/undici-cache-redis/pkg/tracking"
	"github.com/platformatic/undici-cache-redis/pkg/vary"
)

// Get implements the read path (spec §4.3.1): glob-scan the matching
// request shape, probe Vary fingerprints linearly, fetch and decode the
// winning value, tombstoning any entry found to be partially expired or
// malformed along the way.
func (s *Store) Get(ctx context.Context, key RequestKey) (Result, bool, error) {
	shapeKey := cachekey.ShapeKey(key.Origin, key.Path, key.Method)

	if s.tracking != nil {
		if _, result, ok := s.tracking.Get(shapeKey, key.Headers); ok {
			return result, true, nil
		}
	}

	pattern := cachekey.MetadataScanPattern(s.keyPrefix, key.Origin, key.Path, key.Method)
	metaKeys, err := s.scanKeys(ctx, pattern)
	if err != nil {
		return Result{}, false, err
	}

	var winnerKey string
	var winner metadataRecord
	var winnerVary vary.Fingerprint

	for _, mk := range metaKeys {
		select {
		case <-ctx.Done():
			return Result{}, false, ctx.Err()
		default:
		}

		h, err := s.client.HGetAll(ctx, mk).Result()
		if err != nil {
			s.emitError(err)
			continue
		}
		if len(h) == 0 {
			continue
		}
		rec := metadataRecord{IDKey: h["idKey"], ValueKey: h["valueKey"], TagsKey: h["tagsKey"], Vary: h["vary"]}

		fp, err := decodeVary(rec.Vary)
		if err != nil {
			s.emitError(err)
			_ = s.deleteByMetadataKey(ctx, mk)
			continue
		}

		if !vary.Match(fp, key.Headers) {
			continue
		}

		winnerKey = mk
		winner = rec
		winnerVary = fp
		break
	}

	if winnerKey == "" {
		return Result{}, false, nil
	}

	raw, err := s.client.Get(ctx, winner.ValueKey).Result()
	if errors.Is(err, goredis.Nil) {
		_ = s.client.Del(ctx, winnerKey).Err()
		return Result{}, false, nil
	}
	if err != nil {
		return Result{}, false, err
	}

	var vr valueRecord
	if err := json.Unmarshal([]byte(raw), &vr); err != nil {
		s.emitError(err)
		_ = s.deleteByMetadataKey(ctx, winnerKey)
		return Result{}, false, nil
	}

	resp := vr.toCachedResponse()
	resp.Vary = winnerVary

	etag, _ := headerValue(resp.Headers, "etag")
	result := Result{CachedResponse: resp, ETag: etag}

	if s.tracking != nil {
		mk, err := cachekey.ParseMetadataKey(winnerKey)
		if err == nil {
			size := bodySize(resp.Body)
			s.tracking.Set(shapeKey, mk.ID, tracking.Metadata{
				MetadataKey: winnerKey,
				IDKey:       winner.IDKey,
				ValueKey:    winner.ValueKey,
				TagsKey:     winner.TagsKey,
				Vary:        winnerVary,
			}, result, size, resp.DeleteAt)
		}
	}

	return result, true, nil
}

func bodySize(body [][]byte) int {
	n := 0
	for _, chunk := range body {
		n += len(chunk)
	}
	return n
}
