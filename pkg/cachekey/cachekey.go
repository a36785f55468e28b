// Package cachekey implements deterministic serialization and parsing for
// the four storage key families backing the cache store: metadata, ids,
// values, and cache-tags. All functions here are pure — no I/O, no backend
// dependency — so the cache manager can parse keys observed under an
// arbitrary, even foreign, keyPrefix (see ParseMetadataKey).
package cachekey

import (
	"net/url"
	"sort"
	"strings"

	"github.com/platformatic/undici-cache-redis/pkg/cacheerrors"
)

// Family discriminators. Each is searched for independently by its parse
// function, so families never need to agree on a common delimiter scheme.
const (
	metadataFamily  = "metadata:"
	idsFamily       = "ids:"
	valuesFamily    = "values:"
	cacheTagsFamily = "cache-tags:"
)

// MetadataKey identifies a per-request-shape pointer record.
type MetadataKey struct {
	KeyPrefix string
	Origin    string
	Path      string
	Method    string
	ID        string
}

// IDKey identifies a reverse id -> metadata lookup record.
type IDKey struct {
	KeyPrefix string
	ID        string
}

// ValueKey identifies the serialized Cached Response payload.
type ValueKey struct {
	KeyPrefix string
	ID        string
}

// TagsKey identifies a tag-membership index record. Tags are always stored
// in canonical sorted order so that superset pattern scans work (spec
// invariant: Tag ordering).
type TagsKey struct {
	KeyPrefix string
	Tags      []string
	ID        string
}

// encodeSegment percent-encodes a key segment so that ':' (the family
// separator) can never appear literally inside it.
func encodeSegment(s string) string {
	return url.QueryEscape(s)
}

func decodeSegment(s string) (string, error) {
	return url.QueryUnescape(s)
}

// AddKeyPrefix prepends prefix to key unless key already carries it. Used
// when a key serialized without a prefix (e.g. one parsed from another
// origin's keyspace) must be made absolute for a backend operation.
func AddKeyPrefix(key, prefix string) string {
	if prefix == "" || strings.HasPrefix(key, prefix) {
		return key
	}
	return prefix + key
}

// SerializeMetadataKey builds the `metadata:{enc-origin}:{enc-path}:{method}:{id}` key.
func SerializeMetadataKey(keyPrefix, origin, path, method, id string) string {
	return keyPrefix + metadataFamily + encodeSegment(origin) + ":" + encodeSegment(path) + ":" + method + ":" + id
}

// ParseMetadataKey locates the first `metadata:` discriminator in key and
// splits around it; anything before it (regardless of its own content) is
// returned as KeyPrefix. This lets the cache manager operate across
// multiple prefixes without being told them in advance.
func ParseMetadataKey(key string) (MetadataKey, error) {
	idx := strings.Index(key, metadataFamily)
	if idx < 0 {
		return MetadataKey{}, cacheerrors.NewInvalidKeyError(key, "missing metadata: discriminator")
	}
	prefix := key[:idx]
	rest := key[idx+len(metadataFamily):]

	parts := strings.SplitN(rest, ":", 4)
	if len(parts) != 4 {
		return MetadataKey{}, cacheerrors.NewInvalidKeyError(key, "expected 4 colon-separated fields after metadata:")
	}

	origin, err := decodeSegment(parts[0])
	if err != nil {
		return MetadataKey{}, cacheerrors.NewInvalidKeyError(key, "invalid origin encoding: "+err.Error())
	}
	path, err := decodeSegment(parts[1])
	if err != nil {
		return MetadataKey{}, cacheerrors.NewInvalidKeyError(key, "invalid path encoding: "+err.Error())
	}

	return MetadataKey{
		KeyPrefix: prefix,
		Origin:    origin,
		Path:      path,
		Method:    parts[2],
		ID:        parts[3],
	}, nil
}

// SerializeIDKey builds the `ids:{id}` key.
func SerializeIDKey(keyPrefix, id string) string {
	return keyPrefix + idsFamily + id
}

// ParseIDKey splits around the first `ids:` discriminator.
func ParseIDKey(key string) (IDKey, error) {
	idx := strings.Index(key, idsFamily)
	if idx < 0 {
		return IDKey{}, cacheerrors.NewInvalidKeyError(key, "missing ids: discriminator")
	}
	return IDKey{KeyPrefix: key[:idx], ID: key[idx+len(idsFamily):]}, nil
}

// SerializeValueKey builds the `values:{id}` key.
func SerializeValueKey(keyPrefix, id string) string {
	return keyPrefix + valuesFamily + id
}

// ParseValueKey splits around the first `values:` discriminator.
func ParseValueKey(key string) (ValueKey, error) {
	idx := strings.Index(key, valuesFamily)
	if idx < 0 {
		return ValueKey{}, cacheerrors.NewInvalidKeyError(key, "missing values: discriminator")
	}
	return ValueKey{KeyPrefix: key[:idx], ID: key[idx+len(valuesFamily):]}, nil
}

// SortTags returns a new, lexicographically sorted copy of tags.
func SortTags(tags []string) []string {
	sorted := make([]string, len(tags))
	copy(sorted, tags)
	sort.Strings(sorted)
	return sorted
}

// SerializeTagsKey builds `cache-tags:{tag1}:{tag2}:...:{id}` with tags in
// canonical sorted order.
func SerializeTagsKey(keyPrefix string, tags []string, id string) string {
	sorted := SortTags(tags)
	var b strings.Builder
	b.WriteString(keyPrefix)
	b.WriteString(cacheTagsFamily)
	for _, t := range sorted {
		b.WriteString(t)
		b.WriteString(":")
	}
	b.WriteString(id)
	return b.String()
}

// ParseTagsKey splits around the first `cache-tags:` discriminator. The id
// is the final colon-separated segment; everything in between is the
// (already sorted) tag set.
func ParseTagsKey(key string) (TagsKey, error) {
	idx := strings.Index(key, cacheTagsFamily)
	if idx < 0 {
		return TagsKey{}, cacheerrors.NewInvalidKeyError(key, "missing cache-tags: discriminator")
	}
	prefix := key[:idx]
	rest := key[idx+len(cacheTagsFamily):]

	segments := strings.Split(rest, ":")
	if len(segments) < 1 {
		return TagsKey{}, cacheerrors.NewInvalidKeyError(key, "malformed cache-tags key")
	}

	id := segments[len(segments)-1]
	tags := segments[:len(segments)-1]
	return TagsKey{KeyPrefix: prefix, Tags: tags, ID: id}, nil
}

// TagsScanPattern builds the glob pattern that matches any cache-tags key
// whose tag set is a superset of tags (spec: Tag-set superset match). When
// global is true the pattern is also prefixed with `*` so it crosses
// arbitrary keyPrefixes, for the cache manager's cross-origin cascade.
func TagsScanPattern(keyPrefix string, tags []string, global bool) string {
	sorted := SortTags(tags)
	var b strings.Builder
	if global {
		b.WriteString("*")
	} else {
		b.WriteString(keyPrefix)
	}
	b.WriteString(cacheTagsFamily)
	b.WriteString("*")
	for _, t := range sorted {
		b.WriteString(t)
		b.WriteString("*:*")
	}
	return b.String()
}

// DetectFamily reports which of the four key families key belongs to
// ("metadata", "ids", "values", "cache-tags"), or "" if none match. Used
// by the cache manager to classify keys observed from keyspace
// notifications, where only the bare key name is known.
func DetectFamily(key string) string {
	switch {
	case strings.Contains(key, cacheTagsFamily):
		return "cache-tags"
	case strings.Contains(key, metadataFamily):
		return "metadata"
	case strings.Contains(key, valuesFamily):
		return "values"
	case strings.Contains(key, idsFamily):
		return "ids"
	default:
		return ""
	}
}

// ShapeKey builds the tracking cache's shape fingerprint
// `encode(origin):encode(path):method` (spec §4.2 State).
func ShapeKey(origin, path, method string) string {
	return encodeSegment(origin) + ":" + encodeSegment(path) + ":" + method
}

// MetadataScanPattern builds the glob pattern
// `metadata:{enc-origin}:{enc-path}:{method}:*` used to enumerate all
// metadata rows for a request shape, method optionally wildcarded.
func MetadataScanPattern(keyPrefix, origin, path, method string) string {
	if method == "" {
		method = "*"
	}
	return keyPrefix + metadataFamily + encodeSegment(origin) + ":" + encodeSegment(path) + ":" + method + ":*"
}
