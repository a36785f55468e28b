package tracking

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/platformatic/undici-cache-redis/pkg/vary"
)

func strp(s string) *string { return &s }

func TestCache_GetSetRoundTrip(t *testing.T) {
	c := New[string](0, 0)

	meta := Metadata{MetadataKey: "metadata:a:b:GET:id1", IDKey: "ids:id1", ValueKey: "values:id1"}
	c.Set("shape-a", "id1", meta, "body", 4, 0)

	got, result, ok := c.Get("shape-a", nil)
	require.True(t, ok)
	require.Equal(t, "body", result)
	require.Equal(t, meta, got)
}

func TestCache_GetMissingShape(t *testing.T) {
	c := New[string](0, 0)
	_, _, ok := c.Get("nope", nil)
	require.False(t, ok)
}

func TestCache_VaryDisambiguation(t *testing.T) {
	c := New[string](0, 0)

	metaEN := Metadata{IDKey: "ids:1", Vary: vary.Fingerprint{"accept-language": strp("en")}}
	metaFR := Metadata{IDKey: "ids:2", Vary: vary.Fingerprint{"accept-language": strp("fr")}}
	c.Set("shape-a", "1", metaEN, "english", 7, 0)
	c.Set("shape-a", "2", metaFR, "french", 6, 0)

	_, result, ok := c.Get("shape-a", vary.Headers{"accept-language": "fr"})
	require.True(t, ok)
	require.Equal(t, "french", result)

	_, _, ok = c.Get("shape-a", vary.Headers{"accept-language": "de"})
	require.False(t, ok)
}

func TestCache_SetReplacesMatchingVary(t *testing.T) {
	c := New[string](0, 0)

	meta := Metadata{IDKey: "ids:1"}
	c.Set("shape-a", "1", meta, "v1", 2, 0)
	c.Set("shape-a", "2", meta, "v2", 2, 0)

	require.Equal(t, 1, c.Count())
	_, result, ok := c.Get("shape-a", nil)
	require.True(t, ok)
	require.Equal(t, "v2", result)
}

func TestCache_EvictsLRUBucketOnCountBound(t *testing.T) {
	c := New[string](2, 0)

	c.Set("shape-a", "1", Metadata{IDKey: "ids:1"}, "a", 1, 0)
	c.Set("shape-b", "2", Metadata{IDKey: "ids:2"}, "b", 1, 0)
	c.Set("shape-c", "3", Metadata{IDKey: "ids:3"}, "c", 1, 0)

	require.Equal(t, 2, c.Count())
	_, _, ok := c.Get("shape-a", nil)
	require.False(t, ok, "oldest bucket should have been evicted")
	_, _, ok = c.Get("shape-c", nil)
	require.True(t, ok)
}

func TestCache_GetTouchesLRU(t *testing.T) {
	c := New[string](2, 0)

	c.Set("shape-a", "1", Metadata{IDKey: "ids:1"}, "a", 1, 0)
	c.Set("shape-b", "2", Metadata{IDKey: "ids:2"}, "b", 1, 0)

	_, _, ok := c.Get("shape-a", nil)
	require.True(t, ok)

	c.Set("shape-c", "3", Metadata{IDKey: "ids:3"}, "c", 1, 0)

	_, _, ok = c.Get("shape-a", nil)
	require.True(t, ok, "recently touched bucket should survive eviction")
	_, _, ok = c.Get("shape-b", nil)
	require.False(t, ok, "untouched bucket should have been evicted")
}

func TestCache_EvictsOnSizeBound(t *testing.T) {
	c := New[string](0, 5)

	c.Set("shape-a", "1", Metadata{IDKey: "ids:1"}, "aaa", 3, 0)
	c.Set("shape-b", "2", Metadata{IDKey: "ids:2"}, "bbb", 3, 0)

	require.LessOrEqual(t, c.Size(), 5)
	_, _, ok := c.Get("shape-a", nil)
	require.False(t, ok)
}

func TestCache_Delete(t *testing.T) {
	c := New[string](0, 0)
	c.Set("shape-a", "1", Metadata{IDKey: "ids:1"}, "a", 1, 0)
	c.Delete("shape-a", "1")

	_, _, ok := c.Get("shape-a", nil)
	require.False(t, ok)
	require.Equal(t, 0, c.Count())
}

func TestCache_InvalidateByKey(t *testing.T) {
	c := New[string](0, 0)
	c.Set("shape-a", "1", Metadata{IDKey: "ids:1", ValueKey: "values:1"}, "a", 1, 0)
	c.Set("shape-b", "2", Metadata{IDKey: "ids:2", ValueKey: "values:2"}, "b", 1, 0)

	c.Invalidate("ids:1")

	_, _, ok := c.Get("shape-a", nil)
	require.False(t, ok)
	_, _, ok = c.Get("shape-b", nil)
	require.True(t, ok)
}

func TestCache_InvalidateFlushAll(t *testing.T) {
	c := New[string](0, 0)
	c.Set("shape-a", "1", Metadata{IDKey: "ids:1"}, "a", 1, 0)
	c.Set("shape-b", "2", Metadata{IDKey: "ids:2"}, "b", 1, 0)

	c.Invalidate("")

	require.Equal(t, 0, c.Count())
}

func TestCache_GetEvictsEntryPastDeleteAt(t *testing.T) {
	c := New[string](0, 0)

	past := time.Now().Add(-time.Second).UnixMilli()
	c.Set("shape-a", "1", Metadata{IDKey: "ids:1"}, "stale", 5, past)

	_, _, ok := c.Get("shape-a", nil)
	require.False(t, ok, "an entry past its deleteAt must be served as absent")
	require.Equal(t, 0, c.Count(), "the expired entry must be evicted, not just hidden")
}

func TestCache_GetServesEntryBeforeDeleteAt(t *testing.T) {
	c := New[string](0, 0)

	future := time.Now().Add(time.Hour).UnixMilli()
	c.Set("shape-a", "1", Metadata{IDKey: "ids:1"}, "fresh", 5, future)

	_, result, ok := c.Get("shape-a", nil)
	require.True(t, ok)
	require.Equal(t, "fresh", result)
}

func TestCache_GetIgnoresZeroDeleteAt(t *testing.T) {
	c := New[string](0, 0)
	c.Set("shape-a", "1", Metadata{IDKey: "ids:1"}, "unknown-ttl", 5, 0)

	_, _, ok := c.Get("shape-a", nil)
	require.True(t, ok, "deleteAt of 0 means unknown and must not be treated as already expired")
}
