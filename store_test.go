package rediscache

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/stretchr/testify/require"
)

func boolPtr(b bool) *bool { return &b }

func newTestStore(t *testing.T, tracking bool) *Store {
	t.Helper()
	s := miniredis.RunT(t)
	store, err := New(Options{
		Addr:      s.Addr(),
		KeyPrefix: "test:",
		Tracking:  boolPtr(tracking),
	})
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })
	return store
}

func nowMillis() int64 { return time.Now().UnixNano() / int64(time.Millisecond) }

func TestStore_BasicRoundTrip(t *testing.T) {
	store := newTestStore(t, false)
	ctx := context.Background()

	now := nowMillis()
	key := RequestKey{Origin: "http://h", Method: "GET", Path: "/"}
	resp := CachedResponse{
		StatusCode: 200,
		Headers:    map[string][]string{"foo": {"bar"}},
		CachedAt:   now,
		StaleAt:    now + 10000,
		DeleteAt:   now + 20000,
	}

	sink := store.CreateWriteStream(key, resp)
	_, err := sink.Write([]byte("asd"))
	require.NoError(t, err)
	_, err = sink.Write([]byte("123"))
	require.NoError(t, err)
	committed, err := sink.Commit(ctx)
	require.NoError(t, err)
	require.True(t, committed)

	result, ok, err := store.Get(ctx, key)
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, 200, result.StatusCode)
	require.Equal(t, [][]byte{[]byte("asd"), []byte("123")}, result.Body)
}

func TestStore_VaryMiss(t *testing.T) {
	store := newTestStore(t, false)
	ctx := context.Background()

	now := nowMillis()
	v := "hello world"
	key := RequestKey{Origin: "http://h", Method: "GET", Path: "/"}
	resp := CachedResponse{
		StatusCode: 200,
		CachedAt:   now,
		StaleAt:    now + 10000,
		DeleteAt:   now + 20000,
		Vary:       map[string]*string{"some-header": &v},
	}
	sink := store.CreateWriteStream(key, resp)
	_, _ = sink.Write([]byte("body"))
	_, err := sink.Commit(ctx)
	require.NoError(t, err)

	missKey := key
	missKey.Headers = map[string]string{"some-header": "another-value"}
	_, ok, err := store.Get(ctx, missKey)
	require.NoError(t, err)
	require.False(t, ok)

	hitKey := key
	hitKey.Headers = map[string]string{"some-header": "hello world"}
	_, ok, err = store.Get(ctx, hitKey)
	require.NoError(t, err)
	require.True(t, ok)
}

func TestStore_PostDeleteAtExpiry(t *testing.T) {
	store := newTestStore(t, true)
	ctx := context.Background()

	now := nowMillis()
	key := RequestKey{Origin: "http://h", Method: "GET", Path: "/"}
	resp := CachedResponse{
		StatusCode: 200,
		CachedAt:   now - 10000,
		StaleAt:    now - 6000,
		DeleteAt:   now - 5000,
	}
	sink := store.CreateWriteStream(key, resp)
	_, _ = sink.Write([]byte("body"))
	committed, err := sink.Commit(ctx)
	require.NoError(t, err)
	require.True(t, committed)

	_, ok, err := store.Get(ctx, key)
	require.NoError(t, err)
	require.False(t, ok, "entry past deleteAt must be served as absent")
}

func TestStore_TagSupersetDeletion(t *testing.T) {
	store := newTestStore(t, false)
	store.cacheTagsHeader = "cache-tag"
	ctx := context.Background()
	now := nowMillis()

	write := func(path string, tags string) {
		key := RequestKey{Origin: "http://h", Method: "GET", Path: path}
		resp := CachedResponse{
			StatusCode: 200,
			Headers:    map[string][]string{"cache-tag": {tags}},
			CachedAt:   now,
			StaleAt:    now + 10000,
			DeleteAt:   now + 20000,
		}
		sink := store.CreateWriteStream(key, resp)
		_, _ = sink.Write([]byte("x"))
		_, err := sink.Commit(ctx)
		require.NoError(t, err)
	}

	write("/a", "T1,T2")
	write("/b", "T1,T2,T3")
	write("/c", "T1,T3")

	err := store.DeleteTags(ctx, []TagEntry{{"T1", "T2"}})
	require.NoError(t, err)

	_, ok, _ := store.Get(ctx, RequestKey{Origin: "http://h", Method: "GET", Path: "/a"})
	require.False(t, ok)
	_, ok, _ = store.Get(ctx, RequestKey{Origin: "http://h", Method: "GET", Path: "/b"})
	require.False(t, ok)
	_, ok, _ = store.Get(ctx, RequestKey{Origin: "http://h", Method: "GET", Path: "/c"})
	require.True(t, ok, "entry not a superset of {T1,T2} must survive")
}

func TestStore_WriteThroughInvalidatesSamePath(t *testing.T) {
	store := newTestStore(t, false)
	ctx := context.Background()
	now := nowMillis()

	getFoo := RequestKey{Origin: "http://h", Method: "GET", Path: "/foo"}
	getBar := RequestKey{Origin: "http://h", Method: "GET", Path: "/bar"}
	resp := CachedResponse{StatusCode: 200, CachedAt: now, StaleAt: now + 10000, DeleteAt: now + 20000}

	for _, key := range []RequestKey{getFoo, getBar} {
		sink := store.CreateWriteStream(key, resp)
		_, _ = sink.Write([]byte("x"))
		_, err := sink.Commit(ctx)
		require.NoError(t, err)
	}

	err := store.DeleteKeys(ctx, []RequestKey{{Origin: "http://h", Method: "GET", Path: "/foo"}})
	require.NoError(t, err)

	_, ok, _ := store.Get(ctx, getFoo)
	require.False(t, ok)
	_, ok, _ = store.Get(ctx, getBar)
	require.True(t, ok, "unrelated path must be untouched")
}

func TestStore_NewVaryCreatesDistinctEntry(t *testing.T) {
	store := newTestStore(t, false)
	ctx := context.Background()
	now := nowMillis()
	v1 := "a"
	v2 := "b"

	key := RequestKey{Origin: "http://h", Method: "GET", Path: "/"}
	resp1 := CachedResponse{StatusCode: 200, CachedAt: now, StaleAt: now + 10000, DeleteAt: now + 20000, Vary: map[string]*string{"h": &v1}}
	resp2 := CachedResponse{StatusCode: 200, CachedAt: now, StaleAt: now + 10000, DeleteAt: now + 20000, Vary: map[string]*string{"h": &v2}}

	sink1 := store.CreateWriteStream(key, resp1)
	_, _ = sink1.Write([]byte("one"))
	_, err := sink1.Commit(ctx)
	require.NoError(t, err)

	sink2 := store.CreateWriteStream(key, resp2)
	_, _ = sink2.Write([]byte("two"))
	_, err = sink2.Commit(ctx)
	require.NoError(t, err)

	r1, ok, _ := store.Get(ctx, RequestKey{Origin: "http://h", Method: "GET", Path: "/", Headers: map[string]string{"h": "a"}})
	require.True(t, ok)
	require.Equal(t, [][]byte{[]byte("one")}, r1.Body)

	r2, ok, _ := store.Get(ctx, RequestKey{Origin: "http://h", Method: "GET", Path: "/", Headers: map[string]string{"h": "b"}})
	require.True(t, ok)
	require.Equal(t, [][]byte{[]byte("two")}, r2.Body)
}

func TestStore_MaxSizeDropsOversizedBody(t *testing.T) {
	s := miniredis.RunT(t)
	store, err := New(Options{Addr: s.Addr(), KeyPrefix: "test:", MaxSize: 4, Tracking: boolPtr(false)})
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	ctx := context.Background()
	now := nowMillis()
	key := RequestKey{Origin: "http://h", Method: "GET", Path: "/"}
	resp := CachedResponse{StatusCode: 200, CachedAt: now, StaleAt: now + 10000, DeleteAt: now + 20000}

	sink := store.CreateWriteStream(key, resp)
	_, _ = sink.Write([]byte("way too big"))
	committed, err := sink.Commit(ctx)
	require.NoError(t, err)
	require.False(t, committed)

	_, ok, err := store.Get(ctx, key)
	require.NoError(t, err)
	require.False(t, ok)
}

func TestStore_TrackingMirrorHonorsDeleteAt(t *testing.T) {
	s := miniredis.RunT(t)
	store, err := New(Options{Addr: s.Addr(), KeyPrefix: "test:", Tracking: boolPtr(true)})
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	ctx := context.Background()
	now := nowMillis()

	// EXPIREAT has whole-second resolution, so deleteAt must lie more than
	// a second ahead for the backend rows to outlive the commit.
	key := RequestKey{Origin: "http://h", Method: "GET", Path: "/"}
	resp := CachedResponse{StatusCode: 200, CachedAt: now, StaleAt: now + 1000, DeleteAt: now + 1500}

	sink := store.CreateWriteStream(key, resp)
	_, _ = sink.Write([]byte("x"))
	committed, err := sink.Commit(ctx)
	require.NoError(t, err)
	require.True(t, committed)

	_, ok, err := store.Get(ctx, key)
	require.NoError(t, err)
	require.True(t, ok, "entry should be servable before deleteAt")
	require.Equal(t, 1, store.tracking.Count(), "the read path populates the tracking mirror")

	time.Sleep(1600 * time.Millisecond)
	// miniredis only expires keys when its clock is advanced explicitly.
	s.FastForward(2 * time.Second)

	_, ok, err = store.Get(ctx, key)
	require.NoError(t, err)
	require.False(t, ok, "a mirrored entry past its deleteAt must not be served from the tracking cache")
	require.Equal(t, 0, store.tracking.Count(), "the expired mirror entry must be evicted on the miss, not just hidden")
}

func TestStore_TrackingCoherenceOnCascadeDelete(t *testing.T) {
	store := newTestStore(t, true)
	ctx := context.Background()
	now := nowMillis()

	key := RequestKey{Origin: "http://h", Method: "GET", Path: "/"}
	resp := CachedResponse{StatusCode: 200, CachedAt: now, StaleAt: now + 10000, DeleteAt: now + 20000}

	sink := store.CreateWriteStream(key, resp)
	_, _ = sink.Write([]byte("x"))
	_, err := sink.Commit(ctx)
	require.NoError(t, err)

	_, ok, err := store.Get(ctx, key)
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, 1, store.tracking.Count(), "read path should populate the tracking cache")

	require.NoError(t, store.Delete(ctx, key))

	_, ok, err = store.Get(ctx, key)
	require.NoError(t, err)
	require.False(t, ok, "cascade delete must invalidate the tracking cache too")
}
