package rediscache

import (
	"context"
	"io"

	"github.com/platformatic/undici-cache-redis/pkg/vary"
)

// RequestKey identifies a request for lookup purposes (spec §3.1).
type RequestKey struct {
	Origin  string
	Method  string
	Path    string
	Headers vary.Headers
	// ID, if set by the caller, is used as the entry's storage id instead
	// of minting a fresh UUID (spec §4.3.2 step 2).
	ID string
}

// CachedResponse is the persisted HTTP response payload (spec §3.1).
type CachedResponse struct {
	StatusCode    int
	StatusMessage string
	Headers       map[string][]string
	CacheControl  map[string]string
	CachedAt      int64 // ms since epoch
	StaleAt       int64
	DeleteAt      int64
	// Vary records the fingerprint this response was written under, nil
	// when it was written without one.
	Vary vary.Fingerprint
	Body [][]byte
}

// Result is what Get returns on a cache hit: the cached response plus
// fields hoisted for the interceptor's convenience (spec §4.3.1 step 5).
type Result struct {
	CachedResponse
	ETag string
}

// EntryWritten is the payload of the entry:write event (spec §4.3.2 step 6).
type EntryWritten struct {
	ID         string
	Origin     string
	Path       string
	Method     string
	StatusCode int
	Headers    map[string][]string
	CacheTags  []string
	CachedAt   int64
	StaleAt    int64
	DeleteAt   int64
}

// EntryDeleted is the payload of the entry:delete event.
type EntryDeleted struct {
	ID        string
	KeyPrefix string
}

// Events is the typed observer interface a caller implements to receive
// entry:write / entry:delete / error notifications (spec §4.5, design note
// "Callbacks / event emission": a typed channel, not a global emitter).
type Events interface {
	OnEntryWrite(EntryWritten)
	OnEntryDelete(EntryDeleted)
	OnError(error)
}

// NopEvents is a no-op Events implementation for callers that only want
// the ErrorCallback option.
type NopEvents struct{}

func (NopEvents) OnEntryWrite(EntryWritten)  {}
func (NopEvents) OnEntryDelete(EntryDeleted) {}
func (NopEvents) OnError(error)              {}

// WriteSink is the writable body sink returned by CreateWriteStream (spec
// §4.3.2, design note "Streaming write"). Write buffers synchronously;
// Commit performs the terminal multi-key pipeline. Implementations in
// languages without first-class streams expose Write+Commit explicitly,
// which is exactly this shape.
type WriteSink interface {
	io.Writer
	// Commit finalizes the entry. It is a no-op (and returns false) if the
	// body was dropped earlier for exceeding MaxSize.
	Commit(ctx context.Context) (committed bool, err error)
	// IsFull reports whether this sink refused the write outright. Part of
	// the public contract per spec §6.1 — the current implementation
	// always returns false (spec §9 open question: maxEntries is
	// unimplemented).
	IsFull() bool
}

// TagEntry is one element of a DeleteTags call: either a single tag, or a
// conjunction of tags that must all be present (spec §4.3.4).
type TagEntry []string
