package rediscache

import (
	"strings"

	"github.com/goccy/go-json"

	"github.com/platformatic/undici-cache-redis/pkg/vary"
)

// metadataRecord is the hash stored at a metadata key (spec §3.2): a
// pointer record plus the optional Vary fingerprint (serialized to JSON
// since Redis hash fields are flat strings).
type metadataRecord struct {
	IDKey    string `redis:"idKey"`
	ValueKey string `redis:"valueKey"`
	TagsKey  string `redis:"tagsKey"`
	Vary     string `redis:"vary"`
}

func (r metadataRecord) fields() map[string]interface{} {
	f := map[string]interface{}{
		"idKey":    r.IDKey,
		"valueKey": r.ValueKey,
	}
	if r.TagsKey != "" {
		f["tagsKey"] = r.TagsKey
	}
	if r.Vary != "" {
		f["vary"] = r.Vary
	}
	return f
}

func decodeVary(encoded string) (vary.Fingerprint, error) {
	if encoded == "" {
		return nil, nil
	}
	var fp vary.Fingerprint
	if err := json.Unmarshal([]byte(encoded), &fp); err != nil {
		return nil, err
	}
	return fp, nil
}

func encodeVary(fp vary.Fingerprint) (string, error) {
	if len(fp) == 0 {
		return "", nil
	}
	b, err := json.Marshal(fp)
	if err != nil {
		return "", err
	}
	return string(b), nil
}

// valueRecord is the JSON payload stored at a values key: the full Cached
// Response, including its body chunk array.
type valueRecord struct {
	StatusCode    int                 `json:"statusCode"`
	StatusMessage string              `json:"statusMessage"`
	Headers       map[string][]string `json:"headers"`
	CacheControl  map[string]string   `json:"cacheControl"`
	CachedAt      int64               `json:"cachedAt"`
	StaleAt       int64               `json:"staleAt"`
	DeleteAt      int64               `json:"deleteAt"`
	Vary          vary.Fingerprint    `json:"vary,omitempty"`
	Body          [][]byte            `json:"body"`
}

func toValueRecord(resp CachedResponse) valueRecord {
	return valueRecord{
		StatusCode:    resp.StatusCode,
		StatusMessage: resp.StatusMessage,
		Headers:       resp.Headers,
		CacheControl:  resp.CacheControl,
		CachedAt:      resp.CachedAt,
		StaleAt:       resp.StaleAt,
		DeleteAt:      resp.DeleteAt,
		Vary:          resp.Vary,
		Body:          resp.Body,
	}
}

func (v valueRecord) toCachedResponse() CachedResponse {
	return CachedResponse{
		StatusCode:    v.StatusCode,
		StatusMessage: v.StatusMessage,
		Headers:       v.Headers,
		CacheControl:  v.CacheControl,
		CachedAt:      v.CachedAt,
		StaleAt:       v.StaleAt,
		DeleteAt:      v.DeleteAt,
		Vary:          v.Vary,
		Body:          v.Body,
	}
}

// DecodeMetadataHash parses a metadata row's raw hash fields, for callers
// that observe metadata rows directly rather than through Get (the cache
// manager).
func DecodeMetadataHash(h map[string]string) (idKey, valueKey, tagsKey string, fp vary.Fingerprint, err error) {
	idKey = h["idKey"]
	valueKey = h["valueKey"]
	tagsKey = h["tagsKey"]
	fp, err = decodeVary(h["vary"])
	return
}

// DecodeCachedResponse decodes a values-key JSON payload.
func DecodeCachedResponse(raw []byte) (CachedResponse, error) {
	var vr valueRecord
	if err := json.Unmarshal(raw, &vr); err != nil {
		return CachedResponse{}, err
	}
	return vr.toCachedResponse(), nil
}

// headerValue looks up a header case-insensitively, returning the joined
// comma-separated value the way a single combined header line would read.
func headerValue(headers map[string][]string, name string) (string, bool) {
	for k, v := range headers {
		if strings.EqualFold(k, name) {
			return strings.Join(v, ", "), len(v) > 0
		}
	}
	return "", false
}

// splitTags splits a Cache-Tag-style header value on commas, trims
// whitespace, and drops empty segments.
func splitTags(value string) []string {
	parts := strings.Split(value, ",")
	tags := make([]string, 0, len(parts))
	for _, p := range parts {
		p = strings.TrimSpace(p)
		if p != "" {
			tags = append(tags, p)
		}
	}
	return tags
}
