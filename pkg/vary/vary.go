// Package vary implements the Vary-fingerprint matching algorithm shared by
// the tracking cache (C2) and the cache store's read path (C3), so that a
// request with a given shape (origin, path, method) can be disambiguated
// between multiple cached variants.
package vary

// Fingerprint maps a header name to either a required value, or nil meaning
// "this header must be absent (or match any non-set)" — the null-vary edge
// case from the spec.
type Fingerprint map[string]*string

// Headers is the request-side header bag consulted during matching. Each
// value is the header as observed on the request; a missing key means the
// header was not sent.
type Headers map[string]string

// Match reports whether reqHeaders satisfies fp. Every entry of fp must be
// satisfied: a non-nil required value must equal the observed header value
// (case-sensitive, as stored); a nil entry requires the header to be
// unset — unset and an explicit empty value are NOT treated as equivalent,
// only unset and explicit-null are.
func Match(fp Fingerprint, reqHeaders Headers) bool {
	for name, required := range fp {
		val, present := reqHeaders[name]
		if required == nil {
			if present {
				return false
			}
			continue
		}
		if !present || val != *required {
			return false
		}
	}
	return true
}

// Equal reports whether two fingerprints are structurally identical —
// same header names, same required values (nil meaning "must be absent"
// compares equal only to nil). Used to recognize "the same Vary
// variant" when replacing an existing entry on write.
func Equal(a, b Fingerprint) bool {
	if len(a) != len(b) {
		return false
	}
	for name, av := range a {
		bv, ok := b[name]
		if !ok {
			return false
		}
		if (av == nil) != (bv == nil) {
			return false
		}
		if av != nil && *av != *bv {
			return false
		}
	}
	return true
}
