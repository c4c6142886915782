package respcache

import (
	"encoding/json"
	"fmt"
	"hash/fnv"
	"net/url"
	"sort"
	"strings"
)

const (
	// maxPlainKeyLen is the longest composite key kept verbatim. Longer keys
	// are hashed with a readable prefix retained for debuggability.
	maxPlainKeyLen = 128

	// hashPrefixLen is how much of the original key survives in a hashed key.
	hashPrefixLen = 48
)

// KeyOptions describe the parts of a request that affect its cache identity
// beyond method and URL.
type KeyOptions struct {
	// Body is the request body, if any. JSON-serializable bodies are
	// canonicalized; raw strings are used as-is.
	Body any

	// Accept is included because it can change the response shape.
	Accept string
}

// Key derives a deterministic cache key from a request's identity. Query
// parameters are order-independent: keys are sorted, and repeated values
// within a key are sorted too.
func Key(method, rawURL string, opts KeyOptions) string {
	var sb strings.Builder
	sb.WriteString(strings.ToUpper(method))
	sb.WriteByte(':')
	sb.WriteString(normalizeURL(rawURL))

	if body := canonicalBody(opts.Body); body != "" {
		sb.WriteByte(':')
		sb.WriteString(body)
	}
	if opts.Accept != "" {
		sb.WriteByte(':')
		sb.WriteString(opts.Accept)
	}

	key := sb.String()
	if len(key) <= maxPlainKeyLen {
		return key
	}

	h := fnv.New64a()
	_, _ = h.Write([]byte(key))
	return fmt.Sprintf("%s#%016x", key[:hashPrefixLen], h.Sum64())
}

// normalizeURL sorts the query string into canonical order. Unparseable URLs
// are used verbatim: a stable key matters more than a pretty one.
func normalizeURL(rawURL string) string {
	u, err := url.Parse(rawURL)
	if err != nil {
		return rawURL
	}

	query := u.Query()
	if len(query) == 0 {
		u.RawQuery = ""
		return u.String()
	}

	keys := make([]string, 0, len(query))
	for k := range query {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	var sb strings.Builder
	for _, k := range keys {
		values := append([]string(nil), query[k]...)
		sort.Strings(values)
		for _, v := range values {
			if sb.Len() > 0 {
				sb.WriteByte('&')
			}
			sb.WriteString(url.QueryEscape(k))
			sb.WriteByte('=')
			sb.WriteString(url.QueryEscape(v))
		}
	}
	u.RawQuery = sb.String()
	return u.String()
}

// canonicalBody serializes a request body deterministically. JSON object key
// order is normalized by round-tripping through a map, which encoding/json
// marshals in sorted key order. Unserializable bodies get a fingerprint that
// preserves uniqueness rather than colliding on a constant.
func canonicalBody(body any) string {
	switch b := body.(type) {
	case nil:
		return ""
	case string:
		return b
	case []byte:
		return canonicalizeJSONBytes(b)
	case json.RawMessage:
		return canonicalizeJSONBytes(b)
	default:
		raw, err := json.Marshal(b)
		if err != nil {
			return fmt.Sprintf("unserializable:%#v", body)
		}
		return canonicalizeJSONBytes(raw)
	}
}

func canonicalizeJSONBytes(raw []byte) string {
	var decoded any
	if err := json.Unmarshal(raw, &decoded); err != nil {
		return string(raw)
	}
	canonical, err := json.Marshal(decoded)
	if err != nil {
		return string(raw)
	}
	return string(canonical)
}
