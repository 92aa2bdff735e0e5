package vigil

import (
	"crypto/rand"
	"encoding/hex"
	"net/http"

	"github.com/google/uuid"
)

// HTTPDoer is an interface for making HTTP requests.
// It is implemented by *http.Client and can be mocked in tests.
type HTTPDoer interface {
	Do(req *http.Request) (*http.Response, error)
}

// newID returns a fresh identifier for transactions, spans, incidents,
// issues and alerts.
func newID() string {
	return uuid.NewString()
}

// randomHex returns n random bytes hex-encoded. Used for signing nonces.
func randomHex(n int) string {
	buf := make([]byte, n)
	if _, err := rand.Read(buf); err != nil {
		// crypto/rand never fails on supported platforms; fall back to a
		// uuid so callers always get a usable value.
		return uuid.NewString()
	}
	return hex.EncodeToString(buf)
}

// cloneTags returns a copy of a tag map, or nil for empty input.
func cloneTags(tags map[string]string) map[string]string {
	if len(tags) == 0 {
		return nil
	}
	out := make(map[string]string, len(tags))
	for k, v := range tags {
		out[k] = v
	}
	return out
}

// mergeTags copies src entries into dst, allocating dst if needed.
func mergeTags(dst, src map[string]string) map[string]string {
	if len(src) == 0 {
		return dst
	}
	if dst == nil {
		dst = make(map[string]string, len(src))
	}
	for k, v := range src {
		dst[k] = v
	}
	return dst
}

// truncate shortens s to at most n bytes.
func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n]
}
