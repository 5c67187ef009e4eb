package cache

import (
	"crypto/sha256"
	"encoding/hex"
	"strings"
)

// DefaultKeyPrefix namespaces keys built by Key.
const DefaultKeyPrefix = "api-cache:"

// Key builds the cache key for a request using DefaultKeyPrefix.
func Key(method, url string, body []byte) string {
	return KeyWithPrefix(DefaultKeyPrefix, method, url, body)
}

// KeyWithPrefix builds "<prefix><METHOD> <url>", followed by "#" and a short
// body digest when body is non-empty.
func KeyWithPrefix(prefix, method, url string, body []byte) string {
	var b strings.Builder
	b.Grow(len(prefix) + len(method) + len(url) + 18)
	b.WriteString(prefix)
	b.WriteString(strings.ToUpper(method))
	b.WriteByte(' ')
	b.WriteString(url)
	if len(body) > 0 {
		sum := sha256.Sum256(body)
		b.WriteByte('#')
		b.WriteString(hex.EncodeToString(sum[:])[:16])
	}
	return b.String()
}

// ParseKey splits a key built with prefix back into its method and URL.
func ParseKey(prefix, key string) (method, url string, ok bool) {
	rest, found := strings.CutPrefix(key, prefix)
	if !found {
		return "", "", false
	}
	method, url, found = strings.Cut(rest, " ")
	if !found || method == "" {
		return "", "", false
	}
	if i := strings.LastIndexByte(url, '#'); i >= 0 && len(url)-i == 17 {
		url = url[:i]
	}
	return method, url, true
}
