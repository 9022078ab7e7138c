package cache

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"strings"
)

// ResourceScheme prefixes the URIs under which cache entries are exposed.
const ResourceScheme = "internal://cache/"

const (
	urlHashLen  = 32 // hex chars, first 16 bytes of SHA-256
	varyHashLen = 16 // hex chars, first 8 bytes of SHA-256
)

// Key builds a cache key from namespace, url and an optional vary string:
// <namespace>:<urlHash>[.<varyHash>]. Call sites pass the normalized URL
// so equivalent spellings share an entry.
func Key(namespace, url, vary string) string {
	sum := sha256.Sum256([]byte(url))
	key := namespace + ":" + hex.EncodeToString(sum[:urlHashLen/2])
	if vary != "" {
		vsum := sha256.Sum256([]byte(vary))
		key += "." + hex.EncodeToString(vsum[:varyHashLen/2])
	}
	return key
}

// SplitKey returns the namespace and url-hash parts of a cache key,
// dropping any vary suffix.
func SplitKey(key string) (namespace, urlHash string, ok bool) {
	namespace, rest, found := strings.Cut(key, ":")
	if !found || namespace == "" {
		return "", "", false
	}
	urlHash, _, _ = strings.Cut(rest, ".")
	if len(urlHash) != urlHashLen || !isHex(urlHash) {
		return "", "", false
	}
	return namespace, urlHash, true
}

// ResourceURI renders the resource URI a cache key is exposed under.
func ResourceURI(key string) (string, bool) {
	namespace, urlHash, ok := SplitKey(key)
	if !ok {
		return "", false
	}
	return ResourceScheme + namespace + "/" + urlHash, true
}

// ParseResourceURI extracts the namespace and url hash from a cache
// resource URI.
func ParseResourceURI(uri string) (namespace, urlHash string, err error) {
	rest, found := strings.CutPrefix(uri, ResourceScheme)
	if !found {
		return "", "", fmt.Errorf("not a cache resource uri: %q", uri)
	}
	namespace, urlHash, found = strings.Cut(rest, "/")
	if !found || namespace == "" || len(urlHash) != urlHashLen || !isHex(urlHash) {
		return "", "", fmt.Errorf("malformed cache resource uri: %q", uri)
	}
	return namespace, urlHash, nil
}

func isHex(s string) bool {
	for i := 0; i < len(s); i++ {
		c := s[i]
		if (c < '0' || c > '9') && (c < 'a' || c > 'f') {
			return false
		}
	}
	return true
}
