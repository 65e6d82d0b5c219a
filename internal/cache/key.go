package cache

import (
	"crypto/sha256"
	"encoding/hex"
	"net/http"
	"net/url"
	"sort"
	"strings"

	"golang.org/x/text/unicode/norm"
)

// keyDomain versions the key derivation. Bumping it orphans every
// existing entry, which is the correct outcome if the algorithm changes.
const keyDomain = "satchel/cachekey/v1"

// canonical holds the normalized URL components a key is derived from.
type canonical struct {
	scheme string
	host   string
	path   string
	query  string
}

// RequestKey returns the bucket key for an outbound request.
func RequestKey(req *http.Request) string {
	return Key(req.Method, req.URL)
}

// Key computes the canonical cache key for a method and URL.
// URLs that differ only in query parameter order, default ports, host
// case, or Unicode normalization of the path produce the same key.
// Fragments never reach the server and are ignored.
func Key(method string, u *url.URL) string {
	c := canonicalize(u)
	h := sha256.New()
	// The null separator keeps field boundaries unambiguous.
	sep := []byte{0x00}
	h.Write([]byte(keyDomain))
	h.Write(sep)
	h.Write([]byte(strings.ToUpper(method)))
	h.Write(sep)
	h.Write([]byte(c.scheme))
	h.Write(sep)
	h.Write([]byte(c.host))
	h.Write(sep)
	h.Write([]byte(c.path))
	h.Write(sep)
	h.Write([]byte(c.query))
	return hex.EncodeToString(h.Sum(nil))
}

// CanonicalURL reports the normalized form a key is derived from.
// Useful for logs and troubleshooting; Key is what the buckets use.
func CanonicalURL(u *url.URL) string {
	c := canonicalize(u)
	var b strings.Builder
	b.WriteString(c.scheme)
	b.WriteString("://")
	b.WriteString(c.host)
	b.WriteString(c.path)
	if c.query != "" {
		b.WriteByte('?')
		b.WriteString(c.query)
	}
	return b.String()
}

func canonicalize(u *url.URL) canonical {
	scheme := strings.ToLower(u.Scheme)
	host := strings.ToLower(u.Host)
	switch scheme {
	case "http":
		host = strings.TrimSuffix(host, ":80")
	case "https":
		host = strings.TrimSuffix(host, ":443")
	}
	// NFC at the derivation boundary so composed and decomposed forms
	// of the same path address the same entry.
	path := norm.NFC.String(u.Path)
	if path == "" {
		path = "/"
	}
	return canonical{
		scheme: scheme,
		host:   host,
		path:   path,
		query:  canonicalQuery(u.Query()),
	}
}

// canonicalQuery renders query parameters sorted by key, then by value
// within a key, in application/x-www-form-urlencoded form.
func canonicalQuery(values url.Values) string {
	if len(values) == 0 {
		return ""
	}
	keys := make([]string, 0, len(values))
	for k := range values {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	var parts []string
	for _, k := range keys {
		vs := append([]string(nil), values[k]...)
		sort.Strings(vs)
		for _, v := range vs {
			parts = append(parts, url.QueryEscape(k)+"="+url.QueryEscape(v))
		}
	}
	return strings.Join(parts, "&")
}
