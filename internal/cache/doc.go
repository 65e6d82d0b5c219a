// Package cache implements the HTTP response cache that keeps the app
// usable offline: versioned buckets backed by SQLite, canonical request
// keys, and a RoundTripper that applies a per-route caching policy.
//
// # Buckets
//
// Entries live in named buckets of the form {kind}-{version}, e.g.
// "static-v47". The four kinds (static, dynamic, api, images) partition
// responses by how they are refreshed; the version suffix ties every
// entry to the build that wrote it so activation can drop stale
// versions in one pass (DropVersionsExcept).
//
// # Keys
//
// A request is addressed by a canonical key derived from its method and
// URL: lowercased scheme and host, default ports stripped, NFC-normalized
// path, query parameters sorted. The components are hashed with SHA-256
// under a versioned domain string, so URLs that differ only in
// irrelevant ways (parameter order, host case) share one entry.
//
// # Policies
//
// Transport classifies each GET and dispatches one of three policies:
//
//   - network-first: try the network under a bounded timeout; fall back
//     to a cached entry no older than the route's max age.
//   - cache-first: serve a fresh entry without touching the network;
//     fetch and store on miss or expiry.
//   - stale-while-revalidate: serve whatever is cached immediately and
//     refresh it in the background for the next request.
//
// When neither network nor cache can answer, Transport synthesizes a
// 503 JSON placeholder instead of returning an error. Non-GET requests
// pass through untouched.
package cache
