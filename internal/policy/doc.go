// Package policy loads the build's caching manifest from CUE. The
// manifest names the build version, the precache asset list, route
// classification rules, freshness bounds, and the retry schedule for
// queued mutations. Compilation uses the CUE Go API directly; errors
// carry source positions so a bad manifest points at the offending
// line.
package policy
