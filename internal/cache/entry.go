package cache

import (
	"bytes"
	"fmt"
	"io"
	"net/http"
	"time"
)

// Kind partitions cached responses by how they are refreshed.
type Kind string

const (
	KindStatic  Kind = "static"
	KindDynamic Kind = "dynamic"
	KindAPI     Kind = "api"
	KindImages  Kind = "images"
)

// Kinds lists every bucket kind a build maintains.
var Kinds = []Kind{KindStatic, KindDynamic, KindAPI, KindImages}

// Name returns the bucket name for a kind under a build version,
// e.g. Name(KindStatic, "v47") == "static-v47".
func Name(kind Kind, version string) string {
	return string(kind) + "-" + version
}

// Entry is one cached response, addressed by canonical key within a bucket.
type Entry struct {
	Key        string
	URL        string
	StatusCode int
	Header     http.Header
	Body       []byte
	FetchedAt  int64 // unix milliseconds
}

// FetchedTime returns FetchedAt as a time.Time.
func (e Entry) FetchedTime() time.Time {
	return time.UnixMilli(e.FetchedAt)
}

// Age reports how long ago the entry was fetched.
func (e Entry) Age(now time.Time) time.Duration {
	return now.Sub(e.FetchedTime())
}

// Fresh reports whether the entry is within maxAge. A zero or negative
// maxAge means nothing qualifies as fresh.
func (e Entry) Fresh(now time.Time, maxAge time.Duration) bool {
	if maxAge <= 0 {
		return false
	}
	return e.Age(now) <= maxAge
}

// Response materializes the entry as an *http.Response for req.
// The header is cloned so callers may annotate it freely.
func (e Entry) Response(req *http.Request) *http.Response {
	h := e.Header.Clone()
	if h == nil {
		h = make(http.Header)
	}
	return &http.Response{
		Status:        fmt.Sprintf("%d %s", e.StatusCode, http.StatusText(e.StatusCode)),
		StatusCode:    e.StatusCode,
		Proto:         "HTTP/1.1",
		ProtoMajor:    1,
		ProtoMinor:    1,
		Header:        h,
		Body:          io.NopCloser(bytes.NewReader(e.Body)),
		ContentLength: int64(len(e.Body)),
		Request:       req,
	}
}
