package cache

import (
	"net/http"
	"path"
	"sort"
	"strings"
	"time"
)

// Policy selects how a route is served and refreshed.
type Policy string

const (
	PolicyNetworkFirst         Policy = "network-first"
	PolicyCacheFirst           Policy = "cache-first"
	PolicyStaleWhileRevalidate Policy = "stale-while-revalidate"
)

// Decision is the outcome of classifying one request.
type Decision struct {
	Policy Policy
	Kind   Kind
	MaxAge time.Duration
}

// Rules configures classification. The zero value classifies everything
// as stale-while-revalidate dynamic content.
type Rules struct {
	// StaticAssets are exact request paths served cache-first from the
	// static bucket, typically the precache manifest.
	StaticAssets []string
	// APIPrefixes route to network-first with cached fallback. A path
	// containing a prefix anywhere matches, so "/api/" also picks up
	// versioned mounts like "/v2/api/parties".
	APIPrefixes []string
	// ImageExtensions (with leading dot, case-insensitive) route to
	// cache-first in the images bucket.
	ImageExtensions []string

	StaticMaxAge time.Duration
	APIMaxAge    time.Duration
	ImageMaxAge  time.Duration
}

// Classifier maps requests to a policy decision. Precedence, first
// match wins: exact static asset, API prefix, image, then the
// stale-while-revalidate default. A static asset under an API prefix
// is therefore served cache-first.
type Classifier struct {
	static   map[string]struct{}
	prefixes []string
	exts     map[string]struct{}

	staticMaxAge time.Duration
	apiMaxAge    time.Duration
	imageMaxAge  time.Duration
}

// NewClassifier builds a Classifier from rules. Extension matching is
// case-insensitive; prefixes are tried longest first so the most
// specific one is reported in the decision.
func NewClassifier(r Rules) *Classifier {
	c := &Classifier{
		static:       make(map[string]struct{}, len(r.StaticAssets)),
		exts:         make(map[string]struct{}, len(r.ImageExtensions)),
		staticMaxAge: r.StaticMaxAge,
		apiMaxAge:    r.APIMaxAge,
		imageMaxAge:  r.ImageMaxAge,
	}
	for _, p := range r.StaticAssets {
		c.static[p] = struct{}{}
	}
	for _, ext := range r.ImageExtensions {
		ext = strings.ToLower(ext)
		if !strings.HasPrefix(ext, ".") {
			ext = "." + ext
		}
		c.exts[ext] = struct{}{}
	}
	c.prefixes = append([]string(nil), r.APIPrefixes...)
	sort.Slice(c.prefixes, func(i, j int) bool {
		return len(c.prefixes[i]) > len(c.prefixes[j])
	})
	return c
}

// Classify returns the policy decision for a request.
func (c *Classifier) Classify(req *http.Request) Decision {
	urlPath := req.URL.Path
	if _, ok := c.static[urlPath]; ok {
		return Decision{Policy: PolicyCacheFirst, Kind: KindStatic, MaxAge: c.staticMaxAge}
	}
	for _, p := range c.prefixes {
		if strings.Contains(urlPath, p) {
			return Decision{Policy: PolicyNetworkFirst, Kind: KindAPI, MaxAge: c.apiMaxAge}
		}
	}
	if c.image(req) {
		return Decision{Policy: PolicyCacheFirst, Kind: KindImages, MaxAge: c.imageMaxAge}
	}
	return Decision{Policy: PolicyStaleWhileRevalidate, Kind: KindDynamic}
}

func (c *Classifier) image(req *http.Request) bool {
	if ext := strings.ToLower(path.Ext(req.URL.Path)); ext != "" {
		if _, ok := c.exts[ext]; ok {
			return true
		}
	}
	return strings.HasPrefix(req.Header.Get("Accept"), "image/")
}
