package policy

import (
	"fmt"
	"strings"
	"time"

	"github.com/hallway/satchel/internal/cache"
)

// Defaults applied when the manifest omits a field.
const (
	DefaultAPIMaxAge    = 24 * time.Hour
	DefaultImageMaxAge  = 7 * 24 * time.Hour
	DefaultStaticMaxAge = 30 * 24 * time.Hour
	DefaultUpdateCheck  = time.Hour

	DefaultRetryMaxAttempts = 3
	DefaultRetryBaseDelay   = 5 * time.Second
	DefaultRetryMaxDelay    = 5 * time.Minute
)

// DefaultImageTypes classify binary media when the manifest does not
// list its own extensions.
var DefaultImageTypes = []string{".png", ".jpg", ".jpeg", ".gif", ".webp", ".svg", ".ico", ".avif"}

// DefaultAPIPrefixes route to network-first when the manifest does not
// list its own.
var DefaultAPIPrefixes = []string{"/api/"}

// Manifest is the compiled caching policy for one build.
type Manifest struct {
	// Version names the build, e.g. "v47". Bucket names and the update
	// check both derive from it.
	Version string

	// Precache lists the assets fetched into the static bucket during
	// install, resolved against the app origin.
	Precache []string

	// StaticAssets are exact paths served cache-first. Defaults to the
	// precache list.
	StaticAssets []string

	APIPrefixes []string
	ImageTypes  []string

	NetworkTimeout time.Duration
	APIMaxAge      time.Duration
	ImageMaxAge    time.Duration
	StaticMaxAge   time.Duration

	// UpdateCheck is how often an active build looks for a newer one.
	UpdateCheck time.Duration

	Retry Retry
}

// Retry is the backoff schedule for queued mutations.
type Retry struct {
	MaxAttempts int
	BaseDelay   time.Duration
	MaxDelay    time.Duration
}

// Rules converts the manifest into the classifier's configuration.
func (m *Manifest) Rules() cache.Rules {
	return cache.Rules{
		StaticAssets:    m.StaticAssets,
		APIPrefixes:     m.APIPrefixes,
		ImageExtensions: m.ImageTypes,
		StaticMaxAge:    m.StaticMaxAge,
		APIMaxAge:       m.APIMaxAge,
		ImageMaxAge:     m.ImageMaxAge,
	}
}

// applyDefaults fills unset fields after compilation.
func (m *Manifest) applyDefaults() {
	if len(m.StaticAssets) == 0 {
		m.StaticAssets = append([]string(nil), m.Precache...)
	}
	if len(m.APIPrefixes) == 0 {
		m.APIPrefixes = append([]string(nil), DefaultAPIPrefixes...)
	}
	if len(m.ImageTypes) == 0 {
		m.ImageTypes = append([]string(nil), DefaultImageTypes...)
	}
	if m.NetworkTimeout == 0 {
		m.NetworkTimeout = cache.DefaultNetworkTimeout
	}
	if m.APIMaxAge == 0 {
		m.APIMaxAge = DefaultAPIMaxAge
	}
	if m.ImageMaxAge == 0 {
		m.ImageMaxAge = DefaultImageMaxAge
	}
	if m.StaticMaxAge == 0 {
		m.StaticMaxAge = DefaultStaticMaxAge
	}
	if m.UpdateCheck == 0 {
		m.UpdateCheck = DefaultUpdateCheck
	}
	if m.Retry.MaxAttempts == 0 {
		m.Retry.MaxAttempts = DefaultRetryMaxAttempts
	}
	if m.Retry.BaseDelay == 0 {
		m.Retry.BaseDelay = DefaultRetryBaseDelay
	}
	if m.Retry.MaxDelay == 0 {
		m.Retry.MaxDelay = DefaultRetryMaxDelay
	}
}

// validate checks invariants that defaults cannot repair.
func (m *Manifest) validate() error {
	if m.Version == "" {
		return fmt.Errorf("manifest version is empty")
	}
	if strings.ContainsAny(m.Version, " /") {
		return fmt.Errorf("manifest version %q contains invalid characters", m.Version)
	}
	if len(m.Precache) == 0 {
		return fmt.Errorf("precache list is empty")
	}
	for _, asset := range m.Precache {
		if asset == "" {
			return fmt.Errorf("precache list contains an empty entry")
		}
	}
	for _, p := range m.APIPrefixes {
		if !strings.HasPrefix(p, "/") {
			return fmt.Errorf("api prefix %q must start with /", p)
		}
	}
	if m.Retry.MaxAttempts < 1 {
		return fmt.Errorf("retry maxAttempts %d must be at least 1", m.Retry.MaxAttempts)
	}
	if m.Retry.BaseDelay <= 0 {
		return fmt.Errorf("retry baseDelay must be positive")
	}
	if m.Retry.MaxDelay < m.Retry.BaseDelay {
		return fmt.Errorf("retry maxDelay %v is below baseDelay %v", m.Retry.MaxDelay, m.Retry.BaseDelay)
	}
	return nil
}
