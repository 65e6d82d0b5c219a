package agent

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"time"

	"github.com/hallway/satchel/internal/cache"
)

// BucketInstaller warms the static bucket for a build that is about to
// be parked, so the moment it activates it can already serve offline.
// It satisfies the lifecycle manager's installer interface.
//
// Each asset fetch is independent: one that cannot be fetched or
// stored is logged and skipped, never aborting the rest. Install fails
// only when the context is canceled or when not a single asset made it
// in; the lifecycle manager then clears the parked build and the next
// scheduled check retries, overwriting whatever was already written.
type BucketInstaller struct {
	Buckets *cache.Buckets
	Origin  *url.URL
	Assets  []string
	Client  *http.Client // defaults to a client with a 30s timeout
	Logger  *slog.Logger
	Now     func() time.Time
}

// Install fetches every asset into the static bucket named for version.
func (i *BucketInstaller) Install(ctx context.Context, version string) error {
	client := i.Client
	if client == nil {
		client = &http.Client{Timeout: 30 * time.Second}
	}
	logger := i.Logger
	if logger == nil {
		logger = slog.Default()
	}
	now := i.Now
	if now == nil {
		now = time.Now
	}

	bucket := cache.Name(cache.KindStatic, version)
	var installed, failed int
	for _, asset := range i.Assets {
		if err := ctx.Err(); err != nil {
			return err
		}

		u, err := i.Origin.Parse(asset)
		if err != nil {
			failed++
			logger.Warn("install asset has invalid URL", "version", version, "asset", asset, "error", err)
			continue
		}
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, u.String(), nil)
		if err != nil {
			failed++
			logger.Warn("install request build failed", "version", version, "asset", asset, "error", err)
			continue
		}

		resp, err := client.Do(req)
		if err != nil {
			failed++
			logger.Warn("install fetch failed", "version", version, "asset", asset, "error", err)
			continue
		}
		body, err := io.ReadAll(resp.Body)
		resp.Body.Close()
		if err != nil {
			failed++
			logger.Warn("install read failed", "version", version, "asset", asset, "error", err)
			continue
		}
		if resp.StatusCode < 200 || resp.StatusCode >= 300 {
			failed++
			logger.Warn("install fetch returned unexpected status", "version", version, "asset", asset, "status", resp.StatusCode)
			continue
		}

		e := cache.Entry{
			Key:        cache.RequestKey(req),
			URL:        u.String(),
			StatusCode: resp.StatusCode,
			Header:     resp.Header.Clone(),
			Body:       body,
			FetchedAt:  now().UnixMilli(),
		}
		if err := i.Buckets.Put(ctx, bucket, e); err != nil {
			failed++
			logger.Warn("install write failed", "version", version, "asset", asset, "error", err)
			continue
		}
		installed++
		logger.Debug("installed asset", "version", version, "asset", asset)
	}

	if installed == 0 && failed > 0 {
		return fmt.Errorf("install %s: all %d assets failed", version, failed)
	}

	logger.Info("install complete", "version", version, "installed", installed, "failed", failed)
	return nil
}
