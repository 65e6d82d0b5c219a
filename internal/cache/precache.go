package cache

import (
	"context"
	"net/http"
	"net/url"
)

// PrecacheResult summarizes one precache pass.
type PrecacheResult struct {
	Fetched int
	Failed  int
}

// Complete reports whether every asset made it into the static bucket.
func (r PrecacheResult) Complete() bool {
	return r.Failed == 0
}

// Precache warms the static bucket with the manifest's asset list.
// Assets are resolved against origin, so both "/app.js" and absolute
// URLs work. A failed asset is logged and skipped rather than aborting
// the pass; the only error returned is context cancellation. Callers
// announce offline readiness once the pass completes.
func (t *Transport) Precache(ctx context.Context, origin *url.URL, assets []string) (PrecacheResult, error) {
	var res PrecacheResult
	dec := Decision{Kind: KindStatic}

	for _, asset := range assets {
		if err := ctx.Err(); err != nil {
			return res, err
		}

		u, err := origin.Parse(asset)
		if err != nil {
			res.Failed++
			t.logger.Warn("precache asset has invalid URL", "asset", asset, "error", err)
			continue
		}
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, u.String(), nil)
		if err != nil {
			res.Failed++
			t.logger.Warn("precache request build failed", "asset", asset, "error", err)
			continue
		}

		resp, body, err := t.fetch(ctx, req)
		if err != nil {
			res.Failed++
			t.logger.Warn("precache fetch failed", "asset", asset, "error", err)
			continue
		}
		if !cacheable(resp) {
			res.Failed++
			t.logger.Warn("precache fetch returned unexpected status", "asset", asset, "status", resp.StatusCode)
			continue
		}

		key := RequestKey(req)
		e := Entry{
			Key:        key,
			URL:        u.String(),
			StatusCode: resp.StatusCode,
			Header:     resp.Header.Clone(),
			Body:       body,
			FetchedAt:  t.now().UnixMilli(),
		}
		if err := t.buckets.Put(ctx, t.bucket(dec), e); err != nil {
			res.Failed++
			t.logger.Warn("precache write failed", "asset", asset, "error", err)
			continue
		}
		res.Fetched++
	}

	t.logger.Info("precache pass complete",
		"version", t.version,
		"fetched", res.Fetched,
		"failed", res.Failed)
	return res, nil
}
