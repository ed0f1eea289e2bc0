package eventstream

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/imgfloat/server-sub000/internal/domain"
	"github.com/imgfloat/server-sub000/internal/platform/retry"
)

const maxAssetListBytes = 16 << 20

// AssetFetcher loads the complete asset list the surface bootstraps from.
type AssetFetcher struct {
	url    string
	header http.Header
	client *http.Client
	policy retry.Policy
}

func NewAssetFetcher(url string, header http.Header, client *http.Client, policy retry.Policy) *AssetFetcher {
	if client == nil {
		client = &http.Client{Timeout: 15 * time.Second}
	}
	if policy.MaxAttempts == 0 {
		policy = retry.Policy{MaxAttempts: 5, InitialBackoff: 500 * time.Millisecond, MaxBackoff: 10 * time.Second}
	}
	if policy.OnRetry == nil {
		policy.OnRetry = func(attempt int, err error, backoff time.Duration) {
			slog.Warn("Asset list fetch failed, retrying", "attempt", attempt, "backoff", backoff, "error", err)
		}
	}
	return &AssetFetcher{url: url, header: header, client: client, policy: policy}
}

// FetchAssets accepts either a bare JSON array of assets or an object with an
// "assets" array.
func (f *AssetFetcher) FetchAssets(ctx context.Context) ([]domain.AssetPatch, error) {
	return retry.Do(ctx, f.policy, classifyDial, f.fetch)
}

func (f *AssetFetcher) fetch(ctx context.Context) ([]domain.AssetPatch, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, f.url, nil)
	if err != nil {
		return nil, &retry.PermanentError{Err: err}
	}
	for k, vs := range f.header {
		for _, v := range vs {
			req.Header.Add(k, v)
		}
	}
	req.Header.Set("Accept", "application/json")

	resp, err := f.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("fetch asset list: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return nil, &statusError{URL: f.url, Status: resp.StatusCode}
	}
	body, err := io.ReadAll(io.LimitReader(resp.Body, maxAssetListBytes))
	if err != nil {
		return nil, fmt.Errorf("read asset list: %w", err)
	}
	return decodeAssetList(body)
}

func decodeAssetList(body []byte) ([]domain.AssetPatch, error) {
	body = bytes.TrimSpace(body)
	var assets []domain.AssetPatch
	if len(body) > 0 && body[0] == '[' {
		if err := json.Unmarshal(body, &assets); err != nil {
			return nil, &retry.PermanentError{Err: fmt.Errorf("%w: %v", ErrMalformedEvent, err)}
		}
	} else {
		var wrapped struct {
			Assets []domain.AssetPatch `json:"assets"`
		}
		if err := json.Unmarshal(body, &wrapped); err != nil {
			return nil, &retry.PermanentError{Err: fmt.Errorf("%w: %v", ErrMalformedEvent, err)}
		}
		assets = wrapped.Assets
	}

	out := assets[:0]
	for _, a := range assets {
		if a.ID == "" {
			slog.Debug("Skipping asset without id")
			continue
		}
		out = append(out, a)
	}
	return out, nil
}
