package media

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/sony/gobreaker"

	"github.com/imgfloat/server-sub000/internal/adapter/metrics"
	"github.com/imgfloat/server-sub000/internal/platform/retry"
)

// Resource is a fetched media body.
type Resource struct {
	Data      []byte
	MediaType string
}

// StatusError is returned for non-2xx responses.
type StatusError struct {
	URL    string
	Status int
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("fetch %s: unexpected status %d", e.URL, e.Status)
}

var errTooLarge = errors.New("response body exceeds size limit")

type FetcherConfig struct {
	BaseURL     string
	MaxBytes    int64
	Timeout     time.Duration
	Retry       retry.Policy
	BreakerOpen time.Duration
}

// Fetcher downloads media over HTTP. Each host gets its own circuit breaker
// so one failing CDN does not stall loads from the others.
type Fetcher struct {
	client   *http.Client
	base     *url.URL
	maxBytes int64
	policy   retry.Policy
	open     time.Duration
	metrics  *metrics.MediaMetrics

	mu       sync.Mutex
	breakers map[string]*gobreaker.CircuitBreaker
}

func NewFetcher(cfg FetcherConfig, m *metrics.MediaMetrics) (*Fetcher, error) {
	var base *url.URL
	if cfg.BaseURL != "" {
		u, err := url.Parse(cfg.BaseURL)
		if err != nil {
			return nil, fmt.Errorf("parse media base URL: %w", err)
		}
		base = u
	}
	if cfg.MaxBytes <= 0 {
		cfg.MaxBytes = 64 << 20
	}
	if cfg.Retry.MaxAttempts == 0 {
		cfg.Retry = retry.Policy{MaxAttempts: 3, InitialBackoff: 250 * time.Millisecond, MaxBackoff: 2 * time.Second}
	}
	if cfg.BreakerOpen <= 0 {
		cfg.BreakerOpen = 30 * time.Second
	}
	return &Fetcher{
		client:   &http.Client{Timeout: cfg.Timeout},
		base:     base,
		maxBytes: cfg.MaxBytes,
		policy:   cfg.Retry,
		open:     cfg.BreakerOpen,
		metrics:  m,
		breakers: make(map[string]*gobreaker.CircuitBreaker),
	}, nil
}

// Resolve turns a possibly relative media URL into an absolute one.
func (f *Fetcher) Resolve(raw string) (*url.URL, error) {
	u, err := url.Parse(raw)
	if err != nil {
		return nil, fmt.Errorf("parse media URL: %w", err)
	}
	if !u.IsAbs() && f.base != nil {
		u = f.base.ResolveReference(u)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return nil, fmt.Errorf("unsupported media URL scheme %q", u.Scheme)
	}
	return u, nil
}

// Fetch downloads raw, retrying transient failures.
func (f *Fetcher) Fetch(ctx context.Context, raw string) (Resource, error) {
	u, err := f.Resolve(raw)
	if err != nil {
		return Resource{}, err
	}
	cb := f.breaker(u.Host)

	res, err := retry.Do(ctx, f.policy, classifyFetch, func(ctx context.Context) (Resource, error) {
		out, err := cb.Execute(func() (interface{}, error) {
			return f.get(ctx, u.String())
		})
		if err != nil {
			return Resource{}, err
		}
		return out.(Resource), nil
	})
	if f.metrics != nil {
		result := "ok"
		if err != nil {
			result = "error"
		}
		f.metrics.Fetches.WithLabelValues(result).Inc()
	}
	if err != nil {
		return Resource{}, fmt.Errorf("fetch %s: %w", u.Redacted(), err)
	}
	return res, nil
}

func (f *Fetcher) get(ctx context.Context, u string) (Resource, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return Resource{}, fmt.Errorf("build request: %w", err)
	}
	resp, err := f.client.Do(req)
	if err != nil {
		return Resource{}, err
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 4<<10))
		return Resource{}, &StatusError{URL: u, Status: resp.StatusCode}
	}

	data, err := io.ReadAll(io.LimitReader(resp.Body, f.maxBytes+1))
	if err != nil {
		return Resource{}, fmt.Errorf("read body: %w", err)
	}
	if int64(len(data)) > f.maxBytes {
		return Resource{}, errTooLarge
	}

	mediaType := resp.Header.Get("Content-Type")
	if i := strings.IndexByte(mediaType, ';'); i >= 0 {
		mediaType = mediaType[:i]
	}
	return Resource{Data: data, MediaType: strings.TrimSpace(mediaType)}, nil
}

func (f *Fetcher) breaker(host string) *gobreaker.CircuitBreaker {
	f.mu.Lock()
	defer f.mu.Unlock()

	if cb, ok := f.breakers[host]; ok {
		return cb
	}
	cb := gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        host,
		MaxRequests: 1,
		Interval:    60 * time.Second,
		Timeout:     f.open,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.Requests >= 5 && float64(counts.TotalFailures)/float64(counts.Requests) >= 0.6
		},
		IsSuccessful: func(err error) bool {
			// A 4xx is the asset's problem, not the host's.
			var se *StatusError
			return err == nil || (errors.As(err, &se) && se.Status < 500 && se.Status != http.StatusTooManyRequests)
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			slog.Warn("Media host circuit breaker state changed", "host", name, "from", from.String(), "to", to.String())
			if f.metrics != nil {
				f.metrics.BreakerChanges.WithLabelValues(to.String()).Inc()
			}
		},
	})
	f.breakers[host] = cb
	return cb
}

// BreakerState reports the breaker state for host, mainly for tests.
func (f *Fetcher) BreakerState(host string) gobreaker.State {
	return f.breaker(host).State()
}

func classifyFetch(err error) retry.Action {
	if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) ||
		errors.Is(err, errTooLarge) || errors.Is(err, context.Canceled) {
		return retry.Stop
	}
	var se *StatusError
	if errors.As(err, &se) {
		switch {
		case se.Status == http.StatusTooManyRequests:
			return retry.After
		case se.Status >= 500:
			return retry.Retry
		default:
			return retry.Stop
		}
	}
	return retry.Retry
}
