package eventstream

import (
	"context"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/imgfloat/server-sub000/internal/platform/retry"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAssetFetcher_Formats(t *testing.T) {
	tests := []struct {
		name string
		body string
		want []string
	}{
		{"bare array", `[{"id":"a"},{"id":"b"}]`, []string{"a", "b"}},
		{"wrapped", `{"assets":[{"id":"c"}]}`, []string{"c"}},
		{"skips missing ids", `[{"id":"a"},{"url":"/x.png"}]`, []string{"a"}},
		{"empty", `[]`, []string{}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				assert.Equal(t, "secret", r.Header.Get("X-Api-Key"))
				_, _ = w.Write([]byte(tt.body))
			}))
			defer srv.Close()

			f := NewAssetFetcher(srv.URL, http.Header{"X-Api-Key": {"secret"}}, nil, testPolicy())
			assets, err := f.FetchAssets(context.Background())
			require.NoError(t, err)
			ids := make([]string, 0, len(assets))
			for _, a := range assets {
				ids = append(ids, a.ID)
			}
			assert.Equal(t, tt.want, ids)
		})
	}
}

func TestAssetFetcher_RetriesServerErrors(t *testing.T) {
	var hits atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		if hits.Add(1) < 3 {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		_, _ = w.Write([]byte(`[{"id":"ok"}]`))
	}))
	defer srv.Close()

	f := NewAssetFetcher(srv.URL, nil, nil, retry.Policy{MaxAttempts: 5, InitialBackoff: time.Millisecond})
	assets, err := f.FetchAssets(context.Background())
	require.NoError(t, err)
	require.Len(t, assets, 1)
	assert.Equal(t, int32(3), hits.Load())
}

func TestAssetFetcher_PermanentFailures(t *testing.T) {
	tests := []struct {
		name   string
		status int
		body   string
	}{
		{"not found", http.StatusNotFound, ""},
		{"malformed body", http.StatusOK, `{"assets":`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var hits atomic.Int32
			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
				hits.Add(1)
				w.WriteHeader(tt.status)
				_, _ = w.Write([]byte(tt.body))
			}))
			defer srv.Close()

			f := NewAssetFetcher(srv.URL, nil, nil, testPolicy())
			_, err := f.FetchAssets(context.Background())
			require.Error(t, err)
			assert.True(t, retry.IsPermanent(err))
			assert.Equal(t, int32(1), hits.Load())
		})
	}
}
