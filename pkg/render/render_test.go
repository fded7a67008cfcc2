package render

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"atelier/pkg/config"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestHTTPRenderer_Render(t *testing.T) {
	t.Run("successful render", func(t *testing.T) {
		server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			assert.Equal(t, http.MethodPost, r.Method)
			assert.Equal(t, "/v1/render", r.URL.Path)
			assert.Equal(t, "Bearer test-key", r.Header.Get("Authorization"))

			var req renderRequest
			require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
			assert.Equal(t, "p1", req.ProductID)
			assert.Equal(t, "gold", req.MaterialID)
			assert.Equal(t, []string{"webp", "png"}, req.Encodings)

			_ = json.NewEncoder(w).Encode(renderResponse{
				BundleID: "bundle-1",
				Encodings: map[string]renderFile{
					"webp": {URI: "/cdn/p1/gold.webp", SizeBytes: 2048},
					"png":  {URI: "/cdn/p1/gold.png", SizeBytes: 8192},
				},
				Checksum: "abc123",
			})
		}))
		defer server.Close()

		renderer := NewHTTPRenderer(config.RenderConfig{
			BaseURL:   server.URL,
			APIKey:    "test-key",
			Timeout:   5 * time.Second,
			Encodings: []string{"webp", "png"},
		})

		bundle, err := renderer.Render(context.Background(), "p1", "gold")
		require.NoError(t, err)
		assert.Equal(t, "bundle-1", bundle.ID)
		assert.Equal(t, "p1", bundle.ProductID)
		assert.Equal(t, "gold", bundle.MaterialID)
		assert.Equal(t, "abc123", bundle.Checksum)
		assert.Equal(t, int64(2048+8192), bundle.SizeBytes)
		assert.Equal(t, "/cdn/p1/gold.webp", bundle.Encodings["webp"].URI)
		assert.False(t, bundle.GeneratedAt.IsZero())
	})

	t.Run("api error with message", func(t *testing.T) {
		server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(http.StatusServiceUnavailable)
			_ = json.NewEncoder(w).Encode(errorResponse{Message: "render farm overloaded"})
		}))
		defer server.Close()

		renderer := NewHTTPRenderer(config.RenderConfig{
			BaseURL: server.URL,
			Timeout: 5 * time.Second,
		})

		_, err := renderer.Render(context.Background(), "p1", "gold")
		require.Error(t, err)
		assert.Contains(t, err.Error(), "render farm overloaded")
		assert.False(t, errors.Is(err, ErrRenderTimeout))
	})

	t.Run("transport timeout returns sentinel", func(t *testing.T) {
		server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			time.Sleep(300 * time.Millisecond)
			w.WriteHeader(http.StatusOK)
		}))
		defer server.Close()

		renderer := NewHTTPRenderer(config.RenderConfig{
			BaseURL: server.URL,
			Timeout: 50 * time.Millisecond,
		})

		_, err := renderer.Render(context.Background(), "p1", "gold")
		require.Error(t, err)
		assert.True(t, errors.Is(err, ErrRenderTimeout))
	})

	t.Run("context deadline returns sentinel", func(t *testing.T) {
		server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			time.Sleep(300 * time.Millisecond)
			w.WriteHeader(http.StatusOK)
		}))
		defer server.Close()

		renderer := NewHTTPRenderer(config.RenderConfig{
			BaseURL: server.URL,
			Timeout: 5 * time.Second,
		})

		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Millisecond)
		defer cancel()

		_, err := renderer.Render(ctx, "p1", "gold")
		require.Error(t, err)
		assert.True(t, errors.Is(err, ErrRenderTimeout))
	})

	t.Run("missing bundle id is generated", func(t *testing.T) {
		server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			_ = json.NewEncoder(w).Encode(renderResponse{
				Encodings: map[string]renderFile{
					"webp": {URI: "/cdn/p1/gold.webp", SizeBytes: 1024},
				},
			})
		}))
		defer server.Close()

		renderer := NewHTTPRenderer(config.RenderConfig{
			BaseURL: server.URL,
			Timeout: 5 * time.Second,
		})

		bundle, err := renderer.Render(context.Background(), "p1", "gold")
		require.NoError(t, err)
		assert.NotEmpty(t, bundle.ID)
	})
}

func TestLocalRenderer_Render(t *testing.T) {
	renderer := NewLocalRenderer(config.RenderConfig{Encodings: []string{"webp", "png"}})

	bundle, err := renderer.Render(context.Background(), "p1", "gold")
	require.NoError(t, err)
	assert.NotEmpty(t, bundle.ID)
	assert.Equal(t, "p1", bundle.ProductID)
	assert.Equal(t, "gold", bundle.MaterialID)
	assert.Len(t, bundle.Encodings, 2)
	assert.Equal(t, "/assets/p1/gold.webp", bundle.Encodings["webp"].URI)
	assert.NotEmpty(t, bundle.Checksum)
	assert.Greater(t, bundle.SizeBytes, int64(0))

	// Sizes are stable across renders of the same pair
	again, err := renderer.Render(context.Background(), "p1", "gold")
	require.NoError(t, err)
	assert.Equal(t, bundle.SizeBytes, again.SizeBytes)
	assert.Equal(t, bundle.Checksum, again.Checksum)

	// Different pairs produce different payload sizes
	other, err := renderer.Render(context.Background(), "p1", "silver")
	require.NoError(t, err)
	assert.NotEqual(t, bundle.Checksum, other.Checksum)
}

func TestLocalRenderer_Cancellation(t *testing.T) {
	renderer := NewLocalRenderer(config.RenderConfig{})

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := renderer.Render(ctx, "p1", "gold")
	require.Error(t, err)
	assert.True(t, errors.Is(err, context.Canceled))
}

func TestNew_BackendSelection(t *testing.T) {
	t.Run("defaults to local without base url", func(t *testing.T) {
		r, err := New(config.RenderConfig{})
		require.NoError(t, err)
		assert.IsType(t, &LocalRenderer{}, r)
	})

	t.Run("defaults to http with base url", func(t *testing.T) {
		r, err := New(config.RenderConfig{BaseURL: "http://render.internal"})
		require.NoError(t, err)
		assert.IsType(t, &HTTPRenderer{}, r)
	})

	t.Run("explicit backend wins", func(t *testing.T) {
		r, err := New(config.RenderConfig{Backend: "local", BaseURL: "http://render.internal"})
		require.NoError(t, err)
		assert.IsType(t, &LocalRenderer{}, r)
	})

	t.Run("http backend requires base url", func(t *testing.T) {
		_, err := New(config.RenderConfig{Backend: "http"})
		require.Error(t, err)
	})

	t.Run("unknown backend is rejected", func(t *testing.T) {
		_, err := New(config.RenderConfig{Backend: "gpu-farm"})
		require.Error(t, err)
		assert.Contains(t, err.Error(), "unsupported render backend")
	})
}
