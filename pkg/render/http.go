package render

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"time"

	"atelier/internal/model"
	"atelier/pkg/config"
	"atelier/pkg/logger"

	"github.com/google/uuid"
)

// HTTPRenderer calls an external render farm over its JSON API.
type HTTPRenderer struct {
	apiKey     string
	baseURL    string
	encodings  []string
	httpClient *http.Client
}

// renderRequest is the render submission payload.
type renderRequest struct {
	ProductID  string   `json:"product_id"`
	MaterialID string   `json:"material_id"`
	Encodings  []string `json:"encodings"`
}

// renderResponse is the render farm's reply for a finished bundle.
type renderResponse struct {
	BundleID  string                `json:"bundle_id"`
	Encodings map[string]renderFile `json:"encodings"`
	Checksum  string                `json:"checksum"`
}

type renderFile struct {
	URI       string `json:"uri"`
	SizeBytes int64  `json:"size_bytes"`
}

// errorResponse is the render farm's error payload.
type errorResponse struct {
	Message string `json:"message"`
}

// NewHTTPRenderer creates a render farm client.
func NewHTTPRenderer(cfg config.RenderConfig) *HTTPRenderer {
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = config.DefaultRenderConfig().Timeout
	}
	encodings := cfg.Encodings
	if len(encodings) == 0 {
		encodings = config.DefaultRenderConfig().Encodings
	}

	return &HTTPRenderer{
		apiKey:    cfg.APIKey,
		baseURL:   cfg.BaseURL,
		encodings: encodings,
		httpClient: &http.Client{
			Timeout: timeout,
		},
	}
}

// Render submits one (product, material) pair and blocks until the farm
// returns the finished bundle. A deadline or transport timeout comes back
// wrapped in ErrRenderTimeout so callers can retry it as transient.
func (r *HTTPRenderer) Render(ctx context.Context, productID, materialID string) (*model.AssetBundle, error) {
	url := r.baseURL + "/v1/render"

	start := time.Now()
	respData, err := r.doRequest(ctx, http.MethodPost, url, &renderRequest{
		ProductID:  productID,
		MaterialID: materialID,
		Encodings:  r.encodings,
	})
	if err != nil {
		if isTimeout(err) {
			return nil, fmt.Errorf("render %s/%s: %w", productID, materialID, ErrRenderTimeout)
		}
		return nil, err
	}

	var resp renderResponse
	if err := json.Unmarshal(respData, &resp); err != nil {
		return nil, fmt.Errorf("failed to parse render response: %w", err)
	}

	bundle := &model.AssetBundle{
		ID:          resp.BundleID,
		ProductID:   productID,
		MaterialID:  materialID,
		Encodings:   make(map[string]model.AssetFile, len(resp.Encodings)),
		Checksum:    resp.Checksum,
		GeneratedMS: time.Since(start).Milliseconds(),
		GeneratedAt: time.Now(),
	}
	if bundle.ID == "" {
		bundle.ID = uuid.New().String()
	}
	for name, f := range resp.Encodings {
		bundle.Encodings[name] = model.AssetFile{URI: f.URI, SizeBytes: f.SizeBytes}
		bundle.SizeBytes += f.SizeBytes
	}

	return bundle, nil
}

// doRequest performs an HTTP request with authentication and decodes
// error payloads into readable messages.
func (r *HTTPRenderer) doRequest(ctx context.Context, method, url string, body interface{}) ([]byte, error) {
	var reqBody io.Reader
	if body != nil {
		jsonData, err := json.Marshal(body)
		if err != nil {
			return nil, fmt.Errorf("failed to marshal request body: %w", err)
		}
		reqBody = bytes.NewReader(jsonData)
		logger.Debugf("Render API Request: %s %s, Body: %s", method, url, string(jsonData))
	} else {
		logger.Debugf("Render API Request: %s %s", method, url)
	}

	req, err := http.NewRequestWithContext(ctx, method, url, reqBody)
	if err != nil {
		return nil, fmt.Errorf("failed to create HTTP request: %w", err)
	}

	req.Header.Set("Content-Type", "application/json")
	if r.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+r.apiKey)
	}

	resp, err := r.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("failed to execute render request: %w", err)
	}
	defer resp.Body.Close()

	respData, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read response body: %w", err)
	}

	logger.Debugf("Render API Response: Status %d, Body: %s", resp.StatusCode, string(respData))

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		var errResp errorResponse
		if err := json.Unmarshal(respData, &errResp); err == nil && errResp.Message != "" {
			return nil, fmt.Errorf("render API error (status %d): %s", resp.StatusCode, errResp.Message)
		}
		return nil, fmt.Errorf("render API error (status %d): %s", resp.StatusCode, string(respData))
	}

	return respData, nil
}

// isTimeout reports whether err came from an expired deadline, either the
// request context's or the transport's.
func isTimeout(err error) bool {
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var nerr net.Error
	return errors.As(err, &nerr) && nerr.Timeout()
}
