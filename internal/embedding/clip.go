package embedding

import (
	"bytes"
	"context"
	"encoding/base64"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/goccy/go-json"
)

const defaultImageHTTPTimeout = 15 * time.Second

// ImageModel embeds a photograph into a unit-length feature vector.
type ImageModel interface {
	EmbedImage(ctx context.Context, data []byte) ([]float32, error)
	Version() string
	Dimensions() int
}

// ClipConfig configures the REST image embedding client.
type ClipConfig struct {
	BaseURL    string
	Model      string
	Dimensions int
	Timeout    time.Duration
}

// clipModel calls a CLIP-compatible REST endpoint that accepts base64-encoded
// images and returns float vectors.
type clipModel struct {
	client     *http.Client
	baseURL    string
	modelName  string
	dimensions int
}

type clipEmbedRequest struct {
	Image string `json:"image"`
	Model string `json:"model"`
}

type clipEmbedResponse struct {
	Embedding []float32 `json:"embedding"`
	Model     string    `json:"model"`
}

// NewClipModel creates the REST image embedding client.
func NewClipModel(cfg ClipConfig) (ImageModel, error) {
	if cfg.BaseURL == "" {
		return nil, fmt.Errorf("image embedding base URL is required")
	}
	if cfg.Dimensions <= 0 {
		return nil, fmt.Errorf("image embedding dimensions must be positive")
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = defaultImageHTTPTimeout
	}
	return &clipModel{
		client:     &http.Client{Timeout: timeout},
		baseURL:    strings.TrimRight(cfg.BaseURL, "/"),
		modelName:  cfg.Model,
		dimensions: cfg.Dimensions,
	}, nil
}

func (m *clipModel) Version() string { return m.modelName }
func (m *clipModel) Dimensions() int { return m.dimensions }

// EmbedImage sends one image to the embedding endpoint. The caller owns
// failure policy; this method never fabricates a vector.
func (m *clipModel) EmbedImage(ctx context.Context, data []byte) ([]float32, error) {
	if len(data) == 0 {
		return nil, fmt.Errorf("empty image payload")
	}

	body, err := json.Marshal(clipEmbedRequest{
		Image: base64.StdEncoding.EncodeToString(data),
		Model: m.modelName,
	})
	if err != nil {
		return nil, fmt.Errorf("marshal image embed request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, m.baseURL+"/embed/image", bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("create image embed request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := m.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("send image embed request to %s: %w", m.baseURL, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		snippet, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return nil, fmt.Errorf("image embed API error (model=%s, status=%d): %s",
			m.modelName, resp.StatusCode, strings.TrimSpace(string(snippet)))
	}

	var embedResp clipEmbedResponse
	if err := json.NewDecoder(resp.Body).Decode(&embedResp); err != nil {
		return nil, fmt.Errorf("decode image embed response: %w", err)
	}
	if len(embedResp.Embedding) != m.dimensions {
		return nil, fmt.Errorf("image embed API returned %d dimensions, want %d",
			len(embedResp.Embedding), m.dimensions)
	}
	return embedResp.Embedding, nil
}

// noopImageModel is used when no embedding endpoint is configured. Every call
// fails, which the service degrades to zero vectors.
type noopImageModel struct {
	dimensions int
}

// NewNoopImageModel returns an image model that always fails.
func NewNoopImageModel(dimensions int) ImageModel {
	return &noopImageModel{dimensions: dimensions}
}

func (m *noopImageModel) Version() string { return "noop" }
func (m *noopImageModel) Dimensions() int { return m.dimensions }

func (m *noopImageModel) EmbedImage(context.Context, []byte) ([]float32, error) {
	return nil, fmt.Errorf("no image embedding endpoint configured")
}
