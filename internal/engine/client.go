// Package engine implements the two inference pipelines: OCR (text
// detection plus per-region recognition) and form parsing (one vision
// chat completion plus JSON repair). Model servers are external
// OpenAI-compatible HTTP services; the pipelines never touch the GPU
// directly.
package engine

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/hazyhaar/ocrd/internal/gpu"
)

// ChatRequest is an OpenAI-compatible chat completion request.
type ChatRequest struct {
	Model       string        `json:"model"`
	Messages    []ChatMessage `json:"messages"`
	MaxTokens   int           `json:"max_tokens,omitempty"`
	Temperature float64       `json:"temperature"`
}

// ChatMessage is one message with multimodal content parts.
type ChatMessage struct {
	Role    string        `json:"role"`
	Content []ContentPart `json:"content"`
}

// ContentPart is either text or an image reference.
type ContentPart struct {
	Type     string    `json:"type"`
	Text     string    `json:"text,omitempty"`
	ImageURL *ImageURL `json:"image_url,omitempty"`
}

// ImageURL carries a data URL with the base64-encoded image.
type ImageURL struct {
	URL string `json:"url"`
}

// ChatResponse is the subset of the completion response we read.
type ChatResponse struct {
	Choices []struct {
		Message struct {
			Content string `json:"content"`
		} `json:"message"`
	} `json:"choices"`
}

// BBox is a pixel-coordinate bounding box.
type BBox struct {
	X1 int `json:"x1"`
	Y1 int `json:"y1"`
	X2 int `json:"x2"`
	Y2 int `json:"y2"`
}

// Region is one detected text region.
type Region struct {
	BBox   BBox `json:"bbox"`
	Width  int  `json:"width"`
	Height int  `json:"height"`
}

type detectRequest struct {
	ImageData string `json:"image_data"`
	Format    string `json:"format"`
}

type detectResponse struct {
	Regions []Region `json:"regions"`
}

// ModelClient talks to one model server.
type ModelClient struct {
	baseURL string
	model   string
	httpc   *http.Client
	logger  *slog.Logger
}

// NewModelClient creates a client for the server at baseURL. The model
// name is sent verbatim in chat requests.
func NewModelClient(baseURL, model string, timeout time.Duration, logger *slog.Logger) *ModelClient {
	if logger == nil {
		logger = slog.Default()
	}
	if timeout <= 0 {
		timeout = 120 * time.Second
	}
	return &ModelClient{
		baseURL: strings.TrimRight(baseURL, "/"),
		model:   model,
		httpc:   &http.Client{Timeout: timeout},
		logger:  logger,
	}
}

// Chat sends a completion request and returns the first choice's content.
func (c *ModelClient) Chat(ctx context.Context, messages []ChatMessage, maxTokens int) (string, error) {
	req := ChatRequest{
		Model:       c.model,
		Messages:    messages,
		MaxTokens:   maxTokens,
		Temperature: 0,
	}

	var resp ChatResponse
	if err := c.post(ctx, "/v1/chat/completions", req, &resp); err != nil {
		return "", err
	}
	if len(resp.Choices) == 0 {
		return "", fmt.Errorf("%w: empty choices from %s", ErrInferenceFailed, c.baseURL)
	}
	return resp.Choices[0].Message.Content, nil
}

// Detect asks the detection server for text regions in the image.
func (c *ModelClient) Detect(ctx context.Context, imageData []byte, format string) ([]Region, error) {
	req := detectRequest{
		ImageData: base64.StdEncoding.EncodeToString(imageData),
		Format:    format,
	}
	var resp detectResponse
	if err := c.post(ctx, "/v1/detect", req, &resp); err != nil {
		return nil, err
	}
	return resp.Regions, nil
}

func (c *ModelClient) post(ctx context.Context, path string, in, out any) error {
	body, err := json.Marshal(in)
	if err != nil {
		return fmt.Errorf("marshal request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")

	start := time.Now()
	httpResp, err := c.httpc.Do(httpReq)
	if err != nil {
		// Refused connections, DNS failures and timeouts all read as an
		// unavailable backend to the job.
		return fmt.Errorf("%w: %s: %v", ErrModelUnavailable, c.baseURL, err)
	}
	defer httpResp.Body.Close()

	respBody, err := io.ReadAll(httpResp.Body)
	if err != nil {
		return fmt.Errorf("read response from %s: %w", c.baseURL, err)
	}

	if httpResp.StatusCode != http.StatusOK {
		c.logger.Error("model server error",
			"url", c.baseURL+path,
			"status", httpResp.StatusCode,
			"body", truncate(string(respBody), 512),
			"elapsed", time.Since(start))
		return classifyStatus(httpResp.StatusCode, respBody)
	}

	if err := json.Unmarshal(respBody, out); err != nil {
		return fmt.Errorf("%w: decode response: %v", ErrInferenceFailed, err)
	}
	return nil
}

// classifyStatus maps an error response onto a sentinel. Out-of-memory
// bodies are recognised so the dispatcher can clear the GPU cache.
func classifyStatus(status int, body []byte) error {
	low := strings.ToLower(string(body))
	if strings.Contains(low, "out of memory") || strings.Contains(low, "cuda oom") {
		return fmt.Errorf("%w: model server reported status %d", gpu.ErrOutOfMemory, status)
	}
	if status == http.StatusServiceUnavailable || status == http.StatusBadGateway {
		return fmt.Errorf("%w: status %d", ErrModelUnavailable, status)
	}
	return fmt.Errorf("%w: status %d: %s", ErrInferenceFailed, status, truncate(string(body), 256))
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
