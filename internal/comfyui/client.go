package comfyui

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/apvlv/runpodComfyUIworker/internal/config"
	"github.com/apvlv/runpodComfyUIworker/internal/interfaces"
)

// Client ComfyUI API client
type Client struct {
	host        string
	baseURL     string
	httpClient  *http.Client
	probeClient *http.Client
	viewClient  *http.Client
	logger      *logrus.Logger
}

// NewClient creates ComfyUI client
func NewClient(cfg config.ComfyConfig) *Client {
	return &Client{
		host:        cfg.Host,
		baseURL:     cfg.BaseURL(),
		httpClient:  &http.Client{Timeout: orDefault(cfg.HTTPTimeout, 30*time.Second)},
		probeClient: &http.Client{Timeout: orDefault(cfg.ProbeTimeout, 5*time.Second)},
		viewClient:  &http.Client{Timeout: orDefault(cfg.ViewTimeout, 60*time.Second)},
		logger:      config.NewLogger(),
	}
}

var _ interfaces.ComfyUIClient = (*Client)(nil)

// Host returns the configured server address
func (c *Client) Host() string {
	return c.host
}

// buildURL builds complete URL for path
func (c *Client) buildURL(path string) string {
	if !strings.HasPrefix(path, "/") {
		path = "/" + path
	}
	return c.baseURL + path
}

// Probe performs a single health request
func (c *Client) Probe(ctx context.Context) bool {
	return c.ServerStatus(ctx).Reachable
}

// ServerStatus reads server reachability, never failing
func (c *Client) ServerStatus(ctx context.Context) interfaces.ServerStatus {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.buildURL("/"), http.NoBody)
	if err != nil {
		return interfaces.ServerStatus{Error: err.Error()}
	}

	resp, err := c.probeClient.Do(req)
	if err != nil {
		return interfaces.ServerStatus{Error: err.Error()}
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, resp.Body)

	return interfaces.ServerStatus{
		Reachable:  resp.StatusCode >= 200 && resp.StatusCode < 300,
		StatusCode: resp.StatusCode,
	}
}

// AvailableModels lists checkpoint models from /object_info.
// Any failure degrades to an empty listing.
func (c *Client) AvailableModels(ctx context.Context) map[string][]string {
	models := make(map[string][]string)

	var objectInfo map[string]struct {
		Input struct {
			Required map[string]json.RawMessage `json:"required"`
		} `json:"input"`
	}
	if err := c.getJSON(ctx, c.httpClient, "/object_info", &objectInfo); err != nil {
		c.logger.WithError(err).Warn("Failed to fetch available models")
		return models
	}

	loader, ok := objectInfo["CheckpointLoaderSimple"]
	if !ok {
		return models
	}
	raw, ok := loader.Input.Required["ckpt_name"]
	if !ok {
		return models
	}

	// ckpt_name is [[names...], {options}]
	var spec []json.RawMessage
	if err := json.Unmarshal(raw, &spec); err != nil || len(spec) == 0 {
		c.logger.Warn("Unexpected ckpt_name schema in object_info")
		return models
	}
	var names []string
	if err := json.Unmarshal(spec[0], &names); err != nil {
		c.logger.WithError(err).Warn("Unexpected checkpoint list in object_info")
		return models
	}

	models["checkpoints"] = names
	return models
}

// UploadImage uploads one image to /upload/image
func (c *Client) UploadImage(ctx context.Context, filename string, data []byte) error {
	var body bytes.Buffer
	writer := multipart.NewWriter(&body)

	part, err := writer.CreatePart(imagePartHeader(filename))
	if err != nil {
		return fmt.Errorf("failed to create multipart file: %w", err)
	}
	if _, err := part.Write(data); err != nil {
		return fmt.Errorf("failed to write image data: %w", err)
	}
	if err := writer.WriteField("overwrite", "true"); err != nil {
		return fmt.Errorf("failed to write overwrite field: %w", err)
	}
	if err := writer.Close(); err != nil {
		return fmt.Errorf("failed to finalize multipart body: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.buildURL("/upload/image"), &body)
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", writer.FormDataContentType())

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("failed to send request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		respBody, _ := io.ReadAll(resp.Body)
		return &StatusError{StatusCode: resp.StatusCode, Body: strings.TrimSpace(string(respBody))}
	}

	c.logger.WithFields(logrus.Fields{
		"filename": filename,
		"bytes":    len(data),
	}).Debug("Image uploaded")
	return nil
}

// GetHistory gets the history record of one prompt
func (c *Client) GetHistory(ctx context.Context, promptID string) (interfaces.History, error) {
	var history interfaces.History
	if err := c.getJSON(ctx, c.httpClient, "/history/"+url.PathEscape(promptID), &history); err != nil {
		return nil, fmt.Errorf("failed to get history: %w", err)
	}
	return history, nil
}

// GetImage fetches output image bytes from /view
func (c *Client) GetImage(ctx context.Context, filename, subfolder, folderType string) ([]byte, error) {
	query := url.Values{}
	query.Set("filename", filename)
	query.Set("subfolder", subfolder)
	query.Set("type", folderType)

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.buildURL("/view")+"?"+query.Encode(), http.NoBody)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}

	resp, err := c.viewClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("failed to fetch image: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		respBody, _ := io.ReadAll(resp.Body)
		return nil, &StatusError{StatusCode: resp.StatusCode, Body: strings.TrimSpace(string(respBody))}
	}

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read image: %w", err)
	}
	return data, nil
}

// getJSON issues a GET and decodes a 200 JSON answer into out
func (c *Client) getJSON(ctx context.Context, httpClient *http.Client, path string, out any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.buildURL(path), http.NoBody)
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}

	resp, err := httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("failed to send request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(resp.Body)
		return &StatusError{StatusCode: resp.StatusCode, Body: strings.TrimSpace(string(body))}
	}

	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("failed to decode response: %w", err)
	}
	return nil
}

// StatusError is a non-success HTTP answer from ComfyUI
type StatusError struct {
	StatusCode int
	Body       string
}

func (e *StatusError) Error() string {
	if e.Body == "" {
		return fmt.Sprintf("ComfyUI returned status %d", e.StatusCode)
	}
	return fmt.Sprintf("ComfyUI returned status %d: %s", e.StatusCode, e.Body)
}

func orDefault(d, fallback time.Duration) time.Duration {
	if d <= 0 {
		return fallback
	}
	return d
}
