package discovery

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
)

// Client talks to the worker controller that tracks which addresses currently
// serve which model names.
type Client struct {
	baseURL string
	http    *http.Client
}

func New(baseURL string, httpClient *http.Client) *Client {
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 15 * time.Second}
	}
	return &Client{
		baseURL: strings.TrimSuffix(strings.TrimSpace(baseURL), "/"),
		http:    httpClient,
	}
}

func (c *Client) Configured() bool {
	return c != nil && c.baseURL != ""
}

// RefreshWorkers asks the controller to re-poll its workers.
func (c *Client) RefreshWorkers(ctx context.Context) error {
	resp, err := c.post(ctx, "/refresh_all_workers", nil)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("refresh workers: status %d", resp.StatusCode)
	}
	return nil
}

// ListLanguageModels returns the text-only worker-backed model names.
func (c *Client) ListLanguageModels(ctx context.Context) ([]string, error) {
	return c.listModels(ctx, "/list_language_models")
}

// ListMultimodalModels returns the multimodal-capable worker-backed model names.
func (c *Client) ListMultimodalModels(ctx context.Context) ([]string, error) {
	return c.listModels(ctx, "/list_multimodal_models")
}

func (c *Client) listModels(ctx context.Context, path string) ([]string, error) {
	resp, err := c.post(ctx, path, nil)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("list models: status %d", resp.StatusCode)
	}
	var body struct {
		Models []string `json:"models"`
	}
	if err := json.NewDecoder(io.LimitReader(resp.Body, 1<<20)).Decode(&body); err != nil {
		return nil, fmt.Errorf("decode model list: %w", err)
	}
	return body.Models, nil
}

// WorkerAddress resolves a live address for a model. An empty address with a
// nil error means no worker currently serves it.
func (c *Client) WorkerAddress(ctx context.Context, model string) (string, error) {
	payload, err := json.Marshal(map[string]string{"model": model})
	if err != nil {
		return "", fmt.Errorf("marshal worker address request: %w", err)
	}
	resp, err := c.post(ctx, "/get_worker_address", payload)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("get worker address: status %d", resp.StatusCode)
	}
	var body struct {
		Address string `json:"address"`
	}
	if err := json.NewDecoder(io.LimitReader(resp.Body, 1<<20)).Decode(&body); err != nil {
		return "", fmt.Errorf("decode worker address: %w", err)
	}
	return body.Address, nil
}

func (c *Client) post(ctx context.Context, path string, body []byte) (*http.Response, error) {
	if !c.Configured() {
		return nil, fmt.Errorf("discovery base url is empty")
	}
	var rd io.Reader
	if body != nil {
		rd = bytes.NewReader(body)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, rd)
	if err != nil {
		return nil, fmt.Errorf("build discovery request: %w", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("discovery request failed: %w", err)
	}
	return resp, nil
}
