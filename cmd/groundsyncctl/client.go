package main

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"
)

// ingestClient talks to the daemon's ops API.
type ingestClient struct {
	baseURL string
	http    *http.Client
}

func newClient() *ingestClient {
	return &ingestClient{
		baseURL: serverURL,
		http: &http.Client{
			Timeout: 30 * time.Second,
		},
	}
}

// getJSON performs a GET request and decodes the JSON response into v.
func (c *ingestClient) getJSON(path string, v any) error {
	resp, err := c.http.Get(c.baseURL + path)
	if err != nil {
		return fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(resp.Body)
		return fmt.Errorf("server returned %d: %s", resp.StatusCode, string(body))
	}

	return json.NewDecoder(resp.Body).Decode(v)
}

// postJSON performs a bodyless POST request and decodes the JSON
// response into v when v is non-nil.
func (c *ingestClient) postJSON(path string, v any) error {
	resp, err := c.http.Post(c.baseURL+path, "application/json", nil)
	if err != nil {
		return fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(resp.Body)
		return fmt.Errorf("server returned %d: %s", resp.StatusCode, string(body))
	}

	if v == nil {
		return nil
	}
	return json.NewDecoder(resp.Body).Decode(v)
}

type submitResult struct {
	Status string `json:"status"`
	Unit   string `json:"unit"`
}

// submitUnit pushes a raw unit payload through the intake endpoint.
// Accepted and duplicate outcomes both come back as a result; every
// other status is an error.
func (c *ingestClient) submitUnit(name, kind, source string, payload []byte) (*submitResult, error) {
	req, err := http.NewRequest(http.MethodPost, c.baseURL+"/api/ingest/v1/units", bytes.NewReader(payload))
	if err != nil {
		return nil, fmt.Errorf("request failed: %w", err)
	}
	req.Header.Set("Content-Type", "application/octet-stream")
	req.Header.Set("X-Unit-Name", name)
	if kind != "" {
		req.Header.Set("X-Unit-Kind", kind)
	}
	if source != "" {
		req.Header.Set("X-Unit-Source", source)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	switch resp.StatusCode {
	case http.StatusAccepted, http.StatusConflict:
		var result submitResult
		if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
			return nil, fmt.Errorf("decoding response: %w", err)
		}
		return &result, nil
	case http.StatusServiceUnavailable:
		body, _ := io.ReadAll(resp.Body)
		return nil, fmt.Errorf("intake queue is full, retry later: %s", string(body))
	default:
		body, _ := io.ReadAll(resp.Body)
		return nil, fmt.Errorf("server returned %d: %s", resp.StatusCode, string(body))
	}
}
