package main

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"polyglot-sandbox/internal/api"
)

// client talks to the sandbox HTTP API.
type client struct {
	baseURL string
	apiKey  string
	http    *http.Client
}

func (c *client) httpClient() *http.Client {
	if c.http != nil {
		return c.http
	}
	// Longer than the server's maximum execution time.
	return &http.Client{Timeout: 90 * time.Second}
}

// do sends body as JSON and decodes a 2xx response into out. Error
// responses are returned as errors carrying the server's message.
func (c *client) do(method, path string, body, out any) error {
	var r io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return err
		}
		r = bytes.NewReader(data)
	}

	req, err := http.NewRequest(method, strings.TrimSuffix(c.baseURL, "/")+path, r)
	if err != nil {
		return err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.apiKey != "" {
		req.Header.Set("X-API-Key", c.apiKey)
	}

	resp, err := c.httpClient().Do(req)
	if err != nil {
		return fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		var apiErr api.ErrorResponse
		if err := json.NewDecoder(resp.Body).Decode(&apiErr); err == nil && apiErr.Error != "" {
			return fmt.Errorf("%s (%s, HTTP %d)", apiErr.Error, apiErr.Code, resp.StatusCode)
		}
		return fmt.Errorf("HTTP %d", resp.StatusCode)
	}
	if out == nil || resp.StatusCode == http.StatusNoContent {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decoding response: %w", err)
	}
	return nil
}

func (c *client) execute(req api.ExecuteRequest) (*api.ExecuteResponse, error) {
	var res api.ExecuteResponse
	if err := c.do(http.MethodPost, "/execute", req, &res); err != nil {
		return nil, err
	}
	return &res, nil
}

func printJSON(w io.Writer, v any) error {
	formatted, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return err
	}
	_, err = fmt.Fprintln(w, string(formatted))
	return err
}
