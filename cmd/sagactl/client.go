package main

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/fhaynes/saga/pkg/middleware"
)

// apiClient calls a node's HTTP API.
type apiClient struct {
	base    string
	timeout time.Duration
	http    *http.Client
}

func newAPIClient(base, timeout string) (*apiClient, error) {
	d, err := time.ParseDuration(timeout)
	if err != nil {
		return nil, fmt.Errorf("invalid timeout %q: %w", timeout, err)
	}
	if _, err := url.Parse(base); err != nil {
		return nil, fmt.Errorf("invalid api url %q: %w", base, err)
	}
	return &apiClient{
		base:    strings.TrimRight(base, "/"),
		timeout: d,
		http:    &http.Client{Timeout: d},
	}, nil
}

// do sends the request and decodes a JSON response into out. Non-2xx
// responses are returned as errors carrying the server's message.
func (c *apiClient) do(method, path string, body, out any) error {
	ctx, cancel := context.WithTimeout(context.Background(), c.timeout)
	defer cancel()

	var rdr io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			return err
		}
		rdr = bytes.NewReader(b)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.base+path, rdr)
	if err != nil {
		return err
	}
	req.Header.Set(middleware.RequestIDHeader, "sagactl-"+uuid.NewString())
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		var apiErr struct {
			Error  string            `json:"error"`
			Fields map[string]string `json:"fields"`
		}
		json.NewDecoder(resp.Body).Decode(&apiErr)
		if len(apiErr.Fields) > 0 {
			return fmt.Errorf("%s: %s %v", resp.Status, apiErr.Error, apiErr.Fields)
		}
		return fmt.Errorf("%s: %s", resp.Status, apiErr.Error)
	}
	if out == nil || resp.StatusCode == http.StatusNoContent {
		return nil
	}
	return json.NewDecoder(resp.Body).Decode(out)
}

func shardQuery(replica bool) string {
	if replica {
		return "?shard=replica"
	}
	return ""
}
