package api

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"

	"github.com/banshee-data/sweeplab/internal/db"
	"github.com/banshee-data/sweeplab/internal/httputil"
	"github.com/banshee-data/sweeplab/internal/measurement"
)

// Client talks to a running sweeplab server.
type Client struct {
	base string
	http httputil.HTTPClient
}

// NewClient returns a client for the server at base, e.g.
// "http://localhost:8090". A nil hc uses http.DefaultClient.
func NewClient(base string, hc httputil.HTTPClient) *Client {
	if hc == nil {
		hc = httputil.NewStandardClient(nil)
	}
	return &Client{base: strings.TrimRight(base, "/"), http: hc}
}

func (c *Client) do(ctx context.Context, method, path string, body, out any) error {
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			return err
		}
	}
	req, err := http.NewRequestWithContext(ctx, method, c.base+path, &buf)
	if err != nil {
		return err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("%s %s: %w", method, path, err)
	}
	return httputil.DecodeJSON(resp, out)
}

// State fetches the orchestrator state.
func (c *Client) State(ctx context.Context) (measurement.State, error) {
	var st measurement.State
	err := c.do(ctx, http.MethodGet, "/api/state", nil, &st)
	return st, err
}

// Start asks the server to run shape.
func (c *Client) Start(ctx context.Context, shape measurement.Shape) (measurement.State, error) {
	var st measurement.State
	err := c.do(ctx, http.MethodPost, "/api/start", StartRequest{Shape: string(shape)}, &st)
	return st, err
}

// Stop asks the server to stop the current run.
func (c *Client) Stop(ctx context.Context) (measurement.State, error) {
	var st measurement.State
	err := c.do(ctx, http.MethodPost, "/api/stop", nil, &st)
	return st, err
}

// Runs lists stored runs, most recent first.
func (c *Client) Runs(ctx context.Context, limit int) ([]db.RunSummary, error) {
	var runs []db.RunSummary
	err := c.do(ctx, http.MethodGet, fmt.Sprintf("/api/runs?limit=%d", limit), nil, &runs)
	return runs, err
}
