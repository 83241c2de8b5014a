// Package opsapi is a thin HTTP client for the operations API the worker
// depends on to fetch authoritative job options, report status
// transitions, and request retries. It is consumed only through this
// contract; the operations API's own implementation is out of scope.
package opsapi

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/linuxmuster-net/dc-authority/internal/jobs"
)

// Timeout is the per-call budget for every operations-API request.
const Timeout = 10 * time.Second

// Client talks to the operations API.
type Client struct {
	baseURL     string
	internalKey string
	httpClient  *http.Client
}

// New creates a Client against baseURL, authenticating with internalKey.
func New(baseURL, internalKey string) *Client {
	return &Client{
		baseURL:     baseURL,
		internalKey: internalKey,
		httpClient:  &http.Client{Timeout: Timeout},
	}
}

type optionsEnvelope struct {
	Type    string          `json:"type"`
	Options json.RawMessage `json:"options"`
}

type provisionOptionsWire struct {
	Action      string  `json:"action"`
	Hostname    string  `json:"hostname"`
	OldHostname *string `json:"oldHostname"`
	MAC         string  `json:"mac"`
	IP          *string `json:"ip"`
	ConfigName  string  `json:"configName"`
	CSVCol0     *string `json:"csvCol0"`
	DryRun      bool    `json:"dryRun"`
}

type macctOptionsWire struct {
	Host   string `json:"host"`
	School string `json:"school"`
}

// FetchProvisionOptions retrieves and decodes the authoritative options
// for a provision_host operation.
func (c *Client) FetchProvisionOptions(ctx context.Context, operationID string) (jobs.ProvisionOptions, error) {
	var env optionsEnvelope
	if err := c.getJSON(ctx, "/api/v1/operations/"+operationID+"/options", &env); err != nil {
		return jobs.ProvisionOptions{}, err
	}
	var wire provisionOptionsWire
	if err := json.Unmarshal(env.Options, &wire); err != nil {
		return jobs.ProvisionOptions{}, fmt.Errorf("opsapi: decode provision options: %w", err)
	}
	return jobs.ProvisionOptions{
		Action:      jobs.Action(wire.Action),
		Hostname:    wire.Hostname,
		OldHostname: wire.OldHostname,
		MAC:         wire.MAC,
		IP:          wire.IP,
		ConfigName:  wire.ConfigName,
		CSVCol0:     wire.CSVCol0,
		DryRun:      wire.DryRun,
	}, nil
}

// FetchMacctOptions retrieves and decodes the authoritative options for a
// macct_repair operation.
func (c *Client) FetchMacctOptions(ctx context.Context, operationID string) (jobs.MacctOptions, error) {
	var env optionsEnvelope
	if err := c.getJSON(ctx, "/api/v1/operations/"+operationID+"/options", &env); err != nil {
		return jobs.MacctOptions{}, err
	}
	var wire macctOptionsWire
	if err := json.Unmarshal(env.Options, &wire); err != nil {
		return jobs.MacctOptions{}, fmt.Errorf("opsapi: decode macct options: %w", err)
	}
	return jobs.MacctOptions{Host: wire.Host, School: wire.School}, nil
}

// UpdateStatus reports a status transition for operationID. result, when
// non-nil, is marshaled as the operation's structured result payload.
func (c *Client) UpdateStatus(ctx context.Context, operationID string, status jobs.Status, result any) error {
	body := struct {
		Status string `json:"status"`
		Result any    `json:"result,omitempty"`
	}{Status: string(status), Result: result}
	return c.postJSON(ctx, "/api/v1/operations/"+operationID+"/status", body, nil)
}

// RequestRetry asks the operations API to re-queue operationID at the
// given attempt count (the API is responsible for re-publishing the job
// message).
func (c *Client) RequestRetry(ctx context.Context, operationID string, attempt int) error {
	body := struct {
		Attempt int `json:"attempt"`
	}{Attempt: attempt}
	return c.postJSON(ctx, "/api/v1/operations/"+operationID+"/retry", body, nil)
}

func (c *Client) getJSON(ctx context.Context, path string, out any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+path, nil)
	if err != nil {
		return err
	}
	c.setAuth(req)
	return c.do(req, out)
}

func (c *Client) postJSON(ctx context.Context, path string, in, out any) error {
	buf, err := json.Marshal(in)
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, bytes.NewReader(buf))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	c.setAuth(req)
	return c.do(req, out)
}

func (c *Client) setAuth(req *http.Request) {
	if c.internalKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.internalKey)
	}
}

func (c *Client) do(req *http.Request, out any) error {
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("opsapi: request %s: %w", req.URL.Path, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		return fmt.Errorf("opsapi: %s returned status %d", req.URL.Path, resp.StatusCode)
	}
	if out == nil {
		return nil
	}
	return json.NewDecoder(resp.Body).Decode(out)
}
