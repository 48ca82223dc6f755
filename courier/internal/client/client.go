// Package client talks to a running courier agent over its HTTP API.
package client

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/telhawk-systems/courier/common/httputil"
	"github.com/telhawk-systems/courier/courier/internal/diagnostics"
	"github.com/telhawk-systems/courier/courier/internal/envelope"
)

// Accepted is returned for every queued envelope.
type Accepted struct {
	Key  string `json:"key"`
	UUID string `json:"uuid"`
}

// Connectivity is the agent's view of the network.
type Connectivity struct {
	Status    string `json:"status"`
	Reachable bool   `json:"reachable"`
}

type AgentClient struct {
	baseURL   string
	processID string
	client    *http.Client
}

// NewAgentClient returns a client for the agent at baseURL. A non-empty
// processID is sent with every submission.
func NewAgentClient(baseURL, processID string) *AgentClient {
	return &AgentClient{
		baseURL:   strings.TrimRight(baseURL, "/"),
		processID: processID,
		client:    &http.Client{Timeout: 10 * time.Second},
	}
}

// SubmitSession queues a session. complete=false stores a snapshot.
func (c *AgentClient) SubmitSession(env envelope.Envelope[envelope.SessionData], complete bool) (*Accepted, error) {
	path := "/v1/envelopes/session"
	if !complete {
		path += "?complete=false"
	}
	var out Accepted
	if err := c.do(http.MethodPost, path, env, http.StatusAccepted, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

func (c *AgentClient) SubmitLogs(env envelope.Envelope[envelope.LogBatch]) (*Accepted, error) {
	var out Accepted
	if err := c.do(http.MethodPost, "/v1/envelopes/log", env, http.StatusAccepted, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

func (c *AgentClient) SubmitCrash(env envelope.Envelope[envelope.CrashRecord]) (*Accepted, error) {
	var out Accepted
	if err := c.do(http.MethodPost, "/v1/envelopes/crash", env, http.StatusAccepted, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

func (c *AgentClient) GetConnectivity() (*Connectivity, error) {
	var out Connectivity
	if err := c.do(http.MethodGet, "/v1/connectivity", nil, http.StatusOK, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

func (c *AgentClient) SetConnectivity(status string) (*Connectivity, error) {
	var out Connectivity
	if err := c.do(http.MethodPut, "/v1/connectivity", map[string]string{"status": status}, http.StatusOK, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// SetGate holds or releases delivery of one payload type.
func (c *AgentClient) SetGate(payloadType string, hold bool) error {
	return c.do(http.MethodPut, "/v1/gates/"+payloadType, map[string]bool{"hold": hold}, http.StatusOK, nil)
}

// Flush asks the agent for an immediate delivery pass and retry replay.
func (c *AgentClient) Flush() error {
	return c.do(http.MethodPost, "/v1/delivery/flush", nil, http.StatusAccepted, nil)
}

func (c *AgentClient) Stats() (map[string]interface{}, error) {
	var out map[string]interface{}
	if err := c.do(http.MethodGet, "/v1/stats", nil, http.StatusOK, &out); err != nil {
		return nil, err
	}
	return out, nil
}

// Errors returns up to limit recent internal errors; limit <= 0 means all.
func (c *AgentClient) Errors(limit int) ([]diagnostics.Entry, error) {
	path := "/v1/errors"
	if limit > 0 {
		path = fmt.Sprintf("%s?limit=%d", path, limit)
	}
	var out []diagnostics.Entry
	if err := c.do(http.MethodGet, path, nil, http.StatusOK, &out); err != nil {
		return nil, err
	}
	return out, nil
}

func (c *AgentClient) do(method, path string, in interface{}, want int, out interface{}) error {
	var body io.Reader
	if in != nil {
		data, err := json.Marshal(in)
		if err != nil {
			return err
		}
		body = bytes.NewReader(data)
	}

	req, err := http.NewRequest(method, c.baseURL+path, body)
	if err != nil {
		return err
	}
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.processID != "" {
		req.Header.Set("X-Process-ID", c.processID)
	}

	resp, err := c.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode != want {
		var apiErr httputil.ErrorResponse
		if json.NewDecoder(io.LimitReader(resp.Body, 4096)).Decode(&apiErr) == nil && apiErr.Error != "" {
			return fmt.Errorf("%s %s failed with status %d: %s", method, path, resp.StatusCode, apiErr.Error)
		}
		return fmt.Errorf("%s %s failed with status %d", method, path, resp.StatusCode)
	}
	if out == nil {
		return nil
	}
	return json.NewDecoder(resp.Body).Decode(out)
}
