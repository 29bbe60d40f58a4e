package httpapi

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"time"

	"github.com/nextlevelbuilder/crewclaw/internal/operator"
	"github.com/nextlevelbuilder/crewclaw/internal/scheduler"
	"github.com/nextlevelbuilder/crewclaw/internal/workspace"
)

// Client talks to a running control plane. Errors carry the kinds
// server_unreachable, request_timeout, and request_rejected so callers can
// branch without parsing messages.
type Client struct {
	BaseURL string
	Token   string
	http    *http.Client
}

// NewClient builds a client for a base URL.
func NewClient(baseURL, token string) *Client {
	return &Client{
		BaseURL: baseURL,
		Token:   token,
		http:    &http.Client{},
	}
}

// Healthz probes the server with a short deadline.
func (c *Client) Healthz(ctx context.Context) error {
	return c.call(ctx, http.MethodGet, "/healthz", nil, nil, 2*time.Second)
}

// StartRun enqueues a run from a prompt.
func (c *Client) StartRun(ctx context.Context, req RunStartRequest) (*scheduler.QueuedRun, error) {
	var run scheduler.QueuedRun
	if err := c.call(ctx, http.MethodPost, "/api/control-plane/runs/start", req, &run, 10*time.Second); err != nil {
		return nil, err
	}
	return &run, nil
}

// Reload asks the server to reload its config.
func (c *Client) Reload(ctx context.Context) error {
	return c.call(ctx, http.MethodPost, "/api/control-plane/reload", nil, nil, 5*time.Second)
}

// Runs lists queued runs.
func (c *Client) Runs(ctx context.Context) ([]*scheduler.QueuedRun, error) {
	var out struct {
		Runs []*scheduler.QueuedRun `json:"runs"`
	}
	if err := c.call(ctx, http.MethodGet, "/api/runs", nil, &out, 5*time.Second); err != nil {
		return nil, err
	}
	return out.Runs, nil
}

// InterruptRun cancels the active run for a root, or the most recent one when
// rootID is empty.
func (c *Client) InterruptRun(ctx context.Context, rootID string) (*scheduler.QueuedRun, error) {
	body := map[string]string{"root_issue_id": rootID}
	var run scheduler.QueuedRun
	if err := c.call(ctx, http.MethodPost, "/api/runs/interrupt", body, &run, 5*time.Second); err != nil {
		return nil, err
	}
	return &run, nil
}

// Heartbeats lists heartbeat programs.
func (c *Client) Heartbeats(ctx context.Context) ([]*scheduler.HeartbeatProgram, error) {
	var out struct {
		Heartbeats []*scheduler.HeartbeatProgram `json:"heartbeats"`
	}
	if err := c.call(ctx, http.MethodGet, "/api/heartbeats", nil, &out, 5*time.Second); err != nil {
		return nil, err
	}
	return out.Heartbeats, nil
}

// CreateHeartbeat registers a heartbeat program.
func (c *Client) CreateHeartbeat(ctx context.Context, p scheduler.HeartbeatProgram) (*scheduler.HeartbeatProgram, error) {
	var out scheduler.HeartbeatProgram
	if err := c.call(ctx, http.MethodPost, "/api/heartbeats/create", p, &out, 5*time.Second); err != nil {
		return nil, err
	}
	return &out, nil
}

// RunTrace fetches the full trace view of one job.
func (c *Client) RunTrace(ctx context.Context, jobID string) (*scheduler.Trace, error) {
	var out scheduler.Trace
	path := "/api/runs/trace?job=" + url.QueryEscape(jobID)
	if err := c.call(ctx, http.MethodGet, path, nil, &out, 5*time.Second); err != nil {
		return nil, err
	}
	return &out, nil
}

// UpdateHeartbeat patches a heartbeat program.
func (c *Client) UpdateHeartbeat(ctx context.Context, patch HeartbeatPatch) (*scheduler.HeartbeatProgram, error) {
	var out scheduler.HeartbeatProgram
	if err := c.call(ctx, http.MethodPost, "/api/heartbeats/update", patch, &out, 5*time.Second); err != nil {
		return nil, err
	}
	return &out, nil
}

// DeleteHeartbeat tombstones a heartbeat program.
func (c *Client) DeleteHeartbeat(ctx context.Context, programID string) error {
	body := map[string]string{"program_id": programID}
	return c.call(ctx, http.MethodPost, "/api/heartbeats/delete", body, nil, 5*time.Second)
}

// CreateCron registers a cron program.
func (c *Client) CreateCron(ctx context.Context, p scheduler.CronProgram) (*scheduler.CronProgram, error) {
	var out scheduler.CronProgram
	if err := c.call(ctx, http.MethodPost, "/api/cron/create", p, &out, 5*time.Second); err != nil {
		return nil, err
	}
	return &out, nil
}

// UpdateCron patches a cron program.
func (c *Client) UpdateCron(ctx context.Context, patch CronPatch) (*scheduler.CronProgram, error) {
	var out scheduler.CronProgram
	if err := c.call(ctx, http.MethodPost, "/api/cron/update", patch, &out, 5*time.Second); err != nil {
		return nil, err
	}
	return &out, nil
}

// DeleteCron tombstones a cron program.
func (c *Client) DeleteCron(ctx context.Context, programID string) error {
	body := map[string]string{"program_id": programID}
	return c.call(ctx, http.MethodPost, "/api/cron/delete", body, nil, 5*time.Second)
}

// CronView is the GET /api/cron response.
type CronView struct {
	Status   scheduler.CronStatus     `json:"status"`
	Programs []*scheduler.CronProgram `json:"programs"`
}

// Cron returns the cron program set and its armed summary.
func (c *Client) Cron(ctx context.Context) (*CronView, error) {
	var out CronView
	if err := c.call(ctx, http.MethodGet, "/api/cron", nil, &out, 5*time.Second); err != nil {
		return nil, err
	}
	return &out, nil
}

// OperatorInbound delivers one operator inbound and returns the broker's
// decision. The deadline covers a full backend turn, not the usual short
// control-plane budget.
func (c *Client) OperatorInbound(ctx context.Context, in operator.Inbound, id operator.IdentityRef) (*operator.Decision, error) {
	var out operator.Decision
	req := OperatorInboundRequest{Inbound: in, Identity: id}
	if err := c.call(ctx, http.MethodPost, "/api/operator/inbound", req, &out, 2*time.Minute); err != nil {
		return nil, err
	}
	return &out, nil
}

// Shutdown asks the server to stop.
func (c *Client) Shutdown(ctx context.Context) error {
	return c.call(ctx, http.MethodPost, "/api/server/shutdown", nil, nil, 5*time.Second)
}

func (c *Client) call(ctx context.Context, method, path string, body, out any, deadline time.Duration) error {
	ctx, cancel := context.WithTimeout(ctx, deadline)
	defer cancel()

	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return workspace.Wrap(workspace.KindInvalidInput, err, "encode request")
		}
		reader = bytes.NewReader(data)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.BaseURL+path, reader)
	if err != nil {
		return workspace.Wrap(workspace.KindInvalidInput, err, "build request")
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.Token != "" {
		req.Header.Set("Authorization", "Bearer "+c.Token)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) {
			return workspace.Wrap(workspace.KindRequestTimeout, err, "%s %s", method, path)
		}
		var netErr net.Error
		if errors.As(err, &netErr) && netErr.Timeout() {
			return workspace.Wrap(workspace.KindRequestTimeout, err, "%s %s", method, path)
		}
		return workspace.Wrap(workspace.KindServerUnreachable, err, "%s %s", method, path)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		var apiErr struct {
			Error string `json:"error"`
		}
		msg := fmt.Sprintf("status %d", resp.StatusCode)
		if json.NewDecoder(resp.Body).Decode(&apiErr) == nil && apiErr.Error != "" {
			msg = apiErr.Error
		}
		return workspace.E(workspace.KindRequestRejected, "%s", msg)
	}
	if out != nil {
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			return workspace.Wrap(workspace.KindRequestRejected, err, "decode response")
		}
	}
	return nil
}
