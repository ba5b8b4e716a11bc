package organelle

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/manthysbr/aule-dispatcher/internal/core/domain"
)

// ErrNotRegistered is returned by Heartbeat when the dispatcher no longer
// knows the organelle, usually after an eviction. The caller re-registers.
var ErrNotRegistered = errors.New("organelle not registered")

// APIError is a non-2xx answer from the dispatcher.
type APIError struct {
	StatusCode int
	Message    string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("dispatcher returned %d: %s", e.StatusCode, e.Message)
}

// Client talks to the dispatcher HTTP API.
type Client struct {
	baseURL string
	http    *http.Client
}

func NewClient(baseURL string, hc *http.Client) *Client {
	if hc == nil {
		hc = &http.Client{Timeout: 10 * time.Second}
	}
	return &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		http:    hc,
	}
}

// SubmitRequest mirrors the POST /v1/tasks body.
type SubmitRequest struct {
	Kind            string          `json:"kind"`
	Priority        string          `json:"priority,omitempty"`
	Payload         json.RawMessage `json:"payload,omitempty"`
	TimeoutSeconds  float64         `json:"timeout_seconds,omitempty"`
	Source          string          `json:"source,omitempty"`
	RequiresDesktop bool            `json:"requires_desktop,omitempty"`
}

type SubmitResponse struct {
	TaskID               domain.TaskID     `json:"task_id"`
	Status               domain.TaskStatus `json:"status"`
	EstimatedWait        string            `json:"estimated_wait"`
	EstimatedWaitSeconds float64           `json:"estimated_wait_seconds"`
}

func (c *Client) Submit(ctx context.Context, req SubmitRequest) (SubmitResponse, error) {
	var out SubmitResponse
	err := c.do(ctx, http.MethodPost, "/v1/tasks", req, &out)
	return out, err
}

func (c *Client) GetTask(ctx context.Context, id domain.TaskID) (domain.Task, error) {
	var out domain.Task
	err := c.do(ctx, http.MethodGet, "/v1/tasks/"+url.PathEscape(string(id)), nil, &out)
	return out, err
}

type registerBody struct {
	ID            domain.WorkerID   `json:"id"`
	Kind          domain.WorkerKind `json:"kind"`
	MaxConcurrent int               `json:"max_concurrent"`
	CurrentLoad   int               `json:"current_load"`
	Capabilities  []domain.TaskKind `json:"capabilities"`
	Endpoint      string            `json:"endpoint,omitempty"`
}

// Register announces the organelle's capacity. Registering again replaces
// the previous record.
func (c *Client) Register(ctx context.Context, w domain.WorkerCapacity) (domain.WorkerCapacity, error) {
	caps := w.Capabilities
	if caps == nil {
		caps = []domain.TaskKind{}
	}
	var out domain.WorkerCapacity
	err := c.do(ctx, http.MethodPost, "/v1/organelles", registerBody{
		ID:            w.ID,
		Kind:          w.Kind,
		MaxConcurrent: w.MaxConcurrent,
		CurrentLoad:   w.CurrentLoad,
		Capabilities:  caps,
		Endpoint:      w.Endpoint,
	}, &out)
	return out, err
}

// Heartbeat reports liveness and the current load.
func (c *Client) Heartbeat(ctx context.Context, id domain.WorkerID, currentLoad int) error {
	err := c.do(ctx, http.MethodPost, "/v1/organelles/"+url.PathEscape(string(id))+"/heartbeat",
		map[string]int{"current_load": currentLoad}, nil)
	var apiErr *APIError
	if errors.As(err, &apiErr) && apiErr.StatusCode == http.StatusNotFound {
		return fmt.Errorf("%w: %s", ErrNotRegistered, id)
	}
	return err
}

func (c *Client) Deregister(ctx context.Context, id domain.WorkerID) error {
	return c.do(ctx, http.MethodDelete, "/v1/organelles/"+url.PathEscape(string(id)), nil, nil)
}

type statusBody struct {
	WorkerID domain.WorkerID   `json:"worker_id"`
	Status   domain.TaskStatus `json:"status"`
	Result   json.RawMessage   `json:"result,omitempty"`
	Error    string            `json:"error,omitempty"`
}

// ReportStatus sends RUNNING or a terminal status for an assigned task.
func (c *Client) ReportStatus(ctx context.Context, taskID domain.TaskID, workerID domain.WorkerID, status domain.TaskStatus, result json.RawMessage, errMsg string) error {
	return c.do(ctx, http.MethodPost, "/v1/tasks/"+url.PathEscape(string(taskID))+"/status", statusBody{
		WorkerID: workerID,
		Status:   status,
		Result:   result,
		Error:    errMsg,
	}, nil)
}

func (c *Client) do(ctx context.Context, method, path string, body, out any) error {
	var rdr io.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("marshal request: %w", err)
		}
		rdr = bytes.NewReader(raw)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, rdr)
	if err != nil {
		return err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	req.Header.Set("Accept", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("%s %s: %w", method, path, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		var e struct {
			Error string `json:"error"`
		}
		data, _ := io.ReadAll(io.LimitReader(resp.Body, 64<<10))
		if json.Unmarshal(data, &e) != nil || e.Error == "" {
			e.Error = strings.TrimSpace(string(data))
		}
		return &APIError{StatusCode: resp.StatusCode, Message: e.Error}
	}

	if out == nil {
		_, _ = io.Copy(io.Discard, resp.Body)
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}
