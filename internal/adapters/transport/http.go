package transport

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/manthysbr/aule-dispatcher/internal/core/domain"
	"github.com/manthysbr/aule-dispatcher/internal/core/ports"
)

// ExecutePath is the worker ingress that accepts deliveries.
const ExecutePath = "/task/execute"

// HealthPath is probed to check that a worker endpoint is up.
const HealthPath = "/health"

// HTTPTransport POSTs tasks to the worker's endpoint. The per-delivery
// deadline comes from ctx; the client timeout is only a backstop.
type HTTPTransport struct {
	dispatcher string
	client     *http.Client
	now        func() time.Time
}

var _ ports.Transport = (*HTTPTransport)(nil)

func NewHTTPTransport(dispatcher string, client *http.Client) *HTTPTransport {
	if dispatcher == "" {
		dispatcher = "aule-dispatcher"
	}
	if client == nil {
		client = &http.Client{Timeout: 60 * time.Second}
	}
	return &HTTPTransport{
		dispatcher: dispatcher,
		client:     client,
		now:        time.Now,
	}
}

func (t *HTTPTransport) DeliverTask(ctx context.Context, worker domain.WorkerCapacity, task domain.Task) error {
	if worker.Endpoint == "" {
		return &domain.DeliveryError{WorkerID: worker.ID, Err: fmt.Errorf("worker has no endpoint")}
	}

	body, err := json.Marshal(domain.Delivery{
		Dispatcher: t.dispatcher,
		Task:       task,
		Timestamp:  t.now().UTC(),
	})
	if err != nil {
		return fmt.Errorf("marshal delivery: %w", err)
	}

	url := strings.TrimRight(worker.Endpoint, "/") + ExecutePath
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return &domain.DeliveryError{WorkerID: worker.ID, Err: err}
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := t.client.Do(req)
	if err != nil {
		return &domain.DeliveryError{WorkerID: worker.ID, Err: err}
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 64<<10))

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return &domain.DeliveryError{
			WorkerID:   worker.ID,
			StatusCode: resp.StatusCode,
			Err:        fmt.Errorf("worker returned status: %d", resp.StatusCode),
		}
	}
	return nil
}

// Probe GETs the endpoint's health path; any 2xx answer counts as up.
func (t *HTTPTransport) Probe(ctx context.Context, endpoint string) error {
	if endpoint == "" {
		return fmt.Errorf("no endpoint to probe")
	}
	url := strings.TrimRight(endpoint, "/") + HealthPath
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return err
	}
	resp, err := t.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 64<<10))

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return fmt.Errorf("health check returned status: %d", resp.StatusCode)
	}
	return nil
}
