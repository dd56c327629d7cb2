// Package client talks to the auditq HTTP API. It provides the launcher, status
// store and cancel notifier a poller needs to follow a task from the outside.
package client

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"path"
	"strconv"
	"strings"
	"time"

	"github.com/nadmax/auditq/internal/poller"
	"github.com/nadmax/auditq/internal/repository/models"
	log "github.com/sirupsen/logrus"
)

const DefaultHTTPTimeout = 15 * time.Second

// Launch endpoints accepted by Client.Launcher.
const (
	AuditEndpoint   = "/api/audits/technical"
	ContentEndpoint = "/api/content/generate"
	TasksEndpoint   = "/api/tasks"
)

const maxErrorBody = 64 << 10

// APIError is a non-2xx answer from the server.
type APIError struct {
	StatusCode int
	Message    string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("server returned %d: %s", e.StatusCode, e.Message)
}

type Client struct {
	baseURL    *url.URL
	httpClient *http.Client
	logger     *log.Entry
}

// New returns a client for the API rooted at rawURL. A nil httpClient gets a
// default one with DefaultHTTPTimeout.
func New(rawURL string, httpClient *http.Client) (*Client, error) {
	parsed, err := url.Parse(rawURL)
	if err != nil {
		return nil, fmt.Errorf("invalid base url: %w", err)
	}
	if parsed.Scheme == "" || parsed.Host == "" {
		return nil, fmt.Errorf("invalid base url %q: scheme and host are required", rawURL)
	}
	if httpClient == nil {
		httpClient = &http.Client{Timeout: DefaultHTTPTimeout}
	}

	return &Client{
		baseURL:    parsed,
		httpClient: httpClient,
		logger:     log.WithField("component", "client"),
	}, nil
}

// LaunchFunc adapts a function to poller.Launcher.
type LaunchFunc func(ctx context.Context, params map[string]any) (*poller.LaunchResponse, error)

func (f LaunchFunc) Launch(ctx context.Context, params map[string]any) (*poller.LaunchResponse, error) {
	return f(ctx, params)
}

// Launcher returns a poller.Launcher that POSTs its params to endpoint.
func (c *Client) Launcher(endpoint string) poller.Launcher {
	return LaunchFunc(func(ctx context.Context, params map[string]any) (*poller.LaunchResponse, error) {
		var resp poller.LaunchResponse
		if err := c.send(ctx, http.MethodPost, endpoint, params, &resp); err != nil {
			return nil, err
		}
		return &resp, nil
	})
}

// CheckStatus implements poller.StatusStore.
func (c *Client) CheckStatus(ctx context.Context, taskID string) (*poller.StatusResponse, error) {
	var resp poller.StatusResponse
	endpoint := path.Join("/api/tasks", url.PathEscape(taskID), "status")
	if err := c.send(ctx, http.MethodGet, endpoint, nil, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// NotifyCancel implements poller.CancelNotifier. A task that already finished
// is not an error.
func (c *Client) NotifyCancel(ctx context.Context, taskID string) error {
	endpoint := path.Join("/api/tasks", url.PathEscape(taskID))
	err := c.send(ctx, http.MethodDelete, endpoint, nil, nil)

	var apiErr *APIError
	if errors.As(err, &apiErr) && apiErr.StatusCode == http.StatusConflict {
		c.logger.WithField("task_id", taskID).Debug("task already finished, nothing to cancel")
		return nil
	}
	return err
}

// RecentTasks lists tasks from the server's history, newest first. A non-empty
// taskType restricts the list to that type.
func (c *Client) RecentTasks(ctx context.Context, taskType string, limit int) ([]models.RecentTask, error) {
	endpoint := "/api/history/recent"
	if taskType != "" {
		endpoint = path.Join("/api/history/type", url.PathEscape(taskType))
	}
	if limit > 0 {
		endpoint += "?limit=" + strconv.Itoa(limit)
	}

	var tasks []models.RecentTask
	if err := c.send(ctx, http.MethodGet, endpoint, nil, &tasks); err != nil {
		return nil, err
	}
	return tasks, nil
}

func (c *Client) send(ctx context.Context, method, endpoint string, payload, out any) error {
	var body io.Reader
	if payload != nil {
		data, err := json.Marshal(payload)
		if err != nil {
			return fmt.Errorf("encode request: %w", err)
		}
		body = bytes.NewReader(data)
	}

	ref, err := url.Parse(endpoint)
	if err != nil {
		return fmt.Errorf("invalid endpoint %q: %w", endpoint, err)
	}
	rel := &url.URL{Path: path.Join(c.baseURL.Path, ref.Path), RawQuery: ref.RawQuery}
	u := c.baseURL.ResolveReference(rel)

	req, err := http.NewRequestWithContext(ctx, method, u.String(), body)
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	if payload != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	req.Header.Set("Accept", "application/json")

	c.logger.WithFields(log.Fields{"method": method, "url": u.String()}).Debug("sending request")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("perform request: %w", err)
	}
	defer func() {
		if err := resp.Body.Close(); err != nil {
			c.logger.WithError(err).Warn("failed to close response body")
		}
	}()

	if resp.StatusCode >= 400 {
		return decodeAPIError(resp)
	}

	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}

func decodeAPIError(resp *http.Response) error {
	apiErr := &APIError{StatusCode: resp.StatusCode}

	data, err := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
	if err != nil {
		return fmt.Errorf("read error response: %w", err)
	}

	var payload struct {
		Error string `json:"error"`
	}
	if json.Unmarshal(data, &payload) == nil && payload.Error != "" {
		apiErr.Message = payload.Error
	} else {
		apiErr.Message = strings.TrimSpace(string(data))
	}
	if apiErr.Message == "" {
		apiErr.Message = http.StatusText(resp.StatusCode)
	}
	return apiErr
}
