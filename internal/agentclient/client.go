// ABOUTME: HTTP client for the agent poll API built on resty
// ABOUTME: Registers, heartbeats, fetches pending tasks, reports results, and follows the push stream

package agentclient

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/go-resty/resty/v2"
	"github.com/gorilla/websocket"

	"github.com/2389/dockhand/internal/protocol"
	"github.com/2389/dockhand/internal/store"
)

const (
	defaultTimeout       = 30 * time.Second
	defaultRetryWait     = 250 * time.Millisecond
	defaultRetryMaxWait  = 5 * time.Second
	streamHandshakeLimit = 10 * time.Second
)

// APIError is a non-2xx response from the controller.
type APIError struct {
	StatusCode int
	Code       string
	Message    string
	// RetryAfter is parsed from the Retry-After header when present.
	RetryAfter time.Duration
}

func (e *APIError) Error() string {
	if e.Code != "" {
		return fmt.Sprintf("controller returned %d (%s): %s", e.StatusCode, e.Code, e.Message)
	}
	return fmt.Sprintf("controller returned %d: %s", e.StatusCode, e.Message)
}

// IsStatus reports whether err is an APIError with the given status code.
func IsStatus(err error, status int) bool {
	var apiErr *APIError
	return errors.As(err, &apiErr) && apiErr.StatusCode == status
}

// Options configures a Client.
type Options struct {
	BaseURL string
	AgentID string
	// Token is a previously issued agent token. Register stores a newly issued one.
	Token string
	// EnrollmentKey accompanies the first registration when the controller requires one.
	EnrollmentKey string
	Timeout       time.Duration
	// RetryCount retries 429 and 5xx responses and transport errors.
	RetryCount int
	Logger     *slog.Logger
}

// Client talks to one controller on behalf of one agent.
type Client struct {
	http          *resty.Client
	baseURL       string
	agentID       string
	enrollmentKey string
	logger        *slog.Logger

	mu    sync.RWMutex
	token string
}

// New creates a Client for opts.AgentID.
func New(opts Options) *Client {
	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = defaultTimeout
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	baseURL := strings.TrimRight(opts.BaseURL, "/")

	rc := resty.New().
		SetBaseURL(baseURL).
		SetHeader("Content-Type", "application/json").
		SetHeader("Accept", "application/json").
		SetTimeout(timeout).
		SetRetryCount(opts.RetryCount).
		SetRetryWaitTime(defaultRetryWait).
		SetRetryMaxWaitTime(defaultRetryMaxWait).
		SetRetryAfter(retryAfter).
		AddRetryCondition(func(r *resty.Response, err error) bool {
			if err != nil || r == nil {
				return false
			}
			return r.StatusCode() == http.StatusTooManyRequests || r.StatusCode() >= http.StatusInternalServerError
		})

	return &Client{
		http:          rc,
		baseURL:       baseURL,
		agentID:       opts.AgentID,
		enrollmentKey: opts.EnrollmentKey,
		token:         opts.Token,
		logger:        logger.With("component", "agentclient", "agent_id", opts.AgentID),
	}
}

// retryAfter honours the controller's Retry-After hint on 429 responses.
func retryAfter(_ *resty.Client, resp *resty.Response) (time.Duration, error) {
	if resp == nil {
		return 0, nil
	}
	if secs, err := strconv.Atoi(resp.Header().Get("Retry-After")); err == nil && secs > 0 {
		return time.Duration(secs) * time.Second, nil
	}
	return 0, nil
}

// AgentID returns the agent this client acts for.
func (c *Client) AgentID() string { return c.agentID }

// Token returns the current agent token, if any.
func (c *Client) Token() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.token
}

func (c *Client) setToken(token string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.token = token
}

func (c *Client) request(ctx context.Context) *resty.Request {
	r := c.http.R().SetContext(ctx).SetError(&protocol.ErrorResponse{})
	if token := c.Token(); token != "" {
		r.SetHeader(protocol.HeaderAgentToken, token)
	}
	return r
}

func (c *Client) agentPath(parts ...string) string {
	return "/api/agents/" + c.agentID + strings.Join(parts, "")
}

// check converts a resty outcome into an error.
func check(resp *resty.Response, err error, op string) error {
	if err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}
	if resp.IsSuccess() {
		return nil
	}

	apiErr := &APIError{StatusCode: resp.StatusCode()}
	if e, ok := resp.Error().(*protocol.ErrorResponse); ok && e != nil {
		apiErr.Code = e.Code
		apiErr.Message = e.Error
	}
	if apiErr.Message == "" {
		apiErr.Message = strings.TrimSpace(resp.String())
	}
	if secs, convErr := strconv.Atoi(resp.Header().Get("Retry-After")); convErr == nil {
		apiErr.RetryAfter = time.Duration(secs) * time.Second
	}
	return fmt.Errorf("%s: %w", op, apiErr)
}

// Register registers or refreshes the agent. A token issued by the
// controller is kept for later calls.
func (c *Client) Register(ctx context.Context, desc protocol.RegisterAgentRequest) (*protocol.RegisterAgentResponse, error) {
	if desc.ID == "" {
		desc.ID = c.agentID
	}

	var out protocol.RegisterAgentResponse
	req := c.request(ctx).SetBody(desc).SetResult(&out)
	if c.enrollmentKey != "" {
		req.SetHeader(protocol.HeaderEnrollmentKey, c.enrollmentKey)
	}
	resp, err := req.Post("/api/agents/register")
	if err := check(resp, err, "registering agent"); err != nil {
		return nil, err
	}

	if out.Token != "" {
		c.setToken(out.Token)
		c.logger.Info("agent token issued")
	}
	return &out, nil
}

// Heartbeat reports liveness and returns the controller's view of the agent.
func (c *Client) Heartbeat(ctx context.Context, hb protocol.HeartbeatRequest) (*store.Agent, error) {
	var out protocol.AgentResponse
	resp, err := c.request(ctx).SetBody(hb).SetResult(&out).Post(c.agentPath("/heartbeat"))
	if err := check(resp, err, "sending heartbeat"); err != nil {
		return nil, err
	}
	return out.Agent, nil
}

// FetchTasks returns the agent's pending tasks in creation order.
func (c *Client) FetchTasks(ctx context.Context) ([]protocol.TaskRequest, error) {
	var out protocol.TasksResponse
	resp, err := c.request(ctx).SetResult(&out).Get(c.agentPath("/tasks"))
	if err := check(resp, err, "fetching tasks"); err != nil {
		return nil, err
	}
	return out.Tasks, nil
}

// ReportResult submits a status transition for taskID.
func (c *Client) ReportResult(ctx context.Context, taskID string, res protocol.SubmitTaskResult) (*store.AgentTask, error) {
	var out protocol.TaskResponse
	resp, err := c.request(ctx).SetBody(res).SetResult(&out).Post(c.agentPath("/tasks/", taskID, "/result"))
	if err := check(resp, err, "reporting result"); err != nil {
		return nil, err
	}
	return out.Task, nil
}

// Stream follows the push channel, calling fn for each snapshot until ctx is
// cancelled, the controller closes the stream, or fn returns an error.
// A cancelled ctx or a normal close returns nil.
func (c *Client) Stream(ctx context.Context, fn func(protocol.StreamMessage) error) error {
	wsURL := "ws" + strings.TrimPrefix(c.baseURL, "http") + c.agentPath("/stream")

	header := http.Header{}
	if token := c.Token(); token != "" {
		header.Set(protocol.HeaderAgentToken, token)
	}

	dialer := websocket.Dialer{HandshakeTimeout: streamHandshakeLimit}
	conn, resp, err := dialer.DialContext(ctx, wsURL, header)
	if err != nil {
		if resp != nil {
			return fmt.Errorf("opening stream: %w", &APIError{StatusCode: resp.StatusCode, Message: err.Error()})
		}
		return fmt.Errorf("opening stream: %w", err)
	}
	defer conn.Close()

	done := make(chan struct{})
	defer close(done)
	go func() {
		select {
		case <-ctx.Done():
			_ = conn.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
				time.Now().Add(time.Second))
			_ = conn.Close()
		case <-done:
		}
	}()

	c.logger.Debug("stream opened")
	for {
		var msg protocol.StreamMessage
		if err := conn.ReadJSON(&msg); err != nil {
			if ctx.Err() != nil || websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				return nil
			}
			return fmt.Errorf("reading stream: %w", err)
		}
		if err := fn(msg); err != nil {
			return err
		}
	}
}
