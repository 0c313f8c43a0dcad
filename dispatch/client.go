package dispatch

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/viralforge/orchestrator/balancer"
	"github.com/viralforge/orchestrator/core"
	"github.com/viralforge/orchestrator/telemetry"
)

// AgentConfig describes how to reach one named agent capability.
type AgentConfig struct {
	Name              string            `json:"name"`
	Strategy          balancer.Strategy `json:"strategy"`
	Timeout           time.Duration     `json:"timeout"`
	Retries           int               `json:"retries"`
	RetryDelay        time.Duration     `json:"retry_delay"`
	RetryableStatuses []int             `json:"retryable_statuses,omitempty"`

	// Health endpoint of the agent's base deployment (not a specific
	// instance), used by CheckHealth.
	HealthHost string `json:"health_host,omitempty"`
	HealthPort int    `json:"health_port,omitempty"`
	HealthPath string `json:"health_path,omitempty"`
}

// CallOptions override per-call behavior of Execute.
type CallOptions struct {
	Timeout    time.Duration
	Retries    int
	RetryDelay time.Duration
	ClientID   string // sticky routing key for the ip_hash strategy
}

// Client resolves an instance via the balancer, issues the HTTP call, and
// reports a uniform Result. Used by both the pipeline executor and ad-hoc
// callers.
type Client struct {
	registry *balancer.Registry
	http     *http.Client
	logger   core.Logger

	mu      sync.RWMutex
	configs map[string]AgentConfig
}

// ClientOption configures a Client.
type ClientOption func(*Client)

// WithLogger configures structured logging.
func WithLogger(logger core.Logger) ClientOption {
	return func(c *Client) {
		if logger != nil {
			c.logger = logger
		}
	}
}

// WithHTTPClient substitutes the underlying HTTP client, mainly for tests.
func WithHTTPClient(h *http.Client) ClientOption {
	return func(c *Client) { c.http = h }
}

// NewClient creates a dispatch client over the given instance registry.
// The shared client carries no global timeout: each call is bounded by its
// per-attempt context deadline, so agent and per-call timeouts of any
// length are honored and a deadline always surfaces as a timeout failure.
// The transport bounds connection setup only.
func NewClient(registry *balancer.Registry, opts ...ClientOption) *Client {
	c := &Client{
		registry: registry,
		http: &http.Client{
			Transport: &http.Transport{
				DialContext:         (&net.Dialer{Timeout: 5 * time.Second}).DialContext,
				TLSHandshakeTimeout: 5 * time.Second,
				MaxIdleConnsPerHost: 10,
			},
		},
		logger:  &core.NoOpLogger{},
		configs: make(map[string]AgentConfig),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// RegisterAgent installs the base configuration for an agent. Dispatching
// to an agent with no configuration is a programmer error.
func (c *Client) RegisterAgent(cfg AgentConfig) error {
	if cfg.Name == "" {
		return fmt.Errorf("dispatch.RegisterAgent: agent name is required: %w", core.ErrInvalidConfiguration)
	}
	if cfg.Strategy == "" {
		cfg.Strategy = balancer.RoundRobin
	}
	if !cfg.Strategy.Valid() {
		return fmt.Errorf("dispatch.RegisterAgent: unknown strategy %q: %w", cfg.Strategy, core.ErrInvalidConfiguration)
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 30 * time.Second
	}
	if cfg.RetryDelay <= 0 {
		cfg.RetryDelay = time.Second
	}
	if cfg.HealthPath == "" {
		cfg.HealthPath = "/health"
	}

	c.mu.Lock()
	c.configs[cfg.Name] = cfg
	c.mu.Unlock()
	return nil
}

// AgentConfigFor returns the registered configuration for an agent.
func (c *Client) AgentConfigFor(agentName string) (AgentConfig, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	cfg, ok := c.configs[agentName]
	return cfg, ok
}

// Execute resolves an instance, issues the call with a timeout, and
// retries on transient failure (connection error or a configured
// retryable status). Returns a Result for every ordinary outcome; the
// error return is non-nil only for unknown agents.
func (c *Client) Execute(ctx context.Context, agentName, method, path string, data interface{}, opts *CallOptions) (*Result, error) {
	cfg, ok := c.AgentConfigFor(agentName)
	if !ok {
		return nil, fmt.Errorf("dispatch.Execute: %s: %w", agentName, core.ErrAgentNotFound)
	}

	timeout := cfg.Timeout
	retries := cfg.Retries
	delay := cfg.RetryDelay
	clientID := ""
	if opts != nil {
		if opts.Timeout > 0 {
			timeout = opts.Timeout
		}
		if opts.Retries > 0 {
			retries = opts.Retries
		}
		if opts.RetryDelay > 0 {
			delay = opts.RetryDelay
		}
		clientID = opts.ClientID
	}

	started := time.Now()
	var lastErr *CallError
	var lastInstance string
	attempts := 0

	for attempt := 0; attempt <= retries; attempt++ {
		if attempt > 0 {
			// Non-blocking wait between attempts.
			timer := time.NewTimer(delay)
			select {
			case <-ctx.Done():
				timer.Stop()
				return failure(&CallError{Message: ctx.Err().Error(), Code: "cancelled"}, started, attempts, lastInstance), nil
			case <-timer.C:
			}
		}
		attempts++

		instance, err := c.registry.SelectInstance(agentName, cfg.Strategy, clientID)
		if err != nil {
			// Zero healthy instances (or none registered yet) is
			// backpressure, and transient: the next attempt may see a
			// recovered instance.
			lastErr = &CallError{Message: err.Error(), Code: "no_instance_available"}
			continue
		}
		lastInstance = instance.ID

		callErr, body := c.attempt(ctx, cfg, instance, method, path, data, timeout)
		if callErr == nil {
			telemetry.Histogram("dispatch.duration_ms", float64(time.Since(started).Milliseconds()), "agent", agentName)
			return &Result{
				Success:    true,
				Data:       body,
				Duration:   time.Since(started),
				Timestamp:  time.Now(),
				Attempts:   attempts,
				InstanceID: instance.ID,
			}, nil
		}

		lastErr = callErr
		c.logger.Warn("Dispatch attempt failed", map[string]interface{}{
			"agent":    agentName,
			"instance": instance.ID,
			"attempt":  attempts,
			"status":   callErr.Status,
			"error":    callErr.Message,
		})
		telemetry.Counter("dispatch.attempt_failed", "agent", agentName, "code", callErr.Code)

		if !c.retryable(cfg, callErr) {
			break
		}
	}

	return failure(lastErr, started, attempts, lastInstance), nil
}

// attempt issues one HTTP call bracketing the instance's load counter.
// The decrement is deferred so a timed-out call cannot permanently
// inflate the instance's reported load.
func (c *Client) attempt(ctx context.Context, cfg AgentConfig, instance *balancer.AgentInstance, method, path string, data interface{}, timeout time.Duration) (callErr *CallError, body map[string]interface{}) {
	if _, err := c.registry.IncrementLoad(instance.AgentName, instance.ID); err == nil {
		defer func() { _, _ = c.registry.DecrementLoad(instance.AgentName, instance.ID) }()
	}

	callCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	var reqBody io.Reader
	if data != nil {
		payload, err := json.Marshal(data)
		if err != nil {
			return &CallError{Message: fmt.Sprintf("marshaling request: %v", err), Code: "bad_request_payload"}, nil
		}
		reqBody = bytes.NewReader(payload)
	}

	url := fmt.Sprintf("http://%s:%d%s", instance.Host, instance.Port, normalizePath(path))
	req, err := http.NewRequestWithContext(callCtx, method, url, reqBody)
	if err != nil {
		return &CallError{Message: fmt.Sprintf("creating request: %v", err), Code: "bad_request"}, nil
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		code := "connection_failed"
		if callCtx.Err() == context.DeadlineExceeded {
			code = "timeout"
		}
		return &CallError{Message: err.Error(), Code: code}, nil
	}
	defer func() { _ = resp.Body.Close() }()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return &CallError{Message: fmt.Sprintf("reading response: %v", err), Code: "read_failed", Status: resp.StatusCode}, nil
	}

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return &CallError{
			Message: fmt.Sprintf("agent returned status %d", resp.StatusCode),
			Code:    "http_error",
			Status:  resp.StatusCode,
			Details: json.RawMessage(respBody),
		}, nil
	}

	var parsed map[string]interface{}
	if len(respBody) > 0 {
		if err := json.Unmarshal(respBody, &parsed); err != nil {
			return &CallError{Message: fmt.Sprintf("parsing response: %v", err), Code: "invalid_response", Status: resp.StatusCode}, nil
		}
	}
	return nil, parsed
}

// retryable reports whether the failure is transient under this agent's
// configuration. Connection errors, timeouts, and selection exhaustion
// always qualify; HTTP statuses only if configured.
func (c *Client) retryable(cfg AgentConfig, callErr *CallError) bool {
	switch callErr.Code {
	case "connection_failed", "timeout", "no_instance_available":
		return true
	case "http_error":
		for _, status := range cfg.RetryableStatuses {
			if callErr.Status == status {
				return true
			}
		}
	}
	return false
}

// CheckHealth probes the agent's configured base health endpoint, not a
// specific instance. Seeds the balancer's own health checks and serves
// external health-check jobs.
func (c *Client) CheckHealth(ctx context.Context, agentName string) bool {
	cfg, ok := c.AgentConfigFor(agentName)
	if !ok || cfg.HealthHost == "" {
		return false
	}

	url := fmt.Sprintf("http://%s:%d%s", cfg.HealthHost, cfg.HealthPort, normalizePath(cfg.HealthPath))
	probeCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	req, err := http.NewRequestWithContext(probeCtx, http.MethodGet, url, nil)
	if err != nil {
		return false
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return false
	}
	defer func() { _ = resp.Body.Close() }()
	return resp.StatusCode == http.StatusOK
}

// InstanceProber adapts the client into a balancer.HealthProber probing a
// specific instance's health endpoint.
func (c *Client) InstanceProber() balancer.ProberFunc {
	return func(ctx context.Context, instance *balancer.AgentInstance) bool {
		url := fmt.Sprintf("http://%s:%d/health", instance.Host, instance.Port)
		probeCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
		defer cancel()

		req, err := http.NewRequestWithContext(probeCtx, http.MethodGet, url, nil)
		if err != nil {
			return false
		}
		resp, err := c.http.Do(req)
		if err != nil {
			return false
		}
		defer func() { _ = resp.Body.Close() }()
		return resp.StatusCode == http.StatusOK
	}
}

// Get is sugar over Execute with a fixed method.
func (c *Client) Get(ctx context.Context, agentName, path string, opts *CallOptions) (*Result, error) {
	return c.Execute(ctx, agentName, http.MethodGet, path, nil, opts)
}

// Post is sugar over Execute with a fixed method.
func (c *Client) Post(ctx context.Context, agentName, path string, data interface{}, opts *CallOptions) (*Result, error) {
	return c.Execute(ctx, agentName, http.MethodPost, path, data, opts)
}

// Put is sugar over Execute with a fixed method.
func (c *Client) Put(ctx context.Context, agentName, path string, data interface{}, opts *CallOptions) (*Result, error) {
	return c.Execute(ctx, agentName, http.MethodPut, path, data, opts)
}

// Delete is sugar over Execute with a fixed method.
func (c *Client) Delete(ctx context.Context, agentName, path string, opts *CallOptions) (*Result, error) {
	return c.Execute(ctx, agentName, http.MethodDelete, path, nil, opts)
}

func normalizePath(p string) string {
	if p == "" {
		return "/"
	}
	if !strings.HasPrefix(p, "/") {
		return "/" + p
	}
	return p
}
