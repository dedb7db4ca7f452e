package agent

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/metalkiln/metalkiln/pkg/node"
)

// HTTPClientOptions configures the HTTP agent client.
type HTTPClientOptions struct {
	// Timeout bounds a single request attempt.
	Timeout time.Duration
	// RetryAttempts is the number of retries after the first attempt for
	// transient transport failures. Responses the agent actually produced
	// (including ErrBusy) are never retried.
	RetryAttempts uint64
	// RetryBackoffMin and RetryBackoffMax bound the exponential backoff
	// between attempts.
	RetryBackoffMin time.Duration
	RetryBackoffMax time.Duration
	// Transport overrides the underlying round tripper, mainly for tests.
	Transport http.RoundTripper
}

// HTTPClient implements Client over the agent's JSON REST surface.
type HTTPClient struct {
	client          *http.Client
	retryAttempts   uint64
	retryBackoffMin time.Duration
	retryBackoffMax time.Duration
}

// NewHTTPClient constructs an agent client with the provided options.
func NewHTTPClient(opts HTTPClientOptions) *HTTPClient {
	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = 60 * time.Second
	}
	retryMin := opts.RetryBackoffMin
	if retryMin <= 0 {
		retryMin = 500 * time.Millisecond
	}
	retryMax := opts.RetryBackoffMax
	if retryMax < retryMin {
		retryMax = retryMin
	}
	return &HTTPClient{
		client: &http.Client{
			Timeout:   timeout,
			Transport: opts.Transport,
		},
		retryAttempts:   opts.RetryAttempts,
		retryBackoffMin: retryMin,
		retryBackoffMax: retryMax,
	}
}

type commandEnvelope struct {
	Name   string          `json:"command_name"`
	Status CommandStatus   `json:"command_status"`
	Result json.RawMessage `json:"command_result,omitempty"`
	Error  string          `json:"command_error,omitempty"`
}

type commandRequest struct {
	Name   string                 `json:"name"`
	Params map[string]interface{} `json:"params"`
}

// GetCommandStatus implements Client.
func (c *HTTPClient) GetCommandStatus(ctx context.Context, n *node.Node) ([]Command, error) {
	base, err := agentBaseURL(n)
	if err != nil {
		return nil, err
	}
	var payload struct {
		Commands []Command `json:"commands"`
	}
	if err := c.doJSON(ctx, http.MethodGet, base+"/v1/commands", nil, &payload); err != nil {
		return nil, err
	}
	return payload.Commands, nil
}

// GetCleanSteps implements Client. The query is itself executed as a
// synchronous agent command; its result carries the step catalogue and the
// hardware-manager version token.
func (c *HTTPClient) GetCleanSteps(ctx context.Context, n *node.Node) (*CleanStepsResult, error) {
	envelope, err := c.runCommand(ctx, n, "clean.get_clean_steps", map[string]interface{}{
		"node": n.ID,
	}, true)
	if err != nil {
		return nil, err
	}
	if envelope.Status == StatusFailed {
		return nil, fmt.Errorf("agent get_clean_steps failed: %s", envelope.Error)
	}
	var result CleanStepsResult
	if len(envelope.Result) > 0 {
		if err := json.Unmarshal(envelope.Result, &result); err != nil {
			return nil, fmt.Errorf("parse clean steps result: %w", err)
		}
	}
	return &result, nil
}

// ExecuteCleanStep implements Client. The step runs asynchronously; progress
// is observed through subsequent GetCommandStatus snapshots.
func (c *HTTPClient) ExecuteCleanStep(ctx context.Context, n *node.Node, step node.CleanStep) error {
	_, err := c.runCommand(ctx, n, CommandExecuteCleanStep, map[string]interface{}{
		"step": step,
		"node": n.ID,
	}, false)
	return err
}

// PrepareImage implements Client.
func (c *HTTPClient) PrepareImage(ctx context.Context, n *node.Node, image node.ImageInfo) error {
	_, err := c.runCommand(ctx, n, CommandPrepareImage, map[string]interface{}{
		"image_info": image,
	}, false)
	return err
}

// PowerOff implements Client.
func (c *HTTPClient) PowerOff(ctx context.Context, n *node.Node) error {
	_, err := c.runCommand(ctx, n, "standby.power_off", nil, false)
	return err
}

// Sync implements Client.
func (c *HTTPClient) Sync(ctx context.Context, n *node.Node) error {
	_, err := c.runCommand(ctx, n, "standby.sync", nil, true)
	return err
}

func (c *HTTPClient) runCommand(ctx context.Context, n *node.Node, name string, params map[string]interface{}, wait bool) (*commandEnvelope, error) {
	base, err := agentBaseURL(n)
	if err != nil {
		return nil, err
	}
	if params == nil {
		params = map[string]interface{}{}
	}
	url := base + "/v1/commands"
	if wait {
		url += "?wait=true"
	}
	body, err := json.Marshal(commandRequest{Name: name, Params: params})
	if err != nil {
		return nil, fmt.Errorf("marshal command %s: %w", name, err)
	}
	var envelope commandEnvelope
	if err := c.doJSON(ctx, http.MethodPost, url, body, &envelope); err != nil {
		return nil, fmt.Errorf("command %s: %w", name, err)
	}
	return &envelope, nil
}

func (c *HTTPClient) doJSON(ctx context.Context, method, url string, body []byte, out interface{}) error {
	operation := func() error {
		var reader io.Reader
		if body != nil {
			reader = bytes.NewReader(body)
		}
		req, err := http.NewRequestWithContext(ctx, method, url, reader)
		if err != nil {
			return backoff.Permanent(err)
		}
		if body != nil {
			req.Header.Set("Content-Type", "application/json")
		}
		resp, err := c.client.Do(req)
		if err != nil {
			// Connection-level failures are the retryable class: the ramdisk
			// may still be bringing its API up.
			return err
		}
		defer resp.Body.Close()

		switch {
		case resp.StatusCode == http.StatusConflict:
			return backoff.Permanent(ErrBusy)
		case resp.StatusCode >= 500:
			return fmt.Errorf("agent returned status %d", resp.StatusCode)
		case resp.StatusCode >= 400:
			data, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
			return backoff.Permanent(fmt.Errorf("agent returned status %d: %s", resp.StatusCode, strings.TrimSpace(string(data))))
		}

		if out == nil {
			return nil
		}
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			return backoff.Permanent(fmt.Errorf("decode agent response: %w", err))
		}
		return nil
	}

	policy := backoff.NewExponentialBackOff()
	policy.InitialInterval = c.retryBackoffMin
	policy.MaxInterval = c.retryBackoffMax
	err := backoff.Retry(operation, backoff.WithContext(backoff.WithMaxRetries(policy, c.retryAttempts), ctx))
	if err != nil {
		var permanent *backoff.PermanentError
		if errors.As(err, &permanent) {
			return permanent.Err
		}
		return err
	}
	return nil
}

func agentBaseURL(n *node.Node) (string, error) {
	if n == nil {
		return "", errors.New("node must not be nil")
	}
	url := strings.TrimRight(strings.TrimSpace(n.Session.AgentURL), "/")
	if url == "" {
		return "", fmt.Errorf("node %s has no agent callback URL", n.ID)
	}
	return url, nil
}

var _ Client = (*HTTPClient)(nil)
