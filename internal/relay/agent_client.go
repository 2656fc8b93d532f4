package relay

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/lei/conveyor/pkg/logger"
)

// AgentClient is the master's HTTP client for talking to agents: dispatching
// builds, forwarding cancellations and approval decisions.
type AgentClient struct {
	apiKey     string
	httpClient *http.Client
	logger     *logger.Logger
}

// NewAgentClient creates a client for agent APIs. One client serves the whole
// fleet; the agent's base URL is passed per call because it comes from the
// registry record.
func NewAgentClient(apiKey string, log *logger.Logger) *AgentClient {
	if log == nil {
		log = logger.Nop()
	}
	return &AgentClient{
		apiKey:     apiKey,
		httpClient: &http.Client{Timeout: 15 * time.Second},
		logger:     log.Component("relay"),
	}
}

func (c *AgentClient) post(ctx context.Context, agentURL, path string, payload any) error {
	body, contentType, err := marshalBody(payload)
	if err != nil {
		return err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, agentURL+path, body)
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	if c.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.apiKey)
	}
	if contentType != "" {
		req.Header.Set("Content-Type", contentType)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		c.logger.Error("relay: agent request failed",
			"url", agentURL,
			"path", path,
			"error", err)
		return err
	}
	defer resp.Body.Close()

	c.logger.Debug("relay: agent response",
		"url", agentURL,
		"path", path,
		"status", resp.StatusCode)

	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusAccepted && resp.StatusCode != http.StatusNoContent {
		return parseError(resp)
	}
	io.Copy(io.Discard, resp.Body)
	return nil
}

// Dispatch hands a build to the agent. ErrAgentBusy means every slot on the
// agent is taken and the build should be requeued.
func (c *AgentClient) Dispatch(ctx context.Context, agentURL string, req DispatchRequest) error {
	return c.post(ctx, agentURL, "/api/v1/dispatch", req)
}

// Cancel asks the agent to abort a running build
func (c *AgentClient) Cancel(ctx context.Context, agentURL, buildID string) error {
	return c.post(ctx, agentURL, fmt.Sprintf("/api/v1/builds/%s/cancel", buildID), nil)
}

// DecideGate forwards an approval decision to the agent executing the build
func (c *AgentClient) DecideGate(ctx context.Context, agentURL, buildID string, decision GateDecision) error {
	return c.post(ctx, agentURL, fmt.Sprintf("/api/v1/builds/%s/approval", buildID), decision)
}
