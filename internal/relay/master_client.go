package relay

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"os"
	"path/filepath"
	"time"

	"github.com/lei/conveyor/internal/models"
	"github.com/lei/conveyor/pkg/logger"
)

// MasterClient relays build progress from an agent to the master's API.
// It implements EventSink.
type MasterClient struct {
	baseURL    string
	apiKey     string
	httpClient *http.Client
	logger     *logger.Logger
}

// NewMasterClient creates a client for the master at baseURL. apiKey may be
// empty when the master runs without auth.
func NewMasterClient(baseURL, apiKey string, log *logger.Logger) *MasterClient {
	if log == nil {
		log = logger.Nop()
	}
	return &MasterClient{
		baseURL:    baseURL,
		apiKey:     apiKey,
		httpClient: &http.Client{Timeout: 30 * time.Second},
		logger:     log.Component("relay"),
	}
}

func (c *MasterClient) doRequest(ctx context.Context, method, path string, body io.Reader, contentType string) (*http.Response, error) {
	c.logger.Debug("relay: http request",
		"method", method,
		"path", path)

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, body)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	if c.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.apiKey)
	}
	if contentType != "" {
		req.Header.Set("Content-Type", contentType)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		c.logger.Error("relay: http request failed",
			"method", method,
			"path", path,
			"error", err)
		return nil, err
	}

	c.logger.Debug("relay: http response",
		"method", method,
		"path", path,
		"status", resp.StatusCode)
	return resp, nil
}

func (c *MasterClient) postJSON(ctx context.Context, path string, payload any) error {
	body, contentType, err := marshalBody(payload)
	if err != nil {
		return err
	}
	resp, err := c.doRequest(ctx, http.MethodPost, path, body, contentType)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusAccepted && resp.StatusCode != http.StatusNoContent {
		return parseError(resp)
	}
	return nil
}

// SendEvent relays one build event to the master
func (c *MasterClient) SendEvent(ctx context.Context, ev models.Event) error {
	path := fmt.Sprintf("/api/v1/builds/%s/events", ev.BuildID)
	return c.postJSON(ctx, path, ev)
}

// SendResult relays the terminal build snapshot to the master
func (c *MasterClient) SendResult(ctx context.Context, build models.Build) error {
	path := fmt.Sprintf("/api/v1/builds/%s/result", build.ID)
	return c.postJSON(ctx, path, build)
}

// Heartbeat reports the agent's presence and current load
func (c *MasterClient) Heartbeat(ctx context.Context, hb models.Heartbeat) error {
	return c.postJSON(ctx, "/api/v1/agents/heartbeat", hb)
}

// UploadArtifacts sends build artifacts as one multipart batch. Files that
// cannot be read are skipped and reported in the returned report; the call
// only errors when nothing could be sent or the transport failed.
func (c *MasterClient) UploadArtifacts(ctx context.Context, buildID string, artifacts []Artifact) (*ArtifactReport, error) {
	report := &ArtifactReport{Failed: make(map[string]string)}

	// Weed out unreadable files up front so a missing artifact doesn't
	// poison the whole batch
	readable := make([]Artifact, 0, len(artifacts))
	for _, a := range artifacts {
		name := a.Name
		if name == "" {
			name = filepath.Base(a.Path)
		}
		if _, err := os.Stat(a.Path); err != nil {
			c.logger.Warn("relay: skipping unreadable artifact",
				"artifact", name,
				"error", err)
			report.Failed[name] = err.Error()
			continue
		}
		readable = append(readable, Artifact{Name: name, Path: a.Path})
	}

	pr, pw := io.Pipe()
	mw := multipart.NewWriter(pw)

	go func() {
		for _, a := range readable {
			f, err := os.Open(a.Path)
			if err != nil {
				pw.CloseWithError(err)
				return
			}
			part, err := mw.CreateFormFile("artifact", a.Name)
			if err == nil {
				_, err = io.Copy(part, f)
			}
			f.Close()
			if err != nil {
				pw.CloseWithError(err)
				return
			}
		}
		pw.CloseWithError(mw.Close())
	}()

	path := fmt.Sprintf("/api/v1/builds/%s/artifacts", buildID)
	resp, err := c.doRequest(ctx, http.MethodPost, path, pr, mw.FormDataContentType())
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	// 207 means the master stored some artifacts and rejected others
	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusMultiStatus {
		return nil, parseError(resp)
	}

	var remote ArtifactReport
	if err := json.NewDecoder(resp.Body).Decode(&remote); err != nil {
		return nil, fmt.Errorf("decode artifact report: %w", err)
	}
	report.Uploaded = remote.Uploaded
	for name, reason := range remote.Failed {
		report.Failed[name] = reason
	}
	if len(report.Failed) == 0 {
		report.Failed = nil
	}
	return report, nil
}
