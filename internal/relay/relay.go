package relay

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"

	"github.com/lei/conveyor/internal/models"
	"github.com/lei/conveyor/internal/pipeline"
)

var (
	// ErrAgentBusy indicates the agent rejected a dispatch because every
	// execution slot is taken; the build should be requeued, not counted
	// as an agent failure
	ErrAgentBusy = errors.New("agent at capacity")

	// ErrUnauthorized indicates the peer rejected our API key
	ErrUnauthorized = errors.New("relay authentication failed")

	// ErrPeerUnavailable indicates the peer is temporarily unreachable
	ErrPeerUnavailable = errors.New("peer temporarily unavailable")
)

// TransportError represents an HTTP-level relay failure
type TransportError struct {
	Code    int
	Message string
	Err     error
}

func (e *TransportError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("relay error %d: %s: %v", e.Code, e.Message, e.Err)
	}
	return fmt.Sprintf("relay error %d: %s", e.Code, e.Message)
}

func (e *TransportError) Unwrap() error {
	return e.Err
}

// EventSink receives build progress from an executor. The master-backed
// implementation relays over HTTP; an in-process master can be wired in
// directly.
type EventSink interface {
	SendEvent(ctx context.Context, ev models.Event) error
	SendResult(ctx context.Context, build models.Build) error
}

// DispatchRequest is the payload the master sends an agent to start a build
type DispatchRequest struct {
	Build    models.Build `json:"build"`
	Pipeline pipeline.Def `json:"pipeline"`
}

// GateDecision is an approval decision forwarded to the executing agent
type GateDecision struct {
	StageName string `json:"stage_name"`
	Approve   bool   `json:"approve"`
	Actor     string `json:"actor"`
	ActorRole string `json:"actor_role"`
}

// ArtifactUploader is implemented by sinks that can carry artifact files
// to the master alongside events and results
type ArtifactUploader interface {
	UploadArtifacts(ctx context.Context, buildID string, artifacts []Artifact) (*ArtifactReport, error)
}

// Artifact names a file an agent uploads when a build completes
type Artifact struct {
	Name string
	Path string
}

// ArtifactReport lists which artifacts a batch upload accepted. A partially
// failed batch is not an error at the transport level.
type ArtifactReport struct {
	Uploaded []string          `json:"uploaded"`
	Failed   map[string]string `json:"failed,omitempty"`
}

func marshalBody(v any) (io.Reader, string, error) {
	if v == nil {
		return nil, "", nil
	}
	data, err := json.Marshal(v)
	if err != nil {
		return nil, "", fmt.Errorf("marshal body: %w", err)
	}
	return bytes.NewReader(data), "application/json", nil
}

// errorMessage extracts the message from an error envelope, accepting both
// {"error":"..."} and {"error":{"message":"..."}}
func errorMessage(body []byte) string {
	var envelope struct {
		Error json.RawMessage `json:"error"`
	}
	if json.Unmarshal(body, &envelope) != nil || len(envelope.Error) == 0 {
		return ""
	}
	var s string
	if json.Unmarshal(envelope.Error, &s) == nil {
		return s
	}
	var obj struct {
		Message string `json:"message"`
	}
	if json.Unmarshal(envelope.Error, &obj) == nil {
		return obj.Message
	}
	return ""
}

// parseError converts HTTP error responses to relay errors
func parseError(resp *http.Response) error {
	body, _ := io.ReadAll(resp.Body)

	switch resp.StatusCode {
	case http.StatusServiceUnavailable:
		return ErrAgentBusy
	case http.StatusUnauthorized, http.StatusForbidden:
		return ErrUnauthorized
	case http.StatusBadGateway, http.StatusGatewayTimeout:
		return ErrPeerUnavailable
	default:
		if msg := errorMessage(body); msg != "" {
			return &TransportError{Code: resp.StatusCode, Message: msg}
		}
		return &TransportError{Code: resp.StatusCode, Message: string(body)}
	}
}
