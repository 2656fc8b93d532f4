package api

import (
	"bytes"
	"context"
	"encoding/json"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lei/conveyor/internal/config"
	"github.com/lei/conveyor/internal/dispatch"
	"github.com/lei/conveyor/internal/models"
	"github.com/lei/conveyor/internal/pipeline"
	"github.com/lei/conveyor/internal/registry"
	"github.com/lei/conveyor/internal/relay"
	"github.com/lei/conveyor/internal/service"
	"github.com/lei/conveyor/internal/state"
	"github.com/lei/conveyor/pkg/logger"
)

type nopSender struct{}

func (nopSender) Send(ctx context.Context, agent models.Agent, req relay.DispatchRequest) error {
	return nil
}

func newTestRouter(t *testing.T, keys []config.APIKey) (http.Handler, *state.Store) {
	t.Helper()

	store := state.NewStore(nil)
	reg := registry.New(registry.Config{}, nil, nil)
	d := dispatch.New(dispatch.Config{}, store, reg, nopSender{}, nil, nil)
	svc := service.New(service.Options{
		Pipelines: []pipeline.Def{
			{
				ID: "web",
				Stages: []pipeline.StageDef{
					{Name: "build", Steps: []pipeline.StepDef{{Name: "compile", Run: "make"}}},
				},
			},
		},
		Store:       store,
		Registry:    reg,
		Dispatcher:  d,
		ArtifactDir: t.TempDir(),
	})

	handlers := NewHandlers(svc)
	auth := NewAuthMiddleware(keys)
	logging := NewLoggingMiddleware(logger.Nop())
	return NewRouter(handlers, auth, logging, nil), store
}

func doJSON(t *testing.T, router http.Handler, method, path string, body any, headers map[string]string) *httptest.ResponseRecorder {
	t.Helper()

	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)
	return w
}

// newMultipart writes a multipart body with the given files and returns
// its Content-Type
func newMultipart(t *testing.T, buf *bytes.Buffer, files map[string]string) string {
	t.Helper()
	mw := multipart.NewWriter(buf)
	for name, content := range files {
		part, err := mw.CreateFormFile("artifact", name)
		require.NoError(t, err)
		_, err = part.Write([]byte(content))
		require.NoError(t, err)
	}
	require.NoError(t, mw.Close())
	return mw.FormDataContentType()
}

func decodeBody(t *testing.T, w *httptest.ResponseRecorder) map[string]json.RawMessage {
	t.Helper()
	var out map[string]json.RawMessage
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &out))
	return out
}

func TestTriggerBuild(t *testing.T) {
	router, store := newTestRouter(t, nil)

	w := doJSON(t, router, "POST", "/api/v1/pipelines/web/builds",
		map[string]any{"trigger": "manual", "parameters": map[string]string{"branch": "main"}}, nil)
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())

	var resp struct {
		Build models.Build `json:"build"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.Equal(t, models.BuildQueued, resp.Build.Status)
	assert.Equal(t, "main", resp.Build.Parameters["branch"])

	_, err := store.GetBuild(resp.Build.ID)
	assert.NoError(t, err)
}

func TestTriggerBuild_UnknownPipeline(t *testing.T) {
	router, _ := newTestRouter(t, nil)
	w := doJSON(t, router, "POST", "/api/v1/pipelines/ghost/builds", nil, nil)
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestGetBuild_NotFound(t *testing.T) {
	router, _ := newTestRouter(t, nil)
	w := doJSON(t, router, "GET", "/api/v1/builds/nope", nil, nil)
	assert.Equal(t, http.StatusNotFound, w.Code)

	body := decodeBody(t, w)
	assert.Contains(t, string(body["error"]), "build not found")
}

func TestListBuilds_StatusFilter(t *testing.T) {
	router, store := newTestRouter(t, nil)

	b1 := doJSON(t, router, "POST", "/api/v1/pipelines/web/builds", nil, nil)
	require.Equal(t, http.StatusCreated, b1.Code)
	b2 := doJSON(t, router, "POST", "/api/v1/pipelines/web/builds", nil, nil)
	require.Equal(t, http.StatusCreated, b2.Code)

	var created struct {
		Build models.Build `json:"build"`
	}
	require.NoError(t, json.Unmarshal(b1.Body.Bytes(), &created))
	_, err := store.TransitionBuild(created.Build.ID, models.BuildAborted, "test")
	require.NoError(t, err)

	w := doJSON(t, router, "GET", "/api/v1/builds?status=aborted", nil, nil)
	require.Equal(t, http.StatusOK, w.Code)

	var resp struct {
		Builds []models.Build `json:"builds"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	require.Len(t, resp.Builds, 1)
	assert.Equal(t, created.Build.ID, resp.Builds[0].ID)
}

func TestCancelBuild(t *testing.T) {
	router, _ := newTestRouter(t, nil)

	created := doJSON(t, router, "POST", "/api/v1/pipelines/web/builds", nil, nil)
	require.Equal(t, http.StatusCreated, created.Code)
	var resp struct {
		Build models.Build `json:"build"`
	}
	require.NoError(t, json.Unmarshal(created.Body.Bytes(), &resp))

	w := doJSON(t, router, "POST", "/api/v1/builds/"+resp.Build.ID+"/cancel", nil, nil)
	assert.Equal(t, http.StatusNoContent, w.Code)

	// already terminal now
	w = doJSON(t, router, "POST", "/api/v1/builds/"+resp.Build.ID+"/cancel", nil, nil)
	assert.Equal(t, http.StatusConflict, w.Code)
}

func TestAuth(t *testing.T) {
	keys := []config.APIKey{{Name: "ops", Key: "secret-key", Role: "admin"}}
	router, _ := newTestRouter(t, keys)

	t.Run("missing header", func(t *testing.T) {
		w := doJSON(t, router, "GET", "/api/v1/builds", nil, nil)
		assert.Equal(t, http.StatusUnauthorized, w.Code)
	})

	t.Run("wrong key", func(t *testing.T) {
		w := doJSON(t, router, "GET", "/api/v1/builds", nil,
			map[string]string{"Authorization": "Bearer wrong"})
		assert.Equal(t, http.StatusUnauthorized, w.Code)
	})

	t.Run("valid key", func(t *testing.T) {
		w := doJSON(t, router, "GET", "/api/v1/builds", nil,
			map[string]string{"Authorization": "Bearer secret-key"})
		assert.Equal(t, http.StatusOK, w.Code)
	})

	t.Run("health is open", func(t *testing.T) {
		w := doJSON(t, router, "GET", "/health", nil, nil)
		assert.NotEqual(t, http.StatusUnauthorized, w.Code)
	})
}

func TestIngestEvent_MirrorsRemoteProgress(t *testing.T) {
	router, store := newTestRouter(t, nil)

	created := doJSON(t, router, "POST", "/api/v1/pipelines/web/builds", nil, nil)
	require.Equal(t, http.StatusCreated, created.Code)
	var resp struct {
		Build models.Build `json:"build"`
	}
	require.NoError(t, json.Unmarshal(created.Body.Bytes(), &resp))

	ev := models.Event{
		BuildID: resp.Build.ID,
		Type:    models.EventBuild,
		Status:  string(models.BuildRunning),
	}
	w := doJSON(t, router, "POST", "/api/v1/builds/"+resp.Build.ID+"/events", ev, nil)
	require.Equal(t, http.StatusAccepted, w.Code, w.Body.String())

	got, err := store.GetBuild(resp.Build.ID)
	require.NoError(t, err)
	assert.Equal(t, models.BuildRunning, got.Status)
}

func TestApprove_UsesAPIKeyRole(t *testing.T) {
	keys := []config.APIKey{
		{Name: "ops", Key: "ops-key", Role: "admin"},
		{Name: "dev", Key: "dev-key", Role: "developer"},
	}
	router, store := newTestRouter(t, keys)

	created := doJSON(t, router, "POST", "/api/v1/pipelines/web/builds", nil,
		map[string]string{"Authorization": "Bearer ops-key"})
	require.Equal(t, http.StatusCreated, created.Code)
	var resp struct {
		Build models.Build `json:"build"`
	}
	require.NoError(t, json.Unmarshal(created.Body.Bytes(), &resp))

	gate, err := store.CreateGate(resp.Build.ID, "build", "admin", 60)
	require.NoError(t, err)

	// a developer key cannot satisfy an admin gate
	w := doJSON(t, router, "POST", "/api/v1/approvals/"+gate.ID+"/approve", nil,
		map[string]string{"Authorization": "Bearer dev-key"})
	assert.Equal(t, http.StatusForbidden, w.Code)

	w = doJSON(t, router, "POST", "/api/v1/approvals/"+gate.ID+"/approve", nil,
		map[string]string{"Authorization": "Bearer ops-key"})
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())

	var decided struct {
		Approval models.ApprovalGate `json:"approval"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &decided))
	assert.Equal(t, models.GateApproved, decided.Approval.Status)
	assert.Equal(t, "ops", decided.Approval.ApprovedBy)

	// decisions are final
	w = doJSON(t, router, "POST", "/api/v1/approvals/"+gate.ID+"/reject", nil,
		map[string]string{"Authorization": "Bearer ops-key"})
	assert.Equal(t, http.StatusConflict, w.Code)
}

func TestHeartbeatRegistersAgent(t *testing.T) {
	router, _ := newTestRouter(t, nil)

	hb := models.Heartbeat{
		AgentID:   "agent-1",
		Name:      "builder",
		URL:       "http://agent-1:8090",
		Labels:    []string{"linux"},
		MaxBuilds: 2,
	}
	w := doJSON(t, router, "POST", "/api/v1/agents/heartbeat", hb, nil)
	require.Equal(t, http.StatusAccepted, w.Code)

	w = doJSON(t, router, "GET", "/api/v1/agents?status=online", nil, nil)
	require.Equal(t, http.StatusOK, w.Code)

	var resp struct {
		Agents []models.Agent `json:"agents"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	require.Len(t, resp.Agents, 1)
	assert.Equal(t, "agent-1", resp.Agents[0].ID)
	assert.Equal(t, models.AgentOnline, resp.Agents[0].Status)
}

func TestHeartbeat_MissingAgentID(t *testing.T) {
	router, _ := newTestRouter(t, nil)
	w := doJSON(t, router, "POST", "/api/v1/agents/heartbeat", models.Heartbeat{}, nil)
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestUploadAndDownloadArtifact(t *testing.T) {
	router, _ := newTestRouter(t, nil)

	created := doJSON(t, router, "POST", "/api/v1/pipelines/web/builds", nil, nil)
	require.Equal(t, http.StatusCreated, created.Code)
	var resp struct {
		Build models.Build `json:"build"`
	}
	require.NoError(t, json.Unmarshal(created.Body.Bytes(), &resp))

	var buf bytes.Buffer
	mw := newMultipart(t, &buf, map[string]string{"report.txt": "all green"})

	req := httptest.NewRequest("POST", "/api/v1/builds/"+resp.Build.ID+"/artifacts", &buf)
	req.Header.Set("Content-Type", mw)
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())

	list := doJSON(t, router, "GET", "/api/v1/builds/"+resp.Build.ID+"/artifacts", nil, nil)
	require.Equal(t, http.StatusOK, list.Code)
	assert.Contains(t, list.Body.String(), "report.txt")

	dl := doJSON(t, router, "GET", "/api/v1/builds/"+resp.Build.ID+"/artifacts/report.txt", nil, nil)
	require.Equal(t, http.StatusOK, dl.Code)
	assert.Equal(t, "all green", dl.Body.String())
}
