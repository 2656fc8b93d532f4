package relay

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lei/conveyor/internal/models"
)

func TestMasterClient_SendEvent(t *testing.T) {
	var gotPath, gotAuth string
	var gotEvent models.Event

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.Path
		gotAuth = r.Header.Get("Authorization")
		require.NoError(t, json.NewDecoder(r.Body).Decode(&gotEvent))
		w.WriteHeader(http.StatusAccepted)
	}))
	defer srv.Close()

	c := NewMasterClient(srv.URL, "secret", nil)
	ev := models.Event{BuildID: "b1", Sequence: 3, Type: models.EventStage, StageName: "build", Status: "running"}
	require.NoError(t, c.SendEvent(context.Background(), ev))

	assert.Equal(t, "/api/v1/builds/b1/events", gotPath)
	assert.Equal(t, "Bearer secret", gotAuth)
	assert.Equal(t, ev.Sequence, gotEvent.Sequence)
	assert.Equal(t, ev.StageName, gotEvent.StageName)
}

func TestMasterClient_SendResultError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadRequest)
		json.NewEncoder(w).Encode(map[string]string{"error": "unknown build"})
	}))
	defer srv.Close()

	c := NewMasterClient(srv.URL, "", nil)
	err := c.SendResult(context.Background(), models.Build{ID: "nope"})
	require.Error(t, err)

	var te *TransportError
	require.ErrorAs(t, err, &te)
	assert.Equal(t, http.StatusBadRequest, te.Code)
	assert.Equal(t, "unknown build", te.Message)
}

func TestAgentClient_DispatchBusy(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/api/v1/dispatch", r.URL.Path)
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	c := NewAgentClient("", nil)
	err := c.Dispatch(context.Background(), srv.URL, DispatchRequest{Build: models.Build{ID: "b1"}})
	assert.ErrorIs(t, err, ErrAgentBusy)
}

func TestAgentClient_Unauthorized(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusUnauthorized)
	}))
	defer srv.Close()

	c := NewAgentClient("wrong", nil)
	err := c.Cancel(context.Background(), srv.URL, "b1")
	assert.ErrorIs(t, err, ErrUnauthorized)
}

func TestMasterClient_UploadArtifacts(t *testing.T) {
	dir := t.TempDir()
	good := filepath.Join(dir, "report.xml")
	require.NoError(t, os.WriteFile(good, []byte("<ok/>"), 0o644))

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.NoError(t, r.ParseMultipartForm(1<<20))
		files := r.MultipartForm.File["artifact"]
		names := make([]string, 0, len(files))
		for _, fh := range files {
			names = append(names, fh.Filename)
		}
		w.WriteHeader(http.StatusOK)
		json.NewEncoder(w).Encode(ArtifactReport{Uploaded: names})
	}))
	defer srv.Close()

	c := NewMasterClient(srv.URL, "", nil)
	report, err := c.UploadArtifacts(context.Background(), "b1", []Artifact{
		{Name: "report.xml", Path: good},
		{Name: "missing.log", Path: filepath.Join(dir, "missing.log")},
	})
	require.NoError(t, err)

	assert.Equal(t, []string{"report.xml"}, report.Uploaded)
	assert.Contains(t, report.Failed, "missing.log", "unreadable file is reported, not fatal")
}
