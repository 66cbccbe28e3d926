package main

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fyrsmithlabs/researchd/internal/events"
	researchhttp "github.com/fyrsmithlabs/researchd/internal/http"
	"github.com/fyrsmithlabs/researchd/internal/research"
)

func fakeServer(t *testing.T) *httptest.Server {
	t.Helper()
	mux := http.NewServeMux()
	mux.HandleFunc("POST /research/start", func(w http.ResponseWriter, r *http.Request) {
		var req researchhttp.StartRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		assert.Equal(t, "Quantum Computing", req.Domain)
		assert.Equal(t, []string{"https://example.org/a"}, req.Sources)
		w.WriteHeader(http.StatusAccepted)
		_ = json.NewEncoder(w).Encode(researchhttp.StartResponse{TaskID: "t-1", Status: research.StatusPending})
	})
	mux.HandleFunc("GET /research/status/{id}", func(w http.ResponseWriter, r *http.Request) {
		if r.PathValue("id") != "t-1" {
			w.WriteHeader(http.StatusNotFound)
			_, _ = w.Write([]byte(`{"message":"task missing not found"}`))
			return
		}
		_ = json.NewEncoder(w).Encode(researchhttp.StatusResponse{
			Summary: research.Summary{
				ID:           "t-1",
				Domain:       "Quantum Computing",
				Status:       research.StatusResearching,
				CurrentStage: research.StageResearch,
				Progress:     14,
			},
			Flags: []research.Flag{{Stage: research.StageReview, Severity: research.SeverityWarning, Description: "re-run suggested"}},
		})
	})
	mux.HandleFunc("GET /research/report/{id}", func(w http.ResponseWriter, r *http.Request) {
		if r.PathValue("id") != "t-1" {
			w.WriteHeader(http.StatusConflict)
			_, _ = w.Write([]byte(`{"message":"report not ready"}`))
			return
		}
		assert.Equal(t, "text/markdown", r.Header.Get("Accept"))
		w.Header().Set("Content-Type", "text/markdown")
		_, _ = w.Write([]byte("# Research Report: Quantum Computing\n"))
	})
	mux.HandleFunc("GET /research/list", func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode(researchhttp.ListResponse{
			Tasks: []research.Summary{{ID: "t-1", Domain: "Quantum Computing", Status: research.StatusCompleted, CreatedAt: time.Now().Add(-2 * time.Hour)}},
			Count: 1,
		})
	})
	mux.HandleFunc("GET /research/stream/{id}", func(w http.ResponseWriter, r *http.Request) {
		conn, err := websocket.Accept(w, r, nil)
		require.NoError(t, err)
		defer conn.CloseNow()
		ctx := r.Context()
		for _, ev := range []events.Event{
			{TaskID: "t-1", Type: events.Snapshot, Status: "planning"},
			{TaskID: "t-1", Type: events.StageCompleted, Stage: "plan", Status: "planning", Percentage: 14},
			{TaskID: "t-1", Type: events.TaskCompleted, Status: "completed", Percentage: 100},
		} {
			require.NoError(t, wsjson.Write(ctx, conn, ev))
		}
		conn.Close(websocket.StatusNormalClosure, "completed")
	})
	mux.HandleFunc("GET /health", func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode(researchhttp.HealthResponse{Status: "ok"})
	})
	ts := httptest.NewServer(mux)
	t.Cleanup(ts.Close)
	return ts
}

func execute(t *testing.T, args ...string) (string, error) {
	t.Helper()
	var out bytes.Buffer
	cmd := newRootCmd()
	cmd.SetOut(&out)
	cmd.SetErr(&out)
	cmd.SetArgs(args)
	err := cmd.Execute()
	return out.String(), err
}

func TestStartCommand(t *testing.T) {
	ts := fakeServer(t)

	out, err := execute(t, "start", "Quantum Computing", "--source", "https://example.org/a", "--server", ts.URL)
	require.NoError(t, err)
	assert.Contains(t, out, "t-1")

	out, err = execute(t, "start", "Quantum Computing", "--source", "https://example.org/a", "--watch", "--server", ts.URL)
	require.NoError(t, err)
	assert.Contains(t, out, "plan done")
	assert.Contains(t, out, "research completed")
}

func TestStatusCommand(t *testing.T) {
	ts := fakeServer(t)

	out, err := execute(t, "status", "t-1", "--server", ts.URL)
	require.NoError(t, err)
	assert.Contains(t, out, "Quantum Computing")
	assert.Contains(t, out, "researching")
	assert.Contains(t, out, "Research")
	assert.Contains(t, out, "re-run suggested")

	out, err = execute(t, "status", "t-1", "--json", "--server", ts.URL)
	require.NoError(t, err)
	var resp researchhttp.StatusResponse
	require.NoError(t, json.Unmarshal([]byte(out), &resp))
	assert.Equal(t, research.StatusResearching, resp.Status)

	_, err = execute(t, "status", "missing", "--server", ts.URL)
	require.Error(t, err)
	var apiErr *apiError
	require.ErrorAs(t, err, &apiErr)
	assert.Equal(t, http.StatusNotFound, apiErr.Status)
	assert.Equal(t, "task missing not found", apiErr.Message)
}

func TestReportCommand(t *testing.T) {
	ts := fakeServer(t)

	out, err := execute(t, "report", "t-1", "--server", ts.URL)
	require.NoError(t, err)
	assert.Equal(t, "# Research Report: Quantum Computing\n", out)

	path := filepath.Join(t.TempDir(), "report.md")
	_, err = execute(t, "report", "t-1", "-o", path, "--server", ts.URL)
	require.NoError(t, err)
	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, "# Research Report: Quantum Computing\n", string(data))

	_, err = execute(t, "report", "t-2", "--server", ts.URL)
	var apiErr *apiError
	require.ErrorAs(t, err, &apiErr)
	assert.Equal(t, http.StatusConflict, apiErr.Status)
}

func TestListAndHealthCommands(t *testing.T) {
	ts := fakeServer(t)

	out, err := execute(t, "list", "--server", ts.URL)
	require.NoError(t, err)
	assert.Contains(t, out, "1 research task(s)")
	assert.Contains(t, out, "2h ago")

	out, err = execute(t, "health", "--server", ts.URL)
	require.NoError(t, err)
	assert.Contains(t, out, "Server Status: ok")
}

func TestProgressBar(t *testing.T) {
	assert.True(t, strings.HasSuffix(progressBar(0), "  0%"))
	assert.True(t, strings.HasSuffix(progressBar(100), "100%"))
	assert.True(t, strings.HasSuffix(progressBar(250), "100%"))
}

func TestAge(t *testing.T) {
	assert.Equal(t, "30s", age(30*time.Second))
	assert.Equal(t, "5m", age(5*time.Minute))
	assert.Equal(t, "3h", age(3*time.Hour))
	assert.Equal(t, "2d", age(49*time.Hour))
}
