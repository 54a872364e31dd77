package cmd

import (
	"bytes"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"

	"github.com/Sternrassler/gridsync/internal/testutil"
	"github.com/Sternrassler/gridsync/pkg/grid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const candidate = "cli-cand"

// executeCommand runs a fresh root command with args and returns captured stdout.
func executeCommand(t *testing.T, args ...string) (string, error) {
	t.Helper()

	// Keep runs fast: no pause between batches and short backoff.
	t.Setenv("GRIDSYNC_ENGINE_BATCH_DELAY", "0s")
	t.Setenv("GRIDSYNC_RETRY_MIN_DELAY", "1ms")
	t.Setenv("GRIDSYNC_RETRY_MAX_DELAY", "5ms")
	t.Chdir(t.TempDir())

	root := NewRootCmd()
	out := new(bytes.Buffer)
	root.SetOut(out)
	root.SetErr(io.Discard)
	root.SetArgs(args)
	err := root.Execute()
	return out.String(), err
}

func smallGoal() grid.Grid {
	g := grid.New(2, 2)
	g[0][0] = &grid.Entity{Kind: grid.Polyanet}
	g[1][1] = &grid.Entity{Kind: grid.Soloon, Color: "purple"}
	return g
}

func TestRootCommand_Subcommands(t *testing.T) {
	root := NewRootCmd()
	assert.Equal(t, "gridsync", root.Use)

	names := map[string]bool{}
	for _, c := range root.Commands() {
		names[c.Name()] = true
	}
	for _, want := range []string{"reconcile", "plan", "clear", "show"} {
		assert.True(t, names[want], "missing subcommand %s", want)
	}
}

func TestPlan(t *testing.T) {
	mock := testutil.NewMockGrid(candidate, smallGoal())
	defer mock.Close()

	out, err := executeCommand(t, "plan", "--base-url", mock.URL(), "--candidate", candidate)
	require.NoError(t, err)
	assert.Contains(t, out, "0 deletes, 2 creates")
	assert.Contains(t, out, "create POLYANET at (0,0)")
	assert.Contains(t, out, "create PURPLE_SOLOON at (1,1)")
	assert.Zero(t, mock.Current().Count())
}

func TestReconcile(t *testing.T) {
	mock := testutil.NewMockGrid(candidate, smallGoal())
	defer mock.Close()

	out, err := executeCommand(t, "reconcile", "--base-url", mock.URL(), "--candidate", candidate)
	require.NoError(t, err)
	assert.Contains(t, out, "2 created")
	assert.Equal(t, smallGoal().String(), mock.Current().String())
}

func TestClear_RequiresConfirmation(t *testing.T) {
	mock := testutil.NewMockGrid(candidate, smallGoal())
	defer mock.Close()
	mock.SetCurrent(smallGoal())

	_, err := executeCommand(t, "clear", "--base-url", mock.URL(), "--candidate", candidate)
	require.Error(t, err)
	assert.Equal(t, 2, mock.Current().Count())

	out, err := executeCommand(t, "clear", "--yes", "--base-url", mock.URL(), "--candidate", candidate)
	require.NoError(t, err)
	assert.Contains(t, out, "2 deleted")
	assert.Zero(t, mock.Current().Count())
}

func TestShow(t *testing.T) {
	mock := testutil.NewMockGrid(candidate, smallGoal())
	defer mock.Close()

	out, err := executeCommand(t, "show", "--base-url", mock.URL(), "--candidate", candidate)
	require.NoError(t, err)
	assert.Contains(t, out, "goal (2x2, 2 entities)")
	assert.Contains(t, out, "P.\n.S\n")
}

func TestMissingCandidate(t *testing.T) {
	_, err := executeCommand(t, "plan", "--base-url", "http://127.0.0.1:1")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "api.candidate_id")
}

func TestCandidateFromConfigFile(t *testing.T) {
	mock := testutil.NewMockGrid(candidate, smallGoal())
	defer mock.Close()

	path := filepath.Join(t.TempDir(), "gridsync.yaml")
	content := "api:\n  base_url: " + mock.URL() + "\n  candidate_id: " + candidate + "\n"
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))

	out, err := executeCommand(t, "plan", "--config", path)
	require.NoError(t, err)
	assert.Contains(t, out, "2 creates")
}

func TestInvalidConfig(t *testing.T) {
	_, err := executeCommand(t, "plan", "--candidate", candidate, "--log-level", "chatty")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "logging.level")
}

func TestHealthHandler(t *testing.T) {
	rec := httptest.NewRecorder()
	healthHandler(rec, httptest.NewRequest(http.MethodGet, "/health", nil))
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "OK", rec.Body.String())
}
