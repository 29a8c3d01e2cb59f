package cmd

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fortiblox/X1-Ledgersync/pkg/checkpoint"
	"github.com/fortiblox/X1-Ledgersync/pkg/rpcpool"
)

func execute(t *testing.T, args ...string) (string, error) {
	t.Helper()
	var out bytes.Buffer
	rootCmd.SetOut(&out)
	rootCmd.SetErr(&out)
	rootCmd.SetArgs(args)
	t.Cleanup(func() {
		rootCmd.SetOut(nil)
		rootCmd.SetErr(nil)
		rootCmd.SetArgs(nil)
	})
	err := Execute(context.Background())
	return out.String(), err
}

// writeConfig points the CLI at a healthy mock node and a temp data dir.
func writeConfig(t *testing.T) string {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var req struct {
			ID     int    `json:"id"`
			Method string `json:"method"`
		}
		json.NewDecoder(r.Body).Decode(&req)
		resp := map[string]interface{}{"jsonrpc": "2.0", "id": req.ID}
		switch req.Method {
		case "getHealth":
			resp["result"] = "ok"
		case "getSlot":
			resp["result"] = 100
		default:
			resp["result"] = []interface{}{}
		}
		json.NewEncoder(w).Encode(resp)
	}))
	t.Cleanup(srv.Close)

	path := filepath.Join(t.TempDir(), "ledgersync.yaml")
	body := `
program_id: "11111111111111111111111111111111"
rpc:
  endpoints: ["` + srv.URL + `"]
storage:
  data_dir: ` + filepath.Join(t.TempDir(), "data") + `
server:
  enabled: false
logging:
  level: error
  format: console
`
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))
	return path
}

func TestSetVersionInfo(t *testing.T) {
	orig := versionInfo
	defer func() { versionInfo = orig }()

	SetVersionInfo("1.0.0", "abc123", "2026-01-15")
	assert.Equal(t, "1.0.0", versionInfo.Version)
	assert.Equal(t, "abc123", versionInfo.Commit)
	assert.Equal(t, "2026-01-15", versionInfo.BuildDate)
}

func TestVersionCommand(t *testing.T) {
	out, err := execute(t, "version")
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(out, "ledgersync "+versionInfo.Version), out)
}

func TestBackfillRejectsEmptyRange(t *testing.T) {
	_, err := execute(t, "backfill", "--start", "10", "--end", "10")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "must be greater")
}

func TestCheckpointResetAndShow(t *testing.T) {
	cfg := writeConfig(t)

	out, err := execute(t, "checkpoint", "reset", "--slot", "42", "--config", cfg)
	require.NoError(t, err)
	assert.Contains(t, out, "slot 42")

	out, err = execute(t, "checkpoint", "show", "--config", cfg)
	require.NoError(t, err)

	var cp checkpoint.Checkpoint
	require.NoError(t, json.Unmarshal([]byte(out), &cp))
	assert.Equal(t, uint64(42), cp.LastProcessedSlot)
	assert.False(t, cp.IsRunning)
	assert.Equal(t, versionInfo.Version, cp.Version)
}

func TestReconcileCommand(t *testing.T) {
	out, err := execute(t, "reconcile", "--config", writeConfig(t))
	require.NoError(t, err)

	var run struct {
		Status         string `json:"status"`
		RecordsChecked int    `json:"records_checked"`
	}
	require.NoError(t, json.Unmarshal([]byte(out), &run))
	assert.Equal(t, "COMPLETED", run.Status)
	assert.Zero(t, run.RecordsChecked)
}

func TestConfigErrorsSurface(t *testing.T) {
	path := filepath.Join(t.TempDir(), "bad.yaml")
	require.NoError(t, os.WriteFile(path, []byte("program_id: \"\"\n"), 0o600))

	_, err := execute(t, "checkpoint", "show", "--config", path)
	assert.Error(t, err)
}

func TestPrintEndpoints(t *testing.T) {
	var buf bytes.Buffer
	err := printEndpoints(&buf, []rpcpool.EndpointInfo{
		{URL: "http://a", Healthy: true, LastCheck: time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)},
		{URL: "http://b", Healthy: false, ConsecutiveFailures: 3, LastError: "timeout"},
	})
	require.NoError(t, err)

	lines := strings.Split(strings.TrimSpace(buf.String()), "\n")
	require.Len(t, lines, 3)
	assert.True(t, strings.HasPrefix(lines[0], "URL"))
	assert.Contains(t, lines[1], "2026-01-02T03:04:05Z")
	assert.Contains(t, lines[2], "timeout")
	assert.Contains(t, lines[2], "false")
}
