package service

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fortiblox/X1-Ledgersync/pkg/indexer"
	"github.com/fortiblox/X1-Ledgersync/pkg/metrics"
	"github.com/fortiblox/X1-Ledgersync/pkg/reconcile"
	"github.com/fortiblox/X1-Ledgersync/pkg/rpcpool"
)

const testProgram = "11111111111111111111111111111111"

// mockRPCServer answers the methods the service needs with an empty program
// history at a fixed head.
func mockRPCServer(t *testing.T, head uint64) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var req struct {
			ID     int    `json:"id"`
			Method string `json:"method"`
		}
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}

		resp := map[string]interface{}{"jsonrpc": "2.0", "id": req.ID}
		switch req.Method {
		case "getHealth":
			resp["result"] = "ok"
		case "getSlot":
			resp["result"] = head
		case "getSignaturesForAddress":
			resp["result"] = []interface{}{}
		default:
			resp["error"] = map[string]interface{}{"code": -32601, "message": "Method not found"}
		}
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(resp)
	}))
	t.Cleanup(srv.Close)
	return srv
}

func testConfig(t *testing.T, endpoint string) Config {
	cfg := DefaultConfig()
	cfg.ProgramID = testProgram
	cfg.ReconcileEnabled = false
	cfg.RPC = rpcpool.Config{Endpoints: []string{endpoint}, HealthCheckPeriod: time.Hour}
	cfg.Indexer = indexer.Config{PollInterval: time.Hour}
	cfg.Backfill.WaveDelay = -1
	cfg.Storage = StorageConfig{Driver: DriverBadger, DataDir: t.TempDir(), InMemory: true}
	return cfg
}

func openService(t *testing.T, cfg Config) *Service {
	t.Helper()
	svc, err := New(cfg, nil, metrics.New())
	require.NoError(t, err)
	require.NoError(t, svc.Open(context.Background()))
	t.Cleanup(func() { svc.Close() })
	return svc
}

func TestConfigValidate(t *testing.T) {
	valid := func() Config {
		cfg := DefaultConfig()
		cfg.ProgramID = testProgram
		cfg.RPC.Endpoints = []string{"http://localhost:8899"}
		return cfg
	}

	tests := []struct {
		name    string
		mutate  func(c *Config)
		wantErr bool
	}{
		{"valid", func(c *Config) {}, false},
		{"missing program", func(c *Config) { c.ProgramID = "" }, true},
		{"bad program", func(c *Config) { c.ProgramID = "not-base58!" }, true},
		{"no endpoints", func(c *Config) { c.RPC.Endpoints = nil }, true},
		{"postgres without url", func(c *Config) { c.Storage.Driver = DriverPostgres }, true},
		{"postgres with url", func(c *Config) {
			c.Storage.Driver = DriverPostgres
			c.Storage.PostgresURL = "postgres://localhost/ledgersync"
		}, false},
		{"unknown driver", func(c *Config) { c.Storage.Driver = "sqlite" }, true},
		{"missing data dir", func(c *Config) { c.Storage.DataDir = "" }, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := valid()
			tt.mutate(&cfg)
			err := cfg.Validate()
			if tt.wantErr {
				assert.ErrorIs(t, err, ErrConfigInvalid)
			} else {
				assert.NoError(t, err)
			}
		})
	}
}

func TestRoleGuard(t *testing.T) {
	var g roleGuard
	require.NoError(t, g.acquire(roleRealtime))
	assert.ErrorIs(t, g.acquire(roleBackfill), ErrProducerActive)
	assert.ErrorIs(t, g.acquire(roleRealtime), ErrProducerActive)

	g.release(roleBackfill)
	assert.Equal(t, roleRealtime, g.current(), "releasing another role is a no-op")

	g.release(roleRealtime)
	assert.Equal(t, roleNone, g.current())
	require.NoError(t, g.acquire(roleBackfill))
}

func TestNotOpen(t *testing.T) {
	svc, err := New(testConfig(t, "http://127.0.0.1:1"), nil, nil)
	require.NoError(t, err)

	ctx := context.Background()
	assert.ErrorIs(t, svc.Start(ctx), ErrNotOpen)
	_, err = svc.Backfill(ctx, 0, 10)
	assert.ErrorIs(t, err, ErrNotOpen)
	assert.ErrorIs(t, svc.Healthy(), ErrNotOpen)
	assert.ErrorIs(t, svc.Stop(ctx), ErrNotRunning)
	assert.Equal(t, "none", svc.Status().Producer)
}

func TestProducersAreExclusive(t *testing.T) {
	srv := mockRPCServer(t, 5000)
	svc := openService(t, testConfig(t, srv.URL))
	ctx := context.Background()

	require.NoError(t, svc.Start(ctx))
	assert.ErrorIs(t, svc.Start(ctx), ErrAlreadyRunning)

	_, err := svc.Backfill(ctx, 0, 1000)
	assert.ErrorIs(t, err, ErrProducerActive)
	assert.ErrorIs(t, svc.ResetCheckpoint(ctx, 10), ErrProducerActive)

	st := svc.Status()
	assert.True(t, st.Running)
	assert.Equal(t, "realtime", st.Producer)
	assert.Equal(t, indexer.StateRunning, st.Indexer.State)
	assert.Equal(t, 1, st.HealthyEndpoints)

	cp, err := svc.Checkpoint(ctx)
	require.NoError(t, err)
	assert.True(t, cp.IsRunning)

	require.NoError(t, svc.Stop(ctx))

	cp, err = svc.Checkpoint(ctx)
	require.NoError(t, err)
	assert.False(t, cp.IsRunning)

	res, err := svc.Backfill(ctx, 0, 2000)
	require.NoError(t, err)
	assert.Equal(t, 2, res.Chunks)

	cp, err = svc.Checkpoint(ctx)
	require.NoError(t, err)
	assert.Equal(t, uint64(2000), cp.LastProcessedSlot)

	require.NoError(t, svc.ResetCheckpoint(ctx, 10))
	cp, err = svc.Checkpoint(ctx)
	require.NoError(t, err)
	assert.Equal(t, uint64(10), cp.LastProcessedSlot)
}

func TestRestartResumesProber(t *testing.T) {
	srv := mockRPCServer(t, 5000)
	svc := openService(t, testConfig(t, srv.URL))
	ctx := context.Background()

	require.NoError(t, svc.Start(ctx))
	assert.True(t, svc.pool.Probing())
	require.NoError(t, svc.Stop(ctx))
	assert.False(t, svc.pool.Probing(), "indexer stop releases the prober")

	require.NoError(t, svc.Start(ctx))
	assert.True(t, svc.pool.Probing())
	assert.Equal(t, indexer.StateRunning, svc.Status().Indexer.State)
	require.NoError(t, svc.Stop(ctx))
}

func TestReconcileEmptyStore(t *testing.T) {
	srv := mockRPCServer(t, 5000)
	svc := openService(t, testConfig(t, srv.URL))

	run, err := svc.Reconcile(context.Background())
	require.NoError(t, err)
	assert.Equal(t, reconcile.RunStatusCompleted, run.Status)
	assert.Zero(t, run.RecordsChecked)

	st := svc.Status()
	require.NotNil(t, st.Reconciliation.LastRun)
	assert.Equal(t, run.ID, st.Reconciliation.LastRun.ID)
}

func TestProbeEndpoints(t *testing.T) {
	good := mockRPCServer(t, 1)
	bad := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "unavailable", http.StatusServiceUnavailable)
	}))
	defer bad.Close()

	cfg := testConfig(t, good.URL)
	cfg.RPC.Endpoints = []string{good.URL, bad.URL}
	svc := openService(t, cfg)

	infos, err := svc.ProbeEndpoints(context.Background())
	require.NoError(t, err)
	require.Len(t, infos, 2)
	assert.Equal(t, 0, infos[0].ConsecutiveFailures)
	assert.Equal(t, 1, infos[1].ConsecutiveFailures)
	assert.NotEmpty(t, infos[1].LastError)
	assert.NoError(t, svc.Healthy())
}

func TestOpenUnknownDriver(t *testing.T) {
	_, err := openStorage(context.Background(), StorageConfig{Driver: "sqlite"}, "test", nil)
	assert.True(t, errors.Is(err, ErrConfigInvalid))
}
