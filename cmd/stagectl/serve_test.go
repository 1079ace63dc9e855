package main

import (
	"encoding/json"
	"io"
	"net/http"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/fx"
	"go.uber.org/fx/fxtest"
	"go.uber.org/zap"

	"github.com/fxnlabs/staging-node/internal/config"
)

func testConfig() *config.Config {
	cfg := config.Default()
	cfg.Device.Backend = "host"
	cfg.Serve.ListenAddress = "127.0.0.1:0"
	cfg.Serve.ProbeSize = 1024
	return cfg
}

func TestServe(t *testing.T) {
	cfg := testConfig()
	cfg.Serve.ProbeInterval = 10 * time.Millisecond

	var srv *server
	var p *prober
	app := fxtest.New(t,
		serveOptions(cfg, zap.NewNop()),
		fx.Populate(&srv, &p),
	)
	app.RequireStart()
	defer app.RequireStop()

	base := "http://" + srv.Addr()

	t.Run("healthz", func(t *testing.T) {
		resp, err := http.Get(base + "/healthz")
		require.NoError(t, err)
		defer resp.Body.Close()
		assert.Equal(t, http.StatusOK, resp.StatusCode)

		var st probeStatus
		require.NoError(t, json.NewDecoder(resp.Body).Decode(&st))
		assert.Equal(t, 1024, st.Bytes)
		assert.Empty(t, st.Error)
	})

	t.Run("periodic probe", func(t *testing.T) {
		assert.Eventually(t, func() bool {
			last := p.Last()
			return last != nil && last.Error == ""
		}, time.Second, 5*time.Millisecond)
	})

	t.Run("stats", func(t *testing.T) {
		resp, err := http.Get(base + "/stats")
		require.NoError(t, err)
		defer resp.Body.Close()
		assert.Equal(t, http.StatusOK, resp.StatusCode)

		var stats struct {
			Backend string `json:"backend"`
			Stream  string `json:"stream"`
			Pool    struct {
				Buffers int `json:"buffers"`
				InUse   int `json:"inUse"`
			} `json:"pool"`
			Buffers []struct {
				Capacity int    `json:"capacity"`
				State    string `json:"state"`
			} `json:"buffers"`
		}
		require.NoError(t, json.NewDecoder(resp.Body).Decode(&stats))
		assert.Equal(t, "host", stats.Backend)
		assert.Equal(t, "serve", stats.Stream)
		assert.GreaterOrEqual(t, stats.Pool.Buffers, 1)
		require.NotEmpty(t, stats.Buffers)
		assert.Equal(t, 1024, stats.Buffers[0].Capacity)
	})

	t.Run("metrics", func(t *testing.T) {
		resp, err := http.Get(base + "/metrics")
		require.NoError(t, err)
		defer resp.Body.Close()
		body, err := io.ReadAll(resp.Body)
		require.NoError(t, err)
		assert.Contains(t, string(body), `staging_acquisitions_total{outcome="miss",pool="serve"}`)
		assert.Contains(t, string(body), "stagenode_probe_results_total")
	})
}

func TestServe_UnknownBackend(t *testing.T) {
	cfg := testConfig()
	cfg.Device.Backend = "opencl"

	app := fx.New(serveOptions(cfg, zap.NewNop()))
	assert.Error(t, app.Err())
}
