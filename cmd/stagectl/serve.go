package main

import (
	"context"
	"encoding/json"
	"errors"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/urfave/cli/v2"
	"go.uber.org/fx"
	"go.uber.org/fx/fxevent"
	"go.uber.org/zap"

	"github.com/fxnlabs/staging-node/internal/bench"
	"github.com/fxnlabs/staging-node/internal/config"
	"github.com/fxnlabs/staging-node/internal/gpu"
	"github.com/fxnlabs/staging-node/internal/metrics"
	"github.com/fxnlabs/staging-node/internal/staging"
	"github.com/fxnlabs/staging-node/internal/transfer"
)

func serveCommand() *cli.Command {
	return &cli.Command{
		Name:  "serve",
		Usage: "Serve metrics, health and pool statistics while probing the device",
		Flags: []cli.Flag{
			&cli.StringFlag{Name: "listen", Usage: "Override serve.listenAddress"},
			&cli.StringFlag{Name: "backend", Usage: "Override device.backend (auto, cuda, host)"},
		},
		Action: func(c *cli.Context) error {
			cfg := *appConfig(c)
			if c.IsSet("listen") {
				cfg.Serve.ListenAddress = c.String("listen")
			}
			if c.IsSet("backend") {
				cfg.Device.Backend = c.String("backend")
			}

			app := fx.New(serveOptions(&cfg, appLogger(c)))
			if err := app.Err(); err != nil {
				return err
			}

			startCtx, cancel := context.WithTimeout(c.Context, app.StartTimeout())
			defer cancel()
			if err := app.Start(startCtx); err != nil {
				return err
			}
			<-app.Done()

			stopCtx, cancel := context.WithTimeout(context.Background(), app.StopTimeout())
			defer cancel()
			return app.Stop(stopCtx)
		},
	}
}

func serveOptions(cfg *config.Config, log *zap.Logger) fx.Option {
	return fx.Options(
		fx.Supply(cfg, log),
		fx.WithLogger(func(log *zap.Logger) fxevent.Logger {
			return &fxevent.ZapLogger{Logger: log.Named("fx")}
		}),
		fx.Provide(
			newManager,
			newStream,
			newProber,
			newServer,
		),
		fx.Invoke(func(*server) {}),
	)
}

func newManager(lc fx.Lifecycle, cfg *config.Config, log *zap.Logger) (*gpu.Manager, error) {
	manager, err := gpu.NewManager(log, cfg.Device.Backend, cfg.Device.Ordinal)
	if err != nil {
		return nil, err
	}
	lc.Append(fx.Hook{
		OnStop: func(context.Context) error { return manager.Cleanup() },
	})
	return manager, nil
}

func newStream(lc fx.Lifecycle, manager *gpu.Manager, cfg *config.Config, log *zap.Logger) (*transfer.Stream, error) {
	policy, err := cfg.SizePolicy()
	if err != nil {
		return nil, err
	}
	stream, err := transfer.NewStream(manager.Driver(), log, transfer.WithLabel("serve"), transfer.WithSizePolicy(policy))
	if err != nil {
		return nil, err
	}
	lc.Append(fx.Hook{
		OnStop: func(context.Context) error { return stream.Close() },
	})
	return stream, nil
}

// probeStatus is the outcome of the latest round-trip probe.
type probeStatus struct {
	At         time.Time `json:"at"`
	Bytes      int       `json:"bytes"`
	UploadMs   float64   `json:"uploadMs"`
	DownloadMs float64   `json:"downloadMs"`
	Error      string    `json:"error,omitempty"`
}

// prober periodically round-trips a small buffer through the serve stream.
type prober struct {
	stream   *transfer.Stream
	drv      gpu.Driver
	dev      gpu.DevicePtr
	size     int
	interval time.Duration
	logger   *zap.Logger

	// running serializes probes; they share dev.
	running sync.Mutex

	mu   sync.Mutex
	last *probeStatus

	cancel context.CancelFunc
	done   chan struct{}
}

func newProber(lc fx.Lifecycle, manager *gpu.Manager, stream *transfer.Stream, cfg *config.Config, log *zap.Logger) (*prober, error) {
	drv := manager.Driver()
	dev, err := drv.MemAlloc(cfg.Serve.ProbeSize)
	if err != nil {
		return nil, err
	}
	p := &prober{
		stream:   stream,
		drv:      drv,
		dev:      dev,
		size:     cfg.Serve.ProbeSize,
		interval: cfg.Serve.ProbeInterval,
		logger:   log.Named("probe"),
		done:     make(chan struct{}),
	}
	lc.Append(fx.Hook{
		OnStart: func(context.Context) error {
			ctx, cancel := context.WithCancel(context.Background())
			p.cancel = cancel
			go p.loop(ctx)
			return nil
		},
		OnStop: func(context.Context) error {
			if p.cancel != nil {
				p.cancel()
				<-p.done
			}
			return p.drv.MemFree(p.dev)
		},
	})
	return p, nil
}

func (p *prober) loop(ctx context.Context) {
	defer close(p.done)
	if p.interval <= 0 {
		return
	}
	ticker := time.NewTicker(p.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			p.probe(ctx)
		}
	}
}

func (p *prober) probe(ctx context.Context) probeStatus {
	p.running.Lock()
	res, err := bench.Probe(ctx, p.stream, p.dev, p.size)
	p.running.Unlock()
	st := probeStatus{
		At:         time.Now(),
		Bytes:      res.Bytes,
		UploadMs:   float64(res.Upload) / float64(time.Millisecond),
		DownloadMs: float64(res.Download) / float64(time.Millisecond),
	}
	if err != nil {
		st.Error = err.Error()
		metrics.ProbeResults.WithLabelValues("error").Inc()
		p.logger.Warn("probe failed", zap.Error(err))
	} else {
		metrics.ProbeResults.WithLabelValues("ok").Inc()
		p.logger.Debug("probe succeeded", zap.Float64("uploadMs", st.UploadMs), zap.Float64("downloadMs", st.DownloadMs))
	}

	p.mu.Lock()
	p.last = &st
	p.mu.Unlock()
	return st
}

func (p *prober) Last() *probeStatus {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.last
}

type server struct {
	http *http.Server
	addr net.Addr
}

// Addr returns the bound listen address once the server started.
func (s *server) Addr() string {
	if s.addr == nil {
		return ""
	}
	return s.addr.String()
}

type statsResponse struct {
	Backend   string               `json:"backend"`
	Device    gpu.DeviceInfo       `json:"device"`
	Stream    string               `json:"stream"`
	Pool      staging.Stats        `json:"pool"`
	Buffers   []staging.BufferInfo `json:"buffers"`
	LastProbe *probeStatus         `json:"lastProbe,omitempty"`
}

func newServer(lc fx.Lifecycle, cfg *config.Config, log *zap.Logger, manager *gpu.Manager, stream *transfer.Stream, p *prober) *server {
	log = log.Named("http")

	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	mux.Handle("/healthz", metrics.Middleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		st := p.probe(r.Context())
		code := http.StatusOK
		if st.Error != "" {
			code = http.StatusServiceUnavailable
		}
		writeJSON(w, code, st, log)
	}), "/healthz"))
	mux.Handle("/stats", metrics.Middleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, statsResponse{
			Backend:   manager.BackendType(),
			Device:    manager.DeviceInfo(),
			Stream:    stream.Label(),
			Pool:      stream.Stats(),
			Buffers:   stream.Buffers(),
			LastProbe: p.Last(),
		}, log)
	}), "/stats"))

	s := &server{http: &http.Server{Addr: cfg.Serve.ListenAddress, Handler: mux}}
	lc.Append(fx.Hook{
		OnStart: func(context.Context) error {
			ln, err := net.Listen("tcp", cfg.Serve.ListenAddress)
			if err != nil {
				return err
			}
			s.addr = ln.Addr()
			log.Info("Starting server on", zap.String("address", s.Addr()))
			go func() {
				if err := s.http.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
					log.Error("server stopped", zap.Error(err))
				}
			}()
			return nil
		},
		OnStop: func(ctx context.Context) error {
			return s.http.Shutdown(ctx)
		},
	})
	return s
}

func writeJSON(w http.ResponseWriter, code int, v any, log *zap.Logger) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.Warn("failed to encode response", zap.Error(err))
	}
}
