package bench

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/fxnlabs/staging-node/internal/gpu"
	"github.com/fxnlabs/staging-node/internal/staging"
	"github.com/fxnlabs/staging-node/internal/transfer"
)

// StreamReport is the outcome of one benchmark stream.
type StreamReport struct {
	Label     string
	Transfers int
	Bytes     int64
	Pool      staging.Stats
}

// Report is the outcome of Run.
type Report struct {
	Backend   string
	Elapsed   time.Duration
	Bytes     int64
	Latency   map[transfer.Direction]Summary
	Streams   []StreamReport
	Transfers int
}

// Throughput returns the aggregate copy rate in bytes per second.
func (r *Report) Throughput() float64 {
	if r.Elapsed <= 0 {
		return 0
	}
	return float64(r.Bytes) / r.Elapsed.Seconds()
}

type sample struct {
	dir transfer.Direction
	d   time.Duration
}

// Run drives w against drv and reports latencies and pool statistics. Every
// stream gets its own transfer.Stream and device buffer, both released
// before Run returns.
func Run(ctx context.Context, drv gpu.Driver, w Workload, logger *zap.Logger) (*Report, error) {
	if err := w.Validate(); err != nil {
		return nil, err
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	log := logger.Named("bench")

	var (
		mu      sync.Mutex
		samples []sample
	)
	report := &Report{
		Backend: drv.Name(),
		Latency: make(map[transfer.Direction]Summary),
		Streams: make([]StreamReport, w.Streams),
	}

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(w.Streams)
	start := time.Now()
	for i := 0; i < w.Streams; i++ {
		g.Go(func() error {
			sr, local, err := runStream(gctx, drv, w, i, log)
			report.Streams[i] = sr
			mu.Lock()
			samples = append(samples, local...)
			mu.Unlock()
			return err
		})
	}
	err := g.Wait()
	report.Elapsed = time.Since(start)
	if err != nil {
		return nil, err
	}

	byDir := make(map[transfer.Direction][]time.Duration)
	for _, s := range samples {
		byDir[s.dir] = append(byDir[s.dir], s.d)
	}
	for dir, ds := range byDir {
		report.Latency[dir] = Summarize(ds)
	}
	for _, sr := range report.Streams {
		report.Bytes += sr.Bytes
		report.Transfers += sr.Transfers
	}

	log.Info("benchmark finished",
		zap.String("backend", report.Backend),
		zap.Int("transfers", report.Transfers),
		zap.Duration("elapsed", report.Elapsed),
		zap.Float64("bytesPerSecond", report.Throughput()))
	return report, nil
}

func runStream(ctx context.Context, drv gpu.Driver, w Workload, idx int, log *zap.Logger) (report StreamReport, samples []sample, err error) {
	opts := []transfer.Option{transfer.WithLabel(fmt.Sprintf("bench-%d", idx))}
	if w.Policy != nil {
		opts = append(opts, transfer.WithSizePolicy(w.Policy))
	}
	s, err := transfer.NewStream(drv, log, opts...)
	if err != nil {
		return report, nil, err
	}
	report.Label = s.Label()

	size := w.maxSize()
	dev, err := drv.MemAlloc(size)
	if err != nil {
		return report, nil, errors.Join(err, s.Close())
	}
	src := make([]byte, size)
	for i := range src {
		src[i] = byte(i)
	}

	defer func() {
		err = errors.Join(err, s.Close())
		report.Pool = s.Stats()
		if ferr := drv.MemFree(dev); ferr != nil {
			err = errors.Join(err, ferr)
		}
	}()

	// Each outstanding copy owns its host slice; dtoh drains write into it.
	dsts := make([][]byte, w.Depth)
	for i := range dsts {
		dsts[i] = make([]byte, size)
	}
	window := make([]*transfer.Transfer, 0, w.Depth)

	collect := func(t *transfer.Transfer) error {
		if err := t.Wait(ctx); err != nil {
			return err
		}
		samples = append(samples, sample{dir: t.Direction(), d: t.Duration()})
		report.Transfers++
		report.Bytes += int64(t.Bytes())
		return nil
	}

	for i := 0; i < w.share(idx); i++ {
		if len(window) == w.Depth {
			if err := collect(window[0]); err != nil {
				return report, samples, err
			}
			window = window[1:]
		}

		n := w.Sizes[i%len(w.Sizes)]
		var t *transfer.Transfer
		if w.direction(i) == transfer.DeviceToHost {
			t, err = s.CopyFromDevice(ctx, dsts[i%w.Depth], 0, n, dev)
		} else {
			t, err = s.CopyToDevice(ctx, dev, src, 0, n)
		}
		if err != nil {
			return report, samples, err
		}
		window = append(window, t)
	}
	for _, t := range window {
		if err := collect(t); err != nil {
			return report, samples, err
		}
	}
	return report, samples, nil
}
