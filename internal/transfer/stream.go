package transfer

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/fxnlabs/staging-node/internal/gpu"
	"github.com/fxnlabs/staging-node/internal/metrics"
	"github.com/fxnlabs/staging-node/internal/staging"
)

type options struct {
	policy staging.SizePolicy
	label  string
}

// Option configures a Stream.
type Option func(*options)

// WithSizePolicy sets the staging pool's allocation size policy.
func WithSizePolicy(policy staging.SizePolicy) Option {
	return func(o *options) { o.policy = policy }
}

// WithLabel names the stream in logs and metrics.
func WithLabel(label string) Option {
	return func(o *options) { o.label = label }
}

// Stream owns one driver stream and the staging pool used by copies
// submitted on it. The pool lives exactly as long as the Stream.
//
// Copies are staged through pinned buffers: host data is never handed to the
// driver directly, so callers may reuse their slices as soon as a
// CopyToDevice call returns.
type Stream struct {
	drv    gpu.Driver
	handle gpu.StreamHandle
	pool   *staging.Pool
	logger *zap.Logger
	label  string

	mu      sync.Mutex
	closed  bool
	pending sync.WaitGroup

	// needsSync is set when a callback reported a stream failure. Drivers
	// keep the failure on the stream until it is synchronized, so the next
	// submission synchronizes first to keep later copies from inheriting it.
	needsSync atomic.Bool
}

// NewStream creates a driver stream with an empty staging pool.
func NewStream(drv gpu.Driver, logger *zap.Logger, opts ...Option) (*Stream, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	o := options{policy: staging.DefaultPolicy()}
	for _, opt := range opts {
		opt(&o)
	}

	handle, err := drv.StreamCreate()
	if err != nil {
		return nil, fmt.Errorf("failed to create stream: %w", err)
	}
	if o.label == "" {
		o.label = fmt.Sprintf("%s-%d", drv.Name(), handle)
	}

	s := &Stream{
		drv:    drv,
		handle: handle,
		logger: logger.Named("transfer").With(zap.String("stream", o.label)),
		label:  o.label,
	}
	s.pool = staging.NewPool(drv,
		staging.WithSizePolicy(o.policy),
		staging.WithObserver(metrics.NewPoolObserver(o.label)),
	)
	return s, nil
}

// Label returns the stream's name.
func (s *Stream) Label() string { return s.label }

// Stats returns the staging pool counters.
func (s *Stream) Stats() staging.Stats { return s.pool.Stats() }

// Buffers returns the staging pool's buffers in allocation order.
func (s *Stream) Buffers() []staging.BufferInfo { return s.pool.Buffers() }

// CopyToDevice stages src[offset:offset+length] and enqueues a copy to dst.
// src may be modified as soon as CopyToDevice returns.
func (s *Stream) CopyToDevice(ctx context.Context, dst gpu.DevicePtr, src []byte, offset, length int) (*Transfer, error) {
	if err := checkRange(len(src), offset, length); err != nil {
		return nil, err
	}
	return s.submit(ctx, HostToDevice, length,
		func(buf []byte) { copy(buf, src[offset:offset+length]) },
		func(mem gpu.HostMemory) error { return s.drv.MemcpyHtoDAsync(dst, mem, length, s.handle) },
		nil,
	)
}

// CopyFromDevice enqueues a copy of length bytes at src into a staging
// buffer. dst[offset:offset+length] is filled before the transfer is
// reported done and must not be touched until then.
func (s *Stream) CopyFromDevice(ctx context.Context, dst []byte, offset, length int, src gpu.DevicePtr) (*Transfer, error) {
	if err := checkRange(len(dst), offset, length); err != nil {
		return nil, err
	}
	return s.submit(ctx, DeviceToHost, length,
		nil,
		func(mem gpu.HostMemory) error { return s.drv.MemcpyDtoHAsync(mem, src, length, s.handle) },
		func(buf []byte) { copy(dst[offset:offset+length], buf) },
	)
}

func opName(dir Direction) string {
	if dir == HostToDevice {
		return "MemcpyHtoDAsync"
	}
	return "MemcpyDtoHAsync"
}

// begin registers a pending transfer unless the stream is closed.
func (s *Stream) begin() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrStreamClosed
	}
	s.pending.Add(1)
	return nil
}

func (s *Stream) submit(ctx context.Context, dir Direction, n int, fill func([]byte), issue func(gpu.HostMemory) error, drain func([]byte)) (*Transfer, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if err := s.begin(); err != nil {
		return nil, err
	}
	if n == 0 {
		s.pending.Done()
		return completedTransfer(dir), nil
	}
	s.clearFault()

	lease, err := s.pool.Acquire(n)
	if err != nil {
		s.pending.Done()
		metrics.TransferErrors.WithLabelValues(string(dir)).Inc()
		return nil, err
	}
	if fill != nil {
		fill(lease.Bytes()[:n])
	}
	t := newTransfer(dir, n)
	if err := s.pool.MarkInFlight(lease); err != nil {
		_ = s.pool.Release(lease)
		s.pending.Done()
		return nil, err
	}

	if err := issue(lease.Memory()); err != nil {
		terr := &DriverTransferError{Op: opName(dir), Direction: dir, Bytes: n, Err: err}
		s.logger.Warn("driver rejected copy", zap.String("direction", string(dir)), zap.Int("bytes", n), zap.Error(err))
		// Nothing was queued, but the buffer only goes back once the
		// stream is confirmed idle.
		if syncErr := s.drv.StreamSynchronize(s.handle); syncErr != nil {
			s.logger.Warn("synchronize after rejected copy failed", zap.Error(syncErr))
		}
		s.complete(t, lease, terr, nil)
		return nil, terr
	}

	err = s.drv.AddStreamCallback(s.handle, func(status gpu.Result) {
		var cerr error
		if status != gpu.ResultSuccess {
			s.needsSync.Store(true)
			cerr = &DriverTransferError{
				Op:        "stream",
				Direction: dir,
				Bytes:     n,
				Err:       &gpu.DriverError{Op: opName(dir), Code: status},
			}
		}
		s.complete(t, lease, cerr, drain)
	})
	if err != nil {
		// The copy is queued without a callback; observe its completion
		// by synchronizing instead.
		s.logger.Warn("stream callback rejected, synchronizing", zap.Error(err))
		var cerr error
		if syncErr := s.drv.StreamSynchronize(s.handle); syncErr != nil {
			cerr = &DriverTransferError{Op: "StreamSynchronize", Direction: dir, Bytes: n, Err: syncErr}
		}
		s.complete(t, lease, cerr, drain)
		return t, nil
	}

	s.logger.Debug("transfer submitted",
		zap.String("direction", string(dir)),
		zap.Int("bytes", n),
		zap.Uint64("generation", lease.Generation()))
	return t, nil
}

// clearFault synchronizes the stream if a callback reported a failure. The
// failure was already delivered to its transfer, so the status returned here
// is only logged.
func (s *Stream) clearFault() {
	if !s.needsSync.CompareAndSwap(true, false) {
		return
	}
	if err := s.drv.StreamSynchronize(s.handle); err != nil {
		s.logger.Debug("cleared stream failure", zap.Error(err))
	}
}

// complete runs once per submitted copy after the driver reported it
// finished. It may run on a driver callback thread.
func (s *Stream) complete(t *Transfer, lease staging.Lease, err error, drain func([]byte)) {
	if mcErr := s.pool.MarkComplete(lease); mcErr != nil {
		err = errors.Join(err, mcErr)
	}
	if err == nil && drain != nil {
		drain(lease.Bytes()[:t.bytes])
	}
	if relErr := s.pool.Release(lease); relErr != nil {
		err = errors.Join(err, relErr)
	}

	t.finish(err)

	dir := string(t.dir)
	metrics.TransferDuration.WithLabelValues(dir).Observe(float64(t.Duration()) / float64(time.Millisecond))
	if err != nil {
		metrics.TransferErrors.WithLabelValues(dir).Inc()
	} else {
		metrics.TransferBytes.WithLabelValues(dir).Add(float64(t.bytes))
	}

	s.pending.Done()
}

// Synchronize blocks until every copy submitted so far completed. If ctx
// ends first the wait is abandoned but the copies keep running.
func (s *Stream) Synchronize(ctx context.Context) error {
	errc := make(chan error, 1)
	go func() {
		errc <- s.drv.StreamSynchronize(s.handle)
	}()

	select {
	case err := <-errc:
		if err != nil {
			return &DriverTransferError{Op: "StreamSynchronize", Err: err}
		}
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Close waits for outstanding copies, destroys the driver stream and frees
// the staging pool. Further submissions fail with ErrStreamClosed.
func (s *Stream) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	s.mu.Unlock()

	var errs []error
	if err := s.drv.StreamSynchronize(s.handle); err != nil {
		errs = append(errs, &DriverTransferError{Op: "StreamSynchronize", Err: err})
	}
	s.pending.Wait()
	if err := s.drv.StreamDestroy(s.handle); err != nil {
		errs = append(errs, err)
	}
	if err := s.pool.Close(); err != nil {
		errs = append(errs, err)
	}

	stats := s.pool.Stats()
	s.logger.Debug("stream closed", zap.Uint64("hits", stats.Hits), zap.Uint64("misses", stats.Misses))
	return errors.Join(errs...)
}
