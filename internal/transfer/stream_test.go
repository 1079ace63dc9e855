package transfer

import (
	"bytes"
	"context"
	"errors"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/fxnlabs/staging-node/internal/gpu"
	"github.com/fxnlabs/staging-node/internal/metrics"
	"github.com/fxnlabs/staging-node/internal/staging"
)

func newTestStream(t *testing.T, opts ...Option) (*Stream, *gpu.HostDriver) {
	t.Helper()
	drv := gpu.NewHostDriver(zap.NewNop())
	require.NoError(t, drv.Initialize())
	t.Cleanup(func() { _ = drv.Cleanup() })

	opts = append([]Option{WithLabel(t.Name())}, opts...)
	s, err := NewStream(drv, zap.NewNop(), opts...)
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s, drv
}

func pattern(n int, seed byte) []byte {
	b := make([]byte, n)
	for i := range b {
		b[i] = seed + byte(i%251)
	}
	return b
}

func TestStream_RoundTrip(t *testing.T) {
	s, drv := newTestStream(t)
	ctx := context.Background()

	dev, err := drv.MemAlloc(8192)
	require.NoError(t, err)

	src := pattern(4096, 7)
	up, err := s.CopyToDevice(ctx, dev, src, 0, len(src))
	require.NoError(t, err)
	require.NoError(t, up.Wait(ctx))
	assert.Equal(t, HostToDevice, up.Direction())
	assert.Equal(t, 4096, up.Bytes())

	onDevice, err := drv.ReadDevice(dev, 4096)
	require.NoError(t, err)
	assert.Equal(t, src, onDevice)

	dst := make([]byte, 4096)
	down, err := s.CopyFromDevice(ctx, dst, 0, len(dst), dev)
	require.NoError(t, err)
	require.NoError(t, down.Wait(ctx))
	assert.Equal(t, src, dst)

	// Both copies shared one staging buffer.
	stats := s.Stats()
	assert.Equal(t, 1, stats.Buffers)
	assert.Equal(t, uint64(1), stats.Hits)
	assert.Equal(t, 0, stats.InUse)
}

func TestStream_OffsetsAndLengths(t *testing.T) {
	s, drv := newTestStream(t)
	ctx := context.Background()

	dev, err := drv.MemAlloc(1024)
	require.NoError(t, err)

	src := pattern(100, 1)
	up, err := s.CopyToDevice(ctx, dev+10, src, 20, 50)
	require.NoError(t, err)
	require.NoError(t, up.Wait(ctx))

	onDevice, err := drv.ReadDevice(dev+10, 50)
	require.NoError(t, err)
	assert.Equal(t, src[20:70], onDevice)

	dst := bytes.Repeat([]byte{0xff}, 80)
	down, err := s.CopyFromDevice(ctx, dst, 5, 50, dev+10)
	require.NoError(t, err)
	require.NoError(t, down.Wait(ctx))
	assert.Equal(t, src[20:70], dst[5:55])
	assert.Equal(t, bytes.Repeat([]byte{0xff}, 5), dst[:5])
	assert.Equal(t, bytes.Repeat([]byte{0xff}, 25), dst[55:])
}

func TestStream_RangeValidation(t *testing.T) {
	s, drv := newTestStream(t)
	ctx := context.Background()
	dev, err := drv.MemAlloc(64)
	require.NoError(t, err)

	buf := make([]byte, 32)
	testCases := []struct {
		name           string
		offset, length int
		want           error
	}{
		{"negative offset", -1, 4, ErrNegativeRange},
		{"negative length", 0, -4, ErrNegativeRange},
		{"past end", 30, 4, ErrOutOfBounds},
		{"offset past end", 33, 0, ErrOutOfBounds},
	}
	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := s.CopyToDevice(ctx, dev, buf, tc.offset, tc.length)
			assert.ErrorIs(t, err, tc.want)
			_, err = s.CopyFromDevice(ctx, buf, tc.offset, tc.length, dev)
			assert.ErrorIs(t, err, tc.want)
		})
	}
	assert.Equal(t, 0, s.Stats().Buffers)
}

func TestStream_ZeroLength(t *testing.T) {
	s, drv := newTestStream(t)
	ctx := context.Background()
	dev, err := drv.MemAlloc(64)
	require.NoError(t, err)

	tr, err := s.CopyToDevice(ctx, dev, make([]byte, 8), 8, 0)
	require.NoError(t, err)
	select {
	case <-tr.Done():
	default:
		t.Fatal("zero-length transfer should be done immediately")
	}
	assert.NoError(t, tr.Err())
	assert.Equal(t, 0, s.Stats().Buffers)
}

func TestStream_SourceReusableAfterSubmit(t *testing.T) {
	s, drv := newTestStream(t)
	drv.SetCopyDelay(20 * time.Millisecond)
	ctx := context.Background()

	dev, err := drv.MemAlloc(256)
	require.NoError(t, err)

	src := pattern(256, 3)
	want := append([]byte(nil), src...)
	tr, err := s.CopyToDevice(ctx, dev, src, 0, len(src))
	require.NoError(t, err)

	// Scribble over the caller's slice while the copy is pending.
	for i := range src {
		src[i] = 0
	}
	require.NoError(t, tr.Wait(ctx))

	onDevice, err := drv.ReadDevice(dev, 256)
	require.NoError(t, err)
	assert.Equal(t, want, onDevice)
}

func TestStream_InFlightBuffersNotShared(t *testing.T) {
	s, drv := newTestStream(t, WithSizePolicy(staging.ExactSize{}))
	drv.SetCopyDelay(50 * time.Millisecond)
	ctx := context.Background()

	dev, err := drv.MemAlloc(4 * 1024)
	require.NoError(t, err)

	var transfers []*Transfer
	for i := 0; i < 4; i++ {
		src := pattern(1024, byte(i))
		tr, err := s.CopyToDevice(ctx, dev+gpu.DevicePtr(i*1024), src, 0, len(src))
		require.NoError(t, err)
		transfers = append(transfers, tr)
	}
	// All four were outstanding at once, so each got its own buffer.
	assert.Equal(t, 4, s.Stats().Buffers)
	for _, b := range s.Buffers() {
		assert.Equal(t, staging.StateInUse, b.State)
	}

	for _, tr := range transfers {
		require.NoError(t, tr.Wait(ctx))
	}
	for i := 0; i < 4; i++ {
		got, err := drv.ReadDevice(dev+gpu.DevicePtr(i*1024), 1024)
		require.NoError(t, err)
		assert.Equal(t, pattern(1024, byte(i)), got)
	}
	assert.Equal(t, 0, s.Stats().InUse)
}

func TestStream_SubmitRejected(t *testing.T) {
	s, drv := newTestStream(t)
	ctx := context.Background()
	dev, err := drv.MemAlloc(64)
	require.NoError(t, err)

	before := testutil.ToFloat64(metrics.TransferErrors.WithLabelValues("htod"))
	drv.FailNextCopy(gpu.ResultLaunchFailed)
	_, err = s.CopyToDevice(ctx, dev, make([]byte, 64), 0, 64)

	var terr *DriverTransferError
	require.ErrorAs(t, err, &terr)
	assert.Equal(t, "MemcpyHtoDAsync", terr.Op)
	assert.Equal(t, gpu.ResultLaunchFailed, gpu.ResultOf(err))
	assert.Equal(t, before+1, testutil.ToFloat64(metrics.TransferErrors.WithLabelValues("htod")))

	// The buffer went back to the pool and is reused.
	assert.Equal(t, 0, s.Stats().InUse)
	tr, err := s.CopyToDevice(ctx, dev, make([]byte, 64), 0, 64)
	require.NoError(t, err)
	require.NoError(t, tr.Wait(ctx))
	assert.Equal(t, 1, s.Stats().Buffers)
}

func TestStream_StreamFailure(t *testing.T) {
	s, drv := newTestStream(t)
	ctx := context.Background()
	dev, err := drv.MemAlloc(64)
	require.NoError(t, err)

	drv.FailNextCopyAsync(gpu.ResultLaunchFailed)
	dst := bytes.Repeat([]byte{9}, 64)
	tr, err := s.CopyFromDevice(ctx, dst, 0, 64, dev)
	require.NoError(t, err)

	err = tr.Wait(ctx)
	var terr *DriverTransferError
	require.ErrorAs(t, err, &terr)
	assert.Equal(t, DeviceToHost, terr.Direction)
	assert.Equal(t, gpu.ResultLaunchFailed, gpu.ResultOf(err))
	// A failed copy leaves the destination untouched.
	assert.Equal(t, bytes.Repeat([]byte{9}, 64), dst)
	// Completion, not success, governs release.
	assert.Equal(t, 0, s.Stats().InUse)

	err = s.Synchronize(ctx)
	assert.Equal(t, gpu.ResultLaunchFailed, gpu.ResultOf(err))
}

func TestStream_RecoversAfterStreamFailure(t *testing.T) {
	s, drv := newTestStream(t)
	ctx := context.Background()
	dev, err := drv.MemAlloc(64)
	require.NoError(t, err)

	drv.FailNextCopyAsync(gpu.ResultLaunchFailed)
	failed, err := s.CopyToDevice(ctx, dev, make([]byte, 4), 0, 4)
	require.NoError(t, err)
	assert.Equal(t, gpu.ResultLaunchFailed, gpu.ResultOf(failed.Wait(ctx)))

	// Later copies on the same stream are not blamed for the earlier fault.
	for i := 0; i < 3; i++ {
		src := []byte{1, 2, 3, byte(4 + i)}
		tr, err := s.CopyToDevice(ctx, dev, src, 0, len(src))
		require.NoError(t, err)
		require.NoError(t, tr.Wait(ctx), "copy %d", i)

		onDevice, err := drv.ReadDevice(dev, len(src))
		require.NoError(t, err)
		assert.Equal(t, src, onDevice)
	}

	src := pattern(16, 2)
	up, err := s.CopyToDevice(ctx, dev, src, 0, len(src))
	require.NoError(t, err)
	require.NoError(t, up.Wait(ctx))
	dst := make([]byte, 16)
	down, err := s.CopyFromDevice(ctx, dst, 0, len(dst), dev)
	require.NoError(t, err)
	require.NoError(t, down.Wait(ctx))
	assert.Equal(t, src, dst)
	assert.NoError(t, s.Synchronize(ctx))
}

func TestStream_FailureNotBlamedOnQueuedCopies(t *testing.T) {
	s, drv := newTestStream(t)
	drv.SetCopyDelay(10 * time.Millisecond)
	ctx := context.Background()
	dev, err := drv.MemAlloc(64)
	require.NoError(t, err)

	// The healthy copy is queued behind the failing one before its
	// callback has run.
	drv.FailNextCopyAsync(gpu.ResultLaunchFailed)
	failed, err := s.CopyToDevice(ctx, dev, make([]byte, 8), 0, 8)
	require.NoError(t, err)
	src := pattern(8, 4)
	healthy, err := s.CopyToDevice(ctx, dev+8, src, 0, len(src))
	require.NoError(t, err)

	assert.Error(t, failed.Wait(ctx))
	require.NoError(t, healthy.Wait(ctx))
	onDevice, err := drv.ReadDevice(dev+8, len(src))
	require.NoError(t, err)
	assert.Equal(t, src, onDevice)
}

func TestStream_CallbackRejected(t *testing.T) {
	s, drv := newTestStream(t)
	ctx := context.Background()
	dev, err := drv.MemAlloc(64)
	require.NoError(t, err)

	drv.FailNextCallback(gpu.ResultNotSupported)
	src := pattern(64, 5)
	tr, err := s.CopyToDevice(ctx, dev, src, 0, 64)
	require.NoError(t, err)
	require.NoError(t, tr.Wait(ctx))

	onDevice, err := drv.ReadDevice(dev, 64)
	require.NoError(t, err)
	assert.Equal(t, src, onDevice)
	assert.Equal(t, 0, s.Stats().InUse)
}

func TestStream_AllocationFailure(t *testing.T) {
	s, drv := newTestStream(t)
	ctx := context.Background()
	dev, err := drv.MemAlloc(64)
	require.NoError(t, err)

	drv.FailNextAlloc(gpu.ResultOutOfMemory)
	_, err = s.CopyToDevice(ctx, dev, make([]byte, 64), 0, 64)
	var allocErr *staging.AllocationError
	require.ErrorAs(t, err, &allocErr)

	tr, err := s.CopyToDevice(ctx, dev, make([]byte, 64), 0, 64)
	require.NoError(t, err)
	require.NoError(t, tr.Wait(ctx))
}

func TestStream_WaitHonoursContext(t *testing.T) {
	s, drv := newTestStream(t)
	drv.SetCopyDelay(100 * time.Millisecond)
	dev, err := drv.MemAlloc(64)
	require.NoError(t, err)

	tr, err := s.CopyToDevice(context.Background(), dev, make([]byte, 64), 0, 64)
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Millisecond)
	defer cancel()
	assert.ErrorIs(t, tr.Wait(ctx), context.DeadlineExceeded)
	assert.ErrorIs(t, s.Synchronize(ctx), context.DeadlineExceeded)
	assert.Nil(t, tr.Err())

	// The copy was not cancelled.
	require.NoError(t, tr.Wait(context.Background()))
	assert.Equal(t, 0, s.Stats().InUse)
}

func TestStream_CancelledContextRejectsSubmit(t *testing.T) {
	s, drv := newTestStream(t)
	dev, err := drv.MemAlloc(64)
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err = s.CopyToDevice(ctx, dev, make([]byte, 64), 0, 64)
	assert.ErrorIs(t, err, context.Canceled)
}

func TestStream_Close(t *testing.T) {
	drv := gpu.NewHostDriver(zap.NewNop())
	require.NoError(t, drv.Initialize())
	defer drv.Cleanup()
	drv.SetCopyDelay(10 * time.Millisecond)

	s, err := NewStream(drv, nil, WithLabel("close-test"))
	require.NoError(t, err)
	dev, err := drv.MemAlloc(4096)
	require.NoError(t, err)

	var transfers []*Transfer
	for i := 0; i < 3; i++ {
		tr, err := s.CopyToDevice(context.Background(), dev, make([]byte, 1024), 0, 1024)
		require.NoError(t, err)
		transfers = append(transfers, tr)
	}

	// Close waits for pending copies before tearing the pool down.
	require.NoError(t, s.Close())
	for _, tr := range transfers {
		select {
		case <-tr.Done():
			assert.NoError(t, tr.Err())
		default:
			t.Fatal("transfer still pending after Close")
		}
	}
	assert.Equal(t, int64(0), drv.PinnedBytes())

	_, err = s.CopyToDevice(context.Background(), dev, make([]byte, 8), 0, 8)
	assert.ErrorIs(t, err, ErrStreamClosed)
	require.NoError(t, s.Close())
}

func TestStream_Metrics(t *testing.T) {
	s, drv := newTestStream(t)
	ctx := context.Background()
	dev, err := drv.MemAlloc(512)
	require.NoError(t, err)

	for i := 0; i < 3; i++ {
		tr, err := s.CopyToDevice(ctx, dev, make([]byte, 512), 0, 512)
		require.NoError(t, err)
		require.NoError(t, tr.Wait(ctx))
	}

	label := s.Label()
	assert.Equal(t, float64(1), testutil.ToFloat64(metrics.StagingAcquisitions.WithLabelValues(label, "miss")))
	assert.Equal(t, float64(2), testutil.ToFloat64(metrics.StagingAcquisitions.WithLabelValues(label, "hit")))
	assert.Equal(t, float64(1), testutil.ToFloat64(metrics.StagingBuffers.WithLabelValues(label)))
	assert.Equal(t, float64(0), testutil.ToFloat64(metrics.StagingInUse.WithLabelValues(label)))
}

func TestDriverTransferError(t *testing.T) {
	inner := &gpu.DriverError{Op: "MemcpyHtoDAsync", Code: gpu.ResultInvalidValue}
	err := &DriverTransferError{Op: "MemcpyHtoDAsync", Direction: HostToDevice, Bytes: 16, Err: inner}
	assert.Equal(t, "transfer: htod MemcpyHtoDAsync of 16 bytes: gpu: MemcpyHtoDAsync failed: invalid value", err.Error())
	assert.True(t, errors.Is(err, inner))

	sync := &DriverTransferError{Op: "StreamSynchronize", Err: inner}
	assert.Contains(t, sync.Error(), "transfer: StreamSynchronize:")
}
