package bench

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/fxnlabs/staging-node/internal/gpu"
	"github.com/fxnlabs/staging-node/internal/transfer"
)

var ErrProbeMismatch = errors.New("bench: probe data mismatch")

// ProbeResult is the outcome of a round trip through a stream.
type ProbeResult struct {
	Bytes    int
	Upload   time.Duration
	Download time.Duration
}

// Probe copies size bytes to dev and back through s and checks that the data
// survived the round trip. dev must hold at least size bytes.
func Probe(ctx context.Context, s *transfer.Stream, dev gpu.DevicePtr, size int) (ProbeResult, error) {
	if size <= 0 {
		return ProbeResult{}, fmt.Errorf("%w: probe size %d", ErrInvalidWorkload, size)
	}
	want := make([]byte, size)
	seed := byte(time.Now().UnixNano())
	for i := range want {
		want[i] = seed + byte(i*7)
	}

	up, err := s.CopyToDevice(ctx, dev, want, 0, size)
	if err != nil {
		return ProbeResult{}, err
	}
	got := make([]byte, size)
	down, err := s.CopyFromDevice(ctx, got, 0, size, dev)
	if err != nil {
		return ProbeResult{}, errors.Join(err, up.Wait(ctx))
	}
	if err := errors.Join(up.Wait(ctx), down.Wait(ctx)); err != nil {
		return ProbeResult{}, err
	}

	res := ProbeResult{Bytes: size, Upload: up.Duration(), Download: down.Duration()}
	if !bytes.Equal(want, got) {
		return res, ErrProbeMismatch
	}
	return res, nil
}
