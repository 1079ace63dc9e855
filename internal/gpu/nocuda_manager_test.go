//go:build !cuda
// +build !cuda

package gpu

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"go.uber.org/zap"
)

func TestManager_CUDAWithoutBuildTag(t *testing.T) {
	_, err := NewManager(zap.NewNop(), BackendCUDA, 0)
	assert.ErrorIs(t, err, ErrUnavailable)
}
