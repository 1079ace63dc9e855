package gpu

import (
	"fmt"
	"sync"

	"go.uber.org/zap"
)

// Backend names accepted by NewManager.
const (
	BackendAuto = "auto"
	BackendCUDA = "cuda"
	BackendHost = "host"
)

// Manager handles driver selection and lifecycle
type Manager struct {
	driver  Driver
	mu      sync.RWMutex
	logger  *zap.Logger
	ordinal int
}

// NewManager creates a new driver manager and initializes the requested
// backend. With BackendAuto it tries CUDA first and falls back to the host
// driver.
func NewManager(logger *zap.Logger, backend string, ordinal int) (*Manager, error) {
	if logger == nil {
		logger = zap.NewNop()
	}

	m := &Manager{
		logger:  logger.Named("gpu"),
		ordinal: ordinal,
	}

	if err := m.detectAndInitialize(backend); err != nil {
		return nil, err
	}

	return m, nil
}

// detectAndInitialize detects available drivers and initializes the best one
func (m *Manager) detectAndInitialize(backend string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	switch backend {
	case BackendAuto, "":
	case BackendCUDA:
		drv := m.tryCreateCUDADriver()
		if drv == nil || !drv.IsAvailable() {
			return fmt.Errorf("%w: cuda", ErrUnavailable)
		}
		if err := drv.Initialize(); err != nil {
			_ = drv.Cleanup()
			return fmt.Errorf("failed to initialize CUDA driver: %w", err)
		}
		m.driver = drv
		return nil
	case BackendHost:
		return m.useHost()
	default:
		return fmt.Errorf("gpu: unknown backend %q", backend)
	}

	// Try CUDA first (only if build tag is enabled)
	if drv := m.tryCreateCUDADriver(); drv != nil && drv.IsAvailable() {
		err := drv.Initialize()
		if err == nil {
			m.driver = drv
			return nil
		}
		m.logger.Warn("CUDA initialization failed, falling back to host driver", zap.Error(err))
		// If initialization failed, try cleanup
		_ = drv.Cleanup()
	}

	return m.useHost()
}

// useHost installs the host driver. Must hold m.mu.
func (m *Manager) useHost() error {
	host := NewHostDriver(m.logger.Named("host"))
	if err := host.Initialize(); err != nil {
		return fmt.Errorf("failed to initialize host driver: %w", err)
	}
	m.driver = host
	return nil
}

// Driver returns the current driver
func (m *Manager) Driver() Driver {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.driver
}

// DeviceInfo returns device information from the current driver
func (m *Manager) DeviceInfo() DeviceInfo {
	drv := m.Driver()
	if drv == nil {
		return DeviceInfo{Name: "No driver available"}
	}
	return drv.DeviceInfo()
}

// IsGPUAvailable returns true if a real GPU driver is active
func (m *Manager) IsGPUAvailable() bool {
	drv := m.Driver()
	if drv == nil {
		return false
	}
	_, isHost := drv.(*HostDriver)
	return !isHost
}

// BackendType returns the name of the active driver, or "none".
func (m *Manager) BackendType() string {
	drv := m.Driver()
	if drv == nil {
		return "none"
	}
	return drv.Name()
}

// Cleanup releases resources held by the current driver
func (m *Manager) Cleanup() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.driver != nil {
		if err := m.driver.Cleanup(); err != nil {
			return err
		}
		m.driver = nil
	}
	return nil
}
