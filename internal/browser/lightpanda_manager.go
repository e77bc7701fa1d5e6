package browser

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"runtime"
	"strconv"
	"sync"
	"time"

	"github.com/go-rod/rod"
	"github.com/go-rod/rod/lib/launcher"
	"github.com/sirupsen/logrus"
	"k8s.io/apimachinery/pkg/util/wait"
)

const lightpandaStartTimeout = 10 * time.Second

// LightpandaManager spawns a Lightpanda CDP server and connects to it.
type LightpandaManager struct {
	host       string
	port       int
	binaryPath string
	logger     logrus.FieldLogger

	mu        sync.Mutex
	restartMu sync.Mutex
	cmd       *exec.Cmd
	browser   *rod.Browser
	isRunning bool
}

// NewLightpandaManager locates (or downloads) the Lightpanda binary.
func NewLightpandaManager(host string, port int, logger logrus.FieldLogger) (*LightpandaManager, error) {
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	binaryPath, ok, err := EnsureLightpandaBinary(logger)
	if err != nil {
		return nil, fmt.Errorf("failed to find browser binary: %w", err)
	}
	if !ok {
		return nil, fmt.Errorf("lightpanda browser is not available on %s", runtime.GOOS)
	}
	return NewLightpandaManagerWithPath(binaryPath, host, port, logger), nil
}

// NewLightpandaManagerWithPath uses a known binary.
func NewLightpandaManagerWithPath(binaryPath string, host string, port int, logger logrus.FieldLogger) *LightpandaManager {
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	return &LightpandaManager{
		host:       host,
		port:       port,
		binaryPath: binaryPath,
		logger:     logger.WithField("engine", EngineLightpanda),
	}
}

// Start starts the Lightpanda CDP server and waits until it accepts a connection.
func (m *LightpandaManager) Start() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.isRunning {
		return nil
	}

	if runtime.GOOS != "linux" {
		return fmt.Errorf("lightpanda browser only supports linux, current OS: %s", runtime.GOOS)
	}

	m.cmd = exec.Command(m.binaryPath, "serve", "--host", m.host, "--port", strconv.Itoa(m.port))
	m.cmd.Stdout = os.Stdout
	m.cmd.Stderr = os.Stderr

	if err := m.cmd.Start(); err != nil {
		return fmt.Errorf("failed to start lightpanda browser: %w", err)
	}

	var browser *rod.Browser
	var lastErr error
	err := wait.PollUntilContextTimeout(context.Background(), 200*time.Millisecond, lightpandaStartTimeout, true,
		func(ctx context.Context) (bool, error) {
			u, err := launcher.ResolveURL(m.endpoint())
			if err != nil {
				lastErr = err
				return false, nil
			}
			b := rod.New().ControlURL(u)
			if err := b.Connect(); err != nil {
				lastErr = err
				return false, nil
			}
			browser = b
			return true, nil
		})
	if err != nil {
		m.killProcess()
		if lastErr != nil {
			err = lastErr
		}
		return fmt.Errorf("failed to connect to browser: %w", err)
	}

	m.browser = browser
	m.isRunning = true

	m.logger.WithField("endpoint", m.endpoint()).Info("lightpanda browser started")
	return nil
}

// Stop stops the Lightpanda browser.
func (m *LightpandaManager) Stop() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if !m.isRunning {
		return nil
	}

	if m.browser != nil {
		if err := m.browser.Close(); err != nil {
			m.logger.WithError(err).Warn("failed to close browser")
		}
	}
	m.killProcess()

	m.browser = nil
	m.isRunning = false
	m.logger.Info("lightpanda browser stopped")
	return nil
}

func (m *LightpandaManager) killProcess() {
	if m.cmd == nil || m.cmd.Process == nil {
		return
	}
	if err := m.cmd.Process.Kill(); err != nil {
		m.logger.WithError(err).Warn("failed to kill browser process")
	}
	if err := m.cmd.Wait(); err != nil {
		m.logger.WithError(err).Debug("browser process exited")
	}
	m.cmd = nil
}

// IsRunning returns true if the browser is running.
func (m *LightpandaManager) IsRunning() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.isRunning
}

// GetEndpoint returns the WebSocket endpoint URL.
func (m *LightpandaManager) GetEndpoint() string {
	return m.endpoint()
}

func (m *LightpandaManager) endpoint() string {
	return fmt.Sprintf("ws://%s:%d", m.host, m.port)
}

// NewDriver opens a blank page and returns a driver bound to it.
func (m *LightpandaManager) NewDriver(ctx context.Context) (Driver, error) {
	return openDriver(ctx, m, m.logger)
}

func (m *LightpandaManager) current() *rod.Browser {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.browser
}

func (m *LightpandaManager) ensureStarted() error {
	if m.IsRunning() {
		return nil
	}

	m.restartMu.Lock()
	defer m.restartMu.Unlock()

	if m.IsRunning() {
		return nil
	}

	return m.Start()
}

func (m *LightpandaManager) restart() error {
	m.restartMu.Lock()
	defer m.restartMu.Unlock()

	if err := m.Stop(); err != nil {
		m.logger.WithError(err).Warn("failed to stop browser before restart")
	}

	return m.Start()
}
