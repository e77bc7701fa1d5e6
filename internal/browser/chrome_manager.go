package browser

import (
	"context"
	"fmt"
	"sync"

	"github.com/go-rod/rod"
	"github.com/go-rod/rod/lib/launcher"
	"github.com/sirupsen/logrus"
)

// ChromeManager manages a Chromium instance, either launched locally by rod
// or reached through an existing DevTools control URL.
type ChromeManager struct {
	binPath    string
	headless   bool
	controlURL string
	logger     logrus.FieldLogger

	mu        sync.Mutex
	restartMu sync.Mutex
	launcher  *launcher.Launcher
	browser   *rod.Browser
	wsURL     string
	running   bool
}

// NewChromeManager creates a manager that launches a local Chromium.
func NewChromeManager(binPath string, headless bool, logger logrus.FieldLogger) *ChromeManager {
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	return &ChromeManager{
		binPath:  binPath,
		headless: headless,
		logger:   logger.WithField("engine", EngineChrome),
	}
}

// NewRemoteChromeManager creates a manager that attaches to a browser someone
// else started. Stop only disconnects.
func NewRemoteChromeManager(controlURL string, logger logrus.FieldLogger) *ChromeManager {
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	return &ChromeManager{
		controlURL: controlURL,
		logger:     logger.WithField("engine", EngineRemote),
	}
}

// Start launches Chrome (or resolves the remote endpoint) and connects via CDP.
func (m *ChromeManager) Start() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.running {
		return nil
	}

	var (
		l     *launcher.Launcher
		wsURL string
		err   error
	)
	if m.controlURL != "" {
		wsURL, err = launcher.ResolveURL(m.controlURL)
		if err != nil {
			return fmt.Errorf("failed to resolve control url %s: %w", m.controlURL, err)
		}
	} else {
		l = launcher.New().Headless(m.headless)
		if m.binPath != "" {
			l.Bin(m.binPath)
		}
		wsURL, err = l.Launch()
		if err != nil {
			return fmt.Errorf("failed to launch chrome: %w", err)
		}
	}

	browser := rod.New().ControlURL(wsURL)
	if err := browser.Connect(); err != nil {
		if l != nil {
			l.Kill()
		}
		return fmt.Errorf("failed to connect to chrome: %w", err)
	}

	m.launcher = l
	m.browser = browser
	m.wsURL = wsURL
	m.running = true

	m.logger.WithField("endpoint", wsURL).Info("chrome connected")
	return nil
}

// Stop disconnects and, for a locally launched browser, kills the process.
func (m *ChromeManager) Stop() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if !m.running {
		return nil
	}

	if m.browser != nil {
		if err := m.browser.Close(); err != nil {
			m.logger.WithError(err).Warn("failed to close chrome")
		}
	}

	if m.launcher != nil {
		m.launcher.Kill()
		m.launcher.Cleanup()
	}

	m.launcher = nil
	m.browser = nil
	m.wsURL = ""
	m.running = false

	m.logger.Info("chrome stopped")
	return nil
}

// IsRunning reports whether Chrome is connected.
func (m *ChromeManager) IsRunning() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.running
}

// GetEndpoint returns the Chrome DevTools endpoint.
func (m *ChromeManager) GetEndpoint() string {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.wsURL == "" {
		return m.controlURL
	}
	return m.wsURL
}

// NewDriver opens a blank page and returns a driver bound to it.
func (m *ChromeManager) NewDriver(ctx context.Context) (Driver, error) {
	return openDriver(ctx, m, m.logger)
}

func (m *ChromeManager) current() *rod.Browser {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.browser
}

func (m *ChromeManager) ensureStarted() error {
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

func (m *ChromeManager) restart() error {
	m.restartMu.Lock()
	defer m.restartMu.Unlock()

	if err := m.Stop(); err != nil {
		m.logger.WithError(err).Warn("failed to stop chrome before restart")
	}

	return m.Start()
}
