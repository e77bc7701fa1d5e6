package browser

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strings"

	"github.com/go-rod/rod"
	"github.com/go-rod/rod/lib/proto"
	"github.com/sirupsen/logrus"
)

// Launcher owns a browser process or remote connection and hands out drivers
// bound to fresh pages.
type Launcher interface {
	IsRunning() bool
	GetEndpoint() string
	NewDriver(ctx context.Context) (Driver, error)
	Stop() error
}

// Engine names accepted by NewLauncher.
const (
	EngineChrome     = "chrome"
	EngineLightpanda = "lightpanda"
	EngineRemote     = "remote"
)

// LauncherOptions selects and parameterizes a Launcher.
type LauncherOptions struct {
	Engine     string
	ControlURL string
	ChromeBin  string
	Headless   bool
	Host       string
	Port       int
	// LightpandaBin overrides binary discovery for the lightpanda engine.
	LightpandaBin string
}

// NewLauncher builds the launcher for opts.Engine without starting it.
func NewLauncher(opts LauncherOptions, logger logrus.FieldLogger) (Launcher, error) {
	if logger == nil {
		logger = logrus.StandardLogger()
	}

	switch opts.Engine {
	case EngineChrome, "":
		return NewChromeManager(opts.ChromeBin, opts.Headless, logger), nil
	case EngineRemote:
		if opts.ControlURL == "" {
			return nil, fmt.Errorf("remote engine requires a control url")
		}
		return NewRemoteChromeManager(opts.ControlURL, logger), nil
	case EngineLightpanda:
		if opts.LightpandaBin != "" {
			return NewLightpandaManagerWithPath(opts.LightpandaBin, opts.Host, opts.Port, logger), nil
		}
		return NewLightpandaManager(opts.Host, opts.Port, logger)
	default:
		return nil, fmt.Errorf("unknown browser engine: %q", opts.Engine)
	}
}

type restarter interface {
	ensureStarted() error
	restart() error
	current() *rod.Browser
}

// openDriver creates a blank page and wraps it. A connection error on page
// creation triggers exactly one restart of the underlying browser.
func openDriver(ctx context.Context, r restarter, logger logrus.FieldLogger) (*RodDriver, error) {
	if err := r.ensureStarted(); err != nil {
		return nil, fmt.Errorf("failed to start browser: %w", err)
	}

	b := r.current()
	page, err := b.Context(ctx).Page(proto.TargetCreateTarget{})
	if err != nil {
		if !isConnectionError(err) {
			return nil, fmt.Errorf("failed to create new page: %w", err)
		}

		logger.WithError(err).Warn("browser connection lost, restarting")
		if restartErr := r.restart(); restartErr != nil {
			return nil, fmt.Errorf("failed to restart browser after connection error: %w", restartErr)
		}

		b = r.current()
		page, err = b.Context(ctx).Page(proto.TargetCreateTarget{})
		if err != nil {
			return nil, fmt.Errorf("failed to create new page: %w", err)
		}
	}

	return NewRodDriver(b, page, nil), nil
}

func isConnectionError(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return false
	}
	if errors.Is(err, net.ErrClosed) {
		return true
	}

	msg := strings.ToLower(err.Error())
	return strings.Contains(msg, "use of closed network connection") ||
		strings.Contains(msg, "broken pipe") ||
		strings.Contains(msg, "connection reset by peer") ||
		strings.Contains(msg, "connection refused") ||
		strings.Contains(msg, "eof")
}

// IsConnectionError reports whether err means the CDP connection dropped.
func IsConnectionError(err error) bool {
	return isConnectionError(err)
}
