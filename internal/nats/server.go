// Package nats connects to, or spawns, the JetStream-enabled NATS server that
// carries queued runs.
package nats

import (
	"context"
	"fmt"
	"net"
	"net/url"
	"os"
	"os/exec"
	"path/filepath"
	"sync"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"
	"github.com/sirupsen/logrus"
	"k8s.io/apimachinery/pkg/util/wait"
)

const startupTimeout = 10 * time.Second

// Server manages a local NATS server instance
type Server struct {
	binPath   string
	storeDir  string
	url       string
	logger    logrus.FieldLogger
	cmd       *exec.Cmd
	nc        *nats.Conn
	js        jetstream.JetStream
	mu        sync.Mutex
	isRunning bool
}

// ServerConfig holds configuration for the NATS server
type ServerConfig struct {
	BinPath  string
	StoreDir string
	URL      string
	AutoDL   bool
	Logger   logrus.FieldLogger
}

// NewServer creates a new NATS server manager. The binary is only required
// (and downloaded) when nothing is listening at cfg.URL yet.
func NewServer(cfg ServerConfig) (*Server, error) {
	logger := cfg.Logger
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	if _, _, err := parseNatsURL(cfg.URL); err != nil {
		return nil, err
	}

	s := &Server{
		storeDir: cfg.StoreDir,
		url:      cfg.URL,
		logger:   logger.WithField("component", "nats"),
	}
	if s.isReachable() {
		return s, nil
	}

	binPath, err := EnsureNATSBinary(cfg.BinPath, cfg.AutoDL, s.logger)
	if err != nil {
		return nil, fmt.Errorf("failed to ensure NATS binary: %w", err)
	}
	s.binPath = binPath
	return s, nil
}

// Start connects to a running server or spawns one with JetStream enabled.
func (s *Server) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.isRunning {
		return nil
	}

	// Check if NATS is already running at the URL
	if s.isReachable() {
		s.logger.WithField("url", s.url).Info("NATS server already running")
		if err := s.connect(); err != nil {
			return err
		}
		s.isRunning = true
		return nil
	}
	if s.binPath == "" {
		return fmt.Errorf("no NATS server at %s and no binary to start one", s.url)
	}

	absStoreDir, err := filepath.Abs(s.storeDir)
	if err != nil {
		return fmt.Errorf("failed to get absolute path for store dir: %w", err)
	}
	if err := os.MkdirAll(absStoreDir, 0755); err != nil {
		return fmt.Errorf("failed to create store directory: %w", err)
	}

	host, port, err := parseNatsURL(s.url)
	if err != nil {
		return err
	}

	s.cmd = exec.Command(s.binPath,
		"-js",
		"-sd", absStoreDir,
		"-a", host,
		"-p", port,
	)
	s.cmd.Stdout = os.Stdout
	s.cmd.Stderr = os.Stderr

	if err := s.cmd.Start(); err != nil {
		return fmt.Errorf("failed to start NATS server: %w", err)
	}

	err = wait.PollUntilContextTimeout(ctx, 100*time.Millisecond, startupTimeout, true,
		func(ctx context.Context) (bool, error) {
			return s.isReachable(), nil
		})
	if err == nil {
		err = s.connect()
	}
	if err != nil {
		s.kill()
		return fmt.Errorf("NATS server at %s did not become ready: %w", s.url, err)
	}

	s.isRunning = true
	s.logger.WithFields(logrus.Fields{"url": s.url, "store": absStoreDir}).Info("NATS server started with JetStream enabled")
	return nil
}

// Stop closes the connection and stops a server this process started.
func (s *Server) Stop() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.isRunning {
		return nil
	}

	if s.nc != nil {
		s.nc.Close()
		s.nc = nil
	}
	s.kill()

	s.js = nil
	s.isRunning = false

	s.logger.Info("NATS server stopped")
	return nil
}

func (s *Server) kill() {
	if s.cmd == nil || s.cmd.Process == nil {
		s.cmd = nil
		return
	}
	if err := s.cmd.Process.Kill(); err != nil {
		s.logger.WithError(err).Warn("failed to kill NATS process")
	}
	if err := s.cmd.Wait(); err != nil {
		s.logger.WithError(err).Debug("NATS process exited")
	}
	s.cmd = nil
}

// IsRunning returns true if NATS server is running
func (s *Server) IsRunning() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.isRunning
}

// GetConnection returns the NATS connection
func (s *Server) GetConnection() *nats.Conn {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.nc
}

// GetJetStream returns the JetStream context
func (s *Server) GetJetStream() jetstream.JetStream {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.js
}

func (s *Server) isReachable() bool {
	host, port, err := parseNatsURL(s.url)
	if err != nil {
		return false
	}

	conn, err := net.DialTimeout("tcp", net.JoinHostPort(host, port), 2*time.Second)
	if err != nil {
		return false
	}
	conn.Close()
	return true
}

func (s *Server) connect() error {
	log := s.logger
	nc, err := nats.Connect(s.url,
		nats.Name("flowcheck"),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			if err != nil {
				log.WithError(err).Warn("disconnected from NATS")
			}
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			log.WithField("url", nc.ConnectedUrl()).Info("reconnected to NATS")
		}),
	)
	if err != nil {
		return fmt.Errorf("failed to connect to NATS: %w", err)
	}

	js, err := jetstream.New(nc)
	if err != nil {
		nc.Close()
		return fmt.Errorf("failed to create JetStream context: %w", err)
	}

	s.nc = nc
	s.js = js
	return nil
}

func parseNatsURL(natsURL string) (host, port string, err error) {
	u, err := url.Parse(natsURL)
	if err != nil || u.Scheme != "nats" || u.Hostname() == "" || u.Port() == "" {
		return "", "", fmt.Errorf("invalid NATS URL format: %s (want nats://host:port)", natsURL)
	}
	return u.Hostname(), u.Port(), nil
}
