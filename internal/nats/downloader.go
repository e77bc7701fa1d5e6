package nats

import (
	"archive/zip"
	"fmt"
	"io"
	"net/http"
	"os"
	"path"
	"path/filepath"
	"runtime"
	"time"

	"github.com/sirupsen/logrus"
)

// NATSVersion is the version of NATS server to download
const NATSVersion = "2.10.24"

var downloadClient = &http.Client{Timeout: 5 * time.Minute}

// DownloadURL returns the release archive for the given platform.
func DownloadURL(goos, goarch string) (string, error) {
	switch goos {
	case "linux", "darwin", "windows":
	default:
		return "", fmt.Errorf("unsupported OS: %s", goos)
	}
	switch goarch {
	case "amd64", "arm64":
	default:
		return "", fmt.Errorf("unsupported architecture: %s", goarch)
	}

	return fmt.Sprintf(
		"https://github.com/nats-io/nats-server/releases/download/v%s/nats-server-v%s-%s-%s.zip",
		NATSVersion, NATSVersion, goos, goarch,
	), nil
}

// EnsureNATSBinary returns binPath when it exists, otherwise downloads the
// server there if autoDL allows it.
func EnsureNATSBinary(binPath string, autoDL bool, logger logrus.FieldLogger) (string, error) {
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	log := logger.WithField("path", binPath)

	if _, err := os.Stat(binPath); err == nil {
		log.Debug("NATS server binary found")
		return binPath, nil
	}
	if !autoDL {
		return "", fmt.Errorf("NATS server binary not found at %s and auto-download is disabled", binPath)
	}

	downloadURL, err := DownloadURL(runtime.GOOS, runtime.GOARCH)
	if err != nil {
		return "", err
	}

	binDir := filepath.Dir(binPath)
	if err := os.MkdirAll(binDir, 0755); err != nil {
		return "", fmt.Errorf("failed to create directory %s: %w", binDir, err)
	}

	tmpFile, err := os.CreateTemp("", "nats-server-*.zip")
	if err != nil {
		return "", fmt.Errorf("failed to create temp file: %w", err)
	}
	defer os.Remove(tmpFile.Name())
	defer tmpFile.Close()

	log.WithField("url", downloadURL).Info("downloading NATS server")

	resp, err := downloadClient.Get(downloadURL)
	if err != nil {
		return "", fmt.Errorf("failed to download NATS server: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("failed to download NATS server: HTTP %d", resp.StatusCode)
	}
	if _, err := io.Copy(tmpFile, resp.Body); err != nil {
		return "", fmt.Errorf("failed to save NATS server: %w", err)
	}
	tmpFile.Close()

	if err := extractNATSBinary(tmpFile.Name(), binPath, runtime.GOOS); err != nil {
		return "", fmt.Errorf("failed to extract NATS server: %w", err)
	}
	if err := os.Chmod(binPath, 0755); err != nil {
		return "", fmt.Errorf("failed to make NATS server executable: %w", err)
	}

	log.Info("NATS server installed")
	return binPath, nil
}

// extractNATSBinary copies the nats-server executable out of a release zip.
func extractNATSBinary(zipPath, destPath, goos string) error {
	r, err := zip.OpenReader(zipPath)
	if err != nil {
		return fmt.Errorf("failed to open zip: %w", err)
	}
	defer r.Close()

	binaryName := "nats-server"
	if goos == "windows" {
		binaryName = "nats-server.exe"
	}

	for _, f := range r.File {
		if f.FileInfo().IsDir() || path.Base(f.Name) != binaryName {
			continue
		}
		rc, err := f.Open()
		if err != nil {
			return fmt.Errorf("failed to open file in zip: %w", err)
		}
		defer rc.Close()

		out, err := os.Create(destPath)
		if err != nil {
			return fmt.Errorf("failed to create output file: %w", err)
		}
		defer out.Close()

		if _, err := io.Copy(out, rc); err != nil {
			return fmt.Errorf("failed to copy binary: %w", err)
		}
		return out.Close()
	}

	return fmt.Errorf("%s not found in zip", binaryName)
}
