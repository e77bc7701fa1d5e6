package browser

import (
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"runtime"

	"github.com/sirupsen/logrus"
)

// LightpandaDownloadURL is the nightly Lightpanda build for linux/amd64.
const LightpandaDownloadURL = "https://github.com/lightpanda-io/browser/releases/download/nightly/lightpanda-x86_64-linux"

var lightpandaBinaryNames = []string{
	"lightpanda-x86_64-linux",
	"lightpanda",
}

// EnsureLightpandaBinary finds the Lightpanda binary next to the executable or
// in ./browser, downloading it when missing. ok is false on unsupported
// platforms or when the download fails.
func EnsureLightpandaBinary(logger logrus.FieldLogger) (path string, ok bool, err error) {
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	if runtime.GOOS != "linux" {
		logger.Warnf("lightpanda browser only supports linux, current OS: %s", runtime.GOOS)
		return "", false, nil
	}

	execPath, err := os.Executable()
	if err != nil {
		return "", false, err
	}
	execDir := filepath.Dir(execPath)

	searchPaths := []string{
		execDir,
		filepath.Join(execDir, "browser"),
		"./browser",
		".",
	}
	for _, searchPath := range searchPaths {
		for _, name := range lightpandaBinaryNames {
			fullPath := filepath.Join(searchPath, name)
			info, statErr := os.Stat(fullPath)
			if statErr != nil {
				continue
			}
			if err := ensureExecutable(fullPath, info); err != nil {
				logger.WithError(err).Warn("failed to ensure executable permissions")
			}
			logger.WithField("path", fullPath).Debug("lightpanda browser found")
			return fullPath, true, nil
		}
	}

	logger.Info("lightpanda browser not found, downloading")

	browserDir := filepath.Join(execDir, "browser")
	if err := os.MkdirAll(browserDir, 0o755); err != nil {
		browserDir = "./browser"
		if err := os.MkdirAll(browserDir, 0o755); err != nil {
			logger.WithError(err).Warn("failed to create browser directory")
			return "", false, nil
		}
	}

	binaryPath := filepath.Join(browserDir, lightpandaBinaryNames[0])
	if err := downloadLightpanda(binaryPath, logger); err != nil {
		logger.WithError(err).Warn("failed to download lightpanda browser")
		return "", false, nil
	}

	return binaryPath, true, nil
}

func downloadLightpanda(destPath string, logger logrus.FieldLogger) error {
	logger.WithField("url", LightpandaDownloadURL).Info("downloading lightpanda browser")

	resp, err := http.Get(LightpandaDownloadURL)
	if err != nil {
		return fmt.Errorf("failed to download: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("download failed with status: %d", resp.StatusCode)
	}

	out, err := os.Create(destPath)
	if err != nil {
		return fmt.Errorf("failed to create file: %w", err)
	}
	defer out.Close()

	if _, err := io.Copy(out, resp.Body); err != nil {
		os.Remove(destPath)
		return fmt.Errorf("failed to save file: %w", err)
	}

	if err := os.Chmod(destPath, 0o755); err != nil {
		return fmt.Errorf("failed to make executable: %w", err)
	}

	logger.WithField("path", destPath).Info("lightpanda browser installed")
	return nil
}

func ensureExecutable(path string, info os.FileInfo) error {
	mode := info.Mode()
	if mode&0o111 != 0 {
		return nil
	}
	if err := os.Chmod(path, mode|0o755); err != nil {
		return fmt.Errorf("failed to chmod %s: %w", path, err)
	}
	return nil
}
