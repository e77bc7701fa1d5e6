package browser

import (
	"bytes"
	"context"
	"fmt"
	"os/exec"
	"runtime"

	"github.com/go-rod/rod/lib/launcher"
	"github.com/sirupsen/logrus"
)

// InstallChrome downloads a Chromium build for the current platform and
// returns its path. withDeps also installs the shared libraries Chromium
// needs through the system package manager.
func InstallChrome(ctx context.Context, revision int, withDeps bool, logger logrus.FieldLogger) (string, error) {
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	if withDeps {
		if err := InstallChromeDependencies(ctx); err != nil {
			return "", err
		}
	}

	downloader := launcher.NewBrowser()
	downloader.Context = ctx
	if revision > 0 {
		downloader.Revision = revision
	}

	path, err := downloader.Get()
	if err != nil {
		return "", fmt.Errorf("failed to download chrome: %w", err)
	}

	logger.WithField("path", path).Info("chromium ready")
	return path, nil
}

type packageManager struct {
	name    string
	install []string
	deps    []string
	update  bool
}

var packageManagers = []packageManager{
	{name: "apt-get", install: []string{"install", "-y", "--no-install-recommends"}, deps: chromeDepsApt, update: true},
	{name: "dnf", install: []string{"install", "-y"}, deps: chromeDepsDnf},
	{name: "yum", install: []string{"install", "-y"}, deps: chromeDepsDnf},
	{name: "apk", install: []string{"add", "--no-cache"}, deps: chromeDepsApk},
}

// InstallChromeDependencies installs OS packages required by Chromium.
func InstallChromeDependencies(ctx context.Context) error {
	if runtime.GOOS != "linux" {
		return nil
	}

	for _, pm := range packageManagers {
		path, _ := exec.LookPath(pm.name)
		if path == "" {
			continue
		}
		if pm.update {
			if err := runCommand(ctx, path, "update"); err != nil {
				return err
			}
		}
		args := append(append([]string{}, pm.install...), pm.deps...)
		return runCommand(ctx, path, args...)
	}

	return fmt.Errorf("no supported package manager found for chrome dependencies")
}

func runCommand(ctx context.Context, name string, args ...string) error {
	cmd := exec.CommandContext(ctx, name, args...)
	var out bytes.Buffer
	cmd.Stdout = &out
	cmd.Stderr = &out
	if err := cmd.Run(); err != nil {
		return fmt.Errorf("%s %v failed: %w\n%s", name, args, err, out.String())
	}
	return nil
}

var chromeDepsApt = []string{
	"ca-certificates",
	"fonts-liberation",
	"libasound2",
	"libatk-bridge2.0-0",
	"libatk1.0-0",
	"libcups2",
	"libdbus-1-3",
	"libdrm2",
	"libgbm1",
	"libgtk-3-0",
	"libnspr4",
	"libnss3",
	"libx11-xcb1",
	"libxcomposite1",
	"libxdamage1",
	"libxfixes3",
	"libxrandr2",
	"libxshmfence1",
	"libxss1",
	"libxtst6",
	"libpango-1.0-0",
	"libpangocairo-1.0-0",
	"libxkbcommon0",
}

var chromeDepsDnf = []string{
	"alsa-lib",
	"atk",
	"cups-libs",
	"gtk3",
	"libX11",
	"libXcomposite",
	"libXdamage",
	"libXrandr",
	"libXfixes",
	"libX11-xcb",
	"libxcb",
	"libxkbcommon",
	"libxshmfence",
	"nss",
	"nspr",
	"pango",
	"mesa-libgbm",
	"libdrm",
}

var chromeDepsApk = []string{
	"ca-certificates",
	"freetype",
	"harfbuzz",
	"nss",
	"ttf-freefont",
	"alsa-lib",
	"atk",
	"at-spi2-atk",
	"cups-libs",
	"libxcomposite",
	"libxdamage",
	"libxrandr",
	"libxfixes",
	"libxkbcommon",
	"libx11",
	"libxrender",
	"libxext",
	"libxcb",
	"libdrm",
	"mesa-gbm",
	"gtk+3.0",
	"pango",
	"cairo",
	"gdk-pixbuf",
	"fontconfig",
	"libstdc++",
	"libgcc",
}
