// Package browser starts a local Chromium with remote debugging enabled when
// no DevTools endpoint is already listening.
package browser

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/exec"
	"runtime"
	"strconv"
	"syscall"
	"time"

	"github.com/cenkalti/backoff/v4"
)

// Config holds browser launch settings.
type Config struct {
	Binary     string
	CDPAddress string
	CDPPort    int
	ProfileDir string
	StartURL   string
	Headless   bool
	ReadyWait  time.Duration
}

// Launcher owns a browser process it started.
type Launcher struct {
	cfg Config
	cmd *exec.Cmd
}

// NewLauncher creates a launcher for cfg.
func NewLauncher(cfg Config) *Launcher {
	if cfg.ReadyWait <= 0 {
		cfg.ReadyWait = 15 * time.Second
	}
	return &Launcher{cfg: cfg}
}

var candidates = []string{"chromium-browser", "chromium", "google-chrome", "google-chrome-stable"}

func detectBrowser(explicit string) (string, error) {
	if explicit != "" {
		return exec.LookPath(explicit)
	}
	for _, name := range candidates {
		if path, err := exec.LookPath(name); err == nil {
			return path, nil
		}
	}
	if runtime.GOOS == "darwin" {
		macPath := "/Applications/Google Chrome.app/Contents/MacOS/Google Chrome"
		if _, err := os.Stat(macPath); err == nil {
			return macPath, nil
		}
	}
	return "", errors.New("no supported browser found (tried chromium-browser, chromium, google-chrome)")
}

func (l *Launcher) hostPort() string {
	return net.JoinHostPort(l.cfg.CDPAddress, strconv.Itoa(l.cfg.CDPPort))
}

func portInUse(addr string) bool {
	conn, err := net.DialTimeout("tcp", addr, time.Second)
	if err != nil {
		return false
	}
	_ = conn.Close()
	return true
}

func (l *Launcher) args() []string {
	args := []string{
		"--remote-debugging-port=" + strconv.Itoa(l.cfg.CDPPort),
		"--remote-debugging-address=" + l.cfg.CDPAddress,
		"--no-first-run",
		"--no-default-browser-check",
		"--disable-dev-shm-usage",
	}
	if l.cfg.ProfileDir != "" {
		args = append(args, "--user-data-dir="+l.cfg.ProfileDir)
	}
	if l.cfg.Headless {
		args = append(args, "--headless=new")
	}
	if l.cfg.StartURL != "" {
		args = append(args, l.cfg.StartURL)
	}
	return args
}

// Launch starts the browser unless something already listens on the CDP
// port, then waits for /json/version to answer.
func (l *Launcher) Launch(ctx context.Context) error {
	if portInUse(l.hostPort()) {
		slog.Info("browser already running, skipping launch", "addr", l.hostPort())
		return nil
	}

	path, err := detectBrowser(l.cfg.Binary)
	if err != nil {
		return err
	}
	if l.cfg.ProfileDir != "" {
		if err := os.MkdirAll(l.cfg.ProfileDir, 0o755); err != nil {
			return fmt.Errorf("create profile dir: %w", err)
		}
	}

	l.cmd = exec.Command(path, l.args()...)
	l.cmd.Stdout = os.Stdout
	l.cmd.Stderr = os.Stderr
	if err := l.cmd.Start(); err != nil {
		return fmt.Errorf("start browser: %w", err)
	}
	slog.Info("browser process started", "path", path, "pid", l.cmd.Process.Pid)

	if err := l.waitReady(ctx); err != nil {
		l.Stop()
		return fmt.Errorf("waiting for CDP: %w", err)
	}
	slog.Info("CDP endpoint ready", "addr", l.hostPort())
	return nil
}

func (l *Launcher) waitReady(ctx context.Context) error {
	url := "http://" + l.hostPort() + "/json/version"
	client := &http.Client{Timeout: time.Second}

	ctx, cancel := context.WithTimeout(ctx, l.cfg.ReadyWait)
	defer cancel()
	probe := func() error {
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
		if err != nil {
			return backoff.Permanent(err)
		}
		resp, err := client.Do(req)
		if err != nil {
			return err
		}
		_ = resp.Body.Close()
		if resp.StatusCode != http.StatusOK {
			return fmt.Errorf("unexpected status %d", resp.StatusCode)
		}
		return nil
	}
	b := backoff.WithContext(backoff.NewConstantBackOff(250*time.Millisecond), ctx)
	if err := backoff.Retry(probe, b); err != nil {
		return fmt.Errorf("%s not ready within %s: %w", url, l.cfg.ReadyWait, err)
	}
	return nil
}

// Running reports whether this launcher owns a live browser process.
func (l *Launcher) Running() bool {
	return l.cmd != nil && l.cmd.Process != nil && l.cmd.ProcessState == nil
}

// Stop terminates a browser this launcher started with SIGTERM, falling back
// to SIGKILL after five seconds.
func (l *Launcher) Stop() {
	if l.cmd == nil || l.cmd.Process == nil {
		return
	}
	slog.Info("stopping browser", "pid", l.cmd.Process.Pid)
	_ = l.cmd.Process.Signal(syscall.SIGTERM)

	done := make(chan struct{})
	go func() {
		_ = l.cmd.Wait()
		close(done)
	}()

	select {
	case <-done:
		slog.Info("browser stopped gracefully")
	case <-time.After(5 * time.Second):
		slog.Warn("browser did not exit, sending SIGKILL")
		_ = l.cmd.Process.Kill()
		<-done
	}
	l.cmd = nil
}
