package supervisor

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/csai/fetch-proxy-agent/internal/certs"
	"github.com/csai/fetch-proxy-agent/internal/config"
	"github.com/csai/fetch-proxy-agent/internal/control"
	"github.com/csai/fetch-proxy-agent/internal/netcheck"
)

var (
	ErrNotInstalled   = errors.New("not_installed")
	ErrStartupTimeout = errors.New("startup_timeout")
	ErrStopTimeout    = errors.New("stop_timeout")
)

// Process is the handle to a fetch-service process spawned by this
// supervisor. Start returns nil when the service was already online, so a
// nil Process means "running, but owned by someone else".
type Process struct {
	handle  *os.Process
	LogPath string
}

func (p *Process) PID() int {
	return p.handle.Pid
}

// Supervisor owns the lifecycle of the local fetch-service process. Liveness
// is always determined through the control API, never from the process handle
// alone, because the service may have been started by an earlier, unrelated
// invocation.
type Supervisor struct {
	cfg     config.ServiceConfig
	certs   *certs.Provisioner
	control *control.Client
	runner  CommandRunner
	log     *slog.Logger

	proc     *Process
	procExit chan error
}

func New(cfg config.ServiceConfig, ctrl *control.Client, logger *slog.Logger) *Supervisor {
	return &Supervisor{
		cfg:     cfg,
		certs:   certs.NewProvisioner(cfg.CertificateDir),
		control: ctrl,
		runner:  execRunner{},
		log:     logger,
	}
}

// IsOnline probes the control API status endpoint.
func (s *Supervisor) IsOnline(ctx context.Context) bool {
	return s.control.IsOnline(ctx)
}

// Process returns the handle of the service process spawned by this
// supervisor, or nil.
func (s *Supervisor) Process() *Process {
	return s.proc
}

// Start brings the fetch-service up. If the service is already online no new
// process is spawned and (nil, nil) is returned; this is the idempotent fast
// path taken when several consumers in one run try to start the service. A
// failed start leaves no dangling process behind.
func (s *Supervisor) Start(ctx context.Context) (*Process, error) {
	if s.control.IsOnline(ctx) {
		s.log.Info("fetch_service_already_online", slog.Int("control_port", s.cfg.ControlPort))
		return nil, nil
	}

	if err := s.checkInstalled(); err != nil {
		return nil, err
	}

	bundle, err := s.certs.Obtain()
	if err != nil {
		return nil, fmt.Errorf("provision fetch-service certificate: %w", err)
	}

	if err := netcheck.EnsureFree(s.cfg.ControlPort, s.cfg.ProxyPort); err != nil {
		return nil, fmt.Errorf("fetch-service ports %d and %d are already in use: %w", s.cfg.ProxyPort, s.cfg.ControlPort, err)
	}

	for _, dir := range []string{s.cfg.BaseDir, s.cfg.ConfigDir(), s.cfg.SpoolDir()} {
		if err := os.MkdirAll(dir, 0o750); err != nil {
			return nil, fmt.Errorf("create service dir: %w", err)
		}
	}

	archiveKey, err := s.exportArchiveKey(ctx)
	if err != nil {
		return nil, err
	}

	proc, exit, err := s.spawn(bundle, archiveKey)
	if err != nil {
		return nil, err
	}

	if err := s.waitUntilHealthy(ctx, proc, exit); err != nil {
		return nil, err
	}

	s.proc = proc
	s.procExit = exit
	if err := s.writePIDFile(proc.PID()); err != nil {
		s.log.Warn("pid_file_write_failed", slog.String("error", err.Error()))
	}
	s.log.Info("fetch_service_started",
		slog.Int("pid", proc.PID()),
		slog.Int("control_port", s.cfg.ControlPort),
		slog.Int("proxy_port", s.cfg.ProxyPort),
		slog.String("log_path", proc.LogPath),
	)
	return proc, nil
}

// Stop is a no-op unless force is set: the service is meant to be reused
// across sequential build sessions, and it shuts itself down after the
// configured idle period anyway. With force, the owned process is terminated
// and the call blocks until the service reads as offline, escalating to
// SIGKILL after a bounded wait.
func (s *Supervisor) Stop(ctx context.Context, force bool) error {
	if !force {
		s.log.Debug("fetch_service_left_running")
		return nil
	}

	handle, exit, err := s.stopTarget()
	if err != nil {
		return err
	}
	if handle == nil {
		s.log.Debug("fetch_service_not_running")
		return nil
	}
	s.proc = nil
	s.procExit = nil
	defer s.removePIDFile()

	pid := handle.Pid
	if err := handle.Signal(syscall.SIGTERM); err != nil && !errors.Is(err, os.ErrProcessDone) {
		return fmt.Errorf("terminate fetch-service: %w", err)
	}
	if s.waitUntilOffline(ctx, exit, time.Duration(s.cfg.StopTimeoutSeconds)*time.Second) {
		s.log.Info("fetch_service_stopped", slog.Int("pid", pid))
		return nil
	}

	s.log.Warn("fetch_service_stop_escalated", slog.Int("pid", pid))
	if err := handle.Kill(); err != nil && !errors.Is(err, os.ErrProcessDone) {
		return fmt.Errorf("kill fetch-service: %w", err)
	}
	if s.waitUntilOffline(ctx, exit, time.Duration(s.cfg.StopTimeoutSeconds)*time.Second) {
		s.log.Info("fetch_service_killed", slog.Int("pid", pid))
		return nil
	}
	return fmt.Errorf("fetch-service still online after kill: %w", ErrStopTimeout)
}

// stopTarget resolves the process a forced stop should act on: the handle
// owned by this supervisor, or the PID recorded by an earlier invocation.
func (s *Supervisor) stopTarget() (*os.Process, chan error, error) {
	if s.proc != nil {
		return s.proc.handle, s.procExit, nil
	}
	pid, ok, err := s.readPIDFile()
	if err != nil {
		return nil, nil, err
	}
	if !ok {
		return nil, nil, nil
	}
	handle, err := os.FindProcess(pid)
	if err != nil {
		return nil, nil, nil
	}
	if err := handle.Signal(syscall.Signal(0)); err != nil {
		// Recorded process is gone; the pid file is stale.
		s.removePIDFile()
		return nil, nil, nil
	}
	return handle, nil, nil
}

func (s *Supervisor) pidFilePath() string {
	return filepath.Join(s.cfg.BaseDir, "fetch-service.pid")
}

func (s *Supervisor) writePIDFile(pid int) error {
	return os.WriteFile(s.pidFilePath(), []byte(strconv.Itoa(pid)+"\n"), 0o640)
}

func (s *Supervisor) readPIDFile() (int, bool, error) {
	b, err := os.ReadFile(s.pidFilePath())
	if errors.Is(err, os.ErrNotExist) {
		return 0, false, nil
	}
	if err != nil {
		return 0, false, fmt.Errorf("read pid file: %w", err)
	}
	pid, err := strconv.Atoi(strings.TrimSpace(string(b)))
	if err != nil || pid <= 0 {
		return 0, false, nil
	}
	return pid, true, nil
}

func (s *Supervisor) removePIDFile() {
	_ = os.Remove(s.pidFilePath())
}

func (s *Supervisor) checkInstalled() error {
	info, err := os.Stat(s.cfg.BinaryPath)
	if err != nil || info.IsDir() {
		return fmt.Errorf("the fetch-service snap is not installed (no binary at %s): %w", s.cfg.BinaryPath, ErrNotInstalled)
	}
	return nil
}

// exportArchiveKey runs gpg to export the Ubuntu archive signing key that the
// fetch-service's package inspection backend needs, passed through the
// process environment.
func (s *Supervisor) exportArchiveKey(ctx context.Context) (string, error) {
	out, err := s.runner.Output(ctx, "gpg",
		"--export", "--armor",
		"--no-default-keyring",
		"--keyring", s.cfg.KeyringPath,
		s.cfg.ArchiveKeyID,
	)
	if err != nil {
		return "", fmt.Errorf("export archive public key: %w", err)
	}
	return strings.TrimSpace(string(out)), nil
}

func (s *Supervisor) spawn(bundle certs.Bundle, archiveKey string) (*Process, chan error, error) {
	logPath := s.cfg.LogPath()
	logFile, err := os.OpenFile(logPath, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o640)
	if err != nil {
		return nil, nil, fmt.Errorf("open service log: %w", err)
	}
	defer logFile.Close()

	args := []string{
		fmt.Sprintf("--control-port=%d", s.cfg.ControlPort),
		fmt.Sprintf("--proxy-port=%d", s.cfg.ProxyPort),
		"--config=" + s.cfg.ConfigDir(),
		"--spool=" + s.cfg.SpoolDir(),
		"--cert=" + bundle.CertPath,
		"--key=" + bundle.KeyPath,
	}
	if s.cfg.PermissiveMode {
		args = append(args, "--permissive-mode")
	}
	args = append(args, fmt.Sprintf("--idle-shutdown=%d", s.cfg.IdleShutdownSeconds))

	cmd := exec.Command(s.cfg.BinaryPath, args...)
	cmd.Stdout = logFile
	cmd.Stderr = logFile
	cmd.Env = append(os.Environ(),
		"FETCH_SERVICE_AUTH="+s.cfg.Auth(),
		"FETCH_APT_RELEASE_PUBLIC_KEY="+archiveKey,
	)
	cmd.SysProcAttr = &syscall.SysProcAttr{Setsid: true}

	if err := cmd.Start(); err != nil {
		return nil, nil, fmt.Errorf("spawn fetch-service: %w", err)
	}

	exit := make(chan error, 1)
	go func() {
		exit <- cmd.Wait()
	}()
	return &Process{handle: cmd.Process, LogPath: logPath}, exit, nil
}

func (s *Supervisor) waitUntilHealthy(ctx context.Context, proc *Process, exit chan error) error {
	deadline := time.Now().Add(time.Duration(s.cfg.StartTimeoutSeconds) * time.Second)
	delay := 100 * time.Millisecond

	for {
		if s.control.IsOnline(ctx) {
			return nil
		}
		select {
		case <-exit:
			return fmt.Errorf("fetch-service exited during startup; check the log at %s: %w", proc.LogPath, ErrStartupTimeout)
		case <-ctx.Done():
			_ = proc.handle.Kill()
			return fmt.Errorf("fetch-service startup canceled: %w", ctx.Err())
		case <-time.After(delay):
		}
		if time.Now().After(deadline) {
			_ = proc.handle.Kill()
			return fmt.Errorf("fetch-service did not come online within %ds; check the log at %s: %w",
				s.cfg.StartTimeoutSeconds, proc.LogPath, ErrStartupTimeout)
		}
		if delay < time.Second {
			delay = delay * 3 / 2
		}
	}
}

func (s *Supervisor) waitUntilOffline(ctx context.Context, exit chan error, timeout time.Duration) bool {
	deadline := time.Now().Add(timeout)
	for {
		if exit != nil {
			select {
			case <-exit:
				exit = nil
			default:
			}
		}
		if exit == nil && !s.control.IsOnline(ctx) {
			return true
		}
		if time.Now().After(deadline) || ctx.Err() != nil {
			return false
		}
		time.Sleep(200 * time.Millisecond)
	}
}
