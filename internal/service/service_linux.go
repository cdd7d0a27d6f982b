//go:build linux

package service

import (
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
)

// systemd user unit; the bridge is headless so no graphical session is needed
const unitTemplate = `[Unit]
Description=apdu-shell - PC/SC APDU bridge
After=pcscd.socket

[Service]
Type=simple
ExecStart={{.ExecutablePath}} {{join .Args " "}}
Restart=on-failure
RestartSec=5

[Install]
WantedBy=default.target
`

type linuxService struct {
	opts Options
	home string
}

// New creates a new platform-specific service manager
func New(opts Options) Service {
	home, _ := os.UserHomeDir()
	return &linuxService{opts: opts, home: home}
}

func (s *linuxService) unitName() string {
	return appName + ".service"
}

func (s *linuxService) unitPath() string {
	configDir := os.Getenv("XDG_CONFIG_HOME")
	if configDir == "" {
		configDir = filepath.Join(s.home, ".config")
	}
	return filepath.Join(configDir, "systemd", "user", s.unitName())
}

func (s *linuxService) writeUnit(execPath string) error {
	data := struct {
		ExecutablePath string
		Args           []string
	}{
		ExecutablePath: execPath,
		Args:           s.opts.Args(),
	}
	return writeTemplate(s.unitPath(), "unit", unitTemplate, data)
}

func systemctl(args ...string) error {
	cmd := exec.Command("systemctl", append([]string{"--user"}, args...)...)
	if output, err := cmd.CombinedOutput(); err != nil {
		return fmt.Errorf("systemctl %s: %s: %w", strings.Join(args, " "), strings.TrimSpace(string(output)), err)
	}
	return nil
}

func (s *linuxService) Install() error {
	if s.IsInstalled() {
		return ErrAlreadyInstalled
	}

	execPath, err := executablePath()
	if err != nil {
		return err
	}
	if err := s.writeUnit(execPath); err != nil {
		return err
	}

	if err := systemctl("daemon-reload"); err != nil {
		return err
	}
	return systemctl("enable", "--now", s.unitName())
}

func (s *linuxService) Uninstall() error {
	if !s.IsInstalled() {
		return ErrNotInstalled
	}

	// Ignore errors if the unit was never started
	systemctl("disable", "--now", s.unitName())

	if err := os.Remove(s.unitPath()); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("failed to remove unit file: %w", err)
	}
	systemctl("daemon-reload")
	return nil
}

func (s *linuxService) IsInstalled() bool {
	_, err := os.Stat(s.unitPath())
	return err == nil
}

func (s *linuxService) Status() (string, error) {
	if !s.IsInstalled() {
		return "not installed", nil
	}
	if err := systemctl("is-active", "--quiet", s.unitName()); err == nil {
		return "running", nil
	}
	return "installed but not running", nil
}
