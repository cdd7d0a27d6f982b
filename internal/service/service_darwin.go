//go:build darwin

package service

import (
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
)

const (
	launchAgentLabel = "com.simplyprint.apdu-shell"
	plistTemplate    = `<?xml version="1.0" encoding="UTF-8"?>
<!DOCTYPE plist PUBLIC "-//Apple//DTD PLIST 1.0//EN" "http://www.apple.com/DTDs/PropertyList-1.0.dtd">
<plist version="1.0">
<dict>
    <key>Label</key>
    <string>{{.Label}}</string>
    <key>ProgramArguments</key>
    <array>
        <string>{{.ExecutablePath}}</string>
{{- range .Args}}
        <string>{{.}}</string>
{{- end}}
    </array>
    <key>RunAtLoad</key>
    <true/>
    <key>KeepAlive</key>
    <dict>
        <key>SuccessfulExit</key>
        <false/>
    </dict>
    <key>StandardOutPath</key>
    <string>{{.LogPath}}/apdu-shell.log</string>
    <key>StandardErrorPath</key>
    <string>{{.LogPath}}/apdu-shell.err</string>
    <key>WorkingDirectory</key>
    <string>{{.WorkingDir}}</string>
</dict>
</plist>
`
)

type darwinService struct {
	opts Options
	home string
}

// New creates a new platform-specific service manager
func New(opts Options) Service {
	home, _ := os.UserHomeDir()
	return &darwinService{opts: opts, home: home}
}

func (s *darwinService) plistPath() string {
	return filepath.Join(s.home, "Library", "LaunchAgents", launchAgentLabel+".plist")
}

func (s *darwinService) logPath() string {
	logDir := filepath.Join(s.home, "Library", "Logs", "apdu-shell")
	os.MkdirAll(logDir, 0755)
	return logDir
}

func (s *darwinService) writePlist(execPath string) error {
	data := struct {
		Label          string
		ExecutablePath string
		Args           []string
		LogPath        string
		WorkingDir     string
	}{
		Label:          launchAgentLabel,
		ExecutablePath: execPath,
		Args:           s.opts.Args(),
		LogPath:        s.logPath(),
		WorkingDir:     filepath.Dir(execPath),
	}
	return writeTemplate(s.plistPath(), "plist", plistTemplate, data)
}

func (s *darwinService) Install() error {
	if s.IsInstalled() {
		return ErrAlreadyInstalled
	}

	execPath, err := executablePath()
	if err != nil {
		return err
	}
	if err := s.writePlist(execPath); err != nil {
		return err
	}

	// Load the launch agent
	cmd := exec.Command("launchctl", "load", "-w", s.plistPath())
	if output, err := cmd.CombinedOutput(); err != nil {
		return fmt.Errorf("failed to load launch agent: %s: %w", string(output), err)
	}

	return nil
}

func (s *darwinService) Uninstall() error {
	if !s.IsInstalled() {
		return ErrNotInstalled
	}

	// Unload the launch agent
	cmd := exec.Command("launchctl", "unload", "-w", s.plistPath())
	cmd.CombinedOutput() // Ignore errors if not loaded

	if err := os.Remove(s.plistPath()); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("failed to remove plist file: %w", err)
	}

	return nil
}

func (s *darwinService) IsInstalled() bool {
	_, err := os.Stat(s.plistPath())
	return err == nil
}

func (s *darwinService) Status() (string, error) {
	if !s.IsInstalled() {
		return "not installed", nil
	}

	cmd := exec.Command("launchctl", "list", launchAgentLabel)
	if output, err := cmd.CombinedOutput(); err != nil || len(output) == 0 {
		return "installed but not running", nil
	}
	return "running", nil
}
