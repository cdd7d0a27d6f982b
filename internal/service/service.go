// Package service installs the bridge server (apdu-shell serve) as a per-user
// service that starts with the session.
package service

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"text/template"
)

const appName = "apdu-shell"

var (
	ErrAlreadyInstalled = errors.New("service already installed")
	ErrNotInstalled     = errors.New("service not installed")
	ErrUnsupported      = errors.New("service installation not supported on this platform")
)

// Service manages the auto-start entry for the bridge.
type Service interface {
	Install() error
	Uninstall() error
	IsInstalled() bool
	Status() (string, error)
}

// Options are passed to the installed bridge. Empty fields fall back to
// the bridge defaults.
type Options struct {
	Host string
	Port int
	MDNS bool
}

// Args returns the command line the service runs.
func (o Options) Args() []string {
	args := []string{"serve"}
	if o.Host != "" {
		args = append(args, "-host", o.Host)
	}
	if o.Port > 0 {
		args = append(args, "-port", fmt.Sprint(o.Port))
	}
	if o.MDNS {
		args = append(args, "-mdns")
	}
	return args
}

// executablePath returns the running binary with symlinks resolved.
func executablePath() (string, error) {
	execPath, err := os.Executable()
	if err != nil {
		return "", fmt.Errorf("failed to get executable path: %w", err)
	}
	execPath, err = filepath.EvalSymlinks(execPath)
	if err != nil {
		return "", fmt.Errorf("failed to resolve executable path: %w", err)
	}
	return execPath, nil
}

// writeTemplate renders text with data into path, creating parent
// directories.
func writeTemplate(path, name, text string, data any) error {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return fmt.Errorf("failed to create %s directory: %w", name, err)
	}

	tmpl, err := template.New(name).Funcs(template.FuncMap{
		"join": strings.Join,
	}).Parse(text)
	if err != nil {
		return fmt.Errorf("failed to parse %s template: %w", name, err)
	}

	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("failed to create %s file: %w", name, err)
	}
	defer f.Close()

	if err := tmpl.Execute(f, data); err != nil {
		return fmt.Errorf("failed to write %s file: %w", name, err)
	}
	return nil
}
