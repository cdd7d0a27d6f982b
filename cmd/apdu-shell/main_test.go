package main

import (
	"testing"

	"github.com/SimplyPrint/apdu-shell/internal/config"
	"github.com/SimplyPrint/apdu-shell/internal/core"
	"github.com/SimplyPrint/apdu-shell/internal/logging"
)

func TestApplyFlags(t *testing.T) {
	o := &options{}
	fs := newFlagSet(o)
	if err := fs.Parse([]string{"-reader", "yubikey", "-protocol", "t1", "-max-response", "1024", "-log-level", "debug"}); err != nil {
		t.Fatalf("Parse() error = %v", err)
	}

	cfg := config.Default()
	cfg.ReaderIndex = 2 // as if set through the environment
	if err := applyFlags(fs, o, cfg); err != nil {
		t.Fatalf("applyFlags() error = %v", err)
	}

	if cfg.Reader != "yubikey" || cfg.ReaderIndex != -1 {
		t.Errorf("reader flag should replace the environment index: %q / %d", cfg.Reader, cfg.ReaderIndex)
	}
	if cfg.Protocol != core.ProtocolT1 {
		t.Errorf("Protocol = %v, want T1", cfg.Protocol)
	}
	if cfg.MaxResponseLen != 1024 {
		t.Errorf("MaxResponseLen = %d", cfg.MaxResponseLen)
	}
	if cfg.LogLevel != logging.LevelDebug {
		t.Errorf("LogLevel = %v", cfg.LogLevel)
	}
	// unset flags keep the loaded values
	if cfg.ShareMode != core.ShareAuto || cfg.Port != config.DefaultPort {
		t.Errorf("unset flags changed config: %+v", cfg)
	}
}

func TestApplyFlags_Invalid(t *testing.T) {
	tests := [][]string{
		{"-share", "sometimes"},
		{"-protocol", "t2"},
		{"-max-response", "0"},
		{"-port", "70000"},
		{"-log-level", "loud"},
	}

	for _, args := range tests {
		t.Run(args[0], func(t *testing.T) {
			o := &options{}
			fs := newFlagSet(o)
			if err := fs.Parse(args); err != nil {
				t.Fatalf("Parse() error = %v", err)
			}
			if err := applyFlags(fs, o, config.Default()); err == nil {
				t.Errorf("expected error for %v", args)
			}
		})
	}
}
