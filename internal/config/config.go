package config

import (
	"net"
	"os"
	"strconv"
	"strings"

	"github.com/SimplyPrint/apdu-shell/internal/core"
	"github.com/SimplyPrint/apdu-shell/internal/logging"
)

const (
	DefaultHost = "127.0.0.1"
	DefaultPort = 32146
)

// Config holds runtime settings. Load fills it from APDU_SHELL_* variables;
// command line flags are applied on top by main.
type Config struct {
	Host string
	Port int
	MDNS bool

	// AllowedOrigins are browser origins trusted besides loopback ones.
	AllowedOrigins []string

	Reader      string // name or substring, empty for no preference
	ReaderIndex int    // -1 for no preference
	ShareMode   core.ShareMode
	Protocol    core.Protocol

	MaxResponseLen int

	LogLevel  logging.Level
	LogFormat string // text, json or nocolor
}

// Default returns the built-in configuration.
func Default() *Config {
	return &Config{
		Host:           DefaultHost,
		Port:           DefaultPort,
		ReaderIndex:    -1,
		ShareMode:      core.ShareAuto,
		Protocol:       core.ProtocolAuto,
		MaxResponseLen: core.DefaultMaxResponseLen,
		LogLevel:       logging.LevelWarn,
		LogFormat:      "text",
	}
}

// Load returns the defaults overridden by the environment. Unparseable
// values are logged and ignored.
func Load() *Config {
	return load(os.LookupEnv)
}

func load(lookup func(string) (string, bool)) *Config {
	cfg := Default()

	if v, ok := lookup("APDU_SHELL_HOST"); ok && v != "" {
		cfg.Host = v
	}
	if v, ok := lookup("APDU_SHELL_PORT"); ok {
		if p, err := strconv.Atoi(v); err == nil && p > 0 && p < 65536 {
			cfg.Port = p
		} else {
			invalid("APDU_SHELL_PORT", v)
		}
	}
	if v, ok := lookup("APDU_SHELL_MDNS"); ok {
		if b, err := strconv.ParseBool(v); err == nil {
			cfg.MDNS = b
		} else {
			invalid("APDU_SHELL_MDNS", v)
		}
	}
	if v, ok := lookup("APDU_SHELL_ALLOWED_ORIGINS"); ok {
		cfg.AllowedOrigins = splitList(v)
	}

	if v, ok := lookup("APDU_SHELL_READER"); ok {
		cfg.Reader = v
	}
	if v, ok := lookup("APDU_SHELL_READER_INDEX"); ok {
		if i, err := strconv.Atoi(v); err == nil && i >= 0 {
			cfg.ReaderIndex = i
		} else {
			invalid("APDU_SHELL_READER_INDEX", v)
		}
	}
	if v, ok := lookup("APDU_SHELL_SHARE_MODE"); ok {
		if m, err := core.ParseShareMode(v); err == nil {
			cfg.ShareMode = m
		} else {
			invalid("APDU_SHELL_SHARE_MODE", v)
		}
	}
	if v, ok := lookup("APDU_SHELL_PROTOCOL"); ok {
		if p, err := core.ParseProtocol(v); err == nil {
			cfg.Protocol = p
		} else {
			invalid("APDU_SHELL_PROTOCOL", v)
		}
	}
	if v, ok := lookup("APDU_SHELL_MAX_RESPONSE"); ok {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			cfg.MaxResponseLen = n
		} else {
			invalid("APDU_SHELL_MAX_RESPONSE", v)
		}
	}

	if v, ok := lookup("APDU_SHELL_LOG_LEVEL"); ok {
		if l, err := logging.ParseLevel(v); err == nil {
			cfg.LogLevel = l
		} else {
			invalid("APDU_SHELL_LOG_LEVEL", v)
		}
	}
	if v, ok := lookup("APDU_SHELL_LOG_FORMAT"); ok && v != "" {
		cfg.LogFormat = strings.ToLower(v)
	}

	return cfg
}

// splitList splits a comma separated value, dropping empty items.
func splitList(v string) []string {
	var items []string
	for _, item := range strings.Split(v, ",") {
		if item = strings.TrimSpace(item); item != "" {
			items = append(items, item)
		}
	}
	return items
}

func invalid(name, value string) {
	logging.Warn(logging.CatSystem, "Ignoring invalid environment value", map[string]any{
		"variable": name,
		"value":    value,
	})
}

// Address returns host:port for the bridge listener.
func (c *Config) Address() string {
	return net.JoinHostPort(c.Host, strconv.Itoa(c.Port))
}

// Selector returns the reader selection strategy configured, or nil when
// no preference was given.
func (c *Config) Selector() core.ReaderSelector {
	switch {
	case c.ReaderIndex >= 0:
		return core.IndexSelector{Index: c.ReaderIndex}
	case c.Reader != "":
		return core.NameSelector{Name: c.Reader}
	}
	return nil
}
