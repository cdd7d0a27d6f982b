package main

import (
	"bufio"
	"context"
	"errors"
	"flag"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/SimplyPrint/apdu-shell/internal/api"
	"github.com/SimplyPrint/apdu-shell/internal/config"
	"github.com/SimplyPrint/apdu-shell/internal/core"
	"github.com/SimplyPrint/apdu-shell/internal/logging"
	"github.com/SimplyPrint/apdu-shell/internal/service"
	"github.com/SimplyPrint/apdu-shell/internal/settings"
	"github.com/SimplyPrint/apdu-shell/internal/shell"
	"github.com/SimplyPrint/apdu-shell/internal/updater"
)

// options holds the raw flag values. Only flags given on the command line
// are applied over the environment, see applyFlags.
type options struct {
	reader       string
	readerIndex  int
	selectReader bool
	share        string
	protocol     string
	maxResponse  int
	logLevel     string
	logFormat    string
	host         string
	port         int
	mdns         bool
}

func newFlagSet(o *options) *flag.FlagSet {
	fs := flag.NewFlagSet("apdu-shell", flag.ExitOnError)
	fs.StringVar(&o.reader, "reader", "", "Reader `name` (exact, or a case-insensitive part of it)")
	fs.IntVar(&o.readerIndex, "reader-index", -1, "Reader index as listed by 'apdu-shell readers'")
	fs.BoolVar(&o.selectReader, "select-reader", false, "Ask which reader to use")
	fs.StringVar(&o.share, "share", "auto", "Share mode: exclusive, shared, direct or auto")
	fs.StringVar(&o.protocol, "protocol", "auto", "Protocol: t0, t1, raw or auto")
	fs.IntVar(&o.maxResponse, "max-response", core.DefaultMaxResponseLen, "Maximum response length in bytes")
	fs.StringVar(&o.logLevel, "log-level", "warn", "Log level: debug, info, warn or error")
	fs.StringVar(&o.logFormat, "log-format", "text", "Log format: text, nocolor or json")
	fs.StringVar(&o.host, "host", config.DefaultHost, "Bridge host to bind to (serve)")
	fs.IntVar(&o.port, "port", config.DefaultPort, "Bridge port to listen on (serve)")
	fs.BoolVar(&o.mdns, "mdns", false, "Advertise the bridge over mDNS (serve)")
	fs.Usage = func() { usage(fs) }
	return fs
}

func usage(fs *flag.FlagSet) {
	fmt.Fprintf(os.Stderr, "apdu-shell - Interactive APDU console for PC/SC readers\n\n")
	fmt.Fprintf(os.Stderr, "Usage:\n")
	fmt.Fprintf(os.Stderr, "  apdu-shell [flags]            interactive shell\n")
	fmt.Fprintf(os.Stderr, "  apdu-shell readers            list readers and exit\n")
	fmt.Fprintf(os.Stderr, "  apdu-shell serve [flags]      run the HTTP/WebSocket bridge\n")
	fmt.Fprintf(os.Stderr, "  apdu-shell version [-check]   print version information\n")
	fmt.Fprintf(os.Stderr, "  apdu-shell install [flags]    run the bridge as a per-user service\n")
	fmt.Fprintf(os.Stderr, "  apdu-shell uninstall          remove the bridge service\n")
	fmt.Fprintf(os.Stderr, "  apdu-shell service-status     show the bridge service state\n\n")
	fmt.Fprintf(os.Stderr, "Flags:\n")
	fs.PrintDefaults()
	fmt.Fprintf(os.Stderr, "\nEnvironment variables:\n")
	fmt.Fprintf(os.Stderr, "  APDU_SHELL_READER         Reader name\n")
	fmt.Fprintf(os.Stderr, "  APDU_SHELL_READER_INDEX   Reader index\n")
	fmt.Fprintf(os.Stderr, "  APDU_SHELL_SHARE_MODE     Share mode\n")
	fmt.Fprintf(os.Stderr, "  APDU_SHELL_PROTOCOL       Protocol\n")
	fmt.Fprintf(os.Stderr, "  APDU_SHELL_MAX_RESPONSE   Maximum response length\n")
	fmt.Fprintf(os.Stderr, "  APDU_SHELL_LOG_LEVEL      Log level\n")
	fmt.Fprintf(os.Stderr, "  APDU_SHELL_LOG_FORMAT     Log format\n")
	fmt.Fprintf(os.Stderr, "  APDU_SHELL_HOST           Bridge host (default: %s)\n", config.DefaultHost)
	fmt.Fprintf(os.Stderr, "  APDU_SHELL_PORT           Bridge port (default: %d)\n", config.DefaultPort)
	fmt.Fprintf(os.Stderr, "  APDU_SHELL_MDNS           Advertise the bridge over mDNS\n")
	fmt.Fprintf(os.Stderr, "  APDU_SHELL_ALLOWED_ORIGINS  Comma separated browser origins trusted besides localhost\n")
	fmt.Fprintf(os.Stderr, "  APDU_SHELL_SENTRY         1 or 0, overrides the crash reporting setting\n")
	fmt.Fprintf(os.Stderr, "  APDU_SHELL_SENTRY_DSN     Crash reporting endpoint\n")
}

func main() {
	os.Exit(run(os.Args[1:]))
}

func run(args []string) int {
	o := &options{}
	fs := newFlagSet(o)
	fs.Parse(args)

	command := fs.Arg(0)
	switch command {
	case "version":
		return runVersion(fs.Args()[1:])
	case "readers", "serve", "install", "uninstall", "service-status":
		// flags may also follow the command
		fs.Parse(fs.Args()[1:])
	case "":
	default:
		fmt.Fprintf(os.Stderr, "Unknown command: %s\n", command)
		fs.Usage()
		return 2
	}
	if fs.NArg() > 0 {
		fmt.Fprintf(os.Stderr, "Unexpected argument: %s\n", fs.Arg(0))
		fs.Usage()
		return 2
	}

	logging.Init(1000, logging.LevelWarn)
	cfg := config.Load()
	if err := applyFlags(fs, o, cfg); err != nil {
		fmt.Fprintf(os.Stderr, "%v\n", err)
		return 2
	}
	logging.Get().SetLevel(cfg.LogLevel)
	logging.Get().SetFormat(cfg.LogFormat)

	if _, err := settings.Load(); err != nil {
		logging.Warn(logging.CatSystem, "Failed to load settings, using defaults", map[string]any{
			"error": err.Error(),
		})
	}
	if logging.InitSentry(api.Version, settings.IsCrashReportingEnabled()) {
		defer logging.FlushSentry(2 * time.Second)
	}
	defer logging.RecoverAndLog("main", true)

	logging.Info(logging.CatSystem, "apdu-shell starting", map[string]any{
		"version": api.Version,
		"command": command,
	})

	switch command {
	case "readers":
		return runReaders()
	case "install", "uninstall", "service-status":
		return runService(command, cfg)
	case "serve":
		return runServe(cfg)
	}
	return runShell(cfg, o.selectReader)
}

// applyFlags copies the flags that were set on the command line into cfg.
func applyFlags(fs *flag.FlagSet, o *options, cfg *config.Config) error {
	var err error
	fs.Visit(func(f *flag.Flag) {
		if err != nil {
			return
		}
		switch f.Name {
		case "reader":
			cfg.Reader = o.reader
			cfg.ReaderIndex = -1
		case "reader-index":
			cfg.ReaderIndex = o.readerIndex
		case "share":
			cfg.ShareMode, err = core.ParseShareMode(o.share)
		case "protocol":
			cfg.Protocol, err = core.ParseProtocol(o.protocol)
		case "max-response":
			if o.maxResponse <= 0 {
				err = fmt.Errorf("invalid -max-response %d: must be positive", o.maxResponse)
			}
			cfg.MaxResponseLen = o.maxResponse
		case "log-level":
			cfg.LogLevel, err = logging.ParseLevel(o.logLevel)
		case "log-format":
			cfg.LogFormat = o.logFormat
		case "host":
			cfg.Host = o.host
		case "port":
			if o.port <= 0 || o.port > 65535 {
				err = fmt.Errorf("invalid -port %d", o.port)
			}
			cfg.Port = o.port
		case "mdns":
			cfg.MDNS = o.mdns
		}
	})
	return err
}

func runService(command string, cfg *config.Config) int {
	svc := service.New(service.Options{Host: cfg.Host, Port: cfg.Port, MDNS: cfg.MDNS})

	switch command {
	case "install":
		if err := svc.Install(); err != nil {
			fmt.Fprintf(os.Stderr, "Failed to install service: %v\n", err)
			return 1
		}
		fmt.Println("Bridge service installed successfully")
	case "uninstall":
		if err := svc.Uninstall(); err != nil {
			fmt.Fprintf(os.Stderr, "Failed to uninstall service: %v\n", err)
			return 1
		}
		fmt.Println("Bridge service removed successfully")
	default:
		status, err := svc.Status()
		if err != nil {
			fmt.Fprintf(os.Stderr, "Failed to query service: %v\n", err)
			return 1
		}
		fmt.Printf("Bridge service: %s\n", status)
	}
	return 0
}

func runVersion(args []string) int {
	fs := flag.NewFlagSet("version", flag.ExitOnError)
	check := fs.Bool("check", false, "Check GitHub for a newer release")
	fs.Parse(args)

	fmt.Printf("apdu-shell %s\n", api.Version)
	fmt.Printf("Build time: %s\n", api.BuildTime)
	fmt.Printf("Git commit: %s\n", api.GitCommit)

	if !*check {
		return 0
	}
	info := updater.NewChecker(api.Version).Check(true)
	switch {
	case info.Error != "":
		fmt.Printf("Update check failed: %s\n", info.Error)
		return 1
	case info.IsDev:
		fmt.Println("Development build, update check skipped")
	case info.Available:
		fmt.Printf("Update available: %s\n", info.LatestVersion)
		if info.DownloadURL != "" {
			fmt.Printf("Download: %s\n", info.DownloadURL)
		} else {
			fmt.Printf("Release: %s\n", info.ReleaseURL)
		}
	default:
		fmt.Println("apdu-shell is up to date")
	}
	return 0
}

// printReaders prints the reader listing shown before connecting.
func printReaders(readers []core.Reader) {
	fmt.Printf("%d readers found:\n", len(readers))
	for i, r := range readers {
		fmt.Printf("  %d: %s\n", i, r.Name)
	}
}

// setupFailed reports an error that prevents the shell from starting.
func setupFailed(err error) int {
	logging.Error(logging.CatSystem, "Setup failed", map[string]any{
		"error":  err.Error(),
		"status": fmt.Sprintf("0x%08X", core.StatusCode(err)),
	})
	fmt.Fprintf(os.Stderr, "Error: %v\n", err)
	return 1
}

func runReaders() int {
	ctx, err := core.EstablishContext(nil)
	if err != nil {
		return setupFailed(err)
	}
	defer ctx.Release()

	readers, err := core.NewDirectory(ctx).List()
	if err != nil {
		return setupFailed(err)
	}
	printReaders(readers)
	return 0
}

// chooseSelector picks the reader selection strategy: the prompt, then the
// configured reader, then the last reader used if it is still attached.
func chooseSelector(cfg *config.Config, prompt bool, readers []core.Reader, in *bufio.Reader) core.ReaderSelector {
	if prompt {
		return core.PromptSelector{In: in, Out: os.Stdout}
	}
	if sel := cfg.Selector(); sel != nil {
		return sel
	}
	if last := settings.Get().LastReader; last != "" {
		for _, r := range readers {
			if r.Name == last {
				return core.NameSelector{Name: last}
			}
		}
	}
	return core.FirstReader{}
}

func runShell(cfg *config.Config, prompt bool) int {
	ctx, err := core.EstablishContext(nil)
	if err != nil {
		return setupFailed(err)
	}
	// sessions hold their own reference, so releasing first is safe
	defer ctx.Release()

	dir := core.NewDirectory(ctx)
	readers, err := dir.List()
	if err != nil {
		return setupFailed(err)
	}
	printReaders(readers)

	stdin := bufio.NewReader(os.Stdin)
	sel := chooseSelector(cfg, prompt, readers, stdin)
	reader, err := sel.Select(readers)
	if err != nil {
		return setupFailed(err)
	}

	sess, err := core.Connect(ctx, reader, cfg.ShareMode, cfg.Protocol)
	if err != nil {
		return setupFailed(err)
	}
	defer sess.Close()

	fmt.Printf("Connected to %s\n", reader.Name)
	if err := settings.SetLastReader(reader.Name); err != nil {
		logging.Warn(logging.CatSystem, "Failed to save last reader", map[string]any{
			"error": err.Error(),
		})
	}

	sh := shell.New(stdin, os.Stdout, sess)
	sh.MaxResponseLen = cfg.MaxResponseLen
	if err := sh.Run(); err != nil {
		logging.Error(logging.CatSystem, "Reading input failed", map[string]any{
			"error": err.Error(),
		})
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		return 1
	}
	return 0
}

func runServe(cfg *config.Config) int {
	ctx, err := core.EstablishContext(nil)
	if err != nil {
		return setupFailed(err)
	}
	api.SetContext(ctx)
	api.SetAllowedOrigins(cfg.AllowedOrigins)
	defer func() {
		api.SetContext(nil)
		ctx.Release()
	}()

	api.InitUpdateChecker()

	mux := api.NewMux()
	mux.HandleFunc("/v1/ws", api.InitWebSocket())

	addr := cfg.Address()
	server := &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}

	if cfg.MDNS {
		adv, err := api.StartMDNS(cfg.Port)
		if err != nil {
			logging.Warn(logging.CatSystem, "mDNS advertisement unavailable", map[string]any{
				"error": err.Error(),
			})
		}
		defer adv.Stop()
	}

	shutdown := func() {
		log.Println("Shutting down...")
		sctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := server.Shutdown(sctx); err != nil {
			logging.Warn(logging.CatSystem, "Server shutdown incomplete", map[string]any{
				"error": err.Error(),
			})
		}
	}
	api.SetShutdownHandler(shutdown)

	// Set up signal handling for graceful shutdown
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(sigChan)
	go func() {
		if _, ok := <-sigChan; ok {
			shutdown()
		}
	}()

	log.Printf("apdu-shell %s listening on http://%s\n", api.Version, addr)
	log.Printf("WebSocket available at ws://%s/v1/ws\n", addr)
	logging.Info(logging.CatSystem, "Server started", map[string]any{
		"address": addr,
	})

	if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		logging.Error(logging.CatSystem, "Server error", map[string]any{
			"error": err.Error(),
		})
		fmt.Fprintf(os.Stderr, "server error: %v\n", err)
		return 1
	}
	return 0
}
