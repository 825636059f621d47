// bridge harvests the page session's access token and keeps it flowing to
// the local relay.
//
// Three session sources are available:
//
// Browser mode (--browser): a Chromium page in a persistent profile. The
// token is fetched from inside the page, the refresh timer reloads the
// page, and every page load starts the bridge over.
//
// HTTP mode (default): the session endpoint is read directly with the
// cookie given in the config or --cookie.
//
// Mock mode (--mock steady|flaky): fabricated sessions for trying the relay
// without an account.
package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/spf13/pflag"

	"github.com/tokenbridge/tokenbridge/internal/bridge"
	"github.com/tokenbridge/tokenbridge/internal/browser"
	"github.com/tokenbridge/tokenbridge/internal/config"
	"github.com/tokenbridge/tokenbridge/internal/console"
	"github.com/tokenbridge/tokenbridge/internal/credential"
	"github.com/tokenbridge/tokenbridge/internal/diag"
	"github.com/tokenbridge/tokenbridge/internal/lifecycle"
	"github.com/tokenbridge/tokenbridge/internal/notify"
	"github.com/tokenbridge/tokenbridge/internal/transport"
)

const shutdownTimeout = 5 * time.Second

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

type options struct {
	configPath    string
	relayURL      string
	relayToken    string
	mock          string
	cookie        string
	browser       bool
	headless      bool
	userDataDir   string
	install       bool
	console       bool
	logFile       string
	logLevel      string
	desktopNotify bool
}

func parseFlags(args []string) (options, error) {
	var o options
	flagSet := pflag.NewFlagSet("bridge", pflag.ContinueOnError)
	flagSet.StringVar(&o.configPath, "config", "config.yaml", "path to config file (YAML, or JSON with comments)")
	flagSet.StringVar(&o.relayURL, "relay", "", "relay WebSocket URL (overrides bridge.relay_url)")
	flagSet.StringVar(&o.relayToken, "relay-token", "", "token the relay expects in the X-Tokenbridge-Token header")
	flagSet.StringVar(&o.mock, "mock", "", "use fabricated sessions: steady or flaky")
	flagSet.StringVar(&o.cookie, "cookie", "", "Cookie header for the session endpoint in HTTP mode")
	flagSet.BoolVar(&o.browser, "browser", false, "harvest from a Chromium page instead of plain HTTP")
	flagSet.BoolVar(&o.headless, "headless", false, "run the browser without a window")
	flagSet.StringVar(&o.userDataDir, "user-data-dir", "", "browser profile directory (keeps the login)")
	flagSet.BoolVar(&o.install, "install", false, "download the browser before launching it")
	flagSet.BoolVar(&o.console, "console", false, "show the operator console")
	flagSet.StringVar(&o.logFile, "log-file", "", "write logs to this file")
	flagSet.StringVar(&o.logLevel, "log-level", "", "debug, info, warn or error")
	flagSet.BoolVar(&o.desktopNotify, "desktop-notify", false, "also raise desktop notifications")
	err := flagSet.Parse(args)
	return o, err
}

func applyFlags(cfg *config.Config, o options) {
	if o.relayURL != "" {
		cfg.Bridge.RelayURL = o.relayURL
	}
	if o.cookie != "" {
		cfg.Bridge.Cookie = o.cookie
	}
	if o.browser {
		cfg.Bridge.Browser.Enabled = true
	}
	if o.headless {
		cfg.Bridge.Browser.Headless = true
	}
	if o.userDataDir != "" {
		cfg.Bridge.Browser.UserDataDir = o.userDataDir
	}
	if o.logFile != "" {
		cfg.Logging.File = o.logFile
	}
	if o.logLevel != "" {
		cfg.Logging.Level = o.logLevel
	}
	if o.desktopNotify {
		cfg.Bridge.DesktopNotifications = true
	}
}

// newLogger writes to the configured file, otherwise to stderr unless the
// console owns the terminal.
func newLogger(cfg config.LoggingConfig, consoleMode bool) (*slog.Logger, func(), error) {
	var out io.Writer = os.Stderr
	closeFn := func() {}
	switch {
	case cfg.File != "":
		f, err := os.OpenFile(cfg.File, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o600)
		if err != nil {
			return nil, nil, fmt.Errorf("opening log file: %w", err)
		}
		out = f
		closeFn = func() { f.Close() }
	case consoleMode:
		out = io.Discard
	}
	logger := slog.New(slog.NewTextHandler(out, &slog.HandlerOptions{Level: cfg.SlogLevel()}))
	return logger, closeFn, nil
}

func run() error {
	o, err := parseFlags(os.Args[1:])
	if err != nil {
		if errors.Is(err, pflag.ErrHelp) {
			return nil
		}
		return err
	}

	cfg, err := config.LoadOrDefault(o.configPath)
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}
	applyFlags(cfg, o)
	if err := cfg.Validate(); err != nil {
		return err
	}
	if err := transport.ValidateURL(cfg.Bridge.RelayURL); err != nil {
		return err
	}

	logger, closeLog, err := newLogger(cfg.Logging, o.console)
	if err != nil {
		return err
	}
	defer closeLog()
	slog.SetDefault(logger)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	notifiers := notify.Multi{notify.Log{Logger: logger}}
	if cfg.Bridge.DesktopNotifications {
		if d := notify.NewDesktop(logger); d.Available() {
			notifiers = append(notifiers, d)
		} else {
			logger.Warn("desktop notifications requested but no notifier binary found")
		}
	}
	var notes notify.Channel
	if o.console {
		notes = make(notify.Channel, 64)
		notifiers = append(notifiers, notes)
	}

	var header http.Header
	if o.relayToken != "" {
		header = http.Header{"X-Tokenbridge-Token": {o.relayToken}}
	}

	var (
		source credential.Source
		host   *browser.Host
		prober diag.Prober = transport.Prober{Header: header}
	)
	switch {
	case o.mock != "":
		logger.Info("using mock sessions", "pattern", o.mock)
		source = credential.NewMockSource(o.mock)
	case cfg.Bridge.Browser.Enabled:
		host, err = browser.Launch(browser.Options{
			PageURL:     cfg.Bridge.PageURL,
			SessionPath: cfg.Bridge.SessionPath,
			UserDataDir: cfg.Bridge.Browser.UserDataDir,
			Headless:    cfg.Bridge.Browser.Headless,
			Install:     o.install,
			Logger:      logger,
		})
		if err != nil {
			return err
		}
		defer host.Close()
		source = host
		prober = host
	default:
		src, err := credential.NewHTTPSource(cfg.Bridge.SessionURL(), cfg.Bridge.Cookie)
		if err != nil {
			return err
		}
		source = src
	}

	wsOpts := []transport.Option{transport.WithHeader(header)}
	if cfg.Bridge.PingInterval > 0 {
		wsOpts = append(wsOpts, transport.WithPingInterval(cfg.Bridge.PingInterval))
	}

	lc := lifecycle.Config{
		URL:        cfg.Bridge.RelayURL,
		ClientName: cfg.Bridge.ClientName,
		Policy:     lifecycle.PolicyFrom(cfg.Bridge),
		Fetcher:    credential.NewFetcher(source, cfg.Bridge.FetchTimeout),
		Notifier:   notifiers,
		Logger:     logger,
		Context:    ctx,
	}
	if host != nil {
		lc.Reloader = host
	}

	runner := bridge.New(bridge.Config{
		Lifecycle: lc,
		NewTransport: func() transport.Transport {
			return transport.NewWebSocket(logger, wsOpts...)
		},
		StartupDelay: cfg.Bridge.StartupDelay,
	})
	facade := diag.New(runner, prober)

	if host != nil {
		// Every load, including the ones the refresh timer causes, starts
		// the bridge over.
		if err := host.Watch(runner.Restart, runner.Unload); err != nil {
			return err
		}
	} else {
		runner.Startup()
	}

	if o.console {
		m := console.New(facade, console.Options{Notes: notes, OnQuit: runner.Unload})
		p := tea.NewProgram(m, tea.WithAltScreen(), tea.WithContext(ctx))
		if _, err := p.Run(); err != nil && !errors.Is(err, tea.ErrProgramKilled) {
			logger.Error("console exited", "error", err)
		}
	} else {
		<-ctx.Done()
	}

	logger.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	return runner.Shutdown(shutdownCtx)
}
