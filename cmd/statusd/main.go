// Statusd publishes a Klipper host's lifecycle status to an MQTT broker.
//
// It runs a cooperative reactor, connects to the configured broker in
// the background and publishes connecting, ready, shutdown and
// disconnected to <topic>/klippy/status as the host moves through its
// lifecycle. Configuration is loaded from a single YAML file discovered
// automatically (see [config.DefaultSearchPaths]).
//
// Usage:
//
//	statusd serve              Run until SIGINT or SIGTERM
//	statusd init [dir]         Write an example config.yaml
//	statusd version            Print version and build information
//	statusd -o json version    Output version information as JSON
//
// While serving, SIGUSR1 publishes the shutdown status.
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/nugget/klipper-mqtt-status/internal/buildinfo"
	"github.com/nugget/klipper-mqtt-status/internal/config"
	"github.com/nugget/klipper-mqtt-status/internal/events"
	"github.com/nugget/klipper-mqtt-status/internal/mqtt"
	"github.com/nugget/klipper-mqtt-status/internal/reactor"
)

// main is intentionally minimal. It constructs the OS-level environment
// (context, stdio, argv) and delegates immediately to [run] so the
// whole lifecycle can be driven from tests.
func main() {
	ctx := context.Background()

	if err := run(ctx, os.Stdout, os.Stderr, os.Args[1:]); err != nil {
		fmt.Fprintf(os.Stderr, "%s\n", err)
		os.Exit(1)
	}
}

// run is the real entry point for the statusd command. Structured logs
// go to stdout; the caller prints the returned error.
//
// Flags are parsed by hand. The flag package relies on package-level
// globals, which makes it impossible to call run concurrently from
// tests.
func run(ctx context.Context, stdout io.Writer, stderr io.Writer, args []string) error {
	var configPath string
	var outputFmt string // "text" (default) or "json"
	var command string
	var cmdArgs []string

	for i := 0; i < len(args); i++ {
		switch {
		case args[i] == "-config" && i+1 < len(args):
			configPath = args[i+1]
			i++
		case strings.HasPrefix(args[i], "-config="):
			configPath = strings.TrimPrefix(args[i], "-config=")
		case (args[i] == "-o" || args[i] == "--output") && i+1 < len(args):
			outputFmt = args[i+1]
			i++
		case strings.HasPrefix(args[i], "-o="):
			outputFmt = strings.TrimPrefix(args[i], "-o=")
		case strings.HasPrefix(args[i], "--output="):
			outputFmt = strings.TrimPrefix(args[i], "--output=")
		case args[i] == "-h" || args[i] == "-help" || args[i] == "--help":
			return printUsage(stdout)
		case !strings.HasPrefix(args[i], "-") && command == "":
			command = args[i]
		default:
			if command != "" {
				cmdArgs = append(cmdArgs, args[i])
			} else {
				return fmt.Errorf("unknown flag: %s", args[i])
			}
		}
	}

	if outputFmt == "" {
		outputFmt = "text"
	}
	if outputFmt != "text" && outputFmt != "json" {
		return fmt.Errorf("unknown output format: %q (expected text or json)", outputFmt)
	}

	switch command {
	case "serve":
		return runServe(ctx, stdout, stderr, configPath)
	case "init":
		dir := "."
		if len(cmdArgs) > 0 {
			dir = cmdArgs[0]
		}
		return runInit(stdout, dir)
	case "version":
		return runVersion(stdout, outputFmt)
	case "":
		return printUsage(stdout)
	default:
		return fmt.Errorf("unknown command: %s", command)
	}
}

// runVersion prints build metadata in the requested output format.
func runVersion(w io.Writer, outputFmt string) error {
	if outputFmt == "json" {
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		return enc.Encode(buildinfo.Info())
	}
	fmt.Fprintln(w, buildinfo.String())
	for _, f := range buildinfo.Fields() {
		fmt.Fprintf(w, "  %-12s %s\n", f.Key+":", f.Value)
	}
	return nil
}

// printUsage writes the top-level help text to w.
func printUsage(w io.Writer) error {
	fmt.Fprintln(w, "statusd - Klipper lifecycle status over MQTT")
	fmt.Fprintln(w)
	fmt.Fprintln(w, "Usage: statusd [flags] <command> [args]")
	fmt.Fprintln(w)
	fmt.Fprintln(w, "Commands:")
	fmt.Fprintln(w, "  serve        Publish status until SIGINT or SIGTERM")
	fmt.Fprintln(w, "  init [dir]   Write an example config.yaml (default: .)")
	fmt.Fprintln(w, "  version      Show version information")
	fmt.Fprintln(w)
	fmt.Fprintln(w, "Flags:")
	fmt.Fprintln(w, "  -config <path>    Path to config file (default: auto-discover)")
	fmt.Fprintln(w, "  -o, --output fmt  Output format: text (default) or json")
	fmt.Fprintln(w)
	fmt.Fprintln(w, "Signals while serving:")
	fmt.Fprintln(w, "  SIGUSR1           Publish shutdown status")
	fmt.Fprintln(w, "  SIGINT, SIGTERM   Publish disconnected status and exit")
	fmt.Fprintln(w)
	fmt.Fprintln(w, "Config search order:")
	fmt.Fprintln(w, "  ./config.yaml, ~/.config/klipper-mqtt-status/config.yaml,")
	fmt.Fprintln(w, "  /etc/klipper-mqtt-status/config.yaml")
	return nil
}

// runServe handles the "statusd serve" subcommand. It builds the
// reactor, event registry and publisher, fires klippy:connect and
// klippy:ready, and runs the reactor until a stop signal arrives.
//
// The shutdown sequence is:
//  1. SIGINT, SIGTERM or ctx cancellation queues klippy:disconnect
//  2. The publisher flushes "disconnected" and tears the client down,
//     bounded by mqtt.disconnect_timeout
//  3. The reactor ends and runServe returns nil
func runServe(ctx context.Context, stdout io.Writer, stderr io.Writer, configPath string) error {
	logger := config.NewLogger(stdout, slog.LevelInfo, "text")
	logger.Info("starting statusd", buildinfo.LogAttrs()...)

	cfg, cfgPath, err := loadConfig(configPath)
	if err != nil {
		return err
	}
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}

	// Validate already rejected unknown levels.
	level, _ := config.ParseLogLevel(cfg.LogLevel)
	logger = config.NewLogger(stdout, level, cfg.LogFormat)
	mqtt.SetLibraryLogger(logger)

	if cfgPath == "" {
		logger.Info("no config file found, using defaults")
	} else {
		logger.Info("config loaded", "path", cfgPath)
	}

	// Background connection attempts outlive ctx so the final status
	// can still be flushed after a stop signal.
	connCtx, cancelConn := context.WithCancel(context.WithoutCancel(ctx))
	defer cancelConn()

	r := reactor.New(logger)
	reg := events.NewRegistry(logger)

	pub, err := mqtt.New(connCtx, cfg.MQTT, r, logger)
	if err != nil {
		return fmt.Errorf("mqtt: %w", err)
	}
	pub.Register(reg)

	logger.Info("mqtt publisher configured",
		"broker", cfg.MQTT.Address(),
		"protocol", pub.Protocol().String(),
		"client_id", pub.ClientID(),
		"topic", pub.Topic(mqtt.StatusTopic),
	)

	r.RegisterAsyncCallback(func(time.Time) {
		reg.Send(events.Connect)
		reg.Send(events.Ready)
	})

	stopCtx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	usr1 := make(chan os.Signal, 1)
	signal.Notify(usr1, syscall.SIGUSR1)
	defer signal.Stop(usr1)

	done := make(chan struct{})
	defer close(done)
	go forwardSignals(stopCtx, done, usr1, r, reg, logger)

	if err := r.Run(context.WithoutCancel(ctx)); err != nil {
		return fmt.Errorf("reactor: %w", err)
	}
	logger.Info("statusd stopped", "uptime", buildinfo.Uptime())
	return nil
}

// forwardSignals turns process signals into lifecycle events on the
// reactor goroutine. It returns after queueing the disconnect or when
// done is closed.
func forwardSignals(stopCtx context.Context, done <-chan struct{}, usr1 <-chan os.Signal, r *reactor.Reactor, reg *events.Registry, logger *slog.Logger) {
	for {
		select {
		case <-usr1:
			logger.Info("shutdown signal received")
			r.RegisterAsyncCallback(func(time.Time) {
				reg.Send(events.Shutdown)
			})
		case <-stopCtx.Done():
			logger.Info("stop signal received")
			r.RegisterAsyncCallback(func(time.Time) {
				reg.Send(events.Disconnect)
				r.End()
			})
			return
		case <-done:
			return
		}
	}
}

// loadConfig locates and parses the YAML configuration file. An
// explicit path must exist. Without one, a missing config file is not
// an error: every setting has a default, and the returned path is
// empty.
func loadConfig(explicit string) (*config.Config, string, error) {
	cfgPath, err := config.FindConfig(explicit)
	if err != nil {
		if explicit != "" {
			return nil, "", err
		}
		return config.Default(), "", nil
	}

	cfg, err := config.Load(cfgPath)
	if err != nil {
		return nil, cfgPath, fmt.Errorf("load config %s: %w", cfgPath, err)
	}

	return cfg, cfgPath, nil
}
