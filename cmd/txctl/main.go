// Command txctl configures a 32-channel ultrasound transmitter: channel
// table, beamforming delays, excitation pattern, resets and diagnostics.
//
// Usage:
//
//	txctl [flags] [command args...]
//
// Without a command an interactive shell is started.
package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/rjboer/GoTX/internal/beam"
	"github.com/rjboer/GoTX/internal/device"
	"github.com/rjboer/GoTX/internal/diagnostics"
	"github.com/rjboer/GoTX/internal/link"
	"github.com/rjboer/GoTX/internal/logging"
	"github.com/rjboer/GoTX/internal/profile"
	"github.com/rjboer/GoTX/internal/telemetry"
)

const configPath = "txctl.json"

func main() {
	if err := run(os.Args[1:]); err != nil {
		fmt.Fprintf(os.Stderr, "txctl: %v\n", err)
		os.Exit(1)
	}
}

func run(args []string) error {
	persistentCfg, err := loadOrCreateConfig(configPath)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	cfg, rest, err := parseConfig(args, os.LookupEnv, persistentCfg)
	if err != nil {
		return fmt.Errorf("parse config: %w", err)
	}
	if err := saveConfig(configPath, persistentFromCLI(cfg)); err != nil {
		return fmt.Errorf("save config: %w", err)
	}

	logger, err := logging.FromStrings(cfg.logLevel, cfg.logFormat)
	if err != nil {
		return fmt.Errorf("logger: %w", err)
	}
	logging.SetDefault(logger)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	sess, hub, err := buildSession(cfg, logger)
	if err != nil {
		return err
	}
	defer sess.Disconnect()

	if cfg.webAddr != "" {
		hub.SetStatusFunc(func() any { return sess.Status() })
		ws := telemetry.NewWebServer(cfg.webAddr, hub, logger)
		go func() {
			if err := ws.Start(ctx); err != nil {
				logger.Error("web server stopped", logging.Err(err))
			}
		}()
	}

	cmd := &commander{
		sess:         sess,
		store:        profile.NewStore(cfg.profileDir, logger),
		speedOfSound: cfg.speedOfSound,
		out:          os.Stdout,
	}

	if len(rest) > 0 && rest[0] != "shell" {
		return oneShot(ctx, cmd, cfg, rest)
	}

	sh, err := newShell(cmd)
	if err != nil {
		return err
	}
	sh.Run(ctx)
	return nil
}

// oneShot connects when the command needs the device, then runs it.
func oneShot(ctx context.Context, cmd *commander, cfg cliConfig, args []string) error {
	if needsDevice(args[0]) {
		if err := cmd.sess.Connect(ctx, cfg.address); err != nil {
			return err
		}
	}
	err := cmd.run(ctx, args)
	if errors.Is(err, errQuit) {
		return nil
	}
	return err
}

func needsDevice(cmd string) bool {
	switch strings.ToLower(cmd) {
	case "apply", "pattern", "reset", "diag", "diagnostics":
		return true
	}
	return false
}

func buildSession(cfg cliConfig, logger logging.Logger) (*device.Session, *telemetry.Hub, error) {
	g := beam.DefaultGeometry()
	if cfg.pitchMM > 0 {
		g.PitchM = cfg.pitchMM * 1e-3
	}
	if cfg.clockMHz > 0 {
		g.ClockHz = cfg.clockMHz * 1e6
	}
	if err := g.Validate(); err != nil {
		return nil, nil, fmt.Errorf("geometry: %w", err)
	}

	var mock *link.MockDriver
	if cfg.mock {
		mock = link.NewMockDriver(device.DefaultAddresses[1:]...)
	}
	router := link.NewRouter(link.Config{
		BaudRate:         cfg.baudRate,
		Timeout:          cfg.timeout,
		DiscoveryTimeout: cfg.discoveryTimeout,
		SSH: link.SSHConfig{
			User:     cfg.sshUser,
			Password: cfg.sshPassword,
			KeyPath:  cfg.sshKeyPath,
			Command:  cfg.sshCommand,
		},
	}, mock, logger)

	hub := telemetry.NewHub(cfg.historyLimit)
	reporters := telemetry.MultiReporter{hub}
	if cfg.webAddr == "" {
		reporters = append(reporters, telemetry.NewStdoutReporter(logger))
	}

	diag := diagnostics.NewEngine(logger)
	diag.ClearErrors = cfg.diagClear

	sess := device.NewSession(router,
		device.WithLogger(logger),
		device.WithReporter(reporters),
		device.WithGeometry(g),
		device.WithDiagnostics(diag),
	)
	return sess, hub, nil
}
