// Command txbridge exposes a locally attached transmitter to txctl over TCP
// (tcp://host:port) or over its own stdin/stdout (ssh://host).
package main

import (
	"context"
	"flag"
	"fmt"
	"net"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/rjboer/GoTX/internal/bridge"
	"github.com/rjboer/GoTX/internal/link"
	"github.com/rjboer/GoTX/internal/logging"
)

type bridgeConfig struct {
	device    string
	mock      bool
	baudRate  int
	timeout   time.Duration
	listen    string
	stdio     bool
	advertise string
	logLevel  string
	logFormat string
}

func parseConfig(args []string, lookup func(string) (string, bool)) (bridgeConfig, error) {
	cfg := bridgeConfig{}
	fs := flag.NewFlagSet("txbridge", flag.ContinueOnError)
	fs.StringVar(&cfg.device, "device", envString(lookup, "TXBRIDGE_DEVICE", "/dev/ttyUSB0"), "Local device: serial path or mock:NAME")
	fs.BoolVar(&cfg.mock, "mock", envBool(lookup, "TXBRIDGE_MOCK", false), "Serve an emulated device named by -device")
	fs.IntVar(&cfg.baudRate, "baud", envInt(lookup, "TXBRIDGE_BAUD", link.DefaultConfig().BaudRate), "Serial baud rate")
	fs.DurationVar(&cfg.timeout, "timeout", envDuration(lookup, "TXBRIDGE_TIMEOUT", link.DefaultConfig().Timeout), "Device read/write timeout")
	fs.StringVar(&cfg.listen, "listen", envString(lookup, "TXBRIDGE_LISTEN", ":5025"), "TCP listen address")
	fs.BoolVar(&cfg.stdio, "stdio", envBool(lookup, "TXBRIDGE_STDIO", false), "Serve a single client on stdin/stdout instead of TCP")
	fs.StringVar(&cfg.advertise, "advertise", envString(lookup, "TXBRIDGE_ADVERTISE", ""), "mDNS instance name to advertise; empty disables")
	fs.StringVar(&cfg.logLevel, "log-level", envString(lookup, "TXBRIDGE_LOG_LEVEL", "info"), "Log level (debug|info|warn|error)")
	fs.StringVar(&cfg.logFormat, "log-format", envString(lookup, "TXBRIDGE_LOG_FORMAT", "text"), "Log format (text|json)")
	if err := fs.Parse(args); err != nil {
		return bridgeConfig{}, err
	}
	if cfg.stdio && cfg.advertise != "" {
		return bridgeConfig{}, fmt.Errorf("-advertise needs TCP mode")
	}
	return cfg, nil
}

func main() {
	if err := run(os.Args[1:]); err != nil {
		fmt.Fprintf(os.Stderr, "txbridge: %v\n", err)
		os.Exit(1)
	}
}

func run(args []string) error {
	cfg, err := parseConfig(args, os.LookupEnv)
	if err != nil {
		return err
	}
	// Logs always go to stderr; stdout may be the frame stream.
	logger, err := logging.FromStrings(cfg.logLevel, cfg.logFormat)
	if err != nil {
		return err
	}
	logging.SetDefault(logger)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	var mock *link.MockDriver
	if cfg.mock {
		_, name := link.Split(cfg.device)
		mock = link.NewMockDriver(name)
	}
	router := link.NewRouter(link.Config{BaudRate: cfg.baudRate, Timeout: cfg.timeout}, mock, logger)
	dev, err := router.Open(ctx, cfg.device)
	if err != nil {
		return fmt.Errorf("open %s: %w", cfg.device, err)
	}
	defer dev.Close()
	logger.Info("device open", logging.Field{Key: "device", Value: cfg.device})

	srv := bridge.New(dev, logger)
	if cfg.stdio {
		return srv.ServeConn(ctx, bridge.Stdio{Reader: os.Stdin, Writer: os.Stdout})
	}

	ln, err := net.Listen("tcp", cfg.listen)
	if err != nil {
		return err
	}
	if cfg.advertise != "" {
		port := ln.Addr().(*net.TCPAddr).Port
		txt := []string{"device=" + cfg.device, "port=" + strconv.Itoa(port)}
		if err := bridge.Advertise(ctx, cfg.advertise, port, txt, logger); err != nil {
			logger.Warn("mdns advertise failed", logging.Err(err))
		}
	}
	return srv.Serve(ctx, ln)
}

func envString(lookup func(string) (string, bool), key, def string) string {
	if val, ok := lookup(key); ok {
		return val
	}
	return def
}

func envInt(lookup func(string) (string, bool), key string, def int) int {
	if val, ok := lookup(key); ok {
		if parsed, err := strconv.Atoi(val); err == nil {
			return parsed
		}
	}
	return def
}

func envBool(lookup func(string) (string, bool), key string, def bool) bool {
	if val, ok := lookup(key); ok {
		if parsed, err := strconv.ParseBool(val); err == nil {
			return parsed
		}
	}
	return def
}

func envDuration(lookup func(string) (string, bool), key string, def time.Duration) time.Duration {
	if val, ok := lookup(key); ok {
		if d, err := time.ParseDuration(val); err == nil {
			return d
		}
	}
	return def
}
