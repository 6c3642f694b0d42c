package main

import (
	"encoding/json"
	"flag"
	"os"
	"strconv"
	"time"
)

type cliConfig struct {
	address          string
	mock             bool
	baudRate         int
	timeout          time.Duration
	discoveryTimeout time.Duration
	sshUser          string
	sshPassword      string
	sshKeyPath       string
	sshCommand       string
	pitchMM          float64
	clockMHz         float64
	speedOfSound     float64
	diagClear        bool
	profileDir       string
	logLevel         string
	logFormat        string
	webAddr          string
	historyLimit     int
}

type persistentConfig struct {
	Address          string  `json:"address"`
	Mock             bool    `json:"mock"`
	BaudRate         int     `json:"baud_rate"`
	Timeout          string  `json:"timeout"`
	DiscoveryTimeout string  `json:"discovery_timeout"`
	SSHUser          string  `json:"ssh_user"`
	SSHKeyPath       string  `json:"ssh_key_path"`
	SSHCommand       string  `json:"ssh_command"`
	PitchMM          float64 `json:"pitch_mm"`
	ClockMHz         float64 `json:"clock_mhz"`
	SpeedOfSound     float64 `json:"speed_of_sound"`
	DiagClear        bool    `json:"diag_clear_errors"`
	ProfileDir       string  `json:"profile_dir"`
	LogLevel         string  `json:"log_level"`
	LogFormat        string  `json:"log_format"`
	WebAddr          string  `json:"web_addr"`
	HistoryLimit     int     `json:"history_limit"`
}

// parseConfig layers flags over TXCTL_* environment variables over the
// persisted defaults. It returns the positional arguments left over.
func parseConfig(args []string, lookup func(string) (string, bool), defaults persistentConfig) (cliConfig, []string, error) {
	cfg := cliConfig{}
	fs := flag.NewFlagSet("txctl", flag.ContinueOnError)
	fs.StringVar(&cfg.address, "address", envString(lookup, "TXCTL_ADDRESS", defaults.Address), "Device address: serial path, tcp://host:port, ssh://user@host, mock[:name]; empty probes")
	fs.BoolVar(&cfg.mock, "mock", envBool(lookup, "TXCTL_MOCK", defaults.Mock), "Register emulated devices (TX7332, TX7364, TX7516)")
	fs.IntVar(&cfg.baudRate, "baud", envInt(lookup, "TXCTL_BAUD", defaults.BaudRate), "Serial baud rate")
	fs.DurationVar(&cfg.timeout, "timeout", envDuration(lookup, "TXCTL_TIMEOUT", parseDuration(defaults.Timeout, 2*time.Second)), "Transport read/write timeout")
	fs.DurationVar(&cfg.discoveryTimeout, "discovery-timeout", envDuration(lookup, "TXCTL_DISCOVERY_TIMEOUT", parseDuration(defaults.DiscoveryTimeout, time.Second)), "mDNS browse time when probing; 0 disables")
	fs.StringVar(&cfg.sshUser, "ssh-user", envString(lookup, "TXCTL_SSH_USER", defaults.SSHUser), "SSH user for ssh:// addresses")
	fs.StringVar(&cfg.sshPassword, "ssh-password", envString(lookup, "TXCTL_SSH_PASSWORD", ""), "SSH password (never persisted)")
	fs.StringVar(&cfg.sshKeyPath, "ssh-key", envString(lookup, "TXCTL_SSH_KEY", defaults.SSHKeyPath), "SSH private key path")
	fs.StringVar(&cfg.sshCommand, "ssh-command", envString(lookup, "TXCTL_SSH_COMMAND", defaults.SSHCommand), "Bridge command run on the SSH host")
	fs.Float64Var(&cfg.pitchMM, "pitch-mm", envFloat(lookup, "TXCTL_PITCH_MM", defaults.PitchMM), "Element pitch in mm")
	fs.Float64Var(&cfg.clockMHz, "clock-mhz", envFloat(lookup, "TXCTL_CLOCK_MHZ", defaults.ClockMHz), "Delay clock in MHz")
	fs.Float64Var(&cfg.speedOfSound, "speed-of-sound", envFloat(lookup, "TXCTL_SPEED_OF_SOUND", defaults.SpeedOfSound), "Default speed of sound in m/s")
	fs.BoolVar(&cfg.diagClear, "diag-clear", envBool(lookup, "TXCTL_DIAG_CLEAR", defaults.DiagClear), "Pulse the error-reset latch when diagnostics fail")
	fs.StringVar(&cfg.profileDir, "profile-dir", envString(lookup, "TXCTL_PROFILE_DIR", defaults.ProfileDir), "Directory holding saved profiles")
	fs.StringVar(&cfg.logLevel, "log-level", envString(lookup, "TXCTL_LOG_LEVEL", defaults.LogLevel), "Log level (debug|info|warn|error)")
	fs.StringVar(&cfg.logFormat, "log-format", envString(lookup, "TXCTL_LOG_FORMAT", defaults.LogFormat), "Log format (text|json)")
	fs.StringVar(&cfg.webAddr, "web-addr", envString(lookup, "TXCTL_WEB_ADDR", defaults.WebAddr), "Optional status web server listen address (e.g. :8080)")
	fs.IntVar(&cfg.historyLimit, "history-limit", envInt(lookup, "TXCTL_HISTORY_LIMIT", defaults.HistoryLimit), "Session events kept for the web API")

	if err := fs.Parse(args); err != nil {
		return cliConfig{}, nil, err
	}
	return cfg, fs.Args(), nil
}

func persistentFromCLI(cfg cliConfig) persistentConfig {
	return persistentConfig{
		Address:          cfg.address,
		Mock:             cfg.mock,
		BaudRate:         cfg.baudRate,
		Timeout:          cfg.timeout.String(),
		DiscoveryTimeout: cfg.discoveryTimeout.String(),
		SSHUser:          cfg.sshUser,
		SSHKeyPath:       cfg.sshKeyPath,
		SSHCommand:       cfg.sshCommand,
		PitchMM:          cfg.pitchMM,
		ClockMHz:         cfg.clockMHz,
		SpeedOfSound:     cfg.speedOfSound,
		DiagClear:        cfg.diagClear,
		ProfileDir:       cfg.profileDir,
		LogLevel:         cfg.logLevel,
		LogFormat:        cfg.logFormat,
		WebAddr:          cfg.webAddr,
		HistoryLimit:     cfg.historyLimit,
	}
}

func loadOrCreateConfig(path string) (persistentConfig, error) {
	f, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			cfg := defaultPersistentConfig()
			if saveErr := saveConfig(path, cfg); saveErr != nil {
				return persistentConfig{}, saveErr
			}
			return cfg, nil
		}
		return persistentConfig{}, err
	}
	defer f.Close()

	cfg := defaultPersistentConfig()
	if err := json.NewDecoder(f).Decode(&cfg); err != nil {
		return persistentConfig{}, err
	}
	return cfg, nil
}

func saveConfig(path string, cfg persistentConfig) error {
	data, err := json.MarshalIndent(cfg, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(path, append(data, '\n'), 0o644)
}

func defaultPersistentConfig() persistentConfig {
	return persistentConfig{
		Address:          "",
		Mock:             false,
		BaudRate:         921600,
		Timeout:          "2s",
		DiscoveryTimeout: "1s",
		SSHUser:          "root",
		SSHCommand:       "txbridge --stdio",
		PitchMM:          0.11,
		ClockMHz:         250,
		SpeedOfSound:     1540,
		DiagClear:        false,
		ProfileDir:       "profiles",
		LogLevel:         "info",
		LogFormat:        "text",
		WebAddr:          "",
		HistoryLimit:     500,
	}
}

func parseDuration(s string, def time.Duration) time.Duration {
	if d, err := time.ParseDuration(s); err == nil {
		return d
	}
	return def
}

func envFloat(lookup func(string) (string, bool), key string, def float64) float64 {
	if val, ok := lookup(key); ok {
		if parsed, err := strconv.ParseFloat(val, 64); err == nil {
			return parsed
		}
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
		return parseDuration(val, def)
	}
	return def
}

func envString(lookup func(string) (string, bool), key, def string) string {
	if val, ok := lookup(key); ok {
		return val
	}
	return def
}
