package main

import (
	"errors"
	"flag"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/kstaniek/go-sap-host/internal/profile"
)

type appConfig struct {
	backend          string
	serialDev        string
	baud             int
	serialReadTO     time.Duration
	logFormat        string
	logLevel         string
	metricsAddr      string
	logMetricsEvery  time.Duration
	ownershipTO      time.Duration
	nvmTO            time.Duration
	csaThrottle      time.Duration
	profilesFile     string
	deviceID         string
	sink             string
	mdnsEnable       bool
	mdnsName         string
	requestOwnership bool
}

func parseFlags() (*appConfig, bool) {
	cfg := &appConfig{}
	backend := flag.String("backend", "serial", "Firmware channel backend: serial|loopback")
	serialDev := flag.String("serial", "/dev/ttyMEI0", "Firmware channel character device")
	baud := flag.Int("baud", 115200, "Serial baud rate")
	serialReadTO := flag.Duration("serial-read-timeout", 50*time.Millisecond, "Serial read timeout")
	logFormat := flag.String("log-format", "text", "Log format: text|json")
	logLevel := flag.String("log-level", "info", "Log level: debug|info|warn|error")
	metricsAddr := flag.String("metrics-addr", "", "Metrics HTTP listen address (e.g., :9100); empty disables")
	logMetricsEvery := flag.Duration("log-metrics-interval", 0, "If >0, periodically log metrics counters (for non-Prometheus setups)")
	ownershipTO := flag.Duration("ownership-timeout", 500*time.Millisecond, "Radio ownership request timeout")
	nvmTO := flag.Duration("nvm-timeout", 2*time.Second, "NVM fetch timeout")
	csaThrottle := flag.Duration("csa-throttle", 100*time.Millisecond, "Minimum spacing between shared-area doorbells")
	profilesFile := flag.String("profiles", "", "TOML device profile file; empty disables overrides")
	deviceID := flag.String("device-id", "", "Device id for profile lookup (vendor/model)")
	sink := flag.String("sink", "log", "Inbound packet sink: log|discard")
	mdnsEnable := flag.Bool("mdns-enable", false, "Enable mDNS advertisement of the metrics endpoint")
	mdnsName := flag.String("mdns-name", "", "mDNS instance name (default sap-host-<hostname>)")
	requestOwnership := flag.Bool("request-ownership", false, "Request radio ownership right after connecting")
	showVersion := flag.Bool("version", false, "Print version and exit")
	flag.Parse()

	// Track which flags were explicitly set to give them precedence over env.
	setFlags := map[string]struct{}{}
	flag.Visit(func(f *flag.Flag) { setFlags[f.Name] = struct{}{} })
	cfg.backend = *backend
	cfg.serialDev = *serialDev
	cfg.baud = *baud
	cfg.serialReadTO = *serialReadTO
	cfg.logFormat = *logFormat
	cfg.logLevel = *logLevel
	cfg.metricsAddr = *metricsAddr
	cfg.logMetricsEvery = *logMetricsEvery
	cfg.ownershipTO = *ownershipTO
	cfg.nvmTO = *nvmTO
	cfg.csaThrottle = *csaThrottle
	cfg.profilesFile = *profilesFile
	cfg.deviceID = *deviceID
	cfg.sink = *sink
	cfg.mdnsEnable = *mdnsEnable
	cfg.mdnsName = *mdnsName
	cfg.requestOwnership = *requestOwnership

	if err := applyEnvOverrides(cfg, setFlags); err != nil {
		fmt.Printf("environment override error: %v\n", err)
		return nil, *showVersion
	}
	if err := cfg.validate(); err != nil {
		fmt.Printf("configuration error: %v\n", err)
		return nil, *showVersion
	}
	return cfg, *showVersion
}

// validate performs basic semantic validation of the parsed configuration.
// It does not attempt to open devices – only checks values/ranges.
func (c *appConfig) validate() error {
	if c == nil {
		return errors.New("nil config")
	}
	switch c.backend {
	case "serial", "loopback":
	default:
		return fmt.Errorf("invalid backend: %s", c.backend)
	}
	switch c.logFormat {
	case "text", "json":
	default:
		return fmt.Errorf("invalid log-format: %s", c.logFormat)
	}
	switch c.logLevel {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("invalid log-level: %s", c.logLevel)
	}
	switch c.sink {
	case "log", "discard":
	default:
		return fmt.Errorf("invalid sink: %s", c.sink)
	}
	if c.baud <= 0 {
		return fmt.Errorf("baud must be > 0 (got %d)", c.baud)
	}
	if c.serialReadTO <= 0 {
		return fmt.Errorf("serial-read-timeout must be > 0")
	}
	if c.ownershipTO <= 0 {
		return fmt.Errorf("ownership-timeout must be > 0")
	}
	if c.nvmTO <= 0 {
		return fmt.Errorf("nvm-timeout must be > 0")
	}
	if c.csaThrottle <= 0 {
		return fmt.Errorf("csa-throttle must be > 0")
	}
	if c.deviceID != "" && c.profilesFile == "" {
		return fmt.Errorf("device-id set but no profiles file given")
	}
	return nil
}

// applyEnvOverrides maps SAP_HOST_* environment variables to config fields
// unless a corresponding flag was explicitly set. Empty values are ignored.
// Durations accept Go time.ParseDuration format.
func applyEnvOverrides(c *appConfig, set map[string]struct{}) error {
	var firstErr error
	get := func(k string) (string, bool) { v, ok := os.LookupEnv(k); return strings.TrimSpace(v), ok }
	str := func(flagName, env string, dst *string) {
		if _, ok := set[flagName]; ok {
			return
		}
		if v, ok := get(env); ok && v != "" {
			*dst = v
		}
	}
	dur := func(flagName, env string, dst *time.Duration) {
		if _, ok := set[flagName]; ok {
			return
		}
		if v, ok := get(env); ok && v != "" {
			if d, err := time.ParseDuration(v); err == nil && d > 0 {
				*dst = d
			} else if err != nil && firstErr == nil {
				firstErr = fmt.Errorf("invalid %s: %w", env, err)
			}
		}
	}
	boolean := func(flagName, env string, dst *bool) {
		if _, ok := set[flagName]; ok {
			return
		}
		if v, ok := get(env); ok && v != "" {
			switch strings.ToLower(v) {
			case "1", "true", "yes", "on":
				*dst = true
			case "0", "false", "no", "off":
				*dst = false
			}
		}
	}

	str("backend", "SAP_HOST_BACKEND", &c.backend)
	str("serial", "SAP_HOST_SERIAL", &c.serialDev)
	if _, ok := set["baud"]; !ok {
		if v, ok := get("SAP_HOST_BAUD"); ok && v != "" {
			if n, err := strconv.Atoi(v); err == nil && n > 0 {
				c.baud = n
			} else if err != nil && firstErr == nil {
				firstErr = fmt.Errorf("invalid SAP_HOST_BAUD: %w", err)
			}
		}
	}
	dur("serial-read-timeout", "SAP_HOST_SERIAL_READ_TIMEOUT", &c.serialReadTO)
	str("log-format", "SAP_HOST_LOG_FORMAT", &c.logFormat)
	str("log-level", "SAP_HOST_LOG_LEVEL", &c.logLevel)
	if _, ok := set["metrics-addr"]; !ok {
		if v, ok := get("SAP_HOST_METRICS"); ok {
			c.metricsAddr = v
		}
	}
	dur("log-metrics-interval", "SAP_HOST_LOG_METRICS_INTERVAL", &c.logMetricsEvery)
	dur("ownership-timeout", "SAP_HOST_OWNERSHIP_TIMEOUT", &c.ownershipTO)
	dur("nvm-timeout", "SAP_HOST_NVM_TIMEOUT", &c.nvmTO)
	dur("csa-throttle", "SAP_HOST_CSA_THROTTLE", &c.csaThrottle)
	str("profiles", "SAP_HOST_PROFILES", &c.profilesFile)
	str("device-id", "SAP_HOST_DEVICE_ID", &c.deviceID)
	str("sink", "SAP_HOST_SINK", &c.sink)
	boolean("mdns-enable", "SAP_HOST_MDNS_ENABLE", &c.mdnsEnable)
	str("mdns-name", "SAP_HOST_MDNS_NAME", &c.mdnsName)
	boolean("request-ownership", "SAP_HOST_REQUEST_OWNERSHIP", &c.requestOwnership)
	return firstErr
}

// applyProfile folds device profile overrides into the configuration.
// Profiles carry device quirks (timing, serial parameters) that override the
// generic defaults; only keys present in the table are touched.
func (c *appConfig) applyProfile(ov profile.OverrideTable) error {
	var err error
	if c.baud, err = ov.Int("serial_baud", c.baud); err != nil {
		return err
	}
	if c.csaThrottle, err = ov.Duration("csa_throttle", c.csaThrottle); err != nil {
		return err
	}
	if c.serialReadTO, err = ov.Duration("serial_read_timeout", c.serialReadTO); err != nil {
		return err
	}
	if c.ownershipTO, err = ov.Duration("ownership_timeout", c.ownershipTO); err != nil {
		return err
	}
	return nil
}
