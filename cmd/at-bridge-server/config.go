package main

import (
	"errors"
	"flag"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/emile-cronje/at-bridge/internal/atserial"
)

// appConfig mirrors cmd/at-bridge-client/config.go's shape, swapping the
// client's dial target for a listen port and adding the Files upload
// destination directory.
type appConfig struct {
	uartCandidates string
	uartReadTO     time.Duration

	ssid, pwd  string
	cwMode     int
	listenPort int
	multiLink  bool
	staticIP   string
	staticGW   string
	staticMask string

	bytesPerSec float64
	msgsPerSec  float64
	interCmdGap time.Duration

	maxInflightSends int
	windowSize       int
	msgAckTimeout    time.Duration
	maxRetries       int

	watchdogCheckMS    time.Duration
	watchdogIdleMS     time.Duration
	maxFailsBeforeHard int

	modemEnChip string
	modemEnLine int

	backupsDir string

	logFormat          string
	logLevel           string
	logFile            string
	metricsAddr        string
	metricsLogInterval time.Duration
	mdnsEnable         bool
	mdnsName           string

	showVersion bool
}

func parseFlags() (*appConfig, bool) {
	cfg := &appConfig{}
	uartCandidates := flag.String("uart-candidates", "/dev/ttyUSB0:115200", "Comma-separated port:baud candidates to autodetect")
	uartReadTO := flag.Duration("uart-read-timeout", 50*time.Millisecond, "UART read timeout")
	ssid := flag.String("ssid", "", "Wi-Fi SSID (AT+CWJAP)")
	pwd := flag.String("pwd", "", "Wi-Fi password (AT+CWJAP)")
	cwMode := flag.Int("cwmode", 1, "AT+CWMODE value (1=station, 3=station+AP)")
	listenPort := flag.Int("listen-port", 20000, "TCP port advertised via AT+CIPSERVER")
	multiLink := flag.Bool("multi-link", true, "Use CIPMUX=1 (multi-link, required by AT+CIPSERVER)")
	staticIP := flag.String("static-ip", "", "Static IP for AT+CIPSTA (optional, requires static-gw/static-mask)")
	staticGW := flag.String("static-gw", "", "Static gateway for AT+CIPSTA")
	staticMask := flag.String("static-mask", "", "Static netmask for AT+CIPSTA")
	bytesPerSec := flag.Float64("bytes-per-sec", 4096, "Byte-rate limiter (0 = unlimited)")
	msgsPerSec := flag.Float64("msgs-per-sec", 10, "AT command/message rate limiter (0 = unlimited)")
	interCmdGap := flag.Duration("inter-cmd-gap", 20*time.Millisecond, "Minimum gap between consecutive AT writes")
	maxInflightSends := flag.Int("max-inflight-sends", 1, "AT+CIPSEND transactions allowed in flight at once")
	windowSize := flag.Int("window-size", 8, "Maximum unacknowledged messages in flight")
	msgAckTimeout := flag.Duration("msg-ack-timeout", 5*time.Second, "Time to wait for a reply before retrying")
	maxRetries := flag.Int("max-retries", 3, "Maximum re-sends per message before abandoning it")
	watchdogCheckMS := flag.Duration("watchdog-check-interval", 2*time.Second, "Watchdog tick interval")
	watchdogIdleMS := flag.Duration("watchdog-idle-timeout", 15*time.Second, "RX-idle-while-TX threshold before escalation")
	maxFailsBeforeHard := flag.Int("watchdog-max-fails", 3, "Consecutive soft-recovery failures before a hard reset")
	modemEnChip := flag.String("modem-en-gpio-chip", "", "gpiochip device for the modem enable pin (empty disables hard reset)")
	modemEnLine := flag.Int("modem-en-gpio-line", 0, "gpiochip line offset for the modem enable pin")
	backupsDir := flag.String("backups-dir", "backups", "Directory Files uploads are written to (copy-<filename>)")
	logFormat := flag.String("log-format", "text", "Log format: text|json")
	logLevel := flag.String("log-level", "info", "Log level: debug|info|warn|error")
	logFile := flag.String("log-file", "", "Optional rotating log file path (empty logs to stderr)")
	metricsAddr := flag.String("metrics-addr", "", "Metrics HTTP listen address (e.g. :9100); empty disables")
	metricsLogInterval := flag.Duration("metrics-log-interval", 30*time.Second, "Interval for text metrics summaries in the log (0 disables)")
	mdnsEnable := flag.Bool("mdns-enable", false, "Enable mDNS advertisement of this server")
	mdnsName := flag.String("mdns-name", "", "mDNS instance name (default at-bridge-server-<hostname>)")
	showVersion := flag.Bool("version", false, "Print version and exit")
	flag.Parse()

	setFlags := map[string]struct{}{}
	flag.Visit(func(f *flag.Flag) { setFlags[f.Name] = struct{}{} })

	cfg.uartCandidates = *uartCandidates
	cfg.uartReadTO = *uartReadTO
	cfg.ssid = *ssid
	cfg.pwd = *pwd
	cfg.cwMode = *cwMode
	cfg.listenPort = *listenPort
	cfg.multiLink = *multiLink
	cfg.staticIP = *staticIP
	cfg.staticGW = *staticGW
	cfg.staticMask = *staticMask
	cfg.bytesPerSec = *bytesPerSec
	cfg.msgsPerSec = *msgsPerSec
	cfg.interCmdGap = *interCmdGap
	cfg.maxInflightSends = *maxInflightSends
	cfg.windowSize = *windowSize
	cfg.msgAckTimeout = *msgAckTimeout
	cfg.maxRetries = *maxRetries
	cfg.watchdogCheckMS = *watchdogCheckMS
	cfg.watchdogIdleMS = *watchdogIdleMS
	cfg.maxFailsBeforeHard = *maxFailsBeforeHard
	cfg.modemEnChip = *modemEnChip
	cfg.modemEnLine = *modemEnLine
	cfg.backupsDir = *backupsDir
	cfg.logFormat = *logFormat
	cfg.logLevel = *logLevel
	cfg.logFile = *logFile
	cfg.metricsAddr = *metricsAddr
	cfg.metricsLogInterval = *metricsLogInterval
	cfg.mdnsEnable = *mdnsEnable
	cfg.mdnsName = *mdnsName
	cfg.showVersion = *showVersion

	if err := applyEnvOverrides(cfg, setFlags); err != nil {
		fmt.Printf("environment override error: %v\n", err)
		return nil, cfg.showVersion
	}
	if err := cfg.validate(); err != nil {
		fmt.Printf("configuration error: %v\n", err)
		return nil, cfg.showVersion
	}
	return cfg, cfg.showVersion
}

func (c *appConfig) validate() error {
	if c == nil {
		return errors.New("nil config")
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
	if c.listenPort <= 0 {
		return fmt.Errorf("listen-port must be > 0 (got %d)", c.listenPort)
	}
	if c.windowSize <= 0 {
		return fmt.Errorf("window-size must be > 0 (got %d)", c.windowSize)
	}
	if c.maxInflightSends <= 0 {
		return fmt.Errorf("max-inflight-sends must be > 0 (got %d)", c.maxInflightSends)
	}
	if c.maxRetries < 0 {
		return fmt.Errorf("max-retries must be >= 0")
	}
	if c.backupsDir == "" {
		return errors.New("backups-dir must not be empty")
	}
	if (c.staticIP != "") != (c.staticGW != "") || (c.staticIP != "") != (c.staticMask != "") {
		return errors.New("static-ip, static-gw, static-mask must all be set together or not at all")
	}
	if _, err := c.candidates(); err != nil {
		return err
	}
	return nil
}

func (c *appConfig) candidates() ([]atserial.Candidate, error) {
	var out []atserial.Candidate
	for _, tok := range strings.Split(c.uartCandidates, ",") {
		tok = strings.TrimSpace(tok)
		if tok == "" {
			continue
		}
		parts := strings.SplitN(tok, ":", 2)
		if len(parts) != 2 {
			return nil, fmt.Errorf("invalid uart candidate %q (want port:baud)", tok)
		}
		baud, err := strconv.Atoi(parts[1])
		if err != nil || baud <= 0 {
			return nil, fmt.Errorf("invalid baud in uart candidate %q", tok)
		}
		out = append(out, atserial.Candidate{Port: parts[0], Baud: baud})
	}
	if len(out) == 0 {
		return nil, errors.New("uart-candidates must name at least one port:baud pair")
	}
	return out, nil
}

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
			if d, err := time.ParseDuration(v); err == nil && d >= 0 {
				*dst = d
			} else if err != nil && firstErr == nil {
				firstErr = fmt.Errorf("invalid %s: %w", env, err)
			}
		}
	}
	intv := func(flagName, env string, dst *int) {
		if _, ok := set[flagName]; ok {
			return
		}
		if v, ok := get(env); ok && v != "" {
			if n, err := strconv.Atoi(v); err == nil {
				*dst = n
			} else if firstErr == nil {
				firstErr = fmt.Errorf("invalid %s: %w", env, err)
			}
		}
	}
	floatv := func(flagName, env string, dst *float64) {
		if _, ok := set[flagName]; ok {
			return
		}
		if v, ok := get(env); ok && v != "" {
			if f, err := strconv.ParseFloat(v, 64); err == nil {
				*dst = f
			} else if firstErr == nil {
				firstErr = fmt.Errorf("invalid %s: %w", env, err)
			}
		}
	}
	boolv := func(flagName, env string, dst *bool) {
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

	str("uart-candidates", "AT_BRIDGE_SERVER_UART_CANDIDATES", &c.uartCandidates)
	str("ssid", "AT_BRIDGE_SERVER_SSID", &c.ssid)
	str("pwd", "AT_BRIDGE_SERVER_PWD", &c.pwd)
	str("backups-dir", "AT_BRIDGE_SERVER_BACKUPS_DIR", &c.backupsDir)
	str("log-format", "AT_BRIDGE_SERVER_LOG_FORMAT", &c.logFormat)
	str("log-level", "AT_BRIDGE_SERVER_LOG_LEVEL", &c.logLevel)
	str("log-file", "AT_BRIDGE_SERVER_LOG_FILE", &c.logFile)
	str("metrics-addr", "AT_BRIDGE_SERVER_METRICS", &c.metricsAddr)
	dur("metrics-log-interval", "AT_BRIDGE_SERVER_METRICS_LOG_INTERVAL", &c.metricsLogInterval)
	str("mdns-name", "AT_BRIDGE_SERVER_MDNS_NAME", &c.mdnsName)
	str("modem-en-gpio-chip", "AT_BRIDGE_SERVER_MODEM_EN_GPIO_CHIP", &c.modemEnChip)
	intv("listen-port", "AT_BRIDGE_SERVER_LISTEN_PORT", &c.listenPort)
	intv("cwmode", "AT_BRIDGE_SERVER_CWMODE", &c.cwMode)
	intv("window-size", "AT_BRIDGE_SERVER_WINDOW_SIZE", &c.windowSize)
	intv("max-inflight-sends", "AT_BRIDGE_SERVER_MAX_INFLIGHT_SENDS", &c.maxInflightSends)
	intv("max-retries", "AT_BRIDGE_SERVER_MAX_RETRIES", &c.maxRetries)
	intv("watchdog-max-fails", "AT_BRIDGE_SERVER_WATCHDOG_MAX_FAILS", &c.maxFailsBeforeHard)
	intv("modem-en-gpio-line", "AT_BRIDGE_SERVER_MODEM_EN_GPIO_LINE", &c.modemEnLine)
	floatv("bytes-per-sec", "AT_BRIDGE_SERVER_BYTES_PER_SEC", &c.bytesPerSec)
	floatv("msgs-per-sec", "AT_BRIDGE_SERVER_MSGS_PER_SEC", &c.msgsPerSec)
	dur("inter-cmd-gap", "AT_BRIDGE_SERVER_INTER_CMD_GAP", &c.interCmdGap)
	dur("msg-ack-timeout", "AT_BRIDGE_SERVER_MSG_ACK_TIMEOUT", &c.msgAckTimeout)
	dur("watchdog-check-interval", "AT_BRIDGE_SERVER_WATCHDOG_CHECK_INTERVAL", &c.watchdogCheckMS)
	dur("watchdog-idle-timeout", "AT_BRIDGE_SERVER_WATCHDOG_IDLE_TIMEOUT", &c.watchdogIdleMS)
	boolv("multi-link", "AT_BRIDGE_SERVER_MULTI_LINK", &c.multiLink)
	boolv("mdns-enable", "AT_BRIDGE_SERVER_MDNS_ENABLE", &c.mdnsEnable)
	return firstErr
}
