// Copyright © 2025 Prabhjot Singh Sethi, All Rights reserved
// Author: Prabhjot Singh Sethi <prabhjot.sethi@gmail.com>

// Package config resolves the proxy configuration. It is the only place that
// reads the process environment; everything downstream receives the
// resolved, immutable Config.
package config

import (
	"errors"
	"fmt"
	"net"
	"net/url"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Upstream table keys.
const (
	UpstreamOpenAI           = "openai"
	UpstreamAnthropic        = "anthropic"
	UpstreamChatGPT          = "chatgpt"
	UpstreamGemini           = "gemini"
	UpstreamGeminiCodeAssist = "geminiCodeAssist"
)

// Scan modes of the output scanner plugin.
const (
	ScanModeOff    = "off"
	ScanModeWarn   = "warn"
	ScanModeRedact = "redact"
	ScanModeBlock  = "block"
)

const (
	envBindHost            = "CONTEXT_PROXY_BIND_HOST"
	envPort                = "CONTEXT_PROXY_PORT"
	envAllowTargetOverride = "CONTEXT_PROXY_ALLOW_TARGET_OVERRIDE"
	envLogLevel            = "CONTEXT_PROXY_LOG_LEVEL"
	envLogFile             = "CONTEXT_PROXY_LOG_FILE"
	envUpstreamTimeout     = "CONTEXT_PROXY_UPSTREAM_TIMEOUT"
	envShutdownGrace       = "CONTEXT_PROXY_SHUTDOWN_GRACE"
	envStreamIdleTimeout   = "CONTEXT_PROXY_STREAM_IDLE_TIMEOUT"
	envUpstreamProxy       = "CONTEXT_PROXY_UPSTREAM_PROXY"
	envMaxInspectBytes     = "CONTEXT_PROXY_MAX_INSPECT_BYTES"
	envScanMode            = "CONTEXT_PROXY_SCAN_MODE"
	envBlockedDomains      = "CONTEXT_PROXY_BLOCKED_DOMAINS"
	envAuditDB             = "CONTEXT_PROXY_AUDIT_DB"

	defaultBindHost        = "127.0.0.1"
	defaultPort            = 4040
	defaultLogLevel        = "info"
	defaultUpstreamTimeout = 2 * time.Minute
	defaultShutdownGrace   = 5 * time.Second
	defaultStreamIdle      = 5 * time.Minute
	defaultMaxInspectBytes = 32 << 20
	defaultScanMode        = ScanModeWarn
)

// upstreamEnv maps every upstream key to its environment variable.
var upstreamEnv = map[string]string{
	UpstreamOpenAI:           "UPSTREAM_OPENAI_URL",
	UpstreamAnthropic:        "UPSTREAM_ANTHROPIC_URL",
	UpstreamChatGPT:          "UPSTREAM_CHATGPT_URL",
	UpstreamGemini:           "UPSTREAM_GEMINI_URL",
	UpstreamGeminiCodeAssist: "UPSTREAM_GEMINI_CODE_ASSIST_URL",
}

// DefaultUpstreams holds the built-in provider base URLs.
var DefaultUpstreams = map[string]string{
	UpstreamOpenAI:           "https://api.openai.com/v1",
	UpstreamAnthropic:        "https://api.anthropic.com",
	UpstreamChatGPT:          "https://chatgpt.com",
	UpstreamGemini:           "https://generativelanguage.googleapis.com",
	UpstreamGeminiCodeAssist: "https://cloudcode-pa.googleapis.com",
}

// Upstreams maps an upstream key to its base URL.
type Upstreams map[string]string

// Keys returns the upstream keys in a stable order.
func (u Upstreams) Keys() []string {
	keys := make([]string, 0, len(u))
	for k := range u {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// Config captures runtime settings for the proxy.
type Config struct {
	Upstreams           Upstreams
	BindHost            string
	Port                int
	AllowTargetOverride bool

	LogLevel          string
	LogFile           string
	UpstreamTimeout   time.Duration
	// StreamIdleTimeout bounds the gap between two reads of an upstream
	// body. Zero disables it.
	StreamIdleTimeout time.Duration
	ShutdownGrace     time.Duration
	UpstreamProxy     string
	MaxInspectBytes   int64
	ScanMode          string
	BlockedDomains    []string
	AuditDB           string
}

// Addr returns the listen address.
func (c Config) Addr() string {
	return net.JoinHostPort(c.BindHost, strconv.Itoa(c.Port))
}

// BaseURL returns the URL tools use to reach the proxy.
func (c Config) BaseURL() string {
	return "http://" + c.Addr()
}

// Overrides carries caller supplied values that win over the environment.
// Zero values (nil pointers, empty strings and maps) mean "not overridden".
type Overrides struct {
	Upstreams           map[string]string
	BindHost            string
	Port                *int
	AllowTargetOverride *bool

	LogLevel          string
	LogFile           string
	UpstreamTimeout   *time.Duration
	StreamIdleTimeout *time.Duration
	ShutdownGrace     *time.Duration
	UpstreamProxy     string
	ScanMode          string
	AuditDB           string
}

// Load resolves the configuration from the environment alone.
func Load() (Config, error) {
	return Resolve(Overrides{})
}

// Resolve merges built-in defaults, environment variables and overrides, in
// increasing order of precedence, and validates the result.
func Resolve(o Overrides) (Config, error) {
	v := viper.New()

	for key, def := range DefaultUpstreams {
		name := "upstream." + key
		v.SetDefault(name, def)
		_ = v.BindEnv(name, upstreamEnv[key])
		if val := strings.TrimSpace(o.Upstreams[key]); val != "" {
			v.Set(name, val)
		}
	}
	for key := range o.Upstreams {
		if _, ok := upstreamEnv[key]; !ok {
			return Config{}, fmt.Errorf("unknown upstream %q", key)
		}
	}

	bind(v, "bind_host", envBindHost, defaultBindHost, o.BindHost)
	bind(v, "port", envPort, strconv.Itoa(defaultPort), "")
	if o.Port != nil {
		v.Set("port", strconv.Itoa(*o.Port))
	}
	bind(v, "allow_target_override", envAllowTargetOverride, "", "")
	if o.AllowTargetOverride != nil {
		v.Set("allow_target_override", strconv.FormatBool(*o.AllowTargetOverride))
	}
	bind(v, "log_level", envLogLevel, defaultLogLevel, o.LogLevel)
	bind(v, "log_file", envLogFile, "", o.LogFile)
	bind(v, "upstream_timeout", envUpstreamTimeout, defaultUpstreamTimeout.String(), durationOverride(o.UpstreamTimeout))
	bind(v, "stream_idle_timeout", envStreamIdleTimeout, defaultStreamIdle.String(), durationOverride(o.StreamIdleTimeout))
	bind(v, "shutdown_grace", envShutdownGrace, defaultShutdownGrace.String(), durationOverride(o.ShutdownGrace))
	bind(v, "upstream_proxy", envUpstreamProxy, "", o.UpstreamProxy)
	bind(v, "max_inspect_bytes", envMaxInspectBytes, strconv.Itoa(defaultMaxInspectBytes), "")
	bind(v, "scan_mode", envScanMode, defaultScanMode, o.ScanMode)
	bind(v, "blocked_domains", envBlockedDomains, "", "")
	bind(v, "audit_db", envAuditDB, "", o.AuditDB)

	cfg := Config{
		Upstreams:           make(Upstreams, len(DefaultUpstreams)),
		BindHost:            strings.TrimSpace(v.GetString("bind_host")),
		AllowTargetOverride: truthy(v.GetString("allow_target_override")),
		LogLevel:            strings.ToLower(strings.TrimSpace(v.GetString("log_level"))),
		LogFile:             strings.TrimSpace(v.GetString("log_file")),
		UpstreamProxy:       strings.TrimSpace(v.GetString("upstream_proxy")),
		ScanMode:            strings.ToLower(strings.TrimSpace(v.GetString("scan_mode"))),
		BlockedDomains:      splitList(v.GetString("blocked_domains")),
		AuditDB:             strings.TrimSpace(v.GetString("audit_db")),
	}

	for key := range DefaultUpstreams {
		raw := strings.TrimSpace(v.GetString("upstream." + key))
		if err := validateUpstream(raw); err != nil {
			return Config{}, fmt.Errorf("invalid upstream %s (%s): %w", key, upstreamEnv[key], err)
		}
		cfg.Upstreams[key] = strings.TrimRight(raw, "/")
	}

	if cfg.BindHost == "" {
		return Config{}, errors.New("bind host must not be empty")
	}

	port, err := strconv.Atoi(strings.TrimSpace(v.GetString("port")))
	if err != nil {
		return Config{}, fmt.Errorf("invalid %s: %w", envPort, err)
	}
	if port < 0 || port > 65535 {
		return Config{}, fmt.Errorf("invalid %s: %d out of range", envPort, port)
	}
	cfg.Port = port

	if cfg.UpstreamTimeout, err = parseDuration(v, "upstream_timeout", envUpstreamTimeout); err != nil {
		return Config{}, err
	}
	if cfg.StreamIdleTimeout, err = parseDuration(v, "stream_idle_timeout", envStreamIdleTimeout); err != nil {
		return Config{}, err
	}
	if cfg.ShutdownGrace, err = parseDuration(v, "shutdown_grace", envShutdownGrace); err != nil {
		return Config{}, err
	}

	maxInspect, err := strconv.ParseInt(strings.TrimSpace(v.GetString("max_inspect_bytes")), 10, 64)
	if err != nil || maxInspect <= 0 {
		return Config{}, fmt.Errorf("invalid %s: must be a positive integer", envMaxInspectBytes)
	}
	cfg.MaxInspectBytes = maxInspect

	switch cfg.ScanMode {
	case ScanModeOff, ScanModeWarn, ScanModeRedact, ScanModeBlock:
	default:
		return Config{}, fmt.Errorf("invalid %s: %q", envScanMode, cfg.ScanMode)
	}

	switch cfg.LogLevel {
	case "trace", "debug", "info", "warn", "error", "fatal", "panic", "disabled":
	default:
		return Config{}, fmt.Errorf("invalid %s: %q", envLogLevel, cfg.LogLevel)
	}

	if cfg.UpstreamProxy != "" {
		if err := validateProxyURL(cfg.UpstreamProxy); err != nil {
			return Config{}, fmt.Errorf("invalid %s: %w", envUpstreamProxy, err)
		}
	}

	return cfg, nil
}

// bind registers a key with its default and environment variable, and pins
// it to override when one is given.
func bind(v *viper.Viper, key, env, def, override string) {
	v.SetDefault(key, def)
	_ = v.BindEnv(key, env)
	if override = strings.TrimSpace(override); override != "" {
		v.Set(key, override)
	}
}

// durationOverride renders an explicit override; zero is a valid value.
func durationOverride(d *time.Duration) string {
	if d == nil {
		return ""
	}
	return d.String()
}

func parseDuration(v *viper.Viper, key, env string) (time.Duration, error) {
	raw := strings.TrimSpace(v.GetString(key))
	d, err := time.ParseDuration(raw)
	if err != nil {
		return 0, fmt.Errorf("invalid %s: %w", env, err)
	}
	if d < 0 {
		return 0, fmt.Errorf("invalid %s: negative duration", env)
	}
	return d, nil
}

func truthy(val string) bool {
	switch strings.ToLower(strings.TrimSpace(val)) {
	case "1", "true", "yes":
		return true
	default:
		return false
	}
}

func splitList(raw string) []string {
	var out []string
	for _, part := range strings.Split(raw, ",") {
		if part = strings.ToLower(strings.TrimSpace(part)); part != "" {
			out = append(out, part)
		}
	}
	return out
}

func validateUpstream(raw string) error {
	if raw == "" {
		return errors.New("empty URL")
	}
	u, err := url.Parse(raw)
	if err != nil {
		return err
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return fmt.Errorf("scheme must be http or https, got %q", u.Scheme)
	}
	if u.Host == "" {
		return errors.New("URL must be absolute (scheme://host)")
	}
	return nil
}

func validateProxyURL(raw string) error {
	u, err := url.Parse(raw)
	if err != nil {
		return err
	}
	switch u.Scheme {
	case "http", "https", "socks5", "socks5h":
	default:
		return fmt.Errorf("unsupported scheme %q", u.Scheme)
	}
	if u.Host == "" {
		return errors.New("proxy URL must include a host")
	}
	return nil
}
