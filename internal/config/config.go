// Package config handles command-line parsing targets, TOML configuration
// loading and validation.
package config

import (
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"os"
	"strings"

	"github.com/alecthomas/kong"
	units "github.com/docker/go-units"
	toml "github.com/pelletier/go-toml/v2"
)

// configSearchPaths lists paths checked in order when no explicit config is given.
var configSearchPaths = []string{
	"/etc/url-relay/config.toml",
	"configs/config.toml",
}

// CLI holds command-line arguments parsed by Kong.
type CLI struct {
	Config   string           `kong:"short='c',help='Path to TOML config file.',env='CONFIG_PATH'"`
	LogLevel string           `kong:"help='Log level: debug|info|warn|error (overrides config).',env='LOG_LEVEL'"`
	Version  kong.VersionFlag `kong:"help='Print version and exit.'"`

	Relay RelayCmd `kong:"cmd,default='withargs',help='Relay a download into a multipart upload (default command).'"`
	Serve ServeCmd `kong:"cmd,help='Run the relay HTTP API.'"`
}

// RelayCmd holds the arguments of the relay command. The positional order is
// DOWNLOAD_URL UPLOAD_URL [FIELD_NAME] [REQUEST_METHOD] [FILE_NAME].
type RelayCmd struct {
	DownloadURL string `kong:"arg,optional,name='download-url',help='URL to download from.'"`
	UploadURL   string `kong:"arg,optional,name='upload-url',help='URL to upload to.'"`
	FieldName   string `kong:"arg,optional,name='field-name',help='Form field name of the file part (default \"file\").'"`
	Method      string `kong:"arg,optional,name='request-method',help='post or put (default post).'"`
	FileName    string `kong:"arg,optional,name='file-name',help='File name of the file part (default: from the download URL).'"`

	Headers         []string          `kong:"name='header',short='H',help='Extra upload header \"Name: value\" (repeatable).'"`
	DownloadHeaders []string          `kong:"name='download-header',help='Extra download header \"Name: value\" (repeatable).'"`
	Fields          map[string]string `kong:"name='field',short='F',help='Extra form field name=value (repeatable).'"`
	ContentType     string            `kong:"name='content-type',help='Content-Type of the file part (default: from the download).'"`
	Progress        bool              `kong:"name='progress',help='Show a progress bar on stderr.'"`
}

// ServeCmd holds the arguments of the serve command.
type ServeCmd struct {
	Host string `kong:"help='Listen host (overrides config).',env='HOST'"`
	Port int    `kong:"short='p',help='Listen port (overrides config).',env='PORT'"`
}

// Config is the top-level application configuration.
type Config struct {
	Server   ServerConfig   `toml:"server"`
	Download DownloadConfig `toml:"download"`
	Upload   UploadConfig   `toml:"upload"`
	Transfer TransferConfig `toml:"transfer"`
	Log      LogConfig      `toml:"log"`
	Metrics  MetricsConfig  `toml:"metrics"`

	filePath string // resolved config file path (unexported)
}

// ServerConfig holds HTTP server settings for the serve command.
type ServerConfig struct {
	Host         string          `toml:"host"`
	Port         int             `toml:"port"` // 0 means "use default" (8080); TOML cannot distinguish 0 from unset
	BodyMaxBytes int64           `toml:"body_max_bytes"`
	RateLimit    RateLimitConfig `toml:"rate_limit"`
	// AllowedDownloadHosts restricts relay sources; empty allows any host.
	AllowedDownloadHosts []string `toml:"allowed_download_hosts"`
	// AllowedUploadHosts restricts relay targets; empty allows any host.
	AllowedUploadHosts []string `toml:"allowed_upload_hosts"`
}

// RateLimitConfig controls per-IP request rate limiting.
type RateLimitConfig struct {
	Enabled           bool    `toml:"enabled"`
	RequestsPerSecond float64 `toml:"requests_per_second"`
}

// DownloadConfig holds defaults for the download side.
type DownloadConfig struct {
	Headers []string `toml:"headers"`
}

// UploadConfig holds defaults for the upload side.
type UploadConfig struct {
	Headers           []string          `toml:"headers"`
	FieldName         string            `toml:"field_name"`
	FileName          string            `toml:"file_name"`
	Method            string            `toml:"method"`
	ContentType       string            `toml:"content_type"`
	DetectContentType bool              `toml:"detect_content_type"`
	FormFields        map[string]string `toml:"form_fields"`
}

// TransferConfig holds relay pipeline and connection settings.
type TransferConfig struct {
	Boundary string `toml:"boundary"`
	// ChunkSize and RateLimit are human sizes such as "32KiB" or "10MB".
	ChunkSize            string `toml:"chunk_size"`
	RateLimit            string `toml:"rate_limit"`
	TimeoutSeconds       int    `toml:"timeout_seconds"` // whole exchange; 0 disables
	HeaderTimeoutSeconds int    `toml:"header_timeout_seconds"`
	IdleConnections      int    `toml:"idle_connections"`

	chunkSizeBytes int64
	rateLimitBytes int64
}

// LogConfig holds logging settings.
type LogConfig struct {
	Level  string `toml:"level"`
	Format string `toml:"format"`
}

// MetricsConfig holds Prometheus metrics settings.
type MetricsConfig struct {
	Enabled bool   `toml:"enabled"`
	Path    string `toml:"path"`
}

// Load reads the TOML config file, if any, and applies CLI overrides.
// When no explicit path is given (via --config or CONFIG_PATH), it searches
// /etc/url-relay/config.toml then configs/config.toml; finding none is not an
// error and the defaults apply.
func Load(cli *CLI) (*Config, error) {
	path := cli.Config
	if path == "" {
		path = findConfig()
	}

	var cfg Config
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("config: read %s: %w", path, err)
		}
		if err := toml.Unmarshal(data, &cfg); err != nil {
			return nil, fmt.Errorf("config: parse %s: %w", path, err)
		}
		cfg.filePath = path
	}

	cfg.applyCLI(cli)

	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("config: validate: %w", err)
	}

	cfg.setDefaults()
	return &cfg, nil
}

// applyCLI overrides config values with non-zero CLI flags.
func (c *Config) applyCLI(cli *CLI) {
	if cli.LogLevel != "" {
		c.Log.Level = cli.LogLevel
	}
	if cli.Serve.Host != "" {
		c.Server.Host = cli.Serve.Host
	}
	if cli.Serve.Port != 0 {
		c.Server.Port = cli.Serve.Port
	}
	if cli.Relay.ContentType != "" {
		c.Upload.ContentType = cli.Relay.ContentType
	}
}

func (c *Config) validate() error {
	if c.Server.Port < 0 || c.Server.Port > 65535 {
		return fmt.Errorf("server.port must be 0–65535; got %d", c.Server.Port)
	}
	if c.Server.BodyMaxBytes < 0 {
		return fmt.Errorf("server.body_max_bytes must be non-negative; got %d", c.Server.BodyMaxBytes)
	}
	if c.Server.RateLimit.Enabled && c.Server.RateLimit.RequestsPerSecond <= 0 {
		return fmt.Errorf("server.rate_limit.requests_per_second must be > 0 when rate limiting is enabled; got %v", c.Server.RateLimit.RequestsPerSecond)
	}

	for _, h := range c.Download.Headers {
		if !strings.Contains(h, ":") {
			return fmt.Errorf("download.headers: %q is not \"Name: value\"", h)
		}
	}
	for _, h := range c.Upload.Headers {
		if !strings.Contains(h, ":") {
			return fmt.Errorf("upload.headers: %q is not \"Name: value\"", h)
		}
	}
	switch strings.ToLower(strings.TrimSpace(c.Upload.Method)) {
	case "", "post", "put":
		// valid
	default:
		return fmt.Errorf("upload.method must be one of: post, put; got %q", c.Upload.Method)
	}
	if strings.ContainsAny(c.Upload.ContentType, "\r\n") {
		return fmt.Errorf("upload.content_type must not contain line breaks")
	}

	if c.Transfer.ChunkSize != "" {
		n, err := units.RAMInBytes(c.Transfer.ChunkSize)
		if err != nil {
			return fmt.Errorf("transfer.chunk_size: %w", err)
		}
		if n <= 0 || n > 16<<20 {
			return fmt.Errorf("transfer.chunk_size must be between 1B and 16MiB; got %q", c.Transfer.ChunkSize)
		}
		c.Transfer.chunkSizeBytes = n
	}
	if c.Transfer.RateLimit != "" {
		n, err := units.RAMInBytes(c.Transfer.RateLimit)
		if err != nil {
			return fmt.Errorf("transfer.rate_limit: %w", err)
		}
		if n < 0 {
			return fmt.Errorf("transfer.rate_limit must be non-negative; got %q", c.Transfer.RateLimit)
		}
		c.Transfer.rateLimitBytes = n
	}
	if b := c.Transfer.Boundary; b != "" {
		if len(b) > 70 || strings.ContainsAny(b, "\r\n\" ") {
			return fmt.Errorf("transfer.boundary must be at most 70 characters without quotes, spaces or line breaks; got %q", b)
		}
	}
	if c.Transfer.TimeoutSeconds < 0 {
		return fmt.Errorf("transfer.timeout_seconds must be non-negative; got %d", c.Transfer.TimeoutSeconds)
	}
	if c.Transfer.HeaderTimeoutSeconds < 0 {
		return fmt.Errorf("transfer.header_timeout_seconds must be non-negative; got %d", c.Transfer.HeaderTimeoutSeconds)
	}
	if c.Transfer.IdleConnections < 0 {
		return fmt.Errorf("transfer.idle_connections must be non-negative; got %d", c.Transfer.IdleConnections)
	}

	// Log fields.
	level := strings.ToLower(c.Log.Level)
	switch level {
	case "debug", "info", "warn", "error", "":
		// valid
	default:
		return fmt.Errorf("log.level must be one of: debug, info, warn, error; got %q", c.Log.Level)
	}
	format := strings.ToLower(c.Log.Format)
	switch format {
	case "json", "text", "":
		// valid
	default:
		return fmt.Errorf("log.format must be one of: json, text; got %q", c.Log.Format)
	}

	// Metrics path validation (only when metrics are enabled).
	if c.Metrics.Enabled && c.Metrics.Path != "" {
		p := c.Metrics.Path
		if p[0] != '/' {
			return fmt.Errorf("metrics.path must start with '/'; got %q", p)
		}
		for _, reserved := range []string{"/relay", "/healthz"} {
			if p == reserved || strings.HasPrefix(p, reserved+"/") {
				return fmt.Errorf("metrics.path %q conflicts with reserved route %q", p, reserved)
			}
		}
	}

	return nil
}

// setDefaults fills zero-valued fields with sensible defaults.
// For integer fields (Port, BodyMaxBytes, etc.), zero means "unset" because TOML
// cannot distinguish between an explicit 0 and an omitted key.
func (c *Config) setDefaults() {
	if c.Server.Host == "" {
		c.Server.Host = "0.0.0.0"
	}
	if c.Server.Port == 0 {
		c.Server.Port = 8080
	}
	if c.Server.BodyMaxBytes == 0 {
		c.Server.BodyMaxBytes = 64 * 1024 // relay requests are small JSON documents
	}
	if c.Transfer.chunkSizeBytes == 0 {
		c.Transfer.chunkSizeBytes = 32 * 1024
	}
	if c.Transfer.HeaderTimeoutSeconds == 0 {
		c.Transfer.HeaderTimeoutSeconds = 60
	}
	if c.Transfer.IdleConnections == 0 {
		c.Transfer.IdleConnections = 16
	}
	if c.Log.Level == "" {
		c.Log.Level = "info"
	}
	if c.Log.Format == "" {
		c.Log.Format = "text"
	}
	if c.Metrics.Path == "" {
		c.Metrics.Path = "/metrics"
	}
}

// ChunkSizeBytes returns the parsed transfer.chunk_size.
func (t *TransferConfig) ChunkSizeBytes() int {
	return int(t.chunkSizeBytes)
}

// RateLimitBytes returns the parsed transfer.rate_limit in bytes per second;
// zero means unlimited.
func (t *TransferConfig) RateLimitBytes() int {
	return int(t.rateLimitBytes)
}

// findConfig returns the first config path that exists, or empty string.
func findConfig() string {
	return findConfigInPaths(configSearchPaths)
}

// findConfigInPaths returns the first path that exists on disk, or empty string.
func findConfigInPaths(paths []string) string {
	for _, p := range paths {
		if _, err := os.Stat(p); err == nil {
			return p
		}
	}
	return ""
}

// Addr returns the server listen address as host:port.
func (c *ServerConfig) Addr() string {
	return fmt.Sprintf("%s:%d", c.Host, c.Port)
}

// ErrHostNotAllowed is returned by CheckHost for URLs outside an allowlist.
var ErrHostNotAllowed = errors.New("host is not in the allowlist")

// CheckHost verifies that rawURL is an absolute http(s) URL whose host is in
// allowed. An empty allowlist accepts any host.
func CheckHost(rawURL string, allowed []string) error {
	u, err := url.Parse(rawURL)
	if err != nil {
		return fmt.Errorf("invalid URL %q: %w", rawURL, err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return fmt.Errorf("URL %q must use http or https", rawURL)
	}
	if u.Host == "" {
		return fmt.Errorf("URL %q has no host", rawURL)
	}
	if len(allowed) == 0 {
		return nil
	}
	for _, h := range allowed {
		if strings.EqualFold(h, u.Hostname()) {
			return nil
		}
	}
	return fmt.Errorf("%q: %w", u.Hostname(), ErrHostNotAllowed)
}

// WarnPermissions logs a warning if the config file is readable by group or others.
// Config files may carry upload credentials in headers.
func (c *Config) WarnPermissions(logger *slog.Logger) {
	if c.filePath == "" {
		return
	}
	info, err := os.Stat(c.filePath)
	if err != nil {
		return
	}
	if perm := info.Mode().Perm(); perm&0o077 != 0 {
		logger.Warn("config file is readable by group/others; consider chmod 600",
			"path", c.filePath,
			"mode", fmt.Sprintf("%04o", perm),
		)
	}
}
