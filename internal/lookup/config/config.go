// Package config loads the immutable server configuration from defaults, an optional
// JSON file, an optional .env file and LOOKUP_* environment variables, in that order.
package config

import (
	"errors"
	"fmt"
	"io/fs"
	"net"
	"os"
	"path/filepath"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/joho/godotenv"
	"github.com/knadh/koanf/parsers/json"
	"github.com/knadh/koanf/providers/confmap"
	"github.com/knadh/koanf/providers/env/v2"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/providers/structs"
	"github.com/knadh/koanf/v2"

	"github.com/haukened/rr-lookup/internal/lookup/domain"
)

// EnvPrefix is the prefix of every environment variable the server reads.
const EnvPrefix = "LOOKUP_"

// AppConfig holds the server configuration. It is never modified after Load returns.
type AppConfig struct {
	// Env is the runtime environment, either "dev" or "prod".
	Env string `koanf:"env" validate:"required,oneof=dev prod"`

	// LogLevel controls log verbosity: "debug", "info", "warn", or "error".
	LogLevel string `koanf:"log_level" validate:"required,oneof=debug info warn error"`

	// ServerHost and ServerPort form the bind address. Port 0 lets the OS pick.
	ServerHost string `koanf:"server_host" validate:"required,bind_host"`
	ServerPort int    `koanf:"server_port" validate:"gte=0,lte=65535"`

	// UseSSL wraps every listener in TLS using CertificateFile and KeyFile.
	UseSSL          bool   `koanf:"use_ssl"`
	CertificateFile string `koanf:"certificate_file" validate:"required_if=UseSSL true"`
	KeyFile         string `koanf:"key_file" validate:"required_if=UseSSL true"`

	// TxtFile is the dataset searched by every query.
	TxtFile string `koanf:"txt_file" validate:"required"`

	// RereadOnQuery reloads TxtFile for every query instead of caching it at startup.
	RereadOnQuery bool `koanf:"reread_on_query"`

	// Development runs a single worker plus a filesystem watcher on WatchDir.
	Development bool   `koanf:"development"`
	WatchDir    string `koanf:"watch_dir"`

	// ProjectRoot anchors relative dataset and certificate paths.
	ProjectRoot string `koanf:"project_root"`

	// Workers overrides the worker count when > 0; otherwise WorkersPerCPU x CPUs.
	Workers       int  `koanf:"workers" validate:"gte=0"`
	WorkersPerCPU int  `koanf:"workers_per_cpu" validate:"gte=1"`
	ReusePort     bool `koanf:"reuse_port"`

	// MaxConnections caps concurrently open connections per listener, 0 means unlimited.
	MaxConnections int `koanf:"max_connections" validate:"gte=0"`

	// BufferSize is the maximum number of bytes consumed by one read.
	BufferSize int `koanf:"buffer_size" validate:"gte=1,lte=1048576"`

	// BloomFPRate is the prefilter false-positive target for cached snapshots, 0 disables it.
	BloomFPRate float64 `koanf:"bloom_fp_rate" validate:"gte=0,lt=1"`

	// VerdictCacheSize bounds the LRU of recent verdicts kept in cached mode, 0 disables it.
	VerdictCacheSize int `koanf:"verdict_cache_size" validate:"gte=0"`

	// MetricsAddr serves Prometheus metrics over HTTP when set.
	MetricsAddr string `koanf:"metrics_addr" validate:"omitempty,listen_addr"`

	ShutdownTimeout time.Duration `koanf:"shutdown_timeout" validate:"gt=0"`
}

// DEFAULT_APP_CONFIG holds the built-in defaults: loopback on 8080,
// plain TCP, cached dataset, one worker per CPU.
var DEFAULT_APP_CONFIG = AppConfig{
	Env:              "prod",
	LogLevel:         "info",
	ServerHost:       "localhost",
	ServerPort:       8080,
	WatchDir:         ".",
	WorkersPerCPU:    1,
	ReusePort:        true,
	BufferSize:       1024,
	BloomFPRate:      0.01,
	VerdictCacheSize: 4096,
	ShutdownTimeout:  10 * time.Second,
}

// Address returns the host:port the listeners bind to.
func (c *AppConfig) Address() string {
	return net.JoinHostPort(c.ServerHost, strconv.Itoa(c.ServerPort))
}

var hostnameRegex = regexp.MustCompile(`^([a-zA-Z0-9]([a-zA-Z0-9-]{0,61}[a-zA-Z0-9])?)(\.[a-zA-Z0-9]([a-zA-Z0-9-]{0,61}[a-zA-Z0-9])?)*$`)

// validBindHost accepts IPv4/IPv6 literals (optionally bracketed) and RFC 1123 hostnames.
func validBindHost(fl validator.FieldLevel) bool {
	host := strings.TrimSuffix(strings.TrimPrefix(fl.Field().String(), "["), "]")
	if host == "" {
		return false
	}
	if net.ParseIP(host) != nil {
		return true
	}
	return len(host) <= 253 && hostnameRegex.MatchString(host)
}

// validListenAddr accepts host:port with a port from 0 to 65535. The host may be empty
// to listen on every interface.
func validListenAddr(fl validator.FieldLevel) bool {
	host, port, err := net.SplitHostPort(fl.Field().String())
	if err != nil {
		return false
	}
	if _, err := strconv.ParseUint(port, 10, 16); err != nil {
		return false
	}
	if host == "" {
		return true
	}
	return net.ParseIP(host) != nil || (len(host) <= 253 && hostnameRegex.MatchString(host))
}

// envTransform maps LOOKUP_SERVER_PORT to server_port.
func envTransform(key, value string) (string, any) {
	return strings.ToLower(strings.TrimPrefix(key, EnvPrefix)), strings.TrimSpace(value)
}

// defaultLoader loads DEFAULT_APP_CONFIG.
var defaultLoader = func(k *koanf.Koanf) error {
	return k.Load(structs.Provider(DEFAULT_APP_CONFIG, "koanf"), nil)
}

// fileLoader merges a JSON config file when path is not empty.
var fileLoader = func(k *koanf.Koanf, path string) error {
	if path == "" {
		return nil
	}
	if _, err := os.Stat(path); err != nil {
		return fmt.Errorf("config file %s: %w", path, err)
	}
	if err := k.Load(file.Provider(path), json.Parser()); err != nil {
		return fmt.Errorf("config file %s: %w", path, err)
	}
	return nil
}

// dotenvLoader merges LOOKUP_* entries of a .env file when it exists.
// Entries are loaded without touching the process environment.
var dotenvLoader = func(k *koanf.Koanf, path string) error {
	vars, err := godotenv.Read(path)
	if errors.Is(err, fs.ErrNotExist) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("dotenv file %s: %w", path, err)
	}
	flat := make(map[string]any, len(vars))
	for key, value := range vars {
		if !strings.HasPrefix(key, EnvPrefix) {
			continue
		}
		k, v := envTransform(key, value)
		flat[k] = v
	}
	return k.Load(confmap.Provider(flat, "."), nil)
}

// envLoader merges LOOKUP_* environment variables.
var envLoader = func(k *koanf.Koanf) error {
	return k.Load(env.Provider(".", env.Opt{
		Prefix:        EnvPrefix,
		TransformFunc: envTransform,
	}), nil)
}

// registerValidation registers the custom "bind_host" and "listen_addr" tags.
var registerValidation = func(v *validator.Validate) error {
	if err := v.RegisterValidation("bind_host", validBindHost); err != nil {
		return err
	}
	return v.RegisterValidation("listen_addr", validListenAddr)
}

// Load builds the configuration. configFile may be empty. Every failure wraps
// domain.ErrConfigInvalid.
func Load(configFile string) (*AppConfig, error) {
	cfg, err := load(configFile)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", domain.ErrConfigInvalid, err)
	}
	return cfg, nil
}

func load(configFile string) (*AppConfig, error) {
	k := koanf.New(".")

	if err := defaultLoader(k); err != nil {
		return nil, fmt.Errorf("error loading default config: %w", err)
	}

	if err := fileLoader(k, configFile); err != nil {
		return nil, fmt.Errorf("error loading config file: %w", err)
	}

	baseDir := "."
	if configFile != "" {
		baseDir = filepath.Dir(configFile)
	}
	if err := dotenvLoader(k, filepath.Join(baseDir, ".env")); err != nil {
		return nil, fmt.Errorf("error loading dotenv: %w", err)
	}

	if err := envLoader(k); err != nil {
		return nil, fmt.Errorf("error loading env: %w", err)
	}

	var cfg AppConfig
	if err := k.Unmarshal("", &cfg); err != nil {
		return nil, fmt.Errorf("error unmarshalling config: %w", err)
	}

	validate := validator.New(validator.WithRequiredStructEnabled())
	if err := registerValidation(validate); err != nil {
		return nil, fmt.Errorf("error registering validation: %w", err)
	}
	if err := validate.Struct(&cfg); err != nil {
		return nil, fmt.Errorf("validation failed: %w", err)
	}

	if err := cfg.resolvePaths(baseDir); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// resolvePaths anchors relative file paths at ProjectRoot, which itself defaults to the
// directory holding the config file.
func (c *AppConfig) resolvePaths(baseDir string) error {
	if c.ProjectRoot == "" {
		c.ProjectRoot = baseDir
	}
	root, err := filepath.Abs(c.ProjectRoot)
	if err != nil {
		return fmt.Errorf("project root %s: %w", c.ProjectRoot, err)
	}
	c.ProjectRoot = root
	c.TxtFile = c.ResolvePath(c.TxtFile)
	if c.CertificateFile != "" {
		c.CertificateFile = c.ResolvePath(c.CertificateFile)
	}
	if c.KeyFile != "" {
		c.KeyFile = c.ResolvePath(c.KeyFile)
	}
	return nil
}

// ResolvePath returns p unchanged when absolute, otherwise joined to ProjectRoot.
func (c *AppConfig) ResolvePath(p string) string {
	if p == "" || filepath.IsAbs(p) {
		return p
	}
	return filepath.Join(c.ProjectRoot, p)
}
