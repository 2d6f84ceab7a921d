package config

import (
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"net/url"
	"strings"
	"time"

	validation "github.com/go-ozzo/ozzo-validation/v4"
	"github.com/go-ozzo/ozzo-validation/v4/is"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"
)

const (
	EnvDev     = "dev"
	EnvStaging = "staging"
	EnvProd    = "prod"
)

const (
	LogLevelDebug = "debug"
	LogLevelInfo  = "info"
	LogLevelWarn  = "warn"
	LogLevelError = "error"
)

// EnvPrefix namespaces environment overrides, e.g. EDGEPROXY_PROXY_TIMEOUT.
const EnvPrefix = "EDGEPROXY"

func init() {
	// Report validation errors under the configuration keys rather than
	// the Go field names.
	validation.ErrorTag = "mapstructure"
}

var knownMethods = []interface{}{
	http.MethodGet, http.MethodHead, http.MethodPost, http.MethodPut,
	http.MethodPatch, http.MethodDelete, http.MethodOptions,
}

type ServerConfig struct {
	Address      string        `mapstructure:"address"`
	AdminAddress string        `mapstructure:"admin_address"`
	Environment  string        `mapstructure:"environment"`
	ReadTimeout  time.Duration `mapstructure:"read_timeout"`
	WriteTimeout time.Duration `mapstructure:"write_timeout"`
	IdleTimeout  time.Duration `mapstructure:"idle_timeout"`
}

type LoggingConfig struct {
	Level string `mapstructure:"level"`
}

type ProxyConfig struct {
	Name            string        `mapstructure:"name"`
	Version         string        `mapstructure:"version"`
	UserAgent       string        `mapstructure:"user_agent"`
	AllowedPaths    []string      `mapstructure:"allowed_paths"`
	AllowedMethods  []string      `mapstructure:"allowed_methods"`
	HealthPaths     []string      `mapstructure:"health_paths"`
	PreflightStatus int           `mapstructure:"preflight_status"`
	Timeout         time.Duration `mapstructure:"timeout"`
	MaxBodyBytes    int64         `mapstructure:"max_body_bytes"`
	ForwardedProto  string        `mapstructure:"forwarded_proto"`
}

type CORSConfig struct {
	AllowOrigin  string `mapstructure:"allow_origin"`
	AllowMethods string `mapstructure:"allow_methods"`
	AllowHeaders string `mapstructure:"allow_headers"`
	MaxAge       int    `mapstructure:"max_age"`
}

type RetryConfig struct {
	MaxRetries int           `mapstructure:"max_retries"`
	BaseDelay  time.Duration `mapstructure:"base_delay"`
	RetryOn    []int         `mapstructure:"retry_on"`
}

// PlatformConfig names the headers the hosting edge platform injects.
type PlatformConfig struct {
	ConnectingIPHeader string `mapstructure:"connecting_ip_header"`
	CountryHeader      string `mapstructure:"country_header"`
	TraceHeader        string `mapstructure:"trace_header"`
	StripPrefix        string `mapstructure:"strip_prefix"`
}

type HealthCheckConfig struct {
	Interval time.Duration `mapstructure:"interval"`
	Path     string        `mapstructure:"path"`
	Timeout  time.Duration `mapstructure:"timeout"`
}

type BackendConfig struct {
	URL string `mapstructure:"url"`
}

type Config struct {
	Server      ServerConfig      `mapstructure:"server"`
	Logging     LoggingConfig     `mapstructure:"logging"`
	Proxy       ProxyConfig       `mapstructure:"proxy"`
	CORS        CORSConfig        `mapstructure:"cors"`
	Retry       RetryConfig       `mapstructure:"retry"`
	Platform    PlatformConfig    `mapstructure:"platform"`
	HealthCheck HealthCheckConfig `mapstructure:"health_check"`
	Backends    []BackendConfig   `mapstructure:"backends"`
	// BackendURLs is the flag/env shorthand for Backends.
	BackendURLs []string `mapstructure:"backend_urls"`
}

// flagKeys maps command line flag names to configuration keys.
var flagKeys = map[string]string{
	"address":       "server.address",
	"admin-address": "server.admin_address",
	"environment":   "server.environment",
	"log-level":     "logging.level",
	"backends":      "backend_urls",
	"timeout":       "proxy.timeout",
	"max-retries":   "retry.max_retries",
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.address", ":8080")
	v.SetDefault("server.admin_address", "")
	v.SetDefault("server.environment", EnvDev)
	v.SetDefault("server.read_timeout", "15s")
	v.SetDefault("server.write_timeout", "5m")
	v.SetDefault("server.idle_timeout", "60s")

	v.SetDefault("logging.level", LogLevelInfo)

	v.SetDefault("proxy.name", "edgeproxy")
	v.SetDefault("proxy.version", "2.0.0")
	v.SetDefault("proxy.user_agent", "edgeproxy/2.0")
	v.SetDefault("proxy.allowed_paths", []string{
		"/v1/chat/completions",
		"/v1/completions",
		"/v1/models",
		"/v1/embeddings",
		"/health",
		"/status",
		"/api/",
	})
	v.SetDefault("proxy.allowed_methods", []string{"GET", "POST", "PUT", "DELETE", "OPTIONS", "HEAD"})
	v.SetDefault("proxy.health_paths", []string{"/health", "/ping"})
	v.SetDefault("proxy.preflight_status", http.StatusNoContent)
	v.SetDefault("proxy.timeout", "30s")
	v.SetDefault("proxy.max_body_bytes", 32<<20)
	v.SetDefault("proxy.forwarded_proto", "https")

	v.SetDefault("cors.allow_origin", "*")
	v.SetDefault("cors.allow_methods", "GET, POST, PUT, DELETE, OPTIONS, HEAD")
	v.SetDefault("cors.allow_headers", "Content-Type, Authorization, X-Requested-With, Accept, Origin, User-Agent, X-API-Key")
	v.SetDefault("cors.max_age", 86400)

	v.SetDefault("retry.max_retries", 3)
	v.SetDefault("retry.base_delay", "1s")
	v.SetDefault("retry.retry_on", []int{502, 503, 504, 520, 521, 522, 523, 524})

	v.SetDefault("platform.connecting_ip_header", "CF-Connecting-IP")
	v.SetDefault("platform.country_header", "CF-IPCountry")
	v.SetDefault("platform.trace_header", "CF-Ray")
	v.SetDefault("platform.strip_prefix", "cf-")

	v.SetDefault("health_check.interval", "0s")
	v.SetDefault("health_check.path", "/v1/models")
	v.SetDefault("health_check.timeout", "5s")

	v.SetDefault("backend_urls", []string{})
}

// Load reads configuration from defaults, an optional YAML file, the
// environment and finally any flags the caller changed. An empty configFile
// searches for config.yaml in ./config and the working directory.
func Load(configFile string, flags *pflag.FlagSet) (*Config, error) {
	v := viper.New()
	setDefaults(v)

	if configFile != "" {
		v.SetConfigFile(configFile)
	} else {
		v.SetConfigName("config")
		v.SetConfigType("yaml")
		v.AddConfigPath("./config")
		v.AddConfigPath(".")
	}

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if flags != nil {
		for name, key := range flagKeys {
			if f := flags.Lookup(name); f != nil && f.Changed {
				if err := v.BindPFlag(key, f); err != nil {
					return nil, fmt.Errorf("bind flag %q: %w", name, err)
				}
			}
		}
	}

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			slog.Error("failed to read config file", slog.String("error", err.Error()))
			return nil, fmt.Errorf("read config: %w", err)
		}
		slog.Info("config file not found, using defaults and environment variables")
	} else {
		slog.Info("loaded config file", slog.String("file", v.ConfigFileUsed()))
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		slog.Error("failed to unmarshal config", slog.String("error", err.Error()))
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}

	cfg.mergeBackendURLs()

	if err := cfg.Validate(); err != nil {
		slog.Error("invalid configuration", slog.String("error", err.Error()))
		return nil, err
	}

	return &cfg, nil
}

// mergeBackendURLs lets a comma separated flag or env value replace the
// YAML backend list.
func (c *Config) mergeBackendURLs() {
	var urls []string
	for _, raw := range c.BackendURLs {
		for _, part := range strings.Split(raw, ",") {
			if part = strings.TrimSpace(part); part != "" {
				urls = append(urls, part)
			}
		}
	}
	if len(urls) == 0 {
		return
	}

	c.Backends = make([]BackendConfig, 0, len(urls))
	for _, u := range urls {
		c.Backends = append(c.Backends, BackendConfig{URL: u})
	}
}

// URLs returns the configured backend base URLs in pool order.
func (c *Config) URLs() []string {
	urls := make([]string, 0, len(c.Backends))
	for _, b := range c.Backends {
		urls = append(urls, b.URL)
	}
	return urls
}

func (c *Config) Validate() error {
	return validation.ValidateStruct(c,
		validation.Field(&c.Server,
			validation.Required,
			validation.By(func(value interface{}) error {
				sc, ok := value.(ServerConfig)
				if !ok {
					return validation.NewError("validation_invalid_type", "must be a ServerConfig")
				}
				return validation.ValidateStruct(&sc,
					validation.Field(&sc.Environment,
						validation.Required,
						validation.In(EnvDev, EnvStaging, EnvProd),
					),
					validation.Field(&sc.Address,
						validation.Required,
						validation.By(validateHostPort),
					),
					validation.Field(&sc.AdminAddress,
						validation.By(validateHostPort),
					),
					validation.Field(&sc.ReadTimeout, validation.Min(time.Duration(0))),
					validation.Field(&sc.WriteTimeout, validation.Min(time.Duration(0))),
					validation.Field(&sc.IdleTimeout, validation.Min(time.Duration(0))),
				)
			}),
		),
		validation.Field(&c.Logging,
			validation.Required,
			validation.By(func(value interface{}) error {
				lc, ok := value.(LoggingConfig)
				if !ok {
					return validation.NewError("validation_invalid_type", "must be a LoggingConfig")
				}
				return validation.ValidateStruct(&lc,
					validation.Field(&lc.Level,
						validation.Required,
						validation.In(LogLevelDebug, LogLevelInfo, LogLevelWarn, LogLevelError),
					),
				)
			}),
		),
		validation.Field(&c.Proxy,
			validation.Required,
			validation.By(func(value interface{}) error {
				pc, ok := value.(ProxyConfig)
				if !ok {
					return validation.NewError("validation_invalid_type", "must be a ProxyConfig")
				}
				return validation.ValidateStruct(&pc,
					validation.Field(&pc.Name, validation.Required),
					validation.Field(&pc.UserAgent, validation.Required),
					// An empty list disables the path whitelist.
					validation.Field(&pc.AllowedPaths,
						validation.Each(validation.By(validatePath)),
					),
					validation.Field(&pc.AllowedMethods,
						validation.Required,
						validation.Each(validation.In(knownMethods...)),
					),
					validation.Field(&pc.HealthPaths,
						validation.Each(validation.By(validatePath)),
					),
					validation.Field(&pc.PreflightStatus,
						validation.Required,
						validation.In(http.StatusOK, http.StatusNoContent),
					),
					validation.Field(&pc.Timeout, validation.Min(time.Duration(0))),
					validation.Field(&pc.MaxBodyBytes, validation.Required, validation.Min(int64(1))),
					validation.Field(&pc.ForwardedProto,
						validation.Required,
						validation.In("http", "https"),
					),
				)
			}),
		),
		validation.Field(&c.CORS,
			validation.Required,
			validation.By(func(value interface{}) error {
				cc, ok := value.(CORSConfig)
				if !ok {
					return validation.NewError("validation_invalid_type", "must be a CORSConfig")
				}
				return validation.ValidateStruct(&cc,
					validation.Field(&cc.AllowOrigin, validation.Required),
					validation.Field(&cc.AllowMethods, validation.Required),
					validation.Field(&cc.MaxAge, validation.Min(0)),
				)
			}),
		),
		validation.Field(&c.Retry,
			validation.By(func(value interface{}) error {
				rc, ok := value.(RetryConfig)
				if !ok {
					return validation.NewError("validation_invalid_type", "must be a RetryConfig")
				}
				return validation.ValidateStruct(&rc,
					validation.Field(&rc.MaxRetries, validation.Min(0), validation.Max(10)),
					validation.Field(&rc.BaseDelay, validation.Min(time.Duration(0))),
					validation.Field(&rc.RetryOn,
						validation.Each(validation.Min(100), validation.Max(599)),
					),
				)
			}),
		),
		validation.Field(&c.Platform,
			validation.Required,
			validation.By(func(value interface{}) error {
				pc, ok := value.(PlatformConfig)
				if !ok {
					return validation.NewError("validation_invalid_type", "must be a PlatformConfig")
				}
				return validation.ValidateStruct(&pc,
					validation.Field(&pc.ConnectingIPHeader, validation.Required),
				)
			}),
		),
		validation.Field(&c.HealthCheck,
			validation.By(func(value interface{}) error {
				hc, ok := value.(HealthCheckConfig)
				if !ok {
					return validation.NewError("validation_invalid_type", "must be a HealthCheckConfig")
				}
				return validation.ValidateStruct(&hc,
					validation.Field(&hc.Interval, validation.Min(time.Duration(0))),
					validation.Field(&hc.Path, validation.By(validatePath)),
					validation.Field(&hc.Timeout, validation.Min(time.Duration(0))),
				)
			}),
		),
		validation.Field(&c.Backends,
			validation.Required,
			validation.Length(1, 0),
			validation.Each(validation.By(validateBackendConfig)),
		),
	)
}

func validateHostPort(value interface{}) error {
	addr, ok := value.(string)
	if !ok {
		return validation.NewError("validation_invalid_type", "must be a string")
	}
	if addr == "" {
		return nil
	}

	host, port, err := net.SplitHostPort(addr)
	if err != nil {
		return validation.NewError("validation_invalid_hostport", "must be in host:port format")
	}

	if port == "" {
		return validation.NewError("validation_invalid_port", "port cannot be empty")
	}

	if host != "" {
		if err := is.Host.Validate(host); err != nil {
			return validation.NewError("validation_invalid_host", "invalid host")
		}
	}

	return nil
}

func validatePath(value interface{}) error {
	p, ok := value.(string)
	if !ok {
		return validation.NewError("validation_invalid_type", "must be a string")
	}
	if p == "" {
		return nil
	}
	if !strings.HasPrefix(p, "/") {
		return validation.NewError("validation_invalid_path", "path must start with /")
	}
	return nil
}

func validateBackendConfig(value interface{}) error {
	backend, ok := value.(BackendConfig)
	if !ok {
		return validation.NewError("validation_invalid_type", "must be a BackendConfig")
	}

	if backend.URL == "" {
		return validation.NewError("validation_empty_url", "backend URL cannot be empty")
	}

	parsedURL, err := url.Parse(backend.URL)
	if err != nil {
		return validation.NewError("validation_invalid_url", "must be a valid URL")
	}

	if parsedURL.Scheme != "http" && parsedURL.Scheme != "https" {
		return validation.NewError("validation_invalid_scheme", "URL must use http or https scheme")
	}

	if parsedURL.Host == "" {
		return validation.NewError("validation_missing_host", "URL must have a host")
	}

	if parsedURL.RawQuery != "" || parsedURL.Fragment != "" {
		return validation.NewError("validation_invalid_url", "backend URL must not carry a query or fragment")
	}

	return nil
}
