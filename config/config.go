package config

import (
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/bmatcuk/doublestar/v4"
	"github.com/dlclark/regexp2"
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

const (
	LogFormatText = "text"
	LogFormatJSON = "json"
)

const (
	DefaultPort         = 8080
	DefaultProxyPrefix  = "/api"
	DefaultProxyTarget  = "http://localhost:5001"
	DefaultStaticDir    = "./public"
	DefaultHealthPeriod = "5s"
)

type ServerConfig struct {
	Host            string `mapstructure:"host"`
	Port            int    `mapstructure:"port"`
	Environment     string `mapstructure:"environment"`
	ShutdownTimeout string `mapstructure:"shutdown_timeout"`
}

type StaticConfig struct {
	Dir             string `mapstructure:"dir"`
	HistoryFallback bool   `mapstructure:"history_fallback"`
}

// PathRewriteConfig replaces the first match of Pattern in the request path
// with Replacement before the request is forwarded.
type PathRewriteConfig struct {
	Pattern     string `mapstructure:"pattern"`
	Replacement string `mapstructure:"replacement"`
}

type ProxyRuleConfig struct {
	Prefix       string              `mapstructure:"prefix"`
	Target       string              `mapstructure:"target"`
	ChangeOrigin bool                `mapstructure:"change_origin"`
	StripPrefix  bool                `mapstructure:"strip_prefix"`
	PathRewrite  []PathRewriteConfig `mapstructure:"path_rewrite"`
}

type BuildConfig struct {
	TranspileDependencies bool `mapstructure:"transpile_dependencies"`
}

type HealthCheckConfig struct {
	Interval string `mapstructure:"interval"`
}

type CircuitBreakerConfig struct {
	Threshold int    `mapstructure:"threshold"`
	Timeout   string `mapstructure:"timeout"`
}

// LiveReloadConfig controls file watching. Ignore holds doublestar globs
// matched against slash-separated paths relative to the static directory.
type LiveReloadConfig struct {
	Enabled bool     `mapstructure:"enabled"`
	Ignore  []string `mapstructure:"ignore"`
}

type LoggingConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
}

type Config struct {
	Server         ServerConfig         `mapstructure:"server"`
	Static         StaticConfig         `mapstructure:"static"`
	Proxy          []ProxyRuleConfig    `mapstructure:"proxy"`
	Build          BuildConfig          `mapstructure:"build"`
	HealthCheck    HealthCheckConfig    `mapstructure:"health_check"`
	CircuitBreaker CircuitBreakerConfig `mapstructure:"circuit_breaker"`
	LiveReload     LiveReloadConfig     `mapstructure:"live_reload"`
	Logging        LoggingConfig        `mapstructure:"logging"`
}

// flagKeys maps command-line flag names onto configuration keys.
var flagKeys = map[string]string{
	"host":       "server.host",
	"port":       "server.port",
	"static-dir": "static.dir",
	"log-level":  "logging.level",
}

// Load builds the configuration from defaults, the YAML config file,
// environment variables and finally any flags the user changed. An empty
// configFile searches ./config and the working directory for config.yaml;
// a missing file is only an error when it was named explicitly.
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

	v.AutomaticEnv()
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	if err := v.BindEnv("server.port", "SERVER_PORT", "PORT"); err != nil {
		return nil, err
	}

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if configFile != "" || !errors.As(err, &notFound) {
			slog.Error("failed to read config file", slog.String("error", err.Error()))
			return nil, fmt.Errorf("read config: %w", err)
		}
		slog.Debug("config file not found, using defaults and environment variables")
	} else {
		slog.Info("loaded config file", slog.String("file", v.ConfigFileUsed()))
	}

	if err := bindFlags(v, flags); err != nil {
		return nil, err
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		slog.Error("failed to unmarshal config", slog.String("error", err.Error()))
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		slog.Error("invalid configuration", slog.String("error", err.Error()))
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return &cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.host", "")
	v.SetDefault("server.port", DefaultPort)
	v.SetDefault("server.environment", EnvDev)
	v.SetDefault("server.shutdown_timeout", "5s")
	v.SetDefault("static.dir", DefaultStaticDir)
	v.SetDefault("static.history_fallback", false)
	v.SetDefault("proxy", []map[string]any{
		{
			"prefix":        DefaultProxyPrefix,
			"target":        DefaultProxyTarget,
			"change_origin": true,
			"strip_prefix":  true,
		},
	})
	v.SetDefault("build.transpile_dependencies", true)
	v.SetDefault("health_check.interval", DefaultHealthPeriod)
	v.SetDefault("circuit_breaker.threshold", 5)
	v.SetDefault("circuit_breaker.timeout", "10s")
	v.SetDefault("live_reload.enabled", true)
	v.SetDefault("live_reload.ignore", []string{"**/node_modules/**", "**/*.map"})
	v.SetDefault("logging.level", LogLevelInfo)
	v.SetDefault("logging.format", "")
}

func bindFlags(v *viper.Viper, flags *pflag.FlagSet) error {
	if flags == nil {
		return nil
	}

	for name, key := range flagKeys {
		f := flags.Lookup(name)
		if f == nil || !f.Changed {
			continue
		}
		if err := v.BindPFlag(key, f); err != nil {
			return fmt.Errorf("bind flag %s: %w", name, err)
		}
	}

	if f := flags.Lookup("no-live-reload"); f != nil && f.Changed {
		disabled, err := flags.GetBool("no-live-reload")
		if err != nil {
			return err
		}
		v.Set("live_reload.enabled", !disabled)
	}

	return nil
}

// Address returns the host:port the dev server binds to.
func (c *Config) Address() string {
	return net.JoinHostPort(c.Server.Host, strconv.Itoa(c.Server.Port))
}

// ShutdownTimeout returns the graceful shutdown bound.
// Validate guarantees the value parses.
func (c *Config) ShutdownTimeout() time.Duration {
	d, _ := time.ParseDuration(c.Server.ShutdownTimeout)
	return d
}

func (c *Config) HealthCheckInterval() time.Duration {
	d, _ := time.ParseDuration(c.HealthCheck.Interval)
	return d
}

func (c *Config) BreakerTimeout() time.Duration {
	d, _ := time.ParseDuration(c.CircuitBreaker.Timeout)
	return d
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
					validation.Field(&sc.Host, validation.By(validateHost)),
					validation.Field(&sc.Port,
						validation.Required,
						validation.Min(1),
						validation.Max(65535),
					),
					validation.Field(&sc.ShutdownTimeout,
						validation.Required,
						validation.By(validateDuration),
					),
				)
			}),
		),
		validation.Field(&c.Static,
			validation.By(func(value interface{}) error {
				sc, ok := value.(StaticConfig)
				if !ok {
					return validation.NewError("validation_invalid_type", "must be a StaticConfig")
				}
				return validation.ValidateStruct(&sc,
					validation.Field(&sc.Dir, validation.Required),
				)
			}),
		),
		validation.Field(&c.Proxy,
			validation.Each(validation.By(validateProxyRule)),
			validation.By(validateUniquePrefixes),
		),
		validation.Field(&c.LiveReload,
			validation.By(func(value interface{}) error {
				lr, ok := value.(LiveReloadConfig)
				if !ok {
					return validation.NewError("validation_invalid_type", "must be a LiveReloadConfig")
				}
				return validation.ValidateStruct(&lr,
					validation.Field(&lr.Ignore, validation.Each(validation.By(validateGlob))),
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
					validation.Field(&lc.Format,
						validation.In(LogFormatText, LogFormatJSON),
					),
				)
			}),
		),
		validation.Field(&c.HealthCheck,
			validation.Required,
			validation.By(func(value interface{}) error {
				hc, ok := value.(HealthCheckConfig)
				if !ok {
					return validation.NewError("validation_invalid_type", "must be a HealthCheckConfig")
				}
				return validation.ValidateStruct(&hc,
					validation.Field(&hc.Interval,
						validation.Required,
						validation.By(validateDuration),
					),
				)
			}),
		),
		validation.Field(&c.CircuitBreaker,
			validation.Required,
			validation.By(func(value interface{}) error {
				cb, ok := value.(CircuitBreakerConfig)
				if !ok {
					return validation.NewError("validation_invalid_type", "must be a CircuitBreakerConfig")
				}
				return validation.ValidateStruct(&cb,
					validation.Field(&cb.Threshold,
						validation.Required,
						validation.Min(1),
					),
					validation.Field(&cb.Timeout,
						validation.Required,
						validation.By(validateDuration),
					),
				)
			}),
		),
	)
}

func validateHost(value interface{}) error {
	host, ok := value.(string)
	if !ok {
		return validation.NewError("validation_invalid_type", "must be a string")
	}

	if host == "" {
		return nil
	}

	if err := is.Host.Validate(host); err != nil {
		return validation.NewError("validation_invalid_host", "invalid host")
	}

	return nil
}

func validateGlob(value interface{}) error {
	pattern, ok := value.(string)
	if !ok {
		return validation.NewError("validation_invalid_type", "must be a string")
	}

	if !doublestar.ValidatePattern(pattern) {
		return validation.NewError("validation_invalid_glob", "must be a valid glob pattern")
	}

	return nil
}

func validateDuration(value interface{}) error {
	durationStr, ok := value.(string)
	if !ok {
		return validation.NewError("validation_invalid_type", "must be a string")
	}

	d, err := time.ParseDuration(durationStr)
	if err != nil {
		return validation.NewError("validation_invalid_duration", "must be a valid duration (e.g., 2s, 5m, 1h)")
	}

	if d <= 0 {
		return validation.NewError("validation_invalid_duration", "must be positive")
	}

	return nil
}

func validateTargetURL(value interface{}) error {
	targetURL, ok := value.(string)
	if !ok {
		return validation.NewError("validation_invalid_type", "must be a string")
	}

	if targetURL == "" {
		return validation.NewError("validation_empty_url", "target URL cannot be empty")
	}

	parsedURL, err := url.Parse(targetURL)
	if err != nil {
		return validation.NewError("validation_invalid_url", "must be a valid URL")
	}

	if parsedURL.Scheme != "http" && parsedURL.Scheme != "https" {
		return validation.NewError("validation_invalid_scheme", "URL must use http or https scheme")
	}

	if parsedURL.Host == "" {
		return validation.NewError("validation_missing_host", "URL must have a host")
	}

	return nil
}

func validateProxyRule(value interface{}) error {
	rule, ok := value.(ProxyRuleConfig)
	if !ok {
		return validation.NewError("validation_invalid_type", "must be a ProxyRuleConfig")
	}

	return validation.ValidateStruct(&rule,
		validation.Field(&rule.Prefix,
			validation.Required,
			validation.By(func(value interface{}) error {
				prefix, _ := value.(string)
				if !strings.HasPrefix(prefix, "/") {
					return validation.NewError("validation_invalid_prefix", "prefix must start with /")
				}
				return nil
			}),
		),
		validation.Field(&rule.Target, validation.By(validateTargetURL)),
		validation.Field(&rule.PathRewrite,
			validation.Each(validation.By(validatePathRewrite)),
		),
	)
}

func validatePathRewrite(value interface{}) error {
	rw, ok := value.(PathRewriteConfig)
	if !ok {
		return validation.NewError("validation_invalid_type", "must be a PathRewriteConfig")
	}

	if rw.Pattern == "" {
		return validation.NewError("validation_empty_pattern", "rewrite pattern cannot be empty")
	}

	if _, err := regexp2.Compile(rw.Pattern, regexp2.ECMAScript); err != nil {
		return validation.NewError("validation_invalid_pattern", "rewrite pattern must be a valid regular expression")
	}

	return nil
}

func validateUniquePrefixes(value interface{}) error {
	rules, ok := value.([]ProxyRuleConfig)
	if !ok {
		return validation.NewError("validation_invalid_type", "must be a list of proxy rules")
	}

	seen := make(map[string]struct{}, len(rules))
	for _, r := range rules {
		if _, dup := seen[r.Prefix]; dup {
			return validation.NewError("validation_duplicate_prefix", "proxy prefix "+r.Prefix+" is declared twice")
		}
		seen[r.Prefix] = struct{}{}
	}

	return nil
}
