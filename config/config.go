// Package config loads the ssogate command line and yaml file
// configuration.
package config

import (
	"flag"
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v2"

	"github.com/ssogate/ssogate"
)

type Config struct {
	ConfigFile string
	Flags      *flag.FlagSet

	Address         string `yaml:"address"`
	SupportListener string `yaml:"support-listener"`
	BackendURL      string `yaml:"backend-url"`

	ConfigBackend        string         `yaml:"config-backend"`
	ConfigBackendOptions map[string]any `yaml:"config-backend-options"`

	SessionBackend        string         `yaml:"session-backend"`
	SessionBackendOptions map[string]any `yaml:"session-backend-options"`

	Broker        string         `yaml:"broker"`
	BrokerOptions map[string]any `yaml:"broker-options"`
	BrokerChannel string         `yaml:"broker-channel"`

	SessionCacheSize    int           `yaml:"session-cache-size"`
	SessionCacheTTL     time.Duration `yaml:"session-cache-ttl"`
	SessionFetchTimeout time.Duration `yaml:"session-fetch-timeout"`
	ConfigFetchTimeout  time.Duration `yaml:"config-fetch-timeout"`
	ReloadInterval      time.Duration `yaml:"reload-interval"`

	ApplicationLogPrefix      string `yaml:"application-log-prefix"`
	ApplicationLogLevel       string `yaml:"application-log-level"`
	ApplicationLogJSONEnabled bool   `yaml:"application-log-json-enabled"`

	PublishReload bool `yaml:"-"`
}

func NewConfig() *Config {
	cfg := new(Config)

	flags := flag.NewFlagSet("ssogate", flag.ExitOnError)
	flags.StringVar(&cfg.ConfigFile, "config-file", "", "yaml file with the ssogate configuration, flags take precedence")
	flags.StringVar(&cfg.Address, "address", ":9090", "address to listen on")
	flags.StringVar(&cfg.SupportListener, "support-listener", "", "address serving /metrics, disabled when empty")
	flags.StringVar(&cfg.BackendURL, "backend-url", "", "URL of the protected application")
	flags.StringVar(&cfg.ConfigBackend, "config-backend", "file", "configuration backend kind")
	flags.StringVar(&cfg.SessionBackend, "session-backend", "redis", "session backend kind")
	flags.StringVar(&cfg.Broker, "broker", "noop", "pub/sub transport kind: redis or noop")
	flags.StringVar(&cfg.BrokerChannel, "broker-channel", "ssogate", "pub/sub channel name")
	flags.IntVar(&cfg.SessionCacheSize, "session-cache-size", 0, "local session cache capacity")
	flags.DurationVar(&cfg.SessionCacheTTL, "session-cache-ttl", 0, "local session cache TTL")
	flags.DurationVar(&cfg.SessionFetchTimeout, "session-fetch-timeout", 0, "session backend fetch timeout")
	flags.DurationVar(&cfg.ConfigFetchTimeout, "config-fetch-timeout", 0, "configuration backend fetch timeout")
	flags.DurationVar(&cfg.ReloadInterval, "reload-interval", 10*time.Minute, "periodic configuration poll, 0 disables")
	flags.StringVar(&cfg.ApplicationLogPrefix, "application-log-prefix", "[APP]", "prefix for application log entries")
	flags.StringVar(&cfg.ApplicationLogLevel, "application-log-level", "INFO", "application log level")
	flags.BoolVar(&cfg.ApplicationLogJSONEnabled, "application-log-json-enabled", false, "JSON application log")
	flags.BoolVar(&cfg.PublishReload, "publish-reload", false, "publish a reload message on the broker channel and exit")

	cfg.Flags = flags
	return cfg
}

func (c *Config) Parse(args []string) error {
	if err := c.Flags.Parse(args); err != nil {
		return err
	}

	if c.ConfigFile != "" {
		content, err := os.ReadFile(c.ConfigFile)
		if err != nil {
			return fmt.Errorf("invalid config file: %w", err)
		}
		if err := yaml.Unmarshal(content, c); err != nil {
			return fmt.Errorf("invalid config file: %w", err)
		}
		// flags given on the command line win over the file
		if err := c.Flags.Parse(args); err != nil {
			return err
		}
	}
	return nil
}

func (c *Config) ToOptions() ssogate.Options {
	return ssogate.Options{
		Address:                   c.Address,
		SupportListener:           c.SupportListener,
		BackendURL:                c.BackendURL,
		ConfigBackend:             c.ConfigBackend,
		ConfigBackendOptions:      normalizeOptions(c.ConfigBackendOptions),
		SessionBackend:            c.SessionBackend,
		SessionBackendOptions:     normalizeOptions(c.SessionBackendOptions),
		Broker:                    c.Broker,
		BrokerOptions:             normalizeOptions(c.BrokerOptions),
		BrokerChannel:             c.BrokerChannel,
		SessionCacheSize:          c.SessionCacheSize,
		SessionCacheTTL:           c.SessionCacheTTL,
		SessionFetchTimeout:       c.SessionFetchTimeout,
		ConfigFetchTimeout:        c.ConfigFetchTimeout,
		ReloadInterval:            c.ReloadInterval,
		ApplicationLogPrefix:      c.ApplicationLogPrefix,
		ApplicationLogLevel:       c.ApplicationLogLevel,
		ApplicationLogJSONEnabled: c.ApplicationLogJSONEnabled,
	}
}

// normalizeOptions converts the map[any]any nesting produced by yaml.v2
// into the map[string]any the backend constructors expect.
func normalizeOptions(in map[string]any) map[string]any {
	if in == nil {
		return nil
	}
	out := make(map[string]any, len(in))
	for k, v := range in {
		out[k] = normalizeValue(v)
	}
	return out
}

func normalizeValue(v any) any {
	switch t := v.(type) {
	case map[any]any:
		out := make(map[string]any, len(t))
		for k, val := range t {
			out[fmt.Sprint(k)] = normalizeValue(val)
		}
		return out
	case []any:
		for i := range t {
			t[i] = normalizeValue(t[i])
		}
		return t
	default:
		return v
	}
}
