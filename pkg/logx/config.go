package logx

import (
	"io"
	"os"
	"strings"
	"time"

	"github.com/caarlos0/env/v11"
)

// Format represents the output format
type Format string

const (
	// FormatConsole outputs colored, human readable lines
	FormatConsole Format = "console"
	// FormatJSON outputs one JSON object per line
	FormatJSON Format = "json"
	// FormatCloudWatch outputs JSON using CloudWatch field names
	FormatCloudWatch Format = "cloudwatch"
)

// UnmarshalText lets Format be parsed from environment variables
func (f *Format) UnmarshalText(text []byte) error {
	switch Format(strings.ToLower(string(text))) {
	case FormatJSON:
		*f = FormatJSON
	case FormatCloudWatch:
		*f = FormatCloudWatch
	default:
		*f = FormatConsole
	}
	return nil
}

// Config holds the logger configuration
type Config struct {
	Level           Level  `env:"LOG_LEVEL" envDefault:"INFO"`
	Format          Format `env:"LOG_FORMAT" envDefault:"console"`
	EnableColors    bool   `env:"LOG_COLOR" envDefault:"true"`
	EnableCaller    bool   `env:"LOG_CALLER" envDefault:"false"`
	EnableTimestamp bool   `env:"LOG_TIMESTAMP" envDefault:"true"`

	// TimeFormat accepts a Go layout or one of RFC3339, RFC3339NANO, UNIX, UNIXMILLI
	TimeFormat string `env:"LOG_TIME_FORMAT" envDefault:"RFC3339"`

	// RedactKeys lists field names whose values are never written
	RedactKeys []string `env:"LOG_REDACT_KEYS" envSeparator:","`

	// Output defaults to os.Stdout
	Output io.Writer
}

// DefaultConfig returns the default configuration
func DefaultConfig() *Config {
	return &Config{
		Level:           LevelInfo,
		Format:          FormatConsole,
		EnableColors:    true,
		EnableTimestamp: true,
		TimeFormat:      time.RFC3339,
		Output:          os.Stdout,
	}
}

// LoadFromEnv loads configuration from LOG_* environment variables.
// Unparseable values fall back to the defaults.
func LoadFromEnv() *Config {
	cfg := &Config{}
	if err := env.Parse(cfg); err != nil {
		return DefaultConfig()
	}
	cfg.TimeFormat = resolveTimeFormat(cfg.TimeFormat)
	cfg.Output = os.Stdout
	return cfg
}

func resolveTimeFormat(name string) string {
	switch strings.ToUpper(name) {
	case "", "RFC3339":
		return time.RFC3339
	case "RFC3339NANO":
		return time.RFC3339Nano
	case "UNIX":
		return "unix"
	case "UNIXMILLI":
		return "unixmilli"
	default:
		return name
	}
}
