package logx

import (
	"encoding/json"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"time"
)

// Formatter is the interface for log formatters
type Formatter interface {
	Format(entry *LogEntry) ([]byte, error)
}

// LogEntry represents a single log entry
type LogEntry struct {
	Level     Level
	Message   string
	Fields    Fields
	Data      any
	Error     error
	Timestamp time.Time
	Caller    string
}

// Fields is a map of structured data
type Fields map[string]any

func (f Fields) sortedKeys() []string {
	keys := make([]string, 0, len(f))
	for k := range f {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

func formatTimestamp(t time.Time, format string) string {
	switch format {
	case "unix":
		return strconv.FormatInt(t.Unix(), 10)
	case "unixmilli":
		return strconv.FormatInt(t.UnixMilli(), 10)
	default:
		return t.Format(format)
	}
}

const (
	colorReset     = "\033[0m"
	colorRed       = "\033[31m"
	colorCyan      = "\033[36m"
	colorGray      = "\033[90m"
	colorBoldRed   = "\033[1;31m"
	colorBoldYel   = "\033[1;33m"
	colorBoldCyan  = "\033[1;36m"
	colorBoldGreen = "\033[1;32m"
)

// ConsoleFormatter writes one human readable line per entry, fields sorted by key
type ConsoleFormatter struct {
	config *Config
}

// NewConsoleFormatter creates a new console formatter
func NewConsoleFormatter(config *Config) *ConsoleFormatter {
	return &ConsoleFormatter{config: config}
}

func (f *ConsoleFormatter) paint(b *strings.Builder, color, s string) {
	if f.config.EnableColors {
		b.WriteString(color)
		b.WriteString(s)
		b.WriteString(colorReset)
		return
	}
	b.WriteString(s)
}

// Format formats a log entry for console output
func (f *ConsoleFormatter) Format(entry *LogEntry) ([]byte, error) {
	var b strings.Builder

	if f.config.EnableTimestamp {
		f.paint(&b, colorGray, formatTimestamp(entry.Timestamp, f.config.TimeFormat))
		b.WriteByte(' ')
	}

	f.paint(&b, levelColor(entry.Level), fmt.Sprintf("[%-5s]", entry.Level.String()))
	b.WriteByte(' ')

	if f.config.EnableCaller && entry.Caller != "" {
		f.paint(&b, colorGray, "["+entry.Caller+"]")
		b.WriteByte(' ')
	}

	b.WriteString(entry.Message)

	for _, k := range entry.Fields.sortedKeys() {
		b.WriteByte(' ')
		f.paint(&b, colorCyan, fmt.Sprintf("%s=%v", k, entry.Fields[k]))
	}

	if entry.Error != nil {
		b.WriteString("\n")
		f.paint(&b, colorRed, "  error: "+entry.Error.Error())
	}

	if entry.Data != nil {
		pretty, err := json.MarshalIndent(entry.Data, "  ", "  ")
		if err != nil {
			pretty = []byte(fmt.Sprintf("%+v", entry.Data))
		}
		b.WriteString("\n  ")
		f.paint(&b, colorGray, string(pretty))
	}

	b.WriteByte('\n')
	return []byte(b.String()), nil
}

func levelColor(level Level) string {
	switch level {
	case LevelDebug:
		return colorBoldCyan
	case LevelInfo:
		return colorBoldGreen
	case LevelWarn:
		return colorBoldYel
	case LevelError, LevelFatal:
		return colorBoldRed
	default:
		return colorGray
	}
}

// JSONFormatter writes one JSON object per line. The key names for
// level, message and time are configurable so the same formatter serves
// the CloudWatch layout.
type JSONFormatter struct {
	config     *Config
	messageKey string
	timeKey    string
}

// NewJSONFormatter creates a new JSON formatter
func NewJSONFormatter(config *Config) *JSONFormatter {
	return &JSONFormatter{config: config, messageKey: "message", timeKey: "timestamp"}
}

// NewCloudWatchFormatter creates a JSON formatter using msg/time keys
func NewCloudWatchFormatter(config *Config) *JSONFormatter {
	return &JSONFormatter{config: config, messageKey: "msg", timeKey: "time"}
}

// Format formats a log entry as JSON
func (f *JSONFormatter) Format(entry *LogEntry) ([]byte, error) {
	data := make(map[string]any, len(entry.Fields)+5)
	for k, v := range entry.Fields {
		data[k] = v
	}

	data["level"] = entry.Level.String()
	data[f.messageKey] = entry.Message

	if f.config.EnableTimestamp {
		switch f.config.TimeFormat {
		case "unix":
			data[f.timeKey] = entry.Timestamp.Unix()
		case "unixmilli":
			data[f.timeKey] = entry.Timestamp.UnixMilli()
		default:
			data[f.timeKey] = entry.Timestamp.Format(time.RFC3339Nano)
		}
	}
	if f.config.EnableCaller && entry.Caller != "" {
		data["caller"] = entry.Caller
	}
	if entry.Error != nil {
		data["error"] = entry.Error.Error()
	}
	if entry.Data != nil {
		data["data"] = entry.Data
	}

	out, err := json.Marshal(data)
	if err != nil {
		return nil, err
	}
	return append(out, '\n'), nil
}
