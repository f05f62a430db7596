// Package envconfig reads the LLAMALOAD_* environment variables.
package envconfig

import (
	"os"
	"sort"
	"strings"
)

// Var returns the trimmed value of key with surrounding quotes removed.
func Var(key string) string {
	return strings.Trim(strings.TrimSpace(os.Getenv(key)), "\"'")
}

func String(key, defaultValue string) func() string {
	return func() string {
		if s := Var(key); s != "" {
			return s
		}
		return defaultValue
	}
}

var (
	// LogLevel is debug|info|warn|error.
	LogLevel = String("LLAMALOAD_LOG_LEVEL", "info")
	// LogFormat is console or json.
	LogFormat = String("LLAMALOAD_LOG_FORMAT", "console")
	// MetricsAddr enables the Prometheus endpoint when non-empty, e.g. ":9090".
	MetricsAddr = String("LLAMALOAD_METRICS_ADDR", "")
	// Stage is auto|mmap|copy.
	Stage = String("LLAMALOAD_STAGE", "auto")
)

type EnvVar struct {
	Name        string
	Value       any
	Description string
}

func AsMap() map[string]EnvVar {
	return map[string]EnvVar{
		"LLAMALOAD_LOG_LEVEL":    {"LLAMALOAD_LOG_LEVEL", LogLevel(), "Log level: debug|info|warn|error (default info)"},
		"LLAMALOAD_LOG_FORMAT":   {"LLAMALOAD_LOG_FORMAT", LogFormat(), "Log format: console|json (default console)"},
		"LLAMALOAD_METRICS_ADDR": {"LLAMALOAD_METRICS_ADDR", MetricsAddr(), "Serve Prometheus metrics on this address (default off)"},
		"LLAMALOAD_STAGE":        {"LLAMALOAD_STAGE", Stage(), "Weight staging: auto|mmap|copy (default auto)"},
	}
}

// Values returns the current settings keyed by variable name.
func Values() map[string]string {
	vals := make(map[string]string)
	for k, v := range AsMap() {
		vals[k] = toString(v.Value)
	}
	return vals
}

// Names returns the known variable names in sorted order.
func Names() []string {
	m := AsMap()
	names := make([]string, 0, len(m))
	for k := range m {
		names = append(names, k)
	}
	sort.Strings(names)
	return names
}

func toString(v any) string {
	if s, ok := v.(string); ok {
		return s
	}
	return ""
}
