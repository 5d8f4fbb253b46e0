// Package adb wires the wire codec, transport, stream multiplexer, shell and
// sync channels, key store, device registry, and audit log into a single
// supervised client connection.
package adb

import (
	"fmt"
	"reflect"
	"strconv"
	"strings"
	"time"

	"github.com/rs/zerolog"
)

// Config holds every knob this client recognizes. The env struct tag names
// the environment variable and its default; a trailing "?" on the key allows
// the variable to be explicitly set to an empty value instead of falling
// back to the default.
type Config struct {
	// Host and Port address the ADB peer.
	Host string `env:"ADB_HOST=127.0.0.1"`
	Port int    `env:"ADB_PORT=5555"`

	// DataDir is the private directory holding adb_keys/. The audit database
	// location is set separately by AuditDBPath.
	DataDir string `env:"ADB_DATA_DIR=."`

	// ConnectTimeout bounds the initial TCP dial.
	ConnectTimeout time.Duration `env:"ADB_CONNECT_TIMEOUT_MS=5000ms"`

	// ReadTimeout bounds reads during the AUTH handshake; it is cleared
	// (unbounded reads) once the connection reaches CONNECTED.
	ReadTimeout time.Duration `env:"ADB_READ_TIMEOUT_MS=30000ms"`

	// HeartbeatInterval is clamped to [10s, 120s] by Normalize.
	HeartbeatInterval time.Duration `env:"ADB_HEARTBEAT_INTERVAL_MS=30000ms"`

	// MaxPayloadBytes caps any single frame's payload.
	MaxPayloadBytes int `env:"ADB_MAX_PAYLOAD_BYTES=16777216"`

	// SyncChunkBytes is the DATA frame chunk size used by pkg/adbsync.
	SyncChunkBytes int `env:"ADB_SYNC_CHUNK_BYTES=32768"`

	// ReconnectMaxAttempts caps the Supervisor's reconnect loop; 0 means
	// unlimited.
	ReconnectMaxAttempts int `env:"ADB_RECONNECT_MAX_ATTEMPTS=0"`

	// CircuitBreakerFailures and CircuitBreakerWindow bound the Supervisor's
	// circuit breaker: this many consecutive failures within the window trip
	// it open.
	CircuitBreakerFailures int           `env:"ADB_CIRCUIT_BREAKER_FAILURES=5"`
	CircuitBreakerWindow   time.Duration `env:"ADB_CIRCUIT_BREAKER_WINDOW_MS=30000ms"`

	// LogLevel is the minimum level emitted to any sink.
	LogLevel zerolog.Level `env:"ADB_LOG_LEVEL=info"`

	// LogStdout and LogStdoutPretty control the console sink.
	LogStdout       bool `env:"ADB_LOG_STDOUT=true"`
	LogStdoutPretty bool `env:"ADB_LOG_STDOUT_PRETTY=true"`

	// LogFile, if set, is reopened on SIGHUP (see logging.go).
	LogFile string `env:"ADB_LOG_FILE"`

	// AuditDBPath enables pkg/auditdb when non-empty.
	AuditDBPath string `env:"ADB_AUDIT_DB_PATH"`

	// MetricsAddr, if set, serves VictoriaMetrics text exposition on this
	// address.
	MetricsAddr string `env:"ADB_METRICS_ADDR"`
}

// Addr returns the dial target as host:port.
func (c *Config) Addr() string {
	return c.Host + ":" + strconv.Itoa(c.Port)
}

// Normalize clamps HeartbeatInterval into its documented [10s, 120s] range
// and fills in a zero Port. It should be called once after UnmarshalEnv.
func (c *Config) Normalize() {
	const minHeartbeat = 10 * time.Second
	const maxHeartbeat = 120 * time.Second
	switch {
	case c.HeartbeatInterval < minHeartbeat:
		c.HeartbeatInterval = minHeartbeat
	case c.HeartbeatInterval > maxHeartbeat:
		c.HeartbeatInterval = maxHeartbeat
	}
	if c.Port == 0 {
		c.Port = 5555
	}
}

// UnmarshalEnv populates c from a list of "KEY=VALUE" strings (as returned by
// os.Environ or parsed from an env file), applying the env tag defaults for
// anything absent. If incremental is true, fields whose variable is missing
// from es are left untouched instead of reset to their default.
func (c *Config) UnmarshalEnv(es []string, incremental bool) error {
	em := map[string]string{}
	for _, e := range es {
		if k, v, ok := strings.Cut(e, "="); ok {
			em[k] = v
		}
	}

	cv := reflect.ValueOf(c).Elem()
	for _, ctf := range reflect.VisibleFields(cv.Type()) {
		env, ok := ctf.Tag.Lookup("env")
		if !ok {
			continue
		}

		var unsettable bool
		key, val, _ := strings.Cut(env, "=")
		if strings.HasSuffix(key, "?") {
			key = strings.TrimSuffix(key, "?")
			unsettable = true
		}

		if v, exists := em[key]; exists {
			if unsettable || v != "" {
				val = v
			}
			delete(em, key)
		} else if incremental {
			continue
		}

		cvf := cv.FieldByName(ctf.Name)
		switch cvf.Interface().(type) {
		case string:
			cvf.SetString(val)
		case int, int8, int16, int32, int64:
			if val == "" {
				cvf.SetInt(0)
			} else if v, err := strconv.ParseInt(val, 10, 64); err == nil {
				cvf.SetInt(v)
			} else {
				return fmt.Errorf("env %s (%T): parse %q: %w", key, cvf.Interface(), val, err)
			}
		case bool:
			if val == "" {
				cvf.SetBool(false)
			} else if v, err := strconv.ParseBool(val); err == nil {
				cvf.SetBool(v)
			} else {
				return fmt.Errorf("env %s (%T): parse %q: %w", key, cvf.Interface(), val, err)
			}
		case zerolog.Level:
			if v, err := zerolog.ParseLevel(val); err == nil {
				cvf.Set(reflect.ValueOf(v))
			} else {
				return fmt.Errorf("env %s (%T): parse %q: %w", key, cvf.Interface(), val, err)
			}
		case time.Duration:
			if v, err := time.ParseDuration(val); err == nil {
				cvf.Set(reflect.ValueOf(v))
			} else {
				return fmt.Errorf("env %s (%T): parse %q: %w", key, cvf.Interface(), val, err)
			}
		default:
			return fmt.Errorf("unhandled type %T (%s)", cvf.Interface(), env)
		}
	}

	for key, val := range em {
		if strings.HasPrefix(key, "ADB_") && val != "" {
			return fmt.Errorf("unknown environment variable %q", key)
		}
	}

	c.Normalize()
	return nil
}
