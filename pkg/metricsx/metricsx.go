// Package metricsx extends github.com/VictoriaMetrics/metrics with
// label-parameterized counter name formatting, used by the Framer to report
// per-command frame counts and bytes without hand-building Prometheus label
// strings. The supervisor and sync counter helpers defined here are not
// incremented by any caller.
package metricsx

import (
	"strings"

	"github.com/VictoriaMetrics/metrics"
)

func splitName(name string) (base, arg string) {
	if n := len(name); n != 0 {
		base = name
		for i, r := range base {
			if r == '{' {
				if j := len(base) - 1; j > i && base[j] == '}' {
					base, arg = base[:i], base[i+1:j]
					break
				}
			}
		}
	}
	return
}

func formatName(base, arg string, args ...string) string {
	var b strings.Builder
	b.WriteString(base)
	b.WriteByte('{')
	if arg != "" {
		b.WriteString(arg)
	}
	for i := 1; i < len(args); i += 2 {
		if arg != "" || i > 1 {
			b.WriteByte(',')
		}
		b.WriteString(args[i-1])
		b.WriteString("=\"")
		b.WriteString(args[i])
		b.WriteByte('"')
	}
	b.WriteByte('}')
	return b.String()
}

// FormatName builds a VictoriaMetrics metric name of the form
// base{arg,k1="v1",k2="v2"} from a bare base name (which may itself already
// carry a "{...}" suffix, in which case it is merged with the additional
// labels) and a flat list of label key/value pairs.
func FormatName(name string, labels ...string) string {
	base, arg := splitName(name)
	return formatName(base, arg, labels...)
}

// FrameCounter returns the counter tracking frames of the given ADB command
// crossing the Framer in direction ("rx" or "tx"), e.g.
// adb_frame_rx_count{cmd="WRTE"}.
func FrameCounter(direction, cmd string) *metrics.Counter {
	return metrics.GetOrCreateCounter(FormatName("adb_frame_"+direction+"_count", "cmd", cmd))
}

// FrameBytes returns the byte counter for frames of the given ADB command
// crossing the Framer in direction ("rx" or "tx").
func FrameBytes(direction, cmd string) *metrics.Counter {
	return metrics.GetOrCreateCounter(FormatName("adb_frame_"+direction+"_bytes", "cmd", cmd))
}

// SupervisorStateCounter returns the counter tracking transitions into a
// given Supervisor state.
func SupervisorStateCounter(state string) *metrics.Counter {
	return metrics.GetOrCreateCounter(FormatName("adb_supervisor_state_transitions_total", "state", state))
}

// ReconnectCounter returns the counter tracking reconnect attempts, split by
// outcome ("success", "failure", "circuit_open").
func ReconnectCounter(outcome string) *metrics.Counter {
	return metrics.GetOrCreateCounter(FormatName("adb_reconnect_total", "outcome", outcome))
}

// SyncBytesCounter returns the counter tracking SYNC channel payload bytes,
// split by direction ("push") and outcome ("ok", "fail").
func SyncBytesCounter(direction, outcome string) *metrics.Counter {
	return metrics.GetOrCreateCounter(FormatName("adb_sync_bytes_total", "direction", direction, "outcome", outcome))
}
