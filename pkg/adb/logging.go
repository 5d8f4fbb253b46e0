package adb

import (
	"io"
	"os"
	"path/filepath"
	"sync"

	"github.com/mattn/go-colorable"
	"github.com/mattn/go-isatty"
	"github.com/rs/zerolog"
)

// reopenableWriter lets the log file sink be swapped out from under an
// in-flight zerolog.Logger, so a SIGHUP can reopen a rotated file without
// reconstructing every logger that holds a reference to the writer.
type reopenableWriter struct {
	mu sync.Mutex
	w  io.Writer
}

func (r *reopenableWriter) Write(p []byte) (int, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.w == nil {
		return len(p), nil
	}
	return r.w.Write(p)
}

func (r *reopenableWriter) swap(fn func(old io.Writer) io.Writer) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.w = fn(r.w)
}

// ConfigureLogging builds the logger described by c: an optional
// console sink (colorized if both LogStdoutPretty and a real TTY) and an
// optional file sink. The returned reopen function reopens the file sink in
// place, for use from a SIGHUP handler; it is nil if no log file is
// configured.
func ConfigureLogging(c *Config) (l zerolog.Logger, reopen func(), err error) {
	var outputs []io.Writer

	if c.LogStdout {
		if c.LogStdoutPretty && isatty.IsTerminal(os.Stdout.Fd()) {
			outputs = append(outputs, zerolog.ConsoleWriter{Out: colorable.NewColorableStdout()})
		} else if c.LogStdoutPretty {
			outputs = append(outputs, zerolog.ConsoleWriter{Out: os.Stdout, NoColor: true})
		} else {
			outputs = append(outputs, os.Stdout)
		}
	}

	if fn := c.LogFile; fn != "" {
		fn, err = filepath.Abs(fn)
		if err != nil {
			return l, nil, err
		}
		rw := &reopenableWriter{}
		reopen = func() {
			rw.swap(func(old io.Writer) io.Writer {
				if o, ok := old.(io.Closer); ok {
					o.Close()
				}
				f, ferr := os.OpenFile(fn, os.O_WRONLY|os.O_CREATE|os.O_APPEND, 0o644)
				if ferr != nil {
					return nil
				}
				return f
			})
		}
		outputs = append(outputs, rw)
		reopen()
	}

	l = zerolog.New(zerolog.MultiLevelWriter(outputs...)).
		Level(c.LogLevel).
		With().
		Timestamp().
		Logger()
	return l, reopen, nil
}
