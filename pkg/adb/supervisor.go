package adb

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/nativeadb/adb/pkg/auditdb"
	"github.com/nativeadb/adb/pkg/devicestore"
)

// Conn is what the Supervisor needs from a Connection: establish it, probe
// it, tear it down, and identify which device it is talking to. Expressed as
// an interface so the reconnect/backoff/circuit-breaker state machine can be
// tested without a real TCP peer.
type Conn interface {
	Connect(ctx context.Context) error
	Heartbeat() error
	Close() error
	Fingerprint() string
}

// State is one point in the Supervisor's connection lifecycle.
type State int

const (
	Disconnected State = iota
	Connecting
	Authenticating
	Connected
	Errored
)

func (s State) String() string {
	switch s {
	case Disconnected:
		return "disconnected"
	case Connecting:
		return "connecting"
	case Authenticating:
		return "authenticating"
	case Connected:
		return "connected"
	case Errored:
		return "error"
	default:
		return "unknown"
	}
}

// Supervisor owns a Connection's lifecycle: dialing, reconnect backoff, a
// circuit breaker, and a periodic heartbeat. Reconnects single-flight the
// way an auto-update manager single-flights a version refresh: one in-flight
// attempt, every other caller parks on a condition variable and shares its
// result.
//
// Backoff and failure accounting are a pluggable-predicate + consecutive
// error counter, mirroring a single-flight refresher that tracks
// (lastErr, lastErrTime, errCount) and asks a backoff function whether
// another attempt is currently allowed.
type Supervisor struct {
	cfg     *Config
	log     zerolog.Logger
	devices *devicestore.Store
	audit   *auditdb.DB

	newConn func() Conn

	mu       sync.Mutex
	cv       *sync.Cond
	state    State
	conn     Conn
	inFlight bool

	failCount int
	failAt    time.Time

	stopCh  chan struct{}
	stopped bool
}

// NewSupervisor builds a Supervisor that creates Connections via newConn
// (normally NewConnection bound to cfg/log/devices/audit).
func NewSupervisor(cfg *Config, log zerolog.Logger, devices *devicestore.Store, audit *auditdb.DB, newConn func() Conn) *Supervisor {
	sv := &Supervisor{
		cfg:     cfg,
		log:     log,
		devices: devices,
		audit:   audit,
		newConn: newConn,
		state:   Disconnected,
		stopCh:  make(chan struct{}),
	}
	sv.cv = sync.NewCond(&sv.mu)
	return sv
}

// State returns the Supervisor's current lifecycle state.
func (sv *Supervisor) State() State {
	sv.mu.Lock()
	defer sv.mu.Unlock()
	return sv.state
}

func (sv *Supervisor) setState(s State) {
	sv.mu.Lock()
	sv.state = s
	sv.mu.Unlock()
	sv.log.Info().Str("state", s.String()).Msg("supervisor state transition")
	if sv.audit != nil {
		sv.audit.Append(auditdb.Event{Time: time.Now(), DeviceAddr: sv.cfg.Addr(), Kind: "supervisor_" + s.String()})
	}
}

// circuitOpenLocked reports whether the failure count/window condition currently
// blocks new connection attempts. Caller must hold sv.mu.
func (sv *Supervisor) circuitOpenLocked() bool {
	if sv.failCount < sv.cfg.CircuitBreakerFailures {
		return false
	}
	return time.Since(sv.failAt) < sv.cfg.CircuitBreakerWindow
}

// Connect establishes a Connection if not already connected, single-flighting
// concurrent callers the way a refresh manager single-flights a version
// check: only one caller actually dials; the rest wait for its result.
func (sv *Supervisor) Connect(ctx context.Context) (Conn, error) {
	sv.mu.Lock()
	if sv.circuitOpenLocked() {
		sv.mu.Unlock()
		return nil, ErrCircuitOpen
	}
	if sv.inFlight {
		for sv.inFlight {
			sv.cv.Wait()
		}
		defer sv.mu.Unlock()
		if sv.conn != nil {
			return sv.conn, nil
		}
		return nil, fmt.Errorf("adb: %w", ErrReconnectTimeout)
	}
	if sv.conn != nil && sv.state == Connected {
		defer sv.mu.Unlock()
		return sv.conn, nil
	}
	sv.inFlight = true
	sv.mu.Unlock()

	defer func() {
		sv.mu.Lock()
		sv.inFlight = false
		sv.cv.Broadcast()
		sv.mu.Unlock()
	}()

	sv.setState(Connecting)
	conn := sv.newConn()
	sv.setState(Authenticating)

	if sv.audit != nil {
		sv.audit.Append(auditdb.Event{Time: time.Now(), DeviceAddr: sv.cfg.Addr(), Kind: "reconnect_attempt"})
	}

	if err := conn.Connect(ctx); err != nil {
		sv.recordFailure(err)
		sv.setState(Errored)
		return nil, err
	}

	sv.mu.Lock()
	sv.conn = conn
	sv.failCount = 0
	sv.failAt = time.Time{}
	sv.mu.Unlock()
	sv.setState(Connected)
	if sv.audit != nil {
		sv.audit.Append(auditdb.Event{Time: time.Now(), DeviceAddr: sv.cfg.Addr(), Fingerprint: conn.Fingerprint(), Kind: "reconnect_ok"})
	}
	return conn, nil
}

func (sv *Supervisor) recordFailure(err error) {
	sv.mu.Lock()
	sv.failCount++
	sv.failAt = time.Now()
	opened := sv.circuitOpenLocked()
	sv.mu.Unlock()

	sv.log.Warn().Err(err).Int("fail_count", sv.failCount).Msg("connection attempt failed")
	if opened && sv.audit != nil {
		sv.audit.Append(auditdb.Event{Time: time.Now(), DeviceAddr: sv.cfg.Addr(), Kind: "circuit_open", Detail: err.Error()})
	}
}

// reconnectBackoff computes the Nth (1-indexed) reconnect delay: 1s, 2s, 4s,
// ... capped at a fixed ceiling of 60s.
func reconnectBackoff(attempt int) time.Duration {
	const ceiling = 60 * time.Second
	d := time.Second
	for i := 1; i < attempt; i++ {
		d *= 2
		if d >= ceiling {
			return ceiling
		}
	}
	return d
}

// Run drives the reconnect loop and periodic heartbeat until ctx is
// cancelled or Stop is called. It blocks.
func (sv *Supervisor) Run(ctx context.Context) error {
	attempt := 0
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-sv.stopCh:
			return nil
		default:
		}

		conn, err := sv.Connect(ctx)
		if err != nil {
			attempt++
			if sv.cfg.ReconnectMaxAttempts > 0 && attempt >= sv.cfg.ReconnectMaxAttempts {
				return fmt.Errorf("adb: %w: %d attempts exhausted", ErrReconnectTimeout, attempt)
			}
			delay := reconnectBackoff(attempt)
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-sv.stopCh:
				return nil
			case <-time.After(delay):
			}
			continue
		}
		attempt = 0

		sv.heartbeatLoop(ctx, conn)

		sv.mu.Lock()
		sv.conn = nil
		sv.mu.Unlock()
		sv.setState(Disconnected)
	}
}

// heartbeatLoop runs echo-heartbeat probes on conn's shell channel at
// cfg.HeartbeatInterval until one fails, ctx is cancelled, or Stop is called.
func (sv *Supervisor) heartbeatLoop(ctx context.Context, conn Conn) {
	t := time.NewTicker(sv.cfg.HeartbeatInterval)
	defer t.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-sv.stopCh:
			return
		case <-t.C:
			if err := conn.Heartbeat(); err != nil {
				sv.log.Warn().Err(err).Msg("heartbeat failed, tearing down connection")
				conn.Close()
				sv.devices.MarkError(conn.Fingerprint(), err)
				return
			}
		}
	}
}

// Stop halts Run and tears down the current Connection, if any.
func (sv *Supervisor) Stop() {
	sv.mu.Lock()
	if sv.stopped {
		sv.mu.Unlock()
		return
	}
	sv.stopped = true
	conn := sv.conn
	sv.mu.Unlock()

	close(sv.stopCh)
	if conn != nil {
		conn.Close()
	}
	sv.setState(Disconnected)
}
