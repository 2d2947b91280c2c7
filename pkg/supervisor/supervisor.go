package supervisor

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v5"

	"github.com/toolmux/toolmux/pkg/logging"
	"github.com/toolmux/toolmux/pkg/transport"
)

// State is the connection state of one supervised upstream.
type State string

const (
	StateDisconnected State = "disconnected"
	StateConnecting   State = "connecting"
	StateConnected    State = "connected"
	StateReconnecting State = "reconnecting"
	// StateFailed means the retry budget is exhausted. Terminal until a
	// manual Reconnect.
	StateFailed State = "failed"
)

// Transition describes one state change. NextRetryDelay is set only when a
// retry has been scheduled.
type Transition struct {
	From           State
	To             State
	RetryCount     int
	NextRetryDelay time.Duration
	Err            error
}

// Options configures a Supervisor.
type Options struct {
	// Policy is the reconnection schedule. Zero fields take defaults.
	Policy Policy
	// ConnectTimeout bounds each connection attempt (default 30s).
	ConnectTimeout time.Duration
	// HealthCheckInterval enables periodic liveness probing when positive
	// and the transport implements transport.Prober.
	HealthCheckInterval time.Duration
	// OnConnect runs after the transport starts and must succeed for the
	// attempt to count as connected. Its failure closes the channel.
	OnConnect func(ctx context.Context) error
	// OnTransition observes every state change, in order.
	OnTransition func(t Transition)
	// Logger receives supervisor events.
	Logger *slog.Logger
}

const defaultConnectTimeout = 30 * time.Second

// Supervisor drives one transport through the connection state machine.
// It implements transport.Transport so the protocol client above it is
// unaware of reconnection.
type Supervisor struct {
	tr   transport.Transport
	opts Options
	log  *slog.Logger

	mu         sync.Mutex
	state      State
	retryCount int
	manual     bool
	lastErr    error
	outer      transport.Handler
	bo         *backoff.ExponentialBackOff
	retryTimer *time.Timer
	gen        int
	healthStop context.CancelFunc
	pending    []Transition

	emitMu sync.Mutex
}

// New creates a supervisor around the given transport.
func New(tr transport.Transport, opts Options) *Supervisor {
	if opts.Logger == nil {
		opts.Logger = logging.NewDiscardLogger()
	}
	if opts.ConnectTimeout <= 0 {
		opts.ConnectTimeout = defaultConnectTimeout
	}
	opts.Policy = opts.Policy.withDefaults()
	return &Supervisor{
		tr:    tr,
		opts:  opts,
		log:   opts.Logger,
		state: StateDisconnected,
		bo:    opts.Policy.newBackOff(),
	}
}

// SetHandler installs the handler whose callbacks are forwarded from the
// underlying transport. Must be called before Start.
func (s *Supervisor) SetHandler(h transport.Handler) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.outer = h
}

// State returns the current connection state.
func (s *Supervisor) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// LastError returns the most recent connection error, if any.
func (s *Supervisor) LastError() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastErr
}

// Start establishes the connection. A failed first attempt enters the same
// retry path as an unexpected disconnection; Start returns the first
// attempt's error either way.
func (s *Supervisor) Start(ctx context.Context) error {
	s.mu.Lock()
	if s.state == StateConnected || s.state == StateConnecting || s.state == StateReconnecting {
		s.mu.Unlock()
		return nil
	}
	s.manual = false
	s.retryCount = 0
	s.bo.Reset()
	s.setStateLocked(StateConnecting, 0, nil)
	gen := s.nextGenLocked()
	s.mu.Unlock()
	s.flush()

	return s.attempt(ctx, gen)
}

// Reconnect cancels any pending retry, resets the retry budget, and
// performs close-then-start regardless of current state.
func (s *Supervisor) Reconnect(ctx context.Context) error {
	s.mu.Lock()
	s.cancelRetryLocked()
	s.stopHealthLocked()
	s.manual = false
	s.retryCount = 0
	s.bo.Reset()
	gen := s.nextGenLocked()
	s.setStateLocked(StateConnecting, 0, nil)
	s.mu.Unlock()
	s.flush()

	// Stale callbacks from the old channel are fenced off by the new
	// generation, so this close is safe in any state.
	_ = s.tr.Close()

	return s.attempt(ctx, gen)
}

// Send delegates to the transport. Refused outright in the disconnected
// and failed states; while an attempt is in flight the inner transport
// decides (the OnConnect handshake sends through here).
func (s *Supervisor) Send(ctx context.Context, data []byte) error {
	s.mu.Lock()
	state := s.state
	s.mu.Unlock()

	if state == StateDisconnected || state == StateFailed {
		return transport.ErrNotConnected
	}
	return s.tr.Send(ctx, data)
}

// Close disconnects manually: cancels any pending retry, closes the
// transport, and suppresses automatic reconnection. Idempotent, safe from
// any state.
func (s *Supervisor) Close() error {
	s.mu.Lock()
	s.manual = true
	s.cancelRetryLocked()
	s.stopHealthLocked()
	s.nextGenLocked()
	if s.state != StateDisconnected {
		s.setStateLocked(StateDisconnected, 0, nil)
	}
	s.mu.Unlock()
	s.flush()

	return s.tr.Close()
}

// attempt performs one connection attempt and settles its outcome.
func (s *Supervisor) attempt(ctx context.Context, gen int) error {
	s.tr.SetHandler(s.channelHandler(gen))

	actx, cancel := context.WithTimeout(ctx, s.opts.ConnectTimeout)
	defer cancel()

	err := s.tr.Start(actx)
	if err == nil && s.opts.OnConnect != nil {
		if hookErr := s.opts.OnConnect(actx); hookErr != nil {
			_ = s.tr.Close()
			err = hookErr
		}
	}

	s.mu.Lock()
	if s.manual || gen != s.gen {
		// Pre-empted by Close or a newer Reconnect while attempting.
		s.mu.Unlock()
		if err == nil {
			_ = s.tr.Close()
		}
		return err
	}

	if err != nil {
		s.settleFailureLocked(err, gen)
		s.mu.Unlock()
		s.flush()
		return err
	}

	s.retryCount = 0
	s.bo.Reset()
	s.lastErr = nil
	s.setStateLocked(StateConnected, 0, nil)
	s.startHealthLocked(gen)
	s.mu.Unlock()
	s.flush()
	return nil
}

// settleFailureLocked records a failed attempt and either schedules the
// next retry or exhausts the budget.
func (s *Supervisor) settleFailureLocked(err error, gen int) {
	s.retryCount++
	s.lastErr = err

	if s.retryCount < s.opts.Policy.MaxAttempts && transport.Retryable(err) {
		delay := s.bo.NextBackOff()
		s.setStateLocked(StateReconnecting, delay, err)
		s.scheduleRetryLocked(delay, gen)
		return
	}

	s.setStateLocked(StateFailed, 0, err)
	s.log.Warn("retry budget exhausted", "attempts", s.retryCount, "error", err)
}

// scheduleRetryLocked arms the retry timer. Exactly one retry is in flight
// at a time; the timer handle is cleared by cancelRetryLocked.
func (s *Supervisor) scheduleRetryLocked(delay time.Duration, gen int) {
	s.retryTimer = time.AfterFunc(delay, func() {
		s.mu.Lock()
		if s.manual || gen != s.gen || s.state != StateReconnecting {
			s.mu.Unlock()
			return
		}
		s.retryTimer = nil
		s.mu.Unlock()

		_ = s.attempt(context.Background(), gen)
	})
}

// cancelRetryLocked stops and clears any pending retry timer.
func (s *Supervisor) cancelRetryLocked() {
	if s.retryTimer != nil {
		s.retryTimer.Stop()
		s.retryTimer = nil
	}
}

// channelHandler builds the transport handler for one channel generation.
// Callbacks from earlier generations are dropped.
func (s *Supervisor) channelHandler(gen int) transport.Handler {
	return transport.Handler{
		OnMessage: func(data []byte) {
			s.mu.Lock()
			outer := s.outer
			stale := gen != s.gen
			s.mu.Unlock()
			if stale || outer.OnMessage == nil {
				return
			}
			outer.OnMessage(data)
		},
		OnError: func(err error) {
			s.mu.Lock()
			outer := s.outer
			stale := gen != s.gen
			s.mu.Unlock()
			if stale {
				return
			}
			s.log.Warn("transport error", "error", err)
			if outer.OnError != nil {
				outer.OnError(err)
			}
		},
		OnClose: func() {
			s.handleUnexpectedClose(gen, nil)
		},
	}
}

// handleUnexpectedClose runs the disconnection path for a channel loss that
// was not caused by Close.
func (s *Supervisor) handleUnexpectedClose(gen int, cause error) {
	s.mu.Lock()
	if s.manual || gen != s.gen {
		s.mu.Unlock()
		return
	}
	outer := s.outer
	if s.state != StateConnected {
		// Channel died mid-attempt. The in-flight attempt settles the
		// state machine; just let the layer above fail its calls.
		s.mu.Unlock()
		if outer.OnClose != nil {
			outer.OnClose()
		}
		return
	}
	s.stopHealthLocked()
	s.setStateLocked(StateDisconnected, 0, cause)

	if s.retryCount < s.opts.Policy.MaxAttempts {
		delay := s.bo.NextBackOff()
		s.setStateLocked(StateReconnecting, delay, cause)
		s.scheduleRetryLocked(delay, gen)
	} else {
		s.setStateLocked(StateFailed, 0, cause)
	}
	s.mu.Unlock()
	s.flush()

	if outer.OnClose != nil {
		outer.OnClose()
	}
}

// startHealthLocked launches the probe loop when enabled and supported.
func (s *Supervisor) startHealthLocked(gen int) {
	prober, ok := s.tr.(transport.Prober)
	if !ok || s.opts.HealthCheckInterval <= 0 {
		return
	}

	hctx, cancel := context.WithCancel(context.Background())
	s.healthStop = cancel

	go func() {
		ticker := time.NewTicker(s.opts.HealthCheckInterval)
		defer ticker.Stop()
		for {
			select {
			case <-hctx.Done():
				return
			case <-ticker.C:
				if err := prober.Probe(hctx); err != nil {
					s.log.Warn("health check failed", "error", err)
					_ = s.tr.Close()
					s.handleUnexpectedClose(gen, err)
					return
				}
			}
		}
	}()
}

// stopHealthLocked cancels the probe loop.
func (s *Supervisor) stopHealthLocked() {
	if s.healthStop != nil {
		s.healthStop()
		s.healthStop = nil
	}
}

// nextGenLocked fences off callbacks and timers from the previous channel.
func (s *Supervisor) nextGenLocked() int {
	s.gen++
	return s.gen
}

// setStateLocked queues one transition for emission.
func (s *Supervisor) setStateLocked(to State, delay time.Duration, err error) {
	t := Transition{
		From:           s.state,
		To:             to,
		RetryCount:     s.retryCount,
		NextRetryDelay: delay,
		Err:            err,
	}
	s.state = to
	s.pending = append(s.pending, t)
}

// flush emits queued transitions in order. A dedicated mutex serializes
// emission so observers see one upstream's transitions sequentially.
func (s *Supervisor) flush() {
	s.emitMu.Lock()
	defer s.emitMu.Unlock()

	s.mu.Lock()
	events := s.pending
	s.pending = nil
	s.mu.Unlock()

	for _, t := range events {
		s.log.Debug("state transition", "from", t.From, "to", t.To, "retry_count", t.RetryCount, "next_retry_delay", t.NextRetryDelay, "error", t.Err)
		if s.opts.OnTransition != nil {
			s.opts.OnTransition(t)
		}
	}
}
