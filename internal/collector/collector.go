package collector

import (
	"bufio"
	"context"
	"crypto/rand"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/oklog/ulid/v2"
	"golang.org/x/sync/errgroup"

	"github.com/verte-zerg/keyheat/internal/logging"
	"github.com/verte-zerg/keyheat/internal/model"
	"github.com/verte-zerg/keyheat/internal/transport"
)

// Transport opens the byte stream log lines are read from. Each call to Open
// is one connection attempt.
type Transport interface {
	Open(ctx context.Context) (io.ReadCloser, error)
}

// finite is implemented by transports whose EOF marks the end of input
// rather than a disconnect.
type finite interface {
	Finite() bool
}

// State is a stage of the connection state machine.
type State int

// Connection states.
const (
	StateIdle State = iota
	StateConnecting
	StateReading
	StateReconnecting
	StateStopping
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateConnecting:
		return "connecting"
	case StateReading:
		return "reading"
	case StateReconnecting:
		return "reconnecting"
	case StateStopping:
		return "stopping"
	case StateClosed:
		return "closed"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

// BackoffConfig bounds the delay between reconnect attempts.
type BackoffConfig struct {
	Initial time.Duration
	Max     time.Duration
}

// Config controls one collection run.
type Config struct {
	DeviceID  string
	SessionID string
	// Duration stops collection once elapsed. Zero means unbounded.
	Duration           time.Duration
	CheckpointInterval time.Duration
	// CheckpointEvery also checkpoints after this many counted presses. Zero disables it.
	CheckpointEvery int
	// MaxReconnects is the number of consecutive failed reconnect attempts
	// tolerated before the session ends as disconnected.
	MaxReconnects int
	RetainEvents  bool
	PollInterval  time.Duration
	MaxLineLength int
	Backoff       BackoffConfig
}

// DefaultConfig returns the collection defaults.
func DefaultConfig() Config {
	return Config{
		CheckpointInterval: 30 * time.Second,
		MaxReconnects:      5,
		PollInterval:       250 * time.Millisecond,
		MaxLineLength:      4096,
		Backoff: BackoffConfig{
			Initial: 500 * time.Millisecond,
			Max:     10 * time.Second,
		},
	}
}

func (c Config) withDefaults() Config {
	def := DefaultConfig()
	if c.PollInterval <= 0 {
		c.PollInterval = def.PollInterval
	}
	if c.MaxLineLength <= 0 {
		c.MaxLineLength = def.MaxLineLength
	}
	if c.MaxReconnects < 0 {
		c.MaxReconnects = 0
	}
	if c.Backoff.Initial <= 0 {
		c.Backoff.Initial = def.Backoff.Initial
	}
	if c.Backoff.Max < c.Backoff.Initial {
		c.Backoff.Max = max(def.Backoff.Max, c.Backoff.Initial)
	}
	return c
}

// Result is the outcome of a collection run.
type Result struct {
	Session            model.SessionData
	Status             model.Status
	Unmapped           int
	Checkpoints        int
	CheckpointFailures int
	LastCheckpointErr  error
}

// Option customises a Collector.
type Option func(*Collector)

// WithLogger sets the diagnostics sink.
func WithLogger(logger *slog.Logger) Option {
	return func(c *Collector) {
		if logger != nil {
			c.logger = logger
		}
	}
}

// WithClock replaces the wall clock used for session times and duration checks.
func WithClock(now func() time.Time) Option {
	return func(c *Collector) {
		if now != nil {
			c.now = now
		}
	}
}

// WithSleep replaces the reconnect delay.
func WithSleep(sleep func(ctx context.Context, d time.Duration) error) Option {
	return func(c *Collector) {
		if sleep != nil {
			c.sleep = sleep
		}
	}
}

// WithStateHook registers a function called on every state transition.
func WithStateHook(fn func(from, to State)) Option {
	return func(c *Collector) {
		c.onState = fn
	}
}

// Collector reads log lines from a transport and aggregates them into a session.
type Collector struct {
	transport Transport
	layout    *model.LayoutConfig
	cp        Checkpointer
	cfg       Config

	logger  *slog.Logger
	now     func() time.Time
	sleep   func(ctx context.Context, d time.Duration) error
	onState func(from, to State)

	state      State
	session    *Session
	started    time.Time
	writer     *checkpointWriter
	checkpoint <-chan time.Time
	backoff    *backoff.ExponentialBackOff
	conn       io.ReadCloser
	connected  bool
	attempts   int
	sinceCP    int
	unmapped   int
}

// New builds a Collector. layout and cp may be nil.
func New(t Transport, layout *model.LayoutConfig, cp Checkpointer, cfg Config, opts ...Option) *Collector {
	if cp == nil {
		cp = CheckpointFunc(func(context.Context, model.SessionData) error { return nil })
	}
	c := &Collector{
		transport: t,
		layout:    layout,
		cp:        cp,
		cfg:       cfg.withDefaults(),
		logger:    logging.Discard(),
		now:       time.Now,
		sleep:     sleepContext,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Collect runs a collection for at most duration (zero means until cancelled
// or the transport ends).
func Collect(ctx context.Context, t Transport, layout *model.LayoutConfig, duration time.Duration, cp Checkpointer, cfg Config, opts ...Option) (Result, error) {
	cfg.Duration = duration
	return New(t, layout, cp, cfg, opts...).Run(ctx)
}

// NewSessionID returns a fresh sortable session id.
func NewSessionID() string {
	return ulid.MustNew(ulid.Timestamp(time.Now()), ulid.Monotonic(rand.Reader, 0)).String()
}

// State returns the current connection state.
func (c *Collector) State() State {
	return c.state
}

// Run collects until the duration elapses, ctx is cancelled, the transport
// ends, or reconnects are exhausted. The returned error is non-nil only when
// the final checkpoint could not be written; the Result is valid either way.
func (c *Collector) Run(ctx context.Context) (Result, error) {
	if c.state != StateIdle {
		return Result{}, errors.New("collector: already run")
	}
	id := c.cfg.SessionID
	if id == "" {
		id = NewSessionID()
	}
	c.started = c.now().UTC()
	c.session = OpenSession(id, c.cfg.DeviceID, c.started, c.cfg.RetainEvents)
	c.writer = newCheckpointWriter(c.cp, c.logger)
	c.backoff = &backoff.ExponentialBackOff{
		InitialInterval:     c.cfg.Backoff.Initial,
		RandomizationFactor: backoff.DefaultRandomizationFactor,
		Multiplier:          backoff.DefaultMultiplier,
		MaxInterval:         c.cfg.Backoff.Max,
	}
	c.backoff.Reset()

	// Checkpoint writes outlive cancellation so the final state always lands.
	persistCtx := context.WithoutCancel(ctx)
	var g errgroup.Group
	g.Go(func() error { return c.writer.run(persistCtx) })

	if c.cfg.CheckpointInterval > 0 {
		ticker := time.NewTicker(c.cfg.CheckpointInterval)
		defer ticker.Stop()
		c.checkpoint = ticker.C
	}

	c.logger.Info("collection started", "session", id, "device", c.cfg.DeviceID, "duration", c.cfg.Duration)

	status := model.StatusClosed
	c.transition(StateConnecting)
	for c.state != StateStopping {
		var next State
		switch c.state {
		case StateConnecting:
			next, status = c.connect(ctx)
		case StateReading:
			next, status = c.read(ctx)
		case StateReconnecting:
			next, status = c.reconnect(ctx)
		default:
			next, status = StateStopping, model.StatusClosed
		}
		c.transition(next)
	}

	c.writer.close()
	_ = g.Wait()

	final := c.session.Close(status, c.now().UTC())
	res := Result{
		Session:            final,
		Status:             status,
		Unmapped:           c.unmapped,
		Checkpoints:        c.writer.written,
		CheckpointFailures: c.writer.failures,
		LastCheckpointErr:  c.writer.lastErr,
	}
	err := c.cp.Checkpoint(persistCtx, final)
	c.transition(StateClosed)
	if err != nil {
		res.CheckpointFailures++
		res.LastCheckpointErr = err
		c.logger.Error("final checkpoint failed", "session", id, "err", err)
		return res, fmt.Errorf("final checkpoint: %w", err)
	}
	res.Checkpoints++
	c.logger.Info("collection finished",
		"session", id,
		"status", status,
		"total", final.TotalKeypresses,
		"skipped", final.SkippedLines,
		"reconnects", final.Reconnects,
	)
	return res, nil
}

func (c *Collector) transition(next State) {
	if next == c.state {
		return
	}
	prev := c.state
	c.state = next
	c.logger.Debug("collector state", "from", prev, "to", next)
	if c.onState != nil {
		c.onState(prev, next)
	}
}

func (c *Collector) expired() bool {
	return c.cfg.Duration > 0 && c.now().Sub(c.started) >= c.cfg.Duration
}

// stopCheck reports a stop status when ctx is done or the duration elapsed.
func (c *Collector) stopCheck(ctx context.Context) (model.Status, bool) {
	if ctx.Err() != nil {
		return model.StatusCancelled, true
	}
	if c.expired() {
		return model.StatusExpired, true
	}
	return "", false
}

func (c *Collector) connect(ctx context.Context) (State, model.Status) {
	if status, stop := c.stopCheck(ctx); stop {
		return StateStopping, status
	}
	conn, err := c.transport.Open(ctx)
	if err != nil {
		if status, stop := c.stopCheck(ctx); stop {
			return StateStopping, status
		}
		c.logger.Warn("transport open failed", "transport", describe(c.transport), "err", err)
		return StateReconnecting, ""
	}
	if c.connected {
		c.session.Reconnected()
		c.logger.Info("transport reconnected", "transport", describe(c.transport))
	}
	c.connected = true
	c.conn = conn
	return StateReading, ""
}

func (c *Collector) reconnect(ctx context.Context) (State, model.Status) {
	c.attempts++
	if c.attempts > c.cfg.MaxReconnects {
		c.logger.Warn("reconnect attempts exhausted", "attempts", c.attempts-1, "max", c.cfg.MaxReconnects)
		return StateStopping, model.StatusDisconnected
	}
	delay := c.backoff.NextBackOff()
	if delay == backoff.Stop {
		return StateStopping, model.StatusDisconnected
	}
	c.logger.Warn("reconnecting", "attempt", c.attempts, "max", c.cfg.MaxReconnects, "delay", delay)
	if err := c.sleep(ctx, delay); err != nil {
		return StateStopping, model.StatusCancelled
	}
	if status, stop := c.stopCheck(ctx); stop {
		return StateStopping, status
	}
	return StateConnecting, ""
}

func (c *Collector) read(ctx context.Context) (State, model.Status) {
	conn := c.conn
	c.conn = nil
	done := make(chan struct{})
	lines := make(chan rawLine)
	errc := make(chan error, 1)
	go func() {
		errc <- readLines(conn, c.cfg.MaxLineLength, lines, done)
	}()
	defer func() {
		close(done)
		_ = conn.Close()
	}()

	poll := time.NewTicker(c.cfg.PollInterval)
	defer poll.Stop()

	for {
		if status, stop := c.stopCheck(ctx); stop {
			return StateStopping, status
		}
		select {
		case <-ctx.Done():
			return StateStopping, model.StatusCancelled
		case <-poll.C:
		case <-c.checkpoint:
			c.writer.submit(c.session.Snapshot())
			c.sinceCP = 0
		case l := <-lines:
			c.attempts = 0
			c.backoff.Reset()
			c.handle(l)
		case err := <-errc:
			if errors.Is(err, io.EOF) && isFinite(c.transport) {
				c.logger.Info("transport ended", "transport", describe(c.transport))
				return StateStopping, model.StatusClosed
			}
			if err == nil {
				err = io.EOF
			}
			c.logger.Warn("transport read failed", "transport", describe(c.transport), "err", err)
			return StateReconnecting, ""
		}
	}
}

func (c *Collector) handle(l rawLine) {
	if l.oversized {
		c.session.Skip()
		c.logger.Debug("skipped oversized line", "limit", c.cfg.MaxLineLength)
		return
	}
	ev, ok := ParseLine(l.text)
	if !ok {
		c.session.Skip()
		c.logger.Debug("skipped line", "line", l.text)
		return
	}
	at := c.now().UTC()
	if ev.Timestamp == 0 {
		ev.Timestamp = float64(at.UnixNano()) / 1e9
	}
	counted, err := c.session.Apply(ev, at)
	if err != nil {
		c.logger.Error("apply event", "err", err)
		return
	}
	if !counted {
		return
	}
	if c.layout != nil && !c.layout.Contains(ev.Coord()) {
		c.unmapped++
		c.logger.Debug("unmapped coordinate", "coord", ev.Coord())
	}
	c.sinceCP++
	if c.cfg.CheckpointEvery > 0 && c.sinceCP >= c.cfg.CheckpointEvery {
		c.writer.submit(c.session.Snapshot())
		c.sinceCP = 0
	}
}

type rawLine struct {
	text      string
	oversized bool
}

// readLines splits r into lines and sends them until r fails. Read timeouts
// keep the partial line and read again. A final unterminated line is sent
// before EOF is returned.
func readLines(r io.Reader, maxLen int, lines chan<- rawLine, done <-chan struct{}) error {
	br := bufio.NewReader(r)
	var buf []byte
	discarding := false
	send := func(l rawLine) bool {
		select {
		case lines <- l:
			return true
		case <-done:
			return false
		}
	}
	for {
		chunk, err := br.ReadSlice('\n')
		if !discarding {
			buf = append(buf, chunk...)
			if len(buf) > maxLen {
				discarding = true
				buf = buf[:0]
			}
		}
		switch {
		case err == nil:
			l := rawLine{text: string(buf), oversized: discarding}
			buf = buf[:0]
			discarding = false
			if !send(l) {
				return nil
			}
		case errors.Is(err, bufio.ErrBufferFull):
		case errors.Is(err, transport.ErrTimeout):
			select {
			case <-done:
				return nil
			default:
			}
		default:
			if len(buf) > 0 || discarding {
				if !send(rawLine{text: string(buf), oversized: discarding}) {
					return nil
				}
			}
			return err
		}
	}
}

func isFinite(t Transport) bool {
	f, ok := t.(finite)
	return ok && f.Finite()
}

func describe(t Transport) string {
	if s, ok := t.(fmt.Stringer); ok {
		return s.String()
	}
	return fmt.Sprintf("%T", t)
}

func sleepContext(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
