package collector

import (
	"context"
	"errors"
	"io"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/verte-zerg/keyheat/internal/model"
	"github.com/verte-zerg/keyheat/internal/transport"
)

var errUnplugged = errors.New("device unplugged")

// scriptTransport serves one reader per connection and fails once they run out.
type scriptTransport struct {
	conns  []io.Reader
	opens  int
	finite bool
}

func (s *scriptTransport) Open(context.Context) (io.ReadCloser, error) {
	s.opens++
	if len(s.conns) == 0 {
		return nil, errUnplugged
	}
	r := s.conns[0]
	s.conns = s.conns[1:]
	if rc, ok := r.(io.ReadCloser); ok {
		return rc, nil
	}
	return io.NopCloser(r), nil
}

func (s *scriptTransport) Finite() bool { return s.finite }

func lines(ls ...string) io.Reader {
	return strings.NewReader(strings.Join(ls, "\n") + "\n")
}

// chunkReader returns scripted reads, then EOF.
type chunkReader struct {
	chunks []chunk
}

type chunk struct {
	data string
	err  error
}

func (r *chunkReader) Read(p []byte) (int, error) {
	if len(r.chunks) == 0 {
		return 0, io.EOF
	}
	c := r.chunks[0]
	r.chunks = r.chunks[1:]
	return copy(p, c.data), c.err
}

// recorder stores every checkpoint it receives.
type recorder struct {
	mu    sync.Mutex
	snaps []model.SessionData
	err   error
	delay time.Duration
	hook  func(model.SessionData)
}

func (r *recorder) Checkpoint(_ context.Context, s model.SessionData) error {
	if r.delay > 0 {
		time.Sleep(r.delay)
	}
	if r.hook != nil {
		r.hook(s)
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.snaps = append(r.snaps, s)
	return r.err
}

func (r *recorder) all() []model.SessionData {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]model.SessionData(nil), r.snaps...)
}

func noSleep(context.Context, time.Duration) error { return nil }

func testConfig() Config {
	cfg := DefaultConfig()
	cfg.SessionID = "test-session"
	cfg.CheckpointInterval = 0
	cfg.PollInterval = time.Millisecond
	return cfg
}

func twoKeyLayout() *model.LayoutConfig {
	return &model.LayoutConfig{
		Rows: 1,
		Cols: 2,
		Positions: []model.KeyPosition{
			{PhysicalRow: 0, PhysicalCol: 0, MatrixRow: 0, MatrixCol: 0, Label: "A"},
			{PhysicalRow: 0, PhysicalCol: 1, MatrixRow: 0, MatrixCol: 1, Label: "B"},
		},
	}
}

func TestCollectCountsPressesOnly(t *testing.T) {
	tr := &scriptTransport{finite: true, conns: []io.Reader{lines(
		"row=0 col=0 state=pressed",
		"row=0 col=0 state=pressed",
		"row=0 col=0 state=pressed",
		"row=0 col=1 state=pressed",
		"row=0 col=0 state=released",
		"row=0 col=0 state=released",
		"row=0 col=0 state=released",
	)}}
	rec := &recorder{}

	res, err := Collect(context.Background(), tr, twoKeyLayout(), 0, rec, testConfig())
	require.NoError(t, err)

	assert.Equal(t, model.StatusClosed, res.Status)
	assert.Equal(t, 4, res.Session.TotalKeypresses)
	assert.Equal(t, map[model.Coord]int{{Row: 0, Col: 0}: 3, {Row: 0, Col: 1}: 1}, res.Session.KeypressCounts)
	assert.Equal(t, 3, res.Session.ReleasedEvents)
	assert.Equal(t, 0, res.Unmapped)
	require.NotNil(t, res.Session.EndTime)
	assert.Equal(t, "test-session", res.Session.SessionID)

	snaps := rec.all()
	require.NotEmpty(t, snaps)
	last := snaps[len(snaps)-1]
	assert.Equal(t, model.StatusClosed, last.Status)
	assert.Equal(t, 4, last.TotalKeypresses)
	assert.Equal(t, 1, tr.opens)
}

func TestCollectDisconnectAfterTwoEvents(t *testing.T) {
	tr := &scriptTransport{conns: []io.Reader{lines(
		"row=1 col=1 state=pressed",
		"row=1 col=2 state=pressed",
	)}}
	var delays []time.Duration
	sleep := func(_ context.Context, d time.Duration) error {
		delays = append(delays, d)
		return nil
	}
	cfg := testConfig()
	cfg.MaxReconnects = 3

	res, err := New(tr, nil, &recorder{}, cfg, WithSleep(sleep)).Run(context.Background())
	require.NoError(t, err)

	assert.Equal(t, model.StatusDisconnected, res.Status)
	assert.Equal(t, model.StatusDisconnected, res.Session.Status)
	assert.Equal(t, 2, res.Session.TotalKeypresses)
	require.NotNil(t, res.Session.EndTime)
	assert.Len(t, delays, 3)
	assert.Equal(t, 4, tr.opens)
	assert.Equal(t, 0, res.Session.Reconnects)
}

func TestCollectReconnectResetsCeiling(t *testing.T) {
	tr := &scriptTransport{conns: []io.Reader{
		lines("row=0 col=0 state=pressed"),
		lines("row=0 col=1 state=pressed"),
		lines("row=0 col=2 state=pressed"),
	}}
	cfg := testConfig()
	cfg.MaxReconnects = 1

	res, err := New(tr, nil, nil, cfg, WithSleep(noSleep)).Run(context.Background())
	require.NoError(t, err)

	assert.Equal(t, model.StatusDisconnected, res.Status)
	assert.Equal(t, 3, res.Session.TotalKeypresses)
	assert.Equal(t, 2, res.Session.Reconnects)
}

func TestCollectOpenFailureExhaustsRetries(t *testing.T) {
	tr := &scriptTransport{}
	cfg := testConfig()
	cfg.MaxReconnects = 2

	res, err := New(tr, nil, nil, cfg, WithSleep(noSleep)).Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, model.StatusDisconnected, res.Status)
	assert.Equal(t, 3, tr.opens)
	assert.Equal(t, 0, res.Session.TotalKeypresses)
	assert.False(t, res.Session.StartTime.IsZero())
}

func TestCollectUnmappedCoordinatesCounted(t *testing.T) {
	tr := &scriptTransport{finite: true, conns: []io.Reader{lines(
		"row=0 col=0 state=pressed",
		"row=5 col=5 state=pressed",
		"row=5 col=5 state=pressed",
	)}}

	res, err := Collect(context.Background(), tr, twoKeyLayout(), 0, nil, testConfig())
	require.NoError(t, err)
	assert.Equal(t, 3, res.Session.TotalKeypresses)
	assert.Equal(t, 2, res.Session.KeypressCounts[model.Coord{Row: 5, Col: 5}])
	assert.Equal(t, 2, res.Unmapped)
}

func TestCollectSkipsMalformedLines(t *testing.T) {
	tr := &scriptTransport{finite: true, conns: []io.Reader{lines(
		"*** Booting Zephyr OS ***",
		"row=0 col=0 state=pressed",
		"garbage",
		"[00:00:01.000,000] <dbg> zmk: zmk_physical_layouts_kscan_process_msgq: Row: 0, col: 1, position: 1, pressed: true",
		"row=0 col=0 state=held",
	)}}

	res, err := Collect(context.Background(), tr, nil, 0, nil, testConfig())
	require.NoError(t, err)
	assert.Equal(t, 2, res.Session.TotalKeypresses)
	assert.Equal(t, 3, res.Session.SkippedLines)
}

func TestCollectOversizedLine(t *testing.T) {
	tr := &scriptTransport{finite: true, conns: []io.Reader{lines(
		"row=0 col=0 state=pressed "+strings.Repeat("x", 100),
		"row=0 col=1 state=pressed",
	)}}
	cfg := testConfig()
	cfg.MaxLineLength = 64

	res, err := Collect(context.Background(), tr, nil, 0, nil, cfg)
	require.NoError(t, err)
	assert.Equal(t, 1, res.Session.TotalKeypresses)
	assert.Equal(t, 1, res.Session.KeypressCounts[model.Coord{Row: 0, Col: 1}])
	assert.Equal(t, 1, res.Session.SkippedLines)
}

func TestCollectKeepsPartialLineAcrossTimeouts(t *testing.T) {
	r := &chunkReader{chunks: []chunk{
		{data: "row=0 col=0 st", err: transport.ErrTimeout},
		{err: transport.ErrTimeout},
		{data: "ate=pressed\nrow=0 col=1 state=pressed"},
	}}
	tr := &scriptTransport{finite: true, conns: []io.Reader{r}}

	res, err := Collect(context.Background(), tr, nil, 0, nil, testConfig())
	require.NoError(t, err)
	assert.Equal(t, 2, res.Session.TotalKeypresses)
	assert.Equal(t, 0, res.Session.SkippedLines)
}

func TestCollectCancellation(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	pr, pw := io.Pipe()
	defer func() { _ = pw.Close() }()
	go func() {
		_, _ = io.WriteString(pw, "row=0 col=0 state=pressed\nrow=0 col=1 state=pressed\n")
	}()

	rec := &recorder{hook: func(s model.SessionData) {
		if s.TotalKeypresses == 2 {
			cancel()
		}
	}}
	cfg := testConfig()
	cfg.CheckpointEvery = 2
	tr := &scriptTransport{conns: []io.Reader{pr}}

	res, err := New(tr, nil, rec, cfg).Run(ctx)
	require.NoError(t, err)
	assert.Equal(t, model.StatusCancelled, res.Status)
	assert.Equal(t, 2, res.Session.TotalKeypresses)
	require.NotNil(t, res.Session.EndTime)

	snaps := rec.all()
	require.NotEmpty(t, snaps)
	assert.Equal(t, model.StatusCancelled, snaps[len(snaps)-1].Status)
}

func TestCollectDurationElapsed(t *testing.T) {
	base := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)
	var ticks atomic.Int64
	clock := func() time.Time {
		return base.Add(time.Duration(ticks.Add(1)) * time.Second)
	}

	pr, pw := io.Pipe()
	defer func() { _ = pw.Close() }()
	tr := &scriptTransport{conns: []io.Reader{pr}}

	cfg := testConfig()
	cfg.Duration = 10 * time.Second
	res, err := New(tr, nil, nil, cfg, WithClock(clock)).Run(context.Background())
	require.NoError(t, err)

	assert.Equal(t, model.StatusExpired, res.Status)
	assert.Equal(t, base.Add(time.Second), res.Session.StartTime)
	require.NotNil(t, res.Session.EndTime)
	assert.True(t, res.Session.EndTime.Sub(res.Session.StartTime) >= cfg.Duration)
}

func TestCollectCheckpointsAreMonotonic(t *testing.T) {
	var ls []string
	for i := 0; i < 200; i++ {
		ls = append(ls, "row=0 col=0 state=pressed", "row=1 col=3 state=pressed", "noise")
	}
	tr := &scriptTransport{finite: true, conns: []io.Reader{lines(ls...)}}
	rec := &recorder{delay: 100 * time.Microsecond}
	cfg := testConfig()
	cfg.CheckpointEvery = 1

	res, err := Collect(context.Background(), tr, nil, 0, rec, cfg)
	require.NoError(t, err)
	assert.Equal(t, 400, res.Session.TotalKeypresses)

	snaps := rec.all()
	require.NotEmpty(t, snaps)
	prev := 0
	for i, s := range snaps {
		assert.Equal(t, s.SumCounts(), s.TotalKeypresses, "checkpoint %d", i)
		assert.GreaterOrEqual(t, s.TotalKeypresses, prev, "checkpoint %d", i)
		prev = s.TotalKeypresses
	}
	assert.Equal(t, 400, snaps[len(snaps)-1].TotalKeypresses)
	assert.Equal(t, len(snaps), res.Checkpoints)
}

func TestCollectFinalCheckpointFailure(t *testing.T) {
	errDisk := errors.New("disk full")
	rec := &recorder{err: errDisk}
	tr := &scriptTransport{finite: true, conns: []io.Reader{lines(
		"row=0 col=0 state=pressed",
		"row=0 col=0 state=pressed",
	)}}
	cfg := testConfig()
	cfg.CheckpointEvery = 1

	res, err := Collect(context.Background(), tr, nil, 0, rec, cfg)
	require.Error(t, err)
	assert.ErrorIs(t, err, errDisk)
	assert.Equal(t, 2, res.Session.TotalKeypresses)
	assert.Equal(t, model.StatusClosed, res.Status)
	assert.GreaterOrEqual(t, res.CheckpointFailures, 1)
	assert.ErrorIs(t, res.LastCheckpointErr, errDisk)
}

func TestCollectStateTransitions(t *testing.T) {
	tr := &scriptTransport{finite: true, conns: []io.Reader{lines("row=0 col=0 state=pressed")}}
	var got []State
	hook := func(_, to State) { got = append(got, to) }

	c := New(tr, nil, nil, testConfig(), WithStateHook(hook))
	assert.Equal(t, StateIdle, c.State())
	_, err := c.Run(context.Background())
	require.NoError(t, err)

	assert.Equal(t, []State{StateConnecting, StateReading, StateStopping, StateClosed}, got)
	_, err = c.Run(context.Background())
	assert.Error(t, err)
}

func TestCollectRetainsEvents(t *testing.T) {
	tr := &scriptTransport{finite: true, conns: []io.Reader{lines(
		"row=0 col=0 state=pressed timestamp=1.5",
		"row=0 col=0 state=released timestamp=1.6",
	)}}
	cfg := testConfig()
	cfg.RetainEvents = true

	res, err := Collect(context.Background(), tr, nil, 0, nil, cfg)
	require.NoError(t, err)
	require.Len(t, res.Session.Events, 2)
	assert.Equal(t, 1.5, res.Session.Events[0].Timestamp)
	assert.Equal(t, model.Released, res.Session.Events[1].Transition)
}

func TestMultiCheckpointerJoinsErrors(t *testing.T) {
	a, b := &recorder{}, &recorder{err: errUnplugged}
	m := MultiCheckpointer{a, nil, b}
	err := m.Checkpoint(context.Background(), model.SessionData{TotalKeypresses: 1})
	assert.ErrorIs(t, err, errUnplugged)
	assert.Len(t, a.all(), 1)
	assert.Len(t, b.all(), 1)
}

func TestNewSessionIDSortable(t *testing.T) {
	a := NewSessionID()
	time.Sleep(2 * time.Millisecond)
	b := NewSessionID()
	assert.Len(t, a, 26)
	assert.Less(t, a, b)
}
