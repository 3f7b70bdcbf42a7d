package monitor

import (
	"context"
	"errors"
	"io"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"github.com/apvlv/runpodComfyUIworker/internal/config"
	"github.com/apvlv/runpodComfyUIworker/internal/interfaces"
	"github.com/apvlv/runpodComfyUIworker/internal/job"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

type frame struct {
	typ  interfaces.FrameType
	data string
}

func text(data string) frame { return frame{typ: interfaces.FrameText, data: data} }

// fakeConn replays frames, then fails with io.EOF or blocks until closed
type fakeConn struct {
	mu     sync.Mutex
	frames []frame
	block  bool
	closed chan struct{}
	once   sync.Once
}

func newConn(block bool, frames ...frame) *fakeConn {
	return &fakeConn{frames: frames, block: block, closed: make(chan struct{})}
}

func (c *fakeConn) ReadMessage() (interfaces.FrameType, []byte, error) {
	c.mu.Lock()
	if len(c.frames) > 0 {
		f := c.frames[0]
		c.frames = c.frames[1:]
		c.mu.Unlock()
		return f.typ, []byte(f.data), nil
	}
	c.mu.Unlock()

	if !c.block {
		return 0, nil, io.EOF
	}
	<-c.closed
	return 0, nil, net.ErrClosed
}

func (c *fakeConn) Close() error {
	c.once.Do(func() { close(c.closed) })
	return nil
}

func (c *fakeConn) isClosed() bool {
	select {
	case <-c.closed:
		return true
	default:
		return false
	}
}

// fakeDialer hands out scripted connections; a nil entry fails the dial
type fakeDialer struct {
	mu    sync.Mutex
	conns []*fakeConn
	urls  []string
}

func (d *fakeDialer) Dial(_ context.Context, url string) (interfaces.SocketConn, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.urls = append(d.urls, url)
	if len(d.conns) == 0 {
		return nil, errors.New("connection refused")
	}
	conn := d.conns[0]
	d.conns = d.conns[1:]
	if conn == nil {
		return nil, errors.New("connection refused")
	}
	return conn, nil
}

func (d *fakeDialer) calls() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.urls)
}

type fakeProber struct {
	reachable bool
	calls     int
}

func (p *fakeProber) Probe(context.Context) bool { return p.reachable }

func (p *fakeProber) ServerStatus(context.Context) interfaces.ServerStatus {
	p.calls++
	if !p.reachable {
		return interfaces.ServerStatus{Error: "connection refused"}
	}
	return interfaces.ServerStatus{Reachable: true, StatusCode: 200}
}

type fakeHistory struct {
	history interfaces.History
	calls   int
}

func (h *fakeHistory) GetHistory(context.Context, string) (interfaces.History, error) {
	h.calls++
	return h.history, nil
}

type sleepRecorder struct {
	sleeps []time.Duration
}

func (s *sleepRecorder) sleep(_ context.Context, d time.Duration) error {
	s.sleeps = append(s.sleeps, d)
	return nil
}

const (
	finishedFrame = `{"type": "executing", "data": {"node": null, "prompt_id": "123"}}`
	wsURL         = "ws://fake/ws?clientId=client-1"
)

func newTestMonitor(dialer *fakeDialer, prober *fakeProber, sleeper *sleepRecorder, opts ...Option) *Monitor {
	cfg := config.MonitorConfig{ReconnectAttempts: 3, ReconnectDelay: time.Second, Trace: true}
	opts = append(opts, WithSleep(sleeper.sleep))
	return NewMonitor(cfg, func(clientID string) string {
		return "ws://fake/ws?clientId=" + clientID
	}, dialer, prober, opts...)
}

func TestWatch_Completes(t *testing.T) {
	conn := newConn(false,
		text(`{"type": "status", "data": {"status": {"exec_info": {"queue_remaining": 1}}}}`),
		frame{typ: interfaces.FrameBinary, data: "\x00\x01preview"},
		text(`{"type": "execution_start", "data": {"prompt_id": "123"}}`),
		text(`{"type": "execution_cached", "data": {"nodes": ["1", "2"], "prompt_id": "123"}}`),
		text(`not json`),
		text(`{"type": "executing", "data": {"node": null, "prompt_id": "other"}}`),
		text(`{"type": "executing", "data": {"node": "3", "prompt_id": "123"}}`),
		text(`{"type": "progress", "data": {"value": 5, "max": 20, "prompt_id": "123"}}`),
		text(`{"type": "executed", "data": {"node": "9", "output": {"images": []}, "prompt_id": "123"}}`),
		text(finishedFrame),
	)
	dialer := &fakeDialer{conns: []*fakeConn{conn}}
	prober := &fakeProber{reachable: true}
	sleeper := &sleepRecorder{}

	report, err := newTestMonitor(dialer, prober, sleeper).Watch(context.Background(), "client-1", "123")
	require.NoError(t, err)
	require.Empty(t, report.Errors)

	require.Equal(t, []string{wsURL}, dialer.urls)
	require.Zero(t, prober.calls)
	require.Empty(t, sleeper.sleeps)
	require.True(t, conn.isClosed())
}

func TestWatch_ExecutionError(t *testing.T) {
	conn := newConn(false,
		text(`{"type": "execution_error", "data": {"prompt_id": "other", "node_id": "1", "node_type": "X", "exception_message": "ignored"}}`),
		text(`{"type": "execution_error", "data": {"prompt_id": "123", "node_id": "4", "node_type": "KSampler", "exception_message": "out of memory", "exception_type": "RuntimeError"}}`),
	)
	dialer := &fakeDialer{conns: []*fakeConn{conn}}

	report, err := newTestMonitor(dialer, &fakeProber{reachable: true}, &sleepRecorder{}).
		Watch(context.Background(), "client-1", "123")
	require.NoError(t, err)
	require.Equal(t, []string{
		"Workflow execution error: Node Type: KSampler, Node ID: 4, Message: out of memory",
	}, report.Errors)
	require.True(t, conn.isClosed())
}

func TestWatch_Interrupted(t *testing.T) {
	conn := newConn(false,
		text(`{"type": "execution_interrupted", "data": {"prompt_id": "123", "node_id": "4"}}`),
	)
	dialer := &fakeDialer{conns: []*fakeConn{conn}}

	report, err := newTestMonitor(dialer, &fakeProber{reachable: true}, &sleepRecorder{}).
		Watch(context.Background(), "client-1", "123")
	require.NoError(t, err)
	require.Equal(t, []string{"Workflow execution interrupted"}, report.Errors)
}

func TestWatch_ReconnectBudgetExhausted(t *testing.T) {
	dropped := newConn(false)
	dialer := &fakeDialer{conns: []*fakeConn{dropped}}
	prober := &fakeProber{reachable: true}
	sleeper := &sleepRecorder{}

	report, err := newTestMonitor(dialer, prober, sleeper).Watch(context.Background(), "client-1", "123")
	require.Nil(t, report)
	require.Error(t, err)

	// one initial connect plus exactly three reconnects
	require.Equal(t, 4, dialer.calls())
	require.Equal(t, 3, prober.calls)
	require.Equal(t, []time.Duration{time.Second, time.Second}, sleeper.sleeps)
	require.True(t, dropped.isClosed())

	require.Equal(t, job.KindMonitor, job.KindOf(err))
	require.ErrorIs(t, err, ErrReconnectExhausted)
	require.Contains(t, err.Error(), "WebSocket communication error")
	require.Contains(t, err.Error(), "connection refused")
}

func TestWatch_ServerUnreachable(t *testing.T) {
	dropped := newConn(false)
	dialer := &fakeDialer{conns: []*fakeConn{dropped}}
	prober := &fakeProber{reachable: false}
	sleeper := &sleepRecorder{}

	_, err := newTestMonitor(dialer, prober, sleeper).Watch(context.Background(), "client-1", "123")
	require.Error(t, err)

	// no connect attempts after the probe reports the server down
	require.Equal(t, 1, dialer.calls())
	require.Equal(t, 1, prober.calls)
	require.Empty(t, sleeper.sleeps)
	require.ErrorIs(t, err, ErrServerUnreachable)
	require.Equal(t, job.KindMonitor, job.KindOf(err))
}

func TestWatch_RetryThenSuccess(t *testing.T) {
	dropped := newConn(false)
	recovered := newConn(false, text(finishedFrame))
	dialer := &fakeDialer{conns: []*fakeConn{dropped, nil, recovered}}
	sleeper := &sleepRecorder{}

	report, err := newTestMonitor(dialer, &fakeProber{reachable: true}, sleeper).
		Watch(context.Background(), "client-1", "123")
	require.NoError(t, err)
	require.NotNil(t, report)

	require.Equal(t, 3, dialer.calls())
	require.Equal(t, []time.Duration{time.Second}, sleeper.sleeps)
	require.True(t, dropped.isClosed())
	require.True(t, recovered.isClosed())
}

func TestWatch_BudgetRenewedAfterReconnect(t *testing.T) {
	// two failed dials, a short-lived connection, two more failed dials, then success
	dialer := &fakeDialer{conns: []*fakeConn{
		newConn(false), nil, nil,
		newConn(false), nil, nil,
		newConn(false, text(finishedFrame)),
	}}

	_, err := newTestMonitor(dialer, &fakeProber{reachable: true}, &sleepRecorder{}).
		Watch(context.Background(), "client-1", "123")
	require.NoError(t, err)
	require.Equal(t, 7, dialer.calls())
}

func TestWatch_InitialConnectFailure(t *testing.T) {
	dialer := &fakeDialer{conns: []*fakeConn{nil, newConn(false, text(finishedFrame))}}
	prober := &fakeProber{reachable: true}
	sleeper := &sleepRecorder{}

	_, err := newTestMonitor(dialer, prober, sleeper).Watch(context.Background(), "client-1", "123")
	require.NoError(t, err)
	require.Equal(t, 2, dialer.calls())
	require.Equal(t, 1, prober.calls)
	require.Empty(t, sleeper.sleeps)
}

func TestWatch_HistoryAfterReconnect(t *testing.T) {
	dropped := newConn(false)
	// reading this connection would drop it again and exhaust the dialer
	silent := newConn(false)
	dialer := &fakeDialer{conns: []*fakeConn{dropped, silent}}
	history := &fakeHistory{history: interfaces.History{"123": {}}}

	report, err := newTestMonitor(dialer, &fakeProber{reachable: true}, &sleepRecorder{}, WithHistory(history)).
		Watch(context.Background(), "client-1", "123")
	require.NoError(t, err)
	require.NotNil(t, report)
	require.Equal(t, 2, dialer.calls())
	require.Equal(t, 1, history.calls)
	require.True(t, silent.isClosed())
}

func TestWatch_HistoryMissAfterReconnect(t *testing.T) {
	dialer := &fakeDialer{conns: []*fakeConn{newConn(false), newConn(false, text(finishedFrame))}}
	history := &fakeHistory{history: interfaces.History{}}

	_, err := newTestMonitor(dialer, &fakeProber{reachable: true}, &sleepRecorder{}, WithHistory(history)).
		Watch(context.Background(), "client-1", "123")
	require.NoError(t, err)
	require.Equal(t, 1, history.calls)
}

func TestWatch_ContextCanceled(t *testing.T) {
	conn := newConn(true)
	dialer := &fakeDialer{conns: []*fakeConn{conn}}

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	_, err := newTestMonitor(dialer, &fakeProber{reachable: true}, &sleepRecorder{}).Watch(ctx, "client-1", "123")
	require.Error(t, err)
	require.ErrorIs(t, err, context.DeadlineExceeded)
	require.Equal(t, job.KindMonitor, job.KindOf(err))
	require.True(t, conn.isClosed())
	require.Equal(t, 1, dialer.calls())
}

func TestSleepContext(t *testing.T) {
	require.NoError(t, sleepContext(context.Background(), time.Millisecond))
	require.NoError(t, sleepContext(context.Background(), 0))

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	require.ErrorIs(t, sleepContext(ctx, time.Hour), context.Canceled)
}
