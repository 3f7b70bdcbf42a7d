package monitor

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/apvlv/runpodComfyUIworker/internal/config"
	"github.com/apvlv/runpodComfyUIworker/internal/interfaces"
	"github.com/apvlv/runpodComfyUIworker/internal/job"
)

// SleepFunc waits for d or until ctx is done
type SleepFunc func(ctx context.Context, d time.Duration) error

// URLFunc builds the socket URL of a client session
type URLFunc func(clientID string) string

// Monitor follows one prompt over the ComfyUI progress socket
type Monitor struct {
	urlFor  URLFunc
	dialer  interfaces.SocketDialer
	prober  interfaces.StatusProber
	history interfaces.HistoryReader
	sleep   SleepFunc
	cfg     config.MonitorConfig
	logger  *logrus.Logger
}

// Option configures a Monitor
type Option func(*Monitor)

// WithHistory checks the prompt history after every reconnect, so a
// completion signal lost while the socket was down is still noticed
func WithHistory(history interfaces.HistoryReader) Option {
	return func(m *Monitor) { m.history = history }
}

// WithSleep replaces the backoff sleep
func WithSleep(sleep SleepFunc) Option {
	return func(m *Monitor) { m.sleep = sleep }
}

// NewMonitor creates a progress monitor
func NewMonitor(
	cfg config.MonitorConfig,
	urlFor URLFunc,
	dialer interfaces.SocketDialer,
	prober interfaces.StatusProber,
	opts ...Option,
) *Monitor {
	m := &Monitor{
		urlFor: urlFor,
		dialer: dialer,
		prober: prober,
		sleep:  sleepContext,
		cfg:    cfg,
		logger: config.NewLogger(),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

var _ interfaces.ProgressMonitor = (*Monitor)(nil)

// session is the socket currently owned by a watch
type session struct {
	conn interfaces.SocketConn
	stop func() bool
}

func (s *session) open(ctx context.Context, conn interfaces.SocketConn) {
	s.close()
	s.conn = conn
	// a blocked read returns once the connection is closed
	s.stop = context.AfterFunc(ctx, func() { _ = conn.Close() })
}

func (s *session) close() {
	if s.stop != nil {
		s.stop()
		s.stop = nil
	}
	if s.conn != nil {
		_ = s.conn.Close()
		s.conn = nil
	}
}

// Watch blocks until promptID finishes or the socket is lost for good.
// Connect and read failures are recovered within the reconnect budget;
// a server that stops answering HTTP probes fails the watch at once.
func (m *Monitor) Watch(ctx context.Context, clientID, promptID string) (*interfaces.ExecutionReport, error) {
	logger := m.logger.WithFields(logrus.Fields{
		"client_id": clientID,
		"prompt_id": promptID,
	})
	url := m.urlFor(clientID)
	report := &interfaces.ExecutionReport{}
	machine := NewMachine(m.cfg.ReconnectAttempts)

	var sess session
	defer sess.close()

	for !machine.State.Terminal() {
		if err := ctx.Err(); err != nil {
			return nil, job.NewMonitorError(err)
		}

		prev := machine.State
		switch machine.State {
		case StateConnecting:
			conn, err := m.dialer.Dial(ctx, url)
			if err != nil {
				logger.WithError(err).Warn("Websocket connection failed")
				machine = machine.Step(Event{Kind: EventConnectFailed, Err: err})
				break
			}
			sess.open(ctx, conn)
			machine = machine.Step(Event{Kind: EventConnected})
			logger.Info("Websocket connected")

		case StateListening:
			finished, err := m.listen(sess.conn, promptID, report, logger)
			if err != nil {
				sess.close()
				logger.WithError(err).Warn("Websocket connection lost")
				machine = machine.Step(Event{Kind: EventReadFailed, Err: err})
				break
			}
			if finished {
				machine = machine.Step(Event{Kind: EventFinished})
			}

		case StateReconnecting:
			machine = m.reconnect(ctx, machine, url, &sess, logger)
			if machine.State == StateReconnecting {
				if err := m.sleep(ctx, m.cfg.ReconnectDelay); err != nil {
					return nil, job.NewMonitorError(err)
				}
				break
			}
			if machine.State == StateListening && m.finishedInHistory(ctx, promptID, logger) {
				machine = machine.Step(Event{Kind: EventFinished})
			}
		}

		if machine.State != prev {
			logger.WithFields(logrus.Fields{
				"from":     prev.String(),
				"to":       machine.State.String(),
				"attempts": machine.Attempts,
			}).Debug("Monitor state changed")
		}
	}

	if machine.State == StateFailed {
		logger.WithError(machine.LastErr).Error("Websocket monitoring failed")
		return nil, job.NewMonitorError(machine.LastErr)
	}

	logger.WithField("execution_errors", len(report.Errors)).Info("Prompt execution finished")
	return report, nil
}

// reconnect performs a single reconnect attempt: probe, then dial
func (m *Monitor) reconnect(
	ctx context.Context,
	machine Machine,
	url string,
	sess *session,
	logger *logrus.Entry,
) Machine {
	status := m.prober.ServerStatus(ctx)
	if !status.Reachable {
		err := errors.New(status.Error)
		if status.Error == "" {
			err = fmt.Errorf("status code %d", status.StatusCode)
		}
		logger.WithError(err).Error("ComfyUI server unreachable, giving up on websocket")
		return machine.Step(Event{Kind: EventServerUnreachable, Err: err})
	}

	logger.WithFields(logrus.Fields{
		"attempt":      machine.Attempts + 1,
		"max_attempts": machine.MaxAttempts,
	}).Info("Reconnecting websocket")

	conn, err := m.dialer.Dial(ctx, url)
	if err != nil {
		logger.WithError(err).Warn("Websocket reconnect attempt failed")
		return machine.Step(Event{Kind: EventConnectFailed, Err: err})
	}

	sess.open(ctx, conn)
	logger.Info("Websocket reconnected")
	return machine.Step(Event{Kind: EventConnected})
}

// finishedInHistory reports whether the prompt already shows up in history
func (m *Monitor) finishedInHistory(ctx context.Context, promptID string, logger *logrus.Entry) bool {
	if m.history == nil {
		return false
	}
	history, err := m.history.GetHistory(ctx, promptID)
	if err != nil {
		logger.WithError(err).Debug("History check after reconnect failed")
		return false
	}
	if _, ok := history[promptID]; ok {
		logger.Info("Prompt finished while websocket was down")
		return true
	}
	return false
}

// listen reads frames until the prompt finishes or the read fails
func (m *Monitor) listen(
	conn interfaces.SocketConn,
	promptID string,
	report *interfaces.ExecutionReport,
	logger *logrus.Entry,
) (bool, error) {
	for {
		frame, data, err := conn.ReadMessage()
		if err != nil {
			return false, err
		}

		if frame != interfaces.FrameText {
			// binary frames carry live previews
			if m.cfg.Trace {
				logger.WithField("bytes", len(data)).Debug("Skipping binary frame")
			}
			continue
		}
		if m.cfg.Trace {
			logger.WithField("frame", string(data)).Debug("Websocket frame")
		}

		var msg interfaces.WSMessage
		if err := json.Unmarshal(data, &msg); err != nil {
			logger.WithError(err).Warn("Skipping malformed websocket message")
			continue
		}

		if handleMessage(msg, promptID, report, logger) {
			return true, nil
		}
	}
}

// handleMessage applies one message and reports whether the prompt finished
func handleMessage(
	msg interfaces.WSMessage,
	promptID string,
	report *interfaces.ExecutionReport,
	logger *logrus.Entry,
) bool {
	switch msg.Type {
	case interfaces.WSMessageStatus:
		var data interfaces.StatusData
		if err := json.Unmarshal(msg.Data, &data); err == nil {
			logger.WithField("queue_remaining", data.Status.ExecInfo.QueueRemaining).Info("Queue status")
		}

	case interfaces.WSMessageProgress:
		var data interfaces.ProgressData
		if err := json.Unmarshal(msg.Data, &data); err == nil && data.PromptID == promptID {
			logger.WithFields(logrus.Fields{
				"value": data.Value,
				"max":   data.Max,
			}).Debug("Progress")
		}

	case interfaces.WSMessageExecuting:
		var data interfaces.ExecutingData
		if err := json.Unmarshal(msg.Data, &data); err != nil || data.PromptID != promptID {
			return false
		}
		if data.Node == nil {
			return true
		}
		logger.WithField("node", *data.Node).Debug("Executing node")

	case interfaces.WSMessageExecutionStart:
		var data interfaces.ExecutingData
		if err := json.Unmarshal(msg.Data, &data); err == nil && data.PromptID == promptID {
			logger.Info("Execution started")
		}

	case interfaces.WSMessageExecutionCached:
		var data interfaces.ExecutionCachedData
		if err := json.Unmarshal(msg.Data, &data); err == nil && data.PromptID == promptID {
			logger.WithField("nodes", data.Nodes).Debug("Cached nodes")
		}

	case interfaces.WSMessageExecuted:
		var data interfaces.ExecutingData
		if err := json.Unmarshal(msg.Data, &data); err == nil && data.PromptID == promptID && data.Node != nil {
			logger.WithField("node", *data.Node).Debug("Node executed")
		}

	case interfaces.WSMessageExecutionError:
		var data interfaces.ExecutionErrorData
		if err := json.Unmarshal(msg.Data, &data); err != nil || data.PromptID != promptID {
			return false
		}
		detail := fmt.Sprintf("Workflow execution error: Node Type: %s, Node ID: %s, Message: %s",
			data.NodeType, data.NodeID, data.ExceptionMessage)
		logger.WithFields(logrus.Fields{
			"node_id":        data.NodeID,
			"node_type":      data.NodeType,
			"exception_type": data.ExceptionType,
		}).Error(detail)
		report.Errors = append(report.Errors, detail)
		return true

	case interfaces.WSMessageExecutionInterrupt:
		var data interfaces.ExecutingData
		if err := json.Unmarshal(msg.Data, &data); err != nil || data.PromptID != promptID {
			return false
		}
		logger.Warn("Workflow execution interrupted")
		report.Errors = append(report.Errors, "Workflow execution interrupted")
		return true
	}

	return false
}

func sleepContext(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
