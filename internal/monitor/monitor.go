// Package monitor implements the Queue Monitor: periodic health sampling,
// stalled-task recovery, and alert dispatch for the pipeline's queues.
package monitor

import (
	"context"
	"fmt"
	"time"

	"github.com/BetterAndBetterII/SiteSearch/internal/config"
	"github.com/BetterAndBetterII/SiteSearch/internal/obs"
	"github.com/BetterAndBetterII/SiteSearch/internal/queue"
	"github.com/nats-io/nats.go"
	"github.com/robfig/cron/v3"
	"go.uber.org/zap"
)

// AlertKind names the health condition that triggered an alert.
type AlertKind string

const (
	AlertStalled          AlertKind = "stalled"
	AlertBacklogWarning   AlertKind = "backlog_size_warning"
	AlertErrorRateWarning AlertKind = "error_rate_warning"
)

// Alert is one health finding raised for a single queue.
type Alert struct {
	Queue     string    `json:"queue"`
	Kind      AlertKind `json:"kind"`
	Message   string    `json:"message"`
	Timestamp time.Time `json:"timestamp"`
}

// AlertSink receives alerts as they're raised; the Monitor always invokes
// registered in-process sinks and, when configured, also publishes to NATS.
type AlertSink func(Alert)

// Monitor samples every pipeline queue on a cron schedule, recovers tasks
// stalled mid-processing, and raises alerts when thresholds are crossed.
type Monitor struct {
	cfg    *config.Config
	qm     *queue.Manager
	log    *zap.Logger
	nc     *nats.Conn
	sinks  []AlertSink
	cron   *cron.Cron
	queues []string

	errWindow map[string]*errorRateWindow
}

// New builds a Monitor over the pipeline's four standard queues. If
// cfg.Monitor.NATSURL is set, alerts are also published to NATSAlertSubject;
// a connection failure there is logged, not fatal, since in-process sinks
// still receive every alert.
func New(cfg *config.Config, qm *queue.Manager, log *zap.Logger) *Monitor {
	m := &Monitor{
		cfg: cfg,
		qm:  qm,
		log: log,
		queues: []string{
			cfg.Pipeline.URLQueue, cfg.Pipeline.CrawlQueue,
			cfg.Pipeline.CleanQueue, cfg.Pipeline.IndexQueue,
		},
		errWindow: make(map[string]*errorRateWindow),
	}
	for _, q := range m.queues {
		m.errWindow[q] = newErrorRateWindow(cfg.Monitor.ErrorRateWindow)
	}

	if cfg.Monitor.NATSURL != "" {
		nc, err := nats.Connect(cfg.Monitor.NATSURL)
		if err != nil {
			log.Warn("nats connect failed, alerts stay in-process only", zap.Error(err))
		} else {
			m.nc = nc
		}
	}
	return m
}

// Subscribe registers an in-process alert sink.
func (m *Monitor) Subscribe(sink AlertSink) {
	m.sinks = append(m.sinks, sink)
}

// RecordOutcome feeds one task outcome into a queue's error-rate window, so
// the next sample can compute MaxErrorRate breaches.
func (m *Monitor) RecordOutcome(queueName string, ok bool) {
	if w, found := m.errWindow[queueName]; found {
		w.record(ok)
	}
}

// Start schedules the sampling loop per cfg.Monitor.SampleCron and returns
// immediately; call Stop to halt it.
func (m *Monitor) Start(ctx context.Context) error {
	c := cron.New()
	_, err := c.AddFunc(m.cfg.Monitor.SampleCron, func() {
		m.sampleOnce(ctx)
	})
	if err != nil {
		return fmt.Errorf("schedule monitor sample: %w", err)
	}
	m.cron = c
	c.Start()
	return nil
}

// Stop halts the sampling schedule and closes any NATS connection.
func (m *Monitor) Stop() {
	if m.cron != nil {
		stopCtx := m.cron.Stop()
		<-stopCtx.Done()
	}
	if m.nc != nil {
		m.nc.Close()
	}
}

// sampleOnce runs one health pass over every queue: stall sweep, backlog
// threshold check, and error-rate threshold check.
func (m *Monitor) sampleOnce(ctx context.Context) {
	for _, q := range m.queues {
		recovered, err := m.sweepStalled(ctx, q)
		if err != nil {
			m.log.Error("stall sweep failed", zap.String("queue", q), zap.Error(err))
		} else if recovered > 0 {
			obs.StalledTasksRecovered.WithLabelValues(q).Add(float64(recovered))
		}

		metrics, err := m.qm.GetQueueMetrics(ctx, q)
		if err != nil {
			m.log.Error("queue metrics failed", zap.String("queue", q), zap.Error(err))
			continue
		}
		if metrics.Pending > m.cfg.Monitor.MaxPendingThreshold {
			m.raise(Alert{
				Queue: q, Kind: AlertBacklogWarning,
				Message:   fmt.Sprintf("pending backlog %d exceeds threshold %d", metrics.Pending, m.cfg.Monitor.MaxPendingThreshold),
				Timestamp: time.Now().UTC(),
			})
		}

		if w, found := m.errWindow[q]; found {
			if rate, ok := w.rate(); ok && rate > m.cfg.Monitor.MaxErrorRate {
				m.raise(Alert{
					Queue: q, Kind: AlertErrorRateWarning,
					Message:   fmt.Sprintf("error rate %.2f exceeds threshold %.2f", rate, m.cfg.Monitor.MaxErrorRate),
					Timestamp: time.Now().UTC(),
				})
			}
		}
	}
}

// sweepStalled re-queues tasks whose processing started longer than
// ActivityTimeout ago, generalizing the stall-detection idea of a
// per-worker heartbeat key to per-task started_at staleness: the
// Supervisor, not individual workers, owns liveness here.
func (m *Monitor) sweepStalled(ctx context.Context, queueName string) (int, error) {
	envs, err := m.qm.ProcessingEnvelopes(ctx, queueName)
	if err != nil {
		return 0, err
	}

	recovered := 0
	cutoff := time.Now().Add(-m.cfg.Monitor.ActivityTimeout)
	for _, env := range envs {
		startedAt := env.UpdatedTime
		if meta, err := m.qm.GetTaskStatus(ctx, env.TaskID); err == nil {
			if t, perr := time.Parse(time.RFC3339Nano, meta["started_at"]); perr == nil {
				startedAt = t
			}
		}
		if startedAt.After(cutoff) {
			continue
		}
		if err := m.qm.FailTask(ctx, queueName, env, true, "stalled: exceeded activity timeout"); err != nil {
			m.log.Error("requeue stalled task", zap.String("task_id", env.TaskID), zap.Error(err))
			continue
		}
		recovered++
		m.raise(Alert{
			Queue: queueName, Kind: AlertStalled,
			Message:   fmt.Sprintf("task %s stalled since %s, requeued", env.TaskID, startedAt),
			Timestamp: time.Now().UTC(),
		})
	}
	return recovered, nil
}

func (m *Monitor) raise(a Alert) {
	obs.AlertsDispatched.WithLabelValues(a.Queue, string(a.Kind)).Inc()
	for _, sink := range m.sinks {
		sink(a)
	}
	if m.nc != nil {
		payload := fmt.Sprintf(`{"queue":%q,"kind":%q,"message":%q,"timestamp":%q}`,
			a.Queue, a.Kind, a.Message, a.Timestamp.Format(time.RFC3339))
		if err := m.nc.Publish(m.cfg.Monitor.NATSAlertSubject, []byte(payload)); err != nil {
			m.log.Warn("nats publish failed", zap.Error(err))
		}
	}
}

// errorRateWindow is a simple time-bounded ring of pass/fail outcomes used
// to compute a queue's rolling error rate.
type errorRateWindow struct {
	window  time.Duration
	samples []sample
}

type sample struct {
	t  time.Time
	ok bool
}

func newErrorRateWindow(window time.Duration) *errorRateWindow {
	if window <= 0 {
		window = 5 * time.Minute
	}
	return &errorRateWindow{window: window}
}

func (w *errorRateWindow) record(ok bool) {
	now := time.Now()
	cutoff := now.Add(-w.window)
	filtered := w.samples[:0]
	for _, s := range w.samples {
		if s.t.After(cutoff) {
			filtered = append(filtered, s)
		}
	}
	w.samples = append(filtered, sample{t: now, ok: ok})
}

func (w *errorRateWindow) rate() (float64, bool) {
	if len(w.samples) == 0 {
		return 0, false
	}
	fails := 0
	for _, s := range w.samples {
		if !s.ok {
			fails++
		}
	}
	return float64(fails) / float64(len(w.samples)), true
}
