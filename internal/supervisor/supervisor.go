// Package supervisor implements the Pipeline Supervisor: it owns each
// stage's goroutine worker pool, routes envelopes between stage queues,
// and exposes scale/restart/shutdown/status operations to the admin surface.
package supervisor

import (
	"context"
	"fmt"
	"runtime"
	"sync"
	"time"

	"github.com/BetterAndBetterII/SiteSearch/internal/breaker"
	"github.com/BetterAndBetterII/SiteSearch/internal/config"
	"github.com/BetterAndBetterII/SiteSearch/internal/envelope"
	"github.com/BetterAndBetterII/SiteSearch/internal/exactly_once"
	"github.com/BetterAndBetterII/SiteSearch/internal/handler"
	"github.com/BetterAndBetterII/SiteSearch/internal/obs"
	"github.com/BetterAndBetterII/SiteSearch/internal/queue"
	"go.uber.org/zap"
)

// pool is one stage's set of worker goroutines: a queue to read from, a
// queue to write successors to (empty for the terminal index stage), and
// the handler that does the actual work.
type pool struct {
	stage   config.Stage
	handler handler.Handler
	cb      *breaker.CircuitBreaker

	mu      sync.Mutex
	cancel  context.CancelFunc
	wg      sync.WaitGroup
	running int
}

// Supervisor owns the full fetch -> clean -> persist -> index pool set.
type Supervisor struct {
	cfg   *config.Config
	qm    *queue.Manager
	log   *zap.Logger
	pools map[string]*pool
	idem  exactly_once.IdempotencyManager

	mu       sync.RWMutex
	shutdown bool
}

// WithIdempotency attaches a task-identity idempotency manager so
// AddURLToQueue can reject a URL that was already seeded within the
// manager's reservation window, instead of enqueueing a duplicate crawl.
func (s *Supervisor) WithIdempotency(idem exactly_once.IdempotencyManager) *Supervisor {
	s.idem = idem
	return s
}

// New builds a Supervisor wiring one pool per stage to its handler. The
// handlers slice must be given in fetch, clean, persist, index order.
func New(cfg *config.Config, qm *queue.Manager, log *zap.Logger, handlers [4]handler.Handler) *Supervisor {
	stages := cfg.Stages()
	names := []string{"fetch", "clean", "persist", "index"}

	s := &Supervisor{cfg: cfg, qm: qm, log: log, pools: make(map[string]*pool, 4)}
	for i, name := range names {
		cb := breaker.New(cfg.CircuitBreaker.Window, cfg.CircuitBreaker.CooldownPeriod,
			cfg.CircuitBreaker.FailureThreshold, cfg.CircuitBreaker.MinSamples)
		s.pools[name] = &pool{stage: stages[i], handler: handlers[i], cb: cb}
	}
	return s
}

// Initialize calls OnStart on every stage handler before any worker runs.
func (s *Supervisor) Initialize(ctx context.Context) error {
	for name, p := range s.pools {
		if err := p.handler.OnStart(ctx); err != nil {
			return fmt.Errorf("initialize %s handler: %w", name, err)
		}
	}
	return nil
}

// StartWorkers launches each stage's configured replica count as goroutines.
func (s *Supervisor) StartWorkers(ctx context.Context) {
	for name, p := range s.pools {
		s.startPool(ctx, name, p, p.stage.Count)
	}
}

func (s *Supervisor) startPool(ctx context.Context, name string, p *pool, count int) {
	p.mu.Lock()
	defer p.mu.Unlock()

	poolCtx, cancel := context.WithCancel(ctx)
	p.cancel = cancel
	p.running = count

	for i := 0; i < count; i++ {
		p.wg.Add(1)
		obs.ActiveWorkers.WithLabelValues(name).Inc()
		go func(replica int) {
			defer p.wg.Done()
			defer obs.ActiveWorkers.WithLabelValues(name).Dec()
			s.runReplica(poolCtx, name, p, replica)
		}(i)
	}
}

// runReplica is the stage worker loop: dequeue, process, route the result
// onward (or mark it complete/failed), gated by the stage's circuit breaker.
func (s *Supervisor) runReplica(ctx context.Context, name string, p *pool, replica int) {
	for ctx.Err() == nil {
		if !p.cb.Allow() {
			time.Sleep(p.stage.BreakerPause)
			continue
		}

		env, err := s.qm.Dequeue(ctx, p.stage.InputQueue, p.stage.PollTimeout)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			s.log.Warn("dequeue error", zap.String("stage", name), zap.Error(err))
			continue
		}
		if env == nil {
			continue
		}

		taskCtx, span := obs.ContextWithTaskSpan(ctx, name, env)
		start := time.Now()
		result, perr := p.handler.Process(taskCtx, env)
		duration := time.Since(start)
		obs.StageProcessingDuration.WithLabelValues(name).Observe(duration.Seconds())
		obs.TasksProcessed.WithLabelValues(name).Inc()

		ok := perr == nil
		prevState := p.cb.State()
		p.cb.Record(ok)
		if prevState != p.cb.State() && p.cb.State() == breaker.Open {
			obs.CircuitBreakerTrips.WithLabelValues(name).Inc()
		}

		if perr != nil {
			obs.RecordError(taskCtx, perr)
			s.handleFailure(ctx, name, p, env, perr)
			span.End()
			continue
		}
		obs.SetSpanSuccess(taskCtx)
		span.End()

		if result == nil {
			// Terminal stage, or an intentional skip (e.g. dedup hit).
			obs.TasksCompleted.WithLabelValues(name).Inc()
			if err := s.qm.CompleteTask(ctx, p.stage.InputQueue, env, duration); err != nil {
				s.log.Error("complete task", zap.String("stage", name), zap.Error(err))
			}
			continue
		}

		if err := s.qm.CompleteTask(ctx, p.stage.InputQueue, env, duration); err != nil {
			s.log.Error("complete task", zap.String("stage", name), zap.Error(err))
		}
		obs.TasksCompleted.WithLabelValues(name).Inc()

		if p.stage.OutputQueue != "" {
			if err := s.qm.Enqueue(ctx, p.stage.OutputQueue, result); err != nil {
				s.log.Error("route to next stage", zap.String("stage", name), zap.Error(err))
			} else {
				obs.TasksEnqueued.WithLabelValues(p.stage.OutputQueue).Inc()
			}
		}
	}
}

func (s *Supervisor) handleFailure(ctx context.Context, name string, p *pool, env *envelope.Envelope, perr error) {
	retry := handler.Classify(perr) == handler.Transient && env.Retries < p.stage.MaxRetries
	if err := s.qm.FailTask(ctx, p.stage.InputQueue, env, retry, perr.Error()); err != nil {
		s.log.Error("fail task", zap.String("stage", name), zap.Error(err))
	}
	if retry {
		obs.TasksRetried.WithLabelValues(name).Inc()
	} else {
		obs.TasksFailed.WithLabelValues(name).Inc()
		obs.TasksDeadLettered.WithLabelValues(name).Inc()
	}
}

// Scale adjusts a stage's running replica count. Scaling down cancels the
// pool's context and lets in-flight replicas drain before a fresh pool with
// the target count is started.
func (s *Supervisor) Scale(ctx context.Context, stageName string, count int) error {
	p, ok := s.pools[stageName]
	if !ok {
		return fmt.Errorf("unknown stage %q", stageName)
	}
	if count < 1 {
		return fmt.Errorf("replica count must be >= 1")
	}

	p.mu.Lock()
	cancel := p.cancel
	p.mu.Unlock()
	if cancel != nil {
		cancel()
	}
	p.wg.Wait()

	s.startPool(ctx, stageName, p, count)
	return nil
}

// Restart cancels and relaunches a stage's pool at its currently configured
// replica count, used to recover from a wedged handler.
func (s *Supervisor) Restart(ctx context.Context, stageName string) error {
	p, ok := s.pools[stageName]
	if !ok {
		return fmt.Errorf("unknown stage %q", stageName)
	}
	return s.Scale(ctx, stageName, p.running)
}

// AddURLToQueue seeds a fresh task onto the url queue's input (the fetch
// stage's input queue), the pipeline's external entry point. When an
// idempotency manager is attached, a URL already reserved within the
// dedup window is silently skipped rather than re-crawled.
func (s *Supervisor) AddURLToQueue(ctx context.Context, url, siteID string) error {
	if s.idem != nil {
		dup, err := s.idem.CheckAndReserve(ctx, idempotencyKey(siteID, url), 0)
		if err != nil {
			return fmt.Errorf("check url idempotency: %w", err)
		}
		if dup {
			return nil
		}
	}
	env := envelope.New(url, siteID)
	return s.qm.Enqueue(ctx, s.cfg.Pipeline.URLQueue, env)
}

func idempotencyKey(siteID, url string) string {
	return fmt.Sprintf("seed:%s:%s", siteID, url)
}

// SeedURL implements handler.LinkSink so the fetch handler can re-seed
// discovered links without depending on the supervisor package.
func (s *Supervisor) SeedURL(ctx context.Context, url, siteID string) error {
	return s.AddURLToQueue(ctx, url, siteID)
}

// Shutdown cancels every pool and waits up to DrainTimeout for replicas to
// finish their current task before returning.
func (s *Supervisor) Shutdown(ctx context.Context) error {
	s.mu.Lock()
	s.shutdown = true
	s.mu.Unlock()

	for _, p := range s.pools {
		p.mu.Lock()
		cancel := p.cancel
		p.mu.Unlock()
		if cancel != nil {
			cancel()
		}
	}

	done := make(chan struct{})
	go func() {
		for _, p := range s.pools {
			p.wg.Wait()
		}
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(s.cfg.Supervisor.DrainTimeout):
		s.log.Warn("shutdown drain timeout exceeded")
	}

	for name, p := range s.pools {
		if err := p.handler.OnStop(ctx); err != nil {
			s.log.Error("stop handler", zap.String("stage", name), zap.Error(err))
		}
	}
	return nil
}

// StageStatus is one stage's contribution to the admin read surface.
type StageStatus struct {
	Name         string         `json:"name"`
	Replicas     int            `json:"replicas"`
	BreakerState breaker.State  `json:"breaker_state"`
	HandlerStats handler.Stats  `json:"handler_stats"`
	QueueMetrics *queue.Metrics `json:"queue_metrics"`
}

// Status summarizes every stage and process-wide resource usage. Resource
// sampling uses Go runtime stats rather than OS-level process sampling,
// since worker replicas are goroutines, not processes.
type Status struct {
	Stages        []StageStatus `json:"stages"`
	NumGoroutines int           `json:"num_goroutines"`
	HeapAllocMB   float64       `json:"heap_alloc_mb"`
}

// GetStatus assembles the current status of every stage pool.
func (s *Supervisor) GetStatus(ctx context.Context) (*Status, error) {
	names := []string{"fetch", "clean", "persist", "index"}
	stages := make([]StageStatus, 0, len(names))
	for _, name := range names {
		p := s.pools[name]
		metrics, err := s.qm.GetQueueMetrics(ctx, p.stage.InputQueue)
		if err != nil {
			return nil, fmt.Errorf("queue metrics for %s: %w", name, err)
		}
		p.mu.Lock()
		replicas := p.running
		p.mu.Unlock()
		stages = append(stages, StageStatus{
			Name:         name,
			Replicas:     replicas,
			BreakerState: p.cb.State(),
			HandlerStats: p.handler.Stats(),
			QueueMetrics: metrics,
		})
	}

	var mem runtime.MemStats
	runtime.ReadMemStats(&mem)

	return &Status{
		Stages:        stages,
		NumGoroutines: runtime.NumGoroutine(),
		HeapAllocMB:   float64(mem.HeapAlloc) / (1024 * 1024),
	}, nil
}
