package dispatch

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"sync"
	"time"

	"go.opentelemetry.io/otel/attribute"

	"github.com/psantana5/edgedash/pkg/analysis"
	"github.com/psantana5/edgedash/pkg/logging"
	"github.com/psantana5/edgedash/pkg/metrics"
	"github.com/psantana5/edgedash/pkg/models"
	"github.com/psantana5/edgedash/pkg/tracing"
)

var ErrExecutorStopped = errors.New("executor stopped")

// Job is a video waiting for local analysis
type Job struct {
	Video models.Content
	// Origin is the endpoint that sent the video, empty for this device's own videos
	Origin     string
	EnqueuedAt time.Time
}

// Remote reports whether the result must be returned to a peer
func (j Job) Remote() bool {
	return j.Origin != ""
}

// Future tracks one submitted job
type Future struct {
	done   chan struct{}
	result models.Content
	err    error
}

// Done is closed once the job has finished
func (f *Future) Done() <-chan struct{} {
	return f.done
}

func (f *Future) IsDone() bool {
	select {
	case <-f.done:
		return true
	default:
		return false
	}
}

// Wait blocks until the job finishes or ctx ends
func (f *Future) Wait(ctx context.Context) (models.Content, error) {
	select {
	case <-f.done:
		return f.result, f.err
	case <-ctx.Done():
		return models.Content{}, ctx.Err()
	}
}

type task struct {
	job    Job
	future *Future
}

// CompletionFunc is called on the worker goroutine after a job's future resolves
type CompletionFunc func(ctx context.Context, job Job, result models.Content, err error)

// ExecutorConfig configures the local executor
type ExecutorConfig struct {
	Analyzer   analysis.Analyzer
	ResultsDir string
	OnComplete CompletionFunc
	Logger     *logging.Logger
	Metrics    *metrics.Metrics
	Tracer     *tracing.Provider
}

// Executor runs analysis jobs one at a time on a dedicated goroutine
type Executor struct {
	cfg    ExecutorConfig
	logger *logging.Logger

	mu          sync.Mutex
	pending     []task
	outstanding int
	started     bool
	stopped     bool

	wake   chan struct{}
	stopCh chan struct{}
	wg     sync.WaitGroup
}

// NewExecutor creates an executor; call Start before submitting
func NewExecutor(cfg ExecutorConfig) *Executor {
	if cfg.Logger == nil {
		cfg.Logger = logging.Nop()
	}
	return &Executor{
		cfg:     cfg,
		logger:  cfg.Logger.Component("executor"),
		pending: make([]task, 0),
		wake:    make(chan struct{}, 1),
		stopCh:  make(chan struct{}),
	}
}

// Start launches the worker goroutine
func (e *Executor) Start(ctx context.Context) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.started || e.stopped {
		return
	}
	e.started = true

	e.wg.Add(1)
	go e.run(ctx)
}

// Stop waits for the running job to finish and fails every queued one
func (e *Executor) Stop() {
	e.mu.Lock()
	if e.stopped {
		e.mu.Unlock()
		return
	}
	e.stopped = true
	close(e.stopCh)
	e.mu.Unlock()

	e.wg.Wait()

	e.mu.Lock()
	left := e.pending
	e.pending = nil
	e.outstanding -= len(left)
	e.mu.Unlock()
	for _, t := range left {
		t.future.err = ErrExecutorStopped
		close(t.future.done)
	}
}

// Submit queues a job without blocking
func (e *Executor) Submit(job Job) (*Future, error) {
	f := &Future{done: make(chan struct{})}

	e.mu.Lock()
	if e.stopped {
		e.mu.Unlock()
		return nil, ErrExecutorStopped
	}
	e.pending = append(e.pending, task{job: job, future: f})
	e.outstanding++
	e.mu.Unlock()

	e.cfg.Metrics.SetLocalBusy(true)
	select {
	case e.wake <- struct{}{}:
	default:
	}
	return f, nil
}

// Idle reports whether every submitted job has finished
func (e *Executor) Idle() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.outstanding == 0
}

// Outstanding returns the number of unfinished jobs
func (e *Executor) Outstanding() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.outstanding
}

func (e *Executor) next() (task, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if len(e.pending) == 0 {
		return task{}, false
	}
	t := e.pending[0]
	e.pending = e.pending[1:]
	return t, true
}

func (e *Executor) run(ctx context.Context) {
	defer e.wg.Done()

	for {
		select {
		case <-e.stopCh:
			return
		default:
		}

		t, ok := e.next()
		if !ok {
			select {
			case <-e.wake:
				continue
			case <-e.stopCh:
				return
			}
		}
		e.execute(ctx, t)
	}
}

func (e *Executor) execute(ctx context.Context, t task) {
	ctx, span := e.cfg.Tracer.StartSpan(ctx, "executor.analyse",
		attribute.String("video", t.job.Video.Name),
		attribute.String("origin", t.job.Origin),
	)
	defer span.End()

	outPath := filepath.Join(e.cfg.ResultsDir, models.ResultNameFromVideoName(t.job.Video.Name))
	e.logger.Info(fmt.Sprintf("Analysing %s", t.job.Video.Name))

	start := time.Now()
	err := e.cfg.Analyzer.Analyse(ctx, t.job.Video.Path, outPath)
	elapsed := time.Since(start)
	e.cfg.Metrics.RecordAnalysis(elapsed, err)

	var result models.Content
	if err != nil {
		tracing.SetError(ctx, err)
		e.logger.Error(fmt.Sprintf("Analysis of %s failed after %.3fs: %v", t.job.Video.Name, elapsed.Seconds(), err))
	} else {
		result = models.NewResult(outPath)
		e.logger.Info(fmt.Sprintf("Analysed %s in %.3fs", t.job.Video.Name, elapsed.Seconds()))
	}

	// resolve before the callback so it observes this executor as idle
	t.future.result, t.future.err = result, err
	e.mu.Lock()
	e.outstanding--
	idle := e.outstanding == 0
	e.mu.Unlock()
	close(t.future.done)
	if idle {
		e.cfg.Metrics.SetLocalBusy(false)
	}

	if e.cfg.OnComplete != nil {
		e.cfg.OnComplete(ctx, t.job, result, err)
	}
}
