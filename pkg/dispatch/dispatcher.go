// Package dispatch owns the transfer queue and decides, job by job, whether work runs on
// this device or is handed to a connected peer.
package dispatch

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"

	"github.com/psantana5/edgedash/pkg/analysis"
	"github.com/psantana5/edgedash/pkg/events"
	"github.com/psantana5/edgedash/pkg/logging"
	"github.com/psantana5/edgedash/pkg/metrics"
	"github.com/psantana5/edgedash/pkg/models"
	"github.com/psantana5/edgedash/pkg/scheduler"
	"github.com/psantana5/edgedash/pkg/store"
	"github.com/psantana5/edgedash/pkg/tracing"
)

var ErrNoTransport = errors.New("dispatch: no transport available")

// Sender hands work and results to peers
type Sender interface {
	SendFile(ctx context.Context, msg models.Message, endpointID string) error
	ReturnResult(ctx context.Context, result models.Content, to string) error
	SendCommand(ctx context.Context, cmd models.Command, endpointID string, fields ...string) error
}

// Endpoints is the registry view used for scheduling
type Endpoints interface {
	ConnectedEndpoints() []models.Endpoint
	Get(id string) (models.Endpoint, bool)
}

// Settings are read on every dispatch so changes apply to the next job
type Settings interface {
	SchedulingPolicy() scheduler.Key
	LocalProcessing() bool
}

// StaticSettings is a fixed Settings value
type StaticSettings struct {
	Policy scheduler.Key
	Local  bool
}

func (s StaticSettings) SchedulingPolicy() scheduler.Key {
	if s.Policy == "" {
		return scheduler.DefaultKey
	}
	return s.Policy
}

func (s StaticSettings) LocalProcessing() bool { return s.Local }

// Outcome describes what a dispatch attempt did with the queue head
type Outcome int

const (
	OutcomeEmpty  Outcome = iota // nothing queued
	OutcomeHeld                  // head stays queued
	OutcomeLocal                 // head handed to the local executor
	OutcomeRemote                // head sent to a peer
)

func (o Outcome) String() string {
	switch o {
	case OutcomeEmpty:
		return "empty"
	case OutcomeHeld:
		return "held"
	case OutcomeLocal:
		return "local"
	case OutcomeRemote:
		return "remote"
	}
	return fmt.Sprintf("Outcome(%d)", int(o))
}

// Options configure a Dispatcher
type Options struct {
	Sender     Sender
	Endpoints  Endpoints
	Settings   Settings
	Analyzer   analysis.Analyzer
	ResultsDir string
	History    store.History
	Bus        events.Bus
	Logger     *logging.Logger
	Metrics    *metrics.Metrics
	Tracer     *tracing.Provider
}

type sentKey struct {
	endpoint string
	name     string
}

// Dispatcher implements protocol.WorkSink
type Dispatcher struct {
	opts     Options
	queue    *Queue
	executor *Executor
	logger   *logging.Logger
	bus      events.Bus

	// mu serializes dispatch decisions so the peeked head is the one popped
	mu            sync.Mutex
	dispatchCount int

	stateMu  sync.Mutex
	sent     map[sentKey]models.Message
	enqueued map[string]time.Time
}

// New creates a dispatcher and its local executor
func New(opts Options) *Dispatcher {
	if opts.Bus == nil {
		opts.Bus = events.Discard
	}
	if opts.Logger == nil {
		opts.Logger = logging.Nop()
	}
	if opts.Settings == nil {
		opts.Settings = StaticSettings{}
	}
	if opts.History == nil {
		opts.History = store.NewMemoryHistory()
	}
	if opts.Analyzer == nil {
		opts.Analyzer = analysis.SimulatedAnalyzer{}
	}

	d := &Dispatcher{
		opts:     opts,
		queue:    NewQueue(),
		logger:   opts.Logger.Component("dispatch"),
		bus:      opts.Bus,
		sent:     make(map[sentKey]models.Message),
		enqueued: make(map[string]time.Time),
	}
	d.executor = NewExecutor(ExecutorConfig{
		Analyzer:   opts.Analyzer,
		ResultsDir: opts.ResultsDir,
		OnComplete: d.localComplete,
		Logger:     opts.Logger,
		Metrics:    opts.Metrics,
		Tracer:     opts.Tracer,
	})
	return d
}

// Start launches the local executor
func (d *Dispatcher) Start(ctx context.Context) {
	d.executor.Start(ctx)
}

// Stop waits for the running local job and fails the rest
func (d *Dispatcher) Stop() {
	d.executor.Stop()
}

func (d *Dispatcher) Executor() *Executor {
	return d.executor
}

// Queue returns the queued messages, head first
func (d *Dispatcher) Queue() []models.Message {
	return d.queue.Snapshot()
}

func (d *Dispatcher) QueueLen() int {
	return d.queue.Len()
}

// DispatchCount is the number of remote dispatches so far
func (d *Dispatcher) DispatchCount() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.dispatchCount
}

// Enqueue appends a message to the tail. It does not dispatch.
func (d *Dispatcher) Enqueue(msg models.Message) {
	d.stateMu.Lock()
	if _, ok := d.enqueued[msg.Content.Name]; !ok {
		d.enqueued[msg.Content.Name] = time.Now()
	}
	d.stateMu.Unlock()

	d.queue.Enqueue(msg)
	d.opts.Metrics.RecordEnqueue()
	d.opts.Metrics.SetQueueDepth(d.queue.Len())
	d.logger.Debug(fmt.Sprintf("Queued %s for %s", msg.Content.Name, msg.Command))
}

// AddVideo queues a video for analysis
func (d *Dispatcher) AddVideo(video models.Content) {
	d.Enqueue(models.NewAnalyseMessage(video))
}

// Cancel removes a queued video that has not been dispatched yet
func (d *Dispatcher) Cancel(name string) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	if !d.queue.Remove(name) {
		return false
	}
	d.stateMu.Lock()
	delete(d.enqueued, name)
	d.stateMu.Unlock()
	d.opts.Metrics.SetQueueDepth(d.queue.Len())
	return true
}

// NextTransfer dispatches the queue head if a target is available
func (d *Dispatcher) NextTransfer(ctx context.Context) {
	outcome, err := d.Dispatch(ctx)
	if errors.Is(err, ErrNoTransport) {
		d.logger.Debug(err.Error())
		return
	}
	if err != nil {
		d.logger.Warn(fmt.Sprintf("Dispatch %s: %v", outcome, err))
	}
}

// Dispatch makes one dispatch decision for the queue head and reports what happened.
// The head is only removed once the executor accepted it or the send succeeded.
func (d *Dispatcher) Dispatch(ctx context.Context) (Outcome, error) {
	if d.opts.Sender == nil || d.opts.Endpoints == nil {
		return OutcomeEmpty, ErrNoTransport
	}

	d.mu.Lock()
	defer d.mu.Unlock()

	head, ok := d.queue.Peek()
	if !ok {
		return OutcomeEmpty, nil
	}

	key := d.opts.Settings.SchedulingPolicy()
	connected := d.opts.Endpoints.ConnectedEndpoints()

	ctx, span := d.opts.Tracer.StartSpan(ctx, "dispatch.next",
		attribute.String("video", head.Content.Name),
		attribute.String("policy", string(key)),
		attribute.Int("connected", len(connected)),
	)
	defer span.End()

	if d.opts.Settings.LocalProcessing() && d.executor.Idle() && !anyInactive(connected) {
		if err := d.runLocalLocked(ctx, head); err != nil {
			tracing.SetError(ctx, err)
			return OutcomeHeld, err
		}
		return OutcomeLocal, nil
	}

	target, ok := scheduler.Select(key, connected, d.dispatchCount)
	if !ok {
		d.logger.Debug(fmt.Sprintf("No endpoint available for %s", head.Content.Name))
		return OutcomeHeld, nil
	}

	// the selection came from a snapshot
	current, ok := d.opts.Endpoints.Get(target.ID)
	if !ok || !current.Connected() {
		d.logger.Info(fmt.Sprintf("%s disconnected before %s could be sent", target.Name, head.Content.Name))
		return OutcomeHeld, nil
	}

	if err := d.opts.Sender.SendFile(ctx, head, target.ID); err != nil {
		tracing.SetError(ctx, err)
		d.opts.Metrics.RecordDispatchFailure()
		return OutcomeHeld, fmt.Errorf("failed to send %s to %s: %w", head.Content.Name, target.Name, err)
	}

	d.queue.Pop()
	d.dispatchCount++
	d.opts.Metrics.SetQueueDepth(d.queue.Len())
	d.opts.Metrics.RecordDispatch("remote", string(key))

	d.stateMu.Lock()
	d.sent[sentKey{endpoint: target.ID, name: head.Content.Name}] = head
	d.stateMu.Unlock()
	d.record(head.Content.Name, target.ID, target.Name, string(key))

	d.logger.Info(fmt.Sprintf("Sent %s to %s (%s)", head.Content.Name, target.Name, key))
	return OutcomeRemote, nil
}

func anyInactive(endpoints []models.Endpoint) bool {
	for i := range endpoints {
		if endpoints[i].Inactive() {
			return true
		}
	}
	return false
}

func (d *Dispatcher) runLocalLocked(ctx context.Context, head models.Message) error {
	if _, err := d.submitLocal(head.Content); err != nil {
		return err
	}
	d.queue.Pop()
	d.opts.Metrics.SetQueueDepth(d.queue.Len())
	d.opts.Metrics.RecordDispatch(store.LocalTarget, string(d.opts.Settings.SchedulingPolicy()))
	tracing.AddEvent(ctx, "local")
	return nil
}

// RunLocal analyses one of this device's videos on the local executor without queueing it
func (d *Dispatcher) RunLocal(video models.Content) (*Future, error) {
	d.stateMu.Lock()
	if _, ok := d.enqueued[video.Name]; !ok {
		d.enqueued[video.Name] = time.Now()
	}
	d.stateMu.Unlock()
	return d.submitLocal(video)
}

func (d *Dispatcher) submitLocal(video models.Content) (*Future, error) {
	f, err := d.executor.Submit(Job{Video: video, EnqueuedAt: d.enqueuedAt(video.Name)})
	if err != nil {
		return nil, err
	}
	d.record(video.Name, store.LocalTarget, store.LocalTarget, string(d.opts.Settings.SchedulingPolicy()))
	d.bus.Publish(events.VideoAdded(events.ListProcessing, video))
	d.bus.Publish(events.VideoRemoved(events.ListRaw, video))
	d.logger.Info(fmt.Sprintf("Processing %s locally", video.Name))
	return f, nil
}

// AnalyseReceived runs a video sent by a peer; the result goes back to origin
func (d *Dispatcher) AnalyseReceived(ctx context.Context, video models.Content, origin string) {
	if _, err := d.executor.Submit(Job{Video: video, Origin: origin, EnqueuedAt: time.Now()}); err != nil {
		d.logger.Error(fmt.Sprintf("Cannot analyse %s from %s: %v", video.Name, origin, err))
		return
	}
	d.bus.Publish(events.VideoAdded(events.ListProcessing, video))
}

func (d *Dispatcher) localComplete(ctx context.Context, job Job, result models.Content, err error) {
	d.bus.Publish(events.VideoRemovedByName(events.ListProcessing, job.Video.Name))

	if job.Remote() {
		if d.opts.Sender == nil {
			d.logger.Error(fmt.Sprintf("No transport to answer %s for %s", job.Video.Name, job.Origin))
			return
		}
		if err != nil {
			if serr := d.opts.Sender.SendCommand(ctx, models.CommandError, job.Origin,
				fmt.Sprintf("analysis of %s failed", job.Video.Name)); serr != nil {
				d.logger.Warn(serr.Error())
			}
			return
		}
		d.bus.Publish(events.ResultAdded(result))
		if rerr := d.opts.Sender.ReturnResult(ctx, result, job.Origin); rerr != nil {
			d.logger.Error(fmt.Sprintf("Failed to return %s: %v", result.Name, rerr))
		}
		return
	}

	status := store.StatusCompleted
	if err != nil {
		status = store.StatusFailed
	} else {
		d.bus.Publish(events.ResultAdded(result))
	}
	d.finish(job.Video.Name, store.LocalTarget, status, store.LocalTarget)

	d.NextTransfer(ctx)
}

// ResultReturned closes the bookkeeping for a result a peer sent back
func (d *Dispatcher) ResultReturned(result models.Content, from string) {
	name := models.VideoNameFromResultName(result.Name)
	d.stateMu.Lock()
	delete(d.sent, sentKey{endpoint: from, name: name})
	d.stateMu.Unlock()
	d.finish(name, from, store.StatusCompleted, "remote")
}

// Requeue puts the named jobs that were sent to endpointID back at the head of the queue,
// in their original order. Names that were never dispatched from here are skipped.
func (d *Dispatcher) Requeue(endpointID string, names []string) int {
	d.mu.Lock()
	defer d.mu.Unlock()

	msgs := make([]models.Message, 0, len(names))
	d.stateMu.Lock()
	for _, name := range names {
		k := sentKey{endpoint: endpointID, name: name}
		msg, ok := d.sent[k]
		if !ok {
			continue
		}
		delete(d.sent, k)
		msgs = append(msgs, msg)
	}
	d.stateMu.Unlock()

	if len(msgs) == 0 {
		return 0
	}
	d.queue.PushFront(msgs...)
	for _, m := range msgs {
		if _, err := d.opts.History.Finish(m.Content.Name, endpointID, store.StatusRequeued, time.Now()); err != nil && !errors.Is(err, store.ErrRecordNotFound) {
			d.logger.Warn(err.Error())
		}
		d.bus.Publish(events.VideoRemovedByName(events.ListProcessing, m.Content.Name))
		d.bus.Publish(events.VideoAdded(events.ListRaw, m.Content))
	}
	d.opts.Metrics.RecordRequeue(len(msgs))
	d.opts.Metrics.SetQueueDepth(d.queue.Len())
	d.logger.Info(fmt.Sprintf("Requeued %d job(s) stranded on %s", len(msgs), endpointID))
	return len(msgs)
}

func (d *Dispatcher) enqueuedAt(name string) time.Time {
	d.stateMu.Lock()
	defer d.stateMu.Unlock()
	if t, ok := d.enqueued[name]; ok {
		return t
	}
	return time.Now()
}

func (d *Dispatcher) record(video, target, targetName, policy string) {
	now := time.Now()
	rec := store.Record{
		ID:           uuid.NewString(),
		Video:        video,
		Target:       target,
		TargetName:   targetName,
		Policy:       policy,
		Status:       store.StatusDispatched,
		EnqueuedAt:   d.enqueuedAt(video),
		DispatchedAt: now,
	}
	if err := d.opts.History.Add(rec); err != nil {
		d.logger.Warn(fmt.Sprintf("Could not record dispatch of %s: %v", video, err))
	}
}

func (d *Dispatcher) finish(video, target string, status store.Status, source string) {
	d.stateMu.Lock()
	delete(d.enqueued, video)
	d.stateMu.Unlock()

	rec, err := d.opts.History.Finish(video, target, status, time.Now())
	if err != nil {
		if !errors.Is(err, store.ErrRecordNotFound) {
			d.logger.Warn(fmt.Sprintf("Could not update history for %s: %v", video, err))
		}
		return
	}
	if status == store.StatusCompleted {
		d.opts.Metrics.RecordResult(source, rec.Turnaround())
		d.logger.Info(fmt.Sprintf("%s finished on %s after %.3fs", video, rec.TargetName, rec.Turnaround().Seconds()))
	}
}

// History returns recent dispatch records, newest first
func (d *Dispatcher) History(limit int) ([]store.Record, error) {
	return d.opts.History.List(limit)
}
