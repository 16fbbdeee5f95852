// Package node assembles the components of one device: the endpoint registry, the transfer
// protocol, the dispatcher with its local executor, the event broker and the stores.
package node

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strings"
	"sync"

	"github.com/google/uuid"

	"github.com/psantana5/edgedash/pkg/analysis"
	"github.com/psantana5/edgedash/pkg/config"
	"github.com/psantana5/edgedash/pkg/dispatch"
	"github.com/psantana5/edgedash/pkg/events"
	"github.com/psantana5/edgedash/pkg/hardware"
	"github.com/psantana5/edgedash/pkg/logging"
	"github.com/psantana5/edgedash/pkg/metrics"
	"github.com/psantana5/edgedash/pkg/models"
	"github.com/psantana5/edgedash/pkg/protocol"
	"github.com/psantana5/edgedash/pkg/registry"
	"github.com/psantana5/edgedash/pkg/source"
	"github.com/psantana5/edgedash/pkg/store"
	"github.com/psantana5/edgedash/pkg/tracing"
	"github.com/psantana5/edgedash/pkg/transport"
)

var ErrAlreadyStarted = errors.New("node: already started")

// Options configure a Node. Zero values fall back to what Config describes.
type Options struct {
	Config    *config.Config
	Transport transport.Transport

	// Settings override the static policy and local flag from Config
	Settings   dispatch.Settings
	Analyzer   analysis.Analyzer
	History    store.History
	Hardware   protocol.HardwareSource
	Authorizer registry.Authorizer

	Logger  *logging.Logger
	Metrics *metrics.Metrics
	Tracer  *tracing.Provider
}

// Node is one device of the mesh
type Node struct {
	cfg       *config.Config
	name      string
	transport transport.Transport
	logger    *logging.Logger

	broker     *events.Broker
	registry   *registry.Registry
	protocol   *protocol.Protocol
	dispatcher *dispatch.Dispatcher
	results    *store.ResultStore
	history    store.History
	metrics    *metrics.Metrics
	tracer     *tracing.Provider

	mu      sync.Mutex
	started bool
	ctx     context.Context
	cancel  context.CancelFunc
	wg      sync.WaitGroup
}

// DisplayName is the name advertised when none is configured: the host name followed by
// a short random tag so two devices on one host stay distinguishable
func DisplayName() string {
	host, err := os.Hostname()
	if err != nil || host == "" {
		host = "edgedash"
	}
	tag := strings.ReplaceAll(uuid.NewString(), "-", "")[:8]
	return fmt.Sprintf("%s [%s]", host, tag)
}

// New builds a node; nothing runs until Start
func New(opts Options) (*Node, error) {
	cfg := opts.Config
	if cfg == nil {
		return nil, fmt.Errorf("node: %w: missing configuration", config.ErrInvalid)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if opts.Transport == nil {
		return nil, errors.New("node: transport is required")
	}
	if opts.Logger == nil {
		opts.Logger = logging.Nop()
	}
	if opts.Metrics == nil {
		opts.Metrics = metrics.New()
	}
	if opts.Settings == nil {
		opts.Settings = config.NewLive(cfg)
	}
	if opts.Analyzer == nil {
		if cfg.Analysis.Command != "" {
			opts.Analyzer = analysis.NewExecAnalyzer(cfg.Analysis.Command, opts.Logger)
		} else {
			opts.Analyzer = analysis.SimulatedAnalyzer{Delay: cfg.Analysis.Delay}
		}
	}
	if opts.Hardware == nil {
		opts.Hardware = hardware.NewProbe(cfg.DataDir).Profile
	}
	if opts.Authorizer == nil {
		opts.Authorizer = registry.Manual
		if cfg.AutoAccept {
			opts.Authorizer = registry.AutoAccept
		}
	}

	for _, dir := range []string{cfg.RawDir(), cfg.IncomingDir(), cfg.ResultsDir()} {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return nil, fmt.Errorf("failed to create %s: %w", dir, err)
		}
	}
	results, err := store.NewResultStore(cfg.ResultsDir(), true)
	if err != nil {
		return nil, err
	}
	if opts.History == nil {
		if cfg.History.Path != "" {
			h, err := store.NewSQLiteHistory(cfg.History.Path)
			if err != nil {
				return nil, err
			}
			opts.History = h
		} else {
			opts.History = store.NewMemoryHistory()
		}
	}

	name := cfg.DeviceName
	if name == "" {
		name = DisplayName()
	}
	logger := opts.Logger.WithField("device", name)

	n := &Node{
		cfg:       cfg,
		name:      name,
		transport: opts.Transport,
		logger:    logger.Component("node"),
		broker:    events.NewBroker(),
		results:   results,
		history:   opts.History,
		metrics:   opts.Metrics,
		tracer:    opts.Tracer,
		ctx:       context.Background(),
	}

	n.registry = registry.New(opts.Transport, registry.Options{
		LocalName:  name,
		Authorizer: opts.Authorizer,
		Reconnect: registry.ReconnectConfig{
			// workers initiate connections, so only they reconnect
			Enabled:     cfg.Reconnect.Enabled && cfg.Role == config.RoleWorker,
			Interval:    cfg.Reconnect.Interval,
			MaxAttempts: cfg.Reconnect.MaxAttempts,
		},
		RequeueOnDisconnect: cfg.RequeueOnDisconnect,
		Bus:                 n.broker,
		Logger:              logger,
	})

	n.protocol = protocol.New(protocol.Options{
		Transport:      opts.Transport,
		Endpoints:      n.registry,
		Results:        results,
		Hardware:       opts.Hardware,
		Bus:            n.broker,
		IncomingDir:    cfg.IncomingDir(),
		RawDir:         cfg.RawDir(),
		CorrelationTTL: cfg.CorrelationTTL,
		OnResult:       n.resultReturned,
		Logger:         logger,
		Metrics:        opts.Metrics,
		Tracer:         opts.Tracer,
	})

	n.dispatcher = dispatch.New(dispatch.Options{
		Sender:     n.protocol,
		Endpoints:  n.registry,
		Settings:   opts.Settings,
		Analyzer:   opts.Analyzer,
		ResultsDir: cfg.ResultsDir(),
		History:    opts.History,
		Bus:        n.broker,
		Logger:     logger,
		Metrics:    opts.Metrics,
		Tracer:     opts.Tracer,
	})
	n.protocol.SetSink(n.dispatcher)

	n.registry.SetHooks(registry.Hooks{
		OnConnected:    n.endpointConnected,
		OnDisconnected: n.endpointDisconnected,
	})
	if err := opts.Metrics.WatchEndpoints(n.registry); err != nil {
		n.logger.Warn(fmt.Sprintf("Per-endpoint metrics unavailable: %v", err))
	}
	if err := opts.Metrics.WatchBacklog(n.protocol.Pending, n.dispatcher.Executor().Outstanding); err != nil {
		n.logger.Warn(fmt.Sprintf("Backlog metrics unavailable: %v", err))
	}

	opts.Transport.SetHandlers(transport.Handlers{
		Discovery:  discovery{n},
		Connection: n.registry,
		Payload:    n.protocol,
	})
	return n, nil
}

// discovery forwards discovery callbacks to the registry; workers connect to every
// master they find
type discovery struct {
	n *Node
}

func (d discovery) EndpointFound(id, name string) {
	d.n.registry.EndpointFound(id, name)
	if d.n.cfg.Role != config.RoleWorker {
		return
	}
	if err := d.n.registry.Connect(d.n.context(), id); err != nil && !errors.Is(err, registry.ErrAlreadyActive) {
		d.n.logger.Warn(fmt.Sprintf("Could not connect to %s: %v", name, err))
	}
}

func (d discovery) EndpointLost(id string) {
	d.n.registry.EndpointLost(id)
}

func (n *Node) context() context.Context {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.ctx
}

func (n *Node) endpointConnected(id string) {
	n.protocol.EndpointConnected(id)
	n.dispatcher.NextTransfer(n.context())
}

func (n *Node) endpointDisconnected(id string, stranded []string) {
	if len(stranded) > 0 {
		n.dispatcher.Requeue(id, stranded)
	}
	n.dispatcher.NextTransfer(n.context())
}

func (n *Node) resultReturned(result models.Content, from string) {
	n.dispatcher.ResultReturned(result, from)
}

// Start launches the workers and begins advertising (master) or discovery (worker).
// Masters download from the simulated dash cam when one is configured, otherwise they
// watch the raw directory.
func (n *Node) Start(ctx context.Context) error {
	n.mu.Lock()
	if n.started {
		n.mu.Unlock()
		return ErrAlreadyStarted
	}
	n.started = true
	n.ctx, n.cancel = context.WithCancel(ctx)
	ctx = n.ctx
	n.mu.Unlock()

	n.protocol.Start(ctx)
	n.dispatcher.Start(ctx)

	switch n.cfg.Role {
	case config.RoleMaster:
		if err := n.transport.StartAdvertising(ctx, n.name); err != nil {
			return fmt.Errorf("failed to start advertising: %w", err)
		}
		n.logger.Info(fmt.Sprintf("Advertising as %s", n.name))
		switch {
		case n.cfg.Simulation.Enabled && n.cfg.Simulation.SourceDir != "":
			n.startSource(ctx)
		case n.cfg.Ingest.Watch:
			n.startWatch(ctx)
		}
	case config.RoleWorker:
		if err := n.transport.StartDiscovery(ctx); err != nil {
			return fmt.Errorf("failed to start discovery: %w", err)
		}
		n.logger.Info(fmt.Sprintf("Discovering as %s", n.name))
	}
	return nil
}

func (n *Node) startSource(ctx context.Context) {
	d := source.New(source.Options{
		SourceDir:  n.cfg.Simulation.SourceDir,
		DestDir:    n.cfg.RawDir(),
		Interval:   n.cfg.DownloadDelay,
		StartDelay: n.cfg.Simulation.Delay,
		Logger:     n.logger,
	})
	n.wg.Add(1)
	go func() {
		defer n.wg.Done()
		if err := d.Run(ctx, n.Ingest); err != nil && !errors.Is(err, context.Canceled) {
			n.logger.Error(fmt.Sprintf("Dash cam download stopped: %v", err))
		}
	}()
}

func (n *Node) startWatch(ctx context.Context) {
	w := source.NewDirWatcher(n.cfg.RawDir(), n.cfg.Ingest.Settle, n.logger)
	n.wg.Add(1)
	go func() {
		defer n.wg.Done()
		if err := w.Run(ctx, n.Ingest); err != nil && !errors.Is(err, context.Canceled) {
			n.logger.Error(fmt.Sprintf("Watching %s stopped: %v", n.cfg.RawDir(), err))
		}
	}()
}

// Ingest accepts a new raw video. Without any connected peer it is analysed here right
// away; otherwise it is queued and the dispatcher decides where it runs.
func (n *Node) Ingest(ctx context.Context, video models.Content) {
	n.broker.Publish(events.VideoAdded(events.ListRaw, video))

	if !n.registry.IsAnyConnected() {
		if _, err := n.dispatcher.RunLocal(video); err != nil {
			n.logger.Error(fmt.Sprintf("Cannot analyse %s: %v", video.Name, err))
		}
		return
	}
	n.dispatcher.AddVideo(video)
	n.dispatcher.NextTransfer(ctx)
}

// Stop disconnects from every peer and waits for running work. Queued jobs stay queued.
func (n *Node) Stop(ctx context.Context) error {
	n.mu.Lock()
	if !n.started {
		n.mu.Unlock()
		return nil
	}
	n.started = false
	cancel := n.cancel
	n.mu.Unlock()

	cancel()
	n.wg.Wait()

	n.protocol.Stop()
	n.transport.StopAll()
	n.registry.Close()
	n.dispatcher.Stop()

	var errs []error
	if c, ok := n.transport.(interface{ Close() }); ok {
		c.Close()
	}
	if err := n.history.Close(); err != nil {
		errs = append(errs, fmt.Errorf("failed to close history: %w", err))
	}
	if n.tracer != nil {
		if err := n.tracer.Shutdown(ctx); err != nil {
			errs = append(errs, err)
		}
	}
	n.broker.Close()
	n.logger.Info("Node stopped")
	return errors.Join(errs...)
}

func (n *Node) Name() string                     { return n.name }
func (n *Node) Config() *config.Config           { return n.cfg }
func (n *Node) Broker() *events.Broker           { return n.broker }
func (n *Node) Registry() *registry.Registry     { return n.registry }
func (n *Node) Protocol() *protocol.Protocol     { return n.protocol }
func (n *Node) Dispatcher() *dispatch.Dispatcher { return n.dispatcher }
func (n *Node) Results() *store.ResultStore      { return n.results }
func (n *Node) Metrics() *metrics.Metrics        { return n.metrics }
