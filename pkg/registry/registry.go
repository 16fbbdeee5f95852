// Package registry tracks discovered peers and drives their connection lifecycle:
// discovered, pending_auth, then connected or rejected, and disconnected.
package registry

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/psantana5/edgedash/pkg/events"
	"github.com/psantana5/edgedash/pkg/logging"
	"github.com/psantana5/edgedash/pkg/models"
	"github.com/psantana5/edgedash/pkg/retry"
	"github.com/psantana5/edgedash/pkg/transport"
)

var (
	ErrUnknownEndpoint = errors.New("registry: unknown endpoint")
	ErrNotConnected    = errors.New("registry: endpoint not connected")
	ErrNotPending      = errors.New("registry: endpoint is not awaiting authorization")
	ErrAlreadyActive   = errors.New("registry: endpoint already connected or connecting")
)

// errAwaitingResult keeps a reconnect loop alive while a request is in flight
var errAwaitingResult = errors.New("awaiting connection result")

// ReconnectConfig controls automatic reconnection to peers that dropped
type ReconnectConfig struct {
	Enabled     bool
	Interval    time.Duration
	MaxAttempts int
}

type reconnectLoop struct {
	cancel context.CancelFunc
}

// Hooks are invoked outside the registry lock
type Hooks struct {
	// OnConnected runs after an endpoint reaches the connected state
	OnConnected func(id string)
	// OnDisconnected receives the jobs still recorded against the endpoint when
	// the requeue policy cleared them, or nil
	OnDisconnected func(id string, stranded []string)
}

// Options configure a Registry
type Options struct {
	LocalName           string
	Authorizer          Authorizer
	Reconnect           ReconnectConfig
	RequeueOnDisconnect bool
	Bus                 events.Bus
	Logger              *logging.Logger
}

// Registry owns the set of known endpoints. All mutations serialize on one mutex.
type Registry struct {
	mu        sync.Mutex
	endpoints map[string]*models.Endpoint
	order     []string
	hooks     Hooks
	retrying  map[string]*reconnectLoop

	transport transport.Transport
	opts      Options
	bus       events.Bus
	logger    *logging.Logger

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// New creates a registry driving connections through t
func New(t transport.Transport, opts Options) *Registry {
	if opts.Authorizer == nil {
		opts.Authorizer = AutoAccept
	}
	if opts.Bus == nil {
		opts.Bus = events.Discard
	}
	if opts.Logger == nil {
		opts.Logger = logging.Nop()
	}
	if opts.Reconnect.Interval <= 0 {
		opts.Reconnect.Interval = 5 * time.Second
	}
	if opts.Reconnect.MaxAttempts <= 0 {
		opts.Reconnect.MaxAttempts = models.MaxConnectionAttempts
	}

	ctx, cancel := context.WithCancel(context.Background())
	return &Registry{
		endpoints: make(map[string]*models.Endpoint),
		retrying:  make(map[string]*reconnectLoop),
		transport: t,
		opts:      opts,
		bus:       opts.Bus,
		logger:    opts.Logger.Component("registry"),
		ctx:       ctx,
		cancel:    cancel,
	}
}

// SetHooks installs lifecycle hooks. It must be called before callbacks start.
func (r *Registry) SetHooks(h Hooks) {
	r.mu.Lock()
	r.hooks = h
	r.mu.Unlock()
}

// Close stops pending reconnection loops
func (r *Registry) Close() {
	r.cancel()
	r.wg.Wait()
}

func (r *Registry) changed() {
	r.bus.Publish(events.EndpointsChanged())
}

func (r *Registry) insertLocked(id, name string) *models.Endpoint {
	e := models.NewEndpoint(id, name)
	r.endpoints[id] = e
	r.order = append(r.order, id)
	return e
}

func (r *Registry) deleteLocked(id string) {
	delete(r.endpoints, id)
	for i, oid := range r.order {
		if oid == id {
			r.order = append(r.order[:i], r.order[i+1:]...)
			break
		}
	}
	if loop, ok := r.retrying[id]; ok {
		loop.cancel()
		delete(r.retrying, id)
	}
}

// EndpointFound records a peer reported by discovery
func (r *Registry) EndpointFound(id, name string) {
	r.mu.Lock()
	if e, ok := r.endpoints[id]; ok {
		e.Discoverable = true
		e.LastSeen = time.Now()
		if name != "" {
			e.Name = name
		}
	} else {
		r.insertLocked(id, name)
		r.logger.Info(fmt.Sprintf("Endpoint found: %s (%s)", name, id))
	}
	r.mu.Unlock()
	r.changed()
}

// EndpointLost removes a peer that is no longer discoverable. A connected or
// handshaking peer is kept until its link resolves.
func (r *Registry) EndpointLost(id string) {
	r.mu.Lock()
	e, ok := r.endpoints[id]
	if !ok {
		r.mu.Unlock()
		return
	}
	if e.Connected() || e.State == models.StatePendingAuth {
		e.Discoverable = false
		r.logger.Debug("Linked endpoint no longer advertised", logging.Fields{"endpoint": id, "state": string(e.State)})
	} else {
		r.deleteLocked(id)
		r.logger.Info(fmt.Sprintf("Endpoint lost: %s (%s)", e.Name, id))
	}
	r.mu.Unlock()
	r.changed()
}

// ConnectionInitiated moves an endpoint into pending_auth and consults the authorizer
func (r *Registry) ConnectionInitiated(id string, info transport.ConnectionInfo) {
	r.mu.Lock()
	e, ok := r.endpoints[id]
	if !ok {
		e = r.insertLocked(id, info.EndpointName)
	}
	if info.EndpointName != "" {
		e.Name = info.EndpointName
	}
	e.State = models.StatePendingAuth
	e.AuthDigits = info.AuthDigits
	snapshot := e.Clone()
	r.mu.Unlock()

	r.logger.Info(fmt.Sprintf("Connection initiated with %s, auth digits %s", snapshot.Name, info.AuthDigits))
	r.changed()

	switch r.opts.Authorizer.Authorize(snapshot, info) {
	case Accept:
		r.accept(id)
	case Reject:
		r.reject(id)
	default:
		r.logger.Info(fmt.Sprintf("Awaiting operator confirmation for %s", snapshot.Name))
	}
}

// ConfirmConnection resolves a deferred authorization
func (r *Registry) ConfirmConnection(id string, accept bool) error {
	r.mu.Lock()
	e, ok := r.endpoints[id]
	if !ok {
		r.mu.Unlock()
		return fmt.Errorf("confirm %s: %w", id, ErrUnknownEndpoint)
	}
	if e.State != models.StatePendingAuth {
		r.mu.Unlock()
		return fmt.Errorf("confirm %s: %w", id, ErrNotPending)
	}
	r.mu.Unlock()

	if accept {
		return r.accept(id)
	}
	return r.reject(id)
}

func (r *Registry) accept(id string) error {
	if err := r.transport.AcceptConnection(id); err != nil {
		r.logger.Error(fmt.Sprintf("Failed to accept connection with %s: %v", id, err))
		return fmt.Errorf("accept %s: %w", id, err)
	}
	return nil
}

func (r *Registry) reject(id string) error {
	r.mu.Lock()
	if e, ok := r.endpoints[id]; ok {
		e.State = models.StateRejected
		e.AuthDigits = ""
	}
	r.mu.Unlock()
	r.changed()

	if err := r.transport.RejectConnection(id); err != nil {
		r.logger.Error(fmt.Sprintf("Failed to reject connection with %s: %v", id, err))
		return fmt.Errorf("reject %s: %w", id, err)
	}
	return nil
}

// ConnectionResult applies the outcome of a handshake
func (r *Registry) ConnectionResult(id string, status transport.ConnectionStatus) {
	r.mu.Lock()
	e, ok := r.endpoints[id]
	if !ok {
		r.mu.Unlock()
		r.logger.Warn("Connection result for unknown endpoint", logging.Fields{"endpoint": id})
		return
	}
	e.AuthDigits = ""
	hooks := r.hooks
	name := e.Name
	switch status {
	case transport.StatusOK:
		e.State = models.StateConnected
		e.ConnectionAttempts = 0
		e.LastSeen = time.Now()
		if loop, ok := r.retrying[id]; ok {
			loop.cancel()
			delete(r.retrying, id)
		}
	case transport.StatusRejected:
		e.State = models.StateRejected
	default:
		e.State = models.StateDisconnected
	}
	if status != transport.StatusOK && !e.Discoverable {
		r.deleteLocked(id)
	}
	r.mu.Unlock()
	r.changed()

	switch status {
	case transport.StatusOK:
		r.logger.Info(fmt.Sprintf("Connected to %s (%s)", name, id))
		if hooks.OnConnected != nil {
			hooks.OnConnected(id)
		}
	case transport.StatusRejected:
		r.logger.Warn(fmt.Sprintf("Connection with %s rejected", name))
	default:
		r.logger.Error(fmt.Sprintf("Connection with %s failed", name))
	}
}

// Disconnected handles a peer dropping the link
func (r *Registry) Disconnected(id string) {
	r.disconnected(id, true)
}

func (r *Registry) disconnected(id string, mayReconnect bool) {
	r.mu.Lock()
	e, ok := r.endpoints[id]
	if !ok {
		r.mu.Unlock()
		return
	}
	wasConnected := e.Connected()
	e.State = models.StateDisconnected

	var stranded []string
	if r.opts.RequeueOnDisconnect && len(e.Jobs) > 0 {
		stranded = e.Jobs
		e.Jobs = make([]string, 0)
	}
	name := e.Name
	hooks := r.hooks
	if !e.Discoverable {
		r.deleteLocked(id)
		mayReconnect = false
	}
	if mayReconnect && wasConnected && r.opts.Reconnect.Enabled {
		r.scheduleReconnectLocked(id)
	}
	r.mu.Unlock()

	r.logger.Info(fmt.Sprintf("Disconnected from %s (%s)", name, id))
	r.changed()

	if hooks.OnDisconnected != nil {
		hooks.OnDisconnected(id, stranded)
	}
}

func (r *Registry) scheduleReconnectLocked(id string) {
	if _, running := r.retrying[id]; running {
		return
	}
	ctx, cancel := context.WithCancel(r.ctx)
	loop := &reconnectLoop{cancel: cancel}
	r.retrying[id] = loop

	cfg := retry.Fixed(r.opts.Reconnect.Interval, r.opts.Reconnect.MaxAttempts)
	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		defer cancel()

		// first attempt waits one interval like the rest
		select {
		case <-ctx.Done():
			return
		case <-time.After(r.opts.Reconnect.Interval):
		}

		err := retry.Do(ctx, cfg, func(attempt int) error {
			return r.reconnectAttempt(ctx, id, attempt)
		})

		r.mu.Lock()
		if r.retrying[id] == loop {
			delete(r.retrying, id)
		}
		r.mu.Unlock()

		if err != nil && !errors.Is(err, retry.ErrStopped) && ctx.Err() == nil {
			r.logger.Warn(fmt.Sprintf("Giving up reconnecting to %s: %v", id, err))
		}
	}()
}

func (r *Registry) reconnectAttempt(ctx context.Context, id string, attempt int) error {
	r.mu.Lock()
	e, ok := r.endpoints[id]
	if !ok {
		r.mu.Unlock()
		return retry.ErrStopped
	}
	switch e.State {
	case models.StateConnected:
		r.mu.Unlock()
		return nil
	case models.StatePendingAuth:
		r.mu.Unlock()
		return errAwaitingResult
	}
	e.ConnectionAttempts = attempt
	r.mu.Unlock()

	r.logger.Info(fmt.Sprintf("Reconnecting to %s, attempt %d/%d", id, attempt, r.opts.Reconnect.MaxAttempts))
	if err := r.transport.RequestConnection(ctx, r.opts.LocalName, id); err != nil {
		return err
	}
	return errAwaitingResult
}

// Connect asks the transport for a connection to a discovered endpoint
func (r *Registry) Connect(ctx context.Context, id string) error {
	r.mu.Lock()
	e, ok := r.endpoints[id]
	if !ok {
		r.mu.Unlock()
		return fmt.Errorf("connect %s: %w", id, ErrUnknownEndpoint)
	}
	if e.Connected() || e.State == models.StatePendingAuth {
		r.mu.Unlock()
		return fmt.Errorf("connect %s: %w", id, ErrAlreadyActive)
	}
	e.ConnectionAttempts++
	r.mu.Unlock()

	if err := r.transport.RequestConnection(ctx, r.opts.LocalName, id); err != nil {
		return fmt.Errorf("connect %s: %w", id, err)
	}
	return nil
}

// Disconnect drops a connected endpoint without scheduling a reconnection
func (r *Registry) Disconnect(id string) error {
	r.mu.Lock()
	e, ok := r.endpoints[id]
	if !ok {
		r.mu.Unlock()
		return fmt.Errorf("disconnect %s: %w", id, ErrUnknownEndpoint)
	}
	if !e.Connected() {
		r.mu.Unlock()
		return fmt.Errorf("disconnect %s: %w", id, ErrNotConnected)
	}
	r.mu.Unlock()

	r.transport.Disconnect(id)
	r.disconnected(id, false)
	return nil
}

// Remove forgets an endpoint, disconnecting it first when connected and
// rejecting it when a handshake is pending
func (r *Registry) Remove(id string) error {
	r.mu.Lock()
	e, ok := r.endpoints[id]
	if !ok {
		r.mu.Unlock()
		return fmt.Errorf("remove %s: %w", id, ErrUnknownEndpoint)
	}
	connected := e.Connected()
	pending := e.State == models.StatePendingAuth
	r.mu.Unlock()

	switch {
	case connected:
		if err := r.Disconnect(id); err != nil && !errors.Is(err, ErrNotConnected) {
			return err
		}
	case pending:
		if err := r.reject(id); err != nil {
			return fmt.Errorf("remove %s: %w", id, err)
		}
	}

	r.mu.Lock()
	r.deleteLocked(id)
	r.mu.Unlock()
	r.changed()
	return nil
}

// IsAnyConnected reports whether at least one endpoint is connected
func (r *Registry) IsAnyConnected() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, e := range r.endpoints {
		if e.Connected() {
			return true
		}
	}
	return false
}

// ConnectedEndpoints returns copies of connected endpoints in discovery order
func (r *Registry) ConnectedEndpoints() []models.Endpoint {
	return r.filter(func(e *models.Endpoint) bool { return e.Connected() })
}

// PendingAuth returns endpoints waiting for authorization
func (r *Registry) PendingAuth() []models.Endpoint {
	return r.filter(func(e *models.Endpoint) bool { return e.State == models.StatePendingAuth })
}

// All returns copies of every known endpoint in discovery order
func (r *Registry) All() []models.Endpoint {
	return r.filter(func(*models.Endpoint) bool { return true })
}

func (r *Registry) filter(keep func(*models.Endpoint) bool) []models.Endpoint {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]models.Endpoint, 0, len(r.order))
	for _, id := range r.order {
		if e := r.endpoints[id]; keep(e) {
			out = append(out, e.Clone())
		}
	}
	return out
}

// Get returns a copy of one endpoint
func (r *Registry) Get(id string) (models.Endpoint, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.endpoints[id]
	if !ok {
		return models.Endpoint{}, false
	}
	return e.Clone(), true
}

func (r *Registry) update(id string, fn func(*models.Endpoint)) error {
	r.mu.Lock()
	e, ok := r.endpoints[id]
	if !ok {
		r.mu.Unlock()
		return fmt.Errorf("%s: %w", id, ErrUnknownEndpoint)
	}
	fn(e)
	r.mu.Unlock()
	r.changed()
	return nil
}

// AddJob records a job name as assigned to the endpoint
func (r *Registry) AddJob(id, name string) error {
	return r.update(id, func(e *models.Endpoint) { e.AddJob(name) })
}

// RemoveJob removes one occurrence of a job name, reporting whether it was recorded
func (r *Registry) RemoveJob(id, name string) (bool, error) {
	removed := false
	err := r.update(id, func(e *models.Endpoint) { removed = e.RemoveJob(name) })
	return removed, err
}

// IncrementCompleted bumps the endpoint's completed job count
func (r *Registry) IncrementCompleted(id string) error {
	return r.update(id, func(e *models.Endpoint) { e.CompletedCount++ })
}

// SetHardware replaces the endpoint's hardware profile
func (r *Registry) SetHardware(id string, profile models.HardwareProfile) error {
	return r.update(id, func(e *models.Endpoint) { e.Hardware = &profile })
}
