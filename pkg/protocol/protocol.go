// Package protocol implements the two-channel transfer protocol: a short control message
// announces each file payload by id, and the receiver reconciles the two halves, which may
// arrive in either order, before acting on them.
package protocol

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"golang.org/x/time/rate"

	"github.com/psantana5/edgedash/pkg/events"
	"github.com/psantana5/edgedash/pkg/logging"
	"github.com/psantana5/edgedash/pkg/metrics"
	"github.com/psantana5/edgedash/pkg/models"
	"github.com/psantana5/edgedash/pkg/tracing"
	"github.com/psantana5/edgedash/pkg/transport"
)

const (
	DefaultCorrelationTTL   = 10 * time.Minute
	DefaultProgressInterval = 10 * time.Second
)

// Endpoints is the registry surface the protocol keeps up to date
type Endpoints interface {
	Get(id string) (models.Endpoint, bool)
	ConnectedEndpoints() []models.Endpoint
	AddJob(id, name string) error
	RemoveJob(id, name string) (bool, error)
	IncrementCompleted(id string) error
	SetHardware(id string, profile models.HardwareProfile) error
}

// ResultStore keeps results returned by peers
type ResultStore interface {
	Put(name, srcPath string) (models.Content, error)
}

// WorkSink receives work that arrives through the protocol
type WorkSink interface {
	// AnalyseReceived hands over a video a peer asked this device to analyse
	AnalyseReceived(ctx context.Context, video models.Content, origin string)
	// NextTransfer lets the dispatcher use a slot that just freed up
	NextTransfer(ctx context.Context)
}

// HardwareSource reports this device's current profile
type HardwareSource func() (models.HardwareProfile, error)

// Options configure a Protocol
type Options struct {
	Transport transport.Transport
	Endpoints Endpoints
	Results   ResultStore
	Hardware  HardwareSource
	Bus       events.Bus

	// IncomingDir receives videos sent for analysis
	IncomingDir string
	// RawDir holds this device's own raw videos
	RawDir string

	CorrelationTTL   time.Duration
	ProgressInterval time.Duration

	// OnResult runs after a returned result has been stored
	OnResult func(result models.Content, from string)

	Logger  *logging.Logger
	Metrics *metrics.Metrics
	Tracer  *tracing.Provider
}

// Protocol implements transport.PayloadHandler
type Protocol struct {
	opts     Options
	table    *correlationTable
	logger   *logging.Logger
	bus      events.Bus
	progress *rate.Sometimes

	mu   sync.RWMutex
	sink WorkSink
	ctx  context.Context

	stop context.CancelFunc
	wg   sync.WaitGroup
}

var _ transport.PayloadHandler = (*Protocol)(nil)

// New creates a protocol instance; call SetSink before payloads arrive
func New(opts Options) *Protocol {
	if opts.Bus == nil {
		opts.Bus = events.Discard
	}
	if opts.Logger == nil {
		opts.Logger = logging.Nop()
	}
	if opts.CorrelationTTL <= 0 {
		opts.CorrelationTTL = DefaultCorrelationTTL
	}
	if opts.ProgressInterval <= 0 {
		opts.ProgressInterval = DefaultProgressInterval
	}
	return &Protocol{
		opts:     opts,
		table:    newCorrelationTable(),
		logger:   opts.Logger.Component("protocol"),
		bus:      opts.Bus,
		progress: &rate.Sometimes{Interval: opts.ProgressInterval},
		ctx:      context.Background(),
	}
}

// SetSink installs the collaborator that receives analysis work
func (p *Protocol) SetSink(s WorkSink) {
	p.mu.Lock()
	p.sink = s
	p.mu.Unlock()
}

func (p *Protocol) state() (WorkSink, context.Context) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.sink, p.ctx
}

// Start runs the eviction sweeper until Stop or ctx is done
func (p *Protocol) Start(ctx context.Context) {
	ctx, cancel := context.WithCancel(ctx)
	p.mu.Lock()
	p.ctx = ctx
	p.stop = cancel
	p.mu.Unlock()

	interval := p.opts.CorrelationTTL / 2
	if interval < time.Second {
		interval = time.Second
	}
	if interval > time.Minute {
		interval = time.Minute
	}

	p.wg.Add(1)
	go func() {
		defer p.wg.Done()
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				p.Sweep()
			}
		}
	}()
}

// Stop cancels in-flight incoming payloads and stops the sweeper
func (p *Protocol) Stop() {
	p.CancelAll()
	p.mu.Lock()
	stop := p.stop
	p.mu.Unlock()
	if stop != nil {
		stop()
	}
	p.wg.Wait()
}

// Pending returns the number of unreconciled correlation entries
func (p *Protocol) Pending() int {
	return p.table.len()
}

// Sweep evicts correlation entries idle for longer than the TTL and deletes their files
func (p *Protocol) Sweep() int {
	evicted := p.table.evict(p.opts.CorrelationTTL)
	for _, e := range evicted {
		if e.path != "" {
			if err := os.Remove(e.path); err != nil && !errors.Is(err, os.ErrNotExist) {
				p.logger.Warn(fmt.Sprintf("Failed to delete orphaned payload %s: %v", e.path, err))
			}
		}
		p.logger.Warn("Evicted unreconciled payload", logging.Fields{
			"payload":  e.id.String(),
			"from":     e.from,
			"filename": e.filename,
			"control":  e.control,
			"file":     e.completed,
		})
	}
	p.opts.Metrics.RecordEvictions(len(evicted))
	return len(evicted)
}

// CancelAll cancels every incoming file transfer that has not completed
func (p *Protocol) CancelAll() {
	for _, k := range p.table.inFlight() {
		p.logger.Debug("Cancelling payload", logging.Fields{"payload": k.id.String(), "from": k.from})
		if err := p.opts.Transport.CancelPayload(k.id); err != nil {
			p.logger.Warn(fmt.Sprintf("Failed to cancel payload %s: %v", k.id, err))
		}
		if e := p.table.drop(k.from, k.id); e != nil && e.path != "" {
			os.Remove(e.path)
		}
	}
}

// SendFile announces msg's file to the endpoint and transfers it under the same payload id
func (p *Protocol) SendFile(ctx context.Context, msg models.Message, endpointID string) error {
	ctx, span := p.opts.Tracer.StartSpan(ctx, "protocol.send_file",
		attribute.String("command", string(msg.Command)),
		attribute.String("file", msg.Content.Name),
		attribute.String("endpoint", endpointID),
	)
	defer span.End()

	if _, err := os.Stat(msg.Content.Path); err != nil {
		tracing.SetError(ctx, err)
		return fmt.Errorf("could not open %s: %w", msg.Content.Name, err)
	}

	id := p.opts.Transport.NewPayloadID()
	announce, err := EncodeTransfer(msg.Command, id, msg.Content.Name)
	if err != nil {
		tracing.SetError(ctx, err)
		return err
	}
	if err := p.opts.Transport.SendBytes(ctx, endpointID, announce); err != nil {
		tracing.SetError(ctx, err)
		return fmt.Errorf("failed to send %s announcement: %w", msg.Command, err)
	}
	if err := p.opts.Transport.SendFile(ctx, endpointID, id, msg.Content.Path); err != nil {
		tracing.SetError(ctx, err)
		return fmt.Errorf("failed to send %s: %w", msg.Content.Name, err)
	}

	if msg.Command == models.CommandAnalyse {
		if err := p.opts.Endpoints.AddJob(endpointID, msg.Content.Name); err != nil {
			p.logger.Warn(fmt.Sprintf("Sent %s to an endpoint missing from the registry: %v", msg.Content.Name, err))
		}
	}
	p.logger.Info(fmt.Sprintf("Sending %s to %s", msg.Content.Name, p.endpointName(endpointID)),
		logging.Fields{"payload": id.String(), "command": string(msg.Command)})
	return nil
}

// ReturnResult sends a result back to the endpoint the job came from, then pushes this
// device's refreshed profile to every connected peer since the analysis changed it
func (p *Protocol) ReturnResult(ctx context.Context, result models.Content, to string) error {
	if err := p.SendFile(ctx, models.Message{Content: result, Command: models.CommandReturn}, to); err != nil {
		return err
	}
	p.BroadcastHardwareInfo(ctx)
	return nil
}

// SendCommand sends a control message without a file
func (p *Protocol) SendCommand(ctx context.Context, cmd models.Command, endpointID string, fields ...string) error {
	data, err := Encode(cmd, fields...)
	if err != nil {
		return err
	}
	if err := p.opts.Transport.SendBytes(ctx, endpointID, data); err != nil {
		return fmt.Errorf("failed to send %s to %s: %w", cmd, endpointID, err)
	}
	return nil
}

// RequestHardwareInfo asks a peer for its profile without waiting for the reply
func (p *Protocol) RequestHardwareInfo(ctx context.Context, endpointID string) {
	p.logger.Debug("Requesting hardware information", logging.Fields{"endpoint": endpointID})
	if err := p.SendCommand(ctx, models.CommandHWInfoRequest, endpointID); err != nil {
		p.logger.Warn(err.Error())
	}
}

// SendHardwareInfo sends this device's profile to the given endpoints
func (p *Protocol) SendHardwareInfo(ctx context.Context, endpointIDs ...string) {
	if p.opts.Hardware == nil {
		return
	}
	hw, err := p.opts.Hardware()
	if err != nil {
		p.logger.Error(fmt.Sprintf("Failed to read hardware information: %v", err))
		return
	}
	raw, err := hw.ToJSON()
	if err != nil {
		p.logger.Error(err.Error())
		return
	}
	p.logger.Debug(fmt.Sprintf("Sending hardware information: %s", hw))
	for _, id := range endpointIDs {
		if err := p.SendCommand(ctx, models.CommandHWInfo, id, raw); err != nil {
			p.logger.Warn(err.Error())
		}
	}
}

// BroadcastHardwareInfo sends this device's profile to every connected endpoint
func (p *Protocol) BroadcastHardwareInfo(ctx context.Context) {
	connected := p.opts.Endpoints.ConnectedEndpoints()
	ids := make([]string, 0, len(connected))
	for _, e := range connected {
		ids = append(ids, e.ID)
	}
	p.SendHardwareInfo(ctx, ids...)
}

// EndpointConnected requests the new peer's hardware profile
func (p *Protocol) EndpointConnected(id string) {
	_, ctx := p.state()
	p.RequestHardwareInfo(ctx, id)
}

func (p *Protocol) endpointName(id string) string {
	if e, ok := p.opts.Endpoints.Get(id); ok && e.Name != "" {
		return e.Name
	}
	return id
}

// PayloadReceived handles the start of a payload
func (p *Protocol) PayloadReceived(from string, payload transport.Payload) {
	switch payload.Kind {
	case transport.PayloadBytes:
		c, err := Decode(payload.Bytes)
		if err != nil {
			p.logger.Warn(fmt.Sprintf("Dropping control message from %s: %v", from, err))
			return
		}
		if _, ok := p.opts.Endpoints.Get(from); !ok {
			p.logger.Error(fmt.Sprintf("Control message from unknown endpoint %s", from))
			return
		}
		p.handleControl(from, c)
	case transport.PayloadFile:
		// tracked until the transport reports the transfer finished
		p.table.recordFile(from, payload.ID, payload.Path, payload.Size)
	}
}

func (p *Protocol) handleControl(from string, c Control) {
	sink, ctx := p.state()

	switch c.Command {
	case models.CommandError:
		p.logger.Error(fmt.Sprintf("Error reported by %s: %s", p.endpointName(from), c.Body))

	case models.CommandAnalyse:
		p.logger.Debug(fmt.Sprintf("Started downloading %s from %s", c.Filename, p.endpointName(from)))
		if e := p.table.recordControl(from, c.PayloadID, c.Filename, c.Command); e != nil {
			p.reconcile(ctx, e)
		}

	case models.CommandReturn:
		p.logger.Debug(fmt.Sprintf("Started downloading %s from %s", c.Filename, p.endpointName(from)))
		e := p.table.recordControl(from, c.PayloadID, c.Filename, c.Command)

		videoName := models.VideoNameFromResultName(c.Filename)
		if removed, err := p.opts.Endpoints.RemoveJob(from, videoName); err != nil {
			p.logger.Warn(err.Error())
		} else if !removed {
			p.logger.Debug(fmt.Sprintf("%s was not recorded against %s", videoName, from))
		}
		if err := p.opts.Endpoints.IncrementCompleted(from); err != nil {
			p.logger.Warn(err.Error())
		}

		if e != nil {
			p.reconcile(ctx, e)
		}

	case models.CommandComplete:
		p.logger.Debug(fmt.Sprintf("%s has finished downloading %s", p.endpointName(from), c.Filename))
		p.RequestHardwareInfo(ctx, from)

		video := models.NewVideo(filepath.Join(p.opts.RawDir, c.Filename))
		p.bus.Publish(events.VideoAdded(events.ListProcessing, video))
		p.bus.Publish(events.VideoRemoved(events.ListRaw, video))
		if sink != nil {
			sink.NextTransfer(ctx)
		}

	case models.CommandHWInfo:
		hw, err := models.HardwareProfileFromJSON(c.Body)
		if err != nil {
			p.logger.Warn(fmt.Sprintf("Bad hardware information from %s: %v", from, err))
			return
		}
		p.logger.Info(fmt.Sprintf("Received hardware information from %s: %s", p.endpointName(from), hw))
		if err := p.opts.Endpoints.SetHardware(from, hw); err != nil {
			p.logger.Warn(err.Error())
		}

	case models.CommandHWInfoRequest:
		p.SendHardwareInfo(ctx, from)
	}
}

// PayloadTransferUpdate handles progress and completion of payloads
func (p *Protocol) PayloadTransferUpdate(from string, u transport.TransferUpdate) {
	if u.Status == transport.TransferInProgress {
		if !u.Outgoing {
			p.table.progressed(from, u.PayloadID)
		}
		if u.TotalBytes <= 0 {
			return
		}
		p.progress.Do(func() {
			direction := "from"
			if u.Outgoing {
				direction = "to"
			}
			pct := int(100 * float64(u.BytesTransferred) / float64(u.TotalBytes))
			p.logger.Debug(fmt.Sprintf("Transfer %s %s: %d%%", direction, p.endpointName(from), pct))
		})
		return
	}

	if u.Outgoing {
		if u.Status == transport.TransferFailure || u.Status == transport.TransferCanceled {
			p.logger.Warn(fmt.Sprintf("Transfer of payload %s to %s ended: %s", u.PayloadID, p.endpointName(from), u.Status))
		}
		return
	}

	switch u.Status {
	case transport.TransferSuccess:
		e, known := p.table.fileCompleted(from, u.PayloadID)
		if !known {
			return
		}
		if e != nil {
			_, ctx := p.state()
			p.reconcile(ctx, e)
		}
	case transport.TransferFailure, transport.TransferCanceled:
		if e := p.table.drop(from, u.PayloadID); e != nil {
			p.logger.Warn(fmt.Sprintf("Transfer of %s from %s ended: %s", e.filename, p.endpointName(from), u.Status))
			if e.path != "" {
				os.Remove(e.path)
			}
		}
	}
}

// reconcile acts on a transfer whose control message and file have both arrived.
// The caller has already removed e from the table.
func (p *Protocol) reconcile(ctx context.Context, e *entry) {
	ctx, span := p.opts.Tracer.StartSpan(ctx, "protocol.reconcile",
		attribute.String("command", string(e.command)),
		attribute.String("file", e.filename),
		attribute.String("from", e.from),
	)
	defer span.End()

	elapsed := time.Since(e.startTime)
	p.logger.Info(fmt.Sprintf("Completed downloading %s from %s in %.3fs", e.filename, p.endpointName(e.from), elapsed.Seconds()))
	p.opts.Metrics.RecordReconciliation(e.command, elapsed, e.size)

	name := filepath.Base(e.filename)
	switch e.command {
	case models.CommandAnalyse:
		dest := filepath.Join(p.opts.IncomingDir, name)
		if err := os.Rename(e.path, dest); err != nil {
			tracing.SetError(ctx, err)
			p.logger.Error(fmt.Sprintf("Could not rename %s: %v", name, err))
			return
		}
		if err := p.SendCommand(ctx, models.CommandComplete, e.from, name); err != nil {
			p.logger.Warn(err.Error())
		}
		sink, _ := p.state()
		if sink == nil {
			p.logger.Error(fmt.Sprintf("No analysis sink for %s", name))
			return
		}
		sink.AnalyseReceived(ctx, models.NewVideo(dest), e.from)

	case models.CommandReturn:
		if p.opts.Results == nil {
			p.logger.Error(fmt.Sprintf("No result store for %s", name))
			return
		}
		result, err := p.opts.Results.Put(name, e.path)
		if err != nil {
			tracing.SetError(ctx, err)
			p.logger.Error(fmt.Sprintf("Could not store result %s: %v", name, err))
			return
		}
		p.bus.Publish(events.ResultAdded(result))
		p.bus.Publish(events.VideoRemovedByName(events.ListProcessing, models.VideoNameFromResultName(name)))
		if p.opts.OnResult != nil {
			p.opts.OnResult(result, e.from)
		}
	}
}
