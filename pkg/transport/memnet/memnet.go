// Package memnet is an in-process mesh used by tests and the simulate command.
// Every device owns a serial callback mailbox; files are copied into the receiver's
// download directory under the numeric payload id.
package memnet

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	"github.com/psantana5/edgedash/pkg/transport"
)

type linkKey struct{ a, b string }

func keyOf(x, y string) linkKey {
	if x > y {
		x, y = y, x
	}
	return linkKey{x, y}
}

type handshake struct {
	accepted map[string]bool
}

// Hub connects the devices of one simulated mesh
type Hub struct {
	mu        sync.Mutex
	devices   map[string]*Device
	links     map[linkKey]bool
	pending   map[linkKey]*handshake
	cancelled map[transport.PayloadID]bool
	nextID    int64
}

// NewHub creates an empty mesh
func NewHub() *Hub {
	return &Hub{
		devices:   make(map[string]*Device),
		links:     make(map[linkKey]bool),
		pending:   make(map[linkKey]*handshake),
		cancelled: make(map[transport.PayloadID]bool),
		nextID:    int64(time.Now().UnixNano() & 0xffffff),
	}
}

// SetNextPayloadID makes the next allocated payload id equal n
func (h *Hub) SetNextPayloadID(n int64) {
	atomic.StoreInt64(&h.nextID, n-1)
}

// NewDevice joins a device to the mesh
func (h *Hub) NewDevice(id, downloadDir string) (*Device, error) {
	if err := os.MkdirAll(downloadDir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create download directory: %w", err)
	}

	h.mu.Lock()
	defer h.mu.Unlock()
	if _, exists := h.devices[id]; exists {
		return nil, fmt.Errorf("device %s already joined", id)
	}
	d := &Device{
		hub:         h,
		id:          id,
		downloadDir: downloadDir,
		mailbox:     transport.NewMailbox(),
	}
	h.devices[id] = d
	return d, nil
}

// Settle waits until every mailbox has been idle for two consecutive polls
func (h *Hub) Settle(timeout time.Duration) bool {
	deadline := time.Now().Add(timeout)
	quiet := 0
	for time.Now().Before(deadline) {
		if h.idle() {
			quiet++
			if quiet >= 2 {
				return true
			}
		} else {
			quiet = 0
		}
		time.Sleep(2 * time.Millisecond)
	}
	return false
}

func (h *Hub) idle() bool {
	h.mu.Lock()
	devices := make([]*Device, 0, len(h.devices))
	for _, d := range h.devices {
		devices = append(devices, d)
	}
	h.mu.Unlock()

	for _, d := range devices {
		if !d.mailbox.Idle() {
			return false
		}
	}
	return true
}

// Close stops every device mailbox
func (h *Hub) Close() {
	h.mu.Lock()
	devices := make([]*Device, 0, len(h.devices))
	for _, d := range h.devices {
		devices = append(devices, d)
	}
	h.mu.Unlock()

	for _, d := range devices {
		d.mailbox.Close()
	}
}

// Device is one participant of a Hub. It implements transport.Transport.
type Device struct {
	hub         *Hub
	id          string
	downloadDir string
	mailbox     *transport.Mailbox

	// guarded by hub.mu
	handlers    transport.Handlers
	name        string
	advertising bool
	discovering bool
}

var _ transport.Transport = (*Device)(nil)

// LocalID returns the device id
func (d *Device) LocalID() string { return d.id }

// SetHandlers installs the callback sinks
func (d *Device) SetHandlers(handlers transport.Handlers) {
	d.hub.mu.Lock()
	d.handlers = handlers
	d.hub.mu.Unlock()
}

// post delivers fn on the device mailbox with the handlers current at delivery time
func (d *Device) post(fn func(h transport.Handlers)) {
	d.mailbox.Post(func() {
		d.hub.mu.Lock()
		h := d.handlers
		d.hub.mu.Unlock()
		fn(h)
	})
}

func (d *Device) StartAdvertising(_ context.Context, name string) error {
	h := d.hub
	h.mu.Lock()
	defer h.mu.Unlock()

	d.name = name
	d.advertising = true
	for _, o := range h.devices {
		if o != d && o.discovering {
			o.post(func(hs transport.Handlers) {
				if hs.Discovery != nil {
					hs.Discovery.EndpointFound(d.id, name)
				}
			})
		}
	}
	return nil
}

func (d *Device) StopAdvertising() {
	h := d.hub
	h.mu.Lock()
	defer h.mu.Unlock()
	d.stopAdvertisingLocked()
}

func (d *Device) stopAdvertisingLocked() {
	if !d.advertising {
		return
	}
	d.advertising = false
	for _, o := range d.hub.devices {
		if o != d && o.discovering {
			o.post(func(hs transport.Handlers) {
				if hs.Discovery != nil {
					hs.Discovery.EndpointLost(d.id)
				}
			})
		}
	}
}

func (d *Device) StartDiscovery(context.Context) error {
	h := d.hub
	h.mu.Lock()
	defer h.mu.Unlock()

	d.discovering = true
	for _, o := range h.devices {
		if o != d && o.advertising {
			id, name := o.id, o.name
			d.post(func(hs transport.Handlers) {
				if hs.Discovery != nil {
					hs.Discovery.EndpointFound(id, name)
				}
			})
		}
	}
	return nil
}

func (d *Device) StopDiscovery() {
	d.hub.mu.Lock()
	d.discovering = false
	d.hub.mu.Unlock()
}

func (d *Device) RequestConnection(_ context.Context, localName, endpointID string) error {
	h := d.hub
	h.mu.Lock()
	defer h.mu.Unlock()

	peer, ok := h.devices[endpointID]
	if !ok || peer == d {
		return fmt.Errorf("request connection to %s: %w", endpointID, transport.ErrUnknownEndpoint)
	}
	if !peer.advertising {
		return fmt.Errorf("request connection to %s: %w", endpointID, transport.ErrNotAdvertising)
	}
	key := keyOf(d.id, peer.id)
	if h.links[key] {
		return nil
	}
	if _, inFlight := h.pending[key]; inFlight {
		return nil
	}
	h.pending[key] = &handshake{accepted: make(map[string]bool)}

	digits := transport.AuthDigits(d.id, peer.id)
	peerName := peer.name
	d.post(func(hs transport.Handlers) {
		if hs.Connection != nil {
			hs.Connection.ConnectionInitiated(endpointID, transport.ConnectionInfo{EndpointName: peerName, AuthDigits: digits})
		}
	})
	peer.post(func(hs transport.Handlers) {
		if hs.Connection != nil {
			hs.Connection.ConnectionInitiated(d.id, transport.ConnectionInfo{EndpointName: localName, AuthDigits: digits, Incoming: true})
		}
	})
	return nil
}

func (d *Device) AcceptConnection(endpointID string) error {
	h := d.hub
	h.mu.Lock()
	defer h.mu.Unlock()

	key := keyOf(d.id, endpointID)
	hs, ok := h.pending[key]
	if !ok {
		return fmt.Errorf("accept connection from %s: %w", endpointID, transport.ErrUnknownEndpoint)
	}
	hs.accepted[d.id] = true
	if !hs.accepted[endpointID] {
		return nil
	}

	delete(h.pending, key)
	h.links[key] = true
	d.notifyResult(endpointID, transport.StatusOK)
	if peer, ok := h.devices[endpointID]; ok {
		peer.notifyResult(d.id, transport.StatusOK)
	}
	return nil
}

func (d *Device) RejectConnection(endpointID string) error {
	h := d.hub
	h.mu.Lock()
	defer h.mu.Unlock()

	key := keyOf(d.id, endpointID)
	if _, ok := h.pending[key]; !ok {
		return fmt.Errorf("reject connection from %s: %w", endpointID, transport.ErrUnknownEndpoint)
	}
	delete(h.pending, key)
	d.notifyResult(endpointID, transport.StatusRejected)
	if peer, ok := h.devices[endpointID]; ok {
		peer.notifyResult(d.id, transport.StatusRejected)
	}
	return nil
}

func (d *Device) notifyResult(endpointID string, status transport.ConnectionStatus) {
	d.post(func(hs transport.Handlers) {
		if hs.Connection != nil {
			hs.Connection.ConnectionResult(endpointID, status)
		}
	})
}

// Disconnect drops the link; only the remote side is notified
func (d *Device) Disconnect(endpointID string) {
	h := d.hub
	h.mu.Lock()
	defer h.mu.Unlock()
	d.disconnectLocked(endpointID)
}

func (d *Device) disconnectLocked(endpointID string) {
	key := keyOf(d.id, endpointID)
	if !d.hub.links[key] {
		return
	}
	delete(d.hub.links, key)
	if peer, ok := d.hub.devices[endpointID]; ok {
		peer.post(func(hs transport.Handlers) {
			if hs.Connection != nil {
				hs.Connection.Disconnected(d.id)
			}
		})
	}
}

func (d *Device) NewPayloadID() transport.PayloadID {
	return transport.PayloadID(atomic.AddInt64(&d.hub.nextID, 1))
}

func (d *Device) connectedPeer(endpointID string) (*Device, error) {
	peer, ok := d.hub.devices[endpointID]
	if !ok {
		return nil, fmt.Errorf("send to %s: %w", endpointID, transport.ErrUnknownEndpoint)
	}
	if !d.hub.links[keyOf(d.id, endpointID)] {
		return nil, fmt.Errorf("send to %s: %w", endpointID, transport.ErrNotConnected)
	}
	return peer, nil
}

func (d *Device) SendBytes(_ context.Context, endpointID string, data []byte) error {
	h := d.hub
	h.mu.Lock()
	defer h.mu.Unlock()

	peer, err := d.connectedPeer(endpointID)
	if err != nil {
		return err
	}
	p := transport.Payload{
		ID:    d.NewPayloadID(),
		Kind:  transport.PayloadBytes,
		Bytes: append([]byte(nil), data...),
		Size:  int64(len(data)),
	}
	peer.post(func(hs transport.Handlers) {
		if hs.Payload != nil {
			hs.Payload.PayloadReceived(d.id, p)
		}
	})
	return nil
}

func (d *Device) SendFile(_ context.Context, endpointID string, id transport.PayloadID, path string) error {
	info, err := os.Stat(path)
	if err != nil {
		return fmt.Errorf("send file %s: %w", path, err)
	}

	h := d.hub
	h.mu.Lock()
	defer h.mu.Unlock()

	peer, err := d.connectedPeer(endpointID)
	if err != nil {
		return err
	}

	size := info.Size()
	dest := filepath.Join(peer.downloadDir, id.String())
	peer.post(func(hs transport.Handlers) {
		if hs.Payload == nil {
			return
		}
		hs.Payload.PayloadReceived(d.id, transport.Payload{ID: id, Kind: transport.PayloadFile, Path: dest, Size: size})

		status := transport.TransferSuccess
		var written int64
		switch {
		case h.takeCancelled(id):
			status = transport.TransferCanceled
		case !h.linked(d.id, peer.id):
			status = transport.TransferFailure
		default:
			var cerr error
			if written, cerr = copyFile(path, dest); cerr != nil {
				status = transport.TransferFailure
			}
		}
		if status != transport.TransferSuccess {
			os.Remove(dest)
		}
		hs.Payload.PayloadTransferUpdate(d.id, transport.TransferUpdate{
			PayloadID:        id,
			Status:           status,
			BytesTransferred: written,
			TotalBytes:       size,
		})
		d.post(func(own transport.Handlers) {
			if own.Payload != nil {
				own.Payload.PayloadTransferUpdate(peer.id, transport.TransferUpdate{
					PayloadID:        id,
					Status:           status,
					BytesTransferred: written,
					TotalBytes:       size,
					Outgoing:         true,
				})
			}
		})
	})
	return nil
}

func (d *Device) CancelPayload(id transport.PayloadID) error {
	d.hub.mu.Lock()
	d.hub.cancelled[id] = true
	d.hub.mu.Unlock()
	return nil
}

func (d *Device) StopAll() {
	h := d.hub
	h.mu.Lock()
	defer h.mu.Unlock()

	d.stopAdvertisingLocked()
	d.discovering = false
	for key := range h.links {
		if key.a == d.id {
			d.disconnectLocked(key.b)
		} else if key.b == d.id {
			d.disconnectLocked(key.a)
		}
	}
	for key := range h.pending {
		if key.a != d.id && key.b != d.id {
			continue
		}
		delete(h.pending, key)
		other := key.a
		if other == d.id {
			other = key.b
		}
		if peer, ok := h.devices[other]; ok {
			peer.notifyResult(d.id, transport.StatusError)
		}
	}
}

func (h *Hub) takeCancelled(id transport.PayloadID) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.cancelled[id] {
		delete(h.cancelled, id)
		return true
	}
	return false
}

func (h *Hub) linked(a, b string) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.links[keyOf(a, b)]
}

func copyFile(src, dst string) (int64, error) {
	in, err := os.Open(src)
	if err != nil {
		return 0, err
	}
	defer in.Close()

	out, err := os.Create(dst)
	if err != nil {
		return 0, err
	}
	n, err := io.Copy(out, in)
	if cerr := out.Close(); err == nil {
		err = cerr
	}
	return n, err
}
