// Package lan implements transport.Transport over a local network: UDP broadcast beacons
// announce advertising devices and each peer link is a TCP connection carrying
// length-prefixed JSON frames.
package lan

import (
	"bufio"
	"context"
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"os"
	"path/filepath"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/psantana5/edgedash/pkg/logging"
	"github.com/psantana5/edgedash/pkg/transport"
)

const (
	appName = "edgedash"

	DefaultUDPPort          = 47800
	DefaultAnnounceInterval = 3 * time.Second
	DefaultPeerTTL          = 15 * time.Second

	dialTimeout      = 4 * time.Second
	handshakeTimeout = 10 * time.Second
	progressStep     = 1 << 20
)

var ErrAlreadyLinked = errors.New("lan: link to endpoint already exists")

// Config configures a Transport
type Config struct {
	// DeviceID identifies this device to peers; a random UUID when empty
	DeviceID string
	UDPPort  int
	// TCPPort for peer links; 0 picks a free port
	TCPPort int
	// BindAddr restricts listeners to one address
	BindAddr string
	// BroadcastAddrs overrides the beacon destinations derived from the interfaces
	BroadcastAddrs   []*net.UDPAddr
	AnnounceInterval time.Duration
	PeerTTL          time.Duration
	DownloadDir      string
	Logger           *logging.Logger
}

type hello struct {
	App      string `json:"app"`
	Type     string `json:"type"`
	DeviceID string `json:"deviceId"`
	Name     string `json:"name"`
	TCPPort  int    `json:"tcpPort"`
}

type peer struct {
	id         string
	name       string
	addr       string
	tcpPort    int
	lastSeen   time.Time
	discovered bool
}

type incomingFile struct {
	link    *link
	file    *os.File
	path    string
	size    int64
	written int64
}

type outgoingFile struct {
	link     *link
	canceled atomic.Bool
}

// link is one TCP connection to a peer. Flags are guarded by Transport.mu.
type link struct {
	id       string
	name     string
	linkID   string
	conn     net.Conn
	incoming bool

	wmu sync.Mutex

	localAccepted  bool
	remoteAccepted bool
	established    bool
	closed         bool
	// quiet suppresses callbacks when this side closed the link on purpose
	quiet bool
}

func (l *link) send(f frame, body []byte) error {
	l.wmu.Lock()
	defer l.wmu.Unlock()
	return writeFrame(l.conn, f, body)
}

// Transport implements transport.Transport
type Transport struct {
	cfg     Config
	id      string
	logger  *logging.Logger
	mailbox *transport.Mailbox

	mu       sync.Mutex
	handlers transport.Handlers
	stopped  bool

	listener net.Listener
	tcpPort  int

	advName string
	advStop chan struct{}

	udpConn  net.PacketConn
	discStop chan struct{}

	peers    map[string]*peer
	links    map[string]*link
	incoming map[transport.PayloadID]*incomingFile
	outgoing map[transport.PayloadID]*outgoingFile

	wg sync.WaitGroup
}

var _ transport.Transport = (*Transport)(nil)

// New creates a transport; nothing is opened until advertising or discovery starts
func New(cfg Config) (*Transport, error) {
	if cfg.DeviceID == "" {
		cfg.DeviceID = uuid.NewString()
	}
	if cfg.UDPPort == 0 {
		cfg.UDPPort = DefaultUDPPort
	}
	if cfg.AnnounceInterval <= 0 {
		cfg.AnnounceInterval = DefaultAnnounceInterval
	}
	if cfg.PeerTTL <= 0 {
		cfg.PeerTTL = DefaultPeerTTL
	}
	if cfg.Logger == nil {
		cfg.Logger = logging.Nop()
	}
	if cfg.DownloadDir == "" {
		return nil, errors.New("lan: download directory is required")
	}
	if err := os.MkdirAll(cfg.DownloadDir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create download directory: %w", err)
	}

	return &Transport{
		cfg:      cfg,
		id:       cfg.DeviceID,
		logger:   cfg.Logger.Component("lan").WithField("device", cfg.DeviceID),
		mailbox:  transport.NewMailbox(),
		peers:    make(map[string]*peer),
		links:    make(map[string]*link),
		incoming: make(map[transport.PayloadID]*incomingFile),
		outgoing: make(map[transport.PayloadID]*outgoingFile),
	}, nil
}

func (t *Transport) LocalID() string { return t.id }

func (t *Transport) SetHandlers(h transport.Handlers) {
	t.mu.Lock()
	t.handlers = h
	t.mu.Unlock()
}

// post delivers a callback on the mailbox with the handlers current at delivery time
func (t *Transport) post(fn func(h transport.Handlers)) {
	t.mailbox.Post(func() {
		t.mu.Lock()
		h := t.handlers
		t.mu.Unlock()
		fn(h)
	})
}

// Port returns the TCP port peer links are accepted on, 0 before the listener opens
func (t *Transport) Port() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.tcpPort
}

func (t *Transport) ensureListenerLocked(ctx context.Context) error {
	if t.listener != nil {
		return nil
	}
	lc := net.ListenConfig{}
	ln, err := lc.Listen(ctx, "tcp", net.JoinHostPort(t.cfg.BindAddr, strconv.Itoa(t.cfg.TCPPort)))
	if err != nil {
		return fmt.Errorf("failed to listen for peers: %w", err)
	}
	t.listener = ln
	if addr, ok := ln.Addr().(*net.TCPAddr); ok {
		t.tcpPort = addr.Port
	}
	t.wg.Add(1)
	go t.acceptLoop(ln)
	return nil
}

// StartAdvertising broadcasts beacons so discovering devices can connect
func (t *Transport) StartAdvertising(ctx context.Context, name string) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.stopped {
		return transport.ErrStopped
	}
	if err := t.ensureListenerLocked(ctx); err != nil {
		return err
	}
	t.advName = name
	if t.advStop != nil {
		return nil
	}

	addrs := t.cfg.BroadcastAddrs
	if len(addrs) == 0 {
		var err error
		if addrs, err = broadcastAddrs(t.cfg.UDPPort); err != nil {
			return fmt.Errorf("failed to find broadcast addresses: %w", err)
		}
	}
	conn, err := net.ListenUDP("udp4", &net.UDPAddr{IP: net.IPv4zero, Port: 0})
	if err != nil {
		return fmt.Errorf("failed to open beacon socket: %w", err)
	}

	stop := make(chan struct{})
	t.advStop = stop
	t.wg.Add(1)
	go t.announceLoop(conn, addrs, stop)
	t.logger.Info(fmt.Sprintf("Advertising as %s on tcp port %d", name, t.tcpPort))
	return nil
}

func (t *Transport) StopAdvertising() {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.advStop != nil {
		close(t.advStop)
		t.advStop = nil
	}
}

func (t *Transport) announceLoop(conn *net.UDPConn, addrs []*net.UDPAddr, stop chan struct{}) {
	defer t.wg.Done()
	defer conn.Close()

	ticker := time.NewTicker(t.cfg.AnnounceInterval)
	defer ticker.Stop()
	for {
		t.mu.Lock()
		msg := hello{App: appName, Type: "hello", DeviceID: t.id, Name: t.advName, TCPPort: t.tcpPort}
		t.mu.Unlock()

		if b, err := json.Marshal(msg); err == nil {
			for _, addr := range addrs {
				_, _ = conn.WriteToUDP(b, addr)
			}
		}
		select {
		case <-stop:
			return
		case <-ticker.C:
		}
	}
}

// StartDiscovery listens for beacons. Peers not heard from within the peer TTL are lost.
func (t *Transport) StartDiscovery(ctx context.Context) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.stopped {
		return transport.ErrStopped
	}
	if err := t.ensureListenerLocked(ctx); err != nil {
		return err
	}
	if t.udpConn != nil {
		return nil
	}

	lc := listenConfig()
	conn, err := lc.ListenPacket(ctx, "udp4", net.JoinHostPort(t.cfg.BindAddr, strconv.Itoa(t.cfg.UDPPort)))
	if err != nil {
		return fmt.Errorf("failed to listen for beacons: %w", err)
	}
	stop := make(chan struct{})
	t.udpConn = conn
	t.discStop = stop

	t.wg.Add(2)
	go t.listenLoop(conn, stop)
	go t.sweepLoop(stop)
	t.logger.Info(fmt.Sprintf("Discovering on udp port %d", t.cfg.UDPPort))
	return nil
}

func (t *Transport) StopDiscovery() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.stopDiscoveryLocked()
}

func (t *Transport) stopDiscoveryLocked() {
	if t.discStop == nil {
		return
	}
	close(t.discStop)
	t.udpConn.Close()
	t.discStop = nil
	t.udpConn = nil
	for id, p := range t.peers {
		if p.discovered {
			delete(t.peers, id)
		}
	}
}

func (t *Transport) listenLoop(conn net.PacketConn, stop chan struct{}) {
	defer t.wg.Done()

	buf := make([]byte, 8192)
	for {
		n, addr, err := conn.ReadFrom(buf)
		if err != nil {
			select {
			case <-stop:
				return
			default:
			}
			if errors.Is(err, net.ErrClosed) {
				return
			}
			continue
		}
		var msg hello
		if err := json.Unmarshal(buf[:n], &msg); err != nil {
			continue
		}
		if msg.App != appName || msg.Type != "hello" || msg.DeviceID == "" || msg.DeviceID == t.id {
			continue
		}
		udpAddr, ok := addr.(*net.UDPAddr)
		if !ok {
			continue
		}
		t.sawBeacon(msg, udpAddr)
	}
}

func (t *Transport) sawBeacon(msg hello, addr *net.UDPAddr) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.discStop == nil {
		return
	}

	p, known := t.peers[msg.DeviceID]
	if !known {
		p = &peer{id: msg.DeviceID}
		t.peers[msg.DeviceID] = p
	}
	found := !known || !p.discovered
	p.name = msg.Name
	p.addr = addr.IP.String()
	p.tcpPort = msg.TCPPort
	p.lastSeen = time.Now()
	p.discovered = true

	if found {
		id, name := msg.DeviceID, msg.Name
		t.post(func(h transport.Handlers) {
			if h.Discovery != nil {
				h.Discovery.EndpointFound(id, name)
			}
		})
	}
}

func (t *Transport) sweepLoop(stop chan struct{}) {
	defer t.wg.Done()

	interval := t.cfg.PeerTTL / 3
	if interval <= 0 {
		interval = time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			t.sweep(time.Now())
		}
	}
}

func (t *Transport) sweep(now time.Time) {
	t.mu.Lock()
	defer t.mu.Unlock()
	for id, p := range t.peers {
		if !p.discovered || now.Sub(p.lastSeen) <= t.cfg.PeerTTL {
			continue
		}
		p.discovered = false
		if _, linked := t.links[id]; !linked {
			delete(t.peers, id)
		}
		lost := id
		t.post(func(h transport.Handlers) {
			if h.Discovery != nil {
				h.Discovery.EndpointLost(lost)
			}
		})
	}
}

func (t *Transport) acceptLoop(ln net.Listener) {
	defer t.wg.Done()
	for {
		conn, err := ln.Accept()
		if err != nil {
			if errors.Is(err, net.ErrClosed) {
				return
			}
			t.logger.Warn(fmt.Sprintf("Accept failed: %v", err))
			continue
		}
		go t.handleIncoming(conn)
	}
}

func (t *Transport) handleIncoming(conn net.Conn) {
	br := bufio.NewReader(conn)
	_ = conn.SetReadDeadline(time.Now().Add(handshakeTimeout))
	f, _, err := readFrame(br)
	if err != nil || f.Type != frameConnect || f.From == "" || f.From == t.id {
		conn.Close()
		return
	}
	_ = conn.SetReadDeadline(time.Time{})

	l := &link{id: f.From, name: f.Name, linkID: uuid.NewString(), conn: conn, incoming: true}

	t.mu.Lock()
	if t.stopped {
		t.mu.Unlock()
		conn.Close()
		return
	}
	if _, exists := t.links[f.From]; exists {
		t.mu.Unlock()
		_ = l.send(frame{Type: frameReject}, nil)
		conn.Close()
		return
	}
	t.links[f.From] = l
	if host, _, err := net.SplitHostPort(conn.RemoteAddr().String()); err == nil {
		p, ok := t.peers[f.From]
		if !ok {
			p = &peer{id: f.From}
			t.peers[f.From] = p
		}
		p.name = f.Name
		p.addr = host
		p.tcpPort = f.Port
	}
	t.mu.Unlock()

	t.logger.Debug(fmt.Sprintf("Incoming link %s from %s", l.linkID, f.From))
	info := transport.ConnectionInfo{EndpointName: f.Name, AuthDigits: transport.AuthDigits(t.id, f.From), Incoming: true}
	t.post(func(h transport.Handlers) {
		if h.Connection != nil {
			h.Connection.ConnectionInitiated(l.id, info)
		}
	})

	t.wg.Add(1)
	go t.readLoop(l, br)
}

// RequestConnection dials a known peer and starts the two-sided handshake
func (t *Transport) RequestConnection(ctx context.Context, localName, endpointID string) error {
	t.mu.Lock()
	if t.stopped {
		t.mu.Unlock()
		return transport.ErrStopped
	}
	p, ok := t.peers[endpointID]
	if !ok || p.tcpPort == 0 {
		t.mu.Unlock()
		return fmt.Errorf("request connection to %s: %w", endpointID, transport.ErrUnknownEndpoint)
	}
	if _, exists := t.links[endpointID]; exists {
		t.mu.Unlock()
		return fmt.Errorf("request connection to %s: %w", endpointID, ErrAlreadyLinked)
	}
	addr := net.JoinHostPort(p.addr, strconv.Itoa(p.tcpPort))
	peerName := p.name
	port := t.tcpPort
	t.mu.Unlock()

	d := net.Dialer{Timeout: dialTimeout}
	conn, err := d.DialContext(ctx, "tcp", addr)
	if err != nil {
		return fmt.Errorf("request connection to %s: %w", endpointID, err)
	}

	l := &link{id: endpointID, name: peerName, linkID: uuid.NewString(), conn: conn}
	if err := l.send(frame{Type: frameConnect, From: t.id, Name: localName, Port: port}, nil); err != nil {
		conn.Close()
		return fmt.Errorf("request connection to %s: %w", endpointID, err)
	}

	t.mu.Lock()
	if _, exists := t.links[endpointID]; exists || t.stopped {
		t.mu.Unlock()
		conn.Close()
		return fmt.Errorf("request connection to %s: %w", endpointID, ErrAlreadyLinked)
	}
	t.links[endpointID] = l
	t.mu.Unlock()

	t.logger.Debug(fmt.Sprintf("Outgoing link %s to %s", l.linkID, endpointID))
	info := transport.ConnectionInfo{EndpointName: peerName, AuthDigits: transport.AuthDigits(t.id, endpointID)}
	t.post(func(h transport.Handlers) {
		if h.Connection != nil {
			h.Connection.ConnectionInitiated(endpointID, info)
		}
	})

	t.wg.Add(1)
	go t.readLoop(l, bufio.NewReader(conn))
	return nil
}

// accepted records one side's acceptance and reports whether the link just became established
func (t *Transport) accepted(l *link, local bool) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	if l.closed {
		return false
	}
	if local {
		l.localAccepted = true
	} else {
		l.remoteAccepted = true
	}
	if l.localAccepted && l.remoteAccepted && !l.established {
		l.established = true
		return true
	}
	return false
}

func (t *Transport) pendingLink(id string) (*link, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	l, ok := t.links[id]
	if !ok {
		return nil, transport.ErrUnknownEndpoint
	}
	return l, nil
}

func (t *Transport) connectionResult(id string, status transport.ConnectionStatus) {
	t.post(func(h transport.Handlers) {
		if h.Connection != nil {
			h.Connection.ConnectionResult(id, status)
		}
	})
}

func (t *Transport) AcceptConnection(endpointID string) error {
	l, err := t.pendingLink(endpointID)
	if err != nil {
		return fmt.Errorf("accept connection from %s: %w", endpointID, err)
	}
	// mark before sending so frames the peer sends once it sees our accept are not dropped
	if t.accepted(l, true) {
		t.connectionResult(endpointID, transport.StatusOK)
	}
	if err := l.send(frame{Type: frameAccept}, nil); err != nil {
		return fmt.Errorf("accept connection from %s: %w", endpointID, err)
	}
	return nil
}

func (t *Transport) RejectConnection(endpointID string) error {
	l, err := t.pendingLink(endpointID)
	if err != nil {
		return fmt.Errorf("reject connection from %s: %w", endpointID, err)
	}
	_ = l.send(frame{Type: frameReject}, nil)
	t.closeLink(l, true)
	t.connectionResult(endpointID, transport.StatusRejected)
	return nil
}

// Disconnect closes the link; only the remote side is notified
func (t *Transport) Disconnect(endpointID string) {
	l, err := t.pendingLink(endpointID)
	if err != nil {
		return
	}
	_ = l.send(frame{Type: frameBye}, nil)
	t.closeLink(l, true)
}

// closeLink tears a link down and reports whether it was established
func (t *Transport) closeLink(l *link, quiet bool) (established, wasQuiet bool) {
	t.mu.Lock()
	if l.closed {
		t.mu.Unlock()
		return false, true
	}
	l.closed = true
	l.quiet = l.quiet || quiet
	established, wasQuiet = l.established, l.quiet
	if t.links[l.id] == l {
		delete(t.links, l.id)
	}

	var files []*incomingFile
	var ids []transport.PayloadID
	for id, f := range t.incoming {
		if f.link == l {
			files = append(files, f)
			ids = append(ids, id)
			delete(t.incoming, id)
		}
	}
	for id, o := range t.outgoing {
		if o.link == l {
			o.canceled.Store(true)
			delete(t.outgoing, id)
		}
	}
	t.mu.Unlock()

	l.conn.Close()
	for i, f := range files {
		f.file.Close()
		if !wasQuiet {
			t.payloadUpdate(l.id, transport.TransferUpdate{PayloadID: ids[i], Status: transport.TransferFailure,
				BytesTransferred: f.written, TotalBytes: f.size})
		}
	}
	return established, wasQuiet
}

func (t *Transport) payloadUpdate(from string, u transport.TransferUpdate) {
	t.post(func(h transport.Handlers) {
		if h.Payload != nil {
			h.Payload.PayloadTransferUpdate(from, u)
		}
	})
}

func (t *Transport) readLoop(l *link, br *bufio.Reader) {
	defer t.wg.Done()

	for {
		f, body, err := readFrame(br)
		if err != nil {
			t.linkLost(l, err)
			return
		}

		switch f.Type {
		case frameAccept:
			if t.accepted(l, false) {
				t.connectionResult(l.id, transport.StatusOK)
			}

		case frameReject:
			if _, quiet := t.closeLink(l, false); !quiet {
				t.connectionResult(l.id, transport.StatusRejected)
			}
			return

		case frameBye:
			t.linkLost(l, nil)
			return

		case frameBytes:
			if !t.isEstablished(l) {
				t.logger.Warn(fmt.Sprintf("Dropping bytes from %s before the link was accepted", l.id))
				continue
			}
			payload := transport.Payload{ID: f.PayloadID, Kind: transport.PayloadBytes, Bytes: body, Size: int64(len(body))}
			t.post(func(h transport.Handlers) {
				if h.Payload != nil {
					h.Payload.PayloadReceived(l.id, payload)
				}
			})

		case frameFile:
			t.fileStarted(l, f)

		case frameChunk:
			t.fileChunk(l, f.PayloadID, body)

		case frameEnd:
			t.fileEnded(f.PayloadID)

		case frameCancel:
			t.remoteCancel(l, f.PayloadID)
		}
	}
}

func (t *Transport) isEstablished(l *link) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return l.established && !l.closed
}

func (t *Transport) linkLost(l *link, err error) {
	established, quiet := t.closeLink(l, false)
	if quiet {
		return
	}
	if err != nil {
		t.logger.Debug(fmt.Sprintf("Link %s to %s closed: %v", l.linkID, l.id, err))
	}
	if established {
		t.post(func(h transport.Handlers) {
			if h.Connection != nil {
				h.Connection.Disconnected(l.id)
			}
		})
		return
	}
	t.connectionResult(l.id, transport.StatusError)
}

func (t *Transport) fileStarted(l *link, f frame) {
	if !t.isEstablished(l) {
		return
	}
	path := filepath.Join(t.cfg.DownloadDir, f.PayloadID.String())
	file, err := os.Create(path)
	if err != nil {
		t.logger.Error(fmt.Sprintf("Cannot store payload %s: %v", f.PayloadID, err))
		_ = l.send(frame{Type: frameCancel, PayloadID: f.PayloadID}, nil)
		return
	}

	t.mu.Lock()
	t.incoming[f.PayloadID] = &incomingFile{link: l, file: file, path: path, size: f.Size}
	t.mu.Unlock()

	payload := transport.Payload{ID: f.PayloadID, Kind: transport.PayloadFile, Path: path, Size: f.Size}
	t.post(func(h transport.Handlers) {
		if h.Payload != nil {
			h.Payload.PayloadReceived(l.id, payload)
		}
	})
}

func (t *Transport) fileChunk(l *link, id transport.PayloadID, body []byte) {
	t.mu.Lock()
	in, ok := t.incoming[id]
	t.mu.Unlock()
	if !ok || in.link != l {
		return
	}

	if _, err := in.file.Write(body); err != nil {
		t.mu.Lock()
		delete(t.incoming, id)
		t.mu.Unlock()
		in.file.Close()
		_ = l.send(frame{Type: frameCancel, PayloadID: id}, nil)
		t.payloadUpdate(l.id, transport.TransferUpdate{PayloadID: id, Status: transport.TransferFailure,
			BytesTransferred: in.written, TotalBytes: in.size})
		return
	}
	before := in.written
	in.written += int64(len(body))
	if before/progressStep != in.written/progressStep {
		t.payloadUpdate(l.id, transport.TransferUpdate{PayloadID: id, Status: transport.TransferInProgress,
			BytesTransferred: in.written, TotalBytes: in.size})
	}
}

func (t *Transport) fileEnded(id transport.PayloadID) {
	t.mu.Lock()
	in, ok := t.incoming[id]
	delete(t.incoming, id)
	t.mu.Unlock()
	if !ok {
		return
	}

	status := transport.TransferSuccess
	if err := in.file.Close(); err != nil || in.written != in.size {
		status = transport.TransferFailure
	}
	t.payloadUpdate(in.link.id, transport.TransferUpdate{PayloadID: id, Status: status,
		BytesTransferred: in.written, TotalBytes: in.size})
}

// remoteCancel handles a peer aborting either direction of a file transfer
func (t *Transport) remoteCancel(l *link, id transport.PayloadID) {
	t.mu.Lock()
	in, isIncoming := t.incoming[id]
	if isIncoming && in.link == l {
		delete(t.incoming, id)
	}
	out, isOutgoing := t.outgoing[id]
	t.mu.Unlock()

	if isIncoming && in.link == l {
		in.file.Close()
		t.payloadUpdate(l.id, transport.TransferUpdate{PayloadID: id, Status: transport.TransferCanceled,
			BytesTransferred: in.written, TotalBytes: in.size})
	}
	if isOutgoing && out.link == l {
		out.canceled.Store(true)
	}
}

func (t *Transport) establishedLink(id string) (*link, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	l, ok := t.links[id]
	if !ok {
		if _, known := t.peers[id]; !known {
			return nil, transport.ErrUnknownEndpoint
		}
		return nil, transport.ErrNotConnected
	}
	if !l.established || l.closed {
		return nil, transport.ErrNotConnected
	}
	return l, nil
}

// NewPayloadID draws a random positive id from a UUID
func (t *Transport) NewPayloadID() transport.PayloadID {
	for {
		u := uuid.New()
		id := int64(binary.BigEndian.Uint64(u[:8]) &^ (1 << 63))
		if id != 0 {
			return transport.PayloadID(id)
		}
	}
}

func (t *Transport) SendBytes(ctx context.Context, endpointID string, data []byte) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	l, err := t.establishedLink(endpointID)
	if err != nil {
		return fmt.Errorf("send to %s: %w", endpointID, err)
	}
	if len(data) > maxBodyBytes {
		return fmt.Errorf("send to %s: %w", endpointID, errFrameTooLarge)
	}
	if err := l.send(frame{Type: frameBytes, PayloadID: t.NewPayloadID()}, data); err != nil {
		return fmt.Errorf("send to %s: %w", endpointID, err)
	}
	return nil
}

// SendFile starts streaming path to the peer and returns once the transfer is under way.
// The outcome is reported through outgoing transfer updates.
func (t *Transport) SendFile(ctx context.Context, endpointID string, id transport.PayloadID, path string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	l, err := t.establishedLink(endpointID)
	if err != nil {
		return fmt.Errorf("send to %s: %w", endpointID, err)
	}
	file, err := os.Open(path)
	if err != nil {
		return fmt.Errorf("send to %s: %w", endpointID, err)
	}
	info, err := file.Stat()
	if err != nil {
		file.Close()
		return fmt.Errorf("send to %s: %w", endpointID, err)
	}

	out := &outgoingFile{link: l}
	t.mu.Lock()
	t.outgoing[id] = out
	t.mu.Unlock()

	if err := l.send(frame{Type: frameFile, PayloadID: id, Size: info.Size(), Name: filepath.Base(path)}, nil); err != nil {
		file.Close()
		t.forgetOutgoing(id)
		return fmt.Errorf("send to %s: %w", endpointID, err)
	}

	t.wg.Add(1)
	go t.streamFile(l, id, file, info.Size(), out)
	return nil
}

func (t *Transport) forgetOutgoing(id transport.PayloadID) {
	t.mu.Lock()
	delete(t.outgoing, id)
	t.mu.Unlock()
}

func (t *Transport) streamFile(l *link, id transport.PayloadID, file *os.File, size int64, out *outgoingFile) {
	defer t.wg.Done()
	defer file.Close()
	defer t.forgetOutgoing(id)

	update := func(status transport.TransferStatus, sent int64) {
		t.payloadUpdate(l.id, transport.TransferUpdate{PayloadID: id, Status: status,
			BytesTransferred: sent, TotalBytes: size, Outgoing: true})
	}

	buf := make([]byte, chunkSize)
	var sent int64
	for {
		if out.canceled.Load() {
			_ = l.send(frame{Type: frameCancel, PayloadID: id}, nil)
			update(transport.TransferCanceled, sent)
			return
		}
		n, rerr := file.Read(buf)
		if n > 0 {
			if err := l.send(frame{Type: frameChunk, PayloadID: id}, buf[:n]); err != nil {
				update(transport.TransferFailure, sent)
				return
			}
			sent += int64(n)
		}
		if errors.Is(rerr, io.EOF) {
			break
		}
		if rerr != nil {
			_ = l.send(frame{Type: frameCancel, PayloadID: id}, nil)
			update(transport.TransferFailure, sent)
			return
		}
	}

	if err := l.send(frame{Type: frameEnd, PayloadID: id}, nil); err != nil {
		update(transport.TransferFailure, sent)
		return
	}
	update(transport.TransferSuccess, sent)
}

// CancelPayload aborts a transfer in either direction
func (t *Transport) CancelPayload(id transport.PayloadID) error {
	t.mu.Lock()
	out, isOutgoing := t.outgoing[id]
	in, isIncoming := t.incoming[id]
	if isIncoming {
		delete(t.incoming, id)
	}
	t.mu.Unlock()

	switch {
	case isOutgoing:
		out.canceled.Store(true)
		return nil
	case isIncoming:
		_ = in.link.send(frame{Type: frameCancel, PayloadID: id}, nil)
		in.file.Close()
		os.Remove(in.path)
		t.payloadUpdate(in.link.id, transport.TransferUpdate{PayloadID: id, Status: transport.TransferCanceled,
			BytesTransferred: in.written, TotalBytes: in.size})
		return nil
	}
	return fmt.Errorf("cancel %s: %w", id, transport.ErrUnknownPayload)
}

// StopAll closes every link and listener. Peers see their links drop.
func (t *Transport) StopAll() {
	t.mu.Lock()
	if t.stopped {
		t.mu.Unlock()
		return
	}
	t.stopped = true
	if t.advStop != nil {
		close(t.advStop)
		t.advStop = nil
	}
	t.stopDiscoveryLocked()
	if t.listener != nil {
		t.listener.Close()
		t.listener = nil
	}
	links := make([]*link, 0, len(t.links))
	for _, l := range t.links {
		links = append(links, l)
	}
	t.mu.Unlock()

	for _, l := range links {
		_ = l.send(frame{Type: frameBye}, nil)
		t.closeLink(l, true)
	}
	t.wg.Wait()
}

// Close stops the transport and its callback delivery
func (t *Transport) Close() {
	t.StopAll()
	t.mailbox.Close()
}

// Idle reports whether no callback is queued or running
func (t *Transport) Idle() bool {
	return t.mailbox.Idle()
}

// broadcastAddrs lists the directed broadcast address of every IPv4 interface plus the
// limited broadcast address
func broadcastAddrs(port int) ([]*net.UDPAddr, error) {
	addrs := []*net.UDPAddr{}
	ifaces, err := net.Interfaces()
	if err != nil {
		return nil, err
	}
	for _, iface := range ifaces {
		if iface.Flags&net.FlagUp == 0 || iface.Flags&net.FlagLoopback != 0 {
			continue
		}
		ifaceAddrs, err := iface.Addrs()
		if err != nil {
			continue
		}
		for _, addr := range ifaceAddrs {
			ipNet, ok := addr.(*net.IPNet)
			if !ok {
				continue
			}
			ip := ipNet.IP.To4()
			if ip == nil || len(ipNet.Mask) != 4 {
				continue
			}
			mask := ipNet.Mask
			bcast := net.IPv4(ip[0]|^mask[0], ip[1]|^mask[1], ip[2]|^mask[2], ip[3]|^mask[3])
			addrs = append(addrs, &net.UDPAddr{IP: bcast, Port: port})
		}
	}
	addrs = append(addrs, &net.UDPAddr{IP: net.IPv4bcast, Port: port})
	return addrs, nil
}
