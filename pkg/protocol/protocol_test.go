package protocol

import (
	"context"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/psantana5/edgedash/pkg/events"
	"github.com/psantana5/edgedash/pkg/models"
	"github.com/psantana5/edgedash/pkg/registry"
	"github.com/psantana5/edgedash/pkg/transport"
)

type sent struct {
	to   string
	data string
	file string
	id   transport.PayloadID
}

type stubTransport struct {
	mu        sync.Mutex
	next      transport.PayloadID
	sent      []sent
	cancelled []transport.PayloadID
	fail      error
}

func (s *stubTransport) LocalID() string                                         { return "self" }
func (s *stubTransport) SetHandlers(transport.Handlers)                          {}
func (s *stubTransport) StartAdvertising(context.Context, string) error          { return nil }
func (s *stubTransport) StopAdvertising()                                        {}
func (s *stubTransport) StartDiscovery(context.Context) error                    { return nil }
func (s *stubTransport) StopDiscovery()                                          {}
func (s *stubTransport) RequestConnection(context.Context, string, string) error { return nil }
func (s *stubTransport) AcceptConnection(string) error                           { return nil }
func (s *stubTransport) RejectConnection(string) error                           { return nil }
func (s *stubTransport) Disconnect(string)                                       {}
func (s *stubTransport) StopAll()                                                {}

func (s *stubTransport) NewPayloadID() transport.PayloadID {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.next++
	return s.next
}

func (s *stubTransport) SendBytes(_ context.Context, to string, data []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.fail != nil {
		return s.fail
	}
	s.sent = append(s.sent, sent{to: to, data: string(data)})
	return nil
}

func (s *stubTransport) SendFile(_ context.Context, to string, id transport.PayloadID, path string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sent = append(s.sent, sent{to: to, file: path, id: id})
	return nil
}

func (s *stubTransport) CancelPayload(id transport.PayloadID) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.cancelled = append(s.cancelled, id)
	return nil
}

func (s *stubTransport) messages() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []string
	for _, m := range s.sent {
		if m.data != "" {
			out = append(out, m.data)
		}
	}
	return out
}

type recordingSink struct {
	mu       sync.Mutex
	analysed []models.Content
	origins  []string
	nexts    int
}

func (r *recordingSink) AnalyseReceived(_ context.Context, v models.Content, origin string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.analysed = append(r.analysed, v)
	r.origins = append(r.origins, origin)
}

func (r *recordingSink) NextTransfer(context.Context) {
	r.mu.Lock()
	r.nexts++
	r.mu.Unlock()
}

type dirResults struct{ dir string }

func (d dirResults) Put(name, src string) (models.Content, error) {
	dest := filepath.Join(d.dir, name)
	if err := os.Rename(src, dest); err != nil {
		return models.Content{}, err
	}
	return models.NewResult(dest), nil
}

type fixture struct {
	proto     *Protocol
	transport *stubTransport
	registry  *registry.Registry
	sink      *recordingSink
	events    chan events.Event
	downloads string
	incoming  string
	results   string
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	root := t.TempDir()
	f := &fixture{
		transport: &stubTransport{},
		sink:      &recordingSink{},
		events:    make(chan events.Event, 64),
		downloads: filepath.Join(root, "downloads"),
		incoming:  filepath.Join(root, "incoming"),
		results:   filepath.Join(root, "results"),
	}
	for _, d := range []string{f.downloads, f.incoming, f.results} {
		require.NoError(t, os.MkdirAll(d, 0755))
	}

	broker := events.NewBroker()
	require.NoError(t, broker.Subscribe("test", f.events))

	f.registry = registry.New(f.transport, registry.Options{Bus: events.Discard})
	t.Cleanup(f.registry.Close)
	f.registry.EndpointFound("peer", "Peer")
	f.registry.ConnectionInitiated("peer", transport.ConnectionInfo{EndpointName: "Peer"})
	f.registry.ConnectionResult("peer", transport.StatusOK)

	f.proto = New(Options{
		Transport: f.transport,
		Endpoints: f.registry,
		Results:   dirResults{f.results},
		Hardware: func() (models.HardwareProfile, error) {
			return models.HardwareProfile{CPUCores: 4, CPUFreqHz: 1800}, nil
		},
		Bus:         broker,
		IncomingDir: f.incoming,
		RawDir:      "/raw",
	})
	f.proto.SetSink(f.sink)
	return f
}

// download places a completed file payload where the transport would
func (f *fixture) download(t *testing.T, id transport.PayloadID, content string) string {
	t.Helper()
	path := filepath.Join(f.downloads, id.String())
	require.NoError(t, os.WriteFile(path, []byte(content), 0644))
	return path
}

func (f *fixture) control(data string) {
	f.proto.PayloadReceived("peer", transport.Payload{Kind: transport.PayloadBytes, Bytes: []byte(data)})
}

func (f *fixture) file(id transport.PayloadID, path string) {
	f.proto.PayloadReceived("peer", transport.Payload{ID: id, Kind: transport.PayloadFile, Path: path})
}

func (f *fixture) success(id transport.PayloadID) {
	f.proto.PayloadTransferUpdate("peer", transport.TransferUpdate{PayloadID: id, Status: transport.TransferSuccess})
}

func drain(ch chan events.Event) []events.Event {
	var out []events.Event
	for {
		select {
		case e := <-ch:
			out = append(out, e)
		default:
			return out
		}
	}
}

func TestReconcileAnalyseControlFirst(t *testing.T) {
	f := newFixture(t)
	path := f.download(t, 42, "video")

	f.control("ANALYSE~42~V1.mp4")
	assert.Empty(t, f.sink.analysed)
	f.file(42, path)
	f.success(42)

	require.Len(t, f.sink.analysed, 1)
	assert.Equal(t, filepath.Join(f.incoming, "V1.mp4"), f.sink.analysed[0].Path)
	assert.Equal(t, "peer", f.sink.origins[0])
	assert.Contains(t, f.transport.messages(), "COMPLETE~V1.mp4")
	assert.Equal(t, 0, f.proto.Pending())
	assert.FileExists(t, filepath.Join(f.incoming, "V1.mp4"))
}

func TestReconcileAnalyseFileFirst(t *testing.T) {
	f := newFixture(t)
	path := f.download(t, 42, "video")

	f.file(42, path)
	f.success(42)
	assert.Empty(t, f.sink.analysed)
	assert.Equal(t, 1, f.proto.Pending())

	f.control("ANALYSE~42~V1.mp4")

	require.Len(t, f.sink.analysed, 1)
	assert.Equal(t, 0, f.proto.Pending())

	// a duplicate completion for the same id is ignored
	f.success(42)
	assert.Len(t, f.sink.analysed, 1)
}

func TestReconcileExactlyOnceUnderRace(t *testing.T) {
	f := newFixture(t)

	const n = 50
	for i := 1; i <= n; i++ {
		id := transport.PayloadID(i)
		path := f.download(t, id, "video")
		f.file(id, path)
	}

	var wg sync.WaitGroup
	for i := 1; i <= n; i++ {
		id := transport.PayloadID(i)
		wg.Add(2)
		go func() {
			defer wg.Done()
			f.control("ANALYSE~" + id.String() + "~V" + id.String() + ".mp4")
		}()
		go func() {
			defer wg.Done()
			f.success(id)
		}()
	}
	wg.Wait()

	assert.Len(t, f.sink.analysed, n)
	assert.Equal(t, 0, f.proto.Pending())
}

func TestReconcileReturn(t *testing.T) {
	f := newFixture(t)
	require.NoError(t, f.registry.AddJob("peer", "V1.mp4"))

	var stored []string
	f.proto.opts.OnResult = func(r models.Content, from string) { stored = append(stored, r.Name+"@"+from) }

	path := f.download(t, 77, `{"frames":[]}`)
	f.file(77, path)
	f.control("RETURN~77~V1.json")
	f.success(77)

	e, _ := f.registry.Get("peer")
	assert.True(t, e.Inactive())
	assert.Equal(t, 1, e.CompletedCount)
	assert.FileExists(t, filepath.Join(f.results, "V1.json"))
	assert.Equal(t, []string{"V1.json@peer"}, stored)

	var kinds []events.Kind
	var removedName string
	for _, ev := range drain(f.events) {
		kinds = append(kinds, ev.Kind)
		if ev.Kind == events.KindVideoRemovedByName {
			removedName = ev.Name
			assert.Equal(t, events.ListProcessing, ev.List)
		}
	}
	assert.Equal(t, []events.Kind{events.KindResultAdded, events.KindVideoRemovedByName}, kinds)
	assert.Equal(t, "V1.mp4", removedName)
}

func TestRenameFailureLeavesJobUnresolved(t *testing.T) {
	f := newFixture(t)
	f.file(5, filepath.Join(f.downloads, "missing"))
	f.success(5)
	f.control("ANALYSE~5~V5.mp4")

	assert.Empty(t, f.sink.analysed)
	assert.NotContains(t, f.transport.messages(), "COMPLETE~V5.mp4")
}

func TestCompleteMovesVideoToProcessing(t *testing.T) {
	f := newFixture(t)
	f.control("COMPLETE~V1.mp4")

	assert.Equal(t, 1, f.sink.nexts)
	assert.Contains(t, f.transport.messages(), "HW_INFO_REQUEST~")

	evs := drain(f.events)
	require.Len(t, evs, 2)
	assert.Equal(t, events.KindVideoAdded, evs[0].Kind)
	assert.Equal(t, events.ListProcessing, evs[0].List)
	assert.Equal(t, "/raw/V1.mp4", evs[0].Content.Path)
	assert.Equal(t, events.KindVideoRemoved, evs[1].Kind)
	assert.Equal(t, events.ListRaw, evs[1].List)
}

func TestHardwareExchange(t *testing.T) {
	f := newFixture(t)

	f.control(`HW_INFO~{"cpuCores":8,"cpuFreq":2400,"batteryLevel":90}`)
	e, _ := f.registry.Get("peer")
	require.NotNil(t, e.Hardware)
	assert.Equal(t, 8, e.Hardware.CPUCores)

	f.control("HW_INFO_REQUEST~")
	msgs := f.transport.messages()
	require.NotEmpty(t, msgs)
	reply := msgs[len(msgs)-1]
	c, err := Decode([]byte(reply))
	require.NoError(t, err)
	assert.Equal(t, models.CommandHWInfo, c.Command)
	hw, err := models.HardwareProfileFromJSON(c.Body)
	require.NoError(t, err)
	assert.Equal(t, 4, hw.CPUCores)
}

func TestUnknownSenderIgnored(t *testing.T) {
	f := newFixture(t)
	f.proto.PayloadReceived("stranger", transport.Payload{Kind: transport.PayloadBytes, Bytes: []byte("COMPLETE~V1.mp4")})
	assert.Equal(t, 0, f.sink.nexts)
}

func TestSendFile(t *testing.T) {
	f := newFixture(t)
	src := filepath.Join(t.TempDir(), "V1.mp4")
	require.NoError(t, os.WriteFile(src, []byte("v"), 0644))

	require.NoError(t, f.proto.SendFile(context.Background(), models.NewAnalyseMessage(models.NewVideo(src)), "peer"))

	require.Len(t, f.transport.sent, 2)
	assert.Equal(t, "ANALYSE~1~V1.mp4", f.transport.sent[0].data)
	assert.Equal(t, transport.PayloadID(1), f.transport.sent[1].id)
	assert.Equal(t, src, f.transport.sent[1].file)

	e, _ := f.registry.Get("peer")
	assert.Equal(t, []string{"V1.mp4"}, e.Jobs)

	err := f.proto.SendFile(context.Background(), models.NewAnalyseMessage(models.NewVideo("/nope/V2.mp4")), "peer")
	assert.Error(t, err)
}

func TestSendFailureRecordsNoJob(t *testing.T) {
	f := newFixture(t)
	src := filepath.Join(t.TempDir(), "V1.mp4")
	require.NoError(t, os.WriteFile(src, []byte("v"), 0644))
	f.transport.fail = transport.ErrNotConnected

	err := f.proto.SendFile(context.Background(), models.NewAnalyseMessage(models.NewVideo(src)), "peer")
	assert.ErrorIs(t, err, transport.ErrNotConnected)
	e, _ := f.registry.Get("peer")
	assert.True(t, e.Inactive())
}

func TestFailedTransferDropsEntry(t *testing.T) {
	f := newFixture(t)
	path := f.download(t, 9, "partial")
	f.control("ANALYSE~9~V9.mp4")
	f.file(9, path)
	f.proto.PayloadTransferUpdate("peer", transport.TransferUpdate{PayloadID: 9, Status: transport.TransferFailure})

	assert.Equal(t, 0, f.proto.Pending())
	assert.NoFileExists(t, path)
	assert.Empty(t, f.sink.analysed)
}

func TestOutgoingUpdatesIgnored(t *testing.T) {
	f := newFixture(t)
	path := f.download(t, 3, "video")
	f.file(3, path)
	f.proto.PayloadTransferUpdate("peer", transport.TransferUpdate{PayloadID: 3, Status: transport.TransferSuccess, Outgoing: true})
	f.control("ANALYSE~3~V3.mp4")
	assert.Empty(t, f.sink.analysed, "an outgoing update must not complete an incoming payload")
}

func TestSweepEvictsOrphans(t *testing.T) {
	f := newFixture(t)
	now := time.Now()
	f.proto.table.now = func() time.Time { return now }

	path := f.download(t, 11, "orphan")
	f.file(11, path)
	f.success(11)
	f.control("ANALYSE~12~V12.mp4")
	require.Equal(t, 2, f.proto.Pending())

	assert.Equal(t, 0, f.proto.Sweep())

	now = now.Add(DefaultCorrelationTTL + time.Second)
	assert.Equal(t, 2, f.proto.Sweep())
	assert.Equal(t, 0, f.proto.Pending())
	assert.NoFileExists(t, path)
}

func TestCancelAll(t *testing.T) {
	f := newFixture(t)
	path := f.download(t, 21, "partial")
	f.file(21, path)
	f.file(22, filepath.Join(f.downloads, "22"))
	f.success(22)

	f.proto.CancelAll()
	assert.Equal(t, []transport.PayloadID{21}, f.transport.cancelled)
	assert.Equal(t, 1, f.proto.Pending())
}

func TestReturnResultBroadcastsHardware(t *testing.T) {
	f := newFixture(t)
	f.registry.EndpointFound("other", "Other")
	f.registry.ConnectionInitiated("other", transport.ConnectionInfo{EndpointName: "Other"})
	f.registry.ConnectionResult("other", transport.StatusOK)

	src := filepath.Join(t.TempDir(), "V1.json")
	require.NoError(t, os.WriteFile(src, []byte("{}"), 0644))
	require.NoError(t, f.proto.ReturnResult(context.Background(), models.NewResult(src), "peer"))

	f.transport.mu.Lock()
	defer f.transport.mu.Unlock()
	hwTo := map[string]bool{}
	for _, m := range f.transport.sent {
		if c, err := Decode([]byte(m.data)); err == nil && c.Command == models.CommandHWInfo {
			hwTo[m.to] = true
		}
	}
	assert.Equal(t, map[string]bool{"peer": true, "other": true}, hwTo)
	assert.Equal(t, "RETURN~1~V1.json", f.transport.sent[0].data)
}

func TestReturnResultFailureSkipsBroadcast(t *testing.T) {
	f := newFixture(t)
	err := f.proto.ReturnResult(context.Background(), models.NewResult("/nope/V1.json"), "peer")
	assert.Error(t, err)
	assert.Empty(t, f.transport.messages())
}

func TestSweepSparesProgressingTransfer(t *testing.T) {
	f := newFixture(t)
	now := time.Now()
	f.proto.table.now = func() time.Time { return now }

	path := f.download(t, 31, "large video")
	f.control("ANALYSE~31~V31.mp4")
	f.file(31, path)

	now = now.Add(DefaultCorrelationTTL - time.Second)
	f.proto.PayloadTransferUpdate("peer", transport.TransferUpdate{
		PayloadID: 31, Status: transport.TransferInProgress, BytesTransferred: 5, TotalBytes: 10,
	})

	now = now.Add(2 * time.Second)
	assert.Equal(t, 0, f.proto.Sweep())
	assert.FileExists(t, path)

	f.success(31)
	require.Len(t, f.sink.analysed, 1)
	assert.Equal(t, 0, f.proto.Pending())

	// a transfer that stops progressing is still evicted
	stalled := f.download(t, 32, "stalled")
	f.file(32, stalled)
	now = now.Add(DefaultCorrelationTTL + time.Second)
	assert.Equal(t, 1, f.proto.Sweep())
	assert.NoFileExists(t, stalled)
}
