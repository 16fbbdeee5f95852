package registry

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/psantana5/edgedash/pkg/models"
	"github.com/psantana5/edgedash/pkg/transport"
)

type fakeTransport struct {
	mu           sync.Mutex
	requested    []string
	accepted     []string
	rejected     []string
	disconnected []string
}

func (f *fakeTransport) LocalID() string                                 { return "local" }
func (f *fakeTransport) SetHandlers(transport.Handlers)                  {}
func (f *fakeTransport) StartAdvertising(context.Context, string) error  { return nil }
func (f *fakeTransport) StopAdvertising()                                {}
func (f *fakeTransport) StartDiscovery(context.Context) error            { return nil }
func (f *fakeTransport) StopDiscovery()                                  {}
func (f *fakeTransport) NewPayloadID() transport.PayloadID               { return 1 }
func (f *fakeTransport) SendBytes(context.Context, string, []byte) error { return nil }
func (f *fakeTransport) CancelPayload(transport.PayloadID) error         { return nil }
func (f *fakeTransport) StopAll()                                        {}
func (f *fakeTransport) SendFile(context.Context, string, transport.PayloadID, string) error {
	return nil
}

func (f *fakeTransport) RequestConnection(_ context.Context, _, id string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.requested = append(f.requested, id)
	return nil
}

func (f *fakeTransport) AcceptConnection(id string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.accepted = append(f.accepted, id)
	return nil
}

func (f *fakeTransport) RejectConnection(id string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.rejected = append(f.rejected, id)
	return nil
}

func (f *fakeTransport) Disconnect(id string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.disconnected = append(f.disconnected, id)
}

func (f *fakeTransport) requests() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.requested)
}

func connect(t *testing.T, r *Registry, id string) {
	t.Helper()
	r.EndpointFound(id, "name-"+id)
	r.ConnectionInitiated(id, transport.ConnectionInfo{EndpointName: "name-" + id, AuthDigits: "1234"})
	r.ConnectionResult(id, transport.StatusOK)
	e, ok := r.Get(id)
	require.True(t, ok)
	require.True(t, e.Connected())
}

func TestLifecycleAutoAccept(t *testing.T) {
	ft := &fakeTransport{}
	r := New(ft, Options{})
	defer r.Close()

	var connected []string
	r.SetHooks(Hooks{OnConnected: func(id string) { connected = append(connected, id) }})

	r.EndpointFound("a", "Pixel")
	e, _ := r.Get("a")
	assert.Equal(t, models.StateDiscovered, e.State)

	r.ConnectionInitiated("a", transport.ConnectionInfo{EndpointName: "Pixel", AuthDigits: "4821"})
	e, _ = r.Get("a")
	assert.Equal(t, models.StatePendingAuth, e.State)
	assert.Equal(t, "4821", e.AuthDigits)
	assert.Equal(t, []string{"a"}, ft.accepted)

	r.ConnectionResult("a", transport.StatusOK)
	e, _ = r.Get("a")
	assert.Equal(t, models.StateConnected, e.State)
	assert.Empty(t, e.AuthDigits)
	assert.Equal(t, []string{"a"}, connected)
	assert.True(t, r.IsAnyConnected())
}

func TestManualAuthorization(t *testing.T) {
	ft := &fakeTransport{}
	r := New(ft, Options{Authorizer: Manual})
	defer r.Close()

	r.ConnectionInitiated("a", transport.ConnectionInfo{EndpointName: "Pixel", AuthDigits: "0001"})
	r.ConnectionInitiated("b", transport.ConnectionInfo{EndpointName: "Galaxy", AuthDigits: "0002"})
	assert.Empty(t, ft.accepted)
	assert.Len(t, r.PendingAuth(), 2)

	require.NoError(t, r.ConfirmConnection("a", true))
	assert.Equal(t, []string{"a"}, ft.accepted)

	require.NoError(t, r.ConfirmConnection("b", false))
	assert.Equal(t, []string{"b"}, ft.rejected)
	e, _ := r.Get("b")
	assert.Equal(t, models.StateRejected, e.State)

	assert.ErrorIs(t, r.ConfirmConnection("b", true), ErrNotPending)
	assert.ErrorIs(t, r.ConfirmConnection("zzz", true), ErrUnknownEndpoint)
}

func TestConnectionFailureStates(t *testing.T) {
	r := New(&fakeTransport{}, Options{})
	defer r.Close()

	r.EndpointFound("a", "A")
	r.EndpointFound("b", "B")
	r.ConnectionResult("a", transport.StatusRejected)
	r.ConnectionResult("b", transport.StatusError)

	a, _ := r.Get("a")
	b, _ := r.Get("b")
	assert.Equal(t, models.StateRejected, a.State)
	assert.Equal(t, models.StateDisconnected, b.State)
	assert.False(t, r.IsAnyConnected())
}

func TestLostWhileConnected(t *testing.T) {
	r := New(&fakeTransport{}, Options{})
	defer r.Close()

	connect(t, r, "a")
	r.EndpointFound("b", "B")

	r.EndpointLost("a")
	r.EndpointLost("b")

	_, ok := r.Get("b")
	assert.False(t, ok, "idle endpoint should be removed when lost")
	e, ok := r.Get("a")
	require.True(t, ok, "connected endpoint must survive being lost")
	assert.False(t, e.Discoverable)

	r.Disconnected("a")
	_, ok = r.Get("a")
	assert.False(t, ok, "lost endpoint should be removed once disconnected")
}

func TestLostDuringHandshakeKeepsEndpoint(t *testing.T) {
	ft := &fakeTransport{}
	r := New(ft, Options{})
	defer r.Close()

	var connected []string
	r.SetHooks(Hooks{OnConnected: func(id string) { connected = append(connected, id) }})

	r.EndpointFound("m", "Master")
	r.ConnectionInitiated("m", transport.ConnectionInfo{EndpointName: "Master", AuthDigits: "9911"})
	require.Equal(t, []string{"m"}, ft.accepted)

	r.EndpointLost("m")
	e, ok := r.Get("m")
	require.True(t, ok, "handshaking endpoint must survive being lost")
	assert.Equal(t, models.StatePendingAuth, e.State)
	assert.False(t, e.Discoverable)

	r.ConnectionResult("m", transport.StatusOK)
	e, ok = r.Get("m")
	require.True(t, ok)
	assert.True(t, e.Connected())
	assert.True(t, r.IsAnyConnected())
	assert.Equal(t, []string{"m"}, connected)
}

func TestLostDuringHandshakeThenRejected(t *testing.T) {
	r := New(&fakeTransport{}, Options{Authorizer: Manual})
	defer r.Close()

	r.EndpointFound("m", "Master")
	r.ConnectionInitiated("m", transport.ConnectionInfo{EndpointName: "Master"})
	r.EndpointLost("m")
	r.ConnectionResult("m", transport.StatusRejected)

	_, ok := r.Get("m")
	assert.False(t, ok, "undiscoverable endpoint should be dropped once its handshake fails")
}

func TestRemovePendingRejectsConnection(t *testing.T) {
	ft := &fakeTransport{}
	r := New(ft, Options{Authorizer: Manual})
	defer r.Close()

	r.ConnectionInitiated("a", transport.ConnectionInfo{EndpointName: "Pixel", AuthDigits: "0001"})
	require.NoError(t, r.Remove("a"))
	assert.Equal(t, []string{"a"}, ft.rejected)
	assert.Empty(t, r.All())
}

func TestRemoveWhileConnectedDisconnectsFirst(t *testing.T) {
	ft := &fakeTransport{}
	r := New(ft, Options{})
	defer r.Close()

	connect(t, r, "a")
	require.NoError(t, r.Remove("a"))
	assert.Equal(t, []string{"a"}, ft.disconnected)
	assert.Empty(t, r.All())
	assert.ErrorIs(t, r.Remove("a"), ErrUnknownEndpoint)
}

func TestDisconnectRequeuesJobs(t *testing.T) {
	r := New(&fakeTransport{}, Options{RequeueOnDisconnect: true})
	defer r.Close()

	var strandedID string
	var stranded []string
	r.SetHooks(Hooks{OnDisconnected: func(id string, jobs []string) {
		strandedID, stranded = id, jobs
	}})

	connect(t, r, "a")
	require.NoError(t, r.AddJob("a", "V1.mp4"))
	require.NoError(t, r.AddJob("a", "V2.mp4"))

	r.Disconnected("a")
	assert.Equal(t, "a", strandedID)
	assert.Equal(t, []string{"V1.mp4", "V2.mp4"}, stranded)

	e, _ := r.Get("a")
	assert.Equal(t, models.StateDisconnected, e.State)
	assert.True(t, e.Inactive())
}

func TestDisconnectKeepsJobsWithoutRequeue(t *testing.T) {
	r := New(&fakeTransport{}, Options{RequeueOnDisconnect: false})
	defer r.Close()

	connect(t, r, "a")
	require.NoError(t, r.AddJob("a", "V1.mp4"))
	r.Disconnected("a")

	e, _ := r.Get("a")
	assert.Equal(t, []string{"V1.mp4"}, e.Jobs)
}

func TestReconnectUntilConnected(t *testing.T) {
	ft := &fakeTransport{}
	r := New(ft, Options{Reconnect: ReconnectConfig{Enabled: true, Interval: 5 * time.Millisecond, MaxAttempts: 50}})
	defer r.Close()

	connect(t, r, "a")
	r.Disconnected("a")

	require.Eventually(t, func() bool { return ft.requests() >= 2 }, time.Second, time.Millisecond)
	e, _ := r.Get("a")
	assert.GreaterOrEqual(t, e.ConnectionAttempts, 2)

	r.ConnectionResult("a", transport.StatusOK)
	e, _ = r.Get("a")
	assert.Equal(t, 0, e.ConnectionAttempts)

	time.Sleep(10 * time.Millisecond)
	settled := ft.requests()
	time.Sleep(30 * time.Millisecond)
	assert.Equal(t, settled, ft.requests(), "reconnect loop kept running after connecting")
}

func TestReconnectBounded(t *testing.T) {
	ft := &fakeTransport{}
	r := New(ft, Options{Reconnect: ReconnectConfig{Enabled: true, Interval: time.Millisecond, MaxAttempts: 3}})
	defer r.Close()

	connect(t, r, "a")
	r.Disconnected("a")

	require.Eventually(t, func() bool { return ft.requests() == 3 }, time.Second, time.Millisecond)
	time.Sleep(20 * time.Millisecond)
	assert.Equal(t, 3, ft.requests())
}

func TestUserDisconnectDoesNotReconnect(t *testing.T) {
	ft := &fakeTransport{}
	r := New(ft, Options{Reconnect: ReconnectConfig{Enabled: true, Interval: time.Millisecond, MaxAttempts: 3}})
	defer r.Close()

	connect(t, r, "a")
	require.NoError(t, r.Disconnect("a"))
	time.Sleep(20 * time.Millisecond)
	assert.Equal(t, 0, ft.requests())
	assert.ErrorIs(t, r.Disconnect("a"), ErrNotConnected)
}

func TestConnectedEndpointsDiscoveryOrder(t *testing.T) {
	r := New(&fakeTransport{}, Options{})
	defer r.Close()

	connect(t, r, "c")
	r.EndpointFound("b", "B")
	connect(t, r, "a")

	got := r.ConnectedEndpoints()
	require.Len(t, got, 2)
	assert.Equal(t, "c", got[0].ID)
	assert.Equal(t, "a", got[1].ID)

	got[0].AddJob("mutation")
	e, _ := r.Get("c")
	assert.True(t, e.Inactive(), "snapshot must not alias registry state")
}

func TestJobBookkeeping(t *testing.T) {
	r := New(&fakeTransport{}, Options{})
	defer r.Close()

	connect(t, r, "a")
	require.NoError(t, r.AddJob("a", "V1.mp4"))
	removed, err := r.RemoveJob("a", "V1.mp4")
	require.NoError(t, err)
	assert.True(t, removed)
	removed, _ = r.RemoveJob("a", "V1.mp4")
	assert.False(t, removed)

	require.NoError(t, r.IncrementCompleted("a"))
	require.NoError(t, r.SetHardware("a", models.HardwareProfile{CPUCores: 8}))
	e, _ := r.Get("a")
	assert.Equal(t, 1, e.CompletedCount)
	assert.Equal(t, 8, e.Hardware.CPUCores)

	assert.ErrorIs(t, r.AddJob("nope", "x"), ErrUnknownEndpoint)
	assert.ErrorIs(t, r.IncrementCompleted("nope"), ErrUnknownEndpoint)
}
