package notify

import (
	"sync"
	"testing"
	"time"

	"github.com/neilotoole/slogt"
	psqlerr "github.com/pgmockd/pgmockd/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeListener is a test double for session.Notifier that records every
// delivered notification and can simulate a disconnected or failing client.
type fakeListener struct {
	mu        sync.Mutex
	connected bool
	failNext  bool
	received  []string
}

func newFakeListener() *fakeListener {
	return &fakeListener{connected: true}
}

func (f *fakeListener) Notify(senderPid int32, channel, payload string) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	if f.failNext {
		return assert.AnError
	}

	f.received = append(f.received, channel+":"+payload)
	return nil
}

func (f *fakeListener) Connected() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.connected
}

func (f *fakeListener) setConnected(v bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.connected = v
}

func newTestHub(t *testing.T) *Hub {
	h := New(slogt.New(t), DefaultLimits())
	t.Cleanup(h.Close)
	return h
}

func TestAddListenerAndSendNotification(t *testing.T) {
	h := newTestHub(t)
	listener := newFakeListener()

	require.NoError(t, h.AddListener(1, "updates", listener))

	result, err := h.SendNotification("updates", "hello", 42)
	require.NoError(t, err)
	assert.Equal(t, 1, result.Delivered)
	assert.Equal(t, 0, result.Failed)
	assert.Equal(t, []string{"updates:hello"}, listener.received)
}

func TestAddListenerIsCaseFolded(t *testing.T) {
	h := newTestHub(t)
	listener := newFakeListener()

	require.NoError(t, h.AddListener(1, "Updates", listener))

	result, err := h.SendNotification("UPDATES", "hi", 1)
	require.NoError(t, err)
	assert.Equal(t, 1, result.Delivered)
}

func TestAddListenerRejectsInvalidChannelName(t *testing.T) {
	h := newTestHub(t)

	err := h.AddListener(1, "not a valid name!", newFakeListener())
	require.Error(t, err)
	assert.Equal(t, "42601", string(psqlerr.GetCode(err)))
}

func TestAddListenerDuplicateIsNoop(t *testing.T) {
	h := newTestHub(t)
	listener := newFakeListener()

	require.NoError(t, h.AddListener(1, "updates", listener))
	require.NoError(t, h.AddListener(1, "updates", listener))

	result, err := h.SendNotification("updates", "hi", 1)
	require.NoError(t, err)
	assert.Equal(t, 1, result.Delivered, "re-registering the same connection must not duplicate delivery")
}

func TestSendNotificationToUnknownChannelIsNoop(t *testing.T) {
	h := newTestHub(t)

	result, err := h.SendNotification("nobody-listens", "hi", 1)
	require.NoError(t, err)
	assert.Equal(t, Result{}, result)
}

func TestSendNotificationFanOutOrderAndFailureCounting(t *testing.T) {
	h := newTestHub(t)
	first := newFakeListener()
	second := newFakeListener()
	third := newFakeListener()

	require.NoError(t, h.AddListener(1, "updates", first))
	require.NoError(t, h.AddListener(2, "updates", second))
	require.NoError(t, h.AddListener(3, "updates", third))

	second.setConnected(false)

	result, err := h.SendNotification("updates", "hi", 1)
	require.NoError(t, err)
	assert.Equal(t, 2, result.Delivered)
	assert.Equal(t, 1, result.Failed)
	assert.Equal(t, 3, result.TotalActive)

	assert.Equal(t, []string{"updates:hi"}, first.received)
	assert.Equal(t, []string{"updates:hi"}, third.received)

	// a failed delivery drops the listener, so a second NOTIFY only reaches
	// the two still-connected listeners
	result, err = h.SendNotification("updates", "again", 1)
	require.NoError(t, err)
	assert.Equal(t, 2, result.TotalActive)
}

func TestRemoveListener(t *testing.T) {
	h := newTestHub(t)
	listener := newFakeListener()

	require.NoError(t, h.AddListener(1, "updates", listener))
	require.NoError(t, h.RemoveListener(1, "updates"))

	result, err := h.SendNotification("updates", "hi", 1)
	require.NoError(t, err)
	assert.Equal(t, Result{}, result, "the channel is reclaimed once its last listener leaves")
}

func TestRemoveListenerIsIdempotent(t *testing.T) {
	h := newTestHub(t)
	require.NoError(t, h.RemoveListener(1, "never-listened"))
}

func TestRemoveAllListenersForConnection(t *testing.T) {
	h := newTestHub(t)
	listener := newFakeListener()

	require.NoError(t, h.AddListener(1, "a", listener))
	require.NoError(t, h.AddListener(1, "b", listener))

	h.RemoveAllListenersForConnection(1)

	channels, listeners := h.Stats()
	assert.Zero(t, channels)
	assert.Zero(t, listeners)
}

func TestSendNotificationRejectsOverlongPayload(t *testing.T) {
	limits := DefaultLimits()
	limits.PayloadMaxLength = 4
	h := New(slogt.New(t), limits)
	t.Cleanup(h.Close)

	require.NoError(t, h.AddListener(1, "updates", newFakeListener()))

	_, err := h.SendNotification("updates", "too long", 1)
	require.Error(t, err)
	assert.Equal(t, "54000", string(psqlerr.GetCode(err)))
}

func TestAddListenerEnforcesMaxListenersPerChannel(t *testing.T) {
	limits := DefaultLimits()
	limits.MaxListenersPerChannel = 1
	h := New(slogt.New(t), limits)
	t.Cleanup(h.Close)

	require.NoError(t, h.AddListener(1, "updates", newFakeListener()))

	err := h.AddListener(2, "updates", newFakeListener())
	require.Error(t, err)
	assert.Equal(t, "54000", string(psqlerr.GetCode(err)))
}

func TestAddListenerEnforcesMaxChannels(t *testing.T) {
	limits := DefaultLimits()
	limits.MaxChannels = 1
	h := New(slogt.New(t), limits)
	t.Cleanup(h.Close)

	require.NoError(t, h.AddListener(1, "a", newFakeListener()))

	err := h.AddListener(1, "b", newFakeListener())
	require.Error(t, err)
	assert.Equal(t, "54000", string(psqlerr.GetCode(err)))
}

func TestStats(t *testing.T) {
	h := newTestHub(t)

	require.NoError(t, h.AddListener(1, "a", newFakeListener()))
	require.NoError(t, h.AddListener(2, "a", newFakeListener()))
	require.NoError(t, h.AddListener(3, "b", newFakeListener()))

	channels, listeners := h.Stats()
	assert.Equal(t, 2, channels)
	assert.Equal(t, 3, listeners)
}

func TestCloseStopsSweepLoop(t *testing.T) {
	limits := DefaultLimits()
	limits.SweepInterval = time.Millisecond
	h := New(slogt.New(t), limits)

	h.Close()
	time.Sleep(5 * time.Millisecond)
}
