// Package notify implements the process-wide LISTEN/NOTIFY pub/sub fan-out:
// a channel table mutated by many connection goroutines, serialized per
// channel so that no socket write ever happens while holding the hub's lock.
package notify

import (
	"fmt"
	"log/slog"
	"regexp"
	"strings"
	"sync"
	"time"

	"github.com/pgmockd/pgmockd/codes"
	psqlerr "github.com/pgmockd/pgmockd/errors"
	"github.com/pgmockd/pgmockd/session"
)

var channelNamePattern = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_]*$`)

// Limits bounds the hub's memory use; see spec §4.3 for the rationale behind
// each default.
type Limits struct {
	MaxChannels            int
	MaxListenersPerChannel int
	ChannelNameMaxLength   int
	PayloadMaxLength       int
	SweepInterval          time.Duration
}

// DefaultLimits mirrors the configuration surface defaults.
func DefaultLimits() Limits {
	return Limits{
		MaxChannels:            1000,
		MaxListenersPerChannel: 100,
		ChannelNameMaxLength:   63,
		PayloadMaxLength:       8000,
		SweepInterval:          60 * time.Second,
	}
}

// Listener is a (session, channel) registration.
type Listener struct {
	ConnectionID int64
	ChannelName  string
	Session      session.Notifier
	StartedAt    time.Time
	isActive     bool
}

// channel holds the ordered listener list for one named subscription target.
type channel struct {
	mu                sync.Mutex
	name              string
	listeners         []*Listener
	byConnection      map[int64]int // connectionId -> index into listeners
	createdAt         time.Time
	notificationCount uint64
	emptySince        time.Time
}

// Hub is the process-wide channel registry. Safe for concurrent use by many
// connection goroutines.
type Hub struct {
	logger *slog.Logger
	limits Limits

	mu       sync.Mutex
	channels map[string]*channel

	stopSweep chan struct{}
}

// New constructs a Hub and starts its deferred-reclamation sweep timer.
func New(logger *slog.Logger, limits Limits) *Hub {
	if logger == nil {
		logger = slog.Default()
	}

	h := &Hub{
		logger:    logger,
		limits:    limits,
		channels:  make(map[string]*channel),
		stopSweep: make(chan struct{}),
	}

	if limits.SweepInterval > 0 {
		go h.sweepLoop()
	}

	return h
}

// Close stops the sweep timer. Safe to call once.
func (h *Hub) Close() {
	close(h.stopSweep)
}

func (h *Hub) sweepLoop() {
	ticker := time.NewTicker(h.limits.SweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			h.sweepEmptyChannels()
		case <-h.stopSweep:
			return
		}
	}
}

func (h *Hub) sweepEmptyChannels() {
	h.mu.Lock()
	defer h.mu.Unlock()

	for name, ch := range h.channels {
		ch.mu.Lock()
		empty := len(ch.listeners) == 0
		ch.mu.Unlock()

		if empty {
			delete(h.channels, name)
		}
	}
}

func validateChannelName(name string, limits Limits) error {
	if name == "" || len(name) > limits.ChannelNameMaxLength || !channelNamePattern.MatchString(name) {
		return psqlerr.WithSeverity(psqlerr.WithCode(
			fmt.Errorf("invalid channel name: %q", name), codes.Syntax), psqlerr.LevelError)
	}
	return nil
}

func foldName(name string) string {
	return strings.ToLower(name)
}

// AddListener registers connectionId as a listener of channel. Validates the
// channel name and limits; creates the channel on demand. A duplicate
// registration for the same connectionId is a no-op success.
func (h *Hub) AddListener(connectionID int64, channelName string, sess session.Notifier) error {
	if err := validateChannelName(channelName, h.limits); err != nil {
		return err
	}

	name := foldName(channelName)

	h.mu.Lock()
	ch, ok := h.channels[name]
	if !ok {
		if len(h.channels) >= h.limits.MaxChannels {
			h.mu.Unlock()
			return psqlerr.WithSeverity(psqlerr.WithCode(
				fmt.Errorf("maximum number of channels (%d) exceeded", h.limits.MaxChannels), codes.ProgramLimitExceeded), psqlerr.LevelError)
		}

		ch = &channel{name: name, byConnection: make(map[int64]int), createdAt: time.Now()}
		h.channels[name] = ch
	}
	h.mu.Unlock()

	ch.mu.Lock()
	defer ch.mu.Unlock()

	if _, dup := ch.byConnection[connectionID]; dup {
		return nil
	}

	if len(ch.listeners) >= h.limits.MaxListenersPerChannel {
		return psqlerr.WithSeverity(psqlerr.WithCode(
			fmt.Errorf("maximum listeners for channel %q (%d) exceeded", name, h.limits.MaxListenersPerChannel), codes.ProgramLimitExceeded), psqlerr.LevelError)
	}

	ch.listeners = append(ch.listeners, &Listener{
		ConnectionID: connectionID,
		ChannelName:  name,
		Session:      sess,
		StartedAt:    time.Now(),
		isActive:     true,
	})
	ch.byConnection[connectionID] = len(ch.listeners) - 1
	return nil
}

// RemoveListener undoes AddListener. Idempotent; always succeeds.
func (h *Hub) RemoveListener(connectionID int64, channelName string) error {
	name := foldName(channelName)

	h.mu.Lock()
	ch, ok := h.channels[name]
	h.mu.Unlock()
	if !ok {
		return nil
	}

	ch.mu.Lock()
	h.removeFromChannelLocked(ch, connectionID)
	empty := len(ch.listeners) == 0
	ch.mu.Unlock()

	if empty {
		h.mu.Lock()
		if cur, ok := h.channels[name]; ok && cur == ch {
			ch.mu.Lock()
			stillEmpty := len(ch.listeners) == 0
			ch.mu.Unlock()
			if stillEmpty {
				delete(h.channels, name)
			}
		}
		h.mu.Unlock()
	}

	return nil
}

// removeFromChannelLocked deletes connectionID's listener, if any, and
// reindexes byConnection. Caller must hold ch.mu.
func (h *Hub) removeFromChannelLocked(ch *channel, connectionID int64) {
	idx, ok := ch.byConnection[connectionID]
	if !ok {
		return
	}

	ch.listeners = append(ch.listeners[:idx], ch.listeners[idx+1:]...)
	delete(ch.byConnection, connectionID)
	for i := idx; i < len(ch.listeners); i++ {
		ch.byConnection[ch.listeners[i].ConnectionID] = i
	}
}

// RemoveAllListenersForConnection removes connectionID from every channel.
// Called on session close.
func (h *Hub) RemoveAllListenersForConnection(connectionID int64) {
	h.mu.Lock()
	names := make([]string, 0, len(h.channels))
	for name := range h.channels {
		names = append(names, name)
	}
	h.mu.Unlock()

	for _, name := range names {
		_ = h.RemoveListener(connectionID, name)
	}
}

// Result reports the outcome of a SendNotification fan-out.
type Result struct {
	Delivered   int
	Failed      int
	TotalActive int
}

// SendNotification fans a NOTIFY out to every active listener of channel, in
// listener-insertion order. A listener whose session is disconnected or whose
// write fails is counted as failed and removed from the channel once the
// fan-out is done; delivery continues to the rest. A non-existent channel is a success with zero
// deliveries.
func (h *Hub) SendNotification(channelName, payload string, senderPid int32) (Result, error) {
	if len(payload) > h.limits.PayloadMaxLength {
		return Result{}, psqlerr.WithSeverity(psqlerr.WithCode(
			fmt.Errorf("payload string too long"), codes.ProgramLimitExceeded), psqlerr.LevelError)
	}

	name := foldName(channelName)

	h.mu.Lock()
	ch, ok := h.channels[name]
	h.mu.Unlock()
	if !ok {
		return Result{}, nil
	}

	ch.mu.Lock()
	listeners := make([]*Listener, len(ch.listeners))
	copy(listeners, ch.listeners)
	ch.mu.Unlock()

	var result Result
	var failedConns []int64

	for _, l := range listeners {
		if !l.isActive {
			continue
		}

		result.TotalActive++

		if l.Session == nil || !l.Session.Connected() {
			failedConns = append(failedConns, l.ConnectionID)
			result.Failed++
			continue
		}

		if err := l.Session.Notify(senderPid, channelName, payload); err != nil {
			h.logger.Warn("failed to deliver notification", "channel", name, "err", err)
			failedConns = append(failedConns, l.ConnectionID)
			result.Failed++
			continue
		}

		result.Delivered++
	}

	if len(failedConns) > 0 {
		ch.mu.Lock()
		for _, id := range failedConns {
			h.removeFromChannelLocked(ch, id)
		}
		ch.notificationCount++
		ch.mu.Unlock()
	} else {
		ch.mu.Lock()
		ch.notificationCount++
		ch.mu.Unlock()
	}

	return result, nil
}

// Stats returns a point-in-time snapshot of channel/listener counts, used by
// introspection and metrics.
func (h *Hub) Stats() (channels int, listeners int) {
	h.mu.Lock()
	defer h.mu.Unlock()

	channels = len(h.channels)
	for _, ch := range h.channels {
		ch.mu.Lock()
		listeners += len(ch.listeners)
		ch.mu.Unlock()
	}
	return channels, listeners
}
