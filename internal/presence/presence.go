package presence

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"
)

type Status string

const (
	StatusOnline  Status = "online"
	StatusAway    Status = "away"
	StatusOffline Status = "offline"

	DefaultHeartbeatInterval = 15 * time.Second
	DefaultDisconnectGrace   = 5 * time.Second
)

func ParseStatus(s string) (Status, error) {
	switch Status(s) {
	case StatusOnline, StatusAway:
		return Status(s), nil
	}
	return "", fmt.Errorf("presence: heartbeat status must be online or away, got %q", s)
}

type Update struct {
	UserID     string     `json:"userId"`
	Status     Status     `json:"status"`
	LastSeenAt *time.Time `json:"lastSeenAt,omitempty"`
}

// LastSeenStore persists the instant a user went offline.
type LastSeenStore interface {
	TouchLastSeen(ctx context.Context, userID string, at time.Time) error
}

type Config struct {
	// HeartbeatTimeout is how long a user may stay silent before being
	// marked offline. Defaults to twice DefaultHeartbeatInterval.
	HeartbeatTimeout time.Duration
	// DisconnectGrace delays the offline transition after the last
	// connection closes so brief reconnects go unnoticed.
	DisconnectGrace time.Duration
}

type userState struct {
	status Status
	conns  int
	gen    uint64
	timer  *time.Timer
}

// Tracker holds per-user online/away/offline state for this process.
type Tracker struct {
	mu       sync.Mutex
	cfg      Config
	users    map[string]*userState
	emit     Emitter
	lastSeen LastSeenStore
	log      *slog.Logger
	now      func() time.Time
	closed   bool
}

func NewTracker(cfg Config, emit Emitter, lastSeen LastSeenStore, log *slog.Logger) *Tracker {
	if cfg.HeartbeatTimeout <= 0 {
		cfg.HeartbeatTimeout = 2 * DefaultHeartbeatInterval
	}
	if cfg.DisconnectGrace <= 0 {
		cfg.DisconnectGrace = DefaultDisconnectGrace
	}
	return &Tracker{
		cfg:      cfg,
		users:    make(map[string]*userState),
		emit:     emit,
		lastSeen: lastSeen,
		log:      log.With("component", "presence"),
		now:      time.Now,
	}
}

// schedule replaces the user's pending timer. Callers hold t.mu.
func (t *Tracker) schedule(userID string, st *userState, d time.Duration) {
	if st.timer != nil {
		st.timer.Stop()
	}
	st.gen++
	gen := st.gen
	st.timer = time.AfterFunc(d, func() { t.expire(userID, gen) })
}

// Connect registers a new connection for userID and cancels any pending
// offline transition.
func (t *Tracker) Connect(userID string) {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return
	}
	st, ok := t.users[userID]
	if !ok {
		st = &userState{status: StatusOffline}
		t.users[userID] = st
	}
	st.conns++
	changed := st.status == StatusOffline
	if changed {
		st.status = StatusOnline
	}
	t.schedule(userID, st, t.cfg.HeartbeatTimeout)
	t.mu.Unlock()

	if changed {
		t.emit.PresenceChanged(Update{UserID: userID, Status: StatusOnline})
	}
}

// Heartbeat refreshes the expiry window and applies the reported status.
func (t *Tracker) Heartbeat(userID string, status Status) {
	t.mu.Lock()
	st, ok := t.users[userID]
	if !ok || st.conns == 0 || t.closed {
		t.mu.Unlock()
		return
	}
	changed := st.status != status
	st.status = status
	t.schedule(userID, st, t.cfg.HeartbeatTimeout)
	t.mu.Unlock()

	if changed {
		t.emit.PresenceChanged(Update{UserID: userID, Status: status})
	}
}

// Disconnect releases one connection. When it was the user's last one the
// offline transition is scheduled after the grace period.
func (t *Tracker) Disconnect(userID string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	st, ok := t.users[userID]
	if !ok || st.conns == 0 {
		return
	}
	st.conns--
	if st.conns > 0 || t.closed {
		return
	}
	if st.status == StatusOffline {
		st.timer.Stop()
		delete(t.users, userID)
		return
	}
	t.schedule(userID, st, t.cfg.DisconnectGrace)
}

func (t *Tracker) expire(userID string, gen uint64) {
	t.mu.Lock()
	st, ok := t.users[userID]
	if !ok || st.gen != gen || st.status == StatusOffline {
		t.mu.Unlock()
		return
	}
	st.status = StatusOffline
	if st.conns == 0 {
		delete(t.users, userID)
	}
	t.mu.Unlock()

	at := t.now().UTC()
	if t.lastSeen != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		if err := t.lastSeen.TouchLastSeen(ctx, userID, at); err != nil {
			t.log.Warn("record last seen failed", "user_id", userID, "error", err)
		}
		cancel()
	}
	t.emit.PresenceChanged(Update{UserID: userID, Status: StatusOffline, LastSeenAt: &at})
}

// Reassert re-emits the status of a user who still has a live connection
// here. Counts are per process, so another process reports offline when its
// own last connection goes; the processes still holding one answer with
// this.
func (t *Tracker) Reassert(userID string) {
	t.mu.Lock()
	st, ok := t.users[userID]
	if !ok || st.conns == 0 || st.status == StatusOffline || t.closed {
		t.mu.Unlock()
		return
	}
	status := st.status
	t.mu.Unlock()

	t.emit.PresenceChanged(Update{UserID: userID, Status: status})
}

// Status returns the current status, offline for unknown users.
func (t *Tracker) Status(userID string) Status {
	t.mu.Lock()
	defer t.mu.Unlock()
	if st, ok := t.users[userID]; ok {
		return st.status
	}
	return StatusOffline
}

// Close stops every pending timer. Transitions that have not fired are
// dropped.
func (t *Tracker) Close() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.closed = true
	for id, st := range t.users {
		if st.timer != nil {
			st.timer.Stop()
		}
		delete(t.users, id)
	}
}
