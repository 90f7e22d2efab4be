// Package presence tracks ephemeral typing and online state. Nothing here is
// persisted except the last-seen instant recorded when a user goes offline.
package presence

import (
	"sync"
	"time"
)

const (
	EventTypingStarted = "typing:started"
	EventTypingStopped = "typing:stopped"
	EventUpdate        = "presence:update"

	DefaultTypingTimeout = 1200 * time.Millisecond
)

type TypingEvent struct {
	ConversationID string `json:"conversationId"`
	UserID         string `json:"userId"`
}

// Emitter receives state transitions. Calls are made without any tracker
// lock held and may come from timer goroutines.
type Emitter interface {
	TypingChanged(ev TypingEvent, typing bool)
	PresenceChanged(u Update)
}

type typingKey struct {
	userID         string
	conversationID string
}

type typingEntry struct {
	connID string
	gen    uint64
	timer  *time.Timer
}

// Typing is the per-process idle/typing state machine keyed by
// (user, conversation). Each transition is emitted exactly once.
type Typing struct {
	mu      sync.Mutex
	timeout time.Duration
	entries map[typingKey]*typingEntry
	gen     uint64
	emit    Emitter
	closed  bool
}

func NewTyping(timeout time.Duration, emit Emitter) *Typing {
	if timeout <= 0 {
		timeout = DefaultTypingTimeout
	}
	return &Typing{timeout: timeout, entries: make(map[typingKey]*typingEntry), emit: emit}
}

// Start records activity from connID. Only the idle to typing transition
// emits; activity while already typing just pushes the auto-stop back.
func (t *Typing) Start(connID, userID, conversationID string) {
	k := typingKey{userID: userID, conversationID: conversationID}

	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return
	}
	t.gen++
	gen := t.gen
	e, exists := t.entries[k]
	if exists {
		e.timer.Stop()
		e.connID = connID
		e.gen = gen
	} else {
		e = &typingEntry{connID: connID, gen: gen}
		t.entries[k] = e
	}
	e.timer = time.AfterFunc(t.timeout, func() { t.expire(k, gen) })
	t.mu.Unlock()

	if !exists {
		t.emit.TypingChanged(TypingEvent{ConversationID: conversationID, UserID: userID}, true)
	}
}

// Stop ends a burst explicitly. It is a no-op when the user is idle.
func (t *Typing) Stop(userID, conversationID string) {
	k := typingKey{userID: userID, conversationID: conversationID}
	t.mu.Lock()
	e, ok := t.entries[k]
	if ok {
		e.timer.Stop()
		delete(t.entries, k)
	}
	t.mu.Unlock()

	if ok {
		t.emit.TypingChanged(TypingEvent{ConversationID: conversationID, UserID: userID}, false)
	}
}

func (t *Typing) expire(k typingKey, gen uint64) {
	t.mu.Lock()
	e, ok := t.entries[k]
	// A newer Start replaced the timer after this one fired.
	if !ok || e.gen != gen {
		t.mu.Unlock()
		return
	}
	delete(t.entries, k)
	t.mu.Unlock()

	t.emit.TypingChanged(TypingEvent{ConversationID: k.conversationID, UserID: k.userID}, false)
}

// ClearConnection drops every entry last driven by connID, emitting a stop
// for each.
func (t *Typing) ClearConnection(connID string) {
	var stopped []typingKey
	t.mu.Lock()
	for k, e := range t.entries {
		if e.connID == connID {
			e.timer.Stop()
			delete(t.entries, k)
			stopped = append(stopped, k)
		}
	}
	t.mu.Unlock()

	for _, k := range stopped {
		t.emit.TypingChanged(TypingEvent{ConversationID: k.conversationID, UserID: k.userID}, false)
	}
}

// IsTyping reports the current state of (user, conversation).
func (t *Typing) IsTyping(userID, conversationID string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	_, ok := t.entries[typingKey{userID: userID, conversationID: conversationID}]
	return ok
}

// Close cancels all pending timers without emitting.
func (t *Typing) Close() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.closed = true
	for k, e := range t.entries {
		e.timer.Stop()
		delete(t.entries, k)
	}
}
