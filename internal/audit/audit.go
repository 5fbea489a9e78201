// Package audit provides an append-only audit log. Every dispatch,
// registration, approval, and rate-limit block is recorded.
package audit

import (
	"sync"
	"time"

	"github.com/google/uuid"
)

// EventType classifies audit events.
type EventType string

const (
	EventSkillDispatched    EventType = "skill.dispatched"
	EventSkillFailed        EventType = "skill.failed"
	EventPostPublished      EventType = "post.published"
	EventPostQueued         EventType = "post.queued"
	EventApprovalDecided    EventType = "approval.decided"
	EventInstanceRegistered EventType = "instance.registered"
	EventInstanceOffline    EventType = "instance.offline"
	EventProfileUpdated     EventType = "profile.updated"
	EventRateLimitBlocked   EventType = "ratelimit.blocked"
)

// Severity grades an event. Dispatches of dangerous-risk skills are
// recorded as warnings, everything else as info.
type Severity string

const (
	SeverityInfo    Severity = "info"
	SeverityWarning Severity = "warning"
)

// Event is a single audit log entry.
type Event struct {
	ID        string    `json:"id"`
	Timestamp time.Time `json:"timestamp"`
	Type      EventType `json:"type"`
	Severity  Severity  `json:"severity"`
	Skill     string    `json:"skill,omitempty"`
	Command   string    `json:"command,omitempty"`
	Actor     string    `json:"actor,omitempty"` // agent or instance that acted
	Summary   string    `json:"summary"`
	Detail    any       `json:"detail,omitempty"`
}

// Recorder accepts audit events. Satisfied by *Log and *Store.
type Recorder interface {
	Record(evt Event)
}

// Log is an append-only in-memory audit log with a ring-buffer cap.
type Log struct {
	events []Event
	mu     sync.RWMutex
	maxLen int // 0 = unbounded
}

// NewLog creates a new audit log. maxLen=0 means unbounded.
func NewLog(maxLen int) *Log {
	return &Log{
		events: make([]Event, 0, 256),
		maxLen: maxLen,
	}
}

// Record appends an event, filling in ID, timestamp, and severity.
func (l *Log) Record(evt Event) {
	enrich(&evt)

	l.mu.Lock()
	defer l.mu.Unlock()

	l.events = append(l.events, evt)
	if l.maxLen > 0 && len(l.events) > l.maxLen {
		l.events = l.events[len(l.events)-l.maxLen:]
	}
}

// Recent returns up to n most recent events, newest first.
func (l *Log) Recent(n int) []Event {
	l.mu.RLock()
	defer l.mu.RUnlock()

	if n <= 0 || n > len(l.events) {
		n = len(l.events)
	}
	out := make([]Event, n)
	for i := 0; i < n; i++ {
		out[i] = l.events[len(l.events)-1-i]
	}
	return out
}

// Count returns the number of retained events.
func (l *Log) Count() int {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return len(l.events)
}

func enrich(evt *Event) {
	if evt.ID == "" {
		evt.ID = uuid.New().String()
	}
	if evt.Timestamp.IsZero() {
		evt.Timestamp = time.Now().UTC()
	}
	if evt.Severity == "" {
		evt.Severity = SeverityInfo
	}
}
