// Package eventlog keeps a per-project monotonic sequence of gateway
// events with cursor-based replay for SSE subscribers.
package eventlog

import (
	"bytes"
	"encoding/json"
	"sync"
	"time"

	"github.com/ashfox/meshgate/internal/clock"
	"github.com/ashfox/meshgate/internal/logger"
	"github.com/ashfox/meshgate/internal/metrics"
)

// Event kinds emitted by the gateway.
const (
	KindProjectSnapshot = "project_snapshot"
	KindJobSubmitted    = "job_submitted"
	KindJobClaimed      = "job_claimed"
	KindJobCompleted    = "job_completed"
	KindJobFailed       = "job_failed"
	KindJobDeadLetter   = "job_dead_letter"
)

// Event is one entry in a project's event stream. Seq values are dense
// per project, starting at 1.
type Event struct {
	Seq     uint64          `json:"seq"`
	Kind    string          `json:"event"`
	Payload json.RawMessage `json:"payload"`
	At      time.Time       `json:"at"`
}

// Watcher observes appended events; used for SSE fan-out.
type Watcher func(projectKey string, event Event)

// Key builds the stream key for a project.
func Key(workspaceID, projectID string) string {
	return workspaceID + "/" + projectID
}

type stream struct {
	events       []Event
	lastSeq      uint64
	lastSnapshot json.RawMessage
}

// Log is the in-process event log, partitioned by project key.
type Log struct {
	mu       sync.RWMutex
	streams  map[string]*stream
	watchers []Watcher
	clock    clock.Clock
}

// New creates an event log. A nil clk uses the system clock.
func New(clk clock.Clock) *Log {
	if clk == nil {
		clk = clock.System{}
	}
	return &Log{streams: make(map[string]*stream), clock: clk}
}

// Watch registers a watcher invoked synchronously after every append.
// Watchers must not block; SSE fan-out hands events to buffered channels.
func (l *Log) Watch(w Watcher) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.watchers = append(l.watchers, w)
}

// Append adds an event to the project's stream and returns it.
func (l *Log) Append(projectKey, kind string, payload any) (Event, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return Event{}, err
	}

	l.mu.Lock()
	s := l.stream(projectKey)
	s.lastSeq++
	event := Event{Seq: s.lastSeq, Kind: kind, Payload: data, At: l.clock.Now()}
	s.events = append(s.events, event)
	if kind == KindProjectSnapshot {
		s.lastSnapshot = data
	}
	watchers := append([]Watcher(nil), l.watchers...)
	l.mu.Unlock()

	metrics.EventsAppended.WithLabelValues(kind).Inc()
	for _, w := range watchers {
		w(projectKey, event)
	}
	return event, nil
}

// AppendSnapshot appends a project_snapshot event unless the visible
// payload is unchanged from the previous snapshot; no-op changes are
// skipped so subscribers never see duplicate snapshots.
func (l *Log) AppendSnapshot(projectKey string, payload any) (Event, bool, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return Event{}, false, err
	}

	l.mu.Lock()
	s := l.stream(projectKey)
	if s.lastSnapshot != nil && bytes.Equal(s.lastSnapshot, data) {
		l.mu.Unlock()
		return Event{}, false, nil
	}
	s.lastSeq++
	event := Event{Seq: s.lastSeq, Kind: KindProjectSnapshot, Payload: data, At: l.clock.Now()}
	s.events = append(s.events, event)
	s.lastSnapshot = data
	watchers := append([]Watcher(nil), l.watchers...)
	l.mu.Unlock()

	metrics.EventsAppended.WithLabelValues(KindProjectSnapshot).Inc()
	for _, w := range watchers {
		w(projectKey, event)
	}
	return event, true, nil
}

// Since returns all events with seq > cursor in ascending order.
func (l *Log) Since(projectKey string, cursor uint64) []Event {
	l.mu.RLock()
	defer l.mu.RUnlock()

	s, ok := l.streams[projectKey]
	if !ok || cursor >= s.lastSeq {
		return nil
	}
	// Seqs are dense from 1, so the slice offset is the cursor itself.
	if cursor > uint64(len(s.events)) {
		logger.Warn("event log for %s shorter than cursor %d", projectKey, cursor)
		return nil
	}
	out := make([]Event, s.lastSeq-cursor)
	copy(out, s.events[cursor:])
	return out
}

// LastSeq returns the highest sequence number for a project (0 if none).
func (l *Log) LastSeq(projectKey string) uint64 {
	l.mu.RLock()
	defer l.mu.RUnlock()
	if s, ok := l.streams[projectKey]; ok {
		return s.lastSeq
	}
	return 0
}

// stream returns the stream for projectKey, creating it if needed.
// Callers must hold l.mu.
func (l *Log) stream(projectKey string) *stream {
	s, ok := l.streams[projectKey]
	if !ok {
		s = &stream{}
		l.streams[projectKey] = s
	}
	return s
}
