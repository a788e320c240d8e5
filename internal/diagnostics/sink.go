package diagnostics

import (
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"
)

// Event is one structured record emitted by a component during a run:
// a resolver match or miss, a coordinator transition, a snapshot.
type Event struct {
	Time      time.Time
	Component string
	Name      string
	Attrs     map[string]string
}

// Sink receives diagnostic events. Implementations must be safe for concurrent use;
// coordinator watchers emit from their own goroutines.
type Sink interface {
	Record(Event)
}

// ZapSink forwards events to a zap logger at debug level.
type ZapSink struct {
	Logger *zap.Logger
}

// NewZapSink returns a sink writing to logger.
func NewZapSink(logger *zap.Logger) *ZapSink {
	return &ZapSink{Logger: logger}
}

func (s *ZapSink) Record(ev Event) {
	if s == nil || s.Logger == nil {
		return
	}
	fields := make([]zap.Field, 0, len(ev.Attrs)+1)
	fields = append(fields, zap.String("component", ev.Component))
	keys := make([]string, 0, len(ev.Attrs))
	for k := range ev.Attrs {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		fields = append(fields, zap.String(k, ev.Attrs[k]))
	}
	s.Logger.Debug(ev.Name, fields...)
}

// MemorySink keeps events in memory for assertions in tests.
type MemorySink struct {
	mu     sync.Mutex
	events []Event
}

func NewMemorySink() *MemorySink {
	return &MemorySink{}
}

func (s *MemorySink) Record(ev Event) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.events = append(s.events, ev)
}

// Events returns a copy of everything recorded so far.
func (s *MemorySink) Events() []Event {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Event, len(s.events))
	copy(out, s.events)
	return out
}

// Names returns the event names in order.
func (s *MemorySink) Names() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]string, 0, len(s.events))
	for _, ev := range s.events {
		out = append(out, ev.Name)
	}
	return out
}

// Find returns the events with the given name.
func (s *MemorySink) Find(name string) []Event {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []Event
	for _, ev := range s.events {
		if ev.Name == name {
			out = append(out, ev)
		}
	}
	return out
}

// Multi fans an event out to several sinks.
type Multi []Sink

func (m Multi) Record(ev Event) {
	for _, s := range m {
		if s != nil {
			s.Record(ev)
		}
	}
}

// Discard drops every event.
var Discard Sink = discard{}

type discard struct{}

func (discard) Record(Event) {}
