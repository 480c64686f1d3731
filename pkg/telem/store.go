package telem

import (
	"fmt"
	"sync"
	"time"

	"github.com/markus-lassfolk/linkfailover/pkg"
)

// Store keeps recent cycle samples and events in RAM. Nothing survives a restart.
type Store struct {
	mu sync.RWMutex

	// Configuration
	retention time.Duration

	// Ring buffers
	samples *RingBuffer[*Sample]
	events  *RingBuffer[*pkg.Event]

	lastCleanup time.Time
	seq         uint64

	// Event callback for real-time publishing
	eventCallback func(*pkg.Event)
}

// Sample summarizes one poll cycle
type Sample struct {
	Timestamp      time.Time     `json:"timestamp"`
	Outcome        pkg.Outcome   `json:"outcome"`
	Primary        string        `json:"primary,omitempty"`
	Reordered      bool          `json:"reordered"`
	ResetAttempted bool          `json:"reset_attempted"`
	Duration       time.Duration `json:"duration_ns"`
}

// Stamp returns the sample time
func (s *Sample) Stamp() time.Time { return s.Timestamp }

// NewStore creates a store holding at most capacity samples and events each,
// dropping anything older than retention
func NewStore(retention time.Duration, capacity int) (*Store, error) {
	if retention <= 0 {
		return nil, fmt.Errorf("retention must be positive")
	}
	if capacity < 1 || capacity > 100000 {
		return nil, fmt.Errorf("capacity must be between 1 and 100000")
	}
	return &Store{
		retention:   retention,
		samples:     NewRingBuffer[*Sample](capacity),
		events:      NewRingBuffer[*pkg.Event](capacity),
		lastCleanup: time.Now(),
	}, nil
}

// AddSample records the summary of one cycle
func (s *Store) AddSample(sample *Sample) {
	if sample.Timestamp.IsZero() {
		sample.Timestamp = time.Now()
	}
	s.mu.Lock()
	s.samples.Add(sample)
	s.maybeCleanup()
	s.mu.Unlock()
}

// AddEvent records an event and hands it to the callback, if any
func (s *Store) AddEvent(event *pkg.Event) error {
	if event == nil {
		return fmt.Errorf("event cannot be nil")
	}

	s.mu.Lock()
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now()
	}
	if event.ID == "" {
		s.seq++
		event.ID = fmt.Sprintf("%s_%d_%d", event.Type, event.Timestamp.Unix(), s.seq)
	}
	s.events.Add(event)
	s.maybeCleanup()
	callback := s.eventCallback
	s.mu.Unlock()

	// outside the lock; publishers may block on the network
	if callback != nil {
		go callback(event)
	}
	return nil
}

// SetEventCallback sets a callback function that will be called when events are added
func (s *Store) SetEventCallback(callback func(*pkg.Event)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.eventCallback = callback
}

// GetSamples returns samples newer than since, oldest first
func (s *Store) GetSamples(since time.Time) []*Sample {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.samples.GetSince(since)
}

// LastSample returns the most recent sample or nil
func (s *Store) LastSample() *Sample {
	s.mu.RLock()
	defer s.mu.RUnlock()
	last, ok := s.samples.Last()
	if !ok {
		return nil
	}
	return last
}

// GetEvents returns events newer than since, oldest first, at most limit when limit > 0
func (s *Store) GetEvents(since time.Time, limit int) []*pkg.Event {
	s.mu.RLock()
	defer s.mu.RUnlock()

	events := s.events.GetSince(since)
	if limit > 0 && len(events) > limit {
		events = events[len(events)-limit:]
	}
	return events
}

// LastEvent returns the most recent event of the given type or nil
func (s *Store) LastEvent(eventType string) *pkg.Event {
	s.mu.RLock()
	defer s.mu.RUnlock()

	events := s.events.GetSince(time.Time{})
	for i := len(events) - 1; i >= 0; i-- {
		if events[i].Type == eventType {
			return events[i]
		}
	}
	return nil
}

// Cleanup removes entries older than the retention window
func (s *Store) Cleanup() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.cleanup(time.Now())
}

func (s *Store) cleanup(now time.Time) {
	cutoff := now.Add(-s.retention)
	s.samples.RemoveBefore(cutoff)
	s.events.RemoveBefore(cutoff)
	s.lastCleanup = now
}

func (s *Store) maybeCleanup() {
	if time.Since(s.lastCleanup) > time.Hour {
		s.cleanup(time.Now())
	}
}

// Close drops all data
func (s *Store) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.samples.Reset()
	s.events.Reset()
	return nil
}
