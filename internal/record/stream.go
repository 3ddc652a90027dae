package record

import (
	"context"
	"sync"
	"time"
)

// AppliedEvent is the notification published after a successful apply. It
// deliberately carries no clinical payload: subscribers learn that a record
// moved, not what it says, so the stream never becomes a PHI side channel.
type AppliedEvent struct {
	EventID    int64     `json:"event_id"`
	RecordUUID string    `json:"record_uuid"`
	SiteID     string    `json:"site_id"`
	Operation  Operation `json:"operation"`
	NewVersion int64     `json:"new_version"`
	Timestamp  time.Time `json:"timestamp"`
}

// Stream fan-outs applied events to subscribers (portal SSE clients,
// read-model refreshers). Projection is synchronous with append; this stream
// is a convenience on top, never a correctness dependency.
type Stream struct {
	mu   sync.RWMutex
	subs map[int]chan AppliedEvent
	next int
}

// NewStream initialises an empty stream.
func NewStream() *Stream {
	return &Stream{subs: make(map[int]chan AppliedEvent)}
}

// Subscribe registers a subscriber and returns a channel which will receive
// events. The channel is closed when the provided context ends.
func (s *Stream) Subscribe(ctx context.Context) <-chan AppliedEvent {
	ch := make(chan AppliedEvent, 16)

	s.mu.Lock()
	id := s.next
	s.next++
	s.subs[id] = ch
	s.mu.Unlock()

	go func() {
		<-ctx.Done()
		s.mu.Lock()
		delete(s.subs, id)
		close(ch)
		s.mu.Unlock()
	}()

	return ch
}

// Publish fan-outs the event to all subscribers.
func (s *Stream) Publish(evt AppliedEvent) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, ch := range s.subs {
		select {
		case ch <- evt:
		default:
			// Drop when subscriber is slow to avoid blocking the write path.
		}
	}
}
