// Package events carries recorder notifications (segments written, segments
// evicted, detections, session state changes) to the live websocket feed and
// to an MQTT broker.
package events

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Type identifies what happened.
type Type string

const (
	SegmentCreated Type = "segment.created"
	SegmentEvicted Type = "segment.evicted"
	Detection      Type = "detection"
	SessionStarted Type = "session.started"
	SessionEnded   Type = "session.ended"
	SessionFault   Type = "session.fault"
)

// Event is one notification.
type Event struct {
	ID       uuid.UUID `json:"id"`
	Type     Type      `json:"type"`
	CameraID int64     `json:"cameraId"`
	Time     time.Time `json:"time"`
	Data     any       `json:"data,omitempty"`
}

// New stamps an event with a fresh id and the current time.
func New(typ Type, cameraID int64, data any) Event {
	return Event{
		ID:       uuid.New(),
		Type:     typ,
		CameraID: cameraID,
		Time:     time.Now().UTC(),
		Data:     data,
	}
}

// Publisher delivers events. Publish must not block the recorder for long.
type Publisher interface {
	Publish(ctx context.Context, ev Event) error
}

// Discard drops every event.
var Discard Publisher = discard{}

type discard struct{}

func (discard) Publish(context.Context, Event) error { return nil }

// Multi fans an event out to several publishers and joins their errors.
type Multi []Publisher

// Publish implements Publisher.
func (m Multi) Publish(ctx context.Context, ev Event) error {
	var errs []error
	for _, p := range m {
		if p == nil {
			continue
		}
		if err := p.Publish(ctx, ev); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Hub is an in-process fan-out. Subscribers that fall behind lose events
// rather than stall publishers.
type Hub struct {
	mu      sync.RWMutex
	subs    map[uint64]chan Event
	next    uint64
	buffer  int
	dropped uint64
}

// NewHub returns a Hub whose subscriber channels hold buffer events.
func NewHub(buffer int) *Hub {
	if buffer < 1 {
		buffer = 64
	}
	return &Hub{subs: make(map[uint64]chan Event), buffer: buffer}
}

// Subscribe registers a new subscriber. The returned cancel func removes it
// and closes the channel.
func (h *Hub) Subscribe() (<-chan Event, func()) {
	ch := make(chan Event, h.buffer)
	h.mu.Lock()
	id := h.next
	h.next++
	h.subs[id] = ch
	h.mu.Unlock()

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			h.mu.Lock()
			delete(h.subs, id)
			h.mu.Unlock()
			close(ch)
		})
	}
}

// Subscribers returns the number of active subscribers.
func (h *Hub) Subscribers() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.subs)
}

// Dropped returns how many deliveries were skipped for slow subscribers.
func (h *Hub) Dropped() uint64 {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.dropped
}

// Publish implements Publisher.
func (h *Hub) Publish(_ context.Context, ev Event) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	for _, ch := range h.subs {
		select {
		case ch <- ev:
		default:
			h.dropped++
		}
	}
	return nil
}
