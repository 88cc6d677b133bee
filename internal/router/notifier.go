// Package router fans write notifications out to in-process subscribers, so
// the indexing daemon can wake as soon as a sink has dirty work instead of
// waiting out its idle interval.
package router

import (
	"sync"
	"sync/atomic"
	"time"
)

// NotificationType represents the type of notification.
type NotificationType int

const (
	// EventLogged is published when an event was stored dirty.
	EventLogged NotificationType = iota
	// IndexDefined is published after an index marked a sink's events dirty.
	IndexDefined
	// GroupDefined is published after a group marked its source dirty.
	GroupDefined
)

func (t NotificationType) String() string {
	switch t {
	case EventLogged:
		return "event_logged"
	case IndexDefined:
		return "index_defined"
	case GroupDefined:
		return "group_defined"
	}
	return "unknown"
}

// Notification describes one write to a sink.
type Notification struct {
	Type      NotificationType
	Sink      string
	UUID      string
	Timestamp int64
}

// Notifier is an in-process pub/sub bus. Publish never blocks.
type Notifier struct {
	subscribers sync.Map
	bufferSize  int
	nextID      atomic.Uint64
}

// NewNotifier creates a notifier whose subscriber channels hold bufferSize
// notifications.
func NewNotifier(bufferSize int) *Notifier {
	if bufferSize <= 0 {
		bufferSize = 1
	}
	return &Notifier{bufferSize: bufferSize}
}

// Publish sends a notification to every subscriber whose filters match its
// sink. A subscriber with a full channel misses it.
func (n *Notifier) Publish(notif Notification) {
	if notif.Timestamp == 0 {
		notif.Timestamp = time.Now().UnixNano()
	}
	n.subscribers.Range(func(key, value interface{}) bool {
		sub := value.(*Subscriber)
		if sub.matches(notif.Sink) {
			select {
			case sub.Ch <- notif:
			default:
			}
		}
		return true
	})
}

// Subscribe registers a subscriber for the given sinks; no sinks means all.
func (n *Notifier) Subscribe(sinks ...string) *Subscriber {
	sub := &Subscriber{
		ID:    n.nextID.Add(1),
		Sinks: sinks,
		Ch:    make(chan Notification, n.bufferSize),
	}
	n.subscribers.Store(sub.ID, sub)
	return sub
}

// Unsubscribe removes a subscriber and closes its channel.
func (n *Notifier) Unsubscribe(sub *Subscriber) {
	if value, ok := n.subscribers.LoadAndDelete(sub.ID); ok {
		close(value.(*Subscriber).Ch)
	}
}

// Subscriber receives notifications on Ch.
type Subscriber struct {
	ID    uint64
	Sinks []string
	Ch    chan Notification
}

func (s *Subscriber) matches(sink string) bool {
	if len(s.Sinks) == 0 {
		return true
	}
	for _, want := range s.Sinks {
		if want == sink {
			return true
		}
	}
	return false
}
