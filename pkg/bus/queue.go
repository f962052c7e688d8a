// Package bus provides the in-process notification queue connecting
// operators to the coordinator, and the optional cluster-wide forwarder.
//
// Notifications are best-effort: they are not durable across process
// restarts, and a queue with no consumer simply accumulates until drained.
package bus

import (
	"context"
	"log/slog"
	"sync"

	"github.com/beamlens/beamlens/pkg/models"
	"github.com/beamlens/beamlens/pkg/telemetry"
)

// defaultSubscriberBuffer is the per-subscriber channel capacity. A
// subscriber that falls this far behind starts losing alerts (logged and
// counted via alert_handler.alert_dropped).
const defaultSubscriberBuffer = 256

// Alert is the message delivered to subscribers on every push.
type Alert struct {
	Notification *models.Notification
}

// Queue is the FIFO notification queue with subscriber fan-out.
// Push order is observed by TakeAll and by every individual subscriber.
type Queue struct {
	bus *telemetry.Bus

	mu          sync.Mutex
	pending     []*models.Notification
	subscribers map[int]chan Alert
	nextSubID   int
	maxPending  int
}

// NewQueue creates an empty queue. bus may be nil. maxPending of 0 means
// unbounded; when bounded, overflow drops the oldest pending notification.
func NewQueue(bus *telemetry.Bus, maxPending int) *Queue {
	return &Queue{
		bus:         bus,
		subscribers: make(map[int]chan Alert),
		maxPending:  maxPending,
	}
}

// Push enqueues a notification and notifies every live subscriber.
func (q *Queue) Push(n *models.Notification) {
	q.mu.Lock()
	q.pending = append(q.pending, n)
	if q.maxPending > 0 && len(q.pending) > q.maxPending {
		dropped := q.pending[0]
		q.pending = q.pending[1:]
		slog.Warn("Alert queue overflow, dropping oldest notification",
			"dropped_id", dropped.ID, "max_pending", q.maxPending)
		if q.bus != nil {
			q.bus.Execute(telemetry.EventAlertDropped, nil, telemetry.Metadata{
				"notification_id": dropped.ID,
				"reason":          "queue_overflow",
			})
		}
	}
	// Non-blocking sends under the mutex so a concurrent unsubscribe can
	// never close a channel mid-send.
	backlogged := 0
	for _, ch := range q.subscribers {
		select {
		case ch <- Alert{Notification: n}:
		default:
			backlogged++
		}
	}
	q.mu.Unlock()

	for i := 0; i < backlogged; i++ {
		slog.Warn("Subscriber channel full, dropping alert", "notification_id", n.ID)
		if q.bus != nil {
			q.bus.Execute(telemetry.EventAlertDropped, nil, telemetry.Metadata{
				"notification_id": n.ID,
				"reason":          "subscriber_backlog",
			})
		}
	}

	if q.bus != nil {
		q.bus.Execute(telemetry.EventAlertFired, nil, telemetry.Metadata{
			"notification_id": n.ID,
			"anomaly_type":    n.AnomalyType,
			"severity":        string(n.Severity),
			"operator":        n.Operator,
			"node":            n.Node,
			"notification":    n,
		})
	}
}

// TakeAll atomically drains the queue, returning all pending notifications
// in FIFO order.
func (q *Queue) TakeAll() []*models.Notification {
	q.mu.Lock()
	defer q.mu.Unlock()
	drained := q.pending
	q.pending = nil
	return drained
}

// Peek returns a copy of the pending notifications without draining them.
func (q *Queue) Peek() []*models.Notification {
	q.mu.Lock()
	defer q.mu.Unlock()
	return append([]*models.Notification(nil), q.pending...)
}

// Pending reports whether any notifications await a consumer.
func (q *Queue) Pending() bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.pending) > 0
}

// Count returns the number of pending notifications.
func (q *Queue) Count() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.pending)
}

// Subscribe registers a subscriber and returns its alert channel. The
// subscription is removed automatically when ctx is cancelled.
func (q *Queue) Subscribe(ctx context.Context) <-chan Alert {
	ch := make(chan Alert, defaultSubscriberBuffer)

	q.mu.Lock()
	id := q.nextSubID
	q.nextSubID++
	q.subscribers[id] = ch
	q.mu.Unlock()

	go func() {
		<-ctx.Done()
		q.mu.Lock()
		delete(q.subscribers, id)
		close(ch)
		q.mu.Unlock()
	}()

	return ch
}

// SubscriberCount returns the number of live subscribers.
func (q *Queue) SubscriberCount() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.subscribers)
}
