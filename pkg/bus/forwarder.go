package bus

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"

	"github.com/redis/go-redis/v9"

	"github.com/beamlens/beamlens/pkg/models"
	"github.com/beamlens/beamlens/pkg/telemetry"
)

// DefaultClusterTopic is the pub/sub channel for cross-node alert fan-out.
const DefaultClusterTopic = "beamlens:alerts"

// forwarderAttachID is the telemetry attachment id used by the forwarder.
const forwarderAttachID = "bus.forwarder"

// envelope is the wire format for cluster-forwarded notifications.
type envelope struct {
	Node         string               `json:"node"`
	Notification *models.Notification `json:"notification"`
}

// Forwarder rebroadcasts locally-fired alerts on a cluster-wide Redis
// topic and injects remote alerts into the local queue. It is a pure
// observer: the core stays correct when no forwarder is running.
//
// Loop prevention: every published envelope is tagged with the source node,
// and the receive path discards envelopes originating from this node.
type Forwarder struct {
	node  string
	topic string
	rdb   redis.UniversalClient
	queue *Queue
	bus   *telemetry.Bus

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewForwarder creates a forwarder for the given node identifier.
// topic may be "" for the default cluster topic.
func NewForwarder(node, topic string, rdb redis.UniversalClient, queue *Queue, bus *telemetry.Bus) *Forwarder {
	if topic == "" {
		topic = DefaultClusterTopic
	}
	return &Forwarder{node: node, topic: topic, rdb: rdb, queue: queue, bus: bus}
}

// Start attaches to local alert_fired telemetry and begins consuming the
// cluster topic. Blocks only until the subscription is established.
func (f *Forwarder) Start(ctx context.Context) error {
	runCtx, cancel := context.WithCancel(ctx)
	f.cancel = cancel

	sub := f.rdb.Subscribe(runCtx, f.topic)
	// Force the subscription to be established before we declare readiness.
	if _, err := sub.Receive(runCtx); err != nil {
		cancel()
		return fmt.Errorf("subscribing to cluster topic %s: %w", f.topic, err)
	}

	f.bus.Attach(forwarderAttachID, []string{telemetry.EventAlertFired},
		func(_ string, _ telemetry.Measurements, md telemetry.Metadata) {
			n, ok := md["notification"].(*models.Notification)
			if !ok {
				return
			}
			// Re-forwarding a remote alert would bounce it around the
			// cluster forever; only locally-originated alerts go out.
			if n.Node != "" && n.Node != f.node {
				return
			}
			f.publish(runCtx, n)
		})

	f.wg.Add(1)
	go f.consume(runCtx, sub)
	return nil
}

// Stop detaches from telemetry and shuts down the consume loop.
func (f *Forwarder) Stop() {
	f.bus.Detach(forwarderAttachID)
	if f.cancel != nil {
		f.cancel()
	}
	f.wg.Wait()
}

func (f *Forwarder) publish(ctx context.Context, n *models.Notification) {
	data, err := json.Marshal(envelope{Node: f.node, Notification: n})
	if err != nil {
		slog.Warn("Failed to encode notification for cluster forward",
			"notification_id", n.ID, "error", err)
		return
	}
	if err := f.rdb.Publish(ctx, f.topic, data).Err(); err != nil {
		slog.Warn("Failed to publish notification to cluster topic",
			"notification_id", n.ID, "topic", f.topic, "error", err)
	}
}

func (f *Forwarder) consume(ctx context.Context, sub *redis.PubSub) {
	defer f.wg.Done()
	defer func() { _ = sub.Close() }()

	ch := sub.Channel()
	for {
		select {
		case <-ctx.Done():
			return
		case msg, ok := <-ch:
			if !ok {
				return
			}
			var env envelope
			if err := json.Unmarshal([]byte(msg.Payload), &env); err != nil {
				slog.Warn("Discarding malformed cluster alert", "error", err)
				continue
			}
			if env.Node == f.node || env.Notification == nil {
				continue
			}
			env.Notification.Node = env.Node
			f.queue.Push(env.Notification)
		}
	}
}
