package bus

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/beamlens/beamlens/pkg/telemetry"
)

// clusterNode bundles one node's queue, telemetry bus, and forwarder.
type clusterNode struct {
	queue     *Queue
	forwarder *Forwarder
}

func startNode(t *testing.T, name, addr string) *clusterNode {
	t.Helper()
	bus := telemetry.NewBus()
	queue := NewQueue(bus, 0)
	rdb := redis.NewClient(&redis.Options{Addr: addr})
	t.Cleanup(func() { _ = rdb.Close() })

	fwd := NewForwarder(name, "", rdb, queue, bus)
	require.NoError(t, fwd.Start(context.Background()))
	t.Cleanup(fwd.Stop)

	return &clusterNode{queue: queue, forwarder: fwd}
}

func TestForwarderFansOutAcrossNodes(t *testing.T) {
	srv := miniredis.RunT(t)

	nodeA := startNode(t, "node-a", srv.Addr())
	nodeB := startNode(t, "node-b", srv.Addr())

	n := notif("cluster1")
	n.Node = "node-a"
	nodeA.queue.Push(n)

	// node-b receives the forwarded alert in its local queue.
	require.Eventually(t, func() bool {
		return nodeB.queue.Count() == 1
	}, 2*time.Second, 10*time.Millisecond)

	got := nodeB.queue.TakeAll()
	require.Len(t, got, 1)
	assert.Equal(t, "cluster1", got[0].ID)
	assert.Equal(t, "node-a", got[0].Node)
}

func TestForwarderIgnoresOwnNode(t *testing.T) {
	srv := miniredis.RunT(t)

	nodeA := startNode(t, "node-a", srv.Addr())

	n := notif("self1")
	n.Node = "node-a"
	nodeA.queue.Push(n)
	require.Len(t, nodeA.queue.TakeAll(), 1)

	// The published envelope comes back to node-a's subscriber, but the
	// own-node check keeps it out of the local queue.
	time.Sleep(200 * time.Millisecond)
	assert.Zero(t, nodeA.queue.Count())
}

func TestForwarderDoesNotRebroadcastRemoteAlerts(t *testing.T) {
	srv := miniredis.RunT(t)

	nodeA := startNode(t, "node-a", srv.Addr())
	nodeB := startNode(t, "node-b", srv.Addr())
	nodeC := startNode(t, "node-c", srv.Addr())

	n := notif("once")
	n.Node = "node-a"
	nodeA.queue.Push(n)

	require.Eventually(t, func() bool {
		return nodeB.queue.Count() >= 1 && nodeC.queue.Count() >= 1
	}, 2*time.Second, 10*time.Millisecond)

	// Give any (buggy) rebroadcast time to land, then check exactly-once.
	time.Sleep(300 * time.Millisecond)
	assert.Equal(t, 1, nodeB.queue.Count())
	assert.Equal(t, 1, nodeC.queue.Count())
}
