// Package distributed implements an observational node registry for
// distributed mode: every crawlkit process sharing a
// RedisFilter/RedisQueue pair periodically reports its liveness and
// local counters, and any process can ask the same Redis instance who
// else is working and how far along they are.
//
// crawlkit already has an admission path — scheduler.Scheduler over a
// RedisFilter/RedisQueue — so Coordinator does not duplicate it with a
// second one; it is a thin heartbeat/status layer over the same
// backend, never a second scheduler (see DESIGN.md).
package distributed

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/go-redis/redis"
)

// NodeStatus is a node's two-state liveness classification.
type NodeStatus string

const (
	StatusOnline  NodeStatus = "online"
	StatusOffline NodeStatus = "offline"
)

// Node is one process's self-reported status, written to Redis on
// every Heartbeat and read back by GetClusterStatus.
type Node struct {
	ID       string         `json:"id"`
	Address  string         `json:"address"`
	Status   NodeStatus     `json:"status"`
	LastSeen time.Time      `json:"last_seen"`
	Stats    map[string]any `json:"stats"`
}

// ClusterStatus is the cluster-wide view GetClusterStatus returns,
// built by reading every Node key under the coordinator's namespace.
type ClusterStatus struct {
	Nodes       []Node `json:"nodes"`
	OnlineCount int    `json:"online_count"`
}

// Coordinator reports this process's liveness into Redis and reads
// back the liveness of every other process sharing the same keyspace.
// It never gates scheduling; RedisFilter/RedisQueue do that on their
// own, independent of whether Coordinator is running at all.
type Coordinator struct {
	client    *redis.Client
	nodeID    string
	address   string
	keyPrefix string
	ttl       time.Duration
	logger    *slog.Logger
}

// New builds a Coordinator reporting as nodeID, namespacing its Redis
// keys under "crawlkit:nodes:<nodeID>". ttl is how long a heartbeat's
// entry survives before Redis expires it — a node that stops
// heartbeating simply ages out of GetClusterStatus, no explicit
// Deregister call needed.
func New(client *redis.Client, nodeID, address string, ttl time.Duration, logger *slog.Logger) *Coordinator {
	if logger == nil {
		logger = slog.Default()
	}
	if ttl <= 0 {
		ttl = 30 * time.Second
	}
	return &Coordinator{
		client:    client,
		nodeID:    nodeID,
		address:   address,
		keyPrefix: "crawlkit:nodes:",
		ttl:       ttl,
		logger:    logger.With("component", "distributed", "node_id", nodeID),
	}
}

func (c *Coordinator) key() string { return c.keyPrefix + c.nodeID }

// Heartbeat writes this node's current stats to Redis with an
// expiring TTL. Call it on a ticker; a missed heartbeat lets the
// node's key lapse rather than requiring another node to notice and
// evict it.
func (c *Coordinator) Heartbeat(ctx context.Context, stats map[string]any) error {
	node := Node{
		ID:       c.nodeID,
		Address:  c.address,
		Status:   StatusOnline,
		LastSeen: time.Now(),
		Stats:    stats,
	}
	data, err := json.Marshal(node)
	if err != nil {
		return fmt.Errorf("marshal node status: %w", err)
	}
	if err := c.client.Set(c.key(), data, c.ttl).Err(); err != nil {
		return fmt.Errorf("write heartbeat: %w", err)
	}
	return nil
}

// Run heartbeats stats() on every tick until ctx is cancelled. A
// heartbeat failure is logged, not fatal — a transient Redis hiccup
// should not stop the crawl it is merely reporting on.
func (c *Coordinator) Run(ctx context.Context, interval time.Duration, stats func() map[string]any) {
	if interval <= 0 {
		interval = c.ttl / 3
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := c.Heartbeat(ctx, stats()); err != nil {
				c.logger.Warn("heartbeat failed", "error", err)
			}
		}
	}
}

// GetClusterStatus scans every "crawlkit:nodes:*" key and reports the
// nodes currently visible. A node whose TTL lapsed is simply absent —
// there is nothing to mark offline, Redis has already forgotten it.
func (c *Coordinator) GetClusterStatus(ctx context.Context) (ClusterStatus, error) {
	keys, err := c.client.Keys(c.keyPrefix + "*").Result()
	if err != nil {
		return ClusterStatus{}, fmt.Errorf("list nodes: %w", err)
	}

	status := ClusterStatus{Nodes: make([]Node, 0, len(keys))}
	for _, k := range keys {
		raw, err := c.client.Get(k).Bytes()
		if err != nil {
			continue // lapsed between Keys and Get, not a hard error
		}
		var node Node
		if err := json.Unmarshal(raw, &node); err != nil {
			c.logger.Warn("malformed node entry", "key", k, "error", err)
			continue
		}
		status.Nodes = append(status.Nodes, node)
		if node.Status == StatusOnline {
			status.OnlineCount++
		}
	}
	return status, nil
}

// Deregister removes this node's key immediately, for a clean shutdown
// rather than waiting out the TTL.
func (c *Coordinator) Deregister() error {
	return c.client.Del(c.key()).Err()
}
