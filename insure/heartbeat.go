package insure

import (
	"context"
	"fmt"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/remiges-tech/logharbour/logharbour"
)

const (
	heartbeatTTL      = 60 * time.Second
	heartbeatInterval = 30 * time.Second
)

// WorkerRegistryKey returns the redis key of the global worker
// registry SET. Workers register their instance IDs here so the
// monitor endpoint can enumerate them without SCAN (which does not
// work across Redis Cluster nodes).
func WorkerRegistryKey() string {
	return "SUREQ_WORKER_REGISTRY"
}

// WorkerHeartbeatKey returns the redis key of one worker's heartbeat.
// Uses hash tag {instanceID} for Redis Cluster slot co-location.
func WorkerHeartbeatKey(instanceID string) string {
	return fmt.Sprintf("SUREQ_{%s}_HEARTBEAT", instanceID)
}

// Heartbeat maintains a worker's liveness record in redis: membership
// in the registry SET plus a per-instance key refreshed on a TTL. It
// feeds observability only -- liveness never drives any mutation of
// request rows. A worker that died mid-cycle leaves its rows in
// pending; releasing them is an operator decision, because the worker
// may merely be slow and automatic reaping would risk double delivery.
type Heartbeat struct {
	client     *redis.Client
	instanceID string
	logger     *logharbour.Logger
}

// NewHeartbeat builds the liveness publisher for one worker instance.
func NewHeartbeat(client *redis.Client, instanceID string, logger *logharbour.Logger) *Heartbeat {
	return &Heartbeat{client: client, instanceID: instanceID, logger: logger}
}

// Run registers the worker and refreshes its heartbeat until the
// process exits. It deliberately takes no context: the heartbeat must
// outlive shutdown initiation so the monitor keeps reporting the worker
// as alive while it finishes its final tick.
func (h *Heartbeat) Run() {
	ctx := context.Background()

	if err := h.register(ctx); err != nil {
		h.logger.Error(err).LogActivity("Failed to register worker", nil)
	}
	if err := h.refresh(ctx); err != nil {
		h.logger.Error(err).LogActivity("Failed to send initial heartbeat", nil)
	}

	ticker := time.NewTicker(heartbeatInterval)
	defer ticker.Stop()
	for {
		<-ticker.C
		// Re-register each tick so the registry is rebuilt after a
		// redis restart. SADD of an existing member is a no-op.
		if err := h.register(ctx); err != nil {
			h.logger.Error(err).LogActivity("Failed to re-register worker", nil)
		}
		if err := h.refresh(ctx); err != nil {
			h.logger.Error(err).LogActivity("Failed to refresh heartbeat", nil)
		}
	}
}

func (h *Heartbeat) register(ctx context.Context) error {
	return h.client.SAdd(ctx, WorkerRegistryKey(), h.instanceID).Err()
}

func (h *Heartbeat) refresh(ctx context.Context) error {
	return h.client.Set(ctx, WorkerHeartbeatKey(h.instanceID), "alive", heartbeatTTL).Err()
}

// Shutdown removes this worker's heartbeat and registry entry. Called
// after the loop has exited.
func (h *Heartbeat) Shutdown(ctx context.Context) error {
	if err := h.client.Del(ctx, WorkerHeartbeatKey(h.instanceID)).Err(); err != nil {
		return fmt.Errorf("failed to remove heartbeat: %w", err)
	}
	return h.client.SRem(ctx, WorkerRegistryKey(), h.instanceID).Err()
}

// AliveWorkers returns the instance IDs of registered workers whose
// heartbeat has not expired, for the monitor endpoint.
func AliveWorkers(ctx context.Context, client *redis.Client) ([]string, error) {
	ids, err := client.SMembers(ctx, WorkerRegistryKey()).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to read worker registry: %w", err)
	}
	alive := make([]string, 0, len(ids))
	for _, id := range ids {
		exists, err := client.Exists(ctx, WorkerHeartbeatKey(id)).Result()
		if err != nil {
			return nil, err
		}
		if exists == 1 {
			alive = append(alive, id)
		}
	}
	return alive, nil
}
