package services

import (
	"context"

	"github.com/google/uuid"

	redisclient "github.com/harvestmark/agritrace-backend/internal/clients/redis"
	"github.com/harvestmark/agritrace-backend/internal/sse"
	"github.com/harvestmark/agritrace-backend/internal/types"
)

// JobNotifier pushes reconciliation progress to connected clients. Events are
// addressed to the job owner's user channel.
type JobNotifier interface {
	JobQueued(userID uuid.UUID, job *types.ChainJob)
	JobDone(userID uuid.UUID, job *types.ChainJob, product *types.Product)
	JobFailed(userID uuid.UUID, job *types.ChainJob, stage string, errorMessage string)
	ProductUpdated(userID uuid.UUID, product *types.Product)
}

type jobNotifier struct {
	hub *sse.SSEHub
	bus redisclient.SSEBus
}

// NewJobNotifier wires the notifier to the local hub and, when a redis bus is
// configured, to the cross-replica channel. With a bus present messages go
// through redis only; the forwarder delivers them back into every hub.
func NewJobNotifier(hub *sse.SSEHub, bus redisclient.SSEBus) JobNotifier {
	return &jobNotifier{hub: hub, bus: bus}
}

func (n *jobNotifier) emit(msg sse.SSEMessage) {
	if n.bus != nil {
		if err := n.bus.Publish(context.Background(), msg); err == nil {
			return
		}
	}
	if n.hub != nil {
		n.hub.Broadcast(msg)
	}
}

func (n *jobNotifier) JobQueued(userID uuid.UUID, job *types.ChainJob) {
	n.emit(sse.SSEMessage{
		Channel: userID.String(),
		Event:   sse.SSEEventJobQueued,
		Data: map[string]any{
			"job_id":   job.ID,
			"job_type": job.JobType,
			"job":      job,
		},
	})
}

func (n *jobNotifier) JobDone(userID uuid.UUID, job *types.ChainJob, product *types.Product) {
	n.emit(sse.SSEMessage{
		Channel: userID.String(),
		Event:   sse.SSEEventJobDone,
		Data: map[string]any{
			"job_id":   job.ID,
			"job_type": job.JobType,
			"job":      job,
			"product":  product,
		},
	})
}

func (n *jobNotifier) JobFailed(userID uuid.UUID, job *types.ChainJob, stage string, errorMessage string) {
	n.emit(sse.SSEMessage{
		Channel: userID.String(),
		Event:   sse.SSEEventJobFailed,
		Data: map[string]any{
			"job_id":   job.ID,
			"job_type": job.JobType,
			"stage":    stage,
			"error":    errorMessage,
			"job":      job,
		},
	})
}

func (n *jobNotifier) ProductUpdated(userID uuid.UUID, product *types.Product) {
	n.emit(sse.SSEMessage{
		Channel: userID.String(),
		Event:   sse.SSEEventProductUpdated,
		Data: map[string]any{
			"product_id": product.ID,
			"product":    product,
		},
	})
}
