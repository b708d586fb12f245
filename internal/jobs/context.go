package jobs

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/harvestmark/agritrace-backend/internal/logger"
	"github.com/harvestmark/agritrace-backend/internal/repos"
	"github.com/harvestmark/agritrace-backend/internal/services"
	"github.com/harvestmark/agritrace-backend/internal/types"
)

// Context is the execution handle for one claimed reconciliation job. It
// wraps the job row, the repositories a handler may touch, and the only
// sanctioned ways to end the run. Handlers never write chain_job rows
// directly.
type Context struct {
	Ctx      context.Context
	DB       *gorm.DB
	Job      *types.ChainJob
	Jobs     repos.ChainJobRepo
	Products repos.ProductRepo
	Records  repos.ProductRecordRepo
	Notify   services.JobNotifier
	Log      *logger.Logger
	payload  map[string]any
}

func NewContext(ctx context.Context, db *gorm.DB, job *types.ChainJob, jobRepo repos.ChainJobRepo, productRepo repos.ProductRepo, recordRepo repos.ProductRecordRepo, notify services.JobNotifier, log *logger.Logger) *Context {
	c := &Context{
		Ctx:      ctx,
		DB:       db,
		Job:      job,
		Jobs:     jobRepo,
		Products: productRepo,
		Records:  recordRepo,
		Notify:   notify,
		Log:      log,
	}
	_ = c.decodePayload()
	return c
}

// decodePayload parses Job.Payload into a map. A malformed payload is not
// fatal here; handlers validate the fields they need.
func (c *Context) decodePayload() error {
	if c.Job == nil || len(c.Job.Payload) == 0 {
		c.payload = map[string]any{}
		return nil
	}
	var m map[string]any
	if err := json.Unmarshal(c.Job.Payload, &m); err != nil {
		c.payload = map[string]any{}
		return err
	}
	c.payload = m
	return nil
}

// Payload never returns nil.
func (c *Context) Payload() map[string]any {
	if c.payload == nil {
		c.payload = map[string]any{}
	}
	return c.payload
}

func (c *Context) PayloadString(key string) string {
	v, ok := c.Payload()[key]
	if !ok || v == nil {
		return ""
	}
	return fmt.Sprint(v)
}

// Heartbeat refreshes heartbeat_at so the stale-claim reclaim does not steal
// this job from a slow but live worker.
func (c *Context) Heartbeat() {
	if c == nil || c.Job == nil || c.Job.ID == uuid.Nil {
		return
	}
	if err := c.Jobs.Heartbeat(c.Ctx, nil, c.Job.ID); err != nil {
		c.Log.Warn("Job heartbeat failed", "job_id", c.Job.ID, "error", err)
	}
}

// Succeed marks the job terminally succeeded and emits a done event. The
// product passed in is whatever state the handler left it in; it rides along
// on the notification so clients refresh without a fetch.
func (c *Context) Succeed(product *types.Product) {
	if c == nil || c.Job == nil {
		return
	}
	now := time.Now()
	err := c.Jobs.UpdateFields(c.Ctx, nil, c.Job.ID, map[string]interface{}{
		"status":       types.JobSucceeded,
		"last_error":   "",
		"locked_at":    nil,
		"heartbeat_at": now,
		"updated_at":   now,
	})
	if err != nil {
		c.Log.Error("Failed to persist job success", "job_id", c.Job.ID, "error", err)
		return
	}
	c.Job.Status = types.JobSucceeded
	c.Job.LastError = ""
	c.Job.LockedAt = nil
	c.Job.HeartbeatAt = &now
	c.Job.UpdatedAt = now
	if c.Notify != nil {
		c.Notify.JobDone(c.Job.OwnerUserID, c.Job, product)
	}
}

// Fail marks the job terminally failed. partial records that the first ledger
// call of a two-call sequence already landed, so a resubmit must not repeat
// it.
func (c *Context) Fail(stage string, runErr error, partial bool) {
	if c == nil || c.Job == nil {
		return
	}
	now := time.Now()
	msg := ""
	if runErr != nil {
		msg = runErr.Error()
	}
	err := c.Jobs.UpdateFields(c.Ctx, nil, c.Job.ID, map[string]interface{}{
		"status":          types.JobFailed,
		"last_error":      msg,
		"last_error_at":   now,
		"locked_at":       nil,
		"partial_failure": partial,
		"updated_at":      now,
	})
	if err != nil {
		c.Log.Error("Failed to persist job failure", "job_id", c.Job.ID, "error", err)
		return
	}
	c.Job.Status = types.JobFailed
	c.Job.LastError = msg
	c.Job.LastErrorAt = &now
	c.Job.LockedAt = nil
	c.Job.PartialFailure = partial
	c.Job.UpdatedAt = now
	if c.Notify != nil {
		c.Notify.JobFailed(c.Job.OwnerUserID, c.Job, stage, msg)
	}
}
