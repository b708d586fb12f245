package jobs

import (
	"context"
	"fmt"
	"time"

	"golang.org/x/sync/errgroup"
	"gorm.io/gorm"

	"github.com/harvestmark/agritrace-backend/internal/logger"
	"github.com/harvestmark/agritrace-backend/internal/repos"
	"github.com/harvestmark/agritrace-backend/internal/services"
	"github.com/harvestmark/agritrace-backend/internal/types"
)

// Pool is a fixed-size set of workers polling chain_job for runnable rows.
// Claims go through the database, so multiple API replicas can run pools
// against the same table without double-executing a job. There is no
// automatic retry: a failed job stays failed until an operator resubmits.
type Pool struct {
	db       *gorm.DB
	log      *logger.Logger
	jobs     repos.ChainJobRepo
	products repos.ProductRepo
	records  repos.ProductRecordRepo
	registry *Registry
	notify   services.JobNotifier
	size     int

	group *errgroup.Group
}

func NewPool(db *gorm.DB, baseLog *logger.Logger, jobRepo repos.ChainJobRepo, productRepo repos.ProductRepo, recordRepo repos.ProductRecordRepo, registry *Registry, notify services.JobNotifier, size int) *Pool {
	if size < 1 {
		size = 1
	}
	return &Pool{
		db:       db,
		log:      baseLog.With("component", "ChainJobPool"),
		jobs:     jobRepo,
		products: productRepo,
		records:  recordRepo,
		registry: registry,
		notify:   notify,
		size:     size,
	}
}

func (p *Pool) Start(ctx context.Context) {
	g, gctx := errgroup.WithContext(ctx)
	p.group = g
	for i := 0; i < p.size; i++ {
		worker := i
		g.Go(func() error {
			p.runLoop(gctx, worker)
			return nil
		})
	}
	p.log.Info("Chain job pool started", "workers", p.size)
}

// Wait blocks until all workers have exited after context cancellation.
func (p *Pool) Wait() {
	if p.group != nil {
		_ = p.group.Wait()
	}
}

func (p *Pool) runLoop(ctx context.Context, worker int) {
	ticker := time.NewTicker(1 * time.Second)
	defer ticker.Stop()
	policy := repos.ClaimPolicy{StaleRunning: 2 * time.Minute}
	log := p.log.With("worker", worker)
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			job, err := p.jobs.ClaimNextRunnable(ctx, nil, policy)
			if err != nil {
				log.Warn("ClaimNextRunnable failed", "error", err)
				continue
			}
			if job == nil {
				continue
			}
			p.dispatch(ctx, log, job)
		}
	}
}

func (p *Pool) dispatch(ctx context.Context, log *logger.Logger, job *types.ChainJob) {
	jc := NewContext(ctx, p.db, job, p.jobs, p.products, p.records, p.notify, log)
	h, ok := p.registry.Get(job.JobType)
	if !ok {
		log.Warn("No handler registered for job_type", "job_type", job.JobType, "job_id", job.ID)
		jc.Fail("dispatch", fmt.Errorf("no handler registered for job_type=%s", job.JobType), false)
		return
	}
	// A panicking handler must not leave the job stuck in running.
	defer func() {
		if r := recover(); r != nil {
			log.Error("Job handler panic", "job_id", job.ID, "job_type", job.JobType, "panic", r)
			jc.Fail("panic", fmt.Errorf("panic: %v", r), false)
			p.markProductFailed(jc, fmt.Sprintf("panic: %v", r))
		}
	}()
	h.Run(jc)
}

// markProductFailed is the panic path's best effort to keep the product row
// consistent with its failed job.
func (p *Pool) markProductFailed(jc *Context, reason string) {
	product, err := p.products.GetByID(jc.Ctx, nil, jc.Job.ProductID)
	if err != nil || product == nil {
		return
	}
	if product.Status != types.StatusPendingChain {
		return
	}
	_ = p.products.UpdateFields(jc.Ctx, nil, product.ID, map[string]interface{}{
		"status":       types.StatusChainFailed,
		"failure_kind": types.FailureTotal,
		"last_failure": reason,
	})
}
