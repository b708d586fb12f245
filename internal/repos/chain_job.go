package repos

import (
  "context"
  "errors"
  "time"
  "github.com/google/uuid"
  "gorm.io/gorm"
  "gorm.io/gorm/clause"
  "github.com/harvestmark/agritrace-backend/internal/logger"
  "github.com/harvestmark/agritrace-backend/internal/types"
)

type ClaimPolicy struct {
  StaleRunning time.Duration
}

type ChainJobRepo interface {
  Create(ctx context.Context, tx *gorm.DB, job *types.ChainJob) (*types.ChainJob, error)
  GetByID(ctx context.Context, tx *gorm.DB, id uuid.UUID) (*types.ChainJob, error)
  GetLatestByProduct(ctx context.Context, tx *gorm.DB, productID uuid.UUID) (*types.ChainJob, error)
  HasActive(ctx context.Context, tx *gorm.DB, productID uuid.UUID) (bool, error)
  ClaimNextRunnable(ctx context.Context, tx *gorm.DB, policy ClaimPolicy) (*types.ChainJob, error)
  UpdateFields(ctx context.Context, tx *gorm.DB, id uuid.UUID, updates map[string]interface{}) error
  Requeue(ctx context.Context, tx *gorm.DB, id uuid.UUID) error
  Heartbeat(ctx context.Context, tx *gorm.DB, id uuid.UUID) error
}

type chainJobRepo struct {
  db  *gorm.DB
  log *logger.Logger
}

func NewChainJobRepo(db *gorm.DB, baseLog *logger.Logger) ChainJobRepo {
  return &chainJobRepo{
    db:  db,
    log: baseLog.With("repo", "ChainJobRepo"),
  }
}

func (r *chainJobRepo) Create(ctx context.Context, tx *gorm.DB, job *types.ChainJob) (*types.ChainJob, error) {
  transaction := tx
  if transaction == nil {
    transaction = r.db
  }
  if err := transaction.WithContext(ctx).Create(job).Error; err != nil {
    return nil, err
  }
  return job, nil
}

func (r *chainJobRepo) GetByID(ctx context.Context, tx *gorm.DB, id uuid.UUID) (*types.ChainJob, error) {
  transaction := tx
  if transaction == nil {
    transaction = r.db
  }
  var job types.ChainJob
  err := transaction.WithContext(ctx).Where("id = ?", id).First(&job).Error
  if errors.Is(err, gorm.ErrRecordNotFound) {
    return nil, nil
  }
  if err != nil {
    return nil, err
  }
  return &job, nil
}

func (r *chainJobRepo) GetLatestByProduct(ctx context.Context, tx *gorm.DB, productID uuid.UUID) (*types.ChainJob, error) {
  transaction := tx
  if transaction == nil {
    transaction = r.db
  }
  var job types.ChainJob
  err := transaction.WithContext(ctx).
    Where("product_id = ?", productID).
    Order("created_at DESC").
    Limit(1).
    Find(&job).Error
  if err != nil {
    return nil, err
  }
  if job.ID == uuid.Nil {
    return nil, nil
  }
  return &job, nil
}

// HasActive reports whether the product already has a reconciliation job in
// flight. The ledger does not order two concurrent calls touching the same
// item, so a second job must be rejected while one is queued or running.
func (r *chainJobRepo) HasActive(ctx context.Context, tx *gorm.DB, productID uuid.UUID) (bool, error) {
  transaction := tx
  if transaction == nil {
    transaction = r.db
  }
  var count int64
  if err := transaction.WithContext(ctx).Model(&types.ChainJob{}).
    Where("product_id = ? AND status IN ?", productID, []types.ChainJobStatus{types.JobQueued, types.JobRunning}).
    Count(&count).Error; err != nil {
    return false, err
  }
  return count > 0, nil
}

// ClaimNextRunnable picks the oldest queued job (or a running job whose
// worker stopped heartbeating) and marks it running. There is no automatic
// retry of failed jobs; only an explicit resubmit requeues them.
func (r *chainJobRepo) ClaimNextRunnable(ctx context.Context, tx *gorm.DB, policy ClaimPolicy) (*types.ChainJob, error) {
  transaction := tx
  if transaction == nil {
    transaction = r.db
  }
  now := time.Now()
  staleCutoff := now.Add(-policy.StaleRunning)
  var claimed *types.ChainJob
  err := transaction.WithContext(ctx).Transaction(func(txx *gorm.DB) error {
    var job types.ChainJob
    q := txx.Where(`
        status = ?
        OR (
          status = ?
          AND heartbeat_at IS NOT NULL
          AND heartbeat_at < ?
        )
      `, types.JobQueued, types.JobRunning, staleCutoff).
      Order("created_at ASC")
    if txx.Dialector.Name() == "postgres" {
      q = q.Clauses(clause.Locking{Strength: "UPDATE", Options: "SKIP LOCKED"})
    }
    qErr := q.First(&job).Error
    if errors.Is(qErr, gorm.ErrRecordNotFound) {
      return nil
    }
    if qErr != nil {
      return qErr
    }
    uErr := txx.Model(&types.ChainJob{}).
      Where("id = ?", job.ID).
      Updates(map[string]interface{}{
        "status":       types.JobRunning,
        "attempts":     gorm.Expr("attempts + 1"),
        "locked_at":    now,
        "heartbeat_at": now,
        "updated_at":   now,
      }).Error
    if uErr != nil {
      return uErr
    }
    job.Status = types.JobRunning
    job.Attempts = job.Attempts + 1
    claimed = &job
    return nil
  })
  if err != nil {
    return nil, err
  }
  return claimed, nil
}

func (r *chainJobRepo) UpdateFields(ctx context.Context, tx *gorm.DB, id uuid.UUID, updates map[string]interface{}) error {
  transaction := tx
  if transaction == nil {
    transaction = r.db
  }
  if id == uuid.Nil {
    return nil
  }
  if updates == nil {
    updates = map[string]interface{}{}
  }
  if _, ok := updates["updated_at"]; !ok {
    updates["updated_at"] = time.Now()
  }
  return transaction.WithContext(ctx).
    Model(&types.ChainJob{}).
    Where("id = ?", id).
    Updates(updates).Error
}

// Requeue moves a failed job back to queued for an explicit resubmit,
// keeping its attempt count observable.
func (r *chainJobRepo) Requeue(ctx context.Context, tx *gorm.DB, id uuid.UUID) error {
  transaction := tx
  if transaction == nil {
    transaction = r.db
  }
  now := time.Now()
  return transaction.WithContext(ctx).
    Model(&types.ChainJob{}).
    Where("id = ? AND status = ?", id, types.JobFailed).
    Updates(map[string]interface{}{
      "status":     types.JobQueued,
      "locked_at":  nil,
      "updated_at": now,
    }).Error
}

func (r *chainJobRepo) Heartbeat(ctx context.Context, tx *gorm.DB, id uuid.UUID) error {
  transaction := tx
  if transaction == nil {
    transaction = r.db
  }
  if id == uuid.Nil {
    return nil
  }
  now := time.Now()
  return transaction.WithContext(ctx).
    Model(&types.ChainJob{}).
    Where("id = ? AND status = ?", id, types.JobRunning).
    Updates(map[string]interface{}{
      "heartbeat_at": now,
      "updated_at":   now,
    }).Error
}
