package repos

import (
  "context"
  "errors"
  "github.com/google/uuid"
  "gorm.io/gorm"
  "github.com/harvestmark/agritrace-backend/internal/logger"
  "github.com/harvestmark/agritrace-backend/internal/types"
)

// ProductRecordRepo is deliberately narrow: records are append-only, so the
// only update exposed is the one-time finalization of the pending tx fields
// by the owning reconciliation job.
type ProductRecordRepo interface {
  Create(ctx context.Context, tx *gorm.DB, record *types.ProductRecord) (*types.ProductRecord, error)
  GetByID(ctx context.Context, tx *gorm.DB, id uuid.UUID) (*types.ProductRecord, error)
  ListByProduct(ctx context.Context, tx *gorm.DB, productID uuid.UUID) ([]*types.ProductRecord, error)
  HasAction(ctx context.Context, tx *gorm.DB, productID uuid.UUID, action types.RecordAction) (bool, error)
  Finalize(ctx context.Context, tx *gorm.DB, id uuid.UUID, txHash string, blockNumber int64, provisional bool) error
}

type productRecordRepo struct {
  db  *gorm.DB
  log *logger.Logger
}

func NewProductRecordRepo(db *gorm.DB, baseLog *logger.Logger) ProductRecordRepo {
  return &productRecordRepo{
    db:  db,
    log: baseLog.With("repo", "ProductRecordRepo"),
  }
}

func (r *productRecordRepo) Create(ctx context.Context, tx *gorm.DB, record *types.ProductRecord) (*types.ProductRecord, error) {
  transaction := tx
  if transaction == nil {
    transaction = r.db
  }
  if err := transaction.WithContext(ctx).Create(record).Error; err != nil {
    return nil, err
  }
  return record, nil
}

func (r *productRecordRepo) GetByID(ctx context.Context, tx *gorm.DB, id uuid.UUID) (*types.ProductRecord, error) {
  transaction := tx
  if transaction == nil {
    transaction = r.db
  }
  var record types.ProductRecord
  err := transaction.WithContext(ctx).Where("id = ?", id).First(&record).Error
  if errors.Is(err, gorm.ErrRecordNotFound) {
    return nil, nil
  }
  if err != nil {
    return nil, err
  }
  return &record, nil
}

func (r *productRecordRepo) ListByProduct(ctx context.Context, tx *gorm.DB, productID uuid.UUID) ([]*types.ProductRecord, error) {
  transaction := tx
  if transaction == nil {
    transaction = r.db
  }
  var out []*types.ProductRecord
  if err := transaction.WithContext(ctx).Where("product_id = ?", productID).Order("created_at ASC").Find(&out).Error; err != nil {
    return nil, err
  }
  return out, nil
}

func (r *productRecordRepo) HasAction(ctx context.Context, tx *gorm.DB, productID uuid.UUID, action types.RecordAction) (bool, error) {
  transaction := tx
  if transaction == nil {
    transaction = r.db
  }
  var count int64
  if err := transaction.WithContext(ctx).Model(&types.ProductRecord{}).
    Where("product_id = ? AND action = ?", productID, action).
    Count(&count).Error; err != nil {
    return false, err
  }
  return count > 0, nil
}

func (r *productRecordRepo) Finalize(ctx context.Context, tx *gorm.DB, id uuid.UUID, txHash string, blockNumber int64, provisional bool) error {
  transaction := tx
  if transaction == nil {
    transaction = r.db
  }
  if id == uuid.Nil {
    return nil
  }
  return transaction.WithContext(ctx).
    Model(&types.ProductRecord{}).
    Where("id = ?", id).
    Updates(map[string]interface{}{
      "tx_hash":           txHash,
      "block_number":      blockNumber,
      "block_provisional": provisional,
    }).Error
}
