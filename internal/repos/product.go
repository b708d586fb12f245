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

type ProductRepo interface {
  Create(ctx context.Context, tx *gorm.DB, product *types.Product) (*types.Product, error)
  GetByID(ctx context.Context, tx *gorm.DB, id uuid.UUID) (*types.Product, error)
  GetByIDForUpdate(ctx context.Context, tx *gorm.DB, id uuid.UUID) (*types.Product, error)
  GetByTraceCode(ctx context.Context, tx *gorm.DB, traceCode string) (*types.Product, error)
  ListByCreator(ctx context.Context, tx *gorm.DB, creatorID uuid.UUID, status *types.ProductStatus) ([]*types.Product, error)
  ListByStage(ctx context.Context, tx *gorm.DB, stage types.ProductStage, status *types.ProductStatus) ([]*types.Product, error)
  ListByHolder(ctx context.Context, tx *gorm.DB, holderID uuid.UUID) ([]*types.Product, error)
  UpdateFields(ctx context.Context, tx *gorm.DB, id uuid.UUID, updates map[string]interface{}) error
  Delete(ctx context.Context, tx *gorm.DB, id uuid.UUID) error
}

type productRepo struct {
  db  *gorm.DB
  log *logger.Logger
}

func NewProductRepo(db *gorm.DB, baseLog *logger.Logger) ProductRepo {
  return &productRepo{
    db:  db,
    log: baseLog.With("repo", "ProductRepo"),
  }
}

func (r *productRepo) Create(ctx context.Context, tx *gorm.DB, product *types.Product) (*types.Product, error) {
  transaction := tx
  if transaction == nil {
    transaction = r.db
  }
  if err := transaction.WithContext(ctx).Create(product).Error; err != nil {
    return nil, err
  }
  return product, nil
}

func (r *productRepo) GetByID(ctx context.Context, tx *gorm.DB, id uuid.UUID) (*types.Product, error) {
  transaction := tx
  if transaction == nil {
    transaction = r.db
  }
  var product types.Product
  err := transaction.WithContext(ctx).Where("id = ?", id).First(&product).Error
  if errors.Is(err, gorm.ErrRecordNotFound) {
    return nil, nil
  }
  if err != nil {
    return nil, err
  }
  return &product, nil
}

// GetByIDForUpdate loads the product holding a row lock for the rest of the
// transaction, so two enqueues racing on the same item serialize. SQLite has
// no FOR UPDATE; its single writer already covers the same window.
func (r *productRepo) GetByIDForUpdate(ctx context.Context, tx *gorm.DB, id uuid.UUID) (*types.Product, error) {
  transaction := tx
  if transaction == nil {
    transaction = r.db
  }
  q := transaction.WithContext(ctx)
  if transaction.Dialector.Name() == "postgres" {
    q = q.Clauses(clause.Locking{Strength: "UPDATE"})
  }
  var product types.Product
  err := q.Where("id = ?", id).First(&product).Error
  if errors.Is(err, gorm.ErrRecordNotFound) {
    return nil, nil
  }
  if err != nil {
    return nil, err
  }
  return &product, nil
}

func (r *productRepo) GetByTraceCode(ctx context.Context, tx *gorm.DB, traceCode string) (*types.Product, error) {
  transaction := tx
  if transaction == nil {
    transaction = r.db
  }
  var product types.Product
  err := transaction.WithContext(ctx).Where("trace_code = ?", traceCode).First(&product).Error
  if errors.Is(err, gorm.ErrRecordNotFound) {
    return nil, nil
  }
  if err != nil {
    return nil, err
  }
  return &product, nil
}

func (r *productRepo) ListByCreator(ctx context.Context, tx *gorm.DB, creatorID uuid.UUID, status *types.ProductStatus) ([]*types.Product, error) {
  transaction := tx
  if transaction == nil {
    transaction = r.db
  }
  q := transaction.WithContext(ctx).Where("creator_id = ?", creatorID)
  if status != nil {
    q = q.Where("status = ?", *status)
  }
  var out []*types.Product
  if err := q.Order("created_at DESC").Find(&out).Error; err != nil {
    return nil, err
  }
  return out, nil
}

func (r *productRepo) ListByStage(ctx context.Context, tx *gorm.DB, stage types.ProductStage, status *types.ProductStatus) ([]*types.Product, error) {
  transaction := tx
  if transaction == nil {
    transaction = r.db
  }
  q := transaction.WithContext(ctx).Where("stage = ?", stage)
  if status != nil {
    q = q.Where("status = ?", *status)
  }
  var out []*types.Product
  if err := q.Order("created_at DESC").Find(&out).Error; err != nil {
    return nil, err
  }
  return out, nil
}

func (r *productRepo) ListByHolder(ctx context.Context, tx *gorm.DB, holderID uuid.UUID) ([]*types.Product, error) {
  transaction := tx
  if transaction == nil {
    transaction = r.db
  }
  var out []*types.Product
  if err := transaction.WithContext(ctx).Where("holder_id = ?", holderID).Order("created_at DESC").Find(&out).Error; err != nil {
    return nil, err
  }
  return out, nil
}

func (r *productRepo) UpdateFields(ctx context.Context, tx *gorm.DB, id uuid.UUID, updates map[string]interface{}) error {
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
    Model(&types.Product{}).
    Where("id = ?", id).
    Updates(updates).Error
}

func (r *productRepo) Delete(ctx context.Context, tx *gorm.DB, id uuid.UUID) error {
  transaction := tx
  if transaction == nil {
    transaction = r.db
  }
  return transaction.WithContext(ctx).Where("id = ?", id).Delete(&types.Product{}).Error
}
