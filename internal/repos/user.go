package repos

import (
  "context"
  "errors"
  "github.com/google/uuid"
  "gorm.io/gorm"
  "github.com/harvestmark/agritrace-backend/internal/logger"
  "github.com/harvestmark/agritrace-backend/internal/types"
)

type UserRepo interface {
  Create(ctx context.Context, tx *gorm.DB, user *types.User) (*types.User, error)
  GetByID(ctx context.Context, tx *gorm.DB, id uuid.UUID) (*types.User, error)
  GetByUsername(ctx context.Context, tx *gorm.DB, username string) (*types.User, error)
  UsernameExists(ctx context.Context, tx *gorm.DB, username string) (bool, error)
  FirstByRole(ctx context.Context, tx *gorm.DB, role types.UserRole) (*types.User, error)
  FindByName(ctx context.Context, tx *gorm.DB, name string) (*types.User, error)
}

type userRepo struct {
  db  *gorm.DB
  log *logger.Logger
}

func NewUserRepo(db *gorm.DB, baseLog *logger.Logger) UserRepo {
  return &userRepo{
    db:  db,
    log: baseLog.With("repo", "UserRepo"),
  }
}

func (r *userRepo) Create(ctx context.Context, tx *gorm.DB, user *types.User) (*types.User, error) {
  transaction := tx
  if transaction == nil {
    transaction = r.db
  }
  if err := transaction.WithContext(ctx).Create(user).Error; err != nil {
    return nil, err
  }
  return user, nil
}

func (r *userRepo) GetByID(ctx context.Context, tx *gorm.DB, id uuid.UUID) (*types.User, error) {
  transaction := tx
  if transaction == nil {
    transaction = r.db
  }
  var user types.User
  err := transaction.WithContext(ctx).Where("id = ?", id).First(&user).Error
  if errors.Is(err, gorm.ErrRecordNotFound) {
    return nil, nil
  }
  if err != nil {
    return nil, err
  }
  return &user, nil
}

func (r *userRepo) GetByUsername(ctx context.Context, tx *gorm.DB, username string) (*types.User, error) {
  transaction := tx
  if transaction == nil {
    transaction = r.db
  }
  var user types.User
  err := transaction.WithContext(ctx).Where("username = ?", username).First(&user).Error
  if errors.Is(err, gorm.ErrRecordNotFound) {
    return nil, nil
  }
  if err != nil {
    return nil, err
  }
  return &user, nil
}

func (r *userRepo) UsernameExists(ctx context.Context, tx *gorm.DB, username string) (bool, error) {
  transaction := tx
  if transaction == nil {
    transaction = r.db
  }
  var count int64
  if err := transaction.WithContext(ctx).Model(&types.User{}).Where("username = ?", username).Count(&count).Error; err != nil {
    return false, err
  }
  return count > 0, nil
}

func (r *userRepo) FirstByRole(ctx context.Context, tx *gorm.DB, role types.UserRole) (*types.User, error) {
  transaction := tx
  if transaction == nil {
    transaction = r.db
  }
  var user types.User
  err := transaction.WithContext(ctx).Where("role = ?", role).Order("created_at ASC").First(&user).Error
  if errors.Is(err, gorm.ErrRecordNotFound) {
    return nil, nil
  }
  if err != nil {
    return nil, err
  }
  return &user, nil
}

func (r *userRepo) FindByName(ctx context.Context, tx *gorm.DB, name string) (*types.User, error) {
  transaction := tx
  if transaction == nil {
    transaction = r.db
  }
  var user types.User
  err := transaction.WithContext(ctx).Where("real_name = ? OR username = ?", name, name).First(&user).Error
  if errors.Is(err, gorm.ErrRecordNotFound) {
    return nil, nil
  }
  if err != nil {
    return nil, err
  }
  return &user, nil
}
