package types

import (
  "time"
  "github.com/google/uuid"
)

type UserRole string

const (
  RoleGrower    UserRole = "grower"
  RoleProcessor UserRole = "processor"
  RoleInspector UserRole = "inspector"
  RoleSeller    UserRole = "seller"
)

type User struct {
  ID           uuid.UUID `gorm:"type:uuid;default:uuid_generate_v4();primaryKey" json:"id"`
  Username     string    `gorm:"uniqueIndex;not null;column:username" json:"username"`
  Password     string    `gorm:"not null;column:password" json:"-"`
  RealName     string    `gorm:"column:real_name" json:"real_name"`
  Role         UserRole  `gorm:"not null;column:role;index" json:"role"`
  ChainAddress string    `gorm:"column:chain_address" json:"chain_address"`
  CreatedAt    time.Time `gorm:"not null;default:now()" json:"created_at"`
  UpdatedAt    time.Time `gorm:"not null;default:now()" json:"updated_at"`
}

func (User) TableName() string {
  return "app_user"
}

// RealNameOrUsername is the display name stamped onto ledger records.
func (u *User) RealNameOrUsername() string {
  if u.RealName != "" {
    return u.RealName
  }
  return u.Username
}
