package types

import (
	"time"

	"github.com/google/uuid"
	"gorm.io/datatypes"
)

type ChainJobType string

const (
	JobSubmit         ChainJobType = "submit"
	JobRecord         ChainJobType = "record"
	JobRecordTransfer ChainJobType = "record_transfer"
	JobAmend          ChainJobType = "amend"
	JobInvalidate     ChainJobType = "invalidate"
)

type ChainJobStatus string

const (
	JobQueued    ChainJobStatus = "queued"
	JobRunning   ChainJobStatus = "running"
	JobSucceeded ChainJobStatus = "succeeded"
	JobFailed    ChainJobStatus = "failed"
)

// ChainJob is one reconciliation job: the unit of background work that takes
// a product from pending_chain to on_chain or chain_failed. At most one
// queued/running job may exist per product.
type ChainJob struct {
	ID               uuid.UUID      `gorm:"type:uuid;primaryKey" json:"id"`
	ProductID        uuid.UUID      `gorm:"type:uuid;not null;index;column:product_id" json:"product_id"`
	RecordID         uuid.UUID      `gorm:"type:uuid;not null;column:record_id" json:"record_id"`
	TransferRecordID *uuid.UUID     `gorm:"type:uuid;column:transfer_record_id" json:"transfer_record_id,omitempty"`
	OwnerUserID      uuid.UUID      `gorm:"type:uuid;not null;index;column:owner_user_id" json:"owner_user_id"`
	JobType          ChainJobType   `gorm:"not null;column:job_type;index" json:"job_type"`
	Status           ChainJobStatus `gorm:"not null;column:status;index" json:"status"`
	Attempts         int            `gorm:"not null;column:attempts;default:0" json:"attempts"`
	LastError        string         `gorm:"column:last_error" json:"last_error,omitempty"`
	LastErrorAt      *time.Time     `gorm:"column:last_error_at" json:"last_error_at,omitempty"`
	LockedAt         *time.Time     `gorm:"column:locked_at;index" json:"locked_at,omitempty"`
	HeartbeatAt      *time.Time     `gorm:"column:heartbeat_at;index" json:"heartbeat_at,omitempty"`
	PartialFailure   bool           `gorm:"not null;column:partial_failure;default:false" json:"partial_failure"`
	Payload          datatypes.JSON `gorm:"type:jsonb;column:payload" json:"payload"`
	CreatedAt        time.Time      `gorm:"not null;default:now();index" json:"created_at"`
	UpdatedAt        time.Time      `gorm:"not null;default:now()" json:"updated_at"`
}

func (ChainJob) TableName() string { return "chain_job" }
