package types

import (
	"time"

	"github.com/google/uuid"
	"gorm.io/datatypes"
)

// RecordAction names the ledger call a record mirrors.
type RecordAction string

const (
	ActionCreate       RecordAction = "create"
	ActionHarvest      RecordAction = "harvest"
	ActionReceive      RecordAction = "receive"
	ActionProcess      RecordAction = "process"
	ActionSendInspect  RecordAction = "send_inspect"
	ActionStartInspect RecordAction = "start_inspect"
	ActionInspect      RecordAction = "inspect"
	ActionReject       RecordAction = "reject"
	ActionStockIn      RecordAction = "stock_in"
	ActionSell         RecordAction = "sell"
	ActionTransfer     RecordAction = "transfer"
	ActionAmend        RecordAction = "amend"
	ActionInvalidate   RecordAction = "invalidate"
)

// ProductRecord mirrors one ledger call. Rows are append-only: a record is
// created with pending tx fields and finalized exactly once by its owning
// reconciliation job. Corrections are new rows referencing PreviousRecordID,
// never edits.
type ProductRecord struct {
	ID               uuid.UUID      `gorm:"type:uuid;primaryKey" json:"id"`
	ProductID        uuid.UUID      `gorm:"type:uuid;not null;index;column:product_id" json:"product_id"`
	Stage            ProductStage   `gorm:"not null;column:stage" json:"stage"`
	Action           RecordAction   `gorm:"not null;column:action" json:"action"`
	Payload          datatypes.JSON `gorm:"type:jsonb;column:payload" json:"payload"`
	Remark           string         `gorm:"column:remark" json:"remark"`
	OperatorID       uuid.UUID      `gorm:"type:uuid;not null;column:operator_id" json:"operator_id"`
	OperatorName     string         `gorm:"column:operator_name" json:"operator_name"`
	TxHash           string         `gorm:"column:tx_hash" json:"tx_hash,omitempty"`
	BlockNumber      *int64         `gorm:"column:block_number" json:"block_number,omitempty"`
	BlockProvisional bool           `gorm:"not null;column:block_provisional;default:false" json:"block_provisional"`
	PreviousRecordID *uuid.UUID     `gorm:"type:uuid;column:previous_record_id" json:"previous_record_id,omitempty"`
	AmendReason      string         `gorm:"column:amend_reason" json:"amend_reason,omitempty"`
	CreatedAt        time.Time      `gorm:"not null;default:now();index" json:"created_at"`
}

func (ProductRecord) TableName() string { return "product_record" }
