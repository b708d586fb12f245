package types

import (
	"time"

	"github.com/google/uuid"
)

// ProductStatus is the lifecycle status of a traced batch. Status writes must
// go through lifecycle.Apply; nothing else is allowed to move a product
// between these values.
type ProductStatus string

const (
	StatusDraft        ProductStatus = "draft"
	StatusPendingChain ProductStatus = "pending_chain"
	StatusOnChain      ProductStatus = "on_chain"
	StatusChainFailed  ProductStatus = "chain_failed"
	StatusInvalidated  ProductStatus = "invalidated"
)

// ProductStage is the position in the fixed custody pipeline. Stages only
// advance forward, except through an explicit reject.
type ProductStage string

const (
	StageGrower    ProductStage = "grower"
	StageProcessor ProductStage = "processor"
	StageInspector ProductStage = "inspector"
	StageSeller    ProductStage = "seller"
	StageSold      ProductStage = "sold"
)

// FailureKind distinguishes "nothing landed on the ledger" from "the first
// call of a two-call sequence already landed". Operators must not re-run the
// first call of a partial failure.
type FailureKind string

const (
	FailureNone    FailureKind = "none"
	FailureTotal   FailureKind = "total"
	FailurePartial FailureKind = "partial"
)

type Product struct {
	ID               uuid.UUID     `gorm:"type:uuid;primaryKey" json:"id"`
	TraceCode        *string       `gorm:"uniqueIndex;column:trace_code" json:"trace_code"`
	Name             string        `gorm:"not null;column:name" json:"name"`
	Category         string        `gorm:"column:category" json:"category"`
	Origin           string        `gorm:"column:origin" json:"origin"`
	BatchNo          string        `gorm:"column:batch_no" json:"batch_no"`
	Quantity         float64       `gorm:"column:quantity" json:"quantity"`
	Unit             string        `gorm:"column:unit" json:"unit"`
	HarvestDate      *time.Time    `gorm:"column:harvest_date" json:"harvest_date,omitempty"`
	Status           ProductStatus `gorm:"not null;column:status;index" json:"status"`
	Stage            ProductStage  `gorm:"not null;column:stage;index" json:"stage"`
	FailureKind      FailureKind   `gorm:"not null;column:failure_kind;default:none" json:"failure_kind"`
	LastFailure      string        `gorm:"column:last_failure" json:"last_failure,omitempty"`
	TxHash           string        `gorm:"column:tx_hash" json:"tx_hash,omitempty"`
	BlockNumber      *int64        `gorm:"column:block_number" json:"block_number,omitempty"`
	BlockProvisional bool          `gorm:"not null;column:block_provisional;default:false" json:"block_provisional"`
	CreatorID        uuid.UUID     `gorm:"type:uuid;not null;index;column:creator_id" json:"creator_id"`
	HolderID         uuid.UUID     `gorm:"type:uuid;not null;index;column:holder_id" json:"holder_id"`
	InvalidatedAt    *time.Time    `gorm:"column:invalidated_at" json:"invalidated_at,omitempty"`
	InvalidatedBy    *uuid.UUID    `gorm:"type:uuid;column:invalidated_by" json:"invalidated_by,omitempty"`
	InvalidatedWhy   string        `gorm:"column:invalidated_why" json:"invalidated_why,omitempty"`
	CreatedAt        time.Time     `gorm:"not null;default:now();index" json:"created_at"`
	UpdatedAt        time.Time     `gorm:"not null;default:now()" json:"updated_at"`
}

func (Product) TableName() string { return "product" }
