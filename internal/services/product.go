package services

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"gorm.io/datatypes"
	"gorm.io/gorm"

	"github.com/harvestmark/agritrace-backend/internal/lifecycle"
	"github.com/harvestmark/agritrace-backend/internal/logger"
	"github.com/harvestmark/agritrace-backend/internal/repos"
	"github.com/harvestmark/agritrace-backend/internal/types"
)

var (
	ErrNotFound    = errors.New("product not found")
	ErrForbidden   = errors.New("operation not allowed for this user")
	ErrBadState    = errors.New("product is not in a state that allows this operation")
	ErrJobInFlight = errors.New("a chain job is already in flight for this product")
)

type DraftInput struct {
	Name        string     `json:"name"`
	Category    string     `json:"category"`
	Origin      string     `json:"origin"`
	BatchNo     string     `json:"batch_no"`
	Quantity    float64    `json:"quantity"`
	Unit        string     `json:"unit"`
	HarvestDate *time.Time `json:"harvest_date"`
}

type RecordInput struct {
	Payload map[string]any `json:"payload"`
	Remark  string         `json:"remark"`
}

type AmendInput struct {
	PreviousRecordID uuid.UUID      `json:"previous_record_id"`
	Payload          map[string]any `json:"payload"`
	Remark           string         `json:"remark"`
	Reason           string         `json:"reason"`
}

// ProductService owns the write side of the provenance pipeline. Every
// mutating operation appends a record, enqueues a reconciliation job and
// moves the product through the lifecycle gate; nothing here talks to the
// ledger directly.
type ProductService interface {
	CreateDraft(ctx context.Context, user *types.User, in DraftInput) (*types.Product, error)
	UpdateDraft(ctx context.Context, user *types.User, id uuid.UUID, in DraftInput) (*types.Product, error)
	DeleteDraft(ctx context.Context, user *types.User, id uuid.UUID) error

	Submit(ctx context.Context, user *types.User, id uuid.UUID) (*types.ChainJob, error)
	Resubmit(ctx context.Context, user *types.User, id uuid.UUID) (*types.ChainJob, error)
	Amend(ctx context.Context, user *types.User, id uuid.UUID, in AmendInput) (*types.ChainJob, error)
	Invalidate(ctx context.Context, user *types.User, id uuid.UUID, reason string) (*types.ChainJob, error)

	Harvest(ctx context.Context, user *types.User, id uuid.UUID, in RecordInput) (*types.ChainJob, error)
	Receive(ctx context.Context, user *types.User, id uuid.UUID, in RecordInput) (*types.ChainJob, error)
	Process(ctx context.Context, user *types.User, id uuid.UUID, in RecordInput) (*types.ChainJob, error)
	SendInspect(ctx context.Context, user *types.User, id uuid.UUID, inspectorID *uuid.UUID, in RecordInput) (*types.ChainJob, error)
	StartInspect(ctx context.Context, user *types.User, id uuid.UUID, in RecordInput) (*types.ChainJob, error)
	Approve(ctx context.Context, user *types.User, id uuid.UUID, sellerID *uuid.UUID, in RecordInput) (*types.ChainJob, error)
	Reject(ctx context.Context, user *types.User, id uuid.UUID, in RecordInput) (*types.ChainJob, error)
	StockIn(ctx context.Context, user *types.User, id uuid.UUID, in RecordInput) (*types.ChainJob, error)
	Sell(ctx context.Context, user *types.User, id uuid.UUID, buyer string, in RecordInput) (*types.ChainJob, error)

	Get(ctx context.Context, id uuid.UUID) (*types.Product, []*types.ProductRecord, error)
	GetByTraceCode(ctx context.Context, traceCode string) (*types.Product, []*types.ProductRecord, error)
	ListMine(ctx context.Context, user *types.User, status *types.ProductStatus) ([]*types.Product, error)
	ListHeld(ctx context.Context, user *types.User) ([]*types.Product, error)
	ListByStage(ctx context.Context, stage types.ProductStage) ([]*types.Product, error)
}

type productService struct {
	db       *gorm.DB
	log      *logger.Logger
	products repos.ProductRepo
	records  repos.ProductRecordRepo
	jobs     repos.ChainJobRepo
	users    repos.UserRepo
	notify   JobNotifier
}

func NewProductService(db *gorm.DB, baseLog *logger.Logger, productRepo repos.ProductRepo, recordRepo repos.ProductRecordRepo, jobRepo repos.ChainJobRepo, userRepo repos.UserRepo, notify JobNotifier) ProductService {
	return &productService{
		db:       db,
		log:      baseLog.With("service", "ProductService"),
		products: productRepo,
		records:  recordRepo,
		jobs:     jobRepo,
		users:    userRepo,
		notify:   notify,
	}
}

// --- drafts ---

func (ps *productService) CreateDraft(ctx context.Context, user *types.User, in DraftInput) (*types.Product, error) {
	if user.Role != types.RoleGrower {
		return nil, fmt.Errorf("%w: only growers create products", ErrForbidden)
	}
	if strings.TrimSpace(in.Name) == "" {
		return nil, fmt.Errorf("product name is required")
	}
	product := &types.Product{
		ID:          uuid.New(),
		Name:        strings.TrimSpace(in.Name),
		Category:    in.Category,
		Origin:      in.Origin,
		BatchNo:     in.BatchNo,
		Quantity:    in.Quantity,
		Unit:        in.Unit,
		HarvestDate: in.HarvestDate,
		Status:      types.StatusDraft,
		Stage:       types.StageGrower,
		FailureKind: types.FailureNone,
		CreatorID:   user.ID,
		HolderID:    user.ID,
	}
	return ps.products.Create(ctx, nil, product)
}

func (ps *productService) UpdateDraft(ctx context.Context, user *types.User, id uuid.UUID, in DraftInput) (*types.Product, error) {
	product, err := ps.loadOwned(ctx, user, id)
	if err != nil {
		return nil, err
	}
	if product.Status != types.StatusDraft {
		return nil, fmt.Errorf("%w: only drafts can be edited", ErrBadState)
	}
	updates := map[string]interface{}{
		"name":     strings.TrimSpace(in.Name),
		"category": in.Category,
		"origin":   in.Origin,
		"batch_no": in.BatchNo,
		"quantity": in.Quantity,
		"unit":     in.Unit,
	}
	if in.HarvestDate != nil {
		updates["harvest_date"] = in.HarvestDate
	}
	if err := ps.products.UpdateFields(ctx, nil, id, updates); err != nil {
		return nil, err
	}
	return ps.products.GetByID(ctx, nil, id)
}

func (ps *productService) DeleteDraft(ctx context.Context, user *types.User, id uuid.UUID) error {
	product, err := ps.loadOwned(ctx, user, id)
	if err != nil {
		return err
	}
	if !lifecycle.CanDelete(product.Status) {
		return fmt.Errorf("%w: only drafts can be deleted", ErrBadState)
	}
	return ps.products.Delete(ctx, nil, id)
}

// --- chain-bound operations ---

// Submit pushes a draft to the ledger. The trace code is minted here, once,
// and never changes afterwards.
func (ps *productService) Submit(ctx context.Context, user *types.User, id uuid.UUID) (*types.ChainJob, error) {
	product, err := ps.loadOwned(ctx, user, id)
	if err != nil {
		return nil, err
	}
	traceCode := ""
	if product.TraceCode != nil {
		traceCode = *product.TraceCode
	} else {
		traceCode = generateTraceCode()
	}
	record := ps.newRecord(product, user, types.StageGrower, types.ActionCreate, RecordInput{
		Payload: map[string]any{"trace_code": traceCode},
	})
	return ps.enqueue(ctx, product, user, lifecycle.TriggerSubmit, types.JobSubmit, record, nil, map[string]any{
		"trace_code": traceCode,
	}, nil)
}

// Resubmit requeues the latest failed job after an operator decided the
// failure is retryable. The job row is reused so the attempt count keeps
// counting; a partial failure keeps its flag and its handler skips the leg
// that already landed.
func (ps *productService) Resubmit(ctx context.Context, user *types.User, id uuid.UUID) (*types.ChainJob, error) {
	if _, err := ps.loadVisible(ctx, user, id); err != nil {
		return nil, err
	}
	var job *types.ChainJob
	txErr := ps.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		locked, err := ps.products.GetByIDForUpdate(ctx, tx, id)
		if err != nil {
			return err
		}
		if locked == nil {
			return ErrNotFound
		}
		active, err := ps.jobs.HasActive(ctx, tx, id)
		if err != nil {
			return err
		}
		if active {
			return ErrJobInFlight
		}
		next, err := lifecycle.Apply(locked.Status, lifecycle.TriggerResubmit)
		if err != nil {
			return fmt.Errorf("%w: %v", ErrBadState, err)
		}
		job, err = ps.jobs.GetLatestByProduct(ctx, tx, id)
		if err != nil {
			return err
		}
		if job == nil || job.Status != types.JobFailed {
			return fmt.Errorf("%w: no failed job to resubmit", ErrBadState)
		}
		if err := ps.jobs.Requeue(ctx, tx, job.ID); err != nil {
			return err
		}
		return ps.products.UpdateFields(ctx, tx, id, map[string]interface{}{
			"status": next,
		})
	})
	if txErr != nil {
		return nil, txErr
	}
	job.Status = types.JobQueued
	if ps.notify != nil {
		ps.notify.JobQueued(user.ID, job)
	}
	return job, nil
}

// Amend appends a correction record pointing at the record it supersedes.
// The original row is never touched.
func (ps *productService) Amend(ctx context.Context, user *types.User, id uuid.UUID, in AmendInput) (*types.ChainJob, error) {
	product, err := ps.loadVisible(ctx, user, id)
	if err != nil {
		return nil, err
	}
	if strings.TrimSpace(in.Reason) == "" {
		return nil, fmt.Errorf("amend reason is required")
	}
	previous, err := ps.records.GetByID(ctx, nil, in.PreviousRecordID)
	if err != nil {
		return nil, err
	}
	if previous == nil || previous.ProductID != id {
		return nil, fmt.Errorf("%w: previous record does not belong to this product", ErrBadState)
	}
	record := ps.newRecord(product, user, product.Stage, types.ActionAmend, RecordInput{Payload: in.Payload, Remark: in.Remark})
	record.PreviousRecordID = &in.PreviousRecordID
	record.AmendReason = strings.TrimSpace(in.Reason)
	return ps.enqueue(ctx, product, user, lifecycle.TriggerAmend, types.JobAmend, record, nil, nil, nil)
}

// Invalidate voids the batch. The product stays on_chain until the job
// confirms; only the reason and the requesting user are stamped now.
func (ps *productService) Invalidate(ctx context.Context, user *types.User, id uuid.UUID, reason string) (*types.ChainJob, error) {
	product, err := ps.loadVisible(ctx, user, id)
	if err != nil {
		return nil, err
	}
	if strings.TrimSpace(reason) == "" {
		return nil, fmt.Errorf("invalidation reason is required")
	}
	record := ps.newRecord(product, user, product.Stage, types.ActionInvalidate, RecordInput{
		Payload: map[string]any{"reason": reason},
	})
	var job *types.ChainJob
	txErr := ps.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		locked, err := ps.products.GetByIDForUpdate(ctx, tx, id)
		if err != nil {
			return err
		}
		if locked == nil {
			return ErrNotFound
		}
		if locked.Status != types.StatusOnChain {
			return fmt.Errorf("%w: only on-chain products can be invalidated", ErrBadState)
		}
		active, err := ps.jobs.HasActive(ctx, tx, id)
		if err != nil {
			return err
		}
		if active {
			return ErrJobInFlight
		}
		if _, err := ps.records.Create(ctx, tx, record); err != nil {
			return err
		}
		if err := ps.products.UpdateFields(ctx, tx, id, map[string]interface{}{
			"invalidated_by":  user.ID,
			"invalidated_why": strings.TrimSpace(reason),
		}); err != nil {
			return err
		}
		created, err := ps.jobs.Create(ctx, tx, ps.newJob(product, user, types.JobInvalidate, record, nil, map[string]any{
			"reason": reason,
		}))
		if err != nil {
			return err
		}
		job = created
		return nil
	})
	if txErr != nil {
		return nil, txErr
	}
	if ps.notify != nil {
		ps.notify.JobQueued(user.ID, job)
	}
	return job, nil
}

// --- role operations ---

func (ps *productService) Harvest(ctx context.Context, user *types.User, id uuid.UUID, in RecordInput) (*types.ChainJob, error) {
	product, err := ps.loadHeld(ctx, user, id, types.RoleGrower, types.StageGrower)
	if err != nil {
		return nil, err
	}
	record := ps.newRecord(product, user, types.StageGrower, types.ActionHarvest, in)
	return ps.enqueue(ctx, product, user, lifecycle.TriggerRecord, types.JobRecord, record, nil, nil, nil)
}

// Receive is the processor claiming custody from the grower. The caller does
// not hold the product yet, so this is the one transfer that skips the
// holder check.
func (ps *productService) Receive(ctx context.Context, user *types.User, id uuid.UUID, in RecordInput) (*types.ChainJob, error) {
	if user.Role != types.RoleProcessor {
		return nil, fmt.Errorf("%w: receive is a processor operation", ErrForbidden)
	}
	product, err := ps.products.GetByID(ctx, nil, id)
	if err != nil {
		return nil, err
	}
	if product == nil {
		return nil, ErrNotFound
	}
	if product.Stage != types.StageGrower {
		return nil, fmt.Errorf("%w: product is not at the grower stage", ErrBadState)
	}
	return ps.transfer(ctx, product, user, types.ActionReceive, types.StageProcessor, user, false, in)
}

func (ps *productService) Process(ctx context.Context, user *types.User, id uuid.UUID, in RecordInput) (*types.ChainJob, error) {
	product, err := ps.loadHeld(ctx, user, id, types.RoleProcessor, types.StageProcessor)
	if err != nil {
		return nil, err
	}
	record := ps.newRecord(product, user, types.StageProcessor, types.ActionProcess, in)
	return ps.enqueue(ctx, product, user, lifecycle.TriggerRecord, types.JobRecord, record, nil, nil, nil)
}

func (ps *productService) SendInspect(ctx context.Context, user *types.User, id uuid.UUID, inspectorID *uuid.UUID, in RecordInput) (*types.ChainJob, error) {
	product, err := ps.loadHeld(ctx, user, id, types.RoleProcessor, types.StageProcessor)
	if err != nil {
		return nil, err
	}
	inspector, err := ps.resolveTarget(ctx, inspectorID, types.RoleInspector)
	if err != nil {
		return nil, err
	}
	return ps.transfer(ctx, product, user, types.ActionSendInspect, types.StageInspector, inspector, false, in)
}

func (ps *productService) StartInspect(ctx context.Context, user *types.User, id uuid.UUID, in RecordInput) (*types.ChainJob, error) {
	product, err := ps.loadHeld(ctx, user, id, types.RoleInspector, types.StageInspector)
	if err != nil {
		return nil, err
	}
	record := ps.newRecord(product, user, types.StageInspector, types.ActionStartInspect, in)
	return ps.enqueue(ctx, product, user, lifecycle.TriggerRecord, types.JobRecord, record, nil, nil, nil)
}

func (ps *productService) Approve(ctx context.Context, user *types.User, id uuid.UUID, sellerID *uuid.UUID, in RecordInput) (*types.ChainJob, error) {
	product, err := ps.loadHeld(ctx, user, id, types.RoleInspector, types.StageInspector)
	if err != nil {
		return nil, err
	}
	seller, err := ps.resolveTarget(ctx, sellerID, types.RoleSeller)
	if err != nil {
		return nil, err
	}
	return ps.transfer(ctx, product, user, types.ActionInspect, types.StageSeller, seller, false, in)
}

// Reject sends the batch back to the processor. This is the only sanctioned
// backward stage move.
func (ps *productService) Reject(ctx context.Context, user *types.User, id uuid.UUID, in RecordInput) (*types.ChainJob, error) {
	product, err := ps.loadHeld(ctx, user, id, types.RoleInspector, types.StageInspector)
	if err != nil {
		return nil, err
	}
	processor, err := ps.resolveTarget(ctx, nil, types.RoleProcessor)
	if err != nil {
		return nil, err
	}
	return ps.transfer(ctx, product, user, types.ActionReject, types.StageProcessor, processor, true, in)
}

func (ps *productService) StockIn(ctx context.Context, user *types.User, id uuid.UUID, in RecordInput) (*types.ChainJob, error) {
	product, err := ps.loadHeld(ctx, user, id, types.RoleSeller, types.StageSeller)
	if err != nil {
		return nil, err
	}
	record := ps.newRecord(product, user, types.StageSeller, types.ActionStockIn, in)
	return ps.enqueue(ctx, product, user, lifecycle.TriggerRecord, types.JobRecord, record, nil, nil, nil)
}

// Sell closes the pipeline. Custody stays with the seller; the stage moves
// to sold and the buyer name goes to the ledger.
func (ps *productService) Sell(ctx context.Context, user *types.User, id uuid.UUID, buyer string, in RecordInput) (*types.ChainJob, error) {
	product, err := ps.loadHeld(ctx, user, id, types.RoleSeller, types.StageSeller)
	if err != nil {
		return nil, err
	}
	buyer = strings.TrimSpace(buyer)
	if buyer == "" {
		buyer = "retail customer"
	}
	record := ps.newRecord(product, user, types.StageSeller, types.ActionSell, in)
	transferRec := ps.newRecord(product, user, types.StageSold, types.ActionTransfer, RecordInput{
		Payload: map[string]any{"buyer": buyer},
	})
	updates := map[string]interface{}{"stage": types.StageSold}
	return ps.enqueue(ctx, product, user, lifecycle.TriggerRecord, types.JobRecordTransfer, record, transferRec, map[string]any{
		"new_holder": buyer,
	}, updates)
}

// --- reads ---

func (ps *productService) Get(ctx context.Context, id uuid.UUID) (*types.Product, []*types.ProductRecord, error) {
	product, err := ps.products.GetByID(ctx, nil, id)
	if err != nil {
		return nil, nil, err
	}
	if product == nil {
		return nil, nil, ErrNotFound
	}
	recs, err := ps.records.ListByProduct(ctx, nil, id)
	if err != nil {
		return nil, nil, err
	}
	return product, recs, nil
}

func (ps *productService) GetByTraceCode(ctx context.Context, traceCode string) (*types.Product, []*types.ProductRecord, error) {
	product, err := ps.products.GetByTraceCode(ctx, nil, strings.TrimSpace(traceCode))
	if err != nil {
		return nil, nil, err
	}
	if product == nil {
		return nil, nil, ErrNotFound
	}
	recs, err := ps.records.ListByProduct(ctx, nil, product.ID)
	if err != nil {
		return nil, nil, err
	}
	return product, recs, nil
}

func (ps *productService) ListMine(ctx context.Context, user *types.User, status *types.ProductStatus) ([]*types.Product, error) {
	return ps.products.ListByCreator(ctx, nil, user.ID, status)
}

func (ps *productService) ListHeld(ctx context.Context, user *types.User) ([]*types.Product, error) {
	return ps.products.ListByHolder(ctx, nil, user.ID)
}

func (ps *productService) ListByStage(ctx context.Context, stage types.ProductStage) ([]*types.Product, error) {
	onChain := types.StatusOnChain
	return ps.products.ListByStage(ctx, nil, stage, &onChain)
}

// --- shared plumbing ---

func (ps *productService) loadOwned(ctx context.Context, user *types.User, id uuid.UUID) (*types.Product, error) {
	product, err := ps.products.GetByID(ctx, nil, id)
	if err != nil {
		return nil, err
	}
	if product == nil {
		return nil, ErrNotFound
	}
	if product.CreatorID != user.ID {
		return nil, ErrForbidden
	}
	return product, nil
}

func (ps *productService) loadVisible(ctx context.Context, user *types.User, id uuid.UUID) (*types.Product, error) {
	product, err := ps.products.GetByID(ctx, nil, id)
	if err != nil {
		return nil, err
	}
	if product == nil {
		return nil, ErrNotFound
	}
	if product.CreatorID != user.ID && product.HolderID != user.ID {
		return nil, ErrForbidden
	}
	return product, nil
}

func (ps *productService) loadHeld(ctx context.Context, user *types.User, id uuid.UUID, role types.UserRole, stage types.ProductStage) (*types.Product, error) {
	if user.Role != role {
		return nil, fmt.Errorf("%w: requires role %s", ErrForbidden, role)
	}
	product, err := ps.products.GetByID(ctx, nil, id)
	if err != nil {
		return nil, err
	}
	if product == nil {
		return nil, ErrNotFound
	}
	if product.HolderID != user.ID {
		return nil, fmt.Errorf("%w: user does not hold this product", ErrForbidden)
	}
	if product.Stage != stage {
		return nil, fmt.Errorf("%w: product is at stage %s", ErrBadState, product.Stage)
	}
	return product, nil
}

func (ps *productService) resolveTarget(ctx context.Context, targetID *uuid.UUID, role types.UserRole) (*types.User, error) {
	if targetID != nil {
		user, err := ps.users.GetByID(ctx, nil, *targetID)
		if err != nil {
			return nil, err
		}
		if user == nil || user.Role != role {
			return nil, fmt.Errorf("%w: target user is not a %s", ErrBadState, role)
		}
		return user, nil
	}
	user, err := ps.users.FirstByRole(ctx, nil, role)
	if err != nil {
		return nil, err
	}
	if user == nil {
		return nil, fmt.Errorf("no %s registered to hand the product to", role)
	}
	return user, nil
}

// transfer builds the two-record custody handoff: the action record at the
// current stage, the transfer record at the target stage, and the product's
// holder/stage flip, all behind one record_transfer job.
func (ps *productService) transfer(ctx context.Context, product *types.Product, user *types.User, action types.RecordAction, toStage types.ProductStage, newHolder *types.User, rejecting bool, in RecordInput) (*types.ChainJob, error) {
	if err := lifecycle.CheckStageAdvance(product.Stage, toStage, rejecting); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrBadState, err)
	}
	record := ps.newRecord(product, user, product.Stage, action, in)
	transferRec := ps.newRecord(product, user, toStage, types.ActionTransfer, RecordInput{
		Payload: map[string]any{"to": newHolder.RealNameOrUsername()},
	})
	updates := map[string]interface{}{
		"stage":     toStage,
		"holder_id": newHolder.ID,
	}
	return ps.enqueue(ctx, product, user, lifecycle.TriggerRecord, types.JobRecordTransfer, record, transferRec, map[string]any{
		"new_holder": newHolder.RealNameOrUsername(),
	}, updates)
}

func (ps *productService) newRecord(product *types.Product, user *types.User, stage types.ProductStage, action types.RecordAction, in RecordInput) *types.ProductRecord {
	var payload datatypes.JSON
	if len(in.Payload) > 0 {
		b, _ := json.Marshal(in.Payload)
		payload = datatypes.JSON(b)
	}
	return &types.ProductRecord{
		ID:           uuid.New(),
		ProductID:    product.ID,
		Stage:        stage,
		Action:       action,
		Payload:      payload,
		Remark:       in.Remark,
		OperatorID:   user.ID,
		OperatorName: user.RealNameOrUsername(),
	}
}

func (ps *productService) newJob(product *types.Product, user *types.User, jobType types.ChainJobType, record, transferRec *types.ProductRecord, payload map[string]any) *types.ChainJob {
	job := &types.ChainJob{
		ID:          uuid.New(),
		ProductID:   product.ID,
		RecordID:    record.ID,
		OwnerUserID: user.ID,
		JobType:     jobType,
		Status:      types.JobQueued,
	}
	if transferRec != nil {
		job.TransferRecordID = &transferRec.ID
	}
	if len(payload) > 0 {
		b, _ := json.Marshal(payload)
		job.Payload = datatypes.JSON(b)
	}
	return job
}

// enqueue is the single path from "user did something" to "job is queued":
// duplicate-job check, lifecycle transition, record rows, product updates and
// the job row, all in one transaction. The admission checks run on the row
// as locked inside the transaction, not the caller's snapshot, so two racing
// enqueues for the same item cannot both pass.
func (ps *productService) enqueue(ctx context.Context, product *types.Product, user *types.User, trigger lifecycle.Trigger, jobType types.ChainJobType, record, transferRec *types.ProductRecord, jobPayload map[string]any, extraUpdates map[string]interface{}) (*types.ChainJob, error) {
	var job *types.ChainJob
	txErr := ps.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		locked, err := ps.products.GetByIDForUpdate(ctx, tx, product.ID)
		if err != nil {
			return err
		}
		if locked == nil {
			return ErrNotFound
		}
		active, err := ps.jobs.HasActive(ctx, tx, product.ID)
		if err != nil {
			return err
		}
		if active {
			return ErrJobInFlight
		}
		next, err := lifecycle.Apply(locked.Status, trigger)
		if err != nil {
			return fmt.Errorf("%w: %v", ErrBadState, err)
		}
		updates := map[string]interface{}{"status": next}
		for k, v := range extraUpdates {
			updates[k] = v
		}
		if trigger == lifecycle.TriggerSubmit {
			if tc, ok := jobPayload["trace_code"].(string); ok && locked.TraceCode == nil {
				updates["trace_code"] = tc
			}
		}
		if _, err := ps.records.Create(ctx, tx, record); err != nil {
			return err
		}
		if transferRec != nil {
			if _, err := ps.records.Create(ctx, tx, transferRec); err != nil {
				return err
			}
		}
		if err := ps.products.UpdateFields(ctx, tx, product.ID, updates); err != nil {
			return err
		}
		jp := make(map[string]any, len(jobPayload))
		for k, v := range jobPayload {
			jp[k] = v
		}
		created, err := ps.jobs.Create(ctx, tx, ps.newJob(product, user, jobType, record, transferRec, jp))
		if err != nil {
			return err
		}
		job = created
		return nil
	})
	if txErr != nil {
		return nil, txErr
	}
	if ps.notify != nil {
		ps.notify.JobQueued(user.ID, job)
	}
	return job, nil
}

// generateTraceCode mints the public identifier printed on packaging:
// TRACE-<date>-<8 hex>. Collisions are guarded by the unique index on
// product.trace_code.
func generateTraceCode() string {
	var b [4]byte
	_, _ = rand.Read(b[:])
	return fmt.Sprintf("TRACE-%s-%s", time.Now().UTC().Format("20060102"), strings.ToUpper(hex.EncodeToString(b[:])))
}
