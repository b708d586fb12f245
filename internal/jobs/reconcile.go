package jobs

import (
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/harvestmark/agritrace-backend/internal/chain"
	"github.com/harvestmark/agritrace-backend/internal/lifecycle"
	"github.com/harvestmark/agritrace-backend/internal/lineage"
	"github.com/harvestmark/agritrace-backend/internal/logger"
	"github.com/harvestmark/agritrace-backend/internal/types"
)

// Reconciler owns the write-side pipeline every job type runs through:
// credential check, ledger call via the write transport, confirmation
// polling, then the one-time finalize of the mirrored record and the
// lifecycle transition of the product. Failures land the product in
// chain_failed with enough detail that an operator can decide between
// resubmit and amend.
type Reconciler struct {
	log       *logger.Logger
	cfg       *chain.Config
	transport chain.WriteTransport
	poller    *chain.Poller
	keystore  *chain.Keystore
	graph     *lineage.Client
}

func NewReconciler(baseLog *logger.Logger, cfg *chain.Config, transport chain.WriteTransport, poller *chain.Poller, keystore *chain.Keystore, graph *lineage.Client) *Reconciler {
	return &Reconciler{
		log:       baseLog.With("component", "Reconciler"),
		cfg:       cfg,
		transport: transport,
		poller:    poller,
		keystore:  keystore,
		graph:     graph,
	}
}

// RegisterAll installs one handler per job type.
func (r *Reconciler) RegisterAll(reg *Registry) error {
	handlers := []Handler{
		&submitHandler{r},
		&recordHandler{r},
		&recordTransferHandler{r},
		&amendHandler{r},
		&invalidateHandler{r},
	}
	for _, h := range handlers {
		if err := reg.Register(h); err != nil {
			return err
		}
	}
	return nil
}

type submitHandler struct{ r *Reconciler }

func (h *submitHandler) Type() types.ChainJobType { return types.JobSubmit }

func (h *submitHandler) Run(jc *Context) {
	r := h.r
	product, record, ok := r.load(jc)
	if !ok {
		return
	}
	if !r.ensureCredentials(jc, product) {
		return
	}
	res, err := r.transport.Submit(jc.Ctx, "createProduct",
		chain.Str(derefTraceCode(product)),
		chain.Str(product.Name),
		chain.Str(product.Category),
		chain.Str(product.Origin),
		chain.Str(fmt.Sprintf("%g", product.Quantity)),
		chain.Str(product.Unit),
		chain.Str(recordData(record)),
		chain.Str(record.OperatorName),
	)
	if err != nil {
		r.failTotal(jc, product, "submit", err)
		return
	}
	jc.Heartbeat()
	block, provisional, err := r.poller.AwaitConfirmation(jc.Ctx, res.TxHash, r.cfg.ConfirmTimeout())
	if err != nil {
		r.failTotal(jc, product, "confirm", err)
		return
	}
	if err := r.finalize(jc, record.ID, res.TxHash, block, provisional); err != nil {
		r.failTotal(jc, product, "finalize", err)
		return
	}
	r.succeed(jc, product, res.TxHash, block, provisional)
}

type recordHandler struct{ r *Reconciler }

func (h *recordHandler) Type() types.ChainJobType { return types.JobRecord }

func (h *recordHandler) Run(jc *Context) {
	r := h.r
	product, record, ok := r.load(jc)
	if !ok {
		return
	}
	if !r.ensureCredentials(jc, product) {
		return
	}
	res, err := r.submitRecord(jc, product, record)
	if err != nil {
		r.failTotal(jc, product, "submit", err)
		return
	}
	jc.Heartbeat()
	block, provisional, err := r.poller.AwaitConfirmation(jc.Ctx, res.TxHash, r.cfg.ConfirmTimeout())
	if err != nil {
		r.failTotal(jc, product, "confirm", err)
		return
	}
	if err := r.finalize(jc, record.ID, res.TxHash, block, provisional); err != nil {
		r.failTotal(jc, product, "finalize", err)
		return
	}
	r.succeed(jc, product, res.TxHash, block, provisional)
}

// recordTransferHandler runs the two-call sequence behind a custody handoff:
// first the action record, then the transfer. When the first call landed and
// the second did not, the failure is partial and a resubmit must skip the
// first call. Detection is the record's tx_hash: a finalized record is never
// re-sent.
type recordTransferHandler struct{ r *Reconciler }

func (h *recordTransferHandler) Type() types.ChainJobType { return types.JobRecordTransfer }

func (h *recordTransferHandler) Run(jc *Context) {
	r := h.r
	product, record, ok := r.load(jc)
	if !ok {
		return
	}
	if jc.Job.TransferRecordID == nil {
		r.failTotal(jc, product, "load", fmt.Errorf("record_transfer job %s has no transfer record", jc.Job.ID))
		return
	}
	transfer, err := jc.Records.GetByID(jc.Ctx, nil, *jc.Job.TransferRecordID)
	if err != nil || transfer == nil {
		r.failTotal(jc, product, "load", fmt.Errorf("load transfer record: %w", err))
		return
	}
	if !r.ensureCredentials(jc, product) {
		return
	}

	firstDone := record.TxHash != ""
	firstTx := record.TxHash
	if !firstDone {
		res, err := r.submitRecord(jc, product, record)
		if err != nil {
			r.failTotal(jc, product, "submit", err)
			return
		}
		jc.Heartbeat()
		block, provisional, err := r.poller.AwaitConfirmation(jc.Ctx, res.TxHash, r.cfg.ConfirmTimeout())
		if err != nil {
			r.failTotal(jc, product, "confirm", err)
			return
		}
		if err := r.finalize(jc, record.ID, res.TxHash, block, provisional); err != nil {
			r.failTotal(jc, product, "finalize", err)
			return
		}
		firstTx = res.TxHash
	}

	res, err := r.transport.Submit(jc.Ctx, "transferProduct",
		chain.Str(derefTraceCode(product)),
		chain.Str(jc.PayloadString("new_holder")),
		chain.Num(lifecycle.StageIndex(transfer.Stage)),
		chain.Str(recordData(transfer)),
		chain.Str(transfer.Remark),
		chain.Str(transfer.OperatorName),
	)
	if err != nil {
		r.failPartial(jc, product, "transfer", firstTx, err)
		return
	}
	jc.Heartbeat()
	block, provisional, err := r.poller.AwaitConfirmation(jc.Ctx, res.TxHash, r.cfg.ConfirmTimeout())
	if err != nil {
		r.failPartial(jc, product, "transfer_confirm", firstTx, err)
		return
	}
	if err := r.finalize(jc, transfer.ID, res.TxHash, block, provisional); err != nil {
		r.failPartial(jc, product, "transfer_finalize", firstTx, err)
		return
	}
	r.succeed(jc, product, res.TxHash, block, provisional)
}

type amendHandler struct{ r *Reconciler }

func (h *amendHandler) Type() types.ChainJobType { return types.JobAmend }

func (h *amendHandler) Run(jc *Context) {
	r := h.r
	product, record, ok := r.load(jc)
	if !ok {
		return
	}
	if !r.ensureCredentials(jc, product) {
		return
	}
	previous := ""
	if record.PreviousRecordID != nil {
		previous = record.PreviousRecordID.String()
	}
	res, err := r.transport.Submit(jc.Ctx, "addAmendRecord",
		chain.Str(derefTraceCode(product)),
		chain.Num(lifecycle.StageIndex(record.Stage)),
		chain.Str(recordData(record)),
		chain.Str(record.Remark),
		chain.Str(record.OperatorName),
		chain.Str(previous),
		chain.Str(record.AmendReason),
	)
	if err != nil {
		r.failTotal(jc, product, "submit", err)
		return
	}
	jc.Heartbeat()
	block, provisional, err := r.poller.AwaitConfirmation(jc.Ctx, res.TxHash, r.cfg.ConfirmTimeout())
	if err != nil {
		r.failTotal(jc, product, "confirm", err)
		return
	}
	if err := r.finalize(jc, record.ID, res.TxHash, block, provisional); err != nil {
		r.failTotal(jc, product, "finalize", err)
		return
	}
	r.succeed(jc, product, res.TxHash, block, provisional)
}

// invalidateHandler marks the batch void on the ledger. The product stays
// on_chain while the job runs; only a confirmed invalidation moves it to its
// terminal status. A failed invalidation leaves the product on_chain with
// the error recorded on the job.
type invalidateHandler struct{ r *Reconciler }

func (h *invalidateHandler) Type() types.ChainJobType { return types.JobInvalidate }

func (h *invalidateHandler) Run(jc *Context) {
	r := h.r
	product, record, ok := r.load(jc)
	if !ok {
		return
	}
	if !r.ensureCredentials(jc, product) {
		return
	}
	res, err := r.transport.Submit(jc.Ctx, "invalidateProduct",
		chain.Str(derefTraceCode(product)),
		chain.Str(jc.PayloadString("reason")),
		chain.Str(record.OperatorName),
	)
	if err != nil {
		r.failInPlace(jc, product, "submit", err)
		return
	}
	jc.Heartbeat()
	block, provisional, err := r.poller.AwaitConfirmation(jc.Ctx, res.TxHash, r.cfg.ConfirmTimeout())
	if err != nil {
		r.failInPlace(jc, product, "confirm", err)
		return
	}
	if err := r.finalize(jc, record.ID, res.TxHash, block, provisional); err != nil {
		r.failInPlace(jc, product, "finalize", err)
		return
	}

	next, err := lifecycle.Apply(product.Status, lifecycle.TriggerInvalidate)
	if err != nil {
		r.failInPlace(jc, product, "lifecycle", err)
		return
	}
	now := time.Now()
	updates := map[string]interface{}{
		"status":            next,
		"invalidated_at":    now,
		"tx_hash":           res.TxHash,
		"block_number":      block,
		"block_provisional": provisional,
		"failure_kind":      types.FailureNone,
		"last_failure":      "",
	}
	if err := jc.Products.UpdateFields(jc.Ctx, nil, product.ID, updates); err != nil {
		r.failInPlace(jc, product, "persist", err)
		return
	}
	product.Status = next
	product.InvalidatedAt = &now
	product.TxHash = res.TxHash
	product.BlockNumber = &block
	product.BlockProvisional = provisional
	jc.Succeed(product)
	if jc.Notify != nil {
		jc.Notify.ProductUpdated(jc.Job.OwnerUserID, product)
	}
	r.project(jc, product)
}

// --- shared pipeline steps ---

func (r *Reconciler) load(jc *Context) (*types.Product, *types.ProductRecord, bool) {
	product, err := jc.Products.GetByID(jc.Ctx, nil, jc.Job.ProductID)
	if err != nil || product == nil {
		jc.Fail("load", fmt.Errorf("load product %s: %w", jc.Job.ProductID, err), false)
		return nil, nil, false
	}
	record, err := jc.Records.GetByID(jc.Ctx, nil, jc.Job.RecordID)
	if err != nil || record == nil {
		r.failTotal(jc, product, "load", fmt.Errorf("load record %s: %w", jc.Job.RecordID, err))
		return nil, nil, false
	}
	return product, record, true
}

// ensureCredentials checks the signing account before any write and repairs
// it when corrupted. An unrepairable account fails the job.
func (r *Reconciler) ensureCredentials(jc *Context, product *types.Product) bool {
	if r.keystore == nil {
		return true
	}
	if _, err := r.keystore.EnsureHealthy(jc.Ctx); err != nil {
		if jc.Job.JobType == types.JobInvalidate {
			r.failInPlace(jc, product, "credentials", err)
		} else {
			r.failTotal(jc, product, "credentials", err)
		}
		return false
	}
	return true
}

func (r *Reconciler) submitRecord(jc *Context, product *types.Product, record *types.ProductRecord) (*chain.SubmitResult, error) {
	return r.transport.Submit(jc.Ctx, "addRecord",
		chain.Str(derefTraceCode(product)),
		chain.Num(lifecycle.StageIndex(record.Stage)),
		chain.Num(lifecycle.ActionIndex(record.Action)),
		chain.Str(recordData(record)),
		chain.Str(record.Remark),
		chain.Str(record.OperatorName),
	)
}

func (r *Reconciler) finalize(jc *Context, recordID uuid.UUID, txHash string, block int64, provisional bool) error {
	if err := jc.Records.Finalize(jc.Ctx, nil, recordID, txHash, block, provisional); err != nil {
		return fmt.Errorf("finalize record %s: %w", recordID, err)
	}
	return nil
}

// succeed finalizes the product after a confirmed (or provisionally
// confirmed) write: on_chain status, latest tx coordinates, failure state
// cleared.
func (r *Reconciler) succeed(jc *Context, product *types.Product, txHash string, block int64, provisional bool) {
	next, err := lifecycle.Apply(product.Status, lifecycle.TriggerJobSuccess)
	if err != nil {
		r.failTotal(jc, product, "lifecycle", err)
		return
	}
	updates := map[string]interface{}{
		"status":            next,
		"tx_hash":           txHash,
		"block_number":      block,
		"block_provisional": provisional,
		"failure_kind":      types.FailureNone,
		"last_failure":      "",
	}
	if err := jc.Products.UpdateFields(jc.Ctx, nil, product.ID, updates); err != nil {
		r.failTotal(jc, product, "persist", err)
		return
	}
	product.Status = next
	product.TxHash = txHash
	product.BlockNumber = &block
	product.BlockProvisional = provisional
	product.FailureKind = types.FailureNone
	product.LastFailure = ""
	jc.Succeed(product)
	if jc.Notify != nil {
		jc.Notify.ProductUpdated(jc.Job.OwnerUserID, product)
	}
	r.project(jc, product)
}

// project refreshes the lineage graph after a confirmed write.
func (r *Reconciler) project(jc *Context, product *types.Product) {
	if r.graph == nil {
		return
	}
	recs, err := jc.Records.ListByProduct(jc.Ctx, nil, product.ID)
	if err != nil {
		r.log.Warn("Skipping lineage projection", "product_id", product.ID, "error", err)
		return
	}
	lineage.ProjectProduct(jc.Ctx, r.graph, r.log, product, recs)
}

// failTotal is the nothing-landed failure: job failed, product chain_failed
// with failure_kind=total.
func (r *Reconciler) failTotal(jc *Context, product *types.Product, stage string, err error) {
	r.failProduct(jc, product, stage, err, types.FailureTotal)
	jc.Fail(stage, err, false)
}

// failPartial is the first-call-landed failure: the resubmit path must skip
// the already-finalized record.
func (r *Reconciler) failPartial(jc *Context, product *types.Product, stage string, firstTx string, err error) {
	wrapped := &chain.PartialPipelineFailure{FirstTxHash: firstTx, Err: err}
	r.failProduct(jc, product, stage, wrapped, types.FailurePartial)
	jc.Fail(stage, wrapped, true)
}

// failInPlace fails the job without moving the product out of its current
// status. Used by invalidation, where the batch remains valid on the ledger.
func (r *Reconciler) failInPlace(jc *Context, product *types.Product, stage string, err error) {
	_ = jc.Products.UpdateFields(jc.Ctx, nil, product.ID, map[string]interface{}{
		"last_failure": err.Error(),
	})
	jc.Fail(stage, err, false)
}

func (r *Reconciler) failProduct(jc *Context, product *types.Product, stage string, err error, kind types.FailureKind) {
	next, lerr := lifecycle.Apply(product.Status, lifecycle.TriggerJobFailure)
	if lerr != nil {
		// Product is not pending_chain; leave its status alone but keep
		// the failure visible.
		r.log.Warn("Job failed outside pending_chain", "product_id", product.ID, "status", product.Status, "stage", stage)
		_ = jc.Products.UpdateFields(jc.Ctx, nil, product.ID, map[string]interface{}{
			"last_failure": err.Error(),
		})
		return
	}
	uerr := jc.Products.UpdateFields(jc.Ctx, nil, product.ID, map[string]interface{}{
		"status":       next,
		"failure_kind": kind,
		"last_failure": err.Error(),
	})
	if uerr != nil {
		r.log.Error("Failed to persist product failure", "product_id", product.ID, "error", uerr)
		return
	}
	product.Status = next
	product.FailureKind = kind
	product.LastFailure = err.Error()
	if jc.Notify != nil {
		jc.Notify.ProductUpdated(jc.Job.OwnerUserID, product)
	}
}

func derefTraceCode(p *types.Product) string {
	if p.TraceCode == nil {
		return ""
	}
	return *p.TraceCode
}

func recordData(rec *types.ProductRecord) string {
	if len(rec.Payload) == 0 {
		return "{}"
	}
	return string(rec.Payload)
}
