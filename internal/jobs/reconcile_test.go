package jobs

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/google/uuid"
	"gorm.io/datatypes"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"

	"github.com/harvestmark/agritrace-backend/internal/chain"
	"github.com/harvestmark/agritrace-backend/internal/logger"
	"github.com/harvestmark/agritrace-backend/internal/repos"
	"github.com/harvestmark/agritrace-backend/internal/types"
)

// The real schema comes from AutoMigrateAll against postgres; sqlite rejects
// the now() column defaults, so tests create the tables directly.
const testSchema = `
CREATE TABLE product (
	id TEXT PRIMARY KEY,
	trace_code TEXT UNIQUE,
	name TEXT NOT NULL,
	category TEXT,
	origin TEXT,
	batch_no TEXT,
	quantity REAL,
	unit TEXT,
	harvest_date DATETIME,
	status TEXT NOT NULL,
	stage TEXT NOT NULL,
	failure_kind TEXT NOT NULL DEFAULT 'none',
	last_failure TEXT,
	tx_hash TEXT,
	block_number INTEGER,
	block_provisional BOOLEAN NOT NULL DEFAULT 0,
	creator_id TEXT NOT NULL,
	holder_id TEXT NOT NULL,
	invalidated_at DATETIME,
	invalidated_by TEXT,
	invalidated_why TEXT,
	created_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
	updated_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
);
CREATE TABLE product_record (
	id TEXT PRIMARY KEY,
	product_id TEXT NOT NULL,
	stage TEXT NOT NULL,
	action TEXT NOT NULL,
	payload TEXT,
	remark TEXT,
	operator_id TEXT NOT NULL,
	operator_name TEXT,
	tx_hash TEXT,
	block_number INTEGER,
	block_provisional BOOLEAN NOT NULL DEFAULT 0,
	previous_record_id TEXT,
	amend_reason TEXT,
	created_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
);
CREATE TABLE chain_job (
	id TEXT PRIMARY KEY,
	product_id TEXT NOT NULL,
	record_id TEXT NOT NULL,
	transfer_record_id TEXT,
	owner_user_id TEXT NOT NULL,
	job_type TEXT NOT NULL,
	status TEXT NOT NULL,
	attempts INTEGER NOT NULL DEFAULT 0,
	last_error TEXT,
	last_error_at DATETIME,
	locked_at DATETIME,
	heartbeat_at DATETIME,
	partial_failure BOOLEAN NOT NULL DEFAULT 0,
	payload TEXT,
	created_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
	updated_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
);
`

var testDBSeq atomic.Int64

func newTestDB(t *testing.T) *gorm.DB {
	t.Helper()
	dsn := fmt.Sprintf("file:%s_%d?mode=memory&cache=shared", strings.ReplaceAll(t.Name(), "/", "_"), testDBSeq.Add(1))
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{
		Logger: gormlogger.Default.LogMode(gormlogger.Silent),
	})
	if err != nil {
		t.Fatalf("open sqlite: %v", err)
	}
	for _, stmt := range strings.Split(testSchema, ";") {
		if strings.TrimSpace(stmt) == "" {
			continue
		}
		if err := db.Exec(stmt).Error; err != nil {
			t.Fatalf("create schema: %v", err)
		}
	}
	return db
}

// fakeTransport answers Submit with a per-function scripted error or a
// generated transaction hash.
type fakeTransport struct {
	mu    sync.Mutex
	calls []string
	errOn map[string]error
}

func (f *fakeTransport) Submit(ctx context.Context, functionName string, args ...chain.Arg) (*chain.SubmitResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, functionName)
	if err := f.errOn[functionName]; err != nil {
		return nil, err
	}
	return &chain.SubmitResult{TxHash: fmt.Sprintf("0x%s%d", functionName, len(f.calls))}, nil
}

func (f *fakeTransport) callNames() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.calls...)
}

// confirmAll confirms any transaction at a fixed height.
type confirmAll struct{ block int64 }

func (c *confirmAll) TransactionReceipt(ctx context.Context, txHash string) (*chain.Receipt, error) {
	status := int64(0)
	return &chain.Receipt{TransactionHash: txHash, Status: &status, BlockNumber: &c.block}, nil
}

func (c *confirmAll) BlockNumber(ctx context.Context) (int64, error) { return c.block, nil }

// confirmNever produces no receipts; confirmation always times out.
type confirmNever struct{ head int64 }

func (c *confirmNever) TransactionReceipt(ctx context.Context, txHash string) (*chain.Receipt, error) {
	return nil, nil
}

func (c *confirmNever) BlockNumber(ctx context.Context) (int64, error) { return c.head, nil }

type notifierEvents struct {
	mu      sync.Mutex
	queued  int
	done    int
	failed  int
	updated int
}

func (n *notifierEvents) JobQueued(userID uuid.UUID, job *types.ChainJob) {
	n.mu.Lock()
	n.queued++
	n.mu.Unlock()
}

func (n *notifierEvents) JobDone(userID uuid.UUID, job *types.ChainJob, product *types.Product) {
	n.mu.Lock()
	n.done++
	n.mu.Unlock()
}

func (n *notifierEvents) JobFailed(userID uuid.UUID, job *types.ChainJob, stage string, errorMessage string) {
	n.mu.Lock()
	n.failed++
	n.mu.Unlock()
}

func (n *notifierEvents) ProductUpdated(userID uuid.UUID, product *types.Product) {
	n.mu.Lock()
	n.updated++
	n.mu.Unlock()
}

type fixture struct {
	db        *gorm.DB
	jobs      repos.ChainJobRepo
	products  repos.ProductRepo
	records   repos.ProductRecordRepo
	transport *fakeTransport
	notifier  *notifierEvents
	registry  *Registry
}

func newFixture(t *testing.T, receipts chain.ReceiptSource, confirmSeconds int) *fixture {
	t.Helper()
	db := newTestDB(t)
	log := logger.NewNop()
	f := &fixture{
		db:        db,
		jobs:      repos.NewChainJobRepo(db, log),
		products:  repos.NewProductRepo(db, log),
		records:   repos.NewProductRecordRepo(db, log),
		transport: &fakeTransport{errOn: map[string]error{}},
		notifier:  &notifierEvents{},
		registry:  NewRegistry(),
	}
	cfg := &chain.Config{ConfirmTimeoutSeconds: confirmSeconds}
	poller := chain.NewPoller(log, receipts, nil)
	rec := NewReconciler(log, cfg, f.transport, poller, nil, nil)
	if err := rec.RegisterAll(f.registry); err != nil {
		t.Fatalf("RegisterAll: %v", err)
	}
	return f
}

func (f *fixture) run(t *testing.T, job *types.ChainJob) {
	t.Helper()
	h, ok := f.registry.Get(job.JobType)
	if !ok {
		t.Fatalf("no handler for %s", job.JobType)
	}
	jc := NewContext(context.Background(), f.db, job, f.jobs, f.products, f.records, f.notifier, logger.NewNop())
	h.Run(jc)
}

func (f *fixture) seedProduct(t *testing.T, status types.ProductStatus) *types.Product {
	t.Helper()
	code := "TRACE-20260831-" + strings.ToUpper(uuid.NewString()[:8])
	product := &types.Product{
		ID:          uuid.New(),
		TraceCode:   &code,
		Name:        "spring rice",
		Category:    "grain",
		Origin:      "east field",
		Quantity:    120.5,
		Unit:        "kg",
		Status:      status,
		Stage:       types.StageGrower,
		FailureKind: types.FailureNone,
		CreatorID:   uuid.New(),
		HolderID:    uuid.New(),
	}
	if _, err := f.products.Create(context.Background(), nil, product); err != nil {
		t.Fatalf("seed product: %v", err)
	}
	return product
}

func (f *fixture) seedRecord(t *testing.T, product *types.Product, action types.RecordAction, stage types.ProductStage) *types.ProductRecord {
	t.Helper()
	record := &types.ProductRecord{
		ID:           uuid.New(),
		ProductID:    product.ID,
		Stage:        stage,
		Action:       action,
		Payload:      datatypes.JSON(`{"note":"test"}`),
		OperatorID:   uuid.New(),
		OperatorName: "zhang wei",
	}
	if _, err := f.records.Create(context.Background(), nil, record); err != nil {
		t.Fatalf("seed record: %v", err)
	}
	return record
}

func (f *fixture) seedJob(t *testing.T, product *types.Product, jobType types.ChainJobType, record *types.ProductRecord, transfer *types.ProductRecord, payload string) *types.ChainJob {
	t.Helper()
	job := &types.ChainJob{
		ID:          uuid.New(),
		ProductID:   product.ID,
		RecordID:    record.ID,
		OwnerUserID: uuid.New(),
		JobType:     jobType,
		Status:      types.JobRunning,
		Attempts:    1,
	}
	if transfer != nil {
		job.TransferRecordID = &transfer.ID
	}
	if payload != "" {
		job.Payload = datatypes.JSON(payload)
	}
	if _, err := f.jobs.Create(context.Background(), nil, job); err != nil {
		t.Fatalf("seed job: %v", err)
	}
	return job
}

func (f *fixture) reloadProduct(t *testing.T, id uuid.UUID) *types.Product {
	t.Helper()
	product, err := f.products.GetByID(context.Background(), nil, id)
	if err != nil || product == nil {
		t.Fatalf("reload product: %v", err)
	}
	return product
}

func (f *fixture) reloadJob(t *testing.T, id uuid.UUID) *types.ChainJob {
	t.Helper()
	job, err := f.jobs.GetByID(context.Background(), nil, id)
	if err != nil || job == nil {
		t.Fatalf("reload job: %v", err)
	}
	return job
}

func (f *fixture) reloadRecord(t *testing.T, id uuid.UUID) *types.ProductRecord {
	t.Helper()
	record, err := f.records.GetByID(context.Background(), nil, id)
	if err != nil || record == nil {
		t.Fatalf("reload record: %v", err)
	}
	return record
}

func TestSubmitJobConfirmsOnChain(t *testing.T) {
	f := newFixture(t, &confirmAll{block: 55}, 5)
	product := f.seedProduct(t, types.StatusPendingChain)
	record := f.seedRecord(t, product, types.ActionCreate, types.StageGrower)
	job := f.seedJob(t, product, types.JobSubmit, record, nil, "")

	f.run(t, job)

	got := f.reloadProduct(t, product.ID)
	if got.Status != types.StatusOnChain {
		t.Fatalf("status = %s", got.Status)
	}
	if got.TxHash == "" || got.BlockNumber == nil || *got.BlockNumber != 55 || got.BlockProvisional {
		t.Fatalf("tx coordinates = %q %v %t", got.TxHash, got.BlockNumber, got.BlockProvisional)
	}
	if got.FailureKind != types.FailureNone {
		t.Fatalf("failure_kind = %s", got.FailureKind)
	}
	if rec := f.reloadRecord(t, record.ID); rec.TxHash == "" || rec.BlockNumber == nil {
		t.Fatal("record was not finalized")
	}
	if j := f.reloadJob(t, job.ID); j.Status != types.JobSucceeded {
		t.Fatalf("job status = %s", j.Status)
	}
	if calls := f.transport.callNames(); len(calls) != 1 || calls[0] != "createProduct" {
		t.Fatalf("calls = %v", calls)
	}
	if f.notifier.done != 1 || f.notifier.updated != 1 {
		t.Fatalf("notifications done=%d updated=%d", f.notifier.done, f.notifier.updated)
	}
}

func TestSubmitJobTransportFailure(t *testing.T) {
	f := newFixture(t, &confirmAll{block: 1}, 5)
	f.transport.errOn["createProduct"] = &chain.ToolInvocationError{Command: "call", Err: errors.New("console down")}
	product := f.seedProduct(t, types.StatusPendingChain)
	record := f.seedRecord(t, product, types.ActionCreate, types.StageGrower)
	job := f.seedJob(t, product, types.JobSubmit, record, nil, "")

	f.run(t, job)

	got := f.reloadProduct(t, product.ID)
	if got.Status != types.StatusChainFailed {
		t.Fatalf("status = %s", got.Status)
	}
	if got.FailureKind != types.FailureTotal {
		t.Fatalf("failure_kind = %s", got.FailureKind)
	}
	if got.LastFailure == "" {
		t.Fatal("last_failure is empty")
	}
	j := f.reloadJob(t, job.ID)
	if j.Status != types.JobFailed || j.PartialFailure {
		t.Fatalf("job = %s partial=%t", j.Status, j.PartialFailure)
	}
	if f.notifier.failed != 1 {
		t.Fatalf("failed notifications = %d", f.notifier.failed)
	}
}

func TestSubmitJobConfirmationTimeoutIsProvisionalSuccess(t *testing.T) {
	f := newFixture(t, &confirmNever{head: 88}, 0)
	product := f.seedProduct(t, types.StatusPendingChain)
	record := f.seedRecord(t, product, types.ActionCreate, types.StageGrower)
	job := f.seedJob(t, product, types.JobSubmit, record, nil, "")

	f.run(t, job)

	got := f.reloadProduct(t, product.ID)
	if got.Status != types.StatusOnChain {
		t.Fatalf("status = %s", got.Status)
	}
	if !got.BlockProvisional {
		t.Fatal("timed-out confirmation must be flagged provisional")
	}
	if got.BlockNumber == nil || *got.BlockNumber != 88 {
		t.Fatalf("block = %v, want chain head", got.BlockNumber)
	}
	if j := f.reloadJob(t, job.ID); j.Status != types.JobSucceeded {
		t.Fatalf("job status = %s", j.Status)
	}
}

func TestRecordTransferSecondLegFailureIsPartial(t *testing.T) {
	f := newFixture(t, &confirmAll{block: 9}, 5)
	f.transport.errOn["transferProduct"] = &chain.ToolInvocationError{Command: "call", Err: errors.New("console down")}
	product := f.seedProduct(t, types.StatusPendingChain)
	record := f.seedRecord(t, product, types.ActionReceive, types.StageGrower)
	transfer := f.seedRecord(t, product, types.ActionTransfer, types.StageProcessor)
	job := f.seedJob(t, product, types.JobRecordTransfer, record, transfer, `{"new_holder":"li processing co"}`)

	f.run(t, job)

	got := f.reloadProduct(t, product.ID)
	if got.Status != types.StatusChainFailed || got.FailureKind != types.FailurePartial {
		t.Fatalf("status=%s failure_kind=%s", got.Status, got.FailureKind)
	}
	j := f.reloadJob(t, job.ID)
	if j.Status != types.JobFailed || !j.PartialFailure {
		t.Fatalf("job = %s partial=%t", j.Status, j.PartialFailure)
	}
	if !strings.Contains(j.LastError, "partially applied") {
		t.Fatalf("last_error = %q", j.LastError)
	}
	// The first leg landed and must stay finalized.
	if rec := f.reloadRecord(t, record.ID); rec.TxHash == "" {
		t.Fatal("first-leg record lost its tx hash")
	}
	if trec := f.reloadRecord(t, transfer.ID); trec.TxHash != "" {
		t.Fatal("second-leg record must stay pending")
	}
}

func TestRecordTransferResubmitSkipsFinalizedFirstLeg(t *testing.T) {
	f := newFixture(t, &confirmAll{block: 12}, 5)
	product := f.seedProduct(t, types.StatusPendingChain)
	record := f.seedRecord(t, product, types.ActionReceive, types.StageGrower)
	if err := f.records.Finalize(context.Background(), nil, record.ID, "0xfirstleg", 7, false); err != nil {
		t.Fatalf("finalize fixture: %v", err)
	}
	transfer := f.seedRecord(t, product, types.ActionTransfer, types.StageProcessor)
	job := f.seedJob(t, product, types.JobRecordTransfer, record, transfer, `{"new_holder":"li processing co"}`)

	f.run(t, job)

	calls := f.transport.callNames()
	if len(calls) != 1 || calls[0] != "transferProduct" {
		t.Fatalf("calls = %v, want only the transfer leg", calls)
	}
	got := f.reloadProduct(t, product.ID)
	if got.Status != types.StatusOnChain {
		t.Fatalf("status = %s", got.Status)
	}
	if rec := f.reloadRecord(t, record.ID); rec.TxHash != "0xfirstleg" {
		t.Fatalf("first-leg tx hash = %q, must not be re-sent", rec.TxHash)
	}
	if trec := f.reloadRecord(t, transfer.ID); trec.TxHash == "" {
		t.Fatal("transfer record was not finalized")
	}
}

func TestInvalidateSuccess(t *testing.T) {
	f := newFixture(t, &confirmAll{block: 30}, 5)
	product := f.seedProduct(t, types.StatusOnChain)
	record := f.seedRecord(t, product, types.ActionInvalidate, types.StageGrower)
	job := f.seedJob(t, product, types.JobInvalidate, record, nil, `{"reason":"contamination found"}`)

	f.run(t, job)

	got := f.reloadProduct(t, product.ID)
	if got.Status != types.StatusInvalidated {
		t.Fatalf("status = %s", got.Status)
	}
	if got.InvalidatedAt == nil {
		t.Fatal("invalidated_at not stamped")
	}
	if j := f.reloadJob(t, job.ID); j.Status != types.JobSucceeded {
		t.Fatalf("job status = %s", j.Status)
	}
	if calls := f.transport.callNames(); len(calls) != 1 || calls[0] != "invalidateProduct" {
		t.Fatalf("calls = %v", calls)
	}
}

func TestInvalidateFailureKeepsProductOnChain(t *testing.T) {
	f := newFixture(t, &confirmAll{block: 30}, 5)
	f.transport.errOn["invalidateProduct"] = &chain.ToolInvocationError{Command: "call", Err: errors.New("console down")}
	product := f.seedProduct(t, types.StatusOnChain)
	record := f.seedRecord(t, product, types.ActionInvalidate, types.StageGrower)
	job := f.seedJob(t, product, types.JobInvalidate, record, nil, `{"reason":"contamination found"}`)

	f.run(t, job)

	got := f.reloadProduct(t, product.ID)
	if got.Status != types.StatusOnChain {
		t.Fatalf("status = %s, failed invalidation must not move the product", got.Status)
	}
	if got.LastFailure == "" {
		t.Fatal("last_failure not recorded")
	}
	if j := f.reloadJob(t, job.ID); j.Status != types.JobFailed {
		t.Fatalf("job status = %s", j.Status)
	}
}

func TestAmendJobSendsPreviousRecord(t *testing.T) {
	f := newFixture(t, &confirmAll{block: 14}, 5)
	product := f.seedProduct(t, types.StatusPendingChain)
	original := f.seedRecord(t, product, types.ActionHarvest, types.StageGrower)
	amend := f.seedRecord(t, product, types.ActionAmend, types.StageGrower)
	amend.PreviousRecordID = &original.ID
	amend.AmendReason = "wrong weight"
	if err := f.db.Save(amend).Error; err != nil {
		t.Fatalf("update amend record: %v", err)
	}
	job := f.seedJob(t, product, types.JobAmend, amend, nil, "")

	f.run(t, job)

	if calls := f.transport.callNames(); len(calls) != 1 || calls[0] != "addAmendRecord" {
		t.Fatalf("calls = %v", calls)
	}
	if got := f.reloadProduct(t, product.ID); got.Status != types.StatusOnChain {
		t.Fatalf("status = %s", got.Status)
	}
}

func TestRegistryRejectsDuplicates(t *testing.T) {
	reg := NewRegistry()
	rec := NewReconciler(logger.NewNop(), &chain.Config{}, &fakeTransport{}, chain.NewPoller(logger.NewNop(), &confirmAll{}, nil), nil, nil)
	if err := rec.RegisterAll(reg); err != nil {
		t.Fatalf("RegisterAll: %v", err)
	}
	if err := rec.RegisterAll(reg); err == nil {
		t.Fatal("second registration must fail")
	}
}
