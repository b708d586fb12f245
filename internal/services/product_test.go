package services

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync/atomic"
	"testing"

	"github.com/google/uuid"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"

	"github.com/harvestmark/agritrace-backend/internal/lifecycle"
	"github.com/harvestmark/agritrace-backend/internal/logger"
	"github.com/harvestmark/agritrace-backend/internal/repos"
	"github.com/harvestmark/agritrace-backend/internal/types"
)

// Production schema comes from AutoMigrateAll against postgres; sqlite rejects
// the now() column defaults, so tests create the tables directly.
const testSchema = `
CREATE TABLE app_user (
	id TEXT PRIMARY KEY,
	username TEXT NOT NULL UNIQUE,
	password TEXT NOT NULL,
	real_name TEXT,
	role TEXT NOT NULL,
	chain_address TEXT,
	created_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
	updated_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
);
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

type svcFixture struct {
	db       *gorm.DB
	users    repos.UserRepo
	products repos.ProductRepo
	records  repos.ProductRecordRepo
	jobs     repos.ChainJobRepo
	service  ProductService
}

func newSvcFixture(t *testing.T) *svcFixture {
	t.Helper()
	db := newTestDB(t)
	log := logger.NewNop()
	f := &svcFixture{
		db:       db,
		users:    repos.NewUserRepo(db, log),
		products: repos.NewProductRepo(db, log),
		records:  repos.NewProductRecordRepo(db, log),
		jobs:     repos.NewChainJobRepo(db, log),
	}
	f.service = NewProductService(db, log, f.products, f.records, f.jobs, f.users, NewJobNotifier(nil, nil))
	return f
}

func (f *svcFixture) seedUser(t *testing.T, role types.UserRole, realName string) *types.User {
	t.Helper()
	user := &types.User{
		ID:       uuid.New(),
		Username: fmt.Sprintf("%s-%s", role, uuid.NewString()[:8]),
		Password: "x",
		RealName: realName,
		Role:     role,
	}
	if _, err := f.users.Create(context.Background(), nil, user); err != nil {
		t.Fatalf("seed user: %v", err)
	}
	return user
}

func (f *svcFixture) draft(t *testing.T, grower *types.User) *types.Product {
	t.Helper()
	product, err := f.service.CreateDraft(context.Background(), grower, DraftInput{
		Name:     "spring rice",
		Category: "grain",
		Origin:   "east field",
		Quantity: 120.5,
		Unit:     "kg",
	})
	if err != nil {
		t.Fatalf("CreateDraft: %v", err)
	}
	return product
}

// onChain shortcuts the reconciliation loop for tests that need a confirmed
// product: submit, then flip the job and product to their post-job state.
func (f *svcFixture) onChain(t *testing.T, grower *types.User) *types.Product {
	t.Helper()
	ctx := context.Background()
	product := f.draft(t, grower)
	job, err := f.service.Submit(ctx, grower, product.ID)
	if err != nil {
		t.Fatalf("Submit: %v", err)
	}
	if err := f.jobs.UpdateFields(ctx, nil, job.ID, map[string]interface{}{"status": types.JobSucceeded}); err != nil {
		t.Fatalf("finish job: %v", err)
	}
	if err := f.products.UpdateFields(ctx, nil, product.ID, map[string]interface{}{"status": types.StatusOnChain}); err != nil {
		t.Fatalf("flip product: %v", err)
	}
	got, err := f.products.GetByID(ctx, nil, product.ID)
	if err != nil || got == nil {
		t.Fatalf("reload product: %v", err)
	}
	return got
}

func TestCreateDraftGrowerOnly(t *testing.T) {
	f := newSvcFixture(t)
	processor := f.seedUser(t, types.RoleProcessor, "")
	if _, err := f.service.CreateDraft(context.Background(), processor, DraftInput{Name: "x"}); !errors.Is(err, ErrForbidden) {
		t.Fatalf("want ErrForbidden, got %v", err)
	}
}

func TestSubmitMintsTraceCodeAndQueuesJob(t *testing.T) {
	f := newSvcFixture(t)
	ctx := context.Background()
	grower := f.seedUser(t, types.RoleGrower, "old fan")
	product := f.draft(t, grower)

	job, err := f.service.Submit(ctx, grower, product.ID)
	if err != nil {
		t.Fatalf("Submit: %v", err)
	}
	if job.JobType != types.JobSubmit || job.Status != types.JobQueued {
		t.Fatalf("job = %s/%s", job.JobType, job.Status)
	}

	got, _ := f.products.GetByID(ctx, nil, product.ID)
	if got.Status != types.StatusPendingChain {
		t.Fatalf("status = %s", got.Status)
	}
	if got.TraceCode == nil || !strings.HasPrefix(*got.TraceCode, "TRACE-") {
		t.Fatalf("trace_code = %v", got.TraceCode)
	}

	recs, _ := f.records.ListByProduct(ctx, nil, product.ID)
	if len(recs) != 1 || recs[0].Action != types.ActionCreate {
		t.Fatalf("records = %+v", recs)
	}
	if recs[0].OperatorName != "old fan" {
		t.Fatalf("operator_name = %q", recs[0].OperatorName)
	}
}

func TestSubmitWhileJobInFlight(t *testing.T) {
	f := newSvcFixture(t)
	ctx := context.Background()
	grower := f.seedUser(t, types.RoleGrower, "")
	product := f.draft(t, grower)
	if _, err := f.service.Submit(ctx, grower, product.ID); err != nil {
		t.Fatalf("first Submit: %v", err)
	}
	if _, err := f.service.Submit(ctx, grower, product.ID); !errors.Is(err, ErrJobInFlight) {
		t.Fatalf("want ErrJobInFlight, got %v", err)
	}
}

// Admission decisions must come from the product row as read inside the
// enqueue transaction, not from a snapshot captured before a competing
// enqueue committed.
func TestEnqueueRechecksUnderLock(t *testing.T) {
	f := newSvcFixture(t)
	ctx := context.Background()
	grower := f.seedUser(t, types.RoleGrower, "")
	product := f.draft(t, grower)

	stale, err := f.products.GetByID(ctx, nil, product.ID)
	if err != nil || stale == nil {
		t.Fatalf("snapshot: %v", err)
	}

	job, err := f.service.Submit(ctx, grower, product.ID)
	if err != nil {
		t.Fatalf("Submit: %v", err)
	}

	ps := f.service.(*productService)

	// A queued job exists; the snapshot predates it and must not get through.
	record := ps.newRecord(stale, grower, types.StageGrower, types.ActionCreate, RecordInput{})
	if _, err := ps.enqueue(ctx, stale, grower, lifecycle.TriggerSubmit, types.JobSubmit, record, nil, nil, nil); !errors.Is(err, ErrJobInFlight) {
		t.Fatalf("want ErrJobInFlight, got %v", err)
	}

	// Job done, product on_chain. The snapshot still says draft; the
	// transition check has to read the locked row, not the snapshot.
	if err := f.jobs.UpdateFields(ctx, nil, job.ID, map[string]interface{}{"status": types.JobSucceeded}); err != nil {
		t.Fatalf("finish job: %v", err)
	}
	if err := f.products.UpdateFields(ctx, nil, product.ID, map[string]interface{}{"status": types.StatusOnChain}); err != nil {
		t.Fatalf("land product: %v", err)
	}
	record = ps.newRecord(stale, grower, types.StageGrower, types.ActionCreate, RecordInput{})
	if _, err := ps.enqueue(ctx, stale, grower, lifecycle.TriggerSubmit, types.JobSubmit, record, nil, nil, nil); !errors.Is(err, ErrBadState) {
		t.Fatalf("want ErrBadState, got %v", err)
	}

	var jobCount int64
	if err := f.db.Model(&types.ChainJob{}).Where("product_id = ?", product.ID).Count(&jobCount).Error; err != nil {
		t.Fatalf("count jobs: %v", err)
	}
	if jobCount != 1 {
		t.Fatalf("job rows = %d, want 1", jobCount)
	}
}

func TestSubmitForeignProduct(t *testing.T) {
	f := newSvcFixture(t)
	grower := f.seedUser(t, types.RoleGrower, "")
	other := f.seedUser(t, types.RoleGrower, "")
	product := f.draft(t, grower)
	if _, err := f.service.Submit(context.Background(), other, product.ID); !errors.Is(err, ErrForbidden) {
		t.Fatalf("want ErrForbidden, got %v", err)
	}
}

func TestResubmitRequeuesFailedJob(t *testing.T) {
	f := newSvcFixture(t)
	ctx := context.Background()
	grower := f.seedUser(t, types.RoleGrower, "")
	product := f.draft(t, grower)
	job, err := f.service.Submit(ctx, grower, product.ID)
	if err != nil {
		t.Fatalf("Submit: %v", err)
	}
	if err := f.jobs.UpdateFields(ctx, nil, job.ID, map[string]interface{}{"status": types.JobFailed, "last_error": "console down"}); err != nil {
		t.Fatalf("fail job: %v", err)
	}
	if err := f.products.UpdateFields(ctx, nil, product.ID, map[string]interface{}{"status": types.StatusChainFailed, "failure_kind": types.FailureTotal}); err != nil {
		t.Fatalf("fail product: %v", err)
	}

	requeued, err := f.service.Resubmit(ctx, grower, product.ID)
	if err != nil {
		t.Fatalf("Resubmit: %v", err)
	}
	if requeued.ID != job.ID {
		t.Fatal("resubmit must reuse the failed job row")
	}
	stored, _ := f.jobs.GetByID(ctx, nil, job.ID)
	if stored.Status != types.JobQueued {
		t.Fatalf("job status = %s", stored.Status)
	}
	got, _ := f.products.GetByID(ctx, nil, product.ID)
	if got.Status != types.StatusPendingChain {
		t.Fatalf("product status = %s", got.Status)
	}
}

func TestResubmitWithoutFailedJob(t *testing.T) {
	f := newSvcFixture(t)
	ctx := context.Background()
	grower := f.seedUser(t, types.RoleGrower, "")
	product := f.draft(t, grower)
	// Force chain_failed without any job row.
	if err := f.products.UpdateFields(ctx, nil, product.ID, map[string]interface{}{"status": types.StatusChainFailed}); err != nil {
		t.Fatal(err)
	}
	if _, err := f.service.Resubmit(ctx, grower, product.ID); !errors.Is(err, ErrBadState) {
		t.Fatalf("want ErrBadState, got %v", err)
	}
}

func TestDeleteDraftOnly(t *testing.T) {
	f := newSvcFixture(t)
	ctx := context.Background()
	grower := f.seedUser(t, types.RoleGrower, "")

	product := f.draft(t, grower)
	if err := f.service.DeleteDraft(ctx, grower, product.ID); err != nil {
		t.Fatalf("DeleteDraft: %v", err)
	}
	if got, _ := f.products.GetByID(ctx, nil, product.ID); got != nil {
		t.Fatal("draft was not deleted")
	}

	submitted := f.draft(t, grower)
	if _, err := f.service.Submit(ctx, grower, submitted.ID); err != nil {
		t.Fatalf("Submit: %v", err)
	}
	if err := f.service.DeleteDraft(ctx, grower, submitted.ID); !errors.Is(err, ErrBadState) {
		t.Fatalf("want ErrBadState, got %v", err)
	}
}

func TestUpdateDraftOnly(t *testing.T) {
	f := newSvcFixture(t)
	ctx := context.Background()
	grower := f.seedUser(t, types.RoleGrower, "")
	product := f.draft(t, grower)

	updated, err := f.service.UpdateDraft(ctx, grower, product.ID, DraftInput{Name: "autumn rice", Quantity: 80})
	if err != nil {
		t.Fatalf("UpdateDraft: %v", err)
	}
	if updated.Name != "autumn rice" || updated.Quantity != 80 {
		t.Fatalf("updated = %+v", updated)
	}

	if _, err := f.service.Submit(ctx, grower, product.ID); err != nil {
		t.Fatalf("Submit: %v", err)
	}
	if _, err := f.service.UpdateDraft(ctx, grower, product.ID, DraftInput{Name: "x"}); !errors.Is(err, ErrBadState) {
		t.Fatalf("want ErrBadState, got %v", err)
	}
}

func TestHarvestRequiresGrowerCustody(t *testing.T) {
	f := newSvcFixture(t)
	ctx := context.Background()
	grower := f.seedUser(t, types.RoleGrower, "")
	processor := f.seedUser(t, types.RoleProcessor, "")
	product := f.onChain(t, grower)

	if _, err := f.service.Harvest(ctx, processor, product.ID, RecordInput{}); !errors.Is(err, ErrForbidden) {
		t.Fatalf("want ErrForbidden, got %v", err)
	}

	job, err := f.service.Harvest(ctx, grower, product.ID, RecordInput{Remark: "first cut"})
	if err != nil {
		t.Fatalf("Harvest: %v", err)
	}
	if job.JobType != types.JobRecord {
		t.Fatalf("job type = %s", job.JobType)
	}
	got, _ := f.products.GetByID(ctx, nil, product.ID)
	if got.Status != types.StatusPendingChain {
		t.Fatalf("status = %s", got.Status)
	}
}

func TestReceiveTransfersCustody(t *testing.T) {
	f := newSvcFixture(t)
	ctx := context.Background()
	grower := f.seedUser(t, types.RoleGrower, "")
	processor := f.seedUser(t, types.RoleProcessor, "li processing co")
	product := f.onChain(t, grower)

	job, err := f.service.Receive(ctx, processor, product.ID, RecordInput{Remark: "intake"})
	if err != nil {
		t.Fatalf("Receive: %v", err)
	}
	if job.JobType != types.JobRecordTransfer || job.TransferRecordID == nil {
		t.Fatalf("job = %+v", job)
	}

	got, _ := f.products.GetByID(ctx, nil, product.ID)
	if got.Stage != types.StageProcessor || got.HolderID != processor.ID {
		t.Fatalf("stage=%s holder=%s", got.Stage, got.HolderID)
	}
	if got.Status != types.StatusPendingChain {
		t.Fatalf("status = %s", got.Status)
	}

	recs, _ := f.records.ListByProduct(ctx, nil, product.ID)
	// create + receive + transfer
	if len(recs) != 3 {
		t.Fatalf("records = %d", len(recs))
	}
}

func TestReceiveWrongStage(t *testing.T) {
	f := newSvcFixture(t)
	ctx := context.Background()
	grower := f.seedUser(t, types.RoleGrower, "")
	processor := f.seedUser(t, types.RoleProcessor, "")
	product := f.onChain(t, grower)
	if err := f.products.UpdateFields(ctx, nil, product.ID, map[string]interface{}{"stage": types.StageSeller}); err != nil {
		t.Fatal(err)
	}
	if _, err := f.service.Receive(ctx, processor, product.ID, RecordInput{}); !errors.Is(err, ErrBadState) {
		t.Fatalf("want ErrBadState, got %v", err)
	}
}

func TestRejectMovesBackToProcessor(t *testing.T) {
	f := newSvcFixture(t)
	ctx := context.Background()
	grower := f.seedUser(t, types.RoleGrower, "")
	processor := f.seedUser(t, types.RoleProcessor, "")
	inspector := f.seedUser(t, types.RoleInspector, "")
	product := f.onChain(t, grower)
	if err := f.products.UpdateFields(ctx, nil, product.ID, map[string]interface{}{
		"stage":     types.StageInspector,
		"holder_id": inspector.ID,
	}); err != nil {
		t.Fatal(err)
	}

	job, err := f.service.Reject(ctx, inspector, product.ID, RecordInput{Remark: "moisture too high"})
	if err != nil {
		t.Fatalf("Reject: %v", err)
	}
	if job.JobType != types.JobRecordTransfer {
		t.Fatalf("job type = %s", job.JobType)
	}
	got, _ := f.products.GetByID(ctx, nil, product.ID)
	if got.Stage != types.StageProcessor || got.HolderID != processor.ID {
		t.Fatalf("stage=%s holder=%s", got.Stage, got.HolderID)
	}
}

func TestSellKeepsHolder(t *testing.T) {
	f := newSvcFixture(t)
	ctx := context.Background()
	grower := f.seedUser(t, types.RoleGrower, "")
	seller := f.seedUser(t, types.RoleSeller, "corner market")
	product := f.onChain(t, grower)
	if err := f.products.UpdateFields(ctx, nil, product.ID, map[string]interface{}{
		"stage":     types.StageSeller,
		"holder_id": seller.ID,
	}); err != nil {
		t.Fatal(err)
	}

	job, err := f.service.Sell(ctx, seller, product.ID, "", RecordInput{})
	if err != nil {
		t.Fatalf("Sell: %v", err)
	}
	if job.JobType != types.JobRecordTransfer {
		t.Fatalf("job type = %s", job.JobType)
	}
	got, _ := f.products.GetByID(ctx, nil, product.ID)
	if got.Stage != types.StageSold {
		t.Fatalf("stage = %s", got.Stage)
	}
	if got.HolderID != seller.ID {
		t.Fatal("sell must not move custody away from the seller")
	}
}

func TestAmendValidation(t *testing.T) {
	f := newSvcFixture(t)
	ctx := context.Background()
	grower := f.seedUser(t, types.RoleGrower, "")
	product := f.onChain(t, grower)
	recs, _ := f.records.ListByProduct(ctx, nil, product.ID)
	if len(recs) == 0 {
		t.Fatal("fixture has no records")
	}

	if _, err := f.service.Amend(ctx, grower, product.ID, AmendInput{PreviousRecordID: recs[0].ID}); err == nil {
		t.Fatal("amend without reason must fail")
	}
	if _, err := f.service.Amend(ctx, grower, product.ID, AmendInput{PreviousRecordID: uuid.New(), Reason: "typo"}); !errors.Is(err, ErrBadState) {
		t.Fatalf("want ErrBadState for foreign record, got %v", err)
	}

	job, err := f.service.Amend(ctx, grower, product.ID, AmendInput{PreviousRecordID: recs[0].ID, Reason: "typo in weight"})
	if err != nil {
		t.Fatalf("Amend: %v", err)
	}
	if job.JobType != types.JobAmend {
		t.Fatalf("job type = %s", job.JobType)
	}
	stored, _ := f.records.GetByID(ctx, nil, job.RecordID)
	if stored.PreviousRecordID == nil || *stored.PreviousRecordID != recs[0].ID || stored.AmendReason != "typo in weight" {
		t.Fatalf("amend record = %+v", stored)
	}
}

func TestInvalidateStampsReasonAndStaysOnChain(t *testing.T) {
	f := newSvcFixture(t)
	ctx := context.Background()
	grower := f.seedUser(t, types.RoleGrower, "")
	product := f.onChain(t, grower)

	job, err := f.service.Invalidate(ctx, grower, product.ID, "contamination found")
	if err != nil {
		t.Fatalf("Invalidate: %v", err)
	}
	if job.JobType != types.JobInvalidate {
		t.Fatalf("job type = %s", job.JobType)
	}
	got, _ := f.products.GetByID(ctx, nil, product.ID)
	if got.Status != types.StatusOnChain {
		t.Fatalf("status = %s, product moves only when the job confirms", got.Status)
	}
	if got.InvalidatedWhy != "contamination found" || got.InvalidatedBy == nil || *got.InvalidatedBy != grower.ID {
		t.Fatalf("invalidation stamp = %q %v", got.InvalidatedWhy, got.InvalidatedBy)
	}
}

func TestInvalidateRequiresOnChain(t *testing.T) {
	f := newSvcFixture(t)
	grower := f.seedUser(t, types.RoleGrower, "")
	product := f.draft(t, grower)
	if _, err := f.service.Invalidate(context.Background(), grower, product.ID, "x"); !errors.Is(err, ErrBadState) {
		t.Fatalf("want ErrBadState, got %v", err)
	}
}
