package services

import (
	"context"
	"errors"
	"testing"

	"github.com/google/uuid"

	"github.com/harvestmark/agritrace-backend/internal/chain"
	"github.com/harvestmark/agritrace-backend/internal/logger"
	"github.com/harvestmark/agritrace-backend/internal/repos"
	"github.com/harvestmark/agritrace-backend/internal/types"
)

type fakeReader struct {
	callOut  []any
	callErr  error
	block    int64
	blockErr error
}

func (f *fakeReader) Call(ctx context.Context, signature string, argTypes []string, args []any, retTypes []string) ([]any, error) {
	return f.callOut, f.callErr
}

func (f *fakeReader) BlockNumber(ctx context.Context) (int64, error) {
	return f.block, f.blockErr
}

type queryFixture struct {
	products repos.ProductRepo
	records  repos.ProductRecordRepo
	service  ChainQueryService
	reader   *fakeReader
}

func newQueryFixture(t *testing.T, reader *fakeReader, contractAddress string) *queryFixture {
	t.Helper()
	db := newTestDB(t)
	log := logger.NewNop()
	f := &queryFixture{
		products: repos.NewProductRepo(db, log),
		records:  repos.NewProductRecordRepo(db, log),
		reader:   reader,
	}
	cfg := &chain.Config{ContractAddress: contractAddress, GroupID: 1}
	f.service = NewChainQueryService(log, reader, cfg, f.products, f.records)
	return f
}

func (f *queryFixture) seedProduct(t *testing.T, traceCode string, status types.ProductStatus) *types.Product {
	t.Helper()
	product := &types.Product{
		ID:          uuid.New(),
		TraceCode:   &traceCode,
		Name:        "spring rice",
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

const liveContract = "0x1111111111111111111111111111111111111111"

func TestVerifyFromChain(t *testing.T) {
	f := newQueryFixture(t, &fakeReader{callOut: []any{true}}, liveContract)
	f.seedProduct(t, "TRACE-1", types.StatusOnChain)

	res, err := f.service.Verify(context.Background(), "TRACE-1")
	if err != nil {
		t.Fatalf("Verify: %v", err)
	}
	if !res.Valid || res.Invalidated || res.Source != "chain" {
		t.Fatalf("res = %+v", res)
	}
}

func TestVerifyFoldsInDatabaseInvalidation(t *testing.T) {
	// The ledger still answers true for a batch voided off-chain; the
	// database verdict wins.
	f := newQueryFixture(t, &fakeReader{callOut: []any{true}}, liveContract)
	f.seedProduct(t, "TRACE-1", types.StatusInvalidated)

	res, err := f.service.Verify(context.Background(), "TRACE-1")
	if err != nil {
		t.Fatalf("Verify: %v", err)
	}
	if res.Valid || !res.Invalidated {
		t.Fatalf("res = %+v", res)
	}
}

func TestVerifyFallsBackToDatabase(t *testing.T) {
	f := newQueryFixture(t, &fakeReader{callErr: &chain.TransportError{Op: "call", Err: errors.New("node down")}}, liveContract)
	f.seedProduct(t, "TRACE-1", types.StatusOnChain)

	res, err := f.service.Verify(context.Background(), "TRACE-1")
	if err != nil {
		t.Fatalf("Verify: %v", err)
	}
	if !res.Valid || res.Source != "database" {
		t.Fatalf("res = %+v", res)
	}
}

func TestVerifyZeroContractUsesDatabase(t *testing.T) {
	f := newQueryFixture(t, &fakeReader{callOut: []any{true}}, "0x0000000000000000000000000000000000000000")
	f.seedProduct(t, "TRACE-1", types.StatusInvalidated)

	res, err := f.service.Verify(context.Background(), "TRACE-1")
	if err != nil {
		t.Fatalf("Verify: %v", err)
	}
	if res.Source != "database" || !res.Invalidated || res.Valid {
		t.Fatalf("res = %+v", res)
	}
}

func TestVerifyUnknownTraceCode(t *testing.T) {
	f := newQueryFixture(t, &fakeReader{callErr: chain.ErrEmptyResult}, liveContract)

	res, err := f.service.Verify(context.Background(), "TRACE-404")
	if err != nil {
		t.Fatalf("Verify: %v", err)
	}
	if res.Valid || res.Invalidated {
		t.Fatalf("res = %+v", res)
	}
	if _, err := f.service.Verify(context.Background(), "  "); err == nil {
		t.Fatal("blank trace code must fail")
	}
}

func TestTraceView(t *testing.T) {
	f := newQueryFixture(t, &fakeReader{callOut: []any{true}}, liveContract)
	product := f.seedProduct(t, "TRACE-1", types.StatusOnChain)
	record := &types.ProductRecord{
		ID:         uuid.New(),
		ProductID:  product.ID,
		Stage:      types.StageGrower,
		Action:     types.ActionCreate,
		OperatorID: uuid.New(),
	}
	if _, err := f.records.Create(context.Background(), nil, record); err != nil {
		t.Fatalf("seed record: %v", err)
	}

	view, err := f.service.Trace(context.Background(), "TRACE-1")
	if err != nil {
		t.Fatalf("Trace: %v", err)
	}
	if view.Product.ID != product.ID || len(view.Records) != 1 {
		t.Fatalf("view = %+v", view)
	}
	if !view.ChainVerified || view.Source != "chain" {
		t.Fatalf("verification = %t %s", view.ChainVerified, view.Source)
	}

	if _, err := f.service.Trace(context.Background(), "TRACE-404"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("want ErrNotFound, got %v", err)
	}
}

func TestChainInfo(t *testing.T) {
	f := newQueryFixture(t, &fakeReader{block: 321}, liveContract)
	info := f.service.Info(context.Background())
	if !info.Reachable || info.BlockNumber != 321 {
		t.Fatalf("info = %+v", info)
	}

	down := newQueryFixture(t, &fakeReader{blockErr: errors.New("node down")}, liveContract)
	info = down.service.Info(context.Background())
	if info.Reachable {
		t.Fatal("unreachable node must not report reachable")
	}
}
