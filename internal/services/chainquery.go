package services

import (
	"context"
	"errors"
	"strings"

	"github.com/harvestmark/agritrace-backend/internal/chain"
	"github.com/harvestmark/agritrace-backend/internal/logger"
	"github.com/harvestmark/agritrace-backend/internal/repos"
	"github.com/harvestmark/agritrace-backend/internal/types"
)

// ChainReader is the read-side contract surface this service needs. The RPC
// client satisfies it; tests substitute a fake.
type ChainReader interface {
	Call(ctx context.Context, signature string, argTypes []string, args []any, retTypes []string) ([]any, error)
	BlockNumber(ctx context.Context) (int64, error)
}

// VerifyResult is the public verification answer. Source records whether the
// ledger answered or the database had to stand in for it.
type VerifyResult struct {
	TraceCode   string `json:"trace_code"`
	Valid       bool   `json:"valid"`
	Invalidated bool   `json:"invalidated"`
	Source      string `json:"source"`
}

// TraceView is the full public provenance view for one trace code.
type TraceView struct {
	Product       *types.Product         `json:"product"`
	Records       []*types.ProductRecord `json:"records"`
	ChainVerified bool                   `json:"chain_verified"`
	Source        string                 `json:"source"`
}

type ChainInfo struct {
	BlockNumber     int64  `json:"block_number"`
	ContractAddress string `json:"contract_address"`
	GroupID         int    `json:"group_id"`
	Reachable       bool   `json:"reachable"`
}

// ChainQueryService answers public trace queries. The ledger is asked first;
// when it is unreachable, returns nothing, or the contract address is still
// the zero placeholder, the database answers instead and the response says
// so. A consumer scanning a QR code gets an answer either way.
type ChainQueryService interface {
	Verify(ctx context.Context, traceCode string) (*VerifyResult, error)
	Trace(ctx context.Context, traceCode string) (*TraceView, error)
	Info(ctx context.Context) *ChainInfo
}

type chainQueryService struct {
	log      *logger.Logger
	reader   ChainReader
	cfg      *chain.Config
	products repos.ProductRepo
	records  repos.ProductRecordRepo
}

func NewChainQueryService(baseLog *logger.Logger, reader ChainReader, cfg *chain.Config, productRepo repos.ProductRepo, recordRepo repos.ProductRecordRepo) ChainQueryService {
	return &chainQueryService{
		log:      baseLog.With("service", "ChainQueryService"),
		reader:   reader,
		cfg:      cfg,
		products: productRepo,
		records:  recordRepo,
	}
}

const zeroContract = "0x0000000000000000000000000000000000000000"

func (cq *chainQueryService) chainUsable() bool {
	if cq.reader == nil || cq.cfg == nil {
		return false
	}
	addr := strings.ToLower(strings.TrimSpace(cq.cfg.ContractAddress))
	return addr != "" && addr != zeroContract
}

func (cq *chainQueryService) Verify(ctx context.Context, traceCode string) (*VerifyResult, error) {
	traceCode = strings.TrimSpace(traceCode)
	if traceCode == "" {
		return nil, errors.New("trace code is required")
	}
	if cq.chainUsable() {
		out, err := cq.reader.Call(ctx, "verifyTraceCode(string)", []string{"string"}, []any{traceCode}, []string{"bool"})
		if err == nil && len(out) == 1 {
			valid, _ := out[0].(bool)
			res := &VerifyResult{TraceCode: traceCode, Valid: valid, Source: "chain"}
			if valid {
				// Invalidation is tracked off-chain too; fold it in so a
				// voided batch never verifies as good.
				if product, dbErr := cq.products.GetByTraceCode(ctx, nil, traceCode); dbErr == nil && product != nil && product.Status == types.StatusInvalidated {
					res.Valid = false
					res.Invalidated = true
				}
			}
			return res, nil
		}
		if err != nil && !errors.Is(err, chain.ErrEmptyResult) {
			cq.log.Warn("Chain verify failed, falling back to database", "trace_code", traceCode, "error", err)
		}
	}
	return cq.verifyFromDB(ctx, traceCode)
}

func (cq *chainQueryService) verifyFromDB(ctx context.Context, traceCode string) (*VerifyResult, error) {
	product, err := cq.products.GetByTraceCode(ctx, nil, traceCode)
	if err != nil {
		return nil, err
	}
	res := &VerifyResult{TraceCode: traceCode, Source: "database"}
	if product == nil {
		return res, nil
	}
	switch product.Status {
	case types.StatusOnChain:
		res.Valid = true
	case types.StatusInvalidated:
		res.Invalidated = true
	}
	return res, nil
}

func (cq *chainQueryService) Trace(ctx context.Context, traceCode string) (*TraceView, error) {
	traceCode = strings.TrimSpace(traceCode)
	product, err := cq.products.GetByTraceCode(ctx, nil, traceCode)
	if err != nil {
		return nil, err
	}
	if product == nil {
		return nil, ErrNotFound
	}
	recs, err := cq.records.ListByProduct(ctx, nil, product.ID)
	if err != nil {
		return nil, err
	}
	view := &TraceView{Product: product, Records: recs, Source: "database"}
	if cq.chainUsable() {
		out, cErr := cq.reader.Call(ctx, "verifyTraceCode(string)", []string{"string"}, []any{traceCode}, []string{"bool"})
		if cErr == nil && len(out) == 1 {
			if valid, _ := out[0].(bool); valid {
				view.ChainVerified = true
				view.Source = "chain"
			}
		}
	}
	return view, nil
}

func (cq *chainQueryService) Info(ctx context.Context) *ChainInfo {
	info := &ChainInfo{
		ContractAddress: cq.cfg.ContractAddress,
		GroupID:         cq.cfg.GroupID,
	}
	if cq.reader == nil {
		return info
	}
	if bn, err := cq.reader.BlockNumber(ctx); err == nil {
		info.BlockNumber = bn
		info.Reachable = true
	}
	return info
}
