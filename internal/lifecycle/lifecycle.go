// Package lifecycle is the single authority over product status transitions.
// Every status write in the service goes through Apply; scattered status
// assignments are not allowed anywhere else.
package lifecycle

import (
	"fmt"

	"github.com/harvestmark/agritrace-backend/internal/types"
)

type Trigger string

const (
	TriggerSubmit     Trigger = "submit"
	TriggerJobSuccess Trigger = "job_success"
	TriggerJobFailure Trigger = "job_failure"
	TriggerResubmit   Trigger = "resubmit"
	TriggerRecord     Trigger = "record"
	TriggerAmend      Trigger = "amend"
	TriggerInvalidate Trigger = "invalidate"
)

// IllegalTransition reports a status write the table does not allow.
type IllegalTransition struct {
	From    types.ProductStatus
	Trigger Trigger
}

func (e *IllegalTransition) Error() string {
	return fmt.Sprintf("illegal transition: %s on %s", e.Trigger, e.From)
}

var transitions = map[types.ProductStatus]map[Trigger]types.ProductStatus{
	types.StatusDraft: {
		TriggerSubmit: types.StatusPendingChain,
	},
	types.StatusPendingChain: {
		TriggerJobSuccess: types.StatusOnChain,
		TriggerJobFailure: types.StatusChainFailed,
	},
	types.StatusChainFailed: {
		TriggerResubmit: types.StatusPendingChain,
	},
	types.StatusOnChain: {
		// Record and amend pass through pending_chain transiently while
		// their jobs run.
		TriggerRecord:     types.StatusPendingChain,
		TriggerAmend:      types.StatusPendingChain,
		TriggerInvalidate: types.StatusInvalidated,
	},
	types.StatusInvalidated: {},
}

// Apply validates and resolves one transition. It never mutates anything;
// callers persist the returned status.
func Apply(current types.ProductStatus, trigger Trigger) (types.ProductStatus, error) {
	row, ok := transitions[current]
	if !ok {
		return "", &IllegalTransition{From: current, Trigger: trigger}
	}
	next, ok := row[trigger]
	if !ok {
		return "", &IllegalTransition{From: current, Trigger: trigger}
	}
	return next, nil
}

// CanDelete reports whether the record purge path is open. Only drafts, which
// have no ledger presence, may be deleted.
func CanDelete(status types.ProductStatus) bool {
	return status == types.StatusDraft
}

var stageRank = map[types.ProductStage]int{
	types.StageGrower:    0,
	types.StageProcessor: 1,
	types.StageInspector: 2,
	types.StageSeller:    3,
	types.StageSold:      4,
}

// CheckStageAdvance enforces forward-only custody movement. Rejection is the
// one sanctioned backward move.
func CheckStageAdvance(from, to types.ProductStage, rejecting bool) error {
	fromRank, ok := stageRank[from]
	if !ok {
		return fmt.Errorf("unknown stage %q", from)
	}
	toRank, ok := stageRank[to]
	if !ok {
		return fmt.Errorf("unknown stage %q", to)
	}
	if rejecting {
		if toRank >= fromRank {
			return fmt.Errorf("reject must move backward, got %s -> %s", from, to)
		}
		return nil
	}
	if toRank <= fromRank {
		return fmt.Errorf("stage only advances forward, got %s -> %s", from, to)
	}
	return nil
}

// StageIndex returns the numeric stage used by the ledger contract.
func StageIndex(stage types.ProductStage) int64 {
	return int64(stageRank[stage])
}

var actionIndex = map[types.RecordAction]int64{
	types.ActionCreate:       0,
	types.ActionHarvest:      1,
	types.ActionReceive:      2,
	types.ActionProcess:      3,
	types.ActionSendInspect:  4,
	types.ActionStartInspect: 5,
	types.ActionInspect:      6,
	types.ActionReject:       7,
	types.ActionStockIn:      8,
	types.ActionSell:         9,
	types.ActionTransfer:     10,
	types.ActionAmend:        11,
	types.ActionInvalidate:   12,
}

// ActionIndex returns the numeric action code used by the ledger contract.
func ActionIndex(action types.RecordAction) int64 {
	return actionIndex[action]
}
