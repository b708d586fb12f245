package lifecycle

import (
	"errors"
	"testing"

	"github.com/harvestmark/agritrace-backend/internal/types"
)

func TestApplyTransitions(t *testing.T) {
	cases := []struct {
		name    string
		from    types.ProductStatus
		trigger Trigger
		want    types.ProductStatus
		wantErr bool
	}{
		{name: "submit_draft", from: types.StatusDraft, trigger: TriggerSubmit, want: types.StatusPendingChain},
		{name: "job_success", from: types.StatusPendingChain, trigger: TriggerJobSuccess, want: types.StatusOnChain},
		{name: "job_failure", from: types.StatusPendingChain, trigger: TriggerJobFailure, want: types.StatusChainFailed},
		{name: "resubmit_failed", from: types.StatusChainFailed, trigger: TriggerResubmit, want: types.StatusPendingChain},
		{name: "record_on_chain", from: types.StatusOnChain, trigger: TriggerRecord, want: types.StatusPendingChain},
		{name: "amend_on_chain", from: types.StatusOnChain, trigger: TriggerAmend, want: types.StatusPendingChain},
		{name: "invalidate_on_chain", from: types.StatusOnChain, trigger: TriggerInvalidate, want: types.StatusInvalidated},

		{name: "submit_twice", from: types.StatusPendingChain, trigger: TriggerSubmit, wantErr: true},
		{name: "resubmit_draft", from: types.StatusDraft, trigger: TriggerResubmit, wantErr: true},
		{name: "record_draft", from: types.StatusDraft, trigger: TriggerRecord, wantErr: true},
		{name: "invalidate_pending", from: types.StatusPendingChain, trigger: TriggerInvalidate, wantErr: true},
		{name: "anything_after_invalidation", from: types.StatusInvalidated, trigger: TriggerRecord, wantErr: true},
		{name: "unknown_status", from: types.ProductStatus("bogus"), trigger: TriggerSubmit, wantErr: true},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			got, err := Apply(tc.from, tc.trigger)
			if tc.wantErr {
				var illegal *IllegalTransition
				if !errors.As(err, &illegal) {
					t.Fatalf("want IllegalTransition, got %v", err)
				}
				return
			}
			if err != nil {
				t.Fatalf("Apply: %v", err)
			}
			if got != tc.want {
				t.Fatalf("Apply = %s, want %s", got, tc.want)
			}
		})
	}
}

func TestCanDelete(t *testing.T) {
	if !CanDelete(types.StatusDraft) {
		t.Fatal("drafts must be deletable")
	}
	for _, status := range []types.ProductStatus{
		types.StatusPendingChain, types.StatusOnChain, types.StatusChainFailed, types.StatusInvalidated,
	} {
		if CanDelete(status) {
			t.Fatalf("%s must not be deletable", status)
		}
	}
}

func TestCheckStageAdvance(t *testing.T) {
	cases := []struct {
		name      string
		from, to  types.ProductStage
		rejecting bool
		wantErr   bool
	}{
		{name: "grower_to_processor", from: types.StageGrower, to: types.StageProcessor},
		{name: "processor_to_inspector", from: types.StageProcessor, to: types.StageInspector},
		{name: "inspector_to_seller", from: types.StageInspector, to: types.StageSeller},
		{name: "seller_to_sold", from: types.StageSeller, to: types.StageSold},
		{name: "skip_ahead", from: types.StageGrower, to: types.StageSeller},

		{name: "backward", from: types.StageInspector, to: types.StageProcessor, wantErr: true},
		{name: "same_stage", from: types.StageProcessor, to: types.StageProcessor, wantErr: true},
		{name: "reject_backward", from: types.StageInspector, to: types.StageProcessor, rejecting: true},
		{name: "reject_forward", from: types.StageInspector, to: types.StageSeller, rejecting: true, wantErr: true},
		{name: "reject_same", from: types.StageInspector, to: types.StageInspector, rejecting: true, wantErr: true},
		{name: "unknown_stage", from: types.ProductStage("warehouse"), to: types.StageSeller, wantErr: true},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			err := CheckStageAdvance(tc.from, tc.to, tc.rejecting)
			if tc.wantErr && err == nil {
				t.Fatal("want error")
			}
			if !tc.wantErr && err != nil {
				t.Fatalf("CheckStageAdvance: %v", err)
			}
		})
	}
}

func TestStageAndActionIndexes(t *testing.T) {
	if StageIndex(types.StageGrower) != 0 || StageIndex(types.StageSold) != 4 {
		t.Fatal("stage indexes drifted from the contract encoding")
	}
	if ActionIndex(types.ActionCreate) != 0 {
		t.Fatalf("create = %d", ActionIndex(types.ActionCreate))
	}
	if ActionIndex(types.ActionInvalidate) != 12 {
		t.Fatalf("invalidate = %d", ActionIndex(types.ActionInvalidate))
	}
}
