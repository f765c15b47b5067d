package ledger

import (
	"errors"
	"testing"

	"supporter-ledger/internal/model"
)

func statusPtr(s model.TransactionStatus) *model.TransactionStatus {
	return &s
}

func TestTransition(t *testing.T) {
	all := []model.TransactionStatus{
		model.StatusPending,
		model.StatusCompleted,
		model.StatusFailed,
		model.StatusRefunded,
	}
	allowed := map[[2]model.TransactionStatus]bool{
		{model.StatusPending, model.StatusPending}:    true,
		{model.StatusPending, model.StatusCompleted}:  true,
		{model.StatusPending, model.StatusFailed}:     true,
		{model.StatusCompleted, model.StatusRefunded}: true,
	}

	for _, from := range all {
		for _, to := range all {
			err := Transition(from, to)
			if allowed[[2]model.TransactionStatus{from, to}] {
				if err != nil {
					t.Errorf("Transition(%s, %s) = %v; want nil", from, to, err)
				}
				continue
			}
			if !errors.Is(err, ErrInvalidStateTransition) {
				t.Errorf("Transition(%s, %s) = %v; want ErrInvalidStateTransition", from, to, err)
			}
		}
	}
}

func TestCompletedNeverReturnsToPending(t *testing.T) {
	if err := Transition(model.StatusCompleted, model.StatusPending); err == nil {
		t.Fatal("completed -> pending must be rejected")
	}
	if err := Transition(model.StatusRefunded, model.StatusCompleted); err == nil {
		t.Fatal("refunded -> completed must be rejected")
	}
}

func TestDecide(t *testing.T) {
	tests := []struct {
		name     string
		current  *model.TransactionStatus
		incoming model.TransactionStatus
		want     Decision
		wantErr  bool
	}{
		{name: "new pending", current: nil, incoming: model.StatusPending, want: DecisionInsert},
		{name: "new completed", current: nil, incoming: model.StatusCompleted, want: DecisionInsert},
		{name: "new failed", current: nil, incoming: model.StatusFailed, want: DecisionInsert},
		{name: "new refunded", current: nil, incoming: model.StatusRefunded, want: DecisionAnomaly, wantErr: true},
		{name: "pending to completed", current: statusPtr(model.StatusPending), incoming: model.StatusCompleted, want: DecisionUpdatePending},
		{name: "pending to failed", current: statusPtr(model.StatusPending), incoming: model.StatusFailed, want: DecisionUpdatePending},
		{name: "pending to refunded", current: statusPtr(model.StatusPending), incoming: model.StatusRefunded, want: DecisionAnomaly, wantErr: true},
		{name: "completed duplicate", current: statusPtr(model.StatusCompleted), incoming: model.StatusCompleted, want: DecisionNoopAlreadyCompleted},
		{name: "completed late pending", current: statusPtr(model.StatusCompleted), incoming: model.StatusPending, want: DecisionNoopAlreadyCompleted},
		{name: "completed refund", current: statusPtr(model.StatusCompleted), incoming: model.StatusRefunded, want: DecisionRefund},
		{name: "completed to failed", current: statusPtr(model.StatusCompleted), incoming: model.StatusFailed, want: DecisionAnomaly, wantErr: true},
		{name: "failed duplicate", current: statusPtr(model.StatusFailed), incoming: model.StatusFailed, want: DecisionNoopAlreadyCompleted},
		{name: "failed to completed", current: statusPtr(model.StatusFailed), incoming: model.StatusCompleted, want: DecisionAnomaly, wantErr: true},
		{name: "refunded duplicate", current: statusPtr(model.StatusRefunded), incoming: model.StatusRefunded, want: DecisionNoopAlreadyCompleted},
		{name: "refunded stale completed", current: statusPtr(model.StatusRefunded), incoming: model.StatusCompleted, want: DecisionNoopAlreadyCompleted},
		{name: "refunded to failed", current: statusPtr(model.StatusRefunded), incoming: model.StatusFailed, want: DecisionAnomaly, wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := Decide(tt.current, tt.incoming)
			if got != tt.want {
				t.Errorf("Decide() = %s; want %s", got, tt.want)
			}
			if (err != nil) != tt.wantErr {
				t.Errorf("Decide() err = %v; wantErr %v", err, tt.wantErr)
			}
		})
	}
}
