// Package ledger holds the transaction lifecycle rules. It has no database or
// network access so admission decisions can be tested in isolation.
package ledger

import (
	"errors"
	"fmt"

	"supporter-ledger/internal/model"
)

var ErrInvalidStateTransition = errors.New("invalid state transition")

// Decision is the outcome of admitting a canonical event against the ledger.
type Decision string

const (
	DecisionInsert               Decision = "insert"
	DecisionUpdatePending        Decision = "update_pending"
	DecisionNoopAlreadyCompleted Decision = "noop_already_completed"
	DecisionRefund               Decision = "refund"
	DecisionAnomaly              Decision = "anomaly"
)

// Transition checks a single status move. A pending row may be refreshed by
// another pending report; every other self-move is rejected so callers can
// tell "nothing to do" apart from "applied".
func Transition(from, to model.TransactionStatus) error {
	switch {
	case from == model.StatusPending && to == model.StatusPending:
		return nil
	case from == model.StatusPending && to == model.StatusCompleted:
		return nil
	case from == model.StatusPending && to == model.StatusFailed:
		return nil
	case from == model.StatusCompleted && to == model.StatusRefunded:
		return nil
	}
	return fmt.Errorf("%w: %s -> %s", ErrInvalidStateTransition, from, to)
}

// InitialStatus reports whether a row may be created directly in status s.
// Refunds are only recorded against an existing completed row.
func InitialStatus(s model.TransactionStatus) error {
	switch s {
	case model.StatusPending, model.StatusCompleted, model.StatusFailed:
		return nil
	}
	return fmt.Errorf("%w: cannot insert as %s", ErrInvalidStateTransition, s)
}

// Decide is the pure form of admission: given the current row status (nil if
// absent) and the incoming status it picks what the guard must do.
func Decide(current *model.TransactionStatus, incoming model.TransactionStatus) (Decision, error) {
	if current == nil {
		if err := InitialStatus(incoming); err != nil {
			return DecisionAnomaly, err
		}
		return DecisionInsert, nil
	}

	from := *current
	switch from {
	case model.StatusPending:
		if err := Transition(from, incoming); err != nil {
			return DecisionAnomaly, err
		}
		return DecisionUpdatePending, nil
	case model.StatusCompleted:
		if incoming == model.StatusRefunded {
			return DecisionRefund, nil
		}
		if incoming == model.StatusCompleted || incoming == model.StatusPending {
			return DecisionNoopAlreadyCompleted, nil
		}
		return DecisionAnomaly, Transition(from, incoming)
	default:
		// failed and refunded are terminal; a repeat of the same report is a
		// duplicate delivery, anything else is an anomaly. Providers keep
		// reporting a refunded payment as completed, so that is stale too.
		if incoming == from || incoming == model.StatusPending {
			return DecisionNoopAlreadyCompleted, nil
		}
		if from == model.StatusRefunded && incoming == model.StatusCompleted {
			return DecisionNoopAlreadyCompleted, nil
		}
		return DecisionAnomaly, Transition(from, incoming)
	}
}

// IsTerminal reports whether no further transition is possible.
func IsTerminal(s model.TransactionStatus) bool {
	return s == model.StatusFailed || s == model.StatusRefunded
}
