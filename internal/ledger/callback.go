package ledger

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"

	"github.com/alanyoungcy/shootperps/internal/domain"
	"github.com/alanyoungcy/shootperps/internal/metrics"
)

const reasonNotLiquidatable = "not_liquidatable"

// HandleCallback applies a cluster result to its pending computation.
//
// A callback that fails a consistency check still commits: the computation
// is marked rejected, submit-time transfers are refunded, and the check's
// error is returned so the cluster does not retry. Any other error means
// nothing was committed.
func (p *Program) HandleCallback(ctx context.Context, cb domain.SignedCallback) error {
	if err := p.callbacks.Verify(cb); err != nil {
		return err
	}
	var payload domain.CallbackPayload
	if err := json.Unmarshal(cb.Payload, &payload); err != nil {
		return fmt.Errorf("ledger: %w: %v", domain.ErrInvalidCallback, err)
	}

	var (
		status  domain.ComputationStatus
		verdict error
	)
	err := p.run(ctx, domain.Pubkey{}, p.now(), func(x *execution) error {
		var err error
		status, verdict, err = p.finalize(x, payload)
		return err
	})
	if err != nil {
		metrics.LedgerCallbacks.WithLabelValues(string(payload.Definition), "error").Inc()
		p.logger.WarnContext(ctx, "callback refused",
			slog.Uint64("offset", payload.Offset),
			slog.String("definition", string(payload.Definition)),
			slog.String("error", err.Error()),
		)
		return err
	}
	metrics.LedgerCallbacks.WithLabelValues(string(payload.Definition), status.String()).Inc()
	attrs := []any{
		slog.Uint64("offset", payload.Offset),
		slog.String("definition", string(payload.Definition)),
		slog.String("status", status.String()),
	}
	if verdict != nil {
		p.logger.WarnContext(ctx, "callback rejected", append(attrs, slog.String("error", verdict.Error()))...)
		return verdict
	}
	p.logger.InfoContext(ctx, "computation resolved", attrs...)
	return nil
}

// finalize resolves one computation. It returns the resulting status and,
// for a rejected callback, the consistency error.
func (p *Program) finalize(x *execution, payload domain.CallbackPayload) (domain.ComputationStatus, error, error) {
	comp, err := x.tx.Computation(x.ctx, payload.Offset)
	if errors.Is(err, domain.ErrNotFound) {
		return 0, nil, fmt.Errorf("ledger: offset %d: %w: unknown computation", payload.Offset, domain.ErrInvalidCallback)
	}
	if err != nil {
		return 0, nil, err
	}
	if comp.Status.Resolved() {
		return comp.Status, nil, fmt.Errorf("ledger: offset %d is %s: %w", comp.Offset, comp.Status, domain.ErrComputationResolved)
	}
	if payload.Definition != comp.Definition {
		return 0, nil, fmt.Errorf("ledger: offset %d: %w: definition %s, want %s", comp.Offset, domain.ErrInvalidCallback, payload.Definition, comp.Definition)
	}
	pos, err := x.tx.Position(x.ctx, comp.Position)
	if err != nil {
		return 0, nil, fmt.Errorf("ledger: position %s: %w", comp.Position, err)
	}
	out := payload.Outputs

	if verdict := checkConsistency(comp, pos, out); verdict != nil {
		if err := x.fail(&comp, pos, domain.StatusRejected, domain.ReasonCode(verdict), nil); err != nil {
			return 0, nil, err
		}
		return domain.StatusRejected, verdict, nil
	}
	if out.Status != domain.StatusOK {
		reason := domain.CircuitStatusReason(comp.Definition, out.Status)
		if err := x.fail(&comp, pos, domain.StatusFailed, reason, &out); err != nil {
			return 0, nil, err
		}
		return domain.StatusFailed, nil, nil
	}
	if comp.Kind == domain.KindLiquidate && !out.Liquidatable {
		if err := x.fail(&comp, pos, domain.StatusFailed, reasonNotLiquidatable, &out); err != nil {
			return 0, nil, err
		}
		return domain.StatusFailed, nil, nil
	}
	if err := x.succeed(&comp, pos, out); err != nil {
		return 0, nil, err
	}
	return domain.StatusFinalized, nil, nil
}

// checkConsistency guards mutating results against stale or malformed
// state. PnL results are read-only and always delivered.
func checkConsistency(comp domain.Computation, pos domain.Position, out domain.Outputs) error {
	if !comp.Kind.Mutating() {
		return nil
	}
	if pos.Nonce != comp.ExpectedNonce {
		return fmt.Errorf("ledger: position nonce %s, computation expected %s: %w", pos.Nonce, comp.ExpectedNonce, domain.ErrNonceMismatch)
	}
	if out.Status != domain.StatusOK || (comp.Kind == domain.KindLiquidate && !out.Liquidatable) {
		return nil
	}
	if out.State == nil {
		return fmt.Errorf("ledger: %w: result carries no state", domain.ErrInvalidCallback)
	}
	if out.State.Nonce != comp.OutputNonce {
		return fmt.Errorf("ledger: output nonce %s, want %s: %w", out.State.Nonce, comp.OutputNonce, domain.ErrNonceMismatch)
	}
	if err := out.State.Fields.CheckNonZero(); err != nil {
		return fmt.Errorf("ledger: output state: %w", err)
	}
	return nil
}

// fail resolves comp without applying its result and undoes submit-time
// transfers.
func (x *execution) fail(comp *domain.Computation, pos domain.Position, status domain.ComputationStatus, reason string, out *domain.Outputs) error {
	if err := x.refund(*comp, pos); err != nil {
		return err
	}
	comp.Status = status
	comp.Reason = reason
	comp.Outputs = out
	comp.ResolvedAt = x.now
	comp.Request = nil
	if err := x.tx.PutComputation(x.ctx, *comp); err != nil {
		return err
	}
	return x.emit(domain.Event{
		Type:     domain.EventComputationFailed,
		Offset:   comp.Offset,
		Kind:     comp.Kind,
		Status:   status,
		Position: pos.Address,
		Custody:  pos.Custody,
		Owner:    pos.Owner,
		Nonce:    pos.Nonce,
		Reason:   reason,
	})
}

// succeed applies a successful result. Events carry the circuit's revealed
// USD outputs; Amount is the token amount paid to the owner.
func (x *execution) succeed(comp *domain.Computation, pos domain.Position, out domain.Outputs) error {
	event := domain.Event{
		Offset:   comp.Offset,
		Kind:     comp.Kind,
		Status:   domain.StatusFinalized,
		Position: pos.Address,
		Custody:  pos.Custody,
		Owner:    pos.Owner,
	}
	if out.State != nil && comp.Kind.Mutating() {
		pos.Fields = out.State.Fields
		pos.Nonce = out.State.Nonce
		pos.UpdateTime = x.now
	}

	switch comp.Kind {
	case domain.KindOpen:
		pos.Active = true
		event.Type = domain.EventPositionOpened
	case domain.KindUpdate:
		if err := x.settleUpdate(*comp, pos); err != nil {
			return err
		}
		event.Type = domain.EventPositionUpdated
		event.Leverage = out.Leverage
		event.Amount = comp.Plain.TransferAmount
	case domain.KindPnl:
		event.Type = domain.EventPnlCalculated
		event.Profit = out.Profit
		event.Loss = out.Loss
		event.Leverage = out.Leverage
	case domain.KindClose:
		payout, fee, err := x.settleClose(*comp, pos, out)
		if err != nil {
			return err
		}
		pos.Active = false
		event.Type = domain.EventPositionClosed
		event.Profit = out.Profit
		event.Loss = out.Loss
		event.TransferAmount = out.TransferAmount
		event.FeeAmount = out.FeeAmount
		event.Amount = payout
		x.logSettlement(comp, "close", payout, fee)
	case domain.KindLiquidate:
		reward, owner, err := x.settleLiquidation(*comp, pos, out)
		if err != nil {
			return err
		}
		pos.Active = false
		event.Type = domain.EventPositionLiquidated
		event.Loss = out.Loss
		event.Leverage = out.Leverage
		event.RewardAmount = out.RewardAmount
		event.OwnerAmount = out.OwnerAmount
		event.Amount = owner
		x.logSettlement(comp, "liquidation", owner, reward)
	default:
		return fmt.Errorf("ledger: offset %d: %w: kind %s", comp.Offset, domain.ErrInvalidCallback, comp.Kind)
	}

	if comp.Kind.Mutating() {
		if err := x.tx.PutPosition(x.ctx, pos); err != nil {
			return err
		}
	}
	event.Nonce = pos.Nonce
	comp.Status = domain.StatusFinalized
	comp.Outputs = &out
	comp.ResolvedAt = x.now
	comp.Request = nil
	if err := x.tx.PutComputation(x.ctx, *comp); err != nil {
		return err
	}
	return x.emit(event)
}
