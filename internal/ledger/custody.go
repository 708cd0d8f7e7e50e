package ledger

import (
	"errors"
	"fmt"
	"log/slog"

	"github.com/alanyoungcy/shootperps/internal/domain"
	"github.com/alanyoungcy/shootperps/internal/token"
)

// Settlement runs in callback transactions and works off the escrow record
// only, so it never depends on a ciphertext. Custodies are loaded without
// the active checks: a position opened before a custody was paused must
// still settle.

func (x *execution) escrowPair(pos domain.Position) (domain.PositionEscrow, custodyPair, error) {
	escrow, err := x.tx.Escrow(x.ctx, pos.Address)
	if err != nil {
		return escrow, custodyPair{}, fmt.Errorf("ledger: escrow %s: %w", pos.Address, err)
	}
	c, err := x.tx.Custody(x.ctx, escrow.Custody)
	if err != nil {
		return escrow, custodyPair{}, fmt.Errorf("ledger: custody %s: %w", escrow.Custody, err)
	}
	pair := custodyPair{custody: &c, collateral: &c}
	if escrow.CollateralCustody != escrow.Custody {
		coll, err := x.tx.Custody(x.ctx, escrow.CollateralCustody)
		if err != nil {
			return escrow, custodyPair{}, fmt.Errorf("ledger: custody %s: %w", escrow.CollateralCustody, err)
		}
		pair.collateral = &coll
	}
	return escrow, pair, nil
}

func (x *execution) payOut(coll *domain.Custody, to domain.Pubkey, amount uint64) error {
	return token.TransferToOwner(x.ctx, x.tx, coll.Mint, coll.TokenAccount, coll.Address, to, amount)
}

// refund reverses the submit-time custody effects of a computation that
// will never finalize. Only opens and collateral additions move funds at
// submit.
func (x *execution) refund(comp domain.Computation, pos domain.Position) error {
	switch {
	case comp.Kind == domain.KindOpen:
		return x.refundOpen(pos)
	case comp.Kind == domain.KindUpdate && comp.Plain.IsAdd:
		return x.refundAdd(pos, comp.Plain.TransferAmount)
	}
	return nil
}

// refundOpen returns the deposited collateral and releases the lock. The
// open fee is kept.
func (x *execution) refundOpen(pos domain.Position) error {
	escrow, pair, err := x.escrowPair(pos)
	if errors.Is(err, domain.ErrNotFound) {
		return nil
	}
	if err != nil {
		return err
	}
	custody, coll := pair.custody, pair.collateral
	custody.UnlockFunds(escrow.Locked)
	custody.TradeStats.OpenInterestUSD = domain.SubSat(custody.TradeStats.OpenInterestUSD, escrow.SizeUSD)
	coll.Assets.Collateral = domain.SubSat(coll.Assets.Collateral, escrow.Collateral)
	if err := x.payOut(coll, pos.Owner, escrow.Collateral); err != nil {
		return fmt.Errorf("ledger: refund open collateral: %w", err)
	}
	if err := x.savePair(pair); err != nil {
		return err
	}
	return x.tx.DeleteEscrow(x.ctx, pos.Address)
}

// refundAdd returns an addition whose callback failed. A settlement that
// ran first has already returned it along with the escrow.
func (x *execution) refundAdd(pos domain.Position, amount uint64) error {
	escrow, pair, err := x.escrowPair(pos)
	if errors.Is(err, domain.ErrNotFound) {
		return nil
	}
	if err != nil {
		return err
	}
	amount = min(amount, escrow.PendingAdd)
	escrow.PendingAdd -= amount
	coll := pair.collateral
	coll.Assets.Collateral = domain.SubSat(coll.Assets.Collateral, amount)
	if err := x.payOut(coll, pos.Owner, amount); err != nil {
		return fmt.Errorf("ledger: refund added collateral: %w", err)
	}
	if err := x.putCustody(coll); err != nil {
		return err
	}
	return x.tx.PutEscrow(x.ctx, escrow)
}

// settleUpdate books a finalized collateral change. Additions were
// transferred at submit; removals are paid out now.
func (x *execution) settleUpdate(comp domain.Computation, pos domain.Position) error {
	escrow, pair, err := x.escrowPair(pos)
	if err != nil {
		return err
	}
	amount := comp.Plain.TransferAmount
	if comp.Plain.IsAdd {
		amount = min(amount, escrow.PendingAdd)
		escrow.PendingAdd -= amount
		escrow.Collateral += amount
		return x.tx.PutEscrow(x.ctx, escrow)
	}
	amount = min(amount, escrow.Collateral)
	escrow.Collateral -= amount
	coll := pair.collateral
	coll.Assets.Collateral = domain.SubSat(coll.Assets.Collateral, amount)
	if err := x.payOut(coll, pos.Owner, amount); err != nil {
		return fmt.Errorf("ledger: withdraw collateral: %w", err)
	}
	if err := x.putCustody(coll); err != nil {
		return err
	}
	return x.tx.PutEscrow(x.ctx, escrow)
}

// returnPendingAdd refunds an addition still awaiting its callback. The
// settling computation ran on the state before the addition.
func (x *execution) returnPendingAdd(escrow *domain.PositionEscrow, coll *domain.Custody, owner domain.Pubkey) error {
	if escrow.PendingAdd == 0 {
		return nil
	}
	amount := escrow.PendingAdd
	escrow.PendingAdd = 0
	coll.Assets.Collateral = domain.SubSat(coll.Assets.Collateral, amount)
	if err := x.payOut(coll, owner, amount); err != nil {
		return fmt.Errorf("ledger: return pending collateral: %w", err)
	}
	return nil
}

// release unlocks the position's reservation and moves its deposit from
// collateral into the pool. It returns the amount the pool can pay out
// without leaving other positions' locks uncovered.
func release(escrow domain.PositionEscrow, pair custodyPair) uint64 {
	custody, coll := pair.custody, pair.collateral
	custody.UnlockFunds(escrow.Locked)
	custody.TradeStats.OpenInterestUSD = domain.SubSat(custody.TradeStats.OpenInterestUSD, escrow.SizeUSD)
	coll.Assets.Collateral = domain.SubSat(coll.Assets.Collateral, escrow.Collateral)
	coll.Assets.Owned = domain.AddSat(coll.Assets.Owned, escrow.Collateral)
	return coll.Available()
}

// settleClose pays the trader the circuit's transfer amount, capped by the
// pool's free liquidity, and books the close fee. It returns the token
// amounts paid and charged.
func (x *execution) settleClose(comp domain.Computation, pos domain.Position, out domain.Outputs) (payout, fee uint64, err error) {
	escrow, pair, err := x.escrowPair(pos)
	if err != nil {
		return 0, 0, err
	}
	custody, coll := pair.custody, pair.collateral
	collPrice := domain.USDPrice(comp.Plain.CollateralPrice)
	if payout, err = collPrice.TokenAmount(out.TransferAmount, coll.Decimals); err != nil {
		return 0, 0, err
	}
	if fee, err = collPrice.TokenAmount(out.FeeAmount, coll.Decimals); err != nil {
		return 0, 0, err
	}
	now := x.now.Unix()
	custody.UpdateBorrowRate(now)
	if !pair.same() {
		coll.UpdateBorrowRate(now)
	}

	if err := x.returnPendingAdd(&escrow, coll, pos.Owner); err != nil {
		return 0, 0, err
	}
	available := release(escrow, pair)
	protocolFee, _ := coll.Fees.Split(fee)
	protocolFee = min(protocolFee, available)
	payout = min(payout, available-protocolFee)
	coll.Assets.Owned -= payout + protocolFee
	coll.Assets.ProtocolFees += protocolFee

	custody.TradeStats.ProfitUSD = domain.AddSat(custody.TradeStats.ProfitUSD, out.Profit)
	custody.TradeStats.LossUSD = domain.AddSat(custody.TradeStats.LossUSD, out.Loss)
	custody.VolumeStats.ClosePositionUSD = domain.AddSat(custody.VolumeStats.ClosePositionUSD, escrow.SizeUSD)
	coll.CollectedFees.ClosePositionUSD = domain.AddSat(coll.CollectedFees.ClosePositionUSD, out.FeeAmount)

	if err := x.payOut(coll, pos.Owner, payout); err != nil {
		return 0, 0, fmt.Errorf("ledger: close payout: %w", err)
	}
	if err := x.savePair(pair); err != nil {
		return 0, 0, err
	}
	return payout, fee, x.tx.DeleteEscrow(x.ctx, pos.Address)
}

// settleLiquidation pays the liquidator's reward and returns the remaining
// margin to the owner. Liquidations carry no protocol fee.
func (x *execution) settleLiquidation(comp domain.Computation, pos domain.Position, out domain.Outputs) (reward, owner uint64, err error) {
	escrow, pair, err := x.escrowPair(pos)
	if err != nil {
		return 0, 0, err
	}
	custody, coll := pair.custody, pair.collateral
	collPrice := domain.USDPrice(comp.Plain.CollateralPrice)
	if reward, err = collPrice.TokenAmount(out.RewardAmount, coll.Decimals); err != nil {
		return 0, 0, err
	}
	if owner, err = collPrice.TokenAmount(out.OwnerAmount, coll.Decimals); err != nil {
		return 0, 0, err
	}
	now := x.now.Unix()
	custody.UpdateBorrowRate(now)
	if !pair.same() {
		coll.UpdateBorrowRate(now)
	}

	if err := x.returnPendingAdd(&escrow, coll, pos.Owner); err != nil {
		return 0, 0, err
	}
	available := release(escrow, pair)
	reward = min(reward, available)
	owner = min(owner, available-reward)
	coll.Assets.Owned -= reward + owner

	custody.TradeStats.LossUSD = domain.AddSat(custody.TradeStats.LossUSD, out.Loss)
	custody.VolumeStats.LiquidationUSD = domain.AddSat(custody.VolumeStats.LiquidationUSD, escrow.SizeUSD)
	coll.CollectedFees.LiquidationUSD = domain.AddSat(coll.CollectedFees.LiquidationUSD, out.RewardAmount)

	if err := x.payOut(coll, comp.Signer, reward); err != nil {
		return 0, 0, fmt.Errorf("ledger: liquidation reward: %w", err)
	}
	if err := x.payOut(coll, pos.Owner, owner); err != nil {
		return 0, 0, fmt.Errorf("ledger: liquidation owner amount: %w", err)
	}
	if err := x.savePair(pair); err != nil {
		return 0, 0, err
	}
	return reward, owner, x.tx.DeleteEscrow(x.ctx, pos.Address)
}

func (x *execution) logSettlement(comp *domain.Computation, kind string, paid, charged uint64) {
	x.logger.InfoContext(x.ctx, "position settled",
		slog.String("settlement", kind),
		slog.Uint64("offset", comp.Offset),
		slog.String("position", comp.Position.String()),
		slog.Uint64("paid", paid),
		slog.Uint64("charged", charged),
	)
}
