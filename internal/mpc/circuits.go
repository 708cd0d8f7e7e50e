// Package mpc is a reference computation cluster. It holds the cluster
// key, evaluates the five position circuits over decrypted values and hands
// re-encrypted results back to the ledger. The circuits are plain
// functions; a real deployment would run them under secret sharing.
package mpc

import (
	"fmt"

	"github.com/alanyoungcy/shootperps/internal/domain"
)

// PositionState is the decrypted content of a position record. Collateral
// is in base units of the collateral token; the other amounts are USD.
type PositionState struct {
	Side       domain.Side
	SizeUSD    uint64
	Collateral uint64
	EntryPrice uint64
	Leverage   uint64
}

// Values lays the state out in position field order.
func (s PositionState) Values() []uint64 {
	v := make([]uint64, domain.PositionFieldCount)
	v[domain.FieldSide] = uint64(s.Side)
	v[domain.FieldSizeUSD] = s.SizeUSD
	v[domain.FieldCollateral] = s.Collateral
	v[domain.FieldEntryPrice] = s.EntryPrice
	v[domain.FieldLeverage] = s.Leverage
	return v
}

// StateFromValues is the inverse of Values.
func StateFromValues(v []uint64) (PositionState, error) {
	if len(v) != domain.PositionFieldCount {
		return PositionState{}, fmt.Errorf("mpc: %w: want %d state values, got %d", domain.ErrInvalidArgument, domain.PositionFieldCount, len(v))
	}
	if v[domain.FieldSide] > uint64(domain.SideShort) {
		return PositionState{}, fmt.Errorf("mpc: %w: side %d", domain.ErrInvalidArgument, v[domain.FieldSide])
	}
	return PositionState{
		Side:       domain.Side(v[domain.FieldSide]),
		SizeUSD:    v[domain.FieldSizeUSD],
		Collateral: v[domain.FieldCollateral],
		EntryPrice: v[domain.FieldEntryPrice],
		Leverage:   v[domain.FieldLeverage],
	}, nil
}

// OpenInput holds the caller's decrypted open arguments. Side is left raw
// so the circuit can reject out-of-range values.
type OpenInput struct {
	Side       uint64
	SizeUSD    uint64
	Collateral uint64
	EntryPrice uint64
}

// UpdateInput holds the caller's decrypted collateral change. Flag is 1 for
// an addition and 0 for a removal.
type UpdateInput struct {
	Delta uint64
	Flag  uint64
}

// Result is a circuit outcome before the state is re-encrypted. State is
// nil when the circuit rejects the operation.
type Result struct {
	Status         uint8
	State          *PositionState
	Profit         uint64
	Loss           uint64
	Leverage       uint64
	TransferAmount uint64
	FeeAmount      uint64
	Liquidatable   bool
	RewardAmount   uint64
	OwnerAmount    uint64
}

// Circuits evaluates the position definitions. Prices and USD amounts use
// domain.USDDecimals; leverage and fees are basis points.
//
//   - InitPosition validates the open arguments and builds the first state.
//   - UpdatePosition adds or removes collateral and recomputes leverage.
//   - CalculatePnl reveals profit, loss and leverage at the current price.
//   - ClosePosition reveals the settlement amounts of a close.
//   - CheckLiquidation decides liquidatability and splits the margin.
type Circuits interface {
	InitPosition(in OpenInput, plain domain.PlainInputs) Result
	UpdatePosition(state PositionState, in UpdateInput, plain domain.PlainInputs) Result
	CalculatePnl(state PositionState, plain domain.PlainInputs) Result
	ClosePosition(state PositionState, plain domain.PlainInputs) Result
	CheckLiquidation(state PositionState, plain domain.PlainInputs) Result
}

// Reference is the plaintext implementation of Circuits.
type Reference struct{}

var _ Circuits = Reference{}

func (Reference) InitPosition(in OpenInput, plain domain.PlainInputs) Result {
	switch {
	case in.Side != uint64(domain.SideLong) && in.Side != uint64(domain.SideShort):
		return Result{Status: domain.InitInvalidSide}
	case in.SizeUSD == 0:
		return Result{Status: domain.InitZeroSize}
	case in.Collateral == 0:
		return Result{Status: domain.InitZeroCollateral}
	case in.EntryPrice == 0:
		return Result{Status: domain.InitZeroEntryPrice}
	case in.Collateral != plain.TransferAmount:
		return Result{Status: domain.InitInputMismatch}
	}
	state := PositionState{
		Side:       domain.Side(in.Side),
		SizeUSD:    in.SizeUSD,
		Collateral: in.Collateral,
		EntryPrice: in.EntryPrice,
		Leverage:   leverage(in.SizeUSD, collateralUSD(in.Collateral, plain)),
	}
	return Result{State: &state}
}

func (Reference) UpdatePosition(state PositionState, in UpdateInput, plain domain.PlainInputs) Result {
	isAdd := in.Flag == 1
	if in.Flag > 1 || isAdd != plain.IsAdd || in.Delta != plain.TransferAmount {
		return Result{Status: domain.UpdateInputMismatch}
	}
	next := state
	if isAdd {
		next.Collateral = domain.AddSat(state.Collateral, in.Delta)
	} else {
		if in.Delta > state.Collateral {
			return Result{Status: domain.UpdateInsufficient}
		}
		next.Collateral = state.Collateral - in.Delta
	}
	next.Leverage = leverage(next.SizeUSD, collateralUSD(next.Collateral, plain))
	if next.Leverage > plain.MaxLeverage {
		return Result{Status: domain.UpdateMaxLeverage}
	}
	return Result{State: &next, Leverage: next.Leverage}
}

func (Reference) CalculatePnl(state PositionState, plain domain.PlainInputs) Result {
	profit, loss := pnl(state, plain.CurrentPrice)
	margin := domain.SubSat(domain.AddSat(collateralUSD(state.Collateral, plain), profit), loss)
	return Result{
		Profit:   profit,
		Loss:     loss,
		Leverage: leverage(state.SizeUSD, margin),
	}
}

func (Reference) ClosePosition(state PositionState, plain domain.PlainInputs) Result {
	profit, loss := pnl(state, plain.CurrentPrice)
	gross := domain.SubSat(domain.AddSat(collateralUSD(state.Collateral, plain), profit), loss)
	fee := domain.FeeAmount(plain.FeeBps, state.SizeUSD)
	final := state
	return Result{
		State:          &final,
		Profit:         profit,
		Loss:           loss,
		TransferAmount: domain.SubSat(gross, fee),
		FeeAmount:      fee,
	}
}

// CheckLiquidation reports a position liquidatable once its leverage at the
// current price reaches the custody maximum.
func (Reference) CheckLiquidation(state PositionState, plain domain.PlainInputs) Result {
	profit, loss := pnl(state, plain.CurrentPrice)
	margin := domain.SubSat(domain.AddSat(collateralUSD(state.Collateral, plain), profit), loss)
	lev := leverage(state.SizeUSD, margin)
	if lev < plain.MaxLeverage {
		return Result{}
	}
	reward := domain.FeeAmount(plain.FeeBps, margin)
	final := state
	return Result{
		State:        &final,
		Loss:         loss,
		Leverage:     lev,
		Liquidatable: true,
		RewardAmount: reward,
		OwnerAmount:  margin - reward,
	}
}

// pnl is |price - entry| * size / entry, signed by side.
func pnl(s PositionState, price uint64) (profit, loss uint64) {
	if s.EntryPrice == 0 || price == s.EntryPrice {
		return 0, 0
	}
	up := price > s.EntryPrice
	var delta uint64
	if up {
		delta = price - s.EntryPrice
	} else {
		delta = s.EntryPrice - price
	}
	amount := domain.MulDivSat(delta, s.SizeUSD, s.EntryPrice)
	if up == (s.Side == domain.SideLong) {
		return amount, 0
	}
	return 0, amount
}

func leverage(sizeUSD, marginUSD uint64) uint64 {
	if marginUSD == 0 {
		return domain.MaxLeverageSentinel
	}
	return domain.MulDivSat(sizeUSD, domain.BPSPower, marginUSD)
}

func collateralUSD(amount uint64, plain domain.PlainInputs) uint64 {
	v, err := domain.USDPrice(plain.CollateralPrice).AssetAmountUSD(amount, plain.CollateralDecimals)
	if err != nil {
		return ^uint64(0)
	}
	return v
}
