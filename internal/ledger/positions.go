package ledger

import (
	"errors"
	"fmt"

	"github.com/alanyoungcy/shootperps/internal/domain"
	"github.com/alanyoungcy/shootperps/internal/token"
)

// Order of the encrypted values in position operation inputs.
const (
	OpenInputSide = iota
	OpenInputSize
	OpenInputCollateral
	OpenInputEntryPrice
)

const (
	UpdateInputDelta = iota
	UpdateInputFlag
)

// custodyPair is the traded custody and the collateral custody of a
// position. They alias one value when the position is collateralized in
// the traded asset.
type custodyPair struct {
	custody    *domain.Custody
	collateral *domain.Custody
}

func (cp custodyPair) same() bool { return cp.custody == cp.collateral }

func (x *execution) loadPair(custody, collateral domain.Pubkey) (custodyPair, error) {
	_, c, err := x.liveCustody(custody)
	if err != nil {
		return custodyPair{}, err
	}
	pair := custodyPair{custody: &c, collateral: &c}
	if collateral != custody && !collateral.IsZero() {
		_, coll, err := x.liveCustody(collateral)
		if err != nil {
			return custodyPair{}, err
		}
		if coll.Pool != c.Pool {
			return custodyPair{}, fmt.Errorf("ledger: %w: collateral custody belongs to another pool", domain.ErrInvalidArgument)
		}
		pair.collateral = &coll
	}
	return pair, nil
}

func (x *execution) savePair(cp custodyPair) error {
	if err := x.putCustody(cp.custody); err != nil {
		return err
	}
	if cp.same() {
		return nil
	}
	return x.putCustody(cp.collateral)
}

func (x *execution) prices(cp custodyPair) (price, collPrice domain.OraclePrice, err error) {
	price, err = x.price(cp.custody)
	if err != nil {
		return price, collPrice, err
	}
	if cp.same() {
		return price, price, nil
	}
	collPrice, err = x.price(cp.collateral)
	return price, collPrice, err
}

func (x *execution) checkOffset(offset uint64) error {
	if offset == 0 {
		return fmt.Errorf("ledger: %w: zero computation offset", domain.ErrInvalidArgument)
	}
	if _, err := x.tx.Computation(x.ctx, offset); err == nil {
		return fmt.Errorf("ledger: computation offset %d: %w", offset, domain.ErrAlreadyExists)
	} else if !errors.Is(err, domain.ErrNotFound) {
		return err
	}
	return nil
}

// activePosition loads a live position. With owned set, only its owner may
// act on it.
func (x *execution) activePosition(addr domain.Pubkey, owned bool) (domain.Position, error) {
	pos, err := x.tx.Position(x.ctx, addr)
	if errors.Is(err, domain.ErrNotFound) {
		return pos, fmt.Errorf("ledger: position %s: %w", addr, domain.ErrPositionNotFound)
	}
	if err != nil {
		return pos, err
	}
	if owned && pos.Owner != x.signer {
		return pos, fmt.Errorf("ledger: position %s: %w", addr, domain.ErrUnauthorized)
	}
	if !pos.Active {
		return pos, fmt.Errorf("ledger: position %s: %w", addr, domain.ErrPositionInactive)
	}
	return pos, nil
}

// submit records a pending computation and queues its request once the
// transaction commits.
func (x *execution) submit(c domain.Computation, req domain.ComputationRequest, event domain.Event) error {
	c.Definition = c.Kind.Definition()
	c.Signer = x.signer
	c.Status = domain.StatusPending
	c.SubmittedAt = x.now

	req.Offset = c.Offset
	req.Kind = c.Kind
	req.Definition = c.Definition
	req.Position = c.Position
	req.OutputNonce = c.OutputNonce
	req.Plain = c.Plain
	c.Request = &req

	if err := x.tx.PutComputation(x.ctx, c); err != nil {
		return fmt.Errorf("ledger: record computation %d: %w", c.Offset, err)
	}
	event.Offset = c.Offset
	event.Kind = c.Kind
	event.Status = domain.StatusPending
	event.Position = c.Position
	if event.Type == "" {
		event.Type = domain.EventComputationQueued
	}
	if err := x.emit(event); err != nil {
		return err
	}
	x.enqueue(req)
	return nil
}

func checkCiphertexts(cts ...domain.Ciphertext) error {
	for _, ct := range cts {
		if ct.IsZero() {
			return fmt.Errorf("ledger: %w: empty encrypted input", domain.ErrInvalidArgument)
		}
	}
	return nil
}

func usd(p domain.OraclePrice) (uint64, error) {
	v, err := p.USD()
	if err != nil {
		return 0, fmt.Errorf("ledger: price scale: %w", err)
	}
	return v, nil
}

func (p *Program) openPosition(x *execution, args domain.OpenPositionArgs) (domain.TxResult, error) {
	perps, err := x.perpetuals()
	if err != nil {
		return domain.TxResult{}, err
	}
	if !perps.Permissions.AllowOpenPosition {
		return domain.TxResult{}, fmt.Errorf("ledger: open_position: %w", domain.ErrPermissionDenied)
	}
	pair, err := x.loadPair(args.Custody, args.CollateralCustody)
	if err != nil {
		return domain.TxResult{}, err
	}
	if pair.custody.Pool != args.Pool {
		return domain.TxResult{}, fmt.Errorf("ledger: %w: custody not in pool %s", domain.ErrInvalidArgument, args.Pool)
	}
	if err := x.requireDefinition(domain.DefInitPosition); err != nil {
		return domain.TxResult{}, err
	}
	if err := x.checkOffset(args.Offset); err != nil {
		return domain.TxResult{}, err
	}
	if err := checkCiphertexts(args.EncSide, args.EncSize, args.EncCollateral, args.EncEntryPrice); err != nil {
		return domain.TxResult{}, err
	}
	switch {
	case args.PublicKey.IsZero():
		return domain.TxResult{}, fmt.Errorf("ledger: %w: missing caller public key", domain.ErrInvalidArgument)
	case args.OutputNonce.IsZero():
		return domain.TxResult{}, fmt.Errorf("ledger: %w: zero output nonce", domain.ErrInvalidArgument)
	case args.TransferAmount == 0, args.SizeUSD == 0:
		return domain.TxResult{}, fmt.Errorf("ledger: %w: zero collateral or size", domain.ErrInvalidArgument)
	}

	price, collPrice, err := x.prices(pair)
	if err != nil {
		return domain.TxResult{}, err
	}
	custody, coll := pair.custody, pair.collateral

	collateralUSD, err := collPrice.AssetAmountUSD(args.TransferAmount, coll.Decimals)
	if err != nil || collateralUSD == 0 {
		return domain.TxResult{}, fmt.Errorf("ledger: collateral worth nothing: %w", domain.ErrLeverageOutOfRange)
	}
	leverage, err := domain.MulDiv(args.SizeUSD, domain.BPSPower, collateralUSD)
	if err != nil {
		return domain.TxResult{}, fmt.Errorf("ledger: %w: %v", domain.ErrLeverageOutOfRange, err)
	}
	if err := custody.Pricing.CheckInitialLeverage(leverage); err != nil {
		return domain.TxResult{}, fmt.Errorf("ledger: open_position: %w", err)
	}

	feeUSD := domain.FeeAmount(coll.Fees.OpenPosition, args.SizeUSD)
	feeTokens, err := collPrice.TokenAmount(feeUSD, coll.Decimals)
	if err != nil {
		return domain.TxResult{}, err
	}
	if err := token.TransferFromOwner(x.ctx, x.tx, coll.Mint, x.signer, coll.TokenAccount, coll.Address, domain.AddSat(args.TransferAmount, feeTokens)); err != nil {
		return domain.TxResult{}, err
	}
	now := x.now.Unix()
	custody.UpdateBorrowRate(now)
	if !pair.same() {
		coll.UpdateBorrowRate(now)
	}
	protocolFee, poolFee := coll.Fees.Split(feeTokens)
	coll.Assets.Collateral += args.TransferAmount
	coll.Assets.ProtocolFees += protocolFee
	coll.Assets.Owned += poolFee
	coll.CollectedFees.OpenPositionUSD = domain.AddSat(coll.CollectedFees.OpenPositionUSD, feeUSD)

	lock, err := custody.LockAmount(price, args.SizeUSD)
	if err != nil {
		return domain.TxResult{}, err
	}
	if err := custody.LockFunds(lock); err != nil {
		return domain.TxResult{}, fmt.Errorf("ledger: lock %d: %w", lock, err)
	}
	custody.VolumeStats.OpenPositionUSD = domain.AddSat(custody.VolumeStats.OpenPositionUSD, args.SizeUSD)
	custody.TradeStats.OpenInterestUSD = domain.AddSat(custody.TradeStats.OpenInterestUSD, args.SizeUSD)
	if err := x.savePair(pair); err != nil {
		return domain.TxResult{}, err
	}

	addr := domain.PositionAddress(x.signer, custody.Pool, custody.Address, args.Offset)
	if _, err := x.tx.Position(x.ctx, addr); err == nil {
		return domain.TxResult{}, fmt.Errorf("ledger: position %s: %w", addr, domain.ErrAlreadyExists)
	} else if !errors.Is(err, domain.ErrNotFound) {
		return domain.TxResult{}, err
	}
	pos := domain.Position{
		Address:           addr,
		Owner:             x.signer,
		Pool:              custody.Pool,
		Custody:           custody.Address,
		CollateralCustody: coll.Address,
		OpenOffset:        args.Offset,
		OpenTime:          x.now,
		UpdateTime:        x.now,
	}
	if err := x.tx.PutPosition(x.ctx, pos); err != nil {
		return domain.TxResult{}, err
	}
	escrow := domain.PositionEscrow{
		Position:          addr,
		Custody:           custody.Address,
		CollateralCustody: coll.Address,
		Locked:            lock,
		Collateral:        args.TransferAmount,
		SizeUSD:           args.SizeUSD,
	}
	if err := x.tx.PutEscrow(x.ctx, escrow); err != nil {
		return domain.TxResult{}, err
	}

	priceUSD, err := usd(price)
	if err != nil {
		return domain.TxResult{}, err
	}
	collPriceUSD, err := usd(collPrice)
	if err != nil {
		return domain.TxResult{}, err
	}
	values := make([]domain.Ciphertext, 4)
	values[OpenInputSide] = args.EncSide
	values[OpenInputSize] = args.EncSize
	values[OpenInputCollateral] = args.EncCollateral
	values[OpenInputEntryPrice] = args.EncEntryPrice
	comp := domain.Computation{
		Offset:      args.Offset,
		Kind:        domain.KindOpen,
		Position:    addr,
		OutputNonce: args.OutputNonce,
		Plain: domain.PlainInputs{
			CurrentPrice:       priceUSD,
			CollateralPrice:    collPriceUSD,
			CollateralDecimals: coll.Decimals,
			TransferAmount:     args.TransferAmount,
		},
	}
	req := domain.ComputationRequest{
		Input: &domain.EncryptedInput{PublicKey: args.PublicKey, Nonce: args.InputNonce, Values: values},
	}
	event := domain.Event{
		Type:      domain.EventOpenPosition,
		Custody:   custody.Address,
		Owner:     x.signer,
		Amount:    args.TransferAmount,
		FeeAmount: feeTokens,
	}
	if err := x.submit(comp, req, event); err != nil {
		return domain.TxResult{}, err
	}
	return domain.TxResult{Offset: args.Offset, Position: addr}, nil
}

func (p *Program) updatePosition(x *execution, args domain.UpdatePositionArgs) (domain.TxResult, error) {
	perps, err := x.perpetuals()
	if err != nil {
		return domain.TxResult{}, err
	}
	pos, err := x.activePosition(args.Position, true)
	if err != nil {
		return domain.TxResult{}, err
	}
	if !args.IsAdd && !perps.Permissions.AllowCollateralWithdrawal {
		return domain.TxResult{}, fmt.Errorf("ledger: collateral withdrawal: %w", domain.ErrPermissionDenied)
	}
	if err := x.requireDefinition(domain.DefUpdatePosition); err != nil {
		return domain.TxResult{}, err
	}
	if err := x.checkOffset(args.Offset); err != nil {
		return domain.TxResult{}, err
	}
	if err := checkCiphertexts(args.EncDelta, args.EncFlag); err != nil {
		return domain.TxResult{}, err
	}
	switch {
	case args.PublicKey.IsZero():
		return domain.TxResult{}, fmt.Errorf("ledger: %w: missing caller public key", domain.ErrInvalidArgument)
	case args.OutputNonce.Cmp(pos.Nonce) <= 0:
		return domain.TxResult{}, fmt.Errorf("ledger: %w: output nonce must exceed position nonce %s", domain.ErrInvalidArgument, pos.Nonce)
	case args.TransferAmount == 0:
		return domain.TxResult{}, fmt.Errorf("ledger: %w: zero collateral delta", domain.ErrInvalidArgument)
	}

	pair, err := x.loadPair(pos.Custody, pos.CollateralCustody)
	if err != nil {
		return domain.TxResult{}, err
	}
	_, collPrice, err := x.prices(pair)
	if err != nil {
		return domain.TxResult{}, err
	}
	collPriceUSD, err := usd(collPrice)
	if err != nil {
		return domain.TxResult{}, err
	}
	escrow, err := x.tx.Escrow(x.ctx, pos.Address)
	if err != nil {
		return domain.TxResult{}, fmt.Errorf("ledger: escrow %s: %w", pos.Address, err)
	}

	coll := pair.collateral
	if args.IsAdd {
		if err := token.TransferFromOwner(x.ctx, x.tx, coll.Mint, x.signer, coll.TokenAccount, coll.Address, args.TransferAmount); err != nil {
			return domain.TxResult{}, err
		}
		coll.Assets.Collateral += args.TransferAmount
		escrow.PendingAdd += args.TransferAmount
		if err := x.putCustody(coll); err != nil {
			return domain.TxResult{}, err
		}
		if err := x.tx.PutEscrow(x.ctx, escrow); err != nil {
			return domain.TxResult{}, err
		}
	} else if args.TransferAmount > escrow.Collateral {
		return domain.TxResult{}, fmt.Errorf("ledger: remove %d of %d collateral: %w", args.TransferAmount, escrow.Collateral, domain.ErrInsufficientFunds)
	}

	values := make([]domain.Ciphertext, 2)
	values[UpdateInputDelta] = args.EncDelta
	values[UpdateInputFlag] = args.EncFlag
	state := pos.State()
	comp := domain.Computation{
		Offset:        args.Offset,
		Kind:          domain.KindUpdate,
		Position:      pos.Address,
		ExpectedNonce: pos.Nonce,
		OutputNonce:   args.OutputNonce,
		Plain: domain.PlainInputs{
			CollateralPrice:    collPriceUSD,
			CollateralDecimals: coll.Decimals,
			MaxLeverage:        pair.custody.Pricing.MaxLeverage,
			TransferAmount:     args.TransferAmount,
			IsAdd:              args.IsAdd,
		},
	}
	req := domain.ComputationRequest{
		Input: &domain.EncryptedInput{PublicKey: args.PublicKey, Nonce: args.InputNonce, Values: values},
		State: &state,
	}
	event := domain.Event{
		Type:    domain.EventUpdatePosition,
		Custody: pos.Custody,
		Owner:   pos.Owner,
		Nonce:   pos.Nonce,
		Amount:  args.TransferAmount,
	}
	if err := x.submit(comp, req, event); err != nil {
		return domain.TxResult{}, err
	}
	return domain.TxResult{Offset: args.Offset, Position: pos.Address}, nil
}

// calculatePnl snapshots the position ciphertexts for a read-only check. A
// caller-supplied price replaces the oracle price for a what-if check, but
// the oracle must still be healthy.
func (p *Program) calculatePnl(x *execution, args domain.CalculatePnlArgs) (domain.TxResult, error) {
	pos, err := x.activePosition(args.Position, true)
	if err != nil {
		return domain.TxResult{}, err
	}
	if err := x.requireDefinition(domain.DefCalculatePnl); err != nil {
		return domain.TxResult{}, err
	}
	if err := x.checkOffset(args.Offset); err != nil {
		return domain.TxResult{}, err
	}
	_, pair, err := x.escrowPair(pos)
	if err != nil {
		return domain.TxResult{}, err
	}
	price, collPrice, err := x.prices(pair)
	if err != nil {
		return domain.TxResult{}, err
	}
	current, err := usd(price)
	if err != nil {
		return domain.TxResult{}, err
	}
	collateral, err := usd(collPrice)
	if err != nil {
		return domain.TxResult{}, err
	}
	if args.CurrentPrice != 0 {
		current = args.CurrentPrice
		if pair.same() {
			collateral = current
		}
	}

	state := pos.State()
	comp := domain.Computation{
		Offset:        args.Offset,
		Kind:          domain.KindPnl,
		Position:      pos.Address,
		ExpectedNonce: pos.Nonce,
		OutputNonce:   pos.Nonce,
		Plain: domain.PlainInputs{
			CurrentPrice:       current,
			CollateralPrice:    collateral,
			CollateralDecimals: pair.collateral.Decimals,
		},
	}
	req := domain.ComputationRequest{State: &state}
	event := domain.Event{Custody: pos.Custody, Owner: pos.Owner, Nonce: pos.Nonce}
	if err := x.submit(comp, req, event); err != nil {
		return domain.TxResult{}, err
	}
	return domain.TxResult{Offset: args.Offset, Position: pos.Address}, nil
}

// settlementRequest builds the computation shared by close and liquidate.
// The ledger picks the output nonce of the final state.
func (x *execution) settlementRequest(kind domain.ComputationKind, offset uint64, pos domain.Position) (domain.Computation, domain.ComputationRequest, error) {
	if err := x.requireDefinition(kind.Definition()); err != nil {
		return domain.Computation{}, domain.ComputationRequest{}, err
	}
	if err := x.checkOffset(offset); err != nil {
		return domain.Computation{}, domain.ComputationRequest{}, err
	}
	pair, err := x.loadPair(pos.Custody, pos.CollateralCustody)
	if err != nil {
		return domain.Computation{}, domain.ComputationRequest{}, err
	}
	price, collPrice, err := x.prices(pair)
	if err != nil {
		return domain.Computation{}, domain.ComputationRequest{}, err
	}
	priceUSD, err := usd(price)
	if err != nil {
		return domain.Computation{}, domain.ComputationRequest{}, err
	}
	collPriceUSD, err := usd(collPrice)
	if err != nil {
		return domain.Computation{}, domain.ComputationRequest{}, err
	}
	next, err := pos.Nonce.Next()
	if err != nil {
		return domain.Computation{}, domain.ComputationRequest{}, fmt.Errorf("ledger: position nonce exhausted: %w", err)
	}

	plain := domain.PlainInputs{
		CurrentPrice:       priceUSD,
		CollateralPrice:    collPriceUSD,
		CollateralDecimals: pair.collateral.Decimals,
	}
	if kind == domain.KindClose {
		plain.FeeBps = pair.collateral.Fees.ClosePosition
	} else {
		plain.FeeBps = pair.collateral.Fees.Liquidation
		plain.MaxLeverage = pair.custody.Pricing.MaxLeverage
	}
	state := pos.State()
	comp := domain.Computation{
		Offset:        offset,
		Kind:          kind,
		Position:      pos.Address,
		ExpectedNonce: pos.Nonce,
		OutputNonce:   next,
		Plain:         plain,
	}
	return comp, domain.ComputationRequest{State: &state}, nil
}

func (p *Program) closePosition(x *execution, args domain.ClosePositionArgs) (domain.TxResult, error) {
	perps, err := x.perpetuals()
	if err != nil {
		return domain.TxResult{}, err
	}
	if !perps.Permissions.AllowClosePosition {
		return domain.TxResult{}, fmt.Errorf("ledger: close_position: %w", domain.ErrPermissionDenied)
	}
	pos, err := x.activePosition(args.Position, true)
	if err != nil {
		return domain.TxResult{}, err
	}
	comp, req, err := x.settlementRequest(domain.KindClose, args.Offset, pos)
	if err != nil {
		return domain.TxResult{}, err
	}
	event := domain.Event{Custody: pos.Custody, Owner: pos.Owner, Nonce: pos.Nonce}
	if err := x.submit(comp, req, event); err != nil {
		return domain.TxResult{}, err
	}
	return domain.TxResult{Offset: args.Offset, Position: pos.Address}, nil
}

// liquidatePosition may be submitted by anyone; the signer collects the
// reward if the circuit finds the position liquidatable.
func (p *Program) liquidatePosition(x *execution, args domain.LiquidatePositionArgs) (domain.TxResult, error) {
	perps, err := x.perpetuals()
	if err != nil {
		return domain.TxResult{}, err
	}
	if !perps.Permissions.AllowLiquidation {
		return domain.TxResult{}, fmt.Errorf("ledger: liquidate_position: %w", domain.ErrPermissionDenied)
	}
	pos, err := x.activePosition(args.Position, false)
	if err != nil {
		return domain.TxResult{}, err
	}
	comp, req, err := x.settlementRequest(domain.KindLiquidate, args.Offset, pos)
	if err != nil {
		return domain.TxResult{}, err
	}
	event := domain.Event{Custody: pos.Custody, Owner: pos.Owner, Nonce: pos.Nonce}
	if err := x.submit(comp, req, event); err != nil {
		return domain.TxResult{}, err
	}
	return domain.TxResult{Offset: args.Offset, Position: pos.Address}, nil
}
