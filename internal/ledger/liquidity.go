package ledger

import (
	"errors"
	"fmt"

	"github.com/alanyoungcy/shootperps/internal/domain"
	"github.com/alanyoungcy/shootperps/internal/token"
)

// price reads and checks the oracle of c.
func (x *execution) price(c *domain.Custody) (domain.OraclePrice, error) {
	if c.Oracle.Type == domain.OracleNone {
		return domain.OraclePrice{}, fmt.Errorf("ledger: custody %s: %w: no oracle", c.Address, domain.ErrOraclePriceError)
	}
	acct, err := x.tx.Oracle(x.ctx, c.Oracle.Account)
	if errors.Is(err, domain.ErrNotFound) {
		return domain.OraclePrice{}, fmt.Errorf("ledger: custody %s: %w: no price published", c.Address, domain.ErrOraclePriceError)
	}
	if err != nil {
		return domain.OraclePrice{}, err
	}
	price, err := acct.Check(c.Oracle, c.Pricing.UseEMA, x.now)
	if err != nil {
		return domain.OraclePrice{}, fmt.Errorf("ledger: custody %s: %w", c.Address, err)
	}
	return price, nil
}

// liveCustody loads a custody and its pool and requires both to be active.
func (x *execution) liveCustody(addr domain.Pubkey) (domain.Pool, domain.Custody, error) {
	c, err := x.tx.Custody(x.ctx, addr)
	if err != nil {
		return domain.Pool{}, c, fmt.Errorf("ledger: custody %s: %w", addr, err)
	}
	pool, err := x.tx.Pool(x.ctx, c.Pool)
	if err != nil {
		return pool, c, fmt.Errorf("ledger: pool %s: %w", c.Pool, err)
	}
	if !pool.Active {
		return pool, c, fmt.Errorf("ledger: pool %s: %w", pool.Name, domain.ErrPoolInactive)
	}
	if !c.Active {
		return pool, c, fmt.Errorf("ledger: custody %s: %w", addr, domain.ErrCustodyInactive)
	}
	return pool, c, nil
}

// addLiquidity deposits custody tokens and mints pool shares worth their
// USD value net of the fee.
func (p *Program) addLiquidity(x *execution, args domain.AddLiquidityArgs) (domain.TxResult, error) {
	perps, err := x.perpetuals()
	if err != nil {
		return domain.TxResult{}, err
	}
	if !perps.Permissions.AllowAddLiquidity {
		return domain.TxResult{}, fmt.Errorf("ledger: add_liquidity: %w", domain.ErrPermissionDenied)
	}
	if args.Amount == 0 {
		return domain.TxResult{}, fmt.Errorf("ledger: %w: zero amount", domain.ErrInvalidArgument)
	}
	pool, c, err := x.liveCustody(args.Custody)
	if err != nil {
		return domain.TxResult{}, err
	}
	price, err := x.price(&c)
	if err != nil {
		return domain.TxResult{}, err
	}

	fee := domain.FeeAmount(c.Fees.AddLiquidity, args.Amount)
	lpOut, err := price.AssetAmountUSD(args.Amount-fee, c.Decimals)
	if err != nil {
		return domain.TxResult{}, err
	}
	if lpOut == 0 || lpOut < args.MinLPOut {
		return domain.TxResult{}, fmt.Errorf("ledger: lp out %d below %d: %w", lpOut, args.MinLPOut, domain.ErrSlippage)
	}
	if err := token.TransferFromOwner(x.ctx, x.tx, c.Mint, x.signer, c.TokenAccount, c.Address, args.Amount); err != nil {
		return domain.TxResult{}, err
	}
	if err := token.MintTo(x.ctx, x.tx, pool.LPMint, x.signer, pool.Address, lpOut); err != nil {
		return domain.TxResult{}, err
	}

	protocolFee, _ := c.Fees.Split(fee)
	c.Assets.Owned += args.Amount - protocolFee
	c.Assets.ProtocolFees += protocolFee
	depositUSD, _ := price.AssetAmountUSD(args.Amount, c.Decimals)
	feeUSD, _ := price.AssetAmountUSD(fee, c.Decimals)
	c.VolumeStats.AddLiquidityUSD = domain.AddSat(c.VolumeStats.AddLiquidityUSD, depositUSD)
	c.CollectedFees.AddLiquidityUSD = domain.AddSat(c.CollectedFees.AddLiquidityUSD, feeUSD)
	c.UpdateBorrowRate(x.now.Unix())
	if err := x.putCustody(&c); err != nil {
		return domain.TxResult{}, err
	}

	if err := x.emit(domain.Event{
		Type:      domain.EventAddLiquidity,
		Status:    domain.StatusFinalized,
		Custody:   c.Address,
		Owner:     x.signer,
		Amount:    args.Amount,
		LPAmount:  lpOut,
		FeeAmount: fee,
	}); err != nil {
		return domain.TxResult{}, err
	}
	return domain.TxResult{Address: pool.LPMint, Amount: lpOut}, nil
}

// removeLiquidity burns pool shares and pays out their USD value in custody
// tokens, provided the withdrawal leaves locked funds covered.
func (p *Program) removeLiquidity(x *execution, args domain.RemoveLiquidityArgs) (domain.TxResult, error) {
	perps, err := x.perpetuals()
	if err != nil {
		return domain.TxResult{}, err
	}
	if !perps.Permissions.AllowRemoveLiquidity {
		return domain.TxResult{}, fmt.Errorf("ledger: remove_liquidity: %w", domain.ErrPermissionDenied)
	}
	if args.LPAmount == 0 {
		return domain.TxResult{}, fmt.Errorf("ledger: %w: zero lp amount", domain.ErrInvalidArgument)
	}
	pool, c, err := x.liveCustody(args.Custody)
	if err != nil {
		return domain.TxResult{}, err
	}
	price, err := x.price(&c)
	if err != nil {
		return domain.TxResult{}, err
	}

	gross, err := price.TokenAmount(args.LPAmount, c.Decimals)
	if err != nil {
		return domain.TxResult{}, err
	}
	fee := domain.FeeAmount(c.Fees.RemoveLiquidity, gross)
	out := gross - fee
	if out == 0 || out < args.MinOut {
		return domain.TxResult{}, fmt.Errorf("ledger: out %d below %d: %w", out, args.MinOut, domain.ErrSlippage)
	}
	protocolFee, _ := c.Fees.Split(fee)
	if out+protocolFee > c.Available() {
		return domain.TxResult{}, fmt.Errorf("ledger: withdraw %d, available %d: %w", out+protocolFee, c.Available(), domain.ErrUtilizationExceeded)
	}
	c.Assets.Owned -= out + protocolFee
	c.Assets.ProtocolFees += protocolFee
	if err := c.CheckInvariants(); err != nil {
		return domain.TxResult{}, err
	}

	if err := token.Burn(x.ctx, x.tx, pool.LPMint, x.signer, args.LPAmount); err != nil {
		return domain.TxResult{}, err
	}
	if err := token.TransferToOwner(x.ctx, x.tx, c.Mint, c.TokenAccount, c.Address, x.signer, out); err != nil {
		return domain.TxResult{}, err
	}

	feeUSD, _ := price.AssetAmountUSD(fee, c.Decimals)
	c.VolumeStats.RemoveLiquidityUSD = domain.AddSat(c.VolumeStats.RemoveLiquidityUSD, args.LPAmount)
	c.CollectedFees.RemoveLiquidityUSD = domain.AddSat(c.CollectedFees.RemoveLiquidityUSD, feeUSD)
	c.UpdateBorrowRate(x.now.Unix())
	if err := x.putCustody(&c); err != nil {
		return domain.TxResult{}, err
	}

	if err := x.emit(domain.Event{
		Type:      domain.EventRemoveLiquidity,
		Status:    domain.StatusFinalized,
		Custody:   c.Address,
		Owner:     x.signer,
		Amount:    out,
		LPAmount:  args.LPAmount,
		FeeAmount: fee,
	}); err != nil {
		return domain.TxResult{}, err
	}
	return domain.TxResult{Address: c.Address, Amount: out}, nil
}
