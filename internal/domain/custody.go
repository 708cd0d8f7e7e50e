package domain

import (
	"fmt"
	"time"
)

// OracleType selects where a custody reads its price from.
type OracleType uint8

const (
	OracleNone OracleType = iota
	OracleCustom
	OraclePyth
)

func (t OracleType) String() string {
	switch t {
	case OracleCustom:
		return "custom"
	case OraclePyth:
		return "pyth"
	default:
		return "none"
	}
}

// ParseOracleType accepts "none", "custom" or "pyth".
func ParseOracleType(s string) (OracleType, error) {
	switch s {
	case "", "none":
		return OracleNone, nil
	case "custom":
		return OracleCustom, nil
	case "pyth":
		return OraclePyth, nil
	default:
		return OracleNone, fmt.Errorf("%w: oracle type %q", ErrInvalidArgument, s)
	}
}

// OracleParams configures the price source of a custody.
type OracleParams struct {
	Type           OracleType `json:"type"`
	Account        Pubkey     `json:"account"`
	Authority      Pubkey     `json:"authority"`
	MaxPriceError  uint64     `json:"max_price_error"`
	MaxPriceAgeSec uint32     `json:"max_price_age_sec"`
	FeedID         string     `json:"feed_id,omitempty"`
}

// Validate checks that a priced custody names its oracle account.
func (o OracleParams) Validate() error {
	if o.Type != OracleNone && o.Account.IsZero() {
		return fmt.Errorf("%w: oracle account required for %s oracle", ErrInvalidArgument, o.Type)
	}
	if o.MaxPriceError > BPSPower {
		return fmt.Errorf("%w: max_price_error above 10000 bps", ErrInvalidArgument)
	}
	return nil
}

// OracleAccount is a pushed price feed. Prices are USD with Exponent
// decimals (normally -6).
type OracleAccount struct {
	Address     Pubkey    `json:"address"`
	Price       uint64    `json:"price"`
	EMAPrice    uint64    `json:"ema_price"`
	Confidence  uint64    `json:"confidence"`
	Exponent    int32     `json:"exponent"`
	PublishTime time.Time `json:"publish_time"`
}

// Check validates the feed against params at time now and returns the price
// to trade with.
func (o OracleAccount) Check(params OracleParams, useEMA bool, now time.Time) (OraclePrice, error) {
	if params.Type == OracleNone {
		return OraclePrice{}, fmt.Errorf("%w: no oracle configured", ErrOraclePriceError)
	}
	if o.Price == 0 {
		return OraclePrice{}, fmt.Errorf("%w: zero price", ErrOraclePriceError)
	}
	if params.MaxPriceAgeSec > 0 {
		age := now.Sub(o.PublishTime)
		if age > time.Duration(params.MaxPriceAgeSec)*time.Second {
			return OraclePrice{}, fmt.Errorf("%w: age %s exceeds %ds", ErrStaleOracle, age.Truncate(time.Second), params.MaxPriceAgeSec)
		}
	}
	if params.MaxPriceError > 0 {
		errBps := MulDivSat(o.Confidence, BPSPower, o.Price)
		if errBps > params.MaxPriceError {
			return OraclePrice{}, fmt.Errorf("%w: confidence %d bps exceeds %d bps", ErrOraclePriceError, errBps, params.MaxPriceError)
		}
	}
	price := o.Price
	if useEMA && o.EMAPrice > 0 {
		price = o.EMAPrice
	}
	return OraclePrice{Price: price, Exponent: o.Exponent}, nil
}

// OraclePrice is a price with its decimal exponent.
type OraclePrice struct {
	Price    uint64
	Exponent int32
}

// USDPrice returns a price scaled to USDDecimals.
func USDPrice(price uint64) OraclePrice {
	return OraclePrice{Price: price, Exponent: -USDDecimals}
}

// ScaleToExponent rescales p to the target exponent.
func (p OraclePrice) ScaleToExponent(target int32) (OraclePrice, error) {
	diff := p.Exponent - target
	if diff >= 0 {
		v, err := MulDiv(p.Price, pow10(diff), 1)
		if err != nil {
			return OraclePrice{}, err
		}
		return OraclePrice{Price: v, Exponent: target}, nil
	}
	return OraclePrice{Price: p.Price / pow10(-diff), Exponent: target}, nil
}

// USD returns the price at USDDecimals, the unit the circuits work in.
func (p OraclePrice) USD() (uint64, error) {
	s, err := p.ScaleToExponent(-USDDecimals)
	if err != nil {
		return 0, err
	}
	return s.Price, nil
}

// AssetAmountUSD values amount base units of a token with the given decimals.
func (p OraclePrice) AssetAmountUSD(amount uint64, decimals uint8) (uint64, error) {
	if amount == 0 || p.Price == 0 {
		return 0, nil
	}
	k := p.Exponent + USDDecimals - int32(decimals)
	if k >= 0 {
		v, err := MulDiv(amount, p.Price, 1)
		if err != nil {
			return 0, err
		}
		return MulDiv(v, pow10(k), 1)
	}
	return MulDiv(amount, p.Price, pow10(-k))
}

// TokenAmount converts a USD amount into base units of a token.
func (p OraclePrice) TokenAmount(usd uint64, decimals uint8) (uint64, error) {
	if usd == 0 || p.Price == 0 {
		return 0, nil
	}
	k := p.Exponent + USDDecimals - int32(decimals)
	if k >= 0 {
		denom, err := MulDiv(p.Price, pow10(k), 1)
		if err != nil {
			return 0, err
		}
		return usd / denom, nil
	}
	return MulDiv(usd, pow10(-k), p.Price)
}

// PricingParams bound leverage and utilization for a custody. Leverage and
// utilization are in basis points (10000 = 1x / 100%).
type PricingParams struct {
	UseEMA             bool   `json:"use_ema"`
	TradeSpreadLong    uint64 `json:"trade_spread_long"`
	TradeSpreadShort   uint64 `json:"trade_spread_short"`
	MinInitialLeverage uint64 `json:"min_initial_leverage"`
	MaxInitialLeverage uint64 `json:"max_initial_leverage"`
	MaxLeverage        uint64 `json:"max_leverage"`
	MaxPayoffMult      uint64 `json:"max_payoff_mult"`
	MaxUtilization     uint64 `json:"max_utilization"`
}

func (p PricingParams) Validate() error {
	switch {
	case p.MinInitialLeverage < BPSPower:
		return fmt.Errorf("%w: min_initial_leverage below 1x", ErrInvalidArgument)
	case p.MinInitialLeverage > p.MaxInitialLeverage:
		return fmt.Errorf("%w: min_initial_leverage above max_initial_leverage", ErrInvalidArgument)
	case p.MaxInitialLeverage > p.MaxLeverage:
		return fmt.Errorf("%w: max_initial_leverage above max_leverage", ErrInvalidArgument)
	case p.TradeSpreadLong >= BPSPower, p.TradeSpreadShort >= BPSPower:
		return fmt.Errorf("%w: trade spread must be below 10000 bps", ErrInvalidArgument)
	case p.MaxUtilization > BPSPower:
		return fmt.Errorf("%w: max_utilization above 10000 bps", ErrInvalidArgument)
	}
	return nil
}

// CheckInitialLeverage validates a leverage in bps against the open bounds.
func (p PricingParams) CheckInitialLeverage(leverage uint64) error {
	if leverage < p.MinInitialLeverage || leverage > p.MaxInitialLeverage {
		return fmt.Errorf("%w: %d bps not in [%d, %d]", ErrLeverageOutOfRange, leverage, p.MinInitialLeverage, p.MaxInitialLeverage)
	}
	return nil
}

// Fees is the fee schedule of a custody, every entry in basis points.
type Fees struct {
	OpenPosition    uint64 `json:"open_position"`
	ClosePosition   uint64 `json:"close_position"`
	Liquidation     uint64 `json:"liquidation"`
	ProtocolShare   uint64 `json:"protocol_share"`
	AddLiquidity    uint64 `json:"add_liquidity"`
	RemoveLiquidity uint64 `json:"remove_liquidity"`
}

func (f Fees) Validate() error {
	for name, v := range map[string]uint64{
		"open_position":    f.OpenPosition,
		"close_position":   f.ClosePosition,
		"liquidation":      f.Liquidation,
		"protocol_share":   f.ProtocolShare,
		"add_liquidity":    f.AddLiquidity,
		"remove_liquidity": f.RemoveLiquidity,
	} {
		if v > BPSPower {
			return fmt.Errorf("%w: fee %s above 10000 bps", ErrInvalidArgument, name)
		}
	}
	return nil
}

// Split divides a collected fee into the protocol's share and the part that
// accrues to liquidity providers.
func (f Fees) Split(fee uint64) (protocol, pool uint64) {
	protocol = FeeAmount(f.ProtocolShare, fee)
	return protocol, fee - protocol
}

// BorrowRateParams describe the kinked borrow-rate curve. Rates and the
// optimal utilization use RatePower.
type BorrowRateParams struct {
	BaseRate           uint64 `json:"base_rate"`
	Slope1             uint64 `json:"slope1"`
	Slope2             uint64 `json:"slope2"`
	OptimalUtilization uint64 `json:"optimal_utilization"`
}

func (b BorrowRateParams) Validate() error {
	if b.OptimalUtilization > RatePower {
		return fmt.Errorf("%w: optimal_utilization above rate power", ErrInvalidArgument)
	}
	return nil
}

// BorrowRateState is the accrued state of the borrow curve.
type BorrowRateState struct {
	CurrentRate        uint64 `json:"current_rate"`
	CumulativeInterest uint64 `json:"cumulative_interest"`
	LastUpdate         int64  `json:"last_update"`
}

// Assets are the running token totals of a custody.
type Assets struct {
	Collateral   uint64 `json:"collateral"`
	ProtocolFees uint64 `json:"protocol_fees"`
	Owned        uint64 `json:"owned"`
	Locked       uint64 `json:"locked"`
}

// FeesStats accumulates collected fees in USD.
type FeesStats struct {
	OpenPositionUSD    uint64 `json:"open_position_usd"`
	ClosePositionUSD   uint64 `json:"close_position_usd"`
	LiquidationUSD     uint64 `json:"liquidation_usd"`
	AddLiquidityUSD    uint64 `json:"add_liquidity_usd"`
	RemoveLiquidityUSD uint64 `json:"remove_liquidity_usd"`
}

// VolumeStats accumulates traded volume in USD.
type VolumeStats struct {
	OpenPositionUSD    uint64 `json:"open_position_usd"`
	ClosePositionUSD   uint64 `json:"close_position_usd"`
	LiquidationUSD     uint64 `json:"liquidation_usd"`
	AddLiquidityUSD    uint64 `json:"add_liquidity_usd"`
	RemoveLiquidityUSD uint64 `json:"remove_liquidity_usd"`
}

// TradeStats accumulates realized results. Open interest is not split by
// side because sides are never revealed.
type TradeStats struct {
	ProfitUSD       uint64 `json:"profit_usd"`
	LossUSD         uint64 `json:"loss_usd"`
	OpenInterestUSD uint64 `json:"open_interest_usd"`
}

// Custody is one collateral asset inside a pool.
type Custody struct {
	Address      Pubkey           `json:"address"`
	Pool         Pubkey           `json:"pool"`
	Mint         Pubkey           `json:"mint"`
	TokenAccount Pubkey           `json:"token_account"`
	Decimals     uint8            `json:"decimals"`
	IsStable     bool             `json:"is_stable"`
	Active       bool             `json:"active"`
	Oracle       OracleParams     `json:"oracle"`
	Pricing      PricingParams    `json:"pricing"`
	Fees         Fees             `json:"fees"`
	BorrowRate   BorrowRateParams `json:"borrow_rate"`

	Assets        Assets          `json:"assets"`
	CollectedFees FeesStats       `json:"collected_fees"`
	VolumeStats   VolumeStats     `json:"volume_stats"`
	TradeStats    TradeStats      `json:"trade_stats"`
	BorrowState   BorrowRateState `json:"borrow_state"`
}

// Validate checks the static configuration of a custody.
func (c *Custody) Validate() error {
	if c.Mint.IsZero() || c.TokenAccount.IsZero() {
		return fmt.Errorf("%w: custody mint and token account required", ErrInvalidArgument)
	}
	if c.Decimals > MaxTokenDecimals {
		return fmt.Errorf("%w: custody decimals %d above %d", ErrInvalidArgument, c.Decimals, MaxTokenDecimals)
	}
	if err := c.Oracle.Validate(); err != nil {
		return err
	}
	if err := c.Pricing.Validate(); err != nil {
		return err
	}
	if err := c.Fees.Validate(); err != nil {
		return err
	}
	return c.BorrowRate.Validate()
}

// Utilization returns locked/owned in basis points. An empty custody with
// locked funds reports more than 100%.
func (c *Custody) Utilization() uint64 {
	if c.Assets.Owned == 0 {
		if c.Assets.Locked == 0 {
			return 0
		}
		return BPSPower + 1
	}
	return MulDivSat(c.Assets.Locked, BPSPower, c.Assets.Owned)
}

// Available returns the liquidity not reserved for open positions.
func (c *Custody) Available() uint64 {
	return SubSat(c.Assets.Owned, c.Assets.Locked)
}

// CheckInvariants verifies locked <= owned and the utilization cap.
func (c *Custody) CheckInvariants() error {
	if c.Assets.Locked > c.Assets.Owned {
		return fmt.Errorf("%w: locked %d exceeds owned %d", ErrUtilizationExceeded, c.Assets.Locked, c.Assets.Owned)
	}
	if max := c.Pricing.MaxUtilization; max > 0 && max < BPSPower {
		if u := c.Utilization(); u > max {
			return fmt.Errorf("%w: %d bps above cap %d bps", ErrUtilizationExceeded, u, max)
		}
	}
	return nil
}

// LockFunds reserves amount for a position's potential payoff. The custody
// is left unchanged when the lock would break an invariant.
func (c *Custody) LockFunds(amount uint64) error {
	prev := c.Assets.Locked
	next := prev + amount
	if next < prev {
		return ErrMathOverflow
	}
	c.Assets.Locked = next
	if err := c.CheckInvariants(); err != nil {
		c.Assets.Locked = prev
		return err
	}
	return nil
}

// UnlockFunds releases a reservation, saturating at zero.
func (c *Custody) UnlockFunds(amount uint64) {
	c.Assets.Locked = SubSat(c.Assets.Locked, amount)
}

// LockAmount returns the token amount to reserve for a position of sizeUSD.
func (c *Custody) LockAmount(price OraclePrice, sizeUSD uint64) (uint64, error) {
	mult := c.Pricing.MaxPayoffMult
	if mult == 0 {
		mult = BPSPower
	}
	payoff, err := MulDiv(sizeUSD, mult, BPSPower)
	if err != nil {
		return 0, err
	}
	return price.TokenAmount(payoff, c.Decimals)
}

// CumulativeInterest returns the accrued interest index at unix time now.
func (c *Custody) CumulativeInterest(now int64) uint64 {
	if now <= c.BorrowState.LastUpdate {
		return c.BorrowState.CumulativeInterest
	}
	interest := MulDivSat(uint64(now-c.BorrowState.LastUpdate), c.BorrowState.CurrentRate, 3600)
	return AddSat(c.BorrowState.CumulativeInterest, interest)
}

// UpdateBorrowRate accrues interest up to now and recomputes the hourly rate
// from current utilization.
func (c *Custody) UpdateBorrowRate(now int64) {
	if c.Assets.Owned == 0 {
		c.BorrowState.CurrentRate = 0
		if now > c.BorrowState.LastUpdate {
			c.BorrowState.LastUpdate = now
		}
		return
	}
	if now > c.BorrowState.LastUpdate {
		c.BorrowState.CumulativeInterest = c.CumulativeInterest(now)
		c.BorrowState.LastUpdate = now
	}

	util := MulDivSat(c.Assets.Locked, RatePower, c.Assets.Owned)
	optimal := c.BorrowRate.OptimalUtilization

	var hourly uint64
	if util < optimal {
		hourly = MulDivSat(util, c.BorrowRate.Slope1, optimal)
	} else {
		excess := util - optimal
		denom := SubSat(RatePower, optimal)
		if denom == 0 {
			hourly = AddSat(c.BorrowRate.Slope1, c.BorrowRate.Slope2)
		} else {
			hourly = AddSat(c.BorrowRate.Slope1, MulDivSat(excess, c.BorrowRate.Slope2, denom))
		}
	}
	c.BorrowState.CurrentRate = AddSat(hourly, c.BorrowRate.BaseRate)
}
