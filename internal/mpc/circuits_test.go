package mpc

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/alanyoungcy/shootperps/internal/domain"
)

func usd(v uint64) uint64 { return v * domain.USDScale }

// stablePlain values collateral in a $1 token with 6 decimals.
func stablePlain(price uint64) domain.PlainInputs {
	return domain.PlainInputs{
		CurrentPrice:       price,
		CollateralPrice:    usd(1),
		CollateralDecimals: 6,
	}
}

func longAt100() PositionState {
	return PositionState{
		Side:       domain.SideLong,
		SizeUSD:    usd(1000),
		Collateral: usd(100),
		EntryPrice: usd(100),
		Leverage:   100_000,
	}
}

func TestInitPosition(t *testing.T) {
	plain := stablePlain(usd(100))
	plain.TransferAmount = usd(100)
	in := OpenInput{Side: uint64(domain.SideLong), SizeUSD: usd(1000), Collateral: usd(100), EntryPrice: usd(100)}

	res := Reference{}.InitPosition(in, plain)
	require.Equal(t, domain.StatusOK, res.Status)
	require.NotNil(t, res.State)
	assert.Equal(t, uint64(100_000), res.State.Leverage)
	assert.Equal(t, domain.SideLong, res.State.Side)
}

func TestInitPositionStatuses(t *testing.T) {
	plain := stablePlain(usd(100))
	plain.TransferAmount = usd(100)
	valid := OpenInput{Side: uint64(domain.SideShort), SizeUSD: usd(500), Collateral: usd(100), EntryPrice: usd(100)}

	cases := []struct {
		name   string
		mutate func(*OpenInput)
		want   uint8
	}{
		{"bad side", func(in *OpenInput) { in.Side = 7 }, domain.InitInvalidSide},
		{"no side", func(in *OpenInput) { in.Side = 0 }, domain.InitInvalidSide},
		{"zero size", func(in *OpenInput) { in.SizeUSD = 0 }, domain.InitZeroSize},
		{"zero collateral", func(in *OpenInput) { in.Collateral = 0 }, domain.InitZeroCollateral},
		{"zero price", func(in *OpenInput) { in.EntryPrice = 0 }, domain.InitZeroEntryPrice},
		{"collateral differs from transfer", func(in *OpenInput) { in.Collateral = usd(99) }, domain.InitInputMismatch},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			in := valid
			tc.mutate(&in)
			res := Reference{}.InitPosition(in, plain)
			assert.Equal(t, tc.want, res.Status)
			assert.Nil(t, res.State)
		})
	}
}

func TestCalculatePnlLongProfit(t *testing.T) {
	res := Reference{}.CalculatePnl(longAt100(), stablePlain(usd(110)))
	assert.Equal(t, usd(100), res.Profit)
	assert.Zero(t, res.Loss)
	// margin 200 against size 1000
	assert.Equal(t, uint64(50_000), res.Leverage)
}

func TestCalculatePnlShortLoss(t *testing.T) {
	s := longAt100()
	s.Side = domain.SideShort
	res := Reference{}.CalculatePnl(s, stablePlain(usd(110)))
	assert.Zero(t, res.Profit)
	assert.Equal(t, usd(100), res.Loss)
	assert.Equal(t, domain.MaxLeverageSentinel, res.Leverage)
}

func TestCalculatePnlUnchangedPrice(t *testing.T) {
	res := Reference{}.CalculatePnl(longAt100(), stablePlain(usd(100)))
	assert.Zero(t, res.Profit)
	assert.Zero(t, res.Loss)
	assert.Equal(t, uint64(100_000), res.Leverage)
}

func TestUpdatePosition(t *testing.T) {
	plain := stablePlain(0)
	plain.MaxLeverage = 200_000
	plain.TransferAmount = usd(100)
	plain.IsAdd = true

	res := Reference{}.UpdatePosition(longAt100(), UpdateInput{Delta: usd(100), Flag: 1}, plain)
	require.Equal(t, domain.StatusOK, res.Status)
	assert.Equal(t, usd(200), res.State.Collateral)
	assert.Equal(t, uint64(50_000), res.State.Leverage)
	assert.Equal(t, res.State.Leverage, res.Leverage)

	plain.IsAdd = false
	plain.TransferAmount = usd(40)
	res = Reference{}.UpdatePosition(longAt100(), UpdateInput{Delta: usd(40), Flag: 0}, plain)
	require.Equal(t, domain.StatusOK, res.Status)
	assert.Equal(t, usd(60), res.State.Collateral)
}

func TestUpdatePositionStatuses(t *testing.T) {
	plain := stablePlain(0)
	plain.MaxLeverage = 200_000

	remove := func(amount uint64) domain.PlainInputs {
		p := plain
		p.TransferAmount = amount
		return p
	}

	res := Reference{}.UpdatePosition(longAt100(), UpdateInput{Delta: usd(150), Flag: 0}, remove(usd(150)))
	assert.Equal(t, domain.UpdateInsufficient, res.Status)

	// 1000 / 40 = 25x over the 20x cap
	res = Reference{}.UpdatePosition(longAt100(), UpdateInput{Delta: usd(60), Flag: 0}, remove(usd(60)))
	assert.Equal(t, domain.UpdateMaxLeverage, res.Status)

	res = Reference{}.UpdatePosition(longAt100(), UpdateInput{Delta: usd(10), Flag: 1}, remove(usd(10)))
	assert.Equal(t, domain.UpdateInputMismatch, res.Status)

	res = Reference{}.UpdatePosition(longAt100(), UpdateInput{Delta: usd(11), Flag: 0}, remove(usd(10)))
	assert.Equal(t, domain.UpdateInputMismatch, res.Status)
	assert.Nil(t, res.State)
}

func TestClosePosition(t *testing.T) {
	plain := stablePlain(usd(110))
	plain.FeeBps = 10

	res := Reference{}.ClosePosition(longAt100(), plain)
	require.Equal(t, domain.StatusOK, res.Status)
	require.NotNil(t, res.State)
	assert.Equal(t, usd(100), res.Profit)
	assert.Equal(t, usd(1), res.FeeAmount)
	assert.Equal(t, usd(199), res.TransferAmount)
}

func TestClosePositionLossBeyondMargin(t *testing.T) {
	plain := stablePlain(usd(80))
	plain.FeeBps = 10

	res := Reference{}.ClosePosition(longAt100(), plain)
	assert.Equal(t, usd(200), res.Loss)
	assert.Zero(t, res.TransferAmount)
}

func TestCheckLiquidation(t *testing.T) {
	plain := stablePlain(usd(95))
	plain.MaxLeverage = 200_000
	plain.FeeBps = 100

	// margin 50 against size 1000 is exactly 20x
	res := Reference{}.CheckLiquidation(longAt100(), plain)
	require.True(t, res.Liquidatable)
	require.NotNil(t, res.State)
	assert.Equal(t, uint64(200_000), res.Leverage)
	assert.Equal(t, usd(5)/10, res.RewardAmount)
	assert.Equal(t, usd(50)-usd(5)/10, res.OwnerAmount)
	assert.Equal(t, usd(50), res.Loss)
}

func TestCheckLiquidationHealthy(t *testing.T) {
	plain := stablePlain(usd(99))
	plain.MaxLeverage = 200_000
	plain.FeeBps = 100

	res := Reference{}.CheckLiquidation(longAt100(), plain)
	assert.False(t, res.Liquidatable)
	assert.Nil(t, res.State)
	assert.Zero(t, res.RewardAmount)
}

func TestStateValuesRoundTrip(t *testing.T) {
	s := longAt100()
	got, err := StateFromValues(s.Values())
	require.NoError(t, err)
	assert.Equal(t, s, got)

	_, err = StateFromValues([]uint64{1, 2})
	assert.ErrorIs(t, err, domain.ErrInvalidArgument)
}
