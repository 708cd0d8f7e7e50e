package ledger_test

import (
	"context"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/alanyoungcy/shootperps/internal/crypto"
	"github.com/alanyoungcy/shootperps/internal/domain"
	"github.com/alanyoungcy/shootperps/internal/ledger"
	"github.com/alanyoungcy/shootperps/internal/ledger/memstore"
	"github.com/alanyoungcy/shootperps/internal/mpc"
)

func usd(v uint64) uint64 { return v * domain.USDScale }

const (
	traderFunds = 10_000 * 1_000_000 // USDC base units
	solDecimals = 9
)

// harness is a ledger with one pool, a SOL custody traded against a USDC
// collateral custody, and a cluster whose requests are processed on demand
// by settle.
type harness struct {
	t   *testing.T
	ctx context.Context
	now time.Time

	prog        *ledger.Program
	cluster     *mpc.Cluster
	clusterKeys crypto.Keypair
	clientKeys  crypto.Keypair

	admin, trader, keeper, authority *crypto.Signer

	usdc, sol               domain.Pubkey
	pool                    domain.Pubkey
	usdcCustody, solCustody domain.Pubkey
	offset                  uint64
}

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func defaultPricing() domain.PricingParams {
	return domain.PricingParams{
		MinInitialLeverage: 10_000,
		MaxInitialLeverage: 100_000,
		MaxLeverage:        200_000,
		MaxPayoffMult:      10_000,
		MaxUtilization:     9_000,
	}
}

func defaultFees() domain.Fees {
	return domain.Fees{
		OpenPosition:  10,
		ClosePosition: 10,
		Liquidation:   100,
		ProtocolShare: 1_000,
	}
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	h := &harness{
		t:   t,
		ctx: context.Background(),
		now: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC),
	}
	cfg := ledger.DefaultConfig()
	cfg.CallbackSecret = "test-callback-secret"
	h.prog = ledger.NewProgram(memstore.New(), cfg, discardLogger(), ledger.WithClock(func() time.Time { return h.now }))

	var err error
	h.admin, err = crypto.GenerateSigner(cfg.ChainID)
	require.NoError(t, err)
	h.trader, err = crypto.GenerateSigner(cfg.ChainID)
	require.NoError(t, err)
	h.keeper, err = crypto.GenerateSigner(cfg.ChainID)
	require.NoError(t, err)
	h.authority, err = crypto.GenerateSigner(cfg.ChainID)
	require.NoError(t, err)
	h.clusterKeys, err = crypto.GenerateKeypair()
	require.NoError(t, err)
	h.clientKeys, err = crypto.GenerateKeypair()
	require.NoError(t, err)

	h.must(h.admin, domain.IxInitialize, domain.InitializeArgs{
		ClusterAuthority: h.authority.Identity(),
		Permissions:      domain.AllPermissions(),
	})
	h.usdc = h.must(h.admin, domain.IxCreateMint, domain.CreateMintArgs{Symbol: "USDC", Decimals: 6}).Address
	h.sol = h.must(h.admin, domain.IxCreateMint, domain.CreateMintArgs{Symbol: "SOL", Decimals: solDecimals}).Address
	h.pool = h.must(h.admin, domain.IxAddPool, domain.AddPoolArgs{Name: "main"}).Address
	h.usdcCustody = h.addCustody(h.usdc, true)
	h.solCustody = h.addCustody(h.sol, false)
	h.setPrice(h.usdcCustody, usd(1))
	h.setPrice(h.solCustody, usd(100))

	h.must(h.admin, domain.IxMintTo, domain.MintToArgs{Mint: h.usdc, Owner: h.trader.Identity(), Amount: traderFunds})
	h.must(h.admin, domain.IxMintTo, domain.MintToArgs{Mint: h.usdc, Owner: h.admin.Identity(), Amount: usd(1_000_000)})
	h.must(h.admin, domain.IxMintTo, domain.MintToArgs{Mint: h.sol, Owner: h.admin.Identity(), Amount: 10_000 * 1_000_000_000})
	h.must(h.admin, domain.IxAddLiquidity, domain.AddLiquidityArgs{Custody: h.usdcCustody, Amount: usd(1_000_000)})
	h.must(h.admin, domain.IxAddLiquidity, domain.AddLiquidityArgs{Custody: h.solCustody, Amount: 10_000 * 1_000_000_000})

	mcfg := mpc.DefaultConfig()
	mcfg.CeremonyDelay = 0
	mcfg.DeliveryAttempts = 1
	h.cluster, err = mpc.NewCluster(h.prog, mpc.Reference{}, h.clusterKeys, h.authority, h.prog.Callbacks(), mcfg, discardLogger(),
		mpc.WithClock(func() time.Time { return h.now }))
	require.NoError(t, err)
	require.NoError(t, h.cluster.Bootstrap(h.ctx))
	return h
}

func (h *harness) addCustody(mint domain.Pubkey, stable bool) domain.Pubkey {
	return h.must(h.admin, domain.IxAddCustody, domain.AddCustodyArgs{
		Pool:     h.pool,
		Mint:     mint,
		IsStable: stable,
		Oracle: domain.OracleParams{
			Type:           domain.OracleCustom,
			MaxPriceError:  100,
			MaxPriceAgeSec: 60,
		},
		Pricing: defaultPricing(),
		Fees:    defaultFees(),
		BorrowRate: domain.BorrowRateParams{
			BaseRate:           0,
			Slope1:             80_000,
			Slope2:             120_000,
			OptimalUtilization: 800_000_000,
		},
	}).Address
}

func (h *harness) setPrice(custody domain.Pubkey, price uint64) {
	h.must(h.admin, domain.IxSetOraclePrice, domain.SetOraclePriceArgs{Custody: custody, Price: price, EMAPrice: price})
}

func (h *harness) exec(s *crypto.Signer, kind domain.InstructionKind, args any) (domain.TxResult, error) {
	h.t.Helper()
	env, err := ledger.Sign(s, kind, args, h.now)
	require.NoError(h.t, err)
	return h.prog.Execute(h.ctx, env)
}

func (h *harness) must(s *crypto.Signer, kind domain.InstructionKind, args any) domain.TxResult {
	h.t.Helper()
	res, err := h.exec(s, kind, args)
	require.NoError(h.t, err, "%s", kind)
	return res
}

func (h *harness) nextOffset() uint64 {
	h.offset++
	return h.offset
}

// encrypt seals values for the cluster the way a client session does.
func (h *harness) encrypt(values ...uint64) (domain.Nonce, []domain.Ciphertext) {
	h.t.Helper()
	secret, err := crypto.DeriveSharedSecret(h.clientKeys.Private, h.cluster.PublicKey())
	require.NoError(h.t, err)
	nonce, err := crypto.NewNonce()
	require.NoError(h.t, err)
	cts, err := crypto.Encrypt(secret, nonce, values)
	require.NoError(h.t, err)
	return nonce, cts
}

type openParams struct {
	side       domain.Side
	sizeUSD    uint64
	collateral uint64
	entry      uint64
	// encCollateral overrides the encrypted collateral when nonzero.
	encCollateral uint64
}

func (h *harness) openArgs(p openParams) domain.OpenPositionArgs {
	h.t.Helper()
	enc := p.collateral
	if p.encCollateral != 0 {
		enc = p.encCollateral
	}
	values := make([]uint64, 4)
	values[ledger.OpenInputSide] = uint64(p.side)
	values[ledger.OpenInputSize] = p.sizeUSD
	values[ledger.OpenInputCollateral] = enc
	values[ledger.OpenInputEntryPrice] = p.entry
	nonce, cts := h.encrypt(values...)
	out, err := crypto.NewNonce()
	require.NoError(h.t, err)
	return domain.OpenPositionArgs{
		Offset:            h.nextOffset(),
		Pool:              h.pool,
		Custody:           h.solCustody,
		CollateralCustody: h.usdcCustody,
		EncSide:           cts[ledger.OpenInputSide],
		EncSize:           cts[ledger.OpenInputSize],
		EncCollateral:     cts[ledger.OpenInputCollateral],
		EncEntryPrice:     cts[ledger.OpenInputEntryPrice],
		PublicKey:         h.clientKeys.Public,
		InputNonce:        nonce,
		OutputNonce:       out,
		TransferAmount:    p.collateral,
		SizeUSD:           p.sizeUSD,
	}
}

// openLong opens and settles a 10x long of $1000 against $100 at $100.
func (h *harness) openLong() domain.Position {
	h.t.Helper()
	res := h.must(h.trader, domain.IxOpenPosition, h.openArgs(openParams{
		side: domain.SideLong, sizeUSD: usd(1000), collateral: usd(100), entry: usd(100),
	}))
	require.Equal(h.t, 1, h.settle())
	pos := h.position(res.Position)
	require.True(h.t, pos.Active)
	return pos
}

func (h *harness) updateArgs(pos domain.Position, amount uint64, add bool) domain.UpdatePositionArgs {
	h.t.Helper()
	flag := uint64(0)
	if add {
		flag = 1
	}
	values := make([]uint64, 2)
	values[ledger.UpdateInputDelta] = amount
	values[ledger.UpdateInputFlag] = flag
	nonce, cts := h.encrypt(values...)
	out, err := crypto.NextNonce(pos.Nonce)
	require.NoError(h.t, err)
	return domain.UpdatePositionArgs{
		Offset:         h.nextOffset(),
		Position:       pos.Address,
		EncDelta:       cts[ledger.UpdateInputDelta],
		EncFlag:        cts[ledger.UpdateInputFlag],
		PublicKey:      h.clientKeys.Public,
		InputNonce:     nonce,
		OutputNonce:    out,
		TransferAmount: amount,
		IsAdd:          add,
	}
}

// settle hands every queued request to the cluster and returns how many
// were processed.
func (h *harness) settle() int {
	h.t.Helper()
	n := 0
	for {
		select {
		case req := <-h.prog.Queue():
			require.NoError(h.t, h.cluster.Process(h.ctx, req))
			n++
		default:
			return n
		}
	}
}

func (h *harness) position(addr domain.Pubkey) domain.Position {
	h.t.Helper()
	pos, err := h.prog.Position(h.ctx, addr)
	require.NoError(h.t, err)
	return pos
}

// state decrypts a position with the cluster's key for it.
func (h *harness) state(pos domain.Position) mpc.PositionState {
	h.t.Helper()
	secret, err := crypto.DeriveStateSecret(h.clusterKeys.Private)
	require.NoError(h.t, err)
	key, err := crypto.PositionStateSecret(secret, pos.Address)
	require.NoError(h.t, err)
	v, err := crypto.Decrypt(key, pos.Nonce, pos.Fields.Slice())
	require.NoError(h.t, err)
	s, err := mpc.StateFromValues(v)
	require.NoError(h.t, err)
	return s
}

func (h *harness) balance(mint domain.Pubkey, owner *crypto.Signer) uint64 {
	h.t.Helper()
	b, err := h.prog.Balance(h.ctx, mint, owner.Identity())
	require.NoError(h.t, err)
	return b
}

func (h *harness) custody(addr domain.Pubkey) domain.Custody {
	h.t.Helper()
	c, err := h.prog.Custody(h.ctx, addr)
	require.NoError(h.t, err)
	return c
}

func (h *harness) finalization(offset uint64) domain.Finalization {
	h.t.Helper()
	f, ok, err := h.prog.Finalization(h.ctx, offset)
	require.NoError(h.t, err)
	require.True(h.t, ok, "offset %d still pending", offset)
	return f
}

func (h *harness) eventsOf(typ domain.EventType) []domain.Event {
	h.t.Helper()
	all, err := h.prog.Events(h.ctx, 0, 10_000)
	require.NoError(h.t, err)
	var out []domain.Event
	for _, e := range all {
		if e.Type == typ {
			out = append(out, e)
		}
	}
	return out
}
