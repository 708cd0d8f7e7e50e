package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/alanyoungcy/shootperps/internal/computation"
	"github.com/alanyoungcy/shootperps/internal/config"
	"github.com/alanyoungcy/shootperps/internal/crypto"
	"github.com/alanyoungcy/shootperps/internal/domain"
	"github.com/alanyoungcy/shootperps/internal/ledger"
)

// Market is one bootstrapped custody.
type Market struct {
	Symbol   string
	Mint     domain.Pubkey
	Custody  domain.Pubkey
	Decimals uint8
	Stable   bool
}

// Markets is the pool layout produced by Bootstrap.
type Markets struct {
	Pool     domain.Pubkey
	bySymbol map[string]Market
}

// Get looks a market up by symbol, case-insensitively.
func (m Markets) Get(symbol string) (Market, bool) {
	mk, ok := m.bySymbol[strings.ToUpper(symbol)]
	return mk, ok
}

// All returns every market.
func (m Markets) All() []Market {
	out := make([]Market, 0, len(m.bySymbol))
	for _, mk := range m.bySymbol {
		out = append(out, mk)
	}
	return out
}

func marketFor(pool domain.Pubkey, a config.AssetConfig) Market {
	symbol := strings.ToUpper(a.Symbol)
	mint := domain.MintAddress(symbol)
	return Market{
		Symbol:   symbol,
		Mint:     mint,
		Custody:  domain.CustodyAddress(pool, mint),
		Decimals: a.Decimals,
		Stable:   a.Stable,
	}
}

// MarketsFromConfig derives the addresses Bootstrap creates for cfg without
// touching the ledger. Clients use it to find markets a node set up.
func MarketsFromConfig(cfg config.MarketsConfig) Markets {
	pool := domain.PoolAddress(cfg.Pool)
	out := Markets{Pool: pool, bySymbol: make(map[string]Market, len(cfg.Assets))}
	for _, a := range cfg.Assets {
		mk := marketFor(pool, a)
		out.bySymbol[mk.Symbol] = mk
	}
	return out
}

// AdminService runs admin instructions. Bootstrap is safe to rerun against
// a ledger that already holds some or all of the configured markets.
type AdminService struct {
	submitter computation.Submitter
	signer    *crypto.Signer
	prices    *PriceService
	now       func() time.Time
	logger    *slog.Logger
}

// NewAdminService creates an AdminService signing as the protocol admin.
// prices must sign with the same key, the admin being the oracle authority
// of every custody it creates.
func NewAdminService(submitter computation.Submitter, signer *crypto.Signer, prices *PriceService, logger *slog.Logger) *AdminService {
	return &AdminService{
		submitter: submitter,
		signer:    signer,
		prices:    prices,
		now:       time.Now,
		logger:    logger.With(slog.String("component", "admin_service")),
	}
}

// Signer is the admin identity.
func (s *AdminService) Signer() domain.Pubkey { return s.signer.Identity() }

func (s *AdminService) exec(ctx context.Context, kind domain.InstructionKind, args any) (domain.TxResult, error) {
	env, err := ledger.Sign(s.signer, kind, args, s.now())
	if err != nil {
		return domain.TxResult{}, err
	}
	return s.submitter.Execute(ctx, env)
}

// execIdempotent treats ErrAlreadyExists as success and reports whether the
// instruction created something.
func (s *AdminService) execIdempotent(ctx context.Context, kind domain.InstructionKind, args any) (bool, error) {
	_, err := s.exec(ctx, kind, args)
	if errors.Is(err, domain.ErrAlreadyExists) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("admin_service: %s: %w", kind, err)
	}
	return true, nil
}

// Bootstrap initializes the protocol with authority as cluster authority,
// then creates the configured pool, mints and custodies, publishes their
// prices and seeds liquidity into custodies it created.
func (s *AdminService) Bootstrap(ctx context.Context, authority domain.Pubkey, cfg config.MarketsConfig) (Markets, error) {
	if _, err := s.execIdempotent(ctx, domain.IxInitialize, domain.InitializeArgs{
		ClusterAuthority: authority,
		Permissions:      domain.AllPermissions(),
	}); err != nil {
		return Markets{}, err
	}

	pool := domain.PoolAddress(cfg.Pool)
	if _, err := s.execIdempotent(ctx, domain.IxAddPool, domain.AddPoolArgs{Name: cfg.Pool}); err != nil {
		return Markets{}, err
	}
	out := Markets{Pool: pool, bySymbol: make(map[string]Market, len(cfg.Assets))}

	for _, a := range cfg.Assets {
		mk := marketFor(pool, a)
		symbol := mk.Symbol
		if _, err := s.execIdempotent(ctx, domain.IxCreateMint, domain.CreateMintArgs{Symbol: symbol, Decimals: a.Decimals}); err != nil {
			return Markets{}, err
		}
		created, err := s.execIdempotent(ctx, domain.IxAddCustody, domain.AddCustodyArgs{
			Pool:       pool,
			Mint:       mk.Mint,
			IsStable:   a.Stable,
			Oracle:     a.Oracle(),
			Pricing:    a.Pricing(),
			Fees:       a.Fees(),
			BorrowRate: a.BorrowRate(),
		})
		if err != nil {
			return Markets{}, err
		}

		price, err := domain.ParseUSD(a.Price)
		if err != nil {
			return Markets{}, fmt.Errorf("admin_service: %s price: %w", symbol, err)
		}
		if err := s.prices.SetPrice(ctx, mk.Custody, price); err != nil {
			return Markets{}, err
		}

		if created && a.Liquidity != "" {
			amount, err := domain.ParseAmount(a.Liquidity, a.Decimals)
			if err != nil {
				return Markets{}, fmt.Errorf("admin_service: %s liquidity: %w", symbol, err)
			}
			if amount > 0 {
				if err := s.seedLiquidity(ctx, mk, amount); err != nil {
					return Markets{}, err
				}
			}
		}
		out.bySymbol[symbol] = mk
		s.logger.InfoContext(ctx, "market ready",
			slog.String("symbol", symbol),
			slog.String("custody", mk.Custody.String()),
			slog.Bool("created", created),
		)
	}
	return out, nil
}

func (s *AdminService) seedLiquidity(ctx context.Context, mk Market, amount uint64) error {
	if err := s.Fund(ctx, mk.Mint, s.Signer(), amount); err != nil {
		return err
	}
	if _, err := s.exec(ctx, domain.IxAddLiquidity, domain.AddLiquidityArgs{Custody: mk.Custody, Amount: amount}); err != nil {
		return fmt.Errorf("admin_service: seed %s liquidity: %w", mk.Symbol, err)
	}
	return nil
}

// Fund mints amount base units of mint to owner.
func (s *AdminService) Fund(ctx context.Context, mint, owner domain.Pubkey, amount uint64) error {
	if _, err := s.exec(ctx, domain.IxMintTo, domain.MintToArgs{Mint: mint, Owner: owner, Amount: amount}); err != nil {
		return fmt.Errorf("admin_service: mint to %s: %w", owner, err)
	}
	return nil
}

// SetPermissions replaces the protocol-wide switches.
func (s *AdminService) SetPermissions(ctx context.Context, perms domain.Permissions) error {
	if _, err := s.exec(ctx, domain.IxSetPermissions, domain.SetPermissionsArgs{Permissions: perms}); err != nil {
		return fmt.Errorf("admin_service: set permissions: %w", err)
	}
	return nil
}

// SetCustodyActive enables or disables trading on a custody.
func (s *AdminService) SetCustodyActive(ctx context.Context, custody domain.Pubkey, active bool) error {
	if _, err := s.exec(ctx, domain.IxSetCustodyActive, domain.SetCustodyActiveArgs{Custody: custody, Active: active}); err != nil {
		return fmt.Errorf("admin_service: set custody active: %w", err)
	}
	return nil
}
