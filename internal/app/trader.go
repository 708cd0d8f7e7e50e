package app

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/alanyoungcy/shootperps/internal/config"
	"github.com/alanyoungcy/shootperps/internal/domain"
	"github.com/alanyoungcy/shootperps/internal/service"
)

// tradingLedger is what the scripted trader reads. Both the in-process
// program and the remote client provide it.
type tradingLedger interface {
	Oracle(ctx context.Context, custody domain.Pubkey) (domain.OracleAccount, error)
	Balance(ctx context.Context, mint, owner domain.Pubkey) (uint64, error)
}

// tradeScript walks one position through its life: open, PnL check,
// collateral top-up, close.
type tradeScript struct {
	trader  *service.PositionService
	ledger  tradingLedger
	markets service.Markets
	cfg     config.DemoConfig
	// setPrice moves the oracle to the exit price. Nil when this process is
	// not the oracle authority; the position then closes at the live price.
	setPrice func(ctx context.Context, custody domain.Pubkey, price uint64) error
	logger   *slog.Logger
}

type scriptParams struct {
	asset, collateral service.Market
	side              domain.Side
	sizeUSD, exit     uint64
	deposit, topUp    uint64
}

func (s *tradeScript) params() (scriptParams, error) {
	var p scriptParams
	var ok bool
	if p.asset, ok = s.markets.Get(s.cfg.Asset); !ok {
		return p, fmt.Errorf("app: unknown asset %q", s.cfg.Asset)
	}
	if p.collateral, ok = s.markets.Get(s.cfg.Collateral); !ok {
		return p, fmt.Errorf("app: unknown collateral %q", s.cfg.Collateral)
	}
	var err error
	if p.side, err = domain.ParseSide(s.cfg.Side); err != nil {
		return p, err
	}
	if p.sizeUSD, err = domain.ParseUSD(s.cfg.SizeUSD); err != nil {
		return p, fmt.Errorf("app: size_usd: %w", err)
	}
	if p.exit, err = domain.ParseUSD(s.cfg.ExitPrice); err != nil {
		return p, fmt.Errorf("app: exit_price: %w", err)
	}
	if p.deposit, err = domain.ParseAmount(s.cfg.Deposit, p.collateral.Decimals); err != nil {
		return p, fmt.Errorf("app: deposit: %w", err)
	}
	if s.cfg.TopUp != "" {
		if p.topUp, err = domain.ParseAmount(s.cfg.TopUp, p.collateral.Decimals); err != nil {
			return p, fmt.Errorf("app: top_up: %w", err)
		}
	}
	return p, nil
}

func (s *tradeScript) balance(ctx context.Context, mk service.Market) string {
	b, err := s.ledger.Balance(ctx, mk.Mint, s.trader.Signer())
	if err != nil {
		return "unknown"
	}
	return domain.FormatAmount(b, mk.Decimals)
}

// Run executes the script and returns the first failure.
func (s *tradeScript) Run(ctx context.Context) error {
	p, err := s.params()
	if err != nil {
		return err
	}
	oracle, err := s.ledger.Oracle(ctx, p.asset.Custody)
	if err != nil {
		return fmt.Errorf("app: read %s oracle: %w", p.asset.Symbol, err)
	}
	s.logger.InfoContext(ctx, "opening position",
		slog.String("asset", p.asset.Symbol),
		slog.String("side", p.side.String()),
		slog.String("size_usd", domain.FormatUSD(p.sizeUSD)),
		slog.String("entry_price", domain.FormatUSD(oracle.Price)),
		slog.String("balance", s.balance(ctx, p.collateral)),
	)

	opened, err := s.trader.OpenPosition(ctx, service.OpenRequest{
		Pool:              s.markets.Pool,
		Custody:           p.asset.Custody,
		CollateralCustody: p.collateral.Custody,
		Side:              p.side,
		SizeUSD:           p.sizeUSD,
		Collateral:        p.deposit,
		EntryPrice:        oracle.Price,
	})
	if err != nil {
		return fmt.Errorf("app: open: %w", err)
	}
	pos := opened.Position
	s.logger.InfoContext(ctx, "position opened",
		slog.String("position", pos.String()),
		slog.Uint64("offset", opened.Offset),
		slog.String("balance", s.balance(ctx, p.collateral)),
	)

	pnl, err := s.trader.CalculatePnl(ctx, pos, p.exit)
	if err != nil {
		return fmt.Errorf("app: pnl: %w", err)
	}
	s.logger.InfoContext(ctx, "pnl at exit price",
		slog.String("exit_price", domain.FormatUSD(p.exit)),
		slog.String("profit_usd", domain.FormatUSD(pnl.Profit)),
		slog.String("loss_usd", domain.FormatUSD(pnl.Loss)),
	)

	if p.topUp > 0 {
		added, err := s.trader.AdjustCollateral(ctx, pos, p.topUp, true)
		if err != nil {
			return fmt.Errorf("app: top up: %w", err)
		}
		lev := uint64(0)
		if out := added.Finalization.Outputs; out != nil {
			lev = out.Leverage
		}
		s.logger.InfoContext(ctx, "collateral added",
			slog.String("amount", domain.FormatAmount(p.topUp, p.collateral.Decimals)),
			slog.Uint64("leverage_bps", lev),
		)
	}

	if s.setPrice != nil {
		if err := s.setPrice(ctx, p.asset.Custody, p.exit); err != nil {
			return fmt.Errorf("app: set exit price: %w", err)
		}
		s.logger.InfoContext(ctx, "oracle moved", slog.String("price", domain.FormatUSD(p.exit)))
	}

	closed, err := s.trader.ClosePosition(ctx, pos)
	if err != nil {
		return fmt.Errorf("app: close: %w", err)
	}
	attrs := []any{
		slog.String("position", pos.String()),
		slog.String("balance", s.balance(ctx, p.collateral)),
	}
	if out := closed.Finalization.Outputs; out != nil {
		attrs = append(attrs,
			slog.String("payout", domain.FormatAmount(out.TransferAmount, p.collateral.Decimals)),
			slog.String("fee", domain.FormatAmount(out.FeeAmount, p.collateral.Decimals)),
		)
	}
	s.logger.InfoContext(ctx, "position closed", attrs...)
	return nil
}
