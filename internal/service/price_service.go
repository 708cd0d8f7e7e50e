package service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/alanyoungcy/shootperps/internal/computation"
	"github.com/alanyoungcy/shootperps/internal/crypto"
	"github.com/alanyoungcy/shootperps/internal/domain"
	"github.com/alanyoungcy/shootperps/internal/ledger"
)

// PriceChannel is the bus channel price updates are published on.
const PriceChannel = "prices"

// PriceService pushes prices into the custom oracle accounts of custodies
// and keeps them fresh so positions never trade against a stale feed.
type PriceService struct {
	submitter computation.Submitter
	signer    *crypto.Signer
	bus       domain.SignalBus
	now       func() time.Time
	logger    *slog.Logger

	mu     sync.Mutex
	prices map[domain.Pubkey]uint64
}

// NewPriceService creates a PriceService signing as the oracle authority.
// bus may be nil.
func NewPriceService(submitter computation.Submitter, signer *crypto.Signer, bus domain.SignalBus, logger *slog.Logger) *PriceService {
	return &PriceService{
		submitter: submitter,
		signer:    signer,
		bus:       bus,
		now:       time.Now,
		logger:    logger.With(slog.String("component", "price_service")),
		prices:    make(map[domain.Pubkey]uint64),
	}
}

// SetPrice publishes price (USD, 6 decimals) for custody and remembers it
// for refreshes.
func (s *PriceService) SetPrice(ctx context.Context, custody domain.Pubkey, price uint64) error {
	now := s.now()
	env, err := ledger.Sign(s.signer, domain.IxSetOraclePrice, domain.SetOraclePriceArgs{
		Custody:     custody,
		Price:       price,
		EMAPrice:    price,
		Exponent:    -domain.USDDecimals,
		PublishTime: now,
	}, now)
	if err != nil {
		return err
	}
	if _, err := s.submitter.Execute(ctx, env); err != nil {
		return fmt.Errorf("price_service: set price for %s: %w", custody, err)
	}

	s.mu.Lock()
	s.prices[custody] = price
	s.mu.Unlock()

	if s.bus != nil {
		evt, _ := json.Marshal(map[string]any{
			"event":     "oracle_price",
			"custody":   custody.String(),
			"price":     domain.FormatUSD(price),
			"timestamp": now.Format(time.RFC3339Nano),
		})
		if pubErr := s.bus.Publish(ctx, PriceChannel, evt); pubErr != nil {
			s.logger.WarnContext(ctx, "publish price update failed",
				slog.String("custody", custody.String()),
				slog.String("error", pubErr.Error()),
			)
		}
	}
	return nil
}

// Price returns the last price pushed for custody.
func (s *PriceService) Price(custody domain.Pubkey) (uint64, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.prices[custody]
	return p, ok
}

// Refresh republishes every known price with a new publish time. It
// attempts every custody and joins the failures.
func (s *PriceService) Refresh(ctx context.Context) error {
	s.mu.Lock()
	snapshot := make(map[domain.Pubkey]uint64, len(s.prices))
	for k, v := range s.prices {
		snapshot[k] = v
	}
	s.mu.Unlock()

	var errs []error
	for custody, price := range snapshot {
		if err := s.SetPrice(ctx, custody, price); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Run refreshes prices every interval until ctx is cancelled.
func (s *PriceService) Run(ctx context.Context, interval time.Duration) error {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			if err := s.Refresh(ctx); err != nil && ctx.Err() == nil {
				s.logger.WarnContext(ctx, "price refresh failed", slog.String("error", err.Error()))
			}
		}
	}
}
