package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/alanyoungcy/shootperps/internal/computation"
	"github.com/alanyoungcy/shootperps/internal/crypto"
	"github.com/alanyoungcy/shootperps/internal/domain"
	"github.com/alanyoungcy/shootperps/internal/ledger"
)

// PositionReader reads position records from the ledger.
type PositionReader interface {
	Position(ctx context.Context, addr domain.Pubkey) (domain.Position, error)
}

// OpenRequest describes a new position. Collateral is in base units of the
// collateral custody's token; SizeUSD and EntryPrice use 6 decimals.
type OpenRequest struct {
	Pool              domain.Pubkey
	Custody           domain.Pubkey
	CollateralCustody domain.Pubkey
	Side              domain.Side
	SizeUSD           uint64
	Collateral        uint64
	EntryPrice        uint64
}

// Outcome is the result of one computation. Offset is set whenever the
// ledger accepted the instruction, including when Await timed out.
type Outcome struct {
	Offset       uint64
	Position     domain.Pubkey
	Finalization domain.Finalization
}

// PositionService runs the caller side of every position flow: encrypt
// under the session, sign, submit through the orchestrator and await the
// finalization.
type PositionService struct {
	orch      *computation.Orchestrator
	submitter computation.Submitter
	session   *crypto.Session
	signer    *crypto.Signer
	reader    PositionReader
	timeout   time.Duration
	now       func() time.Time
	logger    *slog.Logger
}

// NewPositionService creates a PositionService acting as signer.
func NewPositionService(
	orch *computation.Orchestrator,
	submitter computation.Submitter,
	session *crypto.Session,
	signer *crypto.Signer,
	reader PositionReader,
	timeout time.Duration,
	logger *slog.Logger,
) *PositionService {
	return &PositionService{
		orch:      orch,
		submitter: submitter,
		session:   session,
		signer:    signer,
		reader:    reader,
		timeout:   timeout,
		now:       time.Now,
		logger:    logger.With(slog.String("component", "position_service")),
	}
}

// Signer is the identity this service trades as.
func (s *PositionService) Signer() domain.Pubkey { return s.signer.Identity() }

func (s *PositionService) ensureSession(ctx context.Context) error {
	if s.session.ClusterKey().OK() {
		return nil
	}
	if err := s.session.Establish(ctx); err != nil {
		return fmt.Errorf("position_service: establish session: %w", err)
	}
	return nil
}

func (s *PositionService) sign(kind domain.InstructionKind, args any) (ledger.SignedEnvelope, error) {
	return ledger.Sign(s.signer, kind, args, s.now())
}

// run submits req and waits for its outcome.
func (s *PositionService) run(ctx context.Context, req computation.Request) (Outcome, error) {
	ticket, err := s.orch.Submit(ctx, req)
	if err != nil {
		return Outcome{}, err
	}
	fin, err := s.orch.Await(ctx, ticket, s.timeout)
	out := Outcome{Offset: ticket.Offset, Position: ticket.Position(), Finalization: fin}
	if fin.Reason == domain.ReasonCode(domain.ErrDecryptionFailed) {
		// The cluster could not open our inputs, most likely after a key
		// rotation.
		if rerr := s.session.Refresh(ctx); rerr != nil {
			s.logger.WarnContext(ctx, "session refresh failed", slog.String("error", rerr.Error()))
		}
	}
	return out, err
}

// OpenPosition encrypts the position parameters and opens it. The ledger
// transfers the collateral and open fee at submission.
func (s *PositionService) OpenPosition(ctx context.Context, r OpenRequest) (Outcome, error) {
	if r.Side != domain.SideLong && r.Side != domain.SideShort {
		return Outcome{}, fmt.Errorf("position_service: %w: side %d", domain.ErrInvalidArgument, r.Side)
	}
	if err := s.ensureSession(ctx); err != nil {
		return Outcome{}, err
	}
	out, err := s.run(ctx, computation.Request{
		Kind: domain.KindOpen,
		Build: func(offset uint64) (ledger.SignedEnvelope, error) {
			values := make([]uint64, 4)
			values[ledger.OpenInputSide] = uint64(r.Side)
			values[ledger.OpenInputSize] = r.SizeUSD
			values[ledger.OpenInputCollateral] = r.Collateral
			values[ledger.OpenInputEntryPrice] = r.EntryPrice
			in, err := s.session.Encrypt(values)
			if err != nil {
				return ledger.SignedEnvelope{}, err
			}
			outputNonce, err := crypto.NewNonce()
			if err != nil {
				return ledger.SignedEnvelope{}, err
			}
			return s.sign(domain.IxOpenPosition, domain.OpenPositionArgs{
				Offset:            offset,
				Pool:              r.Pool,
				Custody:           r.Custody,
				CollateralCustody: r.CollateralCustody,
				EncSide:           in.Values[ledger.OpenInputSide],
				EncSize:           in.Values[ledger.OpenInputSize],
				EncCollateral:     in.Values[ledger.OpenInputCollateral],
				EncEntryPrice:     in.Values[ledger.OpenInputEntryPrice],
				PublicKey:         in.PublicKey,
				InputNonce:        in.Nonce,
				OutputNonce:       outputNonce,
				TransferAmount:    r.Collateral,
				SizeUSD:           r.SizeUSD,
			})
		},
	})
	if err != nil {
		return out, fmt.Errorf("position_service: open: %w", err)
	}
	s.logger.InfoContext(ctx, "position opened",
		slog.String("position", out.Position.String()),
		slog.Uint64("offset", out.Offset),
	)
	return out, nil
}

// AdjustCollateral adds or removes collateral. amount is in collateral
// token base units.
func (s *PositionService) AdjustCollateral(ctx context.Context, position domain.Pubkey, amount uint64, add bool) (Outcome, error) {
	if amount == 0 {
		return Outcome{}, fmt.Errorf("position_service: %w: zero collateral delta", domain.ErrInvalidArgument)
	}
	if err := s.ensureSession(ctx); err != nil {
		return Outcome{}, err
	}
	flag := uint64(0)
	if add {
		flag = 1
	}
	out, err := s.run(ctx, computation.Request{
		Kind:     domain.KindUpdate,
		Position: position,
		Build: func(offset uint64) (ledger.SignedEnvelope, error) {
			pos, err := s.reader.Position(ctx, position)
			if err != nil {
				return ledger.SignedEnvelope{}, err
			}
			outputNonce, err := crypto.NextNonce(pos.Nonce)
			if err != nil {
				return ledger.SignedEnvelope{}, err
			}
			values := make([]uint64, 2)
			values[ledger.UpdateInputDelta] = amount
			values[ledger.UpdateInputFlag] = flag
			in, err := s.session.Encrypt(values)
			if err != nil {
				return ledger.SignedEnvelope{}, err
			}
			return s.sign(domain.IxUpdatePosition, domain.UpdatePositionArgs{
				Offset:         offset,
				Position:       position,
				EncDelta:       in.Values[ledger.UpdateInputDelta],
				EncFlag:        in.Values[ledger.UpdateInputFlag],
				PublicKey:      in.PublicKey,
				InputNonce:     in.Nonce,
				OutputNonce:    outputNonce,
				TransferAmount: amount,
				IsAdd:          add,
			})
		},
	})
	if err != nil {
		return out, fmt.Errorf("position_service: adjust collateral: %w", err)
	}
	return out, nil
}

// CalculatePnl reveals profit, loss and leverage. A nonzero price asks for
// the figures at that price instead of the oracle's.
func (s *PositionService) CalculatePnl(ctx context.Context, position domain.Pubkey, price uint64) (domain.Outputs, error) {
	out, err := s.run(ctx, computation.Request{
		Kind:     domain.KindPnl,
		Position: position,
		Build: func(offset uint64) (ledger.SignedEnvelope, error) {
			return s.sign(domain.IxCalculatePnl, domain.CalculatePnlArgs{Offset: offset, Position: position, CurrentPrice: price})
		},
	})
	if err != nil {
		return domain.Outputs{}, fmt.Errorf("position_service: pnl: %w", err)
	}
	if out.Finalization.Outputs == nil {
		return domain.Outputs{}, fmt.Errorf("position_service: pnl offset %d: %w: no outputs", out.Offset, domain.ErrInvalidCallback)
	}
	return *out.Finalization.Outputs, nil
}

// ClosePosition settles the position at the oracle price.
func (s *PositionService) ClosePosition(ctx context.Context, position domain.Pubkey) (Outcome, error) {
	out, err := s.run(ctx, computation.Request{
		Kind:     domain.KindClose,
		Position: position,
		Build: func(offset uint64) (ledger.SignedEnvelope, error) {
			return s.sign(domain.IxClosePosition, domain.ClosePositionArgs{Offset: offset, Position: position})
		},
	})
	if err != nil {
		return out, fmt.Errorf("position_service: close: %w", err)
	}
	return out, nil
}

// Liquidate asks the cluster to liquidate someone else's position. A
// healthy position fails with reason "not_liquidatable" and is left as is.
func (s *PositionService) Liquidate(ctx context.Context, position domain.Pubkey) (Outcome, error) {
	out, err := s.run(ctx, computation.Request{
		Kind:     domain.KindLiquidate,
		Position: position,
		Build: func(offset uint64) (ledger.SignedEnvelope, error) {
			return s.sign(domain.IxLiquidatePosition, domain.LiquidatePositionArgs{Offset: offset, Position: position})
		},
	})
	if err != nil {
		return out, fmt.Errorf("position_service: liquidate: %w", err)
	}
	return out, nil
}

// Recheck looks up an offset whose ticket timed out.
func (s *PositionService) Recheck(ctx context.Context, offset uint64) (domain.Finalization, error) {
	return s.orch.Recheck(ctx, offset)
}

// IsNotLiquidatable reports whether err is a liquidation attempt on a
// healthy position.
func IsNotLiquidatable(out Outcome, err error) bool {
	return errors.Is(err, domain.ErrComputationFailed) && out.Finalization.Reason == "not_liquidatable"
}

// AddLiquidity deposits amount custody tokens for pool shares.
func (s *PositionService) AddLiquidity(ctx context.Context, custody domain.Pubkey, amount, minLPOut uint64) (domain.TxResult, error) {
	env, err := s.sign(domain.IxAddLiquidity, domain.AddLiquidityArgs{Custody: custody, Amount: amount, MinLPOut: minLPOut})
	if err != nil {
		return domain.TxResult{}, err
	}
	res, err := s.submitter.Execute(ctx, env)
	if err != nil {
		return domain.TxResult{}, fmt.Errorf("position_service: add liquidity: %w", err)
	}
	return res, nil
}

// RemoveLiquidity burns lpAmount pool shares for custody tokens.
func (s *PositionService) RemoveLiquidity(ctx context.Context, custody domain.Pubkey, lpAmount, minOut uint64) (domain.TxResult, error) {
	env, err := s.sign(domain.IxRemoveLiquidity, domain.RemoveLiquidityArgs{Custody: custody, LPAmount: lpAmount, MinOut: minOut})
	if err != nil {
		return domain.TxResult{}, err
	}
	res, err := s.submitter.Execute(ctx, env)
	if err != nil {
		return domain.TxResult{}, fmt.Errorf("position_service: remove liquidity: %w", err)
	}
	return res, nil
}
