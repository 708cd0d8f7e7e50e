package ledger

import (
	"errors"
	"fmt"
	"log/slog"

	"github.com/alanyoungcy/shootperps/internal/domain"
	"github.com/alanyoungcy/shootperps/internal/token"
)

// LPDecimals is the precision of pool share tokens. One LP token is minted
// per USD deposited.
const LPDecimals = domain.USDDecimals

func (x *execution) perpetuals() (domain.Perpetuals, error) {
	perps, err := x.tx.Perpetuals(x.ctx)
	if errors.Is(err, domain.ErrNotFound) {
		return perps, fmt.Errorf("ledger: protocol not initialized: %w", domain.ErrNotFound)
	}
	return perps, err
}

func (x *execution) requireAdmin() (domain.Perpetuals, error) {
	perps, err := x.perpetuals()
	if err != nil {
		return perps, err
	}
	if perps.Admin != x.signer {
		return perps, fmt.Errorf("ledger: %s is not the admin: %w", x.signer, domain.ErrUnauthorized)
	}
	return perps, nil
}

func (p *Program) initialize(x *execution, args domain.InitializeArgs) (domain.TxResult, error) {
	if _, err := x.tx.Perpetuals(x.ctx); err == nil {
		return domain.TxResult{}, fmt.Errorf("ledger: perpetuals: %w", domain.ErrAlreadyExists)
	} else if !errors.Is(err, domain.ErrNotFound) {
		return domain.TxResult{}, err
	}
	authority := args.ClusterAuthority
	if authority.IsZero() {
		authority = x.signer
	}
	perps := domain.Perpetuals{
		Admin:            x.signer,
		ClusterAuthority: authority,
		Permissions:      args.Permissions,
		InceptionTime:    x.now,
	}
	if err := x.tx.PutPerpetuals(x.ctx, perps); err != nil {
		return domain.TxResult{}, err
	}
	p.logger.InfoContext(x.ctx, "protocol initialized",
		slog.String("admin", x.signer.String()),
		slog.String("cluster_authority", authority.String()),
	)
	return domain.TxResult{}, nil
}

func (p *Program) setPermissions(x *execution, args domain.SetPermissionsArgs) (domain.TxResult, error) {
	perps, err := x.requireAdmin()
	if err != nil {
		return domain.TxResult{}, err
	}
	perps.Permissions = args.Permissions
	return domain.TxResult{}, x.tx.PutPerpetuals(x.ctx, perps)
}

func (p *Program) addPool(x *execution, args domain.AddPoolArgs) (domain.TxResult, error) {
	perps, err := x.requireAdmin()
	if err != nil {
		return domain.TxResult{}, err
	}
	if err := domain.ValidatePoolName(args.Name); err != nil {
		return domain.TxResult{}, err
	}
	if len(perps.Pools) >= domain.MaxPools {
		return domain.TxResult{}, fmt.Errorf("ledger: %w: pool limit %d reached", domain.ErrInvalidArgument, domain.MaxPools)
	}
	addr := domain.PoolAddress(args.Name)
	if _, err := x.tx.Pool(x.ctx, addr); err == nil {
		return domain.TxResult{}, fmt.Errorf("ledger: pool %q: %w", args.Name, domain.ErrAlreadyExists)
	} else if !errors.Is(err, domain.ErrNotFound) {
		return domain.TxResult{}, err
	}
	lp, err := token.CreateMintAt(x.ctx, x.tx, domain.LPMintAddress(addr), "LP-"+args.Name, LPDecimals, addr)
	if err != nil {
		return domain.TxResult{}, err
	}
	pool := domain.Pool{
		Address:       addr,
		Name:          args.Name,
		LPMint:        lp.Address,
		Active:        true,
		InceptionTime: x.now,
	}
	if err := x.tx.PutPool(x.ctx, pool); err != nil {
		return domain.TxResult{}, err
	}
	perps.Pools = append(perps.Pools, addr)
	if err := x.tx.PutPerpetuals(x.ctx, perps); err != nil {
		return domain.TxResult{}, err
	}
	return domain.TxResult{Address: addr}, nil
}

func (p *Program) setPoolActive(x *execution, args domain.SetPoolActiveArgs) (domain.TxResult, error) {
	if _, err := x.requireAdmin(); err != nil {
		return domain.TxResult{}, err
	}
	pool, err := x.tx.Pool(x.ctx, args.Pool)
	if err != nil {
		return domain.TxResult{}, fmt.Errorf("ledger: pool %s: %w", args.Pool, err)
	}
	pool.Active = args.Active
	return domain.TxResult{Address: pool.Address}, x.tx.PutPool(x.ctx, pool)
}

func (p *Program) addCustody(x *execution, args domain.AddCustodyArgs) (domain.TxResult, error) {
	perps, err := x.requireAdmin()
	if err != nil {
		return domain.TxResult{}, err
	}
	pool, err := x.tx.Pool(x.ctx, args.Pool)
	if err != nil {
		return domain.TxResult{}, fmt.Errorf("ledger: pool %s: %w", args.Pool, err)
	}
	if len(pool.Custodies) >= domain.MaxCustodies {
		return domain.TxResult{}, fmt.Errorf("ledger: %w: custody limit %d reached", domain.ErrInvalidArgument, domain.MaxCustodies)
	}
	mint, err := x.tx.Mint(x.ctx, args.Mint)
	if err != nil {
		return domain.TxResult{}, fmt.Errorf("ledger: mint %s: %w", args.Mint, err)
	}
	addr := domain.CustodyAddress(pool.Address, mint.Address)
	if _, err := x.tx.Custody(x.ctx, addr); err == nil {
		return domain.TxResult{}, fmt.Errorf("ledger: custody %s/%s: %w", pool.Name, mint.Symbol, domain.ErrAlreadyExists)
	} else if !errors.Is(err, domain.ErrNotFound) {
		return domain.TxResult{}, err
	}

	oracle := args.Oracle
	if oracle.Type != domain.OracleNone {
		if oracle.Account.IsZero() {
			oracle.Account = domain.OracleAddress(addr)
		}
		if oracle.Authority.IsZero() {
			oracle.Authority = perps.Admin
		}
	}
	c := domain.Custody{
		Address:      addr,
		Pool:         pool.Address,
		Mint:         mint.Address,
		TokenAccount: domain.CustodyTokenAccountAddress(pool.Address, mint.Address),
		Decimals:     mint.Decimals,
		IsStable:     args.IsStable,
		Active:       true,
		Oracle:       oracle,
		Pricing:      args.Pricing,
		Fees:         args.Fees,
		BorrowRate:   args.BorrowRate,
		BorrowState:  domain.BorrowRateState{LastUpdate: x.now.Unix()},
	}
	if err := c.Validate(); err != nil {
		return domain.TxResult{}, fmt.Errorf("ledger: custody %s/%s: %w", pool.Name, mint.Symbol, err)
	}
	if err := x.putCustody(&c); err != nil {
		return domain.TxResult{}, err
	}
	pool.Custodies = append(pool.Custodies, addr)
	if err := x.tx.PutPool(x.ctx, pool); err != nil {
		return domain.TxResult{}, err
	}
	return domain.TxResult{Address: addr}, nil
}

func (p *Program) setCustodyActive(x *execution, args domain.SetCustodyActiveArgs) (domain.TxResult, error) {
	if _, err := x.requireAdmin(); err != nil {
		return domain.TxResult{}, err
	}
	c, err := x.tx.Custody(x.ctx, args.Custody)
	if err != nil {
		return domain.TxResult{}, fmt.Errorf("ledger: custody %s: %w", args.Custody, err)
	}
	c.Active = args.Active
	return domain.TxResult{Address: c.Address}, x.putCustody(&c)
}

// setOraclePrice pushes a price into a custody's feed. Only the feed
// authority may push.
func (p *Program) setOraclePrice(x *execution, args domain.SetOraclePriceArgs) (domain.TxResult, error) {
	c, err := x.tx.Custody(x.ctx, args.Custody)
	if err != nil {
		return domain.TxResult{}, fmt.Errorf("ledger: custody %s: %w", args.Custody, err)
	}
	if c.Oracle.Type == domain.OracleNone {
		return domain.TxResult{}, fmt.Errorf("ledger: %w: custody has no oracle", domain.ErrInvalidArgument)
	}
	if c.Oracle.Authority != x.signer {
		return domain.TxResult{}, fmt.Errorf("ledger: oracle authority: %w", domain.ErrUnauthorized)
	}
	if args.Price == 0 {
		return domain.TxResult{}, fmt.Errorf("ledger: %w: zero price", domain.ErrInvalidArgument)
	}
	published := args.PublishTime
	if published.IsZero() {
		published = x.now
	}
	exp := args.Exponent
	if exp == 0 {
		exp = -domain.USDDecimals
	}
	acct := domain.OracleAccount{
		Address:     c.Oracle.Account,
		Price:       args.Price,
		EMAPrice:    args.EMAPrice,
		Confidence:  args.Confidence,
		Exponent:    exp,
		PublishTime: published,
	}
	return domain.TxResult{Address: acct.Address}, x.tx.PutOracle(x.ctx, acct)
}

func (p *Program) publishClusterKey(x *execution, args domain.PublishClusterKeyArgs) (domain.TxResult, error) {
	perps, err := x.perpetuals()
	if err != nil {
		return domain.TxResult{}, err
	}
	if perps.ClusterAuthority != x.signer {
		return domain.TxResult{}, fmt.Errorf("ledger: cluster authority: %w", domain.ErrUnauthorized)
	}
	if args.PublicKey.IsZero() {
		return domain.TxResult{}, fmt.Errorf("ledger: %w: zero cluster key", domain.ErrInvalidArgument)
	}
	acct := domain.ClusterAccount{PublicKey: args.PublicKey, Authority: x.signer, PublishedAt: x.now}
	if err := x.tx.PutCluster(x.ctx, acct); err != nil {
		return domain.TxResult{}, err
	}
	p.logger.InfoContext(x.ctx, "cluster key published", slog.String("public_key", args.PublicKey.String()))
	return domain.TxResult{}, nil
}

// initCompDef registers a circuit. Registering an existing definition is a
// no-op so bootstrap can be rerun.
func (p *Program) initCompDef(x *execution, args domain.InitCompDefArgs) (domain.TxResult, error) {
	perps, err := x.perpetuals()
	if err != nil {
		return domain.TxResult{}, err
	}
	if x.signer != perps.Admin && x.signer != perps.ClusterAuthority {
		return domain.TxResult{}, fmt.Errorf("ledger: init_comp_def: %w", domain.ErrUnauthorized)
	}
	if !args.Name.Valid() {
		return domain.TxResult{}, fmt.Errorf("ledger: %w: unknown definition %q", domain.ErrInvalidArgument, args.Name)
	}
	if _, err := x.tx.Definition(x.ctx, args.Name); err == nil {
		return domain.TxResult{}, nil
	} else if !errors.Is(err, domain.ErrNotFound) {
		return domain.TxResult{}, err
	}
	def := domain.CompDef{Name: args.Name, ID: args.Name.ID(), Finalized: true, RegisteredAt: x.now}
	return domain.TxResult{}, x.tx.PutDefinition(x.ctx, def)
}

func (p *Program) createMint(x *execution, args domain.CreateMintArgs) (domain.TxResult, error) {
	if _, err := x.requireAdmin(); err != nil {
		return domain.TxResult{}, err
	}
	m, err := token.CreateMint(x.ctx, x.tx, args.Symbol, args.Decimals, x.signer)
	if err != nil {
		return domain.TxResult{}, err
	}
	return domain.TxResult{Address: m.Address}, nil
}

func (p *Program) mintTo(x *execution, args domain.MintToArgs) (domain.TxResult, error) {
	if args.Amount == 0 {
		return domain.TxResult{}, fmt.Errorf("ledger: %w: zero amount", domain.ErrInvalidArgument)
	}
	if err := token.MintTo(x.ctx, x.tx, args.Mint, args.Owner, x.signer, args.Amount); err != nil {
		return domain.TxResult{}, err
	}
	return domain.TxResult{Address: domain.TokenAccountAddress(args.Mint, args.Owner), Amount: args.Amount}, nil
}

// requireDefinition fails until the circuit is registered.
func (x *execution) requireDefinition(name domain.DefinitionName) error {
	if _, err := x.tx.Definition(x.ctx, name); err != nil {
		if errors.Is(err, domain.ErrNotFound) {
			return fmt.Errorf("ledger: %s: %w", name, domain.ErrDefinitionMissing)
		}
		return err
	}
	return nil
}
