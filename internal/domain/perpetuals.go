package domain

import (
	"encoding/binary"
	"fmt"
	"time"
	"unicode/utf8"
)

const (
	// MaxPoolNameLen bounds pool names.
	MaxPoolNameLen = 64
	// MaxPools bounds the number of pools the protocol tracks.
	MaxPools = 10
	// MaxCustodies bounds the number of custodies per pool.
	MaxCustodies = 10
)

// Permissions are the protocol-wide switches the admin can flip.
type Permissions struct {
	AllowOpenPosition         bool `json:"allow_open_position"`
	AllowClosePosition        bool `json:"allow_close_position"`
	AllowLiquidation          bool `json:"allow_liquidation"`
	AllowCollateralWithdrawal bool `json:"allow_collateral_withdrawal"`
	AllowAddLiquidity         bool `json:"allow_add_liquidity"`
	AllowRemoveLiquidity      bool `json:"allow_remove_liquidity"`
}

// AllPermissions enables every operation.
func AllPermissions() Permissions {
	return Permissions{
		AllowOpenPosition:         true,
		AllowClosePosition:        true,
		AllowLiquidation:          true,
		AllowCollateralWithdrawal: true,
		AllowAddLiquidity:         true,
		AllowRemoveLiquidity:      true,
	}
}

// Perpetuals is the protocol singleton.
type Perpetuals struct {
	Admin            Pubkey      `json:"admin"`
	ClusterAuthority Pubkey      `json:"cluster_authority"`
	Permissions      Permissions `json:"permissions"`
	Pools            []Pubkey    `json:"pools"`
	InceptionTime    time.Time   `json:"inception_time"`
}

// Pool is a named liquidity venue.
type Pool struct {
	Address       Pubkey    `json:"address"`
	Name          string    `json:"name"`
	LPMint        Pubkey    `json:"lp_mint"`
	Custodies     []Pubkey  `json:"custodies"`
	Active        bool      `json:"active"`
	InceptionTime time.Time `json:"inception_time"`
}

// ValidatePoolName enforces the pool naming rules.
func ValidatePoolName(name string) error {
	if name == "" {
		return fmt.Errorf("%w: pool name is empty", ErrInvalidArgument)
	}
	if utf8.RuneCountInString(name) > MaxPoolNameLen {
		return fmt.Errorf("%w: pool name longer than %d characters", ErrInvalidArgument, MaxPoolNameLen)
	}
	return nil
}

// PoolAddress derives the address of a pool from its unique name.
func PoolAddress(name string) Pubkey {
	return DerivePubkey([]byte("pool"), []byte(name))
}

// LPMintAddress derives the LP share mint of a pool.
func LPMintAddress(pool Pubkey) Pubkey {
	return DerivePubkey([]byte("lp_token_mint"), pool[:])
}

// CustodyAddress derives the custody of mint inside pool.
func CustodyAddress(pool, mint Pubkey) Pubkey {
	return DerivePubkey([]byte("custody"), pool[:], mint[:])
}

// CustodyTokenAccountAddress derives the token account holding a custody's
// assets.
func CustodyTokenAccountAddress(pool, mint Pubkey) Pubkey {
	return DerivePubkey([]byte("custody_token_account"), pool[:], mint[:])
}

// OracleAddress derives the custom oracle account of a custody.
func OracleAddress(custody Pubkey) Pubkey {
	return DerivePubkey([]byte("oracle"), custody[:])
}

// PositionAddress derives a position from its owner, venue and the offset of
// the computation that opened it.
func PositionAddress(owner, pool, custody Pubkey, openOffset uint64) Pubkey {
	var off [8]byte
	binary.LittleEndian.PutUint64(off[:], openOffset)
	return DerivePubkey([]byte("position"), owner[:], pool[:], custody[:], off[:])
}

// MintAddress derives a token mint from its symbol.
func MintAddress(symbol string) Pubkey {
	return DerivePubkey([]byte("mint"), []byte(symbol))
}

// TokenAccountAddress derives the associated token account of owner for mint.
func TokenAccountAddress(mint, owner Pubkey) Pubkey {
	return DerivePubkey([]byte("token_account"), mint[:], owner[:])
}

// ClusterAccount is the well-known account where the computation cluster
// publishes its key-exchange public key.
type ClusterAccount struct {
	PublicKey   X25519Key `json:"public_key"`
	Authority   Pubkey    `json:"authority"`
	PublishedAt time.Time `json:"published_at"`
}

// Mint is a fungible token definition.
type Mint struct {
	Address   Pubkey `json:"address"`
	Symbol    string `json:"symbol"`
	Decimals  uint8  `json:"decimals"`
	Authority Pubkey `json:"authority"`
	Supply    uint64 `json:"supply"`
}

// TokenAccount holds a balance of one mint for one owner.
type TokenAccount struct {
	Address Pubkey `json:"address"`
	Mint    Pubkey `json:"mint"`
	Owner   Pubkey `json:"owner"`
	Amount  uint64 `json:"amount"`
}
