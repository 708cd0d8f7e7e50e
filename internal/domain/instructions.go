package domain

import "time"

// InstructionKind names a ledger instruction.
type InstructionKind string

const (
	IxInitialize        InstructionKind = "initialize"
	IxSetPermissions    InstructionKind = "set_permissions"
	IxAddPool           InstructionKind = "add_pool"
	IxSetPoolActive     InstructionKind = "set_pool_active"
	IxAddCustody        InstructionKind = "add_custody"
	IxSetCustodyActive  InstructionKind = "set_custody_active"
	IxSetOraclePrice    InstructionKind = "set_oracle_price"
	IxPublishClusterKey InstructionKind = "publish_cluster_key"
	IxInitCompDef       InstructionKind = "init_comp_def"
	IxCreateMint        InstructionKind = "create_mint"
	IxMintTo            InstructionKind = "mint_to"
	IxAddLiquidity      InstructionKind = "add_liquidity"
	IxRemoveLiquidity   InstructionKind = "remove_liquidity"
	IxOpenPosition      InstructionKind = "open_position"
	IxUpdatePosition    InstructionKind = "update_position"
	IxCalculatePnl      InstructionKind = "calculate_pnl"
	IxClosePosition     InstructionKind = "close_position"
	IxLiquidatePosition InstructionKind = "liquidate_position"
)

type InitializeArgs struct {
	ClusterAuthority Pubkey      `json:"cluster_authority"`
	Permissions      Permissions `json:"permissions"`
}

type SetPermissionsArgs struct {
	Permissions Permissions `json:"permissions"`
}

type AddPoolArgs struct {
	Name string `json:"name"`
}

type SetPoolActiveArgs struct {
	Pool   Pubkey `json:"pool"`
	Active bool   `json:"active"`
}

// AddCustodyArgs registers mint inside pool. Decimals come from the mint.
type AddCustodyArgs struct {
	Pool       Pubkey           `json:"pool"`
	Mint       Pubkey           `json:"mint"`
	IsStable   bool             `json:"is_stable"`
	Oracle     OracleParams     `json:"oracle"`
	Pricing    PricingParams    `json:"pricing"`
	Fees       Fees             `json:"fees"`
	BorrowRate BorrowRateParams `json:"borrow_rate"`
}

type SetCustodyActiveArgs struct {
	Custody Pubkey `json:"custody"`
	Active  bool   `json:"active"`
}

type SetOraclePriceArgs struct {
	Custody     Pubkey    `json:"custody"`
	Price       uint64    `json:"price"`
	EMAPrice    uint64    `json:"ema_price"`
	Confidence  uint64    `json:"confidence"`
	Exponent    int32     `json:"exponent"`
	PublishTime time.Time `json:"publish_time"`
}

type PublishClusterKeyArgs struct {
	PublicKey X25519Key `json:"public_key"`
}

type InitCompDefArgs struct {
	Name DefinitionName `json:"name"`
}

type CreateMintArgs struct {
	Symbol   string `json:"symbol"`
	Decimals uint8  `json:"decimals"`
}

type MintToArgs struct {
	Mint   Pubkey `json:"mint"`
	Owner  Pubkey `json:"owner"`
	Amount uint64 `json:"amount"`
}

type AddLiquidityArgs struct {
	Custody  Pubkey `json:"custody"`
	Amount   uint64 `json:"amount"`
	MinLPOut uint64 `json:"min_lp_out"`
}

type RemoveLiquidityArgs struct {
	Custody  Pubkey `json:"custody"`
	LPAmount uint64 `json:"lp_amount"`
	MinOut   uint64 `json:"min_out"`
}

// OpenPositionArgs carries the encrypted side, size, collateral and entry
// price. TransferAmount (collateral tokens) and SizeUSD are public so the
// ledger can move funds and bound leverage.
type OpenPositionArgs struct {
	Offset            uint64     `json:"offset"`
	Pool              Pubkey     `json:"pool"`
	Custody           Pubkey     `json:"custody"`
	CollateralCustody Pubkey     `json:"collateral_custody"`
	EncSide           Ciphertext `json:"enc_side"`
	EncSize           Ciphertext `json:"enc_size"`
	EncCollateral     Ciphertext `json:"enc_collateral"`
	EncEntryPrice     Ciphertext `json:"enc_entry_price"`
	PublicKey         X25519Key  `json:"public_key"`
	InputNonce        Nonce      `json:"input_nonce"`
	OutputNonce       Nonce      `json:"output_nonce"`
	TransferAmount    uint64     `json:"transfer_amount"`
	SizeUSD           uint64     `json:"size_usd"`
}

// UpdatePositionArgs adjusts collateral. IsAdd and TransferAmount drive the
// token movement; EncFlag and EncDelta drive the leverage recomputation.
type UpdatePositionArgs struct {
	Offset         uint64     `json:"offset"`
	Position       Pubkey     `json:"position"`
	EncDelta       Ciphertext `json:"enc_delta"`
	EncFlag        Ciphertext `json:"enc_flag"`
	PublicKey      X25519Key  `json:"public_key"`
	InputNonce     Nonce      `json:"input_nonce"`
	OutputNonce    Nonce      `json:"output_nonce"`
	TransferAmount uint64     `json:"transfer_amount"`
	IsAdd          bool       `json:"is_add"`
}

// CalculatePnlArgs requests a read-only PnL check. A zero CurrentPrice means
// the custody oracle price.
type CalculatePnlArgs struct {
	Offset       uint64 `json:"offset"`
	Position     Pubkey `json:"position"`
	CurrentPrice uint64 `json:"current_price"`
}

type ClosePositionArgs struct {
	Offset   uint64 `json:"offset"`
	Position Pubkey `json:"position"`
}

type LiquidatePositionArgs struct {
	Offset   uint64 `json:"offset"`
	Position Pubkey `json:"position"`
}

// TxResult is returned for every accepted instruction.
type TxResult struct {
	Kind     InstructionKind `json:"kind"`
	Offset   uint64          `json:"offset,omitempty"`
	Position Pubkey          `json:"position,omitempty"`
	Address  Pubkey          `json:"address,omitempty"`
	Amount   uint64          `json:"amount,omitempty"`
}
