package domain

import "errors"

// Validation errors. These are detected before any computation is queued and
// the whole instruction is rejected without side effects.
var (
	ErrPoolInactive        = errors.New("pool inactive")
	ErrCustodyInactive     = errors.New("custody inactive")
	ErrPermissionDenied    = errors.New("permission denied")
	ErrUtilizationExceeded = errors.New("custody utilization exceeded")
	ErrLeverageOutOfRange  = errors.New("leverage out of range")
	ErrPositionNotFound    = errors.New("position not found")
	ErrPositionInactive    = errors.New("position inactive")
	ErrStaleOracle         = errors.New("stale oracle price")
	ErrOraclePriceError    = errors.New("oracle price error exceeds limit")
	ErrInsufficientFunds   = errors.New("insufficient funds")
	ErrSlippage            = errors.New("slippage limit exceeded")
	ErrInvalidArgument     = errors.New("invalid argument")
	ErrUnauthorized        = errors.New("unauthorized")
	ErrDefinitionMissing   = errors.New("computation definition not registered")
)

// Computation lifecycle errors. The outcome of the submitted operation is
// unknown or failed after the custody side effects were committed.
var (
	ErrComputationTimeout = errors.New("computation timed out, outcome unknown")
	ErrComputationFailed  = errors.New("computation failed")
	ErrTicketPending      = errors.New("mutating computation already pending for position")
)

// Consistency errors. A callback carrying one of these is rejected.
var (
	ErrNonceMismatch       = errors.New("position nonce mismatch")
	ErrZeroCiphertext      = errors.New("all-zero ciphertext")
	ErrComputationResolved = errors.New("computation already resolved")
	ErrInvalidCallback     = errors.New("invalid computation callback")
)

// Key exchange errors.
var (
	ErrKeyUnavailable   = errors.New("cluster public key unavailable")
	ErrKeyFetchTimeout  = errors.New("cluster public key fetch timed out")
	ErrDecryptionFailed = errors.New("decryption failed")
)

// Generic store and transport errors.
var (
	ErrNotFound         = errors.New("not found")
	ErrAlreadyExists    = errors.New("already exists")
	ErrInvalidSignature = errors.New("invalid signature")
	ErrReplay           = errors.New("instruction replayed")
	ErrLockHeld         = errors.New("lock already held")
	ErrWSDisconnect     = errors.New("websocket disconnected")
)

var validationErrors = []error{
	ErrPoolInactive, ErrCustodyInactive, ErrPermissionDenied,
	ErrUtilizationExceeded, ErrLeverageOutOfRange, ErrPositionNotFound,
	ErrPositionInactive, ErrStaleOracle, ErrOraclePriceError,
	ErrInsufficientFunds, ErrSlippage, ErrInvalidArgument, ErrUnauthorized,
	ErrDefinitionMissing, ErrAlreadyExists, ErrInvalidSignature, ErrReplay,
	ErrMathOverflow,
}

// IsValidation reports whether err was raised before any computation was
// queued. Such errors are safe to fix and resubmit.
func IsValidation(err error) bool {
	for _, target := range validationErrors {
		if errors.Is(err, target) {
			return true
		}
	}
	return false
}

// IsConsistency reports whether err signals an ordering or protocol bug on a
// finalization.
func IsConsistency(err error) bool {
	return errors.Is(err, ErrNonceMismatch) ||
		errors.Is(err, ErrZeroCiphertext) ||
		errors.Is(err, ErrComputationResolved) ||
		errors.Is(err, ErrInvalidCallback)
}

// ReasonCode maps a known error to the short code carried in events and API
// responses. Unknown errors map to "internal".
func ReasonCode(err error) string {
	switch {
	case err == nil:
		return ""
	case errors.Is(err, ErrPoolInactive):
		return "pool_inactive"
	case errors.Is(err, ErrCustodyInactive):
		return "custody_inactive"
	case errors.Is(err, ErrPermissionDenied):
		return "permission_denied"
	case errors.Is(err, ErrUtilizationExceeded):
		return "utilization_exceeded"
	case errors.Is(err, ErrLeverageOutOfRange):
		return "leverage_out_of_range"
	case errors.Is(err, ErrPositionNotFound):
		return "position_not_found"
	case errors.Is(err, ErrPositionInactive):
		return "position_inactive"
	case errors.Is(err, ErrStaleOracle):
		return "stale_oracle"
	case errors.Is(err, ErrOraclePriceError):
		return "oracle_price_error"
	case errors.Is(err, ErrComputationTimeout):
		return "computation_timeout"
	case errors.Is(err, ErrNonceMismatch):
		return "nonce_mismatch"
	case errors.Is(err, ErrZeroCiphertext):
		return "zero_ciphertext"
	case errors.Is(err, ErrKeyUnavailable):
		return "key_unavailable"
	case errors.Is(err, ErrKeyFetchTimeout):
		return "key_fetch_timeout"
	case errors.Is(err, ErrInsufficientFunds):
		return "insufficient_funds"
	case errors.Is(err, ErrSlippage):
		return "slippage"
	case errors.Is(err, ErrTicketPending):
		return "ticket_pending"
	case errors.Is(err, ErrComputationFailed):
		return "computation_failed"
	case errors.Is(err, ErrComputationResolved):
		return "computation_resolved"
	case errors.Is(err, ErrInvalidCallback):
		return "invalid_callback"
	case errors.Is(err, ErrDecryptionFailed):
		return "decryption_failed"
	case errors.Is(err, ErrDefinitionMissing):
		return "definition_missing"
	case errors.Is(err, ErrReplay):
		return "replay"
	case errors.Is(err, ErrMathOverflow):
		return "math_overflow"
	case errors.Is(err, ErrNotFound):
		return "not_found"
	case errors.Is(err, ErrAlreadyExists):
		return "already_exists"
	case errors.Is(err, ErrInvalidSignature), errors.Is(err, ErrUnauthorized):
		return "unauthorized"
	case errors.Is(err, ErrInvalidArgument):
		return "invalid_argument"
	default:
		return "internal"
	}
}

var reasonErrors = map[string]error{
	"pool_inactive":         ErrPoolInactive,
	"custody_inactive":      ErrCustodyInactive,
	"permission_denied":     ErrPermissionDenied,
	"utilization_exceeded":  ErrUtilizationExceeded,
	"leverage_out_of_range": ErrLeverageOutOfRange,
	"position_not_found":    ErrPositionNotFound,
	"position_inactive":     ErrPositionInactive,
	"stale_oracle":          ErrStaleOracle,
	"oracle_price_error":    ErrOraclePriceError,
	"computation_timeout":   ErrComputationTimeout,
	"nonce_mismatch":        ErrNonceMismatch,
	"zero_ciphertext":       ErrZeroCiphertext,
	"key_unavailable":       ErrKeyUnavailable,
	"key_fetch_timeout":     ErrKeyFetchTimeout,
	"insufficient_funds":    ErrInsufficientFunds,
	"slippage":              ErrSlippage,
	"ticket_pending":        ErrTicketPending,
	"computation_failed":    ErrComputationFailed,
	"computation_resolved":  ErrComputationResolved,
	"invalid_callback":      ErrInvalidCallback,
	"decryption_failed":     ErrDecryptionFailed,
	"definition_missing":    ErrDefinitionMissing,
	"replay":                ErrReplay,
	"math_overflow":         ErrMathOverflow,
	"not_found":             ErrNotFound,
	"already_exists":        ErrAlreadyExists,
	"unauthorized":          ErrUnauthorized,
	"invalid_argument":      ErrInvalidArgument,
}

// ErrorForReason is the inverse of ReasonCode, used by remote clients to
// restore sentinel errors from API responses. It returns nil for unknown
// codes.
func ErrorForReason(code string) error {
	return reasonErrors[code]
}
