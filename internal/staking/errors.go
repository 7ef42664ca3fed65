package staking

import "errors"

var (
	// ErrZeroAmount is returned when an amount is missing or zero.
	ErrZeroAmount = errors.New("staking: amount must be > 0")

	// ErrInsufficientStake is returned when unstaking more than the
	// caller's principal.
	ErrInsufficientStake = errors.New("staking: insufficient staked amount")

	// ErrNothingToClaim is returned when a claim finds no accrued reward.
	// It is distinct from reserve.ErrInsufficientRewardPool, which means a
	// reward exists but cannot be paid.
	ErrNothingToClaim = errors.New("staking: nothing to claim")

	// ErrAPYExceedsMaximum is returned when setting a rate above MaxAPY.
	ErrAPYExceedsMaximum = errors.New("staking: apy exceeds maximum")

	// ErrWhitelistDisabled is returned for allowlist management on an
	// engine built without the allowlist.
	ErrWhitelistDisabled = errors.New("staking: whitelist is not enabled")

	// ErrTransferFailed wraps a token collaborator failure. The token
	// error is wrapped too, so errors.Is(err, token.ErrInsufficientBalance)
	// works.
	ErrTransferFailed = errors.New("staking: token transfer failed")

	// ErrPersist wraps a store failure. Nothing was applied.
	ErrPersist = errors.New("staking: persist state")

	// ErrOverflow is returned when a principal or total would exceed 256
	// bits.
	ErrOverflow = errors.New("staking: amount overflows")

	// ErrAccountingMismatch is returned when an unstake exceeds the
	// recorded total, which only happens after an emergency withdrawal
	// zeroed the aggregates.
	ErrAccountingMismatch = errors.New("staking: unstake exceeds total staked")

	// ErrLedgerMismatch is returned by New when the token ledger holds less
	// in custody than the restored state says was staked or funded.
	ErrLedgerMismatch = errors.New("staking: token ledger does not cover restored custody")

	// ErrInvalidConfig is returned by New for an unusable Config.
	ErrInvalidConfig = errors.New("staking: invalid config")
)
