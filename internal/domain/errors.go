package domain

import "errors"

var (
	ErrNotFound         = errors.New("not found")
	ErrAlreadyExists    = errors.New("already exists")
	ErrRateLimited      = errors.New("rate limited")
	ErrUnauthorized     = errors.New("unauthorized")
	ErrInvalidSignature = errors.New("invalid signature")
	ErrLockHeld         = errors.New("lock already held")
	ErrInvalidProposal  = errors.New("invalid proposal parameters")

	// Bond lifecycle.
	ErrInvalidProposalStatus        = errors.New("invalid proposal status")
	ErrBondNotEligibleForRefund     = errors.New("bond not eligible for refund")
	ErrBondNotEligibleForForfeiture = errors.New("bond not eligible for forfeiture")
	ErrBondNotActive                = errors.New("bond not active")
	ErrBondAlreadyResolved          = errors.New("bond already resolved")
	ErrResolutionBusy               = errors.New("bond resolution already in progress")

	// Escrow.
	ErrInsufficientAllowance = errors.New("insufficient allowance")
	ErrInsufficientFunds     = errors.New("insufficient funds")

	ErrArithmeticOverflow = errors.New("arithmetic overflow")
)
