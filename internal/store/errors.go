package store

import "errors"

// Errors shared by all store drivers.
var (
	// ErrNotFound is returned when the requested row does not exist.
	ErrNotFound = errors.New("not found")
	// ErrDuplicate is returned when a uniqueness constraint would be broken
	// (one wallet per member, one deposit per member+auction, one settlement
	// per auction).
	ErrDuplicate = errors.New("already exists")
	// ErrConflict is returned by conditional status transitions when the row
	// is not in the expected current status.
	ErrConflict = errors.New("status conflict")
	// ErrWalletInvariant is returned when a mutation would leave the wallet
	// outside 0 <= holding <= balance.
	ErrWalletInvariant = errors.New("wallet invariant violated")
	// ErrDuplicateReference is returned when the same logical wallet mutation
	// is applied twice; it is the idempotency guard the settlement batch
	// relies on to never double-pay.
	ErrDuplicateReference = errors.New("duplicate ledger reference")
)
