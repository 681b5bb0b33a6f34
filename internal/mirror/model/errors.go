package model

import "errors"

var (
	// ErrNodeUnavailable marks network, RPC and malformed-response failures of the node.
	ErrNodeUnavailable = errors.New("node unavailable")
	// ErrNotFound marks a hash or height the node does not know.
	ErrNotFound = errors.New("not found")
	// ErrReorgTooDeep marks a fork point deeper than the configured walk-back bound.
	ErrReorgTooDeep = errors.New("reorg too deep")
	// ErrStoreUnavailable marks connection and transient failures of the store.
	ErrStoreUnavailable = errors.New("store unavailable")
	// ErrStoreConstraintViolation marks a broken height/hash invariant in the store.
	ErrStoreConstraintViolation = errors.New("store constraint violation")
	// ErrLeaseHeld is returned when another synchronizer owns the store lease.
	ErrLeaseHeld = errors.New("sync lease held by another instance")
	// ErrHalted is returned by a synchronizer that has stopped on a fatal error.
	ErrHalted = errors.New("synchronizer halted")
)

// IsFatal reports whether err requires operator intervention.
func IsFatal(err error) bool {
	return errors.Is(err, ErrReorgTooDeep) ||
		errors.Is(err, ErrStoreConstraintViolation) ||
		errors.Is(err, ErrHalted)
}
