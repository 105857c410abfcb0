package domain

import "errors"

var (
	ErrNotFound      = errors.New("not found")
	ErrAlreadyExists = errors.New("already exists")
	ErrRateLimited   = errors.New("rate limited")
	ErrUnauthorized  = errors.New("unauthorized")
	ErrInvalidOrder  = errors.New("invalid order parameters")
	ErrLockHeld      = errors.New("lock already held")

	ErrMalformedSignal     = errors.New("malformed signal")
	ErrInvalidQuantity     = errors.New("invalid quantity")
	ErrInvalidPrice        = errors.New("invalid price")
	ErrDuplicateOrderID    = errors.New("duplicate order id")
	ErrAlreadyTerminal     = errors.New("order already terminal")
	ErrOrderNotFound       = errors.New("order not tracked")
	ErrPositionConflict    = errors.New("opposite position already open")
	ErrReconcileInProgress = errors.New("reconciliation already in progress")
	ErrGatewayTimeout      = errors.New("exchange gateway timeout")
)
