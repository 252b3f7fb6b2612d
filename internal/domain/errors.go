package domain

import "errors"

var (
	ErrNotFound            = errors.New("not found")
	ErrInsufficientCredit  = errors.New("insufficient credit")
	ErrAlreadyTerminal     = errors.New("job already terminal")
	ErrInvalidTransition   = errors.New("invalid status transition")
	ErrProviderUnavailable = errors.New("provider unavailable")
)
