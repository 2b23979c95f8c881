package domain

import "errors"

var (
	ErrNotFound           = errors.New("not found")
	ErrAlreadyExists      = errors.New("already exists")
	ErrRateLimited        = errors.New("rate limited")
	ErrDataUnavailable    = errors.New("market data unavailable")
	ErrOpportunityExpired = errors.New("opportunity expired")
	ErrOpportunityFull    = errors.New("opportunity fully allocated")
	ErrDeliveryFailed     = errors.New("delivery failed")
)
