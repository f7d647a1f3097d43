package domain

import "errors"

var (
	ErrNotFound          = errors.New("not found")
	ErrCurrencyMismatch  = errors.New("currency mismatch")
	ErrOrderIDAlreadySet = errors.New("order id already set")
	ErrNoPriceAvailable  = errors.New("no price available")
	ErrWSDisconnect      = errors.New("websocket disconnected")
)
