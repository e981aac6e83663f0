package services

import "errors"

var (
	ErrMissingUserID        = errors.New("missing user id")
	ErrInvalidInput         = errors.New("invalid input")
	ErrInvalidSignature     = errors.New("invalid signature")
	ErrMissingSignature     = errors.New("missing signature")
	ErrSecretNotConfigured  = errors.New("secret not configured")
	ErrPaymentNotVerified   = errors.New("payment not verified")
	ErrSettlementInProgress = errors.New("settlement in progress")
	ErrReserveFailed        = errors.New("reservation failed")
	ErrTransferFailed       = errors.New("transfer failed")
)
