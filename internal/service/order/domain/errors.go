package domain

import "errors"

var (
	ErrInvalidVariant    = errors.New("InvalidVariant")
	ErrInvalidTransition = errors.New("InvalidTransition")
	ErrNotFound          = errors.New("NotFound")
	ErrConnection        = errors.New("executor connection lost")
	ErrTimedOut          = errors.New("TimedOut")
	ErrPhaseRejected     = errors.New("phase command rejected by worker")
	ErrQueueFull         = errors.New("order queue is full")
	ErrGateBusy          = errors.New("confirmation gate already has a waiter")
)
