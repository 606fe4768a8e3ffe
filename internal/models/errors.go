package models

import "errors"

var (
	ErrNotFound          = errors.New("not found")
	ErrInvalidTransition = errors.New("invalid transition")
	ErrForbidden         = errors.New("forbidden")
	ErrConflict          = errors.New("conflict")
	ErrUnavailable       = errors.New("no eligible driver available")
	ErrNoActiveTrip      = errors.New("no active trip")
	ErrValidation        = errors.New("validation error")
	ErrUnauthorized      = errors.New("unauthorized")
)

// ErrDuplicateCode is returned by stores when a booking code is already taken.
// It matches ErrConflict under errors.Is.
var ErrDuplicateCode = &conflictError{msg: "booking code already exists"}

// ErrStorageUnavailable signals loss of the record store. It never matches a
// domain error.
var ErrStorageUnavailable = errors.New("storage unavailable")

type conflictError struct{ msg string }

func (e *conflictError) Error() string { return e.msg }

func (e *conflictError) Is(target error) bool { return target == ErrConflict }
