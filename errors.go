package main

import (
	"errors"
	"net/http"
)

var (
	ErrMissingParams    = errors.New("missing parameters")
	ErrPlatformNotFound = errors.New("platform not registered")
	ErrPlatformInactive = errors.New("platform not activated")
	ErrInvalidState     = errors.New("invalid state")
	ErrNonceReused      = errors.New("nonce already used")
	ErrInvalidToken     = errors.New("invalid id_token")
	ErrInvalidLtik      = errors.New("invalid ltik")
	ErrLaunchNotFound   = errors.New("launch not found")
	ErrNoNRPS           = errors.New("launch has no names and roles service")
	ErrRegistration     = errors.New("dynamic registration failed")
	ErrKeyNotFound      = errors.New("tool key not found")
)

// httpStatus maps a provider error onto the response status.
func httpStatus(err error) int {
	switch {
	case errors.Is(err, ErrMissingParams), errors.Is(err, ErrNoNRPS):
		return http.StatusBadRequest
	case errors.Is(err, ErrPlatformNotFound), errors.Is(err, ErrPlatformInactive),
		errors.Is(err, ErrInvalidState), errors.Is(err, ErrNonceReused),
		errors.Is(err, ErrInvalidToken), errors.Is(err, ErrInvalidLtik),
		errors.Is(err, ErrLaunchNotFound):
		return http.StatusUnauthorized
	case errors.Is(err, ErrRegistration):
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}
