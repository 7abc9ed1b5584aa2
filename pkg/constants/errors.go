package constants

import "errors"

// Errors
var (
	ErrMissingConfig       = errors.New("backend url or anon key not set")
	ErrClientClosed        = errors.New("client is closed")
	ErrNotConnected        = errors.New("realtime socket is not connected")
	ErrJoinTimeout         = errors.New("channel join timed out")
	ErrJoinRejected        = errors.New("channel join rejected")
	ErrUnknownSubscription = errors.New("subscription does not belong to this client")
	ErrInvalidCredentials  = errors.New("invalid credentials")
	ErrNotAdmin            = errors.New("not authorized as admin")
	ErrNoSession           = errors.New("no active session")
	ErrUnexpectedStatus    = errors.New("unexpected response status")
)
