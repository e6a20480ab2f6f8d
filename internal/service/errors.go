package service

import "errors"

var (
	// ErrInvalidCredentials covers every login mismatch: unknown username and
	// wrong password collapse into it so callers cannot enumerate accounts.
	ErrInvalidCredentials = errors.New("invalid username or password")
	// ErrTokenNotActive covers a presented refresh token that is missing,
	// revoked or expired; all three are the same 401 to the caller.
	ErrTokenNotActive = errors.New("refresh token is not active")
	ErrUsernameTaken  = errors.New("username is already taken")
	ErrEmailTaken     = errors.New("email is already taken")
	ErrEmailNotFound  = errors.New("no account for that email")
	ErrResetInvalid   = errors.New("invalid or expired reset credential")
	ErrDispatchFailed = errors.New("failed to dispatch notification")
)
