package errors

import "fmt"

// Session and authorization failures.
var (
	ErrInvalidCredentials    = fmt.Errorf("invalid credentials")
	ErrUnauthorizedRole      = fmt.Errorf("unauthorized role")
	ErrProfileCreationFailed = fmt.Errorf("profile creation failed")
	ErrOperationPending      = fmt.Errorf("another session operation is pending")
	ErrInvalidSignUp         = fmt.Errorf("invalid sign up request")
	ErrSessionRevoked        = fmt.Errorf("session revoked")
	ErrTokenGeneration       = fmt.Errorf("token generation failed")
	ErrUserAlreadyExists     = fmt.Errorf("user already exists")
)

// Gateway and data failures.
var (
	ErrGateway       = fmt.Errorf("gateway failure")
	ErrNotFound      = fmt.Errorf("record not found")
	ErrAlreadyExists = fmt.Errorf("record already exists")
)

// Messaging failures.
var (
	ErrEmptyMessage           = fmt.Errorf("message content is empty")
	ErrNoConversationSelected = fmt.Errorf("no conversation selected")
)

// Background work failures.
var (
	ErrWorkerPanic = fmt.Errorf("worker panicked")
)
