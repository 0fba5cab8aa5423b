package apperrors

import "errors"

// Sentinel errors. Callers match them with errors.Is; the control surface maps them to
// reply codes.
var (
	// ErrNotFound indicates a requested resource was not found.
	ErrNotFound = errors.New("resource not found")
	// ErrValidation indicates failure during data validation.
	ErrValidation = errors.New("validation failed")
	// ErrDatabase indicates a general database interaction error.
	ErrDatabase = errors.New("database error")
	// ErrNATS indicates a general NATS/broker communication error.
	ErrNATS = errors.New("nats communication error")
	// ErrUnauthorized indicates the tenant could not be established for an operation.
	ErrUnauthorized = errors.New("unauthorized access")
	// ErrDuplicate indicates a conflict due to duplicate data (e.g., unique constraint).
	ErrDuplicate = errors.New("duplicate resource")
	// ErrBadRequest indicates a malformed or invalid request from the client/caller.
	ErrBadRequest = errors.New("bad request")
	// ErrTimeout indicates an operation timed out.
	ErrTimeout = errors.New("operation timeout")

	// ErrNotReady indicates the tenant has no Ready session handle.
	ErrNotReady = errors.New("session not ready")
	// ErrPolicyViolation indicates the platform refused an operation on policy grounds
	// (e.g. the messaging window expired). Callers may fall back to another channel.
	ErrPolicyViolation = errors.New("platform policy violation")
	// ErrAuthFailure indicates pairing/authentication was rejected and needs a human retry.
	ErrAuthFailure = errors.New("authentication failure")
	// ErrInitInProgress indicates another initialization holds the tenant slot.
	ErrInitInProgress = errors.New("session initialization in progress")
	// ErrHandleGone indicates the handle was torn down while an operation was using it.
	ErrHandleGone = errors.New("session handle gone")
)
