package broker

import "github.com/chris-alexander-pop/msgbroker/pkg/errors"

// Error codes for broker operations.
const (
	CodeConfigInvalid        = "BROKER_CONFIG_INVALID"
	CodeConnectFailed        = "BROKER_CONNECT_FAILED"
	CodePayloadTooLarge      = "BROKER_PAYLOAD_TOO_LARGE"
	CodeSubscriptionNotFound = "BROKER_SUBSCRIPTION_NOT_FOUND"
	CodeAlreadyExists        = "BROKER_ALREADY_EXISTS"
	CodeParseError           = "BROKER_PARSE_ERROR"
	CodeTransientStoreError  = "BROKER_TRANSIENT_STORE_ERROR"
)

// ErrConfigInvalid creates an error for missing or contradictory configuration.
func ErrConfigInvalid(msg string, err error) *errors.AppError {
	return errors.New(CodeConfigInvalid, "invalid broker configuration: "+msg, err)
}

// ErrConnectFailed creates an error for hot-store/warm-store connection failures.
func ErrConnectFailed(target string, err error) *errors.AppError {
	return errors.New(CodeConnectFailed, "failed to connect to "+target, err)
}

// ErrPayloadTooLarge creates an error for a publish whose payload exceeds the configured limit.
func ErrPayloadTooLarge(err error) *errors.AppError {
	return errors.New(CodePayloadTooLarge, "payload exceeds maximum size", err)
}

// ErrSubscriptionNotFound creates an error for a consumer started against an unknown subscription.
func ErrSubscriptionNotFound(subscription string, err error) *errors.AppError {
	return errors.New(CodeSubscriptionNotFound, "subscription not found: "+subscription, err)
}

// ErrAlreadyExists creates an error for a duplicate consumer-group creation. Topic Manager
// always swallows this; adapters should return it rather than a generic store error so callers
// above them can tell the difference.
func ErrAlreadyExists(name string, err error) *errors.AppError {
	return errors.New(CodeAlreadyExists, "already exists: "+name, err)
}

// ErrParseError creates an error for a log entry whose payload/headers cannot be decoded.
func ErrParseError(err error) *errors.AppError {
	return errors.New(CodeParseError, "failed to parse entry", err)
}

// ErrTransientStoreError creates an error for a recoverable hot/warm-store failure.
func ErrTransientStoreError(err error) *errors.AppError {
	return errors.New(CodeTransientStoreError, "transient store error", err)
}
