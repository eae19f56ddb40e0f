package warmstore

import "github.com/chris-alexander-pop/msgbroker/pkg/errors"

// Error codes for warm-store operations.
const (
	CodeConnectFailed = "WARMSTORE_CONNECT_FAILED"
	CodeAlreadyExists = "WARMSTORE_ALREADY_EXISTS"
	CodeWriteFailed   = "WARMSTORE_WRITE_FAILED"
	CodeReadFailed    = "WARMSTORE_READ_FAILED"
)

// ErrConnectFailed creates an error for warm-store connection failures.
func ErrConnectFailed(err error) *errors.AppError {
	return errors.New(CodeConnectFailed, "failed to connect to warm store", err)
}

// ErrAlreadyExists creates an error for a duplicate-key insert against a
// unique-indexed collection.
func ErrAlreadyExists(collection string, err error) *errors.AppError {
	return errors.New(CodeAlreadyExists, "document already exists in "+collection, err)
}

// ErrWriteFailed creates an error for insert/upsert/delete failures.
func ErrWriteFailed(op string, err error) *errors.AppError {
	return errors.New(CodeWriteFailed, "warm store write failed: "+op, err)
}

// ErrReadFailed creates an error for find/findOne failures.
func ErrReadFailed(op string, err error) *errors.AppError {
	return errors.New(CodeReadFailed, "warm store read failed: "+op, err)
}
