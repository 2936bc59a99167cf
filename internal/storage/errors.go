// Package storage provides the SQLite store shared by the MTTx and Sigma services.
package storage

import (
	"errors"
	"fmt"
	"strings"
)

// Storage error types for categorizing storage failures.
var (
	// ErrConnectionFailed indicates a failure to open the database.
	ErrConnectionFailed = errors.New("storage: connection failed")

	// ErrQueryFailed indicates a query execution failure.
	ErrQueryFailed = errors.New("storage: query failed")

	// ErrNotFound indicates the requested record was not found.
	ErrNotFound = errors.New("storage: not found")

	// ErrDuplicate indicates a unique constraint violation.
	ErrDuplicate = errors.New("storage: duplicate record")

	// ErrInvalidData indicates invalid data was provided.
	ErrInvalidData = errors.New("storage: invalid data")
)

// StorageError wraps storage errors with additional context.
type StorageError struct {
	Op    string // Operation that failed (e.g., "Create", "Get", "List")
	Table string // Table involved, if applicable
	Err   error  // Underlying error
}

// Error returns the error message.
func (e *StorageError) Error() string {
	if e.Table != "" {
		return fmt.Sprintf("storage.%s(%s): %v", e.Op, e.Table, e.Err)
	}
	return fmt.Sprintf("storage.%s: %v", e.Op, e.Err)
}

// Unwrap returns the underlying error for errors.Is/As support.
func (e *StorageError) Unwrap() error {
	return e.Err
}

// IsNotFound checks if the error is a not found error.
func IsNotFound(err error) bool {
	return errors.Is(err, ErrNotFound)
}

// IsDuplicate checks if the error is a unique constraint violation.
func IsDuplicate(err error) bool {
	return errors.Is(err, ErrDuplicate)
}

// IsInvalid checks if the error reports rejected input.
func IsInvalid(err error) bool {
	return errors.Is(err, ErrInvalidData)
}

// wrapQueryError classifies a driver error as a query, duplicate or
// constraint failure.
func wrapQueryError(op, table string, err error) error {
	msg := err.Error()
	switch {
	case strings.Contains(msg, "UNIQUE constraint failed"):
		return &StorageError{Op: op, Table: table, Err: fmt.Errorf("%w: %v", ErrDuplicate, err)}
	case strings.Contains(msg, "FOREIGN KEY constraint failed"),
		strings.Contains(msg, "NOT NULL constraint failed"),
		strings.Contains(msg, "CHECK constraint failed"):
		return &StorageError{Op: op, Table: table, Err: fmt.Errorf("%w: %v", ErrInvalidData, err)}
	}
	return &StorageError{Op: op, Table: table, Err: fmt.Errorf("%w: %v", ErrQueryFailed, err)}
}

func notFound(op, table string, id int64) error {
	return &StorageError{Op: op, Table: table, Err: fmt.Errorf("%w: id=%d", ErrNotFound, id)}
}

func invalid(op, table, reason string) error {
	return &StorageError{Op: op, Table: table, Err: fmt.Errorf("%w: %s", ErrInvalidData, reason)}
}
