package engine

import (
	"errors"
	"strings"
)

var (
	ErrNotFound                = errors.New("not found")
	ErrConstraint              = errors.New("primary key constraint violated")
	ErrTypeMismatch            = errors.New("value does not match field type")
	ErrSchema                  = errors.New("invalid schema")
	ErrUnknownType             = errors.New("unknown bundle")
	ErrUnknownField            = errors.New("unknown field")
	ErrWriteOutsideTransaction = errors.New("write outside of an active write transaction")
	ErrReentrantTransaction    = errors.New("write transaction already held by this caller")
	ErrCommit                  = errors.New("commit failed")
	ErrDatabaseBusy            = errors.New("database is open")
	ErrDatabaseClosed          = errors.New("database is closed")
	ErrCorruptFile             = errors.New("database file is corrupt")
	ErrInvalidName             = errors.New("invalid database name")
)

// OpError records the operation and the record that an error was raised for.
type OpError struct {
	Op         string
	Bundle     string
	DocumentID string
	Field      string
	Err        error
}

func (e *OpError) Error() string {
	var b strings.Builder
	b.WriteString(e.Op)
	if e.Bundle != "" {
		b.WriteString(" ")
		b.WriteString(e.Bundle)
		if e.DocumentID != "" {
			b.WriteString("/")
			b.WriteString(e.DocumentID)
		}
	}
	if e.Field != "" {
		b.WriteString(" field ")
		b.WriteString(e.Field)
	}
	b.WriteString(": ")
	b.WriteString(e.Err.Error())
	return b.String()
}

func (e *OpError) Unwrap() error {
	return e.Err
}

func opErr(op, bundle, id string, err error) error {
	return &OpError{Op: op, Bundle: bundle, DocumentID: id, Err: err}
}

func fieldErr(op, bundle, field string, err error) error {
	return &OpError{Op: op, Bundle: bundle, Field: field, Err: err}
}
