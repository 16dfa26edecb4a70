package domain

import (
	"errors"
	"fmt"
)

// ErrorKind classifies failures crossing component boundaries.
type ErrorKind string

const (
	KindDateParse        ErrorKind = "date_parse"
	KindInvalidNeed      ErrorKind = "invalid_need"
	KindSchemaResolution ErrorKind = "schema_resolution"
	KindConnectivity     ErrorKind = "connectivity"
	KindRemoteOperation  ErrorKind = "remote_operation"
	KindUnknownRecord    ErrorKind = "unknown_record"
	KindInvalidArguments ErrorKind = "invalid_arguments"
	KindInternal         ErrorKind = "internal"
)

type Error struct {
	Kind   ErrorKind
	Op     string
	Detail string
	Err    error
}

func (e *Error) Error() string {
	if e == nil {
		return ""
	}
	msg := fmt.Sprintf("%s: %s", e.Op, e.Kind)
	if e.Detail != "" {
		msg += ": " + e.Detail
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *Error) Unwrap() error {
	if e == nil {
		return nil
	}
	return e.Err
}

func NewError(kind ErrorKind, op, detail string, err error) *Error {
	return &Error{Kind: kind, Op: op, Detail: detail, Err: err}
}

// KindOf reports the kind of the first *Error in err's chain, or KindInternal.
func KindOf(err error) ErrorKind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return KindInternal
}
