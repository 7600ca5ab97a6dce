package ble

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/user/ancsrelay/wire/att"
)

// ErrIllegalState is returned by operations issued while the link is not connected
var ErrIllegalState = errors.New("ble: link not connected")

// ConnectionError is a rejected or dropped connection
type ConnectionError struct {
	Status int
	Err    error
}

func (e *ConnectionError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("ble: connection failed (%s): %v", att.StatusName(e.Status), e.Err)
	}
	return fmt.Sprintf("ble: connection failed (%s)", att.StatusName(e.Status))
}

func (e *ConnectionError) Unwrap() error { return e.Err }

// OperationError is a failed read, write, discovery or subscription
type OperationError struct {
	Op     string
	Status int
	Err    error
}

func (e *OperationError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("ble: %s failed (%s): %v", e.Op, att.StatusName(e.Status), e.Err)
	}
	return fmt.Sprintf("ble: %s failed (%s)", e.Op, att.StatusName(e.Status))
}

func (e *OperationError) Unwrap() error { return e.Err }

// ParseError is a malformed protocol payload
type ParseError struct {
	What string
	Data []byte
}

func (e *ParseError) Error() string {
	return fmt.Sprintf("ble: malformed %s (%d bytes: % x)", e.What, len(e.Data), e.Data)
}

// ServiceNotFoundError means a required service or characteristic is missing
type ServiceNotFoundError struct {
	Service        uuid.UUID
	Characteristic uuid.UUID
}

func (e *ServiceNotFoundError) Error() string {
	if e.Characteristic == uuid.Nil {
		return fmt.Sprintf("ble: service %s not found", e.Service)
	}
	return fmt.Sprintf("ble: characteristic %s/%s not found", e.Service, e.Characteristic)
}

// TimeoutError is an operation that ran past its deadline
type TimeoutError struct {
	Op string
}

func (e *TimeoutError) Error() string {
	return fmt.Sprintf("ble: %s timed out", e.Op)
}

func (e *TimeoutError) Unwrap() error { return context.DeadlineExceeded }

// ctxErr turns a context error into the taxonomy: deadlines become
// TimeoutError, cancellation stays context.Canceled.
func ctxErr(op string, err error) error {
	if errors.Is(err, context.DeadlineExceeded) {
		return &TimeoutError{Op: op}
	}
	return err
}
