package services

import (
	"errors"
	"fmt"
)

// Kind classifies a collaborator failure for retry and breaker decisions
type Kind string

const (
	KindTransient  Kind = "transient"  // timeout, connectivity, 5xx, 429
	KindValidation Kind = "validation" // malformed response
	KindRejected   Kind = "rejected"   // 4xx, broker-side rejection
)

// ServiceError is the single error type returned by collaborator clients
type ServiceError struct {
	Kind       Kind
	Service    string
	Symbol     string
	Message    string
	StatusCode int
	Cause      error
}

func (e *ServiceError) Error() string {
	subject := e.Service
	if e.Symbol != "" {
		subject = e.Service + "/" + e.Symbol
	}
	if e.Cause != nil {
		return fmt.Sprintf("%s error from %s: %s (%v)", e.Kind, subject, e.Message, e.Cause)
	}
	return fmt.Sprintf("%s error from %s: %s", e.Kind, subject, e.Message)
}

func (e *ServiceError) Unwrap() error {
	return e.Cause
}

func NewTransientError(service, symbol, message string, cause error) *ServiceError {
	return &ServiceError{Kind: KindTransient, Service: service, Symbol: symbol, Message: message, Cause: cause}
}

func NewValidationError(service, symbol, message string) *ServiceError {
	return &ServiceError{Kind: KindValidation, Service: service, Symbol: symbol, Message: message}
}

func NewRejectedError(service, symbol, message string) *ServiceError {
	return &ServiceError{Kind: KindRejected, Service: service, Symbol: symbol, Message: message}
}

// KindOf extracts the failure kind of err, if it carries one
func KindOf(err error) (Kind, bool) {
	var se *ServiceError
	if errors.As(err, &se) {
		return se.Kind, true
	}
	return "", false
}

func IsTransient(err error) bool {
	k, ok := KindOf(err)
	return ok && k == KindTransient
}

func IsValidation(err error) bool {
	k, ok := KindOf(err)
	return ok && k == KindValidation
}

func IsRejected(err error) bool {
	k, ok := KindOf(err)
	return ok && k == KindRejected
}
