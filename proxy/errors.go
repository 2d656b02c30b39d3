package proxy

import (
	"errors"
	"fmt"
)

var (
	ErrProviderNotFound    = errors.New("provider not found")
	ErrDuplicateProvider   = errors.New("provider already registered")
	ErrRequestTimeout      = errors.New("request timeout")
	ErrNoFailoverProviders = errors.New("no failover providers available")
	ErrAllFailoversFailed  = errors.New("all failover providers failed")
)

// ProviderNotFoundError is a caller error. It is never retried or failed over.
type ProviderNotFoundError struct {
	Name string
}

func (e *ProviderNotFoundError) Error() string {
	return fmt.Sprintf("provider not found: %s", e.Name)
}

func (e *ProviderNotFoundError) Is(target error) bool {
	return target == ErrProviderNotFound
}

// FailoverError means the requested provider and every alternative failed.
// Reason is ErrNoFailoverProviders or ErrAllFailoversFailed.
type FailoverError struct {
	Reason error

	// Provider the request was originally sent to.
	Provider string

	// Innermost failure of the last provider tried.
	Cause error
}

func (e *FailoverError) Error() string {
	return fmt.Sprintf("%v (requested %s): %v", e.Reason, e.Provider, e.Cause)
}

func (e *FailoverError) Unwrap() []error {
	return []error{e.Reason, e.Cause}
}
