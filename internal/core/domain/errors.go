// Package domain provides domain level errors & entities shared across services.
package domain

import "errors"

var (
	// ErrTaskNotFound is returned when a task id resolves to nothing
	ErrTaskNotFound = errors.New("task not found")
	// ErrWorkerNotFound is returned when a worker id resolves to nothing
	ErrWorkerNotFound = errors.New("worker not found")
	// ErrAccountMismatch is returned when a caller addresses a resource
	// belonging to another account
	ErrAccountMismatch = errors.New("account mismatch")
	// ErrTerminalStatus is returned on attempts to mutate a task that has
	// already reached a terminal status
	ErrTerminalStatus = errors.New("task status is terminal")
)

// RegistrationDirective tells a worker what to do after registration
type RegistrationDirective string

const (
	DirectiveProceed RegistrationDirective = "PROCEED"
	// DirectiveSelfDestruct is issued for deleted/terminated accounts so the
	// worker can shut itself down cleanly instead of retrying forever
	DirectiveSelfDestruct RegistrationDirective = "SELF_DESTRUCT"
)
