package echoloop

import (
	"fmt"

	"github.com/pkg/errors"
)

var (
	ErrAlreadyRegistered = errors.New("fd already registered")
	ErrRegistrationLimit = errors.New("registration limit exceeded")
	ErrNotRegistered     = errors.New("fd not registered")
	errHandoffClosed     = errors.New("handoff queue closed")
	errUnknownTrigger    = errors.New("unknown trigger mode")
)

// RegistrationError is returned by Poller.Register.
type RegistrationError struct {
	Fd  int
	Err error
}

func (e *RegistrationError) Error() string {
	return fmt.Sprintf("register fd %d: %v", e.Fd, e.Err)
}

func (e *RegistrationError) Unwrap() error {
	return e.Err
}

// NotRegisteredError is returned by Poller.Modify and Poller.Unregister for an unknown fd.
type NotRegisteredError struct {
	Fd int
	Op string
}

func (e *NotRegisteredError) Error() string {
	return fmt.Sprintf("%s fd %d: %v", e.Op, e.Fd, ErrNotRegistered)
}

func (e *NotRegisteredError) Unwrap() error {
	return ErrNotRegistered
}

// SetupError reports the bootstrap step that failed. Any SetupError is fatal.
type SetupError struct {
	Step string
	Err  error
}

func (e *SetupError) Error() string {
	return fmt.Sprintf("setup %s: %v", e.Step, e.Err)
}

func (e *SetupError) Unwrap() error {
	return e.Err
}

func setupError(step string, err error) error {
	return &SetupError{Step: step, Err: errors.WithStack(err)}
}
