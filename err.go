package learnsync

import (
	"errors"
	"fmt"

	"github.com/learnsync/learnsync/pkg/constants"
	"github.com/learnsync/learnsync/pkg/gateway"
	"github.com/learnsync/learnsync/pkg/models"
	"github.com/learnsync/learnsync/pkg/store"
)

// Error codes carried by *Error.
const (
	CodeInvalidCredentials  = "auth/invalid-credentials"
	CodeInvalidOTP          = "auth/invalid-otp"
	CodeParticipantNotFound = "participant_not_found"
	CodeValidation          = "validation_failed"
	CodeNotFound            = "not_found"
	CodeConflict            = "already_exists"
	CodeRemoteFailed        = "remote_failed"
	CodeClosed              = "closed"
)

// Error is what every Client operation returns on failure. Code is stable
// and meant for programmatic checks; Message is for people.
type Error struct {
	Code    string
	Message string
	Err     error
}

func (e *Error) Error() string {
	if e.Err != nil && e.Message == "" {
		return fmt.Sprintf("%s: %v", e.Code, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

func (e *Error) Unwrap() error { return e.Err }

// IsCode reports whether err is an *Error with the given code.
func IsCode(err error, code string) bool {
	var lerr *Error
	return errors.As(err, &lerr) && lerr.Code == code
}

func newError(code, message string) *Error {
	return &Error{Code: code, Message: message}
}

// wrap classifies err into an *Error. Gateway errors keep the code the
// gateway sent when it is one of ours.
func wrap(err error, message string) error {
	if err == nil {
		return nil
	}
	var lerr *Error
	if errors.As(err, &lerr) {
		return err
	}

	var verr *models.ValidationError
	var gerr *gateway.Error
	code := CodeRemoteFailed
	switch {
	case errors.As(err, &verr):
		code = CodeValidation
	case errors.Is(err, store.ErrNotFound):
		code = CodeNotFound
	case errors.Is(err, store.ErrDuplicate):
		code = CodeConflict
	case errors.Is(err, constants.ErrClosed):
		code = CodeClosed
	case errors.As(err, &gerr):
		switch gerr.Code {
		case CodeInvalidCredentials, CodeInvalidOTP, CodeParticipantNotFound, CodeNotFound:
			code = gerr.Code
		}
	}
	return &Error{Code: code, Message: message, Err: err}
}
