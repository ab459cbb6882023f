package service

import (
	"errors"
	"fmt"

	"github.com/go-playground/validator/v10"

	"github.com/spagchat/internal/repository"
)

// Kind is the machine-checkable category of a failed operation.
type Kind string

const (
	KindValidation Kind = "validation"
	KindNotFound   Kind = "not_found"
	KindForbidden  Kind = "forbidden"
	KindConflict   Kind = "conflict"
	KindDependency Kind = "dependency"
)

// Error is returned by every service operation for expected failures.
type Error struct {
	Kind    Kind
	Message string
	Err     error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Message, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

func (e *Error) Unwrap() error { return e.Err }

// KindOf returns the kind of err; errors not produced by this package are dependency failures.
func KindOf(err error) Kind {
	if err == nil {
		return ""
	}
	var se *Error
	if errors.As(err, &se) {
		return se.Kind
	}
	return KindDependency
}

// MessageOf returns the human-readable part of err.
func MessageOf(err error) string {
	var se *Error
	if errors.As(err, &se) {
		return se.Message
	}
	if err == nil {
		return ""
	}
	return err.Error()
}

func newError(kind Kind, format string, args ...any) *Error {
	return &Error{Kind: kind, Message: fmt.Sprintf(format, args...)}
}

func invalid(format string, args ...any) error   { return newError(KindValidation, format, args...) }
func notFound(format string, args ...any) error  { return newError(KindNotFound, format, args...) }
func forbidden(format string, args ...any) error { return newError(KindForbidden, format, args...) }
func conflict(format string, args ...any) error  { return newError(KindConflict, format, args...) }

// storeError maps persistence sentinels to service kinds; anything else is a dependency failure.
func storeError(err error, what string) error {
	switch {
	case errors.Is(err, repository.ErrNotFound):
		return &Error{Kind: KindNotFound, Message: what + " not found", Err: err}
	case errors.Is(err, repository.ErrConflict):
		return &Error{Kind: KindConflict, Message: what + " was modified concurrently, reload and retry", Err: err}
	case errors.Is(err, repository.ErrAlreadyMember):
		return &Error{Kind: KindConflict, Message: "user is already a member", Err: err}
	case errors.Is(err, repository.ErrDuplicate):
		return &Error{Kind: KindConflict, Message: "private room already exists", Err: err}
	}
	return &Error{Kind: KindDependency, Message: "storage unavailable", Err: err}
}

var validate = validator.New()

// validateStruct runs the struct tags and reports the first failing field.
func validateStruct(v any) error {
	err := validate.Struct(v)
	if err == nil {
		return nil
	}
	var verrs validator.ValidationErrors
	if errors.As(err, &verrs) && len(verrs) > 0 {
		fe := verrs[0]
		return &Error{Kind: KindValidation, Message: fmt.Sprintf("%s failed %q", fe.Field(), fe.Tag()), Err: err}
	}
	return &Error{Kind: KindValidation, Message: "invalid input", Err: err}
}

func validateID(id, what string) error {
	if err := validate.Var(id, "required,uuid"); err != nil {
		return invalid("%s must be a UUID", what)
	}
	return nil
}
