package contentcore

import (
	"errors"
	"fmt"
)

// Sentinel errors for each error kind. Callers should branch on these with
// errors.Is rather than type-asserting the concrete error types below.
var (
	// ErrInvalidEntity is returned when a schema or operation argument fails
	// validation.
	ErrInvalidEntity = errors.New("invalid entity")

	// ErrAlreadyExists is returned when the store rejects a duplicate
	// primary key (schema hash, or operation key/version).
	ErrAlreadyExists = errors.New("already exists")

	// ErrNotFound is returned when a referenced entity (most commonly a
	// schema) is missing from the store.
	ErrNotFound = errors.New("not found")

	// ErrAuth is returned when the caller is not authenticated or not
	// permitted to perform the requested operation.
	ErrAuth = errors.New("not authorized")

	// ErrEntityTooLarge is returned when a serialized entity exceeds its
	// size ceiling.
	ErrEntityTooLarge = errors.New("entity too large")

	// ErrAssertion is returned for programmer-error invariant violations,
	// such as an out-of-sequence operation version. The migration package
	// reports its own post-condition failure (shape mismatch) as
	// migration.ErrShapeMismatch, which does not match ErrAssertion.
	ErrAssertion = errors.New("assertion failed")
)

// InvalidEntityError carries the entity name and primary key that failed
// validation.
type InvalidEntityError struct {
	Entity string
	Key    string
	Reason string
}

func (e *InvalidEntityError) Error() string {
	return fmt.Sprintf("invalid %s %q: %s", e.Entity, e.Key, e.Reason)
}

func (e *InvalidEntityError) Is(target error) bool { return target == ErrInvalidEntity }

// Kind returns the stable error-kind identifier.
func (e *InvalidEntityError) Kind() string { return "InvalidEntity" }

// AlreadyExistsError carries the entity name, key, and the value that
// collided with an existing record.
type AlreadyExistsError struct {
	Entity string
	Key    string
	Value  any
}

func (e *AlreadyExistsError) Error() string {
	return fmt.Sprintf("%s %q already exists", e.Entity, e.Key)
}

func (e *AlreadyExistsError) Is(target error) bool { return target == ErrAlreadyExists }

// Kind returns the stable error-kind identifier.
func (e *AlreadyExistsError) Kind() string { return "AlreadyExists" }

// NotFoundError carries the entity name that could not be located.
type NotFoundError struct {
	Entity string
	Key    string
}

func (e *NotFoundError) Error() string {
	if e.Key == "" {
		return fmt.Sprintf("%s not found", e.Entity)
	}
	return fmt.Sprintf("%s %q not found", e.Entity, e.Key)
}

func (e *NotFoundError) Is(target error) bool { return target == ErrNotFound }

// Kind returns the stable error-kind identifier.
func (e *NotFoundError) Kind() string { return "NotFound" }

// AuthError reports why an auth check failed (e.g. "inactive session",
// "mayWriteContent denied").
type AuthError struct {
	Reason string
}

func (e *AuthError) Error() string {
	if e.Reason == "" {
		return "not authorized"
	}
	return fmt.Sprintf("not authorized: %s", e.Reason)
}

func (e *AuthError) Is(target error) bool { return target == ErrAuth }

// Kind returns the stable error-kind identifier.
func (e *AuthError) Kind() string { return "Auth" }

// EntityTooLargeError carries the entity name that exceeded its serialized
// size ceiling.
type EntityTooLargeError struct {
	Entity string
	Size   int
	Limit  int
}

func (e *EntityTooLargeError) Error() string {
	return fmt.Sprintf("%s of %d bytes exceeds limit of %d bytes", e.Entity, e.Size, e.Limit)
}

func (e *EntityTooLargeError) Is(target error) bool { return target == ErrEntityTooLarge }

// Kind returns the stable error-kind identifier.
func (e *EntityTooLargeError) Kind() string { return "EntityTooLarge" }

// AssertionError reports an internal invariant violation. It is never
// expected in correct usage of the system; its presence indicates a
// programmer error in the caller, such as submitting the implicit base
// operation. Out-of-sequence versions are reported as OutOfSequenceError,
// which also matches ErrAssertion.
type AssertionError struct {
	Message string
}

func (e *AssertionError) Error() string {
	return fmt.Sprintf("assertion failed: %s", e.Message)
}

func (e *AssertionError) Is(target error) bool { return target == ErrAssertion }

// Kind returns the stable error-kind identifier.
func (e *AssertionError) Kind() string { return "Assertion" }

// OutOfSequenceError is the AssertionError raised by a submission or a
// stream push whose operation version does not immediately follow the
// expected predecessor.
type OutOfSequenceError struct {
	Type     string
	ID       string
	Got      uint64
	Expected uint64
}

func (e *OutOfSequenceError) Error() string {
	return fmt.Sprintf("out-of-sequence operation for (%s, %s): got version %d, expected %d",
		e.Type, e.ID, e.Got, e.Expected)
}

func (e *OutOfSequenceError) Is(target error) bool { return target == ErrAssertion }
