package errors

import (
	"fmt"

	"github.com/pkg/errors"
)

type errNotFound struct {
	cluster string
	labUID  string
}

// ErrNotFound creates an error indicating that no active allocation exists
// for the lab in the cluster.
func ErrNotFound(labUID, cluster string) error {
	return errNotFound{cluster: cluster, labUID: labUID}
}

// Error returns the error message
func (e errNotFound) Error() string {
	return fmt.Sprintf("no active allocation found for lab_uid %v in cluster %v", e.labUID, e.cluster)
}

// IsErrNotFound returns true if the error is the result of looking up or
// releasing an allocation that does not exist
func IsErrNotFound(e error) bool {
	_, ok := errors.Cause(e).(errNotFound)
	return ok
}

type errCapacityExhausted struct {
	cluster string
	cause   string
}

// ErrCapacityExhausted creates an error indicating that no run of free,
// unprotected addresses large enough for a lab remains in the cluster.
func ErrCapacityExhausted(cluster, cause string, args ...interface{}) error {
	if len(args) != 0 {
		return errCapacityExhausted{cluster: cluster, cause: fmt.Sprintf(cause, args...)}
	}
	return errCapacityExhausted{cluster: cluster, cause: cause}
}

// Error returns a formatted error message
func (e errCapacityExhausted) Error() string {
	return fmt.Sprintf("address capacity of cluster %v is exhausted: %v", e.cluster, e.cause)
}

// IsErrCapacityExhausted returns true if the error is a result of the
// network having no room left for another lab
func IsErrCapacityExhausted(e error) bool {
	_, ok := errors.Cause(e).(errCapacityExhausted)
	return ok
}

type errBusy struct {
	op       string
	attempts int
}

// ErrBusy creates an error indicating that exclusive access to the store
// could not be acquired within the allowed number of attempts. It is
// transient; the caller may retry later.
func ErrBusy(op string, attempts int) error {
	return errBusy{op: op, attempts: attempts}
}

// Error returns a formatted error message
func (e errBusy) Error() string {
	return fmt.Sprintf("store is busy: %v gave up after %d attempts", e.op, e.attempts)
}

// IsErrBusy returns true if the error is a result of lock contention on the
// store
func IsErrBusy(e error) bool {
	_, ok := errors.Cause(e).(errBusy)
	return ok
}

type errInvalidInput struct {
	cause string
}

// ErrInvalidInput returns an error indicating that a request or the
// configuration cannot be operated on; for example, if a lab_uid is empty
// or a network is not an IPv4 CIDR.
func ErrInvalidInput(cause string, args ...interface{}) error {
	if len(args) != 0 {
		return errInvalidInput{cause: fmt.Sprintf(cause, args...)}
	}
	return errInvalidInput{cause: cause}
}

// Error returns a formatted error message
func (e errInvalidInput) Error() string {
	return fmt.Sprintf("invalid input: %v", e.cause)
}

// IsErrInvalidInput returns true if the error is a result of invalid input
func IsErrInvalidInput(e error) bool {
	_, ok := errors.Cause(e).(errInvalidInput)
	return ok
}

type errInternal struct {
	cause string
}

// ErrInternal creates an error type indicating that some component we
// expect to succeed failed, for example the store could not read or write
// its file. It backs every failure that is not one of the other kinds, so
// each error leaving the engine has a concrete type.
func ErrInternal(cause string, args ...interface{}) error {
	if len(args) != 0 {
		return errInternal{cause: fmt.Sprintf(cause, args...)}
	}
	return errInternal{cause: cause}
}

// Error returns a formatted error message
func (e errInternal) Error() string {
	return fmt.Sprintf("internal allocator error: %v", e.cause)
}

// IsErrInternal returns true if the error is a result of some unexpected
// internal failure
func IsErrInternal(e error) bool {
	_, ok := errors.Cause(e).(errInternal)
	return ok
}
