package eventlog

import (
	"errors"
	"fmt"
)

// ErrStorage marks a failure of the backing store. Callers surface it so the
// producer can retry; it is never swallowed.
var ErrStorage = errors.New("storage unavailable")

// StorageError records which store operation failed.
type StorageError struct {
	Op  string
	Err error
}

func (e *StorageError) Error() string {
	return fmt.Sprintf("%s: %s: %v", ErrStorage, e.Op, e.Err)
}

func (e *StorageError) Unwrap() error { return e.Err }

func (e *StorageError) Is(target error) bool { return target == ErrStorage }

func storageErr(op string, err error) error {
	if err == nil {
		return nil
	}
	return &StorageError{Op: op, Err: err}
}
