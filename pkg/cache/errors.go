package cache

import (
	"errors"
	"fmt"
	"os"
	"syscall"
)

var (
	// ErrUnavailable marks storage that cannot be used right now: quota
	// exhausted, permission denied, read-only or disabled.
	ErrUnavailable = errors.New("storage unavailable")

	// ErrClosed is returned for operations on a closed backend.
	ErrClosed = errors.New("storage closed")
)

// StorageError is a persistence failure for one operation.
//
// Callers that await a cache operation directly receive it; the
// fire-and-forget ingestion path logs it and moves on.
type StorageError struct {
	Op        string // "get", "set", "clear"
	Partition string // token type tag, empty for whole-store operations
	Err       error
}

func (e *StorageError) Error() string {
	if e.Partition == "" {
		return fmt.Sprintf("cache %s: %v", e.Op, e.Err)
	}
	return fmt.Sprintf("cache %s %q: %v", e.Op, e.Partition, e.Err)
}

func (e *StorageError) Unwrap() error {
	return e.Err
}

// IsUnavailable reports whether err means the storage itself is unusable,
// as opposed to a corrupt payload or a caller mistake.
func IsUnavailable(err error) bool {
	return errors.Is(err, ErrUnavailable)
}

// markUnavailable tags OS-level quota and permission failures with
// ErrUnavailable so they can be told apart from decode failures.
func markUnavailable(err error) error {
	if err == nil || errors.Is(err, ErrUnavailable) {
		return err
	}
	if errors.Is(err, os.ErrPermission) || errors.Is(err, syscall.ENOSPC) || errors.Is(err, syscall.EROFS) {
		return fmt.Errorf("%w: %w", ErrUnavailable, err)
	}
	return err
}
