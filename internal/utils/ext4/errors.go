package ext4

import (
	"errors"
	"fmt"
)

// Errors returned while reading an ext4 image. Layout-level failures (I/O,
// invalid or unsupported images) abort a run; inode and entry level
// failures only affect the entity they were found on.
var (
	// Global errors
	ErrIO                 = errors.New("I/O error")
	ErrInvalidImage       = errors.New("invalid ext4 image")
	ErrUnsupportedFeature = errors.New("unsupported filesystem feature")

	// Per-entity errors
	ErrCorruptInode = errors.New("corrupt inode")
	ErrCorruptImage = errors.New("corrupt image structure")
	ErrEncrypted    = errors.New("inode is encrypted")

	// Lookup errors
	ErrNotFound     = errors.New("no such file or directory")
	ErrNotDirectory = errors.New("not a directory")
	ErrNotRegular   = errors.New("not a regular file")
	ErrNotSymlink   = errors.New("not a symbolic link")
)

// Error carries the operation and object an ext4 error was raised for.
type Error struct {
	Err       error  // The underlying error
	Operation string // The operation that failed
	Object    string // Inode, block or path the operation was working on
	Detail    string // Additional details about the error
}

// Error implements the error interface
func (e *Error) Error() string {
	if e.Object != "" && e.Detail != "" {
		return fmt.Sprintf("%s: %s [%s]: %v", e.Operation, e.Object, e.Detail, e.Err)
	} else if e.Object != "" {
		return fmt.Sprintf("%s: %s: %v", e.Operation, e.Object, e.Err)
	} else if e.Detail != "" {
		return fmt.Sprintf("%s: %v [%s]", e.Operation, e.Err, e.Detail)
	}
	return fmt.Sprintf("%s: %v", e.Operation, e.Err)
}

// Unwrap returns the underlying error
func (e *Error) Unwrap() error {
	return e.Err
}

// NewError creates a new Error with the given details
func NewError(err error, operation string, object string, detail string) error {
	return &Error{
		Err:       err,
		Operation: operation,
		Object:    object,
		Detail:    detail,
	}
}

func inodeObject(num uint32) string {
	return fmt.Sprintf("inode %d", num)
}

func blockObject(block uint64) string {
	return fmt.Sprintf("block %d", block)
}

// IsFatal reports whether err invalidates the whole image rather than a
// single entity.
func IsFatal(err error) bool {
	return errors.Is(err, ErrIO) || errors.Is(err, ErrInvalidImage) || errors.Is(err, ErrUnsupportedFeature)
}

// IsCorrupt reports whether err describes localized damage.
func IsCorrupt(err error) bool {
	return errors.Is(err, ErrCorruptInode) || errors.Is(err, ErrCorruptImage)
}
