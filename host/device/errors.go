package device

import (
	"errors"
	"fmt"

	"github.com/dustin/go-humanize"
)

// Error taxonomy of a switch operation
var (
	// ErrDetectionTimeout means no banner arrived within the deadline. Not fatal: identity is Unknown.
	ErrDetectionTimeout = errors.New("no banner within deadline")

	// ErrDeviceNotFound means the bootloader volume never appeared
	ErrDeviceNotFound = errors.New("pico mass storage device not found")

	// ErrCopyFailed means the image write failed or was interrupted
	ErrCopyFailed = errors.New("image copy failed")

	// ErrIdentityMismatch means the post-switch identity is not the target
	ErrIdentityMismatch = errors.New("identity mismatch after switch")

	// ErrMisuse is an invalid request caught before touching the device
	ErrMisuse = errors.New("invalid switch request")
)

// NoSpaceError indicates the volume cannot hold the image
type NoSpaceError struct {
	Need uint64
	Free uint64
}

func (e *NoSpaceError) Error() string {
	return fmt.Sprintf("insufficient space on volume: need %s, have %s",
		humanize.IBytes(e.Need), humanize.IBytes(e.Free))
}

// Is makes errors.Is(err, ErrCopyFailed) hold for space failures
func (e *NoSpaceError) Is(target error) bool {
	return target == ErrCopyFailed
}

// MismatchError reports the identity seen after a switch
type MismatchError struct {
	Want Identity
	Got  Identity
}

func (e *MismatchError) Error() string {
	return fmt.Sprintf("expected %s after switch, detected %s", e.Want, e.Got)
}

// Is makes errors.Is(err, ErrIdentityMismatch) hold
func (e *MismatchError) Is(target error) bool {
	return target == ErrIdentityMismatch
}

// StepError is the single aggregate failure of a switch operation
type StepError struct {
	// Step is the session step that failed
	Step string

	// Last is the last identity observed before the failure
	Last Identity

	Err error
}

func (e *StepError) Error() string {
	return fmt.Sprintf("switch failed during %s (last identity: %s): %v", e.Step, e.Last, e.Err)
}

func (e *StepError) Unwrap() error {
	return e.Err
}
