// Copyright 2024 PersistentFS Authors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package common

import (
	"context"
	"errors"
	"fmt"
)

var (
	ErrNotFound    = errors.New("not found")
	ErrNotDir      = errors.New("not a directory")
	ErrInvalidID   = errors.New("invalid file id")
	ErrInvalidArg  = errors.New("invalid argument")
	ErrRecordFreed = errors.New("record is free")
	ErrAlreadyOpen = errors.New("store is already open")
	ErrClosed      = errors.New("store is closed")
	ErrCorrupted   = errors.New("store is corrupted")
	ErrIO          = errors.New("I/O error")
)

// IOError is a transient failure of a single operation. It is surfaced to the
// caller and does not mark the store corrupted.
type IOError struct {
	Op  string
	Err error
}

func (e *IOError) Error() string {
	return fmt.Sprintf("%s: %v", e.Op, e.Err)
}

func (e *IOError) Unwrap() error { return e.Err }

// Is makes errors.Is(err, ErrIO) hold for every IOError.
func (e *IOError) Is(target error) bool { return target == ErrIO }

// CorruptionError reports structural damage of the on-disk state. Any
// CorruptionError reaching the store boundary marks the store corrupted and
// forces a rebuild on the next open.
type CorruptionError struct {
	Msg string
	Err error
}

func (e *CorruptionError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("corruption: %s: %v", e.Msg, e.Err)
	}
	return "corruption: " + e.Msg
}

func (e *CorruptionError) Unwrap() error { return e.Err }

func (e *CorruptionError) Is(target error) bool { return target == ErrCorrupted }

// NewIOError wraps err as an IOError for op. Nil and cancellation errors are
// returned unchanged.
func NewIOError(op string, err error) error {
	if err == nil || IsCancellation(err) {
		return err
	}
	var ioErr *IOError
	if errors.As(err, &ioErr) {
		return err
	}
	var corrupted *CorruptionError
	if errors.As(err, &corrupted) {
		return err
	}
	return &IOError{Op: op, Err: err}
}

// Corruptf builds a CorruptionError with a formatted message.
func Corruptf(format string, args ...any) error {
	return &CorruptionError{Msg: fmt.Sprintf(format, args...)}
}

// IsCorruption reports whether err carries a CorruptionError.
func IsCorruption(err error) bool {
	var corrupted *CorruptionError
	return errors.As(err, &corrupted)
}

// IsCancellation reports whether err is a context cancellation or deadline.
func IsCancellation(err error) bool {
	return errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded)
}
