// Copyright 2025 The packetd Authors
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
// http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package apperr defines the typed error kinds used across graphrun so
// callers (the driver API in particular) can branch on failure class
// instead of string-matching messages. Wrapping is built on
// github.com/pkg/errors, accumulation on
// github.com/hashicorp/go-multierror.
package apperr

import (
	"fmt"

	"github.com/hashicorp/go-multierror"
	"github.com/pkg/errors"
)

type Kind int

const (
	Unknown Kind = iota
	InvalidArgument
	NotFound
	AlreadyExists
	Unavailable
	Internal
	Aborted
	DeadlineExceeded
)

func (k Kind) String() string {
	switch k {
	case InvalidArgument:
		return "invalid_argument"
	case NotFound:
		return "not_found"
	case AlreadyExists:
		return "already_exists"
	case Unavailable:
		return "unavailable"
	case Internal:
		return "internal"
	case Aborted:
		return "aborted"
	case DeadlineExceeded:
		return "deadline_exceeded"
	default:
		return "unknown"
	}
}

// Error pairs a Kind with a wrapped cause, so errors.Cause still unwraps to
// the original error.
type Error struct {
	Kind Kind
	Op   string
	Err  error
}

func (e *Error) Error() string {
	if e.Op != "" {
		return fmt.Sprintf("%s: %s: %s", e.Op, e.Kind, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }
func (e *Error) Cause() error  { return e.Err }

// New wraps err (with a stack trace, via pkg/errors) as a Kind error
// attributed to op. A nil err returns nil.
func New(kind Kind, op string, err error) error {
	if err == nil {
		return nil
	}
	return &Error{Kind: kind, Op: op, Err: errors.WithStack(err)}
}

// Newf is New with a formatted message in place of a wrapped error.
func Newf(kind Kind, op, format string, args ...any) error {
	return New(kind, op, errors.Errorf(format, args...))
}

// KindOf walks err's Unwrap chain for the first *Error and returns its Kind,
// or Unknown.
func KindOf(err error) Kind {
	for err != nil {
		if e, ok := err.(*Error); ok {
			return e.Kind
		}
		u, ok := err.(interface{ Unwrap() error })
		if !ok {
			break
		}
		err = u.Unwrap()
	}
	return Unknown
}

// Is reports whether err's Kind (per KindOf) matches kind.
func Is(err error, kind Kind) bool { return KindOf(err) == kind }

// Accumulator collects errors from independent sources (node processing,
// validation passes) into a single multierror, capped to avoid unbounded
// growth on a runaway graph.
type Accumulator struct {
	max int
	err *multierror.Error
}

// NewAccumulator returns an Accumulator that stops recording past max errors
// (0 means unlimited).
func NewAccumulator(max int) *Accumulator {
	return &Accumulator{max: max}
}

func (a *Accumulator) Add(err error) {
	if err == nil {
		return
	}
	if a.max > 0 && a.err != nil && len(a.err.Errors) >= a.max {
		return
	}
	a.err = multierror.Append(a.err, err)
}

func (a *Accumulator) HasErrors() bool {
	return a.err != nil && len(a.err.Errors) > 0
}

// ErrorOrNil returns the accumulated multierror, or nil if nothing was
// added.
func (a *Accumulator) ErrorOrNil() error {
	if a.err == nil {
		return nil
	}
	return a.err.ErrorOrNil()
}

func (a *Accumulator) Count() int {
	if a.err == nil {
		return 0
	}
	return len(a.err.Errors)
}
