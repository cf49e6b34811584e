// Copyright 2026 The Orchestry Authors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     https://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package orcherr defines the error taxonomy shared by every orchestry
// component. Components return these sentinel-wrapped errors; only the
// HTTP adapter in internal/api translates them into status codes.
package orcherr

import (
	"errors"
	"fmt"
)

// Kind identifies which branch of the taxonomy an error belongs to.
type Kind int

const (
	// KindValidation marks a malformed app spec, invalid port/resource, or
	// invalid name.
	KindValidation Kind = iota
	// KindNotFound marks an unknown app, replica, or lease.
	KindNotFound
	// KindConflict marks a lease race or duplicate app name at registration.
	KindConflict
	// KindStoreUnavailable marks both primary and replica unreachable.
	KindStoreUnavailable
	// KindRuntime marks a container engine failure.
	KindRuntime
	// KindProxy marks a proxy config validation or reload failure.
	KindProxy
	// KindNotLeader marks a mutating call received by a follower.
	KindNotLeader
	// KindTransient marks a timeout or partial failure safe to retry.
	KindTransient
)

func (k Kind) String() string {
	switch k {
	case KindValidation:
		return "ValidationError"
	case KindNotFound:
		return "NotFound"
	case KindConflict:
		return "Conflict"
	case KindStoreUnavailable:
		return "StoreUnavailable"
	case KindRuntime:
		return "RuntimeError"
	case KindProxy:
		return "ProxyError"
	case KindNotLeader:
		return "NotLeader"
	case KindTransient:
		return "Transient"
	default:
		return "Unknown"
	}
}

// Error is a taxonomy-tagged error. Wrap underlying causes with Wrap so
// errors.Is/As and %w unwrapping keep working across component boundaries.
type Error struct {
	Kind    Kind
	Message string
	Cause   error
}

func (e *Error) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Message, e.Cause)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

func (e *Error) Unwrap() error { return e.Cause }

// Is reports whether target is an *Error with the same Kind, so callers can
// do errors.Is(err, orcherr.NotFound).
func (e *Error) Is(target error) bool {
	var t *Error
	if !errors.As(target, &t) {
		return false
	}
	return e.Kind == t.Kind
}

func newKind(k Kind) *Error { return &Error{Kind: k} }

// Sentinel values usable with errors.Is for kind comparisons, e.g.
// errors.Is(err, orcherr.NotFound).
var (
	NotFound         = newKind(KindNotFound)
	Conflict         = newKind(KindConflict)
	StoreUnavailable = newKind(KindStoreUnavailable)
	Validation       = newKind(KindValidation)
	Runtime          = newKind(KindRuntime)
	Proxy            = newKind(KindProxy)
	NotLeader        = newKind(KindNotLeader)
	Transient        = newKind(KindTransient)
)

// Wrap builds a taxonomy error of kind k with a message and optional cause.
func Wrap(k Kind, msg string, cause error) *Error {
	return &Error{Kind: k, Message: msg, Cause: cause}
}

// Wrapf is Wrap with a formatted message.
func Wrapf(k Kind, cause error, format string, args ...any) *Error {
	return &Error{Kind: k, Message: fmt.Sprintf(format, args...), Cause: cause}
}

// NotFoundf builds a KindNotFound error with a formatted message.
func NotFoundf(format string, args ...any) *Error {
	return &Error{Kind: KindNotFound, Message: fmt.Sprintf(format, args...)}
}

// KindOf extracts the Kind from err, defaulting to KindTransient when err
// does not carry one (the safe-to-retry default).
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return KindTransient
}
