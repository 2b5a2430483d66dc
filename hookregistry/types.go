// Copyright The OpenTelemetry Authors
// SPDX-License-Identifier: Apache-2.0

package hookregistry // import "github.com/vectorhook/hookcore/hookregistry"

import (
	"errors"
	"fmt"
)

var (
	// ErrHookFailed is returned for targets whose patching failed.
	ErrHookFailed = errors.New("hook installation failed")
	// ErrNotHooked is returned for targets that were never hooked.
	ErrNotHooked = errors.New("target is not hooked")
	// ErrInvalidVariant is returned for an unknown callback variant.
	ErrInvalidVariant = errors.New("invalid callback variant")
)

// TargetID identifies a hooked method.
type TargetID uint64

// CallbackID identifies a registered callback.
type CallbackID uint64

// Callback is a registered callback. Legacy callbacks only use ID. Modern
// callbacks use ID as the before hook and After as the after hook.
type Callback struct {
	ID    CallbackID
	After CallbackID
}

// Variant selects the callback chain of a target.
type Variant uint8

const (
	Legacy Variant = iota
	Modern
)

func (v Variant) String() string {
	switch v {
	case Legacy:
		return "legacy"
	case Modern:
		return "modern"
	default:
		return fmt.Sprintf("Variant(%d)", uint8(v))
	}
}

// Entry is a callback with its priority. Chains are ordered by descending
// priority, entries of equal priority by insertion.
type Entry struct {
	Priority int32
	Callback Callback
}

// Snapshot is a consistent copy of both chains of a target.
type Snapshot struct {
	Modern []Entry
	Legacy []Entry
}

// Backup invokes the original implementation of a hooked target.
type Backup interface {
	Invoke(receiver any, args []any) (any, error)
}

// BackupFunc adapts a function to Backup.
type BackupFunc func(receiver any, args []any) (any, error)

func (f BackupFunc) Invoke(receiver any, args []any) (any, error) {
	return f(receiver, args)
}

// Hooker redirects a target to the shared trampoline and returns a handle
// to the original implementation.
type Hooker interface {
	Hook(target TargetID) (Backup, error)
}

// HookerFunc adapts a function to Hooker.
type HookerFunc func(target TargetID) (Backup, error)

func (f HookerFunc) Hook(target TargetID) (Backup, error) {
	return f(target)
}

// State is the resolution state of a target's backup.
type State uint8

const (
	Unresolved State = iota
	Failed
	Resolved
)

func (s State) String() string {
	switch s {
	case Unresolved:
		return "unresolved"
	case Failed:
		return "failed"
	case Resolved:
		return "resolved"
	default:
		return fmt.Sprintf("State(%d)", uint8(s))
	}
}

// Resolution is the outcome of patching a target. It changes at most once,
// from Unresolved to Failed or Resolved.
type Resolution struct {
	State  State
	Backup Backup
	Err    error
}
