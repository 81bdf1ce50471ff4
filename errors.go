package main

import (
	"errors"
	"fmt"

	"github.com/mattn/go-sqlite3"
)

var (
	// ErrNotFound indicates a room, player, game or notification lookup miss.
	ErrNotFound = errors.New("not found")
	// ErrConflict indicates a duplicate room code, a double game start or a join after start.
	ErrConflict = errors.New("conflict")
	// ErrInvalidTarget indicates a dead, self or unknown target for an action.
	ErrInvalidTarget = errors.New("invalid target")
	// ErrInvalidAction indicates the actor may not perform the action in the current phase.
	ErrInvalidAction = errors.New("invalid action")
	// ErrInvalidInput indicates a malformed request (empty name, unknown action type).
	ErrInvalidInput = errors.New("invalid input")
	// ErrStaleTransition indicates the phase already moved past the one being resolved.
	// Public transition operations absorb it and report a successful no-op.
	ErrStaleTransition = errors.New("stale transition")
	// ErrPersistence indicates the storage layer failed.
	ErrPersistence = errors.New("persistence failure")
)

// persistErr tags a driver error as ErrPersistence, translating constraint
// violations to ErrConflict.
func persistErr(op string, err error) error {
	if err == nil {
		return nil
	}
	if isConstraintErr(err) {
		return fmt.Errorf("%w: %s: %w", ErrConflict, op, err)
	}
	return fmt.Errorf("%w: %s: %w", ErrPersistence, op, err)
}

func isConstraintErr(err error) bool {
	var sqliteErr sqlite3.Error
	if !errors.As(err, &sqliteErr) {
		return false
	}
	switch sqliteErr.ExtendedCode {
	case sqlite3.ErrConstraintUnique, sqlite3.ErrConstraintPrimaryKey:
		return true
	}
	return false
}

// invalid builds a validation error carrying a user-facing message.
func invalid(kind error, message string) error {
	return fmt.Errorf("%w: %s", kind, message)
}
