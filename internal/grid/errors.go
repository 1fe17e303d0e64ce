package grid

import (
	"errors"
	"fmt"
)

var (
	// ErrReservationConflict is returned when a cell-time slot is already
	// held by another agent.
	ErrReservationConflict = errors.New("reservation conflict")

	// ErrCellOutOfRange is returned for cells outside the intersection.
	ErrCellOutOfRange = errors.New("cell out of range")

	// ErrNotReserved is returned by Commit when the agent holds no
	// preliminary record for the slot.
	ErrNotReserved = errors.New("no preliminary reservation")

	// ErrInvalidGeometry is returned by New for non-positive dimensions.
	ErrInvalidGeometry = errors.New("invalid grid geometry")
)

// ConflictError describes a lost cell-time slot. It unwraps to
// ErrReservationConflict.
type ConflictError struct {
	Agent  int
	Cell   Cell
	Time   float64
	Holder int
}

func (e *ConflictError) Error() string {
	return fmt.Sprintf("agent %d: cell %v at t=%.3f held by agent %d", e.Agent, e.Cell, e.Time, e.Holder)
}

func (e *ConflictError) Unwrap() error { return ErrReservationConflict }
