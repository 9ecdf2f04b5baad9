package domain

import "fmt"

var terminalStatuses = map[TaskStatus]bool{
	StatusCompleted: true,
	StatusFailed:    true,
	StatusCancelled: true,
}

// pending → running → completed|failed; pending|running → cancelled
var validTransitions = map[TaskStatus]map[TaskStatus]bool{
	StatusPending: {
		StatusRunning:   true,
		StatusCancelled: true,
	},
	StatusRunning: {
		StatusCompleted: true,
		StatusFailed:    true,
		StatusCancelled: true,
	},
}

func IsTerminal(s TaskStatus) bool {
	return terminalStatuses[s]
}

func (s TaskStatus) Valid() bool {
	switch s {
	case StatusPending, StatusRunning, StatusCompleted, StatusFailed, StatusCancelled:
		return true
	}
	return false
}

// ParseStatus converts a wire value into a TaskStatus.
func ParseStatus(v string) (TaskStatus, error) {
	s := TaskStatus(v)
	if !s.Valid() {
		return "", fmt.Errorf("%w: unknown status %q", ErrInvalidState, v)
	}
	return s, nil
}

func ValidateTransition(from, to TaskStatus) error {
	if IsTerminal(from) {
		return fmt.Errorf("%w: cannot transition from terminal status %q", ErrInvalidState, from)
	}
	allowed, ok := validTransitions[from]
	if !ok {
		return fmt.Errorf("%w: unknown status %q", ErrInvalidState, from)
	}
	if !allowed[to] {
		return fmt.Errorf("%w: invalid task transition %q -> %q", ErrInvalidState, from, to)
	}
	return nil
}
