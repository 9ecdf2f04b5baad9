package domain

import "time"

type TaskStatus string

const (
	StatusPending   TaskStatus = "pending"
	StatusRunning   TaskStatus = "running"
	StatusCompleted TaskStatus = "completed"
	StatusFailed    TaskStatus = "failed"
	StatusCancelled TaskStatus = "cancelled"
)

// DefaultListLimit is applied by stores when ListFilter.Limit is not positive.
const DefaultListLimit = 50

type Task struct {
	ID        string         `json:"id"`
	Type      string         `json:"type"`
	Params    map[string]any `json:"params"`
	Priority  int            `json:"priority"`
	Status    TaskStatus     `json:"status"`
	CreatedAt time.Time      `json:"created_at"`
	UpdatedAt time.Time      `json:"updated_at"`
	Result    map[string]any `json:"result"`
	Error     *string        `json:"error"`
	Progress  *float64       `json:"progress"`
}

// ListFilter selects tasks for TaskStore.List. Zero values mean "no filter".
type ListFilter struct {
	Status *TaskStatus
	Since  *time.Time
	Limit  int

	// OldestFirst orders by created_at ascending instead of the default descending.
	OldestFirst bool
}

func (f ListFilter) EffectiveLimit() int {
	if f.Limit <= 0 {
		return DefaultListLimit
	}
	return f.Limit
}

// Matches reports whether t passes the status and since filters.
func (f ListFilter) Matches(t Task) bool {
	if f.Status != nil && t.Status != *f.Status {
		return false
	}
	if f.Since != nil && t.CreatedAt.Before(*f.Since) {
		return false
	}
	return true
}

// Transition moves t to status `to`, rewriting UpdatedAt. It fails with an
// ErrInvalidState-wrapping error when the state machine forbids the move.
func (t *Task) Transition(to TaskStatus, now time.Time) error {
	if err := ValidateTransition(t.Status, to); err != nil {
		return err
	}
	t.Status = to
	t.Touch(now)
	return nil
}

// Complete transitions a running task to completed with the given result.
func (t *Task) Complete(result map[string]any, now time.Time) error {
	if err := t.Transition(StatusCompleted, now); err != nil {
		return err
	}
	if result == nil {
		result = map[string]any{}
	}
	t.Result = result
	t.Error = nil
	return nil
}

// Fail transitions a running task to failed with the given description.
func (t *Task) Fail(reason string, now time.Time) error {
	if err := t.Transition(StatusFailed, now); err != nil {
		return err
	}
	t.Result = nil
	t.Error = &reason
	return nil
}

// Touch sets UpdatedAt to now, never earlier than CreatedAt.
func (t *Task) Touch(now time.Time) {
	if now.Before(t.CreatedAt) {
		now = t.CreatedAt
	}
	t.UpdatedAt = now
}

func (t Task) IsTerminal() bool {
	return IsTerminal(t.Status)
}

// ErrorString returns the failure description or "" when none is set.
func (t Task) ErrorString() string {
	if t.Error == nil {
		return ""
	}
	return *t.Error
}
