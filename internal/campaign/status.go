package campaign

import "fmt"

// Status is the campaign lifecycle state.
//
// Lifecycle: draft → sending ⇄ paused → completed|stopped|failed → archived,
// plus restart returning a terminal campaign to sending.
type Status string

const (
	StatusDraft     Status = "draft"
	StatusScheduled Status = "scheduled"
	StatusSending   Status = "sending"
	StatusPaused    Status = "paused"
	StatusCompleted Status = "completed"
	StatusStopped   Status = "stopped"
	StatusFailed    Status = "failed"
	StatusArchived  Status = "archived"
)

func (s Status) Valid() bool {
	switch s {
	case StatusDraft, StatusScheduled, StatusSending, StatusPaused,
		StatusCompleted, StatusStopped, StatusFailed, StatusArchived:
		return true
	}
	return false
}

// Terminal reports whether no further delivery work happens in this status.
// Archived is terminal too; it is reached only from other terminal states.
func (s Status) Terminal() bool {
	switch s {
	case StatusCompleted, StatusStopped, StatusFailed, StatusArchived:
		return true
	}
	return false
}

// Active reports whether the campaign's messages are eligible for dispatch.
func (s Status) Active() bool {
	return s == StatusDraft || s == StatusSending
}

// Action is an operator-requested lifecycle transition.
type Action string

const (
	ActionStart   Action = "start"
	ActionPause   Action = "pause"
	ActionStop    Action = "stop"
	ActionArchive Action = "archive"
	ActionRestart Action = "restart"
)

func ParseAction(s string) (Action, error) {
	a := Action(s)
	switch a {
	case ActionStart, ActionPause, ActionStop, ActionArchive, ActionRestart:
		return a, nil
	}
	return "", fmt.Errorf("unknown campaign action %q", s)
}

// TransitionError is returned when a guard rejects an action.
// The transition has no side effects in that case.
type TransitionError struct {
	Action   Action
	Current  Status
	Required string
}

func (e *TransitionError) Error() string {
	return fmt.Sprintf("cannot %s campaign in status %q: requires status %s", e.Action, e.Current, e.Required)
}

// Guards. Each reports whether the action is allowed from the current status.

func (s Status) CanStart() bool {
	return s == StatusDraft || s == StatusPaused || s == StatusScheduled
}

func (s Status) CanPause() bool { return s == StatusSending }

func (s Status) CanStop() bool { return s == StatusSending || s == StatusPaused }

func (s Status) CanArchive() bool {
	return s == StatusCompleted || s == StatusFailed || s == StatusStopped
}

func (s Status) CanRestart() bool {
	return s == StatusCompleted || s == StatusStopped || s == StatusFailed
}

// Next applies an action to the current status.
// On rejection it returns a *TransitionError and the status is unchanged.
func (s Status) Next(a Action) (Status, error) {
	switch a {
	case ActionStart:
		if !s.CanStart() {
			return s, &TransitionError{Action: a, Current: s, Required: "draft, paused or scheduled"}
		}
		return StatusSending, nil
	case ActionPause:
		if !s.CanPause() {
			return s, &TransitionError{Action: a, Current: s, Required: "sending"}
		}
		return StatusPaused, nil
	case ActionStop:
		if !s.CanStop() {
			return s, &TransitionError{Action: a, Current: s, Required: "sending or paused"}
		}
		return StatusStopped, nil
	case ActionArchive:
		if !s.CanArchive() {
			return s, &TransitionError{Action: a, Current: s, Required: "completed, failed or stopped"}
		}
		return StatusArchived, nil
	case ActionRestart:
		if !s.CanRestart() {
			return s, &TransitionError{Action: a, Current: s, Required: "completed, stopped or failed"}
		}
		return StatusSending, nil
	}
	return s, fmt.Errorf("unknown campaign action %q", a)
}
